package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/providers"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/notify"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/reconcile"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/state"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/vault"
)

const (
	envMasterPassword    = "DNS_SYNC_MASTER_PASSWORD"
	envNewMasterPassword = "DNS_SYNC_NEW_MASTER_PASSWORD"
)

// loadConfig reads and validates the servers file.
func (a *app) loadConfig() (*config.File, error) {
	f, err := config.Load(a.configPath())
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	a.log.V(1).Info("loaded config", "path", a.configPath(), "servers", len(f.Servers))
	return f, nil
}

func (a *app) openStore() (*vault.Store, error) {
	return vault.Open(a.storePath(), a.log.WithName("vault"))
}

// readPassphrase takes the passphrase from env or prompts on the terminal.
func readPassphrase(env, prompt string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt on; set %s", env)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readNewPassphrase prompts twice unless env is set.
func readNewPassphrase(env string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	p, err := readPassphrase(env, "New master passphrase: ")
	if err != nil {
		return "", err
	}
	confirm, err := readPassphrase(env, "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if p != confirm {
		return "", errors.New("passphrases do not match")
	}
	if p == "" {
		return "", errors.New("passphrase must not be empty")
	}
	return p, nil
}

func usesVault(f *config.File) bool {
	if f.API.Token.Kind == config.RefVault {
		return true
	}
	for _, s := range f.Servers {
		for _, ref := range s.Auth {
			if ref.Kind == config.RefVault {
				return true
			}
		}
	}
	return false
}

// resolver unlocks the secret store when the configuration references it.
// The returned close function zeroes the master key.
func (a *app) resolver(f *config.File) (*vault.Resolver, func(), error) {
	log := a.log.WithName("credentials")
	if !usesVault(f) {
		return vault.NewResolver(nil, nil, log), func() {}, nil
	}
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	if !store.Initialized() {
		log.Info("config references the secret store but it is not initialized", "path", store.Path())
		return vault.NewResolver(store, nil, log), func() {}, nil
	}
	pass, err := readPassphrase(envMasterPassword, "Master passphrase: ")
	if err != nil {
		log.Info("secret store stays locked; servers using it will fail", "reason", err.Error())
		return vault.NewResolver(store, nil, log), func() {}, nil
	}
	v, err := store.Unlock(pass)
	if err != nil {
		return nil, nil, err
	}
	return vault.NewResolver(store, v, log), v.Close, nil
}

// targets resolves credentials and builds an adapter for every server. A
// failure is kept on the target so the rest of the topology still runs.
func (a *app) targets(f *config.File) ([]controller.Target, error) {
	targets, _, err := a.credentials(f)
	return targets, err
}

// credentials builds the targets and resolves the API token with a single
// unlock of the secret store. An unresolvable token leaves the sync routes
// disabled.
func (a *app) credentials(f *config.File) ([]controller.Target, string, error) {
	res, closeVault, err := a.resolver(f)
	if err != nil {
		return nil, "", err
	}
	defer closeVault()

	out := make([]controller.Target, 0, len(f.Servers))
	for _, s := range f.Servers {
		t := controller.Target{Server: s}
		if !s.IsEnabled() {
			out = append(out, t)
			continue
		}
		creds, err := res.ResolveServer(s)
		if err == nil {
			t.Provider, err = dns.NewProvider(a.log.WithName("dns-"+s.Type).WithValues("server", s.Name), s, creds)
		}
		if err != nil {
			a.log.Error(err, "server adapter unavailable", "server", s.Name)
			t.Err = err
		}
		out = append(out, t)
	}

	token, err := res.Resolve(config.APIServerName, "token", f.API.Token)
	if err != nil {
		a.log.Error(err, "api token unavailable; sync routes are disabled")
		token = ""
	}
	return out, token, nil
}

// components is everything a sync needs.
type components struct {
	cfg      *config.File
	ctrl     *controller.SyncController
	ledger   *ledger.Ledger
	apiToken string
}

func (a *app) build() (*components, error) {
	f, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	targets, token, err := a.credentials(f)
	if err != nil {
		return nil, err
	}

	hubServer, _ := f.Hub()
	var hub controller.Target
	var spokes []controller.Target
	for _, t := range targets {
		switch {
		case t.Server.Name == hubServer.Name:
			hub = t
		case t.Server.SyncMode == config.ModeSpoke:
			spokes = append(spokes, t)
		}
	}
	if hub.Err != nil {
		return nil, fmt.Errorf("hub %q: %w", hub.Server.Name, hub.Err)
	}

	l, err := ledger.Open(a.ledgerPath(), a.log.WithName("ledger"))
	if err != nil {
		return nil, err
	}
	st, err := state.Open(a.statePath(), a.log.WithName("state"))
	if err != nil {
		return nil, err
	}

	c := &controller.SyncController{
		Log:      a.log.WithName("sync"),
		Hub:      hub,
		Spokes:   spokes,
		Ledger:   l,
		State:    st,
		Notifier: notify.FromEnv(a.log.WithName("notify"), os.Getenv),
		Metrics:  controller.NewMetrics(nil),
		Policy:   reconcile.PolicyFor(f.Sync),
		Scope:    f.Sync.DeletionScope,
		Workers:  f.Sync.Workers,
		Interval: time.Duration(f.Sync.Interval),
	}
	return &components{cfg: f, ctrl: c, ledger: l, apiToken: token}, nil
}
