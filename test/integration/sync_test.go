package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/go-logr/logr"
	logrtesting "github.com/go-logr/logr/testing"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/providers"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/reconcile"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/state"
)

var opnsenseCreds = map[string]string{"api_key": "test-key", "api_secret": "test-secret"}

func target(t *testing.T, log logr.Logger, name, typ string, mode config.SyncMode, url string, creds map[string]string) controller.Target {
	t.Helper()
	s := config.Server{Name: name, Type: typ, URL: url, SyncMode: mode}
	p, err := dns.NewProvider(log.WithValues("server", name), s, creds)
	if err != nil {
		t.Fatalf("building %s: %v", name, err)
	}
	return controller.Target{Server: s, Provider: p}
}

type env struct {
	ctrl   *controller.SyncController
	ledger *ledger.Ledger
	state  *state.State
}

func newEnv(t *testing.T, hub controller.Target, spokes ...controller.Target) *env {
	t.Helper()
	log := logrtesting.NewTestLogger(t)
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	st, err := state.Open(filepath.Join(dir, "state.yaml"), log)
	if err != nil {
		t.Fatal(err)
	}
	return &env{
		ctrl: &controller.SyncController{
			Log:    log,
			Hub:    hub,
			Spokes: spokes,
			Ledger: l,
			State:  st,
			Policy: reconcile.Policy{Backoff: wait.Backoff{Duration: 1, Steps: 2}},
		},
		ledger: l,
		state:  st,
	}
}

func TestHubToMixedSpokes(t *testing.T) {
	log := logrtesting.NewTestLogger(t)
	hubAPI := newFakeOPNsense(
		override("www", "lan", "A", "10.0.0.1"),
		override("v6", "lan", "AAAA", "fd00::1"),
	)
	fwAPI := newFakeOPNsense(
		override("www", "lan", "A", "10.0.0.1"),
		override("stale", "lan", "A", "10.0.0.9"),
	)
	piAPI := &fakePihole{password: "pw"}

	hubSrv := httptest.NewServer(hubAPI)
	defer hubSrv.Close()
	fwSrv := httptest.NewServer(fwAPI)
	defer fwSrv.Close()
	piSrv := httptest.NewServer(piAPI.handler())
	defer piSrv.Close()

	e := newEnv(t,
		target(t, log, "core", "opnsense", config.ModeHub, hubSrv.URL, opnsenseCreds),
		target(t, log, "edge", "opnsense", config.ModeSpoke, fwSrv.URL, opnsenseCreds),
		target(t, log, "pi", "pihole", config.ModeSpoke, piSrv.URL, map[string]string{"password": "pw"}),
	)
	ctx := context.Background()

	pass, err := e.ctrl.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	for _, sp := range pass.Spokes {
		if sp.Outcome != ledger.OutcomeSynced {
			t.Errorf("%s: expected SYNCED, got %s (%s)", sp.Server, sp.Outcome, sp.Detail)
		}
	}

	if got, want := fwAPI.servers(), []string{"v6.lan=fd00::1", "www.lan=10.0.0.1"}; !slices.Equal(got, want) {
		t.Errorf("edge records = %v, want %v", got, want)
	}
	if got, want := piAPI.records(), []string{"10.0.0.1 www.lan", "fd00::1 v6.lan"}; !slices.Equal(got, want) {
		t.Errorf("pi records = %v, want %v", got, want)
	}
	if hubAPI.mutations() != 0 {
		t.Errorf("hub must never be written, saw %d mutating calls", hubAPI.mutations())
	}

	// A second pass against converged spokes changes nothing.
	before := fwAPI.mutations()
	pass, err = e.ctrl.RunPass(ctx)
	if err != nil {
		t.Fatalf("second RunPass: %v", err)
	}
	for _, sp := range pass.Spokes {
		if sp.Apply.Applied() != 0 {
			t.Errorf("%s: expected no changes on the second pass, got %+v", sp.Server, sp.Apply)
		}
	}
	if fwAPI.mutations() != before {
		t.Error("edge was written on an idempotent pass")
	}

	entries, err := e.ledger.Query(ledger.Filter{Server: "pi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Added != 2 || entries[1].Added != 0 {
		t.Errorf("unexpected pi ledger: %+v", entries)
	}
	if managed := e.state.Managed("pi"); managed.Len() != 2 {
		t.Errorf("expected 2 managed records for pi, got %v", managed.UnsortedList())
	}
}

func TestSpokeAuthFailureIsIsolated(t *testing.T) {
	log := logrtesting.NewTestLogger(t)
	hubAPI := newFakeOPNsense(override("www", "lan", "A", "10.0.0.1"))
	fwAPI := newFakeOPNsense()
	piAPI := &fakePihole{password: "pw"}

	hubSrv := httptest.NewServer(hubAPI)
	defer hubSrv.Close()
	fwSrv := httptest.NewServer(fwAPI)
	defer fwSrv.Close()
	piSrv := httptest.NewServer(piAPI.handler())
	defer piSrv.Close()

	e := newEnv(t,
		target(t, log, "core", "opnsense", config.ModeHub, hubSrv.URL, opnsenseCreds),
		target(t, log, "edge", "opnsense", config.ModeSpoke, fwSrv.URL, opnsenseCreds),
		target(t, log, "pi", "pihole", config.ModeSpoke, piSrv.URL, map[string]string{"password": "wrong"}),
	)

	if _, err := e.ctrl.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	outcomes := map[string]controller.SpokeState{}
	for _, s := range e.ctrl.States() {
		outcomes[s.Name] = s.State
	}
	if outcomes["edge"] != controller.StateSynced || outcomes["pi"] != controller.StateError {
		t.Errorf("unexpected states: %v", outcomes)
	}
	if got := fwAPI.servers(); !slices.Equal(got, []string{"www.lan=10.0.0.1"}) {
		t.Errorf("edge records = %v", got)
	}
	if len(piAPI.records()) != 0 {
		t.Errorf("pi must be untouched, got %v", piAPI.records())
	}
}
