package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
)

// EnvPrefix starts every credential override variable.
const EnvPrefix = "DNS_SYNC"

// ErrLocked is returned when a vault reference must be resolved but no
// unlocked vault was provided.
var ErrLocked = errors.New("vault: secret store is locked")

// EnvName returns the override variable for a server credential field:
// prefix, server and field joined by "_", uppercased, with every
// non-alphanumeric character replaced by "_".
// e.g. ("DNS_SYNC", "pi-hole.lan", "password") → "DNS_SYNC_PI_HOLE_LAN_PASSWORD"
func EnvName(prefix, server, field string) string {
	return envToken(prefix) + "_" + envToken(server) + "_" + envToken(field)
}

func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// Resolver turns configured credential references into plaintext values.
// Precedence, first hit wins: the derived environment override, the secret
// store entry for vault references, the named variable for env references,
// and finally the literal value, which is logged as a warning.
// Resolved values are cached for the lifetime of the resolver.
type Resolver struct {
	store     *Store
	opener    Opener
	log       logr.Logger
	lookupEnv func(string) (string, bool)
	prefix    string

	mu    sync.Mutex
	cache map[[2]string]string
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// WithEnvPrefix replaces EnvPrefix.
func WithEnvPrefix(prefix string) ResolverOption {
	return func(r *Resolver) { r.prefix = prefix }
}

// NewResolver returns a resolver. store and opener may be nil when no secret
// store is in use; vault references then fail with ErrLocked.
func NewResolver(store *Store, opener Opener, log logr.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		opener:    opener,
		log:       log,
		lookupEnv: os.LookupEnv,
		prefix:    EnvPrefix,
		cache:     make(map[[2]string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the plaintext for one credential field.
func (r *Resolver) Resolve(server, field string, ref config.CredentialRef) (string, error) {
	cacheKey := [2]string{server, field}
	r.mu.Lock()
	if v, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err := r.resolve(server, field, ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[cacheKey] = v
	r.mu.Unlock()
	return v, nil
}

func (r *Resolver) resolve(server, field string, ref config.CredentialRef) (string, error) {
	name := EnvName(r.prefix, server, field)
	if v, ok := r.lookupEnv(name); ok && v != "" {
		r.log.V(1).Info("credential taken from environment override", "server", server, "field", field, "variable", name)
		return v, nil
	}

	switch ref.Kind {
	case config.RefVault:
		if r.store == nil || r.opener == nil {
			return "", fmt.Errorf("%s/%s: %w", server, field, ErrLocked)
		}
		v, err := r.store.Get(r.opener, server, ref.VaultField(field))
		if err != nil {
			return "", err
		}
		r.log.V(1).Info("credential taken from secret store", "server", server, "field", field)
		return v, nil

	case config.RefEnv:
		v, ok := r.lookupEnv(ref.Value)
		if !ok {
			return "", fmt.Errorf("%s/%s: environment variable %s is not set", server, field, ref.Value)
		}
		return v, nil

	default:
		if ref.Value != "" {
			r.log.Info("WARNING: using plaintext credential from configuration; store it in the vault instead",
				"server", server, "field", field)
		}
		return ref.Value, nil
	}
}

// ResolveServer resolves every auth field of a server.
func (r *Resolver) ResolveServer(s config.Server) (map[string]string, error) {
	creds := make(map[string]string, len(s.Auth))
	for field, ref := range s.Auth {
		v, err := r.Resolve(s.Name, field, ref)
		if err != nil {
			return nil, err
		}
		creds[field] = v
	}
	return creds, nil
}
