package dns

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
)

// Factory is a constructor function that providers register to create
// themselves. creds holds the already resolved credential fields.
type Factory func(log logr.Logger, server config.Server, creds map[string]string) (Provider, error)

type registration struct {
	factory      Factory
	capabilities sets.Set[RecordType]
}

var (
	mu        sync.Mutex
	factories = make(map[string]registration)
)

// Register is called by provider packages in their init() to self-register.
func Register(name string, caps sets.Set[RecordType], f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("dns: provider %q already registered", name))
	}
	factories[name] = registration{factory: f, capabilities: caps}
}

// NewProvider looks up the server's type in the registry and creates it.
func NewProvider(log logr.Logger, server config.Server, creds map[string]string) (Provider, error) {
	mu.Lock()
	reg, ok := factories[server.Type]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported DNS provider: %q (registered: %v)", server.Type, Registered())
	}
	return reg.factory(log, server, creds)
}

// CapabilitiesOf returns the static capabilities of a registered type.
func CapabilitiesOf(name string) (sets.Set[RecordType], bool) {
	mu.Lock()
	defer mu.Unlock()
	reg, ok := factories[name]
	if !ok {
		return nil, false
	}
	return reg.capabilities.Clone(), true
}

// Registered returns the sorted names of all registered providers.
func Registered() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
