package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// ErrInvalid is wrapped by every ConfigError.
var ErrInvalid = errors.New("invalid configuration")

// ConfigError reports a configuration that must be fixed before any sync
// pass can run.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalid }

// DeletionScope decides which spoke records a sync may remove.
type DeletionScope string

const (
	// ScopeAll treats the hub as absolute truth: any spoke record missing
	// from the hub is removed.
	ScopeAll DeletionScope = "all"
	// ScopeManaged only removes records this tool previously pushed to or
	// verified on the spoke.
	ScopeManaged DeletionScope = "managed"
)

const (
	DefaultInterval = 30 * time.Minute
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 3
	DefaultWorkers  = 4
)

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// SyncSettings holds pass scheduling and apply policy options.
type SyncSettings struct {
	Interval      Duration      `yaml:"interval"`
	Timeout       Duration      `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	Workers       int           `yaml:"workers"`
	DeletionScope DeletionScope `yaml:"deletion_scope"`
}

// APIServerName is the credential scope of the HTTP API token, so it
// resolves like a server field: DNS_SYNC_API_TOKEN or "encrypted:token"
// stored under server "api".
const APIServerName = "api"

// APISettings configures the HTTP API.
type APISettings struct {
	// Token guards the routes that start syncs. Without one they are
	// refused.
	Token CredentialRef `yaml:"token,omitempty"`
}

// File is the parsed servers configuration file.
type File struct {
	Sync    SyncSettings `yaml:"sync"`
	API     APISettings  `yaml:"api,omitempty"`
	Servers []Server     `yaml:"servers"`
}

// Load reads the configuration from path, applies defaults and expands
// ${ENV_VAR} references in server settings. It does not validate; call
// Validate before handing the servers to the sync engine.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	f.applyDefaults()
	for i := range f.Servers {
		for k, v := range f.Servers[i].Settings {
			f.Servers[i].Settings[k] = os.ExpandEnv(v)
		}
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Sync.Interval <= 0 {
		f.Sync.Interval = Duration(DefaultInterval)
	}
	if f.Sync.Timeout <= 0 {
		f.Sync.Timeout = Duration(DefaultTimeout)
	}
	if f.Sync.Retries <= 0 {
		f.Sync.Retries = DefaultRetries
	}
	if f.Sync.Workers <= 0 {
		f.Sync.Workers = DefaultWorkers
	}
	if f.Sync.DeletionScope == "" {
		f.Sync.DeletionScope = ScopeAll
	}
	for i := range f.Servers {
		if f.Servers[i].Enabled == nil {
			enabled := true
			f.Servers[i].Enabled = &enabled
		}
	}
}

// Validate checks the properties the sync engine relies on: unique,
// well-formed servers and exactly one enabled hub.
func (f *File) Validate() error {
	switch f.Sync.DeletionScope {
	case ScopeAll, ScopeManaged:
	default:
		return &ConfigError{Field: "sync.deletion_scope", Reason: fmt.Sprintf("unknown scope %q (want %q or %q)", f.Sync.DeletionScope, ScopeAll, ScopeManaged)}
	}

	seen := make(map[string]bool, len(f.Servers))
	var hubs []string
	for i, s := range f.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return &ConfigError{Field: field, Reason: "missing required field 'name'"}
		}
		if s.Name == APIServerName {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("server name %q is reserved for the API token", s.Name)}
		}
		if seen[s.Name] {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("duplicate server name %q", s.Name)}
		}
		seen[s.Name] = true
		if s.Type == "" {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("server %q: missing required field 'type'", s.Name)}
		}
		switch s.SyncMode {
		case ModeHub:
			if s.IsEnabled() {
				hubs = append(hubs, s.Name)
			}
		case ModeSpoke:
		default:
			return &ConfigError{Field: field, Reason: fmt.Sprintf("server %q: unknown sync_mode %q", s.Name, s.SyncMode)}
		}
	}

	switch len(hubs) {
	case 1:
		return nil
	case 0:
		return &ConfigError{Reason: "no enabled hub server configured"}
	default:
		return &ConfigError{Reason: fmt.Sprintf("exactly one enabled hub allowed, found %d: %v", len(hubs), hubs)}
	}
}

// Hub returns the enabled hub. It assumes Validate succeeded.
func (f *File) Hub() (Server, bool) {
	for _, s := range f.Servers {
		if s.SyncMode == ModeHub && s.IsEnabled() {
			return s, true
		}
	}
	return Server{}, false
}

// Spokes returns all spoke servers in configuration order, disabled ones
// included.
func (f *File) Spokes() []Server {
	var out []Server
	for _, s := range f.Servers {
		if s.SyncMode == ModeSpoke {
			out = append(out, s)
		}
	}
	return out
}

// Server returns the named server.
func (f *File) Server(name string) (Server, bool) {
	for _, s := range f.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}
