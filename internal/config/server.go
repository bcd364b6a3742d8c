package config

import (
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"
)

// SyncMode is the role of a server in the topology.
type SyncMode string

const (
	ModeHub   SyncMode = "hub"
	ModeSpoke SyncMode = "spoke"
)

// Server describes one DNS backend. The sync core treats it as read-only.
type Server struct {
	Name     string                   `yaml:"name"`
	Type     string                   `yaml:"type"`
	URL      string                   `yaml:"url"`
	SyncMode SyncMode                 `yaml:"sync_mode"`
	Enabled  *bool                    `yaml:"enabled,omitempty"`
	Auth     map[string]CredentialRef `yaml:"auth,omitempty"`
	Settings map[string]string        `yaml:"settings,omitempty"`
}

// IsEnabled reports whether the server takes part in sync passes. Servers
// default to enabled.
func (s Server) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RefKind tags how a credential field is resolved.
type RefKind int

const (
	// RefLiteral is a value written directly in the configuration.
	RefLiteral RefKind = iota
	// RefVault points at the secret store entry for (server, Field).
	RefVault
	// RefEnv names an environment variable holding the value.
	RefEnv
)

const (
	vaultPrefix = "encrypted:"
	envPrefix   = "env:"
)

// CredentialRef is a parsed auth field value. In YAML it is written as
// "encrypted:<field>", "env:<VAR>" or a literal string.
type CredentialRef struct {
	Kind RefKind
	// Field is the secret store field for RefVault.
	Field string
	// Value is the literal for RefLiteral or the variable name for RefEnv.
	Value string
}

// ParseCredentialRef converts the configuration string form.
func ParseCredentialRef(field, raw string) CredentialRef {
	switch {
	case strings.HasPrefix(raw, vaultPrefix):
		f := strings.TrimPrefix(raw, vaultPrefix)
		if f == "" {
			f = field
		}
		return CredentialRef{Kind: RefVault, Field: f}
	case strings.HasPrefix(raw, envPrefix):
		return CredentialRef{Kind: RefEnv, Value: strings.TrimPrefix(raw, envPrefix)}
	default:
		return CredentialRef{Kind: RefLiteral, Value: raw}
	}
}

func (r *CredentialRef) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("credential must be a string: %w", err)
	}
	// The auth key is not known here; see VaultField.
	*r = ParseCredentialRef("", raw)
	return nil
}

func (r CredentialRef) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// String returns the configuration form. Literal values are not redacted,
// so avoid logging it.
func (r CredentialRef) String() string {
	switch r.Kind {
	case RefVault:
		return vaultPrefix + r.Field
	case RefEnv:
		return envPrefix + r.Value
	default:
		return r.Value
	}
}

// VaultField returns the secret store field for a vault ref, falling back to
// the auth map key when the ref does not name one.
func (r CredentialRef) VaultField(authKey string) string {
	if r.Field != "" {
		return r.Field
	}
	return authKey
}
