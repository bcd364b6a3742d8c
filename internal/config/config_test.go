package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `sync:
  interval: 5m
  timeout: 3s
  deletion_scope: managed
api:
  token: "encrypted:token"
servers:
  - name: main-pihole
    type: pihole
    url: http://10.0.0.2
    sync_mode: hub
    auth:
      password: "encrypted:password"
  - name: router
    type: opnsense
    url: https://10.0.0.1/api
    sync_mode: spoke
    auth:
      api_key: "env:ROUTER_KEY"
      api_secret: "plain-secret"
    settings:
      skip_tls_verify: "${TEST_SKIP_TLS}"
  - name: old-box
    type: pihole
    url: http://10.0.0.9
    sync_mode: spoke
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dns-sync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_SKIP_TLS", "true")

	f, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if time.Duration(f.Sync.Interval) != 5*time.Minute {
		t.Errorf("expected interval 5m, got %v", time.Duration(f.Sync.Interval))
	}
	if time.Duration(f.Sync.Timeout) != 3*time.Second {
		t.Errorf("expected timeout 3s, got %v", time.Duration(f.Sync.Timeout))
	}
	if f.Sync.Retries != DefaultRetries {
		t.Errorf("expected default retries %d, got %d", DefaultRetries, f.Sync.Retries)
	}
	if f.Sync.DeletionScope != ScopeManaged {
		t.Errorf("expected deletion scope managed, got %q", f.Sync.DeletionScope)
	}

	if ref := f.API.Token; ref.Kind != RefVault || ref.VaultField("token") != "token" {
		t.Errorf("expected vault ref for the API token, got %+v", ref)
	}

	hub, ok := f.Hub()
	if !ok || hub.Name != "main-pihole" {
		t.Fatalf("expected hub 'main-pihole', got %q (ok=%v)", hub.Name, ok)
	}
	if ref := hub.Auth["password"]; ref.Kind != RefVault || ref.VaultField("password") != "password" {
		t.Errorf("expected vault ref for hub password, got %+v", ref)
	}

	spokes := f.Spokes()
	if len(spokes) != 2 {
		t.Fatalf("expected 2 spokes, got %d", len(spokes))
	}
	router := spokes[0]
	if router.Settings["skip_tls_verify"] != "true" {
		t.Errorf("expected expanded setting 'true', got %q", router.Settings["skip_tls_verify"])
	}
	if ref := router.Auth["api_key"]; ref.Kind != RefEnv || ref.Value != "ROUTER_KEY" {
		t.Errorf("expected env ref ROUTER_KEY, got %+v", ref)
	}
	if ref := router.Auth["api_secret"]; ref.Kind != RefLiteral || ref.Value != "plain-secret" {
		t.Errorf("expected literal ref, got %+v", ref)
	}
	if !router.IsEnabled() {
		t.Error("expected router to default to enabled")
	}
	if spokes[1].IsEnabled() {
		t.Error("expected old-box to be disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	f, err := Parse([]byte("servers:\n  - {name: hub, type: pihole, sync_mode: hub}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if time.Duration(f.Sync.Interval) != DefaultInterval {
		t.Errorf("expected default interval, got %v", time.Duration(f.Sync.Interval))
	}
	if time.Duration(f.Sync.Timeout) != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", time.Duration(f.Sync.Timeout))
	}
	if f.Sync.Workers != DefaultWorkers {
		t.Errorf("expected default workers, got %d", f.Sync.Workers)
	}
	if f.Sync.DeletionScope != ScopeAll {
		t.Errorf("expected default scope all, got %q", f.Sync.DeletionScope)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "one hub",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub}\n  - {name: b, type: pihole, sync_mode: spoke}\n",
		},
		{
			name:    "no hub",
			content: "servers:\n  - {name: b, type: pihole, sync_mode: spoke}\n",
			wantErr: true,
		},
		{
			name:    "two hubs",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub}\n  - {name: b, type: pihole, sync_mode: hub}\n",
			wantErr: true,
		},
		{
			name:    "second hub disabled",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub}\n  - {name: b, type: pihole, sync_mode: hub, enabled: false}\n",
		},
		{
			name:    "only hub disabled",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub, enabled: false}\n",
			wantErr: true,
		},
		{
			name:    "duplicate names",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub}\n  - {name: a, type: pihole, sync_mode: spoke}\n",
			wantErr: true,
		},
		{
			name:    "missing type",
			content: "servers:\n  - {name: a, sync_mode: hub}\n",
			wantErr: true,
		},
		{
			name:    "bad mode",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: primary}\n",
			wantErr: true,
		},
		{
			name:    "reserved api name",
			content: "servers:\n  - {name: a, type: pihole, sync_mode: hub}\n  - {name: api, type: pihole, sync_mode: spoke}\n",
			wantErr: true,
		},
		{
			name:    "bad scope",
			content: "sync: {deletion_scope: some}\nservers:\n  - {name: a, type: pihole, sync_mode: hub}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.content))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = f.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate: got err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				var ce *ConfigError
				if !errors.As(err, &ce) || !errors.Is(err, ErrInvalid) {
					t.Errorf("expected ConfigError wrapping ErrInvalid, got %T", err)
				}
			}
		})
	}
}

func TestParseCredentialRef(t *testing.T) {
	tests := []struct {
		raw       string
		wantKind  RefKind
		wantField string
		wantValue string
	}{
		{"encrypted:password", RefVault, "password", ""},
		{"encrypted:", RefVault, "token", ""},
		{"env:PIHOLE_PW", RefEnv, "", "PIHOLE_PW"},
		{"hunter2", RefLiteral, "", "hunter2"},
		{"", RefLiteral, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ref := ParseCredentialRef("token", tt.raw)
			if ref.Kind != tt.wantKind {
				t.Errorf("kind: got %v, want %v", ref.Kind, tt.wantKind)
			}
			if ref.Field != tt.wantField {
				t.Errorf("field: got %q, want %q", ref.Field, tt.wantField)
			}
			if ref.Value != tt.wantValue {
				t.Errorf("value: got %q, want %q", ref.Value, tt.wantValue)
			}
		})
	}
}
