package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/sowilo/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
	if cfg.DefaultOwner != "local" {
		t.Errorf("default owner = %q, want local", cfg.DefaultOwner)
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Tokens: map[string]string{"mysecret": "alice"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with tokens should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeNoTokens(t *testing.T) {
	cfg := AuthConfig{Mode: "token"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode without tokens should fail")
	}
	if !strings.Contains(err.Error(), "no tokens") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_EmptyOwner(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Tokens: map[string]string{"secret": ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("token mapped to an empty owner should fail")
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestClientConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr bool
	}{
		{"defaults", func(*ClientConfig) {}, false},
		{"missing server url", func(c *ClientConfig) { c.ServerURL = "" }, true},
		{"non-http url", func(c *ClientConfig) { c.ServerURL = "ftp://example.com" }, true},
		{"interval too short", func(c *ClientConfig) { c.SyncInterval = 100 * time.Millisecond }, true},
		{"missing sqlite path", func(c *ClientConfig) { c.SQLite.Path = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig().Client
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Server.Auth.Mode = "token"
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("SOWILO_TEST_TOKEN", "s3cret")
	yaml := `
app:
  log_level: debug
  http:
    port: 9090
server:
  auth:
    mode: token
    tokens:
      ${SOWILO_TEST_TOKEN}: alice
client:
  server_url: https://sync.example.com
  token: ${SOWILO_TEST_TOKEN}
  sync_interval: 2m
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.LoadOrDefault(path, cfg); err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.App.LogLevel.String() != "DEBUG" {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Server.Auth.Tokens["s3cret"] != "alice" {
		t.Errorf("tokens = %v", cfg.Server.Auth.Tokens)
	}
	if cfg.Client.Token != "s3cret" || cfg.Client.SyncInterval != 2*time.Minute {
		t.Errorf("client = %+v", cfg.Client)
	}
	// Unset keys keep their defaults.
	if cfg.Client.SQLite.Path != "./sowilo-client.db" || !cfg.Client.ListenEvents {
		t.Errorf("defaults lost: %+v", cfg.Client)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := pkgconfig.LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"), cfg); err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.App.HTTP.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.App.HTTP.Port)
	}
}
