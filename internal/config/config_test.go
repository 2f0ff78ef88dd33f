// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7411"
  allowed_origins:
    - "http://localhost:5173"
    - "app://tracery"

database:
  path: "./audit.db"

registry:
  path: "./servers.toml"
  watch: true

workspace:
  root: "/srv/drawings"

calls:
  timeout: "45s"
  ready_delay: "1s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7411" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7411")
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("Server.AllowedOrigins len = %d, want 2", len(cfg.Server.AllowedOrigins))
	}
	if cfg.Database.Path != "./audit.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./audit.db")
	}
	if cfg.Registry.Path != "./servers.toml" {
		t.Errorf("Registry.Path = %q, want %q", cfg.Registry.Path, "./servers.toml")
	}
	if !cfg.Registry.Watch {
		t.Error("Registry.Watch = false, want true")
	}
	if cfg.Workspace.Root != "/srv/drawings" {
		t.Errorf("Workspace.Root = %q, want %q", cfg.Workspace.Root, "/srv/drawings")
	}
	if cfg.Calls.Timeout != 45*time.Second {
		t.Errorf("Calls.Timeout = %v, want %v", cfg.Calls.Timeout, 45*time.Second)
	}
	if cfg.Calls.ReadyDelay != 1*time.Second {
		t.Errorf("Calls.ReadyDelay = %v, want %v", cfg.Calls.ReadyDelay, 1*time.Second)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7411"
database:
  path: "./audit.db"
registry:
  path: "./servers.toml"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Calls.Timeout != DefaultCallTimeout {
		t.Errorf("Calls.Timeout = %v, want default %v", cfg.Calls.Timeout, DefaultCallTimeout)
	}
	if cfg.Calls.ReadyDelay != DefaultReadyDelay {
		t.Errorf("Calls.ReadyDelay = %v, want default %v", cfg.Calls.ReadyDelay, DefaultReadyDelay)
	}
	if cfg.Workspace.Root != "." {
		t.Errorf("Workspace.Root = %q, want %q", cfg.Workspace.Root, ".")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TRACERY_DB", "/var/lib/tracery/audit.db")
	t.Setenv("TEST_TRACERY_ROOT", "/srv/drawings")

	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7411"
database:
  path: "${TEST_TRACERY_DB}"
registry:
  path: "./servers.toml"
workspace:
  root: "${TEST_TRACERY_ROOT}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/tracery/audit.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
	if cfg.Workspace.Root != "/srv/drawings" {
		t.Errorf("Workspace.Root = %q, want expanded env value", cfg.Workspace.Root)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7411"
database:
  path: "./audit.db"
registry:
  path: "./servers.toml"
calls:
  timeout: "not-a-duration"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
server:
  http_addr: ""
database:
  path: "./audit.db"
registry:
  path: "./servers.toml"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing database path",
			configContent: `
server:
  http_addr: "127.0.0.1:7411"
database:
  path: ""
registry:
  path: "./servers.toml"
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "missing registry path",
			configContent: `
server:
  http_addr: "127.0.0.1:7411"
database:
  path: "./audit.db"
registry:
  path: ""
`,
			wantErrSubstr: "registry.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty http_addr",
			cfg: Config{
				Server:    ServerConfig{HTTPAddr: ""},
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "tracery-gateway"},
				Database:  DatabaseConfig{Path: "./audit.db"},
				Registry:  RegistryConfig{Path: "./servers.toml"},
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled requires hostname",
			cfg: Config{
				Server:    ServerConfig{HTTPAddr: ""},
				Tailscale: TailscaleConfig{Enabled: true, Hostname: ""},
				Database:  DatabaseConfig{Path: "./audit.db"},
				Registry:  RegistryConfig{Path: "./servers.toml"},
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires http_addr",
			cfg: Config{
				Server:    ServerConfig{HTTPAddr: ""},
				Tailscale: TailscaleConfig{Enabled: false, Hostname: "tracery-gateway"},
				Database:  DatabaseConfig{Path: "./audit.db"},
				Registry:  RegistryConfig{Path: "./servers.toml"},
			},
			wantErr:       true,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "tailscale with all options set",
			cfg: Config{
				Server: ServerConfig{HTTPAddr: ""},
				Tailscale: TailscaleConfig{
					Enabled:   true,
					Hostname:  "tracery-gateway",
					AuthKey:   "tskey-auth-xxx",
					StateDir:  "/tmp/ts-state",
					Ephemeral: true,
					Funnel:    true,
				},
				Database: DatabaseConfig{Path: "./audit.db"},
				Registry: RegistryConfig{Path: "./servers.toml"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}
