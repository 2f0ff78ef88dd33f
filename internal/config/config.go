// ABOUTME: Configuration loading and parsing for tracery-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default call timings applied when the config leaves them unset.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultReadyDelay  = 2 * time.Second
)

// Config represents the complete tracery-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Calls     CallsConfig     `yaml:"calls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins is forwarded to the CORS middleware; empty means
	// same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the invocation-audit database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig points at the tool-server registry file
type RegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// WorkspaceConfig holds the root directory the filesystem adapter serves
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// CallsConfig holds per-call timing configuration for tool-server calls
type CallsConfig struct {
	Timeout    time.Duration `yaml:"-"`
	ReadyDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw    string `yaml:"timeout"`
	ReadyDelayRaw string `yaml:"ready_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills timing fields the config file left unset.
func (c *Config) applyDefaults() {
	if c.Calls.Timeout == 0 {
		c.Calls.Timeout = DefaultCallTimeout
	}
	if c.Calls.ReadyDelay == 0 {
		c.Calls.ReadyDelay = DefaultReadyDelay
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "."
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}

	if c.Calls.Timeout < 0 {
		return fmt.Errorf("calls.timeout must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Calls.TimeoutRaw != "" {
		cfg.Calls.Timeout, err = time.ParseDuration(cfg.Calls.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing calls.timeout %q: %w", cfg.Calls.TimeoutRaw, err)
		}
	}

	if cfg.Calls.ReadyDelayRaw != "" {
		cfg.Calls.ReadyDelay, err = time.ParseDuration(cfg.Calls.ReadyDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing calls.ready_delay %q: %w", cfg.Calls.ReadyDelayRaw, err)
		}
	}

	return nil
}
