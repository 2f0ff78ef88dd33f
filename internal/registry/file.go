// ABOUTME: TOML-backed server registry with environment variable expansion.
// ABOUTME: Loads servers.toml into memory and supports atomic reload on file change.

package registry

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
)

// registryFile is the on-disk shape of servers.toml.
type registryFile struct {
	Servers []ServerConfig `toml:"servers"`
}

// FileStore is a Store backed by a TOML registry file.
// Records are held in memory; Reload swaps the whole set atomically.
// SetEnabled changes the in-memory record only; the file stays the source
// of truth and a later Reload overwrites runtime overrides.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewFileStore loads the registry file at path.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		logger:  logger.With("component", "registry"),
		servers: make(map[string]ServerConfig),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the registry file path being served.
func (s *FileStore) Path() string {
	return s.path
}

// Reload re-reads the registry file and swaps the record set atomically.
// On any error the previously loaded records stay in effect.
func (s *FileStore) Reload() error {
	servers, err := loadRegistryFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.servers = servers
	count := len(servers)
	s.mu.Unlock()

	s.logger.Info("registry loaded", "path", s.path, "servers", count)
	return nil
}

// Get returns the record for id.
func (s *FileStore) Get(id string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.servers[id]
	if !ok {
		return ServerConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	return cfg, nil
}

// List returns all records ordered by id.
func (s *FileStore) List() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedServers(s.servers)
}

// SetEnabled flips the enabled flag of an existing record in memory.
func (s *FileStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	cfg.Enabled = enabled
	s.servers[id] = cfg
	return nil
}

// loadRegistryFile reads, expands, parses, and validates a registry file.
func loadRegistryFile(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	// Expand ${VAR} references before decoding so commands and roots can
	// point at environment-provided locations.
	expanded := expandEnvVars(string(data))

	var file registryFile
	if err := toml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}

	servers := make(map[string]ServerConfig, len(file.Servers))
	for _, cfg := range file.Servers {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating registry: %w", err)
		}
		if _, exists := servers[cfg.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, cfg.ID)
		}
		servers[cfg.ID] = cfg
	}

	return servers, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
