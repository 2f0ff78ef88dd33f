// ABOUTME: Tool-server configuration records and the Store interface the gateway resolves against.
// ABOUTME: Defines ServerConfig validation plus an injectable in-memory store implementation.

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrConfigNotFound is returned when no record exists for the requested server id.
var ErrConfigNotFound = errors.New("server config not found")

// ErrServerDisabled is returned when a resolved record is disabled.
var ErrServerDisabled = errors.New("server is disabled")

// ErrDuplicateServer is returned when two records share the same id.
var ErrDuplicateServer = errors.New("duplicate server id")

// Transport identifies how a tool server is reached.
type Transport string

const (
	// TransportStdio marks a locally spawned child process speaking
	// line-delimited JSON over its standard streams.
	TransportStdio Transport = "stdio"
	// TransportRemote marks a remote streaming server whose client library
	// multiplexes calls itself.
	TransportRemote Transport = "remote"
)

// AdapterFilesystem marks a stdio record that must be driven through the
// filesystem adapter instead of the strict line-protocol manager.
const AdapterFilesystem = "filesystem"

// ServerConfig describes one external tool server.
// The transport kind is fixed at load time; exactly one set of
// transport-specific fields may be populated, consistent with the kind.
type ServerConfig struct {
	ID        string    `toml:"id"`
	Name      string    `toml:"name"`
	Transport Transport `toml:"transport"`

	// Stdio fields
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	WorkingDir string            `toml:"working_dir"`
	Env        map[string]string `toml:"env"`

	// Remote fields
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`

	// Adapter selects a specialized driver for known-uncooperative stdio
	// servers; empty means the strict line protocol.
	Adapter string `toml:"adapter"`

	Enabled bool `toml:"enabled"`
}

// IsLocal reports whether the record describes a spawned child process.
func (c ServerConfig) IsLocal() bool {
	return c.Transport == TransportStdio
}

// IsRemote reports whether the record describes a remote streaming server.
func (c ServerConfig) IsRemote() bool {
	return c.Transport == TransportRemote
}

// Validate checks the record for internal consistency.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}

	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: command is required for stdio transport", c.ID)
		}
		if c.URL != "" {
			return fmt.Errorf("server %q: url must be empty for stdio transport", c.ID)
		}
	case TransportRemote:
		if c.URL == "" {
			return fmt.Errorf("server %q: url is required for remote transport", c.ID)
		}
		if c.Command != "" || len(c.Args) > 0 || c.WorkingDir != "" {
			return fmt.Errorf("server %q: command/args/working_dir must be empty for remote transport", c.ID)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", c.ID, c.Transport)
	}

	switch c.Adapter {
	case "", AdapterFilesystem:
	default:
		return fmt.Errorf("server %q: unknown adapter %q", c.ID, c.Adapter)
	}
	if c.Adapter != "" && c.Transport != TransportStdio {
		return fmt.Errorf("server %q: adapter %q requires stdio transport", c.ID, c.Adapter)
	}

	return nil
}

// Store resolves tool-server configuration records by id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for id, enabled or not.
	// Callers decide whether a disabled record is usable.
	Get(id string) (ServerConfig, error)
	// List returns all records ordered by id.
	List() []ServerConfig
	// SetEnabled flips the enabled flag of an existing record.
	SetEnabled(id string, enabled bool) error
}

// MemStore is an in-memory Store for tests and embedded wiring.
type MemStore struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{servers: make(map[string]ServerConfig)}
}

// Put validates and stores a record, replacing any record with the same id.
func (s *MemStore) Put(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.ID] = cfg
	return nil
}

// Get returns the record for id.
func (s *MemStore) Get(id string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.servers[id]
	if !ok {
		return ServerConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	return cfg, nil
}

// List returns all records ordered by id.
func (s *MemStore) List() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedServers(s.servers)
}

// SetEnabled flips the enabled flag of an existing record.
func (s *MemStore) SetEnabled(id string, enabled bool) error {
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

// sortedServers flattens a record map into a slice ordered by id.
func sortedServers(m map[string]ServerConfig) []ServerConfig {
	out := make([]ServerConfig, 0, len(m))
	for _, cfg := range m {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
