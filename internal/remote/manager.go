// ABOUTME: TransportClientManager: at most one live MCP client session per enabled remote server.
// ABOUTME: The complexity here is policy, not protocol: the SDK session already multiplexes calls.

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tracery-studio/tracery-gateway/internal/registry"
)

// ErrNotConnected is returned for calls against a server with no live
// session. Callers reconnect and retry; the manager never dials on its own
// during a call.
var ErrNotConnected = errors.New("server not connected")

// DefaultConnectTimeout bounds the initial handshake.
const DefaultConnectTimeout = 30 * time.Second

// DefaultCallTimeout bounds a single tool or resource call.
const DefaultCallTimeout = 30 * time.Second

const (
	clientName    = "tracery-gateway"
	clientVersion = "0.1.0"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	Logger         *slog.Logger
}

// Capabilities summarizes what a connected server advertises.
type Capabilities struct {
	Tools     []ToolInfo     `json:"tools"`
	Resources []ResourceInfo `json:"resources"`
}

// ToolInfo names one advertised tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ResourceInfo names one advertised resource.
type ResourceInfo struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// Manager keeps at most one live client session per remote server id.
type Manager struct {
	connectTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	// connecting holds a channel per in-flight dial; waiters block on it
	// instead of racing a second handshake for the same id.
	connecting map[string]chan struct{}
}

// NewManager creates a Manager with no live sessions.
func NewManager(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		connectTimeout: opts.ConnectTimeout,
		callTimeout:    opts.CallTimeout,
		logger:         opts.Logger.With("component", "remote"),
		sessions:       make(map[string]*mcp.ClientSession),
		connecting:     make(map[string]chan struct{}),
	}
}

// Connect establishes a session for cfg. Idempotent: a live session for the
// id is reused, and concurrent callers for the same id share one dial.
func (m *Manager) Connect(ctx context.Context, cfg registry.ServerConfig) error {
	if !cfg.IsRemote() {
		return fmt.Errorf("server %s does not use the remote transport", cfg.ID)
	}
	if !cfg.Enabled {
		return fmt.Errorf("connecting %s: %w", cfg.ID, registry.ErrServerDisabled)
	}

	for {
		m.mu.Lock()
		if _, ok := m.sessions[cfg.ID]; ok {
			m.mu.Unlock()
			return nil
		}
		if ch, ok := m.connecting[cfg.ID]; ok {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		ch := make(chan struct{})
		m.connecting[cfg.ID] = ch
		m.mu.Unlock()

		session, err := m.dial(ctx, cfg)

		m.mu.Lock()
		delete(m.connecting, cfg.ID)
		close(ch)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("connecting %s: %w", cfg.ID, err)
		}
		m.sessions[cfg.ID] = session
		m.mu.Unlock()

		go m.monitor(cfg.ID, session)
		m.logger.Info("remote server connected", "server_id", cfg.ID, "url", cfg.URL)
		return nil
	}
}

func (m *Manager) dial(ctx context.Context, cfg registry.ServerConfig) (*mcp.ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	return client.Connect(ctx, transportFor(cfg), nil)
}

// transportFor picks the wire flavor from the endpoint: URLs ending in /sse
// get the legacy SSE transport, everything else the streamable HTTP one.
func transportFor(cfg registry.ServerConfig) mcp.Transport {
	httpClient := headerClient(cfg.Headers)
	if strings.HasSuffix(strings.TrimSpace(cfg.URL), "/sse") {
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	}
	return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
}

// monitor clears the registry entry when the session ends for any reason,
// so a later Connect dials fresh instead of reusing a dead session.
func (m *Manager) monitor(id string, session *mcp.ClientSession) {
	err := session.Wait()

	m.mu.Lock()
	if m.sessions[id] == session {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("remote session ended", "server_id", id, "error", err)
	} else {
		m.logger.Debug("remote session closed", "server_id", id)
	}
}

// Disconnect closes the session for id and removes it. Unknown ids are a
// no-op.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("disconnecting %s: %w", id, err)
	}
	m.logger.Info("remote server disconnected", "server_id", id)
	return nil
}

// DisconnectAll tears down every live session.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the live session for id, or false when there is none.
func (m *Manager) Get(id string) (*mcp.ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// IsConnected reports whether a live session exists for id.
func (m *Manager) IsConnected(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Connected returns the ids of all servers with a live session, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	session, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("calling %s on %s: %w", tool, id, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", tool, id, err)
	}
	return res, nil
}

// ReadResource reads a resource from a connected server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*mcp.ReadResourceResult, error) {
	session, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("reading %s from %s: %w", uri, id, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", uri, id, err)
	}
	return res, nil
}

// Capabilities lists the tools and resources a connected server advertises.
// Servers that do not implement a listing yield an empty slice for it
// rather than an error.
func (m *Manager) Capabilities(ctx context.Context, id string) (Capabilities, error) {
	session, ok := m.Get(id)
	if !ok {
		return Capabilities{}, fmt.Errorf("listing capabilities of %s: %w", id, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	caps := Capabilities{Tools: []ToolInfo{}, Resources: []ResourceInfo{}}

	tools, err := session.ListTools(ctx, nil)
	switch {
	case err == nil:
		for _, t := range tools.Tools {
			caps.Tools = append(caps.Tools, ToolInfo{Name: t.Name, Description: t.Description})
		}
	case !isMethodUnavailable(err):
		return Capabilities{}, fmt.Errorf("listing tools of %s: %w", id, err)
	}

	resources, err := session.ListResources(ctx, nil)
	switch {
	case err == nil:
		for _, r := range resources.Resources {
			caps.Resources = append(caps.Resources, ResourceInfo{URI: r.URI, Name: r.Name})
		}
	case !isMethodUnavailable(err):
		return Capabilities{}, fmt.Errorf("listing resources of %s: %w", id, err)
	}

	return caps, nil
}

// isMethodUnavailable matches the error shapes servers use for listings
// they never implemented.
func isMethodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "unsupported")
}

// headerClient returns an http.Client that stamps the configured headers on
// every request, or nil when there are none so the SDK uses its default.
func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return &http.Client{
		Transport: &headerRoundTripper{next: http.DefaultTransport, headers: copied},
	}
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
