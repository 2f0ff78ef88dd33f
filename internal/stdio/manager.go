// ABOUTME: Spawns and supervises stdio tool-server child processes.
// ABOUTME: Multiplexes concurrent calls over one byte stream, correlating replies by operation id.

package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracery-studio/tracery-gateway/internal/registry"
)

// ErrNotRunning indicates no live process exists for the server id.
var ErrNotRunning = errors.New("server not running")

// ErrTimeout indicates no correlated response arrived within the call timeout.
var ErrTimeout = errors.New("call timed out")

// ErrProcessExited indicates the child process exited with operations pending.
var ErrProcessExited = errors.New("server process exited")

// ErrDuplicateOperation indicates an operation id collision.
var ErrDuplicateOperation = errors.New("duplicate operation id")

// DefaultCallTimeout bounds each call when Options.CallTimeout is zero.
const DefaultCallTimeout = 30 * time.Second

// DefaultReadyTimeout bounds the startup grace when Options.ReadyTimeout is zero.
const DefaultReadyTimeout = 2 * time.Second

// ServerIDEnv is the environment variable carrying the server id into the
// child process for downstream correlation and logging.
const ServerIDEnv = "TRACERY_SERVER_ID"

// maxLineBytes caps a single stdout line; longer lines abort the scanner.
const maxLineBytes = 1024 * 1024

// Options configures a Manager.
type Options struct {
	// CallTimeout bounds each CallTool/ReadResource, manager-wide.
	CallTimeout time.Duration
	// ReadyTimeout bounds how long Start waits for a ready control line
	// before assuming the server is ready anyway.
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Manager owns the lifecycle of local stdio tool servers: one child process
// per server id, spawned on Start and supervised until Stop or exit.
type Manager struct {
	callTimeout  time.Duration
	readyTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	handles  map[string]*handle
	starting map[string]chan struct{}
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = DefaultReadyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		callTimeout:  callTimeout,
		readyTimeout: readyTimeout,
		logger:       opts.Logger.With("component", "stdio"),
		handles:      make(map[string]*handle),
		starting:     make(map[string]chan struct{}),
	}
}

// Start spawns the configured command and blocks until the server announces
// readiness with a {"type":"ready"} line or the ready grace elapses.
// Idempotent: a second Start for a running id returns nil. Concurrent Starts
// for the same id are serialized; late arrivals wait for the first and
// observe its outcome.
func (m *Manager) Start(ctx context.Context, cfg registry.ServerConfig) error {
	if !cfg.IsLocal() {
		return fmt.Errorf("server %s: transport %q is not stdio", cfg.ID, cfg.Transport)
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %s: %w", cfg.ID, registry.ErrServerDisabled)
	}

	m.mu.Lock()
	for {
		if _, ok := m.handles[cfg.ID]; ok {
			m.mu.Unlock()
			return nil
		}
		ch, inflight := m.starting[cfg.ID]
		if !inflight {
			break
		}
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	startCh := make(chan struct{})
	m.starting[cfg.ID] = startCh
	m.mu.Unlock()

	h, err := m.spawn(ctx, cfg)

	m.mu.Lock()
	if err == nil {
		m.handles[cfg.ID] = h
	}
	delete(m.starting, cfg.ID)
	close(startCh)
	m.mu.Unlock()

	return err
}

func (m *Manager) spawn(ctx context.Context, cfg registry.ServerConfig) (*handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, ServerIDEnv+"="+cfg.ID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stdin pipe: %w", cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stdout pipe: %w", cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stderr pipe: %w", cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning server %s: %w", cfg.ID, err)
	}

	h := &handle{
		id:      cfg.ID,
		cmd:     cmd,
		stdin:   stdin,
		logger:  m.logger.With("server_id", cfg.ID),
		state:   stateStarting,
		pending: make(map[string]chan result),
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
	}

	h.logger.Info("server process started",
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
	)

	h.readers.Add(2)
	go h.readLoop(stdout)
	go h.logStderr(stderr)
	go m.reap(h)

	grace := time.NewTimer(m.readyTimeout)
	defer grace.Stop()

	select {
	case <-h.ready:
		h.logger.Debug("server announced ready")
	case <-grace.C:
		h.logger.Debug("ready grace elapsed, assuming server ready")
	case <-h.exited:
		return nil, fmt.Errorf("server %s: process exited during startup", cfg.ID)
	case <-ctx.Done():
		h.shutdown(fmt.Errorf("server %s: start cancelled: %w", cfg.ID, ctx.Err()))
		return nil, ctx.Err()
	}

	h.setRunning()
	return h, nil
}

// Stop kills the server's process, failing every pending operation.
// Stopping an id with no live process is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.shutdown(fmt.Errorf("server %s stopped: %w", id, ErrProcessExited))
	h.logger.Info("server stopped")
	return nil
}

// StopAll stops every running server. Used during gateway shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.shutdown(fmt.Errorf("server %s stopped: %w", h.id, ErrProcessExited))
	}
	if len(handles) > 0 {
		m.logger.Info("all servers stopped", "count", len(handles))
	}
}

// IsRunning reports whether a live process exists for the server id.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return h.running()
}

// Running returns the ids of all servers with a live process, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingOps reports the number of in-flight operations for a server id.
func (m *Manager) PendingOps(id string) int {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// CallTool invokes a named tool on a running server and blocks until the
// correlated response arrives or the call timeout fires.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, params json.RawMessage) (json.RawMessage, error) {
	h, err := m.handleFor(serverID)
	if err != nil {
		return nil, err
	}

	env := request{ID: uuid.NewString(), Method: tool, Params: params}
	payload, err := h.call(ctx, env, m.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", tool, serverID, err)
	}
	return payload, nil
}

// ReadResource reads a resource URI from a running server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (json.RawMessage, error) {
	h, err := m.handleFor(serverID)
	if err != nil {
		return nil, err
	}

	env := request{ID: uuid.NewString(), Type: typeReadResource, URI: uri}
	payload, err := h.call(ctx, env, m.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", uri, serverID, err)
	}
	return payload, nil
}

func (m *Manager) handleFor(id string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	return h, nil
}

// reap waits for the child to exit, fails whatever is still pending, and
// discards the handle so a later Start re-spawns cleanly. Reader goroutines
// must drain before cmd.Wait closes the pipes out from under them.
func (m *Manager) reap(h *handle) {
	h.readers.Wait()
	err := h.cmd.Wait()
	close(h.exited)

	failed := h.fail(fmt.Errorf("server %s: %w", h.id, ErrProcessExited))

	m.mu.Lock()
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	m.mu.Unlock()

	if failed > 0 {
		h.logger.Warn("server process exited with operations pending",
			"pending_failed", failed,
			"error", err,
		)
		return
	}
	h.logger.Info("server process exited", "error", err)
}

type procState int

const (
	stateStarting procState = iota
	stateRunning
	stateStopped
)

// result is one completed operation: a payload or an error, never both.
type result struct {
	payload json.RawMessage
	err     error
}

// handle owns one child process: its pipes, its pending-operation table,
// and its lifecycle state. Exactly one handle exists per running server id.
type handle struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// mu guards state and pending. The map entry is the completion token:
	// whoever deletes an entry owns delivering its result, so every
	// operation completes exactly once.
	mu      sync.Mutex
	state   procState
	pending map[string]chan result

	// writeMu serializes stdin writes so concurrent calls cannot interleave
	// partial lines. Held outside mu: a blocked pipe write must not stall
	// response delivery.
	writeMu sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}
	exited    chan struct{}
	readers   sync.WaitGroup
}

// call writes one request line and blocks until the correlated response,
// the timeout, or cancellation. The timer completes only this operation;
// the process keeps running.
func (h *handle) call(ctx context.Context, env request, timeout time.Duration) (json.RawMessage, error) {
	ch, err := h.register(env.ID)
	if err != nil {
		return nil, err
	}

	if err := h.writeLine(env); err != nil {
		if h.take(env.ID) {
			return nil, err
		}
		// Exit cleanup completed the operation while the write was failing.
		res := <-ch
		return res.payload, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		if h.take(env.ID) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		res := <-ch
		return res.payload, res.err
	case <-ctx.Done():
		if h.take(env.ID) {
			return nil, ctx.Err()
		}
		res := <-ch
		return res.payload, res.err
	}
}

// register creates the pending entry for an operation id.
func (h *handle) register(opID string) (chan result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateRunning {
		return nil, fmt.Errorf("server %s: %w", h.id, ErrNotRunning)
	}
	if _, exists := h.pending[opID]; exists {
		return nil, fmt.Errorf("operation %s: %w", opID, ErrDuplicateOperation)
	}

	ch := make(chan result, 1)
	h.pending[opID] = ch
	return ch, nil
}

// take removes a pending entry, claiming the right to complete it.
// Returns false when another completer got there first.
func (h *handle) take(opID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[opID]; !ok {
		return false
	}
	delete(h.pending, opID)
	return true
}

// complete delivers a result to the caller waiting on opID.
func (h *handle) complete(opID string, res result) bool {
	h.mu.Lock()
	ch, ok := h.pending[opID]
	if ok {
		delete(h.pending, opID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// fail completes every pending operation with cause and marks the handle
// stopped. Returns how many operations were failed.
func (h *handle) fail(cause error) int {
	h.mu.Lock()
	h.state = stateStopped
	taken := make([]chan result, 0, len(h.pending))
	for id, ch := range h.pending {
		taken = append(taken, ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	for _, ch := range taken {
		ch <- result{err: cause}
	}
	return len(taken)
}

func (h *handle) writeLine(env request) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	line = append(line, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to server %s: %w", h.id, err)
	}
	return nil
}

func (h *handle) setRunning() {
	h.mu.Lock()
	if h.state == stateStarting {
		h.state = stateRunning
	}
	h.mu.Unlock()
}

func (h *handle) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateRunning
}

// shutdown fails pending operations, kills the process, and waits for the
// reaper to finish so the caller observes a fully torn-down handle.
func (h *handle) shutdown(cause error) {
	h.fail(cause)
	_ = h.cmd.Process.Kill()
	<-h.exited
}

// readLoop parses stdout line by line. Partial chunks are buffered by the
// scanner; each complete line is handled independently, so one malformed
// line never disrupts the stream.
func (h *handle) readLoop(stdout io.Reader) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		h.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("stdout read ended", "error", err)
	}
}

func (h *handle) handleLine(line []byte) {
	env, err := parseLine(line)
	if err != nil {
		h.logger.Warn("skipping malformed line", "error", err, "line", preview(line))
		return
	}
	if env == nil {
		return
	}

	if env.ID == "" {
		if env.Type == controlReady {
			h.readyOnce.Do(func() { close(h.ready) })
			return
		}
		h.logger.Debug("ignoring control line", "type", env.Type)
		return
	}

	res := result{payload: env.Result}
	if env.Error != nil {
		res = result{err: &ServerError{Message: env.Error.Message}}
	}
	if !h.complete(env.ID, res) {
		h.logger.Warn("received response for unknown operation", "op_id", env.ID)
	}
}

func (h *handle) logStderr(stderr io.Reader) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logger.Debug("server stderr", "line", scanner.Text())
	}
}
