// ABOUTME: Adapter for the reference filesystem tool server whose output framing is unreliable.
// ABOUTME: Serves canonical tools locally under a confined root and forwards the rest over the wire.

package fsbridge

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
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracery-studio/tracery-gateway/internal/registry"
	"github.com/tracery-studio/tracery-gateway/internal/stdio"
)

// ErrInvalidResource indicates a resource reference outside the adapter's grammar.
var ErrInvalidResource = errors.New("invalid resource reference")

// DefaultGraceDelay is how long Start waits before declaring the wrapped
// server ready. It emits no ready signal, so readiness is assumed, not
// observed.
const DefaultGraceDelay = 2 * time.Second

// maxAccum caps the output accumulator; a stream that exceeds it without
// producing a complete object is discarded.
const maxAccum = 1 << 20

// Options configures an Adapter.
type Options struct {
	// Root is the workspace directory all file operations are confined to.
	Root        string
	CallTimeout time.Duration
	GraceDelay  time.Duration
	Logger      *slog.Logger
}

// Adapter wraps one filesystem tool server. The canonical tools (read_file,
// write_file, list_directory) are served directly against the local
// filesystem under Root; anything else is forwarded to the subprocess and
// its replies are fished out of the output stream heuristically.
type Adapter struct {
	cfg         registry.ServerConfig
	root        string
	callTimeout time.Duration
	graceDelay  time.Duration
	logger      *slog.Logger

	// startMu serializes Start and Stop transitions.
	startMu sync.Mutex

	mu  sync.Mutex
	cur *run
}

// New builds an Adapter for a stdio server config rooted at opts.Root.
func New(cfg registry.ServerConfig, opts Options) (*Adapter, error) {
	if !cfg.IsLocal() {
		return nil, fmt.Errorf("server %s: transport %q is not stdio", cfg.ID, cfg.Transport)
	}
	if opts.Root == "" {
		return nil, errors.New("fsbridge: workspace root required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("fsbridge: resolving root: %w", err)
	}

	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = stdio.DefaultCallTimeout
	}
	graceDelay := opts.GraceDelay
	if graceDelay == 0 {
		graceDelay = DefaultGraceDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Adapter{
		cfg:         cfg,
		root:        root,
		callTimeout: callTimeout,
		graceDelay:  graceDelay,
		logger:      opts.Logger.With("component", "fsbridge", "server_id", cfg.ID),
	}, nil
}

// Start spawns the wrapped server and declares it ready once the grace
// delay passes. The server emits no ready signal, so no handshake is
// attempted. Idempotent while running.
func (a *Adapter) Start(ctx context.Context) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	if a.Running() {
		return nil
	}

	r, err := a.spawn()
	if err != nil {
		return err
	}

	grace := time.NewTimer(a.graceDelay)
	defer grace.Stop()

	select {
	case <-grace.C:
	case <-r.exited:
		return fmt.Errorf("filesystem server %s: process exited during startup", a.cfg.ID)
	case <-ctx.Done():
		r.shutdown(fmt.Errorf("filesystem server %s: start cancelled: %w", a.cfg.ID, ctx.Err()))
		return ctx.Err()
	}

	a.mu.Lock()
	a.cur = r
	a.mu.Unlock()

	a.logger.Info("filesystem server ready", "root", a.root, "grace", a.graceDelay)
	return nil
}

func (a *Adapter) spawn() (*run, error) {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, stdio.ServerIDEnv+"="+a.cfg.ID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("filesystem server %s: stdin pipe: %w", a.cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("filesystem server %s: stdout pipe: %w", a.cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("filesystem server %s: stderr pipe: %w", a.cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning filesystem server %s: %w", a.cfg.ID, err)
	}

	r := &run{
		cmd:       cmd,
		stdin:     stdin,
		logger:    a.logger,
		pending:   make(map[string]chan result),
		exited:    make(chan struct{}),
		startedAt: time.Now(),
	}

	a.logger.Info("filesystem server process started",
		"command", a.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	r.readers.Add(2)
	go r.readLoop(stdout)
	go r.logStderr(stderr)
	go a.reap(r)

	return r, nil
}

// Stop kills the wrapped server, failing every pending operation.
// Stopping an adapter that is not running is a no-op.
func (a *Adapter) Stop() error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	r := a.cur
	a.cur = nil
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	r.shutdown(fmt.Errorf("filesystem server %s stopped: %w", a.cfg.ID, stdio.ErrProcessExited))
	a.logger.Info("filesystem server stopped")
	return nil
}

// Running reports whether the wrapped server is live and past its grace delay.
func (a *Adapter) Running() bool {
	return a.current() != nil
}

func (a *Adapter) current() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// CallTool serves the canonical filesystem tools locally and forwards any
// other tool name to the wrapped server.
func (a *Adapter) CallTool(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	r := a.current()
	if r == nil {
		return nil, fmt.Errorf("filesystem server %s: %w", a.cfg.ID, stdio.ErrNotRunning)
	}

	// The wrapped binary's replies for these are unreliable, so they are
	// implemented against the local filesystem instead.
	switch name {
	case "read_file":
		return a.readFile(params)
	case "write_file":
		return a.writeFile(params)
	case "list_directory":
		return a.listDirectory(params)
	}

	out, err := a.forward(ctx, r, request{ID: uuid.NewString(), Method: name, Params: params})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", name, a.cfg.ID, err)
	}
	return out, nil
}

func (a *Adapter) forward(ctx context.Context, r *run, env request) (json.RawMessage, error) {
	ch, err := r.register(env.ID)
	if err != nil {
		return nil, err
	}

	if err := r.writeLine(env); err != nil {
		if r.take(env.ID) {
			return nil, err
		}
		res := <-ch
		return res.payload, res.err
	}

	timer := time.NewTimer(a.callTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		if r.take(env.ID) {
			return nil, fmt.Errorf("%w after %s", stdio.ErrTimeout, a.callTimeout)
		}
		res := <-ch
		return res.payload, res.err
	case <-ctx.Done():
		if r.take(env.ID) {
			return nil, ctx.Err()
		}
		res := <-ch
		return res.payload, res.err
	}
}

func (a *Adapter) reap(r *run) {
	r.readers.Wait()
	err := r.cmd.Wait()
	close(r.exited)

	failed := r.fail(fmt.Errorf("filesystem server %s: %w", a.cfg.ID, stdio.ErrProcessExited))

	a.mu.Lock()
	if a.cur == r {
		a.cur = nil
	}
	a.mu.Unlock()

	if failed > 0 {
		r.logger.Warn("filesystem server exited with operations pending",
			"pending_failed", failed,
			"error", err,
		)
		return
	}
	r.logger.Info("filesystem server exited", "error", err)
}

// request is the outbound envelope for forwarded tool calls.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type result struct {
	payload json.RawMessage
	err     error
}

// run owns one spawn of the wrapped process: its pipes, pending table, and
// output accumulator. A fresh run replaces it on restart.
type run struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	logger    *slog.Logger
	startedAt time.Time

	// mu guards stopped, pending, and accum. As in the stdio manager, the
	// pending entry is the completion token.
	mu      sync.Mutex
	stopped bool
	pending map[string]chan result
	accum   []byte

	writeMu sync.Mutex
	exited  chan struct{}
	readers sync.WaitGroup
}

func (r *run) register(opID string) (chan result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, stdio.ErrNotRunning
	}
	ch := make(chan result, 1)
	r.pending[opID] = ch
	return ch, nil
}

func (r *run) take(opID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[opID]; !ok {
		return false
	}
	delete(r.pending, opID)
	return true
}

func (r *run) complete(opID string, res result) bool {
	r.mu.Lock()
	ch, ok := r.pending[opID]
	if ok {
		delete(r.pending, opID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

func (r *run) fail(cause error) int {
	r.mu.Lock()
	r.stopped = true
	taken := make([]chan result, 0, len(r.pending))
	for id, ch := range r.pending {
		taken = append(taken, ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, ch := range taken {
		ch <- result{err: cause}
	}
	return len(taken)
}

func (r *run) writeLine(env request) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	line = append(line, '\n')

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to filesystem server: %w", err)
	}
	return nil
}

func (r *run) shutdown(cause error) {
	r.fail(cause)
	_ = r.cmd.Process.Kill()
	<-r.exited
}

// readLoop accumulates raw output chunks. There is no line discipline to
// rely on here: objects are extracted by boundary matching wherever they
// appear in the stream.
func (r *run) readLoop(stdout io.Reader) {
	defer r.readers.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			r.processChunk(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *run) processChunk(chunk []byte) {
	r.mu.Lock()
	r.accum = append(r.accum, chunk...)
	objs, rest := extractObjects(r.accum)
	r.accum = append(r.accum[:0:0], rest...)
	if len(r.accum) > maxAccum {
		r.logger.Warn("output accumulator overflow, discarding buffered bytes",
			"discarded", len(r.accum),
		)
		r.accum = nil
	}
	r.mu.Unlock()

	for _, obj := range objs {
		r.handleObject(obj)
	}
}

func (r *run) handleObject(obj []byte) {
	rep, err := decodeReply(obj)
	if err != nil {
		r.logger.Warn("skipping unparseable object", "error", err, "object", preview(obj))
		return
	}
	if rep.ID == "" {
		r.logger.Debug("ignoring object without id")
		return
	}

	res := result{payload: rep.Result}
	if rep.Error != nil {
		res = result{err: &stdio.ServerError{Message: rep.Error.Message}}
	}
	if !r.complete(rep.ID, res) {
		r.logger.Warn("received response for unknown operation", "op_id", rep.ID)
	}
}

func (r *run) logStderr(stderr io.Reader) {
	defer r.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.logger.Debug("filesystem server stderr", "line", scanner.Text())
	}
}
