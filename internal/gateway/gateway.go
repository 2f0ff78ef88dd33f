// ABOUTME: Gateway orchestrator wiring transport managers, sessions, the action agent and the audit store
// ABOUTME: Manages listener setup (TCP or Tailscale), graceful shutdown, and health endpoints

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/tracery-studio/tracery-gateway/internal/action"
	"github.com/tracery-studio/tracery-gateway/internal/config"
	"github.com/tracery-studio/tracery-gateway/internal/fsbridge"
	"github.com/tracery-studio/tracery-gateway/internal/registry"
	"github.com/tracery-studio/tracery-gateway/internal/remote"
	"github.com/tracery-studio/tracery-gateway/internal/session"
	"github.com/tracery-studio/tracery-gateway/internal/stdio"
	"github.com/tracery-studio/tracery-gateway/internal/store"
)

// Gateway wires the transport managers, the session table, the action agent,
// and the invocation audit store behind one HTTP surface. Tool-server
// processes start and remote sessions connect on demand; the gateway only
// resolves and routes.
type Gateway struct {
	config     *config.Config
	servers    registry.Store
	watcher    *registry.Watcher
	stdio      *stdio.Manager
	remote     *remote.Manager
	sessions   *session.Manager
	agent      *action.Agent
	audit      store.InvocationStore
	logger     *slog.Logger
	baseLogger *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// bridgeMu guards bridges, one filesystem adapter per server id.
	bridgeMu sync.Mutex
	bridges  map[string]*fsbridge.Adapter
}

// initStore opens the invocation audit store based on config and environment.
func initStore(cfg *config.Config) (store.InvocationStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TRACERY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration: the registry file store (plus a
// watcher when configured), both transport managers, the session table, the
// action agent, and the audit store.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fileStore, err := registry.NewFileStore(cfg.Registry.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading server registry: %w", err)
	}

	gw, err := newGateway(cfg, fileStore, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Registry.Watch {
		watcher, err := registry.NewWatcher(fileStore, logger, gw.syncServers)
		if err != nil {
			return nil, fmt.Errorf("watching server registry: %w", err)
		}
		gw.watcher = watcher
	}

	return gw, nil
}

// newGateway wires a Gateway around an already-built registry store.
func newGateway(cfg *config.Config, servers registry.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	audit, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		servers: servers,
		stdio: stdio.NewManager(stdio.Options{
			CallTimeout:  cfg.Calls.Timeout,
			ReadyTimeout: cfg.Calls.ReadyDelay,
			Logger:       logger,
		}),
		remote: remote.NewManager(remote.Options{
			ConnectTimeout: cfg.Calls.Timeout,
			CallTimeout:    cfg.Calls.Timeout,
			Logger:         logger,
		}),
		sessions:   session.NewManager(logger),
		agent:      action.NewAgent(logger),
		audit:      audit,
		logger:     logger.With("component", "gateway"),
		baseLogger: logger,
		bridges:    make(map[string]*fsbridge.Adapter),
	}

	mux := http.NewServeMux()

	// Health endpoints stay outside the API error envelope
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.corsHandler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupListener creates the HTTP listener based on configuration
// (Tailscale or plain TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if g.watcher != nil {
		go g.watcher.Run(ctx)
	}

	errCh := g.startServer(httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using the default
// if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tracery-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	return g.createTailscaleListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleListener creates the appropriate listener based on config.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener from configured cert files.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)

	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with a label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, all tool-server processes and
// remote sessions, and releases the audit store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.stdio.StopAll()
	g.stopBridges()
	errs = appendCloseError(errs, "remote disconnect", g.remote.DisconnectAll())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.audit.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// syncServers reconciles live processes and sessions against the registry
// after a reload: anything running for an id that is now missing or disabled
// gets stopped or disconnected.
func (g *Gateway) syncServers() {
	g.logger.Info("server registry reloaded, reconciling")

	for _, id := range g.activeServerIDs() {
		cfg, err := g.servers.Get(id)
		if err == nil && cfg.Enabled {
			continue
		}
		g.logger.Info("server removed or disabled, stopping", "server_id", id)
		g.stopServer(id)
	}
}

// activeServerIDs returns every id with a live process, adapter, or session.
func (g *Gateway) activeServerIDs() []string {
	ids := g.stdio.Running()
	ids = append(ids, g.remote.Connected()...)

	g.bridgeMu.Lock()
	for id, b := range g.bridges {
		if b.Running() {
			ids = append(ids, id)
		}
	}
	g.bridgeMu.Unlock()

	return ids
}

// stopServer stops whatever transport the id is live on. Unknown ids are a
// no-op.
func (g *Gateway) stopServer(id string) {
	if g.stdio.IsRunning(id) {
		if err := g.stdio.Stop(id); err != nil && !errors.Is(err, stdio.ErrNotRunning) {
			g.logger.Warn("stopping server", "server_id", id, "error", err)
		}
	}

	if b := g.bridge(id); b != nil {
		if err := b.Stop(); err != nil {
			g.logger.Warn("stopping filesystem adapter", "server_id", id, "error", err)
		}
	}

	if g.remote.IsConnected(id) {
		if err := g.remote.Disconnect(id); err != nil {
			g.logger.Warn("disconnecting server", "server_id", id, "error", err)
		}
	}
}

// stopBridges stops every filesystem adapter that has been built.
func (g *Gateway) stopBridges() {
	g.bridgeMu.Lock()
	defer g.bridgeMu.Unlock()

	for id, b := range g.bridges {
		if err := b.Stop(); err != nil {
			g.logger.Warn("stopping filesystem adapter", "server_id", id, "error", err)
		}
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one enabled server is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	enabled := 0
	for _, cfg := range g.servers.List() {
		if cfg.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no servers enabled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d servers)", enabled)
}
