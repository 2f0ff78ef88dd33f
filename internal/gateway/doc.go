// Package gateway orchestrates the tracery-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the tracery-gateway
// server. It owns and manages all major components: the server registry,
// the stdio and remote transport managers, filesystem adapters, the session
// table, the action agent, and the invocation audit store.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config   *config.Config
//	    servers  registry.Store
//	    watcher  *registry.Watcher
//	    stdio    *stdio.Manager
//	    remote   *remote.Manager
//	    sessions *session.Manager
//	    agent    *action.Agent
//	    audit    store.InvocationStore
//	    bridges  map[string]*fsbridge.Adapter
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/servers - List registered servers with live status
//   - POST /api/servers/{id}/start - Start or connect a server
//   - POST /api/servers/{id}/stop - Stop or disconnect a server
//   - POST /api/dispatch - Route a tool call or resource read
//   - POST /api/sessions - Allocate or resume a session
//   - GET /api/sessions/{id} - Session context and history length
//   - GET /api/sessions/{id}/actions - Actions valid for the session
//   - POST /api/actions/execute - Execute an action in a session
//   - GET /api/history - Recent invocations, newest first
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Dispatch
//
// Dispatch resolves the target server in the registry and routes over the
// transport its record names:
//
//	local + filesystem adapter -> fsbridge.Adapter
//	local                      -> stdio.Manager
//	remote                     -> remote.Manager
//
// Servers start or connect on demand. A failure the tool server itself
// reported is returned as a normal result with ok=false; transport and
// gateway failures map to an error class:
//
//	config_not_found, server_disabled, connection_failed, timeout,
//	protocol_error, process_exited, session_not_found, invalid_request
//
// The class picks the HTTP status; internal diagnostic detail is logged but
// never forwarded to clients.
//
// # Audit Trail
//
// Every dispatch and action execution lands one row in the invocation store,
// including failures. Audit writes use a fresh context so a timed-out call
// still gets recorded.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run stops the HTTP server, every tool-server process and remote session,
// and closes the audit store before returning.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, listeners
//   - dispatch.go: transport routing and error classification
//   - actions.go: session and action operations
//   - api.go: HTTP handlers
package gateway
