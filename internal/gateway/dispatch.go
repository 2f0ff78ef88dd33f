// ABOUTME: Dispatch path routing tool calls and resource reads to the right transport
// ABOUTME: Classifies failures into coarse error classes and records every invocation

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tracery-studio/tracery-gateway/internal/fsbridge"
	"github.com/tracery-studio/tracery-gateway/internal/registry"
	"github.com/tracery-studio/tracery-gateway/internal/remote"
	"github.com/tracery-studio/tracery-gateway/internal/session"
	"github.com/tracery-studio/tracery-gateway/internal/stdio"
	"github.com/tracery-studio/tracery-gateway/internal/store"
)

// Error classes carried to API clients. Internal diagnostic detail never
// crosses the boundary; callers see the class plus a short message.
const (
	ClassConfigNotFound   = "config_not_found"
	ClassServerDisabled   = "server_disabled"
	ClassConnectionFailed = "connection_failed"
	ClassTimeout          = "timeout"
	ClassProtocolError    = "protocol_error"
	ClassProcessExited    = "process_exited"
	ClassSessionNotFound  = "session_not_found"
	ClassInvalidRequest   = "invalid_request"
	ClassServerError      = "server_error" // failure reported by the tool server itself
	ClassActionFailed     = "action_failed"
	ClassInternal         = "internal"
)

// apiError attaches an error class to a wrapped error.
type apiError struct {
	class string
	err   error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

// withClass wraps err with an explicit error class.
func withClass(class string, err error) error {
	return &apiError{class: class, err: err}
}

// classOf maps an error to its coarse class.
func classOf(err error) string {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.class
	}

	var se *stdio.ServerError
	if errors.As(err, &se) {
		return ClassServerError
	}

	switch {
	case errors.Is(err, registry.ErrConfigNotFound):
		return ClassConfigNotFound
	case errors.Is(err, registry.ErrServerDisabled):
		return ClassServerDisabled
	case errors.Is(err, stdio.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, stdio.ErrProcessExited), errors.Is(err, stdio.ErrNotRunning):
		return ClassProcessExited
	case errors.Is(err, remote.ErrNotConnected):
		return ClassConnectionFailed
	case errors.Is(err, fsbridge.ErrInvalidResource):
		return ClassInvalidRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return ClassSessionNotFound
	default:
		return ClassInternal
	}
}

// DispatchRequest names a target server and exactly one of a tool call or a
// resource read. SessionID is optional and only annotates the audit trail.
type DispatchRequest struct {
	ServerID  string          `json:"server_id"`
	SessionID string          `json:"session_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Resource  string          `json:"resource,omitempty"`
}

func (r *DispatchRequest) validate() error {
	if r.ServerID == "" {
		return errors.New("server_id is required")
	}
	if (r.Tool == "") == (r.Resource == "") {
		return errors.New("exactly one of tool or resource is required")
	}
	return nil
}

// ResolveServer returns the configuration for id, failing for unknown or
// disabled servers.
func (g *Gateway) ResolveServer(id string) (registry.ServerConfig, error) {
	cfg, err := g.servers.Get(id)
	if err != nil {
		return registry.ServerConfig{}, err
	}
	if !cfg.Enabled {
		return registry.ServerConfig{}, fmt.Errorf("%w: %s", registry.ErrServerDisabled, id)
	}
	return cfg, nil
}

// Dispatch resolves the target server, routes the call over its transport,
// and records the invocation. Servers start or connect on demand.
func (g *Gateway) Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	if err := req.validate(); err != nil {
		return nil, withClass(ClassInvalidRequest, err)
	}

	cfg, err := g.ResolveServer(req.ServerID)
	if err != nil {
		g.recordDispatch(req, time.Now(), err)
		return nil, err
	}

	start := time.Now()
	result, err := g.route(ctx, cfg, req)
	g.recordDispatch(req, start, err)
	return result, err
}

// route picks the transport for cfg and executes the request on it.
func (g *Gateway) route(ctx context.Context, cfg registry.ServerConfig, req DispatchRequest) (json.RawMessage, error) {
	switch {
	case cfg.IsLocal() && cfg.Adapter == registry.AdapterFilesystem:
		return g.dispatchBridge(ctx, cfg, req)
	case cfg.IsLocal():
		return g.dispatchStdio(ctx, cfg, req)
	default:
		return g.dispatchRemote(ctx, cfg, req)
	}
}

func (g *Gateway) dispatchStdio(ctx context.Context, cfg registry.ServerConfig, req DispatchRequest) (json.RawMessage, error) {
	if !g.stdio.IsRunning(cfg.ID) {
		if err := g.stdio.Start(ctx, cfg); err != nil {
			return nil, withClass(ClassConnectionFailed, fmt.Errorf("starting %s: %w", cfg.ID, err))
		}
	}

	if req.Tool != "" {
		return g.stdio.CallTool(ctx, cfg.ID, req.Tool, req.Params)
	}
	return g.stdio.ReadResource(ctx, cfg.ID, req.Resource)
}

func (g *Gateway) dispatchBridge(ctx context.Context, cfg registry.ServerConfig, req DispatchRequest) (json.RawMessage, error) {
	adapter, err := g.bridgeFor(cfg)
	if err != nil {
		return nil, withClass(ClassConnectionFailed, err)
	}
	if !adapter.Running() {
		if err := adapter.Start(ctx); err != nil {
			return nil, withClass(ClassConnectionFailed, fmt.Errorf("starting %s: %w", cfg.ID, err))
		}
	}

	if req.Tool != "" {
		return adapter.CallTool(ctx, req.Tool, req.Params)
	}
	return adapter.ReadResource(ctx, req.Resource)
}

// bridgeFor returns the filesystem adapter for cfg, building it on first use.
func (g *Gateway) bridgeFor(cfg registry.ServerConfig) (*fsbridge.Adapter, error) {
	g.bridgeMu.Lock()
	defer g.bridgeMu.Unlock()

	if adapter, ok := g.bridges[cfg.ID]; ok {
		return adapter, nil
	}

	adapter, err := fsbridge.New(cfg, fsbridge.Options{
		Root:        g.config.Workspace.Root,
		CallTimeout: g.config.Calls.Timeout,
		GraceDelay:  g.config.Calls.ReadyDelay,
		Logger:      g.baseLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("building filesystem adapter for %s: %w", cfg.ID, err)
	}
	g.bridges[cfg.ID] = adapter
	return adapter, nil
}

// bridge returns the adapter for id if one has been built, else nil.
func (g *Gateway) bridge(id string) *fsbridge.Adapter {
	g.bridgeMu.Lock()
	defer g.bridgeMu.Unlock()
	return g.bridges[id]
}

func (g *Gateway) dispatchRemote(ctx context.Context, cfg registry.ServerConfig, req DispatchRequest) (json.RawMessage, error) {
	if _, ok := g.remote.Get(cfg.ID); !ok {
		if err := g.remote.Connect(ctx, cfg); err != nil {
			return nil, withClass(ClassConnectionFailed, fmt.Errorf("connecting %s: %w", cfg.ID, err))
		}
	}

	if req.Tool != "" {
		var args map[string]any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &args); err != nil {
				return nil, withClass(ClassInvalidRequest, fmt.Errorf("parsing tool params: %w", err))
			}
		}
		res, err := g.remote.CallTool(ctx, cfg.ID, req.Tool, args)
		if err != nil {
			return nil, err
		}
		return remoteToolJSON(res)
	}

	res, err := g.remote.ReadResource(ctx, cfg.ID, req.Resource)
	if err != nil {
		return nil, err
	}
	return remoteResourceJSON(req.Resource, res)
}

// remoteToolJSON flattens a remote tool result to raw JSON. Results flagged
// as errors surface as a ServerError so all transports report tool-side
// failures the same way.
func remoteToolJSON(res *mcp.CallToolResult) (json.RawMessage, error) {
	text := contentText(res.Content)
	if res.IsError {
		return nil, &stdio.ServerError{Message: text}
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(map[string]string{"text": text})
}

// remoteResourceJSON flattens a remote resource read to raw JSON.
func remoteResourceJSON(uri string, res *mcp.ReadResourceResult) (json.RawMessage, error) {
	if len(res.Contents) == 0 {
		return json.Marshal(map[string]string{"uri": uri})
	}
	first := res.Contents[0]
	if json.Valid([]byte(first.Text)) {
		return json.RawMessage(first.Text), nil
	}
	return json.Marshal(map[string]string{"uri": first.URI, "text": first.Text})
}

// contentText joins the text parts of a content list.
func contentText(content []mcp.Content) string {
	var text string
	for _, c := range content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += tc.Text
	}
	return text
}

// StartServer eagerly starts or connects the server with id.
func (g *Gateway) StartServer(ctx context.Context, id string) error {
	cfg, err := g.ResolveServer(id)
	if err != nil {
		return err
	}

	switch {
	case cfg.IsLocal() && cfg.Adapter == registry.AdapterFilesystem:
		adapter, err := g.bridgeFor(cfg)
		if err != nil {
			return withClass(ClassConnectionFailed, err)
		}
		if adapter.Running() {
			return nil
		}
		if err := adapter.Start(ctx); err != nil {
			return withClass(ClassConnectionFailed, fmt.Errorf("starting %s: %w", id, err))
		}
	case cfg.IsLocal():
		if err := g.stdio.Start(ctx, cfg); err != nil {
			return withClass(ClassConnectionFailed, fmt.Errorf("starting %s: %w", id, err))
		}
	default:
		if g.remote.IsConnected(id) {
			return nil
		}
		if err := g.remote.Connect(ctx, cfg); err != nil {
			return withClass(ClassConnectionFailed, fmt.Errorf("connecting %s: %w", id, err))
		}
	}
	return nil
}

// recordDispatch writes an audit row for a dispatch attempt. A fresh context
// keeps the write alive when the request context already timed out.
func (g *Gateway) recordDispatch(req DispatchRequest, start time.Time, callErr error) {
	kind := store.KindTool
	name := req.Tool
	if req.Resource != "" {
		kind = store.KindResource
		name = req.Resource
	}

	inv := &store.Invocation{
		ServerID:   req.ServerID,
		SessionID:  req.SessionID,
		Kind:       kind,
		Name:       name,
		OK:         callErr == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if callErr != nil {
		inv.ErrorClass = classOf(callErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.audit.RecordInvocation(ctx, inv); err != nil {
		g.logger.Error("recording invocation", "server_id", req.ServerID, "error", err)
	}
}
