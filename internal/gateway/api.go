// ABOUTME: HTTP API handlers: server listing and control, dispatch, sessions, actions, history
// ABOUTME: Maps error classes to status codes and keeps internal detail out of responses

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/tracery-studio/tracery-gateway/internal/registry"
	"github.com/tracery-studio/tracery-gateway/internal/stdio"
	"github.com/tracery-studio/tracery-gateway/internal/store"
)

// registerAPIRoutes attaches the API handlers to mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/servers", g.handleServers)
	mux.HandleFunc("/api/servers/", g.handleServerControl)
	mux.HandleFunc("/api/dispatch", g.handleDispatch)
	mux.HandleFunc("/api/sessions", g.handleSessions)
	mux.HandleFunc("/api/sessions/", g.handleSessionDetail)
	mux.HandleFunc("/api/actions/execute", g.handleExecuteAction)
	mux.HandleFunc("/api/history", g.handleHistory)
}

// corsHandler wraps h with CORS headers when origins are configured.
func (g *Gateway) corsHandler(h http.Handler) http.Handler {
	if len(g.config.Server.AllowedOrigins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: g.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(h)
}

// ServerInfo is one registry entry plus its live transport state.
type ServerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Adapter   string `json:"adapter,omitempty"`
	Enabled   bool   `json:"enabled"`
	Status    string `json:"status"`
}

// serverStatus reports the live state of cfg's transport.
func (g *Gateway) serverStatus(cfg registry.ServerConfig) string {
	switch {
	case cfg.IsLocal() && cfg.Adapter == registry.AdapterFilesystem:
		if b := g.bridge(cfg.ID); b != nil && b.Running() {
			return "running"
		}
		return "stopped"
	case cfg.IsLocal():
		if g.stdio.IsRunning(cfg.ID) {
			return "running"
		}
		return "stopped"
	default:
		if g.remote.IsConnected(cfg.ID) {
			return "connected"
		}
		return "disconnected"
	}
}

func (g *Gateway) serverInfo(cfg registry.ServerConfig) ServerInfo {
	return ServerInfo{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Transport: string(cfg.Transport),
		Adapter:   cfg.Adapter,
		Enabled:   cfg.Enabled,
		Status:    g.serverStatus(cfg),
	}
}

// handleServers returns every registered server with its live status.
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	servers := g.servers.List()
	infos := make([]ServerInfo, 0, len(servers))
	for _, cfg := range servers {
		infos = append(infos, g.serverInfo(cfg))
	}

	g.writeJSON(w, map[string]any{"servers": infos})
}

// handleServerControl starts or stops one server: POST /api/servers/{id}/start
// or /api/servers/{id}/stop.
func (g *Gateway) handleServerControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		g.sendAPIError(w, withClass(ClassInvalidRequest, errors.New("invalid path")))
		return
	}
	id, verb := parts[0], parts[1]

	switch verb {
	case "start":
		if err := g.StartServer(r.Context(), id); err != nil {
			g.sendAPIError(w, err)
			return
		}
	case "stop":
		// Get, not ResolveServer: disabled servers must remain stoppable.
		if _, err := g.servers.Get(id); err != nil {
			g.sendAPIError(w, err)
			return
		}
		g.stopServer(id)
	default:
		g.sendAPIError(w, withClass(ClassInvalidRequest, errors.New("invalid path")))
		return
	}

	cfg, err := g.servers.Get(id)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, g.serverInfo(cfg))
}

// handleDispatch routes a tool call or resource read to its server. A
// failure the tool server itself reported comes back as a 200 with ok=false;
// transport and gateway failures use the error envelope.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendAPIError(w, withClass(ClassInvalidRequest, err))
		return
	}

	result, err := g.Dispatch(r.Context(), req)
	if err != nil {
		var se *stdio.ServerError
		if errors.As(err, &se) {
			g.writeJSON(w, map[string]any{"ok": false, "error": se.Message})
			return
		}
		g.sendAPIError(w, err)
		return
	}

	g.writeJSON(w, map[string]any{"ok": true, "result": result})
}

// handleSessions allocates or resumes a session. The body is optional; an
// empty body always allocates a fresh session.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		g.sendAPIError(w, withClass(ClassInvalidRequest, err))
		return
	}

	id, created := g.Session(req.SessionID)
	g.writeJSON(w, map[string]any{"session_id": id, "created": created})
}

// handleSessionDetail serves GET /api/sessions/{id} and
// GET /api/sessions/{id}/actions.
func (g *Gateway) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		sess, err := g.sessions.Get(parts[0])
		if err != nil {
			g.sendAPIError(w, err)
			return
		}
		g.writeJSON(w, map[string]any{
			"session_id":     sess.ID(),
			"created_at":     sess.CreatedAt().Format(time.RFC3339),
			"context":        sess.Context(),
			"history_length": sess.HistoryLen(),
		})
	case len(parts) == 2 && parts[0] != "" && parts[1] == "actions":
		actions, err := g.AvailableActions(parts[0])
		if err != nil {
			g.sendAPIError(w, err)
			return
		}
		g.writeJSON(w, map[string]any{"actions": actions})
	default:
		g.sendAPIError(w, withClass(ClassInvalidRequest, errors.New("invalid path")))
	}
}

// handleExecuteAction runs one action in a session.
func (g *Gateway) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendAPIError(w, withClass(ClassInvalidRequest, err))
		return
	}

	res, err := g.ExecuteAction(req)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.writeJSON(w, res)
}

// InvocationResponse is one audit row in API form.
type InvocationResponse struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	ErrorClass string `json:"error_class,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// handleHistory returns recent invocations, newest first. Supports
// server_id, session_id, kind, and limit query parameters.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter := store.InvocationFilter{
		ServerID:  r.URL.Query().Get("server_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Kind:      r.URL.Query().Get("kind"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendAPIError(w, withClass(ClassInvalidRequest, errors.New("limit must be a positive integer")))
			return
		}
		filter.Limit = parsed
	}

	rows, err := g.audit.ListInvocations(r.Context(), filter)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	invocations := make([]InvocationResponse, 0, len(rows))
	for _, inv := range rows {
		invocations = append(invocations, InvocationResponse{
			ID:         inv.ID,
			ServerID:   inv.ServerID,
			SessionID:  inv.SessionID,
			Kind:       inv.Kind,
			Name:       inv.Name,
			OK:         inv.OK,
			ErrorClass: inv.ErrorClass,
			DurationMS: inv.DurationMS,
			CreatedAt:  inv.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	g.writeJSON(w, map[string]any{"invocations": invocations})
}

// statusOf maps an error class to an HTTP status code.
func statusOf(class string) int {
	switch class {
	case ClassInvalidRequest:
		return http.StatusBadRequest
	case ClassConfigNotFound, ClassSessionNotFound:
		return http.StatusNotFound
	case ClassServerDisabled:
		return http.StatusServiceUnavailable
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassConnectionFailed, ClassProcessExited, ClassProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendAPIError writes the error envelope for err. Internal errors are logged
// in full and scrubbed before they reach the client.
func (g *Gateway) sendAPIError(w http.ResponseWriter, err error) {
	class := classOf(err)
	message := err.Error()
	if class == ClassInternal {
		g.logger.Error("internal error", "error", err)
		message = "internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(class))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"class": class, "message": message},
	})
}

// writeJSON writes v as the 200 response body.
func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}
