// ABOUTME: HTTP API tests exercising the handlers over httptest
// ABOUTME: Covers server control, dispatch envelopes, sessions, actions, and history

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer serves the gateway's handler over httptest.
func apiServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// apiErrorClass extracts the error class from an envelope body.
func apiErrorClass(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Class   string `json:"class"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Class
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAPIServers_List(t *testing.T) {
	disabled := stubServerConfig("paused")
	disabled.Enabled = false
	gw := testGateway(t,
		stubServerConfig("tools"),
		fsServerConfig("files"),
		remoteServerConfig("solver", "http://127.0.0.1:1/mcp"),
		disabled,
	)
	ts := apiServer(t, gw)

	var body struct {
		Servers []ServerInfo `json:"servers"`
	}
	resp := getJSON(t, ts.URL+"/api/servers", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Servers, 4)

	// Ordered by id
	assert.Equal(t, "files", body.Servers[0].ID)
	assert.Equal(t, "paused", body.Servers[1].ID)
	assert.Equal(t, "solver", body.Servers[2].ID)
	assert.Equal(t, "tools", body.Servers[3].ID)

	assert.Equal(t, "stopped", body.Servers[0].Status)
	assert.Equal(t, "filesystem", body.Servers[0].Adapter)
	assert.False(t, body.Servers[1].Enabled)
	assert.Equal(t, "disconnected", body.Servers[2].Status)
	assert.Equal(t, "remote", body.Servers[2].Transport)
}

func TestAPIServers_MethodNotAllowed(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIServerControl_StartStop(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers/tools/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info ServerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "running", info.Status)
	assert.True(t, gw.stdio.IsRunning("tools"))

	resp = postJSON(t, ts.URL+"/api/servers/tools/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "stopped", info.Status)
	assert.False(t, gw.stdio.IsRunning("tools"))
}

func TestAPIServerControl_StartDisabled(t *testing.T) {
	disabled := stubServerConfig("paused")
	disabled.Enabled = false
	gw := testGateway(t, disabled)
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers/paused/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ClassServerDisabled, apiErrorClass(t, resp))
}

func TestAPIServerControl_StopDisabled(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers/tools/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Disabling must not strand the live process
	require.NoError(t, gw.servers.SetEnabled("tools", false))
	resp = postJSON(t, ts.URL+"/api/servers/tools/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, gw.stdio.IsRunning("tools"))
}

func TestAPIServerControl_Unknown(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ClassConfigNotFound, apiErrorClass(t, resp))
}

func TestAPIServerControl_BadPath(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/servers/tools/reboot", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/servers/tools", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIDispatch(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/dispatch", map[string]any{
		"server_id": "tools",
		"tool":      "echo",
		"params":    map[string]any{"msg": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.JSONEq(t, `{"msg":"hi"}`, string(body.Result))
}

func TestAPIDispatch_ServerErrorAsData(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/dispatch", map[string]any{
		"server_id": "tools",
		"tool":      "fail",
	})
	// A failure the server reported is a normal response, not an error status
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.OK)
	assert.Equal(t, "simulated tool failure", body.Error)
}

func TestAPIDispatch_UnknownServer(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/dispatch", map[string]any{
		"server_id": "ghost",
		"tool":      "echo",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ClassConfigNotFound, apiErrorClass(t, resp))
}

func TestAPIDispatch_BadJSON(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp, err := http.Post(ts.URL+"/api/dispatch", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPISessions_CreateAndResume(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	var created struct {
		SessionID string `json:"session_id"`
		Created   bool   `json:"created"`
	}
	resp := postJSON(t, ts.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.SessionID)
	assert.True(t, created.Created)

	// Resuming the same id does not create a second session
	var resumed struct {
		SessionID string `json:"session_id"`
		Created   bool   `json:"created"`
	}
	resp = postJSON(t, ts.URL+"/api/sessions", map[string]any{"session_id": created.SessionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resumed))
	assert.Equal(t, created.SessionID, resumed.SessionID)
	assert.False(t, resumed.Created)
	assert.Equal(t, 1, gw.sessions.Count())
}

func TestAPISessions_EmptyBody(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPISessionDetail(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	var body struct {
		SessionID     string         `json:"session_id"`
		CreatedAt     string         `json:"created_at"`
		Context       map[string]any `json:"context"`
		HistoryLength int            `json:"history_length"`
	}
	resp := getJSON(t, ts.URL+"/api/sessions/"+sessID, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessID, body.SessionID)
	assert.Zero(t, body.HistoryLength)

	_, err := time.Parse(time.RFC3339, body.CreatedAt)
	assert.NoError(t, err)
}

func TestAPISessionDetail_Unknown(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp := getJSON(t, ts.URL+"/api/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ClassSessionNotFound, apiErrorClass(t, resp))
}

func TestAPISessionActions(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	var body struct {
		Actions []struct {
			Name string `json:"name"`
		} `json:"actions"`
	}
	resp := getJSON(t, ts.URL+"/api/sessions/"+sessID+"/actions", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body.Actions)

	names := make([]string, 0, len(body.Actions))
	for _, a := range body.Actions {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "set_mode")
	assert.Contains(t, names, "reset_workspace")
}

func TestAPIExecuteAction(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	resp := postJSON(t, ts.URL+"/api/actions/execute", map[string]any{
		"session_id": sessID,
		"action":     "set_mode",
		"parameters": map[string]any{"mode": "draw"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Success)

	// The context update landed and the attempt was recorded
	var detail struct {
		Context       map[string]any `json:"context"`
		HistoryLength int            `json:"history_length"`
	}
	getJSON(t, ts.URL+"/api/sessions/"+sessID, &detail)
	assert.Equal(t, "draw", detail.Context["mode"])
	assert.Equal(t, 1, detail.HistoryLength)
}

func TestAPIExecuteAction_UnknownActionIsData(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	resp := postJSON(t, ts.URL+"/api/actions/execute", map[string]any{
		"session_id": sessID,
		"action":     "levitate",
	})
	// Unknown actions are a failure result, not an error status
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown action")
}

func TestAPIExecuteAction_UnknownSession(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	resp := postJSON(t, ts.URL+"/api/actions/execute", map[string]any{
		"session_id": "ghost",
		"action":     "set_mode",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ClassSessionNotFound, apiErrorClass(t, resp))
}

func TestAPIExecuteAction_MissingAction(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	resp := postJSON(t, ts.URL+"/api/actions/execute", map[string]any{
		"session_id": sessID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ClassInvalidRequest, apiErrorClass(t, resp))
}

func TestAPIHistory(t *testing.T) {
	gw := testGateway(t, stubServerConfig("tools"))
	ts := apiServer(t, gw)
	sessID, _ := gw.Session("")

	_, err := gw.Dispatch(t.Context(), DispatchRequest{
		ServerID: "tools",
		Tool:     "echo",
		Params:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = gw.ExecuteAction(ExecuteRequest{
		SessionID:  sessID,
		Action:     "set_mode",
		Parameters: map[string]any{"mode": "draw"},
	})
	require.NoError(t, err)

	var body struct {
		Invocations []InvocationResponse `json:"invocations"`
	}
	resp := getJSON(t, ts.URL+"/api/history", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Invocations, 2)

	// Filtering by kind narrows to the action row
	body.Invocations = nil
	resp = getJSON(t, ts.URL+"/api/history?kind=action", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Invocations, 1)
	assert.Equal(t, "set_mode", body.Invocations[0].Name)
	assert.Equal(t, sessID, body.Invocations[0].SessionID)
	assert.True(t, body.Invocations[0].OK)

	_, err = time.Parse(time.RFC3339, body.Invocations[0].CreatedAt)
	assert.NoError(t, err)
}

func TestAPIHistory_BadLimit(t *testing.T) {
	gw := testGateway(t)
	ts := apiServer(t, gw)

	for _, limit := range []string{"abc", "0", "-5"} {
		resp := getJSON(t, ts.URL+"/api/history?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", limit)
	}
}
