// ABOUTME: Envelope types for the line-delimited JSON protocol spoken over stdio.
// ABOUTME: Outbound requests carry an id plus method or type; inbound lines correlate by id.

package stdio

import (
	"bytes"
	"encoding/json"
)

// typeReadResource marks an outbound envelope as a resource read.
const typeReadResource = "readResource"

// controlReady is the control line a conforming server emits once it is
// ready to accept requests: {"type":"ready"} with no id.
const controlReady = "ready"

// request is one outbound envelope. Tool calls set Method and Params;
// resource reads set Type to typeReadResource and URI.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Type   string          `json:"type,omitempty"`
	URI    string          `json:"uri,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// inbound is one parsed line from a server's stdout. Correlated responses
// carry ID plus Result or Error; control lines carry Type without an ID.
type inbound struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// wireError is the failure half of a response envelope.
type wireError struct {
	Message string `json:"message"`
}

// ServerError is a failure the server itself reported in an error envelope.
// Distinct from transport failures such as ErrTimeout or ErrProcessExited:
// the process is healthy, the call it answered was not.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// parseLine decodes one stdout line. Blank lines return (nil, nil); lines
// that are not a JSON object return an error and the caller skips them.
func parseLine(line []byte) (*inbound, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var env inbound
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// preview truncates a wire line for log output.
func preview(line []byte) string {
	const max = 200
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
