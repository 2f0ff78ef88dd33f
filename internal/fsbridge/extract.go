// ABOUTME: Heuristic extraction of JSON objects from a non-conforming output stream.
// ABOUTME: Brace-depth boundary matching over an accumulator, respecting string literals.

package fsbridge

import (
	"bytes"
	"encoding/json"
)

// extractObjects scans raw for complete top-level {...} objects by brace
// depth, treating braces inside string literals (and escaped quotes inside
// them) as content. It returns the complete objects in arrival order plus
// the unconsumed tail: the start of a still-open object if one is in
// progress, nothing otherwise. Bytes between objects are free-form
// diagnostics and are discarded with the consumed region.
//
// This is a fallback for one known server whose framing interleaves prose
// with JSON; conforming servers go through the strict line parser instead.
func extractObjects(raw []byte) (objs [][]byte, rest []byte) {
	depth := 0
	inStr := false
	escaped := false
	start := -1

	for i, b := range raw {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inStr = false
			}
			continue
		}

		switch b {
		case '"':
			// Quotes outside an object are prose, not JSON.
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				objs = append(objs, raw[start:i+1])
				start = -1
			}
		}
	}

	if depth > 0 && start >= 0 {
		return objs, raw[start:]
	}
	return objs, nil
}

// reply is a decoded candidate object from the wrapped server's output.
// Only objects carrying an id participate in correlation.
type reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *replyError     `json:"error"`
}

type replyError struct {
	Message string `json:"message"`
}

// decodeReply parses one extracted candidate. Extraction guarantees balanced
// braces, not valid JSON, so this can still fail.
func decodeReply(obj []byte) (*reply, error) {
	var r reply
	if err := json.Unmarshal(bytes.TrimSpace(obj), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// preview truncates an extracted object for log output.
func preview(obj []byte) string {
	const max = 200
	if len(obj) <= max {
		return string(obj)
	}
	return string(obj[:max]) + "..."
}
