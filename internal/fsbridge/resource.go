// ABOUTME: Resource reference grammar and handlers for the filesystem adapter.
// ABOUTME: Supports resource://status, resource://directory/{path}, resource://file/{path}.

package fsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tracery-studio/tracery-gateway/internal/stdio"
)

const resourceScheme = "resource://"

// parseResource splits resource://<kind>/<path>. Kind is one of status,
// directory, or file; anything else is rejected. status takes no path,
// file requires one, directory defaults to the root.
func parseResource(uri string) (kind, path string, err error) {
	if !strings.HasPrefix(uri, resourceScheme) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidResource, uri)
	}
	kind, path, _ = strings.Cut(strings.TrimPrefix(uri, resourceScheme), "/")

	switch kind {
	case "status":
		if path != "" {
			return "", "", fmt.Errorf("%w: status takes no path", ErrInvalidResource)
		}
	case "file":
		if path == "" {
			return "", "", fmt.Errorf("%w: file requires a path", ErrInvalidResource)
		}
	case "directory":
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, kind)
	}
	return kind, path, nil
}

// ReadResource resolves a resource reference. status reports adapter state
// whether or not the server is running; directory and file are served
// locally and require a running server.
func (a *Adapter) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	kind, path, err := parseResource(uri)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "status":
		return a.status()
	case "directory":
		if a.current() == nil {
			return nil, fmt.Errorf("filesystem server %s: %w", a.cfg.ID, stdio.ErrNotRunning)
		}
		return a.listDir(path)
	default: // file
		if a.current() == nil {
			return nil, fmt.Errorf("filesystem server %s: %w", a.cfg.ID, stdio.ErrNotRunning)
		}
		return a.readPath(path)
	}
}

func (a *Adapter) status() (json.RawMessage, error) {
	st := struct {
		ServerID      string  `json:"server_id"`
		Running       bool    `json:"running"`
		Root          string  `json:"root"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}{ServerID: a.cfg.ID, Root: a.root}

	if r := a.current(); r != nil {
		st.Running = true
		st.UptimeSeconds = time.Since(r.startedAt).Seconds()
	}
	return json.Marshal(st)
}
