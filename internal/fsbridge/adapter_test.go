// ABOUTME: Tests for the filesystem adapter lifecycle, local tools, and forwarding.
// ABOUTME: Uses a re-execed stub whose output imitates the wrapped server's framing.

package fsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracery-studio/tracery-gateway/internal/registry"
	"github.com/tracery-studio/tracery-gateway/internal/stdio"
)

func stubFSConfig(mode string) registry.ServerConfig {
	return registry.ServerConfig{
		ID:        "fs1",
		Name:      "Filesystem",
		Transport: registry.TransportStdio,
		Command:   os.Args[0],
		Env:       map[string]string{"FS_STUB_MODE": mode},
		Adapter:   registry.AdapterFilesystem,
		Enabled:   true,
	}
}

func newTestAdapter(t *testing.T, mode string, opts Options) *Adapter {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.GraceDelay == 0 {
		opts.GraceDelay = 50 * time.Millisecond
	}

	a, err := New(stubFSConfig(mode), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func TestNew_Validation(t *testing.T) {
	logger := slog.Default()

	t.Run("missing root", func(t *testing.T) {
		_, err := New(stubFSConfig("idle"), Options{Logger: logger})
		assert.Error(t, err)
	})

	t.Run("remote transport", func(t *testing.T) {
		cfg := registry.ServerConfig{
			ID:        "rf1",
			Transport: registry.TransportRemote,
			URL:       "https://tools.example.net/mcp",
			Enabled:   true,
		}
		_, err := New(cfg, Options{Root: t.TempDir(), Logger: logger})
		assert.Error(t, err)
	})
}

func TestStart_UnconditionalGrace(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{GraceDelay: 150 * time.Millisecond})

	// The stub never signals readiness; the adapter must wait out the full
	// grace delay before reporting running.
	begun := time.Now()
	require.NoError(t, a.Start(context.Background()))
	assert.GreaterOrEqual(t, time.Since(begun), 150*time.Millisecond)
	assert.True(t, a.Running())

	// Idempotent while running.
	begun = time.Now()
	require.NoError(t, a.Start(context.Background()))
	assert.Less(t, time.Since(begun), 100*time.Millisecond)
}

func TestStart_ExitDuringGrace(t *testing.T) {
	a := newTestAdapter(t, "exit", Options{GraceDelay: time.Second})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.False(t, a.Running())
}

func TestCallTool_NotRunning(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{})

	_, err := a.CallTool(context.Background(), "read_file", json.RawMessage(`{"path":"a"}`))
	assert.ErrorIs(t, err, stdio.ErrNotRunning)
}

func TestCallTool_LocalTools(t *testing.T) {
	root := t.TempDir()
	a := newTestAdapter(t, "idle", Options{Root: root})
	require.NoError(t, a.Start(context.Background()))

	// The idle stub never answers anything: these succeeding proves the
	// canonical tools are served locally, not by the subprocess.
	out, err := a.CallTool(context.Background(), "write_file",
		json.RawMessage(`{"path":"drawings/plan.tracery","content":"v1 frame"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"drawings/plan.tracery","bytes_written":8}`, string(out))

	out, err = a.CallTool(context.Background(), "read_file",
		json.RawMessage(`{"path":"drawings/plan.tracery"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"drawings/plan.tracery","content":"v1 frame"}`, string(out))

	out, err = a.CallTool(context.Background(), "list_directory",
		json.RawMessage(`{"path":"drawings"}`))
	require.NoError(t, err)

	var listing struct {
		Path    string     `json:"path"`
		Entries []dirEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(out, &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "plan.tracery", listing.Entries[0].Name)
	assert.Equal(t, "file", listing.Entries[0].Kind)
	assert.Equal(t, int64(8), listing.Entries[0].Size)

	// Empty path lists the root.
	out, err = a.CallTool(context.Background(), "list_directory", nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "drawings", listing.Entries[0].Name)
	assert.Equal(t, "directory", listing.Entries[0].Kind)
}

func TestCallTool_PathConfinement(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{})
	require.NoError(t, a.Start(context.Background()))

	tests := []struct {
		name string
		tool string
		args string
	}{
		{name: "escape via dotdot", tool: "read_file", args: `{"path":"../../etc/passwd"}`},
		{name: "absolute path", tool: "read_file", args: `{"path":"/etc/passwd"}`},
		{name: "write escape", tool: "write_file", args: `{"path":"../owned","content":"x"}`},
		{name: "list escape", tool: "list_directory", args: `{"path":".."}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CallTool(context.Background(), tt.tool, json.RawMessage(tt.args))
			assert.Error(t, err)
		})
	}
}

func TestCallTool_ForwardedThroughNoise(t *testing.T) {
	a := newTestAdapter(t, "noisy", Options{})
	require.NoError(t, a.Start(context.Background()))

	// stat_drawing is not canonical, so it goes to the subprocess; the
	// reply comes back wrapped in prose on the same stream.
	out, err := a.CallTool(context.Background(), "stat_drawing", json.RawMessage(`{"path":"plan"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"stat_drawing"}`, string(out))
}

func TestCallTool_ForwardedAcrossChunks(t *testing.T) {
	a := newTestAdapter(t, "split", Options{})
	require.NoError(t, a.Start(context.Background()))

	out, err := a.CallTool(context.Background(), "optimize_scene", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"done"}`, string(out))
}

func TestCallTool_ForwardTimeout(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{CallTimeout: 50 * time.Millisecond})
	require.NoError(t, a.Start(context.Background()))

	_, err := a.CallTool(context.Background(), "stat_drawing", nil)
	require.ErrorIs(t, err, stdio.ErrTimeout)
	assert.True(t, a.Running(), "a call timeout must not stop the server")
}

func TestCrash_FailsPendingAndRestarts(t *testing.T) {
	a := newTestAdapter(t, "crash1", Options{CallTimeout: 5 * time.Second})
	require.NoError(t, a.Start(context.Background()))

	_, err := a.CallTool(context.Background(), "stat_drawing", nil)
	require.ErrorIs(t, err, stdio.ErrProcessExited)

	require.Eventually(t, func() bool { return !a.Running() }, time.Second, 5*time.Millisecond)

	// The adapter is reusable after a crash.
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Running())
}

func TestReadResource_Status(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{})

	// status works before start and reports not running.
	out, err := a.ReadResource(context.Background(), "resource://status")
	require.NoError(t, err)

	var st struct {
		ServerID      string  `json:"server_id"`
		Running       bool    `json:"running"`
		Root          string  `json:"root"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	require.NoError(t, json.Unmarshal(out, &st))
	assert.Equal(t, "fs1", st.ServerID)
	assert.False(t, st.Running)

	require.NoError(t, a.Start(context.Background()))

	out, err = a.ReadResource(context.Background(), "resource://status")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &st))
	assert.True(t, st.Running)
	assert.GreaterOrEqual(t, st.UptimeSeconds, 0.0)
}

func TestReadResource_DirectoryAndFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sketches"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sketches", "arch.tracery"), []byte("arch v2"), 0o644))

	a := newTestAdapter(t, "idle", Options{Root: root})
	require.NoError(t, a.Start(context.Background()))

	out, err := a.ReadResource(context.Background(), "resource://directory/sketches")
	require.NoError(t, err)
	assert.Contains(t, string(out), "arch.tracery")

	out, err = a.ReadResource(context.Background(), "resource://file/sketches/arch.tracery")
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"sketches/arch.tracery","content":"arch v2"}`, string(out))
}

func TestReadResource_RejectsBadReferences(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{})

	tests := []string{
		"http://example.net/thing",
		"resource://bogus/x",
		"resource://status/extra",
		"resource://file",
		"resource:status",
		"",
	}

	for _, uri := range tests {
		t.Run(uri, func(t *testing.T) {
			_, err := a.ReadResource(context.Background(), uri)
			assert.ErrorIs(t, err, ErrInvalidResource)
		})
	}
}

func TestStop_NotRunningIsNoop(t *testing.T) {
	a := newTestAdapter(t, "idle", Options{})
	assert.NoError(t, a.Stop())
}
