// ABOUTME: Canonical filesystem tools served directly against the workspace root.
// ABOUTME: Paths are cleaned and confined to the root; escapes are rejected.

package fsbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type readFileInput struct {
	Path string `json:"path"`
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type listDirectoryInput struct {
	Path string `json:"path"`
}

// dirEntry is one row in a directory listing.
type dirEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

func (a *Adapter) readFile(params json.RawMessage) (json.RawMessage, error) {
	var in readFileInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("read_file params: %w", err)
	}
	return a.readPath(in.Path)
}

func (a *Adapter) readPath(rel string) (json.RawMessage, error) {
	p, err := a.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return json.Marshal(struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Path: rel, Content: string(data)})
}

func (a *Adapter) writeFile(params json.RawMessage) (json.RawMessage, error) {
	var in writeFileInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("write_file params: %w", err)
	}
	p, err := a.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent for %s: %w", in.Path, err)
	}
	if err := os.WriteFile(p, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", in.Path, err)
	}
	return json.Marshal(struct {
		Path         string `json:"path"`
		BytesWritten int    `json:"bytes_written"`
	}{Path: in.Path, BytesWritten: len(in.Content)})
}

func (a *Adapter) listDirectory(params json.RawMessage) (json.RawMessage, error) {
	var in listDirectoryInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, fmt.Errorf("list_directory params: %w", err)
		}
	}
	return a.listDir(in.Path)
}

func (a *Adapter) listDir(rel string) (json.RawMessage, error) {
	p, err := a.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}

	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		de := dirEntry{Name: e.Name(), Kind: "file"}
		if e.IsDir() {
			de.Kind = "directory"
		} else if info, err := e.Info(); err == nil {
			de.Size = info.Size()
		}
		out = append(out, de)
	}

	return json.Marshal(struct {
		Path    string     `json:"path"`
		Entries []dirEntry `json:"entries"`
	}{Path: rel, Entries: out})
}

// resolve confines rel to the workspace root. Absolute paths and paths that
// clean to outside the root are rejected.
func (a *Adapter) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace root", rel)
	}
	p := filepath.Clean(filepath.Join(a.root, rel))
	if p != a.root && !strings.HasPrefix(p, a.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return p, nil
}
