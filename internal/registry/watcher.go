// ABOUTME: fsnotify-based watcher that reloads the registry file when it changes.
// ABOUTME: Debounces editor write bursts and notifies an optional OnChange callback.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 200 * time.Millisecond

// Watcher reloads a FileStore when its backing file is rewritten.
type Watcher struct {
	store    *FileStore
	logger   *slog.Logger
	onChange func()

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the store's registry file.
// onChange (optional) runs after every successful reload, so the gateway can
// reconcile running processes and connections against the new record set.
func NewWatcher(store *FileStore, logger *slog.Logger, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating registry watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a direct file watch dies with the old inode.
	dir := filepath.Dir(store.Path())
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching registry directory %s: %w", dir, err)
	}

	return &Watcher{
		store:    store,
		logger:   logger.With("component", "registry-watcher"),
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	file := filepath.Base(w.store.Path())
	var debounce *time.Timer

	w.logger.Info("watching registry file", "path", w.store.Path())

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			// Coalesce rapid write bursts into one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("registry watcher error", "error", err)
		}
	}
}

// reload swaps in the new record set, keeping the old one on parse failure.
func (w *Watcher) reload() {
	if err := w.store.Reload(); err != nil {
		w.logger.Error("registry reload failed, keeping previous records", "error", err)
		return
	}
	if w.onChange != nil {
		w.onChange()
	}
}
