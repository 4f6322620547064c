package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialWatcher reloads the credential file when it changes on
// disk. Events are debounced because editors typically emit several
// writes per save.
type CredentialWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewCredentialWatcher creates a watcher for the given credential file.
func NewCredentialWatcher(path string) *CredentialWatcher {
	return &CredentialWatcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default().With("component", "config.watcher"),
	}
}

// Watch blocks until ctx is done, invoking onReload after each settled
// change to the credential file. Reload errors are logged and the old
// state stays in effect.
func (w *CredentialWatcher) Watch(ctx context.Context, onReload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	w.logger.Info("watching credential file", "path", w.path)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := onReload(); err != nil {
				w.logger.Error("credential reload failed, keeping previous state", "error", err)
				continue
			}
			w.logger.Info("credential file reloaded", "path", w.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
