package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long the watcher waits for a burst of writes to end.
const settle = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding path, so editors that replace
// the file by rename are seen too.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, onChange: onChange, watcher: watcher}, nil
}

// Run delivers reloaded configs until ctx is cancelled. A file that fails
// to parse is logged and the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(settle)
	timer.Stop()
	name := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				timer.Reset(settle)
			}

		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed", "path", w.path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", w.path)
			w.onChange(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}
