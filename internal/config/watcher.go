package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher notifies consumers when the config file changes so they can
// reload without restarting the process.
type Watcher struct {
	path   string
	events chan ReloadEvent
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:   path,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the reload notification channel. Closed when the watcher
// stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. The watcher stops when ctx is cancelled.
// Watching the parent directory catches editors that replace the file.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				slog.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
