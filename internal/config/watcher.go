package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher over path and returns a channel that
// emits an empty struct once per debounced burst of writes, exactly the
// teacher's pkg/config/watcher.go debounce-timer pattern.
func Watch(ctx context.Context, path string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config: failed to create fsnotify watcher", "error", err)
		return reloadCh
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		slog.Warn("config: could not resolve absolute path", "file", path, "error", err)
		absPath = path
	}
	if err := watcher.Add(absPath); err != nil {
		slog.Warn("config: could not watch file", "file", path, "error", err)
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		const debounceDuration = 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounceDuration, func() {
						slog.Info("config: change detected", "file", event.Name)
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config: watcher error", "error", err)
			}
		}
	}()

	return reloadCh
}
