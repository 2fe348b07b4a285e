package blueprint

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

type watchOptions struct {
	debounce time.Duration
	onReload func(error)
}

type WatchOption func(*watchOptions)

// WithDebounce sets how long Watch waits after the last change before
// reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithReloadHook is called with the outcome of every reload.
func WithReloadHook(fn func(error)) WatchOption {
	return func(o *watchOptions) { o.onReload = fn }
}

// Watch reloads the store whenever a file under its directories changes.
// Events are debounced so an editor save produces one reload. A reload that
// fails keeps the previous set and is only logged. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, store *Store, logger *slog.Logger, opts ...WatchOption) error {
	if logger == nil {
		logger = slog.Default()
	}
	o := watchOptions{debounce: defaultReloadDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range store.Dirs() {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				// New platform directories need their own watch.
				_ = watcher.Add(event.Name)
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				logger.Debug("blueprint change", "file", event.Name, "op", event.Op.String())
				timer.Reset(o.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("blueprint watcher error", "err", err)
		case <-timer.C:
			err := store.Reload()
			if o.onReload != nil {
				o.onReload(err)
			}
			if err != nil {
				logger.Error("blueprint reload failed, keeping previous set", "err", err)
				continue
			}
			logger.Info("blueprints reloaded",
				"frameworks", len(store.Frameworks()),
				"workflows", len(store.Workflows()))
		}
	}
}
