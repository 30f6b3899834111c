package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last change before
// reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the registry at path whenever it changes and passes each
// successfully parsed snapshot to apply. The parent directory is watched so
// editors that replace the file atomically are still seen. A file that fails
// to load is logged and the previous snapshot stays in effect. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, log *slog.Logger, apply func(File)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "registry_watch"), slog.String("path", path))

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve registry path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if ctx.Err() != nil {
			return
		}
		f, err := Load(abs)
		if err != nil {
			log.Warn("registry reload failed", slog.String("error", err.Error()))
			return
		}
		log.Info("registry reloaded", slog.Int("streams", len(f.Streams)))
		apply(f)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	log.Info("watching registry")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("registry changed", slog.String("op", ev.Op.String()))
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("registry watcher error", slog.String("error", err.Error()))
		}
	}
}
