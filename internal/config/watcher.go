package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GriffinCanCode/skillloop/internal/resilience"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls a reload function when a file changes. It watches the parent
// directory so atomic replace-by-rename saves are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	retry    resilience.RetryConfig
	reload   func(ctx context.Context) error
}

// NewWatcher watches path and calls reload after changes settle.
func NewWatcher(path string, debounce time.Duration, reload func(ctx context.Context) error) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce, retry: resilience.ReloadRetryConfig(), reload: reload}
}

// WithRetry replaces the reload retry policy.
func (w *Watcher) WithRetry(cfg resilience.RetryConfig) *Watcher {
	w.retry = cfg
	return w
}

// Run watches until ctx is done. A reload that keeps failing after retries is
// logged and the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("watching probe file", "path", abs)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				slog.Debug("probe file event", "op", event.Op.String(), "file", event.Name)
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("fsnotify error", "error", err)
		case <-timer.C:
			if err := resilience.Retry(ctx, w.retry, func() error { return w.reload(ctx) }); err != nil {
				slog.Error("probe reload failed, keeping previous set", "path", abs, "error", err)
			}
		}
	}
}
