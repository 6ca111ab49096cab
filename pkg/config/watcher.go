package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file on change. Editors commonly
// replace the file rather than write it in place, so the parent directory
// is watched and events are filtered by name.
type Watcher struct {
	logger  zerolog.Logger
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for one configuration file.
func NewWatcher(logger zerolog.Logger, path string) *Watcher {
	return &Watcher{
		logger: logger.With().Str("component", "config-watcher").Logger(),
		path:   path,
	}
}

// Watch starts watching the configuration file and calls applyFn with each
// successfully reloaded configuration. Reloads that fail to parse or
// validate are logged and skipped; the previous configuration stays live.
func (w *Watcher) Watch(ctx context.Context, applyFn func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.processEvents(ctx, applyFn)

	w.logger.Info().
		Str("path", w.path).
		Msg("Started watching configuration")

	return nil
}

func (w *Watcher) processEvents(ctx context.Context, applyFn func(*Config) error) {
	// Debounce reload events
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if w.watcher != nil {
				_ = w.watcher.Close()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := w.triggerReload(applyFn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload configuration")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) triggerReload(applyFn func(*Config) error) error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := applyFn(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded configuration: %w", err)
	}

	w.logger.Info().
		Int("devices", len(cfg.Devices)).
		Msg("Configuration reloaded")
	return nil
}

// Stop stops watching for file changes.
func (w *Watcher) Stop() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
