package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new Config
// to a callback. Bursts of writes are coalesced by a debounce window.
type Watcher struct {
	path     string
	load     func() (Config, error)
	onChange func(Config)
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the default config file and reloads it with Load.
func NewWatcher(onChange func(Config)) *Watcher {
	return newWatcher(FilePath(), Load, onChange)
}

func newWatcher(path string, load func() (Config, error), onChange func(Config)) *Watcher {
	return &Watcher{
		path:     path,
		load:     load,
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   slog.Default(),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := w.load()
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous values", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onChange(cfg)
		}
	}
}
