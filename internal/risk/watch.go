package risk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// LoadFile parses the config file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ParseConfig(f, base)
}

// Watch reloads the config file at path into s whenever it changes, until
// ctx is cancelled. The parent directory is watched so that editors that
// replace the file by rename are picked up. Invalid files are logged and
// the previous config stays active.
func Watch(ctx context.Context, path string, s *Settings) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("risk watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("risk watcher: watch %s: %w", filepath.Dir(path), err)
	}
	slog.Info("watching risk config", "path", path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := LoadFile(path, DefaultConfig())
			if err != nil {
				slog.Error("risk config reload failed", "path", path, "err", err)
				continue
			}
			if err := s.Update(cfg); err != nil {
				slog.Error("risk config rejected", "path", path, "err", err)
				continue
			}
			slog.Info("risk config reloaded", "path", path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("risk watcher error", "err", err)
		}
	}
}
