package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
)

// Watcher monitors the configuration file and invokes a callback with the
// freshly loaded config after changes settle. Reload failures are logged and
// the previous configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, derrors.ConfigError("file watcher creation failed").WithCause(err).Build()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, derrors.ConfigError("config path not resolvable").
			WithContext("path", path).
			WithCause(err).
			Build()
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  fsw,
		debounce: 2 * time.Second,
	}, nil
}

// Start watches the config file's directory until ctx is cancelled.
// Watching the directory instead of the file survives editors that replace
// the file on save.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return derrors.ConfigError("config directory not watchable").
			WithContext("path", w.path).
			WithCause(err).
			Build()
	}
	slog.Info("watching configuration", slog.String("path", w.path))
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()
	var timer *time.Timer
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", logfields.Error(err))
		return
	}
	slog.Info("configuration reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
