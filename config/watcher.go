package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long to wait for more writes before reloading.
// Editors often write config files in several operations.
const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes and notifies a callback.
// It is used for runtime adjustments that should not require a restart,
// primarily the log level.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onChange func(*Config)

	dirty chan struct{}
}

// NewWatcher creates a watcher for the config file at path. onChange is
// called with the freshly loaded config after each change that validates.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		watcher:  fsw,
		logger:   logger,
		debounce: defaultDebounce,
		onChange: onChange,
		dirty:    make(chan struct{}, 1),
	}, nil
}

// Start begins watching. Watching the parent directory survives the
// rename-and-replace pattern editors and config management tools use.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				select {
				case w.dirty <- struct{}{}:
				default:
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			select {
			case <-w.dirty:
				w.reload()
			default:
			}
		}
	}
}

func (w *Watcher) reload() {
	config, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", "path", w.path, "error", err)
		return
	}
	if err := config.Validate(); err != nil {
		w.logger.Warn("Reloaded config invalid, keeping current", "path", w.path, "error", err)
		return
	}

	w.logger.Info("Config reloaded", "path", w.path, "log_level", config.Log.Level)
	if w.onChange != nil {
		w.onChange(config)
	}
}
