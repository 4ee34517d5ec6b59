package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads configuration when files under the loader's base path
// change and hands the new value to registered callbacks. Only session
// defaults are meant to be picked up live; listeners read what they need.
type Watcher struct {
	loader   *Loader
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewWatcher starts watching loader's base path. Outside development it
// returns a watcher that never fires.
func NewWatcher(loader *Loader, initial *Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		loader: loader,
		logger: logger.Named("config"),
		config: initial,
		stopCh: make(chan struct{}),
	}

	if initial.Environment != Development {
		w.logger.Info("Configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)),
		)
		return w, nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(loader.BasePath()); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", loader.BasePath(), err)
	}
	w.fs = fs
	go w.watchLoop()

	w.logger.Info("Configuration hot reloading enabled",
		zap.String("path", loader.BasePath()),
	)
	return w, nil
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Config returns the latest loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fs != nil {
			w.fs.Close()
		}
	})
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isConfigFile(event.Name) {
				continue
			}
			w.logger.Debug("Configuration file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
			)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.Reload)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// Reload loads the configuration again and notifies callbacks when the
// session defaults changed. An invalid file keeps the previous config.
func (w *Watcher) Reload() {
	next, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.config
	if prev != nil && prev.Session == next.Session {
		w.mu.Unlock()
		return
	}
	w.config = next
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Session defaults reloaded",
		zap.Int("maxParticipants", next.Session.MaxParticipants),
		zap.String("conflictMode", string(next.Session.ConflictMode)),
		zap.Duration("autosaveInterval", next.Session.AutosaveInterval),
	)
	for i, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Config callback panicked",
						zap.Int("callback", i),
						zap.Any("panic", r),
					)
				}
			}()
			cb(next)
		}()
	}
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
