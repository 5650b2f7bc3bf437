package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked when a watched config file changes.
type ReloadHandler func() error

// Watcher hot-reloads configuration: it watches a config directory and
// fans file changes out to per-file handlers. Editors replace files
// with write-then-rename, so Create events count as modifications.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers map[string][]ReloadHandler
}

// NewWatcher creates a watcher over dir. Call Start to begin
// delivering events and Stop to shut down.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		watcher:  fw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		handlers: make(map[string][]ReloadHandler),
	}, nil
}

// OnChange registers a handler for changes to the named file (base
// name, e.g. "rate_limits.yaml").
func (w *Watcher) OnChange(filename string, h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], h)
}

// Start begins watching. Events are debounced per file so a single
// editor save does not trigger a burst of reloads.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	go w.loop()
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			pending[name] = time.Now()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case now := <-ticker.C:
			for name, last := range pending {
				if now.Sub(last) < 200*time.Millisecond {
					continue
				}
				delete(pending, name)
				w.fire(name)
			}
		}
	}
}

func (w *Watcher) fire(filename string) {
	w.mu.RLock()
	handlers := w.handlers[filename]
	w.mu.RUnlock()
	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Warn("Config reload failed",
				zap.String("file", filename),
				zap.Error(err),
			)
			continue
		}
		w.logger.Info("Config reloaded", zap.String("file", filename))
	}
}
