package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads SleepCycleOptions from a JSON file between scheduled
// runs, so an operator can retune dedup thresholds or concurrency without a
// process restart. Mirrors brain2-backend/internal/config/watcher.go's
// fsnotify-driven reload loop, narrowed to the one struct that benefits from
// live tuning on a long-running consolidator.
type Watcher struct {
	mu      sync.RWMutex
	current SleepCycleOptions
	path    string
	logger  *zap.Logger
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a Watcher seeded with initial options. If path is
// empty, the watcher holds initial statically and performs no file I/O.
func NewWatcher(initial SleepCycleOptions, path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw

	go w.loop()
	return w, nil
}

// Current returns the latest known SleepCycleOptions.
func (w *Watcher) Current() SleepCycleOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying file watcher, if any.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("sleep cycle option watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("failed to read sleep cycle options file", zap.String("path", w.path), zap.Error(err))
		return
	}

	next := w.Current()
	if err := json.Unmarshal(data, &next); err != nil {
		w.logger.Warn("failed to parse sleep cycle options file", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	w.logger.Info("sleep cycle options reloaded", zap.String("path", w.path))
}
