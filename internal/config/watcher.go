package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrWatcherClosed is returned when an operation is attempted on a closed
// watcher.
var ErrWatcherClosed = errors.New("config: watcher already closed")

// ReloadCallback receives each successfully reloaded snapshot. A callback
// error is logged; the reload itself still stands.
type ReloadCallback func(*Config) error

// Watcher monitors the config file and swaps reloaded snapshots into a
// Runtime. It watches the parent directory so atomic writes (temp file +
// rename, the pattern most editors and config managers use) are detected, and
// debounces bursts of change events.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	runtime   *Runtime
	path      string
	debounce  time.Duration

	mu        sync.RWMutex
	callbacks []ReloadCallback
}

// NewWatcher creates a watcher for path that stores reloaded snapshots into
// runtime.
func NewWatcher(path string, runtime *Runtime) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		if closeErr := fsWatcher.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("config: close watcher after add failure")
		}
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		runtime:   runtime,
		path:      absPath,
		debounce:  100 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Watch blocks processing file events until ctx is canceled. Only Write and
// Create events for the watched file trigger a reload; Chmod noise from
// indexers is ignored.
func (w *Watcher) Watch(ctx context.Context) error {
	defer func() {
		if err := w.fsWatcher.Close(); err != nil {
			log.Error().Err(err).Msg("config: watcher close")
		}
	}()

	target := filepath.Base(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-ctx.Done():
				default:
					w.reload()
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("config: watcher error")
		}
	}
}

// reload loads, validates and swaps in the new snapshot. A load or validation
// failure keeps the previous snapshot running.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config: reload failed, keeping previous snapshot")
		return
	}

	w.runtime.Store(cfg)
	log.Info().Str("path", w.path).Msg("config: reloaded")

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			log.Error().Err(err).Msg("config: reload callback failed")
		}
	}
}
