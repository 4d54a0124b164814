package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands the result to
// onReload. Only settings that are safe to change live are expected to be
// applied by the callback; the rest need a restart.
type Watcher struct {
	path     string
	envFiles []string
	onReload func(Config, error)
	log      zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current Config
	reloads atomic.Uint32
}

// NewWatcher resolves the initial config and returns a Watcher for path.
func NewWatcher(path string, envFiles []string, onReload func(Config, error), log zerolog.Logger) (*Watcher, error) {
	cfg, err := Resolve(path, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}
	return &Watcher{
		path:     path,
		envFiles: envFiles,
		onReload: onReload,
		log:      log,
		debounce: defaultDebounce,
		current:  cfg,
	}, nil
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors which replace the file on save are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

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
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	n := w.reloads.Add(1)
	w.log.Info().Str("path", w.path).Uint32("count", n).Msg("reloading config")
	cfg, err := Resolve(w.path, w.envFiles...)
	if err != nil {
		w.log.Error().Err(err).Msg("config reload failed; keeping previous settings")
		if w.onReload != nil {
			w.onReload(Config{}, err)
		}
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onReload != nil {
		w.onReload(cfg, nil)
	}
}

// Snapshot returns the last successfully loaded config.
func (w *Watcher) Snapshot() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ReloadCount returns the number of reload attempts.
func (w *Watcher) ReloadCount() uint32 { return w.reloads.Load() }
