package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce absorbs the burst of events editors produce for a single
// save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	current *Config
}

// NewWatcher watches path, starting from the already-loaded cfg.
func NewWatcher(path string, cfg *Config, log zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		log:      log.With().Str("component", "config").Str("path", path).Logger(),
		current:  cfg,
	}
}

// SetDebounce overrides DefaultDebounce; mainly for tests.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Current returns the last configuration that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch blocks until ctx is done, calling onChange with the previous and
// the new configuration after each successful reload. Files that fail to
// parse or validate are logged and ignored. The directory is watched
// rather than the file so editors that replace the file are followed.
func (w *Watcher) Watch(ctx context.Context, onChange func(prev, next *Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Debug().Msg("watching config file")

	name := filepath.Base(w.path)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
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
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watch error")

		case <-timerC:
			timerC = nil
			w.reload(onChange)
		}
	}
}

func (w *Watcher) reload(onChange func(prev, next *Config)) {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload rejected")
		return
	}
	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	w.log.Info().Msg("config reloaded")
	if onChange != nil {
		onChange(prev, next)
	}
}
