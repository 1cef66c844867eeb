package gateway

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"warden/internal/events"
	"warden/pkg/logger"
)

// Editors rewrite files in several bursts; changes inside this window
// collapse into one reload.
const debounceDelay = 100 * time.Millisecond

// ReloadFunc applies a changed config file. A non-nil error keeps the
// previous configuration in effect.
type ReloadFunc func(path string) error

// Watcher reloads configuration when the watched file changes on disk
// and announces successful reloads on the event bus.
type Watcher struct {
	watcher  *fsnotify.Watcher
	bus      *events.Bus
	reload   ReloadFunc
	paths    []string
	stopCh   chan struct{}
	stopOnce sync.Once
	debounce map[string]*time.Timer
	mu       sync.Mutex
}

// NewWatcher creates a watcher over the given paths. Watching starts
// on Start.
func NewWatcher(bus *events.Bus, reload ReloadFunc, paths ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		bus:      bus,
		reload:   reload,
		paths:    paths,
		stopCh:   make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		if err := w.watcher.Add(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to watch path")
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Writes and creates cover both in-place saves and the
			// atomic rename most editors do.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

// handleEvent debounces a change notification per path.
func (w *Watcher) handleEvent(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}

	w.debounce[path] = time.AfterFunc(debounceDelay, func() {
		w.fire(path)

		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
	})
}

// fire applies the reload and announces it. A failed reload is logged
// and not announced, so subscribers only ever see applied configs.
func (w *Watcher) fire(path string) {
	if w.reload != nil {
		if err := w.reload(path); err != nil {
			logger.Warn().Err(err).Str("path", path).
				Msg("config reload failed, keeping previous configuration")
			return
		}
	}

	w.bus.Emit(events.ConfigReloaded, map[string]any{"path": path})
	logger.Info().Str("path", path).Msg("configuration reloaded")
}

// Stop stops the watcher and cancels pending reloads.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		for _, timer := range w.debounce {
			timer.Stop()
		}
		w.mu.Unlock()

		w.watcher.Close()
	})
}
