package discovery

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
)

// DefaultDebounce coalesces rapid successive writes to the same file.
const DefaultDebounce = 300 * time.Millisecond

// Watcher observes static handler directories and keeps the registry
// current: additions and modifications re-register the handler under the
// file's base name after a per-path debounce window, deletions remove it.
type Watcher struct {
	registry handlers.Registry
	logger   logging.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timers  map[string]*time.Timer
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates a hot-reload watcher over the given directories.
func NewWatcher(registry handlers.Registry, dirs []string, debounce time.Duration, logger logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch directory %q: %w", dir, err)
		}
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		registry: registry,
		logger:   logger,
		debounce: debounce,
		watcher:  fsw,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins processing file events until Close is called.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", logging.F("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, handlerExt) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.cancelTimer(event.Name)
		name := baseName(event.Name)
		if err := w.registry.Remove(name); err != nil {
			w.logger.Debug("handler already absent", logging.F("name", name))
			return
		}
		w.logger.Info("unregistered handler", logging.F("name", name))

	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.scheduleReload(event.Name)
	}
}

// scheduleReload (re)arms the per-path debounce timer. Each path has its
// own timer, so concurrent edits to different handlers do not interfere.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

// reload re-imports a handler file and swaps its registration.
func (w *Watcher) reload(path string) {
	descriptor, err := handlers.LoadFile(path)
	if err != nil {
		w.logger.Warn("failed to reload handler",
			logging.F("path", path), logging.F("error", err.Error()))
		return
	}
	if err := w.registry.Register(descriptor); err != nil {
		w.logger.Warn("failed to re-register handler",
			logging.F("path", path), logging.F("error", err.Error()))
		return
	}
	w.logger.Info("reloaded handler", logging.F("name", descriptor.Name))
}

// Close stops the watcher and cancels pending reloads.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
