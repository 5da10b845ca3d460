package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loghaven/loghaven/agent/internal/metrics"
)

// Event is one filesystem change inside a watched directory.
type Event struct {
	Dir  string
	Name string
	Op   fsnotify.Op
}

// Path returns the full path of the changed entry.
func (e Event) Path() string { return filepath.Join(e.Dir, e.Name) }

// Handler receives the events of the directories it is registered for.
// Handle runs on the dispatch goroutine.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// Handle calls f(ev).
func (f HandlerFunc) Handle(ev Event) { f(ev) }

// Dispatcher maps watched directories to handlers.
type Dispatcher struct {
	w *fsnotify.Watcher
	m *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
}

// New opens an fsnotify watcher.
func New(m *metrics.Metrics) (*Dispatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dispatch: new watcher: %w", err)
	}
	return &Dispatcher{w: w, m: m, handlers: make(map[string]Handler)}, nil
}

// AddNewHandler watches dir and routes its events to h. Registering an
// already watched dir replaces its handler.
func (d *Dispatcher) AddNewHandler(dir string, h Handler) error {
	dir = filepath.Clean(dir)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[dir]; !ok {
		if err := d.w.Add(dir); err != nil {
			return fmt.Errorf("dispatch: watch %q: %w", dir, err)
		}
	}
	d.handlers[dir] = h
	d.m.WatchedDirs.Set(float64(len(d.handlers)))
	return nil
}

// RemoveHandler stops watching dir. Unknown dirs are ignored.
func (d *Dispatcher) RemoveHandler(dir string) {
	dir = filepath.Clean(dir)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[dir]; !ok {
		return
	}
	delete(d.handlers, dir)
	// The watch is gone already when dir itself was deleted.
	_ = d.w.Remove(dir)
	d.m.WatchedDirs.Set(float64(len(d.handlers)))
}

// IsRegistered reports whether dir has a handler.
func (d *Dispatcher) IsRegistered(dir string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[filepath.Clean(dir)]
	return ok
}

// Dirs returns the watched directories, sorted.
func (d *Dispatcher) Dirs() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.handlers))
	for dir := range d.handlers {
		out = append(out, dir)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handler(dir string) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[dir]
}

// Run processes events until ctx is cancelled, calling onTick every interval.
// onTick may be nil.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, onTick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if onTick != nil {
				onTick()
			}

		case ev, ok := <-d.w.Events:
			if !ok {
				return nil
			}
			d.route(ev)

		case err, ok := <-d.w.Errors:
			if !ok {
				return nil
			}
			slog.Error("dispatch: watcher error", "err", err)
		}
	}
}

func (d *Dispatcher) route(ev fsnotify.Event) {
	dir, name := filepath.Split(filepath.Clean(ev.Name))
	dir = filepath.Clean(dir)
	h := d.handler(dir)
	if h == nil {
		// The watched directory itself was removed or renamed.
		h = d.handler(filepath.Clean(ev.Name))
	}
	if h == nil {
		return
	}
	h.Handle(Event{Dir: dir, Name: name, Op: ev.Op})
}

// Close releases the watcher.
func (d *Dispatcher) Close() error {
	return d.w.Close()
}
