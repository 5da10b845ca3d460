package dispatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/pipeline"
)

// Matcher is the part of the path index the router needs.
type Matcher interface {
	FindMatchWithForceFlag(path, name string) []*pipeline.Config
	RegisterHandlersRecursively(dir string, cfg *pipeline.Config, checkTimeout bool) bool
}

// Sink consumes file events that belong to a configuration.
type Sink func(ev Event, cfg *pipeline.Config)

// Router is the handler shared by every watched directory.
type Router struct {
	d       *Dispatcher
	m       *metrics.Metrics
	sink    Sink
	matcher Matcher
}

// NewRouter returns a router for d. Attach must be called before events
// arrive.
func NewRouter(d *Dispatcher, m *metrics.Metrics, sink Sink) *Router {
	return &Router{d: d, m: m, sink: sink}
}

// Attach sets the matcher. The matcher holds the router as its shared
// handler, so the two are wired after both exist.
func (r *Router) Attach(m Matcher) { r.matcher = m }

// Handle implements Handler.
func (r *Router) Handle(ev Event) {
	full := ev.Path()

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			r.dirCreated(full)
			return
		}
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		if r.d.IsRegistered(full) {
			r.dirRemoved(full)
			return
		}
	}

	cfgs := r.matcher.FindMatchWithForceFlag(ev.Dir, ev.Name)
	if len(cfgs) == 0 {
		r.m.Events.WithLabelValues("unmatched").Inc()
		return
	}
	r.m.Events.WithLabelValues("matched").Inc()
	if r.sink == nil {
		return
	}
	for _, cfg := range cfgs {
		r.sink(ev, cfg)
	}
}

// dirCreated walks a new directory for the best match and every forced
// config that also claims it.
func (r *Router) dirCreated(dir string) {
	cfgs := r.matcher.FindMatchWithForceFlag(dir, "")
	if len(cfgs) == 0 {
		return
	}
	r.m.Events.WithLabelValues("dir_created").Inc()
	for _, cfg := range cfgs {
		slog.Debug("dispatch: directory created", "dir", dir, "config", cfg.Name)
		r.matcher.RegisterHandlersRecursively(dir, cfg, true)
	}
}

func (r *Router) dirRemoved(dir string) {
	r.m.Events.WithLabelValues("dir_removed").Inc()
	prefix := dir + string(filepath.Separator)
	for _, d := range r.d.Dirs() {
		if d == dir || strings.HasPrefix(d, prefix) {
			r.d.RemoveHandler(d)
		}
	}
	slog.Debug("dispatch: directory removed", "dir", dir)
}
