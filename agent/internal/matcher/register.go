package matcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/pipeline"
)

// walk carries the state of one registration walk.
type walk struct {
	cfg      *pipeline.Config
	deadline time.Time
	visited  map[string]struct{}
	timedOut bool
}

func (m *Matcher) newWalk(cfg *pipeline.Config, checkTimeout bool) *walk {
	w := &walk{cfg: cfg, visited: make(map[string]struct{})}
	if checkTimeout {
		w.deadline = m.now().Add(m.opts.RegisterTimeout)
	}
	return w
}

// RegisterAll registers the handlers of every config in the current epoch.
// It returns false if any walk was cut short.
func (m *Matcher) RegisterAll() bool {
	ok := true
	for _, cfg := range m.store.Current().Ordered {
		if !m.RegisterHandlers(cfg) {
			ok = false
		}
	}
	return ok
}

// RegisterHandlers watches the base directory of cfg (and its container
// roots) down to cfg.MaxDepth. A base directory that does not exist yet is
// covered by watching its nearest existing ancestor.
func (m *Matcher) RegisterHandlers(cfg *pipeline.Config) bool {
	if cfg.HasWildcard() {
		root, rest := cfg.WildcardRoot()
		return m.registerRoot(root, func(dir string) bool {
			return m.RegisterWildcardPath(cfg, dir, rest)
		}, cfg)
	}
	ok := m.registerRoot(cfg.BasePath, func(dir string) bool {
		return m.RegisterHandlersRecursively(dir, cfg, true)
	}, cfg)
	for _, cp := range m.store.ContainerPaths(cfg.Name) {
		if !m.registerRoot(filepath.Clean(cp.HostPath), func(dir string) bool {
			return m.RegisterHandlersRecursively(dir, cfg, true)
		}, cfg) {
			ok = false
		}
	}
	return ok
}

// registerRoot runs register on root when it is a directory; otherwise it
// watches the nearest existing ancestor so the creation is seen.
func (m *Matcher) registerRoot(root string, register func(string) bool, cfg *pipeline.Config) bool {
	if isDir(root) {
		return register(root)
	}
	for dir := filepath.Dir(root); ; dir = filepath.Dir(dir) {
		if isDir(dir) {
			slog.Info("matcher: base path missing, watching ancestor",
				"config", cfg.Name, "base", root, "ancestor", dir)
			return m.addHandler(dir, cfg)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return true
		}
	}
}

// RegisterWildcardPath registers path and resolves the remaining depth
// wildcard-bearing segments of cfg.BasePath below it. Once every segment is
// resolved the concrete base is walked with RegisterHandlersRecursively.
func (m *Matcher) RegisterWildcardPath(cfg *pipeline.Config, path string, depth int) bool {
	if depth <= 0 {
		if !cfg.IsDirMatch(path, nil) {
			return true
		}
		return m.RegisterHandlersRecursively(path, cfg, true)
	}
	if !m.addHandler(path, cfg) {
		return false
	}
	subdirs, err := readSubdirs(path)
	if err != nil {
		slog.Warn("matcher: list dir failed", "dir", path, "err", err)
		return true
	}
	ok := true
	for _, sub := range subdirs {
		if depth > 1 && !cfg.IsAncestorOfBase(sub, nil) {
			continue
		}
		if !m.RegisterWildcardPath(cfg, sub, depth-1) {
			ok = false
		}
	}
	return ok
}

// RegisterHandlersRecursively watches dir and every descendant that cfg
// matches or that leads to cfg's base path. With checkTimeout the walk stops
// once RegisterTimeout has elapsed; it then returns false and raises an
// alarm. Symlinked directories are followed once.
func (m *Matcher) RegisterHandlersRecursively(dir string, cfg *pipeline.Config, checkTimeout bool) bool {
	w := m.newWalk(cfg, checkTimeout)
	ok := m.walkDir(w, filepath.Clean(dir))
	if w.timedOut {
		slog.Warn("matcher: register handlers timed out",
			"config", cfg.Name, "dir", dir, "timeout", m.opts.RegisterTimeout)
		m.alarms.Raise(alarm.RegisterTimeout, fmt.Sprintf(
			"registering handlers for %s under %s took longer than %s, the tree is only partly watched",
			cfg.Name, dir, m.opts.RegisterTimeout))
	}
	return ok && !w.timedOut
}

func (m *Matcher) walkDir(w *walk, dir string) bool {
	if !w.deadline.IsZero() && !m.now().Before(w.deadline) {
		w.timedOut = true
		return false
	}
	containers := m.store.ContainerPaths(w.cfg.Name)
	matched := w.cfg.IsDirMatch(dir, containers)
	if !matched && !w.cfg.IsAncestorOfBase(dir, containers) {
		return true
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// Gone since it was listed.
		return true
	}
	if _, seen := w.visited[resolved]; seen {
		return true
	}
	w.visited[resolved] = struct{}{}

	if !m.addHandler(dir, w.cfg) {
		return false
	}

	subdirs, err := readSubdirs(dir)
	if err != nil {
		slog.Warn("matcher: list dir failed", "dir", dir, "err", err)
		return true
	}
	ok := true
	for _, sub := range subdirs {
		if !m.walkDir(w, sub) {
			ok = false
			if w.timedOut {
				break
			}
		}
	}
	return ok
}

func (m *Matcher) addHandler(dir string, cfg *pipeline.Config) bool {
	if m.reg.IsRegistered(dir) {
		return true
	}
	if err := m.reg.AddNewHandler(dir, m.handler); err != nil {
		slog.Error("matcher: add handler failed", "config", cfg.Name, "dir", dir, "err", err)
		return false
	}
	slog.Debug("matcher: watching dir", "config", cfg.Name, "dir", dir)
	return true
}

// PruneHandlers queues every watched directory that no config of the current
// epoch needs any more for removal by DeleteHandlers, and returns how many
// were queued.
func (m *Matcher) PruneHandlers() int {
	n := 0
	for _, dir := range m.reg.Dirs() {
		if !m.isNeeded(dir) {
			m.AddHandlerToDelete(dir)
			n++
		}
	}
	return n
}

// AddHandlerToDelete queues dir for removal.
func (m *Matcher) AddHandlerToDelete(dir string) {
	m.retireMu.Lock()
	m.retire = append(m.retire, dir)
	m.retireMu.Unlock()
}

// DeleteHandlers removes the queued handlers. A directory that became needed
// again since it was queued keeps its handler.
func (m *Matcher) DeleteHandlers() int {
	m.retireMu.Lock()
	dirs := m.retire
	m.retire = nil
	m.retireMu.Unlock()

	n := 0
	for _, dir := range dirs {
		if m.isNeeded(dir) {
			continue
		}
		m.reg.RemoveHandler(dir)
		n++
	}
	if n > 0 {
		slog.Info("matcher: handlers deleted", "count", n)
	}
	return n
}

func (m *Matcher) isNeeded(dir string) bool {
	for _, cfg := range m.store.Current().Ordered {
		containers := m.store.ContainerPaths(cfg.Name)
		if cfg.IsDirMatch(dir, containers) || cfg.IsAncestorOfBase(dir, containers) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readSubdirs lists the directories in dir, following symlinks.
func readSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range entries {
		path := filepath.Join(dir, de.Name())
		switch {
		case de.IsDir():
			out = append(out, path)
		case de.Type()&os.ModeSymlink != 0 && isDir(path):
			out = append(out, path)
		}
	}
	return out, nil
}
