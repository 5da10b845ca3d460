package store

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loghaven/loghaven/pkg/ledger"
)

// Pipeline is one pipeline config served to agents.
type Pipeline struct {
	Name      string
	Version   int64
	Content   []byte
	Path      string
	UpdatedAt time.Time
}

// Reload re-reads the pipelines directory. A file whose content changed is
// served at the next version; a removed file is no longer served. It returns
// the number of pipelines added, modified or removed. A missing directory
// serves nothing. Versions restored unchanged from the state file do not
// count as changes.
func (s *Store) Reload() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("store: read dir %q: %w", s.dir, err)
	}

	found := make(map[string]*Pipeline, len(entries))
	for _, de := range entries {
		ext := filepath.Ext(de.Name())
		if de.IsDir() || !ledger.IsConfigExt(ext) {
			continue
		}
		name := strings.TrimSuffix(de.Name(), ext)
		if name == "" || strings.ContainsRune(name, '@') {
			slog.Warn("store: skipping pipeline with invalid name", "file", de.Name())
			continue
		}
		if prev, ok := found[name]; ok {
			slog.Warn("store: duplicate pipeline name, keeping first", "name", name, "kept", prev.Path)
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("store: read %q: %w", path, err)
		}
		found[name] = &Pipeline{Name: name, Content: content, Path: path}
	}

	changed, st, path := s.apply(found)
	if path != "" && (changed > 0 || st.seeded) {
		if err := writeState(path, st.state); err != nil {
			slog.Warn("store: persist versions failed", "path", path, "err", err)
		}
	}
	return changed, nil
}

type applied struct {
	state
	seeded bool
}

// apply swaps in the pipelines found by Reload and returns the number of
// changes with the state to persist.
func (s *Store) apply(found map[string]*Pipeline) (int, applied, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := 0
	for name, p := range found {
		old, ok := s.pipelines[name]
		switch {
		case ok && bytes.Equal(old.Content, p.Content):
			kept := *old
			kept.Path = p.Path
			found[name] = &kept
			continue
		case ok:
			p.Version = old.Version + 1
		default:
			sd, seeded := s.seed[name]
			restored := seeded && sd.SHA256 == contentSum(p.Content)
			switch {
			case restored:
				p.Version = sd.Version
			case seeded:
				p.Version = max(sd.Version, s.retired[name]) + 1
			default:
				p.Version = s.retired[name] + 1
			}
			delete(s.retired, name)
			if restored {
				p.UpdatedAt = now
				continue
			}
		}
		p.UpdatedAt = now
		changed++
		slog.Info("store: pipeline updated", "name", name, "version", p.Version)
	}
	for name, old := range s.pipelines {
		if _, ok := found[name]; !ok {
			s.retired[name] = old.Version
			changed++
			slog.Info("store: pipeline removed", "name", name, "version", old.Version)
		}
	}
	seeded := s.seed != nil
	for name, sd := range s.seed {
		if _, ok := found[name]; !ok && sd.Version > s.retired[name] {
			s.retired[name] = sd.Version
		}
	}
	s.seed = nil
	s.pipelines = found

	if s.statePath == "" {
		return changed, applied{}, ""
	}
	return changed, applied{state: s.snapshotLocked(), seeded: seeded}, s.statePath
}

// Versions returns the served version of every pipeline.
func (s *Store) Versions() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.pipelines))
	for name, p := range s.pipelines {
		out[name] = p.Version
	}
	return out
}

// Pipeline returns the named pipeline. The returned value must not be modified.
func (s *Store) Pipeline(name string) (*Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[name]
	return p, ok
}

// Pipelines returns every served pipeline sorted by name.
func (s *Store) Pipelines() []*Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
