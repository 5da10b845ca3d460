package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// state is the on-disk record of served versions. It lets a restarted server
// keep the version of unchanged pipelines and move changed ones forward.
type state struct {
	Pipelines map[string]stateEntry `yaml:"pipelines"`
	Retired   map[string]int64      `yaml:"retired,omitempty"`
}

type stateEntry struct {
	Version int64  `yaml:"version"`
	SHA256  string `yaml:"sha256"`
}

// LoadState seeds versions from the state file at path and makes every later
// Reload that changes something rewrite it. A missing file starts empty.
// It must be called before the first Reload.
func (s *Store) LoadState(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read state %q: %w", path, err)
	}
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("store: parse state %q: %w", path, err)
	}
	s.seed = st.Pipelines
	for name, v := range st.Retired {
		if v > s.retired[name] {
			s.retired[name] = v
		}
	}
	slog.Info("store: state loaded", "path", path, "pipelines", len(st.Pipelines), "retired", len(st.Retired))
	return nil
}

// snapshotLocked returns the state to persist. s.mu must be held.
func (s *Store) snapshotLocked() state {
	st := state{
		Pipelines: make(map[string]stateEntry, len(s.pipelines)),
		Retired:   make(map[string]int64, len(s.retired)),
	}
	for name, p := range s.pipelines {
		st.Pipelines[name] = stateEntry{Version: p.Version, SHA256: contentSum(p.Content)}
	}
	for name, v := range s.retired {
		st.Retired[name] = v
	}
	return st
}

// writeState replaces the state file through a temporary file in the same
// directory.
func writeState(path string, st state) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("store: write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store: write state: %w", err)
	}
	return nil
}

func contentSum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
