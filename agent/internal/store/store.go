package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/loghaven/loghaven/agent/internal/pipeline"
	"github.com/loghaven/loghaven/agent/internal/snapshot"
)

// Epoch is the set of configs valid between two reloads.
type Epoch struct {
	Seq     uint64
	Configs map[string]*pipeline.Config
	// Ordered lists Configs by registration order.
	Ordered []*pipeline.Config
}

// AccessKey is a per-user credential pair.
type AccessKey struct {
	ID         string
	Secret     string
	UpdateTime time.Time
}

type containerMap = map[string][]pipeline.ContainerPath

// Store holds the current epoch and the side tables consulted by the matcher
// and the sync client.
type Store struct {
	epoch snapshot.Versioned[*Epoch]

	containerMu sync.Mutex
	staged      containerMap
	containers  snapshot.DoubleBuffer[containerMap]

	akMu sync.Mutex
	aks  map[string]AccessKey

	regionMu sync.RWMutex
	regions  map[string]struct{}
	profiles map[string]string

	// now is replaced in tests.
	now func() time.Time
}

// New returns a Store with an empty epoch.
func New() *Store {
	s := &Store{
		staged:   make(containerMap),
		aks:      make(map[string]AccessKey),
		regions:  make(map[string]struct{}),
		profiles: make(map[string]string),
		now:      timecache.CachedTime,
	}
	s.Replace(nil)
	return s
}

// Replace publishes cfgs as a new epoch. Registration order is the slice
// order; duplicate names keep the first occurrence. The configs are shared
// with earlier epochs and are never modified.
func (s *Store) Replace(cfgs []*pipeline.Config) *Epoch {
	e := &Epoch{Configs: make(map[string]*pipeline.Config, len(cfgs))}
	for _, c := range cfgs {
		if prev, dup := e.Configs[c.Name]; dup {
			slog.Warn("store: duplicate config name, keeping first",
				"name", c.Name, "kept", prev.Path, "ignored", c.Path)
			continue
		}
		e.Configs[c.Name] = c
		e.Ordered = append(e.Ordered, c)
	}
	_, cur := s.epoch.Load()
	e.Seq = cur + 1
	s.epoch.Store(e)
	return e
}

// Current returns the published epoch.
func (s *Store) Current() *Epoch {
	e, _ := s.epoch.Load()
	return e
}

// FindConfigByName returns the named config of the current epoch, or nil.
func (s *Store) FindConfigByName(name string) *pipeline.Config {
	return s.Current().Configs[name]
}

// GetMatchedConfigs returns the configs of the current epoch for which cond
// is true, in registration order.
func (s *Store) GetMatchedConfigs(cond func(*pipeline.Config) bool) []*pipeline.Config {
	var out []*pipeline.Config
	for _, c := range s.Current().Ordered {
		if cond(c) {
			out = append(out, c)
		}
	}
	return out
}

// UpdateContainerPath stages (or replaces) a container root for the named
// config. It becomes visible at the next SwapContainerPaths.
func (s *Store) UpdateContainerPath(name string, cp pipeline.ContainerPath) {
	s.containerMu.Lock()
	defer s.containerMu.Unlock()
	paths := s.staged[name]
	for i := range paths {
		if paths[i].ContainerID == cp.ContainerID {
			next := append([]pipeline.ContainerPath(nil), paths...)
			next[i] = cp
			s.staged[name] = next
			return
		}
	}
	s.staged[name] = append(append([]pipeline.ContainerPath(nil), paths...), cp)
}

// RemoveContainer stages removal of a stopped container from every config.
func (s *Store) RemoveContainer(containerID string) {
	s.containerMu.Lock()
	defer s.containerMu.Unlock()
	for name, paths := range s.staged {
		var kept []pipeline.ContainerPath
		for _, p := range paths {
			if p.ContainerID != containerID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.staged, name)
		} else {
			s.staged[name] = kept
		}
	}
}

// SwapContainerPaths publishes the staged container paths, dropping entries
// for configs that are not in the current epoch. Only the reloading
// goroutine may call it.
func (s *Store) SwapContainerPaths() {
	epoch := s.Current()
	s.containerMu.Lock()
	next := make(containerMap, len(s.staged))
	for name, paths := range s.staged {
		if _, ok := epoch.Configs[name]; !ok {
			delete(s.staged, name)
			continue
		}
		next[name] = paths
	}
	s.containerMu.Unlock()

	s.containers.Write(next)
	s.containers.Swap()
}

// ContainerPaths returns the published container roots of the named config.
// The slice is shared and must not be modified.
func (s *Store) ContainerPaths(name string) []pipeline.ContainerPath {
	return s.containers.Read()[name]
}

// GetUserAK returns the access key stored for uid.
func (s *Store) GetUserAK(uid string) (AccessKey, bool) {
	s.akMu.Lock()
	defer s.akMu.Unlock()
	ak, ok := s.aks[uid]
	return ak, ok
}

// SetUserAK stores an access key for uid and stamps its update time.
func (s *Store) SetUserAK(uid, id, secret string) {
	s.akMu.Lock()
	defer s.akMu.Unlock()
	s.aks[uid] = AccessKey{ID: id, Secret: secret, UpdateTime: s.now()}
}

// UpdateAccessKey stores the key unless the stored one was updated less than
// minInterval ago. It reports whether the key was stored.
func (s *Store) UpdateAccessKey(uid, id, secret string, minInterval time.Duration) bool {
	s.akMu.Lock()
	defer s.akMu.Unlock()
	now := s.now()
	if prev, ok := s.aks[uid]; ok && now.Sub(prev.UpdateTime) < minInterval {
		return false
	}
	s.aks[uid] = AccessKey{ID: id, Secret: secret, UpdateTime: now}
	slog.Info("store: access key updated", "uid", uid, "access_key_id", id)
	return true
}

// AddRegion records a region the agent ships to.
func (s *Store) AddRegion(region string) {
	s.regionMu.Lock()
	s.regions[region] = struct{}{}
	s.regionMu.Unlock()
}

// CheckRegion reports whether region was added.
func (s *Store) CheckRegion(region string) bool {
	s.regionMu.RLock()
	defer s.regionMu.RUnlock()
	_, ok := s.regions[region]
	return ok
}

// Regions returns the known regions, sorted.
func (s *Store) Regions() []string {
	s.regionMu.RLock()
	out := make([]string, 0, len(s.regions))
	for r := range s.regions {
		out = append(out, r)
	}
	s.regionMu.RUnlock()
	sort.Strings(out)
	return out
}

// SetProfileProject maps region to the project receiving agent profile data.
func (s *Store) SetProfileProject(region, project string) {
	s.regionMu.Lock()
	s.profiles[region] = project
	s.regionMu.Unlock()
}

// ProfileProject returns the profile project for region.
func (s *Store) ProfileProject(region string) (string, bool) {
	s.regionMu.RLock()
	defer s.regionMu.RUnlock()
	p, ok := s.profiles[region]
	return p, ok
}
