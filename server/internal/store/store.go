package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store is the configuration server's in-memory state: the pipeline configs
// read from a directory and the agents that recently sent a heartbeat.
// A background goroutine (Run) keeps both fresh.
type Store struct {
	dir string
	ttl time.Duration

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	// retired remembers the last version of removed pipelines so a file that
	// comes back is served at a higher version.
	retired map[string]int64
	agents  map[string]*Agent

	// seed holds versions from the state file until the first Reload
	// consumes them. statePath is empty when no state is kept.
	seed      map[string]stateEntry
	statePath string

	now func() time.Time // injectable for deterministic tests
}

// New creates a Store serving the pipeline configs in dir and listing agents
// for ttl after their last heartbeat. Nothing is read until Reload.
func New(dir string, ttl time.Duration) *Store {
	return &Store{
		dir:       dir,
		ttl:       ttl,
		pipelines: make(map[string]*Pipeline),
		retired:   make(map[string]int64),
		agents:    make(map[string]*Agent),
		now:       time.Now,
	}
}

// Dir returns the pipelines directory.
func (s *Store) Dir() string { return s.dir }

// TTL returns the agent time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Run keeps the store fresh until ctx is cancelled: the pipelines directory
// is reloaded on change notifications and every reloadInterval, and stale
// agents are evicted at half the TTL (minimum 1 second).
func (s *Store) Run(ctx context.Context, reloadInterval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		// Polling still picks the directory up once it exists.
		slog.Warn("store: cannot watch pipelines dir, polling only", "dir", s.dir, "err", err)
	}

	evictEvery := s.ttl / 2
	if evictEvery < time.Second {
		evictEvery = time.Second
	}
	evict := time.NewTicker(evictEvery)
	defer evict.Stop()
	reload := time.NewTicker(reloadInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-evict.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale agents", "count", n)
			}

		case <-reload.C:
			s.reload()
			_ = watcher.Add(s.dir)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			s.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("store: watcher error", "err", err)
		}
	}
}

func (s *Store) reload() {
	if _, err := s.Reload(); err != nil {
		slog.Warn("store: reload pipelines failed, keeping previous set", "dir", s.dir, "err", err)
	}
}
