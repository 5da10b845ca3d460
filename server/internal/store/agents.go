package store

import (
	"sort"
	"time"

	"github.com/loghaven/loghaven/pkg/protocol"
)

// Agent is what the server knows about one agent from its last heartbeat.
type Agent struct {
	ID            string
	Type          string
	Hostname      string
	IP            string
	Tags          []string
	RunningStatus string
	StartupTime   time.Time
	Interval      time.Duration
	// Configs are the versions the agent reported holding.
	Configs       map[string]int64
	LastHeartbeat time.Time
}

// Heartbeat records req as the latest state of its agent and returns the
// entry. Requests without an agent id are not recorded.
func (s *Store) Heartbeat(req *protocol.HeartbeatRequest) *Agent {
	a := &Agent{
		ID:            req.AgentID,
		Type:          req.AgentType,
		Hostname:      req.Hostname,
		IP:            req.IP,
		Tags:          append([]string(nil), req.Tags...),
		RunningStatus: req.RunningStatus,
		Interval:      time.Duration(req.Interval) * time.Second,
		Configs:       make(map[string]int64, len(req.PipelineConfigs)),
	}
	if req.StartupTime > 0 {
		a.StartupTime = time.Unix(req.StartupTime, 0)
	}
	for _, c := range req.PipelineConfigs {
		a.Configs[c.Name] = c.Version
	}
	if a.ID == "" {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a.LastHeartbeat = s.now()
	s.agents[a.ID] = a
	return a
}

// Agent returns the entry for id and whether one was found. The entry may be
// stale if the TTL has elapsed.
func (s *Store) Agent(id string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Agents returns the agents heard from within the TTL, sorted by id.
// Stale entries that have not yet been evicted are excluded.
func (s *Store) Agents() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.LastHeartbeat.After(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentCount returns the number of agents held, including stale ones.
func (s *Store) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Evict removes agents whose last heartbeat is older than now minus TTL.
// It returns the number of agents removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, a := range s.agents {
		if !a.LastHeartbeat.After(cutoff) {
			delete(s.agents, id)
			removed++
		}
	}
	return removed
}
