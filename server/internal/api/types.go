package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State         string `json:"state"`
	PipelineCount int    `json:"pipeline_count"`
	AgentCount    int    `json:"agent_count"`
}

// AgentResponse is one entry in GET /api/v1/agents.
type AgentResponse struct {
	AgentID       string           `json:"agent_id"`
	AgentType     string           `json:"agent_type"`
	Hostname      string           `json:"hostname"`
	IP            string           `json:"ip"`
	Tags          []string         `json:"tags"`
	RunningStatus string           `json:"running_status,omitempty"`
	StartupTime   string           `json:"startup_time,omitempty"` // RFC3339
	IntervalSec   float64          `json:"interval_sec"`
	Configs       map[string]int64 `json:"configs"`
	// Pending counts the configs whose reported version differs from the
	// served one, including ones to delete.
	Pending  int    `json:"pending"`
	LastSeen string `json:"last_seen"` // RFC3339
}

// PipelineResponse is one entry in GET /api/v1/pipelines.
type PipelineResponse struct {
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	Size      int    `json:"size"`
	UpdatedAt string `json:"updated_at"` // RFC3339
}

// FleetResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket broadcast.
type FleetResponse struct {
	Agents      []AgentResponse    `json:"agents"`
	Pipelines   []PipelineResponse `json:"pipelines"`
	GeneratedAt string             `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
