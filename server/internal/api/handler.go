package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghaven/loghaven/pkg/ledger"
	"github.com/loghaven/loghaven/pkg/protocol"
	"github.com/loghaven/loghaven/server/internal/store"
)

// MaxBodyBytes bounds agent request bodies.
const MaxBodyBytes = 4 << 20

// Handler serves the agent protocol and the /api/v1/* endpoints.
type Handler struct {
	store   *store.Store
	metrics *metrics
	mux     *http.ServeMux
}

// New creates a Handler wired to the given store and registers all routes.
// Request counters are registered on reg when it is non-nil.
func New(st *store.Store, reg prometheus.Registerer) http.Handler {
	h := &Handler{store: st, metrics: newMetrics(reg), mux: http.NewServeMux()}

	h.mux.HandleFunc(protocol.HeartbeatPath, h.heartbeat)
	h.mux.HandleFunc(protocol.FetchPath, h.fetchPipelineConfig)
	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/agents", h.listAgents)
	h.mux.HandleFunc("/api/v1/pipelines", h.listPipelines)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- agent protocol ---------------------------------------------------------

// heartbeat handles POST /Agent/HeartBeat: it records the agent and answers
// with the status of every config whose version differs from the served one.
func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req protocol.HeartbeatRequest
	if err := readMessage(w, r, req.Unmarshal); err != nil {
		h.metrics.requests.WithLabelValues("heartbeat", "invalid").Inc()
		slog.Warn("api: bad heartbeat", "remote", r.RemoteAddr, "err", err)
		writeMessage(w, http.StatusBadRequest, &protocol.HeartbeatResponse{
			RequestID: req.RequestID,
			Code:      protocol.RespInvalidParameter,
			Message:   err.Error(),
		})
		return
	}

	h.store.Heartbeat(&req)
	results := ledger.Diff(reportedVersions(req.PipelineConfigs), h.store.Versions())
	h.metrics.requests.WithLabelValues("heartbeat", "ok").Inc()
	slog.Debug("api: heartbeat",
		"agent_id", req.AgentID,
		"request_id", req.RequestID,
		"configs", len(req.PipelineConfigs),
		"changes", len(results))

	writeMessage(w, http.StatusOK, &protocol.HeartbeatResponse{
		RequestID:            req.RequestID,
		Code:                 protocol.RespAccept,
		PipelineCheckResults: results,
	})
}

// fetchPipelineConfig handles POST /Agent/FetchPipelineConfig. Each requested
// name is answered with its current body; unknown names are left out.
func (h *Handler) fetchPipelineConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req protocol.FetchRequest
	if err := readMessage(w, r, req.Unmarshal); err != nil {
		h.metrics.requests.WithLabelValues("fetch", "invalid").Inc()
		slog.Warn("api: bad fetch request", "remote", r.RemoteAddr, "err", err)
		writeMessage(w, http.StatusBadRequest, &protocol.FetchResponse{
			RequestID: req.RequestID,
			Code:      protocol.RespInvalidParameter,
			Message:   err.Error(),
		})
		return
	}

	resp := &protocol.FetchResponse{RequestID: req.RequestID, Code: protocol.RespAccept}
	for _, info := range req.ReqConfigs {
		p, ok := h.store.Pipeline(info.Name)
		if !ok {
			slog.Info("api: fetch of unknown pipeline", "agent_id", req.AgentID, "name", info.Name)
			continue
		}
		resp.ConfigDetails = append(resp.ConfigDetails, protocol.ConfigDetail{
			Name:    p.Name,
			Version: p.Version,
			Context: info.Context,
			Detail:  p.Content,
		})
	}
	h.metrics.requests.WithLabelValues("fetch", "ok").Inc()
	h.metrics.served.Add(float64(len(resp.ConfigDetails)))
	slog.Debug("api: fetch",
		"agent_id", req.AgentID,
		"request_id", req.RequestID,
		"requested", len(req.ReqConfigs),
		"served", len(resp.ConfigDetails))

	writeMessage(w, http.StatusOK, resp)
}

// --- REST -------------------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		State:         "ok",
		PipelineCount: len(h.store.Versions()),
		AgentCount:    len(h.store.Agents()),
	})
}

// listAgents returns GET /api/v1/agents: every live agent.
func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, buildAgents(h.store))
}

// listPipelines returns GET /api/v1/pipelines: every served pipeline.
func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, buildPipelines(h.store))
}

// snapshot returns GET /api/v1/snapshot: live agents and served pipelines.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildFleet(h.store))
}

// BuildFleet returns the current fleet view of st. It is shared with the
// WebSocket hub.
func BuildFleet(st *store.Store) FleetResponse {
	return FleetResponse{
		Agents:      buildAgents(st),
		Pipelines:   buildPipelines(st),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func buildAgents(st *store.Store) []AgentResponse {
	served := st.Versions()
	agents := st.Agents()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentResponse(a, served))
	}
	return out
}

func buildPipelines(st *store.Store) []PipelineResponse {
	pipelines := st.Pipelines()
	out := make([]PipelineResponse, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, PipelineResponse{
			Name:      p.Name,
			Version:   p.Version,
			Size:      len(p.Content),
			UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// --- helpers ----------------------------------------------------------------

func readMessage(w http.ResponseWriter, r *http.Request, unmarshal func([]byte) error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return err
	}
	return unmarshal(body)
}

type marshaler interface {
	Marshal() []byte
}

func writeMessage(w http.ResponseWriter, code int, m marshaler) {
	w.Header().Set("Content-Type", protocol.ContentType)
	w.WriteHeader(code)
	w.Write(m.Marshal()) //nolint:errcheck
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func reportedVersions(configs []protocol.ConfigInfo) map[string]int64 {
	out := make(map[string]int64, len(configs))
	for _, c := range configs {
		out[c.Name] = c.Version
	}
	return out
}

// toAgentResponse maps a store.Agent to its JSON representation.
func toAgentResponse(a *store.Agent, served map[string]int64) AgentResponse {
	resp := AgentResponse{
		AgentID:       a.ID,
		AgentType:     a.Type,
		Hostname:      a.Hostname,
		IP:            a.IP,
		Tags:          a.Tags,
		RunningStatus: a.RunningStatus,
		IntervalSec:   a.Interval.Seconds(),
		Configs:       a.Configs,
		Pending:       len(ledger.Diff(a.Configs, served)),
		LastSeen:      a.LastHeartbeat.UTC().Format(time.RFC3339),
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if !a.StartupTime.IsZero() {
		resp.StartupTime = a.StartupTime.UTC().Format(time.RFC3339)
	}
	return resp
}
