package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loghaven/loghaven/pkg/protocol"
	"github.com/loghaven/loghaven/server/internal/api"
	"github.com/loghaven/loghaven/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

func newStore(t *testing.T, pipelines map[string]string) *store.Store {
	t.Helper()
	dir := t.TempDir()
	for name, body := range pipelines {
		if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	st := store.New(dir, 5*time.Minute)
	if _, err := st.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return st
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", protocol.ContentType)
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func sendHeartbeat(t *testing.T, h http.Handler, req *protocol.HeartbeatRequest) protocol.HeartbeatResponse {
	t.Helper()
	rr := post(t, h, protocol.HeartbeatPath, req.Marshal())
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != protocol.ContentType {
		t.Errorf("Content-Type: got %q, want %q", ct, protocol.ContentType)
	}
	var resp protocol.HeartbeatResponse
	if err := resp.Unmarshal(rr.Body.Bytes()); err != nil {
		t.Fatalf("decode heartbeat response: %v", err)
	}
	return resp
}

// --- agent protocol ---------------------------------------------------------

func TestHeartbeat_ReportsChanges(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 1\n", "web": "w: 1\n"})
	h := api.New(st, nil)

	resp := sendHeartbeat(t, h, &protocol.HeartbeatRequest{
		RequestID: "req-1",
		AgentID:   "agent-1",
		PipelineConfigs: []protocol.ConfigInfo{
			{Name: "app", Version: 1},
			{Name: "old", Version: 4},
		},
	})
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID: got %q, want req-1", resp.RequestID)
	}
	if resp.Code != protocol.RespAccept {
		t.Errorf("Code: got %v, want accept", resp.Code)
	}
	want := []protocol.ConfigCheckResult{
		{Name: "old", OldVersion: 4, Status: protocol.StatusDeleted},
		{Name: "web", NewVersion: 1, Status: protocol.StatusNew},
	}
	if diff := cmp.Diff(want, resp.PipelineCheckResults); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}

	if _, ok := st.Agent("agent-1"); !ok {
		t.Error("agent not recorded")
	}
}

func TestHeartbeat_UpToDate(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 1\n"})
	resp := sendHeartbeat(t, api.New(st, nil), &protocol.HeartbeatRequest{
		RequestID:       "r",
		AgentID:         "a",
		PipelineConfigs: []protocol.ConfigInfo{{Name: "app", Version: 1}},
	})
	if len(resp.PipelineCheckResults) != 0 {
		t.Errorf("results: got %v, want none", resp.PipelineCheckResults)
	}
}

func TestHeartbeat_BadBody(t *testing.T) {
	h := api.New(newStore(t, nil), nil)
	rr := post(t, h, protocol.HeartbeatPath, []byte{0xff, 0xff, 0xff})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	var resp protocol.HeartbeatResponse
	if err := resp.Unmarshal(rr.Body.Bytes()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != protocol.RespInvalidParameter {
		t.Errorf("Code: got %v, want invalid parameter", resp.Code)
	}
}

func TestFetchPipelineConfig(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 1\n", "web": "w: 1\n"})
	h := api.New(st, nil)

	req := &protocol.FetchRequest{
		RequestID: "fetch-1",
		AgentID:   "agent-1",
		ReqConfigs: []protocol.ConfigInfo{
			{Name: "web", Version: 1},
			{Name: "gone", Version: 2},
		},
	}
	rr := post(t, h, protocol.FetchPath, req.Marshal())
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp protocol.FetchResponse
	if err := resp.Unmarshal(rr.Body.Bytes()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "fetch-1" {
		t.Errorf("RequestID: got %q, want fetch-1", resp.RequestID)
	}
	want := []protocol.ConfigDetail{{Name: "web", Version: 1, Detail: []byte("w: 1\n")}}
	if diff := cmp.Diff(want, resp.ConfigDetails); diff != "" {
		t.Errorf("details (-want +got):\n%s", diff)
	}
}

func TestAgentEndpoints_RejectGet(t *testing.T) {
	h := api.New(newStore(t, nil), nil)
	for _, path := range []string{protocol.HeartbeatPath, protocol.FetchPath} {
		if rr := get(t, h, path); rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: got %d, want 405", path, rr.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := newStore(t, map[string]string{"app": "a: 1\n"})
	h := api.New(st, reg)

	sendHeartbeat(t, h, &protocol.HeartbeatRequest{RequestID: "r", AgentID: "a"})
	post(t, h, protocol.HeartbeatPath, []byte{0xff})
	fetch := &protocol.FetchRequest{RequestID: "f", ReqConfigs: []protocol.ConfigInfo{{Name: "app"}}}
	post(t, h, protocol.FetchPath, fetch.Marshal())

	want := `
# HELP loghaven_server_agent_requests_total Agent protocol requests by endpoint and result.
# TYPE loghaven_server_agent_requests_total counter
loghaven_server_agent_requests_total{endpoint="fetch",result="ok"} 1
loghaven_server_agent_requests_total{endpoint="heartbeat",result="invalid"} 1
loghaven_server_agent_requests_total{endpoint="heartbeat",result="ok"} 1
# HELP loghaven_server_configs_served_total Pipeline config bodies returned to agents.
# TYPE loghaven_server_configs_served_total counter
loghaven_server_configs_served_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

// --- /api/v1 ----------------------------------------------------------------

func TestHealth(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 1\n", "web": "w: 1\n"})
	h := api.New(st, nil)
	sendHeartbeat(t, h, &protocol.HeartbeatRequest{RequestID: "r", AgentID: "a"})

	rr := get(t, h, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if diff := cmp.Diff(api.HealthResponse{State: "ok", PipelineCount: 2, AgentCount: 1}, resp); diff != "" {
		t.Errorf("health (-want +got):\n%s", diff)
	}
}

func TestListAgents(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 2\n"})
	h := api.New(st, nil)
	sendHeartbeat(t, h, &protocol.HeartbeatRequest{
		RequestID:       "r",
		AgentID:         "b",
		Hostname:        "host-b",
		Tags:            []string{"prod"},
		StartupTime:     1700000000,
		Interval:        10,
		PipelineConfigs: []protocol.ConfigInfo{{Name: "app", Version: 1}},
	})
	sendHeartbeat(t, h, &protocol.HeartbeatRequest{RequestID: "r", AgentID: "a"})

	rr := get(t, h, "/api/v1/agents")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var agents []api.AgentResponse
	decode(t, rr, &agents)
	if len(agents) != 2 {
		t.Fatalf("agents: got %d, want 2", len(agents))
	}
	if agents[0].AgentID != "a" || agents[1].AgentID != "b" {
		t.Errorf("order: got %q, %q", agents[0].AgentID, agents[1].AgentID)
	}
	b := agents[1]
	if b.Hostname != "host-b" || b.IntervalSec != 10 || b.StartupTime != "2023-11-14T22:13:20Z" {
		t.Errorf("agent b: got %+v", b)
	}
	if b.Pending != 1 {
		t.Errorf("pending: got %d, want 1", b.Pending)
	}
	if agents[0].Pending != 1 {
		t.Errorf("pending for agent without configs: got %d, want 1", agents[0].Pending)
	}
	if agents[0].Tags == nil {
		t.Error("tags: want empty list, got null")
	}
}

func TestListPipelines(t *testing.T) {
	h := api.New(newStore(t, map[string]string{"web": "w: 1\n", "app": "a: 1\n"}), nil)
	rr := get(t, h, "/api/v1/pipelines")
	var out []api.PipelineResponse
	decode(t, rr, &out)
	if len(out) != 2 || out[0].Name != "app" || out[0].Version != 1 || out[0].Size != 5 {
		t.Errorf("pipelines: got %+v", out)
	}
}

func TestSnapshot(t *testing.T) {
	st := newStore(t, map[string]string{"app": "a: 1\n"})
	h := api.New(st, nil)
	sendHeartbeat(t, h, &protocol.HeartbeatRequest{RequestID: "r", AgentID: "a"})

	var fleet api.FleetResponse
	decode(t, get(t, h, "/api/v1/snapshot"), &fleet)
	if len(fleet.Agents) != 1 || len(fleet.Pipelines) != 1 {
		t.Errorf("fleet: got %d agents, %d pipelines, want 1 and 1", len(fleet.Agents), len(fleet.Pipelines))
	}
	if fleet.GeneratedAt == "" {
		t.Error("generated_at: missing")
	}
}

func TestREST_MethodNotAllowed(t *testing.T) {
	h := api.New(newStore(t, nil), nil)
	for _, path := range []string{"/api/v1/health", "/api/v1/agents", "/api/v1/pipelines", "/api/v1/snapshot"} {
		rr := post(t, h, path, nil)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, rr.Code)
		}
		body, _ := io.ReadAll(rr.Body)
		if !strings.Contains(string(body), "method not allowed") {
			t.Errorf("POST %s body: got %s", path, body)
		}
	}
}
