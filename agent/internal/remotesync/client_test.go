package remotesync

import (
	"context"
	goerrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agilira/go-errors"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/config"
	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/transport"
	"github.com/loghaven/loghaven/pkg/ledger"
	"github.com/loghaven/loghaven/pkg/protocol"
)

func errorCode(err error) string {
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}

// fakeServer is a configuration server holding configs by name.
type fakeServer struct {
	mu      sync.Mutex
	configs map[string]int64
	bodies  map[string]string

	// rejectHeartbeats answers the next n heartbeats with 401.
	rejectHeartbeats int

	heartbeatID  func(string) string
	fetchID      func(string) string
	dropDetail   string
	fetchCalls   int
	heartbeats   []protocol.HeartbeatRequest
	fetchedNames []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{configs: map[string]int64{}, bodies: map[string]string{}}
}

func (s *fakeServer) set(name string, version int64, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[name] = version
	s.bodies[name] = body
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case protocol.HeartbeatPath:
		var req protocol.HeartbeatRequest
		if err := req.Unmarshal(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.heartbeats = append(s.heartbeats, req)
		if s.rejectHeartbeats > 0 {
			s.rejectHeartbeats--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reported := map[string]int64{}
		for _, c := range req.PipelineConfigs {
			reported[c.Name] = c.Version
		}
		id := req.RequestID
		if s.heartbeatID != nil {
			id = s.heartbeatID(id)
		}
		resp := protocol.HeartbeatResponse{RequestID: id, PipelineCheckResults: ledger.Diff(reported, s.configs)}
		_, _ = w.Write(resp.Marshal())

	case protocol.FetchPath:
		s.fetchCalls++
		var req protocol.FetchRequest
		if err := req.Unmarshal(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := req.RequestID
		if s.fetchID != nil {
			id = s.fetchID(id)
		}
		resp := protocol.FetchResponse{RequestID: id}
		for _, info := range req.ReqConfigs {
			s.fetchedNames = append(s.fetchedNames, info.Name)
			if info.Name == s.dropDetail {
				continue
			}
			resp.ConfigDetails = append(resp.ConfigDetails, protocol.ConfigDetail{
				Name: info.Name, Version: s.configs[info.Name], Detail: []byte(s.bodies[info.Name]),
			})
		}
		_, _ = w.Write(resp.Marshal())

	default:
		http.NotFound(w, r)
	}
}

// fakeServiceClient signs nothing and counts credential flushes.
type fakeServiceClient struct {
	flushOK bool
	flushes int
	signs   int
}

func (f *fakeServiceClient) Init(context.Context) error { return nil }
func (f *fakeServiceClient) FlushCredential(context.Context) bool {
	f.flushes++
	return f.flushOK
}
func (f *fakeServiceClient) SignHeader(*transport.Request) { f.signs++ }
func (f *fakeServiceClient) SendMetadata(context.Context) {}
func (f *fakeServiceClient) HeartbeatRequest(addr, requestID string, versions map[string]int64) *transport.Request {
	hb := protocol.HeartbeatRequest{RequestID: requestID, AgentID: "agent-1"}
	names := make([]string, 0, len(versions))
	for n := range versions {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		hb.PipelineConfigs = append(hb.PipelineConfigs, protocol.ConfigInfo{Name: n, Version: versions[n]})
	}
	return &transport.Request{Method: http.MethodPost, Addr: addr, Path: protocol.HeartbeatPath, Body: hb.Marshal()}
}

type fakeAlarms struct {
	mu     sync.Mutex
	raised []alarm.Type
}

func (f *fakeAlarms) Raise(t alarm.Type, msg string) {
	f.mu.Lock()
	f.raised = append(f.raised, t)
	f.mu.Unlock()
}

type fixture struct {
	srv    *fakeServer
	sc     *fakeServiceClient
	ledger *ledger.Ledger
	alarms *fakeAlarms
	m      *metrics.Metrics
	client *Client
	dir    string
}

func newFixture(t *testing.T, addrs ...string) *fixture {
	t.Helper()
	f := &fixture{
		srv:    newFakeServer(),
		sc:     &fakeServiceClient{},
		ledger: ledger.New(),
		alarms: &fakeAlarms{},
		m:      metrics.NewForTest(),
		dir:    filepath.Join(t.TempDir(), "remote"),
	}
	hs := httptest.NewServer(f.srv)
	t.Cleanup(hs.Close)
	if len(addrs) == 0 {
		addrs = []string{strings.TrimPrefix(hs.URL, "http://")}
	}
	tr, err := transport.New(config.TLSConfig{})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	f.client = New(tr, f.sc, f.ledger, f.alarms, f.m, Options{
		AgentID:        "agent-1",
		Addresses:      addrs,
		RemoteDir:      f.dir,
		RequestTimeout: 2 * time.Second,
	})
	f.client.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read remote dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func writeRemote(t *testing.T, dir, name string, version int64, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ledger.RemoteFileName(name, version)), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSync_NewModifiedDeleted(t *testing.T) {
	f := newFixture(t)
	writeRemote(t, f.dir, "app", 1, "log_path: /var/log/app\n")
	writeRemote(t, f.dir, "gone", 2, "log_path: /var/log/gone\n")
	if _, _, err := f.ledger.ScanDir(f.dir, true, false); err != nil {
		t.Fatalf("ScanDir: %v", err)
	}

	f.srv.set("app", 2, "log_path: /var/log/app2\n")
	f.srv.set("fresh", 1, "log_path: /var/log/fresh\n")

	changed, err := f.client.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !changed {
		t.Fatal("Sync: want changed")
	}

	want := []string{"app@2.yaml", "fresh@1.yaml"}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("remote files (-want +got):\n%s", diff)
	}
	body, _ := os.ReadFile(filepath.Join(f.dir, "app@2.yaml"))
	if string(body) != "log_path: /var/log/app2\n" {
		t.Errorf("app@2 body: got %q", body)
	}
	if diff := cmp.Diff(map[string]int64{"app": 2, "fresh": 1}, f.ledger.ServerVersions()); diff != "" {
		t.Errorf("server versions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app", "fresh"}, f.srv.fetchedNames); diff != "" {
		t.Errorf("fetched names (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(f.m.Heartbeats.WithLabelValues("ok")); got != 1 {
		t.Errorf("heartbeats ok: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.m.LastConfigGet); got != 1700000000 {
		t.Errorf("last config get: got %v", got)
	}

	// A second cycle reports the new versions and finds nothing to do.
	changed, err = f.client.Sync(context.Background())
	if err != nil || changed {
		t.Fatalf("second Sync: got (%v, %v), want (false, nil)", changed, err)
	}
	if f.srv.fetchCalls != 1 {
		t.Errorf("fetch calls: got %d, want 1", f.srv.fetchCalls)
	}
}

func TestSync_AllDeletedSkipsFetch(t *testing.T) {
	f := newFixture(t)
	writeRemote(t, f.dir, "gone", 3, "x: 1\n")
	if _, _, err := f.ledger.ScanDir(f.dir, true, false); err != nil {
		t.Fatal(err)
	}

	changed, err := f.client.Sync(context.Background())
	if err != nil || !changed {
		t.Fatalf("Sync: got (%v, %v), want (true, nil)", changed, err)
	}
	if f.srv.fetchCalls != 0 {
		t.Errorf("fetch calls: got %d, want 0", f.srv.fetchCalls)
	}
	if files := f.files(t); len(files) != 0 {
		t.Errorf("remote files: got %v, want none", files)
	}
	if len(f.ledger.ServerVersions()) != 0 {
		t.Errorf("server versions: got %v, want empty", f.ledger.ServerVersions())
	}
}

func TestSync_CredentialRetry(t *testing.T) {
	f := newFixture(t)
	f.sc.flushOK = true
	f.srv.rejectHeartbeats = 1
	f.srv.set("app", 1, "a: 1\n")

	changed, err := f.client.Sync(context.Background())
	if err != nil || !changed {
		t.Fatalf("Sync: got (%v, %v), want (true, nil)", changed, err)
	}
	if f.sc.flushes != 1 {
		t.Errorf("flushes: got %d, want 1", f.sc.flushes)
	}
	if len(f.srv.heartbeats) != 2 {
		t.Errorf("heartbeats sent: got %d, want 2", len(f.srv.heartbeats))
	}
	if got := testutil.ToFloat64(f.m.Heartbeats.WithLabelValues("auth_retry")); got != 1 {
		t.Errorf("auth_retry: got %v, want 1", got)
	}
}

func TestSync_CredentialRetryOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.sc.flushOK = true
	f.srv.rejectHeartbeats = 2
	f.srv.set("app", 1, "a: 1\n")

	_, err := f.client.Sync(context.Background())
	if code := errorCode(err); code != ErrCodeStatus {
		t.Fatalf("code: got %q (err %v), want %s", code, err, ErrCodeStatus)
	}
	if f.sc.flushes != 1 || len(f.srv.heartbeats) != 2 {
		t.Errorf("flushes %d heartbeats %d, want 1 and 2", f.sc.flushes, len(f.srv.heartbeats))
	}
	if f.srv.fetchCalls != 0 {
		t.Errorf("fetch calls: got %d, want 0", f.srv.fetchCalls)
	}
}

func TestSync_FlushFailureStops(t *testing.T) {
	f := newFixture(t)
	f.srv.rejectHeartbeats = 1
	f.srv.set("app", 1, "a: 1\n")

	_, err := f.client.Sync(context.Background())
	if code := errorCode(err); code != ErrCodeStatus {
		t.Fatalf("code: got %q (err %v), want %s", code, err, ErrCodeStatus)
	}
	if len(f.srv.heartbeats) != 1 {
		t.Errorf("heartbeats sent: got %d, want 1", len(f.srv.heartbeats))
	}
	if files := f.files(t); len(files) != 0 {
		t.Errorf("remote files: got %v, want none", files)
	}
}

func TestSync_HeartbeatRequestIDMismatch(t *testing.T) {
	f := newFixture(t)
	f.srv.heartbeatID = func(string) string { return "stale" }
	f.srv.set("app", 1, "a: 1\n")

	changed, err := f.client.Sync(context.Background())
	if changed {
		t.Error("Sync: want no change")
	}
	if code := errorCode(err); code != ErrCodeMismatch {
		t.Fatalf("code: got %q (err %v), want %s", code, err, ErrCodeMismatch)
	}
	if f.srv.fetchCalls != 0 {
		t.Errorf("fetch calls: got %d, want 0", f.srv.fetchCalls)
	}
}

func TestSync_FetchIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeServer)
		code  string
	}{
		{"missing detail", func(s *fakeServer) { s.dropDetail = "b" }, ErrCodeIncomplete},
		{"request id mismatch", func(s *fakeServer) { s.fetchID = func(string) string { return "other" } }, ErrCodeMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.set("a", 1, "a: 1\n")
			f.srv.set("b", 1, "b: 1\n")
			tc.setup(f.srv)

			changed, err := f.client.Sync(context.Background())
			if changed {
				t.Error("Sync: want no change")
			}
			if code := errorCode(err); code != tc.code {
				t.Fatalf("code: got %q (err %v), want %s", code, err, tc.code)
			}
			if files := f.files(t); len(files) != 0 {
				t.Errorf("remote files: got %v, want none", files)
			}
			if len(f.ledger.ServerVersions()) != 0 {
				t.Errorf("server versions: got %v, want empty", f.ledger.ServerVersions())
			}
		})
	}
}

func TestSync_RemoteDirUnavailableDisables(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f.client.opts.RemoteDir = filepath.Join(blocker, "remote")
	f.srv.set("app", 1, "a: 1\n")

	_, err := f.client.Sync(context.Background())
	if code := errorCode(err); code != ErrCodeRemoteDir {
		t.Fatalf("code: got %q (err %v), want %s", code, err, ErrCodeRemoteDir)
	}
	if f.client.Enabled() {
		t.Error("Enabled: want false after remote dir failure")
	}
	if diff := cmp.Diff([]alarm.Type{alarm.RemoteSyncDisabled}, f.alarms.raised); diff != "" {
		t.Errorf("alarms (-want +got):\n%s", diff)
	}

	heartbeats := len(f.srv.heartbeats)
	changed, err := f.client.Sync(context.Background())
	if changed || err != nil {
		t.Errorf("Sync after disable: got (%v, %v), want (false, nil)", changed, err)
	}
	if len(f.srv.heartbeats) != heartbeats {
		t.Error("Sync after disable sent a heartbeat")
	}
}

func TestSync_RotatesAddressOnFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	f := newFixture(t, deadAddr, "placeholder")
	live := httptest.NewServer(f.srv)
	defer live.Close()
	f.client.opts.Addresses[1] = strings.TrimPrefix(live.URL, "http://")
	f.srv.set("app", 1, "a: 1\n")

	if _, err := f.client.Sync(context.Background()); errorCode(err) != transport.ErrCodeConnect {
		t.Fatalf("first Sync: got %v, want connect error", err)
	}
	if got := f.client.GetOneConfigServerAddress(false); got != f.client.opts.Addresses[1] {
		t.Fatalf("address after failure: got %s", got)
	}
	changed, err := f.client.Sync(context.Background())
	if err != nil || !changed {
		t.Fatalf("second Sync: got (%v, %v), want (true, nil)", changed, err)
	}
}

func TestSync_KeepsAddressWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	f.client.opts.Addresses = append(f.client.opts.Addresses, "unused:1")
	first := f.client.GetOneConfigServerAddress(false)

	changed, err := f.client.Sync(context.Background())
	if err != nil || changed {
		t.Fatalf("Sync: got (%v, %v), want (false, nil)", changed, err)
	}
	if got := f.client.GetOneConfigServerAddress(false); got != first {
		t.Errorf("address after empty heartbeat: got %s, want %s", got, first)
	}
}

func TestSync_RejectsUnsafeNames(t *testing.T) {
	f := newFixture(t)
	f.srv.set("../escaped", 1, "log_path: /var/log/x\n")
	f.srv.set("app", 1, "log_path: /var/log/app\n")

	changed, err := f.client.Sync(context.Background())
	if err != nil || !changed {
		t.Fatalf("Sync: got (%v, %v), want (true, nil)", changed, err)
	}
	if diff := cmp.Diff([]string{"app@1.yaml"}, f.files(t)); diff != "" {
		t.Errorf("remote files (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(f.dir), "escaped@1.yaml")); !os.IsNotExist(err) {
		t.Errorf("file written outside the remote dir (stat err %v)", err)
	}
	if diff := cmp.Diff(map[string]int64{"app": 1}, f.ledger.ServerVersions()); diff != "" {
		t.Errorf("server versions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]alarm.Type{alarm.PersistRemoteConfig}, f.alarms.raised); diff != "" {
		t.Errorf("alarms (-want +got):\n%s", diff)
	}
}

func TestSync_DisabledWithoutAddresses(t *testing.T) {
	f := newFixture(t)
	f.client.opts.Addresses = nil
	changed, err := f.client.Sync(context.Background())
	if changed || err != nil {
		t.Errorf("Sync: got (%v, %v), want (false, nil)", changed, err)
	}
	if len(f.srv.heartbeats) != 0 {
		t.Error("heartbeat sent without addresses")
	}
}

func TestRequestIDs(t *testing.T) {
	f := newFixture(t)
	f.srv.set("app", 1, "a: 1\n")
	if _, err := f.client.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got, want := f.srv.heartbeats[0].RequestID, encodeRequestID("heartbeat1700000000"); got != want {
		t.Errorf("heartbeat request id: got %q, want %q", got, want)
	}
}
