package remotesync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/serviceclient"
	"github.com/loghaven/loghaven/agent/internal/transport"
	"github.com/loghaven/loghaven/pkg/ledger"
	"github.com/loghaven/loghaven/pkg/protocol"
)

// Error codes returned by a failed cycle.
const (
	ErrCodeStatus     = "REMOTE_BAD_STATUS"
	ErrCodeDecode     = "REMOTE_DECODE"
	ErrCodeMismatch   = "REMOTE_REQUEST_ID_MISMATCH"
	ErrCodeIncomplete = "REMOTE_FETCH_INCOMPLETE"
	ErrCodeRemoteDir  = "REMOTE_DIR_UNAVAILABLE"
)

// Options configures a Client.
type Options struct {
	AgentID        string
	Addresses      []string
	RemoteDir      string
	RequestTimeout time.Duration
}

// Client runs the heartbeat / fetch / persist cycle.
type Client struct {
	tr     transport.Transport
	sc     serviceclient.ServiceClient
	ledger *ledger.Ledger
	alarms alarm.Raiser
	m      *metrics.Metrics
	opts   Options

	addrMu  sync.Mutex
	addrIdx int

	disabled atomic.Bool

	// now is replaced in tests.
	now func() time.Time
}

// New returns a Client. Sync is a no-op when opts.Addresses is empty.
func New(tr transport.Transport, sc serviceclient.ServiceClient, l *ledger.Ledger,
	alarms alarm.Raiser, m *metrics.Metrics, opts Options) *Client {
	return &Client{
		tr:     tr,
		sc:     sc,
		ledger: l,
		alarms: alarms,
		m:      m,
		opts:   opts,
		now:    time.Now,
	}
}

// Enabled reports whether remote sync is configured and has not been
// disabled.
func (c *Client) Enabled() bool {
	return len(c.opts.Addresses) > 0 && !c.disabled.Load()
}

// GetOneConfigServerAddress returns the address in use. With change it first
// moves on to the next configured address.
func (c *Client) GetOneConfigServerAddress(change bool) string {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	if len(c.opts.Addresses) == 0 {
		return ""
	}
	if change {
		c.addrIdx = (c.addrIdx + 1) % len(c.opts.Addresses)
	}
	return c.opts.Addresses[c.addrIdx]
}

// Sync runs one cycle and reports whether the remote directory changed.
func (c *Client) Sync(ctx context.Context) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	addr := c.GetOneConfigServerAddress(false)

	results, err := c.SendHeartbeat(ctx, addr)
	if err != nil {
		c.GetOneConfigServerAddress(true)
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	slog.Debug("remotesync: config changes announced", "addr", addr, "count", len(results))

	details, err := c.FetchPipelineConfig(ctx, addr, results)
	if err != nil {
		c.GetOneConfigServerAddress(true)
		return false, err
	}
	if err := c.UpdateRemoteConfig(results, details); err != nil {
		return false, err
	}
	return true, nil
}

// SendHeartbeat announces the agent and returns the server's verdicts,
// UNCHANGED entries removed.
func (c *Client) SendHeartbeat(ctx context.Context, addr string) ([]protocol.ConfigCheckResult, error) {
	requestID := encodeRequestID("heartbeat" + strconv.FormatInt(c.now().Unix(), 10))
	req := c.sc.HeartbeatRequest(addr, requestID, c.ledger.ServerVersions())
	c.sc.SignHeader(req)

	resp, err := c.tr.Send(ctx, req)
	if err != nil {
		c.m.Heartbeats.WithLabelValues("error").Inc()
		slog.Warn("remotesync: heartbeat failed", "addr", addr, "err", err)
		return nil, err
	}

	if isAuthFailure(resp.StatusCode) {
		slog.Warn("remotesync: heartbeat rejected", "addr", addr, "status", resp.StatusCode,
			"response", string(resp.Content))
		if !c.sc.FlushCredential(ctx) {
			c.m.Heartbeats.WithLabelValues("error").Inc()
			slog.Warn("remotesync: flush credential failed")
			return nil, errors.New(ErrCodeStatus, "heartbeat rejected and credential flush failed").
				WithContext("status", resp.StatusCode)
		}
		c.m.Heartbeats.WithLabelValues("auth_retry").Inc()
		slog.Info("remotesync: credential flushed, resending heartbeat")
		c.sc.SignHeader(req)
		resp, err = c.tr.Send(ctx, req)
		if err != nil {
			c.m.Heartbeats.WithLabelValues("error").Inc()
			slog.Warn("remotesync: heartbeat failed", "addr", addr, "err", err)
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		c.m.Heartbeats.WithLabelValues("error").Inc()
		return nil, errors.New(ErrCodeStatus, "heartbeat failed").
			WithContext("addr", addr).WithContext("status", resp.StatusCode)
	}

	var hb protocol.HeartbeatResponse
	if err := hb.Unmarshal(resp.Content); err != nil {
		c.m.Heartbeats.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, ErrCodeDecode, "decode heartbeat response").WithContext("addr", addr)
	}
	if hb.RequestID != requestID {
		c.m.Heartbeats.WithLabelValues("mismatch").Inc()
		slog.Warn("remotesync: heartbeat request id mismatch", "want", requestID, "got", hb.RequestID)
		return nil, errors.New(ErrCodeMismatch, "heartbeat request id mismatch").
			WithContext("want", requestID).WithContext("got", hb.RequestID)
	}

	c.m.Heartbeats.WithLabelValues("ok").Inc()
	c.m.LastConfigGet.Set(float64(c.now().Unix()))
	slog.Debug("remotesync: heartbeat ok", "addr", addr, "code", hb.Code, "results", len(hb.PipelineCheckResults))

	out := make([]protocol.ConfigCheckResult, 0, len(hb.PipelineCheckResults))
	for _, r := range hb.PipelineCheckResults {
		if r.Status != protocol.StatusUnchanged {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchPipelineConfig downloads the bodies of every NEW or MODIFIED result.
// Either every requested body is returned or an error is. No request is
// sent when every result is DELETED.
func (c *Client) FetchPipelineConfig(ctx context.Context, addr string, results []protocol.ConfigCheckResult) ([]protocol.ConfigDetail, error) {
	var infos []protocol.ConfigInfo
	for _, r := range results {
		if r.Status == protocol.StatusDeleted {
			continue
		}
		infos = append(infos, protocol.ConfigInfo{Name: r.Name, Version: r.NewVersion, Context: r.Context})
	}
	if len(infos) == 0 {
		return nil, nil
	}

	requestID := encodeRequestID(c.opts.AgentID + "_" + strconv.FormatInt(c.now().Unix(), 10))
	fr := protocol.FetchRequest{RequestID: requestID, AgentID: c.opts.AgentID, ReqConfigs: infos}
	req := &transport.Request{
		Method:  http.MethodPost,
		Addr:    addr,
		Path:    protocol.FetchPath,
		Body:    fr.Marshal(),
		Timeout: c.opts.RequestTimeout,
	}
	req.SetHeader("Content-Type", protocol.ContentType)
	c.sc.SignHeader(req)

	resp, err := c.tr.Send(ctx, req)
	if err != nil {
		c.m.Fetches.WithLabelValues("error").Inc()
		slog.Warn("remotesync: fetch failed", "addr", addr, "err", err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.m.Fetches.WithLabelValues("error").Inc()
		return nil, errors.New(ErrCodeStatus, "fetch failed").
			WithContext("addr", addr).WithContext("status", resp.StatusCode)
	}

	var fresp protocol.FetchResponse
	if err := fresp.Unmarshal(resp.Content); err != nil {
		c.m.Fetches.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, ErrCodeDecode, "decode fetch response").WithContext("addr", addr)
	}
	if fresp.RequestID != requestID {
		c.m.Fetches.WithLabelValues("mismatch").Inc()
		slog.Warn("remotesync: fetch request id mismatch", "want", requestID, "got", fresp.RequestID)
		return nil, errors.New(ErrCodeMismatch, "fetch request id mismatch").
			WithContext("want", requestID).WithContext("got", fresp.RequestID)
	}

	got := make(map[string]int64, len(fresp.ConfigDetails))
	for _, d := range fresp.ConfigDetails {
		got[d.Name] = d.Version
	}
	for _, info := range infos {
		if v, ok := got[info.Name]; !ok || v != info.Version {
			c.m.Fetches.WithLabelValues("incomplete").Inc()
			slog.Warn("remotesync: fetch response incomplete, discarding cycle",
				"missing", info.Name, "version", info.Version)
			return nil, errors.New(ErrCodeIncomplete, "fetch response lacks a requested config").
				WithContext("name", info.Name).WithContext("version", info.Version)
		}
	}

	c.m.Fetches.WithLabelValues("ok").Inc()
	return fresp.ConfigDetails, nil
}

// UpdateRemoteConfig writes the fetched bodies to the remote directory and
// removes superseded files. A result that cannot be persisted is left out of
// the ledger so the next heartbeat announces it again.
func (c *Client) UpdateRemoteConfig(results []protocol.ConfigCheckResult, details []protocol.ConfigDetail) error {
	dir := c.opts.RemoteDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.disable(dir, err)
		return errors.Wrap(err, ErrCodeRemoteDir, "create remote config dir").WithContext("dir", dir)
	}

	bodies := make(map[string][]byte, len(details))
	for _, d := range details {
		bodies[d.Name] = d.Detail
	}

	applied := make([]protocol.ConfigCheckResult, 0, len(results))
	for _, r := range results {
		if !ledger.ValidName(r.Name) {
			slog.Error("remotesync: rejecting config with invalid name", "name", r.Name, "status", r.Status)
			c.alarms.Raise(alarm.PersistRemoteConfig, fmt.Sprintf(
				"remote config name %q is not a valid file name, ignored", r.Name))
			continue
		}
		oldPath := filepath.Join(dir, ledger.RemoteFileName(r.Name, r.OldVersion))
		newPath := filepath.Join(dir, ledger.RemoteFileName(r.Name, r.NewVersion))

		var err error
		switch r.Status {
		case protocol.StatusDeleted:
			err = removeFile(oldPath)
			if err == nil {
				slog.Info("remotesync: config deleted", "name", r.Name, "version", r.OldVersion)
			}
		case protocol.StatusModified:
			if err = removeFile(oldPath); err != nil {
				break
			}
			// Until the write below completes the config exists in neither version.
			slog.Info("remotesync: config replaced, old version removed",
				"name", r.Name, "old_version", r.OldVersion, "new_version", r.NewVersion)
			err = writeFile(newPath, bodies[r.Name])
		case protocol.StatusNew:
			err = writeFile(newPath, bodies[r.Name])
			if err == nil {
				slog.Info("remotesync: config added", "name", r.Name, "version", r.NewVersion)
			}
		default:
			continue
		}
		if err != nil {
			slog.Error("remotesync: persist config failed", "name", r.Name, "status", r.Status, "err", err)
			c.alarms.Raise(alarm.PersistRemoteConfig, fmt.Sprintf(
				"failed to persist remote config %s (%s): %v", r.Name, r.Status, err))
			continue
		}
		applied = append(applied, r)
	}
	c.ledger.ApplyResults(applied)
	return nil
}

// disable turns remote sync off for the rest of the process lifetime.
func (c *Client) disable(dir string, err error) {
	if !c.disabled.CompareAndSwap(false, true) {
		return
	}
	slog.Error("remotesync: remote config dir unavailable, remote sync disabled", "dir", dir, "err", err)
	c.alarms.Raise(alarm.RemoteSyncDisabled, fmt.Sprintf(
		"cannot create remote config dir %s, remote sync disabled: %v", dir, err))
}

func isAuthFailure(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden
}

func encodeRequestID(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeFile replaces path with data through a temporary file in the same
// directory, so a reader sees either nothing or the whole body.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
