package serviceclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/loghaven/loghaven/agent/internal/config"
	"github.com/loghaven/loghaven/agent/internal/store"
	"github.com/loghaven/loghaven/agent/internal/transport"
	"github.com/loghaven/loghaven/pkg/protocol"
)

// Provider names accepted by New.
const (
	ProviderDefault = "default"
	ProviderHMAC    = "hmac"
)

// AgentType is reported in every heartbeat.
const AgentType = "loghaven"

// ServiceClient prepares authenticated requests for the configuration server.
type ServiceClient interface {
	Init(ctx context.Context) error
	FlushCredential(ctx context.Context) bool
	SignHeader(req *transport.Request)
	SendMetadata(ctx context.Context)
	HeartbeatRequest(addr, requestID string, versions map[string]int64) *transport.Request
}

// Identity describes the running agent.
type Identity struct {
	AgentID     string
	Hostname    string
	IP          string
	Tags        []string
	StartupTime time.Time
	Interval    time.Duration
}

// LocalIdentity fills Hostname and IP from the host.
func LocalIdentity(agentID string, tags []string, interval time.Duration) Identity {
	host, err := os.Hostname()
	if err != nil {
		slog.Warn("serviceclient: hostname unavailable", "err", err)
	}
	return Identity{
		AgentID:     agentID,
		Hostname:    host,
		IP:          firstIPv4(),
		Tags:        tags,
		StartupTime: time.Now(),
		Interval:    interval,
	}
}

// New returns the strategy named by cfg.Provider. The hmac strategy keeps its
// access key in s.
func New(cfg config.ConfigServerConfig, id Identity, s *store.Store) (ServiceClient, error) {
	b := base{cfg: cfg, id: id}
	switch cfg.Provider {
	case ProviderDefault, "":
		return &apiKeyClient{base: b}, nil
	case ProviderHMAC:
		return &hmacClient{base: b, store: s, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("serviceclient: unknown provider %q", cfg.Provider)
	}
}

// base holds what every strategy shares.
type base struct {
	cfg config.ConfigServerConfig
	id  Identity
}

func (b *base) HeartbeatRequest(addr, requestID string, versions map[string]int64) *transport.Request {
	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	sort.Strings(names)

	hb := protocol.HeartbeatRequest{
		RequestID:     requestID,
		AgentID:       b.id.AgentID,
		AgentType:     AgentType,
		Hostname:      b.id.Hostname,
		IP:            b.id.IP,
		Tags:          b.id.Tags,
		RunningStatus: "running",
		StartupTime:   b.id.StartupTime.Unix(),
		Interval:      int32(b.id.Interval / time.Second),
	}
	for _, name := range names {
		hb.PipelineConfigs = append(hb.PipelineConfigs, protocol.ConfigInfo{Name: name, Version: versions[name]})
	}

	req := &transport.Request{
		Method:  http.MethodPost,
		Addr:    addr,
		Path:    protocol.HeartbeatPath,
		Body:    hb.Marshal(),
		Timeout: b.cfg.RequestTimeout,
	}
	req.SetHeader("Content-Type", protocol.ContentType)
	return req
}

func (b *base) SendMetadata(ctx context.Context) {
	slog.Info("serviceclient: agent metadata",
		"agent_id", b.id.AgentID,
		"agent_type", AgentType,
		"hostname", b.id.Hostname,
		"ip", b.id.IP,
		"tags", b.id.Tags,
		"provider", b.cfg.Provider,
		"addresses", b.cfg.Addresses,
	)
}

// firstIPv4 returns the first non-loopback IPv4 address of the host.
func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
