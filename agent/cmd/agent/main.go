package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/config"
	"github.com/loghaven/loghaven/agent/internal/coordinator"
	"github.com/loghaven/loghaven/agent/internal/dispatch"
	"github.com/loghaven/loghaven/agent/internal/manager"
	"github.com/loghaven/loghaven/agent/internal/matcher"
	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/pipeline"
	"github.com/loghaven/loghaven/agent/internal/remotesync"
	"github.com/loghaven/loghaven/agent/internal/serviceclient"
	"github.com/loghaven/loghaven/agent/internal/store"
	"github.com/loghaven/loghaven/agent/internal/transport"
	"github.com/loghaven/loghaven/pkg/ledger"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("loghaven-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	a := cfg.Agent
	if lvl, err := config.ParseLevel(a.LogLevel); err == nil {
		level.Set(lvl)
	}
	if a.InstanceID == "" {
		a.InstanceID = uuid.NewString()
	}
	slog.Info("config loaded",
		"instance_id", a.InstanceID,
		"local_config_dir", a.LocalConfigDir,
		"remote_config_dir", a.RemoteConfigDir,
		"config_servers", len(a.ConfigServer.Addresses),
		"config_update_interval", a.ConfigUpdateInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	var sink alarm.Sink
	if len(a.AlarmWebhooks) > 0 {
		hooks := make([]alarm.Webhook, 0, len(a.AlarmWebhooks))
		for _, wh := range a.AlarmWebhooks {
			hooks = append(hooks, alarm.Webhook{Type: wh.Type, URL: wh.URL()})
		}
		sink = alarm.WebhookSink(a.InstanceID, hooks, nil)
	}
	alarms := alarm.New(a.AlarmBufferSize, a.AlarmRate, m, sink)

	st := store.New()
	l := ledger.New()

	disp, err := dispatch.New(m)
	if err != nil {
		slog.Error("failed to start file watcher", "err", err)
		os.Exit(1)
	}
	defer disp.Close()

	router := dispatch.NewRouter(disp, m, func(ev dispatch.Event, c *pipeline.Config) {
		slog.Debug("file event", "path", ev.Path(), "op", ev.Op.String(), "config", c.Name)
	})
	mt := matcher.New(st, disp, router, alarms, m, matcher.Options{
		RegisterTimeout:          a.RegisterTimeout,
		MultiConfigAlarmInterval: a.MultiConfigAlarmInterval,
		MaxMultiConfigSize:       a.MaxMultiConfigSize,
	})
	router.Attach(mt)

	deps := manager.Deps{Store: st, Matcher: mt, Ledger: l, Alarms: alarms, Metrics: m}
	if a.ConfigServer.Enabled() {
		id := serviceclient.LocalIdentity(a.InstanceID, a.ConfigServer.Tags, a.ConfigUpdateInterval)
		sc, err := serviceclient.New(a.ConfigServer, id, st)
		if err != nil {
			slog.Error("failed to build service client", "err", err)
			os.Exit(1)
		}
		if err := sc.Init(ctx); err != nil {
			slog.Error("failed to initialise service client", "err", err)
			os.Exit(1)
		}
		tr, err := transport.New(a.ConfigServer.TLS)
		if err != nil {
			slog.Error("failed to build transport", "err", err)
			os.Exit(1)
		}
		for _, addr := range a.ConfigServer.Addresses {
			logCert(tr.CheckCert(ctx, addr))
		}
		deps.Service = sc
		deps.Remote = remotesync.New(tr, sc, l, alarms, m, remotesync.Options{
			AgentID:        a.InstanceID,
			Addresses:      a.ConfigServer.Addresses,
			RemoteDir:      a.RemoteConfigDir,
			RequestTimeout: a.ConfigServer.RequestTimeout,
		})
	}

	mgr := manager.New(deps, manager.Options{
		UserConfigPath:  a.UserConfigPath,
		LocalConfigDir:  a.LocalConfigDir,
		RemoteConfigDir: a.RemoteConfigDir,
		FileTagsPath:    a.FileTagsPath,
		DefaultMaxDepth: a.DefaultMaxDepth,
	})
	if !mgr.LoadAllConfig() {
		slog.Warn("no pipeline configs loaded, waiting for changes")
	}

	coord := coordinator.New(coordinator.Options{
		ConfigUpdateInterval:   a.ConfigUpdateInterval,
		FileTagsUpdateInterval: a.FileTagsUpdateInterval,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		alarms.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return coord.RunChecker(ctx, mgr)
	})
	g.Go(func() error {
		return disp.Run(ctx, a.DispatchInterval, func() {
			coord.Dispatch(ctx, mgr)
		})
	})

	// Hot-reload applies the log level; other changes need a restart.
	g.Go(func() error {
		err := config.Watch(ctx, *configPath, config.DefaultWatchSettle, func(prev, next *config.Config) {
			if keys := config.RestartRequired(prev, next); len(keys) > 0 {
				slog.Warn("config changes need a restart", "keys", keys)
			}
			if prev.Agent.LogLevel == next.Agent.LogLevel {
				return
			}
			lvl, err := config.ParseLevel(next.Agent.LogLevel)
			if err != nil {
				return
			}
			level.Set(lvl)
			slog.Info("log level updated", "level", lvl)
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
		return nil
	})

	if a.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: a.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", a.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	err = g.Wait()
	if summary, serr := m.Summary(); serr == nil {
		slog.Info("final metrics", "metrics", summary)
	}
	if a.MetricsTextfile != "" {
		if werr := writeTextfile(a.MetricsTextfile, m); werr != nil {
			slog.Warn("failed to write metrics textfile", "path", a.MetricsTextfile, "err", werr)
		}
	}
	if err != nil {
		slog.Error("loghaven-agent stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("loghaven-agent shutting down")
}

// writeTextfile replaces path with the current exposition so a textfile
// collector never reads a partial file.
func writeTextfile(path string, m *metrics.Metrics) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	if err := m.WriteText(tmp); err != nil {
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

func logCert(cs transport.CertStatus) {
	switch cs.Status {
	case transport.CertPlaintext:
	case transport.CertValid:
		slog.Info("config server certificate", "addr", cs.Addr, "days_left", cs.DaysLeft, "issuer", cs.Issuer)
	case transport.CertUnreachable:
		slog.Warn("config server certificate not checked", "addr", cs.Addr, "err", cs.Err)
	default:
		slog.Warn("config server certificate "+cs.Status, "addr", cs.Addr, "days_left", cs.DaysLeft, "not_after", cs.NotAfter)
	}
}
