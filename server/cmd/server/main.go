package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loghaven/loghaven/server/internal/api"
	"github.com/loghaven/loghaven/server/internal/auth"
	"github.com/loghaven/loghaven/server/internal/config"
	"github.com/loghaven/loghaven/server/internal/store"
	"github.com/loghaven/loghaven/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "server.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("loghaven-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		slog.Warn("invalid log level, keeping info", "level", cfg.Server.LogLevel)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"pipelines_dir", cfg.Server.PipelinesDir,
		"agent_ttl", cfg.Server.AgentTTL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New(cfg.Server.PipelinesDir, cfg.Server.AgentTTL)
	if cfg.Server.StateFile != "" {
		if err := st.LoadState(cfg.Server.StateFile); err != nil {
			slog.Error("failed to load version state", "path", cfg.Server.StateFile, "err", err)
			os.Exit(1)
		}
	}
	if _, err := st.Reload(); err != nil {
		slog.Error("failed to load pipelines", "dir", cfg.Server.PipelinesDir, "err", err)
		os.Exit(1)
	}
	slog.Info("pipelines loaded", "count", len(st.Pipelines()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Fleet view pushed to dashboards every 5 seconds.
	hub := ws.New(st, 5*time.Second)

	// Agent protocol, REST API and WebSocket hub share the port; /metrics is
	// not authenticated.
	authn := auth.Middleware(cfg.Server.Auth)
	mux := http.NewServeMux()
	mux.Handle("/", authn(api.New(st, reg)))
	mux.Handle("/ws/fleet", authn(hub))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.Run(ctx, cfg.Server.ReloadInterval)
	})
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("loghaven-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("loghaven-server shutting down")
}
