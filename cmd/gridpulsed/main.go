package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/graph"
	"github.com/gridpulse/gridpulse/internal/pipeline"
	"github.com/gridpulse/gridpulse/internal/telemetry"
	"github.com/gridpulse/gridpulse/internal/ws"
)

const wsBroadcastInterval = time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	standard := flag.Bool("standard-formulas", true, "derive grid/producer/battery/consumer formulas from the graph")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("gridpulsed starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"tick_period", cfg.Pipeline.TickPeriod,
		"graph_provider", cfg.Graph.Provider,
		"http_port", cfg.Server.HTTPPort,
		"formulas", len(cfg.Formulas),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SIGHUP re-fetches the component graph and rebuilds the pipeline from
	// scratch: new DAG, new resamplers, new registry. In-flight subscribers
	// reconnect to the fresh hub.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		again, err := run(ctx, reload, cfg, *configPath, *standard)
		if err != nil {
			slog.Error("gridpulsed failed", "err", err)
			os.Exit(1)
		}
		if !again {
			return
		}
		slog.Info("reloading component graph")
	}
}

// run bootstraps one pipeline generation and serves it until shutdown or a
// graph reload request. It returns true when the caller should re-bootstrap.
func run(ctx context.Context, reload <-chan os.Signal, cfg *config.Config, configPath string, standard bool) (bool, error) {
	var provider graph.Provider
	switch cfg.Graph.Provider {
	case "http":
		provider = graph.HTTPProvider{Endpoint: cfg.Graph.Endpoint}
	default:
		provider = graph.FileProvider{Path: cfg.Graph.Path}
	}
	g, err := provider.Fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch component graph: %w", err)
	}
	slog.Info("component graph loaded", "components", g.Len(), "grid", g.Grid())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	source := telemetry.NewPromSource(cfg.Telemetry)
	p := pipeline.New(cfg, g, source)
	if err := p.Start(runCtx); err != nil {
		return false, fmt.Errorf("pipeline start: %w", err)
	}
	if standard {
		if err := p.RegisterStandardFormulas(runCtx); err != nil {
			slog.Warn("standard formulas not registered", "err", err)
		}
	}

	// Pick up formulas appended to the config file without a restart.
	go func() {
		if err := config.Watch(runCtx, configPath, func(next *config.Config) {
			p.ApplyFormulas(runCtx, next.Formulas)
		}); err != nil {
			slog.Error("config watch stopped", "err", err)
		}
	}()

	// WebSocket hub — broadcasts the latest formula outputs to clients.
	hub := ws.New(p.Registry(), wsBroadcastInterval)
	go hub.Run(runCtx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/ws/outputs", hub)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Health()) //nolint:errcheck
	})
	httpMux.HandleFunc("/outputs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Registry().Snapshot()) //nolint:errcheck
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpMux,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	var again bool
	select {
	case <-ctx.Done():
		slog.Info("gridpulsed shutting down")
	case <-reload:
		again = true
	}
	stop()

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shCancel()
	if err := p.Shutdown(shCtx); err != nil {
		slog.Error("pipeline shutdown incomplete", "err", err)
	}
	httpSrv.Shutdown(shCtx) //nolint:errcheck
	return again, nil
}
