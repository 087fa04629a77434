// Package main is the entry point for the payrun workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/backend"
	"github.com/hrsuite/payrun/internal/calculation"
	"github.com/hrsuite/payrun/internal/config"
	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/internal/period"
	"github.com/hrsuite/payrun/internal/transport"
	"github.com/hrsuite/payrun/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "payrun", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Backend client and period catalog.
	client := backend.New(cfg.Backend, logger, metrics)
	catalog := period.NewCatalog(client, cfg.Periods.CacheTTL, metrics)

	// Workflow state and calculation pipeline.
	store := workflow.NewStatusStore(client, logger, metrics)
	hub := calculation.NewHub()
	engine := calculation.NewFallbackEngine(client, store, hub, logger, metrics,
		cfg.Calculation.EntryPageSize, cfg.Calculation.MaxReportedErrors)
	poller := calculation.NewPollerManager(client, store, hub, logger, metrics,
		cfg.Calculation.PollInterval)
	dispatcher := calculation.NewDispatcher(client, engine, poller, hub, logger, metrics)
	orchestrator := workflow.NewOrchestrator(client, catalog, store, dispatcher,
		logger, metrics, cfg.Calculation.MaxReportedErrors)

	// Warm the summary cache on the collaborator once a watched task lands.
	poller.OnCompleted(func(ctx context.Context, runID string) {
		if _, err := orchestrator.Summary(ctx, runID); err != nil {
			logger.Warn("summary reload after calculation failed",
				zap.String("run_id", runID), zap.Error(err))
		}
	})

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Orchestrator: orchestrator,
		Catalog:      catalog,
		Hub:          hub,
		Backend:      client,
		Metrics:      metrics,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("backend", cfg.Backend.BaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Drain background pollers before flushing telemetry.
	poller.Stop()

	if tracingShutdown != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := tracingShutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return 0
}
