package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-media-pipeline/internal/config"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/pkg/runner"
)

func main() {
	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		logger := log.Base()
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "pipeline-worker"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pipeline")
	}

	logger.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("storage_dir", cfg.Storage.Dir).
		Str("ledger", cfg.Ledger.Driver).
		Int("max_concurrent_runs", cfg.Processing.MaxConcurrentRuns).
		Int("cpu_workers", cfg.Processing.CPUWorkers).
		Bool("redis", cfg.Redis.URL != "").
		Msg("pipeline worker starting")

	serveErr := r.ListenAndServe(ctx)
	if serveErr != nil {
		logger.Error().Err(serveErr).Msg("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("pipeline shutdown incomplete")
	}
	logger.Info().Msg("pipeline worker exited")

	if serveErr != nil {
		os.Exit(1)
	}
}
