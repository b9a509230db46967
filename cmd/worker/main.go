package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/producer"
	"readings-pipeline/internal/store"
	"readings-pipeline/internal/telemetry"
	"readings-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	queue, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	if err := queue.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	var artifacts artifact.Store
	if cfg.ArtifactBucket != "" {
		artifacts, err = artifact.NewS3(ctx, cfg)
		if err != nil {
			logger.Error("init artifact store", "error", err)
			os.Exit(1)
		}
	} else {
		artifacts = artifact.NewLocal(cfg.ArtifactLocalDir)
	}

	producerURL := os.Getenv("PRODUCER_BASE_URL")
	if producerURL == "" {
		producerURL = "http://localhost:8090"
	}
	client := producer.NewHTTPClient(producerURL, 2*time.Minute)

	w := worker.New(cfg, queue, artifacts, logger)
	worker.NewHandlers(cfg, artifacts, client, client, client, client).Register(w)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", w.ID(),
		"task_types", cfg.TaskTypes,
		"max_concurrent", cfg.MaxConcurrentTasks,
		"heartbeat_timeout_seconds", cfg.HeartbeatTimeout)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}
