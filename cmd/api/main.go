package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"readings-pipeline/internal/api"
	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/autoscale"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/ratelimit"
	"readings-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

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

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	bands, err := autoscale.ParseBands(cfg.AutoscaleBands)
	if err != nil {
		logger.Error("parse autoscale bands", "error", err)
		os.Exit(1)
	}
	scaler := autoscale.New(queue, &autoscale.LogScaler{Logger: logger}, bands, cfg.AutoscaleCeiling, cfg.AutoscaleInterval, logger)
	go scaler.Run(ctx)

	go retentionLoop(ctx, queue, cfg.RetentionAge, logger)

	server := api.New(cfg, queue, artifacts, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// retentionLoop deletes terminal jobs older than the retention age once a day.
func retentionLoop(ctx context.Context, queue store.Queue, age time.Duration, logger *slog.Logger) {
	if age <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.DeleteJobsOlderThan(ctx, age)
			if err != nil {
				logger.Error("retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("retention cleanup", "jobs_deleted", n)
			}
		}
	}
}

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	if cfg.ArtifactBucket != "" {
		return artifact.NewS3(ctx, cfg)
	}
	return artifact.NewLocal(cfg.ArtifactLocalDir), nil
}
