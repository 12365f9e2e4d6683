// Command worker consumes the analytics event stream and persists it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/adapter/queue/redpanda"
	"github.com/citypulse-my/citypulse/internal/adapter/repo/postgres"
	"github.com/citypulse-my/citypulse/internal/config"
)

const consumerGroup = "citypulse-analytics"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("postgres pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.NewAnalyticsRepo(pool)
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, consumerGroup, cfg.AnalyticsTopic, repo)
	if err != nil {
		slog.Error("analytics consumer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
