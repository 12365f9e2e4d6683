// Command server starts the CityPulse conversational gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/citypulse-my/citypulse/internal/adapter/ai/bedrock"
	blobs3 "github.com/citypulse-my/citypulse/internal/adapter/blob/s3"
	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/adapter/queue/redpanda"
	"github.com/citypulse-my/citypulse/internal/adapter/repo/postgres"
	"github.com/citypulse-my/citypulse/internal/adapter/retrieval"
	sessredis "github.com/citypulse-my/citypulse/internal/adapter/session/redis"
	"github.com/citypulse-my/citypulse/internal/adapter/tools"
	"github.com/citypulse-my/citypulse/internal/adapter/ws"
	"github.com/citypulse-my/citypulse/internal/app"
	"github.com/citypulse-my/citypulse/internal/config"
	"github.com/citypulse-my/citypulse/internal/kbseed"
	"github.com/citypulse-my/citypulse/internal/resilience"
	"github.com/citypulse-my/citypulse/internal/service/ratelimiter"
	"github.com/citypulse-my/citypulse/internal/usecase"
	"github.com/citypulse-my/citypulse/internal/workflow"
)

// redisPing adapts the go-redis client to the readiness Pinger shape.
type redisPing struct{ rdb *goredis.Client }

func (r redisPing) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("postgres pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	// Resilience fabric, fed by application config, exporting state
	// transitions as metrics.
	fabric := resilience.NewRegistry(resilience.RegistryConfig{
		Default: resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		},
		Analytics: resilience.BreakerConfig{
			FailureThreshold: cfg.AnalyticsFailureThreshold,
			RecoveryTimeout:  cfg.AnalyticsRecoveryTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		},
		Policy: resilience.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
			Jitter:      cfg.RetryJitter,
			Retryable:   resilience.DefaultRetryable,
		},
	})
	fabric.OnStateChange(func(name string, _, to resilience.State) {
		observability.BreakerState.WithLabelValues(name).Set(float64(to))
		slog.Warn("breaker state change", slog.String("service", name), slog.String("state", to.String()))
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Error("aws config", slog.Any("error", err))
		os.Exit(1)
	}
	runtime := bedrockruntime.NewFromConfig(awsCfg)
	model := bedrock.New(runtime, cfg, fabric)

	s3Client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})
	blobs := blobs3.New(s3Client, cfg.BlobBucket)

	var qdrant *retrieval.QdrantClient
	if cfg.QdrantURL != "" {
		qdrant = retrieval.NewQdrantClient(cfg.QdrantURL, cfg.QdrantAPIKey)
	}
	retriever := retrieval.New(retrieval.Options{
		Qdrant:      qdrant,
		Collection:  cfg.QdrantCollection,
		Embedder:    model,
		Blobs:       blobs,
		ChunkPrefix: cfg.ChunkPrefix,
		AllowMock:   cfg.MockRetrievalEnabled(),
	}, fabric)

	if cfg.KBSeedPath != "" {
		seeder := kbseed.New(model, qdrant, cfg.QdrantCollection, blobs, cfg.ChunkPrefix)
		if err := seeder.EnsureCollection(ctx); err != nil {
			slog.Error("kb collection setup failed", slog.Any("error", err))
		} else if err := seeder.SeedFile(ctx, cfg.KBSeedPath); err != nil {
			slog.Error("kb seed failed", slog.String("path", cfg.KBSeedPath), slog.Any("error", err))
		} else {
			slog.Info("knowledge base seeded", slog.String("path", cfg.KBSeedPath))
		}
	}

	registry, err := tools.LoadRegistry(cfg.ToolSchemaPath)
	if err != nil {
		slog.Error("tool registry", slog.Any("error", err))
		os.Exit(1)
	}
	invoker := tools.NewInvoker(registry, nil, fabric, model)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.AnalyticsTopic)
	if err != nil {
		slog.Error("analytics producer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()
	analytics := usecase.NewAnalyticsService(producer)

	sessions := sessredis.New(rdb, fabric, cfg.SessionTimeout, cfg.SessionTTLSafety)
	conversations := postgres.NewConversationRepo(pool)
	tickets := postgres.NewTicketRepo(pool)
	events := postgres.NewWorkflowEventRepo(pool)

	engine := workflow.NewEngine(
		workflow.NewModelClassifier(model),
		tickets, events, blobs, analytics,
		cfg.IncidentPrefix, cfg.TicketRetention,
	)

	general := usecase.NewGeneralPipeline(model, cfg.HistoryWindow, cfg.ModelMaxTokens)
	rag := usecase.NewRAGPipeline(model, retriever, general, cfg.RetrievalLimit, cfg.MinRelevanceScore, cfg.ContextLengthCap, cfg.ModelMaxTokens)
	tool := usecase.NewToolPipeline(model, invoker, general, analytics, cfg.ModelMaxTokens)
	set := usecase.NewPipelineSet(usecase.NewRouter(model), general, rag, tool)
	history := usecase.NewHistoryCache(conversations, cfg.ConversationCache)

	dispatcher := usecase.NewDispatcher(sessions, conversations, analytics, set, history, engine, cfg.PipelineDeadline)
	if limiter := ratelimiter.NewPerMinute(rdb, cfg.SessionRatePerMin); limiter != nil {
		dispatcher.SetRateLimiter(limiter)
	}

	ready := app.NewReadinessChecker(cfg, pool, redisPing{rdb})
	gateway := ws.NewGateway(dispatcher, app.ParseOrigins(cfg.CORSAllowOrigins), func() map[string]any {
		status, healthy := ready.Status(context.Background())
		return map[string]any{
			"healthy":  healthy,
			"checks":   status,
			"breakers": fabric.Stats(),
		}
	})

	// Background loops: session sweeping and Postgres retention.
	sweeper := app.NewSessionSweeper(sessions, cfg.SweepInterval, cfg.SweepDeadline)
	go sweeper.Run(ctx)
	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	handler := app.BuildRouter(cfg, gateway, ready)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", slog.Any("error", err))
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if err := producer.Flush(flushCtx); err != nil {
		slog.Warn("analytics flush on shutdown failed", slog.Any("error", err))
	}
}
