// Package main provides the indexer worker entry point. The worker
// consumes ingestion messages from RabbitMQ and indexes document
// chunks into Qdrant through the batch engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/embedding"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/doc-indexer/internal/app"
	"github.com/fairyhunter13/doc-indexer/internal/batch"
	"github.com/fairyhunter13/doc-indexer/internal/broker"
	"github.com/fairyhunter13/doc-indexer/internal/config"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/metrics"
	"github.com/fairyhunter13/doc-indexer/internal/mlservice"
	"github.com/fairyhunter13/doc-indexer/internal/observability"
	"github.com/fairyhunter13/doc-indexer/internal/resource"
	"github.com/fairyhunter13/doc-indexer/internal/retry"
	"github.com/fairyhunter13/doc-indexer/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	observability.InitMetrics(registry)
	sink := observability.NewPromSink(registry)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting indexer", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Vector store
	store := qdrant.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantRequestTimeout)
	if err := store.EnsureCollection(ctx, cfg.QdrantCollection, cfg.QdrantVectorSize, cfg.QdrantDistance); err != nil {
		slog.Error("qdrant collection bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Embeddings / annotation client
	embedClient, err := embedding.New(embedding.Config{
		BaseURL:         cfg.OpenAIBaseURL,
		APIKey:          cfg.OpenAIAPIKey,
		EmbeddingsModel: cfg.EmbeddingsModel,
		AnnotateModel:   cfg.AnnotateModel,
		CacheSize:       cfg.EmbedCacheSize,
		Timeout:         cfg.OpenAITimeout,
		RetryMaxElapsed: cfg.OpenAIRetryMaxElapsed,
	})
	if err != nil {
		slog.Error("embedding client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Resource manager and metrics collector
	resources := resource.NewManager(cfg.ResourceLimits(), nil)
	slog.Info("resource limits applied",
		slog.String("device", resources.Device()),
		slog.Float64("max_memory_mb", cfg.MLMaxMemoryMB))
	collector := metrics.NewCollector(0, sink)

	// ML service with model cache
	modelCache := mlservice.NewModelCache(cfg.CacheConfig(), resources, sink)
	svc := mlservice.NewService(
		func() (mlservice.Params, error) { return cfg.MLParams(), nil },
		embedding.Factory{Client: embedClient},
		modelCache,
		resources,
	)
	if err := svc.Initialize(ctx); err != nil {
		slog.Error("ml service init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Cleanup()

	// Batch engine with retry orchestrator for recoverable rejections
	policy, err := cfg.RetryPolicy()
	if err != nil {
		slog.Error("retry policy invalid", slog.Any("error", err))
		os.Exit(1)
	}
	retrier := retry.New[domain.Chunk](policy,
		retry.WithRetryable[domain.Chunk](domain.IsRetryable),
		retry.WithProgress[domain.Chunk](func(success bool) {
			status := "success"
			if !success {
				status = "error"
			}
			observability.RetryAttemptsTotal.WithLabelValues(status).Inc()
		}),
	)
	engine := batch.NewEngine(cfg.BatchConfig(), store, svc, collector, retrier)

	// Broker connection pool with health monitoring
	mgr := broker.NewManager(cfg.BrokerConfig(), &rabbitmq.Broker{Confirms: cfg.RabbitMQPublisherConfirms}, sink)
	mgr.Start(ctx)
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Error("broker pool close failed", slog.Any("error", err))
		}
	}()

	// Metrics and health endpoint
	readiness := app.Readiness{Store: store, Service: svc, Broker: mgr}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", readiness.Handler())
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	// Ingestion consumer, gated on memory headroom and the rolling
	// insert success rate.
	gate := validation.NewResourceAwareValidator(validation.ResourceAwareParams{
		Operation:              "batch_insert",
		RequiredMB:             cfg.MLModelMemoryMB,
		MinSuccessRate:         0.1,
		MaxConsecutiveFailures: 10,
	}, resources, collector)
	consumer := app.NewConsumer(mgr, engine, app.Topology{
		Exchange:   cfg.RabbitMQIngestExchange,
		Queue:      cfg.RabbitMQIngestQueue,
		RoutingKey: cfg.RabbitMQIngestRoutingKey,
	}).WithGate(gate)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	slog.Info("indexer started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("indexer stopped")
}
