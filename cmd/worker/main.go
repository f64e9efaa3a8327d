/**
 * Handprint Worker - Main Entry Point
 *
 * Consumes recognition tasks from the Redis queue and runs them through the
 * handprint pipeline:
 * - input resolution (queued buffer or URL download)
 * - per-service image normalization
 * - concurrent dispatch to the configured HTR/OCR services
 * - optional comparison against ground truth (CER)
 *
 * Run status is published on Redis for the submitting client and, when
 * DATABASE_URL is set, reports are persisted in PostgreSQL.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/compare"
	"github.com/adverant/nexus/handprint-worker/internal/config"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/normalize"
	"github.com/adverant/nexus/handprint-worker/internal/processor"
	"github.com/adverant/nexus/handprint-worker/internal/queue"
	"github.com/adverant/nexus/handprint-worker/internal/storage"
)

const healthInterval = time.Minute

func main() {
	envErr := godotenv.Load(".env")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	logger := logging.NewLogger("worker")
	if envErr != nil {
		logger.Debug(".env not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Handprint worker starting",
		"queue", cfg.QueueName,
		"concurrency", cfg.Concurrency,
		"postgres", cfg.DatabaseURL != "")

	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	logger.Info("Services available", "services", registry.Names())

	var resultCache cache.Client
	if rc, err := cache.NewRedisClient(cfg.RedisURL, cfg.QueueName+":cache:"); err != nil {
		logger.Warn("Redis cache unavailable, using memory cache", "error", err)
		resultCache = cache.NewMemoryClient()
	} else {
		resultCache = rc
	}
	defer resultCache.Close()

	events, err := queue.NewRunEvents(ctx, cfg.RedisURL, cfg.QueueName)
	if err != nil {
		return err
	}
	defer events.Close()

	pc := &processor.ProcessorConfig{
		Registry:    registry,
		Resolver:    input.NewResolver(nil, input.DefaultResolverConfig()),
		Normalizer:  normalize.NewNormalizer(cfg.MinDimension),
		Comparator:  compare.New(compare.Options{Threshold: cfg.CompareThreshold, Window: cfg.CompareWindow}),
		Concurrency: cfg.Concurrency,
		Cache:       resultCache,
		CacheTTL:    cfg.CacheTTL,
		Events:      events,
		Timeout:     cfg.ProcessingTimeout,
	}

	var store *storage.StorageManager
	if cfg.DatabaseURL != "" {
		store, err = storage.NewStorageManager(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		defer store.Close()
		pc.Store = store
		logger.Info("Storage manager initialized")
	}

	proc, err := processor.NewDocumentProcessor(pc)
	if err != nil {
		return fmt.Errorf("failed to initialize document processor: %w", err)
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.Concurrency,
		Processor:         proc,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	logger.Info("Waiting for tasks", "queue", cfg.QueueName)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, draining tasks")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := consumer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping queue consumer", "error", err)
			}
			logger.Info("Shutdown complete")
			return nil
		case <-ticker.C:
			if err := healthCheck(ctx, events, store); err != nil {
				logger.Warn("Health check failed", "error", err)
				continue
			}
			stats, _ := events.GetStats(ctx)
			logger.Debug("Health check passed",
				"consumer", consumer.GetStatistics(),
				"runs", stats)
		}
	}
}

// healthCheck verifies that Redis and, when configured, PostgreSQL respond.
func healthCheck(ctx context.Context, events *queue.RunEvents, store *storage.StorageManager) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := events.GetStats(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if store != nil {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}
	return nil
}
