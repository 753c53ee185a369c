/**
 * OCR Orchestrator Worker - Main Entry Point
 *
 * Runs the HTTP API and the job runner for multi-engine OCR.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed "ocr:run-job" queue
 * - In-process scheduling when Redis is not configured
 * - PostgreSQL persistence, or an in-memory store in OCR-only mode
 * - MinIO for source pages and PAGE-XML / ALTO-XML exports
 *
 * Providers:
 * 1. Tesseract - local engine, default for printed material
 * 2. HTR - self-hosted handwriting service behind the gateway
 * 3. Multilingual - self-hosted server, simulated when unreachable
 * 4. Cloud API - only with per-job cloud consent, always audited
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-orchestrator/internal/api"
	"github.com/adverant/nexus/ocr-orchestrator/internal/audit"
	"github.com/adverant/nexus/ocr-orchestrator/internal/clients"
	"github.com/adverant/nexus/ocr-orchestrator/internal/config"
	"github.com/adverant/nexus/ocr-orchestrator/internal/events"
	"github.com/adverant/nexus/ocr-orchestrator/internal/groundtruth"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/queue"
	"github.com/adverant/nexus/ocr-orchestrator/internal/quota"
	"github.com/adverant/nexus/ocr-orchestrator/internal/registry"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	if err := run(cfg); err != nil {
		logging.NewLogger("Worker").Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := logging.NewLogger("Worker")
	logger.Info("OCR orchestrator starting",
		"ocrOnly", cfg.OCROnly(),
		"queue", cfg.RedisURL != "",
		"workers", cfg.WorkerConcurrency,
		"pageConcurrency", cfg.PageConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}

	// Relational store
	var store storage.Store
	if cfg.OCROnly() {
		logger.Warn("DATABASE_URL not set, running OCR-only with an in-memory store")
		store = storage.NewMemoryStore()
	} else {
		pg, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		checks["postgres"] = pg.Ping
		store = pg
	}
	defer store.Close()

	// Object storage
	objects, err := storage.NewObjectStore(ctx, storage.ObjectStoreConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	if !objects.Enabled() {
		logger.Warn("MINIO_ENDPOINT not set, s3:// sources and XML exports are unavailable")
	}

	reg := registry.New(store, cfg.ConfigCacheTTL)

	// Providers
	gateway := clients.NewGatewayClient(cfg.GatewayURL, cfg.GatewaySigningKey, cfg.ProviderTimeout)
	checks["gateway"] = gateway.HealthCheck
	engines := providers.NewEngineManager(nil)
	defer engines.Close()

	htr := providers.NewHTRProvider(gateway, reg,
		clients.NewTaskPoller(models.ProviderHTR, cfg.HTRPollInterval, cfg.HTRMaxPollAttempts))
	multilingual := clients.NewMultilingualClient(cfg.MultilingualURL,
		cfg.ProviderTimeout, cfg.HealthProbeTimeout, cfg.HealthCacheTTL)

	set := providers.NewSet(
		providers.NewTesseractProvider(engines, cfg.TesseractLanguages),
		providers.NewCloudProvider(gateway, reg,
			clients.NewTaskPoller(models.ProviderCloudAPI, cfg.HTRPollInterval, cfg.HTRMaxPollAttempts)),
		htr,
		providers.NewMultilingualProvider(multilingual),
	)
	logger.Info("Providers registered", "providers", set.Names())

	// Redis-backed quotas and events; the store counts daily usage otherwise
	var daily quota.DailyCounter = quota.NewStoreDailyCounter(store)
	var publisher events.Publisher = events.Nop{}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()

		daily = quota.NewRedisDailyCounter(rdb, cfg.QueueName)
		publisher = events.NewRedisPublisher(rdb, cfg.QueueName)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	recorder := audit.NewRecorder(store)
	orch := orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Providers: set,
		Registry:  reg,
		Sources:   objects,
		Artifacts: objects,
		Quota:     quota.NewGuard(quota.NewLimiter(), daily),
		Audit:     recorder,
		Events:    publisher,
	}, orchestrator.Config{
		PageConcurrency:    cfg.PageConcurrency,
		ProviderTimeout:    cfg.ProviderTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
	})

	// Job execution
	var scheduler orchestrator.Scheduler
	var consumer *queue.Consumer
	var inline *orchestrator.InlineScheduler
	mode := "inline"

	if rdb != nil {
		enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.ProcessingTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize enqueuer: %w", err)
		}
		defer enqueuer.Close()

		consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Runner:            orch,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		scheduler = enqueuer
		mode = "queue"
	} else {
		logger.Warn("REDIS_URL not set, jobs run in-process")
		inline = orchestrator.NewInlineScheduler(orch, cfg.ProcessingTimeout)
		scheduler = inline
	}

	corrections := groundtruth.NewService(store, objects, map[string]providers.Trainer{
		models.ProviderHTR: htr,
	})

	// HTTP API
	handler := api.NewHandler(api.Dependencies{
		Orchestrator: orch,
		Scheduler:    scheduler,
		Registry:     reg,
		GroundTruth:  corrections,
		Audit:        recorder,
		Providers:    set,
		HealthChecks: checks,
		Mode:         mode,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.HTTPAddr, "mode", mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Info("OCR orchestrator is ready")

	// Wait for shutdown signal or a server failure
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	}
	if inline != nil {
		inline.Stop()
	}

	logger.Info("Shutdown complete", "auditWriteFailures", recorder.FailedWrites())
	return nil
}
