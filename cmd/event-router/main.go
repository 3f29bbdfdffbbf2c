package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/crypto"
	"github.com/coopernetes/github-event-router/pkg/engine"
	"github.com/coopernetes/github-event-router/pkg/ingest"
	"github.com/coopernetes/github-event-router/pkg/queue"
	"github.com/coopernetes/github-event-router/pkg/retry"
	"github.com/coopernetes/github-event-router/pkg/server"
	"github.com/coopernetes/github-event-router/pkg/store"
	"github.com/coopernetes/github-event-router/pkg/telemetry"
	"github.com/coopernetes/github-event-router/pkg/transport"
)

const shutdownGrace = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/event-router")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Validate the configuration
	err = cfg.Validate()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger := telemetry.NewLogger(cfg.Monitoring, cfg.Observability.ServiceName)

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Store)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}
	defer repo.Close(context.Background())

	encryptor, err := crypto.NewEncryptor(cfg.Store.MasterEncryptionSecret)
	if err != nil {
		log.Fatal("Failed to initialize encryptor: ", err)
	}

	// Initialize the fan-out queue
	q, err := queue.NewQueue(ctx, &cfg.Queue)
	if err != nil {
		log.Fatal("Failed to initialize queue: ", err)
	}
	defer q.Close()

	cache := store.NewSubscriberCache(repo, 0)
	transports := transport.NewRegistry(cfg.Delivery)
	defer transports.Close()

	policy := retry.NewPolicy(cfg.Retry)
	backoff := retry.NewBackoff(cfg.Retry)

	deliveryEngine := engine.NewDeliveryEngine(
		repo, cache, transports, policy, backoff, encryptor,
		cfg.Queue.DeadLetterThreshold, logger)

	hub := engine.NewCompletionHub()

	pool := engine.NewWorkerPool(q, repo, deliveryEngine, hub, cfg.Processing.WorkerCount, logger)
	pool.Start(ctx)

	scheduler := retry.NewScheduler(repo, deliveryEngine, cfg.Processing.ProcessingInterval, cfg.Processing.BatchSize, logger)
	scheduler.Start(ctx)

	validator, err := ingest.NewValidator(cfg.Ingest, cfg.Security)
	if err != nil {
		log.Fatal("Invalid security configuration: ", err)
	}
	receiver := ingest.NewReceiver(validator, repo, q, encryptor, hub, logger)

	srv := server.New(cfg, receiver, repo, q, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	scheduler.Stop()
	pool.Stop(shutdownGrace)
	cancel()
}
