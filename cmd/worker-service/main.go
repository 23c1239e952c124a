package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/haruki121731-del/Lore-Anchor1/internal/config"
	"github.com/haruki121731-del/Lore-Anchor1/internal/health"
	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/embed"
	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/perturb"
	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/sign"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/storage"
	"github.com/haruki121731-del/Lore-Anchor1/shared/blobstore"
	"github.com/haruki121731-del/Lore-Anchor1/shared/logger"
	"github.com/haruki121731-del/Lore-Anchor1/shared/postgresql"
	"github.com/haruki121731-del/Lore-Anchor1/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting protection worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize the object store for original and protected image bytes
	store, err := initObjectStore(&cfg.ObjectStore, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Build the protection pipeline
	orchestrator := buildPipeline(cfg, store, appLogger.Logger)

	// Create worker instance
	stateStore := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Store:         stateStore,
		RabbitClient:  rabbitClient,
		Pipeline:      orchestrator,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		QueueName:     cfg.RabbitMQ.Queue.Name,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Start health server if configured
	var healthServer *health.Server
	if cfg.Health.Port > 0 {
		healthServer = health.NewServer(cfg.Health.Port, appLogger.Logger, dbClient, rabbitClient)
		go func() {
			if err := healthServer.Start(); err != nil {
				appLogger.Error("Health server error",
					slog.Any("error", err),
				)
			}
		}()
	}

	appLogger.Info("Protection worker service started successfully",
		slog.String("worker_id", workerInstance.WorkerID()),
		slog.String("queue", cfg.RabbitMQ.Queue.Name),
		slog.String("routing_key", cfg.RabbitMQ.RoutingKey),
		slog.Float64("verification_threshold", cfg.Protection.VerificationThreshold),
		slog.Int("perturbation_strength", cfg.Protection.PerturbationStrength),
		slog.Int("perturbation_iterations", cfg.Protection.PerturbationIterations),
		slog.Bool("fallback_enabled", cfg.Protection.FallbackEnabled),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop worker, letting in-flight jobs finish
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Health server shutdown error",
				slog.Any("error", err),
			)
		}
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Protection worker service shutdown complete")
	return nil
}

// buildPipeline wires the capability modules and fallback chain from
// configuration. Each primary is probed at startup so operators see the
// effective capability set in the logs before the first job arrives.
func buildPipeline(cfg *config.Config, store blobstore.ObjectStore, log *slog.Logger) *pipeline.Orchestrator {
	seal := embed.NewSeal(cfg.Protection.EmbedWeightsPath, log)
	lsb := embed.NewLSB(log)

	epsilon := float64(cfg.Protection.PerturbationStrength)
	texture := perturb.NewTexture(
		cfg.Protection.PerturbTexturePath,
		epsilon,
		cfg.Protection.PerturbationIterations,
		log,
	)
	freq := perturb.NewFreq(
		epsilon,
		cfg.Protection.PerturbationIterations,
		log,
	)

	signer := sign.NewSigner(cfg.Protection.SigningKeyPath, log)
	devSigner := sign.NewDevSigner(log)

	logCapability(log, "marker_embedder", seal.Name(), seal.Available())
	logCapability(log, "perturbation", texture.Name(), texture.Available())
	logCapability(log, "signer", signer.Name(), signer.Available())

	fallbackMarker := &pipeline.MarkerSuite{Embedder: lsb, Verifier: lsb}

	return pipeline.New(&pipeline.Config{
		Logger:                log,
		Store:                 store,
		Marker:                pipeline.MarkerSuite{Embedder: seal, Verifier: seal},
		FallbackMarker:        fallbackMarker,
		Perturber:             texture,
		FallbackPerturb:       freq,
		Signer:                signer,
		FallbackSigner:        devSigner,
		VerificationThreshold: cfg.Protection.VerificationThreshold,
		FallbackEnabled:       cfg.Protection.FallbackEnabled,
	})
}

func logCapability(log *slog.Logger, kind, name string, available bool) {
	if available {
		log.Info("Capability available",
			slog.String("kind", kind),
			slog.String("name", name),
		)
		return
	}
	log.Warn("Primary capability unavailable",
		slog.String("kind", kind),
		slog.String("name", name),
	)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         cfg.Queue.Name,
		QueueDurable:      cfg.Queue.Durable,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initObjectStore selects the configured artifact store backend
func initObjectStore(cfg *config.ObjectStoreConfig, logger *slog.Logger) (blobstore.ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		return blobstore.NewS3Store(&blobstore.S3Config{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Bucket:          cfg.Bucket,
			ForcePathStyle:  cfg.ForcePathStyle,
		}, logger)
	case "local":
		return blobstore.NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown object store backend: %q", cfg.Backend)
	}
}
