package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/haruki121731-del/Lore-Anchor1/internal/config"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
	"github.com/haruki121731-del/Lore-Anchor1/shared/logger"
	"github.com/haruki121731-del/Lore-Anchor1/shared/rabbitmq"
)

// enqueue publishes a single protection job to the durable queue. Used by
// operators to requeue an image or exercise a fresh deployment.
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	imageID := flag.String("image-id", "", "Image ID to protect (required)")
	storageKey := flag.String("storage-key", "", "Object key of the original image (required)")
	attempt := flag.Int("attempt", 1, "Attempt number for this job")
	flag.Parse()

	if *imageID == "" || *storageKey == "" {
		return fmt.Errorf("both -image-id and -storage-key are required")
	}
	if *attempt < 1 {
		return fmt.Errorf("-attempt must be >= 1")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := logger.NewDefault()

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		User:              cfg.RabbitMQ.User,
		Password:          cfg.RabbitMQ.Password,
		VHost:             cfg.RabbitMQ.VHost,
		ExchangeName:      cfg.RabbitMQ.Exchange.Name,
		ExchangeType:      cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:   cfg.RabbitMQ.Exchange.Durable,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		QueueDurable:      cfg.RabbitMQ.Queue.Durable,
		RoutingKey:        cfg.RabbitMQ.RoutingKey,
		RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	job := domain.ProtectionJob{
		ImageID:    *imageID,
		StorageKey: *storageKey,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    *attempt,
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rabbitClient.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	appLogger.Info("Protection job enqueued",
		slog.String("image_id", job.ImageID),
		slog.String("storage_key", job.StorageKey),
		slog.Int("attempt", job.Attempt),
	)

	return nil
}
