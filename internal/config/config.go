package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete worker service configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Protection  ProtectionConfig  `yaml:"protection"`
	Logging     LoggingConfig     `yaml:"logging"`
	Worker      WorkerConfig      `yaml:"worker"`
	Health      HealthConfig      `yaml:"health"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// ObjectStoreConfig selects and configures the image artifact store.
// Backend is "s3" for any S3-compatible endpoint (including R2) or
// "local" for a filesystem directory in development.
type ObjectStoreConfig struct {
	Backend         string `yaml:"backend"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	LocalPath       string `yaml:"local_path"`
}

// ProtectionConfig holds the pipeline capability knobs
type ProtectionConfig struct {
	VerificationThreshold  float64 `yaml:"verification_threshold"`
	PerturbationStrength   int     `yaml:"perturbation_strength"`
	PerturbationIterations int     `yaml:"perturbation_iterations"`
	FallbackEnabled        bool    `yaml:"fallback_enabled"`
	EmbedWeightsPath       string  `yaml:"embed_weights_path"`
	PerturbTexturePath     string  `yaml:"perturb_texture_path"`
	SigningKeyPath         string  `yaml:"signing_key_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HealthConfig holds the liveness endpoint configuration
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in values the file may omit
func (c *Config) applyDefaults() {
	if c.Protection.VerificationThreshold == 0 {
		c.Protection.VerificationThreshold = 0.75
	}
	if c.Protection.PerturbationStrength == 0 {
		c.Protection.PerturbationStrength = 8
	}
	if c.Protection.PerturbationIterations == 0 {
		c.Protection.PerturbationIterations = 3
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "local"
	}
}

// ValidateWorkerConfig checks the configuration the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if err := c.validateObjectStore(); err != nil {
		return err
	}

	return c.validateProtection()
}

func (c *Config) validateObjectStore() error {
	switch c.ObjectStore.Backend {
	case "s3":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store bucket is required for s3 backend")
		}
		if c.ObjectStore.Endpoint == "" {
			return fmt.Errorf("object store endpoint is required for s3 backend")
		}
	case "local":
		if c.ObjectStore.LocalPath == "" {
			return fmt.Errorf("object store local_path is required for local backend")
		}
	default:
		return fmt.Errorf("invalid object store backend: %q (must be s3 or local)", c.ObjectStore.Backend)
	}

	return nil
}

func (c *Config) validateProtection() error {
	if c.Protection.VerificationThreshold <= 0 || c.Protection.VerificationThreshold > 1 {
		return fmt.Errorf("protection verification_threshold must be in (0, 1], got %v", c.Protection.VerificationThreshold)
	}

	if c.Protection.PerturbationStrength <= 0 {
		return fmt.Errorf("protection perturbation_strength must be greater than 0")
	}

	if c.Protection.PerturbationIterations <= 0 {
		return fmt.Errorf("protection perturbation_iterations must be greater than 0")
	}

	return nil
}
