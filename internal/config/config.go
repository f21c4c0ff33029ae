package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobdispatch/internal/queues"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultRabbitMQURL is used when neither the file nor the environment names a broker
	DefaultRabbitMQURL = "amqp://rabbitmq:5672"

	// DefaultSummaryLimit bounds logged payload excerpts
	DefaultSummaryLimit = 256
)

// Config represents the complete application configuration.
// Values come from the yaml file, then environment variables, then defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Queues   queues.Config  `yaml:"queues"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RetryAfter      time.Duration `yaml:"retry_after" env:"SERVER_RETRY_AFTER"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME"`
}

// RedisConfig holds Redis connection and completion status settings
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	PoolSize     int           `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
	StatusTTL    time.Duration `yaml:"status_ttl" env:"REDIS_STATUS_TTL"`
}

// RabbitMQConfig holds broker endpoints and connection settings
type RabbitMQConfig struct {
	// URL is a single broker endpoint
	URL string `yaml:"url" env:"RABBITMQ_URL"`
	// URLs is an ordered failover list; it takes precedence over URL
	URLs       []string         `yaml:"urls" env:"RABBITMQ_URLS" envSeparator:","`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	Heartbeat                time.Duration `yaml:"heartbeat" env:"RABBITMQ_HEARTBEAT"`
	ConnectionTimeout        time.Duration `yaml:"connection_timeout" env:"RABBITMQ_CONNECTION_TIMEOUT"`
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval" env:"RABBITMQ_RECONNECT_INITIAL_INTERVAL"`
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval" env:"RABBITMQ_RECONNECT_MAX_INTERVAL"`
	ReconnectMultiplier      float64       `yaml:"reconnect_multiplier" env:"RABBITMQ_RECONNECT_MULTIPLIER"`
	// StartupTimeout bounds the first connection attempt of a service
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"RABBITMQ_STARTUP_TIMEOUT"`
}

// PublishConfig holds RabbitMQ publish settings
type PublishConfig struct {
	// Timeout bounds the wait for a publisher confirm
	Timeout time.Duration `yaml:"timeout" env:"RABBITMQ_PUBLISH_TIMEOUT"`
	// SummaryLimit bounds the payload excerpt written to logs, in bytes
	SummaryLimit int `yaml:"summary_limit" env:"RABBITMQ_PUBLISH_SUMMARY_LIMIT"`
}

// ConsumerConfig holds result consumer settings, applied to every result queue
type ConsumerConfig struct {
	MaxConcurrentDeliveries int           `yaml:"max_concurrent_deliveries" env:"CONSUMER_MAX_CONCURRENT_DELIVERIES"`
	PrefetchCount           int           `yaml:"prefetch_count" env:"CONSUMER_PREFETCH_COUNT"`
	AckOnHandlerFailure     bool          `yaml:"ack_on_handler_failure" env:"CONSUMER_ACK_ON_HANDLER_FAILURE"`
	AckOnDecodeFailure      bool          `yaml:"ack_on_decode_failure" env:"CONSUMER_ACK_ON_DECODE_FAILURE"`
	HandlerTimeout          time.Duration `yaml:"handler_timeout" env:"CONSUMER_HANDLER_TIMEOUT"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout" env:"CONSUMER_SHUTDOWN_TIMEOUT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output" env:"LOG_OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"LOG_ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"APP_NAME"`
	Version     string `yaml:"version" env:"APP_VERSION"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// LoadEnv loads the given .env files into the process environment, skipping missing ones.
// Variables already set are not overridden. It returns how many files were read.
func LoadEnv(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}

	if len(existing) == 0 {
		return 0, nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return 0, fmt.Errorf("failed to load env files: %w", err)
	}
	return len(existing), nil
}

// Load reads the configuration file, overlays environment variables and applies defaults.
// An empty path skips the file.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.RetryAfter == 0 {
		c.Server.RetryAfter = 5 * time.Second
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.StatusTTL == 0 {
		c.Redis.StatusTTL = 24 * time.Hour
	}

	if len(c.RabbitMQ.URLs) == 0 && c.RabbitMQ.URL == "" {
		c.RabbitMQ.URL = DefaultRabbitMQURL
	}
	if c.RabbitMQ.Connection.Heartbeat == 0 {
		c.RabbitMQ.Connection.Heartbeat = 10 * time.Second
	}
	if c.RabbitMQ.Connection.ConnectionTimeout == 0 {
		c.RabbitMQ.Connection.ConnectionTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Connection.StartupTimeout == 0 {
		c.RabbitMQ.Connection.StartupTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Publish.Timeout == 0 {
		c.RabbitMQ.Publish.Timeout = 10 * time.Second
	}
	if c.RabbitMQ.Publish.SummaryLimit == 0 {
		c.RabbitMQ.Publish.SummaryLimit = DefaultSummaryLimit
	}

	if c.Consumer.MaxConcurrentDeliveries == 0 {
		c.Consumer.MaxConcurrentDeliveries = 1
	}
	if c.Consumer.ShutdownTimeout == 0 {
		c.Consumer.ShutdownTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Endpoints returns the broker URLs in failover order
func (r *RabbitMQConfig) Endpoints() []string {
	if len(r.URLs) > 0 {
		return r.URLs
	}
	if r.URL != "" {
		return []string{r.URL}
	}
	return nil
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	endpoints := c.RabbitMQ.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("rabbitmq url is required")
	}
	for _, endpoint := range endpoints {
		if _, err := amqp.ParseURI(endpoint); err != nil {
			return fmt.Errorf("invalid rabbitmq url: %w", err)
		}
	}

	if c.RabbitMQ.Connection.ReconnectMultiplier != 0 && c.RabbitMQ.Connection.ReconnectMultiplier < 1 {
		return fmt.Errorf("rabbitmq reconnect_multiplier must be at least 1, got %g", c.RabbitMQ.Connection.ReconnectMultiplier)
	}

	if _, err := queues.New(c.Queues); err != nil {
		return fmt.Errorf("invalid queues: %w", err)
	}

	return nil
}

// ValidateAPIConfig checks the settings of the submission service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateConsumerConfig checks the settings of the result service
func (c *Config) ValidateConsumerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Consumer.MaxConcurrentDeliveries <= 0 {
		return fmt.Errorf("consumer max_concurrent_deliveries must be greater than 0")
	}

	if c.Consumer.PrefetchCount < 0 {
		return fmt.Errorf("consumer prefetch_count must not be negative")
	}

	if c.Consumer.HandlerTimeout < 0 {
		return fmt.Errorf("consumer handler_timeout must not be negative")
	}

	if c.Consumer.ShutdownTimeout <= 0 {
		return fmt.Errorf("consumer shutdown_timeout must be greater than 0")
	}

	return c.Validate()
}
