package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobdispatch/internal/api/handler"
	"github.com/cuongbtq/jobdispatch/internal/api/router"
	"github.com/cuongbtq/jobdispatch/internal/config"
	"github.com/cuongbtq/jobdispatch/internal/dispatch"
	"github.com/cuongbtq/jobdispatch/internal/jobs"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/internal/results"
	"github.com/cuongbtq/jobdispatch/shared/logger"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
	"github.com/cuongbtq/jobdispatch/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if n, err := config.LoadEnv(".env"); err != nil {
		return err
	} else if n == 0 {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	registry, err := queues.New(cfg.Queues)
	if err != nil {
		return fmt.Errorf("failed to resolve queues: %w", err)
	}
	appLogger.Info("Queues resolved", slog.Any("queues", registry))

	// Connect to RabbitMQ; later outages are handled by the manager
	mgr, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer mgr.Close()

	dispatcher, err := dispatch.New(context.Background(), mgr, registry, appLogger.Component("dispatcher"),
		dispatch.WithSummaryLimit(cfg.RabbitMQ.Publish.SummaryLimit),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	defer dispatcher.Close()

	appLogger.Info("RabbitMQ connection established")

	deps := &handler.Dependencies{
		Logger:     appLogger.Component("api"),
		Jobs:       jobs.NewService(dispatcher, appLogger.Component("jobs")),
		Dispatcher: dispatcher,
		RetryAfter: cfg.Server.RetryAfter,
	}

	// Completion status is served only when redis is configured
	if cfg.Redis.Addr != "" {
		redisClient, err := initRedis(&cfg.Redis, appLogger.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()

		deps.Statuses = results.NewNotifier(redisClient.GetClient(), cfg.Redis.StatusTTL, appLogger.Component("notifier"))
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRabbitMQ creates the connection manager and waits for the first connection
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Manager, error) {
	mgr := rabbitmq.NewManager(&rabbitmq.Config{
		URLs:                     cfg.Endpoints(),
		Heartbeat:                cfg.Connection.Heartbeat,
		ConnectionTimeout:        cfg.Connection.ConnectionTimeout,
		ReconnectInitialInterval: cfg.Connection.ReconnectInitialInterval,
		ReconnectMaxInterval:     cfg.Connection.ReconnectMaxInterval,
		ReconnectMultiplier:      cfg.Connection.ReconnectMultiplier,
		PublishTimeout:           cfg.Publish.Timeout,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Connection.StartupTimeout)
	defer cancel()

	if err := mgr.Connect(ctx); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return mgr, nil
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
