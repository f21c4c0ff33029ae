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
	"github.com/cuongbtq/jobdispatch/internal/consumer"
	"github.com/cuongbtq/jobdispatch/internal/jobs"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/internal/results"
	"github.com/cuongbtq/jobdispatch/shared/logger"
	"github.com/cuongbtq/jobdispatch/shared/postgresql"
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
	defaultConfigPath := os.Getenv("RESULT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/result-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateConsumerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting result service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	registry, err := queues.New(cfg.Queues)
	if err != nil {
		return fmt.Errorf("failed to resolve queues: %w", err)
	}

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := results.NewStore(dbClient.GetDB(), appLogger.Component("results"))
	if err := store.EnsureSchema(context.Background()); err != nil {
		return err
	}

	appLogger.Info("Database connection established")

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Component("redis"))
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()

	notifier := results.NewNotifier(redisClient.GetClient(), cfg.Redis.StatusTTL, appLogger.Component("notifier"))

	// Initialize RabbitMQ connection manager
	mgr, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer mgr.Close()

	appLogger.Info("RabbitMQ connection established")

	// One consumer per resolved result queue
	set := consumer.NewSet(mgr, appLogger.Component("consumer"))
	for _, q := range registry.ResultQueues() {
		kind, ok := jobs.KindForResult(q.Name)
		if !ok {
			continue
		}

		resultHandler := results.NewHandler(string(kind), store, notifier, appLogger.Component("results"))
		if _, err := set.Start(context.Background(), q.Physical, resultHandler, consumer.Options{
			MaxConcurrentDeliveries: cfg.Consumer.MaxConcurrentDeliveries,
			PrefetchCount:           cfg.Consumer.PrefetchCount,
			AckOnHandlerFailure:     cfg.Consumer.AckOnHandlerFailure,
			AckOnDecodeFailure:      cfg.Consumer.AckOnDecodeFailure,
			HandlerTimeout:          cfg.Consumer.HandlerTimeout,
			Queue:                   q,
		}); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout)
			_ = set.Stop(stopCtx)
			stopCancel()
			return fmt.Errorf("failed to start consumer for %s: %w", q.Name, err)
		}
	}

	appLogger.Info("Result service started successfully",
		slog.Any("queues", set.Queues()),
	)

	// Health, metrics and stored results
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupResultRouter(&handler.ResultDependencies{
			Logger:    appLogger.Component("http"),
			Consumers: set,
			Database:  dbClient,
			Results:   store,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("HTTP server failed",
			slog.Any("error", err),
		)
	}

	// Give in-flight results time to finish; the rest is redelivered later
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout)
	defer shutdownCancel()

	if err := set.Stop(shutdownCtx); err != nil {
		appLogger.Warn("Consumers stopped with errors", slog.Any("error", err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP server forced to shutdown", slog.Any("error", err))
	}

	appLogger.Info("Result service stopped")
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
