package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobdispatch/internal/config"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/shared/logger"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string
	Timeout    time.Duration

	// dialOptions replace the AMQP dialer in tests
	dialOptions []rabbitmq.Option
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the job dispatch queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("JOBCTL_CONFIG_PATH"), "path to configuration file (environment only when empty)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "time allowed to reach the broker")

	cmd.AddCommand(newQueuesCmd(opts))
	cmd.AddCommand(newDeclareCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	return cmd
}

func Execute() {
	if _, err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := newRootCmd(&rootOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// setup loads configuration and resolves the queue registry
func (o *rootOptions) setup() (*config.Config, *queues.Registry, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	registry, err := queues.New(cfg.Queues)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(&logger.Config{
		Level:  o.LogLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, registry, log.Component("jobctl"), nil
}

// connect opens a broker connection, waiting at most the --timeout
func (o *rootOptions) connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rabbitmq.Manager, error) {
	mgr := rabbitmq.NewManager(&rabbitmq.Config{
		URLs:                     cfg.RabbitMQ.Endpoints(),
		Heartbeat:                cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:        cfg.RabbitMQ.Connection.ConnectionTimeout,
		ReconnectInitialInterval: cfg.RabbitMQ.Connection.ReconnectInitialInterval,
		ReconnectMaxInterval:     cfg.RabbitMQ.Connection.ReconnectMaxInterval,
		ReconnectMultiplier:      cfg.RabbitMQ.Connection.ReconnectMultiplier,
		PublishTimeout:           cfg.RabbitMQ.Publish.Timeout,
	}, logger, o.dialOptions...)

	connectCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	if err := mgr.Connect(connectCtx); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return mgr, nil
}
