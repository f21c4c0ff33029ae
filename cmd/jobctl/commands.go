package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobdispatch/internal/dispatch"
	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

func newQueuesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List the queue registry as resolved from configuration and environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, registry, _, err := root.setup()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tQUEUE\tDIRECTION\tENV\tDEAD LETTER")
			for _, q := range registry.All() {
				physical := q.Physical
				if physical == "" {
					physical = "-"
				}
				deadLetter := q.DeadLetter
				if deadLetter == "" {
					deadLetter = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.Name, physical, q.Direction, q.EnvVar, deadLetter)
			}
			return w.Flush()
		},
	}
}

func newDeclareCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare every configured queue as durable on the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, registry, logger, err := root.setup()
			if err != nil {
				return err
			}

			mgr, err := root.connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer mgr.Close()

			return declareQueues(cmd.Context(), mgr, registry, logger, cmd.OutOrStdout())
		},
	}
}

// declareQueues asserts every resolved queue and reports them only once the setup ran on a live channel
func declareQueues(ctx context.Context, mgr *rabbitmq.Manager, registry *queues.Registry, logger *slog.Logger, out io.Writer) error {
	ch, err := mgr.CreateChannel(ctx, "jobctl", func(_ context.Context, ch rabbitmq.AMQPChannel) error {
		return registry.DeclareAll(ch, logger)
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	// a channel registered while the link is down has not run its setup yet
	if !ch.IsReady() {
		return fmt.Errorf("queues were not declared: %w", rabbitmq.ErrNotConnected)
	}

	for _, name := range registry.Names() {
		fmt.Fprintln(out, "declared", name)
	}
	return nil
}

type sendOptions struct {
	Queue   string
	ID      string
	Payload string
}

func newSendCmd(root *rootOptions) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send --queue <name> --id <id> [--payload <json>]",
		Short: "Publish a persistent job message to a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.Queue) == "" {
				return errors.New("--queue is required")
			}

			payload := domain.Payload{}
			if opts.Payload != "" {
				if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
				if payload == nil {
					return errors.New("--payload must be a JSON object")
				}
			}
			if opts.ID != "" {
				payload["id"] = opts.ID
			}
			if _, ok := payload["id"]; !ok {
				return errors.New("--id is required unless the payload carries an id")
			}

			cfg, registry, logger, err := root.setup()
			if err != nil {
				return err
			}

			// logical names are accepted as well as physical ones
			queue := opts.Queue
			if physical, err := registry.Resolve(queues.Name(opts.Queue)); err == nil {
				queue = physical
			}

			mgr, err := root.connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer mgr.Close()

			d, err := dispatch.New(cmd.Context(), mgr, registry, logger,
				dispatch.WithSummaryLimit(cfg.RabbitMQ.Publish.SummaryLimit),
			)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Send(cmd.Context(), queue, payload); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "sent to", queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Queue, "queue", "", "logical or physical queue name")
	cmd.Flags().StringVar(&opts.ID, "id", "", "correlation id echoed back in the result")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "job parameters as a JSON object")

	return cmd
}
