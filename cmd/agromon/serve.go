package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agromon/internal/logger"
	"agromon/internal/processor"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alert engine, queue consumer and HTTP API",
		Long: `Run the service until SIGINT or SIGTERM.

On shutdown the consumer stops taking deliveries, in-flight readings are
given workers.drain_timeout to finish and be acknowledged, then the queue
connection is closed.

Example:
  agromon serve --config agromon.yaml
  AGROMON_STORAGE=postgres DATABASE_URL=postgres://... agromon serve`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logger.WithComponent("main")

			log.Info().
				Str("queue", cfg.Queue.Driver).
				Str("storage", cfg.Storage.Backend).
				Float64("drought_threshold", cfg.Engine.DroughtThreshold).
				Msg("starting agromon")

			return processor.New(cfg).Run(ctx)
		},
	}
}
