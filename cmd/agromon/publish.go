package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agromon/internal/config"
	"agromon/internal/kafka"
	"agromon/internal/logger"
	"agromon/internal/models"
	"agromon/internal/processor"
	"agromon/internal/rabbitmq"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	ReadingID     string
	PlotID        string
	Moisture      float64
	Temperature   float64
	Precipitation float64
	At            string
	Timeout       time.Duration
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one sensor reading to the configured queue",
		Long: `Publish a single reading, mainly for local testing.

Example:
  agromon publish --plot 3f2c... --moisture 55
  agromon publish --plot 3f2c... --moisture 62 --at 2024-05-01T10:10:00Z`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reading, err := opts.reading(time.Now())
			if err != nil {
				return err
			}

			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			pub, err := newPublisher(cfg)
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			if err := pub.Publish(ctx, reading); err != nil {
				return err
			}

			log := logger.WithComponent("publish")

			log.Info().
				Str("reading_id", reading.ID).
				Str("plot_id", reading.PlotID.String()).
				Float64("soil_moisture", reading.SoilMoisture).
				Time("reading_at", reading.Timestamp).
				Str("queue", cfg.Queue.Driver).
				Msg("reading published")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ReadingID, "id", "", "reading id (default: random UUID)")
	cmd.Flags().StringVar(&opts.PlotID, "plot", "", "plot UUID (required)")
	cmd.Flags().Float64Var(&opts.Moisture, "moisture", 0, "soil moisture in percent (required)")
	cmd.Flags().Float64Var(&opts.Temperature, "temperature", 0, "temperature")
	cmd.Flags().Float64Var(&opts.Precipitation, "precipitation", 0, "precipitation")
	cmd.Flags().StringVar(&opts.At, "at", "", "reading timestamp, ISO-8601 (default: now)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "publish timeout")
	_ = cmd.MarkFlagRequired("plot")
	_ = cmd.MarkFlagRequired("moisture")

	return cmd
}

// reading builds and validates the Reading described by the flags.
func (o *PublishOptions) reading(now time.Time) (*models.Reading, error) {
	plotID, err := uuid.Parse(o.PlotID)
	if err != nil {
		return nil, fmt.Errorf("--plot: %w", err)
	}

	ts := now.UTC()
	if o.At != "" {
		if ts, err = models.ParseTimestamp(o.At); err != nil {
			return nil, fmt.Errorf("--at: %w", err)
		}
	}

	id := o.ReadingID
	if id == "" {
		id = uuid.NewString()
	}

	r := &models.Reading{
		ID:            id,
		PlotID:        plotID,
		Timestamp:     ts,
		SoilMoisture:  o.Moisture,
		Temperature:   o.Temperature,
		Precipitation: o.Precipitation,
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func newPublisher(cfg *config.Config) (processor.PublishCloser, error) {
	q := cfg.Queue
	switch q.Driver {
	case "amqp":
		return rabbitmq.NewPublisher(q.AMQP)
	case "kafka":
		return kafka.NewProducer(q.Kafka.Brokers, q.Kafka.Topic, q.Kafka.Producer)
	default:
		return nil, errors.New("unknown queue driver " + q.Driver)
	}
}
