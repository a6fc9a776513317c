package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"agromon/internal/config"
	"agromon/internal/logger"
	"agromon/internal/pipeline"
)

// Source consumes readings from a durable RabbitMQ queue with manual acks.
// The broker's prefetch equals the pipeline's in-flight window.
type Source struct {
	cfg      config.AMQPConfig
	prefetch int

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	quit chan struct{}
}

// NewSource creates a source; nothing is dialled until Open.
func NewSource(cfg config.AMQPConfig, prefetch int) *Source {
	if prefetch <= 0 {
		prefetch = 20
	}
	return &Source{cfg: cfg, prefetch: prefetch}
}

func (s *Source) Name() string { return "amqp" }

// Open dials, declares the queue and starts a consumer.
func (s *Source) Open(ctx context.Context) (<-chan pipeline.Delivery, error) {
	log := logger.WithComponent("rabbitmq").With().Str("queue", s.cfg.Queue).Logger()

	conn, err := dial(ctx, s.cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declare(ch, s.cfg.Queue); err != nil {
		return nil, multierr.Append(err, closeAll(ch, conn))
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return nil, multierr.Append(fmt.Errorf("set prefetch: %w", err), closeAll(ch, conn))
	}

	msgs, err := ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("consume: %w", err), closeAll(ch, conn))
	}

	quit := make(chan struct{})
	s.mu.Lock()
	s.conn, s.ch, s.quit = conn, ch, quit
	s.mu.Unlock()

	out := make(chan pipeline.Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			select {
			case out <- &delivery{m: m}:
			case <-quit:
				// unread messages stay unacked and are redelivered
				return
			}
		}
	}()

	log.Info().Int("prefetch", s.prefetch).Msg("consuming")
	return out, nil
}

// Close closes the channel then the connection.
func (s *Source) Close() error {
	s.mu.Lock()
	conn, ch, quit := s.conn, s.ch, s.quit
	s.conn, s.ch, s.quit = nil, nil, nil
	s.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	if conn == nil {
		return nil
	}
	return closeAll(ch, conn)
}

const defaultDialTimeout = 10 * time.Second

// dialTimeout is the configured timeout, shortened to ctx's deadline.
func dialTimeout(ctx context.Context, cfg config.AMQPConfig) time.Duration {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	// zero would mean no timeout at all
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// dial connects with a bounded connect and handshake. A connection that
// completes after ctx ended is closed and ctx's error returned.
func dial(ctx context.Context, cfg config.AMQPConfig) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": cfg.ConsumerTag},
		Dial:       amqp.DefaultDial(dialTimeout(ctx, cfg)),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// declare makes sure the durable readings queue exists.
func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func closeAll(ch *amqp.Channel, conn *amqp.Connection) error {
	var err error
	if ch != nil {
		err = multierr.Append(err, ignoreClosed(ch.Close()))
	}
	if conn != nil {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// delivery adapts amqp.Delivery to pipeline.Delivery. Acks are never batched.
type delivery struct {
	m amqp.Delivery
}

func (d *delivery) Body() []byte      { return d.m.Body }
func (d *delivery) Redelivered() bool { return d.m.Redelivered }
func (d *delivery) Ack() error        { return d.m.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.m.Nack(false, requeue) }

var _ pipeline.Source = (*Source)(nil)
