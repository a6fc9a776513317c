package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"agromon/internal/config"
	"agromon/internal/logger"
	"agromon/internal/models"
)

// Publisher sends readings to the durable readings queue as persistent
// messages through the default exchange.
type Publisher struct {
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the queue.
func NewPublisher(cfg config.AMQPConfig) (*Publisher, error) {
	conn, err := dial(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, cfg.Queue); err != nil {
		closeAll(ch, conn)
		return nil, err
	}

	log := logger.WithComponent("rabbitmq")

	log.Info().Str("queue", cfg.Queue).Msg("publisher ready")
	return &Publisher{queue: cfg.Queue, conn: conn, ch: ch}, nil
}

// Publish sends one reading.
func (p *Publisher) Publish(ctx context.Context, r *models.Reading) error {
	body, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return amqp.ErrClosed
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish reading %s: %w", r.ID, err)
	}
	return nil
}

// Close closes the channel then the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := closeAll(p.ch, p.conn)
	p.ch, p.conn = nil, nil
	return err
}
