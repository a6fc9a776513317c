package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"agromon/internal/config"
	"agromon/internal/logger"
	"agromon/internal/metrics"
	"agromon/internal/pipeline"
)

// Republisher puts a record back on the topic. *Producer implements it.
type Republisher interface {
	Republish(ctx context.Context, m kafka.Message) error
}

// Source consumes readings from a topic through a consumer group. Offsets
// are committed manually and only up to the last record whose predecessors
// have all been acked, which keeps delivery at-least-once. Kafka has no
// per-record requeue, so a nack republishes the record and then counts as
// finished.
type Source struct {
	cfg         config.KafkaConfig
	republisher Republisher

	mu      sync.Mutex
	session *session
}

// NewSource creates a source; no connection is made until Open.
func NewSource(cfg config.KafkaConfig, republisher Republisher) *Source {
	return &Source{cfg: cfg, republisher: republisher}
}

func (s *Source) Name() string { return "kafka" }

// session is one reader and its offset bookkeeping; deliveries from an old
// session never commit on a new one.
type session struct {
	reader  *kafka.Reader
	tracker *offsetTracker
	cancel  context.CancelFunc

	// commits for a partition must not overtake each other
	commitMu sync.Mutex
}

// Open joins the consumer group and starts fetching.
func (s *Source) Open(ctx context.Context) (<-chan pipeline.Delivery, error) {
	if len(s.cfg.Brokers) == 0 || s.cfg.Topic == "" || s.cfg.GroupID == "" {
		return nil, errors.New("kafka source needs brokers, topic and group id")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.cfg.Brokers,
		GroupID:        s.cfg.GroupID,
		Topic:          s.cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})

	fetchCtx, cancel := context.WithCancel(context.Background())
	sess := &session{reader: reader, tracker: newOffsetTracker(), cancel: cancel}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	out := make(chan pipeline.Delivery)
	go s.fetch(fetchCtx, sess, out)

	log := logger.WithComponent("kafka_consumer")

	log.Info().
		Strs("brokers", s.cfg.Brokers).
		Str("topic", s.cfg.Topic).
		Str("group_id", s.cfg.GroupID).
		Msg("consuming")
	return out, nil
}

func (s *Source) fetch(ctx context.Context, sess *session, out chan<- pipeline.Delivery) {
	defer close(out)
	log := logger.WithComponent("kafka_consumer")

	for {
		m, err := sess.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("fetch failed")
			}
			return
		}

		sess.tracker.Track(m.Partition, m.Offset)
		select {
		case out <- &delivery{src: s, sess: sess, msg: m}:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops fetching and leaves the group. Records not yet committed are
// fetched again by whoever owns the partition next.
func (s *Source) Close() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.cancel()
	return sess.reader.Close()
}

// finish marks a record done and commits if the commit point moved.
func (sess *session) finish(m kafka.Message) error {
	sess.commitMu.Lock()
	defer sess.commitMu.Unlock()

	offset, ok := sess.tracker.Done(m.Partition, m.Offset)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sess.reader.CommitMessages(ctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: offset})
	if err != nil {
		metrics.KafkaCommitsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("commit partition %d offset %d: %w", m.Partition, offset, err)
	}
	metrics.KafkaCommitsTotal.WithLabelValues("success").Inc()
	return nil
}

type delivery struct {
	src  *Source
	sess *session
	msg  kafka.Message
}

func (d *delivery) Body() []byte { return d.msg.Value }

func (d *delivery) Redelivered() bool {
	for _, h := range d.msg.Headers {
		if h.Key == HeaderRedelivery {
			return true
		}
	}
	return false
}

func (d *delivery) Ack() error { return d.sess.finish(d.msg) }

// Nack republishes the record when requeue is set. If that fails the offset
// stays uncommitted so the record is fetched again after a restart.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		if d.src.republisher == nil {
			return errors.New("kafka nack: no republisher configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.src.republisher.Republish(ctx, d.msg); err != nil {
			return fmt.Errorf("republish partition %d offset %d: %w", d.msg.Partition, d.msg.Offset, err)
		}
	}
	return d.sess.finish(d.msg)
}

var _ pipeline.Source = (*Source)(nil)
