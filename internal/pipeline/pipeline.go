package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agromon/internal/alerts"
	"agromon/internal/logger"
	"agromon/internal/metrics"
	"agromon/internal/models"
	"agromon/internal/worker"
)

var ErrAlreadyStarted = errors.New("pipeline already started")

// Delivery is one message received from the queue. Exactly one of Ack or
// Nack is called per delivery.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Source is a durable queue the pipeline consumes from.
type Source interface {
	// Name identifies the transport in logs and envelopes.
	Name() string
	// Open connects, declares or verifies the queue and starts consuming.
	// The returned channel is closed when the transport goes away.
	Open(ctx context.Context) (<-chan Delivery, error)
	// Close stops consuming and releases the transport.
	Close() error
}

// Submitter routes a task to the serial worker for its key.
type Submitter interface {
	Submit(ctx context.Context, t worker.Task) error
}

// State of the pipeline lifecycle.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Config holds pipeline configuration
type Config struct {
	// Max deliveries received but not yet acked or nacked
	InFlight int
	// Wait between a lost transport and the next Open
	ReconnectBackoff time.Duration
	// How long shutdown waits for in-flight deliveries before closing the source
	DrainTimeout time.Duration
}

// Pipeline drives the engine from a Source with at-least-once semantics:
// ack after a successful evaluation, nack with requeue after a failed one,
// ack and drop when the payload cannot be decoded.
type Pipeline struct {
	source Source
	engine alerts.AlertEngine
	pool   Submitter
	cfg    Config

	state   atomic.Int32
	started atomic.Bool

	window   chan struct{}
	inFlight sync.WaitGroup

	received   atomic.Uint64
	acked      atomic.Uint64
	nacked     atomic.Uint64
	dropped    atomic.Uint64
	stale      atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a pipeline. Per-plot ordering relies on pool routing every
// reading of a plot to the same serial worker.
func New(cfg Config, source Source, engine alerts.AlertEngine, pool Submitter) *Pipeline {
	if cfg.InFlight <= 0 {
		cfg.InFlight = 20
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	return &Pipeline{
		source: source,
		engine: engine,
		pool:   pool,
		cfg:    cfg,
		window: make(chan struct{}, cfg.InFlight),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Run consumes until ctx is cancelled, then drains in-flight deliveries and
// closes the source. It may be called once per Pipeline. Individual message
// failures never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	log := logger.WithComponent("pipeline").With().Str("transport", p.source.Name()).Logger()
	p.state.Store(int32(StateRunning))
	log.Info().
		Int("in_flight", p.cfg.InFlight).
		Msg("pipeline running")

	for ctx.Err() == nil {
		deliveries, err := p.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Dur("backoff", p.cfg.ReconnectBackoff).Msg("failed to open source")
			p.sleep(ctx, p.cfg.ReconnectBackoff)
			continue
		}

		if lost := p.consume(ctx, deliveries); !lost {
			break
		}

		// transport closed underneath us; unacked messages come back from the broker
		p.reconnects.Add(1)
		metrics.SourceReconnects.Inc()
		log.Warn().Dur("backoff", p.cfg.ReconnectBackoff).Msg("source closed, reconnecting")
		if err := p.source.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing lost source")
		}
		p.sleep(ctx, p.cfg.ReconnectBackoff)
	}

	return p.shutdown()
}

// consume reads deliveries until ctx ends (false) or the channel closes (true).
func (p *Pipeline) consume(ctx context.Context, deliveries <-chan Delivery) bool {
	for {
		// take a window slot before reading so the broker backs up, not us
		select {
		case p.window <- struct{}{}:
		case <-ctx.Done():
			return false
		}

		select {
		case d, ok := <-deliveries:
			if !ok {
				<-p.window
				return ctx.Err() == nil
			}
			p.inFlight.Add(1)
			metrics.InFlight.Inc()
			p.received.Add(1)
			p.dispatch(ctx, d)
		case <-ctx.Done():
			<-p.window
			return false
		}
	}
}

// dispatch decodes d and hands it to the plot's worker. The window slot is
// released when d is acked or nacked.
func (p *Pipeline) dispatch(ctx context.Context, d Delivery) {
	log := logger.WithComponent("pipeline")

	r, err := models.DecodeReading(d.Body())
	if err != nil {
		// a payload that never parses would loop forever if requeued
		log.Warn().
			Err(err).
			Int("size", len(d.Body())).
			Bool("redelivered", d.Redelivered()).
			Msg("dropping undecodable message")
		p.dropped.Add(1)
		p.settle(d, "dropped", nil)
		return
	}

	env := models.NewEnvelope(r, p.source.Name(), d.Redelivered())

	var outcome alerts.Outcome
	task := worker.Task{
		Key: env.PartitionKey,
		Run: func(ctx context.Context) error {
			var err error
			outcome, err = p.engine.Evaluate(ctx, env.Reading)
			return err
		},
		Done: func(err error) {
			if err != nil {
				log.Error().
					Err(err).
					Str("plot_id", env.PartitionKey).
					Str("reading_id", env.Reading.ID).
					Bool("redelivered", env.Redelivered).
					Msg("evaluation failed, requeueing")
				p.settle(d, "nacked", err)
				return
			}
			if outcome == alerts.OutcomeStale {
				p.stale.Add(1)
				p.settle(d, "stale", nil)
				return
			}
			p.settle(d, "acked", nil)
		},
	}

	if err := p.pool.Submit(ctx, task); err != nil {
		log.Warn().Err(err).Str("plot_id", env.PartitionKey).Msg("could not schedule reading, requeueing")
		p.settle(d, "nacked", err)
	}
}

// settle acks, or nacks with requeue when failure is set, and frees the window slot.
func (p *Pipeline) settle(d Delivery, outcome string, failure error) {
	defer func() {
		<-p.window
		metrics.InFlight.Dec()
		p.inFlight.Done()
	}()

	log := logger.WithComponent("pipeline")
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()

	if failure != nil {
		p.nacked.Add(1)
		if err := d.Nack(true); err != nil {
			metrics.AckErrors.WithLabelValues("nack").Inc()
			log.Error().Err(err).Msg("failed to nack delivery")
		}
		return
	}

	if outcome == "acked" {
		p.acked.Add(1)
	}
	if err := d.Ack(); err != nil {
		metrics.AckErrors.WithLabelValues("ack").Inc()
		log.Error().Err(err).Msg("failed to ack delivery")
	}
}

// shutdown waits for in-flight deliveries to settle, then closes the source.
func (p *Pipeline) shutdown() error {
	log := logger.WithComponent("pipeline")
	p.state.Store(int32(StateStopping))
	log.Info().Int("in_flight", len(p.window)).Msg("pipeline stopping")

	drained := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		log.Warn().Int("in_flight", len(p.window)).Msg("drain timed out, abandoning unacknowledged deliveries")
	}

	err := p.source.Close()
	p.state.Store(int32(StateStopped))
	if err != nil {
		log.Error().Err(err).Msg("error closing source")
		return err
	}
	log.Info().Msg("pipeline stopped")
	return nil
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:      p.State().String(),
		InFlight:   len(p.window),
		Received:   p.received.Load(),
		Acked:      p.acked.Load(),
		Nacked:     p.nacked.Load(),
		Dropped:    p.dropped.Load(),
		Stale:      p.stale.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// Stats holds pipeline counters
type Stats struct {
	State      string `json:"state"`
	InFlight   int    `json:"in_flight"`
	Received   uint64 `json:"received"`
	Acked      uint64 `json:"acked"`
	Nacked     uint64 `json:"nacked"`
	Dropped    uint64 `json:"dropped"`
	Stale      uint64 `json:"stale"`
	Reconnects uint64 `json:"reconnects"`
}
