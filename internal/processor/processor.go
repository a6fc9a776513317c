package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"agromon/internal/alerts"
	"agromon/internal/config"
	"agromon/internal/handlers"
	"agromon/internal/kafka"
	"agromon/internal/logger"
	"agromon/internal/middleware"
	"agromon/internal/models"
	"agromon/internal/pipeline"
	"agromon/internal/rabbitmq"
	"agromon/internal/storage"
	"agromon/internal/worker"
)

// PublishCloser publishes readings to the configured queue.
type PublishCloser interface {
	handlers.Publisher
	Close() error
}

// Processor is the high-level coordinator: it owns the stores, the engine,
// the worker pool, the delivery pipeline and the HTTP server.
type Processor struct {
	cfg *config.Config

	stores     *storage.Stores
	engine     *alerts.Engine
	workerPool *worker.Pool
	source     pipeline.Source
	publisher  PublishCloser
	producer   *kafka.Producer
	pipeline   *pipeline.Pipeline
	httpServer *http.Server

	startedAt time.Time
}

// Option is a functional option for configuring the processor
type Option func(*Processor)

// WithStores uses already opened stores instead of opening the configured backend.
func WithStores(s *storage.Stores) Option {
	return func(p *Processor) { p.stores = s }
}

// WithSource replaces the configured queue source.
func WithSource(src pipeline.Source) Option {
	return func(p *Processor) { p.source = src }
}

// WithPublisher replaces the publisher behind POST /readings.
func WithPublisher(pub PublishCloser) Option {
	return func(p *Processor) { p.publisher = pub }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down in order: HTTP, pipeline (drain, then
// close the transport), workers, publisher, stores.
func (p *Processor) Run(ctx context.Context) (err error) {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")
	p.startedAt = time.Now()

	if err := p.initStores(ctx); err != nil {
		log.Error().Err(err).Msg("failed to open storage")
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if cerr := p.stores.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("storage close error")
			err = multierr.Append(err, cerr)
		}
	}()

	p.engine = alerts.NewEngine(alerts.Config{
		Rule:      alerts.DroughtRule(p.cfg.Engine.DroughtThreshold),
		SkipStale: p.cfg.Engine.SkipStaleReadings,
	}, p.stores.States, p.stores.Alerts)

	if err := p.initTransport(); err != nil {
		log.Error().Err(err).Msg("failed to initialize transport")
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer func() {
		if cerr := p.publisher.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("publisher close error")
			err = multierr.Append(err, cerr)
		}
		if p.producer != nil && PublishCloser(p.producer) != p.publisher {
			err = multierr.Append(err, p.producer.Close())
		}
	}()

	p.initWorkerPool()
	p.workerPool.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Workers.DrainTimeout)
		defer cancel()
		if serr := p.workerPool.Stop(stopCtx); serr != nil {
			log.Warn().Err(serr).Msg("worker pool did not drain")
		}
	}()

	p.pipeline = pipeline.New(pipeline.Config{
		InFlight:         p.cfg.Queue.InFlight,
		ReconnectBackoff: p.cfg.Queue.ReconnectBackoff,
		DrainTimeout:     p.cfg.Workers.DrainTimeout,
	}, p.source, p.engine, p.workerPool)

	p.initHTTPServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.pipeline.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", p.httpServer.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("processor stopped with error")
		return err
	}
	log.Info().Msg("processor stopped gracefully")
	return nil
}

func (p *Processor) initStores(ctx context.Context) error {
	if p.stores != nil {
		return nil
	}
	stores, err := storage.Open(ctx, p.cfg.Storage)
	if err != nil {
		return err
	}
	p.stores = stores
	log := logger.WithComponent("processor")
	log.Info().Str("backend", stores.Backend).Msg("storage opened")
	return nil
}

// initTransport builds the queue source and the ingest publisher for the
// configured driver, keeping anything injected through options.
func (p *Processor) initTransport() error {
	log := logger.WithComponent("processor")
	q := p.cfg.Queue

	switch q.Driver {
	case "kafka":
		if p.source == nil || p.publisher == nil {
			producer, err := kafka.NewProducer(q.Kafka.Brokers, q.Kafka.Topic, q.Kafka.Producer)
			if err != nil {
				return err
			}
			p.producer = producer
			if p.source == nil {
				p.source = kafka.NewSource(q.Kafka, producer)
			}
			if p.publisher == nil {
				p.publisher = producer
			}
		}
		log.Info().
			Strs("brokers", q.Kafka.Brokers).
			Str("topic", q.Kafka.Topic).
			Msg("kafka transport initialized")
	case "amqp":
		if p.source == nil {
			p.source = rabbitmq.NewSource(q.AMQP, q.InFlight)
		}
		if p.publisher == nil {
			p.publisher = &lazyPublisher{dial: func() (PublishCloser, error) {
				return rabbitmq.NewPublisher(q.AMQP)
			}}
		}
		log.Info().Str("queue", q.AMQP.Queue).Msg("amqp transport initialized")
	default:
		return fmt.Errorf("unknown queue driver %q", q.Driver)
	}
	return nil
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	p.workerPool = worker.NewPool(worker.Config{
		Shards:    p.cfg.Workers.Shards,
		QueueSize: p.cfg.Workers.QueueSize,
	})
	log := logger.WithComponent("processor")
	log.Info().Int("shards", p.cfg.Workers.Shards).Msg("worker pool initialized")
}

// Handler builds the HTTP routes.
func (p *Processor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recovery, middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: p.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	handlers.NewAlertsHandler(p.stores.Alerts).Routes(r)
	r.Method(http.MethodPost, "/readings", handlers.NewIngestHandler(handlers.IngestConfig{
		Publisher: p.publisher,
	}))

	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := p.pipeline.Stats()
			ws := p.workerPool.Stats()

			log.Info().
				Str("pipeline_state", ps.State).
				Int("in_flight", ps.InFlight).
				Uint64("acked", ps.Acked).
				Uint64("nacked", ps.Nacked).
				Uint64("dropped", ps.Dropped).
				Uint64("stale", ps.Stale).
				Uint64("worker_processed", ws.Processed).
				Uint64("worker_failed", ws.Failed).
				Int64("queued", ws.Queued).
				Msg("stats")
		}
	}
}

// healthHandler reports unhealthy unless the pipeline is consuming.
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := pipeline.StateStopped
	if p.pipeline != nil {
		state = p.pipeline.State()
	}

	status, code := "healthy", http.StatusOK
	if state != pipeline.StateRunning {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"pipeline":  state.String(),
		"storage":   p.stores.Backend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats is the /stats payload
type Stats struct {
	Uptime   string               `json:"uptime"`
	Pipeline pipeline.Stats       `json:"pipeline"`
	Worker   worker.Stats         `json:"worker"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	s := Stats{Uptime: time.Since(p.startedAt).Round(time.Second).String()}
	if p.pipeline != nil {
		s.Pipeline = p.pipeline.Stats()
	}
	if p.workerPool != nil {
		s.Worker = p.workerPool.Stats()
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s)
}

// lazyPublisher dials on first use and redials after a failure, so the
// service starts even when the broker is briefly unreachable.
type lazyPublisher struct {
	dial func() (PublishCloser, error)

	mu  sync.Mutex
	pub PublishCloser
}

func (l *lazyPublisher) Publish(ctx context.Context, r *models.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pub == nil {
		pub, err := l.dial()
		if err != nil {
			return err
		}
		l.pub = pub
	}

	if err := l.pub.Publish(ctx, r); err != nil {
		l.pub.Close()
		l.pub = nil
		return err
	}
	return nil
}

func (l *lazyPublisher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pub == nil {
		return nil
	}
	err := l.pub.Close()
	l.pub = nil
	return err
}
