package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"agromon/internal/logger"
	"agromon/internal/metrics"
)

var (
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// PanicError is passed to Task.Done when Run panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// Task is a unit of work routed by Key. Tasks sharing a key run one at a
// time, in submission order.
type Task struct {
	Key string
	Run func(ctx context.Context) error
	// Done, if set, receives Run's result (or a *PanicError) on the worker goroutine.
	Done func(err error)
}

// Pool runs tasks on a fixed set of shards. Each shard is a single
// goroutine draining a FIFO queue, and a key always maps to the same shard.
type Pool struct {
	shards    []chan Task
	queueSize int

	mu      sync.RWMutex
	started bool
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	queued    atomic.Int64
}

// Config holds worker pool configuration
type Config struct {
	Shards    int
	QueueSize int
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	shards := make([]chan Task, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan Task, cfg.QueueSize)
	}

	return &Pool{
		shards:    shards,
		queueSize: cfg.QueueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches one goroutine per shard.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("shards", len(p.shards)).
		Int("queue_size", p.queueSize).
		Msg("starting worker pool")

	metrics.WorkerQueueCapacity.Set(float64(len(p.shards) * p.queueSize))

	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues t on its key's shard, blocking while that shard is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.shards[p.ShardFor(t.Key)] <- t:
		p.queued.Add(1)
		metrics.WorkerQueueSize.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShardFor returns the shard index a key is routed to.
func (p *Pool) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.shards)))
}

// Stop refuses new tasks and waits for queued ones to finish. If ctx ends
// first, running tasks see their context cancelled and whatever is still
// queued is abandoned without calling Done.
func (p *Pool) Stop(ctx context.Context) error {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, ch := range p.shards {
		close(ch)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	log.Info().Int64("queued", p.queued.Load()).Msg("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		log.Warn().Int64("abandoned", p.queued.Load()).Msg("worker pool drain timed out")
		return ctx.Err()
	}
}

// worker drains one shard until it is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("shard", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for t := range p.shards[id] {
		p.queued.Add(-1)
		metrics.WorkerQueueSize.Dec()

		if p.ctx.Err() != nil {
			// hard stop: leave the rest unacknowledged
			continue
		}
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	err := p.safeRun(id, t)

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
	if err != nil {
		p.failed.Add(1)
	}

	if t.Done != nil {
		t.Done(err)
	}
}

func (p *Pool) safeRun(id int, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("worker")
			log.Error().
				Int("shard", id).
				Str("key", t.Key).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.panics.Add(1)
			err = &PanicError{Value: r}
		}
	}()
	return t.Run(p.ctx)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Shards:    len(p.shards),
		Queued:    p.queued.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Shards    int    `json:"shards"`
	Queued    int64  `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
}
