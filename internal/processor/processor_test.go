package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromon/internal/config"
	"agromon/internal/models"
	"agromon/internal/pipeline"
	"agromon/internal/storage"
)

type testDelivery struct {
	body    []byte
	settled chan bool // true on ack
}

func (d *testDelivery) Body() []byte      { return d.body }
func (d *testDelivery) Redelivered() bool { return false }
func (d *testDelivery) Ack() error        { d.settled <- true; return nil }
func (d *testDelivery) Nack(bool) error   { d.settled <- false; return nil }

type testSource struct {
	ch     chan pipeline.Delivery
	closed chan struct{}
	once   sync.Once
}

func newTestSource() *testSource {
	return &testSource{ch: make(chan pipeline.Delivery, 8), closed: make(chan struct{})}
}

func (s *testSource) Name() string { return "test" }
func (s *testSource) Open(ctx context.Context) (<-chan pipeline.Delivery, error) {
	return s.ch, nil
}
func (s *testSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testPublisher struct {
	mu       sync.Mutex
	readings []*models.Reading
	closed   bool
}

func (p *testPublisher) Publish(ctx context.Context, r *models.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Workers.DrainTimeout = time.Second
	return cfg
}

func TestProcessorRun(t *testing.T) {
	stores, err := storage.Open(context.Background(), config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)

	src := newTestSource()
	pub := &testPublisher{}
	p := New(testConfig(), WithStores(stores), WithSource(src), WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	plot := uuid.New()
	r := &models.Reading{ID: "r-1", PlotID: plot, Timestamp: time.Now().UTC(), SoilMoisture: 41}
	body, err := r.Encode()
	require.NoError(t, err)

	d := &testDelivery{body: body, settled: make(chan bool, 1)}
	src.ch <- d
	select {
	case acked := <-d.settled:
		assert.True(t, acked)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never settled")
	}

	h := p.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/alerts?plotId="+plot.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "active", list[0]["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Pipeline.Acked)
	assert.Equal(t, "running", stats.Pipeline.State)

	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agromon_deliveries_total")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}

	select {
	case <-src.closed:
	default:
		t.Error("source was not closed")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.closed)
	assert.Len(t, pub.readings, 1)
}

func TestProcessorRun_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Driver = "nats"

	err := New(cfg).Run(context.Background())
	assert.Error(t, err)
}

type failingPublisher struct{ closes int }

func (f *failingPublisher) Publish(context.Context, *models.Reading) error {
	return assert.AnError
}
func (f *failingPublisher) Close() error { f.closes++; return nil }

func TestLazyPublisher_RedialsAfterFailure(t *testing.T) {
	dials := 0
	fp := &failingPublisher{}
	lp := &lazyPublisher{dial: func() (PublishCloser, error) {
		dials++
		return fp, nil
	}}

	r := &models.Reading{ID: "r", PlotID: uuid.New(), Timestamp: time.Now()}
	assert.Error(t, lp.Publish(context.Background(), r))
	assert.Error(t, lp.Publish(context.Background(), r))
	assert.Equal(t, 2, dials)
	assert.Equal(t, 2, fp.closes)
	assert.NoError(t, lp.Close())
}
