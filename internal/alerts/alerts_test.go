package alerts

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromon/internal/models"
	"agromon/internal/state"
	"agromon/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func reading(plot uuid.UUID, moisture float64, at time.Time) *models.Reading {
	return &models.Reading{
		ID:           uuid.NewString(),
		PlotID:       plot,
		Timestamp:    at,
		SoilMoisture: moisture,
	}
}

type fixture struct {
	engine *Engine
	states *state.MemoryStore
	alerts *storage.MemoryAlerts
}

func newFixture(skipStale bool) *fixture {
	f := &fixture{states: state.NewMemoryStore(), alerts: storage.NewMemoryAlerts()}
	f.engine = NewEngine(Config{Rule: DroughtRule(60), SkipStale: skipStale}, f.states, f.alerts)
	return f
}

func (f *fixture) activeCount(t *testing.T, plot uuid.UUID) int {
	t.Helper()
	list, err := f.alerts.ListByPlot(context.Background(), plot, true, 1000)
	require.NoError(t, err)
	return len(list)
}

func (f *fixture) state(t *testing.T, plot uuid.UUID) *models.MonitoringState {
	t.Helper()
	st, err := f.states.Get(context.Background(), plot)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestEngine_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	out, err := f.engine.Evaluate(ctx, reading(plot, 55, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaised, out)

	a1, err := f.alerts.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)
	require.NotNil(t, a1)
	assert.True(t, a1.CreatedAt.Equal(t0))
	assert.Equal(t, "soil moisture below 60% (reading: 55%)", a1.Message)

	out, err = f.engine.Evaluate(ctx, reading(plot, 50, t0.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepeat, out)
	assert.Equal(t, 1, f.activeCount(t, plot))

	out, err = f.engine.Evaluate(ctx, reading(plot, 62, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, out)

	got, err := f.alerts.Get(ctx, a1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(t0.Add(10*time.Minute)))
	assert.Nil(t, f.state(t, plot).DriestSince)

	out, err = f.engine.Evaluate(ctx, reading(plot, 58, t0.Add(15*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaised, out)

	a2, err := f.alerts.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)
	require.NotNil(t, a2)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.True(t, a2.CreatedAt.Equal(t0.Add(15*time.Minute)))

	all, err := f.alerts.ListByPlot(ctx, plot, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngine_SingleActiveAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		moisture := 40 + rng.Float64()*40
		_, err := f.engine.Evaluate(ctx, reading(plot, moisture, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)

		n := f.activeCount(t, plot)
		require.LessOrEqual(t, n, 1, "iteration %d", i)

		st := f.state(t, plot)
		assert.Equal(t, moisture < 60, st.IsDry(), "driestSince must track the last evaluation")
		assert.Equal(t, st.IsDry(), n == 1)
	}
}

func TestEngine_RepeatBelowThresholdCreatesOneAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	_, err := f.engine.Evaluate(ctx, reading(plot, 30, t0))
	require.NoError(t, err)
	_, err = f.engine.Evaluate(ctx, reading(plot, 20, t0.Add(time.Minute)))
	require.NoError(t, err)

	all, err := f.alerts.ListByPlot(ctx, plot, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	st := f.state(t, plot)
	require.NotNil(t, st.DriestSince)
	assert.True(t, st.DriestSince.Equal(t0), "driestSince keeps the first crossing")
	assert.Equal(t, 20.0, st.LastSoilMoisture)
	assert.True(t, st.LastReadingAt.Equal(t0.Add(time.Minute)))
}

func TestEngine_ThresholdIsInclusiveForRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	out, err := f.engine.Evaluate(ctx, reading(plot, 60, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormal, out)
	assert.Equal(t, 0, f.activeCount(t, plot))

	_, err = f.engine.Evaluate(ctx, reading(plot, 59.99, t0.Add(time.Minute)))
	require.NoError(t, err)
	out, err = f.engine.Evaluate(ctx, reading(plot, 60, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, out)
}

func TestEngine_ResolvedAtNeverMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	_, err := f.engine.Evaluate(ctx, reading(plot, 10, t0))
	require.NoError(t, err)
	a, err := f.alerts.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)

	_, err = f.engine.Evaluate(ctx, reading(plot, 90, t0.Add(time.Minute)))
	require.NoError(t, err)

	for i := 2; i < 20; i++ {
		m := 90.0
		if i%3 == 0 {
			m = 10
		}
		_, err = f.engine.Evaluate(ctx, reading(plot, m, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	got, err := f.alerts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(t0.Add(time.Minute)))
}

func TestEngine_ResolvedThroughAPIFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	_, err := f.engine.Evaluate(ctx, reading(plot, 10, t0))
	require.NoError(t, err)
	a, err := f.alerts.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)

	manual := t0.Add(30 * time.Second)
	ok, err := f.alerts.ResolveIfActive(ctx, a.ID, manual)
	require.NoError(t, err)
	require.True(t, ok)

	// state still says dry; the recovery reading has nothing left to resolve
	out, err := f.engine.Evaluate(ctx, reading(plot, 80, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, out)

	got, err := f.alerts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.ResolvedAt.Equal(manual))
	assert.Nil(t, f.state(t, plot).DriestSince)
}

func TestEngine_RepairsMissingDriestSince(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	plot := uuid.New()

	// alert exists but the state upsert never happened
	_, err := f.alerts.Insert(ctx, &models.Alert{PlotID: plot, Type: models.AlertTypeDrought, CreatedAt: t0})
	require.NoError(t, err)

	out, err := f.engine.Evaluate(ctx, reading(plot, 40, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepeat, out)

	st := f.state(t, plot)
	require.NotNil(t, st.DriestSince)
	assert.True(t, st.DriestSince.Equal(t0))

	out, err = f.engine.Evaluate(ctx, reading(plot, 70, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, out)
	assert.Equal(t, 0, f.activeCount(t, plot))
}

func TestEngine_StaleReadings(t *testing.T) {
	ctx := context.Background()
	plot := uuid.New()

	t.Run("skipped when enabled", func(t *testing.T) {
		f := newFixture(true)
		_, err := f.engine.Evaluate(ctx, reading(plot, 80, t0.Add(time.Hour)))
		require.NoError(t, err)

		out, err := f.engine.Evaluate(ctx, reading(plot, 10, t0))
		require.NoError(t, err)
		assert.Equal(t, OutcomeStale, out)
		assert.Equal(t, 0, f.activeCount(t, plot))

		st := f.state(t, plot)
		assert.Equal(t, 80.0, st.LastSoilMoisture)
		assert.True(t, st.LastReadingAt.Equal(t0.Add(time.Hour)))
	})

	t.Run("equal timestamp is evaluated", func(t *testing.T) {
		f := newFixture(true)
		r := reading(plot, 10, t0)
		_, err := f.engine.Evaluate(ctx, r)
		require.NoError(t, err)

		out, err := f.engine.Evaluate(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRepeat, out)
		assert.Equal(t, 1, f.activeCount(t, plot))
	})

	t.Run("evaluated when disabled", func(t *testing.T) {
		f := newFixture(false)
		_, err := f.engine.Evaluate(ctx, reading(plot, 80, t0.Add(time.Hour)))
		require.NoError(t, err)

		out, err := f.engine.Evaluate(ctx, reading(plot, 10, t0))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRaised, out)
	})
}

func TestEngine_PlotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	a, b := uuid.New(), uuid.New()

	_, err := f.engine.Evaluate(ctx, reading(a, 10, t0))
	require.NoError(t, err)
	out, err := f.engine.Evaluate(ctx, reading(b, 10, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaised, out)

	_, err = f.engine.Evaluate(ctx, reading(a, 90, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 0, f.activeCount(t, a))
	assert.Equal(t, 1, f.activeCount(t, b))
}

// failingAlerts injects errors into selected AlertStore operations.
type failingAlerts struct {
	storage.AlertStore
	failFind, failInsert, failResolve bool
}

var errUnavailable = errors.New("store unavailable")

func (f *failingAlerts) FindActive(ctx context.Context, plot uuid.UUID, t models.AlertType) (*models.Alert, error) {
	if f.failFind {
		return nil, errUnavailable
	}
	return f.AlertStore.FindActive(ctx, plot, t)
}

func (f *failingAlerts) Insert(ctx context.Context, a *models.Alert) (string, error) {
	if f.failInsert {
		return "", errUnavailable
	}
	return f.AlertStore.Insert(ctx, a)
}

func (f *failingAlerts) ResolveIfActive(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.failResolve {
		return false, errUnavailable
	}
	return f.AlertStore.ResolveIfActive(ctx, id, at)
}

type failingStates struct {
	state.Store
	failGet, failUpsert bool
}

func (f *failingStates) Get(ctx context.Context, plot uuid.UUID) (*models.MonitoringState, error) {
	if f.failGet {
		return nil, errUnavailable
	}
	return f.Store.Get(ctx, plot)
}

func (f *failingStates) Upsert(ctx context.Context, s *models.MonitoringState) error {
	if f.failUpsert {
		return errUnavailable
	}
	return f.Store.Upsert(ctx, s)
}

func TestEngine_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		alerts   failingAlerts
		states   failingStates
		moisture float64
		op       string
	}{
		{name: "get state", states: failingStates{failGet: true}, moisture: 10, op: "get state"},
		{name: "find active", alerts: failingAlerts{failFind: true}, moisture: 10, op: "find active alert"},
		{name: "insert", alerts: failingAlerts{failInsert: true}, moisture: 10, op: "insert alert"},
		{name: "upsert state", states: failingStates{failUpsert: true}, moisture: 10, op: "upsert state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.alerts.AlertStore = storage.NewMemoryAlerts()
			tt.states.Store = state.NewMemoryStore()
			e := NewEngine(Config{Rule: DroughtRule(60)}, &tt.states, &tt.alerts)

			_, err := e.Evaluate(ctx, reading(uuid.New(), tt.moisture, t0))
			require.Error(t, err)
			assert.True(t, IsStoreError(err))
			assert.ErrorIs(t, err, errUnavailable)

			var se *StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.op, se.Op)
		})
	}
}

func TestEngine_RetryAfterResolveFailure(t *testing.T) {
	ctx := context.Background()
	alertStore := &failingAlerts{AlertStore: storage.NewMemoryAlerts()}
	states := state.NewMemoryStore()
	e := NewEngine(Config{Rule: DroughtRule(60), SkipStale: true}, states, alertStore)
	plot := uuid.New()

	_, err := e.Evaluate(ctx, reading(plot, 10, t0))
	require.NoError(t, err)

	recovery := reading(plot, 90, t0.Add(time.Minute))
	alertStore.failResolve = true
	_, err = e.Evaluate(ctx, recovery)
	require.Error(t, err)

	// redelivery of the same reading succeeds once the store is back
	alertStore.failResolve = false
	out, err := e.Evaluate(ctx, recovery)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, out)

	active, err := alertStore.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRule_Message(t *testing.T) {
	r := DroughtRule(60)
	assert.Equal(t, "soil moisture below 60% (reading: 42.5%)", r.Message(42.5))
	assert.True(t, r.Below(59.9))
	assert.False(t, r.Below(60))
}

func TestNewEngine_DefaultRule(t *testing.T) {
	e := NewEngine(Config{}, state.NewMemoryStore(), storage.NewMemoryAlerts())
	assert.Equal(t, DefaultDroughtThreshold, e.Rule().Threshold)
	assert.Equal(t, models.AlertTypeDrought, e.Rule().Type)
}

func TestEngine_SQLiteAncientReadingDoesNotBlockPlot(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "agromon.db"))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "cgo") {
		t.Skipf("sqlite unavailable: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := NewEngine(Config{Rule: DroughtRule(60), SkipStale: true}, db.States(), db)
	plot := uuid.New()

	out, err := e.Evaluate(ctx, reading(plot, 70, time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormal, out)

	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	out, err = e.Evaluate(ctx, reading(plot, 10, now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaised, out)

	st, err := db.GetState(ctx, plot)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.LastReadingAt.Equal(now), "lastReadingAt = %v", st.LastReadingAt)

	active, err := db.FindActive(ctx, plot, models.AlertTypeDrought)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.True(t, active.CreatedAt.Equal(now))
}
