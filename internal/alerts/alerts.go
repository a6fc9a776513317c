package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agromon/internal/logger"
	"agromon/internal/metrics"
	"agromon/internal/models"
	"agromon/internal/state"
	"agromon/internal/storage"
)

// DefaultDroughtThreshold is the soil moisture percentage below which a plot is dry.
const DefaultDroughtThreshold = 60.0

// Rule defines a simple threshold-based alert rule.
type Rule struct {
	Name      string
	Type      models.AlertType
	Threshold float64
}

// DroughtRule returns the drought rule for the given threshold.
func DroughtRule(threshold float64) Rule {
	return Rule{Name: "drought", Type: models.AlertTypeDrought, Threshold: threshold}
}

// Below reports whether a soil moisture value is under the threshold.
func (r Rule) Below(moisture float64) bool { return moisture < r.Threshold }

// Message renders the text stored on a raised alert.
func (r Rule) Message(moisture float64) string {
	return fmt.Sprintf("soil moisture below %g%% (reading: %g%%)", r.Threshold, moisture)
}

// Outcome describes what an evaluation did.
type Outcome string

const (
	// Normal → Dry, a new alert was created
	OutcomeRaised Outcome = "raised"
	// Dry → Dry, the active alert is left alone
	OutcomeRepeat Outcome = "repeat"
	// Dry → Normal, the active alert was resolved
	OutcomeResolved Outcome = "resolved"
	// Dry → Normal with no active alert left to resolve
	OutcomeRecovered Outcome = "recovered"
	// Normal → Normal
	OutcomeNormal Outcome = "normal"
	// Reading older than the last one evaluated for the plot; nothing changed
	OutcomeStale Outcome = "stale"
)

// StoreError wraps any failure reading or writing either store during an
// evaluation. The delivery pipeline requeues the message when it sees one.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// AlertEngine is responsible for evaluating readings and emitting alerts.
type AlertEngine interface {
	Evaluate(ctx context.Context, r *models.Reading) (Outcome, error)
}

// Config holds engine configuration
type Config struct {
	Rule Rule
	// Skip readings older than the plot's last evaluated reading
	SkipStale bool
}

// Engine is the drought hysteresis state machine. It is the only writer of
// both stores. Evaluate must never run concurrently for the same plot; the
// two-store read-modify-write is not atomic.
type Engine struct {
	rule      Rule
	skipStale bool
	states    state.Store
	alerts    storage.AlertStore
}

// NewEngine creates a new engine over the given stores.
func NewEngine(cfg Config, states state.Store, alertStore storage.AlertStore) *Engine {
	if cfg.Rule.Type == "" {
		cfg.Rule = DroughtRule(DefaultDroughtThreshold)
	}
	return &Engine{
		rule:      cfg.Rule,
		skipStale: cfg.SkipStale,
		states:    states,
		alerts:    alertStore,
	}
}

// Rule returns the rule the engine evaluates.
func (e *Engine) Rule() Rule { return e.rule }

// Evaluate applies one reading to its plot's state. Store failures are
// returned as *StoreError and nothing is retried here.
func (e *Engine) Evaluate(ctx context.Context, r *models.Reading) (Outcome, error) {
	start := time.Now()
	outcome, err := e.evaluate(ctx, r)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.EvaluationsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (e *Engine) evaluate(ctx context.Context, r *models.Reading) (Outcome, error) {
	log := logger.WithComponent("engine").With().
		Str("plot_id", r.PlotID.String()).
		Str("reading_id", r.ID).
		Logger()

	st, err := e.states.Get(ctx, r.PlotID)
	if err != nil {
		return "", &StoreError{Op: "get state", Err: err}
	}
	if st == nil {
		st = models.NewMonitoringState(r)
	} else if e.skipStale && r.Timestamp.Before(st.LastReadingAt) {
		log.Warn().
			Time("reading_at", r.Timestamp).
			Time("last_reading_at", st.LastReadingAt).
			Msg("skipping stale reading")
		return OutcomeStale, nil
	}

	var outcome Outcome
	if e.rule.Below(r.SoilMoisture) {
		outcome, err = e.onBelow(ctx, r, st)
	} else {
		outcome, err = e.onRecovered(ctx, r, st)
	}
	if err != nil {
		return "", err
	}

	st.LastSoilMoisture = r.SoilMoisture
	st.LastReadingAt = r.Timestamp
	if err := e.states.Upsert(ctx, st); err != nil {
		return "", &StoreError{Op: "upsert state", Err: err}
	}

	log.Debug().
		Str("outcome", string(outcome)).
		Float64("soil_moisture", r.SoilMoisture).
		Bool("dry", st.IsDry()).
		Msg("reading evaluated")
	return outcome, nil
}

func (e *Engine) onBelow(ctx context.Context, r *models.Reading, st *models.MonitoringState) (Outcome, error) {
	active, err := e.alerts.FindActive(ctx, r.PlotID, e.rule.Type)
	if err != nil {
		return "", &StoreError{Op: "find active alert", Err: err}
	}

	if active != nil {
		// An earlier evaluation raised the alert but never saved the state.
		if st.DriestSince == nil {
			since := active.CreatedAt
			st.DriestSince = &since
		}
		return OutcomeRepeat, nil
	}

	if st.DriestSince == nil {
		since := r.Timestamp
		st.DriestSince = &since
	}

	alert := &models.Alert{
		PlotID:    r.PlotID,
		Type:      e.rule.Type,
		Message:   e.rule.Message(r.SoilMoisture),
		CreatedAt: r.Timestamp,
	}
	id, err := e.alerts.Insert(ctx, alert)
	if errors.Is(err, storage.ErrActiveAlertExists) {
		return OutcomeRepeat, nil
	}
	if err != nil {
		return "", &StoreError{Op: "insert alert", Err: err}
	}

	metrics.AlertsRaised.WithLabelValues(string(e.rule.Type)).Inc()
	log := logger.WithComponent("engine")
	log.Info().
		Str("plot_id", r.PlotID.String()).
		Str("reading_id", r.ID).
		Str("alert_id", id).
		Float64("soil_moisture", r.SoilMoisture).
		Float64("threshold", e.rule.Threshold).
		Msg("drought alert raised")
	return OutcomeRaised, nil
}

func (e *Engine) onRecovered(ctx context.Context, r *models.Reading, st *models.MonitoringState) (Outcome, error) {
	if st.DriestSince == nil {
		return OutcomeNormal, nil
	}
	st.DriestSince = nil

	active, err := e.alerts.FindActive(ctx, r.PlotID, e.rule.Type)
	if err != nil {
		return "", &StoreError{Op: "find active alert", Err: err}
	}
	if active == nil {
		return OutcomeRecovered, nil
	}

	resolved, err := e.alerts.ResolveIfActive(ctx, active.ID, r.Timestamp)
	if err != nil {
		return "", &StoreError{Op: "resolve alert", Err: err}
	}
	if !resolved {
		// resolved through the API in the meantime
		return OutcomeRecovered, nil
	}

	metrics.AlertsResolved.WithLabelValues("engine").Inc()
	log := logger.WithComponent("engine")
	log.Info().
		Str("plot_id", r.PlotID.String()).
		Str("reading_id", r.ID).
		Str("alert_id", active.ID).
		Float64("soil_moisture", r.SoilMoisture).
		Msg("drought alert resolved")
	return OutcomeResolved, nil
}

var _ AlertEngine = (*Engine)(nil)
