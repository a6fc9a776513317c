package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agromon/internal/models"
	"agromon/internal/state"
)

// Postgres implements both AlertStore and state.Store on one pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// EnsureSchema creates the alerts and monitoring_states tables.
// The partial unique index enforces one active alert per plot and type.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			plot_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)
		`,
		`CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_active_idx ON alerts(plot_id, type) WHERE resolved_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS alerts_plot_created_idx ON alerts(plot_id, created_at DESC)`,
		`
		CREATE TABLE IF NOT EXISTS monitoring_states (
			plot_id TEXT PRIMARY KEY,
			driest_since TIMESTAMPTZ,
			last_reading_at TIMESTAMPTZ NOT NULL,
			last_soil_moisture DOUBLE PRECISION NOT NULL
		)
		`,
	}

	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ---- AlertStore ----

func (p *Postgres) Insert(ctx context.Context, a *models.Alert) (string, error) {
	id := newAlertID()
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO alerts (id, plot_id, type, message, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		id, a.PlotID.String(), string(a.Type), a.Message, a.CreatedAt.UTC(), a.ResolvedAt)
	if err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrActiveAlertExists
	}
	a.ID = id
	return id, nil
}

const alertColumns = `id, plot_id, type, message, created_at, resolved_at`

func (p *Postgres) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListByPlot(ctx context.Context, plotID uuid.UUID, activeOnly bool, limit int) ([]models.Alert, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+alertColumns+`
		   FROM alerts
		  WHERE plot_id = $1 AND ($2 = FALSE OR resolved_at IS NULL)
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		plotID.String(), activeOnly, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) FindActive(ctx context.Context, plotID uuid.UUID, t models.AlertType) (*models.Alert, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		  WHERE plot_id = $1 AND type = $2 AND resolved_at IS NULL
		  LIMIT 1`,
		plotID.String(), string(t))
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active alert: %w", err)
	}
	return a, nil
}

func (p *Postgres) ResolveIfActive(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE alerts SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`,
		id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a          models.Alert
		plotID     string
		alertType  string
		resolvedAt *time.Time
	)
	if err := row.Scan(&a.ID, &plotID, &alertType, &a.Message, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	pid, err := uuid.Parse(plotID)
	if err != nil {
		return nil, fmt.Errorf("alert %s: bad plot_id: %w", a.ID, err)
	}
	a.PlotID = pid
	a.Type = models.AlertType(alertType)
	a.CreatedAt = a.CreatedAt.UTC()
	if resolvedAt != nil {
		ts := resolvedAt.UTC()
		a.ResolvedAt = &ts
	}
	return &a, nil
}

// ---- state.Store ----

func (p *Postgres) GetState(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error) {
	var (
		s           models.MonitoringState
		driestSince *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT driest_since, last_reading_at, last_soil_moisture
		   FROM monitoring_states WHERE plot_id = $1`,
		plotID.String()).Scan(&driestSince, &s.LastReadingAt, &s.LastSoilMoisture)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	s.PlotID = plotID
	s.LastReadingAt = s.LastReadingAt.UTC()
	if driestSince != nil {
		ts := driestSince.UTC()
		s.DriestSince = &ts
	}
	return &s, nil
}

func (p *Postgres) Upsert(ctx context.Context, s *models.MonitoringState) error {
	const q = `
		INSERT INTO monitoring_states (plot_id, driest_since, last_reading_at, last_soil_moisture)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plot_id)
		DO UPDATE SET driest_since = EXCLUDED.driest_since,
		              last_reading_at = EXCLUDED.last_reading_at,
		              last_soil_moisture = EXCLUDED.last_soil_moisture
	`
	_, err := p.pool.Exec(ctx, q, s.PlotID.String(), s.DriestSince, s.LastReadingAt.UTC(), s.LastSoilMoisture)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// States exposes the state.Store view; Get is taken by AlertStore.
func (p *Postgres) States() state.Store { return pgStates{p} }

type pgStates struct{ p *Postgres }

func (s pgStates) Get(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error) {
	return s.p.GetState(ctx, plotID)
}

func (s pgStates) Upsert(ctx context.Context, st *models.MonitoringState) error {
	return s.p.Upsert(ctx, st)
}

var _ AlertStore = (*Postgres)(nil)
var _ state.Store = pgStates{}
