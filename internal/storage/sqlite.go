package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"agromon/internal/models"
	"agromon/internal/state"
)

// SQLite implements AlertStore and state.Store in a single database file.
// Timestamps are stored as unix microseconds, the precision Postgres keeps,
// which covers any year a time.Time can parse.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	plot_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_active_idx ON alerts(plot_id, type) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS alerts_plot_created_idx ON alerts(plot_id, created_at DESC);

CREATE TABLE IF NOT EXISTS monitoring_states (
	plot_id            TEXT PRIMARY KEY,
	driest_since       INTEGER,
	last_reading_at    INTEGER NOT NULL,
	last_soil_moisture REAL NOT NULL
);
`

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- AlertStore ----

func (s *SQLite) Insert(ctx context.Context, a *models.Alert) (string, error) {
	id := newAlertID()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, plot_id, type, message, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id, a.PlotID.String(), string(a.Type), a.Message, a.CreatedAt.UnixMicro(), nullMicros(a.ResolvedAt))
	if err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	if n == 0 {
		return "", ErrActiveAlertExists
	}
	a.ID = id
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *SQLite) ListByPlot(ctx context.Context, plotID uuid.UUID, activeOnly bool, limit int) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+`
		   FROM alerts
		  WHERE plot_id = ? AND (? = 0 OR resolved_at IS NULL)
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		plotID.String(), activeOnly, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) FindActive(ctx context.Context, plotID uuid.UUID, t models.AlertType) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		  WHERE plot_id = ? AND type = ? AND resolved_at IS NULL
		  LIMIT 1`,
		plotID.String(), string(t))
	a, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active alert: %w", err)
	}
	return a, nil
}

func (s *SQLite) ResolveIfActive(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		at.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAlert(row rowScanner) (*models.Alert, error) {
	var (
		a          models.Alert
		plotID     string
		alertType  string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &plotID, &alertType, &a.Message, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	pid, err := uuid.Parse(plotID)
	if err != nil {
		return nil, fmt.Errorf("alert %s: bad plot_id: %w", a.ID, err)
	}
	a.PlotID = pid
	a.Type = models.AlertType(alertType)
	a.CreatedAt = fromMicros(createdAt)
	a.ResolvedAt = fromNullMicros(resolvedAt)
	return &a, nil
}

// ---- state.Store ----

func (s *SQLite) GetState(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error) {
	var (
		driestSince   sql.NullInt64
		lastReadingAt int64
		st            = models.MonitoringState{PlotID: plotID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT driest_since, last_reading_at, last_soil_moisture
		   FROM monitoring_states WHERE plot_id = ?`,
		plotID.String()).Scan(&driestSince, &lastReadingAt, &st.LastSoilMoisture)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	st.DriestSince = fromNullMicros(driestSince)
	st.LastReadingAt = fromMicros(lastReadingAt)
	return &st, nil
}

func (s *SQLite) UpsertState(ctx context.Context, st *models.MonitoringState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitoring_states (plot_id, driest_since, last_reading_at, last_soil_moisture)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (plot_id) DO UPDATE SET
		   driest_since = excluded.driest_since,
		   last_reading_at = excluded.last_reading_at,
		   last_soil_moisture = excluded.last_soil_moisture`,
		st.PlotID.String(), nullMicros(st.DriestSince), st.LastReadingAt.UnixMicro(), st.LastSoilMoisture)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// States exposes the state.Store view.
func (s *SQLite) States() state.Store { return liteStates{s} }

type liteStates struct{ s *SQLite }

func (l liteStates) Get(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error) {
	return l.s.GetState(ctx, plotID)
}

func (l liteStates) Upsert(ctx context.Context, st *models.MonitoringState) error {
	return l.s.UpsertState(ctx, st)
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(n int64) time.Time { return time.UnixMicro(n).UTC() }

func fromNullMicros(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}

var _ AlertStore = (*SQLite)(nil)
var _ state.Store = liteStates{}
