package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agromon/internal/config"
	"agromon/internal/models"
	"agromon/internal/state"
)

// ErrActiveAlertExists is returned by Insert when the plot already has an
// active alert of the same type.
var ErrActiveAlertExists = errors.New("active alert already exists for plot and type")

// DefaultListLimit bounds ListByPlot when the caller passes a non-positive limit.
const DefaultListLimit = 100

// AlertStore persists alert records. Identifiers are assigned by the store.
type AlertStore interface {
	// Insert assigns a.ID and stores the alert.
	Insert(ctx context.Context, a *models.Alert) (string, error)
	// Get returns nil, nil if there is no alert with that id.
	Get(ctx context.Context, id string) (*models.Alert, error)
	// ListByPlot returns alerts newest-created first.
	ListByPlot(ctx context.Context, plotID uuid.UUID, activeOnly bool, limit int) ([]models.Alert, error)
	// FindActive returns the active alert of the given type, or nil, nil.
	FindActive(ctx context.Context, plotID uuid.UUID, t models.AlertType) (*models.Alert, error)
	// ResolveIfActive sets resolvedAt only if it is unset and reports whether it did.
	ResolveIfActive(ctx context.Context, id string, at time.Time) (bool, error)
}

// Stores bundles the two collections a backend provides.
type Stores struct {
	Backend string
	Alerts  AlertStore
	States  state.Store

	close func() error
}

// Close releases the backend's resources.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.StorageConfig) (*Stores, error) {
	switch cfg.Backend {
	case "", "memory":
		return &Stores{Backend: "memory", Alerts: NewMemoryAlerts(), States: state.NewMemoryStore()}, nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Stores{Backend: "postgres", Alerts: pg, States: pg.States(), close: func() error { pg.Close(); return nil }}, nil
	case "sqlite":
		lite, err := NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Stores{Backend: "sqlite", Alerts: lite, States: lite.States(), close: lite.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newAlertID() string { return uuid.NewString() }

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
