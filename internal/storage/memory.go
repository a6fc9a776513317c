package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agromon/internal/models"
)

// MemoryAlerts is an in-process AlertStore.
type MemoryAlerts struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

func NewMemoryAlerts() *MemoryAlerts {
	return &MemoryAlerts{alerts: make(map[string]*models.Alert)}
}

func (m *MemoryAlerts) Insert(ctx context.Context, a *models.Alert) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ResolvedAt == nil {
		for _, cur := range m.alerts {
			if cur.PlotID == a.PlotID && cur.Type == a.Type && cur.IsActive() {
				return "", ErrActiveAlertExists
			}
		}
	}

	a.ID = newAlertID()
	m.alerts[a.ID] = cloneAlert(a)
	return a.ID, nil
}

func (m *MemoryAlerts) Get(ctx context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	return cloneAlert(a), nil
}

func (m *MemoryAlerts) ListByPlot(ctx context.Context, plotID uuid.UUID, activeOnly bool, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if a.PlotID != plotID || (activeOnly && !a.IsActive()) {
			continue
		}
		out = append(out, *cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAlerts) FindActive(ctx context.Context, plotID uuid.UUID, t models.AlertType) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.PlotID == plotID && a.Type == t && a.IsActive() {
			return cloneAlert(a), nil
		}
	}
	return nil, nil
}

func (m *MemoryAlerts) ResolveIfActive(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || !a.IsActive() {
		return false, nil
	}
	ts := at.UTC()
	a.ResolvedAt = &ts
	return true, nil
}

// cloneAlert copies the nullable timestamp so callers never share it.
func cloneAlert(a *models.Alert) *models.Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ AlertStore = (*MemoryAlerts)(nil)
