package state

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"agromon/internal/models"
)

// Store keeps one MonitoringState per plot. Records are created on the first
// reading and never deleted. Callers serialize access per plot, so last
// write wins is safe.
type Store interface {
	// Get returns nil, nil if the plot has no record yet.
	Get(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error)
	Upsert(ctx context.Context, s *models.MonitoringState) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]models.MonitoringState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[uuid.UUID]models.MonitoringState)}
}

func (m *MemoryStore) Get(ctx context.Context, plotID uuid.UUID) (*models.MonitoringState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[plotID]
	if !ok {
		return nil, nil
	}
	return cloneState(&s), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, s *models.MonitoringState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.PlotID] = *cloneState(s)
	return nil
}

// Len reports how many plots have state.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// cloneState copies the nullable timestamp so callers never share it.
func cloneState(s *models.MonitoringState) *models.MonitoringState {
	cp := *s
	if s.DriestSince != nil {
		t := *s.DriestSince
		cp.DriestSince = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
