package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertType is the closed set of alert kinds the engine raises.
type AlertType string

const (
	AlertTypeDrought AlertType = "drought"
)

// IsValid checks if the alert type is known
func (t AlertType) IsValid() bool {
	switch t {
	case AlertTypeDrought:
		return true
	default:
		return false
	}
}

// AlertStatus is derived from ResolvedAt and never stored.
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is a raised condition for a plot. Alerts move from active to
// resolved exactly once; ResolvedAt is never modified after it is set.
type Alert struct {
	ID         string     `json:"id"`
	PlotID     uuid.UUID  `json:"plotId"`
	Type       AlertType  `json:"type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt"`
}

// Status reports Active iff ResolvedAt is unset.
func (a *Alert) Status() AlertStatus {
	if a.ResolvedAt == nil {
		return AlertStatusActive
	}
	return AlertStatusResolved
}

// IsActive is shorthand for Status() == AlertStatusActive.
func (a *Alert) IsActive() bool { return a.ResolvedAt == nil }

// MonitoringState is the derived per-plot state the engine keeps instead of
// the reading history.
type MonitoringState struct {
	PlotID uuid.UUID `json:"plotId"`

	// Set when the plot crossed below the drought threshold, cleared on recovery
	DriestSince *time.Time `json:"driestSince"`

	LastReadingAt    time.Time `json:"lastReadingAt"`
	LastSoilMoisture float64   `json:"lastSoilMoisture"`
}

// NewMonitoringState synthesizes the implicit Normal state for a plot seen
// for the first time.
func NewMonitoringState(r *Reading) *MonitoringState {
	return &MonitoringState{
		PlotID:           r.PlotID,
		LastReadingAt:    r.Timestamp,
		LastSoilMoisture: r.SoilMoisture,
	}
}

// IsDry reports whether the plot's last evaluation placed it below threshold.
func (s *MonitoringState) IsDry() bool { return s.DriestSince != nil }
