package models

import (
	"time"
)

// Envelope wraps a decoded Reading with delivery metadata for processing
type Envelope struct {
	// Decoded reading
	Reading *Reading `json:"reading"`

	// Delivery metadata
	ReceivedAt  time.Time `json:"received_at"`
	Transport   string    `json:"transport"`
	Redelivered bool      `json:"redelivered"`

	// Serialization key: every reading of a plot goes through the same worker
	PartitionKey string `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping a reading
func NewEnvelope(reading *Reading, transport string, redelivered bool) *Envelope {
	return &Envelope{
		Reading:      reading,
		ReceivedAt:   time.Now().UTC(),
		Transport:    transport,
		Redelivered:  redelivered,
		PartitionKey: reading.PlotID.String(),
	}
}
