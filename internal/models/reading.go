package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Reading is a single sensor measurement for a plot, as published on the
// readings queue. It is evaluated once and never persisted.
type Reading struct {
	// Producer-assigned identifier
	ID string `json:"id"`

	// Plot the sensor belongs to
	PlotID uuid.UUID `json:"plotId"`

	// Instant the measurement was taken
	Timestamp time.Time `json:"readingTimestamp"`

	// Soil moisture in percent
	SoilMoisture float64 `json:"soilMoisture"`

	Temperature   float64 `json:"temperature"`
	Precipitation float64 `json:"precipitation"`
}

// Validation errors
var (
	ErrEmptyID        = errors.New("reading ID cannot be empty")
	ErrMissingPlotID  = errors.New("plotId is required")
	ErrInvalidPlotID  = errors.New("plotId must be a non-nil UUID")
	ErrZeroTimestamp  = errors.New("readingTimestamp cannot be zero")
	ErrMissingField   = errors.New("required field missing")
	ErrNonFiniteValue = errors.New("measurement must be a finite number")
)

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("decode reading")

// DecodeError reports a payload that can never be evaluated. Messages that
// fail to decode are acknowledged and dropped rather than redelivered.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// readingInput is the wire shape. Pointers let us tell a missing field from
// a zero value. encoding/json matches keys case-insensitively.
type readingInput struct {
	ID               *string  `json:"id"`
	PlotID           *string  `json:"plotId"`
	ReadingTimestamp *string  `json:"readingTimestamp"`
	SoilMoisture     *float64 `json:"soilMoisture"`
	Temperature      *float64 `json:"temperature"`
	Precipitation    *float64 `json:"precipitation"`
}

// DecodeReading parses a queue payload into a normalized, validated Reading.
// Unknown fields are ignored. Any failure is returned as a *DecodeError.
func DecodeReading(body []byte) (*Reading, error) {
	var in readingInput
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, &DecodeError{Err: err}
	}

	r, err := in.toReading()
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return r, nil
}

func (in readingInput) toReading() (*Reading, error) {
	switch {
	case in.ID == nil:
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	case in.PlotID == nil:
		return nil, ErrMissingPlotID
	case in.ReadingTimestamp == nil:
		return nil, fmt.Errorf("%w: readingTimestamp", ErrMissingField)
	case in.SoilMoisture == nil:
		return nil, fmt.Errorf("%w: soilMoisture", ErrMissingField)
	case in.Temperature == nil:
		return nil, fmt.Errorf("%w: temperature", ErrMissingField)
	case in.Precipitation == nil:
		return nil, fmt.Errorf("%w: precipitation", ErrMissingField)
	}

	plotID, err := uuid.Parse(*in.PlotID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlotID, err)
	}

	ts, err := ParseTimestamp(*in.ReadingTimestamp)
	if err != nil {
		return nil, fmt.Errorf("readingTimestamp: %w", err)
	}

	return &Reading{
		ID:            *in.ID,
		PlotID:        plotID,
		Timestamp:     ts,
		SoilMoisture:  *in.SoilMoisture,
		Temperature:   *in.Temperature,
		Precipitation: *in.Precipitation,
	}, nil
}

// Validate checks that the Reading carries everything the engine needs.
func (r *Reading) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}

	if r.PlotID == uuid.Nil {
		return ErrInvalidPlotID
	}

	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	for _, v := range []float64{r.SoilMoisture, r.Temperature, r.Precipitation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFiniteValue
		}
	}

	return nil
}

// Encode renders the Reading in its wire form.
func (r *Reading) Encode() ([]byte, error) {
	return json.Marshal(struct {
		ID               string  `json:"id"`
		PlotID           string  `json:"plotId"`
		ReadingTimestamp string  `json:"readingTimestamp"`
		SoilMoisture     float64 `json:"soilMoisture"`
		Temperature      float64 `json:"temperature"`
		Precipitation    float64 `json:"precipitation"`
	}{
		ID:               r.ID,
		PlotID:           r.PlotID.String(),
		ReadingTimestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		SoilMoisture:     r.SoilMoisture,
		Temperature:      r.Temperature,
		Precipitation:    r.Precipitation,
	})
}
