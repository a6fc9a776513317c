package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when no supported layout matches.
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// SupportedTimestampFormats lists the ISO-8601 layouts we attempt to parse.
// Layouts without an offset are read as UTC.
var SupportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
}

// Normalize applies field normalization to a Reading
// - trims ID
// - converts Timestamp to UTC
func (r *Reading) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.Timestamp = r.Timestamp.UTC()
}

// ParseTimestamp attempts to parse a timestamp string into a UTC time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
