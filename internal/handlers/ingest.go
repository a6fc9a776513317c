package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"agromon/internal/logger"
	"agromon/internal/models"
)

// Publisher puts a reading on the readings queue.
type Publisher interface {
	Publish(ctx context.Context, r *models.Reading) error
}

// IngestHandler accepts readings over HTTP for sensor gateways that cannot
// talk to the broker. Readings are only published; evaluation happens when
// the pipeline consumes them.
type IngestHandler struct {
	publisher      Publisher
	maxBodySize    int64
	publishTimeout time.Duration
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Publisher      Publisher
	MaxBodySize    int64
	PublishTimeout time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1024 * 1024 // 1MB default
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}

	return &IngestHandler{
		publisher:      cfg.Publisher,
		maxBodySize:    maxBodySize,
		publishTimeout: publishTimeout,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a problem with one reading of the request
type IngestError struct {
	Index     int    `json:"index"`
	ReadingID string `json:"reading_id,omitempty"`
	Error     string `json:"error"`
}

// ServeHTTP handles POST /readings with a single reading or an array.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Validate content type, parameters such as charset are fine
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := splitBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	resp := h.publishAll(r.Context(), items)

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
		for _, e := range resp.Errors {
			if e.Error == errQueueUnavailable {
				status = http.StatusServiceUnavailable
				break
			}
		}
	}
	writeJSON(w, status, resp)
}

const errQueueUnavailable = "queue unavailable, try again later"

// splitBody accepts either one reading object or an array of them.
func splitBody(body []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	var single map[string]json.RawMessage
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
	}
	return []json.RawMessage{body}, nil
}

func (h *IngestHandler) publishAll(ctx context.Context, items []json.RawMessage) IngestResponse {
	log := logger.WithComponent("ingest")
	resp := IngestResponse{Errors: make([]IngestError, 0)}

	for i, raw := range items {
		reading, err := models.DecodeReading(raw)
		if err != nil {
			resp.Errors = append(resp.Errors, IngestError{Index: i, Error: err.Error()})
			resp.Rejected++
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, h.publishTimeout)
		err = h.publisher.Publish(pubCtx, reading)
		cancel()
		if err != nil {
			log.Error().
				Err(err).
				Str("reading_id", reading.ID).
				Str("plot_id", reading.PlotID.String()).
				Msg("failed to publish reading")
			resp.Errors = append(resp.Errors, IngestError{Index: i, ReadingID: reading.ID, Error: errQueueUnavailable})
			resp.Rejected++
			continue
		}
		resp.Accepted++
	}

	resp.Success = resp.Rejected == 0
	return resp
}
