package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agromon/internal/logger"
	"agromon/internal/metrics"
	"agromon/internal/models"
	"agromon/internal/storage"
)

// MaxListLimit caps the limit query parameter.
const MaxListLimit = 1000

// AlertsHandler serves the read and resolve API for alerts. It never
// creates alerts; that is the engine's job.
type AlertsHandler struct {
	store storage.AlertStore
	now   func() time.Time
}

// NewAlertsHandler creates a new alerts handler
func NewAlertsHandler(store storage.AlertStore) *AlertsHandler {
	return &AlertsHandler{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts the handler on r.
func (h *AlertsHandler) Routes(r chi.Router) {
	r.Get("/alerts", h.List)
	r.Get("/alerts/{id}", h.Get)
	r.Post("/alerts/{id}/resolve", h.Resolve)
}

// AlertResponse is an alert as returned by the API
type AlertResponse struct {
	*models.Alert
	Status models.AlertStatus `json:"status"`
}

func toResponse(a *models.Alert) AlertResponse {
	return AlertResponse{Alert: a, Status: a.Status()}
}

// Get handles GET /alerts/{id}
func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(a))
}

// List handles GET /alerts?plotId=&activeOnly=&limit=
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("plotId"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "plotId is required")
		return
	}
	plotID, err := uuid.Parse(raw)
	if err != nil || plotID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "plotId must be a non-nil UUID")
		return
	}

	activeOnly := false
	if v := q.Get("activeOnly"); v != "" {
		activeOnly, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "activeOnly must be a boolean")
			return
		}
	}

	limit := storage.DefaultListLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
	}

	list, err := h.store.ListByPlot(r.Context(), plotID, activeOnly, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	out := make([]AlertResponse, 0, len(list))
	for i := range list {
		out = append(out, toResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// Resolve handles POST /alerts/{id}/resolve. Resolving an already resolved
// alert is a no-op that returns the record unchanged.
func (h *AlertsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	a, err := h.store.Get(ctx, id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	if a.IsActive() {
		resolved, err := h.store.ResolveIfActive(ctx, id, h.now())
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		if resolved {
			metrics.AlertsResolved.WithLabelValues("api").Inc()
			log := logger.WithComponent("alerts_api")
			log.Info().
				Str("alert_id", id).
				Str("plot_id", a.PlotID.String()).
				Str("request_id", r.Header.Get("X-Request-ID")).
				Msg("alert resolved")
		}

		// re-read so a concurrent engine resolution is reported as stored
		if a, err = h.store.Get(ctx, id); err != nil {
			h.storeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, toResponse(a))
}

func (h *AlertsHandler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.WithComponent("alerts_api")
	log.Error().
		Err(err).
		Str("path", r.URL.Path).
		Str("request_id", r.Header.Get("X-Request-ID")).
		Msg("alert store failed")
	writeError(w, http.StatusServiceUnavailable, "alert store unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
