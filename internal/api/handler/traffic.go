package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/api/models"
	"github.com/roadpulse/roadpulse/internal/api/response"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// TrafficHandler serves the road network and analytics endpoints.
type TrafficHandler struct {
	service *traffic.Service
	log     zerolog.Logger
}

// NewTrafficHandler creates a new TrafficHandler.
func NewTrafficHandler(service *traffic.Service, log zerolog.Logger) *TrafficHandler {
	return &TrafficHandler{
		service: service,
		log:     log.With().Str("component", "traffic_handler").Logger(),
	}
}

// ListSegments handles GET /v1/segments.
func (h *TrafficHandler) ListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.service.Segments(r.Context(), idList(r.URL.Query(), paramIDs)...)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewList(segments))
}

// ListCorridors handles GET /v1/corridors.
func (h *TrafficHandler) ListCorridors(w http.ResponseWriter, r *http.Request) {
	corridors, err := h.service.Corridors(r.Context(), idList(r.URL.Query(), paramIDs)...)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewList(corridors))
}

// Reliability handles GET /v1/reliability - rank segments or corridors by
// how unreliable their speeds were over the window.
func (h *TrafficHandler) Reliability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, errs := timeWindow(q)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid time window", errs)
		return
	}
	overrides, err := analytics.OverridesFromQuery(q, paramScope, paramIDs, paramStart, paramEnd)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	report, err := h.service.Reliability(r.Context(), traffic.ReliabilityRequest{
		Scope:     traffic.Scope(q.Get(paramScope)),
		IDs:       idList(q, paramIDs),
		Window:    window,
		Overrides: overrides,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, r, http.StatusOK, report)
}

// Anomalies handles GET /v1/anomalies - per-segment z-score timelines and
// the anomaly events found in them.
func (h *TrafficHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, errs := timeWindow(q)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid time window", errs)
		return
	}
	overrides, err := analytics.OverridesFromQuery(q, paramSegmentIDs, paramStart, paramEnd)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	report, err := h.service.Anomalies(r.Context(), traffic.AnomalyRequest{
		SegmentIDs: idList(q, paramSegmentIDs),
		Window:     window,
		Overrides:  overrides,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, r, http.StatusOK, report)
}

// EventImpact handles GET /v1/events/{eventId}/impact.
func (h *TrafficHandler) EventImpact(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	if eventID == "" {
		response.BadRequest(w, r, "eventId is required", nil)
		return
	}
	overrides, err := analytics.OverridesFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	impact, err := h.service.EventImpact(r.Context(), eventID, overrides)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, r, http.StatusOK, impact)
}
