// Package handler provides the HTTP handlers of the RoadPulse API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roadpulse/roadpulse/internal/api/models"
	"github.com/roadpulse/roadpulse/internal/api/response"
)

const readinessTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	checks    map[string]Pinger
	names     []string
	clock     clockwork.Clock
}

// NewOpsHandler creates a new OpsHandler. A nil clock means the wall clock.
func NewOpsHandler(version, buildTime string, clock clockwork.Clock) *OpsHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		checks:    make(map[string]Pinger),
		clock:     clock,
	}
}

// AddCheck registers a readiness dependency. Checks run in registration
// order.
func (h *OpsHandler) AddCheck(name string, p Pinger) {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = p
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.clock.Now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready - 503 while any dependency is
// unreachable.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.clock.Now()),
		Checks: make([]models.Check, 0, len(h.names)),
	}
	for _, name := range h.names {
		start := h.clock.Now()
		check := models.Check{Name: name, Status: models.HealthStatusOK}
		if err := h.checks[name].Ping(ctx); err != nil {
			check.Status = models.HealthStatusFail
			check.Detail = err.Error()
			health.Status = models.HealthStatusFail
		}
		check.Duration = h.clock.Since(start).String()
		health.Checks = append(health.Checks, check)
	}

	status := http.StatusOK
	if health.Status != models.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}
