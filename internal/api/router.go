// Package api wires the RoadPulse HTTP API.
package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/api/handler"
	"github.com/roadpulse/roadpulse/internal/api/middleware"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	Service     *traffic.Service
	// Checks are probed by /v1/ops/ready in addition to the repository.
	Checks map[string]handler.Pinger
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	RequireTLS     bool
	Clock          clockwork.Clock
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "roadpulse-api"
	}

	// Order matters: the request id must exist before tracing and logging.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Clock)
	opsHandler.AddCheck("repository", cfg.Service)
	names := make([]string, 0, len(cfg.Checks))
	for name := range cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opsHandler.AddCheck(name, cfg.Checks[name])
	}
	trafficHandler := handler.NewTrafficHandler(cfg.Service, cfg.Logger)

	analyticsRateLimit := middleware.RateLimitByIP(middleware.AnalyticsRateLimit)
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)

		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/segments", trafficHandler.ListSegments)
			r.Get("/corridors", trafficHandler.ListCorridors)
		})

		r.Group(func(r chi.Router) {
			r.Use(analyticsRateLimit)
			r.Get("/reliability", trafficHandler.Reliability)
			r.Get("/anomalies", trafficHandler.Anomalies)
			r.Get("/events/{eventId}/impact", trafficHandler.EventImpact)
		})
	})

	return r
}
