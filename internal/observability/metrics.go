// Package observability holds the Prometheus metrics shared by the API and
// the worker.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roadpulse"

// Metrics holds the Prometheus counters and histograms for analytics and
// ingestion.
type Metrics struct {
	// Analytics metrics. product={reliability,anomalies,event_impact}
	AnalyticsRequests *prometheus.CounterVec   // labels: product, outcome={ok,config_error,schema_error,not_found,error}
	AnalyticsDuration *prometheus.HistogramVec // labels: product
	CacheLookups      *prometheus.CounterVec   // labels: product, result={hit,miss,error}
	EntitiesScored    prometheus.Histogram
	AnomalyEvents     prometheus.Counter

	// Ingestion metrics.
	IngestRuns           *prometheus.CounterVec // labels: job, outcome={success,error}
	ObservationsIngested prometheus.Counter
	StreamMessages       *prometheus.CounterVec // labels: outcome={ok,malformed}
	StreamBatchSize      prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AnalyticsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_requests_total",
			Help:      "Analytics computations by product and outcome.",
		}, []string{"product", "outcome"}),
		AnalyticsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analytics_duration_seconds",
			Help:      "Wall time of an analytics computation including data loading.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"product"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Result cache lookups by product and result.",
		}, []string{"product", "result"}),
		EntitiesScored: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reliability_entities_scored",
			Help:      "Number of entities with a reliability score per request.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		AnomalyEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_events_total",
			Help:      "Anomaly events emitted across all requests.",
		}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Worker job runs by job type and outcome.",
		}, []string{"job", "outcome"}),
		ObservationsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_ingested_total",
			Help:      "Observations written to the repository.",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Observation stream messages by outcome.",
		}, []string{"outcome"}),
		StreamBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_batch_size",
			Help:      "Observations per stream batch written to the repository.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
	}

	reg.MustRegister(
		m.AnalyticsRequests,
		m.AnalyticsDuration,
		m.CacheLookups,
		m.EntitiesScored,
		m.AnomalyEvents,
		m.IngestRuns,
		m.ObservationsIngested,
		m.StreamMessages,
		m.StreamBatchSize,
	)

	return m
}

// NewMetricsForTesting creates Metrics on a fresh registry so tests can
// build as many as they like.
func NewMetricsForTesting() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
