// Package worker runs the background ingestion jobs of RoadPulse.
package worker

import (
	"os"
	"strconv"
	"time"
)

// IngestConfig holds configuration for the ingestion jobs.
type IngestConfig struct {
	// Lookback is how far back each observation pull reaches. Overlapping
	// pulls are harmless because upserts are keyed by (segment, timestamp).
	Lookback time.Duration

	// EventLookback is how far back network syncs look for incidents.
	EventLookback time.Duration

	// Concurrency is the number of segments fetched in parallel.
	Concurrency int

	// Timeout bounds the fetch of a single segment.
	Timeout time.Duration

	// Interval is the period of the scheduled observation pull.
	Interval time.Duration

	// SyncEvery runs a network sync on every Nth scheduled pull.
	SyncEvery int
}

// DefaultIngestConfig returns the default ingestion configuration.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Lookback:      2 * time.Hour,
		EventLookback: 24 * time.Hour,
		Concurrency:   4,
		Timeout:       30 * time.Second,
		Interval:      5 * time.Minute,
		SyncEvery:     12,
	}
}

// IngestConfigFromEnv overlays INGEST_* variables on the defaults.
// Unparsable values keep the default.
func IngestConfigFromEnv() IngestConfig {
	cfg := DefaultIngestConfig()
	durationFromEnv("INGEST_LOOKBACK", &cfg.Lookback)
	durationFromEnv("INGEST_EVENT_LOOKBACK", &cfg.EventLookback)
	durationFromEnv("INGEST_SEGMENT_TIMEOUT", &cfg.Timeout)
	durationFromEnv("INGEST_INTERVAL", &cfg.Interval)
	intFromEnv("INGEST_CONCURRENCY", &cfg.Concurrency)
	intFromEnv("INGEST_SYNC_EVERY", &cfg.SyncEvery)
	return cfg
}

func (c IngestConfig) withDefaults() IngestConfig {
	d := DefaultIngestConfig()
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.EventLookback <= 0 {
		c.EventLookback = d.EventLookback
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = d.SyncEvery
	}
	return c
}

func durationFromEnv(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		*dst = d
	}
}

func intFromEnv(key string, dst *int) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		*dst = n
	}
}
