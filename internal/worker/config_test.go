package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roadpulse/roadpulse/internal/worker"
)

func TestDefaultIngestConfig(t *testing.T) {
	cfg := worker.DefaultIngestConfig()

	assert.Equal(t, 2*time.Hour, cfg.Lookback)
	assert.Equal(t, 24*time.Hour, cfg.EventLookback)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 12, cfg.SyncEvery)
}

func TestIngestConfigFromEnv(t *testing.T) {
	t.Setenv("INGEST_LOOKBACK", "6h")
	t.Setenv("INGEST_CONCURRENCY", "16")
	t.Setenv("INGEST_INTERVAL", "soon")
	t.Setenv("INGEST_SYNC_EVERY", "-1")

	cfg := worker.IngestConfigFromEnv()
	assert.Equal(t, 6*time.Hour, cfg.Lookback)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 12, cfg.SyncEvery)
}
