package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/internal/traffic"
	"github.com/roadpulse/roadpulse/internal/worker"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSource serves a fixed network and a few observations per segment.
type fakeSource struct {
	mu        sync.Mutex
	segments  []analytics.Segment
	corridors []analytics.Corridor
	events    []analytics.Event
	failing   map[string]bool
	windows   []analytics.TimeWindow
}

func (s *fakeSource) Segments(context.Context) ([]analytics.Segment, error) {
	return s.segments, nil
}

func (s *fakeSource) Corridors(context.Context) ([]analytics.Corridor, error) {
	return s.corridors, nil
}

func (s *fakeSource) Events(_ context.Context, w analytics.TimeWindow) ([]analytics.Event, error) {
	s.mu.Lock()
	s.windows = append(s.windows, w)
	s.mu.Unlock()
	return s.events, nil
}

func (s *fakeSource) Observations(_ context.Context, id string, w analytics.TimeWindow) ([]analytics.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[id] {
		return nil, errors.New("upstream returned 503")
	}
	s.windows = append(s.windows, w)
	obs := make([]analytics.Observation, 3)
	for i := range obs {
		obs[i] = analytics.Observation{
			SegmentID: id,
			Timestamp: w.End.Add(-time.Duration(i+1) * 5 * time.Minute),
			SpeedKPH:  analytics.Present(50),
		}
	}
	return obs, nil
}

func newSource(n int) *fakeSource {
	src := &fakeSource{failing: map[string]bool{}}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		src.segments = append(src.segments, analytics.Segment{ID: id, Lat: 52.37, Lon: 4.89})
	}
	src.corridors = []analytics.Corridor{{ID: "ring", SegmentIDs: []string{"a", "b"}}}
	start := now.Add(-time.Hour)
	src.events = []analytics.Event{{ID: "ev-1", StartTime: start, Lat: 52.37, Lon: 4.89}}
	return src
}

type jobFixture struct {
	src     *fakeSource
	repo    *traffic.InMemoryRepository
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
	job     *worker.IngestJob
}

func newJobFixture(t *testing.T, segments int) *jobFixture {
	t.Helper()
	f := &jobFixture{
		src:     newSource(segments),
		repo:    traffic.NewInMemoryRepository(),
		clock:   clockwork.NewFakeClockAt(now),
		metrics: observability.NewMetricsForTesting(),
	}
	f.job = worker.NewIngestJob(worker.IngestJobConfig{
		Source:  f.src,
		Repo:    f.repo,
		Config:  worker.IngestConfig{Concurrency: 3, Interval: time.Minute, SyncEvery: 2},
		Clock:   f.clock,
		Metrics: f.metrics,
		Logger:  zerolog.Nop(),
	})
	return f
}

func TestIngestJob_SyncNetwork(t *testing.T) {
	f := newJobFixture(t, 3)
	ctx := context.Background()

	stats, err := f.job.SyncNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Segments)
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, now, stats.At)

	segments, err := f.repo.ListSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, segments, 3)
	_, err = f.repo.GetCorridor(ctx, "ring")
	require.NoError(t, err)
	_, err = f.repo.GetEvent(ctx, "ev-1")
	require.NoError(t, err)

	require.Len(t, f.src.windows, 1)
	assert.Equal(t, now.Add(-24*time.Hour), f.src.windows[0].Start)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRuns.WithLabelValues(worker.JobSyncNetwork, "success")))
	assert.Equal(t, now, f.job.Stats().LastSyncAt)
}

func TestIngestJob_SyncNetwork_InvalidCorridors(t *testing.T) {
	f := newJobFixture(t, 2)
	f.src.corridors = []analytics.Corridor{{ID: "loop", SegmentIDs: []string{"a", "a"}}}

	_, err := f.job.SyncNetwork(context.Background())
	var schemaErr *analytics.InputSchemaError
	require.ErrorAs(t, err, &schemaErr)

	segments, err := f.repo.ListSegments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, segments, "nothing is stored when validation fails")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRuns.WithLabelValues(worker.JobSyncNetwork, "error")))
}

func TestIngestJob_IngestObservations(t *testing.T) {
	f := newJobFixture(t, 5)
	ctx := context.Background()
	_, err := f.job.SyncNetwork(ctx)
	require.NoError(t, err)
	f.src.failing["c"] = true

	result, err := f.job.IngestObservations(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Segments)
	assert.Equal(t, 4, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 12, result.Observations)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "c", result.Errors[0].SegmentID)
	assert.Equal(t, now.Add(-2*time.Hour), result.Window.Start)

	obs, err := f.repo.ListObservations(ctx, traffic.ObservationQuery{SegmentIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, obs, 3)

	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.ObservationsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRuns.WithLabelValues(worker.JobIngestObservations, "success")))

	stats := f.job.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(12), stats.Observations)
	assert.Equal(t, 1, stats.LastRunFailed)
}

func TestIngestJob_IngestObservations_MostlyFailing(t *testing.T) {
	f := newJobFixture(t, 3)
	ctx := context.Background()
	_, err := f.job.SyncNetwork(ctx)
	require.NoError(t, err)
	f.src.failing["a"] = true
	f.src.failing["b"] = true

	result, err := f.job.IngestObservations(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 segments")
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, int64(1), f.job.Stats().FailedRuns)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRuns.WithLabelValues(worker.JobIngestObservations, "error")))
}

func TestIngestJob_IngestObservations_NoSegments(t *testing.T) {
	f := newJobFixture(t, 0)

	result, err := f.job.IngestObservations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Segments)
}

func TestIngestJob_Run(t *testing.T) {
	f := newJobFixture(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.job.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.job.Stats().Runs == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, now, f.job.Stats().LastSyncAt)

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.job.Stats().Runs == 2 }, time.Second, 5*time.Millisecond)
	// SyncEvery is 2, so the second tick does not sync
	assert.Equal(t, now, f.job.Stats().LastSyncAt)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}
