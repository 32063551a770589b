package traffic_test

import (
	"context"
	"encoding/json"
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
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func samples(id string, start time.Time, step time.Duration, n int, speed float64) []analytics.Observation {
	obs := make([]analytics.Observation, n)
	for i := range obs {
		obs[i] = analytics.Observation{
			SegmentID: id,
			Timestamp: start.Add(time.Duration(i) * step),
			SpeedKPH:  analytics.Present(speed),
			Volume:    analytics.Missing,
		}
	}
	return obs
}

// countingRepo counts observation loads.
type countingRepo struct {
	*traffic.InMemoryRepository
	mu    sync.Mutex
	loads int
}

func (r *countingRepo) ListObservations(ctx context.Context, q traffic.ObservationQuery) ([]analytics.Observation, error) {
	r.mu.Lock()
	r.loads++
	r.mu.Unlock()
	return r.InMemoryRepository.ListObservations(ctx, q)
}

// mapCache is an in-process JSON cache.
type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
}

func (c *mapCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return false, errors.New("connection refused")
	}
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = b
	return nil
}

type fixture struct {
	repo    *countingRepo
	cache   *mapCache
	metrics *observability.Metrics
	svc     *traffic.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := &countingRepo{InMemoryRepository: traffic.NewInMemoryRepository()}
	require.NoError(t, repo.UpsertSegments(ctx, []analytics.Segment{
		{ID: "a", Lat: 52.3700, Lon: 4.8900, RoadName: "A10"},
		{ID: "b", Lat: 52.3710, Lon: 4.8900, RoadName: "A10"},
		{ID: "c", Lat: 52.4000, Lon: 4.9500, RoadName: "S100"},
		{ID: "d", Lat: 52.3600, Lon: 4.8800, RoadName: "S112"},
	}))
	require.NoError(t, repo.UpsertCorridors(ctx, []analytics.Corridor{
		{ID: "ring", Name: "Ring", SegmentIDs: []string{"a", "b"}},
		{ID: "centre", Name: "Centre", SegmentIDs: []string{"c"}},
	}))

	var obs []analytics.Observation
	recent := now.Add(-2 * time.Hour)
	obs = append(obs, samples("a", recent, 5*time.Minute, 12, 100)...)
	obs = append(obs, samples("b", recent, 5*time.Minute, 12, 60)...)
	obs = append(obs, samples("c", recent, 5*time.Minute, 12, 30)...)
	// outside the default 24h window
	obs = append(obs, samples("a", now.Add(-48*time.Hour), 5*time.Minute, 12, 5)...)
	require.NoError(t, repo.UpsertObservations(ctx, obs))

	f := &fixture{
		repo:    repo,
		cache:   &mapCache{},
		metrics: observability.NewMetricsForTesting(),
	}
	f.svc = traffic.NewService(traffic.ServiceConfig{
		Repo:    repo,
		Cache:   f.cache,
		Clock:   clockwork.NewFakeClockAt(now),
		Metrics: f.metrics,
		Logger:  zerolog.Nop(),
	})
	return f
}

func ids(results []analytics.ReliabilityResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.EntityID
	}
	return out
}

func TestService_Reliability_SegmentScope(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{Scope: traffic.ScopeSegment})
	require.NoError(t, err)

	assert.Equal(t, traffic.ScopeSegment, report.Scope)
	assert.Equal(t, now, report.Window.End)
	assert.Equal(t, now.Add(-traffic.DefaultWindow), report.Window.Start)

	// slowest first; the old slow samples on "a" are outside the window
	require.Equal(t, []string{"c", "b", "a"}, ids(report.Results))
	for i, r := range report.Results {
		require.NotNil(t, r.Rank)
		assert.Equal(t, i+1, *r.Rank)
		assert.Equal(t, 12, r.NSamples)
	}
	assert.Equal(t, 1.0, report.Results[0].CongestionFrequency.Or(-1))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalyticsRequests.WithLabelValues("reliability", "ok")))
}

func TestService_Reliability_ExplicitWindow(t *testing.T) {
	f := newFixture(t)

	window := analytics.TimeWindow{Start: now.Add(-49 * time.Hour), End: now.Add(-24 * time.Hour)}
	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{Window: window})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "a", report.Results[0].EntityID)
	assert.Equal(t, 5.0, report.Results[0].MeanSpeedKPH.Or(0))
	assert.Equal(t, window, report.Window)
}

func TestService_Reliability_Cached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := traffic.ReliabilityRequest{Scope: traffic.ScopeSegment, IDs: []string{"a", "c"}}

	first, err := f.svc.Reliability(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Reliability(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.repo.loads)
	assert.Equal(t, ids(first.Results), ids(second.Results))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("reliability", "hit")))

	// different overrides are a different key
	req.Overrides.MinSamples = ptr(5)
	_, err = f.svc.Reliability(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.repo.loads)
}

func TestService_Reliability_CacheFailureBypassed(t *testing.T) {
	f := newFixture(t)
	f.cache.failGet = true

	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{})
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("reliability", "error")))
}

func TestService_Reliability_RepeatedIDs(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{IDs: []string{"c", "a", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(report.Results))
}

func TestService_Reliability_RequestedSegmentWithoutSamples(t *testing.T) {
	f := newFixture(t)

	// "d" exists but has no observations in the window
	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{IDs: []string{"a", "d"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "d"}, ids(report.Results))

	d := report.Results[1]
	assert.Zero(t, d.NSamples)
	assert.True(t, d.MeanSpeedKPH.IsMissing())
	assert.True(t, d.ReliabilityScore.IsMissing())
	assert.Nil(t, d.Rank)
}

func TestService_Reliability_CorridorScope(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Reliability(context.Background(), traffic.ReliabilityRequest{Scope: traffic.ScopeCorridor})
	require.NoError(t, err)

	require.Equal(t, []string{"centre", "ring"}, ids(report.Results))
	assert.Equal(t, 24, report.Results[1].NSamples)
	assert.Equal(t, 80.0, report.Results[1].MeanSpeedKPH.Or(0))
}

func TestService_Reliability_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     traffic.ReliabilityRequest
		outcome string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "unknown segment",
			req:     traffic.ReliabilityRequest{IDs: []string{"a", "zz"}},
			outcome: "not_found",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, traffic.ErrSegmentNotFound)
				assert.Contains(t, err.Error(), "zz")
			},
		},
		{
			name:    "unknown corridor",
			req:     traffic.ReliabilityRequest{Scope: traffic.ScopeCorridor, IDs: []string{"nope"}},
			outcome: "not_found",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, traffic.ErrCorridorNotFound)
			},
		},
		{
			name:    "invalid override",
			req:     traffic.ReliabilityRequest{Overrides: analytics.Overrides{MinSamples: ptr(0)}},
			outcome: "config_error",
			check: func(t *testing.T, err error) {
				var cfgErr *analytics.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, analytics.KeyMinSamples, cfgErr.Field)
			},
		},
		{
			name:    "unknown scope",
			req:     traffic.ReliabilityRequest{Scope: "city"},
			outcome: "config_error",
			check: func(t *testing.T, err error) {
				var cfgErr *analytics.ConfigurationError
				assert.ErrorAs(t, err, &cfgErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Reliability(context.Background(), tt.req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.outcome, traffic.Outcome(err))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalyticsRequests.WithLabelValues("reliability", tt.outcome)))
		})
	}
}

func TestService_Anomalies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dip := samples("d", now.Add(-3*time.Hour), 5*time.Minute, 14, 80)
	dip[12].SpeedKPH = analytics.Present(20)
	dip[13].SpeedKPH = analytics.Present(20)
	require.NoError(t, f.repo.UpsertObservations(ctx, dip))

	report, err := f.svc.Anomalies(ctx, traffic.AnomalyRequest{SegmentIDs: []string{"d", "b"}})
	require.NoError(t, err)
	require.Len(t, report.Series, 2)

	assert.Equal(t, "b", report.Series[0].SegmentID)
	assert.Empty(t, report.Series[0].Events)

	d := report.Series[1]
	assert.Equal(t, "d", d.SegmentID)
	assert.Len(t, d.Points, 14)
	require.Len(t, d.Events, 1)
	assert.Equal(t, 2, d.Events[0].PointCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnomalyEvents))
}

func TestService_Anomalies_SegmentWithoutData(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Anomalies(context.Background(), traffic.AnomalyRequest{SegmentIDs: []string{"d"}})
	require.NoError(t, err)

	require.Len(t, report.Series, 1)
	assert.Equal(t, "d", report.Series[0].SegmentID)
	assert.NotNil(t, report.Series[0].Points)
	assert.Empty(t, report.Series[0].Points)
}

func TestService_Anomalies_UnknownSegment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Anomalies(context.Background(), traffic.AnomalyRequest{SegmentIDs: []string{"zz"}})
	assert.ErrorIs(t, err, traffic.ErrSegmentNotFound)
}

func TestService_EventImpact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := now.Add(-5 * time.Hour)
	end := start.Add(30 * time.Minute)
	require.NoError(t, f.repo.UpsertEvents(ctx, []analytics.Event{
		{ID: "ev-1", StartTime: start, EndTime: &end, Lat: 52.3700, Lon: 4.8900, EventType: "crash"},
	}))

	var obs []analytics.Observation
	obs = append(obs, samples("a", start.Add(-time.Hour), 5*time.Minute, 12, 90)...)
	obs = append(obs, samples("a", start, 5*time.Minute, 6, 30)...)
	obs = append(obs, samples("a", end, 5*time.Minute, 3, 90)...)
	require.NoError(t, f.repo.UpsertObservations(ctx, obs))

	impact, err := f.svc.EventImpact(ctx, "ev-1", analytics.Overrides{RadiusMeters: ptr(500.0)})
	require.NoError(t, err)

	assert.Equal(t, "ev-1", impact.EventID)
	assert.Equal(t, end, impact.EffectiveEndTime)
	assert.Equal(t, 12, impact.BaselinePoints)
	assert.Equal(t, 6, impact.EventPoints)
	assert.Equal(t, -60.0, impact.SpeedDeltaMeanKPH.Or(0))
	assert.Equal(t, 0.0, impact.RecoveryMinutes.Or(-1))

	require.Len(t, impact.AffectedSegments, 2)
	assert.Equal(t, "a", impact.AffectedSegments[0].SegmentID)
	assert.Equal(t, "b", impact.AffectedSegments[1].SegmentID)
}

func TestService_EventImpact_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.EventImpact(context.Background(), "missing", analytics.Overrides{})
	assert.ErrorIs(t, err, traffic.ErrEventNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalyticsRequests.WithLabelValues("event_impact", "not_found")))
}

func TestService_Corridors(t *testing.T) {
	f := newFixture(t)

	views, err := f.svc.Corridors(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "centre", views[0].ID)
	assert.NotEmpty(t, views[0].Polyline)
	assert.Zero(t, views[0].LengthM)

	assert.Equal(t, "ring", views[1].ID)
	assert.InDelta(t, 111.2, views[1].LengthM, 0.5)

	_, err = f.svc.Corridors(context.Background(), "ring", "nope")
	assert.ErrorIs(t, err, traffic.ErrCorridorNotFound)
}

func TestService_Segments(t *testing.T) {
	f := newFixture(t)

	all, err := f.svc.Segments(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)

	some, err := f.svc.Segments(context.Background(), "c", "a")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "a", some[0].ID)

	_, err = f.svc.Segments(context.Background(), "zz")
	assert.ErrorIs(t, err, traffic.ErrSegmentNotFound)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", traffic.Outcome(nil))
	assert.Equal(t, "error", traffic.Outcome(errors.New("boom")))
	assert.Equal(t, "schema_error", traffic.Outcome(&analytics.InputSchemaError{Table: "observations"}))
}
