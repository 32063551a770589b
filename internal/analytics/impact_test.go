package analytics_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

const (
	eventLat = 52.37
	eventLon = 4.89
)

// northOf returns a segment the given distance due north of the event.
func northOf(id string, meters float64) analytics.Segment {
	return analytics.Segment{
		ID:  id,
		Lat: eventLat + meters/6371000*180/math.Pi,
		Lon: eventLon,
	}
}

func incident(start time.Time, duration time.Duration) analytics.Event {
	ev := analytics.Event{ID: "ev-1", StartTime: start, Lat: eventLat, Lon: eventLon, EventType: "crash"}
	if duration > 0 {
		end := start.Add(duration)
		ev.EndTime = &end
	}
	return ev
}

func TestHaversineMeters(t *testing.T) {
	assert.Equal(t, 0.0, analytics.HaversineMeters(eventLat, eventLon, eventLat, eventLon))

	s := northOf("s", 1234)
	assert.InDelta(t, 1234, analytics.HaversineMeters(eventLat, eventLon, s.Lat, s.Lon), 1e-6)

	// Amsterdam to Rotterdam is roughly 57km
	d := analytics.HaversineMeters(52.370216, 4.895168, 51.9225, 4.47917)
	assert.InDelta(t, 57000, d, 1500)
}

func TestEventImpactAnalyzer_RadiusSelectsNearSegments(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{RadiusMeters: ptr(500.0)})
	segments := []analytics.Segment{northOf("far", 5000), northOf("near", 50)}

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(t0, 30*time.Minute), segments, nil, cfg)
	require.NoError(t, err)

	require.Len(t, got.AffectedSegments, 1)
	assert.Equal(t, "near", got.AffectedSegments[0].SegmentID)
	assert.InDelta(t, 50, got.AffectedSegments[0].DistanceM, 1e-6)
	assert.Equal(t, 1.0, got.AffectedSegments[0].Weight)
}

func TestEventImpactAnalyzer_NoBaselineBeforeEvent(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{MinBaselinePoints: ptr(5)})
	segments := []analytics.Segment{northOf("near", 100)}
	obs := series("near", t0, 5*time.Minute, 20, 20, 20, 20, 20, 20, 60, 60)

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(t0, 30*time.Minute), segments, obs, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, got.BaselinePoints)
	assert.True(t, got.BaselineMeanSpeedKPH.IsMissing())
	assert.True(t, got.RecoveryMinutes.IsMissing())
	assert.True(t, got.SpeedDeltaMeanKPH.IsMissing())
	assert.Equal(t, 20.0, got.EventMeanSpeedKPH.Or(0))
}

func TestEventImpactAnalyzer_DropAndRecovery(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{RecoveryRatio: ptr(0.9)})
	segments := []analytics.Segment{northOf("near", 100), northOf("far", 3000)}

	start := t0.Add(time.Hour)
	var obs []analytics.Observation
	obs = append(obs, series("near", t0, 5*time.Minute, flat(12, 60)...)...)
	obs = append(obs, series("near", start, 5*time.Minute, flat(6, 20)...)...)
	obs = append(obs, series("near", start.Add(30*time.Minute), 5*time.Minute, 30, 40, 55, 60)...)
	obs = append(obs, series("far", t0, 5*time.Minute, flat(30, 5)...)...)

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(start, 30*time.Minute), segments, obs, cfg)
	require.NoError(t, err)

	assert.Equal(t, "ev-1", got.EventID)
	assert.Equal(t, 12, got.BaselinePoints)
	assert.Equal(t, 6, got.EventPoints)
	assert.Equal(t, 60.0, got.BaselineMeanSpeedKPH.Or(0))
	assert.Equal(t, 20.0, got.EventMeanSpeedKPH.Or(0))
	assert.Equal(t, -40.0, got.SpeedDeltaMeanKPH.Or(0))
	assert.Equal(t, 10.0, got.RecoveryMinutes.Or(-1))
	require.Len(t, got.AffectedSegments, 1)
}

func TestEventImpactAnalyzer_ImpactSign(t *testing.T) {
	segments := []analytics.Segment{northOf("near", 100)}
	start := t0.Add(time.Hour)

	for _, during := range []float64{10, 35, 49.9} {
		obs := append(series("near", t0, 5*time.Minute, flat(12, 50)...),
			series("near", start, 5*time.Minute, flat(6, during)...)...)

		got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(start, 30*time.Minute), segments, obs, analytics.DefaultConfig())
		require.NoError(t, err)

		ev, ok := got.EventMeanSpeedKPH.Get()
		require.True(t, ok)
		base, ok := got.BaselineMeanSpeedKPH.Get()
		require.True(t, ok)
		require.Less(t, ev, base)
		assert.Less(t, got.SpeedDeltaMeanKPH.Or(0), 0.0)
	}
}

func TestEventImpactAnalyzer_NoRecovery(t *testing.T) {
	segments := []analytics.Segment{northOf("near", 100)}
	start := t0.Add(time.Hour)
	obs := append(series("near", t0, 5*time.Minute, flat(12, 60)...),
		series("near", start, 5*time.Minute, flat(30, 25)...)...)

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(start, 30*time.Minute), segments, obs, analytics.DefaultConfig())
	require.NoError(t, err)

	assert.False(t, got.BaselineMeanSpeedKPH.IsMissing())
	assert.True(t, got.RecoveryMinutes.IsMissing())
}

func TestEventImpactAnalyzer_EndTimeFallback(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{EndTimeFallbackMinutes: ptr(20.0)})
	start := t0.Add(time.Hour)

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(start, 0), nil, nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, start.Add(20*time.Minute), got.EffectiveEndTime)
	assert.Empty(t, got.AffectedSegments)
	assert.True(t, got.EventMeanSpeedKPH.IsMissing())
}

func TestEventImpactAnalyzer_VolumeWeighted(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{
		SpeedWeighting:    ptr(analytics.WeightingVolume),
		MinBaselinePoints: ptr(2),
	})
	segments := []analytics.Segment{northOf("a", 100), northOf("b", 300)}
	start := t0.Add(time.Hour)

	obs := []analytics.Observation{
		{Timestamp: t0, SegmentID: "a", SpeedKPH: analytics.Present(40), Volume: analytics.Present(100)},
		{Timestamp: t0, SegmentID: "b", SpeedKPH: analytics.Present(80), Volume: analytics.Present(300)},
		{Timestamp: t0.Add(5 * time.Minute), SegmentID: "a", SpeedKPH: analytics.Present(60)},
		{Timestamp: t0.Add(10 * time.Minute), SegmentID: "b", SpeedKPH: analytics.Present(10), Volume: analytics.Present(0)},
	}

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(start, 30*time.Minute), segments, obs, cfg)
	require.NoError(t, err)

	// missing and zero volumes take the mean volume (200)
	want := (40*100 + 80*300 + 60*200 + 10*200) / 800.0
	assert.InDelta(t, want, got.BaselineMeanSpeedKPH.Or(0), 1e-9)

	require.Len(t, got.AffectedSegments, 2)
	assert.Equal(t, "a", got.AffectedSegments[0].SegmentID)
	assert.InDelta(t, 0.75, got.AffectedSegments[0].Weight, 1e-6)
	assert.InDelta(t, 0.25, got.AffectedSegments[1].Weight, 1e-6)
}

func TestEventImpactAnalyzer_MaxSegments(t *testing.T) {
	cfg := resolve(t, analytics.Overrides{MaxSegments: ptr(2)})
	segments := []analytics.Segment{northOf("c", 300), northOf("a", 100), northOf("b", 200)}

	got, err := analytics.NewEventImpactAnalyzer().Analyze(incident(t0, time.Hour), segments, nil, cfg)
	require.NoError(t, err)

	require.Len(t, got.AffectedSegments, 2)
	assert.Equal(t, "a", got.AffectedSegments[0].SegmentID)
	assert.Equal(t, "b", got.AffectedSegments[1].SegmentID)
	assert.InDelta(t, 0.5, got.AffectedSegments[0].Weight, 1e-12)
}

func TestEventImpactAnalyzer_SchemaErrors(t *testing.T) {
	end := t0.Add(-time.Minute)
	ev := incident(t0, 0)
	ev.EndTime = &end

	_, err := analytics.NewEventImpactAnalyzer().Analyze(ev, nil, nil, analytics.DefaultConfig())
	var schemaErr *analytics.InputSchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "end_time", schemaErr.Field)

	_, err = analytics.NewEventImpactAnalyzer().Analyze(incident(t0, 0), []analytics.Segment{{ID: "x", Lat: 91}}, nil, analytics.DefaultConfig())
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "lat", schemaErr.Field)
}
