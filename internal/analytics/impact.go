package analytics

import (
	"math"
	"sort"
	"time"
)

// EventImpactAnalyzer measures how an incident changed speeds on the
// segments around it.
type EventImpactAnalyzer struct{}

// NewEventImpactAnalyzer returns an analyzer.
func NewEventImpactAnalyzer() *EventImpactAnalyzer {
	return &EventImpactAnalyzer{}
}

type speedPoint struct {
	ts     time.Time
	speed  float64
	volume Value
}

// EffectiveEnd returns the event's end time, or start plus fallback when the
// event has none.
func EffectiveEnd(e Event, fallback time.Duration) time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime.Add(fallback)
}

// Analyze compares the mean speed of nearby segments in the baseline window
// [start-baseline, start) with the event window [start, end), then scans
// [end, end+horizon] for the first time speeds recover.
func (a *EventImpactAnalyzer) Analyze(event Event, segments []Segment, obs []Observation, cfg Config) (EventImpact, error) {
	if err := cfg.Validate(); err != nil {
		return EventImpact{}, err
	}
	if err := validateEvent(event); err != nil {
		return EventImpact{}, err
	}
	if err := validateSegments(segments); err != nil {
		return EventImpact{}, err
	}
	if err := validateObservations(obs); err != nil {
		return EventImpact{}, err
	}

	end := EffectiveEnd(event, cfg.EndTimeFallback)
	nearby := SelectNearbySegments(event.Lat, event.Lon, segments, cfg.RadiusMeters, cfg.MaxSegments)

	selected := make(map[string]struct{}, len(nearby))
	for _, n := range nearby {
		selected[n.Segment.ID] = struct{}{}
	}

	baselineWindow := TimeWindow{Start: event.StartTime.Add(-cfg.BaselineWindow), End: event.StartTime}
	eventWindow := TimeWindow{Start: event.StartTime, End: end}
	recoveryEnd := end.Add(cfg.RecoveryHorizon)

	var baseline, during, after []speedPoint
	for _, o := range obs {
		if _, ok := selected[o.SegmentID]; !ok {
			continue
		}
		v, ok := o.SpeedKPH.Get()
		if !ok {
			continue
		}
		p := speedPoint{ts: o.Timestamp, speed: v, volume: o.Volume}
		switch {
		case baselineWindow.Contains(o.Timestamp):
			baseline = append(baseline, p)
		case eventWindow.Contains(o.Timestamp):
			during = append(during, p)
		}
		if !o.Timestamp.Before(end) && !o.Timestamp.After(recoveryEnd) {
			after = append(after, p)
		}
	}

	impact := EventImpact{
		EventID:              event.ID,
		EffectiveEndTime:     end,
		BaselineMeanSpeedKPH: Missing,
		EventMeanSpeedKPH:    Missing,
		RecoveryMinutes:      Missing,
		BaselinePoints:       len(baseline),
		EventPoints:          len(during),
		AffectedSegments:     affectedSegments(nearby, cfg.SpeedWeighting),
	}
	if len(baseline) >= cfg.MinBaselinePoints {
		impact.BaselineMeanSpeedKPH = aggregateSpeed(baseline, cfg.SpeedWeighting)
	}
	if len(during) >= cfg.MinEventPoints {
		impact.EventMeanSpeedKPH = aggregateSpeed(during, cfg.SpeedWeighting)
	}
	impact.SpeedDeltaMeanKPH = impact.EventMeanSpeedKPH.Sub(impact.BaselineMeanSpeedKPH)

	if base, ok := impact.BaselineMeanSpeedKPH.Get(); ok {
		impact.RecoveryMinutes = recoveryMinutes(after, end, cfg.RecoveryRatio*base, cfg.SpeedWeighting)
	}
	return impact, nil
}

// recoveryMinutes buckets points by timestamp and returns the minutes from
// end to the first bucket whose aggregate speed reaches target.
func recoveryMinutes(points []speedPoint, end time.Time, target float64, weighting SpeedWeighting) Value {
	sort.SliceStable(points, func(a, b int) bool { return points[a].ts.Before(points[b].ts) })

	for start := 0; start < len(points); {
		stop := start + 1
		for stop < len(points) && points[stop].ts.Equal(points[start].ts) {
			stop++
		}
		if speed, ok := aggregateSpeed(points[start:stop], weighting).Get(); ok && speed >= target {
			return Present(points[start].ts.Sub(end).Minutes())
		}
		start = stop
	}
	return Missing
}

// aggregateSpeed averages speeds. Volume weighting gives points without a
// positive volume the mean positive volume; with no volumes at all it
// degrades to a plain mean.
func aggregateSpeed(points []speedPoint, weighting SpeedWeighting) Value {
	if len(points) == 0 {
		return Missing
	}
	speeds := make([]float64, len(points))
	for i, p := range points {
		speeds[i] = p.speed
	}
	if weighting != WeightingVolume {
		return Present(weightedMean(speeds, nil))
	}

	var volumes []float64
	for _, p := range points {
		if v, ok := p.volume.Get(); ok && v > 0 {
			volumes = append(volumes, v)
		}
	}
	if len(volumes) == 0 {
		return Present(weightedMean(speeds, nil))
	}
	fill := weightedMean(volumes, nil)

	weights := make([]float64, len(points))
	for i, p := range points {
		weights[i] = fill
		if v, ok := p.volume.Get(); ok && v > 0 {
			weights[i] = v
		}
	}
	return Present(weightedMean(speeds, weights))
}

// affectedSegments weights the selected segments equally, or by inverse
// distance under volume weighting. Distances under a metre count as one.
func affectedSegments(nearby []SegmentDistance, weighting SpeedWeighting) []AffectedSegment {
	out := make([]AffectedSegment, len(nearby))
	if len(nearby) == 0 {
		return out
	}

	var total float64
	for i, n := range nearby {
		w := 1.0
		if weighting == WeightingVolume {
			w = 1 / math.Max(n.DistanceM, 1)
		}
		out[i] = AffectedSegment{SegmentID: n.Segment.ID, DistanceM: n.DistanceM, Weight: w}
		total += w
	}
	for i := range out {
		out[i].Weight /= total
	}
	return out
}
