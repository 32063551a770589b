// Package analytics computes the traffic reliability ranking, per-segment
// anomaly timelines and incident impact reports.
//
// Everything in this package is a pure function of its inputs: tables are
// never mutated and nothing is persisted. Missing numbers are explicit
// (see Value) and no-data outcomes are reported as empty lists or Missing
// fields rather than errors.
package analytics

import (
	"math"
	"time"
)

// Observation is one speed/volume sample for a segment.
type Observation struct {
	Timestamp    time.Time `json:"timestamp"`
	SegmentID    string    `json:"segment_id"`
	SpeedKPH     Value     `json:"speed_kph"`
	Volume       Value     `json:"volume"`
	OccupancyPct Value     `json:"occupancy_pct"`
}

// Segment is a static road segment.
type Segment struct {
	ID        string  `json:"segment_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	RoadName  string  `json:"road_name"`
	Direction string  `json:"direction"`
	City      string  `json:"city"`
}

// Corridor is an ordered group of segments scored as one entity.
type Corridor struct {
	ID         string   `json:"corridor_id"`
	Name       string   `json:"name"`
	SegmentIDs []string `json:"segment_ids"`
}

// Event is a reported incident.
type Event struct {
	ID          string     `json:"event_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	EventType   string     `json:"event_type"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
}

// TimeWindow is the half-open interval [Start, End). A zero bound is unbounded.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// ReliabilityMetric holds the descriptive metrics for one entity.
type ReliabilityMetric struct {
	EntityID            string `json:"entity_id"`
	NSamples            int    `json:"n_samples"`
	MeanSpeedKPH        Value  `json:"mean_speed_kph"`
	SpeedStdKPH         Value  `json:"speed_std_kph"`
	CongestionFrequency Value  `json:"congestion_frequency"`
}

// ReliabilityScore is the weighted penalty score and rank of an entity.
// Both are missing for entities below the eligibility threshold.
type ReliabilityScore struct {
	EntityID         string `json:"entity_id"`
	ReliabilityScore Value  `json:"reliability_score"`
	Rank             *int   `json:"rank"`
}

// ReliabilityResult is the metrics and score of one entity.
type ReliabilityResult struct {
	ReliabilityMetric
	ReliabilityScore Value     `json:"reliability_score"`
	Rank             *int      `json:"rank"`
	Penalties        Penalties `json:"penalties"`
}

// Score returns the score view of the result.
func (r ReliabilityResult) Score() ReliabilityScore {
	return ReliabilityScore{EntityID: r.EntityID, ReliabilityScore: r.ReliabilityScore, Rank: r.Rank}
}

// Penalties are the per-metric percentile penalties behind a score, kept so
// the ranking can be explained.
type Penalties struct {
	MeanSpeed           Value `json:"mean_speed"`
	SpeedStd            Value `json:"speed_std"`
	CongestionFrequency Value `json:"congestion_frequency"`
}

// AnomalyPoint is one evaluated observation on a segment.
type AnomalyPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	SegmentID       string    `json:"segment_id"`
	SpeedKPH        float64   `json:"speed_kph"`
	BaselineMeanKPH Value     `json:"baseline_mean_kph"`
	BaselineStdKPH  Value     `json:"baseline_std_kph"`
	ZScore          Value     `json:"z_score"`
	IsAnomaly       bool      `json:"is_anomaly"`
}

// AnomalyEvent is a run of anomalous points merged across short gaps.
type AnomalyEvent struct {
	SegmentID  string    `json:"segment_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	PeakZScore float64   `json:"peak_z_score"`
	PointCount int       `json:"point_count"`
}

// AnomalySeries is the anomaly timeline of one segment.
type AnomalySeries struct {
	SegmentID string         `json:"segment_id"`
	Points    []AnomalyPoint `json:"points"`
	Events    []AnomalyEvent `json:"events"`
}

// AffectedSegment is a segment selected around an incident.
type AffectedSegment struct {
	SegmentID string  `json:"segment_id"`
	DistanceM float64 `json:"distance_m"`
	Weight    float64 `json:"weight"`
}

// EventImpact compares speeds before and during an incident.
type EventImpact struct {
	EventID              string            `json:"event_id"`
	EffectiveEndTime     time.Time         `json:"effective_end_time"`
	BaselineMeanSpeedKPH Value             `json:"baseline_mean_speed_kph"`
	EventMeanSpeedKPH    Value             `json:"event_mean_speed_kph"`
	SpeedDeltaMeanKPH    Value             `json:"speed_delta_mean_kph"`
	RecoveryMinutes      Value             `json:"recovery_minutes"`
	BaselinePoints       int               `json:"baseline_points"`
	EventPoints          int               `json:"event_points"`
	AffectedSegments     []AffectedSegment `json:"affected_segments"`
}

func validateObservations(obs []Observation) error {
	for i := range obs {
		if obs[i].SegmentID == "" {
			return schemaErr("observations", i, "segment_id", "is required")
		}
		if obs[i].Timestamp.IsZero() {
			return schemaErr("observations", i, "timestamp", "is required")
		}
	}
	return nil
}

func validateSegments(segments []Segment) error {
	for i := range segments {
		s := &segments[i]
		if s.ID == "" {
			return schemaErr("segments", i, "segment_id", "is required")
		}
		if !validLat(s.Lat) {
			return schemaErr("segments", i, "lat", "must be a WGS84 latitude")
		}
		if !validLon(s.Lon) {
			return schemaErr("segments", i, "lon", "must be a WGS84 longitude")
		}
	}
	return nil
}

func validateEvent(e Event) error {
	if e.ID == "" {
		return schemaErr("events", 0, "event_id", "is required")
	}
	if e.StartTime.IsZero() {
		return schemaErr("events", 0, "start_time", "is required")
	}
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return schemaErr("events", 0, "end_time", "must not precede start_time")
	}
	if !validLat(e.Lat) {
		return schemaErr("events", 0, "lat", "must be a WGS84 latitude")
	}
	if !validLon(e.Lon) {
		return schemaErr("events", 0, "lon", "must be a WGS84 longitude")
	}
	return nil
}

// ValidateCorridors checks corridor ids and membership lists.
func ValidateCorridors(corridors []Corridor) error {
	for i := range corridors {
		c := &corridors[i]
		if c.ID == "" {
			return schemaErr("corridors", i, "corridor_id", "is required")
		}
		if len(c.SegmentIDs) == 0 {
			return schemaErr("corridors", i, "segment_ids", "must not be empty")
		}
		seen := make(map[string]struct{}, len(c.SegmentIDs))
		for _, id := range c.SegmentIDs {
			if id == "" {
				return schemaErr("corridors", i, "segment_ids", "must not contain empty ids")
			}
			if _, dup := seen[id]; dup {
				return schemaErr("corridors", i, "segment_ids", "contains duplicate "+id)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

func validLat(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }
func validLon(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }
