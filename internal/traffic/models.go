// Package traffic loads road network data and observations and runs the
// analytics over them on behalf of the API and the worker.
package traffic

import (
	"errors"
	"time"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

// Repository errors.
var (
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrCorridorNotFound = errors.New("corridor not found")
	ErrEventNotFound    = errors.New("event not found")
)

// Scope selects what the reliability ranking scores.
type Scope string

const (
	ScopeSegment  Scope = "segment"
	ScopeCorridor Scope = "corridor"
)

// ObservationQuery filters observations. An empty SegmentIDs matches every
// segment; the window is start-inclusive and end-exclusive.
type ObservationQuery struct {
	SegmentIDs []string
	Window     analytics.TimeWindow
}

// ReliabilityRequest is one reliability ranking request.
type ReliabilityRequest struct {
	Scope     Scope
	IDs       []string
	Window    analytics.TimeWindow
	Overrides analytics.Overrides
}

// ReliabilityReport is the ranked reliability of the requested entities.
type ReliabilityReport struct {
	Scope   Scope                         `json:"scope"`
	Window  analytics.TimeWindow          `json:"window"`
	Results []analytics.ReliabilityResult `json:"results"`
}

// AnomalyRequest is one anomaly timeline request.
type AnomalyRequest struct {
	SegmentIDs []string
	Window     analytics.TimeWindow
	Overrides  analytics.Overrides
}

// AnomalyReport holds one anomaly series per requested segment.
type AnomalyReport struct {
	Window analytics.TimeWindow      `json:"window"`
	Series []analytics.AnomalySeries `json:"series"`
}

// CorridorView is a corridor together with its drawable geometry.
type CorridorView struct {
	analytics.Corridor
	// Polyline is the Google encoded polyline through the member segments
	// in corridor order. Members without coordinates are skipped.
	Polyline string `json:"polyline"`
	// LengthM is the great-circle length of that path.
	LengthM float64 `json:"length_m"`
}

// SyncStats summarises one ingestion write.
type SyncStats struct {
	Segments     int       `json:"segments"`
	Observations int       `json:"observations"`
	Events       int       `json:"events"`
	At           time.Time `json:"at"`
}
