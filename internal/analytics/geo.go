package analytics

import (
	"math"
	"sort"
)

const earthRadiusMeters = 6371000

// HaversineMeters returns the great-circle distance between two WGS84 points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// SegmentDistance pairs a segment with its distance from a point.
type SegmentDistance struct {
	Segment   Segment
	DistanceM float64
}

// SelectNearbySegments returns the segments within radius meters of
// (lat, lon), nearest first, truncated to limit. Equal distances are
// ordered by segment id.
func SelectNearbySegments(lat, lon float64, segments []Segment, radius float64, limit int) []SegmentDistance {
	var nearby []SegmentDistance
	for _, s := range segments {
		d := HaversineMeters(lat, lon, s.Lat, s.Lon)
		if d <= radius {
			nearby = append(nearby, SegmentDistance{Segment: s, DistanceM: d})
		}
	}

	sort.Slice(nearby, func(a, b int) bool {
		if nearby[a].DistanceM != nearby[b].DistanceM {
			return nearby[a].DistanceM < nearby[b].DistanceM
		}
		return nearby[a].Segment.ID < nearby[b].Segment.ID
	})

	if limit > 0 && len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby
}
