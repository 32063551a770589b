package analytics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// zScoreSentinel stands in for an unbounded z-score when the baseline is
// flat and the current value differs from it.
const zScoreSentinel = 100.0

// AnomalyDetector scores each segment's speed series against a trailing
// baseline and groups flagged points into events.
type AnomalyDetector struct {
	// Workers bounds the per-segment fan-out of DetectAll.
	Workers int
}

// NewAnomalyDetector returns a detector using up to workers goroutines.
func NewAnomalyDetector(workers int) *AnomalyDetector {
	return &AnomalyDetector{Workers: workers}
}

// Detect evaluates the observations of a single segment. Rows with a missing
// speed are not part of the series. Other segments' rows are ignored.
func (d *AnomalyDetector) Detect(segmentID string, obs []Observation, cfg Config) (AnomalySeries, error) {
	if err := cfg.Validate(); err != nil {
		return AnomalySeries{}, err
	}
	if err := validateObservations(obs); err != nil {
		return AnomalySeries{}, err
	}
	return detectSeries(segmentID, obs, cfg), nil
}

// DetectAll evaluates every segment present in obs and returns the series
// ordered by segment id.
func (d *AnomalyDetector) DetectAll(obs []Observation, cfg Config) ([]AnomalySeries, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateObservations(obs); err != nil {
		return nil, err
	}

	bySegment := make(map[string][]Observation)
	for _, o := range obs {
		bySegment[o.SegmentID] = append(bySegment[o.SegmentID], o)
	}
	ids := make([]string, 0, len(bySegment))
	for id := range bySegment {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AnomalySeries, len(ids))
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(ids))
	var wg sync.WaitGroup
	for w := 0; w < workers && w < len(ids); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = detectSeries(ids[i], bySegment[ids[i]], cfg)
			}
		}()
	}
	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return out, nil
}

func detectSeries(segmentID string, obs []Observation, cfg Config) AnomalySeries {
	type sample struct {
		ts    time.Time
		speed float64
	}
	var series []sample
	for _, o := range obs {
		if o.SegmentID != segmentID {
			continue
		}
		if v, ok := o.SpeedKPH.Get(); ok {
			series = append(series, sample{ts: o.Timestamp, speed: v})
		}
	}
	sort.SliceStable(series, func(a, b int) bool { return series[a].ts.Before(series[b].ts) })

	points := make([]AnomalyPoint, len(series))
	window := make([]float64, 0, cfg.WindowPoints)
	for i, s := range series {
		p := AnomalyPoint{Timestamp: s.ts, SegmentID: segmentID, SpeedKPH: s.speed}
		if i >= cfg.WindowPoints {
			window = window[:0]
			for _, prior := range series[i-cfg.WindowPoints : i] {
				window = append(window, prior.speed)
			}
			mean, std := meanStd(window)
			z := zScore(s.speed, mean, std)
			p.BaselineMeanKPH = Present(mean)
			p.BaselineStdKPH = Present(std)
			p.ZScore = Present(z)
			p.IsAnomaly = flagged(z, cfg.ZThreshold, cfg.Direction)
		}
		points[i] = p
	}

	return AnomalySeries{
		SegmentID: segmentID,
		Points:    points,
		Events:    groupEvents(segmentID, points, cfg.MaxGap, cfg.MinEventPoints),
	}
}

// zScore treats a flat baseline as unbounded rather than zero: any
// departure from it scores ±zScoreSentinel so a sudden change after a
// constant stretch is still flagged.
func zScore(x, mean, std float64) float64 {
	if std > 0 {
		return (x - mean) / std
	}
	diff := x - mean
	if diff == 0 {
		return 0
	}
	return math.Copysign(zScoreSentinel, diff)
}

func flagged(z, threshold float64, dir Direction) bool {
	switch dir {
	case DirectionAbove:
		return z >= threshold
	case DirectionBoth:
		return math.Abs(z) >= threshold
	default:
		return z <= -threshold
	}
}

// groupEvents merges flagged points whose gap to the open event's end is at
// most maxGap. Events with fewer than minPoints points are dropped.
func groupEvents(segmentID string, points []AnomalyPoint, maxGap time.Duration, minPoints int) []AnomalyEvent {
	events := []AnomalyEvent{}
	var open *AnomalyEvent

	emit := func() {
		if open != nil && open.PointCount >= minPoints {
			events = append(events, *open)
		}
		open = nil
	}

	for _, p := range points {
		if !p.IsAnomaly {
			continue
		}
		z := p.ZScore.Or(0)
		if open != nil && p.Timestamp.Sub(open.EndTime) <= maxGap {
			open.EndTime = p.Timestamp
			open.PointCount++
			if math.Abs(z) > math.Abs(open.PeakZScore) {
				open.PeakZScore = z
			}
			continue
		}
		emit()
		open = &AnomalyEvent{
			SegmentID:  segmentID,
			StartTime:  p.Timestamp,
			EndTime:    p.Timestamp,
			PeakZScore: z,
			PointCount: 1,
		}
	}
	emit()
	return events
}
