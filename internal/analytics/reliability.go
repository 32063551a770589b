package analytics

import (
	"sort"
	"sync"
)

// Entity is a scoring unit: a single segment or a corridor's member set.
type Entity struct {
	ID         string
	SegmentIDs []string
}

// SegmentEntities maps each segment id onto itself.
func SegmentEntities(ids []string) []Entity {
	entities := make([]Entity, 0, len(ids))
	for _, id := range ids {
		entities = append(entities, Entity{ID: id, SegmentIDs: []string{id}})
	}
	return entities
}

// CorridorEntities maps each corridor onto its member segments.
func CorridorEntities(corridors []Corridor) []Entity {
	entities := make([]Entity, 0, len(corridors))
	for _, c := range corridors {
		entities = append(entities, Entity{ID: c.ID, SegmentIDs: c.SegmentIDs})
	}
	return entities
}

// ReliabilityScorer ranks entities by how unreliable their speeds are.
type ReliabilityScorer struct {
	// Workers bounds the metric phase fan-out. Values below 2 compute
	// metrics on the calling goroutine.
	Workers int
}

// NewReliabilityScorer returns a scorer using up to workers goroutines.
func NewReliabilityScorer(workers int) *ReliabilityScorer {
	return &ReliabilityScorer{Workers: workers}
}

// Score computes metrics for every entity, then scores and ranks the
// eligible ones. Ranked entities come first in rank order, followed by
// ineligible entities ordered by id. An entity without in-window samples is
// reported with n_samples 0 and missing metrics.
//
// When entities is empty every segment with an in-window sample is scored
// on its own.
func (s *ReliabilityScorer) Score(obs []Observation, entities []Entity, window TimeWindow, cfg Config) ([]ReliabilityResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateObservations(obs); err != nil {
		return nil, err
	}
	if err := validateEntities(entities); err != nil {
		return nil, err
	}

	speeds := speedsBySegment(obs, window)
	if len(entities) == 0 {
		ids := make([]string, 0, len(speeds))
		for id := range speeds {
			ids = append(ids, id)
		}
		entities = SegmentEntities(ids)
	}
	entities = append([]Entity(nil), entities...)
	sort.Slice(entities, func(a, b int) bool { return entities[a].ID < entities[b].ID })

	metrics := s.computeMetrics(entities, speeds, cfg.CongestionSpeedThresholdKPH)

	// Barrier: percentiles need every entity's metrics.
	results := make([]ReliabilityResult, len(metrics))
	for i, m := range metrics {
		results[i] = ReliabilityResult{ReliabilityMetric: m}
	}
	scoreEligible(results, cfg)
	return results, nil
}

// Scores returns just the score view of results.
func Scores(results []ReliabilityResult) []ReliabilityScore {
	out := make([]ReliabilityScore, 0, len(results))
	for _, r := range results {
		out = append(out, r.Score())
	}
	return out
}

func (s *ReliabilityScorer) computeMetrics(entities []Entity, speeds map[string][]float64, threshold float64) []ReliabilityMetric {
	metrics := make([]ReliabilityMetric, len(entities))
	if s.Workers < 2 || len(entities) < 2 {
		for i, e := range entities {
			metrics[i] = entityMetric(e, speeds, threshold)
		}
		return metrics
	}

	jobs := make(chan int, len(entities))
	var wg sync.WaitGroup
	for w := 0; w < s.Workers && w < len(entities); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				metrics[i] = entityMetric(entities[i], speeds, threshold)
			}
		}()
	}
	for i := range entities {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return metrics
}

func entityMetric(e Entity, speeds map[string][]float64, threshold float64) ReliabilityMetric {
	var xs []float64
	for _, id := range e.SegmentIDs {
		xs = append(xs, speeds[id]...)
	}

	m := ReliabilityMetric{EntityID: e.ID, NSamples: len(xs)}
	if len(xs) == 0 {
		m.MeanSpeedKPH, m.SpeedStdKPH, m.CongestionFrequency = Missing, Missing, Missing
		return m
	}

	mean, std := meanStd(xs)
	congested := 0
	for _, x := range xs {
		if x < threshold {
			congested++
		}
	}
	m.MeanSpeedKPH = Present(mean)
	m.SpeedStdKPH = Present(std)
	m.CongestionFrequency = Present(float64(congested) / float64(len(xs)))
	return m
}

// scoreEligible fills penalties, scores and ranks in place and reorders
// results: ranked first, then ineligible by id.
func scoreEligible(results []ReliabilityResult, cfg Config) {
	var eligible []int
	for i := range results {
		results[i].Penalties = Penalties{Missing, Missing, Missing}
		if results[i].NSamples >= cfg.MinSamples {
			eligible = append(eligible, i)
		}
	}

	if len(eligible) > 0 {
		means := make([]Value, len(eligible))
		stds := make([]Value, len(eligible))
		freqs := make([]Value, len(eligible))
		for k, i := range eligible {
			means[k] = results[i].MeanSpeedKPH
			stds[k] = results[i].SpeedStdKPH
			freqs[k] = results[i].CongestionFrequency
		}
		pMean := PercentileRanks(means, true)
		pStd := PercentileRanks(stds, false)
		pFreq := PercentileRanks(freqs, false)

		w := cfg.Weights.Normalized()
		for k, i := range eligible {
			results[i].Penalties = Penalties{MeanSpeed: pMean[k], SpeedStd: pStd[k], CongestionFrequency: pFreq[k]}
			score := w.MeanSpeed*pMean[k].Or(0) + w.SpeedStd*pStd[k].Or(0) + w.CongestionFrequency*pFreq[k].Or(0)
			results[i].ReliabilityScore = Present(clamp01(score))
		}
	}

	isEligible := func(r ReliabilityResult) bool { return !r.ReliabilityScore.IsMissing() }
	sort.SliceStable(results, func(a, b int) bool {
		ea, eb := isEligible(results[a]), isEligible(results[b])
		if ea != eb {
			return ea
		}
		if ea {
			sa, sb := results[a].ReliabilityScore.v, results[b].ReliabilityScore.v
			if sa != sb {
				return sa > sb
			}
		}
		return results[a].EntityID < results[b].EntityID
	})

	for i := range results {
		if !isEligible(results[i]) {
			break
		}
		rank := i + 1
		results[i].Rank = &rank
	}
}

func speedsBySegment(obs []Observation, window TimeWindow) map[string][]float64 {
	speeds := make(map[string][]float64)
	for _, o := range obs {
		v, ok := o.SpeedKPH.Get()
		if !ok || !window.Contains(o.Timestamp) {
			continue
		}
		speeds[o.SegmentID] = append(speeds[o.SegmentID], v)
	}
	return speeds
}

func validateEntities(entities []Entity) error {
	seen := make(map[string]struct{}, len(entities))
	for i, e := range entities {
		if e.ID == "" {
			return schemaErr("entities", i, "entity_id", "is required")
		}
		if _, dup := seen[e.ID]; dup {
			return schemaErr("entities", i, "entity_id", "duplicates "+e.ID)
		}
		seen[e.ID] = struct{}{}
		if len(e.SegmentIDs) == 0 {
			return schemaErr("entities", i, "segment_ids", "must not be empty")
		}
	}
	return nil
}
