package traffic

import (
	"context"
	"sort"
	"sync"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

type obsKey struct {
	segmentID string
	ts        int64
}

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing and local runs. Production should use
// PostgresRepository.
type InMemoryRepository struct {
	mu           sync.RWMutex
	segments     map[string]analytics.Segment
	corridors    map[string]analytics.Corridor
	events       map[string]analytics.Event
	observations map[obsKey]analytics.Observation
}

// NewInMemoryRepository creates a new in-memory traffic repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		segments:     make(map[string]analytics.Segment),
		corridors:    make(map[string]analytics.Corridor),
		events:       make(map[string]analytics.Event),
		observations: make(map[obsKey]analytics.Observation),
	}
}

// ListSegments returns segments ordered by id.
func (r *InMemoryRepository) ListSegments(_ context.Context, ids ...string) ([]analytics.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []analytics.Segment
	if len(ids) == 0 {
		for _, s := range r.segments {
			out = append(out, s)
		}
	} else {
		for _, id := range dedupe(ids) {
			if s, ok := r.segments[id]; ok {
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// ListCorridors returns corridors ordered by id.
func (r *InMemoryRepository) ListCorridors(_ context.Context, ids ...string) ([]analytics.Corridor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []analytics.Corridor
	if len(ids) == 0 {
		for _, c := range r.corridors {
			out = append(out, copyCorridor(c))
		}
	} else {
		for _, id := range dedupe(ids) {
			if c, ok := r.corridors[id]; ok {
				out = append(out, copyCorridor(c))
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// GetCorridor retrieves a corridor by id.
func (r *InMemoryRepository) GetCorridor(_ context.Context, id string) (*analytics.Corridor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.corridors[id]
	if !ok {
		return nil, ErrCorridorNotFound
	}
	cpy := copyCorridor(c)
	return &cpy, nil
}

// GetEvent retrieves an event by id.
func (r *InMemoryRepository) GetEvent(_ context.Context, id string) (*analytics.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	if e.EndTime != nil {
		end := *e.EndTime
		e.EndTime = &end
	}
	return &e, nil
}

// ListObservations returns matching observations.
func (r *InMemoryRepository) ListObservations(_ context.Context, q ObservationQuery) ([]analytics.Observation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var wanted map[string]struct{}
	if len(q.SegmentIDs) > 0 {
		wanted = make(map[string]struct{}, len(q.SegmentIDs))
		for _, id := range q.SegmentIDs {
			wanted[id] = struct{}{}
		}
	}

	var out []analytics.Observation
	for _, o := range r.observations {
		if wanted != nil {
			if _, ok := wanted[o.SegmentID]; !ok {
				continue
			}
		}
		if !q.Window.Contains(o.Timestamp) {
			continue
		}
		out = append(out, o)
	}
	SortObservations(out)
	return out, nil
}

// UpsertSegments inserts or replaces segments.
func (r *InMemoryRepository) UpsertSegments(_ context.Context, segments []analytics.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range segments {
		r.segments[s.ID] = s
	}
	return nil
}

// UpsertCorridors inserts or replaces corridors.
func (r *InMemoryRepository) UpsertCorridors(_ context.Context, corridors []analytics.Corridor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range corridors {
		r.corridors[c.ID] = copyCorridor(c)
	}
	return nil
}

// UpsertObservations inserts or replaces observations.
func (r *InMemoryRepository) UpsertObservations(_ context.Context, obs []analytics.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range obs {
		o.Timestamp = o.Timestamp.UTC()
		r.observations[obsKey{segmentID: o.SegmentID, ts: o.Timestamp.UnixNano()}] = o
	}
	return nil
}

// UpsertEvents inserts or replaces events.
func (r *InMemoryRepository) UpsertEvents(_ context.Context, events []analytics.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if e.EndTime != nil {
			end := *e.EndTime
			e.EndTime = &end
		}
		r.events[e.ID] = e
	}
	return nil
}

// Ping always succeeds.
func (r *InMemoryRepository) Ping(_ context.Context) error {
	return nil
}

// SortObservations orders observations by segment id, then timestamp.
func SortObservations(obs []analytics.Observation) {
	sort.SliceStable(obs, func(a, b int) bool {
		if obs[a].SegmentID != obs[b].SegmentID {
			return obs[a].SegmentID < obs[b].SegmentID
		}
		return obs[a].Timestamp.Before(obs[b].Timestamp)
	})
}

// DedupeObservations keeps the last observation for each (segment_id,
// timestamp) pair and returns them sorted.
func DedupeObservations(obs []analytics.Observation) []analytics.Observation {
	idx := make(map[obsKey]int, len(obs))
	out := make([]analytics.Observation, 0, len(obs))
	for _, o := range obs {
		k := obsKey{segmentID: o.SegmentID, ts: o.Timestamp.UnixNano()}
		if i, ok := idx[k]; ok {
			out[i] = o
			continue
		}
		idx[k] = len(out)
		out = append(out, o)
	}
	SortObservations(out)
	return out
}

func copyCorridor(c analytics.Corridor) analytics.Corridor {
	c.SegmentIDs = append([]string(nil), c.SegmentIDs...)
	return c
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
