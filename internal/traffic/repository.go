package traffic

import (
	"context"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

// Repository defines the interface for traffic data persistence.
type Repository interface {
	// ListSegments returns segments ordered by id. With no ids it returns
	// every segment; otherwise unknown ids are skipped.
	ListSegments(ctx context.Context, ids ...string) ([]analytics.Segment, error)

	// ListCorridors returns corridors ordered by id, filtered like ListSegments.
	ListCorridors(ctx context.Context, ids ...string) ([]analytics.Corridor, error)

	// GetCorridor returns ErrCorridorNotFound for unknown ids.
	GetCorridor(ctx context.Context, id string) (*analytics.Corridor, error)

	// GetEvent returns ErrEventNotFound for unknown ids.
	GetEvent(ctx context.Context, id string) (*analytics.Event, error)

	// ListObservations returns matching observations ordered by segment id
	// and timestamp.
	ListObservations(ctx context.Context, q ObservationQuery) ([]analytics.Observation, error)

	// UpsertSegments inserts or replaces segments by id.
	UpsertSegments(ctx context.Context, segments []analytics.Segment) error

	// UpsertCorridors inserts or replaces corridors by id.
	UpsertCorridors(ctx context.Context, corridors []analytics.Corridor) error

	// UpsertObservations inserts or replaces observations keyed by
	// (segment_id, timestamp), so replaying a batch is idempotent.
	UpsertObservations(ctx context.Context, obs []analytics.Observation) error

	// UpsertEvents inserts or replaces events by id.
	UpsertEvents(ctx context.Context, events []analytics.Event) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
