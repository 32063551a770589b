package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roadpulse/roadpulse/internal/analytics"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL traffic repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// ListSegments returns segments ordered by id.
func (r *PostgresRepository) ListSegments(ctx context.Context, ids ...string) ([]analytics.Segment, error) {
	query := `
		SELECT segment_id, lat, lon, road_name, direction, city
		FROM segments
		WHERE cardinality($1::text[]) = 0 OR segment_id = ANY($1)
		ORDER BY segment_id
	`

	rows, err := r.pool.Query(ctx, query, nonNil(ids))
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []analytics.Segment
	for rows.Next() {
		var s analytics.Segment
		if err := rows.Scan(&s.ID, &s.Lat, &s.Lon, &s.RoadName, &s.Direction, &s.City); err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

// ListCorridors returns corridors ordered by id.
func (r *PostgresRepository) ListCorridors(ctx context.Context, ids ...string) ([]analytics.Corridor, error) {
	query := `
		SELECT corridor_id, name, segment_ids
		FROM corridors
		WHERE cardinality($1::text[]) = 0 OR corridor_id = ANY($1)
		ORDER BY corridor_id
	`

	rows, err := r.pool.Query(ctx, query, nonNil(ids))
	if err != nil {
		return nil, fmt.Errorf("query corridors: %w", err)
	}
	defer rows.Close()

	var corridors []analytics.Corridor
	for rows.Next() {
		var c analytics.Corridor
		if err := rows.Scan(&c.ID, &c.Name, &c.SegmentIDs); err != nil {
			return nil, err
		}
		corridors = append(corridors, c)
	}
	return corridors, rows.Err()
}

// GetCorridor retrieves a corridor by id.
func (r *PostgresRepository) GetCorridor(ctx context.Context, id string) (*analytics.Corridor, error) {
	query := `SELECT corridor_id, name, segment_ids FROM corridors WHERE corridor_id = $1`

	var c analytics.Corridor
	err := r.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.SegmentIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCorridorNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetEvent retrieves an event by id.
func (r *PostgresRepository) GetEvent(ctx context.Context, id string) (*analytics.Event, error) {
	query := `
		SELECT event_id, start_time, end_time, lat, lon, event_type, severity, description
		FROM events
		WHERE event_id = $1
	`

	var e analytics.Event
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.StartTime,
		&e.EndTime,
		&e.Lat,
		&e.Lon,
		&e.EventType,
		&e.Severity,
		&e.Description,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	e.StartTime = e.StartTime.UTC()
	if e.EndTime != nil {
		end := e.EndTime.UTC()
		e.EndTime = &end
	}
	return &e, nil
}

// ListObservations returns matching observations ordered by segment and time.
func (r *PostgresRepository) ListObservations(ctx context.Context, q ObservationQuery) ([]analytics.Observation, error) {
	query := `
		SELECT segment_id, ts, speed_kph, volume, occupancy_pct
		FROM observations
		WHERE (cardinality($1::text[]) = 0 OR segment_id = ANY($1))
		  AND ($2::timestamptz IS NULL OR ts >= $2)
		  AND ($3::timestamptz IS NULL OR ts < $3)
		ORDER BY segment_id, ts
	`

	var start, end *time.Time
	if !q.Window.Start.IsZero() {
		start = &q.Window.Start
	}
	if !q.Window.End.IsZero() {
		end = &q.Window.End
	}

	rows, err := r.pool.Query(ctx, query, nonNil(q.SegmentIDs), start, end)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var obs []analytics.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// scanObservation scans one observation row, mapping NULLs to Missing.
func scanObservation(row pgx.Row) (analytics.Observation, error) {
	var (
		o                        analytics.Observation
		speed, volume, occupancy *float64
	)
	if err := row.Scan(&o.SegmentID, &o.Timestamp, &speed, &volume, &occupancy); err != nil {
		return o, err
	}
	o.Timestamp = o.Timestamp.UTC()
	o.SpeedKPH = fromNullable(speed)
	o.Volume = fromNullable(volume)
	o.OccupancyPct = fromNullable(occupancy)
	return o, nil
}

// UpsertSegments inserts or replaces segments.
func (r *PostgresRepository) UpsertSegments(ctx context.Context, segments []analytics.Segment) error {
	query := `
		INSERT INTO segments (segment_id, lat, lon, road_name, direction, city)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (segment_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			road_name = EXCLUDED.road_name,
			direction = EXCLUDED.direction,
			city = EXCLUDED.city
	`

	batch := &pgx.Batch{}
	for _, s := range segments {
		batch.Queue(query, s.ID, s.Lat, s.Lon, s.RoadName, s.Direction, s.City)
	}
	return r.sendBatch(ctx, batch, "segments")
}

// UpsertCorridors inserts or replaces corridors.
func (r *PostgresRepository) UpsertCorridors(ctx context.Context, corridors []analytics.Corridor) error {
	query := `
		INSERT INTO corridors (corridor_id, name, segment_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (corridor_id) DO UPDATE SET
			name = EXCLUDED.name,
			segment_ids = EXCLUDED.segment_ids
	`

	batch := &pgx.Batch{}
	for _, c := range corridors {
		batch.Queue(query, c.ID, c.Name, c.SegmentIDs)
	}
	return r.sendBatch(ctx, batch, "corridors")
}

// UpsertObservations inserts or replaces observations by (segment_id, ts).
func (r *PostgresRepository) UpsertObservations(ctx context.Context, obs []analytics.Observation) error {
	query := `
		INSERT INTO observations (segment_id, ts, speed_kph, volume, occupancy_pct)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (segment_id, ts) DO UPDATE SET
			speed_kph = EXCLUDED.speed_kph,
			volume = EXCLUDED.volume,
			occupancy_pct = EXCLUDED.occupancy_pct
	`

	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(query,
			o.SegmentID,
			o.Timestamp.UTC(),
			toNullable(o.SpeedKPH),
			toNullable(o.Volume),
			toNullable(o.OccupancyPct),
		)
	}
	return r.sendBatch(ctx, batch, "observations")
}

// UpsertEvents inserts or replaces events.
func (r *PostgresRepository) UpsertEvents(ctx context.Context, events []analytics.Event) error {
	query := `
		INSERT INTO events (event_id, start_time, end_time, lat, lon, event_type, severity, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			event_type = EXCLUDED.event_type,
			severity = EXCLUDED.severity,
			description = EXCLUDED.description
	`

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query, e.ID, e.StartTime, e.EndTime, e.Lat, e.Lon, e.EventType, e.Severity, e.Description)
	}
	return r.sendBatch(ctx, batch, "events")
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) sendBatch(ctx context.Context, batch *pgx.Batch, table string) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func fromNullable(f *float64) analytics.Value {
	if f == nil {
		return analytics.Missing
	}
	return analytics.Present(*f)
}

func toNullable(v analytics.Value) *float64 {
	f, ok := v.Get()
	if !ok {
		return nil
	}
	return &f
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
