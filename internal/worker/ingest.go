package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// Job types accepted by the worker.
const (
	JobIngestObservations = "ingest_observations"
	JobSyncNetwork        = "sync_segments"
	JobHealthCheck        = "health_check"
)

// Source is the upstream the jobs pull from.
type Source interface {
	Segments(ctx context.Context) ([]analytics.Segment, error)
	Corridors(ctx context.Context) ([]analytics.Corridor, error)
	Events(ctx context.Context, w analytics.TimeWindow) ([]analytics.Event, error)
	Observations(ctx context.Context, segmentID string, w analytics.TimeWindow) ([]analytics.Observation, error)
}

// IngestJob copies the road network and recent observations from the
// upstream feed into the repository.
type IngestJob struct {
	source  Source
	repo    traffic.Repository
	cfg     IngestConfig
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	stats Stats
}

// IngestJobConfig holds the dependencies of an IngestJob.
type IngestJobConfig struct {
	Source  Source
	Repo    traffic.Repository
	Config  IngestConfig
	Clock   clockwork.Clock
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// NewIngestJob creates an IngestJob. Zero config fields take their defaults.
func NewIngestJob(cfg IngestJobConfig) *IngestJob {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IngestJob{
		source:  cfg.Source,
		repo:    cfg.Repo,
		cfg:     cfg.Config.withDefaults(),
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "ingest_job").Logger(),
	}
}

// SegmentError is a failed per-segment pull.
type SegmentError struct {
	SegmentID string
	Err       error
}

func (e SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.SegmentID, e.Err)
}

// IngestResult summarises one observation pull.
type IngestResult struct {
	Window       analytics.TimeWindow
	Segments     int
	Successful   int
	Failed       int
	Observations int
	Errors       []SegmentError
	Duration     time.Duration
}

// Stats is the running history of the job.
type Stats struct {
	Runs          int64             `json:"runs"`
	FailedRuns    int64             `json:"failed_runs"`
	Observations  int64             `json:"observations"`
	LastRunAt     time.Time         `json:"last_run_at"`
	LastDuration  time.Duration     `json:"last_duration_ns"`
	LastSyncAt    time.Time         `json:"last_sync_at"`
	LastSync      traffic.SyncStats `json:"last_sync"`
	LastRunFailed int               `json:"last_run_failed"`
}

// SyncNetwork replaces segments and corridors with the upstream's and
// upserts incidents that started within EventLookback.
func (j *IngestJob) SyncNetwork(ctx context.Context) (traffic.SyncStats, error) {
	stats, err := j.syncNetwork(ctx)
	j.recordRun(JobSyncNetwork, err)
	if err != nil {
		return stats, err
	}

	j.mu.Lock()
	j.stats.LastSyncAt = stats.At
	j.stats.LastSync = stats
	j.mu.Unlock()

	j.logger.Info().
		Int("segments", stats.Segments).
		Int("events", stats.Events).
		Msg("network sync completed")
	return stats, nil
}

func (j *IngestJob) syncNetwork(ctx context.Context) (traffic.SyncStats, error) {
	now := j.clock.Now().UTC()
	stats := traffic.SyncStats{At: now}

	segments, err := j.source.Segments(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch segments: %w", err)
	}
	corridors, err := j.source.Corridors(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch corridors: %w", err)
	}
	if err := analytics.ValidateCorridors(corridors); err != nil {
		return stats, fmt.Errorf("upstream corridors: %w", err)
	}
	events, err := j.source.Events(ctx, analytics.TimeWindow{Start: now.Add(-j.cfg.EventLookback), End: now})
	if err != nil {
		return stats, fmt.Errorf("fetch events: %w", err)
	}

	if err := j.repo.UpsertSegments(ctx, segments); err != nil {
		return stats, fmt.Errorf("store segments: %w", err)
	}
	if err := j.repo.UpsertCorridors(ctx, corridors); err != nil {
		return stats, fmt.Errorf("store corridors: %w", err)
	}
	if err := j.repo.UpsertEvents(ctx, events); err != nil {
		return stats, fmt.Errorf("store events: %w", err)
	}

	stats.Segments = len(segments)
	stats.Events = len(events)
	return stats, nil
}

// IngestObservations pulls the last Lookback of observations for every
// known segment with Concurrency workers. A failing segment does not stop
// the others; the run fails when more segments failed than succeeded.
func (j *IngestJob) IngestObservations(ctx context.Context) (*IngestResult, error) {
	start := j.clock.Now()
	now := start.UTC()
	result := &IngestResult{Window: analytics.TimeWindow{Start: now.Add(-j.cfg.Lookback), End: now}}

	segments, err := j.repo.ListSegments(ctx)
	if err != nil {
		err = fmt.Errorf("list segments: %w", err)
		j.recordRun(JobIngestObservations, err)
		return result, err
	}
	result.Segments = len(segments)

	j.logger.Info().
		Int("segments", result.Segments).
		Int("concurrency", j.cfg.Concurrency).
		Time("window_start", result.Window.Start).
		Msg("starting observation pull")

	ids := make(chan string, len(segments))
	for _, s := range segments {
		ids <- s.ID
	}
	close(ids)

	results := make(chan segmentResult, len(segments))
	var wg sync.WaitGroup
	for i := 0; i < j.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if ctx.Err() != nil {
					results <- segmentResult{id: id, err: ctx.Err()}
					continue
				}
				results <- j.ingestSegment(ctx, id, result.Window)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, SegmentError{SegmentID: r.id, Err: r.err})
			continue
		}
		result.Successful++
		result.Observations += r.n
	}
	result.Duration = j.clock.Since(start)

	if result.Failed > result.Successful {
		err = fmt.Errorf("observation pull failed for %d of %d segments: %w", result.Failed, result.Segments, errors.Join(segmentErrs(result.Errors)...))
	}
	j.recordRun(JobIngestObservations, err)
	j.recordIngest(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("observations", result.Observations).
		Msg("observation pull completed")
	return result, err
}

type segmentResult struct {
	id  string
	n   int
	err error
}

func (j *IngestJob) ingestSegment(ctx context.Context, id string, w analytics.TimeWindow) segmentResult {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	obs, err := j.source.Observations(ctx, id, w)
	if err != nil {
		j.logger.Warn().Err(err).Str("segment_id", id).Msg("fetching observations failed")
		return segmentResult{id: id, err: err}
	}
	if len(obs) == 0 {
		return segmentResult{id: id}
	}
	if err := j.repo.UpsertObservations(ctx, obs); err != nil {
		j.logger.Warn().Err(err).Str("segment_id", id).Msg("storing observations failed")
		return segmentResult{id: id, err: err}
	}
	return segmentResult{id: id, n: len(obs)}
}

// Run pulls observations on every Interval tick until ctx is cancelled,
// syncing the network first and then on every SyncEvery-th tick.
func (j *IngestJob) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.cfg.Interval).Msg("ingest schedule started")
	for tick := 0; ; tick++ {
		if tick%j.cfg.SyncEvery == 0 {
			if _, err := j.SyncNetwork(ctx); err != nil {
				j.logger.Error().Err(err).Msg("network sync failed")
			}
		}
		if _, err := j.IngestObservations(ctx); err != nil {
			j.logger.Error().Err(err).Msg("observation pull failed")
		}

		select {
		case <-ctx.Done():
			j.logger.Info().Msg("ingest schedule stopped")
			return
		case <-ticker.Chan():
		}
	}
}

// Stats returns a copy of the job history.
func (j *IngestJob) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats
}

func (j *IngestJob) recordRun(job string, err error) {
	if j.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	j.metrics.IngestRuns.WithLabelValues(job, outcome).Inc()
}

func (j *IngestJob) recordIngest(r *IngestResult) {
	if j.metrics != nil {
		j.metrics.ObservationsIngested.Add(float64(r.Observations))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.Runs++
	if r.Failed > r.Successful {
		j.stats.FailedRuns++
	}
	j.stats.Observations += int64(r.Observations)
	j.stats.LastRunAt = r.Window.End
	j.stats.LastDuration = r.Duration
	j.stats.LastRunFailed = r.Failed
}

func segmentErrs(errs []SegmentError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}
