package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/provider/resilience"
)

// ErrUnknownJob is returned for job types the worker does not run.
var ErrUnknownJob = errors.New("unknown job type")

// JobMessage is the payload of a job trigger.
type JobMessage struct {
	JobType string `json:"job_type"`
}

// ParseJobMessage decodes a job trigger.
func ParseJobMessage(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	return msg, nil
}

// Pinger is a dependency probed by the health check job.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dispatcher runs jobs by type.
type Dispatcher struct {
	ingest   *IngestJob
	repo     Pinger
	upstream *resilience.Registry
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. upstream may be nil.
func NewDispatcher(ingest *IngestJob, repo Pinger, upstream *resilience.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{ingest: ingest, repo: repo, upstream: upstream, logger: logger}
}

// Dispatch runs the job named by jobType.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType string) error {
	switch jobType {
	case JobIngestObservations:
		_, err := d.ingest.IngestObservations(ctx)
		return err
	case JobSyncNetwork:
		_, err := d.ingest.SyncNetwork(ctx)
		return err
	case JobHealthCheck:
		return d.healthCheck(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, jobType)
	}
}

// healthCheck fails when the repository is unreachable or an upstream
// breaker is not closed.
func (d *Dispatcher) healthCheck(ctx context.Context) error {
	if err := d.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if d.upstream == nil {
		return nil
	}

	var unhealthy []string
	for _, s := range d.upstream.All() {
		if !s.Healthy() {
			unhealthy = append(unhealthy, s.Name+"="+s.State)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("upstream unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	d.logger.Debug().Msg("health check passed")
	return nil
}
