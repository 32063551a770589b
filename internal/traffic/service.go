package traffic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/cache"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/pkg/polyline"
)

const tracerName = "github.com/roadpulse/roadpulse/internal/traffic"

// Analytics products, used as metric labels and cache key prefixes.
const (
	ProductReliability = "reliability"
	ProductAnomalies   = "anomalies"
	ProductEventImpact = "event_impact"
)

// DefaultWindow is the lookback used when a request carries no window.
const DefaultWindow = 24 * time.Hour

// ServiceConfig holds configuration for the traffic service.
type ServiceConfig struct {
	// Repo is the traffic data store.
	Repo Repository

	// Cache stores computed results (default: NopCache).
	Cache cache.Cache

	// CacheTTL is how long computed results are kept (default: 5 minutes).
	CacheTTL time.Duration

	// Defaults is the analytics configuration that request overrides are
	// applied to (default: analytics.DefaultConfig()).
	Defaults analytics.Config

	// Workers bounds the goroutines used per computation (default: 4).
	Workers int

	// Clock is used to derive default windows (default: real clock).
	Clock clockwork.Clock

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger for service operations.
	Logger zerolog.Logger
}

// Service runs the analytics over repository data.
type Service struct {
	repo     Repository
	cache    cache.Cache
	cacheTTL time.Duration
	defaults analytics.Config
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   zerolog.Logger
	tracer   trace.Tracer

	scorer   *analytics.ReliabilityScorer
	detector *analytics.AnomalyDetector
	analyzer *analytics.EventImpactAnalyzer
}

// NewService creates a new traffic service.
func NewService(cfg ServiceConfig) *Service {
	c := cfg.Cache
	if c == nil {
		c = cache.NopCache{}
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}

	defaults := cfg.Defaults
	if defaults == (analytics.Config{}) {
		defaults = analytics.DefaultConfig()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{
		repo:     cfg.Repo,
		cache:    c,
		cacheTTL: cacheTTL,
		defaults: defaults,
		clock:    clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		tracer:   otel.Tracer(tracerName),
		scorer:   analytics.NewReliabilityScorer(workers),
		detector: analytics.NewAnomalyDetector(workers),
		analyzer: analytics.NewEventImpactAnalyzer(),
	}
}

// Defaults returns the configuration request overrides are applied to.
func (s *Service) Defaults() analytics.Config {
	return s.defaults
}

// Segments returns segments ordered by id. With ids, every id must exist.
func (s *Service) Segments(ctx context.Context, ids ...string) ([]analytics.Segment, error) {
	segments, err := s.repo.ListSegments(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if missing := missingIDs(ids, segments, func(sg analytics.Segment) string { return sg.ID }); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrSegmentNotFound, missing)
	}
	if segments == nil {
		segments = []analytics.Segment{}
	}
	return segments, nil
}

// Corridors returns corridors with their geometry, ordered by id. With ids,
// every id must exist.
func (s *Service) Corridors(ctx context.Context, ids ...string) ([]CorridorView, error) {
	corridors, err := s.loadCorridors(ctx, ids)
	if err != nil {
		return nil, err
	}

	var memberIDs []string
	for _, c := range corridors {
		memberIDs = append(memberIDs, c.SegmentIDs...)
	}
	segments, err := s.repo.ListSegments(ctx, memberIDs...)
	if err != nil {
		return nil, fmt.Errorf("list corridor segments: %w", err)
	}
	byID := make(map[string]analytics.Segment, len(segments))
	for _, sg := range segments {
		byID[sg.ID] = sg
	}

	views := make([]CorridorView, 0, len(corridors))
	for _, c := range corridors {
		coords := make([]polyline.Coordinate, 0, len(c.SegmentIDs))
		for _, id := range c.SegmentIDs {
			if sg, ok := byID[id]; ok {
				coords = append(coords, polyline.Coordinate{Lat: sg.Lat, Lon: sg.Lon})
			}
		}
		views = append(views, CorridorView{
			Corridor: c,
			Polyline: polyline.Encode(coords),
			LengthM:  polyline.Length(coords),
		})
	}
	return views, nil
}

// Reliability ranks the requested segments or corridors by speed
// reliability over the request window.
func (s *Service) Reliability(ctx context.Context, req ReliabilityRequest) (*ReliabilityReport, error) {
	ctx, span := s.tracer.Start(ctx, "traffic.Reliability", trace.WithAttributes(
		attribute.String("scope", string(req.Scope)),
		attribute.Int("ids", len(req.IDs)),
	))
	defer span.End()

	start := s.clock.Now()
	report, err := s.reliability(ctx, req)
	s.observe(span, ProductReliability, start, err)
	if err == nil && s.metrics != nil {
		scored := 0
		for _, r := range report.Results {
			if r.Rank != nil {
				scored++
			}
		}
		s.metrics.EntitiesScored.Observe(float64(scored))
	}
	return report, err
}

func (s *Service) reliability(ctx context.Context, req ReliabilityRequest) (*ReliabilityReport, error) {
	cfg, err := analytics.Resolve(s.defaults, &req.Overrides)
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeSegment
	}
	window := s.window(req.Window)

	var entities []analytics.Entity
	switch scope {
	case ScopeSegment:
		if len(req.IDs) > 0 {
			if _, err := s.Segments(ctx, req.IDs...); err != nil {
				return nil, err
			}
			entities = analytics.SegmentEntities(dedupe(req.IDs))
		}
	case ScopeCorridor:
		corridors, err := s.loadCorridors(ctx, req.IDs)
		if err != nil {
			return nil, err
		}
		if err := analytics.ValidateCorridors(corridors); err != nil {
			return nil, err
		}
		entities = analytics.CorridorEntities(corridors)
	default:
		return nil, &analytics.ConfigurationError{Field: "scope", Value: req.Scope, Reason: "must be segment or corridor"}
	}

	key, err := cache.Key(ProductReliability, scope, req.IDs, window, cfg)
	if err != nil {
		return nil, err
	}
	report := &ReliabilityReport{}
	if s.lookup(ctx, ProductReliability, key, report) {
		return report, nil
	}

	var segmentIDs []string
	for _, e := range entities {
		segmentIDs = append(segmentIDs, e.SegmentIDs...)
	}
	if scope == ScopeCorridor && len(segmentIDs) == 0 {
		return &ReliabilityReport{Scope: scope, Window: window, Results: []analytics.ReliabilityResult{}}, nil
	}

	obs, err := s.repo.ListObservations(ctx, ObservationQuery{SegmentIDs: dedupe(segmentIDs), Window: window})
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}

	results, err := s.scorer.Score(obs, entities, window, cfg)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []analytics.ReliabilityResult{}
	}

	report = &ReliabilityReport{Scope: scope, Window: window, Results: results}
	s.store(ctx, key, report)
	return report, nil
}

// Anomalies builds the anomaly timeline of each requested segment. With no
// segment ids every segment with observations in the window is evaluated.
// Requested segments without data get an empty series.
func (s *Service) Anomalies(ctx context.Context, req AnomalyRequest) (*AnomalyReport, error) {
	ctx, span := s.tracer.Start(ctx, "traffic.Anomalies", trace.WithAttributes(
		attribute.Int("segments", len(req.SegmentIDs)),
	))
	defer span.End()

	start := s.clock.Now()
	report, err := s.anomalies(ctx, req)
	s.observe(span, ProductAnomalies, start, err)
	if err == nil && s.metrics != nil {
		for _, series := range report.Series {
			s.metrics.AnomalyEvents.Add(float64(len(series.Events)))
		}
	}
	return report, err
}

func (s *Service) anomalies(ctx context.Context, req AnomalyRequest) (*AnomalyReport, error) {
	cfg, err := analytics.Resolve(s.defaults, &req.Overrides)
	if err != nil {
		return nil, err
	}
	window := s.window(req.Window)
	ids := dedupe(req.SegmentIDs)
	if len(ids) > 0 {
		if _, err := s.Segments(ctx, ids...); err != nil {
			return nil, err
		}
	}

	key, err := cache.Key(ProductAnomalies, ids, window, cfg)
	if err != nil {
		return nil, err
	}
	report := &AnomalyReport{}
	if s.lookup(ctx, ProductAnomalies, key, report) {
		return report, nil
	}

	obs, err := s.repo.ListObservations(ctx, ObservationQuery{SegmentIDs: ids, Window: window})
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}

	series, err := s.detector.DetectAll(obs, cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !slices.ContainsFunc(series, func(a analytics.AnomalySeries) bool { return a.SegmentID == id }) {
			series = append(series, analytics.AnomalySeries{
				SegmentID: id,
				Points:    []analytics.AnomalyPoint{},
				Events:    []analytics.AnomalyEvent{},
			})
		}
	}
	slices.SortFunc(series, func(a, b analytics.AnomalySeries) int {
		switch {
		case a.SegmentID < b.SegmentID:
			return -1
		case a.SegmentID > b.SegmentID:
			return 1
		}
		return 0
	})
	if series == nil {
		series = []analytics.AnomalySeries{}
	}

	report = &AnomalyReport{Window: window, Series: series}
	s.store(ctx, key, report)
	return report, nil
}

// EventImpact measures the speed impact of a stored event on the segments
// around it.
func (s *Service) EventImpact(ctx context.Context, eventID string, overrides analytics.Overrides) (*analytics.EventImpact, error) {
	ctx, span := s.tracer.Start(ctx, "traffic.EventImpact", trace.WithAttributes(
		attribute.String("event_id", eventID),
	))
	defer span.End()

	start := s.clock.Now()
	impact, err := s.eventImpact(ctx, eventID, overrides)
	s.observe(span, ProductEventImpact, start, err)
	return impact, err
}

func (s *Service) eventImpact(ctx context.Context, eventID string, overrides analytics.Overrides) (*analytics.EventImpact, error) {
	cfg, err := analytics.Resolve(s.defaults, &overrides)
	if err != nil {
		return nil, err
	}

	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	key, err := cache.Key(ProductEventImpact, event, cfg)
	if err != nil {
		return nil, err
	}
	impact := &analytics.EventImpact{}
	if s.lookup(ctx, ProductEventImpact, key, impact) {
		return impact, nil
	}

	segments, err := s.repo.ListSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	nearby := analytics.SelectNearbySegments(event.Lat, event.Lon, segments, cfg.RadiusMeters, cfg.MaxSegments)
	ids := make([]string, 0, len(nearby))
	for _, n := range nearby {
		ids = append(ids, n.Segment.ID)
	}

	var obs []analytics.Observation
	if len(ids) > 0 {
		effEnd := analytics.EffectiveEnd(*event, cfg.EndTimeFallback)
		window := analytics.TimeWindow{
			Start: event.StartTime.Add(-cfg.BaselineWindow),
			End:   effEnd.Add(cfg.RecoveryHorizon + time.Nanosecond),
		}
		obs, err = s.repo.ListObservations(ctx, ObservationQuery{SegmentIDs: ids, Window: window})
		if err != nil {
			return nil, fmt.Errorf("list observations: %w", err)
		}
	}

	result, err := s.analyzer.Analyze(*event, segments, obs, cfg)
	if err != nil {
		return nil, err
	}

	impact = &result
	s.store(ctx, key, impact)
	return impact, nil
}

// Ping checks the repository is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) loadCorridors(ctx context.Context, ids []string) ([]analytics.Corridor, error) {
	corridors, err := s.repo.ListCorridors(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("list corridors: %w", err)
	}
	if missing := missingIDs(ids, corridors, func(c analytics.Corridor) string { return c.ID }); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrCorridorNotFound, missing)
	}
	return corridors, nil
}

// window fills unset bounds: the end defaults to now and the start to
// DefaultWindow before the end.
func (s *Service) window(w analytics.TimeWindow) analytics.TimeWindow {
	if w.End.IsZero() {
		w.End = s.clock.Now().UTC()
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-DefaultWindow)
	}
	return w
}

// lookup reads a cached result. Cache failures are logged and treated as
// misses.
func (s *Service) lookup(ctx context.Context, product, key string, dst any) bool {
	found, err := s.cache.Get(ctx, key, dst)
	result := "miss"
	switch {
	case err != nil:
		result = "error"
		s.logger.Warn().Err(err).Str("product", product).Msg("result cache read failed")
	case found:
		result = "hit"
	}
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(product, result).Inc()
	}
	return found && err == nil
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if err := s.cache.Set(ctx, key, value, s.cacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("result cache write failed")
	}
}

func (s *Service) observe(span trace.Span, product string, start time.Time, err error) {
	outcome := Outcome(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug().Err(err).Str("product", product).Str("outcome", outcome).Msg("analytics request failed")
	}
	if s.metrics == nil {
		return
	}
	s.metrics.AnalyticsRequests.WithLabelValues(product, outcome).Inc()
	s.metrics.AnalyticsDuration.WithLabelValues(product).Observe(s.clock.Since(start).Seconds())
}

// Outcome classifies an analytics error for metrics and logging.
func Outcome(err error) string {
	var (
		cfgErr    *analytics.ConfigurationError
		schemaErr *analytics.InputSchemaError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cfgErr):
		return "config_error"
	case errors.As(err, &schemaErr):
		return "schema_error"
	case errors.Is(err, ErrSegmentNotFound), errors.Is(err, ErrCorridorNotFound), errors.Is(err, ErrEventNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func missingIDs[T any](ids []string, found []T, id func(T) string) []string {
	if len(ids) == 0 {
		return nil
	}
	present := make(map[string]bool, len(found))
	for _, f := range found {
		present[id(f)] = true
	}
	var missing []string
	for _, want := range dedupe(ids) {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	return missing
}
