// Package ingest pulls road network data and observations from the upstream
// traffic feed and consumes the live observation stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/provider/resilience"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// DefaultMaxPages caps how many pages one listing may follow.
const DefaultMaxPages = 1000

// ErrTooManyPages is returned when a listing does not terminate within
// MaxPages.
var ErrTooManyPages = errors.New("upstream listing exceeded page limit")

// FeedConfig configures the upstream feed client.
type FeedConfig struct {
	// BaseURL is the feed root, e.g. https://feed.example.com/v2.
	BaseURL  string
	PageSize int
	MaxPages int
}

// FeedConfigFromEnv reads TRAFFIC_FEED_* variables.
func FeedConfigFromEnv() FeedConfig {
	pageSize, _ := strconv.Atoi(os.Getenv("TRAFFIC_FEED_PAGE_SIZE"))
	return FeedConfig{
		BaseURL:  strings.TrimRight(os.Getenv("TRAFFIC_FEED_URL"), "/"),
		PageSize: pageSize,
		MaxPages: DefaultMaxPages,
	}
}

// page is the envelope of every feed listing. NextPage is null on the
// last page.
type page[T any] struct {
	Items    []T  `json:"items"`
	NextPage *int `json:"next_page"`
}

// Feed reads the upstream traffic feed.
type Feed struct {
	client *resilience.Client
	cfg    FeedConfig
}

// NewFeed creates a Feed that sends requests through client.
func NewFeed(client *resilience.Client, cfg FeedConfig) *Feed {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Feed{client: client, cfg: cfg}
}

// Segments lists every segment.
func (f *Feed) Segments(ctx context.Context) ([]analytics.Segment, error) {
	return list[analytics.Segment](ctx, f, "/segments", nil)
}

// Corridors lists every corridor.
func (f *Feed) Corridors(ctx context.Context) ([]analytics.Corridor, error) {
	return list[analytics.Corridor](ctx, f, "/corridors", nil)
}

// Events lists the incidents that started inside w.
func (f *Feed) Events(ctx context.Context, w analytics.TimeWindow) ([]analytics.Event, error) {
	return list[analytics.Event](ctx, f, "/events", windowQuery(w))
}

// Observations lists one segment's observations inside w. Pages may
// overlap when the feed reorders between requests, so rows are
// deduplicated by (segment_id, timestamp) and returned sorted.
func (f *Feed) Observations(ctx context.Context, segmentID string, w analytics.TimeWindow) ([]analytics.Observation, error) {
	q := windowQuery(w)
	q.Set("segment_id", segmentID)

	obs, err := list[analytics.Observation](ctx, f, "/observations", q)
	if err != nil {
		return nil, err
	}
	for i := range obs {
		if obs[i].SegmentID == "" {
			obs[i].SegmentID = segmentID
		}
		obs[i].Timestamp = obs[i].Timestamp.UTC()
	}
	return traffic.DedupeObservations(obs), nil
}

func list[T any](ctx context.Context, f *Feed, path string, q url.Values) ([]T, error) {
	if q == nil {
		q = url.Values{}
	}
	if f.cfg.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.cfg.PageSize))
	}

	var items []T
	next := 1
	for n := 0; n < f.cfg.MaxPages; n++ {
		q.Set("page", strconv.Itoa(next))

		var p page[T]
		if err := f.client.GetJSON(ctx, f.cfg.BaseURL+path+"?"+q.Encode(), &p); err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", path, next, err)
		}
		items = append(items, p.Items...)

		if p.NextPage == nil {
			return items, nil
		}
		if *p.NextPage <= next {
			return nil, fmt.Errorf("fetch %s: next page %d does not advance past %d", path, *p.NextPage, next)
		}
		next = *p.NextPage
	}
	return nil, fmt.Errorf("%w: %s after %d pages", ErrTooManyPages, path, f.cfg.MaxPages)
}

func windowQuery(w analytics.TimeWindow) url.Values {
	q := url.Values{}
	if !w.Start.IsZero() {
		q.Set("start", w.Start.UTC().Format(time.RFC3339))
	}
	if !w.End.IsZero() {
		q.Set("end", w.End.UTC().Format(time.RFC3339))
	}
	return q
}
