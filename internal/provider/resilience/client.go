package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/roadpulse/roadpulse/internal/provider/resilience"

// ErrCircuitOpen is returned without calling the upstream while the breaker
// is open or its half-open probe budget is used up.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Name string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	InitialInterval time.Duration
	MaxInterval     time.Duration

	Breaker BreakerConfig

	// Registry, when set, tracks the client's health.
	Registry *Registry

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider

	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// DefaultClientConfig returns the settings used for the traffic feed.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         DefaultBreakerConfig(name),
	}
}

// Client is an HTTP client for one upstream.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// NewClient creates a Client and registers it with cfg.Registry.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = DefaultBreakerConfig(cfg.Name)
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	meter := cfg.MeterProvider.Meter(instrumentationName)
	duration, err := meter.Float64Histogram(
		"upstream.client.request.duration",
		metric.WithDescription("Duration of upstream feed calls including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	calls, err := meter.Int64Counter(
		"upstream.client.request.total",
		metric.WithDescription("Upstream feed calls by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		breaker:  newBreaker[*http.Response](cfg.Breaker), //nolint:bodyclose // type parameter
		duration: duration,
		calls:    calls,
	}
	if cfg.Registry != nil {
		cfg.Registry.Register(c)
	}
	return c, nil
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Counts returns the breaker counts.
func (c *Client) Counts() gobreaker.Counts { return c.breaker.Counts() }

// Do sends req through the breaker, retrying network errors, 5xx and 429
// with exponential backoff. Any other non-2xx status is returned at once
// as a *StatusError. On success the caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	var resp *http.Response
	attempt := func() error {
		r, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.http.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			if r.StatusCode < 200 || r.StatusCode > 299 {
				return nil, readStatusError(r)
			}
			return r, nil
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(ErrCircuitOpen)
		case err != nil:
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	c.record(ctx, start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON body into dst.
func (c *Client) GetJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Client) record(ctx context.Context, start time.Time, err error) {
	outcome := Outcome(err)
	attrs := metric.WithAttributes(
		attribute.String("upstream", c.cfg.Name),
		attribute.String("outcome", outcome),
	)
	c.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	c.calls.Add(ctx, 1, attrs)

	if c.cfg.Registry != nil {
		c.cfg.Registry.record(c.cfg.Name, err)
	}
}

// countsAsSuccess keeps client errors from tripping the breaker.
func countsAsSuccess(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Retryable()
	}
	return err == nil
}

// Outcome classifies a Do error.
func Outcome(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &statusErr) && statusErr.Retryable():
		return "server_error"
	case errors.As(err, &statusErr):
		return "client_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "network_error"
	}
}

const maxErrorBody = 512

func readStatusError(r *http.Response) *StatusError {
	defer r.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
	return &StatusError{StatusCode: r.StatusCode, Body: string(body)}
}
