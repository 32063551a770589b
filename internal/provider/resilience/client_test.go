package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roadpulse/roadpulse/internal/provider/resilience"
)

func fastConfig(name string) resilience.ClientConfig {
	cfg := resilience.DefaultClientConfig(name)
	cfg.Timeout = time.Second
	cfg.InitialInterval = 5 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	cfg.Breaker.MinRequests = 100
	return cfg
}

func newClient(t *testing.T, cfg resilience.ClientConfig) *resilience.Client {
	t.Helper()
	client, err := resilience.NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"segment_id":"s1"}`))
	}))
	defer server.Close()

	var got struct {
		SegmentID string `json:"segment_id"`
	}
	require.NoError(t, newClient(t, fastConfig("feed")).GetJSON(context.Background(), server.URL, &got))
	assert.Equal(t, "s1", got.SegmentID)
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		failStatus   int
		wantAttempts int32
		wantErr      bool
	}{
		{name: "recovers after 5xx", failures: 2, failStatus: http.StatusServiceUnavailable, wantAttempts: 3},
		{name: "recovers after 429", failures: 1, failStatus: http.StatusTooManyRequests, wantAttempts: 2},
		{name: "gives up after max retries", failures: 10, failStatus: http.StatusBadGateway, wantAttempts: 4, wantErr: true},
		{name: "4xx is not retried", failures: 10, failStatus: http.StatusNotFound, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if attempts.Add(1) <= tt.failures {
					w.WriteHeader(tt.failStatus)
					return
				}
				_, _ = w.Write([]byte(`{}`))
			}))
			defer server.Close()

			var out map[string]any
			err := newClient(t, fastConfig("feed")).GetJSON(context.Background(), server.URL, &out)
			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			var statusErr *resilience.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.failStatus, statusErr.StatusCode)
		})
	}
}

func TestClient_CircuitBreakerTrips(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig("feed")
	cfg.MaxRetries = 0
	cfg.Breaker.MinRequests = 3
	cfg.Breaker.Timeout = time.Minute
	client := newClient(t, cfg)

	var out any
	for i := 0; i < 3; i++ {
		assert.Error(t, client.GetJSON(context.Background(), server.URL, &out))
	}
	assert.Equal(t, gobreaker.StateOpen, client.State())

	err := client.GetJSON(context.Background(), server.URL, &out)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_ClientErrorsDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := fastConfig("feed")
	cfg.Breaker.MinRequests = 2
	client := newClient(t, cfg)

	var out any
	for i := 0; i < 5; i++ {
		assert.Error(t, client.GetJSON(context.Background(), server.URL, &out))
	}
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig("feed")
	cfg.MaxRetries = 1000
	cfg.InitialInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var out any
	err := newClient(t, cfg).GetJSON(ctx, server.URL, &out)
	assert.Error(t, err)
	assert.Error(t, ctx.Err())
}

func TestClient_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	reader := sdkmetric.NewManualReader()
	cfg := fastConfig("feed")
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	client := newClient(t, cfg)

	var out []any
	require.NoError(t, client.GetJSON(context.Background(), server.URL, &out))
	require.NoError(t, client.GetJSON(context.Background(), server.URL, &out))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "upstream.client.request.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				assert.Equal(t, "ok", outcome.AsString())
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{resilience.ErrCircuitOpen, "circuit_open"},
		{&resilience.StatusError{StatusCode: 503}, "server_error"},
		{&resilience.StatusError{StatusCode: 404}, "client_error"},
		{context.DeadlineExceeded, "canceled"},
		{assert.AnError, "network_error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, resilience.Outcome(tt.err))
		})
	}
}

func TestBreakerConfig_ShouldTrip(t *testing.T) {
	cfg := resilience.DefaultBreakerConfig("feed")

	tests := []struct {
		name   string
		counts gobreaker.Counts
		want   bool
	}{
		{"no requests", gobreaker.Counts{}, false},
		{"not enough requests", gobreaker.Counts{Requests: 4, TotalFailures: 4}, false},
		{"low failure rate", gobreaker.Counts{Requests: 10, TotalFailures: 4}, false},
		{"half failing", gobreaker.Counts{Requests: 10, TotalFailures: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.ShouldTrip(tt.counts))
		})
	}
}

func TestStatusError(t *testing.T) {
	err := &resilience.StatusError{StatusCode: http.StatusBadGateway, Body: "upstream down"}
	assert.Equal(t, "upstream returned 502 Bad Gateway: upstream down", err.Error())
	assert.True(t, err.Retryable())
}
