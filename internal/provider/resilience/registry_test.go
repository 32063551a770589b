package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadpulse/roadpulse/internal/provider/resilience"
)

func TestRegistry_TracksCalls(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	registry := resilience.NewRegistry(clock)

	cfg := fastConfig("feed")
	cfg.Registry = registry
	client := newClient(t, cfg)

	status, ok := registry.Status("feed")
	require.True(t, ok)
	assert.True(t, status.Healthy())
	assert.Nil(t, status.LastSuccessAt)

	var out any
	require.NoError(t, client.GetJSON(context.Background(), server.URL, &out))
	status, _ = registry.Status("feed")
	require.NotNil(t, status.LastSuccessAt)
	assert.Equal(t, clock.Now(), *status.LastSuccessAt)

	clock.Advance(time.Minute)
	fail.Store(true)
	require.Error(t, client.GetJSON(context.Background(), server.URL, &out))
	status, _ = registry.Status("feed")
	require.NotNil(t, status.LastFailureAt)
	assert.Equal(t, clock.Now(), *status.LastFailureAt)
	assert.Contains(t, status.LastError, "404")
	assert.Equal(t, "closed", status.State)
}

func TestRegistry_All(t *testing.T) {
	registry := resilience.NewRegistry(nil)
	for _, name := range []string{"events", "corridors", "segments"} {
		cfg := fastConfig(name)
		cfg.Registry = registry
		newClient(t, cfg)
	}

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "corridors", all[0].Name)
	assert.Equal(t, "events", all[1].Name)
	assert.Equal(t, "segments", all[2].Name)

	_, ok := registry.Status("weather")
	assert.False(t, ok)
}
