package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
)

// Status is a snapshot of one upstream's health.
type Status struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Requests      uint32     `json:"requests"`
	Failures      uint32     `json:"failures"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Healthy reports whether the breaker is closed.
func (s Status) Healthy() bool {
	return s.State == gobreaker.StateClosed.String()
}

// Registry tracks the clients of every upstream.
type Registry struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	entries map[string]*entry
}

type entry struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a Registry. A nil clock means the wall clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, entries: make(map[string]*entry)}
}

// Register adds client, replacing any client with the same name.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[client.Name()] = &entry{client: client}
}

func (r *Registry) record(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	now := r.clock.Now()
	if err == nil {
		e.lastSuccessAt = &now
		return
	}
	e.lastFailureAt = &now
	e.lastError = err.Error()
}

// Status returns the status of the named upstream.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Status{}, false
	}
	return e.status(name), true
}

// All returns every status ordered by name.
func (r *Registry) All() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.status(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) status(name string) Status {
	counts := e.client.Counts()
	return Status{
		Name:          name,
		State:         e.client.State().String(),
		Requests:      counts.Requests,
		Failures:      counts.TotalFailures,
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
		LastError:     e.lastError,
	}
}
