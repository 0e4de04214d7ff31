// Package health runs named subsystem checks for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one check.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Checker probes one subsystem. It should return promptly once ctx is done.
type Checker func(ctx context.Context) Status

// Registry holds checkers in registration order.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks share a deadline of timeout.
// A zero timeout leaves the caller's deadline in charge.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports whether all passed.
// Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, check := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			st := check(ctx)
			st.Latency = time.Since(start)
			if st.Name == "" {
				st.Name = names[i]
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

// Pinger is implemented by the session stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy with the ping error as detail.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
