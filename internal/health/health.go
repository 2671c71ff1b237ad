// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker when the registry has no timeout.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	// Optional checks are reported but do not affect aggregate health.
	Optional bool `json:"optional,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything with a context-aware Ping, such as the document store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger into a Checker.
func PingCheck(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// FlagCheck reports healthy while running returns true. Used for
// background loops that expose a Running method.
func FlagCheck(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Name: name, Healthy: true}
		}
		return Status{Name: name, Healthy: false, Detail: "not running"}
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	optional bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets how long each checker may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named checker that gates aggregate health.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker for a dependency the service can run
// without, such as the notification broker.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, optional: true})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order. A
// checker that overruns the timeout is reported unhealthy. Optional
// checkers never make the aggregate unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = run(ctx, nc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(parent context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Healthy: false, Detail: "check timed out"}
	}
	if st.Name == "" {
		st.Name = nc.name
	}
	st.LatencyMS = time.Since(start).Milliseconds()
	st.Optional = nc.optional
	return st
}
