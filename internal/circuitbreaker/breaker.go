// Package circuitbreaker stops calling a dependency that keeps failing.
// Each key has its own circuit: closed until Threshold consecutive failures,
// then open for Cooldown, then half-open for a single probe whose outcome
// closes or reopens it. The notification emitter keys it by sink name.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State is a circuit's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by key and target state.",
	}, []string{"key", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safetrade",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// circuit is the state of one key. The Breaker's mutex guards it.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// admit decides whether a call may start at now and returns the state it
// moved to, if any.
func (c *circuit) admit(now time.Time, cooldown time.Duration) (ok bool, moved bool) {
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < cooldown {
			return false, false
		}
		c.state = StateHalfOpen
		return true, true
	case StateHalfOpen:
		return false, false
	default:
		return true, false
	}
}

// record applies a call outcome and reports whether the state changed.
func (c *circuit) record(failed bool, now time.Time, threshold int) (moved bool) {
	if !failed {
		c.failures = 0
		if c.state == StateClosed {
			return false
		}
		c.state = StateClosed
		return true
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= threshold) {
		c.state = StateOpen
		c.openedAt = now
		return true
	}
	return false
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	listener func(key string, from, to State)
}

// New creates a breaker that opens a key after threshold consecutive
// failures and probes it again after cooldown. Non-positive values take
// the defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition registers fn to run after every state change. It runs on
// the calling goroutine without the breaker's lock held.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

// Do runs fn unless key's circuit is open, and records the result.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	b.report(key, err != nil)
	return err
}

// Allow reports whether a call to key may proceed. Moving an expired open
// circuit to half-open admits exactly one caller.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c := b.circuit(key)
	from := c.state
	ok, moved := c.admit(b.now(), b.cooldown)
	notify := b.changed(key, from, c.state, moved)
	b.mu.Unlock()

	notify()
	return ok
}

// RecordSuccess closes key's circuit and clears its failure count.
func (b *Breaker) RecordSuccess(key string) { b.report(key, false) }

// RecordFailure counts a failure against key.
func (b *Breaker) RecordFailure(key string) { b.report(key, true) }

// State returns key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) report(key string, failed bool) {
	b.mu.Lock()
	c := b.circuit(key)
	from := c.state
	moved := c.record(failed, b.now(), b.threshold)
	notify := b.changed(key, from, c.state, moved)
	b.mu.Unlock()

	notify()
}

// circuit returns key's circuit, creating a closed one. Caller holds b.mu.
func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// changed updates metrics for a move and returns the listener call to make
// once b.mu is released. Caller holds b.mu.
func (b *Breaker) changed(key string, from, to State, moved bool) func() {
	if !moved {
		return func() {}
	}
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	fn := b.listener
	if fn == nil {
		return func() {}
	}
	return func() { fn(key, from, to) }
}
