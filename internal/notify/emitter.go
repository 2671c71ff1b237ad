package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safetrade/internal/circuitbreaker"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Events accepted for delivery by type.",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Events dropped because the buffer was full.",
	}, []string{"type"})

	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "notify",
		Name:      "sink_errors_total",
		Help:      "Sink delivery failures by sink.",
	}, []string{"sink"})

	sinkSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "notify",
		Name:      "sink_skipped_total",
		Help:      "Deliveries skipped because the sink's circuit was open.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(eventsTotal, eventsDropped, sinkErrors, sinkSkipped)
}

const (
	// deliverTimeout bounds one sink call.
	deliverTimeout = 10 * time.Second

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Emitter queues events and fans them out to sinks from one goroutine.
type Emitter struct {
	queue   chan Event
	sinks   map[string]Sink
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	once sync.Once
	done chan struct{}
}

// NewEmitter creates an emitter with the given buffer size. Sinks are
// keyed by name for logging, metrics and circuit breaking. A sink that
// fails breakerThreshold times in a row is skipped until its cooldown ends.
func NewEmitter(logger *slog.Logger, buffer int, sinks map[string]Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1
	}
	e := &Emitter{
		queue:  make(chan Event, buffer),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
	return e.WithBreaker(circuitbreaker.New(breakerThreshold, breakerCooldown))
}

// WithBreaker replaces the per-sink circuit breaker.
func (e *Emitter) WithBreaker(b *circuitbreaker.Breaker) *Emitter {
	b.OnTransition(func(sink string, from, to circuitbreaker.State) {
		e.logger.Warn("notify sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	e.breaker = b
	return e
}

// Notify queues ev. It returns immediately, dropping ev if the buffer is full.
func (e *Emitter) Notify(ev Event) {
	select {
	case e.queue <- ev:
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	default:
		eventsDropped.WithLabelValues(string(ev.Type)).Inc()
		e.logger.Warn("notify buffer full, dropping event", "type", ev.Type, "event_id", ev.ID)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already buffered.
func (e *Emitter) Run(ctx context.Context) {
	defer e.once.Do(func() { close(e.done) })
	e.logger.Info("notify emitter started", "sinks", len(e.sinks))

	for {
		select {
		case <-ctx.Done():
			e.flush()
			e.logger.Info("notify emitter stopped")
			return
		case ev := <-e.queue:
			e.deliver(context.Background(), ev)
		}
	}
}

// Done is closed once Run has returned.
func (e *Emitter) Done() <-chan struct{} { return e.done }

func (e *Emitter) flush() {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (e *Emitter) deliver(parent context.Context, ev Event) {
	for name, sink := range e.sinks {
		err := e.breaker.Do(name, func() error {
			ctx, cancel := context.WithTimeout(parent, deliverTimeout)
			defer cancel()
			return sink.Deliver(ctx, ev)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			sinkSkipped.WithLabelValues(name).Inc()
			continue
		}
		if err != nil {
			sinkErrors.WithLabelValues(name).Inc()
			e.logger.Warn("notify sink failed", "sink", name, "type", ev.Type, "event_id", ev.ID, "error", err)
		}
	}
}
