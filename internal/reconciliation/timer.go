package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval applies when NewTimer is given a non-positive interval.
const DefaultInterval = 15 * time.Minute

// Timer runs Check once at start and then every interval. Consecutive
// imbalanced reports are counted so a persistent drift is logged louder than
// a one-off.
type Timer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	latest   atomic.Pointer[Report]
	drifting atomic.Int32
}

// NewTimer creates a reconciliation timer.
func NewTimer(svc *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{svc: svc, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Running reports whether Start is executing.
func (t *Timer) Running() bool { return t.running.Load() }

// LastReport returns the most recent report, or nil before the first check.
func (t *Timer) LastReport() *Report { return t.latest.Load() }

// ConsecutiveImbalances is the number of imbalanced reports in a row.
func (t *Timer) ConsecutiveImbalances() int { return int(t.drifting.Load()) }

// Start blocks until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		t.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-tick.C:
		}
	}
}

// Stop ends the loop. Repeated calls are no-ops.
func (t *Timer) Stop() { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.svc.Check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation check failed", "error", err)
		}
		return
	}
	t.latest.Store(report)

	if report.Balanced {
		if n := t.drifting.Swap(0); n > 0 {
			t.logger.Info("ledger balanced again", "after_checks", n)
		}
		return
	}
	if n := t.drifting.Add(1); n > 1 {
		t.logger.Error("ledger imbalance persists", "consecutive_checks", n, "diff", report.Diff)
	}
}
