// Package autorelease releases escrows whose buyers never confirmed
// delivery. A cron-scheduled sweep finds escrows that have waited in
// awaiting_confirmation longer than the threshold and releases each one
// independently as the system caller.
package autorelease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/settlement"
	"github.com/mbd888/safetrade/internal/traces"
)

const leaseKey = "safetrade:autorelease:sweep"

// Releaser performs a single auto-release. settlement.Engine satisfies it.
type Releaser interface {
	AutoRelease(ctx context.Context, escrowID string, cutoff time.Time) (*settlement.Result, error)
}

// Config controls the sweep cadence and policy.
type Config struct {
	// Schedule is a standard 5-field cron spec.
	Schedule    string
	Threshold   time.Duration
	Concurrency int
	// LeaseTTL bounds how long one replica holds the sweep lease.
	LeaseTTL time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Cutoff     time.Time     `json:"cutoff"`
	Candidates int           `json:"candidates"`
	Released   int           `json:"released"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	FailedIDs  []string      `json:"failedIds,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler runs sweeps on a cron schedule.
type Scheduler struct {
	uow      docstore.UnitOfWork
	releaser Releaser
	lease    Lease
	schedule cron.Schedule
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[SweepReport]
}

// NewScheduler creates a scheduler. A nil lease means every replica sweeps.
func NewScheduler(uow docstore.UnitOfWork, releaser Releaser, lease Lease, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("autorelease: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("autorelease: threshold must be positive")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if lease == nil {
		lease = NoopLease{}
	}
	return &Scheduler{
		uow:      uow,
		releaser: releaser,
		lease:    lease,
		schedule: sched,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// WithClock sets a custom time source (for deterministic testing).
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastReport returns the most recent sweep report, or nil before the first
// sweep.
func (s *Scheduler) LastReport() *SweepReport {
	return s.last.Load()
}

// Start runs the schedule until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

// tick runs one sweep under the lease.
func (s *Scheduler) tick(ctx context.Context) {
	token, ok, err := s.lease.Acquire(ctx, leaseKey, s.cfg.LeaseTTL)
	if err != nil {
		sweepsTotal.WithLabelValues("lease_error").Inc()
		s.logger.Warn("auto-release lease unavailable, skipping sweep", "error", err)
		return
	}
	if !ok {
		sweepsTotal.WithLabelValues("lease_held").Inc()
		s.logger.Debug("auto-release sweep running elsewhere")
		return
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), leaseKey, token); err != nil {
			s.logger.Warn("failed to release auto-release lease", "error", err)
		}
	}()
	s.Sweep(ctx, s.now())
}

// Sweep releases every escrow that qualifies at now. A failure on one
// escrow is logged and counted; the rest of the sweep continues and the
// escrow is retried on the next run.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (report SweepReport) {
	ctx, span := traces.StartSpan(ctx, "autorelease.Sweep")
	var spanErr error
	defer func() { traces.End(span, spanErr) }()

	start := time.Now()
	cutoff := now.Add(-s.cfg.Threshold)
	report = SweepReport{StartedAt: now, Cutoff: cutoff}
	defer func() {
		report.Duration = time.Since(start)
		sweepDuration.Observe(report.Duration.Seconds())
		s.last.Store(&report)
	}()

	var candidates []*escrow.Escrow
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		candidates, err = tx.Escrows().List(ctx, escrow.Filter{
			Status:         escrow.StatusAwaitingConfirmation,
			AwaitingBefore: &cutoff,
		})
		return err
	})
	if err != nil {
		spanErr = err
		sweepsTotal.WithLabelValues("scan_error").Inc()
		s.logger.Error("auto-release scan failed", "error", err)
		return report
	}
	report.Candidates = len(candidates)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, es := range candidates {
		id := es.ID
		g.Go(func() error {
			res, err := s.releaser.AutoRelease(ctx, id, cutoff)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, id)
				escrowsTotal.WithLabelValues("failed").Inc()
				s.logger.Warn("failed to auto-release escrow", "escrow_id", id, "error", err)
			case res.Skipped:
				report.Skipped++
				escrowsTotal.WithLabelValues("skipped").Inc()
			default:
				report.Released++
				escrowsTotal.WithLabelValues("released").Inc()
				s.logger.Info("auto-released escrow",
					"escrow_id", id,
					"seller", res.SellerID,
					"payout", res.Payout,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	sweepsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("auto-release sweep finished",
		"candidates", report.Candidates,
		"released", report.Released,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}
