// Package docstore provides the atomic unit of work every mutating
// operation runs in.
//
// A unit of work stages reads and writes against JSON documents grouped
// in collections and commits them together. Commit conflicts are retried
// with backoff; any other error from the callback aborts the unit without
// retry. Callbacks may run more than once and must not have side effects
// outside the Tx.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/catalog"
	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/orders"
	"github.com/mbd888/safetrade/internal/retry"
)

// Tx exposes the typed stores staged in one unit of work.
type Tx interface {
	Ledger() ledger.Store
	Escrows() escrow.Store
	Orders() orders.Store
	Products() catalog.Store
	Disputes() disputes.Store
}

// UnitOfWork runs callbacks atomically.
type UnitOfWork interface {
	// Run executes fn and commits its writes as one unit.
	Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View executes fn against a consistent snapshot. Writes are discarded.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Options tune conflict retries.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultOptions returns the retry policy used when none is given.
func DefaultOptions() Options {
	return Options{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
}

// errAbsent is returned by txn.get for a missing document.
var errAbsent = errors.New("docstore: document absent")

// doc is one raw document returned by a scan.
type doc struct {
	id   string
	body []byte
}

// match narrows a scan to documents whose top-level field equals value.
// Backends may ignore it and return a superset; adapters filter again.
type match struct {
	field string
	value string
}

// txn is the backend-specific transaction the typed adapters write through.
type txn interface {
	get(ctx context.Context, coll, id string) ([]byte, error)
	put(ctx context.Context, coll, id string, body []byte) error
	// insert fails the commit with faults.ErrConflict if the id exists.
	insert(ctx context.Context, coll, id string, body []byte) error
	scan(ctx context.Context, coll string, m *match) ([]doc, error)
	commit() error
	rollback()
}

// runner implements the retry loop shared by both backends.
type runner struct {
	name  string
	opts  Options
	begin func(ctx context.Context, readOnly bool) (txn, error)
}

func (r *runner) run(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx Tx) error) error {
	op := "run"
	if readOnly {
		op = "view"
	}
	start := time.Now()
	policy := retry.Policy{Attempts: r.opts.MaxAttempts, BaseDelay: r.opts.BaseDelay}

	err := policy.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			txRetries.WithLabelValues(r.name).Inc()
		}
		t, err := r.begin(ctx, readOnly)
		if err != nil {
			return classifyCallback(err)
		}
		if err := fn(ctx, &tx{t: t}); err != nil {
			t.rollback()
			return classifyCallback(err)
		}
		if readOnly {
			t.rollback()
			return nil
		}
		if err := t.commit(); err != nil {
			return classifyCallback(err)
		}
		return nil
	})

	result := "ok"
	switch {
	case err == nil:
	case retry.IsExhausted(err):
		result = "exhausted"
		err = fmt.Errorf("%w: %w", faults.ErrStorageUnavailable, err)
	case faults.IsBusiness(err):
		result = "rejected"
	default:
		result = "error"
	}
	txTotal.WithLabelValues(r.name, op, result).Inc()
	txDuration.WithLabelValues(r.name, op).Observe(time.Since(start).Seconds())
	return err
}

// classifyCallback marks everything except storage contention as permanent.
func classifyCallback(err error) error {
	if faults.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

// tx binds the typed adapters to one backend transaction.
type tx struct{ t txn }

func (x *tx) Ledger() ledger.Store { return ledgerDocs{x.t} }
func (x *tx) Escrows() escrow.Store { return escrowDocs{x.t} }
func (x *tx) Orders() orders.Store { return orderDocs{x.t} }
func (x *tx) Products() catalog.Store { return productDocs{x.t} }
func (x *tx) Disputes() disputes.Store { return disputeDocs{x.t} }
