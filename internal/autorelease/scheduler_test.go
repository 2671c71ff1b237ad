package autorelease

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/settlement"
)

var (
	admin = identity.Caller{ID: "admin-1", Role: identity.RoleAdmin}
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day   = 24 * time.Hour
)

type env struct {
	store  *docstore.MemoryStore
	engine *settlement.Engine
	book   *ledger.Book
	mgr    *escrow.Manager
	clock  time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{clock: t0}
	now := func() time.Time { return e.clock }
	e.store = docstore.NewMemoryStore(docstore.Options{MaxAttempts: 10, BaseDelay: 100 * time.Microsecond})
	e.book = ledger.NewBook().WithClock(now)
	e.mgr = escrow.NewManager().WithClock(now)
	e.engine = settlement.NewEngine(e.store, e.book, e.mgr, nil, logging.Discard()).WithClock(now)
	return e
}

// awaiting seeds a 10.00 escrow that enters awaiting_confirmation at the
// current env clock.
func (e *env) awaiting(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.Run(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := e.book.Credit(ctx, tx.Ledger(), "buyer-1", "10.00", ledger.KindDeposit, ledger.Ref{CorrelationID: "seed-" + id}); err != nil {
			return err
		}
		if _, err := e.mgr.Create(ctx, tx.Escrows(), escrow.NewEscrow{
			ID: id, BuyerID: "buyer-1", SellerID: "seller-1", Amount: "10.00", Actor: admin,
		}); err != nil {
			return err
		}
		if _, err := e.book.Hold(ctx, tx.Ledger(), "buyer-1", "10.00", ledger.Ref{CorrelationID: id, EscrowID: id}); err != nil {
			return err
		}
		for _, to := range []escrow.Status{escrow.StatusHeld, escrow.StatusShippedToEscrow, escrow.StatusAtEscrow, escrow.StatusAwaitingConfirmation} {
			if _, err := e.mgr.Transition(ctx, tx.Escrows(), id, escrow.Change{To: to, Actor: admin}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (e *env) escrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	var out *escrow.Escrow
	require.NoError(t, e.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		var err error
		out, err = tx.Escrows().Get(ctx, id)
		return err
	}))
	return out
}

func (e *env) balance(t *testing.T, account string) string {
	t.Helper()
	var out string
	require.NoError(t, e.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		b, err := tx.Ledger().GetBalance(ctx, account)
		out = b.Available
		return err
	}))
	return out
}

func (e *env) scheduler(t *testing.T, r Releaser, lease Lease) *Scheduler {
	t.Helper()
	s, err := NewScheduler(e.store, r, lease, logging.Discard(), Config{
		Schedule:    "0 2 * * *",
		Threshold:   21 * day,
		Concurrency: 2,
	})
	require.NoError(t, err)
	return s
}

func TestSweep_ReleasesAfterThreshold(t *testing.T) {
	e := newEnv(t)
	e.awaiting(t, "esc_1")
	s := e.scheduler(t, e.engine, nil)

	early := s.Sweep(context.Background(), t0.Add(20*day))
	assert.Zero(t, early.Candidates)
	assert.Equal(t, escrow.StatusAwaitingConfirmation, e.escrow(t, "esc_1").Status)

	e.clock = t0.Add(22 * day)
	report := s.Sweep(context.Background(), e.clock)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Released)
	assert.Zero(t, report.Failed)

	es := e.escrow(t, "esc_1")
	assert.Equal(t, escrow.StatusReleased, es.Status)
	assert.True(t, es.AutoReleased)
	last := es.Timeline[len(es.Timeline)-1]
	assert.True(t, last.AutoReleased)
	assert.Equal(t, identity.System.ID, last.ActorID)
	assert.Equal(t, "10.00", e.balance(t, "seller-1"), "no order means no fee")

	again := s.Sweep(context.Background(), e.clock.Add(day))
	assert.Zero(t, again.Candidates)
	assert.Equal(t, "10.00", e.balance(t, "seller-1"), "credited exactly once")
	assert.Equal(t, &again, s.LastReport())
}

type flakyReleaser struct {
	inner  Releaser
	failID string
	mu     sync.Mutex
	calls  []string
}

func (f *flakyReleaser) AutoRelease(ctx context.Context, id string, cutoff time.Time) (*settlement.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if id == f.failID {
		return nil, errors.New("storage hiccup")
	}
	return f.inner.AutoRelease(ctx, id, cutoff)
}

func TestSweep_FailureDoesNotAbortOthers(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"esc_1", "esc_2", "esc_3"} {
		e.awaiting(t, id)
	}
	r := &flakyReleaser{inner: e.engine, failID: "esc_2"}
	s := e.scheduler(t, r, nil)

	e.clock = t0.Add(30 * day)
	report := s.Sweep(context.Background(), e.clock)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"esc_2"}, report.FailedIDs)
	assert.Equal(t, escrow.StatusAwaitingConfirmation, e.escrow(t, "esc_2").Status)

	// The failed escrow is picked up by the next run.
	r.failID = ""
	next := s.Sweep(context.Background(), e.clock.Add(day))
	assert.Equal(t, 1, next.Released)
	assert.Equal(t, escrow.StatusReleased, e.escrow(t, "esc_2").Status)
}

func TestSweep_SkipsEscrowThatMovedOn(t *testing.T) {
	e := newEnv(t)
	e.awaiting(t, "esc_1")

	// The buyer confirms between the scan and the release.
	r := releaserFunc(func(ctx context.Context, id string, cutoff time.Time) (*settlement.Result, error) {
		buyer := identity.Caller{ID: "buyer-1", Role: identity.RoleBuyer}
		if _, err := e.engine.ConfirmDelivery(ctx, buyer, id, settlement.ConfirmOptions{}); err != nil {
			return nil, err
		}
		return e.engine.AutoRelease(ctx, id, cutoff)
	})
	s := e.scheduler(t, r, nil)

	report := s.Sweep(context.Background(), t0.Add(25*day))
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Released)
	assert.False(t, e.escrow(t, "esc_1").AutoReleased)
	assert.Equal(t, "10.00", e.balance(t, "seller-1"))
}

type releaserFunc func(ctx context.Context, id string, cutoff time.Time) (*settlement.Result, error)

func (f releaserFunc) AutoRelease(ctx context.Context, id string, cutoff time.Time) (*settlement.Result, error) {
	return f(ctx, id, cutoff)
}

type heldLease struct{ err error }

func (l heldLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, l.err
}

func (heldLease) Release(context.Context, string, string) error { return nil }

func TestTick_RespectsLease(t *testing.T) {
	e := newEnv(t)
	e.awaiting(t, "esc_1")
	e.clock = t0.Add(22 * day)

	for _, lease := range []Lease{heldLease{}, heldLease{err: errors.New("redis down")}} {
		s := e.scheduler(t, e.engine, lease).WithClock(func() time.Time { return e.clock })
		s.tick(context.Background())
		assert.Nil(t, s.LastReport())
	}
	assert.Equal(t, escrow.StatusAwaitingConfirmation, e.escrow(t, "esc_1").Status)

	s := e.scheduler(t, e.engine, NoopLease{}).WithClock(func() time.Time { return e.clock })
	s.tick(context.Background())
	require.NotNil(t, s.LastReport())
	assert.Equal(t, escrow.StatusReleased, e.escrow(t, "esc_1").Status)
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil, nil, nil, logging.Discard(), Config{Schedule: "every day", Threshold: day})
	assert.Error(t, err)
	_, err = NewScheduler(nil, nil, nil, logging.Discard(), Config{Schedule: "0 2 * * *"})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.engine, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Running())
}

func TestRedisLease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	key := "safetrade:test:lease:" + t.Name()
	a := NewRedisLease(client)
	b := NewRedisLease(client)

	tokA, ok, err := a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	require.NoError(t, b.Release(ctx, key, "not-the-token"))
	_, ok, _ = b.Acquire(ctx, key, time.Minute)
	assert.False(t, ok, "a foreign token cannot release")

	require.NoError(t, a.Release(ctx, key, tokA))
	tokB, ok, err := b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, key, tokB))
}
