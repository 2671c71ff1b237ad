package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safetrade/internal/catalog"
	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/money"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/orders"
)

var (
	admin  = identity.Caller{ID: "admin-1", Role: identity.RoleAdmin}
	buyer  = identity.Caller{ID: "buyer-1", Role: identity.RoleBuyer}
	seller = identity.Caller{ID: "seller-1", Role: identity.RoleSeller}
	base   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// path lists the transitions that reach each funded status from held.
var path = map[escrow.Status][]escrow.Status{
	escrow.StatusHeld:                 nil,
	escrow.StatusShippedToEscrow:      {escrow.StatusShippedToEscrow},
	escrow.StatusAtEscrow:             {escrow.StatusShippedToEscrow, escrow.StatusAtEscrow},
	escrow.StatusAwaitingConfirmation: {escrow.StatusShippedToEscrow, escrow.StatusAtEscrow, escrow.StatusAwaitingConfirmation},
	escrow.StatusDisputed:             {escrow.StatusShippedToEscrow, escrow.StatusAtEscrow, escrow.StatusAwaitingConfirmation, escrow.StatusDisputed},
}

type fixture struct {
	store    *docstore.MemoryStore
	engine   *Engine
	recorder *notify.Recorder
	escrowID string
	orderID  string
}

type seed struct {
	amount    string
	fee       string
	status    escrow.Status
	noOrder   bool
	escSeller string
	ordSeller string
	itemSell  string
	noProduct bool
}

func newFixture(t *testing.T, s seed) *fixture {
	t.Helper()
	if s.amount == "" {
		s.amount = "100.00"
	}
	if s.fee == "" {
		s.fee = "5.00"
	}
	if s.status == "" {
		s.status = escrow.StatusAwaitingConfirmation
	}
	if s.escSeller == "" && s.ordSeller == "" && s.itemSell == "" {
		s.escSeller, s.ordSeller, s.itemSell = seller.ID, seller.ID, seller.ID
	}

	store := docstore.NewMemoryStore(docstore.Options{MaxAttempts: 10, BaseDelay: 100 * time.Microsecond})
	rec := &notify.Recorder{}
	mgr := escrow.NewManager().WithClock(func() time.Time { return base })
	book := ledger.NewBook().WithClock(func() time.Time { return base })
	f := &fixture{
		store:    store,
		engine:   NewEngine(store, book, mgr, rec, logging.Discard()).WithClock(func() time.Time { return base }),
		recorder: rec,
		escrowID: "esc_1",
		orderID:  "ord_1",
	}

	ctx := context.Background()
	err := store.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := book.Credit(ctx, tx.Ledger(), buyer.ID, s.amount, ledger.KindDeposit, ledger.Ref{CorrelationID: "seed"}); err != nil {
			return err
		}
		if !s.noProduct {
			if err := tx.Products().Put(ctx, &catalog.Product{ID: "prod_1", SellerID: seller.ID, Price: s.amount, Stock: 4, Active: true}); err != nil {
				return err
			}
		}
		if _, err := mgr.Create(ctx, tx.Escrows(), escrow.NewEscrow{
			ID: f.escrowID, OrderID: f.orderID, BuyerID: buyer.ID, SellerID: s.escSeller, Amount: s.amount, Actor: buyer,
		}); err != nil {
			return err
		}
		if _, err := book.Hold(ctx, tx.Ledger(), buyer.ID, s.amount, ledger.Ref{CorrelationID: f.escrowID, EscrowID: f.escrowID}); err != nil {
			return err
		}
		if _, err := mgr.Transition(ctx, tx.Escrows(), f.escrowID, escrow.Change{To: escrow.StatusHeld, Actor: identity.System}); err != nil {
			return err
		}
		for _, to := range path[s.status] {
			if _, err := mgr.Transition(ctx, tx.Escrows(), f.escrowID, escrow.Change{To: to, Actor: admin}); err != nil {
				return err
			}
		}
		if s.noOrder {
			return nil
		}
		status, _ := orders.FromEscrow(s.status)
		return tx.Orders().Create(ctx, &orders.Order{
			ID:            f.orderID,
			BuyerID:       buyer.ID,
			SellerID:      s.ordSeller,
			Items:         []orders.LineItem{{ProductID: "prod_1", SellerID: s.itemSell, Quantity: 1, UnitPrice: s.amount}},
			TotalAmount:   s.amount,
			EscrowFee:     s.fee,
			Status:        status,
			PaymentMethod: orders.PaymentEscrow,
			EscrowID:      f.escrowID,
			CreatedAt:     base,
		})
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, account string) string {
	t.Helper()
	var out string
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		b, err := tx.Ledger().GetBalance(ctx, account)
		out = b.Available
		return err
	}))
	return out
}

func (f *fixture) escrow(t *testing.T) *escrow.Escrow {
	t.Helper()
	var out *escrow.Escrow
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		var err error
		out, err = tx.Escrows().Get(ctx, f.escrowID)
		return err
	}))
	return out
}

func (f *fixture) order(t *testing.T) *orders.Order {
	t.Helper()
	var out *orders.Order
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		var err error
		out, err = tx.Orders().Get(ctx, f.orderID)
		return err
	}))
	return out
}

func (f *fixture) entryCount(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		for _, acct := range []string{buyer.ID, seller.ID} {
			entries, err := tx.Ledger().ListEntries(ctx, acct)
			if err != nil {
				return err
			}
			n += len(entries)
		}
		return nil
	}))
	return n
}

// assertConserved checks that balances plus funded escrows equal deposits
// minus retained fees.
func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		lhs := money.Zero()
		balances, err := tx.Ledger().ListBalances(ctx)
		if err != nil {
			return err
		}
		for _, b := range balances {
			lhs = addParsed(lhs, b.Available)
		}
		escrows, err := tx.Escrows().List(ctx, escrow.Filter{})
		if err != nil {
			return err
		}
		fees := money.Zero()
		for _, es := range escrows {
			if es.Status.IsFunded() {
				lhs = addParsed(lhs, es.Amount)
			}
			fees = addParsed(fees, es.FeeRetained)
		}
		deposits, err := tx.Ledger().ListEntriesByKind(ctx, ledger.KindDeposit)
		if err != nil {
			return err
		}
		rhs := money.Zero()
		for _, d := range deposits {
			rhs = addParsed(rhs, d.Amount)
		}
		assert.Equal(t, money.Format(money.Sub(rhs, fees)), money.Format(lhs), "funds not conserved")
		return nil
	}))
}

func TestRelease_PaysSellerMinusFee(t *testing.T) {
	f := newFixture(t, seed{})
	res, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)

	assert.Equal(t, "95.00", res.Payout)
	assert.Equal(t, "5.00", res.FeeRetained)
	assert.Equal(t, "0.00", res.BuyerRefund)
	assert.Equal(t, seller.ID, res.SellerID)
	assert.False(t, res.Replayed)

	assert.Equal(t, "95.00", f.balance(t, seller.ID))
	assert.Equal(t, "0.00", f.balance(t, buyer.ID))

	es := f.escrow(t)
	assert.Equal(t, escrow.StatusReleased, es.Status)
	assert.Equal(t, "100.00", es.ReleasedAmount)
	assert.Equal(t, seller.ID, es.PayeeID)
	require.NotNil(t, es.ReleasedAt)
	assert.Equal(t, orders.StatusCompleted, f.order(t).Status)
	f.assertConserved(t)
}

func TestRelease_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()
	_, err := f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)
	entries := f.entryCount(t)
	f.recorder.Reset()

	res, err := f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "95.00", res.Payout)
	assert.Equal(t, entries, f.entryCount(t))
	assert.Equal(t, "95.00", f.balance(t, seller.ID))
	assert.Empty(t, f.recorder.Events(), "replay must not notify")
}

func TestRelease_PartialRefundsRemainderToBuyer(t *testing.T) {
	f := newFixture(t, seed{})
	res, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{Amount: "60.00"})
	require.NoError(t, err)

	assert.Equal(t, "55.00", res.Payout)
	assert.Equal(t, "5.00", res.FeeRetained)
	assert.Equal(t, "40.00", res.BuyerRefund)
	assert.Equal(t, "55.00", f.balance(t, seller.ID))
	assert.Equal(t, "40.00", f.balance(t, buyer.ID))
	f.assertConserved(t)
}

func TestRelease_AmountExceedsHeld(t *testing.T) {
	f := newFixture(t, seed{})
	_, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{Amount: "100.01"})
	assert.ErrorIs(t, err, faults.ErrAmountExceedsHeld)
	assert.Equal(t, escrow.StatusAwaitingConfirmation, f.escrow(t).Status)
	assert.Equal(t, "0.00", f.balance(t, seller.ID))
}

func TestRelease_FeeFloor(t *testing.T) {
	f := newFixture(t, seed{amount: "3.00", fee: "5.00"})
	entries := f.entryCount(t)

	res, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0.00", res.Payout)
	assert.Equal(t, "3.00", res.FeeRetained)
	assert.Equal(t, "0.00", f.balance(t, seller.ID))
	assert.Equal(t, entries, f.entryCount(t), "zero payout writes no entry")
	f.assertConserved(t)
}

func TestRelease_RejectsWrongStateAndCaller(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusHeld})
	ctx := context.Background()

	_, err := f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)
	assert.EqualError(t, err, "cannot transition from held to released")

	_, err = f.engine.Release(ctx, buyer, f.escrowID, ReleaseOptions{})
	assert.ErrorIs(t, err, faults.ErrAccessDenied)

	_, err = f.engine.Release(ctx, admin, "esc_missing", ReleaseOptions{})
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestRelease_UnresolvedSellerWritesNothing(t *testing.T) {
	f := newFixture(t, seed{escSeller: "admin", ordSeller: "", itemSell: "undefined", noProduct: true})
	entries := f.entryCount(t)

	_, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	assert.ErrorIs(t, err, faults.ErrUnresolvedSeller)
	assert.Equal(t, entries, f.entryCount(t))
	assert.Equal(t, escrow.StatusAwaitingConfirmation, f.escrow(t).Status)
	assert.Equal(t, orders.StatusAwaitingBuyerConfirm, f.order(t).Status)
}

func TestRelease_SellerFromProductLookup(t *testing.T) {
	f := newFixture(t, seed{escSeller: "", ordSeller: "null", itemSell: ""})
	res, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, seller.ID, res.SellerID)
}

func TestRelease_MissingOrderIsTolerated(t *testing.T) {
	f := newFixture(t, seed{noOrder: true})
	res, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	assert.Equal(t, "100.00", res.Payout, "no order means no fee")
	assert.Equal(t, "0.00", res.FeeRetained)
}

func TestRelease_FromDisputed(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusDisputed})
	_, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{Note: "dispute resolved for seller"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, f.order(t).Status)
}

func TestSettling_ClosesActiveDisputes(t *testing.T) {
	settle := map[string]func(f *fixture) error{
		"release": func(f *fixture) error {
			_, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
			return err
		},
		"refund": func(f *fixture) error {
			_, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{Reason: "refunded outside resolution"})
			return err
		},
	}
	for name, run := range settle {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, seed{status: escrow.StatusDisputed})
			ctx := context.Background()
			require.NoError(t, f.store.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
				for _, d := range []*disputes.Dispute{
					{ID: "dsp_open", OrderID: f.orderID, EscrowID: f.escrowID, ReporterID: buyer.ID, Status: disputes.StatusOpen, CreatedAt: base},
					{ID: "dsp_review", OrderID: f.orderID, EscrowID: f.escrowID, ReporterID: seller.ID, Status: disputes.StatusUnderReview, CreatedAt: base},
					{ID: "dsp_done", OrderID: f.orderID, EscrowID: f.escrowID, ReporterID: buyer.ID, Status: disputes.StatusResolved, CreatedAt: base},
				} {
					if err := tx.Disputes().Create(ctx, d); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, run(f))

			want := map[string]disputes.Status{
				"dsp_open":   disputes.StatusClosed,
				"dsp_review": disputes.StatusClosed,
				"dsp_done":   disputes.StatusResolved,
			}
			_ = f.store.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
				for id, status := range want {
					d, err := tx.Disputes().Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, status, d.Status, id)
				}
				return nil
			})
		})
	}
}

func TestRefund_ReturnsFundsAndRestoresStock(t *testing.T) {
	f := newFixture(t, seed{})
	res, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{Reason: "item lost"})
	require.NoError(t, err)

	assert.Equal(t, "100.00", res.BuyerRefund)
	assert.Equal(t, "0.00", res.FeeRetained)
	assert.Equal(t, "100.00", f.balance(t, buyer.ID))

	o := f.order(t)
	assert.Equal(t, orders.StatusRefunded, o.Status)
	assert.True(t, o.StockRestored)

	_ = f.store.View(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		p, err := tx.Products().Get(ctx, "prod_1")
		require.NoError(t, err)
		assert.Equal(t, 5, p.Stock)
		return nil
	})
	f.assertConserved(t)

	replay, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, "100.00", f.balance(t, buyer.ID))
}

func TestRefund_FromHeld(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusHeld})
	_, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, f.order(t).Status)
}

func TestRefund_TableIsAuthoritative(t *testing.T) {
	for _, st := range []escrow.Status{escrow.StatusShippedToEscrow, escrow.StatusAtEscrow} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t, seed{status: st})
			_, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{})
			assert.ErrorIs(t, err, faults.ErrInvalidTransition)
			assert.Equal(t, "0.00", f.balance(t, buyer.ID))
		})
	}
}

func TestRefund_AfterReleaseIsInvalid(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()
	_, err := f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)

	_, err = f.engine.Refund(ctx, admin, f.escrowID, RefundOptions{})
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)
	assert.Equal(t, "0.00", f.balance(t, buyer.ID))
}

func TestRefund_PartialPaysSellerWithoutFee(t *testing.T) {
	f := newFixture(t, seed{})
	res, err := f.engine.Refund(context.Background(), admin, f.escrowID, RefundOptions{Amount: "30.00"})
	require.NoError(t, err)

	assert.Equal(t, "30.00", res.BuyerRefund)
	assert.Equal(t, "70.00", res.Payout)
	assert.Equal(t, "0.00", res.FeeRetained)
	assert.Equal(t, "30.00", f.balance(t, buyer.ID))
	assert.Equal(t, "70.00", f.balance(t, seller.ID))
	f.assertConserved(t)
}

func TestRefund_RequiresAdmin(t *testing.T) {
	f := newFixture(t, seed{})
	_, err := f.engine.Refund(context.Background(), seller, f.escrowID, RefundOptions{})
	assert.ErrorIs(t, err, faults.ErrAccessDenied)
}

func TestConfirmDelivery(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()

	_, err := f.engine.ConfirmDelivery(ctx, seller, f.escrowID, ConfirmOptions{Rating: 5})
	assert.ErrorIs(t, err, faults.ErrAccessDenied)

	_, err = f.engine.ConfirmDelivery(ctx, buyer, f.escrowID, ConfirmOptions{Rating: 9})
	assert.ErrorIs(t, err, faults.ErrInvalidInput)

	res, err := f.engine.ConfirmDelivery(ctx, buyer, f.escrowID, ConfirmOptions{Rating: 4, Review: "as described"})
	require.NoError(t, err)
	assert.Equal(t, "95.00", res.Payout)

	es := f.escrow(t)
	assert.Equal(t, 4, es.Rating)
	assert.Equal(t, "as described", es.Review)
	last := es.Timeline[len(es.Timeline)-1]
	assert.Equal(t, buyer.ID, last.ActorID)
	assert.Contains(t, f.recorder.Types(), notify.DeliveryConfirmed)
}

func TestConfirmDelivery_OnlyFromAwaiting(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusDisputed})
	_, err := f.engine.ConfirmDelivery(context.Background(), buyer, f.escrowID, ConfirmOptions{})
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)
}

func TestAutoRelease_RespectsCutoff(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()

	res, err := f.engine.AutoRelease(ctx, f.escrowID, base)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "awaitingSince equal to cutoff is not before it")

	res, err = f.engine.AutoRelease(ctx, f.escrowID, base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	es := f.escrow(t)
	assert.Equal(t, escrow.StatusReleased, es.Status)
	assert.True(t, es.AutoReleased)
	last := es.Timeline[len(es.Timeline)-1]
	assert.Equal(t, string(identity.RoleSystem), last.ActorRole)

	res, err = f.engine.AutoRelease(ctx, f.escrowID, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSetStatus_CancelHeldRefundsBuyer(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusHeld})
	res, err := f.engine.SetStatus(context.Background(), admin, f.escrowID, escrow.StatusCancelled, "buyer changed mind")
	require.NoError(t, err)

	assert.Equal(t, "100.00", res.BuyerRefund)
	assert.Equal(t, "100.00", f.balance(t, buyer.ID))
	assert.Equal(t, escrow.StatusCancelled, f.escrow(t).Status)
	o := f.order(t)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.True(t, o.StockRestored)
	f.assertConserved(t)
}

func TestSetStatus_CancelInTransitRefundsBuyer(t *testing.T) {
	for _, from := range []escrow.Status{escrow.StatusShippedToEscrow, escrow.StatusAtEscrow} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t, seed{status: from})
			ctx := context.Background()

			_, err := f.engine.Refund(ctx, admin, f.escrowID, RefundOptions{})
			require.ErrorIs(t, err, faults.ErrInvalidTransition, "refund is not a move out of %s", from)

			res, err := f.engine.SetStatus(ctx, admin, f.escrowID, escrow.StatusCancelled, "lost in transit")
			require.NoError(t, err)
			assert.Equal(t, "100.00", res.BuyerRefund)
			assert.Equal(t, "100.00", f.balance(t, buyer.ID))
			assert.Equal(t, escrow.StatusCancelled, f.escrow(t).Status)
			assert.Equal(t, orders.StatusCancelled, f.order(t).Status)
			f.assertConserved(t)
		})
	}
}

func TestSetStatus_PlainTransitionMirrorsOrder(t *testing.T) {
	f := newFixture(t, seed{status: escrow.StatusHeld})
	_, err := f.engine.SetStatus(context.Background(), admin, f.escrowID, escrow.StatusShippedToEscrow, "")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShippedToEscrow, f.order(t).Status)

	_, err = f.engine.SetStatus(context.Background(), admin, f.escrowID, escrow.StatusAwaitingConfirmation, "")
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)

	_, err = f.engine.SetStatus(context.Background(), admin, f.escrowID, "lost", "")
	assert.ErrorIs(t, err, faults.ErrInvalidInput)
}

func TestConcurrentReleaseAndRefund_NoDoubleSpend(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.engine.Refund(ctx, admin, f.escrowID, RefundOptions{})
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, faults.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)

	total := money.Add(money.MustParse(f.balance(t, buyer.ID)), money.MustParse(f.balance(t, seller.ID)))
	assert.Contains(t, []string{"95.00", "100.00"}, money.Format(total))
	f.assertConserved(t)
}

func TestAnnounce_ReleaseEvents(t *testing.T) {
	f := newFixture(t, seed{})
	_, err := f.engine.Release(context.Background(), admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)

	types := f.recorder.Types()
	assert.Contains(t, types, notify.EscrowStatusUpdated)
	assert.Contains(t, types, notify.FundsReleased)
	assert.Contains(t, types, notify.OrderStatusUpdated)
}

func TestStatsAndQueries(t *testing.T) {
	f := newFixture(t, seed{})
	ctx := context.Background()
	_, err := f.engine.Release(ctx, admin, f.escrowID, ReleaseOptions{})
	require.NoError(t, err)

	st, err := f.engine.Stats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByStatus[escrow.StatusReleased])
	assert.Equal(t, "5.00", st.PlatformRevenue)
	assert.Equal(t, "0.00", st.TotalHeld)

	_, err = f.engine.Stats(ctx, buyer)
	assert.ErrorIs(t, err, faults.ErrAccessDenied)

	es, err := f.engine.GetEscrow(ctx, buyer, f.escrowID)
	require.NoError(t, err)
	assert.Equal(t, f.escrowID, es.ID)

	_, err = f.engine.GetEscrow(ctx, identity.Caller{ID: "stranger", Role: identity.RoleBuyer}, f.escrowID)
	assert.ErrorIs(t, err, faults.ErrNotFound)

	page, err := f.engine.ListEscrows(ctx, identity.Caller{ID: "stranger", Role: identity.RoleBuyer}, escrow.Filter{}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = f.engine.ListEscrows(ctx, seller, escrow.Filter{}, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}
