// Package settlement moves held escrow funds out of escrow: release to the
// seller, refund to the buyer, or return on cancellation.
//
// Each operation stages its ledger writes, the escrow transition and the
// order mirror in one unit of work. Either all of it commits or none of it
// does. Notifications go out only after the commit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/safetrade/internal/catalog"
	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/money"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/orders"
	"github.com/mbd888/safetrade/internal/payee"
	"github.com/mbd888/safetrade/internal/traces"
)

var (
	ErrAmountExceedsHeld = fmt.Errorf("%w: amount is larger than the held amount", faults.ErrAmountExceedsHeld)
	ErrInvalidRating     = fmt.Errorf("%w: rating must be between 1 and 5", faults.ErrInvalidInput)
)

// Result describes what a settlement did. Amounts are formatted money
// strings; zero amounts are "0.00".
type Result struct {
	Escrow      *escrow.Escrow  `json:"escrow"`
	Order       *orders.Order   `json:"order,omitempty"`
	SellerID    string          `json:"sellerId,omitempty"`
	Payout      string          `json:"payout"`
	FeeRetained string          `json:"feeRetained"`
	BuyerRefund string          `json:"buyerRefund"`
	Entries     []*ledger.Entry `json:"entries,omitempty"`
	// Replayed is set when the escrow was already in the requested
	// terminal state and nothing moved.
	Replayed bool `json:"replayed,omitempty"`
	// Skipped is set by AutoRelease when the escrow no longer qualifies.
	Skipped bool `json:"skipped,omitempty"`
}

// ReleaseOptions tune a release. Amount overrides the held amount for a
// partial release; the rest goes back to the buyer.
type ReleaseOptions struct {
	Amount string `json:"amount,omitempty"`
	Note   string `json:"note,omitempty"`
}

// RefundOptions tune a refund. Amount overrides the held amount for a
// partial refund; the rest is paid to the seller with no fee.
type RefundOptions struct {
	Reason string `json:"reason,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// ConfirmOptions carry the buyer's feedback.
type ConfirmOptions struct {
	Rating int    `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`
	// Note replaces the default timeline note.
	Note string `json:"-"`
}

// Engine performs releases, refunds and cancellations of funded escrows.
type Engine struct {
	uow      docstore.UnitOfWork
	book     *ledger.Book
	escrows  *escrow.Manager
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(uow docstore.UnitOfWork, book *ledger.Book, escrows *escrow.Manager, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		uow:      uow,
		book:     book,
		escrows:  escrows,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock sets a custom time source (for deterministic testing).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Release pays the seller out of a held escrow. Only admins and the
// system may release directly; buyers go through ConfirmDelivery.
func (e *Engine) Release(ctx context.Context, caller identity.Caller, escrowID string, opts ReleaseOptions) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Release", traces.EscrowID(escrowID), traces.ActorRole(string(caller.Role)))
	defer func() { traces.End(span, retErr) }()
	defer observe("release")(&retErr)

	if !caller.IsPrivileged() {
		return nil, identity.Deny("release requires admin")
	}
	var res *Result
	err := e.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		res, err = e.ReleaseInTx(ctx, tx, caller, escrowID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// ConfirmDelivery is the buyer accepting delivery. It releases the full
// held amount and records the rating.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller identity.Caller, escrowID string, opts ConfirmOptions) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ConfirmDelivery", traces.EscrowID(escrowID))
	defer func() { traces.End(span, retErr) }()
	defer observe("confirm_delivery")(&retErr)

	var res *Result
	err := e.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		res, err = e.ConfirmDeliveryInTx(ctx, tx, caller, escrowID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	e.AnnounceDelivery(res, opts.Rating)
	return res, nil
}

// ConfirmDeliveryInTx stages a buyer confirmation inside an existing unit
// of work. Only the escrow's buyer may confirm, and only while the escrow
// awaits confirmation.
func (e *Engine) ConfirmDeliveryInTx(ctx context.Context, tx docstore.Tx, caller identity.Caller, escrowID string, opts ConfirmOptions) (*Result, error) {
	if opts.Rating != 0 && (opts.Rating < 1 || opts.Rating > 5) {
		return nil, ErrInvalidRating
	}
	es, err := tx.Escrows().Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !caller.Is(es.BuyerID) {
		return nil, identity.Deny("only the buyer can confirm delivery")
	}
	if es.Status != escrow.StatusReleased && es.Status != escrow.StatusAwaitingConfirmation {
		return nil, &escrow.TransitionError{From: es.Status, To: escrow.StatusReleased}
	}
	note := opts.Note
	if note == "" {
		note = "delivery confirmed by buyer"
	}
	return e.release(ctx, tx, es, caller, releaseParams{
		note:   note,
		rating: opts.Rating,
		review: opts.Review,
	})
}

// AnnounceDelivery tells the seller the buyer confirmed delivery. Replays
// send nothing.
func (e *Engine) AnnounceDelivery(res *Result, rating int) {
	if res == nil || res.Replayed || res.Escrow == nil {
		return
	}
	ev := notify.New(notify.DeliveryConfirmed, res.SellerID)
	ev.EscrowID = res.Escrow.ID
	ev.OrderID = res.Escrow.OrderID
	ev.Data = map[string]any{"rating": rating}
	e.notifier.Notify(ev)
}

// AutoRelease releases an escrow that has waited for confirmation since
// before cutoff. An escrow that has moved on, or started waiting after the
// cutoff, is skipped without error.
func (e *Engine) AutoRelease(ctx context.Context, escrowID string, cutoff time.Time) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.AutoRelease", traces.EscrowID(escrowID))
	defer func() { traces.End(span, retErr) }()
	defer observe("auto_release")(&retErr)

	var res *Result
	err := e.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		es, err := tx.Escrows().Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if es.Status != escrow.StatusAwaitingConfirmation || es.AwaitingSince == nil || !es.AwaitingSince.Before(cutoff) {
			res = &Result{Escrow: es, Skipped: true}
			return nil
		}
		res, err = e.release(ctx, tx, es, identity.System, releaseParams{
			note: "auto-released: no buyer confirmation",
			auto: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// Refund returns held funds to the buyer. Admin only.
func (e *Engine) Refund(ctx context.Context, caller identity.Caller, escrowID string, opts RefundOptions) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Refund", traces.EscrowID(escrowID))
	defer func() { traces.End(span, retErr) }()
	defer observe("refund")(&retErr)

	if !caller.IsPrivileged() {
		return nil, identity.Deny("refund requires admin")
	}
	var res *Result
	err := e.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		res, err = e.RefundInTx(ctx, tx, caller, escrowID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// SetStatus is the admin override. Targets that move funds are routed
// through release, refund or cancel; the rest are plain transitions
// mirrored onto the order.
func (e *Engine) SetStatus(ctx context.Context, caller identity.Caller, escrowID string, to escrow.Status, note string) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.SetStatus", traces.EscrowID(escrowID))
	defer func() { traces.End(span, retErr) }()
	defer observe("set_status")(&retErr)

	if !caller.IsAdmin() {
		return nil, identity.Deny("status override requires admin")
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown escrow status %q", faults.ErrInvalidInput, to)
	}

	var res *Result
	err := e.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		switch to {
		case escrow.StatusReleased:
			res, err = e.ReleaseInTx(ctx, tx, caller, escrowID, ReleaseOptions{Note: note})
		case escrow.StatusRefunded:
			res, err = e.RefundInTx(ctx, tx, caller, escrowID, RefundOptions{Reason: note})
		case escrow.StatusCancelled:
			res, err = e.CancelInTx(ctx, tx, caller, escrowID, note)
			if err == nil && res.Order != nil {
				res.Order, err = e.cancelOrder(ctx, tx, res.Order.ID, caller, note)
			}
		default:
			res, err = e.TransitionInTx(ctx, tx, caller, escrowID, to, note)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// ReleaseInTx stages a release inside an existing unit of work.
func (e *Engine) ReleaseInTx(ctx context.Context, tx docstore.Tx, actor identity.Caller, escrowID string, opts ReleaseOptions) (*Result, error) {
	es, err := tx.Escrows().Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	note := opts.Note
	if note == "" {
		note = "released by " + string(actor.Role)
	}
	return e.release(ctx, tx, es, actor, releaseParams{amount: opts.Amount, note: note})
}

// RefundInTx stages a refund inside an existing unit of work.
func (e *Engine) RefundInTx(ctx context.Context, tx docstore.Tx, actor identity.Caller, escrowID string, opts RefundOptions) (*Result, error) {
	es, err := tx.Escrows().Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if es.Status == escrow.StatusRefunded {
		return e.replay(ctx, tx, es)
	}
	if !escrow.CanTransition(es.Status, escrow.StatusRefunded) {
		return nil, &escrow.TransitionError{From: es.Status, To: escrow.StatusRefunded}
	}

	held, refund, err := splitAmount(es.Amount, opts.Amount)
	if err != nil {
		return nil, err
	}
	o, err := e.loadOrder(ctx, tx, es.OrderID)
	if err != nil {
		return nil, err
	}
	remainder := money.Sub(held, refund)

	res := &Result{Escrow: es, Order: o, Payout: "0.00", FeeRetained: "0.00", BuyerRefund: money.Format(refund)}
	ref := ledger.Ref{CorrelationID: es.ID, OrderID: es.OrderID, EscrowID: es.ID}

	settle := &escrow.Settlement{
		RefundedAmount: money.Format(refund),
		FeeRetained:    "0.00",
	}
	if remainder.Sign() > 0 {
		seller, err := payee.Resolve(ctx, es, o, productLookup(tx))
		if err != nil {
			return nil, err
		}
		ref.Description = "partial refund remainder to seller"
		entry, err := e.book.Credit(ctx, tx.Ledger(), seller, money.Format(remainder), ledger.KindEscrowRelease, ref)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entry)
		res.SellerID = seller
		res.Payout = money.Format(remainder)
		settle.ReleasedAmount = res.Payout
		settle.Payout = res.Payout
		settle.PayeeID = seller
	}

	ref.Description = refundDescription(opts.Reason)
	entry, err := e.book.Credit(ctx, tx.Ledger(), es.BuyerID, money.Format(refund), ledger.KindRefund, ref)
	if err != nil {
		return nil, err
	}
	res.Entries = append(res.Entries, entry)

	if o != nil {
		if err := e.restoreStock(ctx, tx, o); err != nil {
			return nil, err
		}
	}

	note := opts.Reason
	if note == "" {
		note = "refunded by " + string(actor.Role)
	}
	if err := e.escrows.Apply(es, escrow.Change{
		To:         escrow.StatusRefunded,
		Actor:      actor,
		Note:       note,
		Settlement: settle,
		Amount:     money.Format(refund),
	}); err != nil {
		return nil, err
	}
	if err := tx.Escrows().Put(ctx, es); err != nil {
		return nil, err
	}
	if o != nil {
		if res.Order, err = orders.Mirror(ctx, tx.Orders(), o.ID, es.Status, actor, note, e.now()); err != nil {
			return nil, err
		}
	}
	return res, e.closeDisputes(ctx, tx, es, actor)
}

// CancelInTx cancels an escrow. A funded escrow returns the full held
// amount to the buyer with no fee. The order is left to the caller.
func (e *Engine) CancelInTx(ctx context.Context, tx docstore.Tx, actor identity.Caller, escrowID, reason string) (*Result, error) {
	es, err := tx.Escrows().Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !escrow.CanTransition(es.Status, escrow.StatusCancelled) {
		return nil, &escrow.TransitionError{From: es.Status, To: escrow.StatusCancelled}
	}
	o, err := e.loadOrder(ctx, tx, es.OrderID)
	if err != nil {
		return nil, err
	}

	res := &Result{Escrow: es, Order: o, Payout: "0.00", FeeRetained: "0.00", BuyerRefund: "0.00"}
	ch := escrow.Change{To: escrow.StatusCancelled, Actor: actor, Note: reason}

	if es.Status.IsFunded() {
		entry, err := e.book.Credit(ctx, tx.Ledger(), es.BuyerID, es.Amount, ledger.KindRefund, ledger.Ref{
			CorrelationID: es.ID,
			OrderID:       es.OrderID,
			EscrowID:      es.ID,
			Description:   "order cancelled",
		})
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entry)
		res.BuyerRefund = es.Amount
		ch.Amount = es.Amount
		ch.Settlement = &escrow.Settlement{RefundedAmount: es.Amount, FeeRetained: "0.00"}
	}

	if err := e.escrows.Apply(es, ch); err != nil {
		return nil, err
	}
	if err := tx.Escrows().Put(ctx, es); err != nil {
		return nil, err
	}
	return res, e.closeDisputes(ctx, tx, es, actor)
}

// TransitionInTx applies a status change that moves no funds and mirrors it
// onto the order.
func (e *Engine) TransitionInTx(ctx context.Context, tx docstore.Tx, actor identity.Caller, escrowID string, to escrow.Status, note string) (*Result, error) {
	es, err := e.escrows.Transition(ctx, tx.Escrows(), escrowID, escrow.Change{To: to, Actor: actor, Note: note})
	if err != nil {
		return nil, err
	}
	res := &Result{Escrow: es, Payout: "0.00", FeeRetained: "0.00", BuyerRefund: "0.00"}
	if es.OrderID == "" {
		return res, nil
	}
	res.Order, err = orders.Mirror(ctx, tx.Orders(), es.OrderID, es.Status, actor, note, e.now())
	if errors.Is(err, orders.ErrNotFound) {
		return res, nil
	}
	return res, err
}

type releaseParams struct {
	amount string
	note   string
	auto   bool
	rating int
	review string
}

func (e *Engine) release(ctx context.Context, tx docstore.Tx, es *escrow.Escrow, actor identity.Caller, p releaseParams) (*Result, error) {
	if es.Status == escrow.StatusReleased {
		return e.replay(ctx, tx, es)
	}
	if !escrow.CanTransition(es.Status, escrow.StatusReleased) {
		return nil, &escrow.TransitionError{From: es.Status, To: escrow.StatusReleased}
	}

	held, released, err := splitAmount(es.Amount, p.amount)
	if err != nil {
		return nil, err
	}
	o, err := e.loadOrder(ctx, tx, es.OrderID)
	if err != nil {
		return nil, err
	}
	seller, err := payee.Resolve(ctx, es, o, productLookup(tx))
	if err != nil {
		return nil, err
	}

	fee := money.Zero()
	if o != nil {
		if f, ok := money.Parse(o.EscrowFee); ok {
			fee = f
		}
	}
	payout := money.SubFloor(released, fee)
	retained := money.Sub(released, payout)
	remainder := money.Sub(held, released)

	res := &Result{
		Escrow:      es,
		Order:       o,
		SellerID:    seller,
		Payout:      money.Format(payout),
		FeeRetained: money.Format(retained),
		BuyerRefund: money.Format(remainder),
	}
	ref := ledger.Ref{CorrelationID: es.ID, OrderID: es.OrderID, EscrowID: es.ID, Description: "escrow released"}

	if payout.Sign() > 0 {
		entry, err := e.book.Credit(ctx, tx.Ledger(), seller, res.Payout, ledger.KindEscrowRelease, ref)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entry)
	}
	if remainder.Sign() > 0 {
		ref.Description = "partial release remainder to buyer"
		entry, err := e.book.Credit(ctx, tx.Ledger(), es.BuyerID, res.BuyerRefund, ledger.KindRefund, ref)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entry)
	}

	if p.rating != 0 {
		es.Rating = p.rating
		es.Review = p.review
	}
	settle := &escrow.Settlement{
		ReleasedAmount: money.Format(released),
		Payout:         res.Payout,
		PayeeID:        seller,
		FeeRetained:    res.FeeRetained,
	}
	if remainder.Sign() > 0 {
		settle.RefundedAmount = res.BuyerRefund
	}
	if err := e.escrows.Apply(es, escrow.Change{
		To:           escrow.StatusReleased,
		Actor:        actor,
		Note:         p.note,
		AutoReleased: p.auto,
		Settlement:   settle,
		Amount:       money.Format(released),
	}); err != nil {
		return nil, err
	}
	if err := tx.Escrows().Put(ctx, es); err != nil {
		return nil, err
	}
	if o != nil {
		if res.Order, err = orders.Mirror(ctx, tx.Orders(), o.ID, es.Status, actor, p.note, e.now()); err != nil {
			return nil, err
		}
	}
	return res, e.closeDisputes(ctx, tx, es, actor)
}

// closeDisputes closes the order's active disputes once its escrow has
// settled. A dispute being resolved in the same unit of work is written
// again by the resolver and ends resolved.
func (e *Engine) closeDisputes(ctx context.Context, tx docstore.Tx, es *escrow.Escrow, actor identity.Caller) error {
	if es.OrderID == "" {
		return nil
	}
	open, err := tx.Disputes().List(ctx, disputes.Filter{OrderID: es.OrderID})
	if err != nil {
		return err
	}
	now := e.now()
	for _, d := range open {
		if !d.Status.IsActive() {
			continue
		}
		if err := disputes.Advance(d, disputes.StatusClosed, actor, "escrow "+string(es.Status), now); err != nil {
			return err
		}
		if err := tx.Disputes().Put(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// replay rebuilds the result of a settlement that already committed.
func (e *Engine) replay(ctx context.Context, tx docstore.Tx, es *escrow.Escrow) (*Result, error) {
	o, err := e.loadOrder(ctx, tx, es.OrderID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Escrow:      es,
		Order:       o,
		SellerID:    es.PayeeID,
		Payout:      orZero(es.Payout),
		FeeRetained: orZero(es.FeeRetained),
		BuyerRefund: orZero(es.RefundedAmount),
		Replayed:    true,
	}, nil
}

// loadOrder fetches the escrow's order. A missing order is tolerated and
// returns nil: the escrow can still settle, with no fee and no mirror.
func (e *Engine) loadOrder(ctx context.Context, tx docstore.Tx, orderID string) (*orders.Order, error) {
	if orderID == "" {
		return nil, nil
	}
	o, err := tx.Orders().Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		e.log(ctx).Warn("escrow order missing, settling without fee", "order_id", orderID)
		return nil, nil
	}
	return o, err
}

func (e *Engine) restoreStock(ctx context.Context, tx docstore.Tx, o *orders.Order) error {
	if o.StockRestored {
		return nil
	}
	now := e.now()
	for _, it := range o.Items {
		if err := catalog.RestoreStock(ctx, tx.Products(), it.ProductID, it.Quantity, now); err != nil {
			return err
		}
	}
	o.StockRestored = true
	o.UpdatedAt = now
	return tx.Orders().Put(ctx, o)
}

func (e *Engine) cancelOrder(ctx context.Context, tx docstore.Tx, orderID string, actor identity.Caller, note string) (*orders.Order, error) {
	o, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := e.restoreStock(ctx, tx, o); err != nil {
		return nil, err
	}
	return orders.Mirror(ctx, tx.Orders(), orderID, escrow.StatusCancelled, actor, note, e.now())
}

// splitAmount parses the held amount and the optional override.
func splitAmount(heldStr, override string) (held, amount *big.Int, err error) {
	held, ok := money.Parse(heldStr)
	if !ok {
		return nil, nil, fmt.Errorf("escrow carries malformed amount %q", heldStr)
	}
	if override == "" {
		return held, new(big.Int).Set(held), nil
	}
	amount, ok = money.Parse(override)
	if !ok || amount.Sign() <= 0 {
		return nil, nil, ledger.ErrInvalidAmount
	}
	if amount.Cmp(held) > 0 {
		return nil, nil, fmt.Errorf("%w: %s > %s", ErrAmountExceedsHeld, money.Format(amount), money.Format(held))
	}
	return held, amount, nil
}

func productLookup(tx docstore.Tx) payee.ProductLookup {
	return payee.LookupFunc(func(ctx context.Context, productID string) (string, error) {
		p, err := tx.Products().Get(ctx, productID)
		if err != nil {
			return "", err
		}
		return p.SellerID, nil
	})
}

func refundDescription(reason string) string {
	if reason == "" {
		return "escrow refunded"
	}
	return "escrow refunded: " + reason
}

func orZero(s string) string {
	if s == "" {
		return "0.00"
	}
	return s
}

// addParsed adds a formatted amount to sum. Empty or malformed amounts
// count as zero.
func addParsed(sum *big.Int, amount string) *big.Int {
	v, ok := money.Parse(amount)
	if !ok {
		return sum
	}
	return money.Add(sum, v)
}
