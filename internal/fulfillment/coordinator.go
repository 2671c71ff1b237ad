// Package fulfillment runs checkout and the order lifecycle. Escrow-paid
// orders are driven through their escrow so that order status always
// mirrors the funds.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/safetrade/internal/catalog"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/idgen"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/money"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/orders"
	"github.com/mbd888/safetrade/internal/pagination"
	"github.com/mbd888/safetrade/internal/settlement"
	"github.com/mbd888/safetrade/internal/traces"
)

var (
	ErrInvalidState  = fmt.Errorf("%w: order can no longer be cancelled", faults.ErrInvalidTransition)
	ErrEmptyOrder    = fmt.Errorf("%w: order has no items", faults.ErrInvalidInput)
	ErrPriceMismatch = fmt.Errorf("%w: price changed", faults.ErrInvalidInput)
	ErrBadPayment    = fmt.Errorf("%w: unknown payment method", faults.ErrInvalidInput)
)

// PriceTolerancePercent is how far a client-submitted unit price may drift
// from the catalog price before checkout is refused.
const PriceTolerancePercent = "5.00"

// ItemRequest is one line of a checkout. Price is the unit price the buyer
// saw.
type ItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

// CreateOrderRequest is a checkout.
type CreateOrderRequest struct {
	Items         []ItemRequest        `json:"items"`
	PaymentMethod orders.PaymentMethod `json:"paymentMethod"`
	Shipping      orders.ShippingInfo  `json:"shippingInfo"`
}

// ListFilter selects orders for ListOrders.
type ListFilter struct {
	// View is "buyer" (default) or "seller" for non-admin callers.
	View     string
	BuyerID  string
	SellerID string
	Status   orders.Status
	Cursor   string
	Limit    int
}

// Coordinator owns order creation and order status changes.
type Coordinator struct {
	uow       docstore.UnitOfWork
	book      *ledger.Book
	escrows   *escrow.Manager
	engine    *settlement.Engine
	notifier  notify.Notifier
	logger    *slog.Logger
	feePct    *big.Int
	tolerance *big.Int
	now       func() time.Time
}

// NewCoordinator creates a Coordinator charging feePercent (e.g. "5.00")
// on every order.
func NewCoordinator(uow docstore.UnitOfWork, book *ledger.Book, escrows *escrow.Manager, engine *settlement.Engine, notifier notify.Notifier, logger *slog.Logger, feePercent string) (*Coordinator, error) {
	fee, ok := money.Parse(feePercent)
	if !ok || fee.Cmp(money.Hundred()) > 0 {
		return nil, fmt.Errorf("invalid fee percent %q", feePercent)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		uow:       uow,
		book:      book,
		escrows:   escrows,
		engine:    engine,
		notifier:  notifier,
		logger:    logger,
		feePct:    fee,
		tolerance: money.MustParse(PriceTolerancePercent),
		now:       time.Now,
	}, nil
}

// WithClock sets a custom time source (for deterministic testing).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// CreateOrder checks out the buyer's items. Stock, the order, the escrow
// and the buyer's hold are written together or not at all.
func (c *Coordinator) CreateOrder(ctx context.Context, caller identity.Caller, req CreateOrderRequest) (_ *orders.Order, retErr error) {
	ctx, span := traces.StartSpan(ctx, "fulfillment.CreateOrder", traces.AccountID(caller.ID))
	defer func() { traces.End(span, retErr) }()

	if caller.ID == "" || caller.IsSystem() {
		return nil, identity.Deny("orders are placed by an account")
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = orders.PaymentEscrow
	}
	if req.PaymentMethod != orders.PaymentEscrow && req.PaymentMethod != orders.PaymentDirect {
		return nil, ErrBadPayment
	}

	var created *orders.Order
	err := c.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		now := c.now()
		o := &orders.Order{
			ID:            idgen.WithPrefix("ord_"),
			BuyerID:       caller.ID,
			Status:        orders.StatusPending,
			PaymentMethod: req.PaymentMethod,
			Shipping:      req.Shipping,
			Timeline: []orders.TimelineEntry{{
				Status:    orders.StatusPending,
				At:        now,
				Note:      "order placed",
				ActorID:   caller.ID,
				ActorRole: string(caller.Role),
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}

		total := money.Zero()
		for _, it := range req.Items {
			p, err := catalog.DecrementStock(ctx, tx.Products(), it.ProductID, it.Quantity, now)
			if err != nil {
				return err
			}
			price, ok := money.Parse(p.Price)
			if !ok {
				return fmt.Errorf("product %s carries malformed price %q", p.ID, p.Price)
			}
			if it.Price != "" {
				seen, ok := money.Parse(it.Price)
				if !ok {
					return fmt.Errorf("%w: price of %s", ledger.ErrInvalidAmount, it.ProductID)
				}
				if !money.WithinTolerance(price, seen, c.tolerance) {
					return fmt.Errorf("%w: %s is now %s, order has %s", ErrPriceMismatch, p.ID, money.Format(price), money.Format(seen))
				}
			}
			if o.SellerID == "" {
				o.SellerID = p.SellerID
			}
			o.Items = append(o.Items, orders.LineItem{
				ProductID: p.ID,
				SellerID:  p.SellerID,
				Name:      p.Name,
				Quantity:  it.Quantity,
				UnitPrice: money.Format(price),
			})
			total = money.Add(total, money.MulInt(price, int64(it.Quantity)))
		}
		o.TotalAmount = money.Format(total)
		o.EscrowFee = money.Format(money.Percent(total, c.feePct))

		if req.PaymentMethod == orders.PaymentDirect {
			created = o
			return tx.Orders().Create(ctx, o)
		}

		o.EscrowID = idgen.WithPrefix("esc_")
		if err := tx.Orders().Create(ctx, o); err != nil {
			return err
		}
		if _, err := c.escrows.Create(ctx, tx.Escrows(), escrow.NewEscrow{
			ID:       o.EscrowID,
			OrderID:  o.ID,
			BuyerID:  o.BuyerID,
			SellerID: o.SellerID,
			Amount:   o.TotalAmount,
			Actor:    caller,
		}); err != nil {
			return err
		}
		if _, err := c.book.Hold(ctx, tx.Ledger(), o.BuyerID, o.TotalAmount, ledger.Ref{
			CorrelationID: o.EscrowID,
			OrderID:       o.ID,
			EscrowID:      o.EscrowID,
			Description:   "escrow hold for order " + o.ID,
		}); err != nil {
			return err
		}
		if _, err := c.escrows.Transition(ctx, tx.Escrows(), o.EscrowID, escrow.Change{
			To:     escrow.StatusHeld,
			Actor:  caller,
			Note:   "buyer funds held",
			Amount: o.TotalAmount,
		}); err != nil {
			return err
		}
		var err error
		created, err = c.MirrorEscrowStatus(ctx, tx, o.ID, escrow.StatusHeld, caller, "payment held in escrow")
		return err
	})
	if err != nil {
		return nil, err
	}

	c.announceCreated(created)
	c.log(ctx).Info("order created",
		"order_id", created.ID,
		"escrow_id", created.EscrowID,
		"total", created.TotalAmount,
		"fee", created.EscrowFee,
		"payment_method", created.PaymentMethod,
	)
	return created, nil
}

// MirrorEscrowStatus applies the escrow-to-order status map inside tx.
func (c *Coordinator) MirrorEscrowStatus(ctx context.Context, tx docstore.Tx, orderID string, es escrow.Status, actor identity.Caller, note string) (*orders.Order, error) {
	return orders.Mirror(ctx, tx.Orders(), orderID, es, actor, note, c.now())
}

// Cancel cancels a pending or confirmed order, restores stock and returns
// any held funds to the buyer.
func (c *Coordinator) Cancel(ctx context.Context, caller identity.Caller, orderID, reason string) (_ *orders.Order, retErr error) {
	ctx, span := traces.StartSpan(ctx, "fulfillment.Cancel", traces.OrderID(orderID))
	defer func() { traces.End(span, retErr) }()

	var (
		out *orders.Order
		res *settlement.Result
	)
	err := c.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		out, res, err = c.cancelInTx(ctx, tx, caller, orderID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		res.Order = out
		c.engine.Announce(ctx, res)
	} else {
		c.announceOrder(out)
	}
	return out, nil
}

func (c *Coordinator) cancelInTx(ctx context.Context, tx docstore.Tx, caller identity.Caller, orderID, reason string) (*orders.Order, *settlement.Result, error) {
	o, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !caller.IsAdmin() && !caller.Is(o.BuyerID) && !o.IsSeller(caller.ID) {
		return nil, nil, identity.Deny("only the buyer, seller or an admin can cancel")
	}
	if o.Status != orders.StatusPending && o.Status != orders.StatusConfirmed {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrInvalidState, o.Status)
	}
	if reason == "" {
		reason = "cancelled by " + string(caller.Role)
	}

	var res *settlement.Result
	if o.EscrowID != "" {
		res, err = c.engine.CancelInTx(ctx, tx, caller, o.EscrowID, reason)
		if err != nil && !errors.Is(err, escrow.ErrNotFound) {
			return nil, nil, err
		}
	}

	now := c.now()
	if !o.StockRestored {
		for _, it := range o.Items {
			if err := catalog.RestoreStock(ctx, tx.Products(), it.ProductID, it.Quantity, now); err != nil {
				return nil, nil, err
			}
		}
		o.StockRestored = true
	}
	if err := orders.Advance(o, orders.StatusCancelled, caller, reason, now); err != nil {
		return nil, nil, err
	}
	o.CancelReason = reason
	if err := tx.Orders().Put(ctx, o); err != nil {
		return nil, nil, err
	}
	return o, res, nil
}

// UpdateStatus moves an order to target on behalf of caller. Escrow-paid
// orders move their escrow and follow it through the mirror.
func (c *Coordinator) UpdateStatus(ctx context.Context, caller identity.Caller, orderID string, target orders.Status, note string) (_ *orders.Order, retErr error) {
	ctx, span := traces.StartSpan(ctx, "fulfillment.UpdateStatus", traces.OrderID(orderID))
	defer func() { traces.End(span, retErr) }()

	if target == orders.StatusCancelled {
		return c.Cancel(ctx, caller, orderID, note)
	}
	if !target.Valid() || target == orders.StatusPending {
		return nil, fmt.Errorf("%w: cannot set order status %q", faults.ErrInvalidInput, target)
	}
	if target == orders.StatusDisputed {
		return nil, fmt.Errorf("%w: open a dispute to move an order to disputed", faults.ErrInvalidInput)
	}

	var (
		out       *orders.Order
		res       *settlement.Result
		confirmed bool
	)
	err := c.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		o, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := authorizeStatus(caller, o, target); err != nil {
			return err
		}
		if note == "" {
			note = fmt.Sprintf("%s set by %s", target, caller.Role)
		}

		if o.PaymentMethod != orders.PaymentEscrow || o.EscrowID == "" {
			if err := orders.Advance(o, target, caller, note, c.now()); err != nil {
				return err
			}
			out = o
			return tx.Orders().Put(ctx, o)
		}

		switch {
		case target == orders.StatusCompleted && caller.IsAdmin():
			res, err = c.engine.ReleaseInTx(ctx, tx, caller, o.EscrowID, settlement.ReleaseOptions{Note: note})
		case target == orders.StatusCompleted:
			// A buyer completing an escrow order is a delivery confirmation.
			res, err = c.engine.ConfirmDeliveryInTx(ctx, tx, caller, o.EscrowID, settlement.ConfirmOptions{Note: note})
			confirmed = true
		case target == orders.StatusRefunded:
			res, err = c.engine.RefundInTx(ctx, tx, caller, o.EscrowID, settlement.RefundOptions{Reason: note})
		default:
			es, ok := orders.ToEscrow(target)
			if !ok {
				return fmt.Errorf("%w: %s has no escrow counterpart", faults.ErrInvalidInput, target)
			}
			res, err = c.engine.TransitionInTx(ctx, tx, caller, o.EscrowID, es, note)
		}
		if err != nil {
			return err
		}
		out, err = tx.Orders().Get(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		res.Order = out
		c.engine.Announce(ctx, res)
		if confirmed {
			c.engine.AnnounceDelivery(res, 0)
		}
	} else {
		c.announceOrder(out)
	}
	return out, nil
}

// authorizeStatus applies the per-target role rules.
func authorizeStatus(caller identity.Caller, o *orders.Order, target orders.Status) error {
	if caller.IsAdmin() {
		return nil
	}
	switch target {
	case orders.StatusConfirmed, orders.StatusShippedToEscrow:
		if o.IsSeller(caller.ID) {
			return nil
		}
		return identity.Deny("only the seller or an admin can set %s", target)
	case orders.StatusCompleted:
		if caller.Is(o.BuyerID) {
			return nil
		}
		return identity.Deny("only the buyer or an admin can complete an order")
	}
	return identity.Deny("only an admin can set %s", target)
}

// GetOrder returns an order visible to the caller.
func (c *Coordinator) GetOrder(ctx context.Context, caller identity.Caller, orderID string) (*orders.Order, error) {
	var out *orders.Order
	err := c.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		o, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if !caller.IsPrivileged() && !o.HasParty(caller.ID) {
			return orders.ErrNotFound
		}
		out = o
		return nil
	})
	return out, err
}

// ListOrders pages through orders. Buyers see what they bought, sellers
// what they sold, admins everything.
func (c *Coordinator) ListOrders(ctx context.Context, caller identity.Caller, lf ListFilter) (pagination.Page[*orders.Order], error) {
	f := orders.Filter{Status: lf.Status}
	switch {
	case caller.IsPrivileged():
		f.BuyerID, f.SellerID = lf.BuyerID, lf.SellerID
	case lf.View == "seller":
		f.SellerID = caller.ID
	default:
		f.BuyerID = caller.ID
	}

	var items []*orders.Order
	err := c.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		items, err = tx.Orders().List(ctx, f)
		return err
	})
	if err != nil {
		return pagination.Page[*orders.Order]{}, err
	}
	return pagination.Paginate(items, lf.Cursor, lf.Limit, func(o *orders.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
}

func (c *Coordinator) announceCreated(o *orders.Order) {
	if o.EscrowID != "" {
		ev := notify.New(notify.EscrowCreated, o.BuyerID, o.SellerID)
		ev.EscrowID = o.EscrowID
		ev.OrderID = o.ID
		ev.Data = map[string]any{"amount": o.TotalAmount, "fee": o.EscrowFee}
		c.notifier.Notify(ev)
	}
	c.announceOrder(o)
}

func (c *Coordinator) announceOrder(o *orders.Order) {
	ev := notify.New(notify.OrderStatusUpdated, o.BuyerID, o.SellerID)
	ev.OrderID = o.ID
	ev.EscrowID = o.EscrowID
	ev.Data = map[string]any{"status": o.Status}
	c.notifier.Notify(ev)
}

func (c *Coordinator) log(ctx context.Context) *slog.Logger {
	l := c.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
