// Package resolution runs the dispute workflow: opening a dispute freezes
// the escrow in disputed, and an admin decision releases or refunds it.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/idgen"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/orders"
	"github.com/mbd888/safetrade/internal/pagination"
	"github.com/mbd888/safetrade/internal/settlement"
	"github.com/mbd888/safetrade/internal/traces"
)

var (
	ErrActiveDispute = fmt.Errorf("%w: order already has an active dispute", faults.ErrInvalidTransition)
	ErrNoEscrow      = fmt.Errorf("%w: dispute has no escrow to settle", faults.ErrInvalidInput)
)

// CreateRequest opens a dispute.
type CreateRequest struct {
	OrderID     string            `json:"orderId"`
	Reason      string            `json:"reason"`
	Description string            `json:"description"`
	Priority    disputes.Priority `json:"priority"`
}

// ResolveRequest records the admin decision. Amount overrides the settled
// amount for a partial release or refund.
type ResolveRequest struct {
	Resolution string          `json:"resolution"`
	Action     disputes.Action `json:"action"`
	Amount     string          `json:"amount,omitempty"`
}

// Outcome is a resolved dispute and the settlement it caused, if any.
type Outcome struct {
	Dispute    *disputes.Dispute  `json:"dispute"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
}

// ListFilter selects disputes for List.
type ListFilter struct {
	Status  disputes.Status
	OrderID string
	Cursor  string
	Limit   int
}

// Service manages disputes.
type Service struct {
	uow      docstore.UnitOfWork
	engine   *settlement.Engine
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(uow docstore.UnitOfWork, engine *settlement.Engine, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{uow: uow, engine: engine, notifier: notifier, logger: logger, now: time.Now}
}

// WithClock sets a custom time source (for deterministic testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a dispute on an order for its buyer or seller. An escrow
// that can still be disputed is moved to disputed in the same unit.
func (s *Service) Create(ctx context.Context, caller identity.Caller, req CreateRequest) (_ *disputes.Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "resolution.Create", traces.OrderID(req.OrderID))
	defer func() { traces.End(span, retErr) }()

	if req.Priority == "" {
		req.Priority = disputes.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", faults.ErrInvalidInput, req.Priority)
	}

	var (
		d   *disputes.Dispute
		o   *orders.Order
		res *settlement.Result
	)
	err := s.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		o, err = tx.Orders().Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		role := reporterRole(caller, o)
		if role == "" {
			return identity.Deny("only the buyer or seller can dispute an order")
		}
		existing, err := tx.Disputes().List(ctx, disputes.Filter{OrderID: o.ID})
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Status.IsActive() {
				return fmt.Errorf("%w: %s", ErrActiveDispute, e.ID)
			}
		}

		now := s.now()
		d = &disputes.Dispute{
			ID:           idgen.WithPrefix("dsp_"),
			OrderID:      o.ID,
			EscrowID:     o.EscrowID,
			ReporterID:   caller.ID,
			ReporterRole: role,
			Reason:       req.Reason,
			Description:  req.Description,
			Status:       disputes.StatusOpen,
			Priority:     req.Priority,
			Timeline: []disputes.TimelineEntry{{
				Status:    disputes.StatusOpen,
				At:        now,
				Note:      req.Reason,
				ActorID:   caller.ID,
				ActorRole: role,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Disputes().Create(ctx, d); err != nil {
			return err
		}

		if o.EscrowID == "" {
			return nil
		}
		es, err := tx.Escrows().Get(ctx, o.EscrowID)
		if err != nil {
			return err
		}
		if !escrow.CanTransition(es.Status, escrow.StatusDisputed) {
			return nil
		}
		res, err = s.engine.TransitionInTx(ctx, tx, caller, es.ID, escrow.StatusDisputed, "dispute opened: "+req.Reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	ev := notify.New(notify.DisputeOpened, o.BuyerID, o.SellerID)
	ev.DisputeID = d.ID
	ev.OrderID = d.OrderID
	ev.EscrowID = d.EscrowID
	ev.Data = map[string]any{"reason": d.Reason, "priority": d.Priority, "reporterRole": d.ReporterRole}
	s.notifier.Notify(ev)
	s.engine.Announce(ctx, res)

	s.log(ctx).Info("dispute opened", "dispute_id", d.ID, "order_id", d.OrderID, "escrow_frozen", res != nil)
	return d, nil
}

// Review moves an open dispute under review.
func (s *Service) Review(ctx context.Context, caller identity.Caller, id, note string) (*disputes.Dispute, error) {
	if !caller.IsAdmin() {
		return nil, identity.Deny("admin role required")
	}
	return s.advance(ctx, caller, id, disputes.StatusUnderReview, note)
}

// Close closes a dispute. Admins and the reporter may close.
func (s *Service) Close(ctx context.Context, caller identity.Caller, id, note string) (*disputes.Dispute, error) {
	return s.advance(ctx, caller, id, disputes.StatusClosed, note)
}

func (s *Service) advance(ctx context.Context, caller identity.Caller, id string, to disputes.Status, note string) (*disputes.Dispute, error) {
	var d *disputes.Dispute
	err := s.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		if d, err = tx.Disputes().Get(ctx, id); err != nil {
			return err
		}
		if !caller.IsAdmin() && !caller.Is(d.ReporterID) {
			return identity.Deny("only the reporter or an admin can update this dispute")
		}
		if err := disputes.Advance(d, to, caller, note, s.now()); err != nil {
			return err
		}
		return tx.Disputes().Put(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("dispute updated", "dispute_id", d.ID, "status", d.Status)
	return d, nil
}

// Resolve records the admin decision and moves the funds it calls for.
// The settlement and the dispute update commit together.
func (s *Service) Resolve(ctx context.Context, caller identity.Caller, id string, req ResolveRequest) (_ *Outcome, retErr error) {
	ctx, span := traces.StartSpan(ctx, "resolution.Resolve", traces.DisputeID(id), traces.ActorRole(string(caller.Role)))
	defer func() { traces.End(span, retErr) }()

	if !caller.IsAdmin() {
		return nil, identity.Deny("admin role required")
	}
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", faults.ErrInvalidInput, req.Action)
	}

	out := &Outcome{}
	err := s.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		d, err := tx.Disputes().Get(ctx, id)
		if err != nil {
			return err
		}
		if !disputes.CanTransition(d.Status, disputes.StatusResolved) {
			return fmt.Errorf("%w: cannot resolve a %s dispute", faults.ErrInvalidTransition, d.Status)
		}

		note := "dispute resolved"
		if req.Resolution != "" {
			note += ": " + req.Resolution
		}
		var res *settlement.Result
		switch req.Action {
		case disputes.ActionRelease:
			if d.EscrowID == "" {
				return ErrNoEscrow
			}
			res, err = s.engine.ReleaseInTx(ctx, tx, caller, d.EscrowID, settlement.ReleaseOptions{Amount: req.Amount, Note: note})
		case disputes.ActionRefund:
			if d.EscrowID == "" {
				return ErrNoEscrow
			}
			res, err = s.engine.RefundInTx(ctx, tx, caller, d.EscrowID, settlement.RefundOptions{Amount: req.Amount, Reason: note})
		}
		if err != nil {
			return err
		}

		if err := disputes.Advance(d, disputes.StatusResolved, caller, note, s.now()); err != nil {
			return err
		}
		d.Resolution = req.Resolution
		d.Action = req.Action
		if err := tx.Disputes().Put(ctx, d); err != nil {
			return err
		}
		out.Dispute, out.Settlement = d, res
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := out.Dispute
	recipients := []string{d.ReporterID}
	if res := out.Settlement; res != nil && res.Escrow != nil {
		recipients = []string{res.Escrow.BuyerID, res.Escrow.SellerID}
	}
	ev := notify.New(notify.DisputeResolved, recipients...)
	ev.DisputeID = d.ID
	ev.OrderID = d.OrderID
	ev.EscrowID = d.EscrowID
	ev.Data = map[string]any{"action": d.Action, "resolution": d.Resolution}
	s.notifier.Notify(ev)
	s.engine.Announce(ctx, out.Settlement)

	s.log(ctx).Info("dispute resolved", "dispute_id", d.ID, "action", d.Action)
	return out, nil
}

// Get returns a dispute visible to the caller: admins, the reporter and
// the parties of the disputed order.
func (s *Service) Get(ctx context.Context, caller identity.Caller, id string) (*disputes.Dispute, error) {
	var out *disputes.Dispute
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		d, err := tx.Disputes().Get(ctx, id)
		if err != nil {
			return err
		}
		ok, err := s.visible(ctx, tx, caller, d)
		if err != nil {
			return err
		}
		if !ok {
			return disputes.ErrNotFound
		}
		out = d
		return nil
	})
	return out, err
}

// List pages through disputes. Non-admin callers see disputes they raised
// or that concern their orders.
func (s *Service) List(ctx context.Context, caller identity.Caller, lf ListFilter) (pagination.Page[*disputes.Dispute], error) {
	var items []*disputes.Dispute
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		all, err := tx.Disputes().List(ctx, disputes.Filter{Status: lf.Status, OrderID: lf.OrderID})
		if err != nil {
			return err
		}
		if caller.IsPrivileged() {
			items = all
			return nil
		}
		for _, d := range all {
			ok, err := s.visible(ctx, tx, caller, d)
			if err != nil {
				return err
			}
			if ok {
				items = append(items, d)
			}
		}
		return nil
	})
	if err != nil {
		return pagination.Page[*disputes.Dispute]{}, err
	}
	return pagination.Paginate(items, lf.Cursor, lf.Limit, func(d *disputes.Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
}

func (s *Service) visible(ctx context.Context, tx docstore.Tx, caller identity.Caller, d *disputes.Dispute) (bool, error) {
	if caller.IsPrivileged() || caller.Is(d.ReporterID) {
		return true, nil
	}
	o, err := tx.Orders().Get(ctx, d.OrderID)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return o.HasParty(caller.ID), nil
}

func reporterRole(caller identity.Caller, o *orders.Order) string {
	switch {
	case caller.Is(o.BuyerID):
		return "buyer"
	case o.IsSeller(caller.ID):
		return "seller"
	}
	return ""
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	l := s.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
