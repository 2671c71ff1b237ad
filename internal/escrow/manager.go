package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/identity"
)

// Settlement is the fund movement that accompanies a terminal transition.
// The engine stages the ledger writes in the same unit of work and passes
// the resulting amounts here.
type Settlement struct {
	ReleasedAmount string
	RefundedAmount string
	Payout         string
	PayeeID        string
	FeeRetained    string
}

// Change is a requested status change.
type Change struct {
	To           Status
	Actor        identity.Caller
	Note         string
	AutoReleased bool
	Settlement   *Settlement
	// Amount is recorded on the timeline entry when set.
	Amount string
}

// NewEscrow holds the fields supplied at creation.
type NewEscrow struct {
	ID       string
	OrderID  string
	BuyerID  string
	SellerID string
	Amount   string
	Actor    identity.Caller
}

// Manager applies the transition table. It is stateless apart from the
// clock and is shared by every component that changes escrow status.
type Manager struct {
	now func() time.Time
}

// NewManager creates a Manager using the wall clock.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// WithClock sets a custom time source (for deterministic testing).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create writes a new escrow in pending.
func (m *Manager) Create(ctx context.Context, st Store, n NewEscrow) (*Escrow, error) {
	now := m.now()
	e := &Escrow{
		ID:       n.ID,
		OrderID:  n.OrderID,
		BuyerID:  n.BuyerID,
		SellerID: n.SellerID,
		Amount:   n.Amount,
		Status:   StatusPending,
		Timeline: []TimelineEntry{{
			Status:    StatusPending,
			At:        now,
			Note:      "escrow created",
			ActorID:   n.Actor.ID,
			ActorRole: string(n.Actor.Role),
			Amount:    n.Amount,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Transition loads the escrow, applies ch and stages the write. It is the
// only way status changes are persisted.
func (m *Manager) Transition(ctx context.Context, st Store, id string, ch Change) (*Escrow, error) {
	e, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Apply(e, ch); err != nil {
		return nil, err
	}
	if err := st.Put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply validates ch against e and mutates e in place. On error e is left
// untouched.
func (m *Manager) Apply(e *Escrow, ch Change) error {
	if !CanTransition(e.Status, ch.To) {
		return &TransitionError{From: e.Status, To: ch.To}
	}
	if needsSettlement(e.Status, ch.To) && ch.Settlement == nil {
		return fmt.Errorf("%w: %s to %s", ErrSettlementRequired, e.Status, ch.To)
	}

	now := m.now()
	switch ch.To {
	case StatusAwaitingConfirmation:
		t := now
		e.AwaitingSince = &t
	case StatusReleased:
		t := now
		e.ReleasedAt = &t
		e.AutoReleased = ch.AutoReleased
	case StatusRefunded:
		t := now
		e.RefundedAt = &t
	case StatusCancelled:
		t := now
		e.CancelledAt = &t
	}
	if s := ch.Settlement; s != nil {
		e.ReleasedAmount = s.ReleasedAmount
		e.RefundedAmount = s.RefundedAmount
		e.Payout = s.Payout
		e.PayeeID = s.PayeeID
		e.FeeRetained = s.FeeRetained
	}

	e.Status = ch.To
	e.UpdatedAt = now
	e.Timeline = append(e.Timeline, TimelineEntry{
		Status:       ch.To,
		At:           now,
		Note:         ch.Note,
		ActorID:      ch.Actor.ID,
		ActorRole:    string(ch.Actor.Role),
		AutoReleased: ch.AutoReleased,
		Amount:       ch.Amount,
	})
	return nil
}

// needsSettlement reports whether moving from → to releases held funds.
func needsSettlement(from, to Status) bool {
	switch to {
	case StatusReleased, StatusRefunded:
		return true
	case StatusCancelled:
		return from.IsFunded()
	}
	return false
}
