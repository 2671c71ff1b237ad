// Package escrow owns the lifecycle of a single escrow record.
//
// Lifecycle:
//  1. Checkout creates the escrow in pending and holds the buyer's funds (held)
//  2. Seller ships to the platform hub (shipped_to_escrow, at_escrow)
//  3. The hub forwards to the buyer (awaiting_confirmation)
//  4. Buyer confirms, an admin releases, or the timeout fires (released)
//  5. Either party may dispute; an admin resolves to released or refunded
//
// Every status change goes through Manager.Transition, which enforces the
// transition table and appends the timeline.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/faults"
)

var (
	ErrNotFound           = fmt.Errorf("escrow %w", faults.ErrNotFound)
	ErrInvalidTransition  = faults.ErrInvalidTransition
	ErrSettlementRequired = errors.New("escrow: terminal transition requires a staged settlement")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending              Status = "pending"
	StatusHeld                 Status = "held"
	StatusShippedToEscrow      Status = "shipped_to_escrow"
	StatusAtEscrow             Status = "at_escrow"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusDisputed             Status = "disputed"
	StatusReleased             Status = "released"
	StatusRefunded             Status = "refunded"
	StatusCancelled            Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusHeld, StatusShippedToEscrow, StatusAtEscrow,
	StatusAwaitingConfirmation, StatusDisputed, StatusReleased,
	StatusRefunded, StatusCancelled,
}

// transitions is the authoritative table of allowed edges.
var transitions = map[Status][]Status{
	StatusPending:              {StatusHeld, StatusCancelled},
	StatusHeld:                 {StatusShippedToEscrow, StatusRefunded, StatusCancelled},
	StatusShippedToEscrow:      {StatusAtEscrow, StatusCancelled},
	StatusAtEscrow:             {StatusAwaitingConfirmation, StatusDisputed, StatusCancelled},
	StatusAwaitingConfirmation: {StatusReleased, StatusDisputed, StatusRefunded},
	StatusDisputed:             {StatusReleased, StatusRefunded},
	StatusReleased:             nil,
	StatusRefunded:             nil,
	StatusCancelled:            nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s.
func Next(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// IsFunded reports whether an escrow in s still carries the buyer's held
// funds.
func (s Status) IsFunded() bool {
	switch s {
	case StatusHeld, StatusShippedToEscrow, StatusAtEscrow, StatusAwaitingConfirmation, StatusDisputed:
		return true
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Is makes TransitionError match faults.ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == faults.ErrInvalidTransition
}

// TimelineEntry records one accepted status change.
type TimelineEntry struct {
	Status       Status    `json:"status"`
	At           time.Time `json:"at"`
	Note         string    `json:"note,omitempty"`
	ActorID      string    `json:"actorId"`
	ActorRole    string    `json:"actorRole"`
	AutoReleased bool      `json:"autoReleased,omitempty"`
	Amount       string    `json:"amount,omitempty"`
}

// Escrow is a ledger-backed hold of buyer funds against one order.
type Escrow struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	BuyerID        string          `json:"buyerId"`
	SellerID       string          `json:"sellerId"`
	Amount         string          `json:"amount"`
	Status         Status          `json:"status"`
	Timeline       []TimelineEntry `json:"timeline"`
	AwaitingSince  *time.Time      `json:"awaitingSince,omitempty"`
	ReleasedAmount string          `json:"releasedAmount,omitempty"`
	RefundedAmount string          `json:"refundedAmount,omitempty"`
	Payout         string          `json:"payout,omitempty"`
	PayeeID        string          `json:"payeeId,omitempty"`
	FeeRetained    string          `json:"feeRetained,omitempty"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty"`
	AutoReleased   bool            `json:"autoReleased,omitempty"`
	Rating         int             `json:"rating,omitempty"`
	Review         string          `json:"review,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Filter selects escrows in List.
type Filter struct {
	BuyerID  string
	SellerID string
	// Party matches either side of the escrow.
	Party  string
	Status Status
	// AwaitingBefore matches escrows whose awaitingSince is before it.
	AwaitingBefore *time.Time
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e *Escrow) bool {
	if f.BuyerID != "" && e.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && e.SellerID != f.SellerID {
		return false
	}
	if f.Party != "" && e.BuyerID != f.Party && e.SellerID != f.Party {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.AwaitingBefore != nil && (e.AwaitingSince == nil || !e.AwaitingSince.Before(*f.AwaitingBefore)) {
		return false
	}
	return true
}

// Store persists escrows inside a unit of work.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Escrow, error)
	Put(ctx context.Context, e *Escrow) error
	// List returns matching escrows newest first.
	List(ctx context.Context, f Filter) ([]*Escrow, error)
}
