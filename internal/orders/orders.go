// Package orders holds the order record and its status rules.
//
// An escrow-paid order never changes status on its own: it follows its
// escrow through Mirror. Direct-payment orders use the same table driven by
// explicit updates.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
)

var (
	ErrNotFound          = fmt.Errorf("order %w", faults.ErrNotFound)
	ErrInvalidTransition = faults.ErrInvalidTransition
)

// Status represents the state of an order.
type Status string

const (
	StatusPending              Status = "pending"
	StatusConfirmed            Status = "confirmed"
	StatusShippedToEscrow      Status = "shipped_to_escrow"
	StatusAtEscrow             Status = "at_escrow"
	StatusAwaitingBuyerConfirm Status = "awaiting_buyer_confirm"
	StatusDisputed             Status = "disputed"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusRefunded             Status = "refunded"
)

// AllStatuses lists every order status.
var AllStatuses = []Status{
	StatusPending, StatusConfirmed, StatusShippedToEscrow, StatusAtEscrow,
	StatusAwaitingBuyerConfirm, StatusDisputed, StatusCompleted,
	StatusCancelled, StatusRefunded,
}

var transitions = map[Status][]Status{
	StatusPending:              {StatusConfirmed, StatusCancelled},
	StatusConfirmed:            {StatusShippedToEscrow, StatusRefunded, StatusCancelled},
	StatusShippedToEscrow:      {StatusAtEscrow, StatusCancelled},
	StatusAtEscrow:             {StatusAwaitingBuyerConfirm, StatusDisputed, StatusCancelled},
	StatusAwaitingBuyerConfirm: {StatusCompleted, StatusDisputed, StatusRefunded},
	StatusDisputed:             {StatusCompleted, StatusRefunded},
	StatusCompleted:            {StatusRefunded},
	StatusCancelled:            nil,
	StatusRefunded:             nil,
}

// fromEscrow maps escrow statuses onto the order status they imply.
var fromEscrow = map[escrow.Status]Status{
	escrow.StatusHeld:                 StatusConfirmed,
	escrow.StatusShippedToEscrow:      StatusShippedToEscrow,
	escrow.StatusAtEscrow:             StatusAtEscrow,
	escrow.StatusAwaitingConfirmation: StatusAwaitingBuyerConfirm,
	escrow.StatusDisputed:             StatusDisputed,
	escrow.StatusReleased:             StatusCompleted,
	escrow.StatusRefunded:             StatusRefunded,
	escrow.StatusCancelled:            StatusCancelled,
}

// toEscrow is the reverse of fromEscrow, used when an order update must be
// driven through the escrow.
var toEscrow = map[Status]escrow.Status{
	StatusConfirmed:            escrow.StatusHeld,
	StatusShippedToEscrow:      escrow.StatusShippedToEscrow,
	StatusAtEscrow:             escrow.StatusAtEscrow,
	StatusAwaitingBuyerConfirm: escrow.StatusAwaitingConfirmation,
	StatusDisputed:             escrow.StatusDisputed,
	StatusCompleted:            escrow.StatusReleased,
	StatusRefunded:             escrow.StatusRefunded,
	StatusCancelled:            escrow.StatusCancelled,
}

// FromEscrow returns the order status mirroring s. Escrow pending has no
// mirror.
func FromEscrow(s escrow.Status) (Status, bool) {
	o, ok := fromEscrow[s]
	return o, ok
}

// ToEscrow returns the escrow status an order status corresponds to.
func ToEscrow(s Status) (escrow.Status, bool) {
	e, ok := toEscrow[s]
	return e, ok
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the order table allows from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentMethod is how the buyer pays for the order.
type PaymentMethod string

const (
	PaymentEscrow PaymentMethod = "escrow"
	PaymentDirect PaymentMethod = "direct"
)

// LineItem is one product line of an order.
type LineItem struct {
	ProductID string `json:"productId"`
	SellerID  string `json:"sellerId"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

// ShippingInfo is where the order is delivered.
type ShippingInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
}

// TimelineEntry records one accepted order status change.
type TimelineEntry struct {
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
	Note      string    `json:"note,omitempty"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
}

// Order is a buyer's checkout.
type Order struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Items         []LineItem      `json:"items"`
	TotalAmount   string          `json:"totalAmount"`
	EscrowFee     string          `json:"escrowFee"`
	Status        Status          `json:"status"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Shipping      ShippingInfo    `json:"shippingInfo"`
	EscrowID      string          `json:"escrowId,omitempty"`
	StockRestored bool            `json:"stockRestored,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`
	Timeline      []TimelineEntry `json:"timeline"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// HasParty reports whether accountID is the buyer or a seller on the order.
func (o *Order) HasParty(accountID string) bool {
	return o.BuyerID == accountID || o.IsSeller(accountID)
}

// IsSeller reports whether accountID sells any line on the order.
func (o *Order) IsSeller(accountID string) bool {
	if accountID == "" {
		return false
	}
	if o.SellerID == accountID {
		return true
	}
	for _, it := range o.Items {
		if it.SellerID == accountID {
			return true
		}
	}
	return false
}

// Advance moves o to the target status if the table allows it and appends
// the timeline entry. On error o is left untouched.
func Advance(o *Order, to Status, actor identity.Caller, note string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: cannot transition order from %s to %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	o.Timeline = append(o.Timeline, TimelineEntry{
		Status:    to,
		At:        now,
		Note:      note,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
	})
	return nil
}

// Mirror brings the order in line with its escrow's new status. It is a
// no-op when the escrow status has no order mapping or the order is
// already there.
func Mirror(ctx context.Context, st Store, orderID string, es escrow.Status, actor identity.Caller, note string, now time.Time) (*Order, error) {
	o, err := st.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	target, ok := FromEscrow(es)
	if !ok || o.Status == target {
		return o, nil
	}
	if err := Advance(o, target, actor, note, now); err != nil {
		return nil, err
	}
	if err := st.Put(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Filter selects orders in List.
type Filter struct {
	BuyerID  string
	SellerID string
	Status   Status
}

// Matches reports whether o satisfies f.
func (f Filter) Matches(o *Order) bool {
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && !o.IsSeller(f.SellerID) {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// Store persists orders inside a unit of work.
type Store interface {
	Create(ctx context.Context, o *Order) error
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Order, error)
	Put(ctx context.Context, o *Order) error
	// List returns matching orders newest first.
	List(ctx context.Context, f Filter) ([]*Order, error)
}
