// Package notify delivers lifecycle events to parties after the unit of
// work that produced them has committed.
//
// Delivery is best effort. Notify never blocks the caller: events are
// queued on a bounded buffer and dropped (and counted) when it is full.
package notify

import (
	"context"
	"time"

	"github.com/mbd888/safetrade/internal/idgen"
)

// Type names an event.
type Type string

const (
	EscrowCreated       Type = "escrow_created"
	EscrowStatusUpdated Type = "escrow_status_updated"
	OrderStatusUpdated  Type = "order_status_updated"
	FundsReleased       Type = "funds_released"
	RefundProcessed     Type = "refund_processed"
	DeliveryConfirmed   Type = "delivery_confirmed"
	DisputeOpened       Type = "dispute_opened"
	DisputeResolved     Type = "dispute_resolved"
	WalletDeposit       Type = "wallet_deposit"
)

// Event is one notification. Recipients are the account ids that should
// hear about it.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Recipients []string       `json:"recipients"`
	OrderID    string         `json:"orderId,omitempty"`
	EscrowID   string         `json:"escrowId,omitempty"`
	DisputeID  string         `json:"disputeId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New builds an event with a fresh id and the current time.
func New(t Type, recipients ...string) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       t,
		Recipients: recipients,
		Timestamp:  time.Now().UTC(),
	}
}

// Key is the partition key used by ordered sinks: events about the same
// escrow or order stay in sequence.
func (e Event) Key() string {
	switch {
	case e.EscrowID != "":
		return e.EscrowID
	case e.OrderID != "":
		return e.OrderID
	case e.DisputeID != "":
		return e.DisputeID
	case len(e.Recipients) > 0:
		return e.Recipients[0]
	}
	return e.ID
}

// Notifier accepts events for delivery.
type Notifier interface {
	Notify(ev Event)
}

// Sink delivers one event somewhere.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}
