// Package disputes holds the dispute record and its status rules.
package disputes

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/identity"
)

var (
	ErrNotFound          = fmt.Errorf("dispute %w", faults.ErrNotFound)
	ErrInvalidTransition = faults.ErrInvalidTransition
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:        {StatusUnderReview, StatusResolved, StatusClosed},
	StatusUnderReview: {StatusResolved, StatusClosed},
	StatusResolved:    {StatusClosed},
	StatusClosed:      nil,
}

// CanTransition reports whether the dispute table allows from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsActive reports whether the dispute still awaits a decision.
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Priority orders the admin review queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Action is the fund outcome chosen when resolving.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionNone    Action = "none"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRelease, ActionRefund, ActionNone:
		return true
	}
	return false
}

// TimelineEntry records one dispute status change.
type TimelineEntry struct {
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
	Note      string    `json:"note,omitempty"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
}

// Dispute is a buyer or seller complaint against an order.
type Dispute struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	EscrowID     string          `json:"escrowId,omitempty"`
	ReporterID   string          `json:"reporterId"`
	ReporterRole string          `json:"reporterRole"`
	Reason       string          `json:"reason"`
	Description  string          `json:"description,omitempty"`
	Status       Status          `json:"status"`
	Priority     Priority        `json:"priority"`
	Resolution   string          `json:"resolution,omitempty"`
	Action       Action          `json:"action,omitempty"`
	Timeline     []TimelineEntry `json:"timeline"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// Advance moves d to the target status and appends the timeline entry.
func Advance(d *Dispute, to Status, actor identity.Caller, note string, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: cannot transition dispute from %s to %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = now
	if to == StatusResolved {
		t := now
		d.ResolvedAt = &t
	}
	d.Timeline = append(d.Timeline, TimelineEntry{
		Status:    to,
		At:        now,
		Note:      note,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
	})
	return nil
}

// Filter selects disputes in List.
type Filter struct {
	OrderID    string
	ReporterID string
	Status     Status
}

// Matches reports whether d satisfies f.
func (f Filter) Matches(d *Dispute) bool {
	if f.OrderID != "" && d.OrderID != f.OrderID {
		return false
	}
	if f.ReporterID != "" && d.ReporterID != f.ReporterID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// Store persists disputes inside a unit of work.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Dispute, error)
	Put(ctx context.Context, d *Dispute) error
	// List returns matching disputes newest first.
	List(ctx context.Context, f Filter) ([]*Dispute, error)
}
