// Package ledger tracks account balances and the append-only entry log.
//
// Every balance mutation writes exactly one entry per affected account in
// the same unit of work as the balance change. Entry ids are derived from
// the operation kind, its correlation id and the account, so re-running an
// operation finds its earlier entry instead of moving funds twice.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/faults"
)

var (
	ErrInsufficientFunds = faults.ErrInsufficientFunds
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive with at most 2 decimal places", faults.ErrInvalidInput)
	ErrSelfTransfer      = fmt.Errorf("%w: cannot transfer to the same account", faults.ErrInvalidInput)
	ErrMissingAccount    = fmt.Errorf("%w: account id is required", faults.ErrInvalidInput)
	ErrEntryNotFound     = fmt.Errorf("ledger entry %w", faults.ErrNotFound)
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindEscrowHold    Kind = "escrow_hold"
	KindEscrowRelease Kind = "escrow_release"
	KindRefund        Kind = "refund"
	KindTransferIn    Kind = "transfer_in"
	KindTransferOut   Kind = "transfer_out"
)

// StatusCompleted is the only entry status: entries are written after the
// balance mutation they describe.
const StatusCompleted = "completed"

// Entry is an immutable record of one balance-affecting event.
type Entry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	Amount        string    `json:"amount"` // signed, negative = debit
	Kind          Kind      `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	OrderID       string    `json:"orderId,omitempty"`
	EscrowID      string    `json:"escrowId,omitempty"`
	Counterparty  string    `json:"counterparty,omitempty"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Balance is an account's spendable funds and lifetime counters.
type Balance struct {
	AccountID      string    `json:"accountId"`
	Available      string    `json:"available"`
	TotalDeposited string    `json:"totalDeposited"`
	TotalSpent     string    `json:"totalSpent"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// EmptyBalance is the balance of an account that has never been touched.
func EmptyBalance(accountID string) *Balance {
	return &Balance{
		AccountID:      accountID,
		Available:      "0.00",
		TotalDeposited: "0.00",
		TotalSpent:     "0.00",
	}
}

// Ref correlates a mutation with the operation that caused it.
type Ref struct {
	CorrelationID string
	OrderID       string
	EscrowID      string
	Description   string
}

// Store is the persistence port used inside a unit of work. Implementations
// must stage writes so they commit atomically with the rest of the unit.
type Store interface {
	// GetBalance returns the balance, or EmptyBalance when none exists.
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	PutBalance(ctx context.Context, b *Balance) error
	// GetEntry returns ErrEntryNotFound when absent.
	GetEntry(ctx context.Context, id string) (*Entry, error)
	// AppendEntry writes a new entry. Writing an id that already exists
	// fails the unit of work with a conflict.
	AppendEntry(ctx context.Context, e *Entry) error
	// ListEntries returns an account's entries newest first.
	ListEntries(ctx context.Context, accountID string) ([]*Entry, error)
	ListBalances(ctx context.Context) ([]*Balance, error)
	// ListEntriesByKind returns all entries of one kind across accounts.
	ListEntriesByKind(ctx context.Context, kind Kind) ([]*Entry, error)
}

// EntryID is the deterministic id of the entry written for account by the
// operation of the given kind and correlation id.
func EntryID(kind Kind, correlationID, accountID string) string {
	return string(kind) + ":" + correlationID + ":" + accountID
}
