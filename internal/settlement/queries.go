package settlement

import (
	"context"
	"time"

	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/money"
	"github.com/mbd888/safetrade/internal/pagination"
)

// Stats summarises every escrow on the platform.
type Stats struct {
	Total           int                   `json:"total"`
	ByStatus        map[escrow.Status]int `json:"byStatus"`
	TotalHeld       string                `json:"totalHeld"`
	TotalReleased   string                `json:"totalReleased"`
	TotalRefunded   string                `json:"totalRefunded"`
	PlatformRevenue string                `json:"platformRevenue"`
	AutoReleased    int                   `json:"autoReleased"`
}

// GetEscrow returns an escrow visible to the caller: its buyer, its
// seller, or an admin.
func (e *Engine) GetEscrow(ctx context.Context, caller identity.Caller, escrowID string) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := e.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		es, err := tx.Escrows().Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if !caller.IsPrivileged() && !caller.Is(es.BuyerID) && !caller.Is(es.SellerID) {
			return escrow.ErrNotFound
		}
		out = es
		return nil
	})
	return out, err
}

// ListEscrows pages through escrows. Non-admin callers only see escrows
// they are party to.
func (e *Engine) ListEscrows(ctx context.Context, caller identity.Caller, f escrow.Filter, cursor string, limit int) (pagination.Page[*escrow.Escrow], error) {
	if !caller.IsPrivileged() {
		f.BuyerID, f.SellerID = "", ""
		f.Party = caller.ID
	}
	var items []*escrow.Escrow
	err := e.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		items, err = tx.Escrows().List(ctx, f)
		return err
	})
	if err != nil {
		return pagination.Page[*escrow.Escrow]{}, err
	}
	return pagination.Paginate(items, cursor, limit, escrowKey)
}

// Stats aggregates escrow counts and amounts. Admin only.
func (e *Engine) Stats(ctx context.Context, caller identity.Caller) (*Stats, error) {
	if !caller.IsAdmin() {
		return nil, identity.Deny("escrow stats require admin")
	}
	var all []*escrow.Escrow
	if err := e.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		all, err = tx.Escrows().List(ctx, escrow.Filter{})
		return err
	}); err != nil {
		return nil, err
	}

	st := &Stats{ByStatus: make(map[escrow.Status]int, len(escrow.AllStatuses))}
	held, released, refunded, revenue := money.Zero(), money.Zero(), money.Zero(), money.Zero()
	for _, es := range all {
		st.Total++
		st.ByStatus[es.Status]++
		if es.AutoReleased {
			st.AutoReleased++
		}
		if es.Status.IsFunded() {
			held = addParsed(held, es.Amount)
		}
		released = addParsed(released, es.ReleasedAmount)
		refunded = addParsed(refunded, es.RefundedAmount)
		revenue = addParsed(revenue, es.FeeRetained)
	}
	st.TotalHeld = money.Format(held)
	st.TotalReleased = money.Format(released)
	st.TotalRefunded = money.Format(refunded)
	st.PlatformRevenue = money.Format(revenue)
	return st, nil
}

func escrowKey(es *escrow.Escrow) (time.Time, string) { return es.CreatedAt, es.ID }
