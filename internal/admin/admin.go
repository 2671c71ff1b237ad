// Package admin provides admin-only endpoints for inspecting and unsticking
// escrows.
package admin

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/safetrade/internal/autorelease"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
)

// Sweeper runs auto-release sweeps on demand.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) autorelease.SweepReport
	LastReport() *autorelease.SweepReport
}

// StuckEscrow is a funded escrow that has not moved for a while.
type StuckEscrow struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"orderId"`
	BuyerID   string        `json:"buyerId"`
	SellerID  string        `json:"sellerId"`
	Amount    string        `json:"amount"`
	Status    escrow.Status `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Idle      string        `json:"idle"`
}

// Inspector reads escrow state for operators.
type Inspector struct {
	uow docstore.UnitOfWork
	now func() time.Time
}

// NewInspector creates an inspector over uow.
func NewInspector(uow docstore.UnitOfWork) *Inspector {
	return &Inspector{uow: uow, now: time.Now}
}

// WithClock replaces the wall clock. Used by tests.
func (i *Inspector) WithClock(now func() time.Time) *Inspector {
	i.now = now
	return i
}

// ListStuck returns funded escrows whose last update is older than idle,
// oldest first, capped at limit.
func (i *Inspector) ListStuck(ctx context.Context, idle time.Duration, limit int) ([]StuckEscrow, error) {
	now := i.now()
	cutoff := now.Add(-idle)

	var out []StuckEscrow
	err := i.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		list, err := tx.Escrows().List(ctx, escrow.Filter{})
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range list {
			if !e.Status.IsFunded() || !e.UpdatedAt.Before(cutoff) {
				continue
			}
			out = append(out, StuckEscrow{
				ID:        e.ID,
				OrderID:   e.OrderID,
				BuyerID:   e.BuyerID,
				SellerID:  e.SellerID,
				Amount:    e.Amount,
				Status:    e.Status,
				UpdatedAt: e.UpdatedAt,
				Idle:      now.Sub(e.UpdatedAt).Truncate(time.Second).String(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
