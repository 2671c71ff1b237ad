// Package catalog exposes the product fields checkout depends on: price,
// seller, availability and stock. Catalog management lives elsewhere.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/safetrade/internal/faults"
)

var (
	ErrNotFound    = fmt.Errorf("product %w", faults.ErrNotFound)
	ErrOutOfStock  = fmt.Errorf("%w: insufficient stock", faults.ErrInvalidInput)
	ErrInactive    = fmt.Errorf("%w: product is not available", faults.ErrInvalidInput)
	ErrBadQuantity = fmt.Errorf("%w: quantity must be positive", faults.ErrInvalidInput)
)

// Product is the catalog record for one listing.
type Product struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"sellerId"`
	Name      string    `json:"name"`
	Price     string    `json:"price"`
	Stock     int       `json:"stock"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists products inside a unit of work.
type Store interface {
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Product, error)
	Put(ctx context.Context, p *Product) error
}

// DecrementStock reserves qty units of a product. It fails without
// writing when the product is inactive or short.
func DecrementStock(ctx context.Context, st Store, productID string, qty int, now time.Time) (*Product, error) {
	if qty <= 0 {
		return nil, ErrBadQuantity
	}
	p, err := st.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, productID)
	}
	if p.Stock < qty {
		return nil, fmt.Errorf("%w: %s has %d, requested %d", ErrOutOfStock, productID, p.Stock, qty)
	}
	p.Stock -= qty
	p.UpdatedAt = now
	if err := st.Put(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RestoreStock returns qty units to a product. A product that has since
// been deleted is skipped.
func RestoreStock(ctx context.Context, st Store, productID string, qty int, now time.Time) error {
	if qty <= 0 {
		return nil
	}
	p, err := st.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return nil
		}
		return err
	}
	p.Stock += qty
	p.UpdatedAt = now
	return st.Put(ctx, p)
}
