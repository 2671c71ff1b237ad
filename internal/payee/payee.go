// Package payee decides which account is paid when an escrow is released.
//
// Seller ids are copied onto escrows and orders at checkout, and older
// records sometimes carry a placeholder instead. Resolve walks the sources
// in a fixed order and returns the first real account id.
package payee

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/orders"
)

var ErrUnresolvedSeller = fmt.Errorf("%w: no valid payee on escrow, order or product", faults.ErrUnresolvedSeller)

// placeholders are values that mean "no seller recorded".
var placeholders = map[string]bool{
	"":          true,
	"admin":     true,
	"undefined": true,
	"null":      true,
}

// ProductLookup returns the seller recorded on a product.
type ProductLookup interface {
	SellerOf(ctx context.Context, productID string) (string, error)
}

// LookupFunc adapts a function to ProductLookup.
type LookupFunc func(ctx context.Context, productID string) (string, error)

// SellerOf implements ProductLookup.
func (f LookupFunc) SellerOf(ctx context.Context, productID string) (string, error) {
	return f(ctx, productID)
}

// IsPlaceholder reports whether id denotes the platform or nothing.
func IsPlaceholder(id string) bool {
	return placeholders[id]
}

// Resolve returns the payee with precedence escrow.sellerId, then
// order.sellerId, then the first line item's sellerId, then that item's
// product seller. order may be nil. A product that no longer exists counts
// as absent; other lookup errors are returned.
func Resolve(ctx context.Context, e *escrow.Escrow, o *orders.Order, lookup ProductLookup) (string, error) {
	if e != nil && !IsPlaceholder(e.SellerID) {
		return e.SellerID, nil
	}
	if o == nil {
		return "", ErrUnresolvedSeller
	}
	if !IsPlaceholder(o.SellerID) {
		return o.SellerID, nil
	}
	if len(o.Items) == 0 {
		return "", ErrUnresolvedSeller
	}
	first := o.Items[0]
	if !IsPlaceholder(first.SellerID) {
		return first.SellerID, nil
	}
	if lookup == nil || first.ProductID == "" {
		return "", ErrUnresolvedSeller
	}

	seller, err := lookup.SellerOf(ctx, first.ProductID)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return "", ErrUnresolvedSeller
		}
		return "", fmt.Errorf("look up seller of product %s: %w", first.ProductID, err)
	}
	if IsPlaceholder(seller) {
		return "", ErrUnresolvedSeller
	}
	return seller, nil
}
