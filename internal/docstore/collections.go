package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/safetrade/internal/catalog"
	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/orders"
)

// Collection names. They double as the collection column in Postgres.
const (
	collBalances = "balances"
	collEntries  = "ledger_entries"
	collEscrows  = "escrows"
	collOrders   = "orders"
	collProducts = "products"
	collDisputes = "disputes"
)

func getDoc[T any](ctx context.Context, t txn, coll, id string, notFound error) (*T, error) {
	body, err := t.get(ctx, coll, id)
	if errors.Is(err, errAbsent) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return v, nil
}

func putDoc(ctx context.Context, t txn, coll, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	return t.put(ctx, coll, id, body)
}

func insertDoc(ctx context.Context, t txn, coll, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	return t.insert(ctx, coll, id, body)
}

func scanDocs[T any](ctx context.Context, t txn, coll string, m *match, keep func(*T) bool) ([]*T, error) {
	docs, err := t.scan(ctx, coll, m)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		v := new(T)
		if err := json.Unmarshal(d.body, v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", coll, d.id, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// newestFirst orders by creation time descending, breaking ties by id.
func newestFirst[T any](items []*T, key func(*T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

// matchOn returns a scan hint for a non-empty field value.
func matchOn(field, value string) *match {
	if value == "" {
		return nil
	}
	return &match{field: field, value: value}
}

// ledgerDocs adapts ledger.Store.
type ledgerDocs struct{ t txn }

func (s ledgerDocs) GetBalance(ctx context.Context, accountID string) (*ledger.Balance, error) {
	b, err := getDoc[ledger.Balance](ctx, s.t, collBalances, accountID, errAbsent)
	if errors.Is(err, errAbsent) {
		return ledger.EmptyBalance(accountID), nil
	}
	return b, err
}

func (s ledgerDocs) PutBalance(ctx context.Context, b *ledger.Balance) error {
	return putDoc(ctx, s.t, collBalances, b.AccountID, b)
}

func (s ledgerDocs) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	return getDoc[ledger.Entry](ctx, s.t, collEntries, id, ledger.ErrEntryNotFound)
}

func (s ledgerDocs) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	return insertDoc(ctx, s.t, collEntries, e.ID, e)
}

func (s ledgerDocs) ListEntries(ctx context.Context, accountID string) ([]*ledger.Entry, error) {
	out, err := scanDocs(ctx, s.t, collEntries, matchOn("accountId", accountID), func(e *ledger.Entry) bool {
		return e.AccountID == accountID
	})
	if err != nil {
		return nil, err
	}
	newestFirst(out, entryKey)
	return out, nil
}

func (s ledgerDocs) ListBalances(ctx context.Context) ([]*ledger.Balance, error) {
	return scanDocs[ledger.Balance](ctx, s.t, collBalances, nil, nil)
}

func (s ledgerDocs) ListEntriesByKind(ctx context.Context, kind ledger.Kind) ([]*ledger.Entry, error) {
	out, err := scanDocs(ctx, s.t, collEntries, matchOn("kind", string(kind)), func(e *ledger.Entry) bool {
		return e.Kind == kind
	})
	if err != nil {
		return nil, err
	}
	newestFirst(out, entryKey)
	return out, nil
}

func entryKey(e *ledger.Entry) (time.Time, string) { return e.CreatedAt, e.ID }

// escrowDocs adapts escrow.Store.
type escrowDocs struct{ t txn }

func (s escrowDocs) Create(ctx context.Context, e *escrow.Escrow) error {
	return insertDoc(ctx, s.t, collEscrows, e.ID, e)
}

func (s escrowDocs) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	return getDoc[escrow.Escrow](ctx, s.t, collEscrows, id, escrow.ErrNotFound)
}

func (s escrowDocs) Put(ctx context.Context, e *escrow.Escrow) error {
	return putDoc(ctx, s.t, collEscrows, e.ID, e)
}

func (s escrowDocs) List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error) {
	out, err := scanDocs(ctx, s.t, collEscrows, matchOn("status", string(f.Status)), f.Matches)
	if err != nil {
		return nil, err
	}
	newestFirst(out, func(e *escrow.Escrow) (time.Time, string) { return e.CreatedAt, e.ID })
	return out, nil
}

// orderDocs adapts orders.Store.
type orderDocs struct{ t txn }

func (s orderDocs) Create(ctx context.Context, o *orders.Order) error {
	return insertDoc(ctx, s.t, collOrders, o.ID, o)
}

func (s orderDocs) Get(ctx context.Context, id string) (*orders.Order, error) {
	return getDoc[orders.Order](ctx, s.t, collOrders, id, orders.ErrNotFound)
}

func (s orderDocs) Put(ctx context.Context, o *orders.Order) error {
	return putDoc(ctx, s.t, collOrders, o.ID, o)
}

func (s orderDocs) List(ctx context.Context, f orders.Filter) ([]*orders.Order, error) {
	m := matchOn("buyerId", f.BuyerID)
	if m == nil {
		m = matchOn("status", string(f.Status))
	}
	out, err := scanDocs(ctx, s.t, collOrders, m, f.Matches)
	if err != nil {
		return nil, err
	}
	newestFirst(out, func(o *orders.Order) (time.Time, string) { return o.CreatedAt, o.ID })
	return out, nil
}

// productDocs adapts catalog.Store.
type productDocs struct{ t txn }

func (s productDocs) Get(ctx context.Context, id string) (*catalog.Product, error) {
	return getDoc[catalog.Product](ctx, s.t, collProducts, id, catalog.ErrNotFound)
}

func (s productDocs) Put(ctx context.Context, p *catalog.Product) error {
	return putDoc(ctx, s.t, collProducts, p.ID, p)
}

// disputeDocs adapts disputes.Store.
type disputeDocs struct{ t txn }

func (s disputeDocs) Create(ctx context.Context, d *disputes.Dispute) error {
	return insertDoc(ctx, s.t, collDisputes, d.ID, d)
}

func (s disputeDocs) Get(ctx context.Context, id string) (*disputes.Dispute, error) {
	return getDoc[disputes.Dispute](ctx, s.t, collDisputes, id, disputes.ErrNotFound)
}

func (s disputeDocs) Put(ctx context.Context, d *disputes.Dispute) error {
	return putDoc(ctx, s.t, collDisputes, d.ID, d)
}

func (s disputeDocs) List(ctx context.Context, f disputes.Filter) ([]*disputes.Dispute, error) {
	out, err := scanDocs(ctx, s.t, collDisputes, matchOn("orderId", f.OrderID), f.Matches)
	if err != nil {
		return nil, err
	}
	newestFirst(out, func(d *disputes.Dispute) (time.Time, string) { return d.CreatedAt, d.ID })
	return out, nil
}
