package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/safetrade/internal/money"
)

// Book applies balance mutations through a Store. It holds no state of its
// own beyond the clock, so one Book serves every unit of work.
type Book struct {
	now func() time.Time
}

// NewBook creates a Book using the wall clock.
func NewBook() *Book {
	return &Book{now: time.Now}
}

// WithClock sets a custom time source (for deterministic testing).
func (b *Book) WithClock(now func() time.Time) *Book {
	b.now = now
	return b
}

// Hold debits amount from the account's available funds and records an
// escrow_hold entry. A repeat call with the same correlation id returns the
// original entry.
func (b *Book) Hold(ctx context.Context, st Store, accountID, amount string, ref Ref) (_ *Entry, err error) {
	defer track(string(KindEscrowHold))(&err)

	amt, err := positive(amount)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	id := EntryID(KindEscrowHold, ref.CorrelationID, accountID)
	if prior, err := existing(ctx, st, id); prior != nil || err != nil {
		return prior, err
	}

	bal, err := st.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	f, err := figures(accountID, bal.Available, bal.TotalSpent)
	if err != nil {
		return nil, err
	}
	avail, spent := f[0], f[1]
	if avail.Cmp(amt) < 0 {
		return nil, fmt.Errorf("%w: account %s has %s available, needs %s",
			ErrInsufficientFunds, accountID, money.Format(avail), money.Format(amt))
	}

	now := b.now()
	bal.Available = money.Format(money.Sub(avail, amt))
	bal.TotalSpent = money.Format(money.Add(spent, amt))
	bal.UpdatedAt = now
	if err := st.PutBalance(ctx, bal); err != nil {
		return nil, err
	}

	e := b.entry(id, accountID, new(big.Int).Neg(amt), KindEscrowHold, ref, now)
	if err := st.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Credit adds amount to the account's available funds. Deposits also bump
// totalDeposited. Idempotent by correlation id.
func (b *Book) Credit(ctx context.Context, st Store, accountID, amount string, kind Kind, ref Ref) (_ *Entry, err error) {
	defer track(string(kind))(&err)

	amt, err := positive(amount)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	switch kind {
	case KindDeposit, KindEscrowRelease, KindRefund:
	default:
		return nil, fmt.Errorf("ledger: %s is not a credit kind", kind)
	}

	id := EntryID(kind, ref.CorrelationID, accountID)
	if prior, err := existing(ctx, st, id); prior != nil || err != nil {
		return prior, err
	}

	bal, err := st.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	f, err := figures(accountID, bal.Available, bal.TotalDeposited)
	if err != nil {
		return nil, err
	}
	now := b.now()
	bal.Available = money.Format(money.Add(f[0], amt))
	if kind == KindDeposit {
		bal.TotalDeposited = money.Format(money.Add(f[1], amt))
	}
	bal.UpdatedAt = now
	if err := st.PutBalance(ctx, bal); err != nil {
		return nil, err
	}

	e := b.entry(id, accountID, amt, kind, ref, now)
	if err := st.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Transfer moves amount between two accounts, writing a transfer_out entry
// for the source and a transfer_in entry for the destination. Either both
// sides are staged or neither is.
func (b *Book) Transfer(ctx context.Context, st Store, fromID, toID, amount string, ref Ref) (_, _ *Entry, err error) {
	defer track("transfer")(&err)

	amt, err := positive(amount)
	if err != nil {
		return nil, nil, err
	}
	if fromID == "" || toID == "" {
		return nil, nil, ErrMissingAccount
	}
	if fromID == toID {
		return nil, nil, ErrSelfTransfer
	}

	outID := EntryID(KindTransferOut, ref.CorrelationID, fromID)
	inID := EntryID(KindTransferIn, ref.CorrelationID, toID)
	if prior, err := existing(ctx, st, outID); err != nil {
		return nil, nil, err
	} else if prior != nil {
		in, err := st.GetEntry(ctx, inID)
		if err != nil {
			return nil, nil, err
		}
		return prior, in, nil
	}

	from, err := st.GetBalance(ctx, fromID)
	if err != nil {
		return nil, nil, err
	}
	to, err := st.GetBalance(ctx, toID)
	if err != nil {
		return nil, nil, err
	}

	f, err := figures(fromID, from.Available, from.TotalSpent)
	if err != nil {
		return nil, nil, err
	}
	toAvail, err := figures(toID, to.Available)
	if err != nil {
		return nil, nil, err
	}
	avail, spent := f[0], f[1]
	if avail.Cmp(amt) < 0 {
		return nil, nil, fmt.Errorf("%w: account %s has %s available, needs %s",
			ErrInsufficientFunds, fromID, money.Format(avail), money.Format(amt))
	}

	now := b.now()
	from.Available = money.Format(money.Sub(avail, amt))
	from.TotalSpent = money.Format(money.Add(spent, amt))
	from.UpdatedAt = now

	to.Available = money.Format(money.Add(toAvail[0], amt))
	to.UpdatedAt = now

	if err := st.PutBalance(ctx, from); err != nil {
		return nil, nil, err
	}
	if err := st.PutBalance(ctx, to); err != nil {
		return nil, nil, err
	}

	out := b.entry(outID, fromID, new(big.Int).Neg(amt), KindTransferOut, ref, now)
	out.Counterparty = toID
	in := b.entry(inID, toID, amt, KindTransferIn, ref, now)
	in.Counterparty = fromID
	if err := st.AppendEntry(ctx, out); err != nil {
		return nil, nil, err
	}
	if err := st.AppendEntry(ctx, in); err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// figures parses stored balance amounts. A value that does not parse is
// corruption and fails the write instead of being read as zero.
func figures(accountID string, values ...string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := money.Parse(v)
		if !ok {
			return nil, fmt.Errorf("account %s carries malformed balance %q", accountID, v)
		}
		out[i] = n
	}
	return out, nil
}

func (b *Book) entry(id, accountID string, amount *big.Int, kind Kind, ref Ref, now time.Time) *Entry {
	return &Entry{
		ID:            id,
		AccountID:     accountID,
		Amount:        money.Format(amount),
		Kind:          kind,
		CorrelationID: ref.CorrelationID,
		OrderID:       ref.OrderID,
		EscrowID:      ref.EscrowID,
		Description:   ref.Description,
		Status:        StatusCompleted,
		CreatedAt:     now,
	}
}

// existing returns the entry with id if it was already written.
func existing(ctx context.Context, st Store, id string) (*Entry, error) {
	e, err := st.GetEntry(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func positive(amount string) (*big.Int, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return amt, nil
}
