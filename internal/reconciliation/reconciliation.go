// Package reconciliation checks conservation of funds across the ledger
// and open escrows.
//
// Funds enter only by deposit and leave user balances only as retained
// platform fees, so at any committed state
//
//	Σ available + Σ held in funded escrows = Σ deposits − Σ fees retained
//
// and every account's entries sum to its available balance.
package reconciliation

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/money"
)

// AccountMismatch is an account whose entries do not sum to its balance.
type AccountMismatch struct {
	AccountID string `json:"accountId"`
	Available string `json:"available"`
	EntrySum  string `json:"entrySum"`
}

// Report is the outcome of one check.
type Report struct {
	CheckedAt        time.Time         `json:"checkedAt"`
	Balanced         bool              `json:"balanced"`
	Available        string            `json:"available"`
	Held             string            `json:"held"`
	Deposits         string            `json:"deposits"`
	FeesRetained     string            `json:"feesRetained"`
	Diff             string            `json:"diff"`
	Accounts         int               `json:"accounts"`
	OpenEscrows      int               `json:"openEscrows"`
	Mismatches       []AccountMismatch `json:"mismatches,omitempty"`
	NegativeAccounts []string          `json:"negativeAccounts,omitempty"`
}

// Service runs conservation checks against the document store.
type Service struct {
	uow    docstore.UnitOfWork
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(uow docstore.UnitOfWork, logger *slog.Logger) *Service {
	return &Service{uow: uow, logger: logger, now: time.Now}
}

// Check reads a consistent snapshot and compares both sides of the
// conservation equation. A mismatch is reported, not returned as an error.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	start := time.Now()

	var (
		balances []*ledger.Balance
		deposits []*ledger.Entry
		escrows  []*escrow.Escrow
		entrySum = map[string]*big.Int{}
	)
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		if balances, err = tx.Ledger().ListBalances(ctx); err != nil {
			return err
		}
		if deposits, err = tx.Ledger().ListEntriesByKind(ctx, ledger.KindDeposit); err != nil {
			return err
		}
		if escrows, err = tx.Escrows().List(ctx, escrow.Filter{}); err != nil {
			return err
		}
		for _, b := range balances {
			entries, err := tx.Ledger().ListEntries(ctx, b.AccountID)
			if err != nil {
				return err
			}
			sum := money.Zero()
			for _, e := range entries {
				if v, ok := money.ParseSigned(e.Amount); ok {
					sum.Add(sum, v)
				}
			}
			entrySum[b.AccountID] = sum
		}
		return nil
	})
	if err != nil {
		checksTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	r := &Report{CheckedAt: s.now(), Accounts: len(balances)}

	available := money.Zero()
	for _, b := range balances {
		v, _ := money.ParseSigned(b.Available)
		available.Add(available, v)
		if v.Sign() < 0 {
			r.NegativeAccounts = append(r.NegativeAccounts, b.AccountID)
		}
		if sum := entrySum[b.AccountID]; sum.Cmp(v) != 0 {
			r.Mismatches = append(r.Mismatches, AccountMismatch{
				AccountID: b.AccountID,
				Available: money.Format(v),
				EntrySum:  money.Format(sum),
			})
		}
	}

	in := money.Zero()
	for _, e := range deposits {
		v, _ := money.Parse(e.Amount)
		in.Add(in, v)
	}

	held, fees := money.Zero(), money.Zero()
	for _, es := range escrows {
		if es.Status.IsFunded() {
			v, _ := money.Parse(es.Amount)
			held.Add(held, v)
			r.OpenEscrows++
		}
		if f, ok := money.Parse(es.FeeRetained); ok {
			fees.Add(fees, f)
		}
	}

	diff := money.Sub(money.Add(available, held), money.Sub(in, fees))
	r.Available = money.Format(available)
	r.Held = money.Format(held)
	r.Deposits = money.Format(in)
	r.FeesRetained = money.Format(fees)
	r.Diff = money.Format(diff)
	r.Balanced = diff.Sign() == 0 && len(r.Mismatches) == 0 && len(r.NegativeAccounts) == 0
	sort.Strings(r.NegativeAccounts)

	observe(r, diff, time.Since(start))

	if !r.Balanced {
		s.logger.Error("funds not conserved",
			"diff", r.Diff,
			"available", r.Available,
			"held", r.Held,
			"deposits", r.Deposits,
			"fees_retained", r.FeesRetained,
			"mismatched_accounts", len(r.Mismatches),
			"negative_accounts", len(r.NegativeAccounts),
		)
	}
	return r, nil
}

// Run is Check for callers that authorize by role.
func (s *Service) Run(ctx context.Context, caller identity.Caller) (*Report, error) {
	if !caller.IsPrivileged() {
		return nil, identity.Deny("admin role required")
	}
	return s.Check(ctx)
}
