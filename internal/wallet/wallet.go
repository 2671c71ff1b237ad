// Package wallet exposes account balances on the internal ledger: deposits,
// peer transfers and entry history.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/idgen"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/pagination"
	"github.com/mbd888/safetrade/internal/traces"
)

// DepositRequest credits an account. IdempotencyKey makes retries of the
// same deposit return the original entry.
type DepositRequest struct {
	AccountID      string `json:"accountId"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
	Description    string `json:"description"`
}

// TransferRequest moves funds from the caller to another account.
type TransferRequest struct {
	To             string `json:"to"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
	Description    string `json:"description"`
}

// Receipt reports the entries an operation wrote and the resulting balance.
type Receipt struct {
	Entry    *ledger.Entry   `json:"entry"`
	Credit   *ledger.Entry   `json:"credit,omitempty"`
	Balance  *ledger.Balance `json:"balance"`
	Replayed bool            `json:"replayed"`
}

// Service is the wallet API over the ledger.
type Service struct {
	uow      docstore.UnitOfWork
	book     *ledger.Book
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewService creates a wallet service.
func NewService(uow docstore.UnitOfWork, book *ledger.Book, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{uow: uow, book: book, notifier: notifier, logger: logger}
}

// Deposit credits the account. Admins may deposit to any account; other
// callers only to their own.
func (s *Service) Deposit(ctx context.Context, caller identity.Caller, req DepositRequest) (_ *Receipt, retErr error) {
	if req.AccountID == "" {
		req.AccountID = caller.ID
	}
	ctx, span := traces.StartSpan(ctx, "wallet.Deposit", traces.AccountID(req.AccountID), traces.Amount(req.Amount))
	defer func() { traces.End(span, retErr) }()

	if !caller.IsAdmin() && !caller.Is(req.AccountID) {
		return nil, identity.Deny("cannot deposit to another account")
	}
	corr := correlation(req.AccountID, req.IdempotencyKey)
	desc := req.Description
	if desc == "" {
		desc = "wallet deposit"
	}

	out := &Receipt{}
	err := s.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		if out.Replayed, err = exists(ctx, tx.Ledger(), ledger.EntryID(ledger.KindDeposit, corr, req.AccountID)); err != nil {
			return err
		}
		if out.Entry, err = s.book.Credit(ctx, tx.Ledger(), req.AccountID, req.Amount, ledger.KindDeposit, ledger.Ref{
			CorrelationID: corr,
			Description:   desc,
		}); err != nil {
			return err
		}
		out.Balance, err = tx.Ledger().GetBalance(ctx, req.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !out.Replayed {
		ev := notify.New(notify.WalletDeposit, req.AccountID)
		ev.Data = map[string]any{"amount": out.Entry.Amount, "available": out.Balance.Available}
		s.notifier.Notify(ev)
		s.log(ctx).Info("wallet deposit", "account_id", req.AccountID, "amount", out.Entry.Amount)
	}
	return out, nil
}

// Transfer moves funds from the caller's account to req.To.
func (s *Service) Transfer(ctx context.Context, caller identity.Caller, req TransferRequest) (_ *Receipt, retErr error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Transfer", traces.AccountID(caller.ID), traces.Amount(req.Amount))
	defer func() { traces.End(span, retErr) }()

	if caller.ID == "" || caller.IsSystem() {
		return nil, identity.Deny("transfers are made by an account")
	}
	corr := correlation(caller.ID, req.IdempotencyKey)

	out := &Receipt{}
	err := s.uow.Run(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		if out.Replayed, err = exists(ctx, tx.Ledger(), ledger.EntryID(ledger.KindTransferOut, corr, caller.ID)); err != nil {
			return err
		}
		if out.Entry, out.Credit, err = s.book.Transfer(ctx, tx.Ledger(), caller.ID, req.To, req.Amount, ledger.Ref{
			CorrelationID: corr,
			Description:   req.Description,
		}); err != nil {
			return err
		}
		out.Balance, err = tx.Ledger().GetBalance(ctx, caller.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.log(ctx).Info("wallet transfer", "from", caller.ID, "to", req.To, "amount", out.Credit.Amount)
	}
	return out, nil
}

// Get returns the account balance.
func (s *Service) Get(ctx context.Context, caller identity.Caller, accountID string) (*ledger.Balance, error) {
	if !caller.IsPrivileged() && !caller.Is(accountID) {
		return nil, identity.Deny("cannot read another account")
	}
	var out *ledger.Balance
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		out, err = tx.Ledger().GetBalance(ctx, accountID)
		return err
	})
	return out, err
}

// History pages through an account's entries newest first, optionally
// limited to one kind.
func (s *Service) History(ctx context.Context, caller identity.Caller, accountID string, kind ledger.Kind, cursor string, limit int) (pagination.Page[*ledger.Entry], error) {
	if !caller.IsPrivileged() && !caller.Is(accountID) {
		return pagination.Page[*ledger.Entry]{}, identity.Deny("cannot read another account")
	}
	var entries []*ledger.Entry
	err := s.uow.View(ctx, func(ctx context.Context, tx docstore.Tx) error {
		all, err := tx.Ledger().ListEntries(ctx, accountID)
		if err != nil {
			return err
		}
		for _, e := range all {
			if kind == "" || e.Kind == kind {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return pagination.Page[*ledger.Entry]{}, err
	}
	return pagination.Paginate(entries, cursor, limit, func(e *ledger.Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
}

// correlation derives the ledger correlation id. Without a key every call
// is a distinct operation.
func correlation(accountID, key string) string {
	if key == "" {
		return idgen.New()
	}
	return idgen.FromKey(accountID, key)
}

func exists(ctx context.Context, st ledger.Store, id string) (bool, error) {
	_, err := st.GetEntry(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	l := s.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
