/*
Package funding implements the two-phase deposit and withdrawal workflows.

STATE MACHINE (both flows):

	pending --approve--> completed   (terminal)
	pending --reject---> rejected    (terminal)

DEBIT TIMING:
  The two flows move the balance at different points:

	           submit          approve         reject
	Deposit    no effect       credit          no effect
	Withdrawal debit (escrow)  no effect       credit back

  Withdrawals are escrowed at submission so funds awaiting manual review
  cannot be spent twice. Rejection is the compensating credit.

IDEMPOTENCY:
  Approve and reject go through EntryRepo.Settle, which only matches a
  pending entry of the expected type. A second call returns
  ledger.ErrNotPending ("not found or already processed") and the balance
  moves once.

SEE ALSO:
  - ledger/store.go: Settle and the locking contract
  - admin: the privileged wrapper that calls approve/reject
*/
package funding

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/ledger"
)

// Service runs deposit and withdrawal operations against a store.
type Service struct {
	store ledger.Store
	log   *slog.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func NewService(store ledger.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, Now: time.Now}
}

// DepositRequest is the input of SubmitDeposit.
type DepositRequest struct {
	AccountID    ledger.AccountID
	Amount       decimal.Decimal
	Proof        string
	WalletSymbol string
}

// WithdrawalRequest is the input of SubmitWithdrawal.
type WithdrawalRequest struct {
	AccountID    ledger.AccountID
	Amount       decimal.Decimal
	Method       string
	Details      map[string]string
	WalletSymbol string
}

// =============================================================================
// DEPOSITS
// =============================================================================

// SubmitDeposit records a pending deposit. The balance is not touched.
func (s *Service) SubmitDeposit(ctx context.Context, req DepositRequest) (ledger.Entry, error) {
	if err := ledger.RequirePositive("amount", req.Amount); err != nil {
		return ledger.Entry{}, err
	}

	now := s.Now()
	var out ledger.Entry
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Accounts().Get(ctx, req.AccountID)
		if err != nil {
			return err
		}
		out, err = ledger.Record(ctx, tx, ledger.Entry{
			AccountID:     acct.ID,
			Type:          ledger.TxDeposit,
			Amount:        req.Amount,
			Status:        ledger.StatusPending,
			BalanceBefore: acct.Balance,
			BalanceAfter:  acct.Balance,
			Description:   "Deposit request",
			Proof:         req.Proof,
			WalletSymbol:  req.WalletSymbol,
		}, now)
		if err != nil {
			return err
		}
		return events.Recorded(ctx, tx, out)
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	s.log.InfoContext(ctx, "deposit submitted",
		"component", "funding",
		"account_id", req.AccountID,
		"entry_id", out.ID,
		"amount", req.Amount.String(),
	)
	return out, nil
}

// ApproveDeposit credits the account and completes the entry. It returns
// the balance after the credit.
func (s *Service) ApproveDeposit(ctx context.Context, id ledger.EntryID, approverID string) (decimal.Decimal, error) {
	now := s.Now()
	var balance decimal.Decimal
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		e, err := pendingEntry(ctx, tx, id, ledger.TxDeposit)
		if err != nil {
			return err
		}

		acct, err := tx.Accounts().Lock(ctx, e.AccountID)
		if err != nil {
			return err
		}
		acct.Credit(e.Amount, now)
		acct.TotalDeposits = acct.TotalDeposits.Add(e.Amount)

		settled := ledger.Settlement{
			Status:       ledger.StatusCompleted,
			BalanceAfter: &acct.Balance,
			ProcessedBy:  approverID,
			ProcessedAt:  now,
		}
		if err := tx.Entries().Settle(ctx, id, ledger.TxDeposit, settled); err != nil {
			return err
		}
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		balance = acct.Balance
		return events.Settled(ctx, tx, applySettlement(*e, settled))
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.log.InfoContext(ctx, "deposit approved",
		"component", "funding",
		"entry_id", id,
		"approver", approverID,
		"balance", balance.String(),
	)
	return balance, nil
}

// RejectDeposit marks a pending deposit rejected. No balance effect.
func (s *Service) RejectDeposit(ctx context.Context, id ledger.EntryID, approverID, reason string) error {
	return s.reject(ctx, id, ledger.TxDeposit, approverID, reason)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// SubmitWithdrawal debits the balance immediately and records a pending
// entry in the same unit. The returned entry's BalanceAfter is the debited
// balance.
func (s *Service) SubmitWithdrawal(ctx context.Context, req WithdrawalRequest) (ledger.Entry, error) {
	if err := ledger.RequirePositive("amount", req.Amount); err != nil {
		return ledger.Entry{}, err
	}
	if req.Method == "" {
		return ledger.Entry{}, &ledger.ValidationError{Field: "paymentMethod", Message: "is required"}
	}

	now := s.Now()
	var out ledger.Entry
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Accounts().Lock(ctx, req.AccountID)
		if err != nil {
			return err
		}
		before, err := acct.Debit(req.Amount, now)
		if err != nil {
			return err
		}
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		out, err = ledger.Record(ctx, tx, ledger.Entry{
			AccountID:      acct.ID,
			Type:           ledger.TxWithdrawal,
			Amount:         req.Amount,
			Status:         ledger.StatusPending,
			BalanceBefore:  before,
			BalanceAfter:   acct.Balance,
			Description:    "Withdrawal request",
			PaymentMethod:  req.Method,
			PaymentDetails: req.Details,
			WalletSymbol:   req.WalletSymbol,
		}, now)
		if err != nil {
			return err
		}
		return events.Recorded(ctx, tx, out)
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	s.log.InfoContext(ctx, "withdrawal submitted",
		"component", "funding",
		"account_id", req.AccountID,
		"entry_id", out.ID,
		"amount", req.Amount.String(),
	)
	return out, nil
}

// ApproveWithdrawal completes a pending withdrawal. The funds already left
// the balance at submission.
func (s *Service) ApproveWithdrawal(ctx context.Context, id ledger.EntryID, approverID string) error {
	now := s.Now()
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		e, err := pendingEntry(ctx, tx, id, ledger.TxWithdrawal)
		if err != nil {
			return err
		}
		acct, err := tx.Accounts().Lock(ctx, e.AccountID)
		if err != nil {
			return err
		}

		settled := ledger.Settlement{
			Status:      ledger.StatusCompleted,
			ProcessedBy: approverID,
			ProcessedAt: now,
		}
		if err := tx.Entries().Settle(ctx, id, ledger.TxWithdrawal, settled); err != nil {
			return err
		}

		acct.TotalWithdrawals = acct.TotalWithdrawals.Add(e.Amount)
		acct.UpdatedAt = now
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}
		return events.Settled(ctx, tx, applySettlement(*e, settled))
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "withdrawal approved",
		"component", "funding",
		"entry_id", id,
		"approver", approverID,
	)
	return nil
}

// RejectWithdrawal credits the escrowed amount back and marks the entry
// rejected. It returns the refunded balance.
func (s *Service) RejectWithdrawal(ctx context.Context, id ledger.EntryID, approverID, reason string) (decimal.Decimal, error) {
	now := s.Now()
	var balance decimal.Decimal
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		e, err := pendingEntry(ctx, tx, id, ledger.TxWithdrawal)
		if err != nil {
			return err
		}
		acct, err := tx.Accounts().Lock(ctx, e.AccountID)
		if err != nil {
			return err
		}

		settled := ledger.Settlement{
			Status:      ledger.StatusRejected,
			ProcessedBy: approverID,
			ProcessedAt: now,
			Reason:      reason,
		}
		if err := tx.Entries().Settle(ctx, id, ledger.TxWithdrawal, settled); err != nil {
			return err
		}

		acct.Credit(e.Amount, now)
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}
		balance = acct.Balance
		return events.Settled(ctx, tx, applySettlement(*e, settled))
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.log.InfoContext(ctx, "withdrawal rejected",
		"component", "funding",
		"entry_id", id,
		"approver", approverID,
		"reason", reason,
		"balance", balance.String(),
	)
	return balance, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) reject(ctx context.Context, id ledger.EntryID, t ledger.EntryType, approverID, reason string) error {
	now := s.Now()
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		e, err := pendingEntry(ctx, tx, id, t)
		if err != nil {
			return err
		}
		settled := ledger.Settlement{
			Status:      ledger.StatusRejected,
			ProcessedBy: approverID,
			ProcessedAt: now,
			Reason:      reason,
		}
		if err := tx.Entries().Settle(ctx, id, t, settled); err != nil {
			return err
		}
		return events.Settled(ctx, tx, applySettlement(*e, settled))
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "entry rejected",
		"component", "funding",
		"entry_id", id,
		"type", t,
		"approver", approverID,
		"reason", reason,
	)
	return nil
}

// pendingEntry loads an entry that must be pending and of type t. Any
// mismatch, including absence, is reported as ErrNotPending.
func pendingEntry(ctx context.Context, tx ledger.Tx, id ledger.EntryID, t ledger.EntryType) (*ledger.Entry, error) {
	e, err := tx.Entries().Get(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, ledger.ErrNotPending
		}
		return nil, err
	}
	if e.Type != t || e.Status != ledger.StatusPending {
		return nil, ledger.ErrNotPending
	}
	return e, nil
}

func applySettlement(e ledger.Entry, s ledger.Settlement) ledger.Entry {
	e.Status = s.Status
	if s.BalanceAfter != nil {
		e.BalanceAfter = *s.BalanceAfter
	}
	at := s.ProcessedAt
	e.ProcessedBy = s.ProcessedBy
	e.ProcessedAt = &at
	e.RejectionReason = s.Reason
	e.UpdatedAt = at
	return e
}
