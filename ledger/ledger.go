/*
ledger.go - The Record primitive

PURPOSE:
  Record is the one place entries are created. It validates the entry,
  assigns identity and timestamps, and appends it inside the caller's
  atomic unit.

CALLER OBLIGATION:
  Record does not re-derive BalanceAfter. The caller performs the balance
  mutation in the same unit and passes the snapshots it observed. This is
  deliberate: a deposit approval computes BalanceAfter from the balance
  re-read at approval time, not the one seen at submission.

CONSISTENCY CHECK:
  For completed, balance-affecting entries, Record verifies that
  BalanceAfter = BalanceBefore +/- Amount in the direction implied by the
  entry type. Pending and locked entries are not checked, since their
  balance effect is deferred or absent.

SEE ALSO:
  - store.go: EntryRepo.Append and EntryRepo.Settle
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction returns +1 for credits, -1 for debits and 0 for informational
// entry types.
func Direction(t EntryType) int {
	switch t {
	case TxDeposit, TxInvestmentCompletion, TxInvestmentRefund, TxCopyTradingReturn:
		return 1
	case TxWithdrawal, TxInvestment, TxCopyTradingStart:
		return -1
	default:
		return 0
	}
}

// Record validates e and appends it through tx. ID, CreatedAt and
// UpdatedAt are filled in when empty.
func Record(ctx context.Context, tx Tx, e Entry, now time.Time) (Entry, error) {
	if !e.Type.Valid() {
		return Entry{}, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown entry type %q", e.Type)}
	}
	if err := RequirePositive("amount", e.Amount); err != nil {
		return Entry{}, err
	}
	if e.AccountID == "" {
		return Entry{}, &ValidationError{Field: "accountId", Message: "is required"}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Status == StatusCompleted && !e.Locked {
		if err := checkSnapshots(e); err != nil {
			return Entry{}, err
		}
	}
	if e.ID == "" {
		e.ID = EntryID(NewID())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := tx.Entries().Append(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("record %s entry: %w", e.Type, err)
	}
	return e, nil
}

func checkSnapshots(e Entry) error {
	var want decimal.Decimal
	switch Direction(e.Type) {
	case 1:
		want = e.BalanceBefore.Add(e.Amount)
	case -1:
		want = e.BalanceBefore.Sub(e.Amount)
	default:
		want = e.BalanceBefore
	}
	if !e.BalanceAfter.Equal(want) {
		return fmt.Errorf("%w: %s entry balanceAfter %s, expected %s",
			ErrIntegrity, e.Type, e.BalanceAfter, want)
	}
	return nil
}
