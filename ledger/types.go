/*
Package ledger provides the core money-movement model.

PURPOSE:
  This package contains the data model and invariants shared by every
  workflow that touches a user balance: deposits, withdrawals, investment
  positions and copy-trading allocations. Workflow packages (funding,
  investment, copytrading, admin) orchestrate these types; storage adapters
  persist them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: The single mutable balance per user
  - Entry: An audit record of one balance-affecting or informational event
  - Typed identifiers: AccountID, EntryID, PlanID, PositionID, ...

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Snapshots: Entries carry balanceBefore/balanceAfter captured at the
     moment the balance changed; they are never recomputed
  3. Terminal states: An entry that left "pending" never returns to it

USAGE:
  entry, err := ledger.Record(ctx, tx, ledger.Entry{
      AccountID:     acct.ID,
      Type:          ledger.TxInvestment,
      Amount:        amount,
      Status:        ledger.StatusCompleted,
      BalanceBefore: before,
      BalanceAfter:  acct.Balance,
  }, now)

SEE ALSO:
  - store.go: Repository interfaces and the atomic unit of work
  - ledger.go: The Record primitive
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type PlanID string
type PositionID string
type AllocationID string
type TraderID string

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// MoneyScale is the number of decimal places every stored amount keeps.
// Inputs finer than this are rejected; computed amounts are truncated to it.
const MoneyScale = 8

// =============================================================================
// ACCOUNT - One balance per user
// =============================================================================

type KYCStatus string

const (
	KYCUnverified KYCStatus = "unverified"
	KYCPending    KYCStatus = "pending"
	KYCApproved   KYCStatus = "approved"
	KYCRejected   KYCStatus = "rejected"
)

// Account is the balance-holding entity tied to one user.
//
// Balance is authoritative and never negative as the effect of a core
// operation. The Total* fields are informational statistics only; no
// workflow makes decisions from them.
type Account struct {
	ID      AccountID
	Balance decimal.Decimal

	TotalDeposits    decimal.Decimal
	TotalWithdrawals decimal.Decimal
	TotalInvestments decimal.Decimal
	TotalProfit      decimal.Decimal

	KYCStatus          KYCStatus
	KYCRejectionReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount returns an account with a zero balance.
func NewAccount(id AccountID, now time.Time) Account {
	return Account{
		ID:               id,
		Balance:          decimal.Zero,
		TotalDeposits:    decimal.Zero,
		TotalWithdrawals: decimal.Zero,
		TotalInvestments: decimal.Zero,
		TotalProfit:      decimal.Zero,
		KYCStatus:        KYCUnverified,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Credit adds amount to the balance and returns the balance before the change.
func (a *Account) Credit(amount decimal.Decimal, now time.Time) decimal.Decimal {
	before := a.Balance
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = now
	return before
}

// Debit removes amount from the balance and returns the balance before the
// change. The balance is left untouched if it would go negative.
func (a *Account) Debit(amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if a.Balance.LessThan(amount) {
		return a.Balance, &InsufficientBalanceError{
			AccountID: a.ID,
			Available: a.Balance,
			Requested: amount,
			Shortfall: amount.Sub(a.Balance),
		}
	}
	before := a.Balance
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = now
	return before, nil
}

// =============================================================================
// ENTRY - Audit record of a balance event
// =============================================================================

type EntryType string

const (
	TxDeposit              EntryType = "deposit"
	TxWithdrawal           EntryType = "withdrawal"
	TxInvestment           EntryType = "investment"            // principal leaves balance at subscription
	TxInvestmentReturn     EntryType = "investment_return"     // accrual tick, informational (locked)
	TxInvestmentCompletion EntryType = "investment_completion" // principal + profit credited at maturity
	TxInvestmentRefund     EntryType = "investment_refund"     // principal returned on admin cancel
	TxCopyTradingStart     EntryType = "copy_trading_allocation"
	TxCopyTradingReturn    EntryType = "copy_trading_return"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxInvestment, TxInvestmentReturn,
		TxInvestmentCompletion, TxInvestmentRefund, TxCopyTradingStart, TxCopyTradingReturn:
		return true
	}
	return false
}

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusRejected  EntryStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Entry is an immutable record of one event. Only Status and the approval
// fields change after creation, and only out of StatusPending.
type Entry struct {
	ID        EntryID
	AccountID AccountID
	Type      EntryType
	Amount    decimal.Decimal
	Status    EntryStatus

	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	// Locked marks an accrued amount that is recorded but not spendable
	// until the position matures. BalanceBefore equals BalanceAfter.
	Locked bool

	Description string

	// Optional links
	PositionID     PositionID
	AllocationID   AllocationID
	WalletSymbol   string
	Proof          string
	PaymentMethod  string
	PaymentDetails map[string]string

	// Settlement
	ProcessedBy     string
	ProcessedAt     *time.Time
	RejectionReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryFilter narrows history queries. Zero values match everything.
type EntryFilter struct {
	Type   EntryType
	Status EntryStatus
	Limit  int
}

// Matches reports whether e passes the type/status parts of the filter.
func (f EntryFilter) Matches(e Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Settlement describes the transition of a pending entry. A nil
// BalanceAfter keeps the snapshot taken at submission.
type Settlement struct {
	Status       EntryStatus
	BalanceAfter *decimal.Decimal
	ProcessedBy  string
	ProcessedAt  time.Time
	Reason       string
}
