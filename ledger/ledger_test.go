package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/ledger"
	"github.com/warp/invest-ledger/ledger/store"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// BALANCE INVARIANT TESTS
// =============================================================================

func TestAccount_DebitNeverGoesNegative(t *testing.T) {
	// GIVEN: An account holding 100
	// WHEN: 150 is debited
	// THEN: The debit fails with the shortfall and the balance is unchanged

	acct := ledger.NewAccount("alice", t0)
	acct.Balance = d("100")

	_, err := acct.Debit(d("150"), t0.Add(time.Hour))
	require.Error(t, err)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.Equal(d("50")))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.Equal(t, t0, acct.UpdatedAt)

	// Exact balance is allowed
	before, err := acct.Debit(d("100"), t0)
	require.NoError(t, err)
	assert.True(t, before.Equal(d("100")))
	assert.True(t, acct.Balance.IsZero())
}

func TestAccount_CreditReturnsPriorBalance(t *testing.T) {
	acct := ledger.NewAccount("alice", t0)
	acct.Balance = d("10.25")

	before := acct.Credit(d("0.75"), t0)
	assert.True(t, before.Equal(d("10.25")))
	assert.True(t, acct.Balance.Equal(d("11")))
}

// =============================================================================
// RECORD
// =============================================================================

func TestRecord_SnapshotMustMatchDirection(t *testing.T) {
	tests := []struct {
		name    string
		entry   ledger.Entry
		wantErr error
	}{
		{
			name:  "credit matches",
			entry: ledger.Entry{Type: ledger.TxDeposit, Amount: d("50"), BalanceBefore: d("100"), BalanceAfter: d("150")},
		},
		{
			name:  "debit matches",
			entry: ledger.Entry{Type: ledger.TxInvestment, Amount: d("50"), BalanceBefore: d("100"), BalanceAfter: d("50")},
		},
		{
			name:    "credit mismatch",
			entry:   ledger.Entry{Type: ledger.TxCopyTradingReturn, Amount: d("50"), BalanceBefore: d("100"), BalanceAfter: d("100")},
			wantErr: ledger.ErrIntegrity,
		},
		{
			name:    "informational entry must not move the balance",
			entry:   ledger.Entry{Type: ledger.TxInvestmentReturn, Amount: d("5"), BalanceBefore: d("100"), BalanceAfter: d("105")},
			wantErr: ledger.ErrIntegrity,
		},
		{
			name:  "locked accrual skips the check",
			entry: ledger.Entry{Type: ledger.TxInvestmentReturn, Amount: d("5"), BalanceBefore: d("100"), BalanceAfter: d("100"), Locked: true},
		},
		{
			name:    "zero amount",
			entry:   ledger.Entry{Type: ledger.TxDeposit, Amount: decimal.Zero},
			wantErr: ledger.ErrValidation,
		},
		{
			name:    "unknown type",
			entry:   ledger.Entry{Type: "bonus", Amount: d("1")},
			wantErr: ledger.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			require.NoError(t, s.RunAtomic(ctx, func(tx ledger.Tx) error {
				return tx.Accounts().Create(ctx, ledger.NewAccount("alice", t0))
			}))

			e := tt.entry
			e.AccountID = "alice"
			e.Status = ledger.StatusCompleted

			var recorded ledger.Entry
			err := s.RunAtomic(ctx, func(tx ledger.Tx) error {
				var err error
				recorded, err = ledger.Record(ctx, tx, e, t0)
				return err
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, recorded.ID)
			assert.Equal(t, t0, recorded.CreatedAt)

			stored, err := s.Read().Entries().Get(ctx, recorded.ID)
			require.NoError(t, err)
			assert.True(t, stored.BalanceAfter.Equal(e.BalanceAfter))
		})
	}
}

func TestRecord_DefaultsToPending(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	var e ledger.Entry
	require.NoError(t, s.RunAtomic(ctx, func(tx ledger.Tx) error {
		var err error
		e, err = ledger.Record(ctx, tx, ledger.Entry{AccountID: "alice", Type: ledger.TxWithdrawal, Amount: d("10")}, t0)
		return err
	}))
	assert.Equal(t, ledger.StatusPending, e.Status)
}

func TestDirection(t *testing.T) {
	assert.Equal(t, 1, ledger.Direction(ledger.TxDeposit))
	assert.Equal(t, 1, ledger.Direction(ledger.TxInvestmentCompletion))
	assert.Equal(t, 1, ledger.Direction(ledger.TxInvestmentRefund))
	assert.Equal(t, -1, ledger.Direction(ledger.TxWithdrawal))
	assert.Equal(t, -1, ledger.Direction(ledger.TxCopyTradingStart))
	assert.Equal(t, 0, ledger.Direction(ledger.TxInvestmentReturn))
}

// =============================================================================
// PLANS AND POSITIONS
// =============================================================================

func validPlan() ledger.InvestmentPlan {
	return ledger.InvestmentPlan{
		ID:               "p1",
		Name:             "Growth",
		MinimumAmount:    d("1000"),
		MaximumAmount:    d("9999"),
		DurationDays:     30,
		PercentageReturn: d("18"),
		Risk:             ledger.RiskMedium,
		IsActive:         true,
	}
}

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *ledger.InvestmentPlan)
		field  string
	}{
		{"missing name", func(p *ledger.InvestmentPlan) { p.Name = "" }, "name"},
		{"zero minimum", func(p *ledger.InvestmentPlan) { p.MinimumAmount = decimal.Zero }, "minimumAmount"},
		{"max equals min", func(p *ledger.InvestmentPlan) { p.MaximumAmount = p.MinimumAmount }, "maximumAmount"},
		{"zero duration", func(p *ledger.InvestmentPlan) { p.DurationDays = 0 }, "durationDays"},
		{"negative return", func(p *ledger.InvestmentPlan) { p.PercentageReturn = d("-1") }, "percentageReturn"},
		{"unknown risk", func(p *ledger.InvestmentPlan) { p.Risk = "yolo" }, "risk"},
		{"minimum too precise", func(p *ledger.InvestmentPlan) { p.MinimumAmount = d("1000.000000001") }, "minimumAmount"},
		{"return too precise", func(p *ledger.InvestmentPlan) { p.PercentageReturn = d("18.123456789") }, "percentageReturn"},
	}

	require.NoError(t, validPlan().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(&p)
			err := p.Validate()

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPlan_AcceptsBoundsInclusive(t *testing.T) {
	p := validPlan()
	assert.True(t, p.Accepts(d("1000")))
	assert.True(t, p.Accepts(d("9999")))
	assert.False(t, p.Accepts(d("999.99")))
	assert.False(t, p.Accepts(d("10000")))
}

func TestNewPosition_DerivesTermsFromPlan(t *testing.T) {
	// GIVEN: A 30 day plan returning 18% in total
	// WHEN: 5000 is invested
	// THEN: Daily profit is 5000 * 0.6% and the expected return is 900

	p := ledger.NewPosition("pos-1", "alice", validPlan(), d("5000"), t0)

	assert.True(t, p.DailyProfit.Equal(d("30")), "got %s", p.DailyProfit)
	assert.True(t, p.ExpectedReturn.Equal(d("900")))
	assert.Equal(t, t0.AddDate(0, 0, 30), p.EndDate)
	assert.Equal(t, ledger.PositionActive, p.Status)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "Growth", p.PlanName)

	assert.Equal(t, t0, p.AccruedSince())
	later := t0.Add(5 * time.Hour)
	p.LastProfitDistribution = &later
	assert.Equal(t, later, p.AccruedSince())

	assert.False(t, p.Matured(t0.AddDate(0, 0, 29)))
	assert.True(t, p.Matured(p.EndDate))

	p.TotalProfit = d("12.5")
	assert.True(t, p.Payout().Equal(d("5012.5")))
}

func TestNewPosition_TruncatesDerivedAmountsToMoneyScale(t *testing.T) {
	// 100 at 10% over 3 days earns 3.333... per day
	plan := validPlan()
	plan.DurationDays = 3
	plan.PercentageReturn = d("10")

	p := ledger.NewPosition("pos-1", "alice", plan, d("100"), t0)

	assert.True(t, p.DailyProfit.Equal(d("3.33333333")), "got %s", p.DailyProfit)
	assert.True(t, p.ExpectedReturn.Equal(d("10")))
	assert.LessOrEqual(t, -p.DailyProfit.Exponent(), int32(ledger.MoneyScale))
}

func TestRequirePositive_RejectsFinerThanMoneyScale(t *testing.T) {
	require.NoError(t, ledger.RequirePositive("amount", d("0.00000001")))
	require.NoError(t, ledger.RequirePositive("amount", d("12.50000000")))

	err := ledger.RequirePositive("amount", d("0.000000001"))
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Contains(t, verr.Message, "8 decimal places")
	assert.True(t, ledger.IsClientError(err))
}

func TestErrorClassification(t *testing.T) {
	rangeErr := &ledger.RangeError{Minimum: d("100"), Maximum: d("1000"), Got: d("50")}
	assert.ErrorIs(t, rangeErr, ledger.ErrAmountOutOfRange)
	assert.ErrorIs(t, rangeErr, ledger.ErrValidation)
	assert.True(t, ledger.IsClientError(rangeErr))

	assert.True(t, ledger.IsNotFound(ledger.ErrNotPending))
	assert.True(t, ledger.IsPrecondition(ledger.ErrPlanInUse))
	assert.True(t, ledger.IsConflict(ledger.ErrConcurrentModification))
	assert.True(t, ledger.IsRetryable(ledger.ErrConcurrentModification))
	assert.False(t, ledger.IsPrecondition(ledger.ErrAccountNotFound))

	wrapped := fmt.Errorf("position p1: %w", ledger.ErrIntegrity)
	assert.True(t, ledger.IsIntegrity(wrapped))
	assert.False(t, ledger.IsIntegrity(ledger.ErrConcurrentModification))
	assert.False(t, ledger.IsConflict(wrapped))
}
