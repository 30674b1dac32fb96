package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVESTMENT PLAN - Admin-defined template
// =============================================================================

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

var hundred = decimal.NewFromInt(100)

// InvestmentPlan is a fixed-term, fixed-return template.
//
// INVARIANTS:
//   - MaximumAmount > MinimumAmount > 0
//   - DurationDays >= 1
//   - PercentageReturn > 0 (total over the whole duration)
type InvestmentPlan struct {
	ID               PlanID
	Name             string
	Description      string
	MinimumAmount    decimal.Decimal
	MaximumAmount    decimal.Decimal
	DurationDays     int
	PercentageReturn decimal.Decimal
	Risk             Risk
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DailyReturn is the percentage earned per day.
func (p InvestmentPlan) DailyReturn() decimal.Decimal {
	if p.DurationDays <= 0 {
		return decimal.Zero
	}
	return p.PercentageReturn.Div(decimal.NewFromInt(int64(p.DurationDays)))
}

// Validate checks the plan invariants.
func (p InvestmentPlan) Validate() error {
	switch {
	case p.Name == "":
		return &ValidationError{Field: "name", Message: "is required"}
	case !p.MinimumAmount.IsPositive():
		return &ValidationError{Field: "minimumAmount", Message: "must be greater than 0"}
	case !p.MaximumAmount.GreaterThan(p.MinimumAmount):
		return &ValidationError{Field: "maximumAmount", Message: "must be greater than minimumAmount"}
	case p.DurationDays < 1:
		return &ValidationError{Field: "durationDays", Message: "must be at least 1"}
	case !p.PercentageReturn.IsPositive():
		return &ValidationError{Field: "percentageReturn", Message: "must be greater than 0"}
	case !p.Risk.Valid():
		return &ValidationError{Field: "risk", Message: "must be one of low, medium, high"}
	}
	if err := RequireScale("minimumAmount", p.MinimumAmount); err != nil {
		return err
	}
	if err := RequireScale("maximumAmount", p.MaximumAmount); err != nil {
		return err
	}
	return RequireScale("percentageReturn", p.PercentageReturn)
}

// Accepts reports whether amount is inside [MinimumAmount, MaximumAmount].
func (p InvestmentPlan) Accepts(amount decimal.Decimal) bool {
	return !amount.LessThan(p.MinimumAmount) && !amount.GreaterThan(p.MaximumAmount)
}

// =============================================================================
// POSITION - One subscription to a plan
// =============================================================================

type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
	PositionCancelled PositionStatus = "cancelled"
)

// ProfitDistribution is the audit trail of one accrual tick.
type ProfitDistribution struct {
	Amount       decimal.Decimal
	Date         time.Time
	BalanceAfter decimal.Decimal
}

// Position is one user's investment in a plan. Amount, PercentageReturn,
// DailyProfit and ExpectedReturn are fixed at subscription and are not
// affected by later plan edits.
//
// Version is bumped on every write; adapters reject stale writes with
// ErrConcurrentModification.
type Position struct {
	ID               PositionID
	AccountID        AccountID
	PlanID           PlanID
	PlanName         string
	Amount           decimal.Decimal
	PercentageReturn decimal.Decimal
	DurationDays     int
	DailyProfit      decimal.Decimal
	ExpectedReturn   decimal.Decimal
	TotalProfit      decimal.Decimal
	Status           PositionStatus

	StartDate              time.Time
	EndDate                time.Time
	LastProfitDistribution *time.Time
	CompletedAt            *time.Time
	CancelledAt            *time.Time
	CancelReason           string

	// Loaded by PositionRepo.Get only; list queries leave it nil.
	ProfitDistributions []ProfitDistribution

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPosition derives a position from a plan snapshot. Derived amounts are
// truncated to MoneyScale so they persist unchanged.
func NewPosition(id PositionID, accountID AccountID, plan InvestmentPlan, amount decimal.Decimal, now time.Time) Position {
	return Position{
		ID:               id,
		AccountID:        accountID,
		PlanID:           plan.ID,
		PlanName:         plan.Name,
		Amount:           amount,
		PercentageReturn: plan.PercentageReturn,
		DurationDays:     plan.DurationDays,
		DailyProfit:      amount.Mul(plan.DailyReturn()).Div(hundred).Truncate(MoneyScale),
		ExpectedReturn:   amount.Mul(plan.PercentageReturn).Div(hundred).Truncate(MoneyScale),
		TotalProfit:      decimal.Zero,
		Status:           PositionActive,
		StartDate:        now,
		EndDate:          now.AddDate(0, 0, plan.DurationDays),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AccruedSince returns the start of the not-yet-accrued interval.
func (p Position) AccruedSince() time.Time {
	if p.LastProfitDistribution != nil && p.LastProfitDistribution.After(p.CreatedAt) {
		return *p.LastProfitDistribution
	}
	return p.CreatedAt
}

// Matured reports whether now is at or past the end date.
func (p Position) Matured(now time.Time) bool {
	return !now.Before(p.EndDate)
}

// Payout is the amount credited at maturity.
func (p Position) Payout() decimal.Decimal {
	return p.Amount.Add(p.TotalProfit)
}

// =============================================================================
// COPY TRADING
// =============================================================================

// Trader is a followable strategy in the copy-trading catalog.
type Trader struct {
	ID        TraderID
	Name      string
	Strategy  string
	Risk      Risk
	IsActive  bool
	CreatedAt time.Time
}

type AllocationStatus string

const (
	AllocationActive  AllocationStatus = "active"
	AllocationStopped AllocationStatus = "stopped"
)

// CopyTradingAllocation escrows part of a balance while following a trader.
// At most one active allocation exists per account.
type CopyTradingAllocation struct {
	ID              AllocationID
	AccountID       AccountID
	TraderID        TraderID
	TraderName      string
	AllocatedAmount decimal.Decimal
	// TotalEarned is never populated; reserved for real P&L integration.
	TotalEarned decimal.Decimal
	Status      AllocationStatus
	StartDate   time.Time
	StoppedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
