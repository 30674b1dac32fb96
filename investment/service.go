/*
Package investment implements the investment lifecycle: plan catalog,
subscription, scheduled accrual and settlement at maturity.

LIFECYCLE:

	subscribe ──▶ active ──(hourly ticks)──▶ active ──(now ≥ endDate)──▶ completed
	                 │
	                 └──(admin cancel)──▶ cancelled

MONEY FLOW:
  - Subscribe debits the principal once and records an "investment" entry.
  - Accrual ticks grow TotalProfit and record locked "investment_return"
    entries; the spendable balance does not change.
  - Completion credits principal + TotalProfit once and records an
    "investment_completion" entry.
  - Cancel credits the principal only and records "investment_refund".
    Accrued profit is forfeited.

CONCURRENCY:
  Every terminal transition and every accrual tick writes the position
  through PositionRepo.Update, which checks the version read at the start
  of the unit. A tick racing a cancel loses with ErrConcurrentModification
  and rolls back; nothing is credited twice.

SEE ALSO:
  - accrual.go: RunAccrualTick
  - ledger/investment.go: Position and InvestmentPlan
*/
package investment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/ledger"
)

type Service struct {
	store ledger.Store
	log   *slog.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func NewService(store ledger.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, Now: time.Now}
}

// =============================================================================
// PLAN CATALOG
// =============================================================================

// PlanInput carries admin-editable plan fields. A nil IsActive means true
// on create and unchanged on update.
type PlanInput struct {
	Name             string
	Description      string
	MinimumAmount    decimal.Decimal
	MaximumAmount    decimal.Decimal
	DurationDays     int
	PercentageReturn decimal.Decimal
	Risk             ledger.Risk
	IsActive         *bool
}

func (in PlanInput) apply(p *ledger.InvestmentPlan) {
	p.Name = in.Name
	p.Description = in.Description
	p.MinimumAmount = in.MinimumAmount
	p.MaximumAmount = in.MaximumAmount
	p.DurationDays = in.DurationDays
	p.PercentageReturn = in.PercentageReturn
	p.Risk = in.Risk
	if p.Risk == "" {
		p.Risk = ledger.RiskMedium
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
}

func (s *Service) CreatePlan(ctx context.Context, in PlanInput) (ledger.InvestmentPlan, error) {
	now := s.Now()
	plan := ledger.InvestmentPlan{
		ID:        ledger.PlanID(ledger.NewID()),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.apply(&plan)
	if err := plan.Validate(); err != nil {
		return ledger.InvestmentPlan{}, err
	}

	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Plans().Create(ctx, plan)
	})
	if err != nil {
		return ledger.InvestmentPlan{}, err
	}
	s.log.InfoContext(ctx, "plan created", "component", "investment", "plan_id", plan.ID, "name", plan.Name)
	return plan, nil
}

// UpdatePlan edits a plan. Existing positions keep the terms they were
// created with.
func (s *Service) UpdatePlan(ctx context.Context, id ledger.PlanID, in PlanInput) (ledger.InvestmentPlan, error) {
	var out ledger.InvestmentPlan
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		plan, err := tx.Plans().Get(ctx, id)
		if err != nil {
			return err
		}
		in.apply(plan)
		plan.UpdatedAt = s.Now()
		if err := plan.Validate(); err != nil {
			return err
		}
		if err := tx.Plans().Update(ctx, *plan); err != nil {
			return err
		}
		out = *plan
		return nil
	})
	if err != nil {
		return ledger.InvestmentPlan{}, err
	}
	s.log.InfoContext(ctx, "plan updated", "component", "investment", "plan_id", id)
	return out, nil
}

// DeletePlan removes a plan unless an active position references it.
func (s *Service) DeletePlan(ctx context.Context, id ledger.PlanID) error {
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Plans().Get(ctx, id); err != nil {
			return err
		}
		n, err := tx.Positions().CountActiveByPlan(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d active", ledger.ErrPlanInUse, n)
		}
		return tx.Plans().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "plan deleted", "component", "investment", "plan_id", id)
	return nil
}

func (s *Service) GetPlan(ctx context.Context, id ledger.PlanID) (*ledger.InvestmentPlan, error) {
	return s.store.Read().Plans().Get(ctx, id)
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]ledger.InvestmentPlan, error) {
	return s.store.Read().Plans().List(ctx, activeOnly)
}

// =============================================================================
// SUBSCRIBE
// =============================================================================

// Subscription is the result of Subscribe.
type Subscription struct {
	Position ledger.Position
	Balance  decimal.Decimal
}

// Subscribe debits amount and opens a position on the plan.
func (s *Service) Subscribe(ctx context.Context, accountID ledger.AccountID, planID ledger.PlanID, amount decimal.Decimal) (Subscription, error) {
	if err := ledger.RequirePositive("amount", amount); err != nil {
		return Subscription{}, err
	}

	now := s.Now()
	var out Subscription
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		plan, err := tx.Plans().Get(ctx, planID)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return ledger.ErrPlanInactive
		}
		if !plan.Accepts(amount) {
			return &ledger.RangeError{Minimum: plan.MinimumAmount, Maximum: plan.MaximumAmount, Got: amount}
		}

		acct, err := tx.Accounts().Lock(ctx, accountID)
		if err != nil {
			return err
		}
		before, err := acct.Debit(amount, now)
		if err != nil {
			return err
		}
		acct.TotalInvestments = acct.TotalInvestments.Add(amount)
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		pos := ledger.NewPosition(ledger.PositionID(ledger.NewID()), acct.ID, *plan, amount, now)
		if err := tx.Positions().Create(ctx, pos); err != nil {
			return err
		}

		e, err := ledger.Record(ctx, tx, ledger.Entry{
			AccountID:     acct.ID,
			Type:          ledger.TxInvestment,
			Amount:        amount,
			Status:        ledger.StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			Description:   "Investment in " + plan.Name,
			PositionID:    pos.ID,
		}, now)
		if err != nil {
			return err
		}
		if err := events.Recorded(ctx, tx, e); err != nil {
			return err
		}

		out = Subscription{Position: pos, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}

	s.log.InfoContext(ctx, "investment started",
		"component", "investment",
		"account_id", accountID,
		"position_id", out.Position.ID,
		"plan_id", planID,
		"amount", amount.String(),
	)
	return out, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel refunds the principal of an active position and marks it
// cancelled. Accrued profit is not paid.
func (s *Service) Cancel(ctx context.Context, id ledger.PositionID, reason string) (ledger.Position, error) {
	now := s.Now()
	var out ledger.Position
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		pos, err := tx.Positions().Get(ctx, id)
		if err != nil {
			return err
		}
		if pos.Status != ledger.PositionActive {
			return ledger.ErrPositionNotActive
		}

		acct, err := tx.Accounts().Lock(ctx, pos.AccountID)
		if err != nil {
			return err
		}
		before := acct.Credit(pos.Amount, now)
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		pos.Status = ledger.PositionCancelled
		pos.CancelledAt = &now
		pos.CancelReason = reason
		pos.UpdatedAt = now
		if err := tx.Positions().Update(ctx, *pos); err != nil {
			return err
		}

		e, err := ledger.Record(ctx, tx, ledger.Entry{
			AccountID:     acct.ID,
			Type:          ledger.TxInvestmentRefund,
			Amount:        pos.Amount,
			Status:        ledger.StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			Description:   "Investment cancelled: " + pos.PlanName,
			PositionID:    pos.ID,
		}, now)
		if err != nil {
			return err
		}
		if err := events.Recorded(ctx, tx, e); err != nil {
			return err
		}

		pos.Version++
		out = *pos
		return nil
	})
	if err != nil {
		return ledger.Position{}, err
	}

	s.log.InfoContext(ctx, "investment cancelled",
		"component", "investment",
		"position_id", id,
		"reason", reason,
	)
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id ledger.PositionID) (*ledger.Position, error) {
	return s.store.Read().Positions().Get(ctx, id)
}

func (s *Service) ListByAccount(ctx context.Context, accountID ledger.AccountID) ([]ledger.Position, error) {
	if _, err := s.store.Read().Accounts().Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Read().Positions().ListByAccount(ctx, accountID)
}
