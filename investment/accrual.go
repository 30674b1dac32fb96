/*
accrual.go - Scheduled profit accrual and maturity settlement

ALGORITHM (per active position, each in its own atomic unit):

	since = max(lastProfitDistribution, createdAt)
	hours = (now - since) in hours

	hours < 0          → integrity violation, logged and skipped
	hours < 1          → skipped (guards against double ticks)
	now ≥ endDate      → accrue [since, endDate], credit principal + profit,
	                     mark completed
	otherwise          → accrue dailyProfit × hours / 24, locked entry

CAP:
  Every delta is truncated to ledger.MoneyScale places before it is
  stored, so the persisted value is exactly the computed one. TotalProfit
  never exceeds ExpectedReturn; the last delta is trimmed to fit.

FAILURE ISOLATION:
  A position that fails (account gone, version conflict, integrity) is
  logged and counted; the run continues. Only a failure to list active
  positions aborts the run, and the next tick can start over because every
  step is guarded by lastProfitDistribution.
*/
package investment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/ledger"
)

var (
	hoursPerDay = decimal.NewFromInt(24)
	oneHour     = decimal.NewFromInt(1)
	hourNanos   = decimal.NewFromInt(int64(time.Hour))
)

// AccrualSummary counts what one tick did.
type AccrualSummary struct {
	Scanned   int `json:"scanned"`
	Accrued   int `json:"accrued"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAccrued
	outcomeCompleted
)

// RunAccrualTick advances every active position.
func (s *Service) RunAccrualTick(ctx context.Context) (AccrualSummary, error) {
	var sum AccrualSummary
	now := s.Now()

	active, err := s.store.Read().Positions().ListActive(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active positions: %w", err)
	}

	for _, p := range active {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++

		res, err := s.accrue(ctx, p.ID, now)
		if err != nil {
			sum.Failed++
			s.log.ErrorContext(ctx, "accrual failed",
				"component", "accrual",
				"position_id", p.ID,
				"account_id", p.AccountID,
				"integrity", ledger.IsIntegrity(err),
				"error", err,
			)
			continue
		}
		switch res {
		case outcomeAccrued:
			sum.Accrued++
		case outcomeCompleted:
			sum.Completed++
		default:
			sum.Skipped++
		}
	}

	s.log.InfoContext(ctx, "accrual tick finished",
		"component", "accrual",
		"scanned", sum.Scanned,
		"accrued", sum.Accrued,
		"completed", sum.Completed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return sum, nil
}

func (s *Service) accrue(ctx context.Context, id ledger.PositionID, now time.Time) (outcome, error) {
	var res outcome
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		pos, err := tx.Positions().Get(ctx, id)
		if err != nil {
			return err
		}
		if pos.Status != ledger.PositionActive {
			res = outcomeSkipped
			return nil
		}

		since := pos.AccruedSince()
		hours := hoursBetween(since, now)
		if hours.IsNegative() {
			return fmt.Errorf("%w: position %s last accrued at %s, after now %s",
				ledger.ErrIntegrity, pos.ID, since.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		if hours.LessThan(oneHour) {
			res = outcomeSkipped
			return nil
		}

		if pos.Matured(now) {
			res = outcomeCompleted
			return s.complete(ctx, tx, pos, since, now)
		}

		res = outcomeAccrued
		acct, err := tx.Accounts().Get(ctx, pos.AccountID)
		if err != nil {
			return err
		}
		delta := capped(pos, pos.DailyProfit.Mul(hours).Div(hoursPerDay))
		if !delta.IsPositive() {
			res = outcomeSkipped
		}
		return s.distribute(ctx, tx, pos, delta, acct.Balance, now, now)
	})
	if err != nil {
		return outcomeSkipped, err
	}
	return res, nil
}

// distribute adds delta to the position, stamps lastProfitDistribution and
// writes the audit trail. A zero delta only moves the timestamp.
func (s *Service) distribute(ctx context.Context, tx ledger.Tx, pos *ledger.Position, delta, balance decimal.Decimal, stamp, now time.Time) error {
	pos.TotalProfit = pos.TotalProfit.Add(delta)
	pos.LastProfitDistribution = &stamp
	pos.UpdatedAt = now
	if err := tx.Positions().Update(ctx, *pos); err != nil {
		return err
	}
	pos.Version++

	if !delta.IsPositive() {
		return nil
	}
	dist := ledger.ProfitDistribution{Amount: delta, Date: now, BalanceAfter: balance}
	if err := tx.Positions().AppendDistribution(ctx, pos.ID, dist); err != nil {
		return err
	}
	pos.ProfitDistributions = append(pos.ProfitDistributions, dist)

	e, err := ledger.Record(ctx, tx, ledger.Entry{
		AccountID:     pos.AccountID,
		Type:          ledger.TxInvestmentReturn,
		Amount:        delta,
		Status:        ledger.StatusCompleted,
		BalanceBefore: balance,
		BalanceAfter:  balance,
		Locked:        true,
		Description:   "Profit distribution: " + pos.PlanName,
		PositionID:    pos.ID,
	}, now)
	if err != nil {
		return err
	}
	return events.Recorded(ctx, tx, e)
}

// complete accrues the final interval up to EndDate and credits
// principal + profit.
func (s *Service) complete(ctx context.Context, tx ledger.Tx, pos *ledger.Position, since, now time.Time) error {
	acct, err := tx.Accounts().Lock(ctx, pos.AccountID)
	if err != nil {
		return err
	}

	if since.Before(pos.EndDate) {
		final := capped(pos, pos.DailyProfit.Mul(hoursBetween(since, pos.EndDate)).Div(hoursPerDay))
		if final.IsPositive() {
			if err := s.distribute(ctx, tx, pos, final, acct.Balance, pos.EndDate, now); err != nil {
				return err
			}
		}
	}

	payout := pos.Payout()
	before := acct.Credit(payout, now)
	acct.TotalProfit = acct.TotalProfit.Add(pos.TotalProfit)
	if err := tx.Accounts().Update(ctx, *acct); err != nil {
		return err
	}

	pos.Status = ledger.PositionCompleted
	pos.CompletedAt = &now
	pos.UpdatedAt = now
	if err := tx.Positions().Update(ctx, *pos); err != nil {
		return err
	}
	pos.Version++

	e, err := ledger.Record(ctx, tx, ledger.Entry{
		AccountID:     acct.ID,
		Type:          ledger.TxInvestmentCompletion,
		Amount:        payout,
		Status:        ledger.StatusCompleted,
		BalanceBefore: before,
		BalanceAfter:  acct.Balance,
		Description:   "Investment completed: " + pos.PlanName,
		PositionID:    pos.ID,
	}, now)
	if err != nil {
		return err
	}
	if err := events.Recorded(ctx, tx, e); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "investment completed",
		"component", "accrual",
		"position_id", pos.ID,
		"account_id", acct.ID,
		"payout", payout.String(),
	)
	return nil
}

func hoursBetween(from, to time.Time) decimal.Decimal {
	return decimal.NewFromInt(int64(to.Sub(from))).Div(hourNanos)
}

// capped truncates delta to the money scale and trims it so TotalProfit
// stays within ExpectedReturn.
func capped(pos *ledger.Position, delta decimal.Decimal) decimal.Decimal {
	remaining := pos.ExpectedReturn.Sub(pos.TotalProfit)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(delta.Truncate(ledger.MoneyScale), remaining)
}
