/*
Package copytrading escrows part of a balance while an account follows a
trader. It only moves money; no trades are executed.

RULES:
  - At most one active allocation per account. The check and the insert
    run under the account lock; adapters back it with a unique index.
  - Start debits the allocated amount and records a
    "copy_trading_allocation" entry.
  - Stop credits the full allocated amount back and records a
    "copy_trading_return" entry. There is no partial stop.
  - TotalEarned is never populated.
*/
package copytrading

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/ledger"
)

type Service struct {
	store ledger.Store
	log   *slog.Logger
	Now   func() time.Time
}

func NewService(store ledger.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log, Now: time.Now}
}

// Result is returned by Start and Stop.
type Result struct {
	Allocation ledger.CopyTradingAllocation
	Balance    decimal.Decimal
}

// Start follows a trader with amount taken from the balance.
func (s *Service) Start(ctx context.Context, accountID ledger.AccountID, traderID ledger.TraderID, amount decimal.Decimal) (Result, error) {
	if err := ledger.RequirePositive("amount", amount); err != nil {
		return Result{}, err
	}

	now := s.Now()
	var out Result
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Accounts().Lock(ctx, accountID)
		if err != nil {
			return err
		}
		active, err := tx.Allocations().Active(ctx, accountID)
		if err != nil {
			return err
		}
		if active != nil {
			return ledger.ErrActiveAllocationExists
		}

		trader, err := tx.Traders().Get(ctx, traderID)
		if err != nil {
			return err
		}
		if !trader.IsActive {
			return ledger.ErrTraderInactive
		}

		before, err := acct.Debit(amount, now)
		if err != nil {
			return err
		}
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		alloc := ledger.CopyTradingAllocation{
			ID:              ledger.AllocationID(ledger.NewID()),
			AccountID:       acct.ID,
			TraderID:        trader.ID,
			TraderName:      trader.Name,
			AllocatedAmount: amount,
			TotalEarned:     decimal.Zero,
			Status:          ledger.AllocationActive,
			StartDate:       now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Allocations().Create(ctx, alloc); err != nil {
			return err
		}

		e, err := ledger.Record(ctx, tx, ledger.Entry{
			AccountID:     acct.ID,
			Type:          ledger.TxCopyTradingStart,
			Amount:        amount,
			Status:        ledger.StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			Description:   "Copy trading started: " + trader.Name,
			AllocationID:  alloc.ID,
		}, now)
		if err != nil {
			return err
		}
		if err := events.Recorded(ctx, tx, e); err != nil {
			return err
		}

		out = Result{Allocation: alloc, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.log.InfoContext(ctx, "copy trading started",
		"component", "copytrading",
		"account_id", accountID,
		"trader_id", traderID,
		"amount", amount.String(),
	)
	return out, nil
}

// Stop ends the active allocation and returns the full amount.
func (s *Service) Stop(ctx context.Context, accountID ledger.AccountID) (Result, error) {
	now := s.Now()
	var out Result
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Accounts().Lock(ctx, accountID)
		if err != nil {
			return err
		}
		alloc, err := tx.Allocations().Active(ctx, accountID)
		if err != nil {
			return err
		}
		if alloc == nil {
			return ledger.ErrNoActiveAllocation
		}

		alloc.Status = ledger.AllocationStopped
		alloc.StoppedAt = &now
		alloc.UpdatedAt = now
		if err := tx.Allocations().Update(ctx, *alloc); err != nil {
			return err
		}

		before := acct.Credit(alloc.AllocatedAmount, now)
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}

		e, err := ledger.Record(ctx, tx, ledger.Entry{
			AccountID:     acct.ID,
			Type:          ledger.TxCopyTradingReturn,
			Amount:        alloc.AllocatedAmount,
			Status:        ledger.StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			Description:   "Copy trading stopped: " + alloc.TraderName,
			AllocationID:  alloc.ID,
		}, now)
		if err != nil {
			return err
		}
		if err := events.Recorded(ctx, tx, e); err != nil {
			return err
		}

		out = Result{Allocation: *alloc, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.log.InfoContext(ctx, "copy trading stopped",
		"component", "copytrading",
		"account_id", accountID,
		"amount", out.Allocation.AllocatedAmount.String(),
	)
	return out, nil
}

// Active returns the account's active allocation, or nil.
func (s *Service) Active(ctx context.Context, accountID ledger.AccountID) (*ledger.CopyTradingAllocation, error) {
	if _, err := s.store.Read().Accounts().Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Read().Allocations().Active(ctx, accountID)
}

func (s *Service) History(ctx context.Context, accountID ledger.AccountID) ([]ledger.CopyTradingAllocation, error) {
	return s.store.Read().Allocations().ListByAccount(ctx, accountID)
}

// =============================================================================
// TRADER CATALOG
// =============================================================================

type TraderInput struct {
	ID       ledger.TraderID
	Name     string
	Strategy string
	Risk     ledger.Risk
}

// CreateTrader adds a followable trader. An empty ID is generated.
func (s *Service) CreateTrader(ctx context.Context, in TraderInput) (ledger.Trader, error) {
	if in.Name == "" {
		return ledger.Trader{}, &ledger.ValidationError{Field: "name", Message: "is required"}
	}
	if in.Risk == "" {
		in.Risk = ledger.RiskMedium
	}
	if !in.Risk.Valid() {
		return ledger.Trader{}, &ledger.ValidationError{Field: "risk", Message: "must be one of low, medium, high"}
	}
	if in.ID == "" {
		in.ID = ledger.TraderID(ledger.NewID())
	}

	t := ledger.Trader{
		ID:        in.ID,
		Name:      in.Name,
		Strategy:  in.Strategy,
		Risk:      in.Risk,
		IsActive:  true,
		CreatedAt: s.Now(),
	}
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Traders().Create(ctx, t)
	})
	if err != nil {
		return ledger.Trader{}, err
	}
	s.log.InfoContext(ctx, "trader created", "component", "copytrading", "trader_id", t.ID)
	return t, nil
}

func (s *Service) ListTraders(ctx context.Context) ([]ledger.Trader, error) {
	return s.store.Read().Traders().List(ctx)
}
