// Package storetest is a conformance suite for ledger.Store adapters. Each
// adapter's tests call Run with a constructor that returns an empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/ledger"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Run executes every conformance case against stores built by open.
func Run(t *testing.T, open func(t *testing.T) ledger.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"RollbackOnError", testRollbackOnError},
		{"ReadIsReadOnly", testReadIsReadOnly},
		{"AccountRoundTrip", testAccountRoundTrip},
		{"DuplicateAccount", testDuplicateAccount},
		{"SettleOnlyOnce", testSettleOnlyOnce},
		{"SettleKeepsSnapshot", testSettleKeepsSnapshot},
		{"EntryHistory", testEntryHistory},
		{"PositionVersion", testPositionVersion},
		{"PositionDistributions", testPositionDistributions},
		{"MoneyScaleRoundTrip", testMoneyScaleRoundTrip},
		{"OneActiveAllocation", testOneActiveAllocation},
		{"PlanCatalog", testPlanCatalog},
		{"OutboxLifecycle", testOutboxLifecycle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, open(t)) })
	}
}

func atomic(t *testing.T, s ledger.Store, fn func(ctx context.Context, tx ledger.Tx) error) error {
	t.Helper()
	ctx := context.Background()
	return s.RunAtomic(ctx, func(tx ledger.Tx) error { return fn(ctx, tx) })
}

func seedAccount(t *testing.T, s ledger.Store, id ledger.AccountID, balance string) {
	t.Helper()
	acct := ledger.NewAccount(id, t0)
	acct.Balance = d(balance)
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, acct)
	}))
}

func seedPlan(t *testing.T, s ledger.Store) ledger.InvestmentPlan {
	t.Helper()
	plan := ledger.InvestmentPlan{
		ID:               "plan-1",
		Name:             "Starter",
		MinimumAmount:    d("100"),
		MaximumAmount:    d("1000"),
		DurationDays:     10,
		PercentageReturn: d("20"),
		Risk:             ledger.RiskLow,
		IsActive:         true,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Plans().Create(ctx, plan)
	}))
	return plan
}

func pendingDeposit(id ledger.EntryID, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:            id,
		AccountID:     "alice",
		Type:          ledger.TxDeposit,
		Amount:        d(amount),
		Status:        ledger.StatusPending,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  decimal.Zero,
		WalletSymbol:  "USDT",
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func testRollbackOnError(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "100")
	boom := errors.New("boom")

	err := atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		acct, err := tx.Accounts().Lock(ctx, "alice")
		if err != nil {
			return err
		}
		acct.Credit(d("50"), t0)
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, ledger.NewAccount("bob", t0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := s.Read().Accounts().Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")), "got %s", acct.Balance)

	_, err = s.Read().Accounts().Get(context.Background(), "bob")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testReadIsReadOnly(t *testing.T, s ledger.Store) {
	err := s.Read().Accounts().Create(context.Background(), ledger.NewAccount("alice", t0))
	assert.Error(t, err)

	_, err = s.Read().Accounts().Get(context.Background(), "alice")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testAccountRoundTrip(t *testing.T, s ledger.Store) {
	acct := ledger.NewAccount("alice", t0)
	acct.Balance = d("1234.56789012")
	acct.TotalDeposits = d("2000")
	acct.KYCStatus = ledger.KYCRejected
	acct.KYCRejectionReason = "expired passport"
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, acct)
	}))

	got, err := s.Read().Accounts().Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(acct.Balance), "got %s", got.Balance)
	assert.True(t, got.TotalDeposits.Equal(d("2000")))
	assert.Equal(t, ledger.KYCRejected, got.KYCStatus)
	assert.Equal(t, "expired passport", got.KYCRejectionReason)
	assert.True(t, got.CreatedAt.Equal(t0))

	err = atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Accounts().Update(ctx, ledger.NewAccount("ghost", t0))
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testDuplicateAccount(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	err := atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, ledger.NewAccount("alice", t0))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)
}

func testSettleOnlyOnce(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Entries().Append(ctx, pendingDeposit("dep-1", "250", t0))
	}))

	after := d("250")
	settle := func(typ ledger.EntryType) error {
		return atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
			return tx.Entries().Settle(ctx, "dep-1", typ, ledger.Settlement{
				Status:       ledger.StatusCompleted,
				BalanceAfter: &after,
				ProcessedBy:  "admin-1",
				ProcessedAt:  t0.Add(time.Hour),
			})
		})
	}

	assert.ErrorIs(t, settle(ledger.TxWithdrawal), ledger.ErrNotPending, "type must match")
	require.NoError(t, settle(ledger.TxDeposit))
	assert.ErrorIs(t, settle(ledger.TxDeposit), ledger.ErrNotPending)

	e, err := s.Read().Entries().Get(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, e.Status)
	assert.True(t, e.BalanceAfter.Equal(after))
	assert.True(t, e.BalanceBefore.IsZero(), "balanceBefore is immutable")
	assert.Equal(t, "admin-1", e.ProcessedBy)
	require.NotNil(t, e.ProcessedAt)
	assert.True(t, e.ProcessedAt.Equal(t0.Add(time.Hour)))

	pending, err := s.Read().Entries().ListPending(context.Background(), ledger.TxDeposit)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testSettleKeepsSnapshot(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	w := pendingDeposit("w-1", "40", t0)
	w.Type = ledger.TxWithdrawal
	w.BalanceBefore = d("100")
	w.BalanceAfter = d("60")
	w.PaymentMethod = "bank"
	w.PaymentDetails = map[string]string{"iban": "DE00 1234"}
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Entries().Append(ctx, w); err != nil {
			return err
		}
		return tx.Entries().Settle(ctx, "w-1", ledger.TxWithdrawal, ledger.Settlement{
			Status:      ledger.StatusRejected,
			ProcessedBy: "admin-1",
			ProcessedAt: t0,
			Reason:      "address mismatch",
		})
	}))

	e, err := s.Read().Entries().Get(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, e.Status)
	assert.True(t, e.BalanceAfter.Equal(d("60")))
	assert.Equal(t, "address mismatch", e.RejectionReason)
	assert.Equal(t, "bank", e.PaymentMethod)
	assert.Equal(t, map[string]string{"iban": "DE00 1234"}, e.PaymentDetails)
}

func testEntryHistory(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	seedAccount(t, s, "bob", "0")
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		for i, id := range []ledger.EntryID{"e1", "e2", "e3"} {
			if err := tx.Entries().Append(ctx, pendingDeposit(id, "10", t0.Add(time.Duration(i)*time.Minute))); err != nil {
				return err
			}
		}
		other := pendingDeposit("e4", "10", t0)
		other.AccountID = "bob"
		return tx.Entries().Append(ctx, other)
	}))

	all, err := s.Read().Entries().ListByAccount(context.Background(), "alice", ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.EntryID("e3"), all[0].ID)
	assert.Equal(t, ledger.EntryID("e1"), all[2].ID)

	limited, err := s.Read().Entries().ListByAccount(context.Background(), "alice", ledger.EntryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.Read().Entries().ListByAccount(context.Background(), "alice", ledger.EntryFilter{Status: ledger.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)

	pending, err := s.Read().Entries().ListPending(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.True(t, !pending[0].CreatedAt.After(pending[3].CreatedAt), "oldest first")
}

func testPositionVersion(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	plan := seedPlan(t, s)
	pos := ledger.NewPosition("pos-1", "alice", plan, d("500"), t0)
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Positions().Create(ctx, pos)
	}))

	update := func(p ledger.Position) error {
		return atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
			return tx.Positions().Update(ctx, p)
		})
	}

	stamp := t0.Add(time.Hour)
	first := pos
	first.TotalProfit = d("0.41666666")
	first.LastProfitDistribution = &stamp
	require.NoError(t, update(first))

	stale := pos
	stale.Status = ledger.PositionCancelled
	assert.ErrorIs(t, update(stale), ledger.ErrConcurrentModification)

	got, err := s.Read().Positions().Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, ledger.PositionActive, got.Status)
	assert.True(t, got.TotalProfit.Equal(d("0.41666666")))
	require.NotNil(t, got.LastProfitDistribution)
	assert.True(t, got.LastProfitDistribution.Equal(stamp))
	assert.True(t, got.EndDate.Equal(t0.AddDate(0, 0, 10)))

	n, err := s.Read().Positions().CountActiveByPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testPositionDistributions(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	plan := seedPlan(t, s)
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Positions().Create(ctx, ledger.NewPosition("pos-1", "alice", plan, d("500"), t0)); err != nil {
			return err
		}
		for h := 1; h <= 3; h++ {
			dist := ledger.ProfitDistribution{Amount: d("0.5"), Date: t0.Add(time.Duration(h) * time.Hour), BalanceAfter: d("10")}
			if err := tx.Positions().AppendDistribution(ctx, "pos-1", dist); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := s.Read().Positions().Get(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Len(t, got.ProfitDistributions, 3)
	assert.True(t, got.ProfitDistributions[0].Date.Equal(t0.Add(time.Hour)))
	assert.True(t, got.ProfitDistributions[2].Date.Equal(t0.Add(3*time.Hour)))

	active, err := s.Read().Positions().ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.Read().Positions().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrPositionNotFound)
}

// testMoneyScaleRoundTrip stores values that use every decimal place the
// ledger allows and expects them back unchanged.
func testMoneyScaleRoundTrip(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "98765432.12345678")
	plan := seedPlan(t, s)
	plan.DurationDays = 3
	plan.PercentageReturn = d("10")
	pos := ledger.NewPosition("pos-1", "alice", plan, d("100.00000001"), t0)

	entry := pendingDeposit("dep-1", "0.12345678", t0)
	entry.Status = ledger.StatusCompleted
	entry.BalanceBefore = d("98765432.12345678")
	entry.BalanceAfter = d("98765432.24691356")
	dist := ledger.ProfitDistribution{Amount: d("0.00000001"), Date: t0.Add(time.Hour), BalanceAfter: d("98765432.24691356")}

	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Entries().Append(ctx, entry); err != nil {
			return err
		}
		if err := tx.Positions().Create(ctx, pos); err != nil {
			return err
		}
		return tx.Positions().AppendDistribution(ctx, "pos-1", dist)
	}))

	ctx := context.Background()
	acct, err := s.Read().Accounts().Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("98765432.12345678")), "got %s", acct.Balance)

	got, err := s.Read().Entries().Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(entry.Amount), "got %s", got.Amount)
	assert.True(t, got.BalanceBefore.Equal(entry.BalanceBefore), "got %s", got.BalanceBefore)
	assert.True(t, got.BalanceAfter.Equal(entry.BalanceAfter), "got %s", got.BalanceAfter)

	p, err := s.Read().Positions().Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(d("100.00000001")), "got %s", p.Amount)
	assert.True(t, p.DailyProfit.Equal(pos.DailyProfit), "got %s want %s", p.DailyProfit, pos.DailyProfit)
	assert.True(t, p.ExpectedReturn.Equal(pos.ExpectedReturn), "got %s want %s", p.ExpectedReturn, pos.ExpectedReturn)
	require.Len(t, p.ProfitDistributions, 1)
	assert.True(t, p.ProfitDistributions[0].Amount.Equal(d("0.00000001")))
}

func testOneActiveAllocation(t *testing.T, s ledger.Store) {
	seedAccount(t, s, "alice", "0")
	alloc := func(id ledger.AllocationID) ledger.CopyTradingAllocation {
		return ledger.CopyTradingAllocation{
			ID:              id,
			AccountID:       "alice",
			TraderID:        "t1",
			TraderName:      "Trader One",
			AllocatedAmount: d("100"),
			TotalEarned:     decimal.Zero,
			Status:          ledger.AllocationActive,
			StartDate:       t0,
			CreatedAt:       t0,
			UpdatedAt:       t0,
		}
	}
	create := func(a ledger.CopyTradingAllocation) error {
		return atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
			return tx.Allocations().Create(ctx, a)
		})
	}

	require.NoError(t, create(alloc("a1")))
	assert.ErrorIs(t, create(alloc("a2")), ledger.ErrActiveAllocationExists)

	active, err := s.Read().Allocations().Active(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ledger.AllocationID("a1"), active.ID)

	stopped := *active
	stopped.Status = ledger.AllocationStopped
	stopAt := t0.Add(time.Hour)
	stopped.StoppedAt = &stopAt
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Allocations().Update(ctx, stopped)
	}))

	active, err = s.Read().Allocations().Active(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, create(alloc("a2")))
	history, err := s.Read().Allocations().ListByAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testPlanCatalog(t *testing.T, s ledger.Store) {
	plan := seedPlan(t, s)

	plan.IsActive = false
	plan.Name = "Starter v2"
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Plans().Update(ctx, plan)
	}))

	active, err := s.Read().Plans().List(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.Read().Plans().List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Starter v2", all[0].Name)
	assert.True(t, all[0].PercentageReturn.Equal(d("20")))

	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Plans().Delete(ctx, plan.ID)
	}))
	_, err = s.Read().Plans().Get(context.Background(), plan.ID)
	assert.ErrorIs(t, err, ledger.ErrPlanNotFound)
}

func outboxMessage(id string) ledger.OutboxMessage {
	return ledger.OutboxMessage{
		ID:        id,
		EventType: "ledger.entry.recorded",
		Key:       "alice",
		Payload:   []byte(`{"entryId":"` + id + `"}`),
		CreatedAt: t0,
	}
}

func testOutboxLifecycle(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	// Same instant for all three: order must come from insertion
	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		for _, id := range []string{"m1", "m2", "m3"} {
			if err := tx.Outbox().Append(ctx, outboxMessage(id)); err != nil {
				return err
			}
		}
		return nil
	}))

	// A rolled-back unit leaves nothing behind
	boom := errors.New("boom")
	err := atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Outbox().Append(ctx, outboxMessage("m4")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Error(t, s.Read().Outbox().Append(ctx, outboxMessage("m5")))
	err = atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Outbox().Append(ctx, outboxMessage("m1"))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)

	pending, err := s.Read().Outbox().Unpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.Equal(t, `{"entryId":"m1"}`, string(pending[0].Payload))
	assert.Equal(t, "alice", pending[0].Key)
	assert.True(t, pending[0].CreatedAt.Equal(t0))
	assert.Nil(t, pending[0].PublishedAt)

	limited, err := s.Read().Outbox().Unpublished(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Outbox().MarkPublished(ctx, "m1", t0.Add(time.Second)); err != nil {
			return err
		}
		return tx.Outbox().MarkFailed(ctx, "m2", "broker down")
	}))

	pending, err = s.Read().Outbox().Unpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m2", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	err = atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Outbox().MarkPublished(ctx, "missing", t0)
	})
	assert.ErrorIs(t, err, ledger.ErrMessageNotFound)
}
