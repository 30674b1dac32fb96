package investment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/ledger"
	memstore "github.com/warp/invest-ledger/ledger/store"
	"github.com/warp/invest-ledger/logging"
	"github.com/warp/invest-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type storeCase struct {
	name string
	open func(t *testing.T) ledger.Store
}

var stores = []storeCase{
	{"memory", func(t *testing.T) ledger.Store { return memstore.NewMemory() }},
	{"sqlite", func(t *testing.T) ledger.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func forEachStore(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	for _, sc := range stores {
		t.Run(sc.name, func(t *testing.T) { fn(t, sc.open(t)) })
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// outboxFeed relays committed outbox messages to a recorder on demand.
type outboxFeed struct {
	t     *testing.T
	relay *events.Relay
	rec   *events.Recorder
}

func newOutboxFeed(t *testing.T, store ledger.Store) *outboxFeed {
	rec := &events.Recorder{}
	return &outboxFeed{t: t, relay: events.NewRelay(store, rec, logging.Discard()), rec: rec}
}

// Events publishes everything committed so far and returns it.
func (f *outboxFeed) Events() []events.Event {
	f.t.Helper()
	_, err := f.relay.RunOnce(context.Background())
	require.NoError(f.t, err)
	return f.rec.Events()
}

func newService(t *testing.T, store ledger.Store) (*investment.Service, *clock, *outboxFeed) {
	c := &clock{now: t0}
	svc := investment.NewService(store, logging.Discard())
	svc.Now = c.Now
	return svc, c, newOutboxFeed(t, store)
}

func seedAccount(t *testing.T, store ledger.Store, id ledger.AccountID, balance string) {
	t.Helper()
	acct := ledger.NewAccount(id, t0)
	acct.Balance = d(balance)
	require.NoError(t, store.RunAtomic(context.Background(), func(tx ledger.Tx) error {
		return tx.Accounts().Create(context.Background(), acct)
	}))
}

func seedPlan(t *testing.T, svc *investment.Service, days int, pct string) ledger.InvestmentPlan {
	t.Helper()
	plan, err := svc.CreatePlan(context.Background(), investment.PlanInput{
		Name:             "Starter",
		MinimumAmount:    d("100"),
		MaximumAmount:    d("10000"),
		DurationDays:     days,
		PercentageReturn: d(pct),
		Risk:             ledger.RiskLow,
	})
	require.NoError(t, err)
	return plan
}

func account(t *testing.T, store ledger.Store, id ledger.AccountID) *ledger.Account {
	t.Helper()
	acct, err := store.Read().Accounts().Get(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func position(t *testing.T, store ledger.Store, id ledger.PositionID) *ledger.Position {
	t.Helper()
	p, err := store.Read().Positions().Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func entryTypes(t *testing.T, store ledger.Store, id ledger.AccountID) []ledger.EntryType {
	t.Helper()
	entries, err := store.Read().Entries().ListByAccount(context.Background(), id, ledger.EntryFilter{})
	require.NoError(t, err)
	var out []ledger.EntryType
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

// =============================================================================
// PLANS
// =============================================================================

func TestCreatePlan_Validation(t *testing.T) {
	svc, _, _ := newService(t, memstore.NewMemory())

	_, err := svc.CreatePlan(context.Background(), investment.PlanInput{
		Name:             "Broken",
		MinimumAmount:    d("500"),
		MaximumAmount:    d("100"),
		DurationDays:     7,
		PercentageReturn: d("5"),
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	plan, err := svc.CreatePlan(context.Background(), investment.PlanInput{
		Name:             "Default risk",
		MinimumAmount:    d("100"),
		MaximumAmount:    d("500"),
		DurationDays:     7,
		PercentageReturn: d("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.RiskMedium, plan.Risk)
	assert.True(t, plan.IsActive)
}

func TestUpdatePlan_DoesNotTouchPositions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("500"))
		require.NoError(t, err)

		inactive := false
		updated, err := svc.UpdatePlan(ctx, plan.ID, investment.PlanInput{
			Name:             "Starter v2",
			MinimumAmount:    d("100"),
			MaximumAmount:    d("10000"),
			DurationDays:     30,
			PercentageReturn: d("50"),
			Risk:             ledger.RiskHigh,
			IsActive:         &inactive,
		})
		require.NoError(t, err)
		assert.False(t, updated.IsActive)

		p := position(t, store, sub.Position.ID)
		assert.True(t, p.PercentageReturn.Equal(d("20")))
		assert.Equal(t, 10, p.DurationDays)
		assert.True(t, p.ExpectedReturn.Equal(d("100")))

		_, err = svc.Subscribe(ctx, "alice", plan.ID, d("100"))
		assert.ErrorIs(t, err, ledger.ErrPlanInactive)

		active, err := svc.ListPlans(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestDeletePlan_GuardedByActivePositions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("500"))
		require.NoError(t, err)

		err = svc.DeletePlan(ctx, plan.ID)
		assert.ErrorIs(t, err, ledger.ErrPlanInUse)

		_, err = svc.Cancel(ctx, sub.Position.ID, "plan retired")
		require.NoError(t, err)

		require.NoError(t, svc.DeletePlan(ctx, plan.ID))
		_, err = svc.GetPlan(ctx, plan.ID)
		assert.ErrorIs(t, err, ledger.ErrPlanNotFound)

		assert.ErrorIs(t, svc.DeletePlan(ctx, plan.ID), ledger.ErrPlanNotFound)
	})
}

// =============================================================================
// SUBSCRIBE
// =============================================================================

func TestSubscribe(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _, rec := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("400"))
		require.NoError(t, err)
		assert.True(t, sub.Balance.Equal(d("600")))

		p := sub.Position
		assert.Equal(t, ledger.PositionActive, p.Status)
		assert.True(t, p.DailyProfit.Equal(d("8")), "400 at 2 percent per day")
		assert.True(t, p.ExpectedReturn.Equal(d("80")))
		assert.Equal(t, t0.AddDate(0, 0, 10), p.EndDate)

		acct := account(t, store, "alice")
		assert.True(t, acct.Balance.Equal(d("600")))
		assert.True(t, acct.TotalInvestments.Equal(d("400")))

		assert.Equal(t, []ledger.EntryType{ledger.TxInvestment}, entryTypes(t, store, "alice"))
		require.Len(t, rec.Events(), 1)
		assert.Equal(t, events.EntryRecorded, rec.Events()[0].Type)

		list, err := svc.ListByAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestSubscribe_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _, rec := newService(t, store)
		seedAccount(t, store, "alice", "500")
		plan := seedPlan(t, svc, 10, "20")

		tests := []struct {
			name    string
			account ledger.AccountID
			plan    ledger.PlanID
			amount  string
			wantErr error
		}{
			{"under minimum", "alice", plan.ID, "50", ledger.ErrAmountOutOfRange},
			{"over maximum", "alice", plan.ID, "20000", ledger.ErrAmountOutOfRange},
			{"zero amount", "alice", plan.ID, "0", ledger.ErrValidation},
			{"unknown plan", "alice", "nope", "200", ledger.ErrPlanNotFound},
			{"unknown account", "bob", plan.ID, "200", ledger.ErrAccountNotFound},
			{"insufficient balance", "alice", plan.ID, "600", ledger.ErrInsufficientBalance},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Subscribe(ctx, tt.account, tt.plan, d(tt.amount))
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}

		// Out of range is also a validation failure
		_, err := svc.Subscribe(ctx, "alice", plan.ID, d("50"))
		assert.ErrorIs(t, err, ledger.ErrValidation)

		assert.True(t, account(t, store, "alice").Balance.Equal(d("500")))
		assert.Empty(t, entryTypes(t, store, "alice"))
		assert.Empty(t, rec.Events())
	})
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestAccrual_MaturitySettlement(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, clk, rec := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 1, "10")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("1000"))
		require.NoError(t, err)
		assert.True(t, sub.Balance.IsZero())

		clk.Set(t0.Add(24 * time.Hour))
		sum, err := svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, investment.AccrualSummary{Scanned: 1, Completed: 1}, sum)

		p := position(t, store, sub.Position.ID)
		assert.Equal(t, ledger.PositionCompleted, p.Status)
		require.NotNil(t, p.CompletedAt)
		assert.True(t, p.TotalProfit.Equal(d("100")), "got %s", p.TotalProfit)
		require.Len(t, p.ProfitDistributions, 1)

		acct := account(t, store, "alice")
		assert.True(t, acct.Balance.Equal(d("1100")), "got %s", acct.Balance)
		assert.True(t, acct.TotalProfit.Equal(d("100")))

		assert.Equal(t, []ledger.EntryType{
			ledger.TxInvestmentCompletion,
			ledger.TxInvestmentReturn,
			ledger.TxInvestment,
		}, entryTypes(t, store, "alice"))
		assert.Len(t, rec.Events(), 3)

		// A second tick finds nothing to do
		clk.Set(t0.Add(48 * time.Hour))
		sum, err = svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, investment.AccrualSummary{}, sum)
		assert.True(t, account(t, store, "alice").Balance.Equal(d("1100")))
	})
}

func TestAccrual_HourlyTicksAreMonotonicAndCapped(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, clk, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 2, "10")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("1000"))
		require.NoError(t, err)
		expected := sub.Position.ExpectedReturn

		prev := decimal.Zero
		for h := 1; h < 48; h++ {
			clk.Set(t0.Add(time.Duration(h) * time.Hour))
			sum, err := svc.RunAccrualTick(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, sum.Accrued, "hour %d", h)

			p := position(t, store, sub.Position.ID)
			require.True(t, p.TotalProfit.GreaterThan(prev), "hour %d", h)
			require.True(t, p.TotalProfit.LessThanOrEqual(expected), "hour %d", h)
			prev = p.TotalProfit

			// Accrual never touches the spendable balance
			require.True(t, account(t, store, "alice").Balance.IsZero())
		}

		clk.Set(t0.Add(48 * time.Hour))
		sum, err := svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Completed)

		p := position(t, store, sub.Position.ID)
		assert.Equal(t, ledger.PositionCompleted, p.Status)
		assert.True(t, p.TotalProfit.LessThanOrEqual(expected))
		assert.True(t, expected.Sub(p.TotalProfit).LessThan(d("0.000001")), "got %s", p.TotalProfit)
		assert.Len(t, p.ProfitDistributions, 48)

		acct := account(t, store, "alice")
		assert.True(t, acct.Balance.Equal(d("1000").Add(p.TotalProfit)), "got %s", acct.Balance)
	})
}

func TestAccrual_SkipsWithinAnHour(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, clk, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("500"))
		require.NoError(t, err)

		clk.Set(t0.Add(30 * time.Minute))
		sum, err := svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, investment.AccrualSummary{Scanned: 1, Skipped: 1}, sum)

		p := position(t, store, sub.Position.ID)
		assert.True(t, p.TotalProfit.IsZero())
		assert.Nil(t, p.LastProfitDistribution)

		// Two ticks at the same instant accrue once
		clk.Set(t0.Add(3 * time.Hour))
		_, err = svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		sum, err = svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)

		p = position(t, store, sub.Position.ID)
		assert.True(t, p.TotalProfit.Equal(d("1.25")), "10 per day for 3h, got %s", p.TotalProfit)
		assert.Len(t, p.ProfitDistributions, 1)
	})
}

func TestAccrual_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	svc, clk, _ := newService(t, store)
	seedAccount(t, store, "alice", "2000")
	plan := seedPlan(t, svc, 10, "20")

	good, err := svc.Subscribe(ctx, "alice", plan.ID, d("1200"))
	require.NoError(t, err)

	// One position belongs to a missing account, one was stamped in the future
	future := t0.Add(10 * time.Hour)
	orphan := ledger.NewPosition("orphan", "ghost", plan, d("500"), t0)
	skewed := ledger.NewPosition("skewed", "alice", plan, d("500"), t0)
	skewed.LastProfitDistribution = &future
	require.NoError(t, store.RunAtomic(ctx, func(tx ledger.Tx) error {
		if err := tx.Positions().Create(ctx, orphan); err != nil {
			return err
		}
		return tx.Positions().Create(ctx, skewed)
	}))

	clk.Set(t0.Add(2 * time.Hour))
	sum, err := svc.RunAccrualTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, investment.AccrualSummary{Scanned: 3, Accrued: 1, Failed: 2}, sum)

	assert.True(t, position(t, store, good.Position.ID).TotalProfit.Equal(d("2")))
	assert.True(t, position(t, store, "skewed").TotalProfit.IsZero())

	// The skewed stamp is an integrity violation, the orphan is not
	err = svc.AccruePosition(ctx, "skewed", clk.Now())
	require.Error(t, err)
	assert.True(t, ledger.IsIntegrity(err), "got %v", err)

	err = svc.AccruePosition(ctx, "orphan", clk.Now())
	require.Error(t, err)
	assert.False(t, ledger.IsIntegrity(err))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RefundsPrincipalOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, clk, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("500"))
		require.NoError(t, err)

		clk.Set(t0.Add(5 * time.Hour))
		_, err = svc.RunAccrualTick(ctx)
		require.NoError(t, err)

		p, err := svc.Cancel(ctx, sub.Position.ID, "fraud review")
		require.NoError(t, err)
		assert.Equal(t, ledger.PositionCancelled, p.Status)
		assert.Equal(t, "fraud review", p.CancelReason)
		require.NotNil(t, p.CancelledAt)

		acct := account(t, store, "alice")
		assert.True(t, acct.Balance.Equal(d("1000")), "got %s", acct.Balance)
		assert.True(t, acct.TotalProfit.IsZero())

		_, err = svc.Cancel(ctx, sub.Position.ID, "again")
		assert.ErrorIs(t, err, ledger.ErrPositionNotActive)

		_, err = svc.Cancel(ctx, "missing", "x")
		assert.ErrorIs(t, err, ledger.ErrPositionNotFound)

		clk.Set(t0.Add(20 * 24 * time.Hour))
		sum, err := svc.RunAccrualTick(ctx)
		require.NoError(t, err)
		assert.Zero(t, sum.Scanned)
		assert.True(t, account(t, store, "alice").Balance.Equal(d("1000")))
	})
}

func TestCancel_RacingMaturitySettlesOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, clk, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 1, "10")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("1000"))
		require.NoError(t, err)
		clk.Set(t0.Add(24 * time.Hour))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.Cancel(ctx, sub.Position.ID, "race")
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.RunAccrualTick(ctx)
		}()
		wg.Wait()

		p := position(t, store, sub.Position.ID)
		balance := account(t, store, "alice").Balance
		switch p.Status {
		case ledger.PositionCancelled:
			assert.True(t, balance.Equal(d("1000")), "got %s", balance)
			assert.NotContains(t, entryTypes(t, store, "alice"), ledger.TxInvestmentCompletion)
		case ledger.PositionCompleted:
			assert.True(t, balance.Equal(d("1100")), "got %s", balance)
			assert.NotContains(t, entryTypes(t, store, "alice"), ledger.TxInvestmentRefund)
		default:
			t.Fatalf("position left in %s", p.Status)
		}
	})
}

func TestPositionVersion_RejectsStaleWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _, _ := newService(t, store)
		seedAccount(t, store, "alice", "1000")
		plan := seedPlan(t, svc, 10, "20")

		sub, err := svc.Subscribe(ctx, "alice", plan.ID, d("500"))
		require.NoError(t, err)
		stale := position(t, store, sub.Position.ID)

		_, err = svc.Cancel(ctx, sub.Position.ID, "first")
		require.NoError(t, err)

		stale.Status = ledger.PositionCompleted
		err = store.RunAtomic(ctx, func(tx ledger.Tx) error {
			return tx.Positions().Update(ctx, *stale)
		})
		assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
		assert.Equal(t, ledger.PositionCancelled, position(t, store, sub.Position.ID).Status)
	})
}
