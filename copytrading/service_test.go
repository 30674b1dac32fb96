package copytrading_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/ledger"
	memstore "github.com/warp/invest-ledger/ledger/store"
	"github.com/warp/invest-ledger/logging"
	"github.com/warp/invest-ledger/store/sqlite"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var stores = []struct {
	name string
	open func(t *testing.T) ledger.Store
}{
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

// setup creates account "alice" with the given balance and an active
// trader "t1".
func setup(t *testing.T, store ledger.Store, balance string) (*copytrading.Service, *outboxFeed) {
	t.Helper()
	rec := newOutboxFeed(t, store)
	svc := copytrading.NewService(store, logging.Discard())
	svc.Now = func() time.Time { return t0 }

	acct := ledger.NewAccount("alice", t0)
	acct.Balance = d(balance)
	require.NoError(t, store.RunAtomic(context.Background(), func(tx ledger.Tx) error {
		return tx.Accounts().Create(context.Background(), acct)
	}))
	_, err := svc.CreateTrader(context.Background(), copytrading.TraderInput{ID: "t1", Name: "Momentum Max", Risk: ledger.RiskHigh})
	require.NoError(t, err)
	return svc, rec
}

func balanceOf(t *testing.T, store ledger.Store) decimal.Decimal {
	t.Helper()
	acct, err := store.Read().Accounts().Get(context.Background(), "alice")
	require.NoError(t, err)
	return acct.Balance
}

func TestStartStop_RoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, rec := setup(t, store, "1000")

		// GIVEN a 300 allocation
		res, err := svc.Start(ctx, "alice", "t1", d("300"))
		require.NoError(t, err)
		assert.True(t, res.Balance.Equal(d("700")))
		assert.Equal(t, ledger.AllocationActive, res.Allocation.Status)
		assert.Equal(t, "Momentum Max", res.Allocation.TraderName)

		active, err := svc.Active(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, res.Allocation.ID, active.ID)

		// WHEN it is stopped
		res, err = svc.Stop(ctx, "alice")
		require.NoError(t, err)

		// THEN the full amount is back and both legs are on the ledger
		assert.True(t, res.Balance.Equal(d("1000")))
		assert.Equal(t, ledger.AllocationStopped, res.Allocation.Status)
		require.NotNil(t, res.Allocation.StoppedAt)
		assert.True(t, balanceOf(t, store).Equal(d("1000")))

		entries, err := store.Read().Entries().ListByAccount(ctx, "alice", ledger.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.TxCopyTradingReturn, entries[0].Type)
		assert.True(t, entries[0].BalanceAfter.Equal(d("1000")))
		assert.Equal(t, ledger.TxCopyTradingStart, entries[1].Type)
		assert.True(t, entries[1].BalanceAfter.Equal(d("700")))
		assert.Len(t, rec.Events(), 2)

		active, err = svc.Active(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, active)

		history, err := svc.History(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestStart_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _ := setup(t, store, "500")

		require.NoError(t, store.RunAtomic(ctx, func(tx ledger.Tx) error {
			return tx.Traders().Create(ctx, ledger.Trader{ID: "retired", Name: "Retired", Risk: ledger.RiskLow, CreatedAt: t0})
		}))

		tests := []struct {
			name    string
			trader  ledger.TraderID
			amount  string
			wantErr error
		}{
			{"zero amount", "t1", "0", ledger.ErrValidation},
			{"unknown trader", "ghost", "100", ledger.ErrTraderNotFound},
			{"inactive trader", "retired", "100", ledger.ErrTraderInactive},
			{"insufficient balance", "t1", "501", ledger.ErrInsufficientBalance},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Start(ctx, "alice", tt.trader, d(tt.amount))
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}
		assert.True(t, balanceOf(t, store).Equal(d("500")))

		_, err := svc.Start(ctx, "alice", "t1", d("100"))
		require.NoError(t, err)
		_, err = svc.Start(ctx, "alice", "t1", d("100"))
		assert.ErrorIs(t, err, ledger.ErrActiveAllocationExists)
		assert.True(t, balanceOf(t, store).Equal(d("400")))
	})
}

func TestStop_WithoutActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		svc, _ := setup(t, store, "500")
		_, err := svc.Stop(context.Background(), "alice")
		assert.ErrorIs(t, err, ledger.ErrNoActiveAllocation)
		assert.True(t, balanceOf(t, store).Equal(d("500")))
	})
}

func TestStart_ConcurrentStartsOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc, _ := setup(t, store, "1000")

		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			conflict int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Start(ctx, "alice", "t1", d("100"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ledger.ErrActiveAllocationExists):
					conflict++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, conflict)
		assert.True(t, balanceOf(t, store).Equal(d("900")))
	})
}

func TestCreateTrader_Validation(t *testing.T) {
	svc := copytrading.NewService(memstore.NewMemory(), logging.Discard())

	_, err := svc.CreateTrader(context.Background(), copytrading.TraderInput{})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = svc.CreateTrader(context.Background(), copytrading.TraderInput{Name: "X", Risk: "extreme"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	tr, err := svc.CreateTrader(context.Background(), copytrading.TraderInput{Name: "Steady"})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, ledger.RiskMedium, tr.Risk)

	list, err := svc.ListTraders(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
