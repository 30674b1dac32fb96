package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/lease"
	"github.com/warp/invest-ledger/ledger"
	memstore "github.com/warp/invest-ledger/ledger/store"
	"github.com/warp/invest-ledger/logging"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type flakyPublisher struct {
	Recorder
	fail bool
}

func (p *flakyPublisher) Publish(ctx context.Context, events ...Event) error {
	if p.fail {
		return errors.New("broker down")
	}
	return p.Recorder.Publish(ctx, events...)
}

func entry(id string) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		AccountID: "alice",
		Type:      ledger.TxDeposit,
		Status:    ledger.StatusPending,
		Amount:    decimal.RequireFromString("10"),
		UpdatedAt: t0,
	}
}

// commit writes one Recorded event per id in a single unit.
func commit(t *testing.T, store ledger.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.RunAtomic(ctx, func(tx ledger.Tx) error {
		for _, id := range ids {
			if err := Recorded(ctx, tx, entry(id)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func entryIDs(evs []Event) []string {
	var out []string
	for _, e := range evs {
		out = append(out, e.EntryID)
	}
	return out
}

func TestRelay_PublishesCommittedEventsInOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	pub := &Recorder{}
	relay := NewRelay(store, pub, logging.Discard())

	commit(t, store, "e1", "e2")
	err := store.RunAtomic(ctx, func(tx ledger.Tx) error {
		if err := Settled(ctx, tx, entry("rolled-back")); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	commit(t, store, "e3")

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"e1", "e2", "e3"}, entryIDs(pub.Events()))
	assert.Equal(t, EntryRecorded, pub.Events()[0].Type)

	// Published messages are not sent again
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.Events(), 3)
}

func TestRelay_FailureKeepsOrderAndRetries(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	pub := &flakyPublisher{fail: true}
	relay := NewRelay(store, pub, logging.Discard())
	commit(t, store, "e1", "e2")

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.Events())

	pending, err := store.Read().Outbox().Unpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)
	assert.Zero(t, pending[1].Attempts, "the pass stops at the first failure")

	pub.fail = false
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, entryIDs(pub.Events()))

	pending, err = store.Read().Outbox().Unpublished(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelay_BatchSize(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	pub := &Recorder{}
	relay := NewRelay(store, pub, logging.Discard())
	relay.BatchSize = 2
	commit(t, store, "e1", "e2", "e3")

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e1", "e2", "e3"}, entryIDs(pub.Events()))
}

func TestRelay_SkipsWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemory()
	pub := &Recorder{}
	locker := lease.NewLocal()
	relay := NewRelay(store, pub, logging.Discard())
	relay.Locker = locker
	commit(t, store, "e1")

	release, err := locker.Acquire(ctx, relayLease, time.Minute)
	require.NoError(t, err)

	_, err = relay.RunOnce(ctx)
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.Empty(t, pub.Events())

	require.NoError(t, release(ctx))
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelay_StartStop(t *testing.T) {
	store := memstore.NewMemory()
	pub := &Recorder{}
	relay := NewRelay(store, pub, logging.Discard())
	relay.Interval = 10 * time.Millisecond
	commit(t, store, "e1")

	relay.Start()
	relay.Start()
	defer relay.Stop()

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	commit(t, store, "e2")
	require.Eventually(t, func() bool { return len(pub.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)

	relay.Stop()
	relay.Stop()
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	ev, err := Decode([]byte(`{"type":"ledger.entry.settled","entryId":"e1"}`))
	require.NoError(t, err)
	assert.Equal(t, EntrySettled, ev.Type)
}
