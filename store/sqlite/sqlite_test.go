package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/ledger"
	"github.com/warp/invest-ledger/ledger/storetest"
	"github.com/warp/invest-ledger/store/sqlite"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	acct := ledger.NewAccount("alice", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	acct.Balance = decimal.RequireFromString("42.5")
	require.NoError(t, s.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, acct)
	}))
	require.NoError(t, s.Close())

	// Reopening runs the migration again against the existing schema
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.Read().Accounts().Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(acct.Balance))

	require.NoError(t, s.Reset(ctx))
	_, err = s.Read().Accounts().Get(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSQLiteStore_CorruptMoneyIsAnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, ledger.NewAccount("alice", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	}))
	require.NoError(t, s.Close())

	// Damage the row behind the adapter's back
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE accounts SET balance = '12,50' WHERE id = 'alice'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read().Accounts().Get(ctx, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt balance")

	_, err = s.Read().Accounts().List(ctx)
	assert.Error(t, err)
}
