package account_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invest-ledger/account"
	"github.com/warp/invest-ledger/ledger"
	"github.com/warp/invest-ledger/ledger/store"
	"github.com/warp/invest-ledger/logging"
)

func newService() (*account.Service, ledger.Store) {
	st := store.NewMemory()
	svc := account.NewService(st, logging.Discard())
	svc.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	acct, err := svc.Create(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.Equal(t, ledger.KYCUnverified, acct.KYCStatus)

	_, err = svc.Create(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)

	generated, err := svc.Create(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestKYC_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	acct, err := svc.SubmitKYC(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.KYCPending, acct.KYCStatus)

	_, err = svc.SubmitKYC(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = svc.RejectKYC(ctx, "alice", "")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	acct, err = svc.RejectKYC(ctx, "alice", "blurry document")
	require.NoError(t, err)
	assert.Equal(t, ledger.KYCRejected, acct.KYCStatus)
	assert.Equal(t, "blurry document", acct.KYCRejectionReason)

	// Resubmission after rejection clears the reason
	acct, err = svc.SubmitKYC(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, acct.KYCRejectionReason)

	acct, err = svc.ApproveKYC(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.KYCApproved, acct.KYCStatus)
	assert.True(t, acct.Balance.IsZero(), "kyc never moves money")

	_, err = svc.ApproveKYC(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestTransactions_Filter(t *testing.T) {
	ctx := context.Background()
	svc, st := newService()
	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RunAtomic(ctx, func(tx ledger.Tx) error {
		for i, typ := range []ledger.EntryType{ledger.TxDeposit, ledger.TxDeposit, ledger.TxWithdrawal} {
			_, err := ledger.Record(ctx, tx, ledger.Entry{
				AccountID: "alice",
				Type:      typ,
				Amount:    decimal.NewFromInt(int64(10 * (i + 1))),
			}, now.Add(time.Duration(i)*time.Minute))
			if err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := svc.Transactions(ctx, "alice", ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.TxWithdrawal, all[0].Type, "newest first")

	deposits, err := svc.Transactions(ctx, "alice", ledger.EntryFilter{Type: ledger.TxDeposit, Limit: 1})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].Amount.Equal(decimal.NewFromInt(20)))

	_, err = svc.Transactions(ctx, "alice", ledger.EntryFilter{Type: "bogus"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = svc.Transactions(ctx, "nobody", ledger.EntryFilter{})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
