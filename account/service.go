// Package account manages account records, history queries and the KYC
// verification status. None of these operations move a balance.
package account

import (
	"context"
	"log/slog"
	"time"

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

// Create opens an account with a zero balance. An empty id is generated.
func (s *Service) Create(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	if id == "" {
		id = ledger.AccountID(ledger.NewID())
	}
	acct := ledger.NewAccount(id, s.Now())
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Accounts().Create(ctx, acct)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.log.InfoContext(ctx, "account created", "component", "account", "account_id", id)
	return acct, nil
}

func (s *Service) Get(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return s.store.Read().Accounts().Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]ledger.Account, error) {
	return s.store.Read().Accounts().List(ctx)
}

// Transactions returns an account's entries, newest first.
func (s *Service) Transactions(ctx context.Context, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, &ledger.ValidationError{Field: "type", Message: "unknown transaction type"}
	}
	if _, err := s.store.Read().Accounts().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Read().Entries().ListByAccount(ctx, id, f)
}

// =============================================================================
// KYC
// =============================================================================

// SubmitKYC moves an unverified or rejected account to pending review.
func (s *Service) SubmitKYC(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.setKYC(ctx, id, func(a *ledger.Account) error {
		switch a.KYCStatus {
		case ledger.KYCPending:
			return &ledger.ValidationError{Field: "kycStatus", Message: "verification already pending"}
		case ledger.KYCApproved:
			return &ledger.ValidationError{Field: "kycStatus", Message: "account already verified"}
		}
		a.KYCStatus = ledger.KYCPending
		a.KYCRejectionReason = ""
		return nil
	})
}

func (s *Service) ApproveKYC(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.setKYC(ctx, id, func(a *ledger.Account) error {
		a.KYCStatus = ledger.KYCApproved
		a.KYCRejectionReason = ""
		return nil
	})
}

func (s *Service) RejectKYC(ctx context.Context, id ledger.AccountID, reason string) (ledger.Account, error) {
	if reason == "" {
		return ledger.Account{}, &ledger.ValidationError{Field: "reason", Message: "is required"}
	}
	return s.setKYC(ctx, id, func(a *ledger.Account) error {
		a.KYCStatus = ledger.KYCRejected
		a.KYCRejectionReason = reason
		return nil
	})
}

func (s *Service) setKYC(ctx context.Context, id ledger.AccountID, mutate func(*ledger.Account) error) (ledger.Account, error) {
	var out ledger.Account
	err := s.store.RunAtomic(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Accounts().Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(acct); err != nil {
			return err
		}
		acct.UpdatedAt = s.Now()
		if err := tx.Accounts().Update(ctx, *acct); err != nil {
			return err
		}
		out = *acct
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.log.InfoContext(ctx, "kyc status changed",
		"component", "account",
		"account_id", id,
		"kyc_status", out.KYCStatus,
	)
	return out, nil
}
