// Package admin is the privileged back-office surface. It owns no business
// rules of its own: every operation delegates to the workflow package that
// does, and adds the approver identity and an audit log line.
package admin

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/account"
	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/funding"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/ledger"
)

type Service struct {
	store       ledger.Store
	funding     *funding.Service
	accounts    *account.Service
	investments *investment.Service
	copyTrading *copytrading.Service
	log         *slog.Logger
}

func NewService(
	store ledger.Store,
	funding *funding.Service,
	accounts *account.Service,
	investments *investment.Service,
	copyTrading *copytrading.Service,
	log *slog.Logger,
) *Service {
	return &Service{
		store:       store,
		funding:     funding,
		accounts:    accounts,
		investments: investments,
		copyTrading: copyTrading,
		log:         log,
	}
}

// =============================================================================
// PENDING FUNDING REQUESTS
// =============================================================================

// ListPending returns pending deposits and withdrawals, oldest first. An
// empty type returns both.
func (s *Service) ListPending(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	switch t {
	case "", ledger.TxDeposit, ledger.TxWithdrawal:
	default:
		return nil, &ledger.ValidationError{Field: "type", Message: "must be deposit or withdrawal"}
	}
	return s.store.Read().Entries().ListPending(ctx, t)
}

// Decision is the outcome of an approval or rejection.
type Decision struct {
	EntryID ledger.EntryID
	Type    ledger.EntryType
	Status  ledger.EntryStatus
	// Balance is the account balance after the decision when it moved
	// money, nil otherwise.
	Balance *decimal.Decimal
}

// Approve settles a pending deposit or withdrawal by id.
func (s *Service) Approve(ctx context.Context, id ledger.EntryID, adminID string) (Decision, error) {
	t, err := s.pendingType(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if t == ledger.TxDeposit {
		return s.ApproveDeposit(ctx, id, adminID)
	}
	return s.ApproveWithdrawal(ctx, id, adminID)
}

// Reject rejects a pending deposit or withdrawal by id.
func (s *Service) Reject(ctx context.Context, id ledger.EntryID, adminID, reason string) (Decision, error) {
	t, err := s.pendingType(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if t == ledger.TxDeposit {
		return s.RejectDeposit(ctx, id, adminID, reason)
	}
	return s.RejectWithdrawal(ctx, id, adminID, reason)
}

func (s *Service) ApproveDeposit(ctx context.Context, id ledger.EntryID, adminID string) (Decision, error) {
	balance, err := s.funding.ApproveDeposit(ctx, id, adminID)
	if err != nil {
		return Decision{}, err
	}
	s.audit(ctx, "approve_deposit", adminID, "entry_id", id)
	return Decision{EntryID: id, Type: ledger.TxDeposit, Status: ledger.StatusCompleted, Balance: &balance}, nil
}

func (s *Service) RejectDeposit(ctx context.Context, id ledger.EntryID, adminID, reason string) (Decision, error) {
	if err := s.funding.RejectDeposit(ctx, id, adminID, reason); err != nil {
		return Decision{}, err
	}
	s.audit(ctx, "reject_deposit", adminID, "entry_id", id)
	return Decision{EntryID: id, Type: ledger.TxDeposit, Status: ledger.StatusRejected}, nil
}

func (s *Service) ApproveWithdrawal(ctx context.Context, id ledger.EntryID, adminID string) (Decision, error) {
	if err := s.funding.ApproveWithdrawal(ctx, id, adminID); err != nil {
		return Decision{}, err
	}
	s.audit(ctx, "approve_withdrawal", adminID, "entry_id", id)
	return Decision{EntryID: id, Type: ledger.TxWithdrawal, Status: ledger.StatusCompleted}, nil
}

func (s *Service) RejectWithdrawal(ctx context.Context, id ledger.EntryID, adminID, reason string) (Decision, error) {
	balance, err := s.funding.RejectWithdrawal(ctx, id, adminID, reason)
	if err != nil {
		return Decision{}, err
	}
	s.audit(ctx, "reject_withdrawal", adminID, "entry_id", id)
	return Decision{EntryID: id, Type: ledger.TxWithdrawal, Status: ledger.StatusRejected, Balance: &balance}, nil
}

// pendingType resolves which workflow owns id. Anything that is not a
// pending deposit or withdrawal is ErrNotPending.
func (s *Service) pendingType(ctx context.Context, id ledger.EntryID) (ledger.EntryType, error) {
	e, err := s.store.Read().Entries().Get(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return "", ledger.ErrNotPending
		}
		return "", err
	}
	if e.Status != ledger.StatusPending || (e.Type != ledger.TxDeposit && e.Type != ledger.TxWithdrawal) {
		return "", ledger.ErrNotPending
	}
	return e.Type, nil
}

// =============================================================================
// KYC
// =============================================================================

func (s *Service) ApproveKYC(ctx context.Context, id ledger.AccountID, adminID string) (ledger.Account, error) {
	acct, err := s.accounts.ApproveKYC(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	s.audit(ctx, "approve_kyc", adminID, "account_id", id)
	return acct, nil
}

func (s *Service) RejectKYC(ctx context.Context, id ledger.AccountID, adminID, reason string) (ledger.Account, error) {
	acct, err := s.accounts.RejectKYC(ctx, id, reason)
	if err != nil {
		return ledger.Account{}, err
	}
	s.audit(ctx, "reject_kyc", adminID, "account_id", id)
	return acct, nil
}

// =============================================================================
// CATALOG AND POSITIONS
// =============================================================================

func (s *Service) CreatePlan(ctx context.Context, in investment.PlanInput, adminID string) (ledger.InvestmentPlan, error) {
	plan, err := s.investments.CreatePlan(ctx, in)
	if err != nil {
		return ledger.InvestmentPlan{}, err
	}
	s.audit(ctx, "create_plan", adminID, "plan_id", plan.ID)
	return plan, nil
}

func (s *Service) UpdatePlan(ctx context.Context, id ledger.PlanID, in investment.PlanInput, adminID string) (ledger.InvestmentPlan, error) {
	plan, err := s.investments.UpdatePlan(ctx, id, in)
	if err != nil {
		return ledger.InvestmentPlan{}, err
	}
	s.audit(ctx, "update_plan", adminID, "plan_id", id)
	return plan, nil
}

func (s *Service) DeletePlan(ctx context.Context, id ledger.PlanID, adminID string) error {
	if err := s.investments.DeletePlan(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "delete_plan", adminID, "plan_id", id)
	return nil
}

// ListPlans includes inactive plans.
func (s *Service) ListPlans(ctx context.Context) ([]ledger.InvestmentPlan, error) {
	return s.investments.ListPlans(ctx, false)
}

func (s *Service) CreateTrader(ctx context.Context, in copytrading.TraderInput, adminID string) (ledger.Trader, error) {
	t, err := s.copyTrading.CreateTrader(ctx, in)
	if err != nil {
		return ledger.Trader{}, err
	}
	s.audit(ctx, "create_trader", adminID, "trader_id", t.ID)
	return t, nil
}

func (s *Service) CancelInvestment(ctx context.Context, id ledger.PositionID, adminID, reason string) (ledger.Position, error) {
	p, err := s.investments.Cancel(ctx, id, reason)
	if err != nil {
		return ledger.Position{}, err
	}
	s.audit(ctx, "cancel_investment", adminID, "position_id", id)
	return p, nil
}

// RunAccrual triggers one accrual tick outside the schedule.
func (s *Service) RunAccrual(ctx context.Context, adminID string) (investment.AccrualSummary, error) {
	sum, err := s.investments.RunAccrualTick(ctx)
	if err != nil {
		return sum, err
	}
	s.audit(ctx, "run_accrual", adminID)
	return sum, nil
}

func (s *Service) audit(ctx context.Context, operation, adminID string, attrs ...any) {
	args := append([]any{"component", "admin", "operation", operation, "admin_id", adminID}, attrs...)
	s.log.InfoContext(ctx, "admin action", args...)
}
