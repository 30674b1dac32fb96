/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("1250.5")
  and decodes from either a string or a number. Account balances also carry
  a two-decimal display string.

VALIDATION:
  Validation is done by the workflow packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/admin"
	"github.com/warp/invest-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type CreateAccountRequest struct {
	ID string `json:"id"`
}

type AccountDTO struct {
	ID                 string          `json:"id"`
	Balance            decimal.Decimal `json:"balance"`
	BalanceDisplay     string          `json:"balanceDisplay"`
	TotalDeposits      decimal.Decimal `json:"totalDeposits"`
	TotalWithdrawals   decimal.Decimal `json:"totalWithdrawals"`
	TotalInvestments   decimal.Decimal `json:"totalInvestments"`
	TotalProfit        decimal.Decimal `json:"totalProfit"`
	KYCStatus          string          `json:"kycStatus"`
	KYCRejectionReason string          `json:"kycRejectionReason,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:                 string(a.ID),
		Balance:            a.Balance,
		BalanceDisplay:     a.Balance.StringFixed(2),
		TotalDeposits:      a.TotalDeposits,
		TotalWithdrawals:   a.TotalWithdrawals,
		TotalInvestments:   a.TotalInvestments,
		TotalProfit:        a.TotalProfit,
		KYCStatus:          string(a.KYCStatus),
		KYCRejectionReason: a.KYCRejectionReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

// BalanceDTO is returned by operations that move money.
type BalanceDTO struct {
	Balance decimal.Decimal `json:"balance"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type DepositRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Proof        string          `json:"proof"`
	WalletSymbol string          `json:"walletSymbol"`
}

type WithdrawalRequest struct {
	Amount       decimal.Decimal   `json:"amount"`
	Method       string            `json:"method"`
	Details      map[string]string `json:"details"`
	WalletSymbol string            `json:"walletSymbol"`
}

// RejectRequest carries the reason for any admin rejection.
type RejectRequest struct {
	Reason string `json:"reason"`
}

type TransactionDTO struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"accountId"`
	Type            string            `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          string            `json:"status"`
	BalanceBefore   decimal.Decimal   `json:"balanceBefore"`
	BalanceAfter    decimal.Decimal   `json:"balanceAfter"`
	Locked          bool              `json:"locked,omitempty"`
	Description     string            `json:"description,omitempty"`
	InvestmentID    string            `json:"investmentId,omitempty"`
	AllocationID    string            `json:"allocationId,omitempty"`
	WalletSymbol    string            `json:"walletSymbol,omitempty"`
	Proof           string            `json:"proof,omitempty"`
	PaymentMethod   string            `json:"paymentMethod,omitempty"`
	PaymentDetails  map[string]string `json:"paymentDetails,omitempty"`
	ProcessedBy     string            `json:"processedBy,omitempty"`
	ProcessedAt     *time.Time        `json:"processedAt,omitempty"`
	RejectionReason string            `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func toTransactionDTO(e ledger.Entry) TransactionDTO {
	return TransactionDTO{
		ID:              string(e.ID),
		AccountID:       string(e.AccountID),
		Type:            string(e.Type),
		Amount:          e.Amount,
		Status:          string(e.Status),
		BalanceBefore:   e.BalanceBefore,
		BalanceAfter:    e.BalanceAfter,
		Locked:          e.Locked,
		Description:     e.Description,
		InvestmentID:    string(e.PositionID),
		AllocationID:    string(e.AllocationID),
		WalletSymbol:    e.WalletSymbol,
		Proof:           e.Proof,
		PaymentMethod:   e.PaymentMethod,
		PaymentDetails:  e.PaymentDetails,
		ProcessedBy:     e.ProcessedBy,
		ProcessedAt:     e.ProcessedAt,
		RejectionReason: e.RejectionReason,
		CreatedAt:       e.CreatedAt,
	}
}

func toTransactionDTOs(entries []ledger.Entry) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTransactionDTO(e))
	}
	return out
}

// DecisionDTO is the result of an admin approval or rejection.
type DecisionDTO struct {
	TransactionID string           `json:"transactionId"`
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
}

func toDecisionDTO(d admin.Decision) DecisionDTO {
	return DecisionDTO{
		TransactionID: string(d.EntryID),
		Type:          string(d.Type),
		Status:        string(d.Status),
		Balance:       d.Balance,
	}
}

// =============================================================================
// PLANS AND INVESTMENTS
// =============================================================================

type PlanRequest struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	MinimumAmount    decimal.Decimal `json:"minimumAmount"`
	MaximumAmount    decimal.Decimal `json:"maximumAmount"`
	DurationDays     int             `json:"durationDays"`
	PercentageReturn decimal.Decimal `json:"percentageReturn"`
	Risk             string          `json:"risk"`
	IsActive         *bool           `json:"isActive"`
}

type PlanDTO struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	MinimumAmount    decimal.Decimal `json:"minimumAmount"`
	MaximumAmount    decimal.Decimal `json:"maximumAmount"`
	DurationDays     int             `json:"durationDays"`
	PercentageReturn decimal.Decimal `json:"percentageReturn"`
	DailyReturn      decimal.Decimal `json:"dailyReturn"`
	Risk             string          `json:"risk"`
	IsActive         bool            `json:"isActive"`
}

func toPlanDTO(p ledger.InvestmentPlan) PlanDTO {
	return PlanDTO{
		ID:               string(p.ID),
		Name:             p.Name,
		Description:      p.Description,
		MinimumAmount:    p.MinimumAmount,
		MaximumAmount:    p.MaximumAmount,
		DurationDays:     p.DurationDays,
		PercentageReturn: p.PercentageReturn,
		DailyReturn:      p.DailyReturn(),
		Risk:             string(p.Risk),
		IsActive:         p.IsActive,
	}
}

func toPlanDTOs(plans []ledger.InvestmentPlan) []PlanDTO {
	out := make([]PlanDTO, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanDTO(p))
	}
	return out
}

type SubscribeRequest struct {
	PlanID string          `json:"planId"`
	Amount decimal.Decimal `json:"amount"`
}

type CancelInvestmentRequest struct {
	Reason string `json:"reason"`
}

type DistributionDTO struct {
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
}

type InvestmentDTO struct {
	ID                     string            `json:"id"`
	AccountID              string            `json:"accountId"`
	PlanID                 string            `json:"planId"`
	PlanName               string            `json:"planName"`
	Amount                 decimal.Decimal   `json:"amount"`
	PercentageReturn       decimal.Decimal   `json:"percentageReturn"`
	DurationDays           int               `json:"durationDays"`
	DailyProfit            decimal.Decimal   `json:"dailyProfit"`
	ExpectedReturn         decimal.Decimal   `json:"expectedReturn"`
	TotalProfit            decimal.Decimal   `json:"totalProfit"`
	Status                 string            `json:"status"`
	StartDate              time.Time         `json:"startDate"`
	EndDate                time.Time         `json:"endDate"`
	LastProfitDistribution *time.Time        `json:"lastProfitDistribution,omitempty"`
	CompletedAt            *time.Time        `json:"completedAt,omitempty"`
	CancelledAt            *time.Time        `json:"cancelledAt,omitempty"`
	CancelReason           string            `json:"cancelReason,omitempty"`
	ProfitDistributions    []DistributionDTO `json:"profitDistributions,omitempty"`
}

func toInvestmentDTO(p ledger.Position) InvestmentDTO {
	dto := InvestmentDTO{
		ID:                     string(p.ID),
		AccountID:              string(p.AccountID),
		PlanID:                 string(p.PlanID),
		PlanName:               p.PlanName,
		Amount:                 p.Amount,
		PercentageReturn:       p.PercentageReturn,
		DurationDays:           p.DurationDays,
		DailyProfit:            p.DailyProfit,
		ExpectedReturn:         p.ExpectedReturn,
		TotalProfit:            p.TotalProfit,
		Status:                 string(p.Status),
		StartDate:              p.StartDate,
		EndDate:                p.EndDate,
		LastProfitDistribution: p.LastProfitDistribution,
		CompletedAt:            p.CompletedAt,
		CancelledAt:            p.CancelledAt,
		CancelReason:           p.CancelReason,
	}
	for _, d := range p.ProfitDistributions {
		dto.ProfitDistributions = append(dto.ProfitDistributions, DistributionDTO(d))
	}
	return dto
}

// SubscribeResponse pairs the new position with the debited balance.
type SubscribeResponse struct {
	Investment InvestmentDTO   `json:"investment"`
	Balance    decimal.Decimal `json:"balance"`
}

// =============================================================================
// COPY TRADING
// =============================================================================

type TraderRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Risk     string `json:"risk"`
}

type TraderDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Strategy string `json:"strategy,omitempty"`
	Risk     string `json:"risk"`
	IsActive bool   `json:"isActive"`
}

func toTraderDTO(t ledger.Trader) TraderDTO {
	return TraderDTO{
		ID:       string(t.ID),
		Name:     t.Name,
		Strategy: t.Strategy,
		Risk:     string(t.Risk),
		IsActive: t.IsActive,
	}
}

type StartCopyTradingRequest struct {
	TraderID string          `json:"traderId"`
	Amount   decimal.Decimal `json:"amount"`
}

type AllocationDTO struct {
	ID              string          `json:"id"`
	TraderID        string          `json:"traderId"`
	TraderName      string          `json:"traderName"`
	AllocatedAmount decimal.Decimal `json:"allocatedAmount"`
	TotalEarned     decimal.Decimal `json:"totalEarned"`
	Status          string          `json:"status"`
	StartDate       time.Time       `json:"startDate"`
	StoppedAt       *time.Time      `json:"stoppedAt,omitempty"`
}

func toAllocationDTO(a ledger.CopyTradingAllocation) AllocationDTO {
	return AllocationDTO{
		ID:              string(a.ID),
		TraderID:        string(a.TraderID),
		TraderName:      a.TraderName,
		AllocatedAmount: a.AllocatedAmount,
		TotalEarned:     a.TotalEarned,
		Status:          string(a.Status),
		StartDate:       a.StartDate,
		StoppedAt:       a.StoppedAt,
	}
}

// CopyTradingResponse is returned by start and stop.
type CopyTradingResponse struct {
	Allocation AllocationDTO   `json:"allocation"`
	Balance    decimal.Decimal `json:"balance"`
}

// CopyTradingStatusDTO is the current allocation, or active=false.
type CopyTradingStatusDTO struct {
	Active     bool           `json:"active"`
	Allocation *AllocationDTO `json:"allocation,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
