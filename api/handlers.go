/*
handlers.go - HTTP API handlers for the investment ledger

PURPOSE:
  Exposes the ledger workflows via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the workflow packages.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                          Create account
    GET    /api/accounts                          List accounts
    GET    /api/accounts/{id}                     Balance and statistics
    GET    /api/accounts/{id}/transactions        History (?type=&status=&limit=)
    POST   /api/accounts/{id}/deposits            Submit deposit
    POST   /api/accounts/{id}/withdrawals         Submit withdrawal
    POST   /api/accounts/{id}/investments         Subscribe to a plan
    GET    /api/accounts/{id}/investments         Positions
    POST   /api/accounts/{id}/kyc                 Submit KYC
    GET    /api/accounts/{id}/copy-trading        Active allocation
    POST   /api/accounts/{id}/copy-trading        Start copy trading
    DELETE /api/accounts/{id}/copy-trading        Stop copy trading
    GET    /api/accounts/{id}/copy-trading/history  All allocations

  Catalog:
    GET    /api/investments/{id}                  Position with distributions
    GET    /api/plans, /api/plans/{id}            Active plans
    GET    /api/traders                           Traders

  Admin: see admin.go

IDENTITY:
  Authentication happens upstream. The account id in the path is trusted,
  and admin routes read the approver from the X-Admin-ID header.

ERROR HANDLING:
  Errors are returned as JSON with a status from errorStatus:
  - 400: Validation errors, invalid input
  - 404: Record not found, or entry not pending
  - 409: State forbids the operation, or a lost race (with Retry-After)
  - 422: Insufficient balance
  - 500: Internal errors (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - admin.go: Back-office handlers
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/invest-ledger/account"
	"github.com/warp/invest-ledger/admin"
	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/funding"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Accounts    *account.Service
	Funding     *funding.Service
	Investments *investment.Service
	CopyTrading *copytrading.Service
	Admin       *admin.Service

	// Optional. Scheduler serializes manual accrual runs with scheduled
	// ones; Health backs /healthz.
	Scheduler *AccrualScheduler
	Health    Pinger

	log *slog.Logger
}

func NewHandler(
	accounts *account.Service,
	funding *funding.Service,
	investments *investment.Service,
	copyTrading *copytrading.Service,
	admin *admin.Service,
	log *slog.Logger,
) *Handler {
	return &Handler{
		Accounts:    accounts,
		Funding:     funding,
		Investments: investments,
		CopyTrading: copyTrading,
		Admin:       admin,
		log:         log,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}
	acct, err := h.Accounts.Create(r.Context(), ledger.AccountID(req.ID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Accounts.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AccountDTO, 0, len(accts))
	for _, a := range accts {
		out = append(out, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Accounts.Get(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

// GetTransactions returns ledger history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.EntryFilter{
		Type:   ledger.EntryType(q.Get("type")),
		Status: ledger.EntryStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Accounts.Transactions(r.Context(), accountID(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

func (h *Handler) SubmitKYC(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Accounts.SubmitKYC(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// FUNDING HANDLERS
// =============================================================================

func (h *Handler) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.Funding.SubmitDeposit(r.Context(), funding.DepositRequest{
		AccountID:    accountID(r),
		Amount:       req.Amount,
		Proof:        req.Proof,
		WalletSymbol: req.WalletSymbol,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(e))
}

func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.Funding.SubmitWithdrawal(r.Context(), funding.WithdrawalRequest{
		AccountID:    accountID(r),
		Amount:       req.Amount,
		Method:       req.Method,
		Details:      req.Details,
		WalletSymbol: req.WalletSymbol,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(e))
}

// =============================================================================
// INVESTMENT HANDLERS
// =============================================================================

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.Investments.Subscribe(r.Context(), accountID(r), ledger.PlanID(req.PlanID), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubscribeResponse{
		Investment: toInvestmentDTO(sub.Position),
		Balance:    sub.Balance,
	})
}

func (h *Handler) ListInvestments(w http.ResponseWriter, r *http.Request) {
	positions, err := h.Investments.ListByAccount(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]InvestmentDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, toInvestmentDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetInvestment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Investments.Get(r.Context(), ledger.PositionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvestmentDTO(*p))
}

// ListPlans returns the active catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Investments.ListPlans(r.Context(), true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTOs(plans))
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Investments.GetPlan(r.Context(), ledger.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(*plan))
}

// =============================================================================
// COPY TRADING HANDLERS
// =============================================================================

func (h *Handler) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := h.CopyTrading.ListTraders(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]TraderDTO, 0, len(traders))
	for _, t := range traders {
		out = append(out, toTraderDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCopyTrading(w http.ResponseWriter, r *http.Request) {
	alloc, err := h.CopyTrading.Active(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if alloc == nil {
		writeJSON(w, http.StatusOK, CopyTradingStatusDTO{})
		return
	}
	dto := toAllocationDTO(*alloc)
	writeJSON(w, http.StatusOK, CopyTradingStatusDTO{Active: true, Allocation: &dto})
}

// CopyTradingHistory lists every allocation of the account, active or not.
func (h *Handler) CopyTradingHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Accounts.Get(r.Context(), accountID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	allocs, err := h.CopyTrading.History(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AllocationDTO, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, toAllocationDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) StartCopyTrading(w http.ResponseWriter, r *http.Request) {
	var req StartCopyTradingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.CopyTrading.Start(r.Context(), accountID(r), ledger.TraderID(req.TraderID), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CopyTradingResponse{
		Allocation: toAllocationDTO(res.Allocation),
		Balance:    res.Balance,
	})
}

func (h *Handler) StopCopyTrading(w http.ResponseWriter, r *http.Request) {
	res, err := h.CopyTrading.Stop(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CopyTradingResponse{
		Allocation: toAllocationDTO(res.Allocation),
		Balance:    res.Balance,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func accountID(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

const retryAfterSeconds = "1"

// errorStatus maps ledger errors to an HTTP status and a public message.
func errorStatus(err error) (int, string) {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient balance"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case ledger.IsPrecondition(err):
		return http.StatusConflict, "Operation not allowed in the current state"
	case ledger.IsConflict(err):
		return http.StatusConflict, "Conflicting update, retry the request"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// fail writes err as a JSON error. Internal errors are logged with the
// request id and their details are not returned. A lost optimistic race
// carries Retry-After so clients can resubmit.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if ledger.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed",
			"component", "api",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, status, msg, nil)
		return
	}
	writeError(w, status, msg, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
