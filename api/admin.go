package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/invest-ledger/admin"
	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/lease"
	"github.com/warp/invest-ledger/ledger"
)

// Admin routes:
//
//	GET    /api/admin/transactions/pending?type=
//	POST   /api/admin/transactions/{id}/approve|reject
//	POST   /api/admin/deposits/{id}/approve|reject
//	POST   /api/admin/withdrawals/{id}/approve|reject
//	POST   /api/admin/accounts/{id}/kyc/approve|reject
//	GET    /api/admin/plans             (includes inactive)
//	POST   /api/admin/plans
//	PUT    /api/admin/plans/{id}
//	DELETE /api/admin/plans/{id}
//	POST   /api/admin/traders
//	POST   /api/admin/investments/{id}/cancel
//	POST   /api/admin/accrual/run
//	POST   /api/admin/seed

const adminHeader = "X-Admin-ID"

func adminID(r *http.Request) string {
	if id := r.Header.Get(adminHeader); id != "" {
		return id
	}
	return "admin"
}

func entryID(r *http.Request) ledger.EntryID {
	return ledger.EntryID(chi.URLParam(r, "id"))
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Admin.ListPending(r.Context(), ledger.EntryType(r.URL.Query().Get("type")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// decide runs an approval or rejection and writes the decision.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func() (admin.Decision, error)) {
	dec, err := fn()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(dec))
}

func rejectReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req RejectRequest
	if r.ContentLength == 0 {
		return "", true
	}
	if !decode(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

func (h *Handler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.Approve(r.Context(), entryID(r), adminID(r))
	})
}

func (h *Handler) RejectTransaction(w http.ResponseWriter, r *http.Request) {
	reason, ok := rejectReason(w, r)
	if !ok {
		return
	}
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.Reject(r.Context(), entryID(r), adminID(r), reason)
	})
}

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.ApproveDeposit(r.Context(), entryID(r), adminID(r))
	})
}

func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	reason, ok := rejectReason(w, r)
	if !ok {
		return
	}
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.RejectDeposit(r.Context(), entryID(r), adminID(r), reason)
	})
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.ApproveWithdrawal(r.Context(), entryID(r), adminID(r))
	})
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	reason, ok := rejectReason(w, r)
	if !ok {
		return
	}
	h.decide(w, r, func() (admin.Decision, error) {
		return h.Admin.RejectWithdrawal(r.Context(), entryID(r), adminID(r), reason)
	})
}

// =============================================================================
// KYC
// =============================================================================

func (h *Handler) ApproveKYC(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Admin.ApproveKYC(r.Context(), accountID(r), adminID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) RejectKYC(w http.ResponseWriter, r *http.Request) {
	reason, ok := rejectReason(w, r)
	if !ok {
		return
	}
	acct, err := h.Admin.RejectKYC(r.Context(), accountID(r), adminID(r), reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// CATALOG
// =============================================================================

func (req PlanRequest) input() investment.PlanInput {
	return investment.PlanInput{
		Name:             req.Name,
		Description:      req.Description,
		MinimumAmount:    req.MinimumAmount,
		MaximumAmount:    req.MaximumAmount,
		DurationDays:     req.DurationDays,
		PercentageReturn: req.PercentageReturn,
		Risk:             ledger.Risk(req.Risk),
		IsActive:         req.IsActive,
	}
}

func (h *Handler) AdminListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Admin.ListPlans(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTOs(plans))
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.Admin.CreatePlan(r.Context(), req.input(), adminID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(plan))
}

func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.Admin.UpdatePlan(r.Context(), ledger.PlanID(chi.URLParam(r, "id")), req.input(), adminID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Admin.DeletePlan(r.Context(), ledger.PlanID(chi.URLParam(r, "id")), adminID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateTrader(w http.ResponseWriter, r *http.Request) {
	var req TraderRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Admin.CreateTrader(r.Context(), copytrading.TraderInput{
		ID:       ledger.TraderID(req.ID),
		Name:     req.Name,
		Strategy: req.Strategy,
		Risk:     ledger.Risk(req.Risk),
	}, adminID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTraderDTO(t))
}

func (h *Handler) SeedDefaults(w http.ResponseWriter, r *http.Request) {
	res, err := h.Admin.SeedDefaults(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// POSITIONS AND ACCRUAL
// =============================================================================

func (h *Handler) CancelInvestment(w http.ResponseWriter, r *http.Request) {
	var req CancelInvestmentRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := h.Admin.CancelInvestment(r.Context(), ledger.PositionID(chi.URLParam(r, "id")), adminID(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvestmentDTO(p))
}

// RunAccrual triggers a tick now. With a scheduler configured the run takes
// the same lease as scheduled ticks and answers 409 while one is running.
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var (
		sum investment.AccrualSummary
		err error
	)
	if h.Scheduler != nil {
		sum, err = h.Scheduler.RunNow(r.Context())
	} else {
		sum, err = h.Admin.RunAccrual(r.Context(), adminID(r))
	}
	if errors.Is(err, lease.ErrHeld) {
		writeError(w, http.StatusConflict, "Accrual already running", nil)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
