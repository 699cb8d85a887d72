package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/ledger"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

const defaultLedgerLimit = 50

// AccountView is the body of GET /accounts/{accountID}.
type AccountView struct {
	model.Account
	MinWalletLimit decimal.Decimal `json:"min_wallet_limit"`
	CanClaim       bool            `json:"can_claim"`
}

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	ID      string     `json:"id"`
	Role    model.Role `json:"role"`
	AdminID string     `json:"admin_id"`
}

// AdjustmentRequest is the JSON body for POST /accounts/{accountID}/adjustments.
// A negative amount debits.
type AdjustmentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	AdminID     string          `json:"admin_id"`
}

// TopUpRequest is the JSON body for POST /topups.
type TopUpRequest struct {
	CourierID   string          `json:"courier_id"`
	Amount      decimal.Decimal `json:"amount"`
	RequestedBy string          `json:"requested_by"`
	Note        string          `json:"note"`
}

// ProcessRequest is the JSON body for approve/reject/complete.
type ProcessRequest struct {
	AdminID string `json:"admin_id"`
	Note    string `json:"note"`
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts. Couriers and merchants are
// opened with a zero balance.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, "admin_id is required", http.StatusBadRequest, "INVALID_BODY")
		return
	}
	a, err := h.guard.Provision(r.Context(), req.ID, req.Role, req.AdminID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "account provisioned", "account_id", a.ID, "role", a.Role, "admin_id", req.AdminID)
	writeJSON(w, http.StatusCreated, AccountView{
		Account:        *a,
		MinWalletLimit: h.guard.MinWalletLimit,
		CanClaim:       h.guard.CheckClaimable(a) == nil,
	})
}

// GetAccount handles GET /api/v1/accounts/{accountID}. The status is
// re-evaluated against the current balance before it is returned.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if _, err := h.guard.Evaluate(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountView{
		Account:        *a,
		MinWalletLimit: h.guard.MinWalletLimit,
		CanClaim:       h.guard.CheckClaimable(a) == nil,
	})
}

// ListLedger handles GET /api/v1/accounts/{accountID}/ledger, newest first.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "accountID"), queryLimit(r, defaultLedgerLimit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Adjust handles POST /api/v1/accounts/{accountID}/adjustments.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, "admin_id is required", http.StatusBadRequest, "INVALID_BODY")
		return
	}
	e, err := h.ledger.Adjust(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Description, req.AdminID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Suspend handles POST /api/v1/accounts/{accountID}/suspend.
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	a, err := h.guard.Suspend(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Reinstate handles POST /api/v1/accounts/{accountID}/reinstate.
func (h *Handler) Reinstate(w http.ResponseWriter, r *http.Request) {
	a, err := h.guard.Reinstate(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Wallet requests ---

// RequestTopUp handles POST /api/v1/topups.
func (h *Handler) RequestTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decode(w, r, &req) {
		return
	}
	wr, err := h.ledger.RequestTopUp(r.Context(), req.CourierID, req.Amount, req.RequestedBy, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// RequestWithdrawal handles POST /api/v1/withdrawals.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ledger.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	wr, err := h.ledger.RequestWithdrawal(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

func (h *Handler) getRequest(kind model.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wr, err := h.ledger.GetRequest(r.Context(), kind, chi.URLParam(r, "requestID"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wr)
	}
}

// listRequests serves GET /topups and /withdrawals with an optional ?status=.
func (h *Handler) listRequests(kind model.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := model.RequestStatus(r.URL.Query().Get("status"))
		reqs, err := h.ledger.ListRequests(r.Context(), kind, status, queryLimit(r, defaultLedgerLimit))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if reqs == nil {
			reqs = []model.WalletRequest{}
		}
		writeJSON(w, http.StatusOK, reqs)
	}
}

// processRequest decodes the admin body and writes the outcome of op.
func (h *Handler) processRequest(w http.ResponseWriter, r *http.Request, op func(id string, req ProcessRequest) (*ledger.ProcessResult, error)) {
	var req ProcessRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, "admin_id is required", http.StatusBadRequest, "INVALID_BODY")
		return
	}
	res, err := op(chi.URLParam(r, "requestID"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApproveTopUp handles POST /api/v1/topups/{requestID}/approve.
func (h *Handler) ApproveTopUp(w http.ResponseWriter, r *http.Request) {
	h.processRequest(w, r, func(id string, req ProcessRequest) (*ledger.ProcessResult, error) {
		return h.ledger.ApproveTopUp(r.Context(), id, req.AdminID)
	})
}

// ApproveWithdrawal handles POST /api/v1/withdrawals/{requestID}/approve.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processRequest(w, r, func(id string, req ProcessRequest) (*ledger.ProcessResult, error) {
		return h.ledger.ApproveWithdrawal(r.Context(), id, req.AdminID)
	})
}

// CompleteWithdrawal handles POST /api/v1/withdrawals/{requestID}/complete.
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processRequest(w, r, func(id string, req ProcessRequest) (*ledger.ProcessResult, error) {
		return h.ledger.CompleteWithdrawal(r.Context(), id, req.AdminID, req.Note)
	})
}

func (h *Handler) reject(kind model.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.processRequest(w, r, func(id string, req ProcessRequest) (*ledger.ProcessResult, error) {
			return h.ledger.Reject(r.Context(), kind, id, req.AdminID, req.Note)
		})
	}
}
