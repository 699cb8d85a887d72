package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
	hint   string
}

// errorTable is checked in order; the first sentinel matched wins.
var errorTable = []errorMapping{
	{model.ErrAccountFrozen, http.StatusLocked, "ACCOUNT_FROZEN", "wallet balance is below the minimum limit, top up to continue"},
	{model.ErrAccountSuspended, http.StatusLocked, "ACCOUNT_SUSPENDED", "contact an administrator"},
	{model.ErrAlreadyClaimed, http.StatusConflict, "ALREADY_CLAIMED", "refresh the ready-order list"},
	{model.ErrNotOwner, http.StatusForbidden, "NOT_OWNER", ""},
	{model.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", ""},
	{model.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", ""},
	{model.ErrStatusChanged, http.StatusConflict, "STATUS_CHANGED", "retry"},
	{model.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND", ""},
	{model.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND", ""},
	{model.ErrAccountExists, http.StatusConflict, "ACCOUNT_EXISTS", ""},
	{model.ErrInvalidAccount, http.StatusBadRequest, "INVALID_ACCOUNT", ""},
	{model.ErrRequestNotFound, http.StatusNotFound, "REQUEST_NOT_FOUND", ""},
	{model.ErrConfigMissing, http.StatusNotFound, "TARIFF_NOT_CONFIGURED", ""},
	{model.ErrOverMerchantLimit, http.StatusUnprocessableEntity, "OVER_MERCHANT_LIMIT", "split the cart into separate orders"},
	{model.ErrEmptyCart, http.StatusBadRequest, "EMPTY_CART", ""},
	{model.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT", ""},
	{model.ErrInvalidTariff, http.StatusBadRequest, "INVALID_TARIFF", ""},
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// fail maps a service error to its response. Unknown errors are logged and
// reported as 500 without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeJSON(w, m.status, ErrorResponse{Error: err.Error(), Code: m.code, Hint: m.hint})
			return
		}
	}
	h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, "internal error", http.StatusInternalServerError, "INTERNAL")
}
