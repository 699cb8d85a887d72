// Package api is the HTTP transport of the engine. Handlers decode explicit
// identity fields from the request, call one service operation and map its
// typed errors to status codes.
//
// All monetary values are shopspring/decimal; JSON numbers and strings are
// both accepted on input.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pasarlokal/dispatch-engine/internal/cart"
	"github.com/pasarlokal/dispatch-engine/internal/dispatch"
	"github.com/pasarlokal/dispatch-engine/internal/guard"
	"github.com/pasarlokal/dispatch-engine/internal/ledger"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// TariffStore reads and writes regional tariffs.
type TariffStore interface {
	GetTariff(ctx context.Context, marketID string) (*model.RegionalTariff, error)
	UpsertTariff(ctx context.Context, t *model.RegionalTariff) error
}

// AccountReader loads accounts for the account view.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	tariffs  TariffStore
	accounts AccountReader
	carts    *cart.Service
	dispatch *dispatch.Service
	ledger   *ledger.Service
	guard    *guard.Guard
	logger   *slog.Logger
}

// Deps bundles the services the handler calls.
type Deps struct {
	Tariffs  TariffStore
	Accounts AccountReader
	Carts    *cart.Service
	Dispatch *dispatch.Service
	Ledger   *ledger.Service
	Guard    *guard.Guard
	Logger   *slog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tariffs:  d.Tariffs,
		accounts: d.Accounts,
		carts:    d.Carts,
		dispatch: d.Dispatch,
		ledger:   d.Ledger,
		guard:    d.Guard,
		logger:   logger,
	}
}

// Mount registers every route on r. Callers mount it under /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/fees/preview", h.PreviewFees)
	r.Post("/cart/preview", h.PreviewCart)
	r.Put("/markets/{marketID}/tariff", h.PutTariff)
	r.Get("/markets/{marketID}/tariff", h.GetTariff)
	r.Get("/markets/{marketID}/ready-orders", h.ListReady)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.Checkout)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/ready", h.MarkReady)
		r.Post("/{orderID}/claim", h.Claim)
		r.Post("/{orderID}/release", h.Release)
		r.Post("/{orderID}/pickup", h.Pickup)
		r.Post("/{orderID}/deliver", h.Deliver)
		r.Post("/{orderID}/confirm", h.Confirm)
		r.Post("/{orderID}/cancel", h.Cancel)
		r.Post("/{orderID}/settle", h.Settle)
	})

	r.Post("/accounts", h.CreateAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Get("/ledger", h.ListLedger)
		r.Post("/adjustments", h.Adjust)
		r.Post("/suspend", h.Suspend)
		r.Post("/reinstate", h.Reinstate)
	})

	r.Route("/topups", func(r chi.Router) {
		r.Get("/", h.listRequests(model.RequestTopUp))
		r.Post("/", h.RequestTopUp)
		r.Get("/{requestID}", h.getRequest(model.RequestTopUp))
		r.Post("/{requestID}/approve", h.ApproveTopUp)
		r.Post("/{requestID}/reject", h.reject(model.RequestTopUp))
	})

	r.Route("/withdrawals", func(r chi.Router) {
		r.Get("/", h.listRequests(model.RequestWithdrawal))
		r.Post("/", h.RequestWithdrawal)
		r.Get("/{requestID}", h.getRequest(model.RequestWithdrawal))
		r.Post("/{requestID}/approve", h.ApproveWithdrawal)
		r.Post("/{requestID}/reject", h.reject(model.RequestWithdrawal))
		r.Post("/{requestID}/complete", h.CompleteWithdrawal)
	})
}

// Router returns a chi router with the API mounted under /api/v1.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", h.Mount)
	return r
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest, "INVALID_BODY")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryLimit parses ?limit=, falling back to def for missing or bad values.
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
