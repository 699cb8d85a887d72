package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pasarlokal/dispatch-engine/internal/cart"
	"github.com/pasarlokal/dispatch-engine/internal/distance"
	"github.com/pasarlokal/dispatch-engine/internal/fee"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// --- Request types ---

// FeePreviewRequest is the JSON body for POST /fees/preview.
type FeePreviewRequest struct {
	MarketID    string            `json:"market_id"`
	Distance    distance.Distance `json:"distance"` // 6.5, "6.5 km" or {"value": 6500, "unit": "m"}
	MerchantIDs []string          `json:"merchant_ids"`
}

// CartRequest is the JSON body for cart preview and checkout.
type CartRequest struct {
	BuyerID  string            `json:"buyer_id"`
	MarketID string            `json:"market_id"`
	Distance distance.Distance `json:"distance"`
	Lines    []cart.Line       `json:"lines"`
}

// ActorRequest names who performs an order action.
type ActorRequest struct {
	CourierID  string `json:"courier_id,omitempty"`
	MerchantID string `json:"merchant_id,omitempty"`
	BuyerID    string `json:"buyer_id,omitempty"`
	AdminID    string `json:"admin_id,omitempty"`
}

// --- Pricing ---

// PreviewFees handles POST /api/v1/fees/preview. A market without a tariff
// yields a zeroed breakdown with config_missing set.
func (h *Handler) PreviewFees(w http.ResponseWriter, r *http.Request) {
	var req FeePreviewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MarketID == "" || len(req.MerchantIDs) == 0 {
		writeError(w, "market_id and merchant_ids are required", http.StatusBadRequest, "INVALID_BODY")
		return
	}

	t, err := h.tariffs.GetTariff(r.Context(), req.MarketID)
	if err != nil && !errors.Is(err, model.ErrConfigMissing) {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "tariff missing, fees zeroed", "market_id", req.MarketID)
		t = nil
	}
	writeJSON(w, http.StatusOK, fee.Compute(req.Distance, req.MerchantIDs, t))
}

// PreviewCart handles POST /api/v1/cart/preview.
func (h *Handler) PreviewCart(w http.ResponseWriter, r *http.Request) {
	var req CartRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.carts.Preview(r.Context(), req.MarketID, req.Distance, req.Lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTariff handles GET /api/v1/markets/{marketID}/tariff.
func (h *Handler) GetTariff(w http.ResponseWriter, r *http.Request) {
	t, err := h.tariffs.GetTariff(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PutTariff handles PUT /api/v1/markets/{marketID}/tariff.
func (h *Handler) PutTariff(w http.ResponseWriter, r *http.Request) {
	var t model.RegionalTariff
	if !decode(w, r, &t) {
		return
	}
	t.MarketID = chi.URLParam(r, "marketID")
	if err := fee.ValidateTariff(&t); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.tariffs.UpsertTariff(r.Context(), &t); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "tariff updated", "market_id", t.MarketID)
	writeJSON(w, http.StatusOK, t)
}

// --- Orders ---

// Checkout handles POST /api/v1/orders.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BuyerID == "" || req.MarketID == "" {
		writeError(w, "buyer_id and market_id are required", http.StatusBadRequest, "INVALID_BODY")
		return
	}
	o, err := h.carts.Checkout(r.Context(), cart.CheckoutRequest{
		BuyerID:  req.BuyerID,
		MarketID: req.MarketID,
		Distance: req.Distance,
		Lines:    req.Lines,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.dispatch.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListReady handles GET /api/v1/markets/{marketID}/ready-orders.
func (h *Handler) ListReady(w http.ResponseWriter, r *http.Request) {
	orders, err := h.dispatch.ListReady(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// actor decodes the acting party and checks the required identity is set.
func actor(w http.ResponseWriter, r *http.Request, field string) (ActorRequest, bool) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return req, false
	}
	var id string
	switch field {
	case "courier_id":
		id = req.CourierID
	case "merchant_id":
		id = req.MerchantID
	case "buyer_id":
		id = req.BuyerID
	}
	if id == "" {
		writeError(w, field+" is required", http.StatusBadRequest, "INVALID_BODY")
		return req, false
	}
	return req, true
}

// MarkReady handles POST /api/v1/orders/{orderID}/ready.
func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "merchant_id")
	if !ok {
		return
	}
	o, err := h.dispatch.MarkReady(r.Context(), chi.URLParam(r, "orderID"), req.MerchantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Claim handles POST /api/v1/orders/{orderID}/claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "courier_id")
	if !ok {
		return
	}
	o, err := h.dispatch.Claim(r.Context(), chi.URLParam(r, "orderID"), req.CourierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Release handles POST /api/v1/orders/{orderID}/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "courier_id")
	if !ok {
		return
	}
	o, err := h.dispatch.Release(r.Context(), chi.URLParam(r, "orderID"), req.CourierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Pickup handles POST /api/v1/orders/{orderID}/pickup.
func (h *Handler) Pickup(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "courier_id")
	if !ok {
		return
	}
	o, err := h.dispatch.StartDelivery(r.Context(), chi.URLParam(r, "orderID"), req.CourierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Deliver handles POST /api/v1/orders/{orderID}/deliver. The order stays
// DELIVERED when settlement fails; settle_error then carries the cause.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "courier_id")
	if !ok {
		return
	}
	res, err := h.dispatch.MarkDelivered(r.Context(), chi.URLParam(r, "orderID"), req.CourierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Confirm handles POST /api/v1/orders/{orderID}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := actor(w, r, "buyer_id")
	if !ok {
		return
	}
	res, err := h.dispatch.Confirm(r.Context(), chi.URLParam(r, "orderID"), req.BuyerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /api/v1/orders/{orderID}/cancel. An admin_id cancels
// with admin rights; otherwise buyer_id must be the order's buyer.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	actorID, admin := req.BuyerID, false
	if req.AdminID != "" {
		actorID, admin = req.AdminID, true
	}
	if actorID == "" {
		writeError(w, "buyer_id or admin_id is required", http.StatusBadRequest, "INVALID_BODY")
		return
	}
	o, err := h.dispatch.Cancel(r.Context(), chi.URLParam(r, "orderID"), actorID, admin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Settle handles POST /api/v1/orders/{orderID}/settle. Safe to retry.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatch.Settle(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
