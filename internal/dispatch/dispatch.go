// Package dispatch runs the order lifecycle after checkout: merchant
// readiness, the courier claim, pickup, delivery, buyer confirmation and
// cancellation.
//
// The claim is a single conditional update in the store. No lock, leader or
// in-process mutex is involved; the store's row-level compare-and-swap is
// the only serialization point, so any number of engine instances may
// accept claims for the same order and exactly one wins.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
	"github.com/pasarlokal/dispatch-engine/internal/settlement"
)

// readyListLimit caps one page of the ready-order list.
const readyListLimit = 50

// Store is the persistence dispatch needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByStatus(ctx context.Context, marketID string, status model.ShippingStatus, limit int) ([]model.Order, error)
	MarkMerchantReady(ctx context.Context, orderID, merchantID string) (*model.Order, error)
	ClaimOrder(ctx context.Context, orderID, courierID string, minBalance decimal.Decimal, at time.Time) (*model.Order, error)
	TransitionOrder(ctx context.Context, t model.OrderTransition) (*model.Order, error)
}

// Settler commits earnings of delivered orders.
type Settler interface {
	Finalize(ctx context.Context, orderID string) (*settlement.Result, error)
}

// Service drives the dispatch state machine.
type Service struct {
	store      Store
	settler    Settler
	notifier   Notifier
	audit      audit.Sink
	logger     *slog.Logger
	minBalance decimal.Decimal
	now        func() time.Time
}

// Config wires optional collaborators of the service.
type Config struct {
	// MinWalletLimit is the balance a courier must hold to claim.
	MinWalletLimit decimal.Decimal
	Notifier       Notifier
	Audit          audit.Sink
	Logger         *slog.Logger
}

// NewService creates a dispatch service.
func NewService(st Store, settler Settler, cfg Config) *Service {
	s := &Service{
		store:      st,
		settler:    settler,
		notifier:   cfg.Notifier,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		minBalance: cfg.MinWalletLimit,
		now:        time.Now,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, Hint) {}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListReady returns the SEARCHING_COURIER orders of a market, oldest first.
func (s *Service) ListReady(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.store.ListOrdersByStatus(ctx, marketID, model.StatusSearchingCourier, readyListLimit)
}

// MarkReady flags a merchant's part of the order as ready. The last
// merchant moves the order to SEARCHING_COURIER and couriers are hinted.
func (s *Service) MarkReady(ctx context.Context, orderID, merchantID string) (*model.Order, error) {
	o, err := s.store.MarkMerchantReady(ctx, orderID, merchantID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "merchant ready", "order_id", orderID, "merchant_id", merchantID, "status", o.ShippingStatus)
	if o.ShippingStatus == model.StatusSearchingCourier {
		s.transitioned(ctx, o, merchantID)
		s.notifier.Publish(ctx, Hint{Type: HintOrderReady, OrderID: o.ID, MarketID: o.MarketID, At: s.now().UTC()})
		s.audit.Emit(ctx, audit.NewEvent(audit.OrderReady, o.ID, merchantID, map[string]any{"market_id": o.MarketID}))
	}
	return o, nil
}

// Claim assigns the order to the courier if it is still SEARCHING_COURIER
// and the courier is eligible. A lost race returns model.ErrAlreadyClaimed;
// the caller should re-fetch the ready list, never retry blindly.
func (s *Service) Claim(ctx context.Context, orderID, courierID string) (*model.Order, error) {
	start := time.Now()
	o, err := s.store.ClaimOrder(ctx, orderID, courierID, s.minBalance, s.now().UTC())
	metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues(claimOutcome(err)).Inc()
		s.logger.InfoContext(ctx, "claim rejected", "order_id", orderID, "courier_id", courierID, "reason", err)
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("won").Inc()
	s.transitioned(ctx, o, courierID)
	s.notifier.Publish(ctx, Hint{Type: HintOrderClaimed, OrderID: o.ID, MarketID: o.MarketID, At: s.now().UTC()})
	s.audit.Emit(ctx, audit.NewEvent(audit.OrderClaimed, o.ID, courierID, map[string]any{
		"market_id":  o.MarketID,
		"courier_id": courierID,
	}))
	return o, nil
}

// Release hands an assigned order back before pickup.
func (s *Service) Release(ctx context.Context, orderID, courierID string) (*model.Order, error) {
	o, err := s.transition(ctx, model.OrderTransition{
		OrderID:      orderID,
		From:         []model.ShippingStatus{model.StatusCourierAssigned},
		To:           model.StatusSearchingCourier,
		CourierID:    courierID,
		ClearCourier: true,
	}, courierID)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(ctx, Hint{Type: HintOrderReady, OrderID: o.ID, MarketID: o.MarketID, At: s.now().UTC()})
	return o, nil
}

// StartDelivery records pickup by the assigned courier.
func (s *Service) StartDelivery(ctx context.Context, orderID, courierID string) (*model.Order, error) {
	return s.transition(ctx, model.OrderTransition{
		OrderID:   orderID,
		From:      []model.ShippingStatus{model.StatusCourierAssigned},
		To:        model.StatusOnDelivery,
		CourierID: courierID,
	}, courierID)
}

// DeliveryResult is the outcome of a delivery. Settlement is nil when
// finalizing failed; the order stays DELIVERED and Settle may be retried.
type DeliveryResult struct {
	Order      *model.Order       `json:"order"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
	SettleErr  string             `json:"settle_error,omitempty"`
}

// MarkDelivered records hand-over (cash collected, order PAID) and
// settles the order's earnings.
func (s *Service) MarkDelivered(ctx context.Context, orderID, courierID string) (*DeliveryResult, error) {
	o, err := s.transition(ctx, model.OrderTransition{
		OrderID:   orderID,
		From:      []model.ShippingStatus{model.StatusOnDelivery},
		To:        model.StatusDelivered,
		CourierID: courierID,
		MarkPaid:  true,
	}, courierID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, o), nil
}

// Confirm lets the buyer confirm receipt. Settlement is retried and is a
// no-op when delivery already settled the order.
func (s *Service) Confirm(ctx context.Context, orderID, buyerID string) (*DeliveryResult, error) {
	o, err := s.transition(ctx, model.OrderTransition{
		OrderID: orderID,
		From:    []model.ShippingStatus{model.StatusDelivered},
		To:      model.StatusCompleted,
		BuyerID: buyerID,
	}, buyerID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, o), nil
}

// Cancel cancels an order. Buyers may cancel before a courier is assigned;
// admins from any non-terminal state. The courier, if any, is unassigned.
func (s *Service) Cancel(ctx context.Context, orderID, actorID string, admin bool) (*model.Order, error) {
	t := model.OrderTransition{
		OrderID:      orderID,
		From:         []model.ShippingStatus{model.StatusCreated, model.StatusSearchingCourier},
		To:           model.StatusCancelled,
		ClearCourier: true,
	}
	if admin {
		t.From = append(t.From, model.StatusCourierAssigned, model.StatusOnDelivery)
	} else {
		t.BuyerID = actorID
	}
	return s.transition(ctx, t, actorID)
}

// Settle retries settlement of a delivered order.
func (s *Service) Settle(ctx context.Context, orderID string) (*settlement.Result, error) {
	return s.settler.Finalize(ctx, orderID)
}

func (s *Service) transition(ctx context.Context, t model.OrderTransition, actor string) (*model.Order, error) {
	t.At = s.now().UTC()
	o, err := s.store.TransitionOrder(ctx, t)
	if err != nil {
		s.logger.InfoContext(ctx, "transition rejected", "order_id", t.OrderID, "to", t.To, "actor", actor, "reason", err)
		return nil, err
	}
	s.transitioned(ctx, o, actor)
	return o, nil
}

func (s *Service) transitioned(ctx context.Context, o *model.Order, actor string) {
	metrics.OrderTransitions.WithLabelValues(string(o.ShippingStatus)).Inc()
	s.logger.InfoContext(ctx, "order transitioned", "order_id", o.ID, "status", o.ShippingStatus, "actor", actor)
	s.audit.Emit(ctx, audit.NewEvent(audit.OrderTransitioned, o.ID, actor, map[string]any{
		"status":     o.ShippingStatus,
		"courier_id": o.CourierID,
	}))
}

func (s *Service) settle(ctx context.Context, o *model.Order) *DeliveryResult {
	res := &DeliveryResult{Order: o}
	r, err := s.settler.Finalize(ctx, o.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement pending", "order_id", o.ID, "error", err)
		res.SettleErr = err.Error()
		return res
	}
	res.Settlement = r
	return res
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, model.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, model.ErrAccountFrozen):
		return "frozen"
	case errors.Is(err, model.ErrAccountSuspended):
		return "suspended"
	case errors.Is(err, model.ErrOrderNotFound), errors.Is(err, model.ErrAccountNotFound):
		return "not_found"
	default:
		return "error"
	}
}
