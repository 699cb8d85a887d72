package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/distance"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// Store is the persistence checkout needs.
type Store interface {
	GetTariff(ctx context.Context, marketID string) (*model.RegionalTariff, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	CreateOrder(ctx context.Context, o *model.Order) error
}

// Service prices carts against stored tariffs and creates orders.
type Service struct {
	store  Store
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a cart service.
func NewService(st Store, sink audit.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, audit: sink, logger: logger, now: time.Now}
}

// Preview prices a selection for a market. A market without a tariff
// yields a zeroed fee breakdown with ConfigMissing set, not an error.
func (s *Service) Preview(ctx context.Context, marketID string, d distance.Distance, lines []Line) (*Preview, error) {
	t, err := s.tariff(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return Build(lines, d, t)
}

// CheckoutRequest is a buyer's final selection.
type CheckoutRequest struct {
	BuyerID  string
	MarketID string
	Distance distance.Distance
	Lines    []Line
}

// Checkout creates a CREATED order from the selection. Fees and merchant
// earnings are frozen on the order here and never recomputed.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*model.Order, error) {
	if len(req.Lines) == 0 {
		metrics.CheckoutRejections.WithLabelValues("empty").Inc()
		return nil, model.ErrEmptyCart
	}

	p, err := s.Preview(ctx, req.MarketID, req.Distance, req.Lines)
	if err != nil {
		metrics.CheckoutRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if p.Fees.IsOverLimit {
		metrics.CheckoutRejections.WithLabelValues("over_limit").Inc()
		return nil, model.ErrOverMerchantLimit
	}
	if err := s.checkMerchants(ctx, p.Groups); err != nil {
		metrics.CheckoutRejections.WithLabelValues("unknown_merchant").Inc()
		return nil, err
	}

	o := &model.Order{
		ID:               uuid.New().String(),
		BuyerID:          req.BuyerID,
		MarketID:         req.MarketID,
		ShippingStatus:   model.StatusCreated,
		PaymentStatus:    model.PaymentUnpaid,
		Subtotal:         p.Subtotal,
		Fees:             p.Fees,
		MerchantEarnings: make(map[string]decimal.Decimal, len(p.Groups)),
		TotalPrice:       p.Total,
		CreatedAt:        s.now().UTC(),
	}
	for _, g := range p.Groups {
		o.MerchantEarnings[g.MerchantID] = g.Subtotal
		for _, l := range g.Lines {
			o.Items = append(o.Items, model.OrderItem{
				MerchantID: l.MerchantID,
				ProductID:  l.ProductID,
				Quantity:   l.Quantity,
				UnitPrice:  l.UnitPrice,
			})
		}
	}

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrdersCreated.Inc()
	s.logger.InfoContext(ctx, "order created",
		"order_id", o.ID,
		"market_id", o.MarketID,
		"merchants", o.Fees.MerchantCount,
		"total", o.TotalPrice.String(),
		"config_missing", o.Fees.ConfigMissing,
	)
	s.audit.Emit(ctx, audit.NewEvent(audit.OrderCreated, o.ID, o.BuyerID, map[string]any{
		"market_id":   o.MarketID,
		"total_price": o.TotalPrice.String(),
		"merchants":   o.MerchantIDs(),
	}))
	return o, nil
}

// checkMerchants makes sure every merchant in the cart can be paid at
// settlement.
func (s *Service) checkMerchants(ctx context.Context, groups []Group) error {
	for _, g := range groups {
		a, err := s.store.GetAccount(ctx, g.MerchantID)
		if err != nil {
			return err
		}
		if a.Role != model.RoleMerchant {
			return fmt.Errorf("%w: %s is not a merchant", model.ErrAccountNotFound, g.MerchantID)
		}
	}
	return nil
}

// tariff loads the market tariff, degrading to nil on ErrConfigMissing.
func (s *Service) tariff(ctx context.Context, marketID string) (*model.RegionalTariff, error) {
	t, err := s.store.GetTariff(ctx, marketID)
	if errors.Is(err, model.ErrConfigMissing) {
		metrics.TariffMissing.Inc()
		s.logger.WarnContext(ctx, "regional tariff missing, pricing with zero fees", "market_id", marketID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
