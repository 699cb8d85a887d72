// Package cart groups a buyer's selected lines by merchant, prices the
// selection with the fee calculator, and turns it into an order at checkout.
//
// Build is pure and may be called on every selection change; only
// Service.Checkout touches persisted state.
package cart

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/distance"
	"github.com/pasarlokal/dispatch-engine/internal/fee"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// Line is one selected cart line.
type Line struct {
	MerchantID string          `json:"merchant_id"`
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Total returns quantity × unit price.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Group is the part of a cart sold by one merchant.
type Group struct {
	MerchantID string          `json:"merchant_id"`
	Lines      []Line          `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

// Preview is the priced view of a selection.
type Preview struct {
	Groups   []Group            `json:"groups"`
	Subtotal decimal.Decimal    `json:"subtotal"`
	Fees     model.FeeBreakdown `json:"fees"`
	Total    decimal.Decimal    `json:"total"` // subtotal + fees.total_to_buyer
}

// MerchantIDs returns the merchants of the preview in first-seen order.
func (p *Preview) MerchantIDs() []string {
	ids := make([]string, len(p.Groups))
	for i, g := range p.Groups {
		ids[i] = g.MerchantID
	}
	return ids
}

// Build groups lines by merchant in first-seen order and prices them.
// Lines of the same product from the same merchant are kept separate.
func Build(lines []Line, d distance.Distance, t *model.RegionalTariff) (*Preview, error) {
	p := &Preview{Subtotal: decimal.Zero}
	index := make(map[string]int)

	for i, l := range lines {
		if err := validateLine(l); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		gi, ok := index[l.MerchantID]
		if !ok {
			gi = len(p.Groups)
			index[l.MerchantID] = gi
			p.Groups = append(p.Groups, Group{MerchantID: l.MerchantID, Subtotal: decimal.Zero})
		}
		g := &p.Groups[gi]
		g.Lines = append(g.Lines, l)
		g.Subtotal = g.Subtotal.Add(l.Total())
		p.Subtotal = p.Subtotal.Add(l.Total())
	}

	p.Fees = fee.Compute(d, p.MerchantIDs(), t)
	p.Total = p.Subtotal.Add(p.Fees.TotalToBuyer)
	return p, nil
}

func validateLine(l Line) error {
	if l.MerchantID == "" || l.ProductID == "" {
		return fmt.Errorf("%w: merchant_id and product_id are required", model.ErrInvalidAmount)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", model.ErrInvalidAmount, l.Quantity)
	}
	if l.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price %s", model.ErrInvalidAmount, l.UnitPrice)
	}
	return nil
}
