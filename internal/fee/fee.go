// Package fee implements the delivery fee calculator for multi-merchant
// orders: base shipping by distance, a fixed buyer service fee, and an
// extra-stop surcharge for every merchant beyond the first.
//
// The calculator is a pure function. Market configuration is passed in, not
// looked up, so it can back both the cart preview and checkout.
//
// All monetary values use shopspring/decimal, never float64.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/distance"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

var (
	// DefaultServiceFee is charged to the buyer once per order when the
	// tariff does not override it.
	DefaultServiceFee = decimal.NewFromInt(2000)

	// RoundingUnit is the step base shipping is rounded up to.
	RoundingUnit = decimal.NewFromInt(1000)
)

// Compute converts a distance, the stop merchants and a regional tariff into
// a fee breakdown.
//
//	base_shipping    = ceil_1000(flat_rate + max(0, d − flat_km) × per_km)
//	extra_stops      = max(0, min(unique merchants, max_merchants) − 1)
//	extra_pickup_fee = extra_stops × extra_pickup_fee_total
//	total            = base_shipping + service_fee + extra_pickup_fee
//	courier          = base_shipping + extra_stops × extra_pickup_fee_courier
//	app              = service_fee + extra_stops × extra_pickup_fee_app
//
// A nil or incomplete tariff yields a zeroed breakdown with ConfigMissing set;
// missing configuration must never block a checkout preview. IsOverLimit
// compares the uncapped merchant count and is what blocks checkout upstream.
func Compute(d distance.Distance, merchantIDs []string, t *model.RegionalTariff) model.FeeBreakdown {
	unique := len(UniqueMerchants(merchantIDs))
	out := zeroed(d, unique)

	if !Configured(t) {
		out.ConfigMissing = true
		return out
	}
	out.IsOverLimit = unique > t.MaxMerchantsPerOrder
	if unique == 0 {
		return out
	}

	out.BaseShipping = BaseShipping(d, t)

	capped := unique
	if capped > t.MaxMerchantsPerOrder {
		capped = t.MaxMerchantsPerOrder
	}
	out.ExtraStops = capped - 1
	if out.ExtraStops < 0 {
		out.ExtraStops = 0
	}
	stops := decimal.NewFromInt(int64(out.ExtraStops))

	out.ServiceFee = ServiceFee(t)
	out.ExtraPickupFee = stops.Mul(t.ExtraPickupFeeTotal)
	out.ExtraPickupFeeCourier = stops.Mul(t.ExtraPickupFeeCourier)
	out.ExtraPickupFeeApp = stops.Mul(t.ExtraPickupFeeApp)

	out.TotalToBuyer = out.BaseShipping.Add(out.ServiceFee).Add(out.ExtraPickupFee)
	out.CourierEarning = out.BaseShipping.Add(out.ExtraPickupFeeCourier)
	out.AppEarning = out.ServiceFee.Add(out.ExtraPickupFeeApp)
	return out
}

// BaseShipping returns the distance component of the fee, rounded up to the
// nearest RoundingUnit. The whole amount is rounded, not just the extra-km
// part, so the courier's minimum pay is never rounded down.
func BaseShipping(d distance.Distance, t *model.RegionalTariff) decimal.Decimal {
	extraKm := d.Km().Sub(t.FlatDistanceKm)
	if extraKm.IsNegative() {
		extraKm = decimal.Zero
	}
	raw := t.FlatRateAmount.Add(extraKm.Mul(t.ExtraFeePerKm))
	return RoundUp(raw, RoundingUnit)
}

// ServiceFee returns the tariff's buyer service fee, or DefaultServiceFee
// when the tariff leaves it unset.
func ServiceFee(t *model.RegionalTariff) decimal.Decimal {
	if t != nil && t.BuyerServiceFee.IsPositive() {
		return t.BuyerServiceFee
	}
	return DefaultServiceFee
}

// RoundUp returns the smallest multiple of unit that is >= v.
func RoundUp(v, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return v
	}
	return v.Div(unit).Ceil().Mul(unit)
}

// UniqueMerchants collapses duplicate merchant ids, keeping first-seen order.
// Empty ids are ignored.
func UniqueMerchants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Configured reports whether a tariff carries enough configuration to price
// an order. A zero merchant cap or a zero flat rate marks a row that was
// never filled in.
func Configured(t *model.RegionalTariff) bool {
	return t != nil && t.MaxMerchantsPerOrder >= 1 && t.FlatRateAmount.IsPositive()
}

// ValidateTariff is the admin-facing configuration check. The calculator
// itself never rejects a tariff.
func ValidateTariff(t *model.RegionalTariff) error {
	if t == nil {
		return model.ErrConfigMissing
	}
	if t.MaxMerchantsPerOrder < 1 {
		return fmt.Errorf("%w: max_merchants_per_order must be at least 1", model.ErrInvalidTariff)
	}
	if !t.FlatRateAmount.IsPositive() {
		return fmt.Errorf("%w: flat_rate_amount must be positive", model.ErrInvalidTariff)
	}
	amounts := map[string]decimal.Decimal{
		"flat_distance_km":         t.FlatDistanceKm,
		"flat_rate_amount":         t.FlatRateAmount,
		"extra_fee_per_km":         t.ExtraFeePerKm,
		"extra_pickup_fee_total":   t.ExtraPickupFeeTotal,
		"extra_pickup_fee_courier": t.ExtraPickupFeeCourier,
		"extra_pickup_fee_app":     t.ExtraPickupFeeApp,
		"buyer_service_fee":        t.BuyerServiceFee,
	}
	for name, v := range amounts {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", model.ErrInvalidTariff, name)
		}
	}
	split := t.ExtraPickupFeeCourier.Add(t.ExtraPickupFeeApp)
	if !t.ExtraPickupFeeTotal.Equal(split) {
		return fmt.Errorf("%w: extra_pickup_fee_total %s != courier %s + app %s",
			model.ErrInvalidTariff, t.ExtraPickupFeeTotal, t.ExtraPickupFeeCourier, t.ExtraPickupFeeApp)
	}
	return nil
}

func zeroed(d distance.Distance, merchants int) model.FeeBreakdown {
	return model.FeeBreakdown{
		DistanceKm:            d.Km(),
		MerchantCount:         merchants,
		BaseShipping:          decimal.Zero,
		ServiceFee:            decimal.Zero,
		ExtraPickupFee:        decimal.Zero,
		ExtraPickupFeeCourier: decimal.Zero,
		ExtraPickupFeeApp:     decimal.Zero,
		TotalToBuyer:          decimal.Zero,
		CourierEarning:        decimal.Zero,
		AppEarning:            decimal.Zero,
	}
}
