package fee

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/distance"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testTariff() *model.RegionalTariff {
	return &model.RegionalTariff{
		MarketID:              "kec-sukamaju",
		FlatDistanceKm:        d(2),
		FlatRateAmount:        d(5000),
		ExtraFeePerKm:         d(2500),
		ExtraPickupFeeTotal:   d(3000),
		ExtraPickupFeeCourier: d(2000),
		ExtraPickupFeeApp:     d(1000),
		MaxMerchantsPerOrder:  3,
	}
}

func merchants(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i+1)
	}
	return ids
}

func assertBalanced(t *testing.T, b model.FeeBreakdown) {
	t.Helper()
	sum := b.BaseShipping.Add(b.ServiceFee).Add(b.ExtraPickupFee)
	if !b.TotalToBuyer.Equal(sum) {
		t.Errorf("total %s != base %s + service %s + extra %s",
			b.TotalToBuyer, b.BaseShipping, b.ServiceFee, b.ExtraPickupFee)
	}
	if !b.CourierEarning.Add(b.AppEarning).Equal(b.TotalToBuyer) {
		t.Errorf("courier %s + app %s != total %s", b.CourierEarning, b.AppEarning, b.TotalToBuyer)
	}
}

// --- Scenarios ---

func TestCompute_TwoMerchants(t *testing.T) {
	dist, _ := distance.Parse("6.5 km")
	b := Compute(dist, []string{"m1", "m2"}, testTariff())

	// 5000 + (6.5-2)*2500 = 16250 → rounded up to 17000.
	if !b.BaseShipping.Equal(d(17000)) {
		t.Errorf("expected base_shipping 17000, got %s", b.BaseShipping)
	}
	if !b.ExtraPickupFee.Equal(d(3000)) {
		t.Errorf("expected extra_pickup_fee 3000, got %s", b.ExtraPickupFee)
	}
	if !b.TotalToBuyer.Equal(d(22000)) {
		t.Errorf("expected total 22000, got %s", b.TotalToBuyer)
	}
	if !b.CourierEarning.Equal(d(19000)) {
		t.Errorf("expected courier earning 19000, got %s", b.CourierEarning)
	}
	if !b.AppEarning.Equal(d(3000)) {
		t.Errorf("expected app earning 3000, got %s", b.AppEarning)
	}
	if b.IsOverLimit {
		t.Error("two merchants should not be over the limit")
	}
	assertBalanced(t, b)
}

func TestCompute_SingleMerchant(t *testing.T) {
	dist, _ := distance.Parse("6.5 km")
	b := Compute(dist, []string{"m1"}, testTariff())

	if !b.ExtraPickupFee.IsZero() {
		t.Errorf("single merchant must have no extra pickup fee, got %s", b.ExtraPickupFee)
	}
	if !b.TotalToBuyer.Equal(d(19000)) {
		t.Errorf("expected total 19000, got %s", b.TotalToBuyer)
	}
	assertBalanced(t, b)
}

func TestCompute_DuplicateMerchantsCollapsed(t *testing.T) {
	b := Compute(distance.MustKm(1), []string{"m1", "m1", "m2", "m1", ""}, testTariff())
	if b.MerchantCount != 2 {
		t.Errorf("expected 2 unique merchants, got %d", b.MerchantCount)
	}
	if b.ExtraStops != 1 {
		t.Errorf("expected 1 extra stop, got %d", b.ExtraStops)
	}
}

func TestCompute_ZeroMerchants(t *testing.T) {
	b := Compute(distance.MustKm(10), nil, testTariff())
	if !b.TotalToBuyer.IsZero() || !b.BaseShipping.IsZero() || !b.ServiceFee.IsZero() {
		t.Errorf("expected all-zero breakdown, got %+v", b)
	}
	if b.ConfigMissing {
		t.Error("zero merchants is not a config problem")
	}
}

func TestCompute_MissingTariffIsZeroed(t *testing.T) {
	b := Compute(distance.MustKm(4), merchants(2), nil)
	if !b.ConfigMissing {
		t.Error("expected ConfigMissing for nil tariff")
	}
	if !b.TotalToBuyer.IsZero() || !b.CourierEarning.IsZero() || !b.AppEarning.IsZero() {
		t.Errorf("expected zeroed breakdown, got %+v", b)
	}

	incomplete := testTariff()
	incomplete.MaxMerchantsPerOrder = 0
	if b := Compute(distance.MustKm(4), merchants(2), incomplete); !b.ConfigMissing {
		t.Error("expected ConfigMissing for tariff without merchant cap")
	}
}

func TestCompute_WithinFlatDistance(t *testing.T) {
	b := Compute(distance.MustKm(1.5), merchants(1), testTariff())
	if !b.BaseShipping.Equal(d(5000)) {
		t.Errorf("expected flat rate 5000, got %s", b.BaseShipping)
	}
}

func TestCompute_OverLimitCapsFeeButFlags(t *testing.T) {
	b := Compute(distance.MustKm(2), merchants(5), testTariff())
	if !b.IsOverLimit {
		t.Error("5 merchants with cap 3 must be over limit")
	}
	if b.MerchantCount != 5 {
		t.Errorf("merchant count must stay uncapped, got %d", b.MerchantCount)
	}
	// Fee is capped at 3 merchants → 2 extra stops.
	if !b.ExtraPickupFee.Equal(d(6000)) {
		t.Errorf("expected capped extra fee 6000, got %s", b.ExtraPickupFee)
	}
	assertBalanced(t, b)
}

func TestCompute_ServiceFeeOverride(t *testing.T) {
	tariff := testTariff()
	tariff.BuyerServiceFee = d(3500)
	b := Compute(distance.MustKm(1), merchants(3), tariff)
	if !b.ServiceFee.Equal(d(3500)) {
		t.Errorf("expected overridden service fee 3500, got %s", b.ServiceFee)
	}
	assertBalanced(t, b)
}

// --- Properties ---

func TestCompute_BaseShippingNonDecreasingInDistance(t *testing.T) {
	tariff := testTariff()
	prev := decimal.Zero
	for i := 0; i <= 200; i++ {
		km := decimal.NewFromInt(int64(i)).Div(d(8)) // 0 → 25 km in 125 m steps
		dist, err := distance.Kilometers(km)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b := Compute(dist, merchants(1), tariff)
		if b.BaseShipping.LessThan(prev) {
			t.Fatalf("base shipping decreased at %s km: %s < %s", km, b.BaseShipping, prev)
		}
		if !b.BaseShipping.Mod(RoundingUnit).IsZero() {
			t.Fatalf("base shipping %s not a multiple of %s", b.BaseShipping, RoundingUnit)
		}
		prev = b.BaseShipping
	}
}

func TestCompute_ExtraPickupStrictlyIncreasingUpToCap(t *testing.T) {
	tariff := testTariff()
	tariff.MaxMerchantsPerOrder = 5

	prev := Compute(distance.MustKm(3), merchants(1), tariff).ExtraPickupFee
	if !prev.IsZero() {
		t.Fatalf("m=1 must have zero extra fee, got %s", prev)
	}
	for m := 2; m <= tariff.MaxMerchantsPerOrder; m++ {
		b := Compute(distance.MustKm(3), merchants(m), tariff)
		if !b.ExtraPickupFee.GreaterThan(prev) {
			t.Errorf("extra fee not increasing at m=%d: %s <= %s", m, b.ExtraPickupFee, prev)
		}
		assertBalanced(t, b)
		prev = b.ExtraPickupFee
	}
}

func TestCompute_AlwaysBalanced(t *testing.T) {
	tariff := testTariff()
	for m := 0; m <= 6; m++ {
		for _, km := range []float64{0, 0.4, 2, 2.01, 7.3, 19.99} {
			assertBalanced(t, Compute(distance.MustKm(km), merchants(m), tariff))
		}
	}
}

// --- Rounding ---

func TestRoundUp(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{1, 1000},
		{999.99, 1000},
		{1000, 1000},
		{16250, 17000},
		{17000.01, 18000},
	}
	for _, tt := range tests {
		if got := RoundUp(d(tt.in), RoundingUnit); !got.Equal(d(tt.want)) {
			t.Errorf("RoundUp(%v) = %s, want %v", tt.in, got, tt.want)
		}
	}
}

// --- Tariff validation ---

func TestValidateTariff(t *testing.T) {
	if err := ValidateTariff(testTariff()); err != nil {
		t.Errorf("expected valid tariff, got %v", err)
	}
	if err := ValidateTariff(nil); !errors.Is(err, model.ErrConfigMissing) {
		t.Errorf("expected ErrConfigMissing, got %v", err)
	}

	split := testTariff()
	split.ExtraPickupFeeApp = d(500)
	if err := ValidateTariff(split); !errors.Is(err, model.ErrInvalidTariff) {
		t.Errorf("expected ErrInvalidTariff for mismatched split, got %v", err)
	}

	negative := testTariff()
	negative.ExtraFeePerKm = d(-1)
	if err := ValidateTariff(negative); !errors.Is(err, model.ErrInvalidTariff) {
		t.Errorf("expected ErrInvalidTariff for negative rate, got %v", err)
	}

	noCap := testTariff()
	noCap.MaxMerchantsPerOrder = 0
	if err := ValidateTariff(noCap); !errors.Is(err, model.ErrInvalidTariff) {
		t.Errorf("expected ErrInvalidTariff for zero cap, got %v", err)
	}

	capOnly := &model.RegionalTariff{MarketID: "mkt-x", MaxMerchantsPerOrder: 3}
	if err := ValidateTariff(capOnly); !errors.Is(err, model.ErrInvalidTariff) {
		t.Errorf("expected ErrInvalidTariff for a tariff without flat rate, got %v", err)
	}
}

func TestCompute_CapOnlyTariffIsZeroed(t *testing.T) {
	capOnly := &model.RegionalTariff{MarketID: "mkt-x", MaxMerchantsPerOrder: 3}
	if Configured(capOnly) {
		t.Fatal("a tariff without flat rate must not count as configured")
	}

	f := Compute(distance.MustKm(6.5), []string{"m-1", "m-2"}, capOnly)
	if !f.ConfigMissing {
		t.Error("expected ConfigMissing")
	}
	if !f.BaseShipping.IsZero() || !f.TotalToBuyer.IsZero() {
		t.Errorf("expected zeroed breakdown, got shipping %s total %s", f.BaseShipping, f.TotalToBuyer)
	}
}
