package distance

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want decimal.Decimal
	}{
		{"6.5 km", d(6.5)},
		{"6.5km", d(6.5)},
		{"6,5 km", d(6.5)},
		{"  12 KM ", d(12)},
		{"800 m", d(0.8)},
		{"1500m", d(1.5)},
		{"3", d(3)},
		{"0 km", d(0)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if !got.Km().Equal(tt.want) {
			t.Errorf("Parse(%q) = %s, want %s km", tt.in, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"km",
		"six km",
		"6.5 miles",
		"6..5 km",
		"6.5 km extra",
	}
	for _, in := range tests {
		if _, err := Parse(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestParse_UnsupportedUnit(t *testing.T) {
	_, err := Parse("3 mi")
	if !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected ErrInvalidUnit, got %v", err)
	}
}

func TestParse_Negative(t *testing.T) {
	_, err := Parse("-2 km")
	if !errors.Is(err, ErrNegativeDistance) {
		t.Errorf("expected ErrNegativeDistance, got %v", err)
	}
	if _, err := Kilometers(d(-1)); !errors.Is(err, ErrNegativeDistance) {
		t.Errorf("expected ErrNegativeDistance from Kilometers, got %v", err)
	}
}

func TestUnmarshalJSON_Forms(t *testing.T) {
	tests := []struct {
		raw  string
		want decimal.Decimal
	}{
		{`6.5`, d(6.5)},
		{`"6.5 km"`, d(6.5)},
		{`"650 m"`, d(0.65)},
		{`{"value": 2500, "unit": "m"}`, d(2.5)},
		{`{"value": "4", "unit": "km"}`, d(4)},
		{`null`, d(0)},
	}
	for _, tt := range tests {
		var got Distance
		if err := json.Unmarshal([]byte(tt.raw), &got); err != nil {
			t.Errorf("unmarshal %s: unexpected error: %v", tt.raw, err)
			continue
		}
		if !got.Km().Equal(tt.want) {
			t.Errorf("unmarshal %s = %s, want %s km", tt.raw, got, tt.want)
		}
	}
}

func TestUnmarshalJSON_Rejects(t *testing.T) {
	for _, raw := range []string{`-1`, `"far"`, `{"value": 1, "unit": "ft"}`, `true`} {
		var got Distance
		if err := json.Unmarshal([]byte(raw), &got); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestMarshalJSON_Km(t *testing.T) {
	data, err := json.Marshal(MustKm(6.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "6.5" {
		t.Errorf("expected 6.5, got %s", data)
	}
}
