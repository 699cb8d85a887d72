// Package distance provides the typed delivery distance used by the fee
// calculator. Free-text input such as "6.5 km" or "800 m" is parsed here, at
// the API boundary; the calculator only ever sees a Distance.
package distance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported units.
const (
	UnitKm = "km"
	UnitM  = "m"
)

var metersPerKm = decimal.NewFromInt(1000)

// distanceRegex matches: {number}[ ]{unit}
// Examples: "6.5 km", "6,5km", "800 m", "12"
var distanceRegex = regexp.MustCompile(`^([0-9]+(?:[.,][0-9]+)?)\s*([A-Za-z]*)$`)

var (
	ErrInvalidDistance  = errors.New("distance: invalid distance format")
	ErrInvalidUnit      = errors.New("distance: unsupported unit")
	ErrNegativeDistance = errors.New("distance: distance must not be negative")
)

// Distance is a non-negative length stored in kilometers.
type Distance struct {
	km decimal.Decimal
}

// Zero is the zero distance.
var Zero = Distance{}

// Kilometers builds a Distance from a value in km.
func Kilometers(v decimal.Decimal) (Distance, error) {
	if v.IsNegative() {
		return Zero, ErrNegativeDistance
	}
	return Distance{km: v}, nil
}

// Meters builds a Distance from a value in meters.
func Meters(v decimal.Decimal) (Distance, error) {
	if v.IsNegative() {
		return Zero, ErrNegativeDistance
	}
	return Distance{km: v.Div(metersPerKm)}, nil
}

// MustKm is Kilometers for constants and tests; it panics on negative input.
func MustKm(v float64) Distance {
	d, err := Kilometers(decimal.NewFromFloat(v))
	if err != nil {
		panic(err)
	}
	return d
}

// New builds a Distance from a value and an explicit unit ("km" or "m").
// An empty unit means km.
func New(v decimal.Decimal, unit string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", UnitKm:
		return Kilometers(v)
	case UnitM:
		return Meters(v)
	default:
		return Zero, fmt.Errorf("%w: %s", ErrInvalidUnit, unit)
	}
}

// Parse parses free text such as "6.5 km", "6,5 km" or "800 m".
// A bare number is read as kilometers.
func Parse(s string) (Distance, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return Zero, ErrNegativeDistance
	}
	matches := distanceRegex.FindStringSubmatch(s)
	if matches == nil {
		return Zero, fmt.Errorf("%w: %q (expected {number} km|m)", ErrInvalidDistance, s)
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(matches[1], ",", "."))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidDistance, s)
	}
	return New(v, matches[2])
}

// Km returns the distance in kilometers.
func (d Distance) Km() decimal.Decimal {
	return d.km
}

func (d Distance) String() string {
	return d.km.String() + " km"
}

// MarshalJSON encodes the distance as a number of kilometers.
func (d Distance) MarshalJSON() ([]byte, error) {
	return []byte(d.km.String()), nil
}

// UnmarshalJSON accepts a number (km), a string ("6.5 km") or an object
// {"value": 6.5, "unit": "km"}.
func (d *Distance) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = Zero
		return nil
	}

	var parsed Distance
	var err error
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err = Parse(s)
	case '{':
		var obj struct {
			Value decimal.Decimal `json:"value"`
			Unit  string          `json:"unit"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		parsed, err = New(obj.Value, obj.Unit)
	default:
		var v decimal.Decimal
		if err := v.UnmarshalJSON(data); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDistance, data)
		}
		parsed, err = Kilometers(v)
	}
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
