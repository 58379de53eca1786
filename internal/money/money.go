// Package money holds the fixed-precision helpers every settlement component
// uses. Amounts are shopspring decimals; rounding is half-up to the currency
// minor unit and is applied by callers once, at the point of output.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of minor-unit digits of the currency.
const Places = 2

var (
	// Cent is one minor unit.
	Cent    = decimal.New(1, -Places)
	hundred = decimal.NewFromInt(100)
)

var (
	ErrEmpty    = errors.New("amount is empty")
	ErrNegative = errors.New("amount is negative")
)

// Round rounds half away from zero to two places, which is half-up for the
// non-negative amounts a till handles.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns amount × rate / 100 without rounding.
func Percent(amount decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}

// Sum adds amounts without rounding.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

func Max(a decimal.Decimal, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds d to [lo, hi].
func Clamp(d decimal.Decimal, lo decimal.Decimal, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// WithinTolerance reports whether |a - b| <= tolerance.
func WithinTolerance(a decimal.Decimal, b decimal.Decimal, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Parse reads a non-negative amount typed at the till. Surrounding spaces and
// thousands separators are accepted ("1,250.50").
func Parse(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// Format renders a rounded amount with thousands grouping, e.g. "1,000.00".
func Format(d decimal.Decimal) string {
	fixed := Round(d).StringFixed(Places)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}
