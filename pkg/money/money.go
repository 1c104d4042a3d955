package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits stored for every amount.
const Scale = 2

// Normalize rounds an amount to the stored scale.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a decimal string and normalizes it. Inputs with more than two
// fractional digits are rejected rather than rounded.
func Parse(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if !d.Equal(d.Round(Scale)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", value, Scale)
	}
	return Normalize(d), nil
}

// FromCents converts minor units (as delivered by the gateway) to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Scale)
}

// ToCents converts an amount to minor units for gateway calls.
func ToCents(d decimal.Decimal) int64 {
	return Normalize(d).Shift(Scale).IntPart()
}

// Sum adds the provided amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// IsPositive reports whether d is strictly greater than zero after normalization.
func IsPositive(d decimal.Decimal) bool {
	return Normalize(d).GreaterThan(decimal.Zero)
}

// Format renders the amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return Normalize(d).StringFixed(Scale)
}
