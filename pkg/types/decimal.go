package types

import "github.com/shopspring/decimal"

// ConformsToStep reports whether value is a non-negative exact multiple of
// step. A zero step accepts any value.
func ConformsToStep(value, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	if value.IsNegative() {
		return false
	}
	return value.Mod(step).IsZero()
}

// QuantizeDown floors value to the nearest multiple of step. Used to size
// fills from a quote budget without violating the lot filter.
func QuantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// WireDecimal renders a decimal for the notification schemas. All numeric
// fields go over the wire as strings to preserve exact precision.
func WireDecimal(d decimal.Decimal) string {
	return d.String()
}
