// Package money holds the decimal helpers shared by the ledger and the
// negotiation state machine.
package money

import "github.com/shopspring/decimal"

// Epsilon absorbs rounding when comparing settlement amounts.
var Epsilon = decimal.RequireFromString("0.01")

// Total is price × quantity, or price alone when quantity is absent.
func Total(price decimal.Decimal, quantity *decimal.Decimal) decimal.Decimal {
	if quantity == nil {
		return price.Round(2)
	}
	return price.Mul(*quantity).Round(2)
}

// Covers reports whether have reaches want within Epsilon.
func Covers(have, want decimal.Decimal) bool {
	return have.GreaterThanOrEqual(want.Sub(Epsilon))
}

// IsResidual reports whether amount is small enough to count as settled.
func IsResidual(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(Epsilon)
}

// WholeCents reports whether d fits the two-decimal scale amounts are
// stored at.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// Equal compares within Epsilon.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
