// Package moneymath holds the small numeric helpers the tax-lot engine and
// snapshot codec need on top of shopspring/decimal: banker's rounding on
// division, since decimal.Decimal's own Div/DivRound round half-away-from-zero.
package moneymath

import "github.com/shopspring/decimal"

// MinScale is the minimum scale (decimal places) carried by quantities and
// prices throughout the engine, per the decimal-semantics requirement.
const MinScale int32 = 4

// DivBankers divides n by d and rounds the result to places decimal places
// using round-half-to-even (banker's rounding).
func DivBankers(n, d decimal.Decimal, places int32) decimal.Decimal {
	// Compute with generous extra precision, then round half-to-even.
	raw := n.DivRound(d, places+6)
	return RoundBankers(raw, places)
}

// RoundBankers rounds d to places decimal places using round-half-to-even.
func RoundBankers(d decimal.Decimal, places int32) decimal.Decimal {
	scale := decimal.New(1, places)
	shifted := d.Mul(scale)
	floor := shifted.Floor()
	diff := shifted.Sub(floor)
	half := decimal.NewFromFloat(0.5)

	var roundedInt decimal.Decimal
	switch diff.Cmp(half) {
	case -1:
		roundedInt = floor
	case 1:
		roundedInt = floor.Add(decimal.NewFromInt(1))
	default:
		two := decimal.NewFromInt(2)
		if floor.Mod(two).IsZero() {
			roundedInt = floor
		} else {
			roundedInt = floor.Add(decimal.NewFromInt(1))
		}
	}
	return decimal.NewFromBigInt(roundedInt.BigInt(), -places)
}
