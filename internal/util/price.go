// Package util provides decimal-safe rounding for venue order sizes and prices.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.0005, 0.01234 becomes 0.0125.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	v := decimal.NewFromFloat(x).Div(t).Round(0).Mul(t)
	f, _ := v.Float64()
	return f
}

// RoundDownToStep truncates |x| to a multiple of step, keeping the sign.
// Order amounts are sized this way so an order never exceeds the position it
// offsets.
func RoundDownToStep(x, step float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	if step <= 0 {
		return x
	}
	s := decimal.NewFromFloat(step)
	abs := decimal.NewFromFloat(math.Abs(x))
	v := abs.Div(s).Floor().Mul(s)
	if x < 0 {
		v = v.Neg()
	}
	f, _ := v.Float64()
	return f
}
