package tradingutils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity truncates a quantity to the specified decimals so sizing is never exceeded
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Truncate(int32(qtyDecimals))
}

// AlignToTick rounds a price to the nearest multiple of tick
func AlignToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// FloorToStep rounds a quantity down to a multiple of step
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// DecimalsOf returns the number of fractional digits a step or tick size implies
func DecimalsOf(step decimal.Decimal) int {
	if !step.IsPositive() {
		return 0
	}
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// MidPrice is the arithmetic mean of best bid and best ask
func MidPrice(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
