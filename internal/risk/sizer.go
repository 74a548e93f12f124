// Package risk converts balance and percentages into order quantities and
// protective price levels. Nothing here knows about venue precision.
package risk

import (
	"fmt"

	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PositionSize returns the notional balance*pct/100
func PositionSize(balance, pct decimal.Decimal) (decimal.Decimal, error) {
	if err := positive("balance", balance); err != nil {
		return decimal.Zero, err
	}
	if err := positive("position_size_pct", pct); err != nil {
		return decimal.Zero, err
	}
	return balance.Mul(pct).Div(hundred), nil
}

// Quantity returns notional/price in base units
func Quantity(notional, price decimal.Decimal) (decimal.Decimal, error) {
	if err := positive("notional", notional); err != nil {
		return decimal.Zero, err
	}
	if err := positive("price", price); err != nil {
		return decimal.Zero, err
	}
	return notional.Div(price), nil
}

// TakeProfitLevel is above entry for longs and below entry for shorts
func TakeProfitLevel(entry, pct decimal.Decimal, side core.PositionSide) (decimal.Decimal, error) {
	return level("take_profit", entry, pct, side, 1)
}

// StopLossLevel is below entry for longs and above entry for shorts
func StopLossLevel(entry, pct decimal.Decimal, side core.PositionSide) (decimal.Decimal, error) {
	return level("stop_loss", entry, pct, side, -1)
}

// level returns entry*(1 + dir*pct/100), with dir flipped for shorts
func level(name string, entry, pct decimal.Decimal, side core.PositionSide, dir int64) (decimal.Decimal, error) {
	if err := positive("entry_price", entry); err != nil {
		return decimal.Zero, err
	}
	if err := positive(name+"_pct", pct); err != nil {
		return decimal.Zero, err
	}

	switch side {
	case core.SideLong:
	case core.SideShort:
		dir = -dir
	default:
		return decimal.Zero, apperrors.InvalidInput("risk", fmt.Errorf("%s level needs a long or short side, got %q", name, side))
	}

	offset := pct.Div(hundred).Mul(decimal.NewFromInt(dir))
	price := entry.Mul(decimal.NewFromInt(1).Add(offset))
	if !price.IsPositive() {
		return decimal.Zero, apperrors.InvalidInput("risk", fmt.Errorf("%s level %s is not positive (entry %s, pct %s)", name, price, entry, pct))
	}
	return price, nil
}

func positive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return apperrors.InvalidInput("risk", fmt.Errorf("%s must be positive, got %s", name, v))
	}
	return nil
}
