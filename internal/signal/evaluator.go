// Package signal turns the momentum value of the last two closed candles
// into entry and exit conditions.
package signal

import (
	"momentum_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluator implements threshold crossing predicates around one threshold.
// The short side mirrors the long side with inverted comparisons.
type Evaluator struct {
	threshold decimal.Decimal
}

// NewEvaluator creates an evaluator crossing at threshold
func NewEvaluator(threshold decimal.Decimal) *Evaluator {
	return &Evaluator{threshold: threshold}
}

// Threshold returns the crossing level
func (e *Evaluator) Threshold() decimal.Decimal {
	return e.threshold
}

// EntryCondition reports an upward crossing for longs and a downward crossing for shorts
func (e *Evaluator) EntryCondition(side core.PositionSide, current, previous decimal.NullDecimal) bool {
	if !current.Valid || !previous.Valid {
		return false
	}
	switch side {
	case core.SideLong:
		return e.crossedUp(current.Decimal, previous.Decimal)
	case core.SideShort:
		return e.crossedDown(current.Decimal, previous.Decimal)
	}
	return false
}

// ExitCondition reports a downward crossing for longs and an upward crossing for shorts
func (e *Evaluator) ExitCondition(side core.PositionSide, current, previous decimal.NullDecimal) bool {
	if !current.Valid || !previous.Valid {
		return false
	}
	switch side {
	case core.SideLong:
		return e.crossedDown(current.Decimal, previous.Decimal)
	case core.SideShort:
		return e.crossedUp(current.Decimal, previous.Decimal)
	}
	return false
}

func (e *Evaluator) crossedUp(current, previous decimal.Decimal) bool {
	return previous.LessThanOrEqual(e.threshold) && current.GreaterThan(e.threshold)
}

func (e *Evaluator) crossedDown(current, previous decimal.Decimal) bool {
	return previous.GreaterThanOrEqual(e.threshold) && current.LessThan(e.threshold)
}

// Source is any series that can be read backwards from its newest candle
type Source interface {
	Last(field string, offset int) decimal.NullDecimal
}

// Reading picks the value of field at the last closed candle and the one
// before it. The newest candle is still forming and is skipped.
func Reading(series Source, field string) (current, previous decimal.NullDecimal) {
	return series.Last(field, 1), series.Last(field, 2)
}
