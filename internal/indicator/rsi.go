package indicator

import (
	"momentum_trader/internal/core"

	"github.com/shopspring/decimal"
)

// RSI is the relative strength index with Wilder smoothing (alpha = 1/length).
// The first change is taken as zero, so the first value is defined at index length-1.
type RSI struct {
	length int
}

// NewRSI creates an RSI over length candles
func NewRSI(length int) (*RSI, error) {
	if length < 1 {
		return nil, invalidLength("rsi", length)
	}
	return &RSI{length: length}, nil
}

func (r *RSI) Name() string { return "rsi" }

func (r *RSI) WarmUp() int { return r.length }

func (r *RSI) Compute(candles []core.Candle) map[string][]decimal.NullDecimal {
	prices := closes(candles)
	gains := make([]decimal.Decimal, len(prices))
	losses := make([]decimal.Decimal, len(prices))
	for i := 1; i < len(prices); i++ {
		change := prices[i].Sub(prices[i-1])
		if change.IsPositive() {
			gains[i] = change
		} else {
			losses[i] = change.Neg()
		}
	}

	alpha := one.Div(decimal.NewFromInt(int64(r.length)))
	avgGain := ewm(gains, alpha, r.length)
	avgLoss := ewm(losses, alpha, r.length)

	out := make([]decimal.NullDecimal, len(prices))
	for i := range prices {
		if !avgGain[i].Valid || !avgLoss[i].Valid {
			continue
		}
		if avgLoss[i].Decimal.IsZero() {
			out[i] = decimal.NullDecimal{Decimal: hundred, Valid: true}
			continue
		}
		rs := avgGain[i].Decimal.Div(avgLoss[i].Decimal)
		value := hundred.Sub(hundred.Div(one.Add(rs)))
		out[i] = decimal.NullDecimal{Decimal: value.Round(calcPrecision), Valid: true}
	}

	return map[string][]decimal.NullDecimal{FieldRSI: out}
}
