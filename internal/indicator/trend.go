package indicator

import (
	"fmt"
	"math"

	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// EMA is an exponential moving average of closes with alpha = 2/(length+1)
type EMA struct {
	length int
}

func NewEMA(length int) (*EMA, error) {
	if length < 1 {
		return nil, invalidLength("ema", length)
	}
	return &EMA{length: length}, nil
}

func (e *EMA) Name() string { return fmt.Sprintf("ema_%d", e.length) }

func (e *EMA) WarmUp() int { return e.length }

func (e *EMA) Compute(candles []core.Candle) map[string][]decimal.NullDecimal {
	return map[string][]decimal.NullDecimal{
		e.Name(): ewm(closes(candles), emaAlpha(e.length), e.length),
	}
}

func emaAlpha(length int) decimal.Decimal {
	return two.Div(decimal.NewFromInt(int64(length + 1)))
}

// ATR is the average true range: a simple mean of the first length true ranges,
// then Wilder smoothing
type ATR struct {
	length int
}

func NewATR(length int) (*ATR, error) {
	if length < 1 {
		return nil, invalidLength("atr", length)
	}
	return &ATR{length: length}, nil
}

func (a *ATR) Name() string { return "atr" }

func (a *ATR) WarmUp() int { return a.length }

func (a *ATR) Compute(candles []core.Candle) map[string][]decimal.NullDecimal {
	out := make([]decimal.NullDecimal, len(candles))
	n := decimal.NewFromInt(int64(a.length))
	sum := decimal.Zero
	var atr decimal.Decimal

	for i, c := range candles {
		tr := c.High.Sub(c.Low)
		if i > 0 {
			prev := candles[i-1].Close
			tr = decimal.Max(tr, c.High.Sub(prev).Abs(), c.Low.Sub(prev).Abs())
		}

		switch {
		case i+1 < a.length:
			sum = sum.Add(tr)
			continue
		case i+1 == a.length:
			atr = sum.Add(tr).Div(n)
		default:
			atr = atr.Mul(n.Sub(one)).Add(tr).Div(n).Round(calcPrecision)
		}
		out[i] = decimal.NullDecimal{Decimal: atr, Valid: true}
	}

	return map[string][]decimal.NullDecimal{"atr": out}
}

// Bollinger bands: SMA(length) plus and minus k population standard deviations
type Bollinger struct {
	length int
	k      decimal.Decimal
}

func NewBollinger(length int, k decimal.Decimal) (*Bollinger, error) {
	if length < 1 {
		return nil, invalidLength("bollinger", length)
	}
	if !k.IsPositive() {
		return nil, apperrors.InvalidInput("indicators", fmt.Errorf("bollinger stddev multiplier must be positive, got %s", k))
	}
	return &Bollinger{length: length, k: k}, nil
}

func (b *Bollinger) Name() string { return "bollinger" }

func (b *Bollinger) WarmUp() int { return b.length }

func (b *Bollinger) Compute(candles []core.Candle) map[string][]decimal.NullDecimal {
	prices := closes(candles)
	middle := sma(prices, b.length)
	upper := make([]decimal.NullDecimal, len(prices))
	lower := make([]decimal.NullDecimal, len(prices))
	n := decimal.NewFromInt(int64(b.length))

	for i := range prices {
		if !middle[i].Valid {
			continue
		}
		mean := middle[i].Decimal
		variance := decimal.Zero
		for _, p := range prices[i+1-b.length : i+1] {
			d := p.Sub(mean)
			variance = variance.Add(d.Mul(d))
		}
		variance = variance.Div(n)
		// float64 square root; math.Sqrt is correctly rounded
		std := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
		width := std.Mul(b.k)
		upper[i] = decimal.NullDecimal{Decimal: mean.Add(width), Valid: true}
		lower[i] = decimal.NullDecimal{Decimal: mean.Sub(width), Valid: true}
	}

	return map[string][]decimal.NullDecimal{
		"bb_upper":  upper,
		"bb_middle": middle,
		"bb_lower":  lower,
	}
}

// MACD is EMA(fast) - EMA(slow), its EMA(signal) and their difference
type MACD struct {
	fast, slow, signal int
}

func NewMACD(fast, slow, signal int) (*MACD, error) {
	if fast < 1 || slow <= fast || signal < 1 {
		return nil, apperrors.InvalidInput("indicators", fmt.Errorf("macd needs 1 <= fast < slow and signal >= 1, got %d/%d/%d", fast, slow, signal))
	}
	return &MACD{fast: fast, slow: slow, signal: signal}, nil
}

func (m *MACD) Name() string { return "macd" }

func (m *MACD) WarmUp() int { return m.slow + m.signal - 1 }

func (m *MACD) Compute(candles []core.Candle) map[string][]decimal.NullDecimal {
	prices := closes(candles)
	fast := ewm(prices, emaAlpha(m.fast), m.fast)
	slow := ewm(prices, emaAlpha(m.slow), m.slow)

	macd := make([]decimal.NullDecimal, len(prices))
	signal := make([]decimal.NullDecimal, len(prices))
	hist := make([]decimal.NullDecimal, len(prices))

	start := m.slow - 1
	if start >= len(prices) {
		return map[string][]decimal.NullDecimal{"macd": macd, "macd_signal": signal, "macd_hist": hist}
	}

	line := make([]decimal.Decimal, 0, len(prices)-start)
	for i := start; i < len(prices); i++ {
		v := fast[i].Decimal.Sub(slow[i].Decimal)
		macd[i] = decimal.NullDecimal{Decimal: v, Valid: true}
		line = append(line, v)
	}

	for j, s := range ewm(line, emaAlpha(m.signal), m.signal) {
		if !s.Valid {
			continue
		}
		i := start + j
		signal[i] = s
		hist[i] = decimal.NullDecimal{Decimal: macd[i].Decimal.Sub(s.Decimal), Valid: true}
	}

	return map[string][]decimal.NullDecimal{"macd": macd, "macd_signal": signal, "macd_hist": hist}
}
