// Package indicator derives technical indicator series from candle history.
// Every computation is deterministic decimal arithmetic with no side effects.
package indicator

import (
	"fmt"
	"sort"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// calcPrecision bounds intermediate results of recursive smoothing
const calcPrecision = 18

// FieldRSI is the momentum field the signal evaluator reads
const FieldRSI = "rsi"

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
)

// Indicator contributes one or more named fields to a series
type Indicator interface {
	Name() string
	// WarmUp is the number of candles needed before the first defined value
	WarmUp() int
	Compute(candles []core.Candle) map[string][]decimal.NullDecimal
}

// Series is a candle sequence annotated with named indicator fields.
// An entry is invalid until its indicator's warm-up window has filled.
type Series struct {
	Candles []core.Candle
	fields  map[string][]decimal.NullDecimal
}

// Len returns the number of candles
func (s *Series) Len() int {
	return len(s.Candles)
}

// Fields returns the computed field names in sorted order
func (s *Series) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a field was computed
func (s *Series) Has(field string) bool {
	_, ok := s.fields[field]
	return ok
}

// Value returns field at index i; out-of-range or unknown fields are undefined
func (s *Series) Value(field string, i int) decimal.NullDecimal {
	vals, ok := s.fields[field]
	if !ok || i < 0 || i >= len(vals) {
		return decimal.NullDecimal{}
	}
	return vals[i]
}

// Last returns field counted back from the end; offset 0 is the newest candle
func (s *Series) Last(field string, offset int) decimal.NullDecimal {
	return s.Value(field, s.Len()-1-offset)
}

// Snapshot returns every defined field value at index i
func (s *Series) Snapshot(i int) map[string]string {
	out := make(map[string]string)
	for name, vals := range s.fields {
		if i >= 0 && i < len(vals) && vals[i].Valid {
			out[name] = vals[i].Decimal.StringFixed(4)
		}
	}
	return out
}

// Engine computes a fixed, ordered set of indicators
type Engine struct {
	indicators []Indicator
}

// NewEngine creates an engine over the given indicators
func NewEngine(indicators ...Indicator) *Engine {
	return &Engine{indicators: indicators}
}

// NewEngineFromConfig builds RSI plus whichever optional indicators are configured
func NewEngineFromConfig(cfg config.IndicatorConfig) (*Engine, error) {
	rsi, err := NewRSI(cfg.RSILength)
	if err != nil {
		return nil, err
	}
	indicators := []Indicator{rsi}

	for _, n := range cfg.EMALengths {
		ema, err := NewEMA(n)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, ema)
	}
	if cfg.ATRLength > 0 {
		atr, err := NewATR(cfg.ATRLength)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, atr)
	}
	if cfg.BollingerLength > 0 {
		bb, err := NewBollinger(cfg.BollingerLength, decimal.NewFromFloat(cfg.BollingerStdDev))
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, bb)
	}
	if cfg.MACDFast > 0 {
		macd, err := NewMACD(cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, macd)
	}

	return NewEngine(indicators...), nil
}

// WarmUp returns the longest warm-up window among the engine's indicators
func (e *Engine) WarmUp() int {
	n := 0
	for _, ind := range e.indicators {
		n = max(n, ind.WarmUp())
	}
	return n
}

// Compute validates candles and annotates a copy of them with every indicator's fields
func (e *Engine) Compute(candles []core.Candle) (*Series, error) {
	if err := ValidateCandles(candles); err != nil {
		return nil, err
	}

	series := &Series{
		Candles: append([]core.Candle(nil), candles...),
		fields:  make(map[string][]decimal.NullDecimal),
	}

	for _, ind := range e.indicators {
		for name, vals := range ind.Compute(series.Candles) {
			if _, dup := series.fields[name]; dup {
				return nil, apperrors.InvalidInput("indicators", fmt.Errorf("field %q produced twice (by %s)", name, ind.Name()))
			}
			series.fields[name] = vals
		}
	}

	return series, nil
}

// ValidateCandles rejects non-ascending timestamps and non-positive prices
func ValidateCandles(candles []core.Candle) error {
	for i, c := range candles {
		if !c.Close.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() {
			return apperrors.InvalidInput("candles", fmt.Errorf("candle %d at %s has a non-positive price", i, c.Timestamp))
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return apperrors.InvalidInput("candles", fmt.Errorf("candle %d at %s is not after %s", i, c.Timestamp, candles[i-1].Timestamp))
		}
	}
	return nil
}

func invalidLength(name string, n int) error {
	return apperrors.InvalidInput("indicators", fmt.Errorf("%s length must be positive, got %d", name, n))
}

func closes(candles []core.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// ewm is an exponentially weighted mean seeded with the first value and no bias
// adjustment: y0 = x0, yi = yi-1 + alpha*(xi - yi-1). Entries before minPeriods
// observations are undefined.
func ewm(values []decimal.Decimal, alpha decimal.Decimal, minPeriods int) []decimal.NullDecimal {
	out := make([]decimal.NullDecimal, len(values))
	var avg decimal.Decimal
	for i, x := range values {
		if i == 0 {
			avg = x
		} else {
			avg = avg.Add(alpha.Mul(x.Sub(avg))).Round(calcPrecision)
		}
		if i+1 >= minPeriods {
			out[i] = decimal.NullDecimal{Decimal: avg, Valid: true}
		}
	}
	return out
}

// sma is the simple moving average over a trailing window of n values
func sma(values []decimal.Decimal, n int) []decimal.NullDecimal {
	out := make([]decimal.NullDecimal, len(values))
	sum := decimal.Zero
	for i, x := range values {
		sum = sum.Add(x)
		if i >= n {
			sum = sum.Sub(values[i-n])
		}
		if i+1 >= n {
			out[i] = decimal.NullDecimal{Decimal: sum.Div(decimal.NewFromInt(int64(n))), Valid: true}
		}
	}
	return out
}
