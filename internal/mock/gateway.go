// Package mock provides an in-memory exchange gateway that records every call
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Operation names recorded by MockGateway
const (
	OpGetBalance        = "GetBalance"
	OpGetPosition       = "GetPosition"
	OpGetCandles        = "GetCandles"
	OpGetMidPrice       = "GetMidPrice"
	OpGetSymbolRules    = "GetSymbolRules"
	OpSetLeverage       = "SetLeverage"
	OpSetMarginMode     = "SetMarginMode"
	OpSubmitMarketOrder = "SubmitMarketOrder"
)

// Order kinds used to target injected submission failures
const (
	KindMarket     = "market"
	KindTakeProfit = "take_profit"
	KindStopLoss   = "stop_loss"
)

// Call is one recorded gateway invocation
type Call struct {
	Op      string
	Symbol  string
	Order   *core.MarketOrderRequest
	Payload string
}

// MockGateway implements core.IExchangeGateway in memory
type MockGateway struct {
	name string

	mu          sync.Mutex
	balance     decimal.Decimal
	positions   map[string]decimal.Decimal
	candles     map[string][]core.Candle
	midPrices   map[string]decimal.Decimal
	rules       map[string]*core.SymbolRules
	leverage    map[string]int
	marginModes map[string]core.MarginMode

	orderIDCounter int64
	clientOrderMap map[string]*core.OrderResult
	calls          []Call

	// Failure injection
	opErrors    map[string]error
	orderErrors map[string]error
	unconfirmed bool

	// quote asset resolution, as on a venue without a configured quote asset
	balanceNeedsRules bool
	rulesLoaded       bool
}

func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		name:           name,
		balance:        decimal.NewFromInt(10000),
		positions:      make(map[string]decimal.Decimal),
		candles:        make(map[string][]core.Candle),
		midPrices:      make(map[string]decimal.Decimal),
		rules:          make(map[string]*core.SymbolRules),
		leverage:       make(map[string]int),
		marginModes:    make(map[string]core.MarginMode),
		orderIDCounter: 1000,
		clientOrderMap: make(map[string]*core.OrderResult),
		opErrors:       make(map[string]error),
		orderErrors:    make(map[string]error),
	}
}

func (m *MockGateway) SetBalance(balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
}

// SetPosition sets the signed position size for symbol
func (m *MockGateway) SetPosition(symbol string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = size
}

func (m *MockGateway) SetCandles(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = append([]core.Candle(nil), candles...)
}

func (m *MockGateway) SetMidPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.midPrices[symbol] = price
}

func (m *MockGateway) SetSymbolRules(rules *core.SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rules.Symbol] = rules
}

// FailOperation makes every call to op return err until cleared with a nil err
func (m *MockGateway) FailOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.opErrors, op)
		return
	}
	m.opErrors[op] = err
}

// FailOrders makes order submissions of the given kind return err
func (m *MockGateway) FailOrders(kind string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.orderErrors, kind)
		return
	}
	m.orderErrors[kind] = err
}

// SetUnconfirmed makes market orders come back accepted but not filled
func (m *MockGateway) SetUnconfirmed(unconfirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unconfirmed = unconfirmed
}

// Calls returns a copy of every recorded call in order
func (m *MockGateway) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the recorded calls of one operation
func (m *MockGateway) CallsTo(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Orders returns every submitted order request in submission order
func (m *MockGateway) Orders() []core.MarketOrderRequest {
	var out []core.MarketOrderRequest
	for _, c := range m.CallsTo(OpSubmitMarketOrder) {
		out = append(out, *c.Order)
	}
	return out
}

// Leverage returns the last leverage set for symbol
func (m *MockGateway) Leverage(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverage[symbol]
}

// MarginMode returns the last margin mode set for symbol
func (m *MockGateway) MarginMode(symbol string) core.MarginMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marginModes[symbol]
}

// RequireRulesBeforeBalance makes GetBalance fail with a configuration error
// until GetSymbolRules has succeeded once
func (m *MockGateway) RequireRulesBeforeBalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceNeedsRules = true
}

// Reset forgets recorded calls
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockGateway) GetName() string {
	return m.name
}

func (m *MockGateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpGetBalance}); err != nil {
		return decimal.Zero, err
	}
	if m.balanceNeedsRules && !m.rulesLoaded {
		return decimal.Zero, apperrors.Configuration("quote_asset", errors.New("quote asset unknown before symbol rules are loaded"))
	}
	return m.balance, nil
}

func (m *MockGateway) GetPosition(ctx context.Context, symbol string) (*core.PositionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpGetPosition, Symbol: symbol}); err != nil {
		return nil, err
	}
	size, ok := m.positions[symbol]
	if !ok || size.IsZero() {
		return nil, nil
	}
	return core.NewPositionState(symbol, size), nil
}

func (m *MockGateway) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpGetCandles, Symbol: symbol, Payload: timeframe}); err != nil {
		return nil, err
	}
	candles := m.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]core.Candle(nil), candles...), nil
}

func (m *MockGateway) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpGetMidPrice, Symbol: symbol}); err != nil {
		return decimal.Zero, err
	}
	if p, ok := m.midPrices[symbol]; ok {
		return p, nil
	}
	if candles := m.candles[symbol]; len(candles) > 0 {
		return candles[len(candles)-1].Close, nil
	}
	return decimal.Zero, fmt.Errorf("no price for %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

func (m *MockGateway) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpGetSymbolRules, Symbol: symbol}); err != nil {
		return nil, err
	}
	m.rulesLoaded = true
	if r, ok := m.rules[symbol]; ok {
		cp := *r
		return &cp, nil
	}
	return &core.SymbolRules{
		Symbol:            symbol,
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.001"),
		MinQuantity:       decimal.RequireFromString("0.001"),
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, nil
}

func (m *MockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpSetLeverage, Symbol: symbol, Payload: fmt.Sprint(leverage)}); err != nil {
		return err
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockGateway) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpSetMarginMode, Symbol: symbol, Payload: string(mode)}); err != nil {
		return err
	}
	m.marginModes[symbol] = mode
	return nil
}

// SubmitMarketOrder fills plain market orders immediately and accepts
// conditional orders as resting. A repeated client order ID returns the
// original result.
func (m *MockGateway) SubmitMarketOrder(ctx context.Context, req core.MarketOrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := req
	if err := m.record(Call{Op: OpSubmitMarketOrder, Symbol: req.Symbol, Order: &cp, Payload: OrderKind(req)}); err != nil {
		return nil, err
	}
	if err := m.orderErrors[OrderKind(req)]; err != nil {
		return nil, err
	}

	if req.ClientOrderID != "" {
		if existing, ok := m.clientOrderMap[req.ClientOrderID]; ok {
			res := *existing
			return &res, nil
		}
	}

	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity %s: %w", req.Quantity, apperrors.ErrInvalidOrderParameter)
	}

	m.orderIDCounter++
	res := &core.OrderResult{
		Confirmed:     true,
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Status:        "NEW",
		ExecutedQty:   decimal.Zero,
		UpdateTime:    time.Now(),
	}

	if OrderKind(req) == KindMarket {
		if m.unconfirmed {
			res.Confirmed = false
		} else {
			res.Status = "FILLED"
			res.ExecutedQty = req.Quantity
			res.AvgPrice = m.lastPrice(req.Symbol)
			m.fill(req)
		}
	}

	if req.ClientOrderID != "" {
		stored := *res
		m.clientOrderMap[req.ClientOrderID] = &stored
	}
	return res, nil
}

// OrderKind classifies a request as a plain market order or a conditional one
func OrderKind(req core.MarketOrderRequest) string {
	switch {
	case req.TakeProfitPrice != nil:
		return KindTakeProfit
	case req.StopLossPrice != nil:
		return KindStopLoss
	}
	return KindMarket
}

// record must be called with m.mu held
func (m *MockGateway) record(c Call) error {
	m.calls = append(m.calls, c)
	return m.opErrors[c.Op]
}

func (m *MockGateway) lastPrice(symbol string) decimal.Decimal {
	if p, ok := m.midPrices[symbol]; ok {
		return p
	}
	if candles := m.candles[symbol]; len(candles) > 0 {
		return candles[len(candles)-1].Close
	}
	return decimal.Zero
}

func (m *MockGateway) fill(req core.MarketOrderRequest) {
	pos := m.positions[req.Symbol]
	delta := req.Quantity
	if req.Side == core.OrderSideSell {
		delta = delta.Neg()
	}
	next := pos.Add(delta)
	if req.ReduceOnly && (pos.IsZero() || next.Sign() == -pos.Sign()) {
		next = decimal.Zero
	}
	m.positions[req.Symbol] = next
}
