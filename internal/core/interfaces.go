// Package core defines the shared types and interfaces of the momentum trader
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchangeGateway is everything the decision cycle needs from a venue.
// Implementations bound every call in time; the core never retries order submission.
type IExchangeGateway interface {
	GetName() string

	// Account
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol string) (*PositionState, error)

	// Market data
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)

	// Account risk parameters
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode, leverage int) error

	// Orders
	SubmitMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error)
}

// ISignalEvaluator decides crossing conditions for one side
type ISignalEvaluator interface {
	EntryCondition(side PositionSide, current, previous decimal.NullDecimal) bool
	ExitCondition(side PositionSide, current, previous decimal.NullDecimal) bool
}

// IOrderExecutor runs an OrderPlan in sequence
type IOrderExecutor interface {
	Execute(ctx context.Context, plan OrderPlan) (*ExecutionReport, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
