package core

import (
	"fmt"
	"time"

	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Candle is one closed (or forming) OHLCV bar
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// PositionSide is the exposure direction reported by the exchange
type PositionSide string

const (
	SideFlat  PositionSide = "flat"
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that reduces a position opened with s
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// MarginMode selects isolated or cross margin
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// PositionState is the exchange-reported exposure for one symbol
type PositionState struct {
	Symbol string
	Side   PositionSide
	Size   decimal.Decimal // signed: positive long, negative short
}

// NewPositionState derives the side from the sign of the size
func NewPositionState(symbol string, size decimal.Decimal) *PositionState {
	side := SideFlat
	switch size.Sign() {
	case 1:
		side = SideLong
	case -1:
		side = SideShort
	}
	return &PositionState{Symbol: symbol, Side: side, Size: size}
}

// Validate rejects states whose side and size sign disagree
func (p *PositionState) Validate() error {
	switch p.Side {
	case SideFlat:
		if !p.Size.IsZero() {
			return apperrors.InvalidInput("position", fmt.Errorf("flat position with size %s", p.Size))
		}
	case SideLong:
		if !p.Size.IsPositive() {
			return apperrors.InvalidInput("position", fmt.Errorf("long position with size %s", p.Size))
		}
	case SideShort:
		if !p.Size.IsNegative() {
			return apperrors.InvalidInput("position", fmt.Errorf("short position with size %s", p.Size))
		}
	default:
		return apperrors.InvalidInput("position", fmt.Errorf("unknown side %q", p.Side))
	}
	return nil
}

// Magnitude returns the unsigned position size
func (p *PositionState) Magnitude() decimal.Decimal {
	return p.Size.Abs()
}

// IsFlat reports whether there is no exposure
func (p *PositionState) IsFlat() bool {
	return p == nil || p.Side == SideFlat
}

// SymbolRules holds the venue precision constraints for one symbol
type SymbolRules struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinQuantity       decimal.Decimal
	PricePrecision    int
	QuantityPrecision int
}

// MarketOrderRequest is a single market (or conditional market) order
type MarketOrderRequest struct {
	Symbol          string
	Side            OrderSide
	Quantity        decimal.Decimal
	ReduceOnly      bool
	TakeProfitPrice *decimal.Decimal
	StopLossPrice   *decimal.Decimal
	ClientOrderID   string
}

// OrderResult is what the venue reported for a submitted order
type OrderResult struct {
	Confirmed     bool
	OrderID       int64
	ClientOrderID string
	Status        string
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdateTime    time.Time
}

// Action tags a TradeDecision
type Action string

const (
	ActionNone       Action = "no_action"
	ActionExitLong   Action = "exit_long"
	ActionExitShort  Action = "exit_short"
	ActionEnterLong  Action = "enter_long"
	ActionEnterShort Action = "enter_short"
)

// IsEntry reports whether the action opens a position
func (a Action) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// IsExit reports whether the action closes a position
func (a Action) IsExit() bool {
	return a == ActionExitLong || a == ActionExitShort
}

// IndicatorReading is the pair of values a decision was made on
type IndicatorReading struct {
	Field    string
	Current  decimal.NullDecimal
	Previous decimal.NullDecimal
	CandleAt time.Time
}

// TradeDecision is the outcome of one decision cycle
type TradeDecision struct {
	Action     Action
	Amount     decimal.Decimal
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	Reference  decimal.Decimal
	Reason     string
	Indicator  IndicatorReading
}

// NoAction builds a hold decision
func NoAction(reason string) TradeDecision {
	return TradeDecision{Action: ActionNone, Reason: reason}
}

// OrderRole tags an intent so results can be matched back to it
type OrderRole string

const (
	RolePrimary    OrderRole = "primary"
	RoleTakeProfit OrderRole = "take_profit"
	RoleStopLoss   OrderRole = "stop_loss"
)

// OrderIntent is one step of an OrderPlan
type OrderIntent struct {
	Role          OrderRole
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	ReduceOnly    bool
	TriggerPrice  *decimal.Decimal
	ClientOrderID string
}

// OrderPlan is the ordered list of intents derived from a decision
type OrderPlan struct {
	Symbol  string
	Intents []OrderIntent
	// Rules pinned at cycle start; the executor fetches them when nil
	Rules *SymbolRules
}

// Primary returns the plan's primary intent
func (p *OrderPlan) Primary() (OrderIntent, bool) {
	for _, in := range p.Intents {
		if in.Role == RolePrimary {
			return in, true
		}
	}
	return OrderIntent{}, false
}

// OrderOutcome captures the result of one attempted intent
type OrderOutcome struct {
	Intent OrderIntent
	Result *OrderResult
	Err    error
}

// ExecutionReport lists outcomes in submission order
type ExecutionReport struct {
	Outcomes []OrderOutcome
}

// Outcome returns the outcome for a role, if it was attempted
func (r *ExecutionReport) Outcome(role OrderRole) (OrderOutcome, bool) {
	if r == nil {
		return OrderOutcome{}, false
	}
	for _, o := range r.Outcomes {
		if o.Intent.Role == role {
			return o, true
		}
	}
	return OrderOutcome{}, false
}

// ProtectiveFailures returns the failed take-profit and stop-loss outcomes
func (r *ExecutionReport) ProtectiveFailures() []OrderOutcome {
	if r == nil {
		return nil
	}
	var failed []OrderOutcome
	for _, o := range r.Outcomes {
		if o.Intent.Role != RolePrimary && o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
