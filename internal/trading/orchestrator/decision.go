package orchestrator

import (
	"context"
	"fmt"
	"time"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	"momentum_trader/internal/indicator"
	"momentum_trader/internal/risk"
	"momentum_trader/internal/signal"
	"momentum_trader/internal/trading/order"
	apperrors "momentum_trader/pkg/errors"
	"momentum_trader/pkg/retry"

	"github.com/shopspring/decimal"
)

// minCandles is the forming candle plus the two closed candles a decision reads
const minCandles = 3

// Snapshot is everything a cycle decides on, read once at cycle start
type Snapshot struct {
	Rules    *core.SymbolRules
	Position *core.PositionState // nil when flat
	Balance  decimal.Decimal
	Series   *indicator.Series
}

// LastClosed returns the newest fully closed candle
func (s *Snapshot) LastClosed() core.Candle {
	return s.Series.Candles[s.Series.Len()-2]
}

// Decide maps the snapshot to at most one transition. When flat it first
// configures leverage and margin mode on the venue.
func (o *Orchestrator) Decide(ctx context.Context, snap *Snapshot) (core.TradeDecision, error) {
	if snap.Series == nil || snap.Series.Len() < minCandles {
		return core.TradeDecision{}, apperrors.MarketData("candles", fmt.Errorf("need at least %d candles", minCandles))
	}
	if snap.Position != nil {
		if err := snap.Position.Validate(); err != nil {
			return core.TradeDecision{}, err
		}
	}

	current, previous := signal.Reading(snap.Series, indicator.FieldRSI)
	reading := core.IndicatorReading{
		Field:    indicator.FieldRSI,
		Current:  current,
		Previous: previous,
		CandleAt: snap.LastClosed().Timestamp,
	}

	if !snap.Position.IsFlat() {
		d := o.decideExit(snap.Position, current, previous)
		d.Indicator = reading
		return d, nil
	}

	if err := o.setupAccount(ctx); err != nil {
		return core.TradeDecision{}, err
	}

	var side core.PositionSide
	switch {
	case !o.cfg.IgnoreLongs && o.evaluator.EntryCondition(core.SideLong, current, previous):
		side = core.SideLong
	case !o.cfg.IgnoreShorts && o.evaluator.EntryCondition(core.SideShort, current, previous):
		side = core.SideShort
	default:
		d := core.NoAction(noSignalReason(current, previous))
		d.Indicator = reading
		return d, nil
	}

	d, err := o.decideEntry(ctx, snap, side)
	if err != nil {
		return core.TradeDecision{}, err
	}
	d.Indicator = reading
	return d, nil
}

func (o *Orchestrator) decideExit(pos *core.PositionState, current, previous decimal.NullDecimal) core.TradeDecision {
	if o.cfg.IgnoreExit {
		return core.NoAction(fmt.Sprintf("holding %s, exits disabled", pos.Side))
	}
	if !o.evaluator.ExitCondition(pos.Side, current, previous) {
		return core.NoAction(fmt.Sprintf("holding %s, no exit signal", pos.Side))
	}

	action := core.ActionExitLong
	if pos.Side == core.SideShort {
		action = core.ActionExitShort
	}
	return core.TradeDecision{
		Action: action,
		Amount: pos.Magnitude(),
		Reason: fmt.Sprintf("%s exit crossing", pos.Side),
	}
}

func (o *Orchestrator) decideEntry(ctx context.Context, snap *Snapshot, side core.PositionSide) (core.TradeDecision, error) {
	price, err := o.entryPrice(ctx, snap)
	if err != nil {
		return core.TradeDecision{}, err
	}

	notional, err := risk.PositionSize(snap.Balance, o.cfg.PositionSizePctDec())
	if err != nil {
		return core.TradeDecision{}, err
	}
	qty, err := risk.Quantity(notional, price)
	if err != nil {
		return core.TradeDecision{}, err
	}

	d := core.TradeDecision{
		Action:    core.ActionEnterLong,
		Amount:    qty,
		Reference: price,
		Reason:    fmt.Sprintf("%s entry crossing", side),
	}
	if side == core.SideShort {
		d.Action = core.ActionEnterShort
	}

	if !o.cfg.IgnoreTP {
		tp, err := risk.TakeProfitLevel(price, o.cfg.TakeProfitPctDec(), side)
		if err != nil {
			return core.TradeDecision{}, err
		}
		d.TakeProfit = &tp
	}
	if !o.cfg.IgnoreSL {
		sl, err := risk.StopLossLevel(price, o.cfg.StopLossPctDec(), side)
		if err != nil {
			return core.TradeDecision{}, err
		}
		d.StopLoss = &sl
	}

	return d, nil
}

func (o *Orchestrator) entryPrice(ctx context.Context, snap *Snapshot) (decimal.Decimal, error) {
	if o.cfg.EntryPriceSource != config.PriceSourceMid {
		return snap.LastClosed().Close, nil
	}
	mid, err := o.gateway.GetMidPrice(ctx, o.cfg.Symbol)
	if err != nil {
		return decimal.Zero, apperrors.MarketData("mid_price", err)
	}
	return mid, nil
}

// setupAccount applies leverage and margin mode. Both calls are idempotent
// on the venue, so transient failures are retried.
func (o *Orchestrator) setupAccount(ctx context.Context) error {
	err := retry.Do(ctx, o.setupPolicy, nil, func() error {
		return o.gateway.SetLeverage(ctx, o.cfg.Symbol, o.cfg.Leverage)
	})
	if err != nil {
		return apperrors.OrderExecution("account_setup", fmt.Errorf("set leverage %d: %w", o.cfg.Leverage, err))
	}

	err = retry.Do(ctx, o.setupPolicy, nil, func() error {
		return o.gateway.SetMarginMode(ctx, o.cfg.Symbol, o.cfg.Margin(), o.cfg.Leverage)
	})
	if err != nil {
		return apperrors.OrderExecution("account_setup", fmt.Errorf("set margin mode %s: %w", o.cfg.Margin(), err))
	}
	return nil
}

// BuildPlan turns a decision into ordered intents. Entries carry optional
// reduce-only protective intents on the closing side; exits are a single
// reduce-only order.
func BuildPlan(symbol string, d core.TradeDecision, candleAt time.Time) (core.OrderPlan, error) {
	plan := core.OrderPlan{Symbol: symbol}
	if !d.Amount.IsPositive() {
		return plan, apperrors.InvalidInput("order_plan", fmt.Errorf("%s amount must be positive, got %s", d.Action, d.Amount))
	}

	id := func(role core.OrderRole) string {
		return order.ClientOrderID(symbol, candleAt, d.Action, role)
	}

	var side core.OrderSide
	switch d.Action {
	case core.ActionEnterLong, core.ActionExitShort:
		side = core.OrderSideBuy
	case core.ActionEnterShort, core.ActionExitLong:
		side = core.OrderSideSell
	default:
		return plan, apperrors.InvalidInput("order_plan", fmt.Errorf("no plan for action %s", d.Action))
	}

	plan.Intents = append(plan.Intents, core.OrderIntent{
		Role:          core.RolePrimary,
		Symbol:        symbol,
		Side:          side,
		Quantity:      d.Amount,
		ReduceOnly:    d.Action.IsExit(),
		ClientOrderID: id(core.RolePrimary),
	})
	if d.Action.IsExit() {
		return plan, nil
	}

	protect := func(role core.OrderRole, trigger *decimal.Decimal) {
		if trigger == nil {
			return
		}
		price := *trigger
		plan.Intents = append(plan.Intents, core.OrderIntent{
			Role:          role,
			Symbol:        symbol,
			Side:          side.Opposite(),
			Quantity:      d.Amount,
			ReduceOnly:    true,
			TriggerPrice:  &price,
			ClientOrderID: id(role),
		})
	}
	protect(core.RoleTakeProfit, d.TakeProfit)
	protect(core.RoleStopLoss, d.StopLoss)

	return plan, nil
}

func noSignalReason(current, previous decimal.NullDecimal) string {
	if !current.Valid || !previous.Valid {
		return "indicator not yet defined"
	}
	return "no entry signal"
}

func errTooFewCandles(n int) error {
	return fmt.Errorf("got %d candles, need at least %d", n, minCandles)
}
