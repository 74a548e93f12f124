package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	"momentum_trader/internal/indicator"
	"momentum_trader/internal/mock"
	"momentum_trader/internal/signal"
	"momentum_trader/internal/trading/order"
	apperrors "momentum_trader/pkg/errors"
	"momentum_trader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "ETHUSDC"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// crossingCandles gives RSI(2) values 0 then 80 on the two closed candles,
// with the last closed candle at 2000. The final candle is still forming.
func crossingCandles() []core.Candle {
	closes := []string{"1990", "1980", "1970", "2000", "2001"}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]core.Candle, len(closes))
	for i, c := range closes {
		p := dec(c)
		out[i] = core.Candle{
			Timestamp: base.Add(time.Duration(i) * 4 * time.Hour),
			Open:      p, High: p.Add(dec("5")), Low: p.Sub(dec("5")), Close: p,
			Volume: dec("100"),
		}
	}
	return out
}

func testStrategy() config.StrategyConfig {
	cfg := config.DefaultConfig().Strategy
	cfg.Symbol = symbol
	cfg.Indicators.RSILength = 2
	cfg.PositionSizePct = 5
	cfg.TakeProfitPct = 10
	cfg.StopLossPct = 5
	cfg.IgnoreShorts = false
	return cfg
}

type stubEvaluator struct {
	entryLong, entryShort, exitLong, exitShort bool
}

func (s stubEvaluator) EntryCondition(side core.PositionSide, _, _ decimal.NullDecimal) bool {
	if side == core.SideLong {
		return s.entryLong
	}
	return s.entryShort
}

func (s stubEvaluator) ExitCondition(side core.PositionSide, _, _ decimal.NullDecimal) bool {
	if side == core.SideLong {
		return s.exitLong
	}
	return s.exitShort
}

type fixture struct {
	gw   *mock.MockGateway
	orch *Orchestrator
}

func newFixture(t *testing.T, cfg config.StrategyConfig, eval core.ISignalEvaluator) *fixture {
	t.Helper()
	gw := mock.NewMockGateway("mock")
	gw.RequireRulesBeforeBalance()
	gw.SetCandles(symbol, crossingCandles())

	rsi, err := indicator.NewRSI(cfg.Indicators.RSILength)
	require.NoError(t, err)
	if eval == nil {
		eval = signal.NewEvaluator(cfg.ThresholdDec())
	}

	logger := &mockLogger{}
	orch := NewOrchestrator(gw, indicator.NewEngine(rsi), eval, order.NewExecutor(gw, logger, nil), cfg, logger, nil)
	orch.SetSetupRetryPolicy(retry.RetryPolicy{MaxAttempts: 1})
	return &fixture{gw: gw, orch: orch}
}

func ops(calls []mock.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op
		if c.Op == mock.OpSubmitMarketOrder {
			out[i] += ":" + c.Payload
		}
	}
	return out
}

func TestRunCycle_EndToEndEnterLong(t *testing.T) {
	f := newFixture(t, testStrategy(), nil)

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	d := report.Decision
	assert.Equal(t, core.ActionEnterLong, d.Action)
	assert.True(t, d.Amount.Equal(dec("0.25")), "amount %s", d.Amount)
	require.NotNil(t, d.TakeProfit)
	require.NotNil(t, d.StopLoss)
	assert.True(t, d.TakeProfit.Equal(dec("2200")), "tp %s", d.TakeProfit)
	assert.True(t, d.StopLoss.Equal(dec("1900")), "sl %s", d.StopLoss)
	assert.Equal(t, "80", d.Indicator.Current.Decimal.String())
	assert.Equal(t, "0", d.Indicator.Previous.Decimal.String())

	assert.Equal(t, []string{
		mock.OpGetSymbolRules,
		mock.OpGetPosition,
		mock.OpGetBalance,
		mock.OpGetCandles,
		mock.OpSetLeverage,
		mock.OpSetMarginMode,
		mock.OpSubmitMarketOrder + ":" + mock.KindMarket,
		mock.OpSubmitMarketOrder + ":" + mock.KindTakeProfit,
		mock.OpSubmitMarketOrder + ":" + mock.KindStopLoss,
	}, ops(f.gw.Calls()))

	orders := f.gw.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, core.OrderSideBuy, orders[0].Side)
	assert.Equal(t, "0.25", orders[0].Quantity.String())
	assert.Equal(t, core.OrderSideSell, orders[1].Side)
	assert.Equal(t, core.OrderSideSell, orders[2].Side)
	assert.True(t, orders[1].ReduceOnly && orders[2].ReduceOnly)

	assert.Equal(t, 1, f.gw.Leverage(symbol))
	assert.Equal(t, core.MarginIsolated, f.gw.MarginMode(symbol))
	assert.Len(t, report.Execution.Outcomes, 3)
	assert.Contains(t, report.Indicators, indicator.FieldRSI)
	assert.False(t, report.Unprotected())
}

func TestDecide_LongWinsWhenBothEntriesFire(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{entryLong: true, entryShort: true})

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionEnterLong, report.Decision.Action)
	assert.Equal(t, core.OrderSideBuy, f.gw.Orders()[0].Side)
}

func TestDecide_ShortEntryMirrorsLevels(t *testing.T) {
	cfg := testStrategy()
	cfg.IgnoreLongs = true
	f := newFixture(t, cfg, stubEvaluator{entryLong: true, entryShort: true})

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	d := report.Decision
	assert.Equal(t, core.ActionEnterShort, d.Action)
	assert.True(t, d.TakeProfit.Equal(dec("1800")))
	assert.True(t, d.StopLoss.Equal(dec("2100")))

	orders := f.gw.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, core.OrderSideSell, orders[0].Side)
	assert.Equal(t, core.OrderSideBuy, orders[1].Side)
}

func TestRunCycle_PrimaryFailureSkipsProtection(t *testing.T) {
	f := newFixture(t, testStrategy(), nil)
	f.gw.FailOrders(mock.KindMarket, apperrors.ErrInsufficientFunds)

	report, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOrderExecution))
	assert.False(t, report.Unprotected())

	submits := f.gw.CallsTo(mock.OpSubmitMarketOrder)
	require.Len(t, submits, 1)
	assert.Equal(t, mock.KindMarket, submits[0].Payload)
}

func TestRunCycle_ProtectiveFailureIsSurfaced(t *testing.T) {
	f := newFixture(t, testStrategy(), nil)
	f.gw.FailOrders(mock.KindStopLoss, apperrors.ErrOrderRejected)

	report, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProtectiveOrderFailed))
	assert.True(t, report.Unprotected())

	pos, _ := f.gw.GetPosition(context.Background(), symbol)
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(dec("0.25")))
}

func TestRunCycle_ExitUsesAbsoluteMagnitude(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{exitShort: true, entryLong: true})
	f.gw.SetPosition(symbol, dec("-3.5"))

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionExitShort, report.Decision.Action)
	assert.True(t, report.Decision.Amount.Equal(dec("3.5")))

	orders := f.gw.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderSideBuy, orders[0].Side)
	assert.Equal(t, "3.5", orders[0].Quantity.String())
	assert.True(t, orders[0].ReduceOnly)
	assert.Nil(t, orders[0].TakeProfitPrice)

	assert.Empty(t, f.gw.CallsTo(mock.OpSetLeverage), "account setup only happens when flat")
}

func TestRunCycle_ExitIgnoresEntryFlags(t *testing.T) {
	cfg := testStrategy()
	cfg.IgnoreShorts = true
	f := newFixture(t, cfg, stubEvaluator{exitShort: true})
	f.gw.SetPosition(symbol, dec("-2"))

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionExitShort, report.Decision.Action)
	require.Len(t, f.gw.Orders(), 1)

	cfg.IgnoreExit = true
	f = newFixture(t, cfg, stubEvaluator{exitShort: true})
	f.gw.SetPosition(symbol, dec("-2"))

	report, err = f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionNone, report.Decision.Action)
	assert.Empty(t, f.gw.Orders())
}

func TestRunCycle_ExitLong(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{exitLong: true})
	f.gw.SetPosition(symbol, dec("1.2"))

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionExitLong, report.Decision.Action)

	orders := f.gw.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderSideSell, orders[0].Side)
	assert.Equal(t, "1.2", orders[0].Quantity.String())
}

func TestRunCycle_HoldWithoutExitSignal(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*config.StrategyConfig)
		eval stubEvaluator
	}{
		{"no exit signal", func(*config.StrategyConfig) {}, stubEvaluator{entryLong: true}},
		{"exits disabled", func(c *config.StrategyConfig) { c.IgnoreExit = true }, stubEvaluator{exitLong: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStrategy()
			tt.cfg(&cfg)
			f := newFixture(t, cfg, tt.eval)
			f.gw.SetPosition(symbol, dec("1"))

			report, err := f.orch.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, core.ActionNone, report.Decision.Action)
			assert.Empty(t, f.gw.CallsTo(mock.OpSubmitMarketOrder))
			assert.Nil(t, report.Plan)
		})
	}
}

func TestDecide_RejectsInconsistentPosition(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{exitLong: true})
	rsi, _ := indicator.NewRSI(2)
	series, err := indicator.NewEngine(rsi).Compute(crossingCandles())
	require.NoError(t, err)

	_, err = f.orch.Decide(context.Background(), &Snapshot{
		Position: &core.PositionState{Symbol: symbol, Side: core.SideLong, Size: dec("-3.5")},
		Balance:  dec("10000"),
		Series:   series,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Empty(t, f.gw.Calls())
}

func TestRunCycle_AccountSetupFailure(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{entryLong: true})
	f.gw.FailOperation(mock.OpSetMarginMode, apperrors.ErrAuthenticationFailed)

	_, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOrderExecution))
	assert.True(t, errors.Is(err, apperrors.ErrAuthenticationFailed))
	assert.Contains(t, err.Error(), "account_setup")
	assert.Empty(t, f.gw.CallsTo(mock.OpSubmitMarketOrder))
}

func TestRunCycle_AccountSetupRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{})
	f.orch.SetSetupRetryPolicy(retry.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	f.gw.FailOperation(mock.OpSetLeverage, apperrors.ErrNetwork)

	_, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Len(t, f.gw.CallsTo(mock.OpSetLeverage), 3)
}

func TestRunCycle_MarketDataFailures(t *testing.T) {
	for _, op := range []string{mock.OpGetSymbolRules, mock.OpGetPosition, mock.OpGetBalance, mock.OpGetCandles} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, testStrategy(), stubEvaluator{entryLong: true})
			f.gw.FailOperation(op, apperrors.ErrNetwork)

			report, err := f.orch.RunCycle(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrMarketData))
			assert.Equal(t, core.Action(""), report.Decision.Action)
			assert.Empty(t, f.gw.CallsTo(mock.OpSetLeverage))
			assert.Empty(t, f.gw.CallsTo(mock.OpSubmitMarketOrder))
		})
	}
}

func TestRunCycle_TooFewCandles(t *testing.T) {
	f := newFixture(t, testStrategy(), stubEvaluator{entryLong: true})
	f.gw.SetCandles(symbol, crossingCandles()[:2])

	_, err := f.orch.RunCycle(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrMarketData))
}

func TestRunCycle_UndefinedIndicatorHolds(t *testing.T) {
	cfg := testStrategy()
	cfg.Indicators.RSILength = 14
	f := newFixture(t, cfg, nil)

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.ActionNone, report.Decision.Action)
	assert.Equal(t, "indicator not yet defined", report.Decision.Reason)
	assert.Empty(t, f.gw.CallsTo(mock.OpSubmitMarketOrder))
}

func TestRunCycle_SuppressedProtection(t *testing.T) {
	cfg := testStrategy()
	cfg.IgnoreTP = true
	f := newFixture(t, cfg, nil)

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Decision.TakeProfit)
	require.NotNil(t, report.Decision.StopLoss)

	orders := f.gw.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, mock.KindMarket, mock.OrderKind(orders[0]))
	assert.Equal(t, mock.KindStopLoss, mock.OrderKind(orders[1]))
}

func TestRunCycle_MidPriceEntry(t *testing.T) {
	cfg := testStrategy()
	cfg.EntryPriceSource = config.PriceSourceMid
	f := newFixture(t, cfg, nil)
	f.gw.SetMidPrice(symbol, dec("2500"))

	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Decision.Reference.Equal(dec("2500")))
	assert.True(t, report.Decision.Amount.Equal(dec("0.2")))
	assert.True(t, report.Decision.TakeProfit.Equal(dec("2750")))
}

func TestBuildPlan(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tp, sl := dec("2200"), dec("1900")

	plan, err := BuildPlan(symbol, core.TradeDecision{
		Action: core.ActionEnterLong, Amount: dec("0.25"), TakeProfit: &tp, StopLoss: &sl,
	}, at)
	require.NoError(t, err)
	require.Len(t, plan.Intents, 3)
	assert.Equal(t, core.RolePrimary, plan.Intents[0].Role)
	assert.Equal(t, core.RoleTakeProfit, plan.Intents[1].Role)
	assert.Equal(t, core.RoleStopLoss, plan.Intents[2].Role)
	assert.NotEqual(t, plan.Intents[0].ClientOrderID, plan.Intents[1].ClientOrderID)

	again, _ := BuildPlan(symbol, core.TradeDecision{
		Action: core.ActionEnterLong, Amount: dec("0.25"), TakeProfit: &tp, StopLoss: &sl,
	}, at)
	assert.Equal(t, plan.Intents[0].ClientOrderID, again.Intents[0].ClientOrderID)

	exit, err := BuildPlan(symbol, core.TradeDecision{Action: core.ActionExitShort, Amount: dec("3.5")}, at)
	require.NoError(t, err)
	require.Len(t, exit.Intents, 1)
	assert.Equal(t, core.OrderSideBuy, exit.Intents[0].Side)
	assert.True(t, exit.Intents[0].ReduceOnly)

	_, err = BuildPlan(symbol, core.NoAction("hold"), at)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }
