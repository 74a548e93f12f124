// Package orchestrator runs one decision cycle against a fresh account
// snapshot and hands the resulting plan to the order executor.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	"momentum_trader/internal/indicator"
	apperrors "momentum_trader/pkg/errors"
	"momentum_trader/pkg/retry"
	"momentum_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CycleReport is the observable result of one cycle
type CycleReport struct {
	Symbol     string
	StartedAt  time.Time
	FinishedAt time.Time
	Position   *core.PositionState
	Balance    decimal.Decimal
	CandleAt   time.Time
	Indicators map[string]string
	Decision   core.TradeDecision
	Plan       *core.OrderPlan
	Execution  *core.ExecutionReport
	Err        error
}

// Unprotected reports whether an entry filled but a protective order failed
func (r *CycleReport) Unprotected() bool {
	return errors.Is(r.Err, apperrors.ErrProtectiveOrderFailed)
}

// Orchestrator is the Flat/Long/Short state machine. It keeps no state
// between cycles; the position is re-read from the venue every run.
type Orchestrator struct {
	gateway   core.IExchangeGateway
	engine    *indicator.Engine
	evaluator core.ISignalEvaluator
	executor  core.IOrderExecutor
	cfg       config.StrategyConfig
	logger    core.ILogger

	setupPolicy retry.RetryPolicy
	tracer      trace.Tracer
	metrics     *telemetry.CycleMetrics
}

// NewOrchestrator wires the cycle. metrics may be nil.
func NewOrchestrator(
	gateway core.IExchangeGateway,
	engine *indicator.Engine,
	evaluator core.ISignalEvaluator,
	executor core.IOrderExecutor,
	cfg config.StrategyConfig,
	logger core.ILogger,
	metrics *telemetry.CycleMetrics,
) *Orchestrator {
	return &Orchestrator{
		gateway:     gateway,
		engine:      engine,
		evaluator:   evaluator,
		executor:    executor,
		cfg:         cfg,
		logger:      logger.WithFields(map[string]interface{}{"component": "orchestrator", "symbol": cfg.Symbol}),
		setupPolicy: retry.DefaultPolicy,
		tracer:      telemetry.GetTracer("orchestrator"),
		metrics:     metrics,
	}
}

// SetSetupRetryPolicy overrides the retry policy for leverage and margin calls
func (o *Orchestrator) SetSetupRetryPolicy(p retry.RetryPolicy) {
	o.setupPolicy = p
}

// RunCycle executes one full decision cycle. The report is always returned,
// even on error, so callers can journal partial progress. A filled entry
// whose protection failed returns an error matching
// apperrors.ErrProtectiveOrderFailed.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{Symbol: o.cfg.Symbol, StartedAt: time.Now()}
	ctx, span := o.tracer.Start(ctx, "cycle", trace.WithAttributes(attribute.String("symbol", o.cfg.Symbol)))
	defer span.End()

	err := o.runCycle(ctx, report)
	report.Err = err
	report.FinishedAt = time.Now()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("action", string(report.Decision.Action)))
	o.record(ctx, report)

	return report, err
}

func (o *Orchestrator) runCycle(ctx context.Context, report *CycleReport) error {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return err
	}
	report.Position = snap.Position
	report.Balance = snap.Balance
	closed := snap.LastClosed()
	report.CandleAt = closed.Timestamp
	report.Indicators = snap.Series.Snapshot(snap.Series.Len() - 2)

	o.logger.Info("Cycle snapshot",
		"balance", snap.Balance,
		"candle_at", closed.Timestamp,
		"close", closed.Close,
		"position", positionField(snap.Position))

	decision, err := o.Decide(ctx, snap)
	if err != nil {
		return err
	}
	report.Decision = decision

	o.logger.Info("Decision",
		"action", decision.Action,
		"reason", decision.Reason,
		"rsi", decision.Indicator.Current,
		"rsi_prev", decision.Indicator.Previous,
		"amount", decision.Amount)

	if decision.Action == core.ActionNone {
		return nil
	}

	plan, err := BuildPlan(o.cfg.Symbol, decision, closed.Timestamp)
	if err != nil {
		return err
	}
	plan.Rules = snap.Rules
	report.Plan = &plan

	execution, err := o.executor.Execute(ctx, plan)
	report.Execution = execution
	if err != nil {
		return err
	}

	o.logger.Info("Cycle complete", "action", decision.Action, "orders", len(execution.Outcomes))
	return nil
}

// snapshot reads symbol rules, position, balance and candles once. Nothing
// is re-read later in the cycle. Rules come first: the venue's quote asset
// (and so the balance) is only known once they are loaded.
func (o *Orchestrator) snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "snapshot")
	defer span.End()

	rules, err := o.gateway.GetSymbolRules(ctx, o.cfg.Symbol)
	if err != nil {
		return nil, apperrors.MarketData("symbol_rules", err)
	}

	pos, err := o.gateway.GetPosition(ctx, o.cfg.Symbol)
	if err != nil {
		return nil, apperrors.MarketData("position", err)
	}
	if pos != nil {
		if err := pos.Validate(); err != nil {
			return nil, err
		}
	}

	balance, err := o.gateway.GetBalance(ctx)
	if err != nil {
		return nil, apperrors.MarketData("balance", err)
	}

	candles, err := o.gateway.GetCandles(ctx, o.cfg.Symbol, o.cfg.Timeframe, o.cfg.CandleLimit)
	if err != nil {
		return nil, apperrors.MarketData("candles", err)
	}
	if len(candles) < minCandles {
		return nil, apperrors.MarketData("candles", errTooFewCandles(len(candles)))
	}

	series, err := o.engine.Compute(candles)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Rules: rules, Position: pos, Balance: balance, Series: series}, nil
}

func (o *Orchestrator) record(ctx context.Context, r *CycleReport) {
	if o.metrics == nil {
		return
	}
	action := string(r.Decision.Action)
	if action == "" {
		action = "none"
	}
	o.metrics.RecordCycle(ctx, r.Symbol, action, r.StartedAt, r.Err != nil)

	symbol := metric.WithAttributes(attribute.String("symbol", r.Symbol))
	size := 0.0
	if r.Position != nil {
		size = r.Position.Size.InexactFloat64()
	}
	o.metrics.PositionSize.Record(ctx, size, symbol)
	if v := r.Decision.Indicator.Current; v.Valid {
		o.metrics.IndicatorValue.Record(ctx, v.Decimal.InexactFloat64(),
			metric.WithAttributes(attribute.String("symbol", r.Symbol), attribute.String("field", r.Decision.Indicator.Field)))
	}
}

func positionField(p *core.PositionState) string {
	if p.IsFlat() {
		return "flat"
	}
	return string(p.Side) + " " + p.Size.String()
}
