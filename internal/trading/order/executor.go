// Package order executes an OrderPlan against the exchange gateway: primary
// order first, protective orders only after the primary is confirmed.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"
	"momentum_trader/pkg/telemetry"
	"momentum_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// clientOrderNamespace scopes deterministic client order IDs
var clientOrderNamespace = uuid.MustParse("6f1c9a52-3b7e-4d0a-9c61-2e8f4b7d1a35")

// ClientOrderID derives a stable ID from the symbol, the candle the decision
// was made on, the action and the order role. Re-running the same candle
// yields the same IDs, so the venue rejects an accidental second submission
// as a duplicate.
func ClientOrderID(symbol string, candleAt time.Time, action core.Action, role core.OrderRole) string {
	name := fmt.Sprintf("%s|%d|%s|%s", symbol, candleAt.UnixMilli(), action, role)
	return uuid.NewSHA1(clientOrderNamespace, []byte(name)).String()
}

// Executor implements core.IOrderExecutor
type Executor struct {
	gateway core.IExchangeGateway
	logger  core.ILogger

	// Spaces consecutive submissions within one plan
	rateLimiter *rate.Limiter

	tracer  trace.Tracer
	metrics *telemetry.CycleMetrics
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(gateway core.IExchangeGateway, logger core.ILogger, metrics *telemetry.CycleMetrics) *Executor {
	return &Executor{
		gateway:     gateway,
		logger:      logger.WithField("component", "order_executor"),
		rateLimiter: rate.NewLimiter(rate.Limit(5), 3),
		tracer:      telemetry.GetTracer("order-executor"),
		metrics:     metrics,
	}
}

// SetRateLimit updates the submission rate limit
func (e *Executor) SetRateLimit(limit float64, burst int) {
	e.rateLimiter = rate.NewLimiter(rate.Limit(limit), burst)
}

// Execute submits the plan strictly in order. The report lists one outcome
// per attempted intent. A primary failure stops the plan and returns an
// OrderExecution error; protective failures are all attempted and returned
// together wrapped in apperrors.ErrProtectiveOrderFailed.
func (e *Executor) Execute(ctx context.Context, plan core.OrderPlan) (*core.ExecutionReport, error) {
	ctx, span := e.tracer.Start(ctx, "ExecutePlan",
		trace.WithAttributes(
			attribute.String("symbol", plan.Symbol),
			attribute.Int("intents", len(plan.Intents)),
		),
	)
	defer span.End()

	report := &core.ExecutionReport{}
	if err := validatePlan(plan); err != nil {
		return report, err
	}

	rules := plan.Rules
	if rules == nil {
		var err error
		rules, err = e.gateway.GetSymbolRules(ctx, plan.Symbol)
		if err != nil {
			span.RecordError(err)
			return report, apperrors.MarketData("symbol_rules", err)
		}
	}

	primary := plan.Intents[0]
	result, err := e.submit(ctx, primary, rules)
	report.Outcomes = append(report.Outcomes, core.OrderOutcome{Intent: primary, Result: result, Err: err})
	if err != nil {
		span.SetStatus(codes.Error, "primary order failed")
		return report, apperrors.OrderExecution(string(core.RolePrimary), err)
	}
	if !result.Confirmed {
		err = fmt.Errorf("order %d not confirmed (status %s)", result.OrderID, result.Status)
		report.Outcomes[0].Err = err
		span.SetStatus(codes.Error, "primary order not confirmed")
		return report, apperrors.OrderExecution(string(core.RolePrimary), err)
	}

	var (
		failedRoles []string
		causes      []error
	)
	for _, intent := range plan.Intents[1:] {
		if result.ExecutedQty.IsPositive() {
			intent.Quantity = result.ExecutedQty
		}
		res, err := e.submit(ctx, intent, rules)
		report.Outcomes = append(report.Outcomes, core.OrderOutcome{Intent: intent, Result: res, Err: err})
		if err != nil {
			failedRoles = append(failedRoles, string(intent.Role))
			causes = append(causes, fmt.Errorf("%s: %w", intent.Role, err))
			if e.metrics != nil {
				e.metrics.ProtectiveFailures.Add(ctx, 1)
			}
		}
	}

	if len(causes) > 0 {
		span.SetStatus(codes.Error, "protective order failed")
		e.logger.Error("Entry filled without full protection",
			"symbol", plan.Symbol,
			"failed", strings.Join(failedRoles, ","),
			"error", errors.Join(causes...))
		return report, apperrors.OrderExecution(strings.Join(failedRoles, "+"),
			fmt.Errorf("%w: %w", apperrors.ErrProtectiveOrderFailed, errors.Join(causes...)))
	}

	return report, nil
}

// submit quantizes one intent to the venue rules and sends it
func (e *Executor) submit(ctx context.Context, intent core.OrderIntent, rules *core.SymbolRules) (*core.OrderResult, error) {
	ctx, span := e.tracer.Start(ctx, "SubmitOrder",
		trace.WithAttributes(
			attribute.String("role", string(intent.Role)),
			attribute.String("side", string(intent.Side)),
		),
	)
	defer span.End()

	req, err := buildRequest(intent, rules)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	e.logger.Info("Submitting order",
		"role", intent.Role,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"reduce_only", req.ReduceOnly,
		"client_order_id", req.ClientOrderID)

	result, err := e.gateway.SubmitMarketOrder(ctx, req)
	if e.metrics != nil {
		e.metrics.RecordOrder(ctx, req.Symbol, string(intent.Role), err)
	}
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("Order submission failed",
			"role", intent.Role,
			"symbol", req.Symbol,
			"error", err)
		return nil, err
	}

	e.logger.Info("Order accepted",
		"role", intent.Role,
		"order_id", result.OrderID,
		"status", result.Status,
		"executed_qty", result.ExecutedQty,
		"avg_price", result.AvgPrice)
	return result, nil
}

// buildRequest applies step and tick sizes. Quantities round down so the
// order never exceeds its sizing; trigger prices go to the nearest tick.
func buildRequest(intent core.OrderIntent, rules *core.SymbolRules) (core.MarketOrderRequest, error) {
	qty := tradingutils.FloorToStep(intent.Quantity, rules.StepSize)
	if rules.QuantityPrecision > 0 {
		qty = tradingutils.RoundQuantity(qty, rules.QuantityPrecision)
	}
	if !qty.IsPositive() || qty.LessThan(rules.MinQuantity) {
		return core.MarketOrderRequest{}, apperrors.InvalidInput(string(intent.Role),
			fmt.Errorf("quantity %s rounds to %s, below minimum %s", intent.Quantity, qty, rules.MinQuantity))
	}

	req := core.MarketOrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      qty,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: intent.ClientOrderID,
	}

	if intent.TriggerPrice != nil {
		price := tradingutils.AlignToTick(*intent.TriggerPrice, rules.TickSize)
		if rules.PricePrecision > 0 {
			price = tradingutils.RoundPrice(price, rules.PricePrecision)
		}
		if !price.IsPositive() {
			return core.MarketOrderRequest{}, apperrors.InvalidInput(string(intent.Role),
				fmt.Errorf("trigger price %s rounds to %s", intent.TriggerPrice, price))
		}
		switch intent.Role {
		case core.RoleTakeProfit:
			req.TakeProfitPrice = &price
		case core.RoleStopLoss:
			req.StopLossPrice = &price
		}
	}

	return req, nil
}

func validatePlan(plan core.OrderPlan) error {
	if len(plan.Intents) == 0 {
		return apperrors.InvalidInput("order_plan", errors.New("plan has no intents"))
	}
	if plan.Intents[0].Role != core.RolePrimary {
		return apperrors.InvalidInput("order_plan", fmt.Errorf("first intent is %s, want primary", plan.Intents[0].Role))
	}
	for _, in := range plan.Intents[1:] {
		if in.Role == core.RolePrimary {
			return apperrors.InvalidInput("order_plan", errors.New("more than one primary intent"))
		}
		if in.TriggerPrice == nil || !in.ReduceOnly {
			return apperrors.InvalidInput("order_plan", fmt.Errorf("%s intent must be reduce-only with a trigger price", in.Role))
		}
	}
	return nil
}

var _ core.IOrderExecutor = (*Executor)(nil)
