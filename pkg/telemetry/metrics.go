package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCycles             = "momentum_trader_cycles"
	MetricCycleDuration      = "momentum_trader_cycle_duration"
	MetricOrdersSubmitted    = "momentum_trader_orders_submitted"
	MetricProtectiveFailures = "momentum_trader_protective_failures"
	MetricLastRun            = "momentum_trader_last_run_timestamp"
	MetricIndicatorValue     = "momentum_trader_indicator_value"
	MetricPositionSize       = "momentum_trader_position_size"
	MetricGatewayLatency     = "momentum_trader_gateway_latency"
)

// CycleMetrics holds the instruments recorded once per decision cycle
type CycleMetrics struct {
	Cycles             metric.Int64Counter
	CycleDuration      metric.Float64Histogram
	OrdersSubmitted    metric.Int64Counter
	ProtectiveFailures metric.Int64Counter
	LastRun            metric.Float64Gauge
	IndicatorValue     metric.Float64Gauge
	PositionSize       metric.Float64Gauge
	GatewayLatency     metric.Float64Histogram
}

// NewCycleMetrics creates the instruments on meter
func NewCycleMetrics(meter metric.Meter) (*CycleMetrics, error) {
	m := &CycleMetrics{}
	var err error

	if m.Cycles, err = meter.Int64Counter(MetricCycles,
		metric.WithDescription("Decision cycles by outcome action")); err != nil {
		return nil, err
	}
	if m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration,
		metric.WithDescription("Wall time of one decision cycle"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.OrdersSubmitted, err = meter.Int64Counter(MetricOrdersSubmitted,
		metric.WithDescription("Orders submitted by role and result")); err != nil {
		return nil, err
	}
	if m.ProtectiveFailures, err = meter.Int64Counter(MetricProtectiveFailures,
		metric.WithDescription("Take-profit or stop-loss orders that failed after a filled entry")); err != nil {
		return nil, err
	}
	if m.LastRun, err = meter.Float64Gauge(MetricLastRun,
		metric.WithDescription("Unix time of the last completed cycle")); err != nil {
		return nil, err
	}
	if m.IndicatorValue, err = meter.Float64Gauge(MetricIndicatorValue,
		metric.WithDescription("Indicator value on the last closed candle")); err != nil {
		return nil, err
	}
	if m.PositionSize, err = meter.Float64Gauge(MetricPositionSize,
		metric.WithDescription("Signed position size observed at cycle start")); err != nil {
		return nil, err
	}
	if m.GatewayLatency, err = meter.Float64Histogram(MetricGatewayLatency,
		metric.WithDescription("Latency of exchange gateway calls"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCycle records the outcome of one finished cycle
func (m *CycleMetrics) RecordCycle(ctx context.Context, symbol, action string, started time.Time, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("action", action),
		attribute.Bool("failed", failed),
	)
	m.Cycles.Add(ctx, 1, attrs)
	m.CycleDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	m.LastRun.Record(ctx, float64(time.Now().Unix()), metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordOrder records one order submission
func (m *CycleMetrics) RecordOrder(ctx context.Context, symbol, role string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OrdersSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("role", role),
		attribute.String("result", result),
	))
}

// RecordGatewayCall records the latency of one gateway operation
func (m *CycleMetrics) RecordGatewayCall(ctx context.Context, op string, started time.Time, err error) {
	m.GatewayLatency.Record(ctx, float64(time.Since(started).Milliseconds()), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
