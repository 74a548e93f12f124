package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"momentum_trader/internal/alert"
	"momentum_trader/internal/exchange"
	"momentum_trader/internal/indicator"
	"momentum_trader/internal/signal"
	"momentum_trader/internal/trading/orchestrator"
	"momentum_trader/internal/trading/order"
	apperrors "momentum_trader/pkg/errors"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUnprotected = 2
)

const bookkeepingTimeout = 15 * time.Second

// CycleRunner runs exactly one decision cycle, then journals it, exports
// metrics and raises alerts
type CycleRunner struct {
	app    *App
	orch   *orchestrator.Orchestrator
	report *orchestrator.CycleReport
}

// NewCycleRunner builds the decision pipeline from the application's dependencies
func NewCycleRunner(app *App) (*CycleRunner, error) {
	strategy := app.Cfg.Strategy

	engine, err := indicator.NewEngineFromConfig(strategy.Indicators)
	if err != nil {
		return nil, fmt.Errorf("indicators: %w", err)
	}
	evaluator := signal.NewEvaluator(strategy.ThresholdDec())
	executor := order.NewExecutor(app.Gateway, app.Logger, app.Metrics)

	return &CycleRunner{
		app:  app,
		orch: orchestrator.NewOrchestrator(app.Gateway, engine, evaluator, executor, strategy, app.Logger, app.Metrics),
	}, nil
}

// Report returns the last cycle's report, or nil before Run
func (r *CycleRunner) Report() *orchestrator.CycleReport {
	return r.report
}

func (r *CycleRunner) Run(ctx context.Context) error {
	logger := r.app.Logger

	if err := exchange.SyncClock(ctx, r.app.Gateway); err != nil {
		logger.Warn("Clock sync failed, using local time", "error", err)
	}

	report, err := r.orch.RunCycle(ctx)
	r.report = report

	// bookkeeping outlives a cancelled cycle
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	r.finish(bctx, report)

	if err != nil {
		if report.Unprotected() {
			logger.Error("Entry filled without full protection", "error", err, "action", report.Decision.Action)
		} else {
			logger.Error("cycle failed", "error", err, "action", report.Decision.Action)
		}
		return err
	}

	logger.Info("Run finished",
		"action", report.Decision.Action,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return nil
}

func (r *CycleRunner) finish(ctx context.Context, report *orchestrator.CycleReport) {
	logger := r.app.Logger

	if r.app.Journal != nil {
		if err := r.app.Journal.Record(ctx, report); err != nil {
			logger.Error("Failed to journal cycle", "error", err)
		}
	}

	if r.app.Telemetry != nil && r.app.Cfg.Telemetry.MetricsTextfile != "" {
		if err := r.app.Telemetry.WriteTextfile(r.app.Cfg.Telemetry.MetricsTextfile); err != nil {
			logger.Error("Failed to write metrics textfile", "error", err)
		}
	}

	if r.app.Alerts == nil || report.Err == nil {
		return
	}

	fields := map[string]string{
		"symbol": report.Symbol,
		"action": string(report.Decision.Action),
	}
	if !report.Decision.Amount.IsZero() {
		fields["amount"] = report.Decision.Amount.String()
	}

	if report.Unprotected() {
		for _, o := range report.Execution.ProtectiveFailures() {
			fields[string(o.Intent.Role)] = o.Err.Error()
		}
		r.app.Alerts.Alert(ctx, "Position unprotected",
			"Entry filled but a protective order failed; set take-profit or stop-loss manually.",
			alert.Critical, fields)
		return
	}
	r.app.Alerts.Alert(ctx, "Cycle failed", report.Err.Error(), alert.Error, fields)
}

// ExitCode maps a run error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, apperrors.ErrProtectiveOrderFailed):
		return ExitUnprotected
	default:
		return ExitFailure
	}
}
