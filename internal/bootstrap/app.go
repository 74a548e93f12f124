// Package bootstrap wires configuration, telemetry, logging and the exchange
// gateway into a runnable application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"momentum_trader/internal/alert"
	"momentum_trader/internal/core"
	"momentum_trader/internal/exchange"
	"momentum_trader/internal/journal"
	"momentum_trader/pkg/logging"
	"momentum_trader/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.CycleMetrics
	Gateway   core.IExchangeGateway
	Alerts    *alert.AlertManager
	Journal   *journal.SQLiteJournal // nil when journal.path is empty

	zap *logging.ZapLogger
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Telemetry first so the zap core bridges into the installed log provider
	opts := telemetry.Options{ServiceName: cfg.App.Name}
	if cfg.Telemetry.TraceStdout {
		opts.TraceWriter = os.Stderr
	}
	tel, err := telemetry.Setup(opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zl, logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	metrics, err := telemetry.NewCycleMetrics(tel.Meter())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	gw, err := exchange.NewGateway(&cfg.Exchange, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
		Metrics:   metrics,
		Gateway:   gw,
		Alerts:    alert.NewAlertManagerFromConfig(cfg.Alerts, logger),
		zap:       zl,
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		app.Journal = j
	}

	logger.Info("Application initialized",
		"exchange", gw.GetName(),
		"api_key", cfg.MaskedAPIKey(),
		"timeframe", cfg.Strategy.Timeframe,
		"dry_run", cfg.Exchange.DryRun)

	return app, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Debug("Starting application")

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	// errgroup returns the first runner failure; cancellation of the others follows from it
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Debug("Application shut down gracefully")
	return nil
}

// Close releases the journal and flushes telemetry and logs
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Alerts != nil {
		a.Alerts.Close()
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.zap != nil {
		// stdout sync fails on some terminals; not worth reporting
		_ = a.zap.Sync()
	}
	return errors.Join(errs...)
}
