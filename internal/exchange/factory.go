// Package exchange provides exchange gateway implementations
package exchange

import (
	"context"
	"fmt"
	"strings"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	"momentum_trader/internal/exchange/binance"
	"momentum_trader/pkg/telemetry"
)

// NewGateway creates the configured gateway, wrapped for dry runs when enabled.
// metrics may be nil.
func NewGateway(cfg *config.ExchangeConfig, logger core.ILogger, metrics *telemetry.CycleMetrics) (core.IExchangeGateway, error) {
	var gw core.IExchangeGateway

	switch strings.ToLower(cfg.Name) {
	case "binance":
		b := binance.NewGateway(cfg, logger)
		if metrics != nil {
			b.SetMetrics(metrics)
		}
		gw = b
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Name)
	}

	if cfg.Testnet {
		logger.Info("Using exchange testnet", "exchange", cfg.Name)
	}
	if cfg.DryRun {
		logger.Warn("Dry run enabled: orders and account changes are not sent", "exchange", cfg.Name)
		return NewDryRunGateway(gw, logger), nil
	}
	return gw, nil
}

type timeSyncer interface {
	SyncTime(ctx context.Context) error
}

// SyncClock aligns the gateway's request clock with the venue when it supports it
func SyncClock(ctx context.Context, gw core.IExchangeGateway) error {
	if d, ok := gw.(*DryRunGateway); ok {
		gw = d.Unwrap()
	}
	if s, ok := gw.(timeSyncer); ok {
		return s.SyncTime(ctx)
	}
	return nil
}
