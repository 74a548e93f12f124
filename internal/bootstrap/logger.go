package bootstrap

import (
	"io"
	"os"

	"momentum_trader/internal/core"
	"momentum_trader/pkg/logging"
)

// InitLogger creates the process logger tagged with the traded symbol
func InitLogger(cfg *Config) (*logging.ZapLogger, core.ILogger, error) {
	return initLoggerWithWriter(cfg, os.Stdout)
}

func initLoggerWithWriter(cfg *Config, w io.Writer) (*logging.ZapLogger, core.ILogger, error) {
	zl, err := logging.NewZapLoggerWithWriter(cfg.App.LogLevel, w)
	if err != nil {
		return nil, nil, err
	}
	return zl, zl.WithField("symbol", cfg.Strategy.Symbol), nil
}
