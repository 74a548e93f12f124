// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"momentum_trader/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables holding the venue credentials
const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvSecretKey = "BINANCE_SECRET_KEY"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Journal   JournalConfig   `yaml:"journal"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// AppConfig contains process-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// ExchangeConfig contains venue connectivity settings
type ExchangeConfig struct {
	Name             string `yaml:"name"`
	APIKey           Secret `yaml:"api_key"`
	SecretKey        Secret `yaml:"secret_key"`
	BaseURL          string `yaml:"base_url"` // Optional override for API URL
	Testnet          bool   `yaml:"testnet"`
	DryRun           bool   `yaml:"dry_run"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	MaxReadRetries   int    `yaml:"max_read_retries"`
	RateLimitPerSec  int    `yaml:"rate_limit_per_sec"`
	QuoteAsset       string `yaml:"quote_asset"` // defaults to the symbol's quote asset
}

// StrategyConfig is resolved once per run and never mutated afterwards
type StrategyConfig struct {
	Symbol           string          `yaml:"symbol"`
	Timeframe        string          `yaml:"timeframe"`
	CandleLimit      int             `yaml:"candle_limit"`
	PositionSizePct  float64         `yaml:"position_size_pct"`
	Leverage         int             `yaml:"leverage"`
	MarginMode       string          `yaml:"margin_mode"`
	EntryPriceSource string          `yaml:"entry_price_source"`
	TakeProfitPct    float64         `yaml:"take_profit_pct"`
	StopLossPct      float64         `yaml:"stop_loss_pct"`
	IgnoreLongs      bool            `yaml:"ignore_longs"`
	IgnoreShorts     bool            `yaml:"ignore_shorts"`
	IgnoreExit       bool            `yaml:"ignore_exit"`
	IgnoreTP         bool            `yaml:"ignore_tp"`
	IgnoreSL         bool            `yaml:"ignore_sl"`
	Indicators       IndicatorConfig `yaml:"indicators"`
}

// IndicatorConfig holds indicator lengths and the signal threshold
type IndicatorConfig struct {
	RSILength       int     `yaml:"rsi_length"`
	Threshold       float64 `yaml:"threshold"`
	EMALengths      []int   `yaml:"ema_lengths"`
	ATRLength       int     `yaml:"atr_length"`
	BollingerLength int     `yaml:"bollinger_length"`
	BollingerStdDev float64 `yaml:"bollinger_stddev"`
	MACDFast        int     `yaml:"macd_fast"`
	MACDSlow        int     `yaml:"macd_slow"`
	MACDSignal      int     `yaml:"macd_signal"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsTextfile string `yaml:"metrics_textfile"`
	TraceStdout     bool   `yaml:"trace_stdout"`
}

// JournalConfig points at the optional SQLite decision journal
type JournalConfig struct {
	Path string `yaml:"path"`
}

// AlertsConfig contains alert channel credentials
type AlertsConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// Entry price sources
const (
	PriceSourceClose = "close"
	PriceSourceMid   = "mid"
)

// PositionSizePctDec returns the position size percentage as a decimal
func (s StrategyConfig) PositionSizePctDec() decimal.Decimal {
	return decimal.NewFromFloat(s.PositionSizePct)
}

// TakeProfitPctDec returns the take-profit percentage as a decimal
func (s StrategyConfig) TakeProfitPctDec() decimal.Decimal {
	return decimal.NewFromFloat(s.TakeProfitPct)
}

// StopLossPctDec returns the stop-loss percentage as a decimal
func (s StrategyConfig) StopLossPctDec() decimal.Decimal {
	return decimal.NewFromFloat(s.StopLossPct)
}

// ThresholdDec returns the signal threshold as a decimal
func (s StrategyConfig) ThresholdDec() decimal.Decimal {
	return decimal.NewFromFloat(s.Indicators.Threshold)
}

// Margin returns the configured margin mode
func (s StrategyConfig) Margin() core.MarginMode {
	if strings.EqualFold(s.MarginMode, string(core.MarginCross)) {
		return core.MarginCross
	}
	return core.MarginIsolated
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Unset fields keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	config.Exchange.APIKey = ""
	config.Exchange.SecretKey = ""
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills credentials that the file left empty from the environment
func (c *Config) ApplyEnv() {
	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = Secret(os.Getenv(EnvAPIKey))
	}
	if c.Exchange.SecretKey == "" {
		c.Exchange.SecretKey = Secret(os.Getenv(EnvSecretKey))
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateExchangeConfig,
		c.validateStrategyConfig,
		c.validateIndicatorConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	validExchanges := []string{"binance"}
	if !contains(validExchanges, strings.ToLower(c.Exchange.Name)) {
		return ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}

	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: fmt.Sprintf("API key is required (set %s)", EnvAPIKey),
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: fmt.Sprintf("secret key is required (set %s)", EnvSecretKey),
		}
	}

	if c.Exchange.BaseURL != "" && !strings.HasPrefix(c.Exchange.BaseURL, "https://") {
		// Allow http for local testing
		if !strings.Contains(c.Exchange.BaseURL, "127.0.0.1") && !strings.Contains(c.Exchange.BaseURL, "localhost") {
			return ValidationError{
				Field:   "exchange.base_url",
				Value:   c.Exchange.BaseURL,
				Message: "base URL must start with https://",
			}
		}
	}

	if c.Exchange.RequestTimeoutMs <= 0 {
		return ValidationError{
			Field:   "exchange.request_timeout_ms",
			Value:   c.Exchange.RequestTimeoutMs,
			Message: "request timeout must be positive",
		}
	}
	if c.Exchange.MaxReadRetries < 0 {
		return ValidationError{
			Field:   "exchange.max_read_retries",
			Value:   c.Exchange.MaxReadRetries,
			Message: "must not be negative",
		}
	}
	if c.Exchange.RateLimitPerSec <= 0 {
		return ValidationError{
			Field:   "exchange.rate_limit_per_sec",
			Value:   c.Exchange.RateLimitPerSec,
			Message: "rate limit must be positive",
		}
	}

	return nil
}

var validTimeframes = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"}

func (c *Config) validateStrategyConfig() error {
	s := c.Strategy

	if s.Symbol == "" {
		return ValidationError{Field: "strategy.symbol", Message: "trading symbol is required"}
	}
	if !contains(validTimeframes, s.Timeframe) {
		return ValidationError{
			Field:   "strategy.timeframe",
			Value:   s.Timeframe,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validTimeframes, ", ")),
		}
	}
	// Need the warm-up window plus the forming candle and one closed candle before the last
	if minLimit := s.Indicators.RSILength + 2; s.CandleLimit < minLimit || s.CandleLimit > 1500 {
		return ValidationError{
			Field:   "strategy.candle_limit",
			Value:   s.CandleLimit,
			Message: fmt.Sprintf("must be between %d and 1500", minLimit),
		}
	}
	if s.PositionSizePct <= 0 || s.PositionSizePct > 100 {
		return ValidationError{
			Field:   "strategy.position_size_pct",
			Value:   s.PositionSizePct,
			Message: "must be in (0, 100]",
		}
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		return ValidationError{
			Field:   "strategy.leverage",
			Value:   s.Leverage,
			Message: "must be between 1 and 125",
		}
	}
	if !contains([]string{string(core.MarginIsolated), string(core.MarginCross)}, strings.ToLower(s.MarginMode)) {
		return ValidationError{
			Field:   "strategy.margin_mode",
			Value:   s.MarginMode,
			Message: "must be isolated or cross",
		}
	}
	if !contains([]string{PriceSourceClose, PriceSourceMid}, s.EntryPriceSource) {
		return ValidationError{
			Field:   "strategy.entry_price_source",
			Value:   s.EntryPriceSource,
			Message: "must be close or mid",
		}
	}
	if !s.IgnoreTP && s.TakeProfitPct <= 0 {
		return ValidationError{
			Field:   "strategy.take_profit_pct",
			Value:   s.TakeProfitPct,
			Message: "must be positive unless ignore_tp is set",
		}
	}
	// A short take-profit or a long stop-loss at 100% or more would sit at or below zero
	if !s.IgnoreSL && (s.StopLossPct <= 0 || s.StopLossPct >= 100) {
		return ValidationError{
			Field:   "strategy.stop_loss_pct",
			Value:   s.StopLossPct,
			Message: "must be in (0, 100) unless ignore_sl is set",
		}
	}
	if !s.IgnoreShorts && !s.IgnoreTP && s.TakeProfitPct >= 100 {
		return ValidationError{
			Field:   "strategy.take_profit_pct",
			Value:   s.TakeProfitPct,
			Message: "must be below 100 when shorts are enabled",
		}
	}
	if s.IgnoreLongs && s.IgnoreShorts {
		return ValidationError{
			Field:   "strategy.ignore_longs",
			Message: "longs and shorts cannot both be ignored",
		}
	}

	return nil
}

func (c *Config) validateIndicatorConfig() error {
	ind := c.Strategy.Indicators

	if ind.RSILength < 2 {
		return ValidationError{
			Field:   "strategy.indicators.rsi_length",
			Value:   ind.RSILength,
			Message: "must be at least 2",
		}
	}
	if ind.Threshold <= 0 || ind.Threshold >= 100 {
		return ValidationError{
			Field:   "strategy.indicators.threshold",
			Value:   ind.Threshold,
			Message: "must be in (0, 100)",
		}
	}
	for _, n := range ind.EMALengths {
		if n < 1 {
			return ValidationError{
				Field:   "strategy.indicators.ema_lengths",
				Value:   n,
				Message: "lengths must be positive",
			}
		}
	}
	if ind.ATRLength < 0 || ind.BollingerLength < 0 {
		return ValidationError{
			Field:   "strategy.indicators",
			Message: "indicator lengths must not be negative",
		}
	}
	if ind.BollingerLength > 0 && ind.BollingerStdDev <= 0 {
		return ValidationError{
			Field:   "strategy.indicators.bollinger_stddev",
			Value:   ind.BollingerStdDev,
			Message: "must be positive when bollinger_length is set",
		}
	}
	macdSet := ind.MACDFast > 0 || ind.MACDSlow > 0 || ind.MACDSignal > 0
	if macdSet && (ind.MACDFast < 1 || ind.MACDSignal < 1 || ind.MACDSlow <= ind.MACDFast) {
		return ValidationError{
			Field:   "strategy.indicators.macd_slow",
			Value:   ind.MACDSlow,
			Message: "macd needs fast >= 1, signal >= 1 and slow > fast",
		}
	}

	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// MaskedAPIKey shows the first and last four characters of the API key
func (c *Config) MaskedAPIKey() string {
	return maskString(c.Exchange.APIKey.Reveal())
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults of the strategy: ETH perpetual on 4h candles,
// RSI(14) crossing 70, 5% of balance per entry, TP 10% and SL 5%, shorts off.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "momentum_trader",
			LogLevel: "INFO",
		},
		Exchange: ExchangeConfig{
			Name:             "binance",
			APIKey:           "test_api_key",
			SecretKey:        "test_secret_key",
			RequestTimeoutMs: 10000,
			MaxReadRetries:   2,
			RateLimitPerSec:  10,
		},
		Strategy: StrategyConfig{
			Symbol:           "ETHUSDC",
			Timeframe:        "4h",
			CandleLimit:      100,
			PositionSizePct:  5,
			Leverage:         1,
			MarginMode:       string(core.MarginIsolated),
			EntryPriceSource: PriceSourceClose,
			TakeProfitPct:    10,
			StopLossPct:      5,
			IgnoreShorts:     true,
			Indicators: IndicatorConfig{
				RSILength:       14,
				Threshold:       70,
				BollingerStdDev: 2,
			},
		},
	}
}
