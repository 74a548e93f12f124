// Package binance provides Binance USDⓈ-M futures connectivity for the decision cycle
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"
	"momentum_trader/pkg/retry"
	"momentum_trader/pkg/telemetry"
	"momentum_trader/pkg/tradingutils"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10

	// returned by marginType when the symbol already uses the requested mode
	codeNoNeedToChangeMargin = -4046
)

// Gateway implements core.IExchangeGateway on top of the go-binance futures client.
// Reads are retried on transient failures; writes are only time-bounded.
type Gateway struct {
	client  *futures.Client
	logger  core.ILogger
	limiter *rate.Limiter

	timeout     time.Duration
	readRetries int
	quoteAsset  string

	mu         sync.RWMutex
	symbolInfo map[string]*core.SymbolRules

	metrics *telemetry.CycleMetrics
}

// NewGateway creates a gateway from exchange configuration
func NewGateway(cfg *config.ExchangeConfig, logger core.ILogger) *Gateway {
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey.Reveal(), cfg.SecretKey.Reveal())
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	to := defaultTimeout
	if cfg.RequestTimeoutMs > 0 {
		to = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}
	client.HTTPClient = &http.Client{Timeout: to}

	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = defaultRateLimit
	}

	return &Gateway{
		client:      client,
		logger:      logger.WithField("component", "binance_gateway"),
		limiter:     rate.NewLimiter(rate.Limit(perSec), perSec),
		timeout:     to,
		readRetries: cfg.MaxReadRetries,
		quoteAsset:  strings.ToUpper(cfg.QuoteAsset),
		symbolInfo:  make(map[string]*core.SymbolRules),
	}
}

// SetMetrics enables gateway latency recording
func (g *Gateway) SetMetrics(m *telemetry.CycleMetrics) {
	g.metrics = m
}

func (g *Gateway) GetName() string {
	return "binance"
}

// SyncTime aligns request timestamps with the server clock
func (g *Gateway) SyncTime(ctx context.Context) error {
	_, err := call(ctx, g, "server_time", g.readRetries, func(ctx context.Context) (int64, error) {
		return g.client.NewSetServerTimeService().Do(ctx)
	})
	return err
}

// GetBalance returns the total wallet balance of the quote asset. When no
// quote asset is configured it is taken from the symbol rules of the first
// symbol looked up.
func (g *Gateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	asset, err := g.resolveQuoteAsset()
	if err != nil {
		return decimal.Zero, err
	}

	balances, err := call(ctx, g, "balance", g.readRetries, func(ctx context.Context) ([]*futures.Balance, error) {
		return g.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, b := range balances {
		if b.Asset == asset {
			v, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse %s balance %q: %w", asset, b.Balance, err)
			}
			return v, nil
		}
	}
	return decimal.Zero, nil
}

// GetPosition returns the position for symbol, or nil when there is none.
// Only one-way position mode is supported: an open hedge-mode leg is a
// configuration error, since orders are sent without positionSide.
func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*core.PositionState, error) {
	risks, err := call(ctx, g, "position_risk", g.readRetries, func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	var open []decimal.Decimal
	for _, p := range risks {
		if p.Symbol != symbol {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("parse position amount %q: %w", p.PositionAmt, err)
		}
		if amt.IsZero() {
			continue
		}
		if p.PositionSide != "" && p.PositionSide != string(futures.PositionSideTypeBoth) {
			return nil, apperrors.Configuration("position_mode",
				fmt.Errorf("%s has an open %s leg; switch the account to one-way position mode", symbol, p.PositionSide))
		}
		open = append(open, amt)
	}

	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return core.NewPositionState(symbol, open[0]), nil
	default:
		return nil, apperrors.Configuration("position_mode",
			fmt.Errorf("%s reports %d open position legs; one-way position mode is required", symbol, len(open)))
	}
}

// GetCandles returns klines in ascending order; the last one is still forming
func (g *Gateway) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	klines, err := call(ctx, g, "klines", g.readRetries, func(ctx context.Context) ([]*futures.Kline, error) {
		return g.client.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := toCandle(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func toCandle(k *futures.Kline) (core.Candle, error) {
	fields := [...]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var vals [5]decimal.Decimal
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return core.Candle{}, fmt.Errorf("parse kline at %d: %w", k.OpenTime, err)
		}
		vals[i] = v
	}
	return core.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// GetMidPrice averages the best bid and ask of the order book
func (g *Gateway) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	tickers, err := call(ctx, g, "book_ticker", g.readRetries, func(ctx context.Context) ([]*futures.BookTicker, error) {
		return g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, t := range tickers {
		if t.Symbol != symbol {
			continue
		}
		bid, errBid := decimal.NewFromString(t.BidPrice)
		ask, errAsk := decimal.NewFromString(t.AskPrice)
		if errBid != nil || errAsk != nil || !bid.IsPositive() || !ask.IsPositive() {
			return decimal.Zero, fmt.Errorf("unusable book for %s: bid %q ask %q", symbol, t.BidPrice, t.AskPrice)
		}
		return tradingutils.MidPrice(bid, ask), nil
	}
	return decimal.Zero, fmt.Errorf("no book ticker for %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

// GetSymbolRules returns tick, step and precision for symbol. Exchange info is
// loaded once and cached for the life of the gateway.
func (g *Gateway) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	g.mu.RLock()
	rules, ok := g.symbolInfo[symbol]
	g.mu.RUnlock()
	if ok {
		cp := *rules
		return &cp, nil
	}

	info, err := call(ctx, g, "exchange_info", g.readRetries, func(ctx context.Context) (*futures.ExchangeInfo, error) {
		return g.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range info.Symbols {
		r, err := toSymbolRules(s)
		if err != nil {
			g.logger.Warn("Skipping symbol with unreadable filters", "symbol", s.Symbol, "error", err)
			continue
		}
		g.symbolInfo[s.Symbol] = r
	}

	rules, ok = g.symbolInfo[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	g.logger.Info("Loaded symbol rules",
		"symbol", symbol,
		"tick_size", rules.TickSize,
		"step_size", rules.StepSize,
		"min_qty", rules.MinQuantity)
	cp := *rules
	return &cp, nil
}

func toSymbolRules(s futures.Symbol) (*core.SymbolRules, error) {
	r := &core.SymbolRules{
		Symbol:            s.Symbol,
		BaseAsset:         s.BaseAsset,
		QuoteAsset:        s.QuoteAsset,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}

	var err error
	if pf := s.PriceFilter(); pf != nil {
		if r.TickSize, err = decimal.NewFromString(pf.TickSize); err != nil {
			return nil, fmt.Errorf("tick size: %w", err)
		}
	}
	if lf := s.LotSizeFilter(); lf != nil {
		if r.StepSize, err = decimal.NewFromString(lf.StepSize); err != nil {
			return nil, fmt.Errorf("step size: %w", err)
		}
		if r.MinQuantity, err = decimal.NewFromString(lf.MinQuantity); err != nil {
			return nil, fmt.Errorf("min quantity: %w", err)
		}
	}
	return r, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := call(ctx, g, "leverage", 0, func(ctx context.Context) (*futures.SymbolLeverage, error) {
		return g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	})
	if err != nil {
		return err
	}
	g.logger.Info("Leverage set", "symbol", symbol, "leverage", leverage)
	return nil
}

// SetMarginMode switches the symbol's margin type. Binance keeps leverage
// per symbol, so leverage is only logged here.
func (g *Gateway) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode, leverage int) error {
	marginType := futures.MarginTypeIsolated
	if mode == core.MarginCross {
		marginType = futures.MarginTypeCrossed
	}

	_, err := call(ctx, g, "margin_type", 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	})
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChangeMargin {
			g.logger.Debug("Margin mode already set", "symbol", symbol, "mode", mode)
			return nil
		}
		return err
	}
	g.logger.Info("Margin mode set", "symbol", symbol, "mode", mode, "leverage", leverage)
	return nil
}

// SubmitMarketOrder sends a MARKET order, or a TAKE_PROFIT_MARKET /
// STOP_MARKET order triggered on mark price when a protective price is set.
// Quantity and prices must already match the symbol rules.
func (g *Gateway) SubmitMarketOrder(ctx context.Context, req core.MarketOrderRequest) (*core.OrderResult, error) {
	if req.TakeProfitPrice != nil && req.StopLossPrice != nil {
		return nil, fmt.Errorf("take profit and stop loss need separate orders: %w", apperrors.ErrInvalidOrderParameter)
	}

	side := futures.SideTypeBuy
	if req.Side == core.OrderSideSell {
		side = futures.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	conditional := true
	switch {
	case req.TakeProfitPrice != nil:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(req.TakeProfitPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	case req.StopLossPrice != nil:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopLossPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		conditional = false
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := call(ctx, g, "create_order", 0, func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	return toOrderResult(resp, conditional), nil
}

func toOrderResult(resp *futures.CreateOrderResponse, conditional bool) *core.OrderResult {
	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)
	avg, _ := decimal.NewFromString(resp.AvgPrice)

	status := string(resp.Status)
	confirmed := false
	switch resp.Status {
	case futures.OrderStatusTypeFilled, futures.OrderStatusTypePartiallyFilled:
		confirmed = executed.IsPositive()
	case futures.OrderStatusTypeNew:
		// conditional orders rest until triggered
		confirmed = conditional
	}

	return &core.OrderResult{
		Confirmed:     confirmed,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        status,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		UpdateTime:    time.UnixMilli(resp.UpdateTime).UTC(),
	}
}

func (g *Gateway) resolveQuoteAsset() (string, error) {
	if g.quoteAsset != "" {
		return g.quoteAsset, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.symbolInfo {
		if r.QuoteAsset != "" {
			return r.QuoteAsset, nil
		}
	}
	return "", apperrors.Configuration("quote_asset", errors.New("quote asset unknown; set exchange.quote_asset or load symbol rules first"))
}

// call runs fn under the rate limiter with a per-attempt timeout. Up to
// retries further attempts are made on transient failures.
func call[T any](ctx context.Context, g *Gateway, op string, retries int, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()

	policies := []failsafe.Policy[T]{}
	if retries > 0 {
		policies = append(policies, retrypolicy.NewBuilder[T]().
			HandleIf(func(_ T, err error) bool {
				return err != nil && retry.IsTransient(mapError(err))
			}).
			WithBackoff(200*time.Millisecond, 2*time.Second).
			WithMaxRetries(retries).
			ReturnLastFailure().
			Build())
	}
	policies = append(policies, timeout.NewBuilder[T](g.timeout).Build())

	res, err := failsafe.With[T](policies...).WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[T]) (T, error) {
		if err := g.limiter.Wait(exec.Context()); err != nil {
			var zero T
			return zero, err
		}
		return fn(exec.Context())
	})

	if g.metrics != nil {
		g.metrics.RecordGatewayCall(ctx, op, start, err)
	}
	if err != nil {
		g.logger.Debug("Gateway call failed", "op", op, "error", err)
		var zero T
		return zero, mapError(err)
	}
	return res, nil
}

// mapError translates Binance API codes and transport failures into apperrors sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, timeout.ErrExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		sentinel := codeToError(apiErr.Code)
		if sentinel == nil {
			return err
		}
		return fmt.Errorf("%w: binance %d %s: %w", sentinel, apiErr.Code, apiErr.Message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}
	return err
}

func codeToError(code int64) error {
	switch code {
	case -2014, -2015, -1022:
		return apperrors.ErrAuthenticationFailed
	case -2018, -2019, -2027, -2028:
		return apperrors.ErrInsufficientFunds
	case -1003, -1015:
		return apperrors.ErrRateLimitExceeded
	case -1121, -4140:
		return apperrors.ErrInvalidSymbol
	case -2012, -4116:
		return apperrors.ErrDuplicateOrder
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	case -1008, -1001, 0:
		return apperrors.ErrSystemOverload
	case -1016:
		return apperrors.ErrExchangeMaintenance
	case -1013, -1102, -1106, -1111, -1116, -4003, -4014, -4164:
		return apperrors.ErrInvalidOrderParameter
	case -2010, -2021, -2022, -4131:
		return apperrors.ErrOrderRejected
	}
	return nil
}

var _ core.IExchangeGateway = (*Gateway)(nil)
