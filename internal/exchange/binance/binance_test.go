package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	apperrors "momentum_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"ETHUSDC","pricePrecision":2,"quantityPrecision":3,"baseAsset":"ETH","quoteAsset":"USDC",
"filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01","minPrice":"0.01","maxPrice":"100000"},
{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"10000"}]}]}`

// fakeVenue serves canned futures API responses keyed by path suffix
type fakeVenue struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	seq      []string
	forms    []map[string]string
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	v := &fakeVenue{handlers: make(map[string]http.HandlerFunc), hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		var h http.HandlerFunc
		for suffix, fn := range v.handlers {
			if strings.HasSuffix(r.URL.Path, suffix) {
				h = fn
				v.hits[suffix]++
				v.seq = append(v.seq, suffix)
				break
			}
		}
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			form := make(map[string]string)
			for k := range r.Form {
				form[k] = r.Form.Get(k)
			}
			v.forms = append(v.forms, form)
		}
		v.mu.Unlock()

		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return v, srv
}

func (v *fakeVenue) on(suffix string, h http.HandlerFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers[suffix] = h
}

func (v *fakeVenue) hitCount(suffix string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hits[suffix]
}

// sequence returns the matched routes in request order
func (v *fakeVenue) sequence() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.seq...)
}

func (v *fakeVenue) postedForms() []map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]map[string]string(nil), v.forms...)
}

func (v *fakeVenue) lastForm() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.forms) == 0 {
		return nil
	}
	return v.forms[len(v.forms)-1]
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func apiError(status int, code int, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"code":%d,"msg":%q}`, code, msg)
	}
}

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig().Exchange
	cfg.BaseURL = baseURL
	cfg.RateLimitPerSec = 1000
	return NewGateway(&cfg, &mockLogger{})
}

func TestGateway_GetCandles(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/klines", respond(`[
[1704067200000,"2000.00","2010.00","1990.00","2005.50","1200.5",1704081599999,"0",10,"0","0","0"],
[1704081600000,"2005.50","2020.00","2001.00","2015.25","800.25",1704095999999,"0",10,"0","0","0"]]`))

	gw := newTestGateway(t, srv.URL)
	candles, err := gw.GetCandles(context.Background(), "ETHUSDC", "4h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, int64(1704067200000), candles[0].Timestamp.UnixMilli())
	assert.Equal(t, "2005.5", candles[0].Close.String())
	assert.Equal(t, "2020", candles[1].High.String())
	assert.True(t, candles[1].Timestamp.After(candles[0].Timestamp))
}

func TestGateway_GetBalanceUsesQuoteAsset(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/exchangeInfo", respond(exchangeInfoJSON))
	venue.on("/balance", respond(`[
{"accountAlias":"a","asset":"USDT","balance":"50.0","crossWalletBalance":"50.0","availableBalance":"50.0"},
{"accountAlias":"a","asset":"USDC","balance":"10000.25","crossWalletBalance":"10000.25","availableBalance":"9000"}]`))

	gw := newTestGateway(t, srv.URL)
	ctx := context.Background()

	_, err := gw.GetBalance(ctx)
	require.Error(t, err, "quote asset is unknown before symbol rules are loaded")
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = gw.GetSymbolRules(ctx, "ETHUSDC")
	require.NoError(t, err)

	bal, err := gw.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10000.25", bal.String())
}

func TestGateway_GetPosition(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantSide core.PositionSide
		wantSize string
	}{
		{"flat", `[{"symbol":"ETHUSDC","positionAmt":"0.000"}]`, true, "", ""},
		{"long", `[{"symbol":"ETHUSDC","positionAmt":"1.500"}]`, false, core.SideLong, "1.5"},
		{"short", `[{"symbol":"ETHUSDC","positionAmt":"-3.5"}]`, false, core.SideShort, "-3.5"},
		{"one-way short", `[{"symbol":"ETHUSDC","positionAmt":"-0.5","positionSide":"BOTH"}]`, false, core.SideShort, "-0.5"},
		{"idle hedge legs", `[{"symbol":"ETHUSDC","positionAmt":"0","positionSide":"LONG"},{"symbol":"ETHUSDC","positionAmt":"0","positionSide":"SHORT"}]`, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue, srv := newFakeVenue(t)
			venue.on("/positionRisk", respond(tt.body))

			pos, err := newTestGateway(t, srv.URL).GetPosition(context.Background(), "ETHUSDC")
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, pos)
				return
			}
			require.NotNil(t, pos)
			assert.Equal(t, tt.wantSide, pos.Side)
			assert.True(t, pos.Size.Equal(decimal.RequireFromString(tt.wantSize)))
			assert.NoError(t, pos.Validate())
		})
	}
}

func TestGateway_GetPositionRejectsHedgeMode(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"offsetting legs", `[{"symbol":"ETHUSDC","positionAmt":"1","positionSide":"LONG"},{"symbol":"ETHUSDC","positionAmt":"-1","positionSide":"SHORT"}]`},
		{"single hedge leg", `[{"symbol":"ETHUSDC","positionAmt":"2","positionSide":"LONG"},{"symbol":"ETHUSDC","positionAmt":"0","positionSide":"SHORT"}]`},
		{"two unlabelled legs", `[{"symbol":"ETHUSDC","positionAmt":"2"},{"symbol":"ETHUSDC","positionAmt":"-0.5"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue, srv := newFakeVenue(t)
			venue.on("/positionRisk", respond(tt.body))

			pos, err := newTestGateway(t, srv.URL).GetPosition(context.Background(), "ETHUSDC")
			assert.Nil(t, pos)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrConfiguration), "got %v", err)
		})
	}
}

func TestGateway_GetMidPrice(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/ticker/bookTicker", respond(`{"symbol":"ETHUSDC","bidPrice":"1999.00","bidQty":"1","askPrice":"2001.00","askQty":"1","time":1}`))

	mid, err := newTestGateway(t, srv.URL).GetMidPrice(context.Background(), "ETHUSDC")
	require.NoError(t, err)
	assert.Equal(t, "2000", mid.String())
}

func TestGateway_GetSymbolRulesCached(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/exchangeInfo", respond(exchangeInfoJSON))

	gw := newTestGateway(t, srv.URL)
	ctx := context.Background()

	rules, err := gw.GetSymbolRules(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.Equal(t, "0.01", rules.TickSize.String())
	assert.Equal(t, "0.001", rules.StepSize.String())
	assert.Equal(t, "0.001", rules.MinQuantity.String())
	assert.Equal(t, 2, rules.PricePrecision)
	assert.Equal(t, "USDC", rules.QuoteAsset)

	_, err = gw.GetSymbolRules(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.Equal(t, 1, venue.hitCount("/exchangeInfo"))

	_, err = gw.GetSymbolRules(ctx, "DOGEUSDC")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSymbol))
}

func TestGateway_SubmitMarketOrder(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/order", respond(`{"orderId":42,"clientOrderId":"cid-1","status":"FILLED","executedQty":"0.256","avgPrice":"2000.10","updateTime":1704067200000}`))

	gw := newTestGateway(t, srv.URL)
	res, err := gw.SubmitMarketOrder(context.Background(), core.MarketOrderRequest{
		Symbol:        "ETHUSDC",
		Side:          core.OrderSideBuy,
		Quantity:      decimal.RequireFromString("0.256"),
		ClientOrderID: "cid-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, int64(42), res.OrderID)
	assert.Equal(t, "0.256", res.ExecutedQty.String())

	form := venue.lastForm()
	assert.Equal(t, "MARKET", form["type"])
	assert.Equal(t, "BUY", form["side"])
	assert.Equal(t, "0.256", form["quantity"])
	assert.Equal(t, "cid-1", form["newClientOrderId"])
	assert.Empty(t, form["reduceOnly"])
}

func TestGateway_SubmitProtectiveOrders(t *testing.T) {
	tp := decimal.RequireFromString("2200")
	sl := decimal.RequireFromString("1900")

	tests := []struct {
		name     string
		req      core.MarketOrderRequest
		wantType string
	}{
		{"take profit", core.MarketOrderRequest{Symbol: "ETHUSDC", Side: core.OrderSideSell, Quantity: decimal.NewFromInt(1), ReduceOnly: true, TakeProfitPrice: &tp}, "TAKE_PROFIT_MARKET"},
		{"stop loss", core.MarketOrderRequest{Symbol: "ETHUSDC", Side: core.OrderSideSell, Quantity: decimal.NewFromInt(1), ReduceOnly: true, StopLossPrice: &sl}, "STOP_MARKET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue, srv := newFakeVenue(t)
			venue.on("/order", respond(`{"orderId":7,"clientOrderId":"x","status":"NEW","executedQty":"0","avgPrice":"0","updateTime":1704067200000}`))

			res, err := newTestGateway(t, srv.URL).SubmitMarketOrder(context.Background(), tt.req)
			require.NoError(t, err)
			assert.True(t, res.Confirmed, "resting conditional orders are confirmed")

			form := venue.lastForm()
			assert.Equal(t, tt.wantType, form["type"])
			assert.Equal(t, "SELL", form["side"])
			assert.Equal(t, "true", form["reduceOnly"])
			assert.Equal(t, "MARK_PRICE", form["workingType"])
			assert.NotEmpty(t, form["stopPrice"])
		})
	}
}

func TestGateway_UnfilledMarketOrderNotConfirmed(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/order", respond(`{"orderId":9,"status":"NEW","executedQty":"0","avgPrice":"0","updateTime":1}`))

	res, err := newTestGateway(t, srv.URL).SubmitMarketOrder(context.Background(), core.MarketOrderRequest{
		Symbol: "ETHUSDC", Side: core.OrderSideBuy, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
}

func TestGateway_SubmitRejectsBothTriggers(t *testing.T) {
	p := decimal.NewFromInt(1)
	_, err := newTestGateway(t, "http://127.0.0.1:1").SubmitMarketOrder(context.Background(), core.MarketOrderRequest{
		Symbol: "ETHUSDC", Side: core.OrderSideSell, Quantity: p, TakeProfitPrice: &p, StopLossPrice: &p,
	})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrderParameter))
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{-2019, apperrors.ErrInsufficientFunds},
		{-2015, apperrors.ErrAuthenticationFailed},
		{-1121, apperrors.ErrInvalidSymbol},
		{-4164, apperrors.ErrInvalidOrderParameter},
		{-2021, apperrors.ErrOrderRejected},
		{-4116, apperrors.ErrDuplicateOrder},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			venue, srv := newFakeVenue(t)
			venue.on("/order", apiError(http.StatusBadRequest, tt.code, "rejected"))

			_, err := newTestGateway(t, srv.URL).SubmitMarketOrder(context.Background(), core.MarketOrderRequest{
				Symbol: "ETHUSDC", Side: core.OrderSideBuy, Quantity: decimal.NewFromInt(1),
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, 1, venue.hitCount("/order"), "orders are never retried")
		})
	}
}

func TestGateway_ReadsRetryTransientFailures(t *testing.T) {
	venue, srv := newFakeVenue(t)
	var calls atomic.Int32
	venue.on("/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			apiError(http.StatusServiceUnavailable, -1001, "Internal error; unable to process your request.")(w, r)
			return
		}
		respond(`[{"symbol":"ETHUSDC","positionAmt":"1"}]`)(w, r)
	})

	pos, err := newTestGateway(t, srv.URL).GetPosition(context.Background(), "ETHUSDC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGateway_ReadsDoNotRetryPermanentFailures(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/positionRisk", apiError(http.StatusUnauthorized, -2015, "Invalid API-key"))

	_, err := newTestGateway(t, srv.URL).GetPosition(context.Background(), "ETHUSDC")
	assert.True(t, errors.Is(err, apperrors.ErrAuthenticationFailed))
	assert.Equal(t, 1, venue.hitCount("/positionRisk"))
}

func TestGateway_SetMarginModeAlreadySet(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/marginType", apiError(http.StatusBadRequest, codeNoNeedToChangeMargin, "No need to change margin type."))

	err := newTestGateway(t, srv.URL).SetMarginMode(context.Background(), "ETHUSDC", core.MarginIsolated, 1)
	assert.NoError(t, err)
	assert.Equal(t, "ISOLATED", venue.lastForm()["marginType"])
}

func TestGateway_SetLeverage(t *testing.T) {
	venue, srv := newFakeVenue(t)
	venue.on("/leverage", respond(`{"leverage":3,"maxNotionalValue":"1000000","symbol":"ETHUSDC"}`))

	require.NoError(t, newTestGateway(t, srv.URL).SetLeverage(context.Background(), "ETHUSDC", 3))
	assert.Equal(t, "3", venue.lastForm()["leverage"])
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }
