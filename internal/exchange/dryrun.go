package exchange

import (
	"context"
	"sync/atomic"
	"time"

	"momentum_trader/internal/core"

	"github.com/shopspring/decimal"
)

// DryRunGateway passes reads through to the wrapped gateway and answers
// writes locally with confirmed synthetic results
type DryRunGateway struct {
	core.IExchangeGateway
	logger  core.ILogger
	orderID atomic.Int64
}

func NewDryRunGateway(inner core.IExchangeGateway, logger core.ILogger) *DryRunGateway {
	return &DryRunGateway{
		IExchangeGateway: inner,
		logger:           logger.WithField("component", "dry_run_gateway"),
	}
}

// Unwrap returns the live gateway
func (g *DryRunGateway) Unwrap() core.IExchangeGateway {
	return g.IExchangeGateway
}

func (g *DryRunGateway) GetName() string {
	return g.IExchangeGateway.GetName() + "-dryrun"
}

func (g *DryRunGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.logger.Info("[DRY RUN] Set leverage", "symbol", symbol, "leverage", leverage)
	return nil
}

func (g *DryRunGateway) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode, leverage int) error {
	g.logger.Info("[DRY RUN] Set margin mode", "symbol", symbol, "mode", mode, "leverage", leverage)
	return nil
}

func (g *DryRunGateway) SubmitMarketOrder(ctx context.Context, req core.MarketOrderRequest) (*core.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &core.OrderResult{
		Confirmed:     true,
		OrderID:       g.orderID.Add(1),
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		ExecutedQty:   req.Quantity,
		AvgPrice:      decimal.Zero,
		UpdateTime:    time.Now().UTC(),
	}
	var trigger *decimal.Decimal
	switch {
	case req.TakeProfitPrice != nil:
		trigger = req.TakeProfitPrice
	case req.StopLossPrice != nil:
		trigger = req.StopLossPrice
	}
	if trigger != nil {
		res.Status = "NEW"
		res.ExecutedQty = decimal.Zero
	}

	fields := []interface{}{
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"reduce_only", req.ReduceOnly,
		"client_order_id", req.ClientOrderID,
	}
	if trigger != nil {
		fields = append(fields, "trigger_price", *trigger)
	}
	g.logger.Info("[DRY RUN] Order not sent", fields...)
	return res, nil
}

var _ core.IExchangeGateway = (*DryRunGateway)(nil)
