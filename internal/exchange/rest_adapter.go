package exchange

import (
	"context"
	"fmt"

	"trading-core/internal/coretypes"
	"trading-core/pkg/exchanges/binance/futures_usdt"
)

// RESTAdapter satisfies RESTClient over a concrete Binance USDT-M futures
// client.
type RESTAdapter struct {
	c *futures_usdt.Client
}

func NewRESTAdapter(c *futures_usdt.Client) *RESTAdapter {
	return &RESTAdapter{c: c}
}

func (a *RESTAdapter) FetchInstrumentRules(ctx context.Context, symbols []string) (map[string]coretypes.InstrumentRules, error) {
	return a.c.FetchInstrumentRules(ctx, symbols)
}

func (a *RESTAdapter) FetchPositions(ctx context.Context) ([]coretypes.Position, error) {
	return a.c.FetchPositions(ctx)
}

func (a *RESTAdapter) FetchLeverageMap(ctx context.Context) (map[string]int, error) {
	return a.c.FetchLeverageMap(ctx)
}

func (a *RESTAdapter) Submit(ctx context.Context, intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	return a.c.Submit(ctx, intent)
}

func (a *RESTAdapter) Cancel(ctx context.Context, symbol, orderID string) error {
	return a.c.Cancel(ctx, symbol, orderID)
}

func (a *RESTAdapter) CancelAny(ctx context.Context, symbol, orderID string) error {
	return a.c.CancelAny(ctx, symbol, orderID)
}

// ReconcileOpenOrders concatenates the normal and algo open-order lists,
// tagging each row with whether it lives in the algo pipeline so a caller
// cancels it via the matching endpoint. Deliberately un-deduplicated: a
// venue can report the same closePosition stop on both endpoints, and
// internal/risk.mergeOpenOrders owns reconciling that overlap alongside the
// own/external classification, rather than doing it here.
func (a *RESTAdapter) ReconcileOpenOrders(ctx context.Context, symbol string) ([]ExternalOrderView, error) {
	normal, err := a.c.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("exchange: fetch open orders: %w", err)
	}
	algo, err := a.c.FetchOpenAlgoOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("exchange: fetch open algo orders: %w", err)
	}

	out := make([]ExternalOrderView, 0, len(normal)+len(algo))
	for _, o := range normal {
		out = append(out, toExternalView(o, false))
	}
	for _, o := range algo {
		out = append(out, toExternalView(o, true))
	}
	return out, nil
}

func toExternalView(o futures_usdt.OpenOrderView, isAlgo bool) ExternalOrderView {
	side := coretypes.PositionSideLong
	if o.PositionSide == "SHORT" {
		side = coretypes.PositionSideShort
	}
	orderType := coretypes.OrderTypeLimit
	if o.Type == "STOP_MARKET" || o.Type == "STOP" || o.Type == "TAKE_PROFIT_MARKET" || o.Type == "TAKE_PROFIT" {
		orderType = coretypes.OrderTypeStopMarket
	}
	return ExternalOrderView{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		PositionSide:  side,
		OrderType:     orderType,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		StopPrice:     o.StopPrice,
		IsAlgo:        isAlgo,
	}
}

func (a *RESTAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return a.c.SetLeverage(ctx, symbol, leverage)
}

func (a *RESTAdapter) SetPositionSideDual(ctx context.Context, dual bool) error {
	return a.c.SetPositionSideDual(ctx, dual)
}

func (a *RESTAdapter) CreateListenKey(ctx context.Context) (string, error) {
	return a.c.CreateListenKey(ctx)
}

func (a *RESTAdapter) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return a.c.KeepAliveListenKey(ctx, listenKey)
}

func (a *RESTAdapter) StartTimeSync(ctx context.Context) {
	a.c.StartTimeSync(ctx)
}

// WeightUsage exposes the venue's own request-weight budget for callers
// that want to log it alongside the local admission limiter's counters.
func (a *RESTAdapter) WeightUsage() (used, limit int, percentage float64) {
	return a.c.WeightUsage()
}

// SubmitStop and CancelOrder satisfy risk.ProtectiveStopExchange, letting
// the risk supervisor drive the same adapter the orchestrator uses.
func (a *RESTAdapter) SubmitStop(intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	return a.c.SubmitStop(intent)
}

func (a *RESTAdapter) CancelOrder(symbol, orderID, clientOrderID string) error {
	return a.c.CancelOrder(symbol, orderID, clientOrderID)
}
