// Package exchange adapts the venue's REST and WebSocket surfaces to the
// narrow interfaces the orchestrator drives: submitting/cancelling orders,
// reconciling open orders (including externally-placed stops), and
// streaming market data and user-data events over gorilla/websocket:
// futures mark-price/agg-trade/book-ticker streams and
// ORDER_TRADE_UPDATE/ACCOUNT_CONFIG_UPDATE/ALGO_UPDATE events.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// RESTClient is the synchronous surface the orchestrator and risk
// supervisor drive: instrument rules, positions/leverage snapshots, order
// submit/cancel, and open-order reconciliation across both the normal and
// algo-order pipelines.
type RESTClient interface {
	FetchInstrumentRules(ctx context.Context, symbols []string) (map[string]coretypes.InstrumentRules, error)
	FetchPositions(ctx context.Context) ([]coretypes.Position, error)
	FetchLeverageMap(ctx context.Context) (map[string]int, error)

	Submit(ctx context.Context, intent coretypes.OrderIntent) (coretypes.OrderResult, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	CancelAny(ctx context.Context, symbol, orderID string) error

	// ReconcileOpenOrders concatenates fetch_open_orders + fetch_open_algo_orders
	// into one normalized, un-deduplicated view, since a venue can
	// under-report closePosition stops with origQty=0 on one endpoint but
	// not the other. Deduplication across the two pipelines and own/external
	// classification both happen downstream in internal/risk.mergeOpenOrders,
	// not here.
	ReconcileOpenOrders(ctx context.Context, symbol string) ([]ExternalOrderView, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionSideDual(ctx context.Context, dual bool) error

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	StartTimeSync(ctx context.Context)
}

// ExternalOrderView is a reconciliation-friendly, venue-agnostic open order
// row, distinguishing algo-pipeline orders (IsAlgo) since cancellation must
// route to the matching endpoint.
type ExternalOrderView struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	PositionSide  coretypes.PositionSide
	OrderType     coretypes.OrderType
	ReduceOnly    bool
	ClosePosition bool
	StopPrice     decimal.Decimal
	IsAlgo        bool
}

// ReconnectHandler fires each time a stream re-establishes its connection
// after a drop (never on the first, initial connect). The orchestrator uses
// it to trigger a recalibration pass, since a gap in the stream can hide
// fills, cancels, or externally-placed orders that happened while
// disconnected.
type ReconnectHandler func()

// MarketStream delivers book-ticker, aggregate-trade, and mark-price events
// for a fixed symbol set.
type MarketStream interface {
	Run(ctx context.Context, symbols []string, onQuote QuoteHandler, onTrade TradeHandler, onMark MarkHandler, onReconnect ReconnectHandler) error
}

type QuoteHandler func(symbol string, bid, ask string, tsMs int64)
type TradeHandler func(symbol string, price string, tsMs int64)
type MarkHandler func(symbol string, mark string, tsMs int64)

// UserStream delivers normalized order/algo-order/leverage events from the
// listen-key-based user-data stream.
type UserStream interface {
	Run(ctx context.Context, listenKey string, onOrder OrderUpdateHandler, onAlgo AlgoUpdateHandler, onLeverage LeverageHandler, onReconnect ReconnectHandler) error
}

type OrderUpdateHandler func(coretypes.OrderUpdate)
type AlgoUpdateHandler func(coretypes.AlgoOrderUpdate)
type LeverageHandler func(coretypes.LeverageUpdate)
