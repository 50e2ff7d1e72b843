package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// DryRun simulates the venue entirely in-memory: reduce-only orders fill
// after a short randomized delay at a slippage-adjusted price, each fill
// shrinks the tracked synthetic position toward zero, and market data is a
// simple random walk. It satisfies RESTClient, MarketStream, and UserStream
// so cmd/liquidator can wire it in as a drop-in replacement for the real
// Binance adapters. Reshaped from a buy/sell cash-accounting simulator into
// a reduce-only fill simulator, since this executor never opens positions.
type DryRun struct {
	mu sync.Mutex

	positions map[dryRunKey]coretypes.Position
	rules     map[string]coretypes.InstrumentRules
	orders    map[string]*dryRunOrder
	nextID    int64

	feeRate     decimal.Decimal
	slippageBps decimal.Decimal
	minLatency  time.Duration
	maxLatency  time.Duration
	rng         *rand.Rand

	onOrder OrderUpdateHandler
}

type dryRunKey struct {
	symbol string
	side   coretypes.PositionSide
}

type dryRunOrder struct {
	intent  coretypes.OrderIntent
	orderID string
	open    bool
}

// DryRunSeed is one starting position handed to NewDryRun.
type DryRunSeed struct {
	Symbol           string
	Side             coretypes.PositionSide
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	TickSize         decimal.Decimal
	StepSize         decimal.Decimal
	MinQty           decimal.Decimal
	MinNotional      decimal.Decimal
	Leverage         int
}

func NewDryRun(seeds []DryRunSeed) *DryRun {
	d := &DryRun{
		positions:   make(map[dryRunKey]coretypes.Position),
		rules:       make(map[string]coretypes.InstrumentRules),
		orders:      make(map[string]*dryRunOrder),
		feeRate:     decimal.NewFromFloat(0.0004),
		slippageBps: decimal.NewFromInt(2),
		minLatency:  20 * time.Millisecond,
		maxLatency:  150 * time.Millisecond,
		rng:         rand.New(rand.NewSource(1)),
	}
	for _, s := range seeds {
		d.positions[dryRunKey{s.Symbol, s.Side}] = coretypes.Position{
			Symbol: s.Symbol, Side: s.Side, PositionAmt: s.PositionAmt,
			EntryPrice: s.EntryPrice, MarkPrice: s.MarkPrice, LiquidationPrice: s.LiquidationPrice,
		}
		d.rules[s.Symbol] = coretypes.InstrumentRules{
			Symbol: s.Symbol, TickSize: s.TickSize, StepSize: s.StepSize,
			MinQty: s.MinQty, MinNotional: s.MinNotional, Leverage: s.Leverage,
		}
	}
	return d
}

func (d *DryRun) FetchInstrumentRules(ctx context.Context, symbols []string) (map[string]coretypes.InstrumentRules, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]coretypes.InstrumentRules, len(symbols))
	for _, s := range symbols {
		if r, ok := d.rules[s]; ok {
			out[s] = r
		}
	}
	return out, nil
}

func (d *DryRun) FetchPositions(ctx context.Context) ([]coretypes.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]coretypes.Position, 0, len(d.positions))
	for _, p := range d.positions {
		out = append(out, p)
	}
	return out, nil
}

func (d *DryRun) FetchLeverageMap(ctx context.Context) (map[string]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.rules))
	for s, r := range d.rules {
		out[s] = r.Leverage
	}
	return out, nil
}

func (d *DryRun) Submit(ctx context.Context, intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	d.mu.Lock()
	d.nextID++
	orderID := fmt.Sprintf("dry-%d", d.nextID)
	d.orders[orderID] = &dryRunOrder{intent: intent, orderID: orderID, open: true}
	d.mu.Unlock()

	delay := d.minLatency + time.Duration(d.rng.Int63n(int64(d.maxLatency-d.minLatency+1)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		d.fill(orderID)
	}()

	return coretypes.OrderResult{Success: true, OrderID: orderID, ClientOrderID: intent.ClientOrderID, Status: coretypes.OrderStatusNew}, nil
}

func (d *DryRun) SubmitStop(intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	return d.Submit(context.Background(), intent)
}

func (d *DryRun) fill(orderID string) {
	d.mu.Lock()
	o, ok := d.orders[orderID]
	if !ok || !o.open {
		d.mu.Unlock()
		return
	}
	o.open = false
	intent := o.intent

	key := dryRunKey{intent.Symbol, intent.PositionSide}
	pos, ok := d.positions[key]
	if !ok {
		d.mu.Unlock()
		return
	}

	fillPrice := intent.Price
	if intent.OrderType == coretypes.OrderTypeStopMarket {
		fillPrice = pos.MarkPrice
	}
	noise := decimal.NewFromFloat(d.rng.Float64()).Mul(d.slippageBps).Div(decimal.NewFromInt(10000))
	if intent.Side == coretypes.OrderSideSell {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Sub(noise))
	} else {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Add(noise))
	}

	filledQty := intent.Qty
	remaining := pos.PositionAmt.Abs().Sub(filledQty)
	if remaining.IsNegative() {
		filledQty = pos.PositionAmt.Abs()
		remaining = decimal.Zero
	}
	if pos.PositionAmt.IsNegative() {
		pos.PositionAmt = remaining.Neg()
	} else {
		pos.PositionAmt = remaining
	}
	d.positions[key] = pos
	handler := d.onOrder
	d.mu.Unlock()

	if handler != nil {
		handler(coretypes.OrderUpdate{
			Symbol: intent.Symbol, OrderID: orderID, ClientOrderID: intent.ClientOrderID,
			Side: intent.Side, PositionSide: intent.PositionSide,
			Status: coretypes.OrderStatusFilled, OrderType: intent.OrderType,
			FilledQty: filledQty, CumFilledQty: filledQty, AvgPrice: fillPrice, LastPrice: fillPrice,
			TimestampMs: time.Now().UnixMilli(), ReduceOnly: intent.ReduceOnly, ClosePosition: intent.ClosePosition,
			IsMaker: intent.OrderType == coretypes.OrderTypeLimit,
		})
	}
}

func (d *DryRun) cancel(orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.orders[orderID]; ok {
		o.open = false
	}
	return nil
}

func (d *DryRun) Cancel(ctx context.Context, symbol, orderID string) error    { return d.cancel(orderID) }
func (d *DryRun) CancelAny(ctx context.Context, symbol, orderID string) error { return d.cancel(orderID) }
func (d *DryRun) CancelOrder(symbol, orderID, clientOrderID string) error     { return d.cancel(orderID) }

func (d *DryRun) ReconcileOpenOrders(ctx context.Context, symbol string) ([]ExternalOrderView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ExternalOrderView
	for id, o := range d.orders {
		if !o.open || o.intent.Symbol != symbol {
			continue
		}
		out = append(out, ExternalOrderView{
			OrderID: id, ClientOrderID: o.intent.ClientOrderID, Symbol: o.intent.Symbol,
			PositionSide: o.intent.PositionSide, OrderType: o.intent.OrderType,
			ReduceOnly: o.intent.ReduceOnly, ClosePosition: o.intent.ClosePosition,
		})
	}
	return out, nil
}

func (d *DryRun) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (d *DryRun) SetPositionSideDual(ctx context.Context, dual bool) error           { return nil }
func (d *DryRun) CreateListenKey(ctx context.Context) (string, error)               { return "dry-run-listen-key", nil }
func (d *DryRun) KeepAliveListenKey(ctx context.Context, listenKey string) error     { return nil }
func (d *DryRun) StartTimeSync(ctx context.Context)                                 {}

// RunUserStream captures the order-update handler that fill calls invoke
// directly, since simulated fills never leave the process. Named apart from
// RunMarketStream (rather than both called Run) because a single DryRun
// value implements both stream roles; AsUserStream/AsMarketStream expose
// each as the interface the orchestrator expects. onReconnect is accepted
// only to satisfy UserStream; the simulator never disconnects so it's
// never invoked.
func (d *DryRun) RunUserStream(ctx context.Context, listenKey string, onOrder OrderUpdateHandler, onAlgo AlgoUpdateHandler, onLeverage LeverageHandler, onReconnect ReconnectHandler) error {
	d.mu.Lock()
	d.onOrder = onOrder
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// RunMarketStream satisfies MarketStream with a simple random walk over
// each seeded symbol's mark price, driving quote/trade/mark callbacks on a
// fixed tick. onReconnect is accepted only to satisfy MarketStream and is
// never invoked, for the same reason as RunUserStream's.
func (d *DryRun) RunMarketStream(ctx context.Context, symbols []string, onQuote QuoteHandler, onTrade TradeHandler, onMark MarkHandler, onReconnect ReconnectHandler) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.mu.Lock()
			for key, pos := range d.positions {
				step := decimal.NewFromFloat((d.rng.Float64() - 0.5) * 0.001)
				pos.MarkPrice = pos.MarkPrice.Mul(decimal.NewFromInt(1).Add(step))
				d.positions[key] = pos
				mid := pos.MarkPrice.String()
				now := time.Now().UnixMilli()
				if onQuote != nil {
					onQuote(key.symbol, mid, mid, now)
				}
				if onTrade != nil {
					onTrade(key.symbol, mid, now)
				}
				if onMark != nil {
					onMark(key.symbol, mid, now)
				}
			}
			d.mu.Unlock()
		}
	}
}

type dryRunMarketStream struct{ d *DryRun }
type dryRunUserStream struct{ d *DryRun }

func (a dryRunMarketStream) Run(ctx context.Context, symbols []string, onQuote QuoteHandler, onTrade TradeHandler, onMark MarkHandler, onReconnect ReconnectHandler) error {
	return a.d.RunMarketStream(ctx, symbols, onQuote, onTrade, onMark, onReconnect)
}

func (a dryRunUserStream) Run(ctx context.Context, listenKey string, onOrder OrderUpdateHandler, onAlgo AlgoUpdateHandler, onLeverage LeverageHandler, onReconnect ReconnectHandler) error {
	return a.d.RunUserStream(ctx, listenKey, onOrder, onAlgo, onLeverage, onReconnect)
}

// AsMarketStream exposes this simulator as a MarketStream.
func (d *DryRun) AsMarketStream() MarketStream { return dryRunMarketStream{d} }

// AsUserStream exposes this simulator as a UserStream.
func (d *DryRun) AsUserStream() UserStream { return dryRunUserStream{d} }
