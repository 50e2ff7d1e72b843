// Package orchestrator wires the signal engine, execution state machine,
// risk supervisor, rate limiter, and venue adapters into the single
// cooperative loop the whole system runs on. Plain log package output and
// explicit component construction, no DI framework: one goroutine driving
// a ticker plus two background stream readers that hand events back
// through channels rather than calling into shared state directly.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/config"
	"trading-core/internal/coretypes"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/execution"
	"trading-core/internal/ratelimit"
	"trading-core/internal/risk"
	"trading-core/internal/rules"
	"trading-core/internal/signal"
)

const tickInterval = 50 * time.Millisecond

// Orchestrator owns every long-lived component and is the only thing that
// touches more than one of them, so the state machine, signal engine, and
// risk supervisor never call each other directly.
type Orchestrator struct {
	cfg *config.Resolved

	rest         exchange.RESTClient
	marketStream exchange.MarketStream
	userStream   exchange.UserStream

	rulesCache *rules.Cache
	sig        *signal.Engine
	exec       *execution.Engine
	riskSup    *risk.Supervisor
	limiter    *ratelimit.Limiter
	bus        *events.Bus

	mu        sync.Mutex
	positions map[sideKey]coretypes.Position

	quoteCh     chan quoteEvent
	tradeCh     chan tradeEvent
	markCh      chan markEvent
	orderCh     chan coretypes.OrderUpdate
	algoCh      chan coretypes.AlgoOrderUpdate
	levCh       chan coretypes.LeverageUpdate
	reconnectCh chan struct{}
}

type sideKey struct {
	symbol string
	side   coretypes.PositionSide
}

type quoteEvent struct {
	symbol   string
	bid, ask string
	tsMs     int64
}
type tradeEvent struct {
	symbol string
	price  string
	tsMs   int64
}
type markEvent struct {
	symbol string
	mark   string
	tsMs   int64
}

func New(cfg *config.Resolved, rest exchange.RESTClient, marketStream exchange.MarketStream, userStream exchange.UserStream, stopExch risk.ProtectiveStopExchange) (*Orchestrator, error) {
	execCfg := cfg.ExecBase
	execCfg.RunID = uuid.NewString()[:8]
	execEngine, err := execution.New(execCfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:          cfg,
		rest:         rest,
		marketStream: marketStream,
		userStream:   userStream,
		rulesCache:   rules.NewCache(),
		sig:          signal.New(cfg.Signal),
		exec:         execEngine,
		limiter:      ratelimit.New(ratelimit.Config{MaxOrdersPerSec: cfg.MaxOrdersPerSec, MaxCancelsPerSec: cfg.MaxCancelsPerSec}),
		bus:          events.NewBus(),
		positions:    make(map[sideKey]coretypes.Position),
		quoteCh:      make(chan quoteEvent, 256),
		tradeCh:      make(chan tradeEvent, 256),
		markCh:       make(chan markEvent, 256),
		orderCh:      make(chan coretypes.OrderUpdate, 64),
		algoCh:       make(chan coretypes.AlgoOrderUpdate, 64),
		levCh:        make(chan coretypes.LeverageUpdate, 16),
		reconnectCh:  make(chan struct{}, 2),
	}
	o.riskSup = risk.NewSupervisor(cfg.RiskConfig, execEngine, stopExch)
	return o, nil
}

// Run performs startup reconciliation (instrument rules, positions,
// leverage, listen key) and then drives the cooperative loop until ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.rest.StartTimeSync(ctx)

	if err := o.recalibrate(ctx); err != nil {
		return err
	}

	listenKey, err := o.rest.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runListenKeyKeepalive(ctx, listenKey)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = o.marketStream.Run(ctx, o.cfg.Symbols,
			func(symbol, bid, ask string, tsMs int64) { o.quoteCh <- quoteEvent{symbol, bid, ask, tsMs} },
			func(symbol, price string, tsMs int64) { o.tradeCh <- tradeEvent{symbol, price, tsMs} },
			func(symbol, mark string, tsMs int64) { o.markCh <- markEvent{symbol, mark, tsMs} },
			o.signalReconnect,
		)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = o.userStream.Run(ctx, listenKey,
			func(u coretypes.OrderUpdate) { o.orderCh <- u },
			func(a coretypes.AlgoOrderUpdate) { o.algoCh <- a },
			func(l coretypes.LeverageUpdate) { o.levCh <- l },
			o.signalReconnect,
		)
	}()

	o.loop(ctx)
	wg.Wait()
	return nil
}

// signalReconnect is handed to both streams as their onReconnect callback.
// It never blocks: the channel is buffered and the loop drains and coalesces
// repeated signals into a single recalibration pass.
func (o *Orchestrator) signalReconnect() {
	select {
	case o.reconnectCh <- struct{}{}:
	default:
	}
}

// recalibrate re-fetches instrument rules, leverage, positions, and the
// merged open-order view, then reconciles the protective-stop manager
// against it. It runs both at startup and whenever a stream signals it
// reconnected after a drop, since a connectivity gap can hide fills,
// cancels, or externally-placed orders. Called synchronously from the
// single-goroutine loop (or before it starts), so it doubles as a no-submit
// window: nothing else in the loop runs, including the ticker that drives
// order submission, until it returns.
func (o *Orchestrator) recalibrate(ctx context.Context) error {
	ruleMap, err := o.rest.FetchInstrumentRules(ctx, o.cfg.Symbols)
	if err != nil {
		return err
	}
	for _, r := range ruleMap {
		if err := o.rulesCache.Set(r); err != nil {
			log.Printf("orchestrator: skipping %s: %v", r.Symbol, err)
			continue
		}
	}

	if err := o.refreshLeverage(ctx); err != nil {
		log.Printf("orchestrator: leverage refresh failed: %v", err)
	}
	if err := o.refreshPositions(ctx); err != nil {
		log.Printf("orchestrator: position refresh failed: %v", err)
	}

	o.mu.Lock()
	snapshot := make(map[sideKey]coretypes.Position, len(o.positions))
	for k, v := range o.positions {
		snapshot[k] = v
	}
	o.mu.Unlock()

	for key, pos := range snapshot {
		if pos.IsZero() {
			continue
		}
		views, err := o.rest.ReconcileOpenOrders(ctx, key.symbol)
		if err != nil {
			log.Printf("orchestrator: reconcile open orders %s failed: %v", key.symbol, err)
			continue
		}
		o.riskSup.Protective().ReconcileExternal(pos, o.cfg.RiskConfig.ExternalStopPriceTolerance, toRiskOpenOrderViews(views))
	}
	return nil
}

// toRiskOpenOrderViews adapts the exchange package's open-order rows to the
// risk package's, keeping risk free of an exchange import: the orchestrator
// is the only thing that already depends on both.
func toRiskOpenOrderViews(views []exchange.ExternalOrderView) []risk.OpenOrderView {
	out := make([]risk.OpenOrderView, 0, len(views))
	for _, v := range views {
		out = append(out, risk.OpenOrderView{
			OrderID:       v.OrderID,
			ClientOrderID: v.ClientOrderID,
			PositionSide:  v.PositionSide,
			OrderType:     v.OrderType,
			ReduceOnly:    v.ReduceOnly,
			ClosePosition: v.ClosePosition,
			StopPrice:     v.StopPrice,
			IsAlgo:        v.IsAlgo,
		})
	}
	return out
}

func (o *Orchestrator) runListenKeyKeepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(25 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.rest.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("orchestrator: listen key keepalive failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) refreshLeverage(ctx context.Context) error {
	levs, err := o.rest.FetchLeverageMap(ctx)
	if err != nil {
		return err
	}
	for symbol, lev := range levs {
		o.rulesCache.SetLeverage(symbol, lev)
	}
	return nil
}

func (o *Orchestrator) refreshPositions(ctx context.Context) error {
	positions, err := o.rest.FetchPositions(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, p := range positions {
		o.positions[sideKey{p.Symbol, p.Side}] = p
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	positionPoll := time.NewTicker(2 * time.Second)
	defer positionPoll.Stop()
	weightLog := time.NewTicker(time.Minute)
	defer weightLog.Stop()
	statusLog := time.NewTicker(30 * time.Second)
	defer statusLog.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-statusLog.C:
			for _, s := range o.Status() {
				log.Printf("orchestrator: %s/%s amt=%s mark=%s state=%s mode=%s", s.Symbol, s.Side, s.PositionAmt, s.MarkPrice, s.State, s.Mode)
			}
		case <-weightLog.C:
			if wu, ok := o.rest.(interface {
				WeightUsage() (int, int, float64)
			}); ok {
				used, limit, pct := wu.WeightUsage()
				log.Printf("orchestrator: venue request weight %d/%d (%.1f%%)", used, limit, pct)
			}
		case q := <-o.quoteCh:
			o.sig.OnQuote(q.symbol, parseDec(q.bid), parseDec(q.ask), q.tsMs)
		case t := <-o.tradeCh:
			o.sig.OnTrade(t.symbol, parseDec(t.price), t.tsMs)
		case m := <-o.markCh:
			o.sig.OnMark(m.symbol, parseDec(m.mark), m.tsMs)
			o.onMark(m.symbol, parseDec(m.mark), m.tsMs)
		case u := <-o.orderCh:
			o.exec.OnOrderUpdate(u)
			o.riskSup.Protective().OnOrderUpdate(u)
			if u.Status == coretypes.OrderStatusFilled {
				o.bus.Publish(events.EventOrderFilled, events.OrderFilledPayload{
					Symbol: u.Symbol, OrderID: u.OrderID,
					Qty: u.FilledQty.String(), Price: u.AvgPrice.String(),
					IsRisk: u.ClosePosition,
				})
			}
		case a := <-o.algoCh:
			o.riskSup.Protective().OnAlgoOrderUpdate(a)
		case l := <-o.levCh:
			o.rulesCache.SetLeverage(l.Symbol, l.Leverage)
		case <-positionPoll.C:
			if err := o.refreshPositions(ctx); err != nil {
				log.Printf("orchestrator: position poll failed: %v", err)
			}
		case <-o.reconnectCh:
			log.Printf("orchestrator: stream reconnected, recalibrating")
			if err := o.recalibrate(ctx); err != nil {
				log.Printf("orchestrator: recalibration failed: %v", err)
			}
		case now := <-ticker.C:
			o.tick(ctx, now.UnixMilli())
		}
	}
}

func (o *Orchestrator) onMark(symbol string, mark decimal.Decimal, tsMs int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, side := range []coretypes.PositionSide{coretypes.PositionSideLong, coretypes.PositionSideShort} {
		key := sideKey{symbol, side}
		pos, ok := o.positions[key]
		if !ok || pos.IsZero() {
			continue
		}
		pos.MarkPrice = mark
		o.positions[key] = pos
	}
}

func (o *Orchestrator) tick(ctx context.Context, nowMs int64) {
	o.mu.Lock()
	snapshot := make(map[sideKey]coretypes.Position, len(o.positions))
	for k, v := range o.positions {
		snapshot[k] = v
	}
	o.mu.Unlock()

	for key, pos := range snapshot {
		if pos.IsZero() {
			if o.exec.State(key.symbol, key.side).State != coretypes.StateIdle {
				o.bus.Publish(events.EventPositionZero, sideKey{key.symbol, key.side})
			}
			o.exec.OnPositionZero(key.symbol, key.side)
			continue
		}
		r, ok := o.rulesCache.Get(key.symbol)
		if !ok {
			continue
		}

		panicIntent, flag := o.riskSup.OnMarkUpdate(pos, r, o.exec.BaseOrderTTLMs())
		o.riskSup.Protective().SyncSymbol(pos, r, o.cfg.RiskConfig.ProtectiveStopDistToLiq, nowMs, nowMs)

		if orderID, shouldCancel := o.exec.CheckTimeout(key.symbol, key.side, nowMs); shouldCancel {
			o.submitCancel(ctx, key.symbol, orderID, true)
		}
		o.exec.CheckCooldown(key.symbol, key.side, nowMs)

		if panicIntent != nil {
			o.bus.Publish(events.EventRiskTierTriggered, events.RiskTierTriggeredPayload{
				Symbol: key.symbol, Side: string(key.side),
				DistToLiq: flag.DistToLiq.String(), Reason: flag.Reason,
			})
			o.trySubmit(ctx, key, *panicIntent, nowMs)
			continue
		}

		snap, ok := o.sig.Snapshot(key.symbol)
		if !ok {
			continue
		}
		sig, ok := o.sig.Evaluate(key.symbol, key.side, pos, r.Leverage, nowMs, o.cfg.StaleDataMs)
		if !ok {
			continue
		}
		intent, ok := o.exec.Decide(sig, pos, r, snap, nowMs, false, 0)
		if !ok {
			continue
		}
		o.trySubmit(ctx, key, *intent, nowMs)
	}
}

func (o *Orchestrator) trySubmit(ctx context.Context, key sideKey, intent coretypes.OrderIntent, nowMs int64) {
	if intent.IsRisk {
		o.limiter.AdmitRisk()
	} else if !o.limiter.TryAdmit(ratelimit.KindSubmit, nowMs) {
		return
	}
	res, err := o.rest.Submit(ctx, intent)
	if err != nil || !res.Success {
		kind := execution.RejectOther
		if err == nil && res.ErrorCode == "-5022" {
			kind = execution.RejectPostOnly
		}
		o.exec.OnSubmitFailed(key.symbol, key.side, kind)
		return
	}
	o.exec.OnOrderPlaced(key.symbol, key.side, res.OrderID, nowMs)
}

func (o *Orchestrator) submitCancel(ctx context.Context, symbol, orderID string, isRisk bool) {
	if !isRisk && !o.limiter.TryAdmit(ratelimit.KindCancel, time.Now().UnixMilli()) {
		return
	}
	if err := o.rest.CancelAny(ctx, symbol, orderID); err != nil {
		log.Printf("orchestrator: cancel %s/%s failed: %v", symbol, orderID, err)
	}
}

func (o *Orchestrator) shutdown() {
	log.Printf("orchestrator: loop exiting")
	// Individual order cancellation on shutdown is driven by cmd/liquidator's
	// signal handler, which has the timeout budget; this hook exists so the
	// loop's own exit path also stops touching shared state cleanly.
}

// Subscribe exposes the internal event bus to callers outside the
// cooperative loop — cmd/liquidator uses it to log fills and risk-tier
// triggers without reaching into the execution engine or risk supervisor
// directly.
func (o *Orchestrator) Subscribe(e events.Event, buffer int) (<-chan any, func()) {
	return o.bus.Subscribe(e, buffer)
}

// OwnsClientOrderID reports whether a client order id was placed by this
// run, the only orders a shutdown sweep is allowed to cancel. Protective
// stops carry the stable cross-run prefix instead and never match.
func (o *Orchestrator) OwnsClientOrderID(clientOrderID string) bool {
	return o.exec.HasRunPrefix(clientOrderID)
}

// SideStatus is a read-only snapshot of one (symbol, side)'s position and
// execution state, for an operator-facing status line.
type SideStatus struct {
	Symbol      string
	Side        coretypes.PositionSide
	PositionAmt decimal.Decimal
	MarkPrice   decimal.Decimal
	State       coretypes.ExecState
	Mode        coretypes.ExecMode
}

// Status reports every tracked (symbol, side) with a nonzero position, as
// a health-snapshot for an operator console since this executor has no API
// server to expose it through.
func (o *Orchestrator) Status() []SideStatus {
	o.mu.Lock()
	snapshot := make(map[sideKey]coretypes.Position, len(o.positions))
	for k, v := range o.positions {
		snapshot[k] = v
	}
	o.mu.Unlock()

	out := make([]SideStatus, 0, len(snapshot))
	for key, pos := range snapshot {
		if pos.IsZero() {
			continue
		}
		s := o.exec.State(key.symbol, key.side)
		out = append(out, SideStatus{
			Symbol: key.symbol, Side: key.side,
			PositionAmt: pos.PositionAmt, MarkPrice: pos.MarkPrice,
			State: s.State, Mode: s.Mode,
		})
	}
	return out
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
