// Package signal maintains per-symbol market snapshots and price history
// and evaluates four exit conditions: long_primary / long_bid_improve /
// short_primary / short_ask_improve, each carrying a roi_mult and
// accel_mult multiplier for the execution engine to compose into a
// quantity. Ticks are exact decimal.Decimal rather than float64.
package signal

import (
	"sync"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// AccelTier is one row of the acceleration-multiplier ladder: if
// |ret_window| clears Ret (direction-aware), Mult applies.
type AccelTier struct {
	Ret  decimal.Decimal
	Mult decimal.Decimal
}

// RoiTier is one row of the ROI-multiplier ladder.
type RoiTier struct {
	Roi  decimal.Decimal
	Mult decimal.Decimal
}

// Config names the tunables of the exit-condition ladders.
type Config struct {
	MinSignalIntervalMs int64
	AccelWindowMs        int64
	AccelTiers           []AccelTier
	RoiTiers             []RoiTier
}

type symbolState struct {
	snapshot coretypes.MarketSnapshot
	history  []coretypes.PricePoint
	lastSignalMs map[coretypes.PositionSide]int64
}

// Engine owns MarketSnapshot + PriceHistory per symbol and emits ExitSignal
// values. Single-goroutine use only: all mutation happens on the
// orchestrator's loop goroutine.
type Engine struct {
	mu   sync.Mutex
	cfg  Config
	syms map[string]*symbolState
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, syms: make(map[string]*symbolState)}
}

func (e *Engine) state(symbol string) *symbolState {
	s, ok := e.syms[symbol]
	if !ok {
		s = &symbolState{lastSignalMs: make(map[coretypes.PositionSide]int64)}
		e.syms[symbol] = s
	}
	return s
}

// OnQuote updates best bid/ask for a symbol. A snapshot with bid >= ask is
// discarded.
func (e *Engine) OnQuote(symbol string, bid, ask decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bid.GreaterThanOrEqual(ask) {
		return
	}
	s := e.state(symbol)
	s.snapshot.Symbol = symbol
	s.snapshot.BestBid = bid
	s.snapshot.BestAsk = ask
	s.snapshot.HaveQuote = true
	s.snapshot.LastQuoteMs = tsMs
}

// OnTrade records a new last-trade print and appends to the price history,
// trimming entries older than the acceleration window.
func (e *Engine) OnTrade(symbol string, price decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state(symbol)
	s.snapshot.Symbol = symbol
	s.snapshot.PreviousTradePrice = s.snapshot.LastTradePrice
	s.snapshot.LastTradePrice = price
	s.snapshot.LastTradeMs = tsMs
	if s.snapshot.TradeCount < 2 {
		s.snapshot.TradeCount++
	}

	s.history = append(s.history, coretypes.PricePoint{TimestampMs: tsMs, Price: price})
	cutoff := tsMs - e.cfg.AccelWindowMs
	i := 0
	for i < len(s.history) && s.history[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		s.history = append([]coretypes.PricePoint(nil), s.history[i:]...)
	}
}

// OnMark updates the mark price only; this deliberately does not refresh
// staleness since mark updates feed only the risk supervisor.
func (e *Engine) OnMark(symbol string, mark decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state(symbol)
	s.snapshot.Symbol = symbol
	s.snapshot.MarkPrice = mark
	s.snapshot.LastMarkMs = tsMs
}

// Snapshot returns a copy of the current MarketSnapshot for a symbol.
func (e *Engine) Snapshot(symbol string) (coretypes.MarketSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.syms[symbol]
	if !ok {
		return coretypes.MarketSnapshot{}, false
	}
	return s.snapshot, true
}

// retWindow computes price_now / price_at_window_start - 1 from the
// retained history; returns (zero, false) if the window has no anchor yet.
func (s *symbolState) retWindow() (decimal.Decimal, bool) {
	if len(s.history) == 0 {
		return decimal.Zero, false
	}
	start := s.history[0].Price
	if start.IsZero() {
		return decimal.Zero, false
	}
	now := s.snapshot.LastTradePrice
	return now.Div(start).Sub(decimal.NewFromInt(1)), true
}

// Evaluate checks the exit condition for (symbol, side) against a position,
// respecting the per-side throttle. nowMs drives both the staleness check
// (via staleMs) and the min-signal-interval throttle. Returns (signal,
// true) when a signal fires.
func (e *Engine) Evaluate(
	symbol string,
	side coretypes.PositionSide,
	pos coretypes.Position,
	leverage int,
	nowMs int64,
	staleMs int64,
) (coretypes.ExitSignal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.syms[symbol]
	if !ok || !s.snapshot.IsReady() || s.snapshot.Stale(nowMs, staleMs) {
		return coretypes.ExitSignal{}, false
	}

	if last := s.lastSignalMs[side]; last != 0 && nowMs-last < e.cfg.MinSignalIntervalMs {
		return coretypes.ExitSignal{}, false
	}

	reason, ok := evaluateReason(side, s.snapshot)
	if !ok {
		return coretypes.ExitSignal{}, false
	}

	ret, haveRet := s.retWindow()
	accelMult := decimal.NewFromInt(1)
	if haveRet {
		accelMult = highestAccelMult(e.cfg.AccelTiers, ret, side)
	}

	roiMult := decimal.NewFromInt(1)
	if roi, ok := computeRoi(pos, leverage); ok {
		roiMult = highestRoiMult(e.cfg.RoiTiers, roi)
	}

	sig := coretypes.ExitSignal{
		Symbol:      symbol,
		Side:        side,
		Reason:      reason,
		TimestampMs: nowMs,
		BestBid:     s.snapshot.BestBid,
		BestAsk:     s.snapshot.BestAsk,
		LastPrice:   s.snapshot.LastTradePrice,
		RoiMult:     roiMult,
		AccelMult:   accelMult,
	}
	s.lastSignalMs[side] = nowMs
	return sig, true
}

// ResetThrottle clears the last-signal timestamp for a side, so its next
// signal is not throttled.
func (e *Engine) ResetThrottle(symbol string, side coretypes.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.syms[symbol]; ok {
		delete(s.lastSignalMs, side)
	}
}

func evaluateReason(side coretypes.PositionSide, snap coretypes.MarketSnapshot) (coretypes.SignalReason, bool) {
	last, prev, bid, ask := snap.LastTradePrice, snap.PreviousTradePrice, snap.BestBid, snap.BestAsk

	if side == coretypes.PositionSideLong {
		primary := last.GreaterThan(prev) && bid.GreaterThanOrEqual(last)
		if primary {
			return coretypes.ReasonLongPrimary, true
		}
		if bid.GreaterThanOrEqual(last) && bid.GreaterThan(prev) {
			return coretypes.ReasonLongBidImprove, true
		}
		return "", false
	}

	// SHORT
	primary := last.LessThan(prev) && ask.LessThanOrEqual(last)
	if primary {
		return coretypes.ReasonShortPrimary, true
	}
	if ask.LessThanOrEqual(last) && ask.LessThan(prev) {
		return coretypes.ReasonShortAskImprove, true
	}
	return "", false
}

// highestAccelMult picks the highest multiplier among tiers whose
// direction-aware ret threshold is satisfied. Ties resolve to the highest
// mult, never the closest threshold.
func highestAccelMult(tiers []AccelTier, retWindow decimal.Decimal, side coretypes.PositionSide) decimal.Decimal {
	best := decimal.NewFromInt(1)
	for _, t := range tiers {
		satisfied := false
		if side == coretypes.PositionSideLong {
			satisfied = retWindow.GreaterThanOrEqual(t.Ret)
		} else {
			satisfied = retWindow.LessThanOrEqual(t.Ret.Neg())
		}
		if satisfied && t.Mult.GreaterThan(best) {
			best = t.Mult
		}
	}
	return best
}

func highestRoiMult(tiers []RoiTier, roi decimal.Decimal) decimal.Decimal {
	best := decimal.NewFromInt(1)
	for _, t := range tiers {
		if roi.GreaterThanOrEqual(t.Roi) && t.Mult.GreaterThan(best) {
			best = t.Mult
		}
	}
	return best
}

// computeRoi derives roi = unrealized_pnl / (|position_amt| * entry_price /
// leverage).
func computeRoi(pos coretypes.Position, leverage int) (decimal.Decimal, bool) {
	if leverage <= 0 {
		leverage = 1
	}
	margin := pos.PositionAmt.Abs().Mul(pos.EntryPrice).Div(decimal.NewFromInt(int64(leverage)))
	if margin.IsZero() {
		return decimal.Zero, false
	}
	return pos.UnrealizedPnl.Div(margin), true
}
