// Package execution implements the per-(symbol, side) finite-state machine
// that is the hard core of this system: it turns exit signals into
// reduce-only order intents, rotates pricing aggressiveness on timeouts,
// composes three multipliers into a bounded order size, and tracks fill-rate
// feedback. Reimplemented with exact decimal arithmetic over a plain submit/track/cancel
// control flow.
package execution

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
	"trading-core/internal/rules"
)

// MakerPriceMode selects how the maker-only price is derived from the
// opposite touch.
type MakerPriceMode string

const (
	MakerPriceAtTouch           MakerPriceMode = "at_touch"
	MakerPriceInsideSpread1Tick MakerPriceMode = "inside_spread_1tick"
	MakerPriceCustomTicks       MakerPriceMode = "custom_ticks"
)

// Config names every tunable parameter of the state machine's pricing,
// sizing, and timeout behavior.
type Config struct {
	OrderTTLMs              int64
	RepostCooldownMs        int64
	CancelTimeoutMs         int64 // grace before a lost cancel ack forces COOLDOWN
	BaseLotMult             decimal.Decimal
	MakerPriceMode          MakerPriceMode
	MakerNTicks             int
	MakerSafetyTicks        int // must be >= 1
	MakerTimeoutsToEscalate int
	AggrFillsToDeescalate   int
	AggrTimeoutsToDeescalate int
	MaxMult                 decimal.Decimal
	MaxOrderNotional         decimal.Decimal

	FillRateFeedbackEnabled bool

	ClientOrderIDPrefix string // fixed prefix, config-loaded
	RunID               string // generated at process start, immutable after init
}

// Validate enforces the constructor-time invariants.
func (c Config) Validate() error {
	if c.MakerSafetyTicks < 1 {
		return fmt.Errorf("execution: maker_safety_ticks must be >= 1, got %d", c.MakerSafetyTicks)
	}
	return nil
}

type sideKey struct {
	symbol string
	side   coretypes.PositionSide
}

// Engine owns every SideExecutionState. Single-goroutine use only: all
// mutation happens on the orchestrator's loop goroutine. clientSeq generates unique per-order
// identifier suffixes within this process's lifetime.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	states   map[sideKey]*coretypes.SideExecutionState
	clientSeq uint64
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, states: make(map[sideKey]*coretypes.SideExecutionState)}, nil
}

// BaseOrderTTLMs exposes the configured order TTL for the risk supervisor's
// panic-tier TTL-percent calculation.
func (e *Engine) BaseOrderTTLMs() int64 {
	return e.cfg.OrderTTLMs
}

// State returns (creating if necessary) the SideExecutionState for a
// (symbol, side). Side states are created on first observation of a
// non-zero position and recycled, not destroyed, when it returns to zero.
func (e *Engine) State(symbol string, side coretypes.PositionSide) *coretypes.SideExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(symbol, side)
}

func (e *Engine) stateLocked(symbol string, side coretypes.PositionSide) *coretypes.SideExecutionState {
	key := sideKey{symbol, side}
	s, ok := e.states[key]
	if !ok {
		s = &coretypes.SideExecutionState{Symbol: symbol, Side: side, State: coretypes.StateIdle, Mode: coretypes.ModeMakerOnly}
		e.states[key] = s
	}
	return s
}

// nextClientOrderID builds a run-scoped client id: prefix-runid-seq. Only
// orders carrying this run's id are ever cancelled by shutdown or
// recalibration.
func (e *Engine) nextClientOrderID() string {
	e.clientSeq++
	id := fmt.Sprintf("%s-%s-%d", e.cfg.ClientOrderIDPrefix, e.cfg.RunID, e.clientSeq)
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// HasRunPrefix reports whether a client order id belongs to this run, the
// only orders shutdown/recalibration are allowed to cancel.
func (e *Engine) HasRunPrefix(clientOrderID string) bool {
	prefix := fmt.Sprintf("%s-%s-", e.cfg.ClientOrderIDPrefix, e.cfg.RunID)
	return len(clientOrderID) >= len(prefix) && clientOrderID[:len(prefix)] == prefix
}

// effectiveMakerTimeoutsToEscalate applies the fill-rate feedback bound:
// clamp(ceil(base / max(ratio, 1e-6)), base, base*4).
func (e *Engine) effectiveMakerTimeoutsToEscalate(s *coretypes.SideExecutionState) int {
	base := e.cfg.MakerTimeoutsToEscalate
	if s.MakerTimeoutsToEscalateOverride != nil {
		base = *s.MakerTimeoutsToEscalateOverride
	}
	if !e.cfg.FillRateFeedbackEnabled {
		return base
	}
	ratio := s.MakerFillRatio()
	const eps = 1e-6
	ratioF, _ := ratio.Float64()
	if ratioF < eps {
		ratioF = eps
	}
	effective := int(math.Ceil(float64(base) / ratioF))
	if effective < base {
		effective = base
	}
	if max := base * 4; effective > max {
		effective = max
	}
	return effective
}

// IsPositionDone implements the no-dust completion rule:
// done when |position_amt| floors to zero on the step grid, or when
// min_notional cannot be satisfied even by enlarging to the whole position.
func IsPositionDone(posAmt, lastPrice decimal.Decimal, r coretypes.InstrumentRules) bool {
	abs := posAmt.Abs()
	if rules.RoundQtyDown(abs, r.StepSize).IsZero() {
		return true
	}
	_, ok := rules.EnsureMinNotional(abs, lastPrice, r.MinNotional, r.StepSize, abs)
	return !ok
}

// ComputeQty implements the quantity composition pipeline.
func ComputeQty(
	posAmt decimal.Decimal,
	lastPrice decimal.Decimal,
	r coretypes.InstrumentRules,
	baseLotMult, roiMult, accelMult, maxMult decimal.Decimal,
	maxOrderNotional decimal.Decimal,
) (decimal.Decimal, bool) {
	abs := posAmt.Abs()

	// 1. raw multiplier, capped at max_mult.
	rawMult := baseLotMult.Mul(roiMult).Mul(accelMult)
	if rawMult.GreaterThan(maxMult) {
		rawMult = maxMult
	}

	// 2. target = min(|position|, min_qty * raw_mult)
	target := r.MinQty.Mul(rawMult)
	if target.GreaterThan(abs) {
		target = abs
	}

	// 3. round down to step; if below min_qty, try the enlarge rule.
	target = rules.RoundQtyDown(target, r.StepSize)
	if target.LessThan(r.MinQty) {
		enlarged, ok := rules.EnsureMinNotional(target, lastPrice, r.MinNotional, r.StepSize, abs)
		if !ok {
			return decimal.Zero, false
		}
		target = enlarged
	} else if target.Mul(lastPrice).LessThan(r.MinNotional) {
		// 4. below min_notional even though qty >= min_qty: enlarge within position.
		enlarged, ok := rules.EnsureMinNotional(target, lastPrice, r.MinNotional, r.StepSize, abs)
		if !ok {
			return decimal.Zero, false
		}
		target = enlarged
	}

	// 5. enforce max_order_notional by stepping down.
	for target.GreaterThan(decimal.Zero) && target.Mul(lastPrice).GreaterThan(maxOrderNotional) {
		target = target.Sub(r.StepSize)
	}
	if target.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return target, true
}

// BuildMakerPrice computes the post-only price, enforcing
// the safety distance and rounding toward the conservative side.
func BuildMakerPrice(side coretypes.OrderSide, snap coretypes.MarketSnapshot, r coretypes.InstrumentRules, mode MakerPriceMode, nTicks, safetyTicks int) decimal.Decimal {
	tick := r.TickSize
	safety := tick.Mul(decimal.NewFromInt(int64(safetyTicks)))

	if side == coretypes.OrderSideSell {
		var raw decimal.Decimal
		switch mode {
		case MakerPriceAtTouch:
			raw = snap.BestAsk
		case MakerPriceCustomTicks:
			raw = snap.BestAsk.Add(tick.Mul(decimal.NewFromInt(int64(nTicks))))
		default: // inside_spread_1tick
			raw = snap.BestAsk.Sub(tick)
		}
		floor := snap.BestBid.Add(safety)
		if raw.LessThan(floor) {
			raw = floor
		}
		return rules.RoundPriceUp(raw, tick)
	}

	// BUY
	var raw decimal.Decimal
	switch mode {
	case MakerPriceAtTouch:
		raw = snap.BestBid
	case MakerPriceCustomTicks:
		raw = snap.BestBid.Sub(tick.Mul(decimal.NewFromInt(int64(nTicks))))
	default:
		raw = snap.BestBid.Add(tick)
	}
	ceil := snap.BestAsk.Sub(safety)
	if raw.GreaterThan(ceil) {
		raw = ceil
	}
	return rules.RoundPriceDown(raw, tick)
}

// BuildAggressiveLimitPrice computes the same-side touch used to encourage
// immediate crossing in AGGRESSIVE_LIMIT mode.
func BuildAggressiveLimitPrice(side coretypes.OrderSide, snap coretypes.MarketSnapshot) decimal.Decimal {
	if side == coretypes.OrderSideSell {
		return snap.BestBid
	}
	return snap.BestAsk
}

// sideFromPositionSide maps a closing direction: LONG positions close via
// SELL, SHORT positions close via BUY.
func sideFromPositionSide(ps coretypes.PositionSide) coretypes.OrderSide {
	if ps == coretypes.PositionSideLong {
		return coretypes.OrderSideSell
	}
	return coretypes.OrderSideBuy
}

// Decide is the IDLE entry point: given a signal (normal or panic-injected)
// plus the current position/rules/snapshot, it computes the next order
// intent and transitions the side IDLE -> PLACING. Returns (nil, false)
// when the side is not eligible (not IDLE, position done, or qty could not
// be computed).
func (e *Engine) Decide(
	sig coretypes.ExitSignal,
	pos coretypes.Position,
	r coretypes.InstrumentRules,
	snap coretypes.MarketSnapshot,
	nowMs int64,
	isRisk bool,
	ttlOverrideMs int64,
) (*coretypes.OrderIntent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stateLocked(sig.Symbol, sig.Side)
	if s.State != coretypes.StateIdle {
		return nil, false
	}
	if IsPositionDone(pos.PositionAmt, snap.LastTradePrice, r) {
		return nil, false
	}

	qty, ok := ComputeQty(pos.PositionAmt, snap.LastTradePrice, r, e.cfg.BaseLotMult, sig.RoiMult, sig.AccelMult, e.cfg.MaxMult, e.cfg.MaxOrderNotional)
	if !ok {
		return nil, false
	}

	mode := s.Mode
	if s.ForceAggressive {
		mode = coretypes.ModeAggressiveLimit
	}

	orderSide := sideFromPositionSide(sig.Side)

	var price decimal.Decimal
	var tif coretypes.TimeInForce
	if mode == coretypes.ModeMakerOnly {
		price = BuildMakerPrice(orderSide, snap, r, e.cfg.MakerPriceMode, e.cfg.MakerNTicks, e.cfg.MakerSafetyTicks)
		tif = coretypes.TIFGTX
	} else {
		price = BuildAggressiveLimitPrice(orderSide, snap)
		tif = coretypes.TIFGTC
	}

	ttl := e.cfg.OrderTTLMs
	if ttlOverrideMs > 0 {
		ttl = ttlOverrideMs
	}

	clientID := e.nextClientOrderID()
	intent := &coretypes.OrderIntent{
		Symbol:        sig.Symbol,
		Side:          orderSide,
		PositionSide:  sig.Side,
		Qty:           qty,
		Price:         price,
		OrderType:     coretypes.OrderTypeLimit,
		TimeInForce:   tif,
		ReduceOnly:    true,
		ClientOrderID: clientID,
		IsRisk:        isRisk,
		TTLMs:         ttl,
	}

	s.State = coretypes.StatePlacing
	s.Mode = mode
	s.CurrentClientOrderID = clientID
	s.CurrentOrderTTLMs = ttl
	s.CurrentOrderIsRisk = isRisk
	s.CurrentOrderFilledQty = decimal.Zero
	return intent, true
}

// OnOrderPlaced transitions PLACING -> WAITING once the submit ack carries
// an order id, arming the TTL clock.
func (e *Engine) OnOrderPlaced(symbol string, side coretypes.PositionSide, orderID string, nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)
	if s.State != coretypes.StatePlacing {
		return
	}
	s.CurrentOrderID = orderID
	s.CurrentOrderPlacedMs = nowMs
	s.State = coretypes.StateWaiting
	if s.Mode == coretypes.ModeMakerOnly {
		s.MakerSubmissions++
	}
}

// SubmitRejectKind distinguishes the post-only rejection (which allows an
// immediate same-tick retry upgraded to AGGRESSIVE_LIMIT) from any other
// rejection.
type SubmitRejectKind int

const (
	RejectPostOnly SubmitRejectKind = iota
	RejectOther
)

// OnSubmitFailed handles a synchronous submit rejection. PLACING -> IDLE in
// both cases; a post-only reject additionally counts as a maker timeout and
// marks the side for an immediate upgrade to AGGRESSIVE_LIMIT.
func (e *Engine) OnSubmitFailed(symbol string, side coretypes.PositionSide, kind SubmitRejectKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)
	s.State = coretypes.StateIdle
	if kind == RejectPostOnly {
		s.MakerTimeoutCount++
		if s.Mode == coretypes.ModeMakerOnly {
			s.Mode = coretypes.ModeAggressiveLimit
			s.ResetCounters()
		}
	}
}

// OnOrderUpdate dispatches a user-data order update to the side state
// machine. All late/duplicate updates are tolerated: updates for an order
// id that doesn't match the side's current order are ignored rather than
// causing a deadlock.
func (e *Engine) OnOrderUpdate(u coretypes.OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(u.Symbol, u.PositionSide)
	if s.CurrentOrderID != "" && u.OrderID != "" && u.OrderID != s.CurrentOrderID {
		return
	}
	if s.CurrentClientOrderID != "" && u.ClientOrderID != "" && u.ClientOrderID != s.CurrentClientOrderID {
		return
	}

	switch u.Status {
	case coretypes.OrderStatusPartiallyFilled:
		s.CurrentOrderFilledQty = u.CumFilledQty
		s.ResetCounters()
	case coretypes.OrderStatusFilled:
		e.handleFilledLocked(s, u)
	case coretypes.OrderStatusCanceled, coretypes.OrderStatusExpired:
		e.handleCanceledLocked(s)
	case coretypes.OrderStatusRejected:
		e.handleRejectedLocked(s)
	}
}

func (e *Engine) handleFilledLocked(s *coretypes.SideExecutionState, u coretypes.OrderUpdate) {
	s.LastSignalMs = u.TimestampMs
	if s.Mode == coretypes.ModeMakerOnly && u.IsMaker {
		s.MakerFills++
	}
	if s.Mode == coretypes.ModeAggressiveLimit {
		s.AggrFillCount++
	}
	s.State = coretypes.StateIdle
	s.CurrentOrderID = ""
	s.CurrentClientOrderID = ""
	s.CurrentOrderFilledQty = decimal.Zero
	e.rotateModeLocked(s)
}

func (e *Engine) handleCanceledLocked(s *coretypes.SideExecutionState) {
	s.State = coretypes.StateCooldown
	s.CooldownUntilMs = 0 // stamped by the next CheckCooldown call using RepostCooldownMs
}

func (e *Engine) handleRejectedLocked(s *coretypes.SideExecutionState) {
	s.State = coretypes.StateIdle
	s.CurrentOrderID = ""
	s.CurrentClientOrderID = ""
}

// rotateModeLocked applies the mode-rotation rules after a
// terminal order event. Counters reset on every mode change.
func (e *Engine) rotateModeLocked(s *coretypes.SideExecutionState) {
	if s.ForceAggressive {
		if s.Mode != coretypes.ModeAggressiveLimit {
			s.Mode = coretypes.ModeAggressiveLimit
			s.ResetCounters()
		}
		return
	}

	switch s.Mode {
	case coretypes.ModeMakerOnly:
		if s.MakerTimeoutCount >= e.effectiveMakerTimeoutsToEscalate(s) {
			s.Mode = coretypes.ModeAggressiveLimit
			s.ResetCounters()
		}
	case coretypes.ModeAggressiveLimit:
		if s.AggrFillCount >= e.cfg.AggrFillsToDeescalate || s.AggrTimeoutCount >= e.cfg.AggrTimeoutsToDeescalate {
			s.Mode = coretypes.ModeMakerOnly
			s.ResetCounters()
		}
	}
}

// ForceAggressive sets or clears the sticky risk-supervisor override that
// forces AGGRESSIVE_LIMIT regardless of counters.
func (e *Engine) ForceAggressive(symbol string, side coretypes.PositionSide, force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)
	s.ForceAggressive = force
	if force {
		e.rotateModeLocked(s)
	}
}

// CheckTimeout advances WAITING -> CANCELING once the order's TTL has
// elapsed, and CANCELING -> COOLDOWN once CancelTimeoutMs has passed
// without a cancel ack.
// Returns the venue order id to cancel when a cancel should be issued.
func (e *Engine) CheckTimeout(symbol string, side coretypes.PositionSide, nowMs int64) (orderID string, shouldCancel bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)

	switch s.State {
	case coretypes.StateWaiting:
		if nowMs-s.CurrentOrderPlacedMs >= s.CurrentOrderTTLMs {
			s.State = coretypes.StateCanceling
			s.CancelIssuedMs = nowMs
			if s.Mode == coretypes.ModeMakerOnly {
				s.MakerTimeoutCount++
			} else {
				s.AggrTimeoutCount++
			}
			e.rotateModeLocked(s)
			return s.CurrentOrderID, true
		}
	case coretypes.StateCanceling:
		if nowMs-s.CancelIssuedMs >= e.cfg.CancelTimeoutMs {
			// Lost ack: recover to COOLDOWN anyway, retaining the order id
			// so a late CANCELED/FILLED update can still be reconciled.
			s.State = coretypes.StateCooldown
		}
	}
	return "", false
}

// CheckCooldown advances COOLDOWN -> IDLE once repost_cooldown_ms has
// elapsed. The first call that finds the side in COOLDOWN stamps
// CooldownUntilMs = nowMs + RepostCooldownMs; a later call at or past that
// time moves the side to IDLE.
func (e *Engine) CheckCooldown(symbol string, side coretypes.PositionSide, nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)
	if s.State != coretypes.StateCooldown {
		return
	}
	if s.CooldownUntilMs == 0 {
		s.CooldownUntilMs = nowMs + e.cfg.RepostCooldownMs
		return
	}
	if nowMs >= s.CooldownUntilMs {
		s.State = coretypes.StateIdle
		s.CurrentOrderID = ""
		s.CurrentClientOrderID = ""
		s.CooldownUntilMs = 0
	}
}

// OnPositionZero recycles the side state rather than destroying it, so it
// can be reused if the position reopens.
func (e *Engine) OnPositionZero(symbol string, side coretypes.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateLocked(symbol, side)
	s.Recycle()
}

// NewRunID generates a fresh process run identifier.
func NewRunID() string {
	return uuid.NewString()
}
