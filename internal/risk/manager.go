package risk

import (
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
	"trading-core/internal/rules"
)

type sideKey struct {
	symbol string
	side   coretypes.PositionSide
}

// forceAggressive abstracts the one thing the supervisor is allowed to tell
// the execution engine: the supervisor never calls back into the engine
// beyond this flag and by submitting its own intents through the same queue.
type forceAggressive interface {
	ForceAggressive(symbol string, side coretypes.PositionSide, force bool)
}

// Supervisor computes distance-to-liquidation on every mark update and
// drives Tier 1 (soft de-risk) and Tier 2 (panic sliced close). Tier 3
// (protective stop) lives in protective_stop.go as a separate
// ProtectiveStopManager with its own lock and per-side state, reached
// through Protective().
type Supervisor struct {
	mu     sync.Mutex
	cfg    Config
	engine forceAggressive

	flags map[sideKey]*RiskFlag
	// armed tracks whether Tier 1's sticky flag is currently forcing
	// AGGRESSIVE_LIMIT, independent of the momentary d <= threshold test,
	// so that the hysteresis release margin can be applied.
	armed map[sideKey]bool

	protective *ProtectiveStopManager
}

func NewSupervisor(cfg Config, engine forceAggressive, exch ProtectiveStopExchange) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		engine: engine,
		flags:  make(map[sideKey]*RiskFlag),
		armed:  make(map[sideKey]bool),
	}
	s.protective = newProtectiveStopManager(exch, cfg.ClientOrderIDStablePrefix)
	return s
}

// Protective exposes the Tier-3 manager for wiring order/algo updates and
// periodic sync calls from the orchestrator.
func (s *Supervisor) Protective() *ProtectiveStopManager {
	return s.protective
}

// distToLiq computes d = |mark - liquidation| / mark, distinguishing the
// two missing-input reasons.
func distToLiq(mark, liquidation decimal.Decimal) (decimal.Decimal, string) {
	if mark.IsZero() {
		return decimal.Zero, "missing_mark_price"
	}
	if liquidation.IsZero() {
		return decimal.Zero, "missing_liquidation_price"
	}
	return mark.Sub(liquidation).Abs().Div(mark), ""
}

// OnMarkUpdate is the Tier-1/Tier-2 entry point, called once per mark-price
// sample per (symbol, side) with a non-zero position. It updates the sticky
// force-aggressive flag and, when a panic tier is satisfied, returns a
// ready-to-submit panic intent (Tier 2 bypasses the signal engine
// entirely).
func (s *Supervisor) OnMarkUpdate(
	pos coretypes.Position,
	r coretypes.InstrumentRules,
	baseOrderTTLMs int64,
) (panicIntent *coretypes.OrderIntent, flag RiskFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sideKey{pos.Symbol, pos.Side}
	d, reason := distToLiq(pos.MarkPrice, pos.LiquidationPrice)
	flag = RiskFlag{Symbol: pos.Symbol, Side: pos.Side, DistToLiq: d, Reason: reason}
	if reason != "" {
		s.flags[key] = &flag
		return nil, flag
	}

	s.applyTier1Locked(key, d)
	flag.IsTriggered = s.armed[key]
	s.flags[key] = &flag

	if pos.IsZero() {
		return nil, flag
	}

	if intent, ok := s.tier2Locked(pos, r, d, baseOrderTTLMs); ok {
		return intent, flag
	}
	return nil, flag
}

// applyTier1Locked arms the sticky force-aggressive flag at d <=
// threshold and releases it only once d rises above threshold +
// hysteresis_margin.
func (s *Supervisor) applyTier1Locked(key sideKey, d decimal.Decimal) {
	wasArmed := s.armed[key]
	triggerAt := s.cfg.LiqDistanceThreshold
	releaseAt := triggerAt.Add(s.cfg.HysteresisMargin)

	nowArmed := wasArmed
	if !wasArmed && d.LessThanOrEqual(triggerAt) {
		nowArmed = true
	} else if wasArmed && d.GreaterThan(releaseAt) {
		nowArmed = false
	}

	if nowArmed != wasArmed {
		s.armed[key] = nowArmed
		if s.engine != nil {
			s.engine.ForceAggressive(key.symbol, key.side, nowArmed)
		}
		log.Printf("risk: %s %s force-aggressive=%v (d=%s)", key.symbol, key.side, nowArmed, d)
	}
}

// mostDangerousTier picks the panic tier with the smallest D among those
// satisfied (d <= tier.D), i.e. the most dangerous satisfied threshold.
func mostDangerousTier(tiers []PanicTier, d decimal.Decimal) (PanicTier, bool) {
	var best PanicTier
	found := false
	for _, t := range tiers {
		if d.GreaterThan(t.D) {
			continue
		}
		if !found || t.D.LessThan(best.D) {
			best = t
			found = true
		}
	}
	return best, found
}

// tier2Locked implements panic sliced close: quantity = slice_ratio *
// |position_amt| rounded to step, TTL = order_ttl_ms * ttl_percent,
// is_risk=true, pricing starts MAKER_ONLY with a per-tier escalate
// override.
func (s *Supervisor) tier2Locked(
	pos coretypes.Position,
	r coretypes.InstrumentRules,
	d decimal.Decimal,
	baseOrderTTLMs int64,
) (*coretypes.OrderIntent, bool) {
	tier, ok := mostDangerousTier(s.cfg.PanicTiers, d)
	if !ok {
		return nil, false
	}

	qty := rules.RoundQtyDown(pos.PositionAmt.Abs().Mul(tier.SliceRatio), r.StepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, false
	}

	ttlFloat, _ := tier.TTLPercent.Float64()
	ttlMs := int64(float64(baseOrderTTLMs) * ttlFloat)

	side := coretypes.OrderSideSell
	if pos.Side == coretypes.PositionSideShort {
		side = coretypes.OrderSideBuy
	}

	intent := &coretypes.OrderIntent{
		Symbol:        pos.Symbol,
		Side:          side,
		PositionSide:  pos.Side,
		Qty:           qty,
		OrderType:     coretypes.OrderTypeLimit,
		TimeInForce:   coretypes.TIFGTX,
		ReduceOnly:    true,
		IsRisk:        true,
		TTLMs:         ttlMs,
	}
	log.Printf("risk: panic close %s %s d=%s tier_d=%s slice=%s ttl=%dms", pos.Symbol, pos.Side, d, tier.D, tier.SliceRatio, ttlMs)
	return intent, true
}

// PanicMakerTimeoutsOverride returns the per-tier maker-timeouts-to-escalate
// override for the most-dangerous tier currently satisfied, or nil if no
// tier is satisfied (caller uses the engine's configured base instead).
func (s *Supervisor) PanicMakerTimeoutsOverride(d decimal.Decimal) *int {
	tier, ok := mostDangerousTier(s.cfg.PanicTiers, d)
	if !ok {
		return nil
	}
	v := tier.MakerTimeoutsToEscalate
	return &v
}

// Flag returns the last computed RiskFlag for a (symbol, side), if any.
func (s *Supervisor) Flag(symbol string, side coretypes.PositionSide) (RiskFlag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[sideKey{symbol, side}]
	if !ok {
		return RiskFlag{}, false
	}
	return *f, true
}
