package risk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
	"trading-core/internal/rules"
)

// ProtectiveStopExchange is the narrow surface Tier 3 needs from the venue:
// submit a STOP_MARKET closePosition order and cancel one by id, kept to
// exactly the two verbs used here.
type ProtectiveStopExchange interface {
	SubmitStop(intent coretypes.OrderIntent) (coretypes.OrderResult, error)
	CancelOrder(symbol, orderID, clientOrderID string) error
}

// stopState is one (symbol, side)'s protective-stop bookkeeping.
type stopState struct {
	symbol string
	side   coretypes.PositionSide

	ourOrderID       string
	ourClientOrderID string
	ourStopPrice     decimal.Decimal
	haveOurOrder     bool

	// externalLatch, once armed, short-circuits replace/cancel entirely:
	// someone else (operator, another bot) owns the exit for this side now.
	externalLatch     bool
	externalOrderID   string
	externalOrderKind string // "stop" or "algo", for logging only

	multiExternalWarned bool

	lastSkipLogMs  int64
	lastSkipReason string
	lastSkipExtID  string

	lastSyncMs int64
}

// ProtectiveStopManager owns Tier 3: placing, tightening, and replacing an
// exchange-resident STOP_MARKET closePosition order per (symbol, side), and
// detecting when an externally-placed stop/take-profit has taken over the
// exit so this process backs off rather than fighting it.
type ProtectiveStopManager struct {
	mu            sync.Mutex
	exch          ProtectiveStopExchange
	stablePrefix  string
	logThrottleMs int64

	states map[sideKey]*stopState
}

func newProtectiveStopManager(exch ProtectiveStopExchange, stablePrefix string) *ProtectiveStopManager {
	return &ProtectiveStopManager{
		exch:          exch,
		stablePrefix:  stablePrefix,
		logThrottleMs: 2000,
		states:        make(map[sideKey]*stopState),
	}
}

func (m *ProtectiveStopManager) getOrCreate(symbol string, side coretypes.PositionSide) *stopState {
	key := sideKey{symbol, side}
	s, ok := m.states[key]
	if !ok {
		s = &stopState{symbol: symbol, side: side}
		m.states[key] = s
	}
	return s
}

// buildClientOrderIDPrefix builds the cross-run-stable prefix used to
// recognize our own protective stops across restarts. Binance caps
// clientOrderId at 36 chars; if "<stable><symbol><side>" doesn't fit, fall
// back to a short hash of the symbol so the prefix is still stable and
// collision-resistant.
func (m *ProtectiveStopManager) buildClientOrderIDPrefix(symbol string, side coretypes.PositionSide) string {
	sideTag := "L"
	if side == coretypes.PositionSideShort {
		sideTag = "S"
	}
	full := fmt.Sprintf("%s-%s-%s", m.stablePrefix, symbol, sideTag)
	if len(full) <= 24 {
		return full
	}
	sum := sha1.Sum([]byte(symbol))
	short := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s-%s-%s", m.stablePrefix, short, sideTag)
}

func (m *ProtectiveStopManager) buildClientOrderID(symbol string, side coretypes.PositionSide, seq int64) string {
	return fmt.Sprintf("%s-%d", m.buildClientOrderIDPrefix(symbol, side), seq)
}

// matchesOurPrefix reports whether a clientOrderId was minted by
// buildClientOrderID for this (symbol, side), tolerating the hashed
// fallback form.
func (m *ProtectiveStopManager) matchesOurPrefix(symbol string, side coretypes.PositionSide, clientOrderID string) bool {
	prefix := m.buildClientOrderIDPrefix(symbol, side)
	return len(clientOrderID) >= len(prefix) && clientOrderID[:len(prefix)] == prefix
}

// computeStopPrice places the stop at distance D beyond the liquidation
// price, on the side that would trigger before liquidation fires: above
// liquidation for LONG (stop sells when price falls... actually for a long
// position mark falling triggers both liquidation and a protective sell
// stop, so the protective stop must trigger first, i.e. at a higher price
// than liquidation) and below liquidation for SHORT.
func computeStopPrice(side coretypes.PositionSide, liquidationPrice decimal.Decimal, d decimal.Decimal, tick decimal.Decimal) decimal.Decimal {
	offset := liquidationPrice.Mul(d)
	if side == coretypes.PositionSideLong {
		return rules.RoundPriceUp(liquidationPrice.Add(offset), tick)
	}
	return rules.RoundPriceDown(liquidationPrice.Sub(offset), tick)
}

// tighter reports whether candidate is strictly safer (closer to price,
// farther from liquidation being reached late) than current, enforcing the
// monotone-tightening invariant: a protective stop is only ever moved to
// trigger earlier, never later.
func tighter(side coretypes.PositionSide, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	// LONG triggers on price falling to the stop: a higher stop price means
	// less room to fall, i.e. triggers sooner and is strictly safer. SHORT
	// triggers on price rising to the stop: a lower stop price means less
	// room to rise.
	if side == coretypes.PositionSideLong {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// shouldLogSkip implements the repeated "skip, external stop present" log
// throttle: log immediately on a new external order id or reason, otherwise
// at most once per logThrottleMs.
func (s *stopState) shouldLogSkip(nowMs int64, reason, externalID string, throttleMs int64) bool {
	if reason != s.lastSkipReason || externalID != s.lastSkipExtID {
		s.lastSkipReason = reason
		s.lastSkipExtID = externalID
		s.lastSkipLogMs = nowMs
		return true
	}
	if nowMs-s.lastSkipLogMs >= throttleMs {
		s.lastSkipLogMs = nowMs
		return true
	}
	return false
}

// isExternalStop reports whether an observed order/algo qualifies as an
// external takeover for this side: a STOP_MARKET/STOP or
// TAKE_PROFIT_MARKET/TAKE_PROFIT with closePosition=true or
// reduceOnly=true, that we did not place ourselves.
func isExternalStop(orderType coretypes.OrderType, closePosition, reduceOnly bool, clientOrderID string, ours bool) bool {
	if ours {
		return false
	}
	switch orderType {
	case coretypes.OrderTypeStopMarket, "STOP", "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
	default:
		return false
	}
	return closePosition || reduceOnly
}

// OnOrderUpdate feeds a normal ORDER_TRADE_UPDATE into the takeover latch
// and into this manager's own-order bookkeeping when it recognizes its own
// client id. A terminal event on an external order never releases the
// latch here: another external order may still be resident on this side,
// and a websocket stream can silently miss events across a disconnect.
// Release only happens in ReconcileExternal, gated by a REST pass over raw
// open orders and algo orders.
func (m *ProtectiveStopManager) OnOrderUpdate(u coretypes.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(u.Symbol, u.PositionSide)

	ours := m.matchesOurPrefix(u.Symbol, u.PositionSide, u.ClientOrderID)
	if ours {
		if u.Status.Terminal() && u.Status != coretypes.OrderStatusFilled {
			if u.OrderID == s.ourOrderID {
				s.haveOurOrder = false
			}
		}
		return
	}

	if u.Status.Terminal() {
		return
	}

	if isExternalStop(u.OrderType, u.ClosePosition, u.ReduceOnly, u.ClientOrderID, ours) {
		m.armExternalLatch(s, u.OrderID, "stop")
	}
}

// OnAlgoOrderUpdate feeds an ALGO_UPDATE event (conditional-order service)
// into the same latch, since some venues route closePosition stops through
// a separate algo pipeline that ccxt reports independently of normal order
// updates. As with OnOrderUpdate, a terminal event never releases the
// latch; only ReconcileExternal's REST pass does.
func (m *ProtectiveStopManager) OnAlgoOrderUpdate(u coretypes.AlgoOrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(u.Symbol, u.PositionSide)

	ours := m.matchesOurPrefix(u.Symbol, u.PositionSide, u.ClientAlgoID)
	if ours {
		return
	}
	if u.Status == "CANCELED" || u.Status == "FILLED" || u.Status == "EXPIRED" {
		return
	}
	if u.ClosePosition || u.ReduceOnly {
		m.armExternalLatch(s, u.AlgoID, "algo")
	}
}

func (m *ProtectiveStopManager) armExternalLatch(s *stopState, externalID, kind string) {
	alreadyArmed := s.externalLatch
	sameID := s.externalOrderID == externalID
	s.externalLatch = true
	if alreadyArmed && !sameID && !s.multiExternalWarned {
		s.multiExternalWarned = true
		log.Printf("risk: protective-stop %s %s: multiple external stops/tps observed (now %s, was %s)", s.symbol, s.side, externalID, s.externalOrderID)
	}
	s.externalOrderID = externalID
	s.externalOrderKind = kind
}

// OpenOrderView is the reconciliation-friendly order row ReconcileExternal
// consumes, mirroring exchange.ExternalOrderView without this package
// depending on the exchange package: the orchestrator owns the conversion.
type OpenOrderView struct {
	OrderID       string
	ClientOrderID string
	PositionSide  coretypes.PositionSide
	OrderType     coretypes.OrderType
	ReduceOnly    bool
	ClosePosition bool
	StopPrice     decimal.Decimal
	IsAlgo        bool
}

// mergeOpenOrders is the algo/raw open-order de-duplication and
// own/external classification pass: RESTClient.ReconcileOpenOrders
// concatenates the normal and algo-pipeline listings without deduping,
// since a venue can report the same closePosition stop on both endpoints.
// Rows are keyed by order_id, or by client_id for a row that has no
// order_id (an algo order the venue hasn't assigned one yet); a row with an
// order_id and a row without one are never matched to each other. Of what
// survives dedup, the first row matching our own
// clientOrderId prefix is "own"; the first non-matching
// closePosition/reduceOnly STOP_MARKET is "external".
func mergeOpenOrders(views []OpenOrderView, ours func(clientOrderID string) bool) (own, external *OpenOrderView) {
	seen := make(map[string]bool, len(views))
	for i := range views {
		v := views[i]
		if v.OrderType != coretypes.OrderTypeStopMarket || !(v.ClosePosition || v.ReduceOnly) {
			continue
		}
		dedupKey := v.OrderID
		if dedupKey == "" {
			dedupKey = v.ClientOrderID
		}
		if dedupKey != "" {
			if seen[dedupKey] {
				continue
			}
			seen[dedupKey] = true
		}
		if ours(v.ClientOrderID) {
			if own == nil {
				own = &v
			}
			continue
		}
		if external == nil {
			external = &v
		}
	}
	return own, external
}

// isValidExternalStopPrice reports whether an externally-observed stop
// price sits on the side of the liquidation price it needs to actually
// trigger before liquidation, within tolerance: at or above liquidation for
// LONG, at or below for SHORT. Beyond tolerance on the wrong side, the
// external order can never protect the position and is not a legitimate
// takeover candidate.
func isValidExternalStopPrice(side coretypes.PositionSide, stopPrice, liquidationPrice, tolerance decimal.Decimal) bool {
	if stopPrice.IsZero() || liquidationPrice.IsZero() {
		return true
	}
	margin := liquidationPrice.Mul(tolerance).Abs()
	if side == coretypes.PositionSideLong {
		return stopPrice.GreaterThanOrEqual(liquidationPrice.Sub(margin))
	}
	return stopPrice.LessThanOrEqual(liquidationPrice.Add(margin))
}

func externalKind(v OpenOrderView) string {
	if v.IsAlgo {
		return "algo"
	}
	return "stop"
}

// ReconcileExternal is the REST-verified counterpart to the websocket-driven
// latch: a terminal websocket event never releases the external-takeover
// latch by itself (multiple externals may coexist, and the stream can miss
// events), so release only happens here, after a REST pass over raw open
// orders and algo orders confirms no qualifying external stop/tp remains.
// It also recognizes this process's own already-resident stop across a
// restart or reconnect via the stable cross-run clientOrderId prefix,
// preventing a duplicate placement, and takes over from an external stop
// whose price sits on the wrong side of the liquidation price by more than
// ExternalStopPriceTolerance — such an order could never trigger before
// liquidation, so it is canceled rather than respected.
func (m *ProtectiveStopManager) ReconcileExternal(pos coretypes.Position, tolerance decimal.Decimal, views []OpenOrderView) {
	m.mu.Lock()
	s := m.getOrCreate(pos.Symbol, pos.Side)
	symbol, side := s.symbol, s.side

	own, external := mergeOpenOrders(views, func(clientOrderID string) bool {
		return m.matchesOurPrefix(symbol, side, clientOrderID)
	})

	if own != nil {
		s.haveOurOrder = true
		s.ourOrderID = own.OrderID
		s.ourClientOrderID = own.ClientOrderID
		s.ourStopPrice = own.StopPrice
	} else {
		s.haveOurOrder = false
		s.ourOrderID, s.ourClientOrderID, s.ourStopPrice = "", "", decimal.Zero
	}

	if external == nil {
		releasedID := s.externalOrderID
		wasArmed := s.externalLatch
		s.externalLatch = false
		s.externalOrderID = ""
		s.externalOrderKind = ""
		s.multiExternalWarned = false
		m.mu.Unlock()
		if wasArmed {
			log.Printf("risk: protective-stop %s %s: REST reconciliation confirms external %s gone, resuming ownership", symbol, side, releasedID)
		}
		return
	}

	if !isValidExternalStopPrice(side, external.StopPrice, pos.LiquidationPrice, tolerance) {
		invalidID := external.OrderID
		if s.externalOrderID == invalidID {
			s.externalLatch = false
			s.externalOrderID = ""
			s.externalOrderKind = ""
			s.multiExternalWarned = false
		}
		m.mu.Unlock()
		log.Printf("risk: protective-stop %s %s: external %s stop_price=%s invalid vs liquidation=%s (tolerance=%s), canceling and taking over",
			symbol, side, invalidID, external.StopPrice, pos.LiquidationPrice, tolerance)
		if err := m.exch.CancelOrder(symbol, invalidID, ""); err != nil {
			log.Printf("risk: protective-stop %s %s: cancel invalid external %s failed: %v", symbol, side, invalidID, err)
		}
		return
	}

	m.armExternalLatch(s, external.OrderID, externalKind(*external))
	m.mu.Unlock()
}

// SyncSymbol is the periodic reconciliation+placement entry point. The
// orchestrator calls it on every tick per (symbol, side) with a non-zero
// position; no debounce is applied, and the SyncDebounce* fields of Config
// are not read. It places the stop if absent, tightens it if a safer price
// is now warranted, and does nothing at all while an external takeover
// latch is armed.
func (m *ProtectiveStopManager) SyncSymbol(
	pos coretypes.Position,
	r coretypes.InstrumentRules,
	d decimal.Decimal,
	seq int64,
	nowMs int64,
) {
	m.mu.Lock()
	s := m.getOrCreate(pos.Symbol, pos.Side)

	if pos.IsZero() {
		if s.haveOurOrder {
			orderID, clientID := s.ourOrderID, s.ourClientOrderID
			symbol := s.symbol
			s.haveOurOrder = false
			s.ourOrderID, s.ourClientOrderID, s.ourStopPrice = "", "", decimal.Zero
			m.mu.Unlock()
			if err := m.exch.CancelOrder(symbol, orderID, clientID); err != nil {
				log.Printf("risk: protective-stop %s %s: cancel on position close failed: %v", symbol, pos.Side, err)
			}
			return
		}
		m.mu.Unlock()
		return
	}

	if s.externalLatch {
		if m.shouldLogSkipLocked(s, nowMs, "external_stop_present", s.externalOrderID) {
			log.Printf("risk: protective-stop %s %s: skip, external %s present (id=%s)", s.symbol, s.side, s.externalOrderKind, s.externalOrderID)
		}
		m.mu.Unlock()
		return
	}

	if pos.LiquidationPrice.IsZero() {
		m.mu.Unlock()
		return
	}

	target := computeStopPrice(pos.Side, pos.LiquidationPrice, d, r.TickSize)

	if !s.haveOurOrder {
		clientID := m.buildClientOrderID(pos.Symbol, pos.Side, seq)
		symbol, side := s.symbol, s.side
		m.mu.Unlock()
		m.place(symbol, side, pos.Side, target, clientID, r, s)
		return
	}

	if !tighter(pos.Side, target, s.ourStopPrice) {
		m.mu.Unlock()
		return
	}

	oldOrderID, oldClientID := s.ourOrderID, s.ourClientOrderID
	newClientID := m.buildClientOrderID(pos.Symbol, pos.Side, seq)
	symbol, side := s.symbol, s.side
	m.mu.Unlock()

	if err := m.exch.CancelOrder(symbol, oldOrderID, oldClientID); err != nil {
		log.Printf("risk: protective-stop %s %s: cancel-before-replace failed: %v", symbol, side, err)
		return
	}
	m.place(symbol, side, pos.Side, target, newClientID, r, s)
}

func (m *ProtectiveStopManager) shouldLogSkipLocked(s *stopState, nowMs int64, reason, externalID string) bool {
	return s.shouldLogSkip(nowMs, reason, externalID, m.logThrottleMs)
}

func (m *ProtectiveStopManager) place(
	symbol string,
	side coretypes.PositionSide,
	posSide coretypes.PositionSide,
	stopPrice decimal.Decimal,
	clientOrderID string,
	r coretypes.InstrumentRules,
	s *stopState,
) {
	orderSide := coretypes.OrderSideSell
	if posSide == coretypes.PositionSideShort {
		orderSide = coretypes.OrderSideBuy
	}

	intent := coretypes.OrderIntent{
		Symbol:        symbol,
		Side:          orderSide,
		PositionSide:  posSide,
		OrderType:     coretypes.OrderTypeStopMarket,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClosePosition: true,
		ClientOrderID: clientOrderID,
		IsRisk:        true,
	}

	res, err := m.exch.SubmitStop(intent)
	if err != nil {
		log.Printf("risk: protective-stop %s %s: submit failed: %v", symbol, side, err)
		return
	}
	if !res.Success {
		log.Printf("risk: protective-stop %s %s: submit rejected: %s %s", symbol, side, res.ErrorCode, res.ErrorMessage)
		return
	}

	m.mu.Lock()
	s.haveOurOrder = true
	s.ourOrderID = res.OrderID
	s.ourClientOrderID = clientOrderID
	s.ourStopPrice = stopPrice
	s.lastSyncMs = time.Now().UnixMilli()
	m.mu.Unlock()

	log.Printf("risk: protective-stop %s %s: placed at %s (order_id=%s)", symbol, side, stopPrice, res.OrderID)
}
