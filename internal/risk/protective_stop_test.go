package risk

import (
	"testing"

	"trading-core/internal/coretypes"
)

type recordingExchange struct {
	submits []coretypes.OrderIntent
	cancels []string
	nextID  int
}

func (r *recordingExchange) SubmitStop(intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	r.nextID++
	r.submits = append(r.submits, intent)
	return coretypes.OrderResult{Success: true, OrderID: "stop" + string(rune('0'+r.nextID))}, nil
}
func (r *recordingExchange) CancelOrder(symbol, orderID, clientOrderID string) error {
	r.cancels = append(r.cancels, orderID)
	return nil
}

func testRules() coretypes.InstrumentRules {
	return coretypes.InstrumentRules{Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("5")}
}

// S3: the stop places on first sync and only re-places (tightens) as the
// position shrinks and liquidation moves closer, never loosening.
func TestScenario3ProtectiveStopMonotoneTightening(t *testing.T) {
	exch := &recordingExchange{}
	m := newProtectiveStopManager(exch, "stop")
	r := testRules()

	pos := coretypes.Position{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("1"), LiquidationPrice: d("190")}
	m.SyncSymbol(pos, r, d("0.02"), 1, 1000)
	if len(exch.submits) != 1 {
		t.Fatalf("expected one submit on first sync, got %d", len(exch.submits))
	}
	first := m.states[sideKey{"BTCUSDT", coretypes.PositionSideLong}].ourStopPrice

	// liquidation moves closer (position shrank): stop must tighten (move up for LONG).
	pos.LiquidationPrice = d("195")
	m.SyncSymbol(pos, r, d("0.02"), 2, 2000)
	if len(exch.submits) != 2 {
		t.Fatalf("expected a replace submit after liquidation moved closer, got %d submits", len(exch.submits))
	}
	if len(exch.cancels) != 1 {
		t.Fatalf("expected the old stop to be canceled before replace, got %d cancels", len(exch.cancels))
	}
	second := m.states[sideKey{"BTCUSDT", coretypes.PositionSideLong}].ourStopPrice
	if !second.GreaterThan(first) {
		t.Fatalf("expected tightened stop price %s > previous %s for LONG (triggers sooner)", second, first)
	}

	// liquidation moves farther away (would loosen): must NOT replace.
	pos.LiquidationPrice = d("150")
	m.SyncSymbol(pos, r, d("0.02"), 3, 3000)
	if len(exch.submits) != 2 {
		t.Fatalf("expected no replace when the candidate stop would be looser, got %d submits", len(exch.submits))
	}
}

// S4: an externally-placed stop arms the takeover latch and this manager
// backs off entirely until a REST reconciliation confirms it's gone. A
// terminal websocket event on that same order must NOT release the latch by
// itself, since another external order could still be resident.
func TestScenario4ExternalTakeoverLatchSuppressesOwnership(t *testing.T) {
	exch := &recordingExchange{}
	m := newProtectiveStopManager(exch, "stop")
	r := testRules()
	pos := coretypes.Position{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("1"), LiquidationPrice: d("190")}

	m.OnOrderUpdate(coretypes.OrderUpdate{
		Symbol: "BTCUSDT", PositionSide: coretypes.PositionSideLong,
		OrderID: "ext1", ClientOrderID: "someone-elses-bot-42",
		OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true,
		Status: coretypes.OrderStatusNew,
	})

	m.SyncSymbol(pos, r, d("0.02"), 1, 1000)
	if len(exch.submits) != 0 {
		t.Fatalf("expected no submit while an external stop holds the takeover latch")
	}

	// a terminal websocket event on that order must not release the latch by itself.
	m.OnOrderUpdate(coretypes.OrderUpdate{
		Symbol: "BTCUSDT", PositionSide: coretypes.PositionSideLong,
		OrderID: "ext1", ClientOrderID: "someone-elses-bot-42",
		OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true,
		Status: coretypes.OrderStatusCanceled,
	})
	m.SyncSymbol(pos, r, d("0.02"), 2, 2000)
	if len(exch.submits) != 0 {
		t.Fatalf("expected the latch to stay armed after a websocket terminal event alone")
	}

	// REST reconciliation confirms no external stop remains: ownership resumes.
	m.ReconcileExternal(pos, d("0.0001"), nil)
	m.SyncSymbol(pos, r, d("0.02"), 3, 3000)
	if len(exch.submits) != 1 {
		t.Fatalf("expected ownership to resume and place a stop once REST reconciliation cleared the external one")
	}
}

// mergeOpenOrders matches primarily on order_id, falling back to client_id
// when either side lacks one, and classifies own-vs-external from the
// caller's clientOrderId predicate.
func TestMergeOpenOrdersDedupesAndClassifies(t *testing.T) {
	ours := func(clientOrderID string) bool { return clientOrderID == "stop-own-1" }

	views := []OpenOrderView{
		// same order reported by both the raw and algo endpoints: same order_id, dedup to one.
		{OrderID: "1", ClientOrderID: "ext-a", OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true},
		{OrderID: "1", ClientOrderID: "ext-a", OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true, IsAlgo: true},
		// algo order not yet assigned an order_id: falls back to client_id match against itself, so it survives.
		{OrderID: "", ClientOrderID: "stop-own-1", OrderType: coretypes.OrderTypeStopMarket, ReduceOnly: true},
		// not a qualifying reduce-only/closePosition stop: excluded entirely.
		{OrderID: "2", ClientOrderID: "limit-1", OrderType: coretypes.OrderTypeLimit},
	}

	own, external := mergeOpenOrders(views, ours)
	if own == nil || own.ClientOrderID != "stop-own-1" {
		t.Fatalf("expected own order stop-own-1, got %+v", own)
	}
	if external == nil || external.OrderID != "1" {
		t.Fatalf("expected one deduped external order_id=1, got %+v", external)
	}
}

func TestIsValidExternalStopPrice(t *testing.T) {
	tol := d("0.0001")
	if !isValidExternalStopPrice(coretypes.PositionSideLong, d("190.5"), d("190"), tol) {
		t.Fatalf("expected LONG stop above liquidation to be valid")
	}
	if isValidExternalStopPrice(coretypes.PositionSideLong, d("50"), d("190"), tol) {
		t.Fatalf("expected LONG stop far below liquidation to be invalid")
	}
	if !isValidExternalStopPrice(coretypes.PositionSideShort, d("189.5"), d("190"), tol) {
		t.Fatalf("expected SHORT stop below liquidation to be valid")
	}
	if isValidExternalStopPrice(coretypes.PositionSideShort, d("300"), d("190"), tol) {
		t.Fatalf("expected SHORT stop far above liquidation to be invalid")
	}
}

// An external stop on the wrong side of the liquidation price by more than
// tolerance can never trigger before liquidation: ReconcileExternal cancels
// it instead of treating it as a valid takeover latch.
func TestReconcileExternalCancelsInvalidExternalStop(t *testing.T) {
	exch := &recordingExchange{}
	m := newProtectiveStopManager(exch, "stop")
	pos := coretypes.Position{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("1"), LiquidationPrice: d("190")}

	views := []OpenOrderView{
		{OrderID: "bad1", ClientOrderID: "someone-elses-bot", OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true, StopPrice: d("50")},
	}
	m.ReconcileExternal(pos, d("0.0001"), views)

	if len(exch.cancels) != 1 || exch.cancels[0] != "bad1" {
		t.Fatalf("expected the invalid external stop to be canceled, got cancels=%v", exch.cancels)
	}
	s := m.states[sideKey{"BTCUSDT", coretypes.PositionSideLong}]
	if s.externalLatch {
		t.Fatalf("expected the latch to stay clear after canceling an invalid external stop")
	}
}

// ReconcileExternal recognizes this manager's own already-resident stop
// across a restart via the stable cross-run clientOrderId prefix, so a
// startup sync doesn't place a duplicate.
func TestReconcileExternalRecognizesOwnStopAcrossRestart(t *testing.T) {
	exch := &recordingExchange{}
	m := newProtectiveStopManager(exch, "stop")
	pos := coretypes.Position{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("1"), LiquidationPrice: d("190")}

	ownClientID := m.buildClientOrderID("BTCUSDT", coretypes.PositionSideLong, 1)
	// already at least as tight as what SyncSymbol would compute for d=0.02, so
	// recognizing it as ours must not also trigger a tighten-replace.
	views := []OpenOrderView{
		{OrderID: "resident1", ClientOrderID: ownClientID, OrderType: coretypes.OrderTypeStopMarket, ClosePosition: true, StopPrice: d("200")},
	}
	m.ReconcileExternal(pos, d("0.0001"), views)

	r := testRules()
	m.SyncSymbol(pos, r, d("0.02"), 2, 1000)
	if len(exch.submits) != 0 {
		t.Fatalf("expected no duplicate submit once the resident stop was recognized as our own, got %d", len(exch.submits))
	}
}

func TestComputeStopPriceLongIsAboveLiquidation(t *testing.T) {
	sp := computeStopPrice(coretypes.PositionSideLong, d("100"), d("0.02"), d("0.1"))
	if !sp.GreaterThan(d("100")) {
		t.Fatalf("expected LONG protective stop above liquidation price, got %s", sp)
	}
}

func TestComputeStopPriceShortIsBelowLiquidation(t *testing.T) {
	sp := computeStopPrice(coretypes.PositionSideShort, d("100"), d("0.02"), d("0.1"))
	if !sp.LessThan(d("100")) {
		t.Fatalf("expected SHORT protective stop below liquidation price, got %s", sp)
	}
}
