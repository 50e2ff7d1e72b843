package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testRules() coretypes.InstrumentRules {
	return coretypes.InstrumentRules{
		Symbol: "BTCUSDT", TickSize: d("0.01"), StepSize: d("0.001"),
		MinQty: d("0.001"), MinNotional: d("5"),
	}
}

func testConfig() Config {
	return Config{
		OrderTTLMs:               800,
		RepostCooldownMs:         100,
		CancelTimeoutMs:          3000,
		BaseLotMult:              d("1"),
		MakerPriceMode:           MakerPriceInsideSpread1Tick,
		MakerSafetyTicks:         1,
		MakerTimeoutsToEscalate:  2,
		AggrFillsToDeescalate:    1,
		AggrTimeoutsToDeescalate: 2,
		MaxMult:                  d("50"),
		MaxOrderNotional:         d("200"),
		ClientOrderIDPrefix:      "vq",
		RunID:                    "run1",
	}
}

func TestNewRejectsSafetyTicksBelowOne(t *testing.T) {
	cfg := testConfig()
	cfg.MakerSafetyTicks = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for maker_safety_ticks < 1")
	}
}

// S1: min_qty qty is below min_notional and enlarging within the (tiny)
// position still can't reach it -> side is done, no submit.
func TestScenario1HappyMakerPathIsDoneUnderMinNotional(t *testing.T) {
	r := testRules()
	posAmt := d("0.010")
	lastPrice := d("200.00")
	if !IsPositionDone(posAmt, lastPrice, r) {
		t.Fatalf("expected position to be done under min_notional per S1")
	}
}

func TestComputeQtyEnlargesWithinPositionForMinNotional(t *testing.T) {
	r := testRules()
	qty, ok := ComputeQty(d("1.0"), d("200"), r, d("1"), d("1"), d("1"), d("50"), d("200"))
	if !ok {
		t.Fatalf("expected a computable qty")
	}
	if got := qty.Mul(d("200")); got.LessThan(r.MinNotional) {
		t.Fatalf("qty*price %s below min_notional", got)
	}
}

func TestComputeQtyCapsAtMaxOrderNotional(t *testing.T) {
	r := testRules()
	qty, ok := ComputeQty(d("5.0"), d("200"), r, d("1"), d("10"), d("10"), d("50"), d("200"))
	if !ok {
		t.Fatalf("expected computable qty")
	}
	if got := qty.Mul(d("200")); got.GreaterThan(d("200")) {
		t.Fatalf("qty*price %s exceeds max_order_notional", got)
	}
}

func TestBuildMakerPriceEnforcesSafetyDistance(t *testing.T) {
	r := testRules()
	snap := coretypes.MarketSnapshot{BestBid: d("199.99"), BestAsk: d("200.00")}
	// SELL: opposite touch is ask; inside_spread_1tick would be 199.99 which
	// violates safety (bid+1tick=200.00); expect it floored to 200.00? Safety
	// requires price >= bid + safety*tick = 199.99+0.01=200.00.
	price := BuildMakerPrice(coretypes.OrderSideSell, snap, r, MakerPriceInsideSpread1Tick, 1, 1)
	if price.LessThan(d("200.00")) {
		t.Fatalf("expected sell price >= safety floor 200.00, got %s", price)
	}
}

// S2: escalation after maker_timeout_count reaches the configured base of 2.
func TestScenario2EscalatesAfterTwoMakerTimeouts(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := eng.State("BTCUSDT", coretypes.PositionSideLong)
	s.State = coretypes.StateIdle

	snap := coretypes.MarketSnapshot{BestBid: d("199.98"), BestAsk: d("200.00"), LastTradePrice: d("200.00"), PreviousTradePrice: d("199.99"), HaveQuote: true, TradeCount: 2}
	pos := coretypes.Position{PositionAmt: d("10.0"), EntryPrice: d("200")}
	r := testRules()
	sig := coretypes.ExitSignal{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, RoiMult: d("1"), AccelMult: d("1")}

	intent, ok := eng.Decide(sig, pos, r, snap, 1000, false, 0)
	if !ok {
		t.Fatalf("expected intent")
	}
	eng.OnOrderPlaced("BTCUSDT", coretypes.PositionSideLong, "oid1", 1000)

	// first timeout at t=1800
	if _, shouldCancel := eng.CheckTimeout("BTCUSDT", coretypes.PositionSideLong, 1800); !shouldCancel {
		t.Fatalf("expected first TTL timeout to request a cancel")
	}
	eng.handleCanceledLocked(s)
	eng.CheckCooldown("BTCUSDT", coretypes.PositionSideLong, 1800)
	eng.CheckCooldown("BTCUSDT", coretypes.PositionSideLong, 1901)
	if s.State != coretypes.StateIdle {
		t.Fatalf("expected IDLE after cooldown, got %s", s.State)
	}
	if s.Mode != coretypes.ModeMakerOnly {
		t.Fatalf("expected still MAKER_ONLY after 1 timeout, got %s", s.Mode)
	}

	// second signal/order/timeout cycle
	intent, ok = eng.Decide(sig, pos, r, snap, 2000, false, 0)
	if !ok {
		t.Fatalf("expected second intent")
	}
	eng.OnOrderPlaced("BTCUSDT", coretypes.PositionSideLong, "oid2", 2000)
	if _, shouldCancel := eng.CheckTimeout("BTCUSDT", coretypes.PositionSideLong, 2800); !shouldCancel {
		t.Fatalf("expected second TTL timeout to request a cancel")
	}
	if s.Mode != coretypes.ModeAggressiveLimit {
		t.Fatalf("expected escalation to AGGRESSIVE_LIMIT after 2 maker timeouts, got %s", s.Mode)
	}
	_ = intent
}

// S6: a lost cancel ack still recovers to COOLDOWN, and a late CANCELED
// update is tolerated without deadlocking the state machine.
func TestScenario6LostCancelAckRecoversViaCooldown(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := eng.State("BTCUSDT", coretypes.PositionSideLong)
	s.State = coretypes.StateCanceling
	s.CurrentOrderID = "oid1"
	s.CurrentClientOrderID = "vq-run1-1"
	s.CancelIssuedMs = 1000

	eng.CheckTimeout("BTCUSDT", coretypes.PositionSideLong, 1000+eng.cfg.CancelTimeoutMs)
	if s.State != coretypes.StateCooldown {
		t.Fatalf("expected COOLDOWN after lost cancel ack grace, got %s", s.State)
	}

	// late CANCELED update still processed without panicking or changing
	// state incorrectly.
	eng.OnOrderUpdate(coretypes.OrderUpdate{
		Symbol: "BTCUSDT", PositionSide: coretypes.PositionSideLong,
		OrderID: "oid1", ClientOrderID: "vq-run1-1", Status: coretypes.OrderStatusCanceled,
	})
	if s.State != coretypes.StateCooldown {
		t.Fatalf("late cancel ack should not move state away from COOLDOWN, got %s", s.State)
	}

	eng.CheckCooldown("BTCUSDT", coretypes.PositionSideLong, 1000+eng.cfg.CancelTimeoutMs)
	eng.CheckCooldown("BTCUSDT", coretypes.PositionSideLong, 1000+eng.cfg.CancelTimeoutMs+eng.cfg.RepostCooldownMs+1)
	if s.State != coretypes.StateIdle {
		t.Fatalf("expected eventual recovery to IDLE, got %s", s.State)
	}
}

func TestHasRunPrefixRejectsForeignOrders(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	own := eng.nextClientOrderID()
	if !eng.HasRunPrefix(own) {
		t.Fatalf("expected own client id to carry the run prefix")
	}
	if eng.HasRunPrefix("some-other-process-id-1") {
		t.Fatalf("expected foreign client id to be rejected")
	}
}
