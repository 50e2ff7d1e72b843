package signal

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

func newTestEngine() *Engine {
	return New(Config{
		MinSignalIntervalMs: 200,
		AccelWindowMs:       5000,
		AccelTiers: []AccelTier{
			{Ret: d("0.01"), Mult: d("2")},
			{Ret: d("0.02"), Mult: d("3")},
		},
		RoiTiers: []RoiTier{
			{Roi: d("0.5"), Mult: d("2")},
		},
	})
}

// S1-style happy path: long_primary fires when last > prev and bid >= last.
func TestEvaluateLongPrimary(t *testing.T) {
	e := newTestEngine()
	e.OnQuote("BTCUSDT", d("199.98"), d("200.00"), 1000)
	e.OnTrade("BTCUSDT", d("199.99"), 1000)
	e.OnTrade("BTCUSDT", d("200.00"), 1100)
	// re-set bid to cross the new last so long_primary's bid>=last holds
	e.OnQuote("BTCUSDT", d("200.00"), d("200.02"), 1100)

	pos := coretypes.Position{PositionAmt: d("0.01"), EntryPrice: d("200")}
	sig, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 1100, 1500)
	if !ok {
		t.Fatalf("expected a signal to fire")
	}
	if sig.Reason != coretypes.ReasonLongPrimary {
		t.Fatalf("expected long_primary, got %s", sig.Reason)
	}
}

func TestEvaluateThrottlesWithinMinInterval(t *testing.T) {
	e := newTestEngine()
	e.OnQuote("BTCUSDT", d("200.00"), d("200.02"), 1000)
	e.OnTrade("BTCUSDT", d("199.99"), 1000)
	e.OnTrade("BTCUSDT", d("200.00"), 1100)

	pos := coretypes.Position{PositionAmt: d("0.01"), EntryPrice: d("200")}
	if _, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 1100, 1500); !ok {
		t.Fatalf("expected first signal to fire")
	}
	// second evaluate within min_signal_interval_ms (200) must be suppressed
	if _, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 1150, 1500); ok {
		t.Fatalf("expected throttle to suppress a signal within the interval")
	}
	// after the interval it fires again
	if _, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 1301, 1500); !ok {
		t.Fatalf("expected signal to fire again after min_signal_interval_ms elapsed")
	}
}

func TestEvaluateRejectsStaleSnapshot(t *testing.T) {
	e := newTestEngine()
	e.OnQuote("BTCUSDT", d("200.00"), d("200.02"), 1000)
	e.OnTrade("BTCUSDT", d("199.99"), 1000)
	e.OnTrade("BTCUSDT", d("200.00"), 1000)

	pos := coretypes.Position{PositionAmt: d("0.01"), EntryPrice: d("200")}
	if _, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 3000, 1500); ok {
		t.Fatalf("expected stale snapshot to suppress signal")
	}
}

func TestEvaluateNotReadyBeforeTwoTrades(t *testing.T) {
	e := newTestEngine()
	e.OnQuote("BTCUSDT", d("200.00"), d("200.02"), 1000)
	e.OnTrade("BTCUSDT", d("199.99"), 1000)

	pos := coretypes.Position{PositionAmt: d("0.01"), EntryPrice: d("200")}
	if _, ok := e.Evaluate("BTCUSDT", coretypes.PositionSideLong, pos, 1, 1000, 1500); ok {
		t.Fatalf("expected not-ready snapshot (only one trade) to suppress signal")
	}
}

func TestHighestAccelMultPicksHighestNotClosest(t *testing.T) {
	tiers := []AccelTier{
		{Ret: d("0.01"), Mult: d("2")},
		{Ret: d("0.02"), Mult: d("3")},
	}
	got := highestAccelMult(tiers, d("0.025"), coretypes.PositionSideLong)
	if !got.Equal(d("3")) {
		t.Fatalf("expected highest satisfied mult 3, got %s", got)
	}
}

func TestHighestAccelMultShortIsDirectionAware(t *testing.T) {
	tiers := []AccelTier{{Ret: d("0.01"), Mult: d("2")}}
	if got := highestAccelMult(tiers, d("-0.015"), coretypes.PositionSideShort); !got.Equal(d("2")) {
		t.Fatalf("expected tier satisfied for negative ret_window on SHORT, got %s", got)
	}
	if got := highestAccelMult(tiers, d("0.015"), coretypes.PositionSideShort); !got.Equal(d("1")) {
		t.Fatalf("expected default 1 for positive ret_window on SHORT, got %s", got)
	}
}
