package risk

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

type fakeEngine struct {
	calls map[string]bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{calls: map[string]bool{}} }

func (f *fakeEngine) ForceAggressive(symbol string, side coretypes.PositionSide, force bool) {
	f.calls[symbol+"/"+string(side)] = force
}

type fakeExchange struct{}

func (fakeExchange) SubmitStop(coretypes.OrderIntent) (coretypes.OrderResult, error) {
	return coretypes.OrderResult{Success: true, OrderID: "stop1"}, nil
}
func (fakeExchange) CancelOrder(string, string, string) error { return nil }

func testCfg() Config {
	return Config{
		LiqDistanceThreshold: d("0.015"),
		HysteresisMargin:     d("0.005"),
		PanicTiers: []PanicTier{
			{D: d("0.01"), SliceRatio: d("0.5"), TTLPercent: d("0.5"), MakerTimeoutsToEscalate: 1},
			{D: d("0.005"), SliceRatio: d("1"), TTLPercent: d("0.25"), MakerTimeoutsToEscalate: 1},
		},
		ProtectiveStopEnabled:      true,
		ProtectiveStopDistToLiq:    d("0.02"),
		ExternalStopPriceTolerance: d("0.0001"),
		ClientOrderIDStablePrefix:  "stop",
	}
}

// S3-adjacent: Tier 1 arms at the threshold and releases only once d rises
// past threshold+hysteresis, not merely back above threshold.
func TestTier1ArmsAndReleasesWithHysteresis(t *testing.T) {
	eng := newFakeEngine()
	s := NewSupervisor(testCfg(), eng, fakeExchange{})

	pos := coretypes.Position{Symbol: "BTCUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("1"), EntryPrice: d("200"), MarkPrice: d("197.05"), LiquidationPrice: d("200")}
	r := coretypes.InstrumentRules{Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("5")}

	_, flag := eng2Supervise(s, pos, r)
	if !flag.IsTriggered {
		t.Fatalf("expected tier 1 to arm when d <= threshold")
	}
	if !eng.calls["BTCUSDT/LONG"] {
		t.Fatalf("expected ForceAggressive(true) to have been called")
	}

	// d rises back above threshold but still within hysteresis band: stays armed.
	pos.MarkPrice = d("204")
	_, flag = eng2Supervise(s, pos, r)
	if !flag.IsTriggered {
		t.Fatalf("expected tier 1 to stay armed within hysteresis band")
	}

	// d rises past threshold+hysteresis: releases.
	pos.MarkPrice = d("210")
	_, flag = eng2Supervise(s, pos, r)
	if flag.IsTriggered {
		t.Fatalf("expected tier 1 to release past hysteresis margin")
	}
	if eng.calls["BTCUSDT/LONG"] {
		t.Fatalf("expected ForceAggressive(false) to have been called last")
	}
}

func eng2Supervise(s *Supervisor, pos coretypes.Position, r coretypes.InstrumentRules) (*coretypes.OrderIntent, RiskFlag) {
	return s.OnMarkUpdate(pos, r, 800)
}

// S5: panic close fires the most-dangerous satisfied tier and bypasses the
// signal engine entirely via IsRisk=true.
func TestScenario5PanicCloseFiresMostDangerousTier(t *testing.T) {
	s := NewSupervisor(testCfg(), newFakeEngine(), fakeExchange{})
	pos := coretypes.Position{Symbol: "ETHUSDT", Side: coretypes.PositionSideShort, PositionAmt: d("2"), EntryPrice: d("100"), MarkPrice: d("100.4"), LiquidationPrice: d("100.9")}
	r := coretypes.InstrumentRules{Symbol: "ETHUSDT", TickSize: d("0.01"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("5")}

	intent, _ := s.OnMarkUpdate(pos, r, 1000)
	if intent == nil {
		t.Fatalf("expected a panic intent when d <= most dangerous tier")
	}
	if !intent.IsRisk {
		t.Fatalf("expected panic intent to carry IsRisk=true")
	}
	if !intent.Qty.Equal(d("2")) {
		t.Fatalf("expected full 100%% slice at the most dangerous tier, got %s", intent.Qty)
	}
}

func TestPanicNotTriggeredWhenDistanceSafe(t *testing.T) {
	s := NewSupervisor(testCfg(), newFakeEngine(), fakeExchange{})
	pos := coretypes.Position{Symbol: "ETHUSDT", Side: coretypes.PositionSideLong, PositionAmt: d("2"), EntryPrice: d("100"), MarkPrice: d("90"), LiquidationPrice: d("80")}
	r := coretypes.InstrumentRules{Symbol: "ETHUSDT", TickSize: d("0.01"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("5")}

	intent, _ := s.OnMarkUpdate(pos, r, 1000)
	if intent != nil {
		t.Fatalf("expected no panic intent far from liquidation")
	}
}
