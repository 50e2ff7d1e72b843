package rules

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

func TestCacheSetValidatesInvariants(t *testing.T) {
	cases := []struct {
		name    string
		rules   coretypes.InstrumentRules
		wantErr bool
	}{
		{
			name: "valid",
			rules: coretypes.InstrumentRules{
				Symbol: "BTCUSDT", TickSize: d("0.01"), StepSize: d("0.001"),
				MinQty: d("0.001"), MinNotional: d("5"),
			},
			wantErr: false,
		},
		{
			name: "step_gt_min_qty",
			rules: coretypes.InstrumentRules{
				Symbol: "BTCUSDT", TickSize: d("0.01"), StepSize: d("0.01"),
				MinQty: d("0.001"), MinNotional: d("5"),
			},
			wantErr: true,
		},
		{
			name: "zero_tick",
			rules: coretypes.InstrumentRules{
				Symbol: "BTCUSDT", TickSize: d("0"), StepSize: d("0.001"),
				MinQty: d("0.001"), MinNotional: d("5"),
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCache()
			err := c.Set(tc.rules)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Set() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRoundDownToStepIsIdempotent(t *testing.T) {
	step := d("0.001")
	x := d("0.0137")
	once := RoundQtyDown(x, step)
	twice := RoundQtyDown(once, step)
	if !once.Equal(twice) {
		t.Fatalf("round-down not idempotent: once=%s twice=%s", once, twice)
	}
	if !once.Equal(d("0.013")) {
		t.Fatalf("got %s, want 0.013", once)
	}
}

func TestRoundUpToTick(t *testing.T) {
	tick := d("0.01")
	if got := RoundPriceUp(d("151.5152"), tick); !got.Equal(d("151.52")) {
		t.Fatalf("got %s, want 151.52", got)
	}
	// already on grid: no-op
	if got := RoundPriceUp(d("151.52"), tick); !got.Equal(d("151.52")) {
		t.Fatalf("got %s, want 151.52", got)
	}
}

func TestRoundDownToTick(t *testing.T) {
	tick := d("0.01")
	if got := RoundPriceDown(d("153.5354"), tick); !got.Equal(d("153.53")) {
		t.Fatalf("got %s, want 153.53", got)
	}
}

func TestEnsureMinNotionalEnlargesWithinPosition(t *testing.T) {
	// S1 from the scenario table: min_qty 0.001 at price 200 is 0.20 < 5.
	// Position magnitude is only 0.010, so even enlarging to the whole
	// position (0.010 * 200 = 2.00) cannot reach min_notional 5 -> not ok.
	qty, ok := EnsureMinNotional(d("0.001"), d("200"), d("5"), d("0.001"), d("0.010"))
	if ok {
		t.Fatalf("expected min_notional unsatisfiable, got qty=%s ok=%v", qty, ok)
	}
	if !qty.Equal(d("0.010")) {
		t.Fatalf("expected enlarge to cap at position size 0.010, got %s", qty)
	}
}

func TestEnsureMinNotionalSucceedsWhenPositionLarge(t *testing.T) {
	qty, ok := EnsureMinNotional(d("0.001"), d("200"), d("5"), d("0.001"), d("1.0"))
	if !ok {
		t.Fatalf("expected min_notional satisfiable")
	}
	if got := qty.Mul(d("200")); got.LessThan(d("5")) {
		t.Fatalf("enlarged qty %s * price still below min_notional: %s", qty, got)
	}
}
