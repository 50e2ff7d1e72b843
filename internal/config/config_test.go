package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"trading-core/internal/execution"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

const minimalYAML = `
testnet: true
symbols: [BTCUSDT]
signal:
  min_signal_interval_ms: 200
  accel_window_ms: 1000
execution:
  order_ttl_ms: 800
risk:
  panic_tiers:
    - d: "0.01"
      slice_ratio: "0.3"
      ttl_percent: "50"
      maker_timeouts_to_escalate: 1
rate_limit:
  max_orders_per_sec: 5
  max_cancels_per_sec: 8
`

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadRequiresCredentials(t *testing.T) {
	path := writeFile(t, minimalYAML)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when BINANCE_API_KEY/SECRET are unset")
	}
}

func TestLoadSucceedsWithCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key123")
	t.Setenv("BINANCE_API_SECRET", "secret456")

	path := writeFile(t, minimalYAML)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r.APIKey != "key123" || r.APISecret != "secret456" {
		t.Fatalf("credentials not overlaid from environment: %+v", r)
	}
	if !r.Testnet {
		t.Fatalf("expected testnet=true")
	}
	if len(r.Symbols) != 1 || r.Symbols[0] != "BTCUSDT" {
		t.Fatalf("unexpected symbols: %v", r.Symbols)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	path := writeFile(t, "testnet: [this is not, a bool")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error for malformed yaml")
	}
}

func TestResolveAppliesDefaults(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	f := &File{Symbols: []string{"ETHUSDT"}}
	r, err := resolve(f)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if r.StaleDataMs != 1500 {
		t.Fatalf("StaleDataMs default = %d, want 1500", r.StaleDataMs)
	}
	if r.MaxOrdersPerSec != 5 {
		t.Fatalf("MaxOrdersPerSec default = %d, want 5", r.MaxOrdersPerSec)
	}
	if r.MaxCancelsPerSec != 8 {
		t.Fatalf("MaxCancelsPerSec default = %d, want 8", r.MaxCancelsPerSec)
	}
	if !r.ExecBase.BaseLotMult.Equal(d("1")) {
		t.Fatalf("BaseLotMult default = %s, want 1", r.ExecBase.BaseLotMult)
	}
	if !r.ExecBase.MaxMult.Equal(d("50")) {
		t.Fatalf("MaxMult default = %s, want 50", r.ExecBase.MaxMult)
	}
	if !r.ExecBase.MaxOrderNotional.Equal(d("200")) {
		t.Fatalf("MaxOrderNotional default = %s, want 200", r.ExecBase.MaxOrderNotional)
	}
	if r.ExecBase.MakerPriceMode != execution.MakerPriceInsideSpread1Tick {
		t.Fatalf("MakerPriceMode default = %v, want MakerPriceInsideSpread1Tick", r.ExecBase.MakerPriceMode)
	}
	if r.ExecBase.OrderTTLMs != 800 || r.ExecBase.RepostCooldownMs != 100 || r.ExecBase.CancelTimeoutMs != 3000 {
		t.Fatalf("unexpected execution timing defaults: %+v", r.ExecBase)
	}
	if r.ExecBase.MakerSafetyTicks != 1 || r.ExecBase.MakerTimeoutsToEscalate != 2 {
		t.Fatalf("unexpected execution escalation defaults: %+v", r.ExecBase)
	}
	if r.ExecBase.ClientOrderIDPrefix != "vq" {
		t.Fatalf("ClientOrderIDPrefix default = %q, want vq", r.ExecBase.ClientOrderIDPrefix)
	}
	if !r.ExecBase.FillRateFeedbackEnabled {
		t.Fatalf("FillRateFeedbackEnabled should default to true when unset")
	}
	if !r.RiskConfig.LiqDistanceThreshold.Equal(d("0.015")) {
		t.Fatalf("LiqDistanceThreshold default = %s, want 0.015", r.RiskConfig.LiqDistanceThreshold)
	}
	if !r.RiskConfig.ProtectiveStopDistToLiq.Equal(d("0.02")) {
		t.Fatalf("ProtectiveStopDistToLiq default = %s, want 0.02", r.RiskConfig.ProtectiveStopDistToLiq)
	}
	if r.RiskConfig.ClientOrderIDStablePrefix != "vqstop" {
		t.Fatalf("ClientOrderIDStablePrefix default = %q, want vqstop", r.RiskConfig.ClientOrderIDStablePrefix)
	}
}

func TestResolveFillRateFeedbackExplicitFalse(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	f := &File{}
	disabled := false
	f.Execution.FillRateFeedbackEnabled = &disabled
	r, err := resolve(f)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if r.ExecBase.FillRateFeedbackEnabled {
		t.Fatalf("expected FillRateFeedbackEnabled=false to be honored")
	}
}

func TestResolveMakerPriceModeSwitch(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	cases := []struct {
		mode string
		want execution.MakerPriceMode
	}{
		{"at_touch", execution.MakerPriceAtTouch},
		{"custom_ticks", execution.MakerPriceCustomTicks},
		{"", execution.MakerPriceInsideSpread1Tick},
		{"unknown", execution.MakerPriceInsideSpread1Tick},
	}
	for _, tc := range cases {
		f := &File{}
		f.Execution.MakerPriceMode = tc.mode
		r, err := resolve(f)
		if err != nil {
			t.Fatalf("resolve() error = %v", err)
		}
		if r.ExecBase.MakerPriceMode != tc.want {
			t.Fatalf("mode %q: got %v, want %v", tc.mode, r.ExecBase.MakerPriceMode, tc.want)
		}
	}
}

func TestResolveRejectsInvalidPanicTierDecimal(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	f := &File{}
	f.Risk.PanicTiers = []PanicTierSpec{{D: "not-a-number", SliceRatio: "0.1", TTLPercent: "50"}}
	if _, err := resolve(f); err == nil {
		t.Fatalf("expected error for malformed panic tier decimal")
	}
}

func TestResolveRejectsInvalidAccelTierDecimal(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	f := &File{}
	f.Signal.AccelTiers = []AccelTierSpec{{Ret: "0.01", Mult: "nope"}}
	if _, err := resolve(f); err == nil {
		t.Fatalf("expected error for malformed accel tier decimal")
	}
}

func TestDecRejectsEmptyString(t *testing.T) {
	if _, err := dec("", "some.field"); err == nil {
		t.Fatalf("expected error for empty decimal string")
	}
}

func TestDecRejectsMalformedString(t *testing.T) {
	if _, err := dec("abc", "some.field"); err == nil {
		t.Fatalf("expected error for malformed decimal string")
	}
}

func TestDecParsesValidString(t *testing.T) {
	v, err := dec("0.015", "some.field")
	if err != nil {
		t.Fatalf("dec() error = %v", err)
	}
	if !v.Equal(d("0.015")) {
		t.Fatalf("got %s, want 0.015", v)
	}
}
