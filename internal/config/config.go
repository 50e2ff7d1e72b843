// Package config loads the liquidation executor's YAML configuration file
// (gopkg.in/yaml.v3, symbol-scoped nested structs) with credentials pulled
// from the environment rather than committed to the YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trading-core/internal/execution"
	"trading-core/internal/risk"
	"trading-core/internal/signal"
)

// AccelTierSpec and RoiTierSpec are the YAML-facing forms of the signal
// engine's acceleration/ROI escalation ladders (decimal.Decimal has no
// natural YAML scalar form, so thresholds are read as strings and parsed).
type AccelTierSpec struct {
	Ret  string `yaml:"ret"`
	Mult string `yaml:"mult"`
}

type RoiTierSpec struct {
	Roi  string `yaml:"roi"`
	Mult string `yaml:"mult"`
}

type PanicTierSpec struct {
	D                       string `yaml:"d"`
	SliceRatio              string `yaml:"slice_ratio"`
	TTLPercent              string `yaml:"ttl_percent"`
	MakerTimeoutsToEscalate int    `yaml:"maker_timeouts_to_escalate"`
}

// File is the root of the YAML config file.
type File struct {
	Testnet bool     `yaml:"testnet"`
	Symbols []string `yaml:"symbols"`

	Signal struct {
		MinSignalIntervalMs int64           `yaml:"min_signal_interval_ms"`
		AccelWindowMs       int64           `yaml:"accel_window_ms"`
		AccelTiers          []AccelTierSpec `yaml:"accel_tiers"`
		RoiTiers            []RoiTierSpec   `yaml:"roi_tiers"`
	} `yaml:"signal"`

	Execution struct {
		OrderTTLMs               int64  `yaml:"order_ttl_ms"`
		RepostCooldownMs         int64  `yaml:"repost_cooldown_ms"`
		CancelTimeoutMs          int64  `yaml:"cancel_timeout_ms"`
		BaseLotMult              string `yaml:"base_lot_mult"`
		MakerPriceMode           string `yaml:"maker_price_mode"`
		MakerPriceCustomTicks    int    `yaml:"maker_price_custom_ticks"`
		MakerSafetyTicks         int    `yaml:"maker_safety_ticks"`
		MakerTimeoutsToEscalate  int    `yaml:"maker_timeouts_to_escalate"`
		AggrFillsToDeescalate    int    `yaml:"aggr_fills_to_deescalate"`
		AggrTimeoutsToDeescalate int    `yaml:"aggr_timeouts_to_deescalate"`
		MaxMult                  string `yaml:"max_mult"`
		MaxOrderNotional         string `yaml:"max_order_notional"`
		ClientOrderIDPrefix      string `yaml:"client_order_id_prefix"`
		FillRateFeedbackEnabled  *bool  `yaml:"fill_rate_feedback_enabled"`
	} `yaml:"execution"`

	Risk struct {
		LiqDistanceThreshold       string          `yaml:"liq_distance_threshold"`
		HysteresisMargin           string          `yaml:"hysteresis_margin"`
		PanicTiers                 []PanicTierSpec `yaml:"panic_tiers"`
		ProtectiveStopEnabled      bool            `yaml:"protective_stop_enabled"`
		ProtectiveStopDistToLiq    string          `yaml:"protective_stop_dist_to_liq"`
		ExternalStopPriceTolerance string          `yaml:"external_stop_price_tolerance"`
		ClientOrderIDStablePrefix  string          `yaml:"client_order_id_stable_prefix"`
		SyncDebounceStartupMs      int64           `yaml:"sync_debounce_startup_ms"`
		SyncDebounceDefaultMs      int64           `yaml:"sync_debounce_default_ms"`
		SyncDebouncePositionMs     int64           `yaml:"sync_debounce_position_ms"`
		SkipExternalLogThrottleMs  int64           `yaml:"skip_external_log_throttle_ms"`
	} `yaml:"risk"`

	RateLimit struct {
		MaxOrdersPerSec  int `yaml:"max_orders_per_sec"`
		MaxCancelsPerSec int `yaml:"max_cancels_per_sec"`
	} `yaml:"rate_limit"`

	StaleDataMs int64 `yaml:"stale_data_ms"`
}

// Resolved is the fully parsed, ready-to-wire config: the YAML file's
// tunables turned into decimal.Decimal and handed to each package's own
// Config type, plus credentials read from the environment.
type Resolved struct {
	Testnet bool
	Symbols []string

	APIKey    string
	APISecret string

	Signal      signal.Config
	RiskConfig  risk.Config
	ExecBase    execution.Config // RunID/ClientOrderIDPrefix filled in per-run by the caller
	StaleDataMs int64

	MaxOrdersPerSec  int
	MaxCancelsPerSec int
}

// Load reads and parses the YAML file at path, then overlays credentials
// from BINANCE_API_KEY / BINANCE_API_SECRET so secrets never need to live
// in the checked-in config file.
func Load(path string) (*Resolved, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return resolve(&f)
}

func dec(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("config: %s must not be empty", field)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", field, err)
	}
	return v, nil
}

func resolve(f *File) (*Resolved, error) {
	r := &Resolved{
		Testnet:          f.Testnet,
		Symbols:          f.Symbols,
		APIKey:           strings.TrimSpace(os.Getenv("BINANCE_API_KEY")),
		APISecret:        strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")),
		StaleDataMs:      f.StaleDataMs,
		MaxOrdersPerSec:  f.RateLimit.MaxOrdersPerSec,
		MaxCancelsPerSec: f.RateLimit.MaxCancelsPerSec,
	}
	if r.StaleDataMs == 0 {
		r.StaleDataMs = 1500
	}
	if r.APIKey == "" || r.APISecret == "" {
		return nil, fmt.Errorf("config: BINANCE_API_KEY and BINANCE_API_SECRET must be set in the environment")
	}

	sigCfg := signal.Config{
		MinSignalIntervalMs: f.Signal.MinSignalIntervalMs,
		AccelWindowMs:       f.Signal.AccelWindowMs,
	}
	for _, t := range f.Signal.AccelTiers {
		ret, err := dec(t.Ret, "signal.accel_tiers[].ret")
		if err != nil {
			return nil, err
		}
		mult, err := dec(t.Mult, "signal.accel_tiers[].mult")
		if err != nil {
			return nil, err
		}
		sigCfg.AccelTiers = append(sigCfg.AccelTiers, signal.AccelTier{Ret: ret, Mult: mult})
	}
	for _, t := range f.Signal.RoiTiers {
		roi, err := dec(t.Roi, "signal.roi_tiers[].roi")
		if err != nil {
			return nil, err
		}
		mult, err := dec(t.Mult, "signal.roi_tiers[].mult")
		if err != nil {
			return nil, err
		}
		sigCfg.RoiTiers = append(sigCfg.RoiTiers, signal.RoiTier{Roi: roi, Mult: mult})
	}
	r.Signal = sigCfg

	baseLotMult, err := dec(orDefault(f.Execution.BaseLotMult, "1"), "execution.base_lot_mult")
	if err != nil {
		return nil, err
	}
	maxMult, err := dec(orDefault(f.Execution.MaxMult, "50"), "execution.max_mult")
	if err != nil {
		return nil, err
	}
	maxOrderNotional, err := dec(orDefault(f.Execution.MaxOrderNotional, "200"), "execution.max_order_notional")
	if err != nil {
		return nil, err
	}
	mode := execution.MakerPriceInsideSpread1Tick
	switch f.Execution.MakerPriceMode {
	case "at_touch":
		mode = execution.MakerPriceAtTouch
	case "custom_ticks":
		mode = execution.MakerPriceCustomTicks
	}
	r.ExecBase = execution.Config{
		OrderTTLMs:               orDefaultInt64(f.Execution.OrderTTLMs, 800),
		RepostCooldownMs:         orDefaultInt64(f.Execution.RepostCooldownMs, 100),
		CancelTimeoutMs:          orDefaultInt64(f.Execution.CancelTimeoutMs, 3000),
		BaseLotMult:              baseLotMult,
		MakerPriceMode:           mode,
		MakerNTicks:              f.Execution.MakerPriceCustomTicks,
		MakerSafetyTicks:         orDefaultInt(f.Execution.MakerSafetyTicks, 1),
		MakerTimeoutsToEscalate:  orDefaultInt(f.Execution.MakerTimeoutsToEscalate, 2),
		AggrFillsToDeescalate:    orDefaultInt(f.Execution.AggrFillsToDeescalate, 1),
		AggrTimeoutsToDeescalate: orDefaultInt(f.Execution.AggrTimeoutsToDeescalate, 2),
		MaxMult:                  maxMult,
		MaxOrderNotional:         maxOrderNotional,
		ClientOrderIDPrefix:      orDefault(f.Execution.ClientOrderIDPrefix, "vq"),
		FillRateFeedbackEnabled:  f.Execution.FillRateFeedbackEnabled == nil || *f.Execution.FillRateFeedbackEnabled,
	}

	liqThresh, err := dec(orDefault(f.Risk.LiqDistanceThreshold, "0.015"), "risk.liq_distance_threshold")
	if err != nil {
		return nil, err
	}
	hyst, err := dec(orDefault(f.Risk.HysteresisMargin, "0.003"), "risk.hysteresis_margin")
	if err != nil {
		return nil, err
	}
	stopDist, err := dec(orDefault(f.Risk.ProtectiveStopDistToLiq, "0.02"), "risk.protective_stop_dist_to_liq")
	if err != nil {
		return nil, err
	}
	tol, err := dec(orDefault(f.Risk.ExternalStopPriceTolerance, "0.0001"), "risk.external_stop_price_tolerance")
	if err != nil {
		return nil, err
	}
	riskCfg := risk.Config{
		LiqDistanceThreshold:       liqThresh,
		HysteresisMargin:           hyst,
		ProtectiveStopEnabled:      f.Risk.ProtectiveStopEnabled,
		ProtectiveStopDistToLiq:    stopDist,
		ExternalStopPriceTolerance: tol,
		ClientOrderIDStablePrefix:  orDefault(f.Risk.ClientOrderIDStablePrefix, "vqstop"),
		SyncDebounceStartupMs:      orDefaultInt64(f.Risk.SyncDebounceStartupMs, 5000),
		SyncDebounceDefaultMs:      orDefaultInt64(f.Risk.SyncDebounceDefaultMs, 2000),
		SyncDebouncePositionMs:     orDefaultInt64(f.Risk.SyncDebouncePositionMs, 500),
		SkipExternalLogThrottleMs:  orDefaultInt64(f.Risk.SkipExternalLogThrottleMs, 2000),
	}
	for _, t := range f.Risk.PanicTiers {
		dd, err := dec(t.D, "risk.panic_tiers[].d")
		if err != nil {
			return nil, err
		}
		slice, err := dec(t.SliceRatio, "risk.panic_tiers[].slice_ratio")
		if err != nil {
			return nil, err
		}
		ttl, err := dec(t.TTLPercent, "risk.panic_tiers[].ttl_percent")
		if err != nil {
			return nil, err
		}
		riskCfg.PanicTiers = append(riskCfg.PanicTiers, risk.PanicTier{
			D: dd, SliceRatio: slice, TTLPercent: ttl, MakerTimeoutsToEscalate: t.MakerTimeoutsToEscalate,
		})
	}
	r.RiskConfig = riskCfg

	if r.MaxOrdersPerSec == 0 {
		r.MaxOrdersPerSec = 5
	}
	if r.MaxCancelsPerSec == 0 {
		r.MaxCancelsPerSec = 8
	}

	return r, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
