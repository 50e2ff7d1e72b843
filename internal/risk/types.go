// Package risk implements a three-tier risk supervisor: Tier 1 soft
// de-risk (force-aggressive), Tier 2 panic sliced close (bypasses the
// signal engine and local rate limiter), and Tier 3 an exchange-resident
// protective stop with external-takeover detection. Reimplemented with
// exact decimal arithmetic; this single-account liquidation executor has
// no daily-loss-limit or DB-backed risk config (see DESIGN.md).
package risk

import (
	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// PanicTier is one row of the panic-close ladder: if dist-to-liquidation
// falls at or below D, the supervisor bypasses the signal engine and
// injects its own reduce-only intents at SliceRatio of the position, with
// a shortened TTL.
type PanicTier struct {
	D                       decimal.Decimal
	SliceRatio              decimal.Decimal
	TTLPercent              decimal.Decimal
	MakerTimeoutsToEscalate int
}

// Config names every tunable of the three-tier supervisor. Defaults (such
// as liq_distance_threshold=0.015) are filled in by internal/config.
type Config struct {
	LiqDistanceThreshold decimal.Decimal // Tier 1 trigger
	HysteresisMargin     decimal.Decimal // Tier 1 release margin

	PanicTiers []PanicTier // Tier 2, most-dangerous-satisfied wins

	ProtectiveStopEnabled    bool
	ProtectiveStopDistToLiq  decimal.Decimal // D in stop_price formulas
	ExternalStopPriceTolerance decimal.Decimal // default 1e-4

	ClientOrderIDStablePrefix string // cross-run prefix for protective stops

	SyncDebounceStartupMs    int64
	SyncDebounceDefaultMs    int64
	SyncDebouncePositionMs   int64
	SkipExternalLogThrottleMs int64
}

// RiskFlag is the per-(symbol,side) Tier-1 output: whether the side is
// currently inside the soft de-risk distance.
type RiskFlag struct {
	Symbol      string
	Side        coretypes.PositionSide
	IsTriggered bool
	DistToLiq   decimal.Decimal
	Reason      string
}
