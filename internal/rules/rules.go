// Package rules caches per-instrument tick/step/min-qty/min-notional grids
// and exposes the pure rounding functions the rest of the system builds
// quantity and price decisions on, over the venue's symbol-filter shape
// the exchange client already parses.
package rules

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// Cache holds InstrumentRules per symbol, shared read-only after load and
// rewritten only by a recalibration pass.
type Cache struct {
	mu    sync.RWMutex
	rules map[string]coretypes.InstrumentRules
}

func NewCache() *Cache {
	return &Cache{rules: make(map[string]coretypes.InstrumentRules)}
}

// Set installs or replaces the rules for a symbol, validating the
// invariants from the data model (all fields positive; step <= min_qty).
func (c *Cache) Set(r coretypes.InstrumentRules) error {
	if r.TickSize.LessThanOrEqual(decimal.Zero) ||
		r.StepSize.LessThanOrEqual(decimal.Zero) ||
		r.MinQty.LessThanOrEqual(decimal.Zero) ||
		r.MinNotional.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("rules: %s: all of tick/step/min_qty/min_notional must be positive", r.Symbol)
	}
	if r.StepSize.GreaterThan(r.MinQty) {
		return fmt.Errorf("rules: %s: step_size %s must be <= min_qty %s", r.Symbol, r.StepSize, r.MinQty)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[r.Symbol] = r
	return nil
}

// Get returns the rules for a symbol and whether they are known yet.
func (c *Cache) Get(symbol string) (coretypes.InstrumentRules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[symbol]
	return r, ok
}

// SetLeverage updates only the leverage field, used by ACCOUNT_CONFIG_UPDATE
// handling without requiring a full rules refetch.
func (c *Cache) SetLeverage(symbol string, leverage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[symbol]
	if !ok {
		return
	}
	r.Leverage = leverage
	c.rules[symbol] = r
}

// RoundPriceDown rounds value down to the tick grid.
func RoundPriceDown(value, tickSize decimal.Decimal) decimal.Decimal {
	return roundDown(value, tickSize)
}

// RoundPriceUp rounds value up to the tick grid.
func RoundPriceUp(value, tickSize decimal.Decimal) decimal.Decimal {
	return roundUp(value, tickSize)
}

// RoundQtyDown rounds value down to the step grid.
func RoundQtyDown(value, stepSize decimal.Decimal) decimal.Decimal {
	return roundDown(value, stepSize)
}

// RoundQtyUp rounds value up to the step grid, used specifically by the
// min-notional "enlarge within position" rule.
func RoundQtyUp(value, stepSize decimal.Decimal) decimal.Decimal {
	return roundUp(value, stepSize)
}

func roundDown(value, grid decimal.Decimal) decimal.Decimal {
	if grid.LessThanOrEqual(decimal.Zero) {
		return value
	}
	quotient := value.Div(grid).Floor()
	return quotient.Mul(grid)
}

func roundUp(value, grid decimal.Decimal) decimal.Decimal {
	if grid.LessThanOrEqual(decimal.Zero) {
		return value
	}
	down := roundDown(value, grid)
	if down.Equal(value) {
		return down
	}
	return down.Add(grid)
}

// EnsureMinNotional enlarges qty (rounding up to the step grid) until
// qty*price satisfies minNotional, capped at maxQty (the remaining
// reduce-only position magnitude). Returns the possibly enlarged qty and
// whether the minimum could be satisfied at all within maxQty.
func EnsureMinNotional(qty, price, minNotional, stepSize, maxQty decimal.Decimal) (decimal.Decimal, bool) {
	if price.LessThanOrEqual(decimal.Zero) {
		return qty, qty.Mul(price).GreaterThanOrEqual(minNotional)
	}
	if qty.Mul(price).GreaterThanOrEqual(minNotional) {
		return qty, true
	}
	candidate := RoundQtyUp(minNotional.Div(price), stepSize)
	if candidate.GreaterThan(maxQty) {
		candidate = RoundQtyDown(maxQty, stepSize)
	}
	ok := candidate.Mul(price).GreaterThanOrEqual(minNotional) && candidate.GreaterThan(decimal.Zero)
	return candidate, ok
}
