// Package pricing implements the pure quoting math for the maker-rebate
// strategy: dynamic spread selection, adaptive positioning within the spread,
// the one-sided quoting gate, and quote price calculation.
//
// Everything here is side-effect free; state (inventory, fill rates,
// volatility windows) lives with the callers.
package pricing

import "math"

// Maker-rebate program economics.
const (
	// TargetRebateBps is the expected rebate capture (20% of ~1.56% fee).
	TargetRebateBps = 31

	// MinRebateSpreadBps is the tightest market spread at which quoting for
	// rebates is still worthwhile.
	MinRebateSpreadBps = 10

	// skewPriceAdjustment is the price nudge per unit of inventory skew.
	skewPriceAdjustment = 0.005
)

// Config holds the pricing strategy parameters. Zero values are not usable;
// construct via DefaultConfig or the infra presets.
type Config struct {
	MinSpreadBps int
	MaxSpreadBps int

	// VolMultiplier scales volatility into the base spread.
	VolMultiplier float64

	// BasePositioning is the fraction of the spread from mid at zero skew.
	BasePositioning float64

	// SkewSensitivity controls how much positioning shifts with skew.
	SkewSensitivity float64

	// One-sided quoting thresholds: refuse BUY above BuyStopThreshold,
	// refuse SELL below SellStopThreshold.
	BuyStopThreshold  float64
	SellStopThreshold float64

	MinRebateSpreadBps int
}

// DefaultConfig returns the moderate baseline parameters.
func DefaultConfig() Config {
	return Config{
		MinSpreadBps:       15,
		MaxSpreadBps:       80,
		VolMultiplier:      2.0,
		BasePositioning:    0.5,
		SkewSensitivity:    0.3,
		BuyStopThreshold:   0.15,
		SellStopThreshold:  -0.15,
		MinRebateSpreadBps: MinRebateSpreadBps,
	}
}

// OptimalSpread calculates the spread in bps that balances rebate capture
// against adverse selection. Returns 0 when the market spread is below the
// rebate floor — a "do not quote" signal, not a zero-width quote.
func OptimalSpread(marketSpreadBps, volatilityBps, fillRate float64, cfg Config) int {
	if marketSpreadBps < float64(cfg.MinRebateSpreadBps) {
		return 0
	}

	volSpread := int(volatilityBps * cfg.VolMultiplier)

	// High fill rate means we are getting picked off; widen.
	fillAdjustment := 0
	switch {
	case fillRate > 0.40:
		fillAdjustment = 15
	case fillRate > 0.30:
		fillAdjustment = 10
	case fillRate > 0.20:
		fillAdjustment = 5
	case fillRate < 0.10:
		fillAdjustment = -3
	}

	// Spread plus rebate must cover gas and adverse selection.
	minEconomicSpread := TargetRebateBps / 2

	spread := max(volSpread, minEconomicSpread) + fillAdjustment

	return min(max(spread, cfg.MinSpreadBps), cfg.MaxSpreadBps)
}

// PositioningFactor returns where to sit within the spread: 0 would be at
// mid, 1 at the spread edge. More skew pushes toward the edge; a wider
// market permits quoting closer to mid. Clamped to [0.2, 0.8] — both
// extremes are unsafe.
func PositioningFactor(skew float64, spreadBps int, cfg Config) float64 {
	skewAdjustment := math.Abs(skew) * cfg.SkewSensitivity

	// Normalize spread headroom over a nominal 10-100 bps range.
	spreadFactor := math.Min(1.0, float64(spreadBps-cfg.MinSpreadBps)/80)

	positioning := cfg.BasePositioning + skewAdjustment - spreadFactor*0.1

	return clamp(positioning, 0.2, 0.8)
}

// ShouldQuoteSide is the one-sided quoting gate: it refuses the side that
// would grow an already skewed inventory further.
func ShouldQuoteSide(side string, skew float64, cfg Config) bool {
	switch side {
	case "BUY":
		return skew <= cfg.BuyStopThreshold
	case "SELL":
		return skew >= cfg.SellStopThreshold
	}
	return true
}

// QuotePrices computes the buy and sell prices around mid. Skew nudges the
// buy price up and the sell price down, discouraging further accumulation on
// the skewed side and encouraging offloading it. Returns ok=false when no
// valid quote exists: spread is non-positive, mid is outside (0,1), or a
// price cannot be kept strictly inside (0,1).
func QuotePrices(mid float64, spreadBps int, positioningFactor, skew float64) (buy, sell float64, ok bool) {
	if spreadBps <= 0 || mid <= 0 || mid >= 1 {
		return 0, 0, false
	}

	halfSpread := float64(spreadBps) * positioningFactor / 10000
	skewAdj := skew * skewPriceAdjustment

	buy = round4(mid - halfSpread + skewAdj)
	sell = round4(mid + halfSpread - skewAdj)

	if buy <= 0 || buy >= 1 {
		buy = round4(mid * 0.99)
	}
	if sell <= 0 || sell >= 1 {
		sell = round4(mid * 1.01)
	}

	// Never return a boundary price.
	if buy <= 0 || buy >= 1 || sell <= 0 || sell >= 1 {
		return 0, 0, false
	}

	return buy, sell, true
}

// VolatilityBps estimates trailing volatility as the standard deviation of
// returns over the window, expressed in percent (100 = 1%).
func VolatilityBps(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
