package quoting

import (
	"log/slog"
	"math"

	"polymaker/internal/domain"
	"polymaker/internal/pricing"
)

// Rebalancing quotes concede twice the normal skew adjustment to get filled.
const rebalancePriceAdjustment = 0.010

// Config bounds quote sizing and the inventory limits that drive skew.
type Config struct {
	Pricing pricing.Config

	DefaultSizeUSD float64
	MinSizeUSD     float64
	MaxSizeUSD     float64

	MaxExposureUSD   float64
	MinExposureUSD   float64
	MaxInventorySkew float64
}

// Decision is the output of one quote-generation pass for one market.
type Decision struct {
	Quotes      []domain.Quote
	Skew        float64
	SpreadBps   int
	Rebalancing bool
	Reason      string // set when Quotes is empty or reduced
}

// Engine turns market state plus inventory into concrete quotes. Stateless
// between calls; all persistence lives with the caller.
type Engine struct {
	cfg Config
	log *slog.Logger
}

func NewEngine(cfg Config, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.With("component", "quote_engine")}
}

// GenerateQuotes produces up to two quotes for the market: a YES bid and a
// NO bid priced off the complement. When inventory skew exceeds the
// configured bound it switches to a single aggressive rebalancing quote.
// totalExposureUSD is the signed portfolio exposure across all markets; order
// sizes shrink as it approaches the exposure cap.
func (e *Engine) GenerateQuotes(st domain.MarketState, inv domain.Inventory, totalExposureUSD, fillRate float64) Decision {
	skew := e.inventorySkew(st, inv)

	if math.Abs(skew) > e.cfg.MaxInventorySkew {
		return e.rebalanceQuotes(st, skew)
	}

	spread := pricing.OptimalSpread(st.SpreadBps, st.VolatilityBps, fillRate, e.cfg.Pricing)
	if spread == 0 {
		return Decision{Skew: skew, Reason: "market spread below rebate floor"}
	}

	pf := pricing.PositioningFactor(skew, spread, e.cfg.Pricing)
	buyPrice, sellPrice, ok := pricing.QuotePrices(st.MidPrice, spread, pf, skew)
	if !ok {
		return Decision{Skew: skew, SpreadBps: spread, Reason: "no valid quote prices"}
	}

	sizeUSD := e.orderSizeUSD(totalExposureUSD)
	if sizeUSD < e.cfg.MinSizeUSD {
		sizeUSD = e.cfg.MinSizeUSD
	}

	d := Decision{Skew: skew, SpreadBps: spread}

	if pricing.ShouldQuoteSide(domain.SideBuy, skew, e.cfg.Pricing) {
		d.Quotes = append(d.Quotes, domain.Quote{
			MarketID: st.ConditionID,
			TokenID:  st.TokenIDs[domain.OutcomeYes],
			Side:     domain.SideBuy,
			Price:    buyPrice,
			Size:     shares(sizeUSD, buyPrice),
		})
	}
	if pricing.ShouldQuoteSide(domain.SideSell, skew, e.cfg.Pricing) {
		noPrice := round4(1 - sellPrice)
		if noPrice > 0 && noPrice < 1 {
			d.Quotes = append(d.Quotes, domain.Quote{
				MarketID: st.ConditionID,
				TokenID:  st.TokenIDs[domain.OutcomeNo],
				Side:     domain.SideSell,
				Price:    noPrice,
				Size:     shares(sizeUSD, noPrice),
			})
		}
	}

	if len(d.Quotes) < 2 {
		d.Reason = "one-sided: inventory skew gate"
	}
	return d
}

// inventorySkew values the position at the current mid and normalizes it by
// the larger exposure bound, clamped to [-1, 1].
func (e *Engine) inventorySkew(st domain.MarketState, inv domain.Inventory) float64 {
	denom := math.Max(math.Abs(e.cfg.MaxExposureUSD), math.Abs(e.cfg.MinExposureUSD))
	if denom == 0 {
		return 0
	}
	netUSD := inv.Yes*st.MidPrice - inv.No*(1-st.MidPrice)
	return clamp(netUSD/denom, -1, 1)
}

// orderSizeUSD scales the default size down as total portfolio exposure
// approaches its cap. Above 80% of the cap quotes shrink to a quarter, above
// 50% to a half.
func (e *Engine) orderSizeUSD(totalExposureUSD float64) float64 {
	size := e.cfg.DefaultSizeUSD

	denom := math.Max(math.Abs(e.cfg.MaxExposureUSD), math.Abs(e.cfg.MinExposureUSD))
	if denom > 0 {
		ratio := math.Abs(totalExposureUSD) / denom
		if ratio > 0.8 {
			size *= 0.25
		} else if ratio > 0.5 {
			size *= 0.5
		}
	}

	if size > e.cfg.MaxSizeUSD {
		size = e.cfg.MaxSizeUSD
	}
	return size
}

// rebalanceQuotes emits a single double-sized quote on the side that reduces
// the position, priced off a widened spread and conceding toward mid.
func (e *Engine) rebalanceQuotes(st domain.MarketState, skew float64) Decision {
	d := Decision{Skew: skew, Rebalancing: true}

	spread := int(1.5 * float64(e.cfg.Pricing.MaxSpreadBps))
	d.SpreadBps = spread
	half := float64(spread) / 2 / 10000
	adj := skew * rebalancePriceAdjustment
	sizeUSD := 2 * e.cfg.DefaultSizeUSD

	if skew > 0 {
		// Long YES: accumulate NO, conceding toward mid.
		yesSell := round4(st.MidPrice + half - adj)
		noPrice := round4(1 - yesSell)
		if noPrice <= 0 || noPrice >= 1 {
			return Decision{Skew: skew, Rebalancing: true, Reason: "no valid rebalance price"}
		}
		d.Quotes = append(d.Quotes, domain.Quote{
			MarketID: st.ConditionID,
			TokenID:  st.TokenIDs[domain.OutcomeNo],
			Side:     domain.SideSell,
			Price:    noPrice,
			Size:     shares(sizeUSD, noPrice),
		})
	} else {
		// Long NO: accumulate YES, conceding toward mid.
		yesBuy := round4(st.MidPrice - half - adj)
		if yesBuy <= 0 || yesBuy >= 1 {
			return Decision{Skew: skew, Rebalancing: true, Reason: "no valid rebalance price"}
		}
		d.Quotes = append(d.Quotes, domain.Quote{
			MarketID: st.ConditionID,
			TokenID:  st.TokenIDs[domain.OutcomeYes],
			Side:     domain.SideBuy,
			Price:    yesBuy,
			Size:     shares(sizeUSD, yesBuy),
		})
	}

	e.log.Info("rebalancing quote", "market", st.ConditionID, "skew", skew)
	return d
}

// shares converts a USD notional into a share quantity at the given price.
func shares(sizeUSD, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return round2(sizeUSD / price)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
