package order

import (
	"math"

	"polymaker/internal/domain"
)

// Fill-probability model for simulated mode. A crude per-tick approximation
// of queue position and flow, not a calibrated microstructure model.
const (
	baseFillRate = 0.03

	// queueDepthPad keeps an empty queue from scoring a certain fill.
	queueDepthPad = 10

	minFillProb = 0.001
	maxFillProb = 0.20
)

// fillProbability estimates the chance a resting bid fills this tick.
func fillProbability(o *domain.Order, book domain.OrderBook, volume24h float64) float64 {
	p := baseFillRate
	p *= queueFactor(o, book)
	p *= volumeFactor(o, volume24h)
	p *= spreadRegime(book.SpreadBps)

	return math.Min(maxFillProb, math.Max(minFillProb, p))
}

// queueFactor scores queue position: our remaining size against the bid
// depth resting at better prices. Orders rest as bids on their own outcome
// token, so anything priced above us fills first.
func queueFactor(o *domain.Order, book domain.OrderBook) float64 {
	remaining := o.Remaining()
	if remaining <= 0 {
		return 0
	}
	var ahead float64
	for _, l := range book.Bids {
		if l.Price > o.Price {
			ahead += l.Size
		}
	}
	return remaining / (ahead + remaining + queueDepthPad)
}

// volumeFactor scales by how much of the day's flow our notional represents:
// an order dwarfing the market's turnover fills slower.
func volumeFactor(o *domain.Order, volume24h float64) float64 {
	notional := o.Remaining() * o.Price
	if notional <= 0 || volume24h <= 0 {
		return 0
	}
	return math.Min(1, volume24h/(notional*100))
}

// spreadRegime nudges the rate by market regime: tight books trade more.
func spreadRegime(spreadBps float64) float64 {
	switch {
	case spreadBps < 50:
		return 1.2
	case spreadBps > 200:
		return 0.8
	default:
		return 1.0
	}
}
