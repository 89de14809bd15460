package domain

import "time"

// Outcome names for the two tokens of a binary market.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Market is the immutable description of a tradable binary market.
// Re-fetched on each discovery cycle; treated as a value keyed by ConditionID.
type Market struct {
	ConditionID string
	Question    string
	TokenIDs    map[string]string // outcome ("YES"/"NO") -> token id
	FeeBps      int
	Volume24h   float64
}

// YesToken returns the YES outcome token id.
func (m Market) YesToken() string { return m.TokenIDs[OutcomeYes] }

// NoToken returns the NO outcome token id.
func (m Market) NoToken() string { return m.TokenIDs[OutcomeNo] }

// PriceLevel is one level of an order book side.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a top-of-book snapshot for a single token.
type OrderBook struct {
	Bids      []PriceLevel // descending by price
	Asks      []PriceLevel // ascending by price
	Midpoint  float64
	SpreadBps float64
}

// BestBid returns the highest bid, or 0 when the side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 when the side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// MarketState is the per-tick snapshot the quote engine consumes.
// Derived fresh each tick; never mutated, only replaced.
type MarketState struct {
	ConditionID   string
	TokenIDs      map[string]string
	MidPrice      float64
	BestBid       float64
	BestAsk       float64
	SpreadBps     float64
	VolatilityBps float64
	Volume24h     float64
}

// Trade is a single print from the venue's trade feed.
type Trade struct {
	TokenID string
	Side    string // aggressor side
	Price   float64
	Size    float64
	Time    time.Time
}
