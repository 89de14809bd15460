package domain

import "time"

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order lifecycle states. PENDING and the terminal states are never re-entered.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusExpired   = "EXPIRED"
)

// Order is the engine's view of a single resting order.
// Owned exclusively by the order manager; nothing else mutates it after
// creation except through status/filled-size transitions.
type Order struct {
	ID         string // assigned by the venue on acceptance; empty while PENDING
	MarketID   string
	TokenID    string
	Side       string
	Price      float64 // strictly inside (0,1)
	Size       float64 // token quantity, > 0
	FilledSize float64 // 0 <= FilledSize <= Size
	FillPrice  float64 // price of the last fill, 0 until filled
	FeeBps     int // market taker fee at submission, fixes the rebate rate
	Status     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Nonce      uint64 // strictly increasing per submission
}

// IsOpen reports whether the order is resting on the book.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// IsTerminal reports whether the order reached an absorbing state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Size - o.FilledSize
}

// Quote is an ephemeral price/size proposal for one side of a market.
// Produced fresh each tick and never persisted beyond the tick that
// consumes it.
type Quote struct {
	MarketID string
	TokenID  string
	Side     string
	Price    float64
	Size     float64
}
