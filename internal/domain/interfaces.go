package domain

import "context"

// SubmitResult is the venue's answer to an order submission.
type SubmitResult struct {
	Success bool
	OrderID string
}

// VenueClient is the capability interface to the trading venue. Two
// implementations exist: a live adapter and a deterministic sandbox, selected
// by configuration. The decision engine never branches on which one is
// active except through this interface.
//
// Every method is a suspension point and must honor ctx cancellation; the
// engine never holds its risk/exposure locks across these calls.
type VenueClient interface {
	GetMarkets(ctx context.Context) ([]Market, error)
	GetOrderBook(ctx context.Context, tokenID string) (OrderBook, error)
	GetFeeRateBps(ctx context.Context, tokenID string) (int, error)

	// SubmitOrder must be idempotent-safe under the engine's nonce scheme:
	// the order carries a strictly increasing nonce so retried submissions
	// are distinguishable.
	SubmitOrder(ctx context.Context, order Order, feeBps int) (SubmitResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAll(ctx context.Context) (bool, error)

	// GetRecentTrades is used to detect fills when no push-based fill feed
	// is available. The sandbox returns no trades; fills are simulated.
	GetRecentTrades(ctx context.Context, tokenID string, limit int) ([]Trade, error)
}
