package service

import (
	"log/slog"
	"sync"

	"polymaker/internal/pricing"
)

const (
	// Mid observations per token; at a 3s tick this is ~3 minutes.
	midHistorySize = 60
	// Order outcomes per market feeding the fill-rate estimate.
	fillRateWindow = 50
	// Assumed fill rate before any outcome is observed.
	defaultFillRate = 0.10
)

// MarketService accumulates the slow-moving per-market signals the pricing
// model consumes: rolling mid histories for volatility and recent order
// outcomes for the fill rate.
type MarketService struct {
	mu       sync.RWMutex
	mids     map[string][]float64
	outcomes map[string][]bool
	log      *slog.Logger
}

func NewMarketService(log *slog.Logger) *MarketService {
	return &MarketService{
		mids:     make(map[string][]float64),
		outcomes: make(map[string][]bool),
		log:      log.With("component", "market_service"),
	}
}

// RecordMid appends one mid observation for the token, keeping a bounded
// window.
func (s *MarketService) RecordMid(tokenID string, mid float64) {
	if mid <= 0 || mid >= 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.mids[tokenID], mid)
	if len(h) > midHistorySize {
		h = h[len(h)-midHistorySize:]
	}
	s.mids[tokenID] = h
}

// VolatilityBps returns the trailing mid volatility for the token, 0 until
// enough history exists.
func (s *MarketService) VolatilityBps(tokenID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pricing.VolatilityBps(s.mids[tokenID])
}

// RecordOrderOutcome notes whether a completed order filled (true) or died
// unfilled (false).
func (s *MarketService) RecordOrderOutcome(marketID string, filled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.outcomes[marketID], filled)
	if len(h) > fillRateWindow {
		h = h[len(h)-fillRateWindow:]
	}
	s.outcomes[marketID] = h
}

// FillRate returns the observed fill fraction for the market, falling back
// to a mild default before any orders complete.
func (s *MarketService) FillRate(marketID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.outcomes[marketID]
	if len(h) == 0 {
		return defaultFillRate
	}
	filled := 0
	for _, ok := range h {
		if ok {
			filled++
		}
	}
	return float64(filled) / float64(len(h))
}

// Forget drops all state for markets no longer traded.
func (s *MarketService) Forget(tokenIDs []string, marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tokenIDs {
		delete(s.mids, id)
	}
	delete(s.outcomes, marketID)
}
