package infra

import (
	"sync/atomic"
	"time"
)

// Metrics tracks engine counters with atomic operations.
type Metrics struct {
	startTime time.Time

	ticksCompleted atomic.Int64
	ordersFilled   atomic.Int64
	ordersExpired  atomic.Int64
	venueErrors    atomic.Int64
	riskRejections atomic.Int64
	breakerTrips   atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncTicks()          { m.ticksCompleted.Add(1) }
func (m *Metrics) IncFilled()         { m.ordersFilled.Add(1) }
func (m *Metrics) IncExpired()        { m.ordersExpired.Add(1) }
func (m *Metrics) IncVenueErrors()    { m.venueErrors.Add(1) }
func (m *Metrics) IncRiskRejections() { m.riskRejections.Add(1) }
func (m *Metrics) IncBreakerTrips()   { m.breakerTrips.Add(1) }

// Snapshot returns current counter values for logging or status output.
// Placement and cancellation counts live with the order manager, which is
// their single writer.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_sec":      int64(time.Since(m.startTime).Seconds()),
		"ticks_completed": m.ticksCompleted.Load(),
		"orders_filled":   m.ordersFilled.Load(),
		"orders_expired":  m.ordersExpired.Load(),
		"venue_errors":    m.venueErrors.Load(),
		"risk_rejections": m.riskRejections.Load(),
		"breaker_trips":   m.breakerTrips.Load(),
	}
}
