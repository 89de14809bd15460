package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
)

// Limits bounds exposure and configures the circuit breakers.
type Limits struct {
	MaxExposureUSD     float64
	MinExposureUSD     float64
	MaxPositionSizeUSD float64
	MaxSingleOrderUSD  float64
	MaxInventorySkew   float64

	StopLossPct             float64
	StopLossCooldown        time.Duration
	MaxConsecutiveLosses    int
	ConsecutiveLossCooldown time.Duration
	MaxAPIFailures          int
	APIFailureWindow        time.Duration
	APIFailureCooldown      time.Duration
}

// Breaker kinds, reported alongside the paused flag so callers can decide
// whether resting orders survive a trip.
const (
	BreakerStopLoss    = "stop_loss"
	BreakerLossStreak  = "loss_streak"
	BreakerAPIFailures = "api_failures"
)

// TradeContext carries the current position the pre-trade checks run
// against. All values are mark-to-market at the latest mid.
type TradeContext struct {
	TotalExposureUSD float64 // signed portfolio exposure across all markets
	PositionUSD      float64 // gross value of this market's inventory
	InventorySkew    float64 // this market's token imbalance in [-1, 1]
}

// Summary is a point-in-time view of risk state for logging and status.
type Summary struct {
	Equity            decimal.Decimal
	PeakEquity        decimal.Decimal
	DailyPnL          decimal.Decimal
	DailyStartEquity  decimal.Decimal
	ConsecutiveLosses int
	RecentAPIFailures int
	Paused            bool
	PauseReason       string
	PausedUntil       time.Time
}

// Manager owns risk state: equity, loss streaks, API failure history and the
// paused flag. All venue activity funnels through CheckPreTrade, and only
// CheckCircuitBreakers ever clears a pause.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	log    *slog.Logger
	now    func() time.Time

	equity           decimal.Decimal
	peakEquity       decimal.Decimal // high-water mark, never decreases
	dailyStartEquity decimal.Decimal
	dailyPnL         decimal.Decimal
	dayStamp         string // UTC date of the current daily window

	consecutiveLosses int
	apiFailures       []time.Time

	paused      bool
	pauseKind   string
	pauseReason string
	pausedUntil time.Time
}

// NewManager builds a risk manager seeded with the starting equity. A nil
// now falls back to time.Now; tests inject a fake clock.
func NewManager(limits Limits, startingEquity decimal.Decimal, log *slog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		limits:           limits,
		log:              log.With("component", "risk"),
		now:              now,
		equity:           startingEquity,
		peakEquity:       startingEquity,
		dailyStartEquity: startingEquity,
	}
	m.dayStamp = m.now().UTC().Format("2006-01-02")
	return m
}

// CheckPreTrade validates a proposed quote against the current position.
// Checks run in a fixed order and the first failure wins: paused state,
// exposure bounds, position size, inventory skew.
func (m *Manager) CheckPreTrade(q domain.Quote, tc TradeContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return fmt.Errorf("%w: %s", domain.ErrTradingPaused, m.pauseReason)
	}

	notional := q.Price * q.Size
	projected := tc.TotalExposureUSD
	if q.Side == domain.SideBuy {
		projected += notional
	} else {
		projected -= notional
	}
	if projected > m.limits.MaxExposureUSD {
		return fmt.Errorf("exposure %.2f would exceed max %.2f", projected, m.limits.MaxExposureUSD)
	}
	if projected < m.limits.MinExposureUSD {
		return fmt.Errorf("exposure %.2f would breach min %.2f", projected, m.limits.MinExposureUSD)
	}

	if notional > m.limits.MaxSingleOrderUSD {
		return fmt.Errorf("order notional %.2f exceeds per-order limit %.2f", notional, m.limits.MaxSingleOrderUSD)
	}
	if tc.PositionUSD+notional > m.limits.MaxPositionSizeUSD {
		return fmt.Errorf("position %.2f would exceed per-market limit %.2f",
			tc.PositionUSD+notional, m.limits.MaxPositionSizeUSD)
	}

	if math.Abs(tc.InventorySkew) > m.limits.MaxInventorySkew && growsSkew(q.Side, tc.InventorySkew) {
		return fmt.Errorf("inventory skew %.2f beyond limit %.2f on the growing side",
			tc.InventorySkew, m.limits.MaxInventorySkew)
	}

	return nil
}

// growsSkew reports whether the side would push an already skewed inventory
// further in the same direction.
func growsSkew(side string, skew float64) bool {
	return (skew > 0 && side == domain.SideBuy) || (skew < 0 && side == domain.SideSell)
}

// RecordTradeResult books realized PnL against equity and maintains the
// consecutive-loss streak.
func (m *Manager) RecordTradeResult(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyWindow()
	m.equity = m.equity.Add(pnl)
	m.dailyPnL = m.dailyPnL.Add(pnl)
	if m.equity.GreaterThan(m.peakEquity) {
		m.peakEquity = m.equity
	}

	if pnl.IsNegative() {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}
}

// UpdateEquity replaces the mark-to-market equity, rolling the daily window
// when the UTC date changes.
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyWindow()
	m.dailyPnL = m.dailyPnL.Add(equity.Sub(m.equity))
	m.equity = equity
	if m.equity.GreaterThan(m.peakEquity) {
		m.peakEquity = m.equity
	}
}

func (m *Manager) rollDailyWindow() {
	stamp := m.now().UTC().Format("2006-01-02")
	if stamp != m.dayStamp {
		m.dayStamp = stamp
		m.dailyStartEquity = m.equity
		m.dailyPnL = decimal.Zero
	}
}

// RecordAPIFailure notes a venue failure; the failure-rate breaker evaluates
// these on the next CheckCircuitBreakers pass.
func (m *Manager) RecordAPIFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiFailures = append(m.apiFailures, m.now())
}

// RecordAPISuccess clears the failure history: the breaker targets bursts of
// failures, not failures accumulated across healthy periods.
func (m *Manager) RecordAPISuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiFailures = m.apiFailures[:0]
}

// CheckCircuitBreakers evaluates every breaker and returns the paused state
// with the tripped breaker's kind. It is also the only path that clears a
// pause: once the cooldown elapses trading resumes here and nowhere else.
func (m *Manager) CheckCircuitBreakers() (bool, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDailyWindow()

	if m.paused {
		if now.Before(m.pausedUntil) {
			return true, m.pauseKind, m.pauseReason
		}
		m.log.Info("circuit breaker cooldown elapsed, resuming",
			"reason", m.pauseReason)
		m.paused = false
		m.pauseKind = ""
		m.pauseReason = ""
		m.consecutiveLosses = 0
		m.apiFailures = m.apiFailures[:0]
		// Fresh loss window, otherwise the stop-loss re-trips immediately.
		m.dailyStartEquity = m.equity
		m.dailyPnL = decimal.Zero
	}

	// Daily loss is measured against the peak-equity high-water mark.
	if m.limits.StopLossPct > 0 && m.peakEquity.IsPositive() {
		lossPct := m.dailyPnL.Neg().Div(m.peakEquity).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(m.limits.StopLossPct)) {
			m.pause(now, BreakerStopLoss,
				fmt.Sprintf("daily loss %s%% hit stop-loss", lossPct.StringFixed(2)),
				m.limits.StopLossCooldown)
			return true, m.pauseKind, m.pauseReason
		}
	}

	if m.limits.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.limits.MaxConsecutiveLosses {
		m.pause(now, BreakerLossStreak,
			fmt.Sprintf("%d consecutive losing trades", m.consecutiveLosses),
			m.limits.ConsecutiveLossCooldown)
		m.consecutiveLosses = 0
		return true, m.pauseKind, m.pauseReason
	}

	if m.limits.MaxAPIFailures > 0 {
		cutoff := now.Add(-m.limits.APIFailureWindow)
		recent := m.apiFailures[:0]
		for _, t := range m.apiFailures {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		m.apiFailures = recent
		if len(m.apiFailures) >= m.limits.MaxAPIFailures {
			m.pause(now, BreakerAPIFailures,
				fmt.Sprintf("%d venue failures in %s", len(m.apiFailures), m.limits.APIFailureWindow),
				m.limits.APIFailureCooldown)
			m.apiFailures = m.apiFailures[:0]
			return true, m.pauseKind, m.pauseReason
		}
	}

	return false, "", ""
}

func (m *Manager) pause(now time.Time, kind, reason string, cooldown time.Duration) {
	m.paused = true
	m.pauseKind = kind
	m.pauseReason = reason
	m.pausedUntil = now.Add(cooldown)
	m.log.Warn("circuit breaker tripped",
		"kind", kind,
		"reason", reason,
		"paused_until", m.pausedUntil.Format(time.RFC3339))
}

// Paused reports the current pause flag without evaluating breakers.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Summary snapshots the risk state.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		Equity:            m.equity,
		PeakEquity:        m.peakEquity,
		DailyPnL:          m.dailyPnL,
		DailyStartEquity:  m.dailyStartEquity,
		ConsecutiveLosses: m.consecutiveLosses,
		RecentAPIFailures: len(m.apiFailures),
		Paused:            m.paused,
		PauseReason:       m.pauseReason,
		PausedUntil:       m.pausedUntil,
	}
}
