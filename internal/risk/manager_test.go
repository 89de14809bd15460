package risk_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
	"polymaker/internal/infra"
	"polymaker/internal/risk"
)

func testLimits() risk.Limits {
	return risk.Limits{
		MaxExposureUSD:     30,
		MinExposureUSD:     -30,
		MaxPositionSizeUSD: 18,
		MaxSingleOrderUSD:  36,
		MaxInventorySkew:   0.3,

		StopLossPct:             10,
		StopLossCooldown:        30 * time.Minute,
		MaxConsecutiveLosses:    3,
		ConsecutiveLossCooldown: 30 * time.Minute,
		MaxAPIFailures:          5,
		APIFailureWindow:        5 * time.Minute,
		APIFailureCooldown:      5 * time.Minute,
	}
}

// fakeClock returns a manager wired to an adjustable clock.
func newTestManager(t *testing.T) (*risk.Manager, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m := risk.NewManager(testLimits(), decimal.NewFromInt(100), infra.NewTestLogger(),
		func() time.Time { return clock })
	return m, &clock
}

func buyQuote(notional float64) domain.Quote {
	return domain.Quote{MarketID: "0xabc", TokenID: "tok-yes", Side: domain.SideBuy, Price: 0.50, Size: notional / 0.50}
}

func sellQuote(notional float64) domain.Quote {
	return domain.Quote{MarketID: "0xabc", TokenID: "tok-no", Side: domain.SideSell, Price: 0.50, Size: notional / 0.50}
}

func TestCheckPreTrade_ExposureBounds(t *testing.T) {
	m, _ := newTestManager(t)

	// 25 + 10 breaches the +30 cap.
	if err := m.CheckPreTrade(buyQuote(10), risk.TradeContext{TotalExposureUSD: 25}); err == nil {
		t.Error("buy pushing past max exposure should be rejected")
	}
	// -25 - 10 breaches the -30 floor.
	if err := m.CheckPreTrade(sellQuote(10), risk.TradeContext{TotalExposureUSD: -25}); err == nil {
		t.Error("sell pushing past min exposure should be rejected")
	}
	// Reducing trades keep their headroom.
	if err := m.CheckPreTrade(sellQuote(10), risk.TradeContext{TotalExposureUSD: 25}); err != nil {
		t.Errorf("exposure-reducing sell rejected: %v", err)
	}
}

func TestCheckPreTrade_PositionLimit(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.CheckPreTrade(buyQuote(10), risk.TradeContext{PositionUSD: 12}); err == nil {
		t.Error("position past the per-market cap should be rejected")
	}
	if err := m.CheckPreTrade(buyQuote(5), risk.TradeContext{PositionUSD: 12}); err != nil {
		t.Errorf("position within cap rejected: %v", err)
	}
}

func TestCheckPreTrade_SkewGate(t *testing.T) {
	m, _ := newTestManager(t)
	tc := risk.TradeContext{InventorySkew: 0.5}

	if err := m.CheckPreTrade(buyQuote(5), tc); err == nil {
		t.Error("buy into a long skew beyond the bound should be rejected")
	}
	if err := m.CheckPreTrade(sellQuote(5), tc); err != nil {
		t.Errorf("skew-reducing sell rejected: %v", err)
	}
}

func TestCheckPreTrade_PausedWinsOverEverything(t *testing.T) {
	m, _ := newTestManager(t)

	// Trip the stop-loss breaker.
	m.RecordTradeResult(decimal.NewFromInt(-10))
	if paused, _, _ := m.CheckCircuitBreakers(); !paused {
		t.Fatal("10% daily loss should trip the stop-loss breaker")
	}

	// A quote that would otherwise pass is refused with the pause sentinel.
	err := m.CheckPreTrade(buyQuote(5), risk.TradeContext{})
	if !errors.Is(err, domain.ErrTradingPaused) {
		t.Fatalf("want ErrTradingPaused, got %v", err)
	}
}

func TestStopLossBreaker_ResumesAfterCooldown(t *testing.T) {
	m, clock := newTestManager(t)

	m.RecordTradeResult(decimal.NewFromInt(-10))
	if paused, kind, reason := m.CheckCircuitBreakers(); !paused || reason == "" || kind != risk.BreakerStopLoss {
		t.Fatalf("stop-loss breaker should pause with kind %q and a reason, got %q", risk.BreakerStopLoss, kind)
	}

	// Still paused inside the cooldown, even though nothing else is wrong.
	*clock = clock.Add(10 * time.Minute)
	if paused, _, _ := m.CheckCircuitBreakers(); !paused {
		t.Error("pause should hold until the cooldown elapses")
	}

	// The pause flag never clears on its own.
	*clock = clock.Add(25 * time.Minute)
	if !m.Paused() {
		t.Error("Paused should stay true until CheckCircuitBreakers runs")
	}
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Error("breaker should clear once the cooldown has elapsed")
	}
	if err := m.CheckPreTrade(buyQuote(5), risk.TradeContext{}); err != nil {
		t.Errorf("trading should resume after the breaker clears: %v", err)
	}
}

func TestConsecutiveLossBreaker(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 2; i++ {
		m.RecordTradeResult(decimal.NewFromInt(-1))
	}
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Fatal("two losses should not trip the streak breaker")
	}

	// A win resets the streak.
	m.RecordTradeResult(decimal.NewFromInt(1))
	m.RecordTradeResult(decimal.NewFromInt(-1))
	m.RecordTradeResult(decimal.NewFromInt(-1))
	m.RecordTradeResult(decimal.NewFromInt(-1))
	if paused, _, _ := m.CheckCircuitBreakers(); !paused {
		t.Fatal("three consecutive losses should trip the breaker")
	}
}

func TestAPIFailureBreaker(t *testing.T) {
	m, clock := newTestManager(t)

	for i := 0; i < 4; i++ {
		m.RecordAPIFailure()
	}
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Fatal("four failures should stay under the threshold")
	}

	// A success wipes the burst.
	m.RecordAPISuccess()
	for i := 0; i < 4; i++ {
		m.RecordAPIFailure()
	}
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Fatal("failure history should reset on success")
	}

	m.RecordAPIFailure()
	if paused, kind, _ := m.CheckCircuitBreakers(); !paused || kind != risk.BreakerAPIFailures {
		t.Fatalf("five failures inside the window should trip the failure breaker, got kind %q", kind)
	}

	// After the cooldown the breaker clears and stale failures are gone.
	*clock = clock.Add(6 * time.Minute)
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Error("failure breaker should clear after its cooldown")
	}
}

func TestStopLoss_MeasuredAgainstPeakEquity(t *testing.T) {
	m, clock := newTestManager(t)

	// Equity runs up to 200; the high-water mark moves with it. The next UTC
	// day starts a fresh loss window at the higher equity.
	m.UpdateEquity(decimal.NewFromInt(200))
	*clock = clock.Add(24 * time.Hour)
	if s := m.Summary(); !s.PeakEquity.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("peak equity = %s, want 200", s.PeakEquity)
	}

	// A $15 drawdown is 15% of the $100 start but only 7.5% of the $200
	// peak: against the high-water mark it stays under the 10% stop.
	m.RecordTradeResult(decimal.NewFromInt(-15))
	if paused, _, reason := m.CheckCircuitBreakers(); paused {
		t.Fatalf("7.5%% of peak should not trip a 10%% stop: %s", reason)
	}

	m.RecordTradeResult(decimal.NewFromInt(-6))
	if paused, kind, _ := m.CheckCircuitBreakers(); !paused || kind != risk.BreakerStopLoss {
		t.Fatal("10.5% of peak should trip the stop-loss")
	}

	// The peak never decays with equity.
	if s := m.Summary(); !s.PeakEquity.Equal(decimal.NewFromInt(200)) {
		t.Errorf("peak equity after losses = %s, want 200", s.PeakEquity)
	}
}

func TestDailyWindowRollsAtMidnightUTC(t *testing.T) {
	m, clock := newTestManager(t)

	m.RecordTradeResult(decimal.NewFromInt(-9)) // 9%: under the stop
	if paused, _, _ := m.CheckCircuitBreakers(); paused {
		t.Fatal("9% loss should not trip a 10% stop")
	}

	// Next UTC day: the loss window resets, a further small loss does not
	// combine with yesterday's.
	*clock = clock.Add(13 * time.Hour)
	m.RecordTradeResult(decimal.NewFromInt(-2))
	if paused, _, reason := m.CheckCircuitBreakers(); paused {
		t.Fatalf("losses must not accumulate across the daily roll: %s", reason)
	}

	s := m.Summary()
	if !s.DailyPnL.Equal(decimal.NewFromInt(-2)) {
		t.Errorf("daily pnl after roll = %s, want -2", s.DailyPnL)
	}
}
