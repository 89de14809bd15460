package order

import (
	"math"
	"testing"

	"polymaker/internal/domain"
)

func TestFillProbability(t *testing.T) {
	// 100-share bid at 0.49 with 50 shares queued at better prices in a
	// tight, liquid market: 0.03 * 100/(50+100+10) * 1 * 1.2 = 0.0225.
	o := &domain.Order{Side: domain.SideBuy, Price: 0.49, Size: 100}
	book := domain.OrderBook{
		Bids:      []domain.PriceLevel{{Price: 0.495, Size: 50}, {Price: 0.485, Size: 400}},
		Asks:      []domain.PriceLevel{{Price: 0.505, Size: 100}},
		SpreadBps: 40,
	}

	if got := fillProbability(o, book, 50000); math.Abs(got-0.0225) > 1e-12 {
		t.Errorf("fill probability = %v, want 0.0225", got)
	}

	// Thin turnover scales the rate down: 500 of daily volume against a $49
	// notional gives a volume factor of 500/4900.
	if got, want := fillProbability(o, book, 500), 0.0225*500/4900; math.Abs(got-want) > 1e-12 {
		t.Errorf("thin-volume probability = %v, want %v", got, want)
	}

	// No volume at all floors at the minimum.
	if got := fillProbability(o, book, 0); got != 0.001 {
		t.Errorf("zero-volume probability = %v, want the 0.001 floor", got)
	}

	// Wide spreads dampen the rate.
	wide := book
	wide.SpreadBps = 300
	if got, want := fillProbability(o, wide, 50000), 0.0225/1.2*0.8; math.Abs(got-want) > 1e-12 {
		t.Errorf("wide-spread probability = %v, want %v", got, want)
	}
}
