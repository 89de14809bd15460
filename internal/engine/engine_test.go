package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
	"polymaker/internal/infra"
	"polymaker/internal/order"
	"polymaker/internal/pricing"
	"polymaker/internal/quoting"
	"polymaker/internal/risk"
	"polymaker/internal/service"
)

// scriptVenue serves scripted markets and books and accepts every order.
type scriptVenue struct {
	mu      sync.Mutex
	markets []domain.Market
	books   map[string]domain.OrderBook
	nextID  int
	cancels int
}

func (v *scriptVenue) setBook(tokenID string, book domain.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[tokenID] = book
}

func (v *scriptVenue) GetMarkets(context.Context) ([]domain.Market, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Market(nil), v.markets...), nil
}

func (v *scriptVenue) GetOrderBook(_ context.Context, tokenID string) (domain.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[tokenID], nil
}

func (v *scriptVenue) GetFeeRateBps(context.Context, string) (int, error) { return 100, nil }

func (v *scriptVenue) SubmitOrder(context.Context, domain.Order, int) (domain.SubmitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	return domain.SubmitResult{Success: true, OrderID: fmt.Sprintf("ord-%d", v.nextID)}, nil
}

func (v *scriptVenue) CancelOrder(context.Context, string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels++
	return true, nil
}

func (v *scriptVenue) CancelAll(context.Context) (bool, error) { return true, nil }

func (v *scriptVenue) GetRecentTrades(context.Context, string, int) ([]domain.Trade, error) {
	return nil, nil
}

func market(i int, volume float64) domain.Market {
	return domain.Market{
		ConditionID: fmt.Sprintf("0xcond%d", i),
		Question:    fmt.Sprintf("market %d?", i),
		TokenIDs: map[string]string{
			domain.OutcomeYes: fmt.Sprintf("tok%d-yes", i),
			domain.OutcomeNo:  fmt.Sprintf("tok%d-no", i),
		},
		FeeBps:    100,
		Volume24h: volume,
	}
}

func tightBook(mid float64) domain.OrderBook {
	half := mid * 0.0010 // 20 bps spread
	return domain.OrderBook{
		Bids:      []domain.PriceLevel{{Price: mid - half, Size: 500}},
		Asks:      []domain.PriceLevel{{Price: mid + half, Size: 500}},
		Midpoint:  mid,
		SpreadBps: 20,
	}
}

// newTestEngine wires a $60 aggressive engine against the scripted venue.
func newTestEngine(t *testing.T, v *scriptVenue) (*Engine, *risk.Manager, *domain.InventoryBook) {
	t.Helper()
	log := infra.NewTestLogger()

	cfg := &infra.Config{}
	cfg.Venue.Mode = infra.ModeSandbox
	cfg.Trading.CapitalUSD = 60
	cfg.Trading.Aggression = infra.AggressionAggressive
	cfg.Trading.RefreshIntervalSec = 1
	cfg.Trading.DiscoveryIntervalSec = 300
	cfg.Trading.MaxMarkets = 10
	cfg.Trading.MinVolumeUSD = 5000
	cfg.Trading.MaxNetExposurePct = 0.50
	cfg.Trading.RebateRate = 0.20
	cfg.Trading.ShutdownGraceSec = 2
	cfg.ApplyAggression(cfg.Trading.Aggression)

	pcfg := pricing.DefaultConfig()
	pcfg.MinSpreadBps = cfg.Quoting.MinSpreadBps
	pcfg.MaxSpreadBps = cfg.Quoting.MaxSpreadBps
	pcfg.BuyStopThreshold = cfg.Quoting.BuyStopThreshold
	pcfg.SellStopThreshold = cfg.Quoting.SellStopThreshold

	quoter := quoting.NewEngine(quoting.Config{
		Pricing:          pcfg,
		DefaultSizeUSD:   cfg.Quoting.DefaultSizeUSD,
		MinSizeUSD:       1,
		MaxSizeUSD:       cfg.Quoting.MaxSizeUSD,
		MaxExposureUSD:   cfg.Inventory.MaxExposureUSD,
		MinExposureUSD:   cfg.Inventory.MinExposureUSD,
		MaxInventorySkew: 0.3,
	}, log)

	rm := risk.NewManager(risk.Limits{
		MaxExposureUSD:          cfg.Inventory.MaxExposureUSD,
		MinExposureUSD:          cfg.Inventory.MinExposureUSD,
		MaxPositionSizeUSD:      cfg.Inventory.MaxPositionSizeUSD,
		MaxSingleOrderUSD:       cfg.Inventory.MaxSingleOrderUSD,
		MaxInventorySkew:        0.3,
		StopLossPct:             10,
		StopLossCooldown:        30 * time.Minute,
		MaxConsecutiveLosses:    3,
		ConsecutiveLossCooldown: 30 * time.Minute,
		MaxAPIFailures:          5,
		APIFailureWindow:        5 * time.Minute,
		APIFailureCooldown:      5 * time.Minute,
	}, decimal.NewFromInt(60), log, nil)

	inv := domain.NewInventoryBook()
	om := order.NewManager(v, inv, order.Config{
		SimulatedFills: false,
		RebateRate:     cfg.Trading.RebateRate,
		Lifetime:       time.Duration(cfg.Quoting.OrderLifetimeSec) * time.Second,
		StaleMaxAge:    5 * time.Minute,
	}, log, nil, nil)

	e := New(cfg, Deps{
		Venue:   v,
		Quoter:  quoter,
		Risk:    rm,
		Orders:  om,
		Signals: service.NewMarketService(log),
		Inv:     inv,
		Metrics: infra.NewMetrics(),
	}, log)
	return e, rm, inv
}

func TestDiscover_FiltersAndCaps(t *testing.T) {
	v := &scriptVenue{books: map[string]domain.OrderBook{}}
	for i := 0; i < 15; i++ {
		v.markets = append(v.markets, market(i, float64(1000*(i+1))))
	}

	e, _, _ := newTestEngine(t, v)
	if err := e.discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tracked := e.trackedMarkets()
	if len(tracked) != 10 {
		t.Fatalf("tracked = %d, want the top 10", len(tracked))
	}
	for _, m := range tracked {
		if m.Volume24h < 5000 {
			t.Errorf("low-volume market tracked: %+v", m)
		}
	}
	// Sorted by volume, biggest first.
	if tracked[0].Volume24h != 15000 {
		t.Errorf("top market volume = %v, want 15000", tracked[0].Volume24h)
	}
}

func TestTick_QuotesFillsAndSettles(t *testing.T) {
	m := market(1, 50000)
	v := &scriptVenue{
		markets: []domain.Market{m},
		books:   map[string]domain.OrderBook{m.YesToken(): tightBook(0.50)},
	}
	e, rm, inv := newTestEngine(t, v)
	if err := e.discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	// First tick: the engine rests maker quotes on both sides.
	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open := e.OpenOrders()
	if len(open) != 2 {
		t.Fatalf("open orders = %d, want 2", len(open))
	}
	var buy *domain.Order
	for i := range open {
		if open[i].Side == domain.SideBuy {
			buy = &open[i]
		}
	}
	if buy == nil {
		t.Fatal("no resting buy")
	}
	// $60 capital, aggressive preset: $18 per order just under mid.
	if buy.Price < 0.495 || buy.Price >= 0.50 {
		t.Errorf("buy price = %v, want just below 0.50", buy.Price)
	}
	if notional := buy.Price * buy.Size; notional < 17.9 || notional > 18.1 {
		t.Errorf("buy notional = %v, want ~18", notional)
	}

	// Ask drops through our bid: the buy fills on the next tick.
	v.setBook(m.YesToken(), domain.OrderBook{
		Bids:      []domain.PriceLevel{{Price: buy.Price - 0.002, Size: 500}},
		Asks:      []domain.PriceLevel{{Price: buy.Price - 0.001, Size: 500}},
		Midpoint:  buy.Price - 0.0015,
		SpreadBps: 20,
	})
	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := inv.Get(m.ConditionID).Yes
	if got < 35.5 || got > 36.5 {
		t.Errorf("YES inventory after fill = %v, want ~36", got)
	}
	if len(e.FilledHistory()) != 1 {
		t.Errorf("filled history = %d, want 1", len(e.FilledHistory()))
	}

	// Equity moved from cash into inventory plus a small rebate; it stays
	// near the starting capital.
	s := rm.Summary()
	if s.Equity.LessThan(decimal.NewFromInt(58)) || s.Equity.GreaterThan(decimal.NewFromInt(62)) {
		t.Errorf("equity = %s, want near 60", s.Equity)
	}
}

func TestTick_PausedClearsRestingOrders(t *testing.T) {
	m := market(1, 50000)
	v := &scriptVenue{
		markets: []domain.Market{m},
		books:   map[string]domain.OrderBook{m.YesToken(): tightBook(0.50)},
	}
	e, rm, _ := newTestEngine(t, v)
	e.discover(context.Background())

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(e.OpenOrders()) == 0 {
		t.Fatal("expected resting orders before the pause")
	}

	// 20% daily loss trips the stop.
	rm.RecordTradeResult(decimal.NewFromInt(-12))
	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := len(e.OpenOrders()); got != 0 {
		t.Errorf("open orders while paused = %d, want 0", got)
	}
	if !rm.Paused() {
		t.Error("risk manager should report paused")
	}
}

func TestTick_APIFailurePauseKeepsRestingOrders(t *testing.T) {
	m := market(1, 50000)
	v := &scriptVenue{
		markets: []domain.Market{m},
		books:   map[string]domain.OrderBook{m.YesToken(): tightBook(0.50)},
	}
	e, rm, _ := newTestEngine(t, v)
	e.discover(context.Background())

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	resting := len(e.OpenOrders())
	if resting == 0 {
		t.Fatal("expected resting orders before the trip")
	}

	// A burst of venue failures trips the breaker, but a connectivity pause
	// must not flatten the book: the orders keep working.
	for i := 0; i < 5; i++ {
		rm.RecordAPIFailure()
	}
	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if !rm.Paused() {
		t.Fatal("risk manager should report paused")
	}
	if got := len(e.OpenOrders()); got != resting {
		t.Errorf("open orders after venue-failure trip = %d, want %d still resting", got, resting)
	}
}

func TestTick_PortfolioExposureGatesOtherMarkets(t *testing.T) {
	m1, m2 := market(1, 50000), market(2, 40000)
	v := &scriptVenue{
		markets: []domain.Market{m1, m2},
		books: map[string]domain.OrderBook{
			m1.YesToken(): tightBook(0.50),
			m2.YesToken(): tightBook(0.50),
		},
	}
	e, _, inv := newTestEngine(t, v)
	e.discover(context.Background())

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(e.OpenOrders()); got != 4 {
		t.Fatalf("open orders = %d, want both sides in both markets", got)
	}

	// Load market 1 close to the $30 portfolio cap: 58 YES at mid 0.50 marks
	// at $29. Any buy anywhere would project past the cap.
	inv.Credit(m1.ConditionID, domain.SideBuy, 58)
	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for _, o := range e.orders.OpenOrdersFor(m2.ConditionID) {
		if o.Side == domain.SideBuy {
			t.Errorf("buy resting in market 2 despite portfolio exposure %v: %+v",
				e.totalExposureUSD(), o)
		}
	}
	// Exposure-reducing sells still quote.
	if got := len(e.orders.OpenOrdersFor(m2.ConditionID)); got != 1 {
		t.Errorf("market 2 resting orders = %d, want the sell side only", got)
	}
	// Market 1 itself is over its per-market position limit on both sides.
	if got := len(e.orders.OpenOrdersFor(m1.ConditionID)); got != 0 {
		t.Errorf("market 1 resting orders = %d, want 0", got)
	}
}

func TestSettleFill_BooksSignedEdge(t *testing.T) {
	v := &scriptVenue{books: map[string]domain.OrderBook{}}
	e, rm, _ := newTestEngine(t, v)

	// Buy filled above mid: negative edge net of the rebate, and the loss
	// streak advances.
	e.settleFill(order.Fill{
		Order:    domain.Order{Side: domain.SideBuy},
		Quantity: 10, Price: 0.75,
		Rebate: decimal.NewFromFloat(0.01),
	}, 0.50)

	s := rm.Summary()
	if !s.DailyPnL.Equal(decimal.NewFromFloat(-2.49)) {
		t.Errorf("daily pnl = %s, want -2.49", s.DailyPnL)
	}
	if s.ConsecutiveLosses != 1 {
		t.Errorf("consecutive losses = %d, want 1", s.ConsecutiveLosses)
	}

	// Sell (a NO bid) filled below the complement mid: positive edge breaks
	// the streak.
	e.settleFill(order.Fill{
		Order:    domain.Order{Side: domain.SideSell},
		Quantity: 10, Price: 0.25,
		Rebate: decimal.NewFromFloat(0.01),
	}, 0.50)

	s = rm.Summary()
	if !s.DailyPnL.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("daily pnl = %s, want 0.02", s.DailyPnL)
	}
	if s.ConsecutiveLosses != 0 {
		t.Errorf("consecutive losses = %d, want 0", s.ConsecutiveLosses)
	}
}

func TestMirrorBook(t *testing.T) {
	yes := domain.OrderBook{
		Bids:      []domain.PriceLevel{{Price: 0.495, Size: 10}},
		Asks:      []domain.PriceLevel{{Price: 0.505, Size: 20}},
		Midpoint:  0.50,
		SpreadBps: 200,
	}
	no := mirrorBook(yes)

	if no.BestBid() != 1-0.505 || no.BestAsk() != 1-0.495 {
		t.Errorf("mirror touch = %v/%v", no.BestBid(), no.BestAsk())
	}
	if no.Midpoint != 0.50 {
		t.Errorf("mirror mid = %v, want 0.50", no.Midpoint)
	}
	if no.Bids[0].Size != 20 || no.Asks[0].Size != 10 {
		t.Error("mirror should carry sizes across")
	}
}
