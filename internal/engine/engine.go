package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
	"polymaker/internal/infra"
	"polymaker/internal/order"
	"polymaker/internal/quoting"
	"polymaker/internal/risk"
	"polymaker/internal/service"
	"polymaker/internal/venue"
)

// Concurrent per-market pipelines per tick.
const maxConcurrentMarkets = 4

// Ticks between status log lines.
const statusEvery = 20

// Store is the persistence the engine needs across restarts. Implemented by
// the storage layer; kept narrow so tests can run without a database.
type Store interface {
	SaveEngineState(equity, totalRebates decimal.Decimal, inventory map[string]domain.Inventory) error
	ReplacePendingOrders(orders []domain.Order) error
	HasPendingOrders() (bool, error)
	ClearPendingOrders() error
}

// Engine drives the tick loop: per tracked market it snapshots the book,
// settles fills, generates quotes, gates them through risk and reconciles
// the resting orders, in that order, every tick.
type Engine struct {
	cfg     *infra.Config
	venue   domain.VenueClient
	store   Store
	quoter  *quoting.Engine
	riskMgr *risk.Manager
	orders  *order.Manager
	signals *service.MarketService
	inv     *domain.InventoryBook
	metrics *infra.Metrics
	log     *slog.Logger
	now     func() time.Time

	feed    *venue.Feed
	updates chan venue.BookUpdate

	mu      sync.Mutex
	tracked []domain.Market
	mids    map[string]float64 // conditionID -> latest YES mid
	cash    decimal.Decimal
	paused  bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Venue   domain.VenueClient
	Store   Store // may be nil
	Quoter  *quoting.Engine
	Risk    *risk.Manager
	Orders  *order.Manager
	Signals *service.MarketService
	Inv     *domain.InventoryBook
	Metrics *infra.Metrics
	Now     func() time.Time
}

func New(cfg *infra.Config, d Deps, log *slog.Logger) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		cfg:     cfg,
		venue:   d.Venue,
		store:   d.Store,
		quoter:  d.Quoter,
		riskMgr: d.Risk,
		orders:  d.Orders,
		signals: d.Signals,
		inv:     d.Inv,
		metrics: d.Metrics,
		log:     log.With("component", "engine"),
		now:     d.Now,
		updates: make(chan venue.BookUpdate, 256),
		mids:    make(map[string]float64),
		cash:    decimal.NewFromFloat(cfg.Trading.CapitalUSD),
	}
}

// Run blocks until ctx is cancelled or a fatal error surfaces. Shutdown is
// part of Run: it cancels resting orders within the grace period and
// persists whatever could not be confirmed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.reconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	if err := e.discover(ctx); err != nil {
		e.log.Warn("initial discovery failed", "error", err)
	}

	tick := time.NewTicker(e.cfg.RefreshInterval())
	defer tick.Stop()
	discovery := time.NewTicker(e.cfg.DiscoveryInterval())
	defer discovery.Stop()

	e.log.Info("engine started",
		"mode", e.cfg.Venue.Mode,
		"markets", len(e.trackedMarkets()),
		"capital", e.cfg.Trading.CapitalUSD,
		"aggression", e.cfg.Trading.Aggression)

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case u := <-e.updates:
			// Push-fed mids densify the volatility signal between ticks.
			if u.Book.Midpoint > 0 && u.Book.Midpoint < 1 {
				e.signals.RecordMid(u.TokenID, u.Book.Midpoint)
			}

		case <-discovery.C:
			if err := e.discover(ctx); err != nil {
				e.log.Warn("discovery failed", "error", err)
			}

		case <-tick.C:
			if err := e.tick(ctx); err != nil {
				e.shutdown()
				return err
			}
			ticks++
			if ticks%statusEvery == 0 {
				e.logStatus()
			}
		}
	}
}

// discover refreshes the tracked market set: volume-filtered, sorted by
// volume, capped.
func (e *Engine) discover(ctx context.Context) error {
	markets, err := e.venue.GetMarkets(ctx)
	if err != nil {
		e.noteVenueError(err)
		return err
	}
	e.riskMgr.RecordAPISuccess()

	eligible := markets[:0:0]
	for _, m := range markets {
		if m.Volume24h < e.cfg.Trading.MinVolumeUSD {
			continue
		}
		if m.YesToken() == "" || m.NoToken() == "" {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Volume24h > eligible[j].Volume24h
	})
	if len(eligible) > e.cfg.Trading.MaxMarkets {
		eligible = eligible[:e.cfg.Trading.MaxMarkets]
	}

	e.mu.Lock()
	dropped := diffMarkets(e.tracked, eligible)
	e.tracked = eligible
	e.mu.Unlock()

	for _, m := range dropped {
		e.signals.Forget([]string{m.YesToken(), m.NoToken()}, m.ConditionID)
	}

	e.log.Info("markets discovered", "tracked", len(eligible), "dropped", len(dropped))
	e.restartFeed(ctx, eligible)
	return nil
}

// restartFeed resubscribes the push book feed to the current tracked set.
// Only active when a WS endpoint is configured; the tick loop's REST
// snapshots remain the source of truth either way.
func (e *Engine) restartFeed(ctx context.Context, tracked []domain.Market) {
	if e.cfg.Venue.WSURL == "" {
		return
	}
	if e.feed != nil {
		e.feed.Disconnect()
	}
	tokens := make([]string, 0, len(tracked))
	for _, m := range tracked {
		tokens = append(tokens, m.YesToken())
	}
	e.feed = venue.NewFeed(e.cfg.Venue.WSURL, tokens, e.updates, e.log)
	if err := e.feed.Connect(ctx); err != nil {
		e.log.Warn("book feed start failed", "error", err)
	}
}

func diffMarkets(old, new []domain.Market) []domain.Market {
	keep := make(map[string]bool, len(new))
	for _, m := range new {
		keep[m.ConditionID] = true
	}
	var dropped []domain.Market
	for _, m := range old {
		if !keep[m.ConditionID] {
			dropped = append(dropped, m)
		}
	}
	return dropped
}

// tick runs one full pass over the tracked markets. A panic inside the pass
// is treated as state corruption: the engine dumps its state and stops.
func (e *Engine) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.dumpState(fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("engine halted on invariant violation: %v", r)
		}
	}()

	paused, kind, reason := e.riskMgr.CheckCircuitBreakers()
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = paused
	e.mu.Unlock()
	if paused && !wasPaused {
		e.metrics.IncBreakerTrips()
		e.log.Warn("trading paused", "kind", kind, "reason", reason)
	}
	if !paused && wasPaused {
		e.log.Info("trading resumed")
	}

	// Loss breakers flatten the book; a venue-failure trip only stops new
	// quoting and leaves resting orders working.
	clearOrders := paused && kind != risk.BreakerAPIFailures

	markets := e.trackedMarkets()
	sem := make(chan struct{}, maxConcurrentMarkets)
	var wg sync.WaitGroup
	errCh := make(chan error, len(markets))

	for _, m := range markets {
		wg.Add(1)
		sem <- struct{}{}
		go func(m domain.Market) {
			defer wg.Done()
			defer func() { <-sem }()
			if perr := e.processMarket(ctx, m, paused, clearOrders); perr != nil {
				errCh <- perr
			}
		}(m)
	}
	wg.Wait()
	close(errCh)

	for perr := range errCh {
		// Corrupted fills stop the engine; venue trouble is already
		// counted against the failure breaker.
		if errors.Is(perr, domain.ErrInvalidFill) || errors.Is(perr, domain.ErrInvalidTransition) {
			e.dumpState(perr.Error())
			return perr
		}
	}

	e.orders.CancelStale(ctx)
	e.riskMgr.UpdateEquity(e.equity())
	e.metrics.IncTicks()
	return nil
}

// processMarket runs the per-market pipeline: snapshot, fills, quotes, risk
// gate, reconcile. Order placement never happens while any engine lock is
// held.
func (e *Engine) processMarket(ctx context.Context, m domain.Market, paused, clearOrders bool) error {
	book, err := e.venue.GetOrderBook(ctx, m.YesToken())
	if err != nil {
		e.noteVenueError(err)
		return nil
	}
	e.riskMgr.RecordAPISuccess()

	mid := book.Midpoint
	if mid <= 0 || mid >= 1 {
		return nil
	}

	e.mu.Lock()
	e.mids[m.ConditionID] = mid
	e.mu.Unlock()

	e.signals.RecordMid(m.YesToken(), mid)

	state := domain.MarketState{
		ConditionID:   m.ConditionID,
		TokenIDs:      m.TokenIDs,
		MidPrice:      mid,
		BestBid:       book.BestBid(),
		BestAsk:       book.BestAsk(),
		SpreadBps:     book.SpreadBps,
		VolatilityBps: e.signals.VolatilityBps(m.YesToken()),
		Volume24h:     m.Volume24h,
	}

	books := map[string]domain.OrderBook{
		m.YesToken(): book,
		m.NoToken():  mirrorBook(book),
	}
	fills, expired, err := e.orders.CheckFills(ctx, books, e.fetchTrades(ctx, m), m.Volume24h)
	if err != nil {
		return err
	}
	for _, f := range fills {
		e.settleFill(f, mid)
		e.signals.RecordOrderOutcome(f.Order.MarketID, true)
		e.metrics.IncFilled()
	}
	for _, o := range expired {
		e.signals.RecordOrderOutcome(o.MarketID, false)
		e.metrics.IncExpired()
	}

	if paused {
		if clearOrders {
			return e.reconcile(ctx, m, nil)
		}
		return nil
	}

	inv := e.inv.Get(m.ConditionID)
	totalExposure := e.totalExposureUSD()
	decision := e.quoter.GenerateQuotes(state, inv, totalExposure, e.signals.FillRate(m.ConditionID))

	tc := risk.TradeContext{
		TotalExposureUSD: totalExposure,
		PositionUSD:      inv.Yes*mid + inv.No*(1-mid),
		InventorySkew:    inv.Skew(),
	}
	passing := decision.Quotes[:0:0]
	for _, q := range decision.Quotes {
		if rerr := e.riskMgr.CheckPreTrade(q, tc); rerr != nil {
			e.metrics.IncRiskRejections()
			e.log.Debug("quote rejected", "market", m.ConditionID, "side", q.Side, "reason", rerr)
			continue
		}
		passing = append(passing, q)
	}

	return e.reconcile(ctx, m, passing)
}

func (e *Engine) reconcile(ctx context.Context, m domain.Market, quotes []domain.Quote) error {
	err := e.orders.ExecuteQuotes(ctx, m.ConditionID, quotes, m.FeeBps)
	if err != nil {
		e.noteVenueError(err)
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	return nil
}

// fetchTrades pulls the recent trade tape for tokens with resting orders in
// this market. Live mode only: sandbox fills come from the simulator.
func (e *Engine) fetchTrades(ctx context.Context, m domain.Market) map[string][]domain.Trade {
	if e.cfg.Venue.Mode != infra.ModeLive {
		return nil
	}
	open := e.orders.OpenOrdersFor(m.ConditionID)
	if len(open) == 0 {
		return nil
	}
	tokens := make(map[string]bool, 2)
	for _, o := range open {
		tokens[o.TokenID] = true
	}
	tape := make(map[string][]domain.Trade, len(tokens))
	for tok := range tokens {
		trades, err := e.venue.GetRecentTrades(ctx, tok, 100)
		if err != nil {
			e.noteVenueError(err)
			continue
		}
		tape[tok] = trades
	}
	return tape
}

// totalExposureUSD marks every market's net position at its latest mid and
// sums across the portfolio.
func (e *Engine) totalExposureUSD() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total float64
	for id, inv := range e.inv.Snapshot() {
		mid, ok := e.mids[id]
		if !ok {
			continue
		}
		total += inv.Yes*mid - inv.No*(1-mid)
	}
	return total
}

// settleFill books the cash leg of a fill and records its signed
// mark-to-mid result: a maker fill inside the spread earns edge plus rebate,
// one taken through the mid books a loss.
func (e *Engine) settleFill(f order.Fill, yesMid float64) {
	notional := decimal.NewFromFloat(f.Quantity).Mul(decimal.NewFromFloat(f.Price))

	e.mu.Lock()
	e.cash = e.cash.Sub(notional).Add(f.Rebate)
	e.mu.Unlock()

	tokenMid := yesMid
	if f.Order.Side == domain.SideSell {
		tokenMid = 1 - yesMid
	}
	edge := decimal.NewFromFloat((tokenMid - f.Price) * f.Quantity)
	e.riskMgr.RecordTradeResult(edge.Add(f.Rebate))
}

// equity marks the book to the latest mids: cash plus inventory value.
func (e *Engine) equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.cash
	for id, inv := range e.inv.Snapshot() {
		mid, ok := e.mids[id]
		if !ok {
			continue
		}
		value := inv.Yes*mid + inv.No*(1-mid)
		total = total.Add(decimal.NewFromFloat(value))
	}
	return total
}

// mirrorBook converts a YES book into the complementary NO book: each side
// flips and prices reflect around 1.
func mirrorBook(b domain.OrderBook) domain.OrderBook {
	out := domain.OrderBook{SpreadBps: b.SpreadBps}
	if b.Midpoint > 0 {
		out.Midpoint = 1 - b.Midpoint
	}
	for _, l := range b.Asks {
		out.Bids = append(out.Bids, domain.PriceLevel{Price: 1 - l.Price, Size: l.Size})
	}
	for _, l := range b.Bids {
		out.Asks = append(out.Asks, domain.PriceLevel{Price: 1 - l.Price, Size: l.Size})
	}
	return out
}

// reconcileStartup clears orders left behind by an unclean shutdown before
// any quoting starts.
func (e *Engine) reconcileStartup(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	pending, err := e.store.HasPendingOrders()
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	e.log.Warn("unconfirmed orders from previous run, sweeping venue")
	if _, err := e.venue.CancelAll(ctx); err != nil {
		return err
	}
	return e.store.ClearPendingOrders()
}

// shutdown cancels everything it can within the grace period and persists
// the rest for the next startup.
func (e *Engine) shutdown() {
	if e.feed != nil {
		e.feed.Disconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace())
	defer cancel()

	e.log.Info("shutting down, cancelling resting orders")
	if err := e.orders.CancelAll(ctx); err != nil {
		e.log.Error("shutdown cancel failed", "error", err)
	}

	if e.store == nil {
		return
	}
	if unconfirmed := e.orders.OpenOrders(); len(unconfirmed) > 0 {
		if err := e.store.ReplacePendingOrders(unconfirmed); err != nil {
			e.log.Error("pending order persistence failed", "error", err)
		}
	} else if err := e.store.ReplacePendingOrders(nil); err != nil {
		e.log.Error("pending order persistence failed", "error", err)
	}
	if err := e.store.SaveEngineState(e.equity(), e.orders.TotalRebates(), e.inv.Snapshot()); err != nil {
		e.log.Error("state snapshot failed", "error", err)
	}
}

func (e *Engine) noteVenueError(err error) {
	if err == nil {
		return
	}
	e.metrics.IncVenueErrors()
	if domain.IsRetriable(err) {
		e.riskMgr.RecordAPIFailure()
	}
	e.log.Warn("venue error", "error", err)
}

func (e *Engine) trackedMarkets() []domain.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Market, len(e.tracked))
	copy(out, e.tracked)
	return out
}

// dumpState writes everything needed to reconstruct the failure.
func (e *Engine) dumpState(reason string) {
	summary := e.riskMgr.Summary()
	e.log.Error("engine state dump",
		"reason", reason,
		"inventory", fmt.Sprintf("%+v", e.inv.Snapshot()),
		"open_orders", fmt.Sprintf("%+v", e.orders.OpenOrders()),
		"equity", summary.Equity.StringFixed(2),
		"daily_pnl", summary.DailyPnL.StringFixed(2),
		"paused", summary.Paused)
}

func (e *Engine) logStatus() {
	stats := e.orders.Stats()
	summary := e.riskMgr.Summary()
	e.log.Info("status",
		"equity", summary.Equity.StringFixed(2),
		"daily_pnl", summary.DailyPnL.StringFixed(4),
		"rebates", e.orders.TotalRebates().StringFixed(4),
		"placed", stats.Placed,
		"filled", stats.Filled,
		"cancelled", stats.Cancelled,
		"expired", stats.Expired,
		"paused", summary.Paused)
}

// OpenOrders exposes the resting order set.
func (e *Engine) OpenOrders() []domain.Order { return e.orders.OpenOrders() }

// FilledHistory exposes this session's fills.
func (e *Engine) FilledHistory() []domain.Order { return e.orders.FilledHistory() }

// RiskSummary exposes the current risk state.
func (e *Engine) RiskSummary() risk.Summary { return e.riskMgr.Summary() }

// Stats merges order-flow counters with engine counters.
func (e *Engine) Stats() map[string]int64 {
	snap := e.metrics.Snapshot()
	stats := e.orders.Stats()
	snap["orders_placed"] = stats.Placed
	snap["orders_cancelled"] = stats.Cancelled
	snap["total_volume_usd_x100"] = int64(stats.TotalVolumeUSD * 100)
	return snap
}
