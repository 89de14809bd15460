package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
)

// Cancel/replace hysteresis: a resting order is only replaced when the
// desired quote has drifted meaningfully, so quiet markets do not churn.
const (
	priceDriftThreshold = 0.005 // 0.5%
	sizeDriftThreshold  = 0.10  // 10%
)

// Config controls order lifetimes and fill handling.
type Config struct {
	SimulatedFills bool          // probability-model fills instead of book crossing
	RebateRate     float64       // maker share of the taker fee
	Lifetime       time.Duration // order expiry horizon
	StaleMaxAge    time.Duration // hard age cap for the stale sweep
}

// Stats are cumulative order-flow counters.
type Stats struct {
	Placed         int64
	Filled         int64
	Cancelled      int64
	Expired        int64
	TotalVolumeUSD float64
}

// Recorder receives terminal orders and fill events for persistence.
// Implementations must not call back into the manager.
type Recorder interface {
	RecordOrder(o domain.Order) error
	RecordFill(o domain.Order, qty float64, rebate decimal.Decimal) error
}

// Manager owns the full order lifecycle: submission, cancellation, expiry,
// fill detection, rebate accrual and inventory credit. It is the only writer
// of order state and of the inventory book.
type Manager struct {
	venue domain.VenueClient
	inv   *domain.InventoryBook
	rec   Recorder
	log   *slog.Logger
	cfg   Config
	now   func() time.Time
	rng   *rand.Rand

	nonce atomic.Uint64

	mu           sync.Mutex
	open         map[string]*domain.Order
	fills        []domain.Order
	totalRebates decimal.Decimal
	stats        Stats
}

// NewManager builds an order manager. A nil now falls back to time.Now; a
// nil recorder disables persistence.
func NewManager(venue domain.VenueClient, inv *domain.InventoryBook, cfg Config, log *slog.Logger, now func() time.Time, rec Recorder) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		venue: venue,
		inv:   inv,
		rec:   rec,
		log:   log.With("component", "orders"),
		cfg:   cfg,
		now:   now,
		rng:   rand.New(rand.NewSource(now().UnixNano())),
		open:  make(map[string]*domain.Order),
	}
}

// Submit sends a quote to the venue and tracks the resulting order. The
// venue call runs outside the lock.
func (m *Manager) Submit(ctx context.Context, q domain.Quote, feeBps int) (*domain.Order, error) {
	if q.Price <= 0 || q.Price >= 1 || q.Size <= 0 {
		return nil, fmt.Errorf("%w: price=%v size=%v", domain.ErrOrderRejected, q.Price, q.Size)
	}

	now := m.now()
	o := &domain.Order{
		MarketID:  q.MarketID,
		TokenID:   q.TokenID,
		Side:      q.Side,
		Price:     q.Price,
		Size:      q.Size,
		FeeBps:    feeBps,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Lifetime),
		Nonce:     m.nonce.Add(1),
	}

	res, err := m.venue.SubmitOrder(ctx, *o, feeBps)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: venue declined %s %s", domain.ErrOrderRejected, o.Side, o.TokenID)
	}

	m.mu.Lock()
	o.ID = res.OrderID
	o.Status = domain.OrderStatusOpen
	m.open[o.ID] = o
	m.stats.Placed++
	m.mu.Unlock()

	m.log.Debug("order placed",
		"order_id", o.ID, "market", o.MarketID, "side", o.Side,
		"price", o.Price, "size", o.Size)
	return o, nil
}

// Cancel removes one resting order.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	o, ok := m.open[orderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderID)
	}

	if _, err := m.venue.CancelOrder(ctx, orderID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(o, domain.OrderStatusCancelled); err != nil {
		return err
	}
	delete(m.open, orderID)
	m.stats.Cancelled++
	m.record(*o)
	return nil
}

// CancelAll cancels every resting order in one venue call.
func (m *Manager) CancelAll(ctx context.Context) error {
	if _, err := m.venue.CancelAll(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.open {
		if err := m.transition(o, domain.OrderStatusCancelled); err != nil {
			continue
		}
		delete(m.open, id)
		m.stats.Cancelled++
		m.record(*o)
	}
	return nil
}

// CancelStale cancels orders older than the configured hard age cap,
// regardless of drift. Returns the number cancelled.
func (m *Manager) CancelStale(ctx context.Context) int {
	if m.cfg.StaleMaxAge <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.StaleMaxAge)

	m.mu.Lock()
	var stale []string
	for id, o := range m.open {
		if o.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range stale {
		if err := m.Cancel(ctx, id); err != nil {
			m.log.Warn("stale cancel failed", "order_id", id, "error", err)
			continue
		}
		n++
	}
	return n
}

// Fill is one fill event: a quantity executed at a price on a resting order,
// with the rebate accrued on that quantity. Order is a snapshot after the
// event; for a partial fill it is still open.
type Fill struct {
	Order    domain.Order
	Quantity float64
	Price    float64
	Rebate   decimal.Decimal
}

// CheckFills scans resting orders against fresh books and the trade tape:
// expires aged orders, detects fills, books rebates and credits inventory.
// Returns the fill events and the expiries of this pass.
func (m *Manager) CheckFills(ctx context.Context, books map[string]domain.OrderBook, trades map[string][]domain.Trade, volume24h float64) (fills []Fill, expired []domain.Order, err error) {
	now := m.now()

	m.mu.Lock()
	candidates := make([]*domain.Order, 0, len(m.open))
	for _, o := range m.open {
		candidates = append(candidates, o)
	}
	m.mu.Unlock()

	for _, o := range candidates {
		if !now.Before(o.ExpiresAt) {
			if e, ok := m.expire(o); ok {
				expired = append(expired, e)
			}
			continue
		}

		book, ok := books[o.TokenID]
		if !ok {
			continue
		}

		qty := m.fillQty(o, book, trades[o.TokenID], volume24h)
		if qty <= 0 {
			continue
		}

		f, settleErr := m.settleFill(o, qty, o.Price)
		if settleErr != nil {
			if err == nil {
				err = settleErr
			}
			continue
		}
		fills = append(fills, f)
	}

	return fills, expired, err
}

// fillQty decides how much of a resting order fills this pass. Simulated
// mode rolls the probability model; live mode reads the trade tape, falling
// back to a crossed book. Both sides rest as bids on their own outcome token
// (a sell is a bid for the complement), so marketable flow always comes from
// the ask side down to our price.
func (m *Manager) fillQty(o *domain.Order, book domain.OrderBook, tape []domain.Trade, volume24h float64) float64 {
	remaining := o.Remaining()
	if remaining <= 0 {
		return 0
	}

	if m.cfg.SimulatedFills {
		if m.rng.Float64() >= fillProbability(o, book, volume24h) {
			return 0
		}
		if depth := crossingDepth(o, book); depth > 0 {
			return math.Min(remaining, depth)
		}
		return remaining
	}

	// Prints at or below our bid since placement are flow that traded
	// through our level.
	var traded float64
	for _, t := range tape {
		if t.Price <= o.Price && t.Time.After(o.CreatedAt) {
			traded += t.Size
		}
	}
	if traded > 0 {
		return math.Min(remaining, traded)
	}

	// No tape coverage: a crossed book still proves marketable flow.
	if ask := book.BestAsk(); ask > 0 && ask <= o.Price {
		return math.Min(remaining, crossingDepth(o, book))
	}
	return 0
}

// crossingDepth sums the ask-side size at or below the order's price.
func crossingDepth(o *domain.Order, book domain.OrderBook) float64 {
	var depth float64
	for _, l := range book.Asks {
		if l.Price > 0 && l.Price <= o.Price {
			depth += l.Size
		}
	}
	return depth
}

// settleFill validates and books one fill event: filled size, rebate,
// inventory. A partial fill leaves the order resting with the balance.
func (m *Manager) settleFill(o *domain.Order, qty, price float64) (Fill, error) {
	if qty <= 0 || price <= 0 || price >= 1 {
		m.log.Error("invalid fill data",
			"order_id", o.ID, "qty", qty, "price", price)
		return Fill{}, fmt.Errorf("%w: order %s qty=%v price=%v", domain.ErrInvalidFill, o.ID, qty, price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Status != domain.OrderStatusOpen {
		return Fill{}, fmt.Errorf("%w: %s -> fill (order %s)", domain.ErrInvalidTransition, o.Status, o.ID)
	}
	if qty > o.Remaining()+1e-9 {
		return Fill{}, fmt.Errorf("%w: order %s qty=%v remaining=%v",
			domain.ErrInvalidFill, o.ID, qty, o.Remaining())
	}

	o.FilledSize += qty
	o.FillPrice = price

	full := o.Remaining() <= 1e-9
	if full {
		if err := m.transition(o, domain.OrderStatusFilled); err != nil {
			return Fill{}, err
		}
		o.FilledSize = o.Size
		delete(m.open, o.ID)
		m.stats.Filled++
		m.fills = append(m.fills, *o)
	}

	rebate := rebateFor(qty, price, o.FeeBps, m.cfg.RebateRate)
	m.totalRebates = m.totalRebates.Add(rebate)
	m.stats.TotalVolumeUSD += qty * price

	m.inv.Credit(o.MarketID, o.Side, qty)
	m.recordFill(*o, qty, rebate)

	m.log.Info("order filled",
		"order_id", o.ID, "market", o.MarketID, "side", o.Side,
		"qty", qty, "price", price, "partial", !full,
		"rebate", rebate.StringFixed(6))
	return Fill{Order: *o, Quantity: qty, Price: price, Rebate: rebate}, nil
}

// rebateFor computes the maker rebate on a fill: the taker fee on the
// notional, scaled by the maker's share.
func rebateFor(qty, price float64, feeBps int, rebateRate float64) decimal.Decimal {
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	fee := notional.Mul(decimal.NewFromInt(int64(feeBps))).Div(decimal.NewFromInt(10000))
	return fee.Mul(decimal.NewFromFloat(rebateRate))
}

func (m *Manager) expire(o *domain.Order) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(o, domain.OrderStatusExpired); err != nil {
		return domain.Order{}, false
	}
	delete(m.open, o.ID)
	m.stats.Expired++
	m.record(*o)
	m.log.Debug("order expired", "order_id", o.ID, "market", o.MarketID)
	return *o, true
}

// NeedsReplace applies the cancel/replace hysteresis: replace only when the
// desired quote has drifted more than 0.5% in price or 10% in size.
func NeedsReplace(o *domain.Order, q domain.Quote) bool {
	if o.Price <= 0 || o.Size <= 0 {
		return true
	}
	priceDrift := math.Abs(q.Price-o.Price) / o.Price
	sizeDrift := math.Abs(q.Size-o.Size) / o.Size
	return priceDrift > priceDriftThreshold || sizeDrift > sizeDriftThreshold
}

// ExecuteQuotes reconciles one market's resting orders against the desired
// quote set: cancels first, then places, so capital is never double-committed.
func (m *Manager) ExecuteQuotes(ctx context.Context, marketID string, quotes []domain.Quote, feeBps int) error {
	m.mu.Lock()
	existing := make(map[string]*domain.Order) // tokenID+side -> order
	for _, o := range m.open {
		if o.MarketID == marketID {
			existing[o.TokenID+"/"+o.Side] = o
		}
	}
	m.mu.Unlock()

	wanted := make(map[string]domain.Quote, len(quotes))
	for _, q := range quotes {
		wanted[q.TokenID+"/"+q.Side] = q
	}

	var toCancel []string
	var toPlace []domain.Quote
	for key, q := range wanted {
		o, ok := existing[key]
		switch {
		case !ok:
			toPlace = append(toPlace, q)
		case NeedsReplace(o, q):
			toCancel = append(toCancel, o.ID)
			toPlace = append(toPlace, q)
		}
	}
	// Desired set no longer includes these sides at all.
	for key, o := range existing {
		if _, ok := wanted[key]; !ok {
			toCancel = append(toCancel, o.ID)
		}
	}

	var errs []error
	for _, id := range toCancel {
		if err := m.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrUnknownOrder) {
			errs = append(errs, err)
		}
	}
	for _, q := range toPlace {
		if _, err := m.Submit(ctx, q, feeBps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transition enforces the lifecycle state machine. Terminal states absorb.
func (m *Manager) transition(o *domain.Order, next string) error {
	valid := false
	switch o.Status {
	case domain.OrderStatusPending:
		valid = next == domain.OrderStatusOpen || next == domain.OrderStatusCancelled
	case domain.OrderStatusOpen:
		valid = next == domain.OrderStatusFilled ||
			next == domain.OrderStatusCancelled ||
			next == domain.OrderStatusExpired
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s (order %s)", domain.ErrInvalidTransition, o.Status, next, o.ID)
	}
	o.Status = next
	return nil
}

// record hands a terminal order to the recorder, if any.
func (m *Manager) record(o domain.Order) {
	if m.rec == nil {
		return
	}
	if err := m.rec.RecordOrder(o); err != nil {
		m.log.Warn("order persistence failed", "order_id", o.ID, "error", err)
	}
}

// recordFill hands one fill event to the recorder, if any.
func (m *Manager) recordFill(o domain.Order, qty float64, rebate decimal.Decimal) {
	if m.rec == nil {
		return
	}
	if err := m.rec.RecordFill(o, qty, rebate); err != nil {
		m.log.Warn("fill persistence failed", "order_id", o.ID, "error", err)
	}
}

// OpenOrders returns copies of all resting orders.
func (m *Manager) OpenOrders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	return out
}

// OpenOrdersFor returns copies of the market's resting orders.
func (m *Manager) OpenOrdersFor(marketID string) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.open {
		if o.MarketID == marketID {
			out = append(out, *o)
		}
	}
	return out
}

// FilledHistory returns the fills recorded this session, oldest first.
func (m *Manager) FilledHistory() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, len(m.fills))
	copy(out, m.fills)
	return out
}

// TotalRebates returns the cumulative rebate accrual.
func (m *Manager) TotalRebates() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalRebates
}

// Stats returns a copy of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
