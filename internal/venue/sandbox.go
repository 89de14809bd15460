package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"polymaker/internal/domain"
)

// Sandbox book shape.
const (
	sandboxMarkets   = 10
	sandboxFeeBps    = 100
	sandboxBookDepth = 5
)

var sandboxQuestions = []string{
	"Will BTC close above 100k this month?",
	"Will the Fed cut rates at the next meeting?",
	"Will ETH flip 5k before quarter end?",
	"Will the launch slip past the announced date?",
	"Will turnout exceed 60 percent?",
	"Will the sequel out-gross the original?",
	"Will the index finish the week green?",
	"Will the bill pass before recess?",
	"Will the record fall this season?",
	"Will the merger close this year?",
}

// Sandbox is a deterministic in-process venue. Books evolve as a bounded
// random walk from a fixed seed, so runs are reproducible; orders are always
// accepted and fills are left to the caller's simulation.
type Sandbox struct {
	mu      sync.Mutex
	rng     *rand.Rand
	log     *slog.Logger
	markets []domain.Market
	mids    map[string]float64 // tokenID -> mid of the YES leg
	open    map[string]bool
}

func NewSandbox(seed int64, log *slog.Logger) *Sandbox {
	s := &Sandbox{
		rng:  rand.New(rand.NewSource(seed)),
		log:  log.With("component", "sandbox"),
		mids: make(map[string]float64),
		open: make(map[string]bool),
	}
	s.seedMarkets()
	return s
}

func (s *Sandbox) seedMarkets() {
	for i := 0; i < sandboxMarkets; i++ {
		id := fmt.Sprintf("0xcond%04d", i)
		yes := fmt.Sprintf("tok-%04d-yes", i)
		no := fmt.Sprintf("tok-%04d-no", i)

		s.markets = append(s.markets, domain.Market{
			ConditionID: id,
			Question:    sandboxQuestions[i%len(sandboxQuestions)],
			TokenIDs: map[string]string{
				domain.OutcomeYes: yes,
				domain.OutcomeNo:  no,
			},
			FeeBps:    sandboxFeeBps,
			Volume24h: 5000 + s.rng.Float64()*95000,
		})

		mid := 0.15 + s.rng.Float64()*0.70
		s.mids[yes] = mid
		s.mids[no] = 1 - mid
	}
}

func (s *Sandbox) GetMarkets(ctx context.Context) ([]domain.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Market, len(s.markets))
	copy(out, s.markets)
	return out, nil
}

// GetOrderBook advances the token's mid by one random-walk step and builds a
// synthetic book around it.
func (s *Sandbox) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderBook{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mid, ok := s.mids[tokenID]
	if !ok {
		return domain.OrderBook{}, domain.NewRejectionError("get_orderbook",
			fmt.Errorf("unknown token %s", tokenID))
	}

	mid += (s.rng.Float64() - 0.5) * 0.004
	mid = math.Min(0.95, math.Max(0.05, mid))
	s.mids[tokenID] = mid

	spreadBps := 20 + s.rng.Float64()*130
	half := mid * spreadBps / 2 / 10000

	book := domain.OrderBook{Midpoint: round4(mid), SpreadBps: spreadBps}
	for i := 0; i < sandboxBookDepth; i++ {
		step := float64(i) * 0.002
		book.Bids = append(book.Bids, domain.PriceLevel{
			Price: round4(mid - half - step),
			Size:  50 + s.rng.Float64()*450,
		})
		book.Asks = append(book.Asks, domain.PriceLevel{
			Price: round4(mid + half + step),
			Size:  50 + s.rng.Float64()*450,
		})
	}
	return book, nil
}

func (s *Sandbox) GetFeeRateBps(ctx context.Context, tokenID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return sandboxFeeBps, nil
}

// SubmitOrder always accepts, echoing back a fresh id.
func (s *Sandbox) SubmitOrder(ctx context.Context, order domain.Order, feeBps int) (domain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SubmitResult{}, err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.open[id] = true
	s.mu.Unlock()
	return domain.SubmitResult{Success: true, OrderID: id}, nil
}

func (s *Sandbox) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open[orderID] {
		return false, nil
	}
	delete(s.open, orderID)
	return true, nil
}

func (s *Sandbox) CancelAll(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = make(map[string]bool)
	return true, nil
}

// GetRecentTrades returns nothing: sandbox fills come from the caller's
// simulation, not a trade tape.
func (s *Sandbox) GetRecentTrades(ctx context.Context, tokenID string, limit int) ([]domain.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
