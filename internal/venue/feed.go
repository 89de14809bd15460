package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymaker/internal/domain"
	"polymaker/internal/infra"
)

const (
	feedMaxRetries   = 10
	feedBaseDelay    = 1 * time.Second
	feedMaxDelay     = 60 * time.Second
	feedPingInterval = 30 * time.Second
	feedReadTimeout  = 60 * time.Second
)

// BookUpdate is one push-fed book snapshot.
type BookUpdate struct {
	TokenID string
	Book    domain.OrderBook
}

// bookMessage is the wire shape of a book event.
type bookMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Bids      []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

// Feed keeps a WebSocket subscription to the venue's market channel and
// forwards book snapshots. It reconnects with backoff until its context is
// cancelled; consumers that lag lose updates rather than block the reader.
type Feed struct {
	wsURL   string
	tokens  []string
	updates chan<- BookUpdate
	log     *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewFeed(wsURL string, tokens []string, updates chan<- BookUpdate, log *slog.Logger) *Feed {
	return &Feed{
		wsURL:   wsURL,
		tokens:  tokens,
		updates: updates,
		log:     log.With("component", "book_feed"),
	}
}

// Connect starts the connection loop in the background.
func (f *Feed) Connect(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.connectionLoop(ctx)
	return nil
}

func (f *Feed) connectionLoop(ctx context.Context) {
	defer f.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			f.log.Warn("feed connection failed", "error", err, "retry", retryCount)
			delay := infra.CalculateBackoff(retryCount, feedBaseDelay, feedMaxDelay)
			retryCount++
			if retryCount > feedMaxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			f.readLoop(ctx)
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	if err := f.subscribe(); err != nil {
		f.closeConnection()
		return err
	}

	f.log.Info("book feed connected", "subs", len(f.tokens))

	f.wg.Add(1)
	go f.pingLoop(ctx)
	return nil
}

func (f *Feed) subscribe() error {
	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": f.tokens,
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteJSON(msg)
}

func (f *Feed) readLoop(ctx context.Context) {
	defer f.closeConnection()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.log.Warn("feed read failed", "error", err)
			return
		}

		var msg bookMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.EventType != "book" {
			continue
		}

		book := domain.OrderBook{}
		for _, l := range msg.Bids {
			book.Bids = append(book.Bids, domain.PriceLevel{Price: atofOr(l.Price, 0), Size: atofOr(l.Size, 0)})
		}
		for _, l := range msg.Asks {
			book.Asks = append(book.Asks, domain.PriceLevel{Price: atofOr(l.Price, 0), Size: atofOr(l.Size, 0)})
		}
		if bid, ask := book.BestBid(), book.BestAsk(); bid > 0 && ask > bid {
			book.Midpoint = (bid + ask) / 2
			book.SpreadBps = (ask - bid) / book.Midpoint * 10000
		}

		select {
		case f.updates <- BookUpdate{TokenID: msg.AssetID, Book: book}:
		default:
			// Consumer is behind; fresher snapshots supersede this one.
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			conn, connected := f.conn, f.connected
			f.mu.RUnlock()
			if !connected || conn == nil {
				return
			}
			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.writeMu.Unlock()
			if err != nil {
				f.log.Warn("feed ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) closeConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
}

// Disconnect stops the loop and waits for goroutines to drain.
func (f *Feed) Disconnect() {
	if f.cancel != nil {
		f.cancel()
	}
	f.closeConnection()
	f.wg.Wait()
}

// IsConnected reports whether a connection is currently up.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
