package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"polymaker/internal/domain"
)

const defaultFeeBps = 100

// LiveClient talks to the venue's REST API. It is a boundary layer: strings
// on the wire, domain types everywhere else.
type LiveClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewLiveClient(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *LiveClient {
	return &LiveClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		log: log.With("component", "venue"),
	}
}

type marketResponse struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
	FeeRateBps  string `json:"fee_rate_bps"`
	Volume24h   string `json:"volume_24hr"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// GetMarkets lists active binary markets. Markets missing either outcome
// token are skipped.
func (c *LiveClient) GetMarkets(ctx context.Context) ([]domain.Market, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/markets", url.Values{"active": {"true"}}, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []marketResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewRejectionError("get_markets", fmt.Errorf("parse: %w", err))
	}

	var out []domain.Market
	for _, m := range resp.Data {
		if m.Closed || !m.Active {
			continue
		}
		tokens := make(map[string]string, 2)
		for _, t := range m.Tokens {
			switch t.Outcome {
			case "Yes", domain.OutcomeYes:
				tokens[domain.OutcomeYes] = t.TokenID
			case "No", domain.OutcomeNo:
				tokens[domain.OutcomeNo] = t.TokenID
			}
		}
		if tokens[domain.OutcomeYes] == "" || tokens[domain.OutcomeNo] == "" {
			continue
		}
		out = append(out, domain.Market{
			ConditionID: m.ConditionID,
			Question:    m.Question,
			TokenIDs:    tokens,
			FeeBps:      atoiOr(m.FeeRateBps, defaultFeeBps),
			Volume24h:   atofOr(m.Volume24h, 0),
		})
	}
	return out, nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// GetOrderBook fetches a token's book and derives mid and spread.
func (c *LiveClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/book", url.Values{"token_id": {tokenID}}, nil)
	if err != nil {
		return domain.OrderBook{}, err
	}

	var resp struct {
		Bids []bookLevel `json:"bids"`
		Asks []bookLevel `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderBook{}, domain.NewRejectionError("get_orderbook", fmt.Errorf("parse: %w", err))
	}

	book := domain.OrderBook{}
	for _, l := range resp.Bids {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: atofOr(l.Price, 0), Size: atofOr(l.Size, 0)})
	}
	for _, l := range resp.Asks {
		book.Asks = append(book.Asks, domain.PriceLevel{Price: atofOr(l.Price, 0), Size: atofOr(l.Size, 0)})
	}

	bid, ask := book.BestBid(), book.BestAsk()
	if bid > 0 && ask > bid {
		book.Midpoint = (bid + ask) / 2
		book.SpreadBps = (ask - bid) / book.Midpoint * 10000
	}
	return book, nil
}

func (c *LiveClient) GetFeeRateBps(ctx context.Context, tokenID string) (int, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fee-rate", url.Values{"token_id": {tokenID}}, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		FeeRateBps string `json:"fee_rate_bps"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return defaultFeeBps, nil
	}
	return atoiOr(resp.FeeRateBps, defaultFeeBps), nil
}

type submitOrderRequest struct {
	TokenID string `json:"token_id"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Nonce   uint64 `json:"nonce"`
}

// SubmitOrder places a maker order. The nonce distinguishes retried
// submissions on the venue side.
func (c *LiveClient) SubmitOrder(ctx context.Context, order domain.Order, feeBps int) (domain.SubmitResult, error) {
	req := submitOrderRequest{
		TokenID: order.TokenID,
		Side:    order.Side,
		Price:   strconv.FormatFloat(order.Price, 'f', 4, 64),
		Size:    strconv.FormatFloat(order.Size, 'f', 2, 64),
		Nonce:   order.Nonce,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/order", nil, req)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	var resp struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Error   string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, domain.NewRejectionError("submit_order", fmt.Errorf("parse: %w", err))
	}
	if !resp.Success {
		c.log.Warn("order declined", "token", order.TokenID, "reason", resp.Error)
	}
	return domain.SubmitResult{Success: resp.Success, OrderID: resp.OrderID}, nil
}

func (c *LiveClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	body, err := c.doRequest(ctx, http.MethodDelete, "/order", nil, map[string]string{"orderID": orderID})
	if err != nil {
		return false, err
	}
	var resp struct {
		Canceled []string `json:"canceled"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, nil
	}
	return len(resp.Canceled) > 0, nil
}

func (c *LiveClient) CancelAll(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodDelete, "/cancel-all", nil, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *LiveClient) GetRecentTrades(ctx context.Context, tokenID string, limit int) ([]domain.Trade, error) {
	q := url.Values{"token_id": {tokenID}, "limit": {strconv.Itoa(limit)}}
	body, err := c.doRequest(ctx, http.MethodGet, "/trades", q, nil)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Side      string `json:"side"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		Timestamp string `json:"timestamp"` // unix seconds
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewRejectionError("get_trades", fmt.Errorf("parse: %w", err))
	}

	out := make([]domain.Trade, 0, len(resp))
	for _, t := range resp {
		out = append(out, domain.Trade{
			TokenID: tokenID,
			Side:    t.Side,
			Price:   atofOr(t.Price, 0),
			Size:    atofOr(t.Size, 0),
			Time:    time.Unix(int64(atoiOr(t.Timestamp, 0)), 0),
		})
	}
	return out, nil
}

// doRequest handles serialization, auth headers and the retriable/rejection
// split: transport failures and 5xx are retriable, 4xx are not.
func (c *LiveClient) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewVenueError(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewVenueError(method+" "+path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, domain.NewVenueError(method+" "+path,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, respBody))
	case resp.StatusCode >= 400:
		return nil, domain.NewRejectionError(method+" "+path,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, respBody))
	}
	return respBody, nil
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func atofOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
