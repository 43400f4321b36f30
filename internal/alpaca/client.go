// Package alpaca is a minimal client for the Alpaca paper trading API.
//
// Only the paper endpoint is supported; NewClient refuses the live trading
// host.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/shopspring/decimal"
)

const (
	// PaperBaseURL is the paper trading API host.
	PaperBaseURL = "https://paper-api.alpaca.markets"
	// DataBaseURL is the market data API host.
	DataBaseURL = "https://data.alpaca.markets"

	liveHost = "api.alpaca.markets"
)

// Client talks to the trading and market data APIs. It implements
// papertrade.Broker.
type Client struct {
	tradingURL string
	dataURL    string
	keyID      string
	secretKey  string
	http       *http.Client

	// fillWait bounds how long SubmitOrder polls for a fill.
	fillWait     time.Duration
	fillInterval time.Duration
}

// Options configures a Client. Empty URLs select the paper and data hosts.
type Options struct {
	TradingURL string
	DataURL    string
	KeyID      string
	SecretKey  string
	Timeout    time.Duration
	FillWait   time.Duration
}

// NewClient creates a paper trading client.
func NewClient(opts Options) (*Client, error) {
	if opts.TradingURL == "" {
		opts.TradingURL = PaperBaseURL
	}
	if opts.DataURL == "" {
		opts.DataURL = DataBaseURL
	}
	u, err := url.Parse(opts.TradingURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid trading URL: %v", workflow.ErrConfiguration, err)
	}
	if u.Host == liveHost {
		return nil, fmt.Errorf("%w: live trading endpoint %s is not supported", workflow.ErrConfiguration, u.Host)
	}
	if opts.KeyID == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("%w: alpaca API key id and secret are required", workflow.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.FillWait <= 0 {
		opts.FillWait = 10 * time.Second
	}

	return &Client{
		tradingURL:   strings.TrimRight(opts.TradingURL, "/"),
		dataURL:      strings.TrimRight(opts.DataURL, "/"),
		keyID:        opts.KeyID,
		secretKey:    opts.SecretKey,
		http:         &http.Client{Timeout: opts.Timeout},
		fillWait:     opts.FillWait,
		fillInterval: 500 * time.Millisecond,
	}, nil
}

type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		Time  time.Time `json:"t"`
		Price float64   `json:"p"`
	} `json:"trade"`
}

// GetQuote returns the latest trade price of symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (workflow.Quote, error) {
	var resp latestTradeResponse
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", c.dataURL, url.PathEscape(symbol))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return workflow.Quote{}, fmt.Errorf("latest trade for %s: %w", symbol, err)
	}
	return workflow.Quote{Symbol: symbol, Price: resp.Trade.Price, Time: resp.Trade.Time}, nil
}

type orderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderResponse struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         string          `json:"status"`
	FilledAt       *time.Time      `json:"filled_at"`
}

func (o *orderResponse) toOrder() *workflow.Order {
	return &workflow.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           workflow.OrderSide(o.Side),
		Qty:            o.Qty.InexactFloat64(),
		FilledQty:      o.FilledQty.InexactFloat64(),
		FilledAvgPrice: o.FilledAvgPrice.InexactFloat64(),
		Status:         o.Status,
		FilledAt:       o.FilledAt,
	}
}

// SubmitOrder places a day market order and waits up to the fill wait for it
// to fill. The returned order may still be unfilled.
func (c *Client) SubmitOrder(ctx context.Context, req workflow.OrderRequest) (*workflow.Order, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           decimal.NewFromFloat(req.Qty).String(),
		Side:          string(req.Side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, c.tradingURL+"/v2/orders", payload, &resp); err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
	}

	order := resp.toOrder()
	deadline := time.Now().Add(c.fillWait)
	for !order.IsFilled() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(c.fillInterval):
		}
		latest, err := c.GetOrder(ctx, order.ID)
		if err != nil {
			return order, err
		}
		order = latest
	}
	return order, nil
}

// GetOrder fetches an order by broker ID.
func (c *Client) GetOrder(ctx context.Context, id string) (*workflow.Order, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/orders/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return resp.toOrder(), nil
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// GetPositions lists open positions.
func (c *Client) GetPositions(ctx context.Context) ([]workflow.Position, error) {
	var resp []positionResponse
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	positions := make([]workflow.Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, workflow.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return positions, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", workflow.ErrTransientIO, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", workflow.ErrTransientIO, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", workflow.ErrConfiguration, resp.StatusCode, apiMessage(data))
	case resp.StatusCode >= 300:
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiMessage(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}
