// Package polygon is a minimal client for the Polygon aggregates API.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// DefaultBaseURL is the public Polygon REST endpoint.
const DefaultBaseURL = "https://api.polygon.io"

// Client fetches aggregate bars. It implements strategy.BarSource and
// validator.MarketData.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type aggResult struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

type aggResponse struct {
	Status       string      `json:"status"`
	ResultsCount int         `json:"resultsCount"`
	Results      []aggResult `json:"results"`
	Error        string      `json:"error"`
}

// DailyBars returns the daily bars of symbol between from and to (inclusive dates).
func (c *Client) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error) {
	return c.aggregates(ctx, symbol, 1, "day", from.Format(time.DateOnly), to.Format(time.DateOnly))
}

// MinuteBars returns the one-minute bars of symbol on the exchange day of t.
func (c *Client) MinuteBars(ctx context.Context, symbol string, t time.Time) ([]workflow.Bar, error) {
	day := workflow.TradingDay(t)
	return c.aggregates(ctx, symbol, 1, "minute", day, day)
}

// GetHistoricalPrice returns the close of the minute bar nearest ts. ok is
// false when no bar exists for that day.
func (c *Client) GetHistoricalPrice(ctx context.Context, symbol string, ts time.Time) (price float64, ok bool, err error) {
	bars, err := c.MinuteBars(ctx, symbol, ts)
	if err != nil {
		return 0, false, err
	}
	if len(bars) == 0 {
		return 0, false, nil
	}
	return nearestClose(bars, ts), true, nil
}

// nearestClose returns the close of the bar closest to ts; bars must be sorted.
func nearestClose(bars []workflow.Bar, ts time.Time) float64 {
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(ts) })
	switch {
	case i == 0:
		return bars[0].Close
	case i == len(bars):
		return bars[len(bars)-1].Close
	}
	before, after := bars[i-1], bars[i]
	if ts.Sub(before.Time) <= after.Time.Sub(ts) {
		return before.Close
	}
	return after.Close
}

func (c *Client) aggregates(ctx context.Context, symbol string, multiplier int, timespan, from, to string) ([]workflow.Bar, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: polygon API key is not set", workflow.ErrConfiguration)
	}

	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s",
		c.baseURL, url.PathEscape(symbol), multiplier, timespan, from, to)
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: polygon request failed: %v", workflow.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read polygon response: %v", workflow.ErrTransientIO, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("polygon %s %s: %w", timespan, symbol, err)
	}

	var agg aggResponse
	if err := json.Unmarshal(body, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode polygon response: %w", err)
	}
	if agg.Status == "ERROR" {
		return nil, fmt.Errorf("polygon error for %s: %s", symbol, agg.Error)
	}

	bars := make([]workflow.Bar, 0, len(agg.Results))
	for _, r := range agg.Results {
		bars = append(bars, workflow.Bar{
			Time:   time.UnixMilli(r.T).UTC(),
			Open:   r.O,
			High:   r.H,
			Low:    r.L,
			Close:  r.C,
			Volume: r.V,
		})
	}
	return bars, nil
}

// classifyStatus maps an HTTP status to the workflow error taxonomy.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", workflow.ErrTransientIO, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", workflow.ErrConfiguration, code, truncate(body))
	default:
		return fmt.Errorf("unexpected status %d: %s", code, truncate(body))
	}
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
