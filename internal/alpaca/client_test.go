package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{TradingURL: srv.URL, DataURL: srv.URL, KeyID: "id", SecretKey: "secret", FillWait: time.Second})
	require.NoError(t, err)
	c.fillInterval = 10 * time.Millisecond
	return c
}

func TestNewClientRejectsLiveHost(t *testing.T) {
	_, err := NewClient(Options{TradingURL: "https://api.alpaca.markets", KeyID: "id", SecretKey: "secret"})
	assert.True(t, errors.Is(err, workflow.ErrConfiguration))

	_, err = NewClient(Options{KeyID: "id"})
	assert.True(t, errors.Is(err, workflow.ErrConfiguration))
}

func TestGetQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/SPY/trades/latest", r.URL.Path)
		assert.Equal(t, "id", r.Header.Get("APCA-API-KEY-ID"))
		w.Write([]byte(`{"symbol":"SPY","trade":{"t":"2025-02-03T15:00:00Z","p":601.25}}`))
	})

	q, err := c.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 601.25, q.Price)
	assert.Equal(t, "SPY", q.Symbol)
}

func TestSubmitOrderWaitsForFill(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/orders":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "10", body["qty"])
			assert.Equal(t, "market", body["type"])
			assert.Equal(t, "coid-1", body["client_order_id"])
			w.Write([]byte(`{"id":"o1","client_order_id":"coid-1","symbol":"SPY","side":"buy","qty":"10","filled_qty":"0","filled_avg_price":null,"status":"new"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders/o1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id":"o1","symbol":"SPY","side":"buy","qty":"10","filled_qty":"0","status":"accepted"}`))
				return
			}
			w.Write([]byte(`{"id":"o1","symbol":"SPY","side":"buy","qty":"10","filled_qty":"10","filled_avg_price":"600.5","status":"filled","filled_at":"2025-02-03T15:00:01Z"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	order, err := c.SubmitOrder(context.Background(), workflow.OrderRequest{Symbol: "SPY", Side: workflow.OrderBuy, Qty: 10, ClientOrderID: "coid-1"})
	require.NoError(t, err)
	assert.True(t, order.IsFilled())
	assert.Equal(t, 600.5, order.FilledAvgPrice)
	require.NotNil(t, order.FilledAt)
}

func TestGetPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"AAPL","qty":"5","avg_entry_price":"180.10","side":"long"}]`))
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 5.0, positions[0].Qty)
	assert.Equal(t, 180.1, positions[0].AvgEntryPrice)
}

func TestErrorMapping(t *testing.T) {
	t.Run("server errors are transient", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := c.GetPositions(context.Background())
		assert.True(t, errors.Is(err, workflow.ErrTransientIO))
	})

	t.Run("rejected order carries the broker message", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
		})
		_, err := c.SubmitOrder(context.Background(), workflow.OrderRequest{Symbol: "SPY", Side: workflow.OrderBuy, Qty: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient buying power")
		assert.False(t, errors.Is(err, workflow.ErrTransientIO))
	})
}
