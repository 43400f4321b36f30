package papertrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/strategy"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *store.RedisStore {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := store.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeBroker replays a price script per symbol and fills every order at the
// current price.
type fakeBroker struct {
	mu           sync.Mutex
	script       map[string][]float64
	pos          map[string]int
	price        map[string]float64
	orders       []workflow.OrderRequest
	positionsErr error
	positions    []workflow.Position
}

func newFakeBroker(script map[string][]float64) *fakeBroker {
	return &fakeBroker{script: script, pos: make(map[string]int), price: make(map[string]float64)}
}

func (b *fakeBroker) GetQuote(ctx context.Context, symbol string) (workflow.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prices := b.script[symbol]
	i := b.pos[symbol]
	if i >= len(prices) {
		i = len(prices) - 1
	} else {
		b.pos[symbol]++
	}
	b.price[symbol] = prices[i]
	return workflow.Quote{Symbol: symbol, Price: prices[i], Time: time.Now()}, nil
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, req workflow.OrderRequest) (*workflow.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	now := time.Now()
	return &workflow.Order{
		ID:             fmt.Sprintf("order-%d", len(b.orders)),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: b.price[req.Symbol],
		Status:         "filled",
		FilledAt:       &now,
	}, nil
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]workflow.Position, error) {
	if b.positionsErr != nil {
		return nil, b.positionsErr
	}
	return b.positions, nil
}

func (b *fakeBroker) orderSides() []workflow.OrderSide {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sides []workflow.OrderSide
	for _, o := range b.orders {
		sides = append(sides, o.Side)
	}
	return sides
}

// flatBars returns n daily bars ending yesterday with every price at 100.
type flatBars struct{}

func (flatBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error) {
	var bars []workflow.Bar
	for i := 30; i >= 1; i-- {
		bars = append(bars, workflow.Bar{Time: time.Now().AddDate(0, 0, -i), Open: 100, High: 100, Low: 100, Close: 100})
	}
	return bars, nil
}

func dipCommand(runID string, d time.Duration) *workflow.PaperTradeCommand {
	cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 5}
	return &workflow.PaperTradeCommand{
		RunID:        runID,
		Strategy:     workflow.StrategySpec{Config: cfg},
		Symbols:      []string{"AAPL"},
		Duration:     workflow.Duration(d),
		PollInterval: workflow.Duration(20 * time.Millisecond),
	}
}

func newTestTrader(s store.Store, b Broker) *Trader {
	return New(s, b, flatBars{}, Config{BackoffCeiling: time.Second, Fees: strategy.DefaultFees()})
}

func TestRunPaperTradeTakeProfit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	broker := newFakeBroker(map[string][]float64{"AAPL": {97, 97.5, 98.5}})

	summary, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", 300*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalTrades)
	assert.InDelta(t, 14.98947, summary.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.01053, summary.TotalFees, 1e-9)
	assert.Greater(t, summary.Ticks, 3)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, []workflow.OrderSide{workflow.OrderBuy, workflow.OrderSell}, broker.orderSides())

	trades, err := s.GetTrades(ctx, "run-1", workflow.SourcePaper)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, workflow.TradeClosed, tr.Status)
	assert.Equal(t, workflow.ExitTakeProfit, tr.ExitReason)
	assert.True(t, tr.HitTarget)
	assert.Equal(t, 10.0, tr.Shares)
	assert.Equal(t, 97.0, tr.EntryPrice)
	assert.Equal(t, 98.5, tr.ExitPrice)

	stored, err := s.GetPaperTradeSummary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, summary.RealizedPnL, stored.RealizedPnL)
}

func TestRunPaperTradeClosesAtSessionEnd(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})

	summary, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", 150*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTrades)

	trades, err := s.GetTrades(ctx, "run-1", workflow.SourcePaper)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, workflow.ExitSessionEnd, trades[0].ExitReason)
	assert.InDelta(t, -0.01053, trades[0].PnL, 1e-9)
}

func TestRunPaperTradeRedeliveryReturnsStoredSummary(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	prev := &workflow.PaperTradeSummary{RunID: "run-1", TotalTrades: 7, RealizedPnL: 12.5}
	require.NoError(t, s.PutPaperTradeSummary(ctx, prev))

	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})
	summary, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7, summary.TotalTrades)
	assert.Empty(t, broker.orderSides())
}

func TestRunPaperTradeBrokerDown(t *testing.T) {
	s := setupStore(t)
	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})
	broker.positionsErr = fmt.Errorf("503: %w", workflow.ErrTransientIO)

	tr := New(s, broker, flatBars{}, Config{BackoffCeiling: 300 * time.Millisecond})
	_, err := tr.RunPaperTrade(context.Background(), dipCommand("run-1", time.Hour))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBrokerDown))

	cause := workflow.CauseFromError(err)
	assert.False(t, cause.Retryable)
}

func TestRunPaperTradeCancelled(t *testing.T) {
	s := setupStore(t)
	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", time.Hour))
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrCancelled))

	summary, err := s.GetPaperTradeSummary(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)

	trades, err := s.GetTrades(context.Background(), "run-1", workflow.SourcePaper)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, workflow.TradeClosed, trades[0].Status)
}

func TestRunPaperTradeResumesOpenPosition(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	entry := time.Now().Add(-time.Minute)
	open := &workflow.Trade{
		ID: "t-open", RunID: "run-1", Source: workflow.SourcePaper, Symbol: "AAPL", Side: workflow.SideLong,
		Shares: 10, EntryPrice: 97, EntryTime: entry, TakeProfitPrice: 97.97, StopLossPrice: 96.515,
		Status: workflow.TradeOpen,
	}
	require.NoError(t, s.UpsertTrade(ctx, open))

	broker := newFakeBroker(map[string][]float64{"AAPL": {96}})
	summary, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", 100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTrades)
	assert.Equal(t, []workflow.OrderSide{workflow.OrderSell}, broker.orderSides())

	trades, err := s.GetTrades(ctx, "run-1", workflow.SourcePaper)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, workflow.ExitStopLoss, trades[0].ExitReason)
}

func TestRunPaperTradeResumesInterruptedSession(t *testing.T) {
	s := setupStore(t)
	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})
	tr := newTestTrader(s, broker)
	cmd := dipCommand("run-1", 500*time.Millisecond)

	// Agent shutdown part way through the session.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.RunPaperTrade(ctx, cmd)
	require.ErrorIs(t, err, workflow.ErrCancelled)

	first, err := s.GetPaperTradeSummary(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, first.Interrupted)

	// Redelivered command.
	summary, err := tr.RunPaperTrade(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, summary.Interrupted)
	assert.WithinDuration(t, first.StartedAt, summary.StartedAt, time.Millisecond)
	assert.GreaterOrEqual(t, summary.EndedAt.Sub(summary.StartedAt), 500*time.Millisecond)
	assert.Greater(t, summary.Ticks, first.Ticks)
	assert.Equal(t, 1, summary.TotalTrades)
	assert.Equal(t, []workflow.OrderSide{workflow.OrderBuy, workflow.OrderSell}, broker.orderSides(),
		"no re-entry on the day of the first entry")

	stored, err := s.GetPaperTradeSummary(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, stored.Interrupted)
}

func TestRunPaperTradeResumePastDeadlineFinishes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	started := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, s.PutPaperTradeSummary(ctx, &workflow.PaperTradeSummary{
		RunID: "run-1", StartedAt: started, EndedAt: started.Add(10 * time.Minute),
		Ticks: 10, Interrupted: true,
	}))

	broker := newFakeBroker(map[string][]float64{"AAPL": {97}})
	summary, err := newTestTrader(s, broker).RunPaperTrade(ctx, dipCommand("run-1", time.Hour))
	require.NoError(t, err)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, 10, summary.Ticks)
	assert.Empty(t, broker.orderSides())
}
