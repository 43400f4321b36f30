package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/backtest"
	"github.com/kaljuvee/alpacacode/internal/papertrade"
	"github.com/kaljuvee/alpacacode/internal/strategy"
	"github.com/kaljuvee/alpacacode/internal/validator"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridEvaluator scores MSFT above every other symbol set and produces one
// clean in-session trade per variation.
type gridEvaluator struct{}

func (gridEvaluator) Evaluate(ctx context.Context, cfg workflow.StrategyConfig, symbols []string, window workflow.DateWindow) (*strategy.Evaluation, error) {
	sharpe := 0.5
	if symbols[0] == "MSFT" {
		sharpe = 1.5
	}
	entry := window.Start.Add(15 * time.Hour)
	exit := entry.AddDate(0, 0, 1)
	trade := workflow.Trade{
		ID:         symbols[0] + "-1",
		Symbol:     symbols[0],
		Side:       workflow.SideLong,
		Shares:     10,
		EntryPrice: 100,
		ExitPrice:  101,
		EntryTime:  entry,
		ExitTime:   &exit,
		PnL:        10,
		ExitReason: workflow.ExitTakeProfit,
		HitTarget:  true,
		Status:     workflow.TradeClosed,
	}
	return &strategy.Evaluation{
		Trades:  []workflow.Trade{trade},
		Metrics: strategy.Metrics{SharpeRatio: sharpe, TotalTrades: 1, TotalPnL: 10},
	}, nil
}

// sessionBroker quotes a price script on a simulated Monday morning clock.
type sessionBroker struct {
	mu     sync.Mutex
	prices []float64
	i      int
	clock  time.Time
	last   float64
	orders int
}

func (b *sessionBroker) GetQuote(ctx context.Context, symbol string) (workflow.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = b.prices[min(b.i, len(b.prices)-1)]
	b.i++
	b.clock = b.clock.Add(time.Second)
	return workflow.Quote{Symbol: symbol, Price: b.last, Time: b.clock}, nil
}

func (b *sessionBroker) SubmitOrder(ctx context.Context, req workflow.OrderRequest) (*workflow.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders++
	at := b.clock
	return &workflow.Order{
		ID:             fmt.Sprintf("order-%d", b.orders),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: b.last,
		Status:         "filled",
		FilledAt:       &at,
	}, nil
}

func (b *sessionBroker) GetPositions(ctx context.Context) ([]workflow.Position, error) {
	return nil, nil
}

// flatBars returns thirty daily bars at 100 ending yesterday.
type flatBars struct{}

func (flatBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error) {
	var bars []workflow.Bar
	for i := 30; i >= 1; i-- {
		bars = append(bars, workflow.Bar{Time: time.Now().AddDate(0, 0, -i), Open: 100, High: 100, Low: 100, Close: 100})
	}
	return bars, nil
}

func runWorker(t *testing.T, ctx context.Context, wg *sync.WaitGroup, b bus.Bus, name string, register func(*agent.Worker)) {
	w, err := agent.New(agent.Config{Name: name, PollInterval: 10 * time.Millisecond}, b)
	require.NoError(t, err)
	register(w)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(ctx)
	}()
}

func TestFullRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.engine.now = time.Now
	h.engine.config.ResponseTimeout = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	broker := &sessionBroker{prices: []float64{97, 97.5, 98.5}, clock: time.Date(2025, 2, 3, 15, 0, 0, 0, time.UTC)}

	runWorker(t, ctx, &wg, h.bus, bus.AgentBacktester,
		backtest.New(h.store, gridEvaluator{}, backtest.Config{Parallelism: 2}).Register)
	runWorker(t, ctx, &wg, h.bus, bus.AgentValidator,
		validator.New(h.store, nil, validator.DefaultConfig()).Register)
	runWorker(t, ctx, &wg, h.bus, bus.AgentPaperTrader,
		papertrade.New(h.store, broker, flatBars{}, papertrade.Config{BackoffCeiling: time.Second, Fees: strategy.DefaultFees()}).Register)

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.Run(ctx)
	}()

	cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 5}
	req := workflow.StartRequest{
		RunID:    "e2e-1",
		Mode:     workflow.ModeFull,
		Strategy: workflow.StrategySpec{Config: cfg},
		Symbols:  []string{"AAPL"},
		Range: workflow.DateWindow{
			Start: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		Grid:         workflow.ParameterGrid{SymbolSets: [][]string{{"AAPL"}, {"MSFT"}}},
		Duration:     workflow.Duration(300 * time.Millisecond),
		PollInterval: workflow.Duration(20 * time.Millisecond),
	}
	_, err := h.engine.Start(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := h.engine.GetStatus(context.Background(), "e2e-1")
		return err == nil && run.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)

	run, err := h.engine.GetStatus(context.Background(), "e2e-1")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, run.Status, run.Error)

	report, err := h.engine.Report(context.Background(), "e2e-1")
	require.NoError(t, err)
	require.NotNil(t, report.BestBacktest)
	assert.Equal(t, []string{"MSFT"}, report.BestBacktest.Symbols)
	require.NotNil(t, report.BacktestValidation)
	assert.Equal(t, workflow.ValidationValid, report.BacktestValidation.Status)
	require.NotNil(t, report.PaperTrade)
	assert.Equal(t, 1, report.PaperTrade.TotalTrades)
	assert.Equal(t, []string{"MSFT"}, report.PaperTrade.Symbols)
	require.NotNil(t, report.PaperValidation)
	assert.Equal(t, 1, report.PaperValidation.TotalChecked)

	for _, p := range report.Phases {
		assert.Equal(t, workflow.OutcomeSucceeded, p.Outcome, "phase %s", p.Phase)
	}

	for _, name := range []string{bus.AgentBacktester, bus.AgentValidator, bus.AgentPaperTrader, bus.AgentOrchestrator} {
		pending, err := h.bus.Pending(context.Background(), name)
		require.NoError(t, err)
		assert.Zero(t, pending, "inbox of %s", name)
	}
}
