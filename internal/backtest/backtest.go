// Package backtest evaluates a strategy over a parameter grid and picks the
// best variation.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime"
	"sort"

	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/strategy"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"golang.org/x/sync/errgroup"
)

// Config holds backtester settings.
type Config struct {
	// Parallelism caps concurrent variation evaluations. Zero means GOMAXPROCS.
	Parallelism int
}

// Backtester runs backtest commands.
type Backtester struct {
	store  store.Store
	eval   strategy.Evaluator
	config Config
}

// New creates a backtester.
func New(s store.Store, eval strategy.Evaluator, config Config) *Backtester {
	if config.Parallelism <= 0 {
		config.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &Backtester{store: s, eval: eval, config: config}
}

// Register binds the backtest command to w.
func (b *Backtester) Register(w *agent.Worker) {
	w.Handle(bus.TypeBacktestCommand, agent.Route{
		ResultType: bus.TypeBacktestResult,
		Handle:     b.handle,
	})
}

func (b *Backtester) handle(ctx context.Context, msg *bus.Message) (agent.Result, error) {
	var cmd workflow.BacktestCommand
	if err := msg.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrProtocol, err)
	}
	if cmd.RunID != msg.RunID {
		return nil, fmt.Errorf("%w: payload run_id %q does not match message run_id %q", workflow.ErrProtocol, cmd.RunID, msg.RunID)
	}

	summaries, err := b.RunBacktest(ctx, &cmd)
	if err != nil {
		return nil, err
	}

	res := &workflow.BacktestResult{Variations: len(summaries)}
	for i := range summaries {
		if summaries[i].Status == workflow.VariationFailed {
			res.Failed++
		}
		if summaries[i].IsBest {
			best := summaries[i]
			res.Best = &best
		}
	}
	return res, nil
}

// variation is one point of the grid.
type variation struct {
	index   int
	config  workflow.StrategyConfig
	symbols []string
	window  workflow.DateWindow
}

// variations expands the command's grid. Empty axes fall back to the base
// symbols, threshold and date range.
func variations(cmd *workflow.BacktestCommand) []variation {
	symbolSets := cmd.Grid.SymbolSets
	if len(symbolSets) == 0 {
		symbolSets = [][]string{cmd.Symbols}
	}
	thresholds := cmd.Grid.Thresholds
	if len(thresholds) == 0 {
		thresholds = []float64{cmd.Strategy.Config.Threshold()}
	}
	windows := cmd.Grid.Windows
	if len(windows) == 0 {
		windows = []workflow.DateWindow{cmd.Range}
	}

	out := make([]variation, 0, len(symbolSets)*len(thresholds)*len(windows))
	for _, syms := range symbolSets {
		for _, th := range thresholds {
			for _, w := range windows {
				out = append(out, variation{
					index:   len(out),
					config:  cmd.Strategy.Config.WithThreshold(th),
					symbols: syms,
					window:  w,
				})
			}
		}
	}
	return out
}

// RunBacktest evaluates every variation, ranks them and persists the
// summaries plus the trades of the best one.
func (b *Backtester) RunBacktest(ctx context.Context, cmd *workflow.BacktestCommand) ([]workflow.BacktestSummary, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	grid := variations(cmd)
	log.Printf("[INFO] Backtester: run %s evaluating %d variations of %s (parallelism %d)",
		cmd.RunID, len(grid), cmd.Strategy.Kind(), b.config.Parallelism)

	summaries := make([]workflow.BacktestSummary, len(grid))
	trades := make([][]workflow.Trade, len(grid))
	transient := make([]bool, len(grid))

	g := new(errgroup.Group)
	g.SetLimit(b.config.Parallelism)
	for _, v := range grid {
		v := v
		g.Go(func() error {
			summaries[v.index], trades[v.index], transient[v.index] = b.evaluate(ctx, cmd.RunID, v)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		if err := b.store.PutBacktestSummaries(context.WithoutCancel(ctx), cmd.RunID, summaries); err != nil {
			log.Printf("[WARN] Backtester: failed to persist partial summaries for run %s: %v", cmd.RunID, err)
		}
		return nil, fmt.Errorf("backtest of run %s interrupted: %w", cmd.RunID, workflow.ErrCancelled)
	}

	best, err := Rank(summaries, cmd.Objective)
	if err != nil {
		// Failed variations are kept as the run's partial artifacts.
		if perr := b.store.PutBacktestSummaries(context.WithoutCancel(ctx), cmd.RunID, summaries); perr != nil {
			log.Printf("[WARN] Backtester: failed to persist failed summaries for run %s: %v", cmd.RunID, perr)
		}
		if allTrue(transient) {
			return nil, fmt.Errorf("%w: run %s: %v", workflow.ErrTransientIO, cmd.RunID, err)
		}
		return nil, fmt.Errorf("run %s: %w", cmd.RunID, err)
	}
	summaries[best].IsBest = true

	bestTrades := trades[best]
	for i := range bestTrades {
		bestTrades[i].RunID = cmd.RunID
		bestTrades[i].Source = workflow.SourceBacktest
	}

	if err := b.store.PutBacktestSummaries(ctx, cmd.RunID, summaries); err != nil {
		return nil, fmt.Errorf("%w: failed to store backtest summaries: %v", workflow.ErrTransientIO, err)
	}
	if err := b.store.PutTrades(ctx, cmd.RunID, workflow.SourceBacktest, bestTrades); err != nil {
		return nil, fmt.Errorf("%w: failed to store backtest trades: %v", workflow.ErrTransientIO, err)
	}

	s := summaries[best]
	log.Printf("[INFO] Backtester: run %s best variation %d (%v, threshold %.4g): sharpe=%.2f return=%.2f%% trades=%d",
		cmd.RunID, s.VariationIndex, s.Symbols, grid[best].config.Threshold(), s.SharpeRatio, s.TotalReturn, s.TotalTrades)
	return summaries, nil
}

// evaluate runs one variation. transient reports a failure caused by
// market data that stayed unavailable through the evaluator's retries.
func (b *Backtester) evaluate(ctx context.Context, runID string, v variation) (summary workflow.BacktestSummary, trades []workflow.Trade, transient bool) {
	summary = workflow.BacktestSummary{
		RunID:          runID,
		VariationIndex: v.index,
		Strategy:       workflow.StrategySpec{Config: v.config},
		Symbols:        v.symbols,
		Window:         v.window,
	}

	if ctx.Err() != nil {
		summary.Status = workflow.VariationSkipped
		return summary, nil, false
	}

	ev, err := b.eval.Evaluate(ctx, v.config, v.symbols, v.window)
	if err != nil {
		if ctx.Err() != nil {
			summary.Status = workflow.VariationSkipped
			return summary, nil, false
		}
		log.Printf("[WARN] Backtester: run %s variation %d failed: %v", runID, v.index, err)
		summary.Status = workflow.VariationFailed
		summary.Error = err.Error()
		return summary, nil, errors.Is(err, workflow.ErrTransientIO)
	}

	m := ev.Metrics
	summary.SharpeRatio = m.SharpeRatio
	summary.MaxDrawdown = m.MaxDrawdown
	summary.TotalReturn = m.TotalReturn
	summary.WinRate = m.WinRate
	summary.TotalTrades = m.TotalTrades
	summary.TotalPnL = m.TotalPnL
	summary.Status = workflow.VariationCompleted
	return summary, ev.Trades, false
}

func allTrue(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return len(flags) > 0
}

// Rank returns the position of the best completed summary. Higher objective
// wins; ties go to the lower max drawdown, then the lower variation index.
func Rank(summaries []workflow.BacktestSummary, objective workflow.Objective) (int, error) {
	var candidates []int
	var firstErr string
	for i, s := range summaries {
		if s.Status == workflow.VariationCompleted {
			candidates = append(candidates, i)
		} else if firstErr == "" {
			firstErr = s.Error
		}
	}
	if len(candidates) == 0 {
		return -1, fmt.Errorf("all %d variations failed: %s", len(summaries), firstErr)
	}

	score := func(s workflow.BacktestSummary) float64 {
		v := s.SharpeRatio
		if objective == workflow.ObjectiveTotalReturn {
			v = s.TotalReturn
		}
		if math.IsNaN(v) {
			return math.Inf(-1)
		}
		return v
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := summaries[candidates[i]], summaries[candidates[j]]
		if sa, sb := score(a), score(b); sa != sb {
			return sa > sb
		}
		if a.MaxDrawdown != b.MaxDrawdown {
			return a.MaxDrawdown < b.MaxDrawdown
		}
		return a.VariationIndex < b.VariationIndex
	})
	return candidates[0], nil
}
