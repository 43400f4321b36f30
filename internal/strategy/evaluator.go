// Package strategy simulates the strategy variants over daily bars.
//
// The evaluator walks the trading days of a window, asks Signal whether to
// enter at the close, and exits on the first later bar whose high reaches the
// take-profit price or whose low reaches the stop-loss price. Positions that
// hit neither exit at the close of the last bar of the holding period.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// BarSource provides daily bars.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error)
}

// Evaluator runs one strategy configuration over a set of symbols.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg workflow.StrategyConfig, symbols []string, window workflow.DateWindow) (*Evaluation, error)
}

// Evaluation is the simulated trade list plus its metrics. Trades carry no
// RunID or Source; the caller assigns them.
type Evaluation struct {
	Trades  []workflow.Trade
	Metrics Metrics
}

// DefaultRetryMaxElapsed bounds the backoff on transient bar fetch errors.
const DefaultRetryMaxElapsed = 30 * time.Second

// BarEvaluator implements Evaluator over a BarSource.
type BarEvaluator struct {
	bars       BarSource
	fees       FeeModel
	maxElapsed time.Duration
}

// NewEvaluator creates an evaluator reading bars from src.
func NewEvaluator(src BarSource, fees FeeModel) *BarEvaluator {
	return &BarEvaluator{bars: src, fees: fees, maxElapsed: DefaultRetryMaxElapsed}
}

// WithRetryMaxElapsed sets how long transient bar fetch errors are retried.
func (e *BarEvaluator) WithRetryMaxElapsed(d time.Duration) *BarEvaluator {
	if d > 0 {
		e.maxElapsed = d
	}
	return e
}

// dailyBars fetches bars, retrying errors wrapping workflow.ErrTransientIO
// with exponential backoff. Once the budget is spent the last error is
// returned, still wrapping ErrTransientIO.
func (e *BarEvaluator) dailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error) {
	var bars []workflow.Bar
	op := func() error {
		out, err := e.bars.DailyBars(ctx, symbol, from, to)
		if err != nil {
			if errors.Is(err, workflow.ErrTransientIO) {
				return err
			}
			return backoff.Permanent(err)
		}
		bars = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = e.maxElapsed
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Printf("[WARN] Evaluator: bars for %s failed, retrying in %s: %v", symbol, wait, err)
	})
	return bars, err
}

// Evaluate implements Evaluator. At most one position per symbol is open at
// a time; capital compounds with each closed trade.
func (e *BarEvaluator) Evaluate(ctx context.Context, cfg workflow.StrategyConfig, symbols []string, window workflow.DateWindow) (*Evaluation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrConfiguration, err)
	}
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrConfiguration, err)
	}

	// Enough calendar days before the window to fill the lookback.
	from := window.Start.AddDate(0, 0, -(MinHistory(cfg)*2 + 10))

	series := make(map[string][]workflow.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := e.dailyBars(ctx, sym, from, window.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load bars for %s: %w", sym, err)
		}
		sortBars(bars)
		series[sym] = bars
	}

	var index []workflow.Bar
	if vix, ok := cfg.(workflow.VIXConfig); ok {
		bars, err := e.dailyBars(ctx, vix.IndexSymbol, from, window.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load index bars for %s: %w", vix.IndexSymbol, err)
		}
		sortBars(bars)
		index = bars
	}

	risk := cfg.Risk()
	capital := risk.InitialCapital
	openUntil := make(map[string]time.Time)
	var trades []workflow.Trade

	for _, day := range tradingDays(series, window) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, sym := range sortedKeys(series) {
			bars := series[sym]
			pos := indexOfDay(bars, day)
			if pos < 0 {
				continue
			}
			if until, ok := openUntil[sym]; ok && !bars[pos].Time.After(until) {
				continue
			}

			enter, err := Signal(cfg, bars[:pos+1], index)
			if err != nil {
				return nil, err
			}
			if !enter {
				continue
			}

			trade, ok := e.simulate(cfg, sym, bars, pos, capital, window)
			if !ok {
				continue
			}
			capital += trade.PnL
			openUntil[sym] = *trade.ExitTime
			trades = append(trades, trade)
		}
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExitTime.Before(*trades[j].ExitTime)
	})

	return &Evaluation{
		Trades:  trades,
		Metrics: ComputeMetrics(trades, risk.InitialCapital),
	}, nil
}

// simulate opens a position at the close of bars[pos] and walks forward to
// its exit. It reports false when no position can be taken.
func (e *BarEvaluator) simulate(cfg workflow.StrategyConfig, symbol string, bars []workflow.Bar, pos int, capital float64, window workflow.DateWindow) (workflow.Trade, bool) {
	risk := cfg.Risk()
	entryBar := bars[pos]
	entry := entryBar.Close
	if entry <= 0 {
		return workflow.Trade{}, false
	}
	shares := float64(int(capital * risk.PositionSize / entry))
	if shares == 0 {
		return workflow.Trade{}, false
	}

	target := entry * (1 + risk.TakeProfit)
	stop := entry * (1 - risk.StopLoss)

	limit := entryBar.Time.AddDate(0, 0, risk.HoldDays)
	if end := window.End.Add(24*time.Hour - time.Nanosecond); limit.After(end) {
		limit = end
	}

	var future []workflow.Bar
	for _, b := range bars[pos+1:] {
		if b.Time.After(limit) {
			break
		}
		future = append(future, b)
	}
	if len(future) == 0 {
		return workflow.Trade{}, false
	}

	entryTime := workflow.SessionClose(entryBar.Time).UTC()
	trade := workflow.Trade{
		ID:              tradeID(cfg, symbol, entryTime),
		Symbol:          symbol,
		Side:            workflow.SideLong,
		Shares:          shares,
		EntryPrice:      entry,
		EntryTime:       entryTime,
		TakeProfitPrice: target,
		StopLossPrice:   stop,
		Status:          workflow.TradeClosed,
	}

	exitBar := future[len(future)-1]
	trade.ExitPrice = exitBar.Close
	trade.ExitReason = workflow.ExitTimeExit
	for _, b := range future {
		if b.High >= target {
			exitBar, trade.ExitPrice = b, target
			trade.HitTarget = true
			trade.ExitReason = workflow.ExitTakeProfit
			break
		}
		if b.Low <= stop {
			exitBar, trade.ExitPrice = b, stop
			trade.HitStop = true
			trade.ExitReason = workflow.ExitStopLoss
			break
		}
	}

	exitTime := workflow.SessionClose(exitBar.Time).UTC()
	trade.ExitTime = &exitTime
	trade.Fees = e.fees.RoundTrip(shares).InexactFloat64()
	trade.PnL = PnL(trade.EntryPrice, trade.ExitPrice, shares, trade.Fees).Round(6).InexactFloat64()
	return trade, true
}

// tradeID is stable for the same strategy, symbol and entry, so re-running a
// variation reproduces its trade IDs.
func tradeID(cfg workflow.StrategyConfig, symbol string, entry time.Time) string {
	key := fmt.Sprintf("%s|%g|%s|%d", cfg.Kind(), cfg.Threshold(), symbol, entry.UnixMilli())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func sortBars(bars []workflow.Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
}

// tradingDays returns every exchange date inside window that has a bar for
// at least one symbol, in order.
func tradingDays(series map[string][]workflow.Bar, window workflow.DateWindow) []string {
	first, last := window.FirstDay(), window.LastDay()

	seen := make(map[string]struct{})
	for _, bars := range series {
		for _, b := range bars {
			d := workflow.TradingDay(b.Time)
			if d >= first && d <= last {
				seen[d] = struct{}{}
			}
		}
	}

	days := make([]string, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

func indexOfDay(bars []workflow.Bar, day string) int {
	for i := len(bars) - 1; i >= 0; i-- {
		if d := workflow.TradingDay(bars[i].Time); d == day {
			return i
		} else if d < day {
			return -1
		}
	}
	return -1
}

func sortedKeys(series map[string][]workflow.Bar) []string {
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
