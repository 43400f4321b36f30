package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBars struct {
	series map[string][]workflow.Bar
	err    error
	// failures makes the first calls fail with err before it succeeds.
	failures int
	calls    int
}

func (f *fakeBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]workflow.Bar, error) {
	f.calls++
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return nil, f.err
	}
	var out []workflow.Bar
	for _, b := range f.series[symbol] {
		if !b.Time.Before(from) && !b.Time.After(to.Add(24*time.Hour)) {
			out = append(out, b)
		}
	}
	return out, nil
}

// weekdayBars returns n flat bars, one per weekday from start. overrides
// replaces bar i with {open, high, low, close}.
func weekdayBars(start time.Time, n int, overrides map[int][4]float64) []workflow.Bar {
	bars := make([]workflow.Bar, 0, n)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, workflow.MarketLocation)
	for len(bars) < n {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			b := workflow.Bar{Time: day, Open: 100, High: 100, Low: 100, Close: 100, Volume: 1e6}
			if o, ok := overrides[len(bars)]; ok {
				b.Open, b.High, b.Low, b.Close = o[0], o[1], o[2], o[3]
			}
			bars = append(bars, b)
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func TestFees(t *testing.T) {
	assert.Equal(t, "0.01", TAFFee(1).String())
	assert.Equal(t, "0.17", TAFFee(1000).StringFixed(2))
	assert.Equal(t, "8.3", TAFFee(100000).String())
	assert.True(t, TAFFee(0).IsZero())

	assert.Equal(t, "0.0265", CATFee(1000).String())

	rt := DefaultFees().RoundTrip(10)
	assert.Equal(t, "0.01053", rt.String())
	assert.True(t, FeeModel{}.RoundTrip(10).IsZero())
}

func TestPnL(t *testing.T) {
	assert.Equal(t, "9.68947", PnL(97, 97.97, 10, 0.01053).String())
	assert.Equal(t, "-5", PnL(100, 99.5, 10, 0).String())
}

func TestComputeMetrics(t *testing.T) {
	trades := []workflow.Trade{{PnL: 100}, {PnL: -50}, {PnL: 200}}
	m := ComputeMetrics(trades, 1000)

	assert.Equal(t, 3, m.TotalTrades)
	assert.InDelta(t, 250.0, m.TotalPnL, 1e-9)
	assert.InDelta(t, 25.0, m.TotalReturn, 1e-9)
	assert.InDelta(t, 66.666, m.WinRate, 1e-3)
	assert.InDelta(t, 50.0/1100*100, m.MaxDrawdown, 1e-9)
	assert.Greater(t, m.SharpeRatio, 0.0)

	empty := ComputeMetrics(nil, 1000)
	assert.Zero(t, empty.SharpeRatio)
	assert.Zero(t, empty.TotalTrades)
}

func TestSignal(t *testing.T) {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	t.Run("buy the dip needs a full lookback", func(t *testing.T) {
		cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 5}
		bars := weekdayBars(start, 5, map[int][4]float64{4: {100, 100, 97, 97}})

		ok, err := Signal(cfg, bars[:4], nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = Signal(cfg, bars, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Signal(cfg.WithThreshold(0.05), bars, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("momentum compares against the lookback close", func(t *testing.T) {
		cfg := workflow.MomentumConfig{RiskParams: workflow.DefaultRisk(), LookbackPeriod: 2, MomentumThreshold: 5}
		bars := weekdayBars(start, 3, map[int][4]float64{1: {101, 101, 101, 101}, 2: {106, 106, 106, 106}})

		ok, err := Signal(cfg, bars, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("vix reads the index close of the same day", func(t *testing.T) {
		cfg := workflow.VIXConfig{RiskParams: workflow.DefaultRisk(), VIXThreshold: 20, IndexSymbol: "I:VIX"}
		bars := weekdayBars(start, 2, nil)
		index := weekdayBars(start, 2, map[int][4]float64{0: {15, 15, 15, 15}, 1: {18, 26, 18, 25}})

		ok, err := Signal(cfg, bars, index)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Signal(cfg, bars[:1], index)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEvaluateBuyTheDip(t *testing.T) {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // Monday
	// Bar 20 (Monday 2025-02-03) dips 3% below the 20-bar high; bar 21 reaches the target.
	bars := weekdayBars(start, 25, map[int][4]float64{
		20: {99, 99, 97, 97},
		21: {97, 98, 97.5, 97.8},
	})
	src := &fakeBars{series: map[string][]workflow.Bar{"AAPL": bars}}

	cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 20}
	window := workflow.DateWindow{
		Start: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC),
	}

	eval, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
	require.NoError(t, err)
	require.Len(t, eval.Trades, 1)

	trade := eval.Trades[0]
	assert.Equal(t, "AAPL", trade.Symbol)
	assert.Equal(t, 10.0, trade.Shares)
	assert.Equal(t, 97.0, trade.EntryPrice)
	assert.InDelta(t, 97.97, trade.ExitPrice, 1e-9)
	assert.True(t, trade.HitTarget)
	assert.False(t, trade.HitStop)
	assert.Equal(t, workflow.ExitTakeProfit, trade.ExitReason)
	assert.InDelta(t, 0.01053, trade.Fees, 1e-9)
	assert.InDelta(t, 9.68947, trade.PnL, 1e-6)

	et := trade.EntryTime.In(workflow.MarketLocation)
	assert.Equal(t, 16, et.Hour())
	assert.Equal(t, "2025-02-03", workflow.TradingDay(trade.EntryTime))
	assert.Equal(t, "2025-02-04", workflow.TradingDay(*trade.ExitTime))

	assert.Equal(t, 1, eval.Metrics.TotalTrades)
	assert.InDelta(t, 100.0, eval.Metrics.WinRate, 1e-9)

	again, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, again.Trades[0].ID)
}

func TestEvaluateStopLoss(t *testing.T) {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	bars := weekdayBars(start, 25, map[int][4]float64{
		20: {99, 99, 97, 97},
		21: {97, 97.2, 96, 96.5},
	})
	src := &fakeBars{series: map[string][]workflow.Bar{"AAPL": bars}}
	cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 20}
	window := workflow.DateWindow{
		Start: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC),
	}

	eval, err := NewEvaluator(src, FeeModel{}).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
	require.NoError(t, err)
	require.NotEmpty(t, eval.Trades)
	assert.True(t, eval.Trades[0].HitStop)
	assert.Equal(t, workflow.ExitStopLoss, eval.Trades[0].ExitReason)
	assert.InDelta(t, 97*0.995, eval.Trades[0].ExitPrice, 1e-9)
	assert.Less(t, eval.Trades[0].PnL, 0.0)
}

func TestEvaluateErrors(t *testing.T) {
	cfg := workflow.BuyTheDipConfig{RiskParams: workflow.DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 20}
	window := workflow.DateWindow{
		Start: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC),
	}

	t.Run("bar source outage is returned after retries", func(t *testing.T) {
		src := &fakeBars{err: workflow.ErrTransientIO}
		_, err := NewEvaluator(src, DefaultFees()).WithRetryMaxElapsed(300*time.Millisecond).
			Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
		assert.True(t, errors.Is(err, workflow.ErrTransientIO))
		assert.Greater(t, src.calls, 1)
	})

	t.Run("transient bar failure is retried", func(t *testing.T) {
		start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
		bars := weekdayBars(start, 25, map[int][4]float64{20: {99, 99, 97, 97}})
		src := &fakeBars{
			series:   map[string][]workflow.Bar{"AAPL": bars},
			err:      errors.Join(errors.New("polygon 503"), workflow.ErrTransientIO),
			failures: 2,
		}
		eval, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
		require.NoError(t, err)
		assert.Len(t, eval.Trades, 1)
		assert.Equal(t, 3, src.calls)
	})

	t.Run("permanent bar failure is not retried", func(t *testing.T) {
		src := &fakeBars{err: errors.New("polygon 403: not entitled")}
		_, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
		require.Error(t, err)
		assert.False(t, errors.Is(err, workflow.ErrTransientIO))
		assert.Equal(t, 1, src.calls)
	})

	t.Run("invalid config is a configuration error", func(t *testing.T) {
		src := &fakeBars{}
		_, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg.WithThreshold(0), []string{"AAPL"}, window)
		assert.True(t, errors.Is(err, workflow.ErrConfiguration))
	})

	t.Run("no bars means no trades", func(t *testing.T) {
		src := &fakeBars{series: map[string][]workflow.Bar{}}
		eval, err := NewEvaluator(src, DefaultFees()).Evaluate(context.Background(), cfg, []string{"AAPL"}, window)
		require.NoError(t, err)
		assert.Empty(t, eval.Trades)
	})
}
