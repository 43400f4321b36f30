package strategy

import (
	"math"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// tradingDaysPerYear annualizes the per-trade Sharpe ratio.
const tradingDaysPerYear = 252

// Metrics summarizes a simulated trade sequence. Percentages are in percent
// (5 means 5%).
type Metrics struct {
	SharpeRatio float64
	MaxDrawdown float64
	TotalReturn float64
	WinRate     float64
	TotalTrades int
	TotalPnL    float64
}

// ComputeMetrics derives Metrics from closed trades in exit order, starting
// from initialCapital.
func ComputeMetrics(trades []workflow.Trade, initialCapital float64) Metrics {
	m := Metrics{TotalTrades: len(trades)}
	if len(trades) == 0 || initialCapital <= 0 {
		return m
	}

	equity := initialCapital
	peak := initialCapital
	wins := 0
	returns := make([]float64, 0, len(trades))

	for _, t := range trades {
		returns = append(returns, t.PnL/equity)
		equity += t.PnL
		m.TotalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		}
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}

	m.TotalReturn = (equity - initialCapital) / initialCapital * 100
	m.WinRate = float64(wins) / float64(len(trades)) * 100
	m.SharpeRatio = sharpe(returns)
	return m
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
