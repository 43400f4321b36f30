package strategy

import (
	"fmt"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// MinHistory returns how many bars cfg needs before it can signal.
func MinHistory(cfg workflow.StrategyConfig) int {
	switch c := cfg.(type) {
	case workflow.BuyTheDipConfig:
		return c.LookbackPeriods
	case workflow.MomentumConfig:
		return c.LookbackPeriod + 1
	default:
		return 1
	}
}

// Signal reports whether cfg enters a long position at the close of the last
// bar of history. index holds the volatility index bars for the VIX variant
// and is ignored otherwise.
func Signal(cfg workflow.StrategyConfig, history []workflow.Bar, index []workflow.Bar) (bool, error) {
	if len(history) < MinHistory(cfg) {
		return false, nil
	}
	last := history[len(history)-1]

	switch c := cfg.(type) {
	case workflow.BuyTheDipConfig:
		window := history[len(history)-c.LookbackPeriods:]
		high := window[0].High
		for _, b := range window[1:] {
			if b.High > high {
				high = b.High
			}
		}
		if high <= 0 {
			return false, nil
		}
		return (high-last.Close)/high >= c.DipThreshold, nil

	case workflow.MomentumConfig:
		base := history[len(history)-1-c.LookbackPeriod].Close
		if base <= 0 {
			return false, nil
		}
		change := (last.Close - base) / base * 100
		return change >= c.MomentumThreshold, nil

	case workflow.VIXConfig:
		day := workflow.TradingDay(last.Time)
		for i := len(index) - 1; i >= 0; i-- {
			if workflow.TradingDay(index[i].Time) == day {
				return index[i].Close >= c.VIXThreshold, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: unsupported strategy %T", workflow.ErrConfiguration, cfg)
	}
}
