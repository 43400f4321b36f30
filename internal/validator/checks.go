package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/shopspring/decimal"
)

const (
	fieldEntryPrice = "entry_price"
	fieldExitPrice  = "exit_price"
	fieldEntryTime  = "entry_time"
	fieldExitTime   = "exit_time"
	fieldPnL        = "pnl"
	fieldExitReason = "exit_reason"
	fieldHitFlags   = "hit_target,hit_stop"

	// Extended session in America/New_York, minutes from midnight.
	sessionOpen  = 4 * 60
	sessionClose = 20 * 60
)

// pnlTolerance is the largest accepted difference between recorded and
// recomputed P&L, in dollars.
var pnlTolerance = decimal.NewFromFloat(0.01)

func priceAnomaly(idx int, t *workflow.Trade, field string, recorded, actual, tolerance float64) (workflow.Anomaly, bool) {
	if actual <= 0 {
		return workflow.Anomaly{}, false
	}
	diff := math.Abs(recorded-actual) / actual
	if diff <= tolerance {
		return workflow.Anomaly{}, false
	}
	return workflow.Anomaly{
		Kind:        workflow.AnomalyPriceMismatch,
		TradeIndex:  idx,
		TradeID:     t.ID,
		Field:       field,
		Recorded:    formatPrice(recorded),
		Expected:    formatPrice(actual),
		Message:     fmt.Sprintf("%s %s $%s differs from market $%s by %.1f%%", t.Symbol, field, formatPrice(recorded), formatPrice(actual), diff*100),
		Correctable: true,
	}, true
}

// expectedPnL returns the P&L implied by prices, shares and fees.
func expectedPnL(t *workflow.Trade) decimal.Decimal {
	entry := decimal.NewFromFloat(t.EntryPrice)
	exit := decimal.NewFromFloat(t.ExitPrice)
	move := exit.Sub(entry)
	if t.Side == workflow.SideShort {
		move = move.Neg()
	}
	return move.Mul(decimal.NewFromFloat(t.Shares)).Sub(decimal.NewFromFloat(t.Fees)).Round(6)
}

func checkPnL(idx int, t *workflow.Trade) []workflow.Anomaly {
	if !t.IsClosed() || t.ExitPrice <= 0 {
		return nil
	}
	expected := expectedPnL(t)
	recorded := decimal.NewFromFloat(t.PnL)
	if recorded.Sub(expected).Abs().LessThanOrEqual(pnlTolerance) {
		return nil
	}
	return []workflow.Anomaly{{
		Kind:        workflow.AnomalyPnLMismatch,
		TradeIndex:  idx,
		TradeID:     t.ID,
		Field:       fieldPnL,
		Recorded:    recorded.StringFixed(2),
		Expected:    expected.StringFixed(2),
		Message:     fmt.Sprintf("P&L mismatch: expected $%s, recorded $%s", expected.StringFixed(2), recorded.StringFixed(2)),
		Correctable: true,
	}}
}

// inSession reports whether t falls in the 04:00-20:00 ET window. The
// closing minute itself is accepted.
func inSession(t time.Time) bool {
	et := t.In(workflow.MarketLocation)
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= sessionOpen && minutes <= sessionClose
}

func checkSession(idx int, t *workflow.Trade) []workflow.Anomaly {
	var out []workflow.Anomaly
	for _, f := range tradeTimes(t) {
		if inSession(f.ts) {
			continue
		}
		et := f.ts.In(workflow.MarketLocation)
		out = append(out, workflow.Anomaly{
			Kind:       workflow.AnomalyOutsideMarketHours,
			TradeIndex: idx,
			TradeID:    t.ID,
			Field:      f.name,
			Recorded:   et.Format(time.RFC3339),
			Message:    fmt.Sprintf("%s at %s ET is outside the 4AM-8PM window", f.name, et.Format("15:04")),
		})
	}
	return out
}

func checkWeekend(idx int, t *workflow.Trade) []workflow.Anomaly {
	var out []workflow.Anomaly
	for _, f := range tradeTimes(t) {
		day := f.ts.In(workflow.MarketLocation).Weekday()
		if day != time.Saturday && day != time.Sunday {
			continue
		}
		out = append(out, workflow.Anomaly{
			Kind:       workflow.AnomalyWeekendTrade,
			TradeIndex: idx,
			TradeID:    t.ID,
			Field:      f.name,
			Recorded:   day.String(),
			Message:    fmt.Sprintf("%s on %s (weekend)", f.name, day),
		})
	}
	return out
}

// checkTPSL flags trades marked as hitting both exits, and trades whose exit
// reason disagrees with the single exit they hit.
func checkTPSL(idx int, t *workflow.Trade) []workflow.Anomaly {
	if t.HitTarget && t.HitStop {
		return []workflow.Anomaly{{
			Kind:       workflow.AnomalyTPSLConflict,
			TradeIndex: idx,
			TradeID:    t.ID,
			Field:      fieldHitFlags,
			Message:    "Both take profit and stop loss marked as hit",
		}}
	}

	want, ok := impliedExitReason(t)
	if !ok || t.ExitReason == want {
		return nil
	}
	return []workflow.Anomaly{{
		Kind:        workflow.AnomalyExitReasonMismatch,
		TradeIndex:  idx,
		TradeID:     t.ID,
		Field:       fieldExitReason,
		Recorded:    string(t.ExitReason),
		Expected:    string(want),
		Message:     fmt.Sprintf("exit reason %q does not match the triggered exit %q", t.ExitReason, want),
		Correctable: true,
	}}
}

func impliedExitReason(t *workflow.Trade) (workflow.ExitReason, bool) {
	if !t.IsClosed() {
		return "", false
	}
	switch {
	case t.HitTarget && !t.HitStop:
		return workflow.ExitTakeProfit, true
	case t.HitStop && !t.HitTarget:
		return workflow.ExitStopLoss, true
	}
	return "", false
}

type namedTime struct {
	name string
	ts   time.Time
}

func tradeTimes(t *workflow.Trade) []namedTime {
	out := []namedTime{{fieldEntryTime, t.EntryTime}}
	if t.ExitTime != nil {
		out = append(out, namedTime{fieldExitTime, *t.ExitTime})
	}
	return out
}

func applyPrice(iteration int, t *workflow.Trade, a workflow.Anomaly) (workflow.Correction, bool) {
	actual, err := decimal.NewFromString(a.Expected)
	if err != nil {
		return workflow.Correction{}, false
	}
	price := actual.InexactFloat64()

	var from float64
	switch a.Field {
	case fieldEntryPrice:
		from, t.EntryPrice = t.EntryPrice, price
	case fieldExitPrice:
		from, t.ExitPrice = t.ExitPrice, price
	default:
		return workflow.Correction{}, false
	}
	return workflow.Correction{
		Kind:       workflow.CorrectionPrice,
		Iteration:  iteration,
		TradeIndex: a.TradeIndex,
		TradeID:    t.ID,
		Field:      a.Field,
		From:       formatPrice(from),
		To:         formatPrice(price),
	}, true
}

func recomputePnL(iteration, idx int, t *workflow.Trade) (workflow.Correction, bool) {
	if !t.IsClosed() || t.ExitPrice <= 0 {
		return workflow.Correction{}, false
	}
	expected := expectedPnL(t)
	from := decimal.NewFromFloat(t.PnL)
	if from.Equal(expected) {
		return workflow.Correction{}, false
	}
	t.PnL = expected.InexactFloat64()
	return workflow.Correction{
		Kind:       workflow.CorrectionPnLRecalculation,
		Iteration:  iteration,
		TradeIndex: idx,
		TradeID:    t.ID,
		Field:      fieldPnL,
		From:       from.String(),
		To:         expected.String(),
	}, true
}

func relabelExit(iteration int, t *workflow.Trade, a workflow.Anomaly) (workflow.Correction, bool) {
	want, ok := impliedExitReason(t)
	if !ok || t.ExitReason == want {
		return workflow.Correction{}, false
	}
	from := t.ExitReason
	t.ExitReason = want
	return workflow.Correction{
		Kind:       workflow.CorrectionExitReason,
		Iteration:  iteration,
		TradeIndex: a.TradeIndex,
		TradeID:    t.ID,
		Field:      fieldExitReason,
		From:       string(from),
		To:         string(want),
	}, true
}

func formatPrice(p float64) string {
	return decimal.NewFromFloat(p).String()
}
