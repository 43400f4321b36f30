package validator

import "github.com/kaljuvee/alpacacode/pkg/workflow"

var suggestionOrder = []workflow.AnomalyKind{
	workflow.AnomalyWeekendTrade,
	workflow.AnomalyOutsideMarketHours,
	workflow.AnomalyPriceMismatch,
	workflow.AnomalyTPSLConflict,
	workflow.AnomalyExitReasonMismatch,
	workflow.AnomalyPnLMismatch,
}

var suggestionText = map[workflow.AnomalyKind]string{
	workflow.AnomalyWeekendTrade: "Weekend trades detected. Check the data source for incorrect timestamps " +
		"or make sure the backtester skips weekends.",
	workflow.AnomalyOutsideMarketHours: "Trades outside market hours detected. Verify that the data source provides " +
		"correct timestamps and that the strategy respects trading hours.",
	workflow.AnomalyPriceMismatch: "Significant price deviations from market data. This may indicate stale prices " +
		"or data feed issues. Consider re-running with a different data source.",
	workflow.AnomalyTPSLConflict: "Take profit and stop loss both triggered on the same trade. " +
		"Review the strategy exit logic.",
	workflow.AnomalyExitReasonMismatch: "Exit reasons disagree with the recorded take profit and stop loss flags. " +
		"Check how the strategy labels exits.",
	workflow.AnomalyPnLMismatch: "P&L mismatches remain after correction. Verify the fee calculation " +
		"and the entry and exit prices by hand.",
}

// Suggestions returns one remediation hint per anomaly kind present.
func Suggestions(anomalies []workflow.Anomaly) []string {
	kinds := make(map[workflow.AnomalyKind]bool)
	for _, a := range anomalies {
		kinds[a.Kind] = true
	}

	var out []string
	for _, k := range suggestionOrder {
		if kinds[k] {
			out = append(out, suggestionText[k])
		}
	}
	return out
}
