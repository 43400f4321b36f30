package workflow

import (
	"fmt"
	"time"
)

// DateWindow is an inclusive calendar range.
type DateWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the window is non-empty.
func (w DateWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("date window needs both start and end")
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("date window end %s is not after start %s",
			w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly))
	}
	return nil
}

// FirstDay returns the calendar date of Start as YYYY-MM-DD.
func (w DateWindow) FirstDay() string {
	return w.Start.Format(time.DateOnly)
}

// LastDay returns the calendar date of End as YYYY-MM-DD.
func (w DateWindow) LastDay() string {
	return w.End.Format(time.DateOnly)
}

func (w DateWindow) String() string {
	return w.Start.Format(time.DateOnly) + ".." + w.End.Format(time.DateOnly)
}

// VariationStatus is the outcome of one grid variation.
type VariationStatus string

const (
	VariationCompleted VariationStatus = "completed"
	VariationFailed    VariationStatus = "failed"
	VariationSkipped   VariationStatus = "skipped"
)

// BacktestSummary is the result of one grid variation.
type BacktestSummary struct {
	RunID          string          `json:"run_id"`
	VariationIndex int             `json:"variation_index"`
	Strategy       StrategySpec    `json:"strategy"`
	Symbols        []string        `json:"symbols"`
	Window         DateWindow      `json:"window"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	MaxDrawdown    float64         `json:"max_drawdown"`
	TotalReturn    float64         `json:"total_return"`
	WinRate        float64         `json:"win_rate"`
	TotalTrades    int             `json:"total_trades"`
	TotalPnL       float64         `json:"total_pnl"`
	IsBest         bool            `json:"is_best"`
	Status         VariationStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
}

// ValidationStatus is the verdict of a validation pass.
type ValidationStatus string

// The validator reports a clean pass as valid even when it applied
// corrections; AnomaliesCorrected carries the count. Corrected is accepted
// from other validator implementations.
const (
	ValidationValid     ValidationStatus = "valid"
	ValidationCorrected ValidationStatus = "corrected"
	ValidationInvalid   ValidationStatus = "invalid"
)

// Accepted reports whether the orchestrator may proceed past this verdict.
func (s ValidationStatus) Accepted() bool {
	return s == ValidationValid || s == ValidationCorrected
}

// AnomalyKind classifies a detected inconsistency.
type AnomalyKind string

const (
	AnomalyPriceMismatch      AnomalyKind = "price_mismatch"
	AnomalyPnLMismatch        AnomalyKind = "pnl_mismatch"
	AnomalyOutsideMarketHours AnomalyKind = "outside_market_hours"
	AnomalyWeekendTrade       AnomalyKind = "weekend_trade"
	AnomalyTPSLConflict       AnomalyKind = "tp_sl_conflict"
	AnomalyExitReasonMismatch AnomalyKind = "exit_reason_mismatch"
)

// Anomaly is one finding against one trade field.
type Anomaly struct {
	Kind        AnomalyKind `json:"kind"`
	TradeIndex  int         `json:"trade_index"`
	TradeID     string      `json:"trade_id"`
	Field       string      `json:"field"`
	Recorded    string      `json:"recorded,omitempty"`
	Expected    string      `json:"expected,omitempty"`
	Message     string      `json:"message"`
	Correctable bool        `json:"correctable"`
}

// Key identifies the anomaly independently of the pass that found it.
func (a Anomaly) Key() string {
	return fmt.Sprintf("%s/%s/%s", a.TradeID, a.Kind, a.Field)
}

// CorrectionKind names an automatic fix.
type CorrectionKind string

const (
	CorrectionPnLRecalculation CorrectionKind = "pnl_recalculation"
	CorrectionPrice            CorrectionKind = "price_correction"
	CorrectionExitReason       CorrectionKind = "exit_reason_relabel"
)

// Correction records one change applied to the working copy.
type Correction struct {
	Kind       CorrectionKind `json:"kind"`
	Iteration  int            `json:"iteration"`
	TradeIndex int            `json:"trade_index"`
	TradeID    string         `json:"trade_id"`
	Field      string         `json:"field"`
	From       string         `json:"from"`
	To         string         `json:"to"`
}

// ValidationReport is the payload of a validation result.
type ValidationReport struct {
	RunID              string           `json:"run_id"`
	Source             TradeSource      `json:"source"`
	Status             ValidationStatus `json:"status"`
	TotalChecked       int              `json:"total_checked"`
	AnomaliesFound     int              `json:"anomalies_found"`
	AnomaliesCorrected int              `json:"anomalies_corrected"`
	IterationsUsed     int              `json:"iterations_used"`
	Anomalies          []Anomaly        `json:"anomalies,omitempty"`
	Corrections        []Correction     `json:"corrections,omitempty"`
	Suggestions        []string         `json:"suggestions,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// PaperTradeSummary summarizes one paper trading session.
type PaperTradeSummary struct {
	RunID        string       `json:"run_id"`
	Strategy     StrategySpec `json:"strategy"`
	Symbols      []string     `json:"symbols"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at"`
	Duration     Duration     `json:"duration"`
	TotalTrades  int          `json:"total_trades"`
	OpenAtStart  int          `json:"open_positions_at_start"`
	RealizedPnL  float64      `json:"realized_pnl"`
	TotalFees    float64      `json:"total_fees"`
	Ticks        int          `json:"ticks"`
	BrokerErrors int          `json:"broker_errors"`
	Interrupted  bool         `json:"interrupted"`
}

// PhaseOutcome is the per-phase line of the final report.
type PhaseOutcome string

const (
	OutcomeSucceeded PhaseOutcome = "succeeded"
	OutcomeRetried   PhaseOutcome = "retried"
	OutcomeSkipped   PhaseOutcome = "skipped"
	OutcomeFailed    PhaseOutcome = "failed"
)

// PhaseReport records how one phase went.
type PhaseReport struct {
	Phase    Status       `json:"phase"`
	Outcome  PhaseOutcome `json:"outcome"`
	Attempts int          `json:"attempts"`
}

// Report is the final aggregation of a completed run.
type Report struct {
	RunID              string             `json:"run_id"`
	Mode               Mode               `json:"mode"`
	Strategy           string             `json:"strategy"`
	Phases             []PhaseReport      `json:"phases"`
	BestBacktest       *BacktestSummary   `json:"best_backtest,omitempty"`
	BacktestValidation *ValidationReport  `json:"backtest_validation,omitempty"`
	PaperTrade         *PaperTradeSummary `json:"paper_trade,omitempty"`
	PaperValidation    *ValidationReport  `json:"paper_validation,omitempty"`
	GeneratedAt        time.Time          `json:"generated_at"`
}
