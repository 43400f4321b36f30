package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that travels as a Go duration string ("90m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or an integer number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(data))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Objective selects the ranking metric of a backtest grid.
type Objective string

const (
	ObjectiveSharpe      Objective = "sharpe_ratio"
	ObjectiveTotalReturn Objective = "total_return"
)

// ParameterGrid lists the axes of a backtest grid. An empty axis means the
// base value from the command.
type ParameterGrid struct {
	SymbolSets [][]string   `json:"symbol_sets,omitempty"`
	Thresholds []float64    `json:"thresholds,omitempty"`
	Windows    []DateWindow `json:"windows,omitempty"`
}

// BacktestCommand asks the backtester to evaluate a grid for a run.
type BacktestCommand struct {
	RunID     string        `json:"run_id"`
	Strategy  StrategySpec  `json:"strategy"`
	Symbols   []string      `json:"symbols"`
	Range     DateWindow    `json:"date_range"`
	Grid      ParameterGrid `json:"parameter_grid"`
	Objective Objective     `json:"objective,omitempty"`
}

// Validate checks the command before any work is started.
func (c *BacktestCommand) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrConfiguration)
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if len(c.Symbols) == 0 && len(c.Grid.SymbolSets) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", ErrConfiguration)
	}
	if len(c.Grid.Windows) == 0 {
		if err := c.Range.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	for _, w := range c.Grid.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	switch c.Objective {
	case "", ObjectiveSharpe, ObjectiveTotalReturn:
	default:
		return fmt.Errorf("%w: unknown objective %q", ErrConfiguration, c.Objective)
	}
	return nil
}

// ValidateCommand asks the validator to check a run's trades.
// TradesRunID names the run whose trades are read; it defaults to RunID.
type ValidateCommand struct {
	RunID          string      `json:"run_id"`
	Source         TradeSource `json:"source"`
	TradesRunID    string      `json:"trades_run_id,omitempty"`
	MaxIterations  int         `json:"max_iterations,omitempty"`
	PriceTolerance float64     `json:"price_tolerance,omitempty"`
}

// TargetRunID returns the run whose trades are validated.
func (c *ValidateCommand) TargetRunID() string {
	if c.TradesRunID != "" {
		return c.TradesRunID
	}
	return c.RunID
}

// Validate checks the command before any work is started.
func (c *ValidateCommand) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrConfiguration)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations cannot be negative", ErrConfiguration)
	}
	if c.PriceTolerance < 0 {
		return fmt.Errorf("%w: price_tolerance cannot be negative", ErrConfiguration)
	}
	return nil
}

// PaperTradeCommand asks the paper trader to run a session.
type PaperTradeCommand struct {
	RunID        string       `json:"run_id"`
	Strategy     StrategySpec `json:"strategy"`
	Symbols      []string     `json:"symbols"`
	Duration     Duration     `json:"duration"`
	PollInterval Duration     `json:"poll_interval,omitempty"`
}

// Validate checks the command before any work is started.
func (c *PaperTradeCommand) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrConfiguration)
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", ErrConfiguration)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrConfiguration)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll_interval cannot be negative", ErrConfiguration)
	}
	return nil
}

// CancelCommand tells an agent to stop working on a run.
type CancelCommand struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ResultStatus is the outcome of a command.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ResultHeader is shared by every result payload.
type ResultHeader struct {
	RunID     string       `json:"run_id"`
	CommandID string       `json:"command_id"`
	Status    ResultStatus `json:"status"`
	Cause     *Cause       `json:"cause,omitempty"`
}

// Header returns the shared result fields.
func (h *ResultHeader) Header() *ResultHeader {
	return h
}

// Validate checks the header of a result.
func (h *ResultHeader) Validate() error {
	if h.RunID == "" {
		return fmt.Errorf("%w: result has no run_id", ErrProtocol)
	}
	switch h.Status {
	case ResultSuccess:
	case ResultError:
		if h.Cause == nil {
			return fmt.Errorf("%w: error result without cause", ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown result status %q", ErrProtocol, h.Status)
	}
	return nil
}

// BacktestResult reports the best variation of a grid.
type BacktestResult struct {
	ResultHeader
	Best       *BacktestSummary `json:"best,omitempty"`
	Variations int              `json:"variations"`
	Failed     int              `json:"failed"`
}

// ValidationResult carries a ValidationReport.
type ValidationResult struct {
	ResultHeader
	Report *ValidationReport `json:"report,omitempty"`
}

// PaperTradeResult carries the session summary.
type PaperTradeResult struct {
	ResultHeader
	Summary *PaperTradeSummary `json:"summary,omitempty"`
}
