package workflow

import (
	"fmt"
	"time"
)

// Mode selects which phases a run goes through.
type Mode string

const (
	// ModeBacktest runs backtest, validation and report.
	ModeBacktest Mode = "backtest"
	// ModeValidate re-validates the backtest trades of an earlier run.
	ModeValidate Mode = "validate"
	// ModePaper paper trades a given configuration, then validates and reports.
	ModePaper Mode = "paper"
	// ModeFull runs every phase.
	ModeFull Mode = "full"
)

// Validate checks if the mode is one of the allowed values.
func (m Mode) Validate() error {
	switch m {
	case ModeBacktest, ModeValidate, ModePaper, ModeFull:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q (expected backtest, validate, paper or full)", m)
	}
}

// Status is both the run status and the orchestrator phase.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusBacktesting        Status = "backtesting"
	StatusValidatingBacktest Status = "validating_backtest"
	StatusPaperTrading       Status = "paper_trading"
	StatusValidatingPaper    Status = "validating_paper"
	StatusReporting          Status = "reporting"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// statusOrder is the forward order of the state machine.
// Terminal statuses share the highest rank.
var statusOrder = map[Status]int{
	StatusIdle:               0,
	StatusBacktesting:        1,
	StatusValidatingBacktest: 2,
	StatusPaperTrading:       3,
	StatusValidatingPaper:    4,
	StatusReporting:          5,
	StatusCompleted:          6,
	StatusFailed:             6,
	StatusCancelled:          6,
}

// Validate checks if the status is known.
func (s Status) Validate() error {
	if _, ok := statusOrder[s]; !ok {
		return fmt.Errorf("invalid status: %q", s)
	}
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next goes strictly forward.
// Failed and cancelled are reachable from every non-terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	return okFrom && okTo && to > from
}

// Run is one end-to-end workflow execution.
type Run struct {
	RunID       string     `json:"run_id"`
	Mode        Mode       `json:"mode"`
	Strategy    string     `json:"strategy"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	SourceRunID string     `json:"source_run_id,omitempty"`
}

// Validate checks the run's invariants.
func (r *Run) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	if err := r.Status.Validate(); err != nil {
		return err
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if r.Status.IsTerminal() && r.CompletedAt == nil {
		return fmt.Errorf("terminal run %s has no completed_at", r.RunID)
	}
	if !r.Status.IsTerminal() && r.CompletedAt != nil {
		return fmt.Errorf("non-terminal run %s has completed_at set", r.RunID)
	}
	if r.Mode == ModeValidate && r.SourceRunID == "" {
		return fmt.Errorf("validate mode requires source_run_id")
	}
	return nil
}

// Transition moves the run to next, stamping CompletedAt on entry to a
// terminal status.
func (r *Run) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", ErrProtocol, r.RunID, r.Status, next)
	}
	r.Status = next
	if next.IsTerminal() {
		t := now.UTC()
		r.CompletedAt = &t
	}
	return nil
}
