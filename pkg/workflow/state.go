package workflow

import (
	"fmt"
	"time"
)

// StartRequest is everything needed to build the commands of a run.
type StartRequest struct {
	RunID        string        `json:"run_id,omitempty"`
	Mode         Mode          `json:"mode"`
	Strategy     StrategySpec  `json:"strategy"`
	Symbols      []string      `json:"symbols"`
	Range        DateWindow    `json:"date_range"`
	Grid         ParameterGrid `json:"parameter_grid"`
	Objective    Objective     `json:"objective,omitempty"`
	Duration     Duration      `json:"duration,omitempty"`
	PollInterval Duration      `json:"poll_interval,omitempty"`
	SourceRunID  string        `json:"source_run_id,omitempty"`
}

// Validate checks that the request has what its mode needs.
func (r *StartRequest) Validate() error {
	if err := r.Mode.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	switch r.Mode {
	case ModeValidate:
		if r.SourceRunID == "" {
			return fmt.Errorf("%w: validate mode requires source_run_id", ErrConfiguration)
		}
		return nil
	case ModePaper:
		cmd := PaperTradeCommand{RunID: "pending", Strategy: r.Strategy, Symbols: r.Symbols, Duration: r.Duration, PollInterval: r.PollInterval}
		return cmd.Validate()
	case ModeBacktest:
		cmd := BacktestCommand{RunID: "pending", Strategy: r.Strategy, Symbols: r.Symbols, Range: r.Range, Grid: r.Grid, Objective: r.Objective}
		return cmd.Validate()
	default:
		cmd := BacktestCommand{RunID: "pending", Strategy: r.Strategy, Symbols: r.Symbols, Range: r.Range, Grid: r.Grid, Objective: r.Objective}
		if err := cmd.Validate(); err != nil {
			return err
		}
		if r.Duration <= 0 {
			return fmt.Errorf("%w: full mode requires a paper trading duration", ErrConfiguration)
		}
		return nil
	}
}

// StrategyName returns the strategy label stored on the Run.
func (r *StartRequest) StrategyName() string {
	if k := r.Strategy.Kind(); k != "" {
		return string(k)
	}
	return "unknown"
}

// PhaseAttempt tracks how often a phase's command was issued and how it ended.
type PhaseAttempt struct {
	Attempts int          `json:"attempts"`
	Outcome  PhaseOutcome `json:"outcome,omitempty"`
}

// OrchestratorState is the durable snapshot of one run's state machine.
// It is written after every transition and before the next command is sent.
type OrchestratorState struct {
	RunID             string                   `json:"run_id"`
	Mode              Mode                     `json:"mode"`
	Phase             Status                   `json:"phase"`
	Retries           map[Status]int           `json:"retries"`
	Attempts          map[Status]*PhaseAttempt `json:"attempts"`
	LastError         string                   `json:"last_error,omitempty"`
	LastCommandID     string                   `json:"last_command_id,omitempty"`
	CommandIssuedAtMs int64                    `json:"command_issued_at_ms,omitempty"`
	Request           StartRequest             `json:"request"`
	UpdatedAtMs       int64                    `json:"updated_at_ms"`
}

// NewOrchestratorState creates the idle snapshot of a new run.
func NewOrchestratorState(runID string, req StartRequest) *OrchestratorState {
	return &OrchestratorState{
		RunID:       runID,
		Mode:        req.Mode,
		Phase:       StatusIdle,
		Retries:     make(map[Status]int),
		Attempts:    make(map[Status]*PhaseAttempt),
		Request:     req,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
}

// Attempt returns the attempt record for phase, creating it if needed.
func (s *OrchestratorState) Attempt(phase Status) *PhaseAttempt {
	if s.Attempts == nil {
		s.Attempts = make(map[Status]*PhaseAttempt)
	}
	a, ok := s.Attempts[phase]
	if !ok {
		a = &PhaseAttempt{}
		s.Attempts[phase] = a
	}
	return a
}

// Validate checks the snapshot before it is persisted.
func (s *OrchestratorState) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("orchestrator state has no run_id")
	}
	if err := s.Mode.Validate(); err != nil {
		return err
	}
	return s.Phase.Validate()
}
