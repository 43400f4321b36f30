package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// phasePlans lists the phases each mode goes through, in order.
var phasePlans = map[workflow.Mode][]workflow.Status{
	workflow.ModeFull: {
		workflow.StatusBacktesting,
		workflow.StatusValidatingBacktest,
		workflow.StatusPaperTrading,
		workflow.StatusValidatingPaper,
		workflow.StatusReporting,
	},
	workflow.ModeBacktest: {
		workflow.StatusBacktesting,
		workflow.StatusValidatingBacktest,
		workflow.StatusReporting,
	},
	workflow.ModeValidate: {
		workflow.StatusValidatingBacktest,
		workflow.StatusReporting,
	},
	workflow.ModePaper: {
		workflow.StatusPaperTrading,
		workflow.StatusValidatingPaper,
		workflow.StatusReporting,
	},
}

// workPhases are the phases that appear in a report, in state machine order.
var workPhases = []workflow.Status{
	workflow.StatusBacktesting,
	workflow.StatusValidatingBacktest,
	workflow.StatusPaperTrading,
	workflow.StatusValidatingPaper,
	workflow.StatusReporting,
}

// inPlan reports whether mode goes through phase.
func inPlan(mode workflow.Mode, phase workflow.Status) bool {
	for _, p := range phasePlans[mode] {
		if p == phase {
			return true
		}
	}
	return false
}

// firstPhase is the phase a new run enters from idle.
func firstPhase(mode workflow.Mode) workflow.Status {
	return phasePlans[mode][0]
}

// nextPhase is the phase after current in mode's plan.
func nextPhase(mode workflow.Mode, current workflow.Status) workflow.Status {
	plan := phasePlans[mode]
	for i, p := range plan {
		if p == current && i+1 < len(plan) {
			return plan[i+1]
		}
	}
	return workflow.StatusReporting
}

// phaseAgent is the agent that works on phase, or "" when the orchestrator
// handles it itself.
func phaseAgent(phase workflow.Status) string {
	switch phase {
	case workflow.StatusBacktesting:
		return bus.AgentBacktester
	case workflow.StatusValidatingBacktest, workflow.StatusValidatingPaper:
		return bus.AgentValidator
	case workflow.StatusPaperTrading:
		return bus.AgentPaperTrader
	}
	return ""
}

// expectedResult is the result type that completes phase.
func expectedResult(phase workflow.Status) string {
	switch phase {
	case workflow.StatusBacktesting:
		return bus.TypeBacktestResult
	case workflow.StatusValidatingBacktest, workflow.StatusValidatingPaper:
		return bus.TypeValidationResult
	case workflow.StatusPaperTrading:
		return bus.TypePaperTradeResult
	}
	return ""
}

// validationSource is the trade set a validation phase checks.
func validationSource(phase workflow.Status) workflow.TradeSource {
	if phase == workflow.StatusValidatingPaper {
		return workflow.SourcePaper
	}
	return workflow.SourceBacktest
}

// phaseTimeout is how long phase may wait for its result.
func (e *Engine) phaseTimeout(st *workflow.OrchestratorState) time.Duration {
	if st.Phase == workflow.StatusPaperTrading {
		return st.Request.Duration.Std() + e.config.ResponseTimeout
	}
	return e.config.ResponseTimeout
}

// command builds the message that starts st's current phase.
func (e *Engine) command(ctx context.Context, st *workflow.OrchestratorState) (*bus.Message, error) {
	req := st.Request
	var (
		msgType string
		payload any
	)

	switch st.Phase {
	case workflow.StatusBacktesting:
		msgType = bus.TypeBacktestCommand
		payload = &workflow.BacktestCommand{
			RunID:     st.RunID,
			Strategy:  req.Strategy,
			Symbols:   req.Symbols,
			Range:     req.Range,
			Grid:      req.Grid,
			Objective: req.Objective,
		}

	case workflow.StatusValidatingBacktest, workflow.StatusValidatingPaper:
		cmd := &workflow.ValidateCommand{
			RunID:          st.RunID,
			Source:         validationSource(st.Phase),
			MaxIterations:  e.config.MaxIterations,
			PriceTolerance: e.config.PriceTolerance,
		}
		if st.Mode == workflow.ModeValidate {
			cmd.TradesRunID = req.SourceRunID
		}
		msgType = bus.TypeValidateCommand
		payload = cmd

	case workflow.StatusPaperTrading:
		cmd := &workflow.PaperTradeCommand{
			RunID:        st.RunID,
			Strategy:     req.Strategy,
			Symbols:      req.Symbols,
			Duration:     req.Duration,
			PollInterval: req.PollInterval,
		}
		if st.Mode == workflow.ModeFull {
			best, err := e.bestBacktest(ctx, st.RunID)
			if err != nil {
				return nil, err
			}
			cmd.Strategy = best.Strategy
			cmd.Symbols = best.Symbols
		}
		msgType = bus.TypePaperTradeCommand
		payload = cmd

	default:
		return nil, fmt.Errorf("%w: phase %s has no command", workflow.ErrProtocol, st.Phase)
	}

	return bus.NewMessage(bus.AgentOrchestrator, phaseAgent(st.Phase), msgType, st.RunID, payload)
}

// bestBacktest returns the variation marked best for runID.
func (e *Engine) bestBacktest(ctx context.Context, runID string) (*workflow.BacktestSummary, error) {
	summaries, err := e.store.GetBacktestSummaries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backtest summaries of run %s: %w", runID, err)
	}
	for i := range summaries {
		if summaries[i].IsBest {
			return &summaries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: run %s has no best backtest variation", workflow.ErrConfiguration, runID)
}
