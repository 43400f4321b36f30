package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// report assembles and stores the final report, then completes the run.
// A missing required input fails the run.
func (e *Engine) report(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run) error {
	st.Attempt(workflow.StatusReporting).Attempts++

	rep, err := e.buildReport(ctx, st, run, true)
	if err != nil {
		if store.IsNotFound(err) {
			return e.fail(ctx, st, run, nil, fmt.Sprintf("report: %v", err))
		}
		return err
	}

	st.Attempt(workflow.StatusReporting).Outcome = workflow.OutcomeSucceeded
	rep.Phases = phaseReports(st)
	if err := e.store.PutReport(ctx, rep); err != nil {
		return fmt.Errorf("failed to store report of run %s: %w", st.RunID, err)
	}

	if err := run.Transition(workflow.StatusCompleted, e.now()); err != nil {
		return err
	}
	st.Phase = workflow.StatusCompleted
	if err := e.commit(ctx, st, run, nil, nil); err != nil {
		return err
	}

	e.metrics.PhaseTransition(string(workflow.StatusReporting), string(workflow.StatusCompleted))
	e.metrics.RunFinished(string(workflow.StatusCompleted))
	e.logEvent("run_completed", map[string]interface{}{
		"run_id":      st.RunID,
		"mode":        st.Mode,
		"duration_ms": run.CompletedAt.Sub(run.StartedAt).Milliseconds(),
	})
	log.Printf("[Orchestrator] Run %s completed", st.RunID)
	return nil
}

// storePartialReport records what a failed run produced. Best effort.
func (e *Engine) storePartialReport(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run) {
	rep, err := e.buildReport(ctx, st, run, false)
	if err != nil {
		log.Printf("[Orchestrator] Warning: no partial report for run %s: %v", st.RunID, err)
		return
	}
	rep.Phases = phaseReports(st)
	if err := e.store.PutReport(ctx, rep); err != nil {
		log.Printf("[Orchestrator] Warning: failed to store partial report for run %s: %v", st.RunID, err)
	}
}

// buildReport gathers the run's artifacts. With required set, every
// artifact the mode's phases produce must exist.
func (e *Engine) buildReport(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, required bool) (*workflow.Report, error) {
	rep := &workflow.Report{
		RunID:       st.RunID,
		Mode:        st.Mode,
		Strategy:    run.Strategy,
		GeneratedAt: e.now().UTC(),
	}

	// missing keeps a not-found error only when the artifact is required.
	missing := func(err error, phase workflow.Status) error {
		if err == nil {
			return nil
		}
		if store.IsNotFound(err) && (!required || !inPlan(st.Mode, phase)) {
			return nil
		}
		return err
	}

	if inPlan(st.Mode, workflow.StatusBacktesting) || st.Mode == workflow.ModeValidate {
		source := st.RunID
		if st.Mode == workflow.ModeValidate {
			source = st.Request.SourceRunID
		}
		best, err := e.bestBacktest(ctx, source)
		switch {
		case err == nil:
			rep.BestBacktest = best
		case !errors.Is(err, workflow.ErrConfiguration):
			return nil, err
		case required && inPlan(st.Mode, workflow.StatusBacktesting):
			return nil, fmt.Errorf("best backtest of run %s: %w", source, store.ErrNotFound)
		}
	}

	vr, err := e.store.GetValidationReport(ctx, st.RunID, workflow.SourceBacktest)
	if err := missing(err, workflow.StatusValidatingBacktest); err != nil {
		return nil, err
	}
	rep.BacktestValidation = vr

	ps, err := e.store.GetPaperTradeSummary(ctx, st.RunID)
	if err := missing(err, workflow.StatusPaperTrading); err != nil {
		return nil, err
	}
	rep.PaperTrade = ps

	pv, err := e.store.GetValidationReport(ctx, st.RunID, workflow.SourcePaper)
	if err := missing(err, workflow.StatusValidatingPaper); err != nil {
		return nil, err
	}
	rep.PaperValidation = pv

	return rep, nil
}

// phaseReports lists every work phase with its outcome and attempt count.
func phaseReports(st *workflow.OrchestratorState) []workflow.PhaseReport {
	out := make([]workflow.PhaseReport, 0, len(workPhases))
	for _, phase := range workPhases {
		pr := workflow.PhaseReport{Phase: phase, Outcome: workflow.OutcomeSkipped}
		if a, ok := st.Attempts[phase]; ok && inPlan(st.Mode, phase) {
			pr.Attempts = a.Attempts
			if a.Outcome != "" {
				pr.Outcome = a.Outcome
			}
		}
		out = append(out, pr)
	}
	return out
}
