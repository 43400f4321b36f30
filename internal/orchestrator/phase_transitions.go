package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// handleMessage applies one inbox message to its run. Messages that cannot
// advance the run are acknowledged and discarded. A returned error leaves
// the message unacknowledged.
func (e *Engine) handleMessage(ctx context.Context, msg *bus.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, run, err := e.load(ctx, msg.RunID)
	if err != nil {
		if store.IsNotFound(err) {
			return e.discard(ctx, msg, "unknown_run")
		}
		return err
	}

	if st.Phase.IsTerminal() {
		return e.discard(ctx, msg, "run_finished")
	}
	if msg.Type != expectedResult(st.Phase) {
		return e.discard(ctx, msg, "out_of_phase")
	}

	result, header, err := decodeResult(msg)
	if err != nil {
		log.Printf("[Orchestrator] Malformed %s %s for run %s: %v", msg.Type, msg.ID, msg.RunID, err)
		return e.discard(ctx, msg, "malformed")
	}

	if header.Status == workflow.ResultError {
		// Only the latest command's failure counts; an earlier attempt's
		// error may still arrive after a timeout retry.
		if header.CommandID != st.LastCommandID {
			return e.discard(ctx, msg, "stale_error")
		}
		return e.onError(ctx, st, run, msg, header.Cause)
	}

	if vr, ok := result.(*workflow.ValidationResult); ok && vr.Report != nil && vr.Report.Source != validationSource(st.Phase) {
		return e.discard(ctx, msg, "out_of_phase")
	}
	return e.onSuccess(ctx, st, run, msg, result)
}

// decodeResult unmarshals a result message into its typed payload.
func decodeResult(msg *bus.Message) (any, *workflow.ResultHeader, error) {
	var (
		result any
		header *workflow.ResultHeader
	)
	switch msg.Type {
	case bus.TypeBacktestResult:
		r := &workflow.BacktestResult{}
		result, header = r, &r.ResultHeader
	case bus.TypeValidationResult:
		r := &workflow.ValidationResult{}
		result, header = r, &r.ResultHeader
	case bus.TypePaperTradeResult:
		r := &workflow.PaperTradeResult{}
		result, header = r, &r.ResultHeader
	default:
		return nil, nil, fmt.Errorf("%w: unexpected message type %q", workflow.ErrProtocol, msg.Type)
	}

	if err := msg.Decode(result); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", workflow.ErrProtocol, err)
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}
	if header.RunID != msg.RunID {
		return nil, nil, fmt.Errorf("%w: payload run_id %q does not match message run_id %q", workflow.ErrProtocol, header.RunID, msg.RunID)
	}
	return result, header, nil
}

// onError retries the phase once for a retryable cause and fails the run
// otherwise.
func (e *Engine) onError(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, msg *bus.Message, cause *workflow.Cause) error {
	phase := st.Phase
	if cause.Retryable && st.Retries[phase] < 1 {
		return e.retry(ctx, st, run, msg, "retryable_error", cause.Message)
	}
	return e.fail(ctx, st, run, msg, fmt.Sprintf("%s failed: %s", phase, cause.Error()))
}

// retry re-issues the current phase's command.
func (e *Engine) retry(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, consumed *bus.Message, reason, detail string) error {
	phase := st.Phase
	if st.Retries == nil {
		st.Retries = make(map[workflow.Status]int)
	}
	st.Retries[phase]++
	st.LastError = detail

	e.metrics.PhaseRetried(string(phase), reason)
	e.logEvent("phase_retry", map[string]interface{}{
		"run_id": st.RunID,
		"phase":  phase,
		"reason": reason,
		"detail": detail,
	})
	log.Printf("[Orchestrator] Retrying %s for run %s (%s): %s", phase, st.RunID, reason, detail)

	cmd, err := e.command(ctx, st)
	if err != nil {
		return e.fail(ctx, st, run, consumed, err.Error())
	}
	return e.commit(ctx, st, run, consumed, cmd)
}

// onSuccess checks a successful result and moves the run to its next phase.
func (e *Engine) onSuccess(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, msg *bus.Message, result any) error {
	switch r := result.(type) {
	case *workflow.BacktestResult:
		if r.Best == nil {
			return e.fail(ctx, st, run, msg, "backtest result has no best variation")
		}
		e.logEvent("backtest_completed", map[string]interface{}{
			"run_id":       st.RunID,
			"variations":   r.Variations,
			"failed":       r.Failed,
			"best_index":   r.Best.VariationIndex,
			"sharpe_ratio": r.Best.SharpeRatio,
		})

	case *workflow.ValidationResult:
		if r.Report == nil {
			return e.fail(ctx, st, run, msg, "validation result has no report")
		}
		rep := r.Report
		e.metrics.ValidationResult(string(rep.Source), string(rep.Status))
		e.logEvent("validation_completed", map[string]interface{}{
			"run_id":              st.RunID,
			"source":              rep.Source,
			"status":              rep.Status,
			"anomalies_found":     rep.AnomaliesFound,
			"anomalies_corrected": rep.AnomaliesCorrected,
			"iterations_used":     rep.IterationsUsed,
		})
		if !rep.Status.Accepted() {
			return e.fail(ctx, st, run, msg, fmt.Sprintf("%s validation invalid: %d anomalies remain after %d iterations",
				rep.Source, len(rep.Anomalies), rep.IterationsUsed))
		}

	case *workflow.PaperTradeResult:
		if r.Summary == nil {
			return e.fail(ctx, st, run, msg, "paper trade result has no summary")
		}
		e.logEvent("paper_trade_completed", map[string]interface{}{
			"run_id":       st.RunID,
			"total_trades": r.Summary.TotalTrades,
			"realized_pnl": r.Summary.RealizedPnL,
			"interrupted":  r.Summary.Interrupted,
		})
	}

	a := st.Attempt(st.Phase)
	a.Outcome = workflow.OutcomeSucceeded
	if st.Retries[st.Phase] > 0 {
		a.Outcome = workflow.OutcomeRetried
	}
	st.LastError = ""
	return e.enter(ctx, st, run, msg, nextPhase(st.Mode, st.Phase))
}

// enter moves the run to next and issues that phase's command. Entering
// reporting assembles the report inline.
func (e *Engine) enter(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, consumed *bus.Message, next workflow.Status) error {
	from := st.Phase
	if err := run.Transition(next, e.now()); err != nil {
		return err
	}
	st.Phase = next

	e.metrics.PhaseTransition(string(from), string(next))
	e.logEvent("phase_transition", map[string]interface{}{
		"run_id": st.RunID,
		"from":   from,
		"to":     next,
	})
	log.Printf("[Orchestrator] Run %s: %s -> %s", st.RunID, from, next)

	if next == workflow.StatusReporting {
		if err := e.commit(ctx, st, run, consumed, nil); err != nil {
			return err
		}
		return e.report(ctx, st, run)
	}

	cmd, err := e.command(ctx, st)
	if err != nil {
		return e.fail(ctx, st, run, consumed, err.Error())
	}
	return e.commit(ctx, st, run, consumed, cmd)
}

// fail ends the run. Artifacts are kept and a partial report is stored.
func (e *Engine) fail(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, consumed *bus.Message, reason string) error {
	phase := st.Phase
	if phase != workflow.StatusIdle {
		st.Attempt(phase).Outcome = workflow.OutcomeFailed
	}
	st.LastError = reason

	if err := run.Transition(workflow.StatusFailed, e.now()); err != nil {
		return err
	}
	run.Error = reason
	st.Phase = workflow.StatusFailed

	if err := e.commit(ctx, st, run, consumed, nil); err != nil {
		return err
	}

	e.metrics.PhaseTransition(string(phase), string(workflow.StatusFailed))
	e.metrics.RunFinished(string(workflow.StatusFailed))
	e.logEvent("run_failed", map[string]interface{}{
		"run_id": st.RunID,
		"phase":  phase,
		"reason": reason,
	})
	log.Printf("[Orchestrator] Run %s failed in %s: %s", st.RunID, phase, reason)

	e.storePartialReport(ctx, st, run)
	return nil
}

// checkTimeouts retries or fails phases whose result is overdue, and
// re-issues commands that were never published.
func (e *Engine) checkTimeouts(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	states, err := e.store.ListActiveStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	now := e.now().UnixMilli()
	for _, st := range states {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		switch {
		case st.CommandIssuedAtMs == 0:
			err = e.resume(ctx, st)
		case now-st.CommandIssuedAtMs > e.phaseTimeout(st).Milliseconds():
			err = e.timeout(ctx, st)
		}
		if err != nil {
			log.Printf("[Orchestrator] Error checking run %s: %v", st.RunID, err)
		}
	}
	return nil
}

// timeout handles a phase whose result did not arrive in time.
func (e *Engine) timeout(ctx context.Context, st *workflow.OrchestratorState) error {
	_, run, err := e.load(ctx, st.RunID)
	if err != nil {
		return err
	}

	limit := e.phaseTimeout(st)
	e.logEvent("phase_timeout", map[string]interface{}{
		"run_id":     st.RunID,
		"phase":      st.Phase,
		"timeout_ms": limit.Milliseconds(),
		"retries":    st.Retries[st.Phase],
	})

	if st.Retries[st.Phase] < 1 {
		return e.retry(ctx, st, run, nil, "timeout", fmt.Sprintf("no %s within %s", expectedResult(st.Phase), limit))
	}
	return e.fail(ctx, st, run, nil, fmt.Sprintf("%s timed out: no response from %s within %s", st.Phase, phaseAgent(st.Phase), limit))
}
