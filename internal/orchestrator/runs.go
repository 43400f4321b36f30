package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// Start creates a run and issues its first command. Starting a RunID that
// already exists returns the existing run unchanged.
func (e *Engine) Start(ctx context.Context, req workflow.StartRequest) (*workflow.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.GetRun(ctx, req.RunID)
	if err == nil {
		log.Printf("[Orchestrator] Run %s already exists (%s), not starting again", req.RunID, existing.Status)
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check for existing run: %w", err)
	}

	strategyName := req.StrategyName()
	if req.Mode == workflow.ModeValidate {
		source, err := e.store.GetRun(ctx, req.SourceRunID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fmt.Errorf("%w: source run %s does not exist", workflow.ErrConfiguration, req.SourceRunID)
			}
			return nil, fmt.Errorf("failed to load source run: %w", err)
		}
		if req.Strategy.Config == nil {
			strategyName = source.Strategy
		}
	}

	now := e.now()
	run := &workflow.Run{
		RunID:       req.RunID,
		Mode:        req.Mode,
		Strategy:    strategyName,
		Status:      workflow.StatusIdle,
		StartedAt:   now.UTC(),
		SourceRunID: req.SourceRunID,
	}
	st := workflow.NewOrchestratorState(req.RunID, req)
	st.UpdatedAtMs = now.UnixMilli()

	if err := e.store.PutOrchestratorState(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to persist state of run %s: %w", req.RunID, err)
	}
	if err := e.store.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run %s: %w", req.RunID, err)
	}

	e.metrics.RunStarted(string(req.Mode))
	e.logEvent("run_started", map[string]interface{}{
		"run_id":        req.RunID,
		"mode":          req.Mode,
		"strategy":      strategyName,
		"source_run_id": req.SourceRunID,
	})

	if err := e.enter(ctx, st, run, nil, firstPhase(req.Mode)); err != nil {
		// The idle run is persisted and is picked up again by the next tick.
		return nil, fmt.Errorf("failed to start run %s: %w", req.RunID, err)
	}
	return run, nil
}

// GetStatus returns the run record.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*workflow.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Report returns the final or partial report of a run.
func (e *Engine) Report(ctx context.Context, runID string) (*workflow.Report, error) {
	return e.store.GetReport(ctx, runID)
}

// ListRuns returns runs started at or after sinceMs, newest first.
func (e *Engine) ListRuns(ctx context.Context, sinceMs int64) ([]*workflow.Run, error) {
	return e.store.ListRuns(ctx, sinceMs, 0)
}

// Cancel stops a run and tells the agent working on it to stop. Cancelling
// a cancelled run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}

	switch {
	case st.Phase == workflow.StatusCancelled:
		return nil
	case st.Phase.IsTerminal():
		return fmt.Errorf("%w: run %s is %s", ErrRunFinished, runID, st.Phase)
	}

	phase := st.Phase
	if err := run.Transition(workflow.StatusCancelled, e.now()); err != nil {
		return err
	}
	run.Error = "cancelled"
	st.Phase = workflow.StatusCancelled
	st.LastError = "cancelled"
	if err := e.commit(ctx, st, run, nil, nil); err != nil {
		return err
	}

	e.metrics.PhaseTransition(string(phase), string(workflow.StatusCancelled))
	e.metrics.RunFinished(string(workflow.StatusCancelled))
	e.logEvent("run_cancelled", map[string]interface{}{
		"run_id": runID,
		"phase":  phase,
	})

	agentName := phaseAgent(phase)
	if agentName == "" {
		return nil
	}
	msg, err := bus.NewMessage(bus.AgentOrchestrator, agentName, bus.TypeCancel, runID,
		&workflow.CancelCommand{RunID: runID, Reason: "cancelled by user"})
	if err != nil {
		return err
	}
	if _, err := e.bus.Publish(ctx, msg); err != nil {
		// The run is already cancelled; late results are discarded.
		log.Printf("[Orchestrator] Warning: failed to notify %s of cancelled run %s: %v", agentName, runID, err)
	}
	return nil
}
