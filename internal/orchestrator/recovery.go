package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// RecoverState resumes every non-terminal run after a restart.
// This method is called during startup to:
// 1. Drain the inbox, applying waiting results and discarding stale ones
// 2. Scan the store for active runs
// 3. Re-issue the current phase's command where neither the command nor its
// result is still on the bus
func (e *Engine) RecoverState(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting state recovery...")
	startTime := time.Now()

	if err := e.processInbox(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	states, err := e.store.ListActiveStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for active runs: %w", err)
	}

	log.Printf("[Orchestrator] Found %d active runs to recover", len(states))

	recovered, failed := 0, 0
	for _, st := range states {
		if err := e.resume(ctx, st); err != nil {
			log.Printf("[Orchestrator] Warning: Failed to recover run %s: %v", st.RunID, err)
			failed++
			continue
		}
		e.metrics.RunRecovered()
		recovered++
	}

	duration := time.Since(startTime)
	e.logEvent("recovery_complete", map[string]interface{}{
		"runs_recovered": recovered,
		"runs_failed":    failed,
		"duration_ms":    duration.Milliseconds(),
	})

	log.Printf("[Orchestrator] State recovery complete: %d runs recovered, %d failed (duration: %v)",
		recovered, failed, duration.Round(time.Millisecond))

	return nil
}

// resume continues a run from its persisted phase. The caller holds e.mu.
func (e *Engine) resume(ctx context.Context, st *workflow.OrchestratorState) error {
	_, run, err := e.load(ctx, st.RunID)
	if err != nil {
		return err
	}

	switch st.Phase {
	case workflow.StatusIdle:
		return e.enter(ctx, st, run, nil, firstPhase(st.Mode))
	case workflow.StatusReporting:
		return e.report(ctx, st, run)
	}

	waiting, err := e.resultWaiting(ctx, st)
	if err != nil {
		return err
	}
	if waiting {
		return nil
	}

	pending, err := e.commandPending(ctx, st)
	if err != nil {
		return err
	}
	if pending {
		if st.CommandIssuedAtMs == 0 {
			st.CommandIssuedAtMs = e.now().UnixMilli()
			return e.store.PutOrchestratorState(ctx, st)
		}
		return nil
	}

	cmd, err := e.command(ctx, st)
	if err != nil {
		return e.fail(ctx, st, run, nil, err.Error())
	}
	e.logEvent("command_reissued", map[string]interface{}{
		"run_id":          st.RunID,
		"phase":           st.Phase,
		"previous_cmd_id": st.LastCommandID,
	})
	return e.commit(ctx, st, run, nil, cmd)
}

// resultWaiting reports whether a result for st's current phase is
// unacknowledged in the orchestrator inbox. Results of the run for phases
// already passed are acknowledged as duplicates; an acknowledgement failure
// is returned so no command is issued ahead of it.
func (e *Engine) resultWaiting(ctx context.Context, st *workflow.OrchestratorState) (bool, error) {
	msgs, err := e.bus.Consume(ctx, bus.AgentOrchestrator, 0)
	if err != nil {
		return false, fmt.Errorf("failed to read orchestrator inbox: %w", err)
	}
	want := expectedResult(st.Phase)
	waiting := false
	for _, msg := range msgs {
		if msg.RunID != st.RunID {
			continue
		}
		if msg.Type == want {
			waiting = true
			continue
		}
		if err := e.discard(ctx, msg, "duplicate"); err != nil {
			return false, err
		}
	}
	return waiting, nil
}

// commandPending reports whether the last issued command is still
// unacknowledged in its agent's inbox.
func (e *Engine) commandPending(ctx context.Context, st *workflow.OrchestratorState) (bool, error) {
	if st.LastCommandID == "" {
		return false, nil
	}
	msgs, err := e.bus.Consume(ctx, phaseAgent(st.Phase), 0)
	if err != nil {
		return false, fmt.Errorf("failed to read %s inbox: %w", phaseAgent(st.Phase), err)
	}
	for _, msg := range msgs {
		if msg.ID == st.LastCommandID {
			return true, nil
		}
	}
	return false, nil
}
