package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// Serialization helpers for the Redis backend.
//
// Runs and orchestrator snapshots are stored as hashes so status and phase
// stay readable with plain HGET. Nested payloads (trades, reports, the start
// request) are JSON-encoded into single fields.

// RunToHash converts a Run to a Redis hash.
func RunToHash(r *workflow.Run) map[string]interface{} {
	var completedAtMs int64
	if r.CompletedAt != nil {
		completedAtMs = r.CompletedAt.UnixMilli()
	}

	return map[string]interface{}{
		"run_id":          r.RunID,
		"mode":            string(r.Mode),
		"strategy":        r.Strategy,
		"status":          string(r.Status),
		"started_at_ms":   r.StartedAt.UnixMilli(),
		"completed_at_ms": completedAtMs,
		"error":           r.Error,
		"source_run_id":   r.SourceRunID,
	}
}

// HashToRun converts a Redis hash back to a Run.
func HashToRun(hash map[string]string) (*workflow.Run, error) {
	startedAtMs, err := strconv.ParseInt(hash["started_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at_ms field: %w", err)
	}

	run := &workflow.Run{
		RunID:       hash["run_id"],
		Mode:        workflow.Mode(hash["mode"]),
		Strategy:    hash["strategy"],
		Status:      workflow.Status(hash["status"]),
		StartedAt:   time.UnixMilli(startedAtMs).UTC(),
		Error:       hash["error"],
		SourceRunID: hash["source_run_id"],
	}

	if completedAtMs, _ := strconv.ParseInt(hash["completed_at_ms"], 10, 64); completedAtMs > 0 {
		t := time.UnixMilli(completedAtMs).UTC()
		run.CompletedAt = &t
	}

	return run, nil
}

// StateToHash converts an OrchestratorState to a Redis hash.
func StateToHash(s *workflow.OrchestratorState) (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal orchestrator state: %w", err)
	}

	return map[string]interface{}{
		"run_id":        s.RunID,
		"phase":         string(s.Phase),
		"updated_at_ms": s.UpdatedAtMs,
		"state":         string(data),
	}, nil
}

// HashToState converts a Redis hash back to an OrchestratorState.
func HashToState(hash map[string]string) (*workflow.OrchestratorState, error) {
	var s workflow.OrchestratorState
	if err := json.Unmarshal([]byte(hash["state"]), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orchestrator state: %w", err)
	}
	if s.Retries == nil {
		s.Retries = make(map[workflow.Status]int)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[workflow.Status]*workflow.PhaseAttempt)
	}
	return &s, nil
}
