// Package orchestrator drives workflow runs through their phases.
//
// The Engine is the only consumer of the orchestrator inbox. Every run is a
// persisted OrchestratorState; each transition is written to the store
// before the consumed result is acknowledged and before the next command is
// published, so a restarted engine can pick up any run where it stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kaljuvee/alpacacode/internal/metrics"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// ErrRunFinished is returned by Cancel for a run that already completed or failed.
var ErrRunFinished = errors.New("run already finished")

// Config holds the engine's timing and validation knobs.
type Config struct {
	Namespace string
	// PollInterval is how often the inbox and the phase deadlines are checked.
	PollInterval time.Duration
	// ResponseTimeout bounds how long a phase waits for its result. The paper
	// trading phase waits for the session duration plus this value.
	ResponseTimeout time.Duration
	// MaxIterations and PriceTolerance are passed to every validate command.
	// Zero leaves the validator's own default.
	MaxIterations  int
	PriceTolerance float64
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Minute
	}
}

// Engine is the workflow state machine.
type Engine struct {
	bus     bus.Bus
	store   store.Store
	config  Config
	metrics *metrics.Metrics

	// mu serialises every read-modify-write of a run's state.
	mu  sync.Mutex
	now func() time.Time
}

// NewEngine creates an engine. m may be nil.
func NewEngine(b bus.Bus, s store.Store, config Config, m *metrics.Metrics) *Engine {
	config.applyDefaults()
	return &Engine{
		bus:     b,
		store:   s,
		config:  config,
		metrics: m,
		now:     time.Now,
	}
}

// Run recovers persisted runs, then processes results and phase deadlines
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting for namespace '%s'", e.config.Namespace)

	if err := e.RecoverState(ctx); err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	var wake <-chan struct{}
	if n, ok := e.bus.(bus.Notifier); ok {
		ch, err := n.Notify(ctx, bus.AgentOrchestrator)
		if err != nil {
			log.Printf("[WARN] Orchestrator: inbox notifications unavailable, polling only: %v", err)
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orchestrator] Shutting down...")
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}
		e.Tick(ctx)
	}
}

// Tick processes every waiting result, then checks phase deadlines.
func (e *Engine) Tick(ctx context.Context) {
	if err := e.processInbox(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Orchestrator] Error processing inbox: %v", err)
	}
	if err := e.checkTimeouts(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Orchestrator] Error checking timeouts: %v", err)
	}
}

// processInbox handles the orchestrator inbox in bus order.
func (e *Engine) processInbox(ctx context.Context) error {
	msgs, err := e.bus.Consume(ctx, bus.AgentOrchestrator, 0)
	if err != nil {
		return fmt.Errorf("failed to consume inbox: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.handleMessage(ctx, msg); err != nil {
			// Left unacknowledged; retried on the next tick.
			log.Printf("[Orchestrator] Error handling %s %s for run %s: %v", msg.Type, msg.ID, msg.RunID, err)
		}
	}
	return nil
}

// load reads a run's state and record. The run record is brought level with
// the state when a crash left it one write behind.
func (e *Engine) load(ctx context.Context, runID string) (*workflow.OrchestratorState, *workflow.Run, error) {
	st, err := e.store.GetOrchestratorState(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, nil, err
		}
		run = &workflow.Run{
			RunID:       st.RunID,
			Mode:        st.Mode,
			Strategy:    st.Request.StrategyName(),
			Status:      workflow.StatusIdle,
			StartedAt:   time.UnixMilli(st.UpdatedAtMs).UTC(),
			SourceRunID: st.Request.SourceRunID,
		}
	}

	if run.Status != st.Phase && run.Status.CanTransitionTo(st.Phase) {
		if err := run.Transition(st.Phase, e.now()); err != nil {
			return nil, nil, err
		}
		run.Error = st.LastError
	}
	return st, run, nil
}

// commit persists a transition in write-ahead order: state, run, then the
// acknowledgement of the consumed result, then the next command and its
// issue time.
func (e *Engine) commit(ctx context.Context, st *workflow.OrchestratorState, run *workflow.Run, consumed, next *bus.Message) error {
	st.UpdatedAtMs = e.now().UnixMilli()
	if next != nil {
		st.LastCommandID = next.ID
		st.CommandIssuedAtMs = 0
		st.Attempt(st.Phase).Attempts++
	} else if st.Phase == workflow.StatusReporting || st.Phase.IsTerminal() {
		st.CommandIssuedAtMs = 0
	}

	if err := e.store.PutOrchestratorState(ctx, st); err != nil {
		return fmt.Errorf("failed to persist state of run %s: %w", st.RunID, err)
	}
	if run != nil {
		if err := e.store.PutRun(ctx, run); err != nil {
			return fmt.Errorf("failed to persist run %s: %w", st.RunID, err)
		}
	}

	if consumed != nil {
		// The next command waits for the ack; resume re-sends it later.
		if err := e.ack(ctx, consumed); err != nil {
			return err
		}
	}
	if next == nil {
		return nil
	}

	if _, err := e.bus.Publish(ctx, next); err != nil {
		return fmt.Errorf("failed to publish %s for run %s: %w", next.Type, st.RunID, err)
	}
	e.metrics.CommandIssued(next.To, next.Type)
	e.logEvent("command_issued", map[string]interface{}{
		"run_id":     st.RunID,
		"phase":      st.Phase,
		"agent":      next.To,
		"type":       next.Type,
		"command_id": next.ID,
		"attempt":    st.Attempt(st.Phase).Attempts,
	})

	st.CommandIssuedAtMs = e.now().UnixMilli()
	if err := e.store.PutOrchestratorState(ctx, st); err != nil {
		return fmt.Errorf("failed to persist issue time of run %s: %w", st.RunID, err)
	}
	return nil
}

// ack acknowledges a consumed result. A message already gone counts as
// acknowledged.
func (e *Engine) ack(ctx context.Context, msg *bus.Message) error {
	if err := e.bus.Acknowledge(ctx, msg.ID); err != nil && !bus.IsNotFound(err) {
		return fmt.Errorf("failed to acknowledge %s: %w", msg.ID, err)
	}
	return nil
}

// discard acknowledges a result that has no effect on any run.
func (e *Engine) discard(ctx context.Context, msg *bus.Message, reason string) error {
	if err := e.ack(ctx, msg); err != nil {
		return err
	}
	e.metrics.ResultDiscarded(reason)
	e.logEvent("result_discarded", map[string]interface{}{
		"run_id":     msg.RunID,
		"message_id": msg.ID,
		"type":       msg.Type,
		"from":       msg.From,
		"reason":     reason,
	})
	return nil
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["namespace"] = e.config.Namespace

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
