// Package agent is the worker runtime shared by the backtester, validator and
// paper trader.
//
// A Worker polls its bus inbox, dispatches each command to the Route
// registered for its type, publishes the result to the orchestrator and only
// then acknowledges the command. A crash between the two leaves the command
// unacknowledged, so it is redelivered on restart; handlers must therefore be
// idempotent per run.
//
// Cancel messages are consumed by a separate watcher goroutine so that a run
// can be cancelled while its handler is still executing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// HandlerFunc executes one command. It returns a result payload whose
// ResultHeader is filled in by the worker.
type HandlerFunc func(ctx context.Context, msg *bus.Message) (Result, error)

// Result is implemented by every workflow result payload.
type Result interface {
	Header() *workflow.ResultHeader
}

// Route binds a command type to its handler and result type.
type Route struct {
	ResultType string
	Handle     HandlerFunc
}

// cancelRetention is how long a cancelled run's commands keep being skipped.
const cancelRetention = 24 * time.Hour

// cancelMark records a cancelled run.
type cancelMark struct {
	reason string
	at     time.Time
}

// Config holds the runtime knobs of a Worker.
type Config struct {
	Name         string
	PollInterval time.Duration
}

// Worker runs one agent's command loop.
type Worker struct {
	config Config
	bus    bus.Bus
	routes map[string]Route

	mu        sync.Mutex
	active    map[string]context.CancelFunc // run ID -> cancel of the running handler
	cancelled map[string]cancelMark
	handled   int64
	now       func() time.Time

	wg sync.WaitGroup
}

// New creates a worker for the named agent.
func New(config Config, b bus.Bus) (*Worker, error) {
	if !bus.IsAgent(config.Name) || config.Name == bus.AgentOrchestrator {
		return nil, fmt.Errorf("invalid worker agent name: %q", config.Name)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Worker{
		config:    config,
		bus:       b,
		routes:    make(map[string]Route),
		active:    make(map[string]context.CancelFunc),
		cancelled: make(map[string]cancelMark),
		now:       time.Now,
	}, nil
}

// Name returns the agent name.
func (w *Worker) Name() string {
	return w.config.Name
}

// Handle registers the route for msgType.
func (w *Worker) Handle(msgType string, route Route) {
	w.routes[msgType] = route
}

// Handled returns the number of commands processed since start.
func (w *Worker) Handled() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handled
}

// Start runs the command loop and the cancel watcher and blocks until ctx is
// cancelled and both goroutines have exited.
func (w *Worker) Start(ctx context.Context) error {
	log.Printf("[INFO] Agent worker starting for agent='%s'", w.config.Name)

	wake := w.subscribe(ctx)

	w.wg.Add(1)
	go w.cancelWatcher(ctx)

	w.wg.Add(1)
	go w.commandLoop(ctx, wake)

	<-ctx.Done()
	log.Printf("[INFO] Shutdown signal received for agent='%s'", w.config.Name)
	w.wg.Wait()
	log.Printf("[INFO] Agent worker '%s' stopped", w.config.Name)
	return nil
}

// subscribe returns the bus notification channel, or nil when the backend
// has none.
func (w *Worker) subscribe(ctx context.Context) <-chan struct{} {
	n, ok := w.bus.(bus.Notifier)
	if !ok {
		return nil
	}
	ch, err := n.Notify(ctx, w.config.Name)
	if err != nil {
		log.Printf("[WARN] Inbox notifications unavailable for '%s', polling only: %v", w.config.Name, err)
		return nil
	}
	return ch
}

func (w *Worker) commandLoop(ctx context.Context, wake <-chan struct{}) {
	defer w.wg.Done()
	defer log.Printf("[DEBUG] Command loop for '%s' exited", w.config.Name)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// poll processes every pending command in inbox order.
func (w *Worker) poll(ctx context.Context) {
	msgs, err := w.bus.Consume(ctx, w.config.Name, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[ERROR] Failed to consume inbox of '%s': %v", w.config.Name, err)
		}
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if msg.Type == bus.TypeCancel {
			continue
		}
		w.process(ctx, msg)
	}
}

// process handles one command message end to end.
func (w *Worker) process(ctx context.Context, msg *bus.Message) {
	route, ok := w.routes[msg.Type]
	if !ok {
		log.Printf("[WARN] %s: discarding message %s with unexpected type '%s'", w.config.Name, msg.ID, msg.Type)
		w.ack(ctx, msg)
		return
	}

	if reason, ok := w.isCancelled(msg.RunID); ok {
		log.Printf("[INFO] %s: skipping %s for cancelled run %s (%s)", w.config.Name, msg.Type, msg.RunID, reason)
		w.ack(ctx, msg)
		return
	}

	log.Printf("[INFO] %s: handling %s for run %s (message %s)", w.config.Name, msg.Type, msg.RunID, msg.ID)

	hctx, cancel := context.WithCancel(ctx)
	w.setActive(msg.RunID, cancel)
	result, err := route.Handle(hctx, msg)
	interrupted := hctx.Err() != nil
	w.clearActive(msg.RunID)
	cancel()

	if ctx.Err() != nil {
		// Shutting down: leave the command unacknowledged for redelivery.
		log.Printf("[INFO] %s: shutdown during %s for run %s, command will be redelivered", w.config.Name, msg.Type, msg.RunID)
		return
	}

	if err != nil && errors.Is(err, workflow.ErrProtocol) {
		log.Printf("[WARN] %s: discarding malformed %s %s: %v", w.config.Name, msg.Type, msg.ID, err)
		w.ack(ctx, msg)
		return
	}

	payload := w.buildResult(msg, result, err, interrupted)

	reply, err := bus.NewMessage(w.config.Name, bus.AgentOrchestrator, route.ResultType, msg.RunID, payload)
	if err != nil {
		log.Printf("[ERROR] %s: failed to build %s for run %s: %v", w.config.Name, route.ResultType, msg.RunID, err)
		return
	}
	if _, err := w.bus.Publish(ctx, reply); err != nil {
		log.Printf("[ERROR] %s: failed to publish %s for run %s, will retry: %v", w.config.Name, route.ResultType, msg.RunID, err)
		return
	}

	w.ack(ctx, msg)

	w.mu.Lock()
	w.handled++
	w.mu.Unlock()
}

// buildResult fills the result header. A failed handler yields a header-only
// payload, which every result type decodes.
func (w *Worker) buildResult(msg *bus.Message, result Result, err error, interrupted bool) Result {
	if err != nil {
		cause := workflow.CauseFromError(err)
		if interrupted {
			cause = &workflow.Cause{Kind: workflow.CauseCancelled, Message: err.Error()}
		}
		log.Printf("[WARN] %s: %s for run %s failed: %v", w.config.Name, msg.Type, msg.RunID, cause)
		return &workflow.ResultHeader{RunID: msg.RunID, CommandID: msg.ID, Status: workflow.ResultError, Cause: cause}
	}

	if result == nil {
		result = &workflow.ResultHeader{}
	}
	h := result.Header()
	h.RunID = msg.RunID
	h.CommandID = msg.ID
	if h.Status == "" {
		h.Status = workflow.ResultSuccess
	}
	return result
}

func (w *Worker) ack(ctx context.Context, msg *bus.Message) {
	if err := w.bus.Acknowledge(ctx, msg.ID); err != nil && !bus.IsNotFound(err) {
		log.Printf("[ERROR] %s: failed to acknowledge %s: %v", w.config.Name, msg.ID, err)
	}
}

// cancelWatcher consumes cancel messages and cancels the matching handler.
func (w *Worker) cancelWatcher(ctx context.Context) {
	defer w.wg.Done()
	defer log.Printf("[DEBUG] Cancel watcher for '%s' exited", w.config.Name)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := w.bus.Consume(ctx, w.config.Name, 0)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			if msg.Type != bus.TypeCancel {
				continue
			}
			var cmd workflow.CancelCommand
			if err := msg.Decode(&cmd); err != nil {
				log.Printf("[WARN] %s: discarding malformed cancel %s: %v", w.config.Name, msg.ID, err)
				w.ack(ctx, msg)
				continue
			}
			w.cancelRun(msg.RunID, cmd.Reason)
			w.ack(ctx, msg)
		}
	}
}

func (w *Worker) cancelRun(runID, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if reason == "" {
		reason = "cancelled"
	}
	now := w.now()
	for id, m := range w.cancelled {
		if now.Sub(m.at) > cancelRetention {
			delete(w.cancelled, id)
		}
	}
	w.cancelled[runID] = cancelMark{reason: reason, at: now}
	if cancel, ok := w.active[runID]; ok {
		log.Printf("[INFO] %s: cancelling in-flight work for run %s (%s)", w.config.Name, runID, reason)
		cancel()
	}
}

func (w *Worker) isCancelled(runID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.cancelled[runID]
	if !ok || w.now().Sub(m.at) > cancelRetention {
		return "", false
	}
	return m.reason, true
}

func (w *Worker) setActive(runID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[runID] = cancel
}

func (w *Worker) clearActive(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, runID)
}
