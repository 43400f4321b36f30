package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kaljuvee/alpacacode/internal/metrics"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness drives an engine by hand: tests play the agents by reading
// commands from the bus and publishing results.
type harness struct {
	t      *testing.T
	engine *Engine
	bus    *bus.RedisBus
	store  *store.RedisStore
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	opts := &redis.Options{Addr: mr.Addr()}
	b, err := bus.NewRedisBus(opts, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s, err := store.NewRedisStore(opts, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{t: t, bus: b, store: s, clock: time.Date(2025, 2, 3, 15, 0, 0, 0, time.UTC)}
	h.engine = h.newEngine()
	return h
}

// newEngine returns a fresh engine over the harness bus and store, as after
// a restart.
func (h *harness) newEngine() *Engine {
	return h.newEngineOver(h.bus)
}

// newEngineOver returns an engine that reaches the harness bus through b.
func (h *harness) newEngineOver(b bus.Bus) *Engine {
	e := NewEngine(b, h.store, Config{
		Namespace:       "test-ns",
		PollInterval:    10 * time.Millisecond,
		ResponseTimeout: 10 * time.Minute,
	}, metrics.New())
	e.now = func() time.Time { return h.clock }
	return e
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) tick() {
	h.engine.Tick(context.Background())
}

func (h *harness) inbox(agent string) []*bus.Message {
	msgs, err := h.bus.Consume(context.Background(), agent, 0)
	require.NoError(h.t, err)
	return msgs
}

// take returns the single command waiting for agent and acknowledges it.
func (h *harness) take(agent string) *bus.Message {
	msgs := h.inbox(agent)
	require.Len(h.t, msgs, 1, "expected exactly one message for %s", agent)
	require.NoError(h.t, h.bus.Acknowledge(context.Background(), msgs[0].ID))
	return msgs[0]
}

type result interface {
	Header() *workflow.ResultHeader
}

func (h *harness) reply(cmd *bus.Message, resultType string, res result) *bus.Message {
	hd := res.Header()
	hd.RunID = cmd.RunID
	if hd.CommandID == "" {
		hd.CommandID = cmd.ID
	}
	if hd.Status == "" {
		hd.Status = workflow.ResultSuccess
	}
	msg, err := bus.NewMessage(cmd.To, bus.AgentOrchestrator, resultType, cmd.RunID, res)
	require.NoError(h.t, err)
	_, err = h.bus.Publish(context.Background(), msg)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) completeBacktest(cmd *bus.Message) {
	var bc workflow.BacktestCommand
	require.NoError(h.t, cmd.Decode(&bc))
	best := workflow.BacktestSummary{
		RunID: cmd.RunID, VariationIndex: 1, Strategy: bc.Strategy, Symbols: []string{"MSFT"},
		SharpeRatio: 1.4, TotalTrades: 3, IsBest: true, Status: workflow.VariationCompleted,
	}
	other := workflow.BacktestSummary{
		RunID: cmd.RunID, VariationIndex: 0, Strategy: bc.Strategy, Symbols: []string{"AAPL"},
		SharpeRatio: 0.2, Status: workflow.VariationCompleted,
	}
	require.NoError(h.t, h.store.PutBacktestSummaries(context.Background(), cmd.RunID, []workflow.BacktestSummary{other, best}))
	h.reply(cmd, bus.TypeBacktestResult, &workflow.BacktestResult{Best: &best, Variations: 2})
}

func (h *harness) completeValidation(cmd *bus.Message, status workflow.ValidationStatus) {
	var vc workflow.ValidateCommand
	require.NoError(h.t, cmd.Decode(&vc))
	report := &workflow.ValidationReport{RunID: cmd.RunID, Source: vc.Source, Status: status, IterationsUsed: 1, CreatedAt: h.clock}
	if status == workflow.ValidationInvalid {
		report.Anomalies = []workflow.Anomaly{{Kind: workflow.AnomalyWeekendTrade, TradeID: "t1", Field: "entry_time"}}
	}
	require.NoError(h.t, h.store.PutValidationReport(context.Background(), report))
	h.reply(cmd, bus.TypeValidationResult, &workflow.ValidationResult{Report: report})
}

func (h *harness) completePaper(cmd *bus.Message) {
	summary := &workflow.PaperTradeSummary{RunID: cmd.RunID, TotalTrades: 2, RealizedPnL: 4.2}
	require.NoError(h.t, h.store.PutPaperTradeSummary(context.Background(), summary))
	h.reply(cmd, bus.TypePaperTradeResult, &workflow.PaperTradeResult{Summary: summary})
}

func (h *harness) fail(cmd *bus.Message, resultType string, cause *workflow.Cause) {
	h.reply(cmd, resultType, &workflow.ResultHeader{Status: workflow.ResultError, Cause: cause})
}

func (h *harness) state(runID string) (*workflow.OrchestratorState, *workflow.Run) {
	st, err := h.store.GetOrchestratorState(context.Background(), runID)
	require.NoError(h.t, err)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(h.t, err)
	return st, run
}

func request(mode workflow.Mode) workflow.StartRequest {
	cfg, _ := workflow.DefaultStrategy(workflow.StrategyBuyTheDip)
	req := workflow.StartRequest{
		RunID:    "run-1",
		Mode:     mode,
		Strategy: workflow.StrategySpec{Config: cfg},
		Symbols:  []string{"AAPL"},
		Range: workflow.DateWindow{
			Start: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		},
	}
	if mode == workflow.ModeFull || mode == workflow.ModePaper {
		req.Duration = workflow.Duration(time.Hour)
	}
	return req
}

func TestStartIssuesFirstCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusBacktesting, run.Status)

	msgs := h.inbox(bus.AgentBacktester)
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.TypeBacktestCommand, msgs[0].Type)

	var cmd workflow.BacktestCommand
	require.NoError(t, msgs[0].Decode(&cmd))
	assert.Equal(t, "run-1", cmd.RunID)
	assert.Equal(t, []string{"AAPL"}, cmd.Symbols)

	st, _ := h.state("run-1")
	assert.Equal(t, msgs[0].ID, st.LastCommandID)
	assert.Equal(t, h.clock.UnixMilli(), st.CommandIssuedAtMs)
	assert.Equal(t, 1, st.Attempts[workflow.StatusBacktesting].Attempts)

	t.Run("starting the same run again is a no-op", func(t *testing.T) {
		again, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusBacktesting, again.Status)
		assert.Len(t, h.inbox(bus.AgentBacktester), 1)
	})
}

func TestStartGeneratesRunID(t *testing.T) {
	h := newHarness(t)
	req := request(workflow.ModeBacktest)
	req.RunID = ""

	run, err := h.engine.Start(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	req := request(workflow.ModeFull)
	req.Duration = 0

	_, err := h.engine.Start(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrConfiguration)

	_, err = h.store.GetRun(context.Background(), "run-1")
	assert.True(t, store.IsNotFound(err))
}

func TestBacktestModeCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)

	h.completeBacktest(h.take(bus.AgentBacktester))
	h.tick()

	cmd := h.take(bus.AgentValidator)
	var vc workflow.ValidateCommand
	require.NoError(t, cmd.Decode(&vc))
	assert.Equal(t, workflow.SourceBacktest, vc.Source)
	assert.Empty(t, vc.TradesRunID)

	h.completeValidation(cmd, workflow.ValidationCorrected)
	h.tick()

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusCompleted, st.Phase)
	assert.Equal(t, workflow.StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))
	assert.Empty(t, h.inbox(bus.AgentPaperTrader))

	report, err := h.engine.Report(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, report.BestBacktest)
	assert.Equal(t, 1, report.BestBacktest.VariationIndex)
	require.NotNil(t, report.BacktestValidation)
	assert.Nil(t, report.PaperTrade)

	want := []workflow.PhaseReport{
		{Phase: workflow.StatusBacktesting, Outcome: workflow.OutcomeSucceeded, Attempts: 1},
		{Phase: workflow.StatusValidatingBacktest, Outcome: workflow.OutcomeSucceeded, Attempts: 1},
		{Phase: workflow.StatusPaperTrading, Outcome: workflow.OutcomeSkipped},
		{Phase: workflow.StatusValidatingPaper, Outcome: workflow.OutcomeSkipped},
		{Phase: workflow.StatusReporting, Outcome: workflow.OutcomeSucceeded, Attempts: 1},
	}
	assert.Equal(t, want, report.Phases)
}

func TestFullModePaperTradesBestVariation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeFull))
	require.NoError(t, err)

	h.completeBacktest(h.take(bus.AgentBacktester))
	h.tick()
	h.completeValidation(h.take(bus.AgentValidator), workflow.ValidationValid)
	h.tick()

	cmd := h.take(bus.AgentPaperTrader)
	var pc workflow.PaperTradeCommand
	require.NoError(t, cmd.Decode(&pc))
	assert.Equal(t, []string{"MSFT"}, pc.Symbols)
	assert.Equal(t, workflow.Duration(time.Hour), pc.Duration)

	h.completePaper(cmd)
	h.tick()

	vcmd := h.take(bus.AgentValidator)
	var vc workflow.ValidateCommand
	require.NoError(t, vcmd.Decode(&vc))
	assert.Equal(t, workflow.SourcePaper, vc.Source)

	h.completeValidation(vcmd, workflow.ValidationValid)
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusCompleted, run.Status)

	report, err := h.engine.Report(ctx, "run-1")
	require.NoError(t, err)
	assert.NotNil(t, report.BestBacktest)
	assert.NotNil(t, report.BacktestValidation)
	assert.NotNil(t, report.PaperTrade)
	assert.NotNil(t, report.PaperValidation)
}

func TestPaperModeStartsAtPaperTrading(t *testing.T) {
	h := newHarness(t)
	run, err := h.engine.Start(context.Background(), request(workflow.ModePaper))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPaperTrading, run.Status)

	var pc workflow.PaperTradeCommand
	require.NoError(t, h.take(bus.AgentPaperTrader).Decode(&pc))
	assert.Equal(t, []string{"AAPL"}, pc.Symbols)
	assert.Empty(t, h.inbox(bus.AgentBacktester))
}

func TestValidateModeChecksSourceRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := workflow.StartRequest{RunID: "run-2", Mode: workflow.ModeValidate, SourceRunID: "run-1"}
	_, err := h.engine.Start(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrConfiguration)

	_, err = h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)
	h.completeBacktest(h.take(bus.AgentBacktester))
	h.tick()
	h.completeValidation(h.take(bus.AgentValidator), workflow.ValidationValid)
	h.tick()

	run, err := h.engine.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusValidatingBacktest, run.Status)
	assert.Equal(t, workflow.StrategyBuyTheDip, workflow.StrategyKind(run.Strategy))

	cmd := h.take(bus.AgentValidator)
	var vc workflow.ValidateCommand
	require.NoError(t, cmd.Decode(&vc))
	assert.Equal(t, "run-2", vc.RunID)
	assert.Equal(t, "run-1", vc.TradesRunID)

	h.completeValidation(cmd, workflow.ValidationValid)
	h.tick()

	report, err := h.engine.Report(ctx, "run-2")
	require.NoError(t, err)
	require.NotNil(t, report.BestBacktest)
	assert.Equal(t, "run-1", report.BestBacktest.RunID)
	assert.Equal(t, workflow.OutcomeSkipped, report.Phases[0].Outcome)
}

func TestInvalidValidationFailsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeFull))
	require.NoError(t, err)

	h.completeBacktest(h.take(bus.AgentBacktester))
	h.tick()
	h.completeValidation(h.take(bus.AgentValidator), workflow.ValidationInvalid)
	h.tick()

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "backtest validation invalid")
	assert.Equal(t, workflow.OutcomeFailed, st.Attempts[workflow.StatusValidatingBacktest].Outcome)
	assert.Empty(t, h.inbox(bus.AgentPaperTrader))

	report, err := h.engine.Report(ctx, "run-1")
	require.NoError(t, err)
	assert.NotNil(t, report.BestBacktest)
	assert.Equal(t, workflow.OutcomeFailed, report.Phases[1].Outcome)
	assert.Equal(t, workflow.OutcomeSkipped, report.Phases[4].Outcome)
}

func TestRetryableErrorRetriesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)

	transient := &workflow.Cause{Kind: workflow.CauseTransientIO, Message: "polygon 503", Retryable: true}
	first := h.take(bus.AgentBacktester)
	h.fail(first, bus.TypeBacktestResult, transient)
	h.tick()

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusBacktesting, run.Status)
	assert.Equal(t, 1, st.Retries[workflow.StatusBacktesting])
	second := h.take(bus.AgentBacktester)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, st.LastCommandID)

	t.Run("succeeding after a retry is reported as retried", func(t *testing.T) {
		h.completeBacktest(second)
		h.tick()
		st, _ := h.state("run-1")
		assert.Equal(t, workflow.StatusValidatingBacktest, st.Phase)
		assert.Equal(t, workflow.OutcomeRetried, st.Attempts[workflow.StatusBacktesting].Outcome)
		assert.Equal(t, 2, st.Attempts[workflow.StatusBacktesting].Attempts)
	})
}

func TestSecondRetryableErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)

	transient := &workflow.Cause{Kind: workflow.CauseTransientIO, Message: "polygon 503", Retryable: true}
	h.fail(h.take(bus.AgentBacktester), bus.TypeBacktestResult, transient)
	h.tick()
	h.fail(h.take(bus.AgentBacktester), bus.TypeBacktestResult, transient)
	h.tick()

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "polygon 503")
	assert.Equal(t, workflow.OutcomeFailed, st.Attempts[workflow.StatusBacktesting].Outcome)
	assert.Empty(t, h.inbox(bus.AgentBacktester))
	assert.Empty(t, h.inbox(bus.AgentValidator))
}

func TestNonRetryableErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)

	h.fail(h.take(bus.AgentBacktester), bus.TypeBacktestResult,
		&workflow.Cause{Kind: workflow.CauseConfiguration, Message: "unknown symbol"})
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Empty(t, h.inbox(bus.AgentBacktester))
}

func TestStaleErrorIsDiscarded(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)

	cmd := h.take(bus.AgentBacktester)
	h.reply(cmd, bus.TypeBacktestResult, &workflow.ResultHeader{
		CommandID: "00000000-0000-0000-0000-000000000000",
		Status:    workflow.ResultError,
		Cause:     &workflow.Cause{Kind: workflow.CauseInternal, Message: "old attempt"},
	})
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusBacktesting, run.Status)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))
}

func TestOutOfPhaseResultsAreDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeFull))
	require.NoError(t, err)
	cmd := h.take(bus.AgentBacktester)

	h.reply(cmd, bus.TypePaperTradeResult, &workflow.PaperTradeResult{Summary: &workflow.PaperTradeSummary{RunID: "run-1"}})
	h.reply(cmd, bus.TypeValidationResult, &workflow.ValidationResult{Report: &workflow.ValidationReport{Status: workflow.ValidationValid}})
	h.reply(&bus.Message{ID: cmd.ID, To: bus.AgentBacktester, RunID: "no-such-run"}, bus.TypeBacktestResult, &workflow.BacktestResult{})
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusBacktesting, run.Status)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))

	h.completeBacktest(cmd)
	h.completeBacktest(cmd)
	h.tick()

	_, run = h.state("run-1")
	assert.Equal(t, workflow.StatusValidatingBacktest, run.Status)
	assert.Len(t, h.inbox(bus.AgentValidator), 1)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))

	t.Run("validation of the other source is ignored", func(t *testing.T) {
		vcmd := h.take(bus.AgentValidator)
		h.reply(vcmd, bus.TypeValidationResult, &workflow.ValidationResult{
			Report: &workflow.ValidationReport{RunID: "run-1", Source: workflow.SourcePaper, Status: workflow.ValidationValid},
		})
		h.tick()
		_, run := h.state("run-1")
		assert.Equal(t, workflow.StatusValidatingBacktest, run.Status)
	})
}

func TestMalformedResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)
	cmd := h.take(bus.AgentBacktester)

	msg, err := bus.NewMessage(bus.AgentBacktester, bus.AgentOrchestrator, bus.TypeBacktestResult, "run-1",
		map[string]string{"run_id": "run-1", "status": "maybe"})
	require.NoError(t, err)
	_, err = h.bus.Publish(context.Background(), msg)
	require.NoError(t, err)
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusBacktesting, run.Status)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))

	h.completeBacktest(cmd)
	h.tick()
	_, run = h.state("run-1")
	assert.Equal(t, workflow.StatusValidatingBacktest, run.Status)
}

func TestTimeoutRetriesOnceThenFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)
	first := h.take(bus.AgentBacktester)

	h.advance(5 * time.Minute)
	h.tick()
	assert.Empty(t, h.inbox(bus.AgentBacktester))

	h.advance(6 * time.Minute)
	h.tick()
	second := h.take(bus.AgentBacktester)
	assert.NotEqual(t, first.ID, second.ID)

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusBacktesting, run.Status)
	assert.Equal(t, 1, st.Retries[workflow.StatusBacktesting])

	h.advance(11 * time.Minute)
	h.tick()

	st, run = h.state("run-1")
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "timed out")
	assert.Equal(t, 2, st.Attempts[workflow.StatusBacktesting].Attempts)

	t.Run("late result after failure is discarded", func(t *testing.T) {
		h.completeBacktest(first)
		h.tick()
		_, run := h.state("run-1")
		assert.Equal(t, workflow.StatusFailed, run.Status)
		assert.Empty(t, h.inbox(bus.AgentOrchestrator))
	})
}

func TestLateResultFromFirstAttemptIsAccepted(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModeBacktest))
	require.NoError(t, err)
	first := h.take(bus.AgentBacktester)

	h.advance(11 * time.Minute)
	h.tick()
	second := h.take(bus.AgentBacktester)

	h.completeBacktest(first)
	h.tick()
	h.completeBacktest(second)
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusValidatingBacktest, run.Status)
	assert.Len(t, h.inbox(bus.AgentValidator), 1)
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))
}

func TestPaperTimeoutIncludesSessionDuration(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), request(workflow.ModePaper))
	require.NoError(t, err)
	h.take(bus.AgentPaperTrader)

	h.advance(65 * time.Minute)
	h.tick()
	assert.Empty(t, h.inbox(bus.AgentPaperTrader))

	h.advance(6 * time.Minute)
	h.tick()
	assert.Len(t, h.inbox(bus.AgentPaperTrader), 1)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeFull))
	require.NoError(t, err)
	cmd := h.take(bus.AgentBacktester)

	require.NoError(t, h.engine.Cancel(ctx, "run-1"))

	st, run := h.state("run-1")
	assert.Equal(t, workflow.StatusCancelled, st.Phase)
	assert.Equal(t, workflow.StatusCancelled, run.Status)
	require.NotNil(t, run.CompletedAt)

	msgs := h.inbox(bus.AgentBacktester)
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.TypeCancel, msgs[0].Type)

	h.completeBacktest(cmd)
	h.tick()
	_, run = h.state("run-1")
	assert.Equal(t, workflow.StatusCancelled, run.Status)
	assert.Empty(t, h.inbox(bus.AgentValidator))

	assert.NoError(t, h.engine.Cancel(ctx, "run-1"))

	err = h.engine.Cancel(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestCancelFinishedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)
	h.fail(h.take(bus.AgentBacktester), bus.TypeBacktestResult, &workflow.Cause{Kind: workflow.CauseInternal, Message: "boom"})
	h.tick()

	err = h.engine.Cancel(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestListRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)
	h.advance(time.Hour)
	req := request(workflow.ModePaper)
	req.RunID = "run-2"
	_, err = h.engine.Start(ctx, req)
	require.NoError(t, err)

	runs, err := h.engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)

	runs, err = h.engine.ListRuns(ctx, h.clock.Add(-time.Minute).UnixMilli())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].RunID)
}

// flakyAckBus fails every Acknowledge while fail is set.
type flakyAckBus struct {
	bus.Bus
	fail bool
}

func (b *flakyAckBus) Acknowledge(ctx context.Context, messageID string) error {
	if b.fail {
		return errors.New("connection reset by peer")
	}
	return b.Bus.Acknowledge(ctx, messageID)
}

func TestNextCommandWaitsForAcknowledgedResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyAckBus{Bus: h.bus}
	h.engine = h.newEngineOver(flaky)

	_, err := h.engine.Start(ctx, request(workflow.ModeBacktest))
	require.NoError(t, err)
	h.completeBacktest(h.take(bus.AgentBacktester))

	flaky.fail = true
	h.tick()
	h.tick()

	st, _ := h.state("run-1")
	assert.Equal(t, workflow.StatusValidatingBacktest, st.Phase)
	assert.Len(t, h.inbox(bus.AgentOrchestrator), 1, "result stays unacknowledged")
	assert.Empty(t, h.inbox(bus.AgentValidator), "no command ahead of the acknowledgement")

	flaky.fail = false
	h.tick()
	assert.Empty(t, h.inbox(bus.AgentOrchestrator))
	require.Len(t, h.inbox(bus.AgentValidator), 1)

	h.tick()
	assert.Len(t, h.inbox(bus.AgentValidator), 1)
	h.completeValidation(h.take(bus.AgentValidator), workflow.ValidationValid)
	h.tick()
	h.tick()

	_, run := h.state("run-1")
	assert.Equal(t, workflow.StatusCompleted, run.Status)
}
