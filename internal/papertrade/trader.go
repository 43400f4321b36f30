// Package papertrade runs a strategy against the broker's paper account for
// a fixed session.
//
// Every tick the trader quotes each symbol, exits positions that reached
// their take-profit, stop-loss or holding limit, and enters new positions
// when the strategy signals on the daily history extended by the live quote.
// Each fill is written to the store as it happens. At the end of the session
// the remaining positions are closed and a single summary is recorded.
package papertrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/strategy"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// Config holds paper trader settings.
type Config struct {
	// PollInterval is the tick used when the command does not set one.
	PollInterval time.Duration
	// BackoffCeiling bounds retries of a single broker call.
	BackoffCeiling time.Duration
	Fees           strategy.FeeModel
}

// Trader runs paper trade commands.
type Trader struct {
	store  store.Store
	broker Broker
	bars   strategy.BarSource
	config Config
	now    func() time.Time
}

// New creates a paper trader. bars supplies the daily history the signals
// are computed on.
func New(s store.Store, broker Broker, bars strategy.BarSource, config Config) *Trader {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.BackoffCeiling <= 0 {
		config.BackoffCeiling = 5 * time.Minute
	}
	return &Trader{store: s, broker: broker, bars: bars, config: config, now: time.Now}
}

// Register binds the paper trade command to w.
func (t *Trader) Register(w *agent.Worker) {
	w.Handle(bus.TypePaperTradeCommand, agent.Route{
		ResultType: bus.TypePaperTradeResult,
		Handle:     t.handle,
	})
}

func (t *Trader) handle(ctx context.Context, msg *bus.Message) (agent.Result, error) {
	var cmd workflow.PaperTradeCommand
	if err := msg.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrProtocol, err)
	}
	if cmd.RunID != msg.RunID {
		return nil, fmt.Errorf("%w: payload run_id %q does not match message run_id %q", workflow.ErrProtocol, cmd.RunID, msg.RunID)
	}

	summary, err := t.RunPaperTrade(ctx, &cmd)
	if err != nil {
		return nil, err
	}
	return &workflow.PaperTradeResult{Summary: summary}, nil
}

// RunPaperTrade runs one session. A command whose session already finished
// returns the stored summary without trading again. A session that was
// interrupted, for example by an agent shutdown, resumes from its recorded
// trades and runs until its original deadline.
func (t *Trader) RunPaperTrade(ctx context.Context, cmd *workflow.PaperTradeCommand) (*workflow.PaperTradeSummary, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	existing, err := t.store.GetPaperTradeSummary(ctx, cmd.RunID)
	switch {
	case err == nil && !existing.Interrupted:
		log.Printf("[INFO] PaperTrader: run %s already has a session summary, re-emitting it", cmd.RunID)
		return existing, nil
	case err == nil:
		log.Printf("[INFO] PaperTrader: run %s was interrupted at %s, resuming session started %s",
			cmd.RunID, existing.EndedAt.Format(time.RFC3339), existing.StartedAt.Format(time.RFC3339))
	case store.IsNotFound(err):
		existing = nil
	default:
		return nil, fmt.Errorf("%w: failed to read paper summary: %v", workflow.ErrTransientIO, err)
	}

	s, err := t.newSession(ctx, cmd, existing)
	if err != nil {
		return nil, err
	}
	return s.run(ctx)
}

// session is the state of one paper trading run.
type session struct {
	t        *Trader
	cmd      *workflow.PaperTradeCommand
	cfg      workflow.StrategyConfig
	risk     workflow.RiskParams
	symbols  []string
	interval time.Duration

	history map[string][]workflow.Bar
	index   []workflow.Bar

	open    map[string]*workflow.Trade
	entered map[string]string // symbol -> trading day of the last entry
	capital float64

	summary workflow.PaperTradeSummary
	resumed bool
}

// newSession prepares a session. prev is the summary of an interrupted
// earlier attempt, or nil.
func (t *Trader) newSession(ctx context.Context, cmd *workflow.PaperTradeCommand, prev *workflow.PaperTradeSummary) (*session, error) {
	cfg := cmd.Strategy.Config
	symbols := append([]string(nil), cmd.Symbols...)
	sort.Strings(symbols)

	interval := cmd.PollInterval.Std()
	if interval <= 0 {
		interval = t.config.PollInterval
	}

	s := &session{
		t:        t,
		cmd:      cmd,
		cfg:      cfg,
		risk:     cfg.Risk(),
		symbols:  symbols,
		interval: interval,
		history:  make(map[string][]workflow.Bar),
		open:     make(map[string]*workflow.Trade),
		entered:  make(map[string]string),
		capital:  cfg.Risk().InitialCapital,
		summary: workflow.PaperTradeSummary{
			RunID:    cmd.RunID,
			Strategy: cmd.Strategy,
			Symbols:  symbols,
			Duration: cmd.Duration,
		},
	}

	positions, err := retry(ctx, t.config.BackoffCeiling, "list positions", func() ([]workflow.Position, error) {
		return t.broker.GetPositions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read broker positions: %w", err)
	}
	s.summary.OpenAtStart = len(positions)
	if prev != nil {
		s.resumed = true
		s.summary.StartedAt = prev.StartedAt
		s.summary.OpenAtStart = prev.OpenAtStart
		s.summary.Ticks = prev.Ticks
		s.summary.BrokerErrors = prev.BrokerErrors
	}
	for _, p := range positions {
		log.Printf("[INFO] PaperTrader: run %s pre-existing position %s qty=%g avg=%.2f", cmd.RunID, p.Symbol, p.Qty, p.AvgEntryPrice)
	}

	// Trades recorded by an earlier, interrupted attempt at this session.
	prior, err := t.store.GetTrades(ctx, cmd.RunID, workflow.SourcePaper)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load paper trades: %v", workflow.ErrTransientIO, err)
	}
	for i := range prior {
		tr := prior[i]
		if tr.Status == workflow.TradeOpen {
			s.open[tr.Symbol] = &tr
		} else {
			s.capital += tr.PnL
			s.summary.RealizedPnL += tr.PnL
			s.summary.TotalFees += tr.Fees
		}
		s.entered[tr.Symbol] = workflow.TradingDay(tr.EntryTime)
	}
	s.summary.TotalTrades = len(prior)
	if len(prior) > 0 {
		log.Printf("[INFO] PaperTrader: run %s resuming with %d recorded trades (%d open)", cmd.RunID, len(prior), len(s.open))
	}

	if err := s.loadHistory(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// loadHistory fetches the daily bars the signals are computed on.
func (s *session) loadHistory(ctx context.Context) error {
	now := s.t.now()
	from := now.AddDate(0, 0, -(strategy.MinHistory(s.cfg)*2 + 10))
	for _, sym := range s.symbols {
		bars, err := s.t.bars.DailyBars(ctx, sym, from, now)
		if err != nil {
			return fmt.Errorf("failed to load history for %s: %w", sym, err)
		}
		s.history[sym] = completedBars(bars, now)
	}
	if vix, ok := s.cfg.(workflow.VIXConfig); ok {
		bars, err := s.t.bars.DailyBars(ctx, vix.IndexSymbol, from, now)
		if err != nil {
			return fmt.Errorf("failed to load index history for %s: %w", vix.IndexSymbol, err)
		}
		s.index = bars
	}
	return nil
}

// completedBars drops today's partial bar; the live quote stands in for it.
func completedBars(bars []workflow.Bar, now time.Time) []workflow.Bar {
	today := workflow.TradingDay(now)
	out := make([]workflow.Bar, 0, len(bars))
	for _, b := range bars {
		if workflow.TradingDay(b.Time) != today {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func (s *session) run(ctx context.Context) (*workflow.PaperTradeSummary, error) {
	if !s.resumed {
		s.summary.StartedAt = s.t.now().UTC()
	}
	deadline := s.summary.StartedAt.Add(s.cmd.Duration.Std())

	log.Printf("[INFO] PaperTrader: run %s session running until %s on %v (tick %s)",
		s.cmd.RunID, deadline.Format(time.RFC3339), s.symbols, s.interval)

loop:
	for s.t.now().Before(deadline) {
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, err
		}

		remaining := deadline.Sub(s.t.now())
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(min(s.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			break loop
		case <-timer.C:
		}
	}

	// Flatten with a fresh context so a cancelled run still closes out.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.t.config.BackoffCeiling)
	defer cancel()
	if err := s.closeAll(closeCtx); err != nil {
		return nil, err
	}

	s.summary.EndedAt = s.t.now().UTC()
	s.summary.Interrupted = ctx.Err() != nil

	if err := s.t.store.PutPaperTradeSummary(closeCtx, &s.summary); err != nil {
		return nil, fmt.Errorf("%w: failed to store paper summary: %v", workflow.ErrTransientIO, err)
	}

	log.Printf("[INFO] PaperTrader: run %s session ended: trades=%d pnl=%.2f fees=%.2f ticks=%d broker_errors=%d interrupted=%t",
		s.cmd.RunID, s.summary.TotalTrades, s.summary.RealizedPnL, s.summary.TotalFees, s.summary.Ticks, s.summary.BrokerErrors, s.summary.Interrupted)

	if s.summary.Interrupted {
		return nil, fmt.Errorf("paper session of run %s interrupted: %w", s.cmd.RunID, workflow.ErrCancelled)
	}
	return &s.summary, nil
}

// tick processes every symbol once.
func (s *session) tick(ctx context.Context) error {
	s.summary.Ticks++
	for _, sym := range s.symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		quote, err := retry(ctx, s.t.config.BackoffCeiling, "quote "+sym, func() (workflow.Quote, error) {
			return s.t.broker.GetQuote(ctx, sym)
		})
		if err != nil {
			if s.fatal(err) {
				return err
			}
			continue
		}
		if quote.Price <= 0 {
			continue
		}
		if quote.Time.IsZero() {
			quote.Time = s.t.now()
		}

		if tr, ok := s.open[sym]; ok {
			if reason, exit := s.exitReason(tr, quote); exit {
				if err := s.exit(ctx, tr, reason); err != nil && s.fatal(err) {
					return err
				}
			}
			continue
		}

		if s.entered[sym] == workflow.TradingDay(quote.Time) {
			continue
		}
		enter, err := s.signal(sym, quote)
		if err != nil {
			return err
		}
		if enter {
			if err := s.enter(ctx, sym, quote); err != nil && s.fatal(err) {
				return err
			}
		}
	}
	return nil
}

// fatal counts a broker error and reports whether it ends the session.
func (s *session) fatal(err error) bool {
	if errors.Is(err, errBrokerDown) || errors.Is(err, workflow.ErrConfiguration) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s.summary.BrokerErrors++
	log.Printf("[WARN] PaperTrader: run %s broker error: %v", s.cmd.RunID, err)
	return false
}

func (s *session) signal(sym string, quote workflow.Quote) (bool, error) {
	live := workflow.Bar{Time: quote.Time, Open: quote.Price, High: quote.Price, Low: quote.Price, Close: quote.Price}
	history := append(append([]workflow.Bar(nil), s.history[sym]...), live)

	index := s.index
	if len(index) > 0 {
		// The latest index close stands in for today's.
		last := index[len(index)-1]
		last.Time = quote.Time
		index = append(append([]workflow.Bar(nil), index...), last)
	}
	return strategy.Signal(s.cfg, history, index)
}

func (s *session) exitReason(tr *workflow.Trade, quote workflow.Quote) (workflow.ExitReason, bool) {
	switch {
	case tr.TakeProfitPrice > 0 && quote.Price >= tr.TakeProfitPrice:
		return workflow.ExitTakeProfit, true
	case tr.StopLossPrice > 0 && quote.Price <= tr.StopLossPrice:
		return workflow.ExitStopLoss, true
	case !quote.Time.Before(tr.EntryTime.AddDate(0, 0, s.risk.HoldDays)):
		return workflow.ExitTimeExit, true
	}
	return "", false
}

func (s *session) enter(ctx context.Context, sym string, quote workflow.Quote) error {
	shares := math.Floor(s.capital * s.risk.PositionSize / quote.Price)
	if shares < 1 {
		return nil
	}

	id := tradeID(s.cmd.RunID, sym, quote.Time)
	order, err := retry(ctx, s.t.config.BackoffCeiling, "buy "+sym, func() (*workflow.Order, error) {
		return s.t.broker.SubmitOrder(ctx, workflow.OrderRequest{
			Symbol: sym, Side: workflow.OrderBuy, Qty: shares, ClientOrderID: id + "-entry",
		})
	})
	if err != nil {
		return err
	}
	if !order.IsFilled() {
		log.Printf("[WARN] PaperTrader: run %s buy %s %g not filled (status %s)", s.cmd.RunID, sym, shares, order.Status)
		return nil
	}

	entryTime := quote.Time
	if order.FilledAt != nil {
		entryTime = *order.FilledAt
	}
	price := order.FilledAvgPrice
	tr := &workflow.Trade{
		ID:              id,
		RunID:           s.cmd.RunID,
		Source:          workflow.SourcePaper,
		Symbol:          sym,
		Side:            workflow.SideLong,
		Shares:          order.FilledQty,
		EntryPrice:      price,
		EntryTime:       entryTime.UTC(),
		TakeProfitPrice: price * (1 + s.risk.TakeProfit),
		StopLossPrice:   price * (1 - s.risk.StopLoss),
		Status:          workflow.TradeOpen,
		BrokerOrderID:   order.ID,
	}
	if err := s.t.store.UpsertTrade(ctx, tr); err != nil {
		return fmt.Errorf("%w: failed to record fill: %v", workflow.ErrTransientIO, err)
	}

	s.open[sym] = tr
	s.entered[sym] = workflow.TradingDay(quote.Time)
	s.summary.TotalTrades++
	log.Printf("[INFO] PaperTrader: run %s bought %g %s at %.2f (tp %.2f, sl %.2f)",
		s.cmd.RunID, tr.Shares, sym, price, tr.TakeProfitPrice, tr.StopLossPrice)
	return nil
}

func (s *session) exit(ctx context.Context, tr *workflow.Trade, reason workflow.ExitReason) error {
	order, err := retry(ctx, s.t.config.BackoffCeiling, "sell "+tr.Symbol, func() (*workflow.Order, error) {
		return s.t.broker.SubmitOrder(ctx, workflow.OrderRequest{
			Symbol: tr.Symbol, Side: workflow.OrderSell, Qty: tr.Shares, ClientOrderID: tr.ID + "-exit",
		})
	})
	if err != nil {
		return err
	}
	if !order.IsFilled() {
		log.Printf("[WARN] PaperTrader: run %s sell %s not filled (status %s), will retry next tick", s.cmd.RunID, tr.Symbol, order.Status)
		return nil
	}

	exitTime := s.t.now().UTC()
	if order.FilledAt != nil {
		exitTime = order.FilledAt.UTC()
	}
	closed := *tr
	closed.ExitPrice = order.FilledAvgPrice
	closed.ExitTime = &exitTime
	closed.ExitReason = reason
	closed.HitTarget = reason == workflow.ExitTakeProfit
	closed.HitStop = reason == workflow.ExitStopLoss
	closed.Status = workflow.TradeClosed
	closed.Fees = s.t.config.Fees.RoundTrip(closed.Shares).InexactFloat64()
	closed.PnL = strategy.PnL(closed.EntryPrice, closed.ExitPrice, closed.Shares, closed.Fees).Round(6).InexactFloat64()

	if err := s.t.store.UpsertTrade(ctx, &closed); err != nil {
		return fmt.Errorf("%w: failed to record fill: %v", workflow.ErrTransientIO, err)
	}

	delete(s.open, tr.Symbol)
	s.capital += closed.PnL
	s.summary.RealizedPnL += closed.PnL
	s.summary.TotalFees += closed.Fees
	log.Printf("[INFO] PaperTrader: run %s sold %g %s at %.2f (%s), pnl %.2f",
		s.cmd.RunID, closed.Shares, closed.Symbol, closed.ExitPrice, reason, closed.PnL)
	return nil
}

// closeAll exits every open position at the end of the session.
func (s *session) closeAll(ctx context.Context) error {
	for _, sym := range s.symbols {
		tr, ok := s.open[sym]
		if !ok {
			continue
		}
		if err := s.exit(ctx, tr, workflow.ExitSessionEnd); err != nil {
			if s.fatal(err) {
				return err
			}
		}
	}
	return nil
}

// tradeID is stable for a run, symbol and entry time so a retried order
// maps onto the same trade.
func tradeID(runID, symbol string, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", runID, symbol, at.UnixMilli())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
