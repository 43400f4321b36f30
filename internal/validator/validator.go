// Package validator cross-checks recorded trades against market data and
// repairs what it can.
//
// Validate runs a bounded loop over a working copy of a run's trades: each
// pass runs every check, applies the deterministic corrections for the
// anomalies it found, and re-checks. A clean pass ends the loop with a valid
// verdict; the corrected copy is written back only then. When the iteration
// budget runs out with anomalies left, the verdict is invalid and the stored
// trades are untouched.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// MarketData looks up the traded price of a symbol at a point in time.
// ok is false when the provider has no data for that time.
type MarketData interface {
	GetHistoricalPrice(ctx context.Context, symbol string, ts time.Time) (price float64, ok bool, err error)
}

// Config holds validator defaults. Commands may override MaxIterations and
// PriceTolerance.
type Config struct {
	MaxIterations  int
	PriceTolerance float64
	// RetryMaxElapsed bounds the backoff on transient market data errors.
	RetryMaxElapsed time.Duration
}

// DefaultConfig returns the stock validator settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   10,
		PriceTolerance:  0.01,
		RetryMaxElapsed: 30 * time.Second,
	}
}

// Validator runs the self-correction loop.
type Validator struct {
	store  store.Store
	market MarketData
	config Config
	now    func() time.Time
}

// New creates a validator. A nil market skips the price checks.
func New(s store.Store, market MarketData, config Config) *Validator {
	def := DefaultConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = def.MaxIterations
	}
	if config.PriceTolerance <= 0 {
		config.PriceTolerance = def.PriceTolerance
	}
	if config.RetryMaxElapsed <= 0 {
		config.RetryMaxElapsed = def.RetryMaxElapsed
	}
	return &Validator{store: s, market: market, config: config, now: time.Now}
}

// Register binds the validate command to w.
func (v *Validator) Register(w *agent.Worker) {
	w.Handle(bus.TypeValidateCommand, agent.Route{
		ResultType: bus.TypeValidationResult,
		Handle:     v.handle,
	})
}

func (v *Validator) handle(ctx context.Context, msg *bus.Message) (agent.Result, error) {
	var cmd workflow.ValidateCommand
	if err := msg.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrProtocol, err)
	}
	if cmd.RunID != msg.RunID {
		return nil, fmt.Errorf("%w: payload run_id %q does not match message run_id %q", workflow.ErrProtocol, cmd.RunID, msg.RunID)
	}

	report, err := v.Validate(ctx, &cmd)
	if err != nil {
		return nil, err
	}
	return &workflow.ValidationResult{Report: report}, nil
}

// Validate checks the trades named by cmd and records the report.
func (v *Validator) Validate(ctx context.Context, cmd *workflow.ValidateCommand) (*workflow.ValidationReport, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	maxIter := v.config.MaxIterations
	if cmd.MaxIterations > 0 {
		maxIter = cmd.MaxIterations
	}
	tolerance := v.config.PriceTolerance
	if cmd.PriceTolerance > 0 {
		tolerance = cmd.PriceTolerance
	}

	target := cmd.TargetRunID()
	trades, err := v.store.GetTrades(ctx, target, cmd.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load %s trades of run %s: %v", workflow.ErrTransientIO, cmd.Source, target, err)
	}

	report := &workflow.ValidationReport{
		RunID:        cmd.RunID,
		Source:       cmd.Source,
		TotalChecked: len(trades),
	}

	if len(trades) == 0 {
		log.Printf("[INFO] Validator: no %s trades for run %s, nothing to check", cmd.Source, target)
		report.Status = workflow.ValidationValid
		return v.finish(ctx, report)
	}

	log.Printf("[INFO] Validator: checking %d %s trades of run %s (max %d iterations, tolerance %.2f%%)",
		len(trades), cmd.Source, target, maxIter, tolerance*100)

	pass := &loop{
		v:         v,
		tolerance: tolerance,
		working:   workflow.CloneTrades(trades),
		prices:    make(map[priceKey]priceLookup),
		seen:      make(map[string]bool),
		corrected: make(map[string]bool),
	}

	var remaining []workflow.Anomaly
	for i := 1; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("validation of run %s interrupted: %w", cmd.RunID, workflow.ErrCancelled)
		}

		anomalies, err := pass.check(ctx)
		if err != nil {
			return nil, err
		}
		report.IterationsUsed = i

		if len(anomalies) == 0 {
			log.Printf("[INFO] Validator: run %s clean on iteration %d/%d", cmd.RunID, i, maxIter)
			remaining = nil
			break
		}

		log.Printf("[DEBUG] Validator: run %s iteration %d/%d found %d anomalies", cmd.RunID, i, maxIter, len(anomalies))
		remaining = anomalies
		pass.correct(i, anomalies)
	}

	report.AnomaliesFound = len(pass.seen)
	report.AnomaliesCorrected = len(pass.corrected)
	report.Corrections = pass.corrections

	if len(remaining) > 0 {
		report.Status = workflow.ValidationInvalid
		report.Anomalies = remaining
		report.Suggestions = Suggestions(remaining)
		log.Printf("[WARN] Validator: run %s invalid after %d iterations, %d unresolved anomalies",
			cmd.RunID, report.IterationsUsed, len(remaining))
		return v.finish(ctx, report)
	}

	report.Status = workflow.ValidationValid
	if len(pass.corrections) > 0 {
		if err := v.commit(ctx, cmd, pass.working); err != nil {
			return nil, err
		}
		log.Printf("[INFO] Validator: committed %d corrections to run %s", len(pass.corrections), cmd.RunID)
	}
	return v.finish(ctx, report)
}

// commit writes the corrected working copy. Trades validated on behalf of
// another run are copied under the validating run; the source run keeps its
// original trades.
func (v *Validator) commit(ctx context.Context, cmd *workflow.ValidateCommand, working []workflow.Trade) error {
	if cmd.TargetRunID() != cmd.RunID {
		for i := range working {
			working[i].RunID = cmd.RunID
		}
	}
	if err := v.store.PutTrades(ctx, cmd.RunID, cmd.Source, working); err != nil {
		return fmt.Errorf("%w: failed to commit corrected trades: %v", workflow.ErrTransientIO, err)
	}
	return nil
}

func (v *Validator) finish(ctx context.Context, report *workflow.ValidationReport) (*workflow.ValidationReport, error) {
	report.CreatedAt = v.now().UTC()
	if err := v.store.PutValidationReport(ctx, report); err != nil {
		return nil, fmt.Errorf("%w: failed to store validation report: %v", workflow.ErrTransientIO, err)
	}
	return report, nil
}

type priceKey struct {
	symbol string
	ms     int64
}

type priceLookup struct {
	price float64
	ok    bool
}

// loop is the state of one Validate call.
type loop struct {
	v         *Validator
	tolerance float64
	working   []workflow.Trade

	prices      map[priceKey]priceLookup
	seen        map[string]bool
	corrected   map[string]bool
	corrections []workflow.Correction
}

// check runs every check over the working copy.
func (l *loop) check(ctx context.Context) ([]workflow.Anomaly, error) {
	var anomalies []workflow.Anomaly
	for i := range l.working {
		t := &l.working[i]

		found, err := l.checkPrices(ctx, i, t)
		if err != nil {
			return nil, err
		}
		found = append(found, checkPnL(i, t)...)
		found = append(found, checkSession(i, t)...)
		found = append(found, checkWeekend(i, t)...)
		found = append(found, checkTPSL(i, t)...)

		anomalies = append(anomalies, found...)
	}

	for _, a := range anomalies {
		l.seen[a.Key()] = true
	}
	sort.SliceStable(anomalies, func(i, j int) bool { return anomalies[i].TradeIndex < anomalies[j].TradeIndex })
	return anomalies, nil
}

func (l *loop) checkPrices(ctx context.Context, idx int, t *workflow.Trade) ([]workflow.Anomaly, error) {
	if l.v.market == nil {
		return nil, nil
	}

	var out []workflow.Anomaly
	check := func(field string, recorded float64, ts time.Time) error {
		if recorded <= 0 || ts.IsZero() {
			return nil
		}
		actual, ok, err := l.price(ctx, t.Symbol, ts)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if a, bad := priceAnomaly(idx, t, field, recorded, actual, l.tolerance); bad {
			out = append(out, a)
		}
		return nil
	}

	if err := check(fieldEntryPrice, t.EntryPrice, t.EntryTime); err != nil {
		return nil, err
	}
	if t.ExitTime != nil {
		if err := check(fieldExitPrice, t.ExitPrice, *t.ExitTime); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// price fetches and memoizes a market price, retrying transient errors.
func (l *loop) price(ctx context.Context, symbol string, ts time.Time) (float64, bool, error) {
	key := priceKey{symbol: symbol, ms: ts.UnixMilli()}
	if p, ok := l.prices[key]; ok {
		return p.price, p.ok, nil
	}

	var lookup priceLookup
	op := func() error {
		price, ok, err := l.v.market.GetHistoricalPrice(ctx, symbol, ts)
		if err != nil {
			if errors.Is(err, workflow.ErrTransientIO) {
				return err
			}
			return backoff.Permanent(err)
		}
		lookup = priceLookup{price: price, ok: ok}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = l.v.config.RetryMaxElapsed

	notify := func(err error, wait time.Duration) {
		log.Printf("[WARN] Validator: market data for %s at %s failed, retrying in %s: %v", symbol, ts.Format(time.RFC3339), wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return 0, false, fmt.Errorf("market data lookup interrupted: %w", workflow.ErrCancelled)
		}
		if errors.Is(err, workflow.ErrTransientIO) {
			return 0, false, fmt.Errorf("market data unavailable for %s: %w", symbol, err)
		}
		return 0, false, fmt.Errorf("market data for %s: %w", symbol, err)
	}

	l.prices[key] = lookup
	return lookup.price, lookup.ok, nil
}

// correct applies the deterministic fixes for anomalies to the working copy.
// Price replacements go first so that the P&L recompute sees final prices.
func (l *loop) correct(iteration int, anomalies []workflow.Anomaly) {
	repriced := make(map[int]bool)
	for _, a := range anomalies {
		if a.Kind != workflow.AnomalyPriceMismatch {
			continue
		}
		if c, ok := applyPrice(iteration, &l.working[a.TradeIndex], a); ok {
			l.record(a, c)
			repriced[a.TradeIndex] = true
		}
	}

	pnlFlagged := make(map[int]workflow.Anomaly)
	for _, a := range anomalies {
		if a.Kind == workflow.AnomalyPnLMismatch {
			pnlFlagged[a.TradeIndex] = a
		}
	}
	for idx := range l.working {
		a, flagged := pnlFlagged[idx]
		if !flagged && !repriced[idx] {
			continue
		}
		c, ok := recomputePnL(iteration, idx, &l.working[idx])
		if !ok {
			continue
		}
		if flagged {
			l.record(a, c)
		} else {
			l.corrections = append(l.corrections, c)
		}
	}

	for _, a := range anomalies {
		if a.Kind != workflow.AnomalyExitReasonMismatch {
			continue
		}
		if c, ok := relabelExit(iteration, &l.working[a.TradeIndex], a); ok {
			l.record(a, c)
		}
	}
}

func (l *loop) record(a workflow.Anomaly, c workflow.Correction) {
	l.corrected[a.Key()] = true
	l.corrections = append(l.corrections, c)
}
