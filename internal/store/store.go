// Package store persists workflow runs and their artifacts.
//
// The orchestration core only ever talks to the typed Store interface. Two
// backends are provided: RedisStore (namespaced hashes, MULTI/EXEC for
// multi-key writes) and SQLiteStore (one transaction per write).
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the durable record of runs and their artifacts. Every write is
// atomic: readers never observe a partially written record or trade set.
type Store interface {
	PutRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, runID string) (*workflow.Run, error)
	// ListRuns returns runs started in [sinceMs, untilMs], newest first.
	// A zero bound is open.
	ListRuns(ctx context.Context, sinceMs, untilMs int64) ([]*workflow.Run, error)

	// PutTrades replaces the whole trade set of (runID, source).
	PutTrades(ctx context.Context, runID string, source workflow.TradeSource, trades []workflow.Trade) error
	// UpsertTrade writes a single trade, keyed by its ID.
	UpsertTrade(ctx context.Context, trade *workflow.Trade) error
	// GetTrades returns the trade set ordered by entry time, then ID.
	GetTrades(ctx context.Context, runID string, source workflow.TradeSource) ([]workflow.Trade, error)

	PutBacktestSummaries(ctx context.Context, runID string, summaries []workflow.BacktestSummary) error
	GetBacktestSummaries(ctx context.Context, runID string) ([]workflow.BacktestSummary, error)

	// PutValidationReport records a report. The latest per source is
	// returned by GetValidationReport; all attempts stay listed.
	PutValidationReport(ctx context.Context, report *workflow.ValidationReport) error
	GetValidationReport(ctx context.Context, runID string, source workflow.TradeSource) (*workflow.ValidationReport, error)
	ListValidationReports(ctx context.Context, runID string) ([]*workflow.ValidationReport, error)

	PutPaperTradeSummary(ctx context.Context, summary *workflow.PaperTradeSummary) error
	GetPaperTradeSummary(ctx context.Context, runID string) (*workflow.PaperTradeSummary, error)

	PutReport(ctx context.Context, report *workflow.Report) error
	GetReport(ctx context.Context, runID string) (*workflow.Report, error)

	PutOrchestratorState(ctx context.Context, state *workflow.OrchestratorState) error
	GetOrchestratorState(ctx context.Context, runID string) (*workflow.OrchestratorState, error)
	// ListActiveStates returns every snapshot whose phase is not terminal.
	ListActiveStates(ctx context.Context) ([]*workflow.OrchestratorState, error)

	Ping(ctx context.Context) error
	Close() error
}

// sortTrades orders trades by entry time, then ID.
func sortTrades(trades []workflow.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].EntryTime.Equal(trades[j].EntryTime) {
			return trades[i].EntryTime.Before(trades[j].EntryTime)
		}
		return trades[i].ID < trades[j].ID
	})
}

func sortSummaries(summaries []workflow.BacktestSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].VariationIndex < summaries[j].VariationIndex
	})
}
