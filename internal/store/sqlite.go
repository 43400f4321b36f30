package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			error TEXT,
			source_run_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS trades (
			run_id TEXT NOT NULL,
			source TEXT NOT NULL,
			trade_id TEXT NOT NULL,
			entry_time INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (run_id, source, trade_id)
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_summaries (
			run_id TEXT NOT NULL,
			variation_index INTEGER NOT NULL,
			is_best INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			PRIMARY KEY (run_id, variation_index)
		)`,
		`CREATE TABLE IF NOT EXISTS validation_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validation_run ON validation_reports(run_id, source, id)`,
		`CREATE TABLE IF NOT EXISTS paper_summaries (
			run_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			run_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orchestrator_states (
			run_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutRun implements Store.
func (s *SQLiteStore) PutRun(ctx context.Context, run *workflow.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	var completedAt sql.NullInt64
	if run.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: run.CompletedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, mode, strategy, status, started_at, completed_at, error, source_run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error`,
		run.RunID, string(run.Mode), run.Strategy, string(run.Status), run.StartedAt.UnixMilli(),
		completedAt, run.Error, run.SourceRunID)
	if err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, mode, strategy, status, started_at, completed_at, error, source_run_id
		 FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return run, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, sinceMs, untilMs int64) ([]*workflow.Run, error) {
	query := `SELECT run_id, mode, strategy, status, started_at, completed_at, error, source_run_id
		FROM runs WHERE started_at >= ?`
	args := []interface{}{sinceMs}
	if untilMs > 0 {
		query += ` AND started_at <= ?`
		args = append(args, untilMs)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*workflow.Run, error) {
	var (
		run         workflow.Run
		mode        string
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		errText     sql.NullString
		sourceRunID sql.NullString
	)
	if err := row.Scan(&run.RunID, &mode, &run.Strategy, &status, &startedAt, &completedAt, &errText, &sourceRunID); err != nil {
		return nil, err
	}

	run.Mode = workflow.Mode(mode)
	run.Status = workflow.Status(status)
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		run.CompletedAt = &t
	}
	run.Error = errText.String
	run.SourceRunID = sourceRunID.String
	return &run, nil
}

// PutTrades implements Store.
func (s *SQLiteStore) PutTrades(ctx context.Context, runID string, source workflow.TradeSource, trades []workflow.Trade) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE run_id = ? AND source = ?`, runID, string(source)); err != nil {
			return fmt.Errorf("failed to clear trades: %w", err)
		}
		for i := range trades {
			if trades[i].RunID != runID || trades[i].Source != source {
				return fmt.Errorf("trade %s does not belong to %s/%s", trades[i].ID, runID, source)
			}
			if err := upsertTrade(ctx, tx, &trades[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertTrade implements Store.
func (s *SQLiteStore) UpsertTrade(ctx context.Context, trade *workflow.Trade) error {
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("invalid trade: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertTrade(ctx, tx, trade)
	})
}

func upsertTrade(ctx context.Context, tx *sql.Tx, trade *workflow.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trades (run_id, source, trade_id, entry_time, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, source, trade_id) DO UPDATE SET entry_time = excluded.entry_time, data = excluded.data`,
		trade.RunID, string(trade.Source), trade.ID, trade.EntryTime.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("failed to write trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetTrades implements Store.
func (s *SQLiteStore) GetTrades(ctx context.Context, runID string, source workflow.TradeSource) ([]workflow.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM trades WHERE run_id = ? AND source = ? ORDER BY entry_time, trade_id`,
		runID, string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	defer rows.Close()

	trades := []workflow.Trade{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		var t workflow.Trade
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTrades(trades)
	return trades, nil
}

// PutBacktestSummaries implements Store.
func (s *SQLiteStore) PutBacktestSummaries(ctx context.Context, runID string, summaries []workflow.BacktestSummary) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backtest_summaries WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("failed to clear backtest summaries: %w", err)
		}
		for i := range summaries {
			data, err := json.Marshal(&summaries[i])
			if err != nil {
				return fmt.Errorf("failed to marshal backtest summary: %w", err)
			}
			isBest := 0
			if summaries[i].IsBest {
				isBest = 1
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO backtest_summaries (run_id, variation_index, is_best, data) VALUES (?, ?, ?, ?)`,
				runID, summaries[i].VariationIndex, isBest, string(data))
			if err != nil {
				return fmt.Errorf("failed to write backtest summary %d: %w", summaries[i].VariationIndex, err)
			}
		}
		return nil
	})
}

// GetBacktestSummaries implements Store.
func (s *SQLiteStore) GetBacktestSummaries(ctx context.Context, runID string) ([]workflow.BacktestSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM backtest_summaries WHERE run_id = ? ORDER BY variation_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read backtest summaries: %w", err)
	}
	defer rows.Close()

	summaries := []workflow.BacktestSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan backtest summary: %w", err)
		}
		var bs workflow.BacktestSummary
		if err := json.Unmarshal([]byte(data), &bs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal backtest summary: %w", err)
		}
		summaries = append(summaries, bs)
	}
	return summaries, rows.Err()
}

// PutValidationReport implements Store.
func (s *SQLiteStore) PutValidationReport(ctx context.Context, report *workflow.ValidationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_reports (run_id, source, status, data) VALUES (?, ?, ?, ?)`,
		report.RunID, string(report.Source), string(report.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to write validation report: %w", err)
	}
	return nil
}

// GetValidationReport implements Store.
func (s *SQLiteStore) GetValidationReport(ctx context.Context, runID string, source workflow.TradeSource) (*workflow.ValidationReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM validation_reports WHERE run_id = ? AND source = ? ORDER BY id DESC LIMIT 1`,
		runID, string(source)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s validation report for run %s: %w", source, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read validation report: %w", err)
	}

	var report workflow.ValidationReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validation report: %w", err)
	}
	return &report, nil
}

// ListValidationReports implements Store.
func (s *SQLiteStore) ListValidationReports(ctx context.Context, runID string) ([]*workflow.ValidationReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM validation_reports WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation history: %w", err)
	}
	defer rows.Close()

	var reports []*workflow.ValidationReport
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan validation report: %w", err)
		}
		var report workflow.ValidationReport
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

// PutPaperTradeSummary implements Store.
func (s *SQLiteStore) PutPaperTradeSummary(ctx context.Context, summary *workflow.PaperTradeSummary) error {
	return s.putBlob(ctx, "paper_summaries", summary.RunID, summary)
}

// GetPaperTradeSummary implements Store.
func (s *SQLiteStore) GetPaperTradeSummary(ctx context.Context, runID string) (*workflow.PaperTradeSummary, error) {
	var summary workflow.PaperTradeSummary
	if err := s.getBlob(ctx, "paper_summaries", runID, &summary); err != nil {
		return nil, fmt.Errorf("paper trade summary for run %s: %w", runID, err)
	}
	return &summary, nil
}

// PutReport implements Store.
func (s *SQLiteStore) PutReport(ctx context.Context, report *workflow.Report) error {
	return s.putBlob(ctx, "reports", report.RunID, report)
}

// GetReport implements Store.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*workflow.Report, error) {
	var report workflow.Report
	if err := s.getBlob(ctx, "reports", runID, &report); err != nil {
		return nil, fmt.Errorf("report for run %s: %w", runID, err)
	}
	return &report, nil
}

// PutOrchestratorState implements Store.
func (s *SQLiteStore) PutOrchestratorState(ctx context.Context, state *workflow.OrchestratorState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid orchestrator state: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal orchestrator state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orchestrator_states (run_id, phase, updated_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET phase = excluded.phase, updated_at = excluded.updated_at, data = excluded.data`,
		state.RunID, string(state.Phase), state.UpdatedAtMs, string(data))
	if err != nil {
		return fmt.Errorf("failed to write orchestrator state: %w", err)
	}
	return nil
}

// GetOrchestratorState implements Store.
func (s *SQLiteStore) GetOrchestratorState(ctx context.Context, runID string) (*workflow.OrchestratorState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM orchestrator_states WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orchestrator state for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read orchestrator state: %w", err)
	}
	return HashToState(map[string]string{"state": data})
}

// ListActiveStates implements Store.
func (s *SQLiteStore) ListActiveStates(ctx context.Context) ([]*workflow.OrchestratorState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM orchestrator_states WHERE phase NOT IN (?, ?, ?) ORDER BY updated_at`,
		string(workflow.StatusCompleted), string(workflow.StatusFailed), string(workflow.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var states []*workflow.OrchestratorState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan orchestrator state: %w", err)
		}
		state, err := HashToState(map[string]string{"state": data})
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) putBlob(ctx context.Context, table, runID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s row: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (run_id, data) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET data = excluded.data`,
		runID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write %s row: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) getBlob(ctx context.Context, table, runID string, v any) error {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+table+` WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s row: %w", table, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s row: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
