package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/redis/go-redis/v9"
)

// Redis key pattern helpers.
//
// Key pattern: alpaca:{namespace}:run:{run_id}[:{artifact}]

// RunKey returns the hash key of a run.
func RunKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s", namespace, runID)
}

// RunsIndexKey returns the ZSET of run IDs scored by started_at (ms).
func RunsIndexKey(namespace string) string {
	return fmt.Sprintf("alpaca:%s:runs", namespace)
}

// TradesKey returns the hash of trade ID -> trade JSON for one source.
func TradesKey(namespace, runID string, source workflow.TradeSource) string {
	return fmt.Sprintf("alpaca:%s:run:%s:trades:%s", namespace, runID, source)
}

// BacktestsKey returns the hash of variation index -> summary JSON.
func BacktestsKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:backtests", namespace, runID)
}

// ValidationKey returns the hash of source -> latest report JSON.
func ValidationKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:validation", namespace, runID)
}

// ValidationHistoryKey returns the list of every report JSON in write order.
func ValidationHistoryKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:validation_history", namespace, runID)
}

// PaperKey returns the key of the paper trade summary JSON.
func PaperKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:paper", namespace, runID)
}

// ReportKey returns the key of the final report JSON.
func ReportKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:report", namespace, runID)
}

// StateKey returns the hash key of a run's orchestrator snapshot.
func StateKey(namespace, runID string) string {
	return fmt.Sprintf("alpaca:%s:run:%s:orchestrator", namespace, runID)
}

// ActiveStatesKey returns the SET of run IDs with a non-terminal snapshot.
func ActiveStatesKey(namespace string) string {
	return fmt.Sprintf("alpaca:%s:orchestrator:active", namespace)
}

// RedisStore implements Store on Redis. It is safe for concurrent use.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a Redis-backed store for namespace.
func NewRedisStore(redisOpts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisStore{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PutRun implements Store.
func (s *RedisStore) PutRun(ctx context.Context, run *workflow.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RunKey(s.namespace, run.RunID), RunToHash(run))
		pipe.ZAdd(ctx, RunsIndexKey(s.namespace), redis.Z{
			Score:  float64(run.StartedAt.UnixMilli()),
			Member: run.RunID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write run to Redis: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	hash, err := s.rdb.HGetAll(ctx, RunKey(s.namespace, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return HashToRun(hash)
}

// ListRuns implements Store.
func (s *RedisStore) ListRuns(ctx context.Context, sinceMs, untilMs int64) ([]*workflow.Run, error) {
	maxScore := "+inf"
	if untilMs > 0 {
		maxScore = strconv.FormatInt(untilMs, 10)
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, RunsIndexKey(s.namespace), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMs, 10),
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PutTrades implements Store. The previous set is dropped in the same transaction.
func (s *RedisStore) PutTrades(ctx context.Context, runID string, source workflow.TradeSource, trades []workflow.Trade) error {
	fields := make(map[string]interface{}, len(trades))
	for i := range trades {
		if trades[i].RunID != runID || trades[i].Source != source {
			return fmt.Errorf("trade %s does not belong to %s/%s", trades[i].ID, runID, source)
		}
		data, err := json.Marshal(&trades[i])
		if err != nil {
			return fmt.Errorf("failed to marshal trade %s: %w", trades[i].ID, err)
		}
		fields[trades[i].ID] = string(data)
	}

	key := TradesKey(s.namespace, runID, source)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write trades to Redis: %w", err)
	}
	return nil
}

// UpsertTrade implements Store.
func (s *RedisStore) UpsertTrade(ctx context.Context, trade *workflow.Trade) error {
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("invalid trade: %w", err)
	}
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.ID, err)
	}

	key := TradesKey(s.namespace, trade.RunID, trade.Source)
	if err := s.rdb.HSet(ctx, key, trade.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to write trade to Redis: %w", err)
	}
	return nil
}

// GetTrades implements Store.
func (s *RedisStore) GetTrades(ctx context.Context, runID string, source workflow.TradeSource) ([]workflow.Trade, error) {
	hash, err := s.rdb.HGetAll(ctx, TradesKey(s.namespace, runID, source)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trades from Redis: %w", err)
	}

	trades := make([]workflow.Trade, 0, len(hash))
	for id, data := range hash {
		var t workflow.Trade
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade %s: %w", id, err)
		}
		trades = append(trades, t)
	}
	sortTrades(trades)
	return trades, nil
}

// PutBacktestSummaries implements Store. The previous set is replaced.
func (s *RedisStore) PutBacktestSummaries(ctx context.Context, runID string, summaries []workflow.BacktestSummary) error {
	fields := make(map[string]interface{}, len(summaries))
	for i := range summaries {
		data, err := json.Marshal(&summaries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal backtest summary: %w", err)
		}
		fields[strconv.Itoa(summaries[i].VariationIndex)] = string(data)
	}

	key := BacktestsKey(s.namespace, runID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write backtest summaries to Redis: %w", err)
	}
	return nil
}

// GetBacktestSummaries implements Store.
func (s *RedisStore) GetBacktestSummaries(ctx context.Context, runID string) ([]workflow.BacktestSummary, error) {
	hash, err := s.rdb.HGetAll(ctx, BacktestsKey(s.namespace, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backtest summaries from Redis: %w", err)
	}

	summaries := make([]workflow.BacktestSummary, 0, len(hash))
	for idx, data := range hash {
		var bs workflow.BacktestSummary
		if err := json.Unmarshal([]byte(data), &bs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal backtest summary %s: %w", idx, err)
		}
		summaries = append(summaries, bs)
	}
	sortSummaries(summaries)
	return summaries, nil
}

// PutValidationReport implements Store.
func (s *RedisStore) PutValidationReport(ctx context.Context, report *workflow.ValidationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ValidationKey(s.namespace, report.RunID), string(report.Source), string(data))
		pipe.RPush(ctx, ValidationHistoryKey(s.namespace, report.RunID), string(data))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write validation report to Redis: %w", err)
	}
	return nil
}

// GetValidationReport implements Store.
func (s *RedisStore) GetValidationReport(ctx context.Context, runID string, source workflow.TradeSource) (*workflow.ValidationReport, error) {
	data, err := s.rdb.HGet(ctx, ValidationKey(s.namespace, runID), string(source)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s validation report for run %s: %w", source, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read validation report from Redis: %w", err)
	}

	var report workflow.ValidationReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validation report: %w", err)
	}
	return &report, nil
}

// ListValidationReports implements Store.
func (s *RedisStore) ListValidationReports(ctx context.Context, runID string) ([]*workflow.ValidationReport, error) {
	items, err := s.rdb.LRange(ctx, ValidationHistoryKey(s.namespace, runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read validation history from Redis: %w", err)
	}

	reports := make([]*workflow.ValidationReport, 0, len(items))
	for _, item := range items {
		var report workflow.ValidationReport
		if err := json.Unmarshal([]byte(item), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

// PutPaperTradeSummary implements Store.
func (s *RedisStore) PutPaperTradeSummary(ctx context.Context, summary *workflow.PaperTradeSummary) error {
	return s.setJSON(ctx, PaperKey(s.namespace, summary.RunID), summary)
}

// GetPaperTradeSummary implements Store.
func (s *RedisStore) GetPaperTradeSummary(ctx context.Context, runID string) (*workflow.PaperTradeSummary, error) {
	var summary workflow.PaperTradeSummary
	if err := s.getJSON(ctx, PaperKey(s.namespace, runID), &summary); err != nil {
		return nil, fmt.Errorf("paper trade summary for run %s: %w", runID, err)
	}
	return &summary, nil
}

// PutReport implements Store.
func (s *RedisStore) PutReport(ctx context.Context, report *workflow.Report) error {
	return s.setJSON(ctx, ReportKey(s.namespace, report.RunID), report)
}

// GetReport implements Store.
func (s *RedisStore) GetReport(ctx context.Context, runID string) (*workflow.Report, error) {
	var report workflow.Report
	if err := s.getJSON(ctx, ReportKey(s.namespace, runID), &report); err != nil {
		return nil, fmt.Errorf("report for run %s: %w", runID, err)
	}
	return &report, nil
}

// PutOrchestratorState implements Store. The active index is maintained in
// the same transaction.
func (s *RedisStore) PutOrchestratorState(ctx context.Context, state *workflow.OrchestratorState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid orchestrator state: %w", err)
	}
	hash, err := StateToHash(state)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, StateKey(s.namespace, state.RunID), hash)
		if state.Phase.IsTerminal() {
			pipe.SRem(ctx, ActiveStatesKey(s.namespace), state.RunID)
		} else {
			pipe.SAdd(ctx, ActiveStatesKey(s.namespace), state.RunID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write orchestrator state to Redis: %w", err)
	}
	return nil
}

// GetOrchestratorState implements Store.
func (s *RedisStore) GetOrchestratorState(ctx context.Context, runID string) (*workflow.OrchestratorState, error) {
	hash, err := s.rdb.HGetAll(ctx, StateKey(s.namespace, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read orchestrator state from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("orchestrator state for run %s: %w", runID, ErrNotFound)
	}
	return HashToState(hash)
}

// ListActiveStates implements Store.
func (s *RedisStore) ListActiveStates(ctx context.Context) ([]*workflow.OrchestratorState, error) {
	ids, err := s.rdb.SMembers(ctx, ActiveStatesKey(s.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}

	states := make([]*workflow.OrchestratorState, 0, len(ids))
	for _, id := range ids {
		state, err := s.GetOrchestratorState(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s to Redis: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
