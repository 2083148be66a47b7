package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL. The race-sensitive
// mutations carry an explicit WHERE predicate on the current row state
// (trade status, run phase, or claim flag), and zero rows affected means the
// caller lost a race, not that it hit a bug: MarkTradeStarted returns
// domain.ErrConflict, MarkTradeCompleted returns domain.ErrDuplicateTrade
// with the current snapshot, and TransitionToBuyPhase and
// TryClaimAggregation return false. Run status updates are unconditional.
type RunStore struct {
	pool           *pgxpool.Pool
	maxEquityLimit decimal.Decimal
}

// NewRunStore creates a RunStore backed by the given connection pool.
// maxEquityLimit is the configured ceiling on cumulative BUY-phase spend
// per run, enforced by the equity circuit breaker.
func NewRunStore(pool *pgxpool.Pool, maxEquityLimit decimal.Decimal) *RunStore {
	return &RunStore{pool: pool, maxEquityLimit: maxEquityLimit}
}

func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRun persists a new run and its trades in one transaction. It is
// idempotent: a duplicate run_id returns domain.ErrAlreadyExists without
// mutating anything.
func (s *RunStore) CreateRun(ctx context.Context, run domain.Run, trades []domain.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create run: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, run.RunID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check run exists: %w", err)
	}
	if exists {
		return domain.ErrAlreadyExists
	}

	strategyJSON, err := marshalJSONB(run.StrategyMetadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy metadata: %w", err)
	}
	freshnessJSON, err := marshalJSONB(run.DataFreshness)
	if err != nil {
		return fmt.Errorf("postgres: marshal data freshness: %w", err)
	}
	planJSON, err := marshalJSONB(run.PlanSummary)
	if err != nil {
		return fmt.Errorf("postgres: marshal plan summary: %w", err)
	}

	const insertRun = `
		INSERT INTO runs (
			run_id, plan_id, correlation_id, total_trades, sell_total, buy_total,
			phase, status, strategy_metadata, data_freshness, plan_summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = tx.Exec(ctx, insertRun,
		run.RunID, run.PlanID, run.CorrelationID, run.TotalTrades, run.SellTotal, run.BuyTotal,
		run.Phase, run.Status, strategyJSON, freshnessJSON, planJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}

	const insertTrade = `
		INSERT INTO trades (
			run_id, trade_id, symbol, action, phase, sequence_number, trade_amount,
			shares, estimated_price, target_weight, is_full_liquidation, strategy_id,
			correlation_id, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	for _, t := range trades {
		metaJSON, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal trade metadata: %w", err)
		}
		_, err = tx.Exec(ctx, insertTrade,
			t.RunID, t.TradeID, t.Symbol, t.Action, t.Phase, t.SequenceNumber, t.TradeAmount,
			t.Shares, t.EstimatedPrice, t.TargetWeight, t.IsFullLiquidation, t.StrategyID,
			t.CorrelationID, t.Status, metaJSON,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert trade %s: %w", t.TradeID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	const query = `
		SELECT run_id, plan_id, correlation_id, total_trades, sell_total, buy_total,
			completed_trades, sell_completed, buy_completed, succeeded_trades, failed_trades,
			skipped_trades, sell_failed_amount, sell_succeeded_amount, buy_succeeded_amount,
			phase, status, aggregation_claimed, failure_reason, strategy_metadata,
			data_freshness, plan_summary, created_at, updated_at
		FROM runs WHERE run_id = $1`

	var run domain.Run
	var strategyJSON, freshnessJSON, planJSON []byte
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.RunID, &run.PlanID, &run.CorrelationID, &run.TotalTrades, &run.SellTotal, &run.BuyTotal,
		&run.CompletedTrades, &run.SellCompleted, &run.BuyCompleted, &run.SucceededTrades, &run.FailedTrades,
		&run.SkippedTrades, &run.SellFailedAmount, &run.SellSucceededAmount, &run.BuySucceededAmount,
		&run.Phase, &run.Status, &run.AggregationClaimed, &run.FailureReason, &strategyJSON,
		&freshnessJSON, &planJSON, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", runID, err)
	}

	if run.StrategyMetadata, err = unmarshalJSONB(strategyJSON); err != nil {
		return domain.Run{}, fmt.Errorf("postgres: unmarshal strategy metadata: %w", err)
	}
	if run.DataFreshness, err = unmarshalJSONB(freshnessJSON); err != nil {
		return domain.Run{}, fmt.Errorf("postgres: unmarshal data freshness: %w", err)
	}
	if run.PlanSummary, err = unmarshalJSONB(planJSON); err != nil {
		return domain.Run{}, fmt.Errorf("postgres: unmarshal plan summary: %w", err)
	}
	return run, nil
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var metaJSON []byte
	err := row.Scan(
		&t.RunID, &t.TradeID, &t.Symbol, &t.Action, &t.Phase, &t.SequenceNumber, &t.TradeAmount,
		&t.Shares, &t.EstimatedPrice, &t.TargetWeight, &t.IsFullLiquidation, &t.StrategyID,
		&t.CorrelationID, &t.Status, &t.OrderID, &t.FilledShares, &t.FillPrice, &t.FilledAt,
		&t.ErrorMessage, &metaJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return domain.Trade{}, err
		}
	}
	return t, nil
}

const tradeColumns = `run_id, trade_id, symbol, action, phase, sequence_number, trade_amount,
	shares, estimated_price, target_weight, is_full_liquidation, strategy_id,
	correlation_id, status, order_id, filled_shares, fill_price, filled_at,
	error_message, metadata, created_at, updated_at`

func (s *RunStore) GetTrade(ctx context.Context, runID, tradeID string) (domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE run_id = $1 AND trade_id = $2`
	t, err := scanTrade(s.pool.QueryRow(ctx, query, runID, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s/%s: %w", runID, tradeID, err)
	}
	return t, nil
}

// MarkTradeStarted transitions a trade PENDING -> RUNNING. A trade that is
// not currently PENDING (already running, terminal, or still buffered)
// returns domain.ErrConflict.
func (s *RunStore) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	const query = `
		UPDATE trades SET status = $1, updated_at = NOW()
		WHERE run_id = $2 AND trade_id = $3 AND status = $4`
	tag, err := s.pool.Exec(ctx, query, domain.TradeStatusRunning, runID, tradeID, domain.TradeStatusPending)
	if err != nil {
		return fmt.Errorf("postgres: mark trade started %s/%s: %w", runID, tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkTradeCompleted writes terminal outcome fields (guarded by a status <>
// terminal predicate so a terminal row is never rewritten), increments the
// run's counters, and returns the post-update snapshot, all in one
// transaction, per the "terminal row first, counter after" ordering.
func (s *RunStore) MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome domain.TradeOutcome) (domain.CompletionSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("postgres: begin mark trade completed: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateTrade = `
		UPDATE trades SET
			status = $1, order_id = $2, filled_shares = $3, fill_price = $4,
			filled_at = $5, error_message = $6, updated_at = NOW()
		WHERE run_id = $7 AND trade_id = $8
			AND status NOT IN ($9, $10, $11)`
	tag, err := tx.Exec(ctx, updateTrade,
		outcome.Status, outcome.OrderID, outcome.FilledShares, outcome.FillPrice,
		outcome.FilledAt, outcome.ErrorMessage, runID, tradeID,
		domain.TradeStatusComplete, domain.TradeStatusFailed, domain.TradeStatusSkipped,
	)
	if err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("postgres: update trade terminal row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Trade is already terminal: fetch the existing snapshot so the
		// caller can still make (idempotent) progress decisions.
		snap, snapErr := s.fetchSnapshot(ctx, tx, runID)
		if snapErr != nil {
			return domain.CompletionSnapshot{}, fmt.Errorf("postgres: trade %s/%s already terminal, fetch snapshot: %w", runID, tradeID, snapErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return domain.CompletionSnapshot{}, fmt.Errorf("postgres: commit snapshot-only read: %w", commitErr)
		}
		return snap, domain.ErrDuplicateTrade
	}

	succeeded := 0
	failed := 0
	skipped := 0
	sellCompletedDelta := 0
	buyCompletedDelta := 0
	switch outcome.Status {
	case domain.TradeStatusComplete:
		succeeded = 1
	case domain.TradeStatusFailed:
		failed = 1
	case domain.TradeStatusSkipped:
		skipped = 1
	}
	if outcome.Phase == domain.PhaseSell {
		sellCompletedDelta = 1
	} else if outcome.Phase == domain.PhaseBuy {
		buyCompletedDelta = 1
	}

	sellFailedDelta := decimal.Zero
	sellSucceededDelta := decimal.Zero
	buySucceededDelta := decimal.Zero
	if outcome.Phase == domain.PhaseSell {
		if outcome.Status == domain.TradeStatusFailed {
			sellFailedDelta = outcome.Amount
		} else if outcome.Status == domain.TradeStatusComplete {
			sellSucceededDelta = outcome.Amount
		}
	} else if outcome.Phase == domain.PhaseBuy && outcome.Status == domain.TradeStatusComplete {
		buySucceededDelta = outcome.Amount
	}

	const updateRun = `
		UPDATE runs SET
			completed_trades = completed_trades + 1,
			sell_completed = sell_completed + $1,
			buy_completed = buy_completed + $2,
			succeeded_trades = succeeded_trades + $3,
			failed_trades = failed_trades + $4,
			skipped_trades = skipped_trades + $5,
			sell_failed_amount = sell_failed_amount + $6,
			sell_succeeded_amount = sell_succeeded_amount + $7,
			buy_succeeded_amount = buy_succeeded_amount + $8,
			updated_at = NOW()
		WHERE run_id = $9`
	_, err = tx.Exec(ctx, updateRun,
		sellCompletedDelta, buyCompletedDelta, succeeded, failed, skipped,
		sellFailedDelta, sellSucceededDelta, buySucceededDelta, runID,
	)
	if err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("postgres: increment run counters: %w", err)
	}

	snap, err := s.fetchSnapshot(ctx, tx, runID)
	if err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("postgres: fetch post-update snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("postgres: commit mark trade completed: %w", err)
	}
	return snap, nil
}

func (s *RunStore) fetchSnapshot(ctx context.Context, tx pgx.Tx, runID string) (domain.CompletionSnapshot, error) {
	const query = `
		SELECT run_id, phase, sell_completed, sell_total, buy_total, completed_trades,
			total_trades, sell_failed_amount, sell_succeeded_amount
		FROM runs WHERE run_id = $1`
	var snap domain.CompletionSnapshot
	err := tx.QueryRow(ctx, query, runID).Scan(
		&snap.RunID, &snap.CurrentPhase, &snap.SellCompleted, &snap.SellTotal, &snap.BuyTotal,
		&snap.CompletedTrades, &snap.TotalTrades, &snap.SellFailedAmount, &snap.SellSucceededAmount,
	)
	if err != nil {
		return domain.CompletionSnapshot{}, err
	}
	snap.SellPhaseComplete = snap.SellCompleted >= snap.SellTotal
	return snap, nil
}

func (s *RunStore) GetPendingBuyTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE run_id = $1 AND phase = $2 AND status = $3
		ORDER BY sequence_number ASC`
	rows, err := s.pool.Query(ctx, query, runID, domain.PhaseBuy, domain.TradeStatusBuffered)
	if err != nil {
		return nil, fmt.Errorf("postgres: get pending buy trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan buffered buy trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// MarkBuyTradesPending flips BUFFERED -> PENDING for the given trade IDs,
// making them visible to the Trade Execution Worker's enqueue step.
func (s *RunStore) MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	const query = `
		UPDATE trades SET status = $1, updated_at = NOW()
		WHERE run_id = $2 AND trade_id = ANY($3) AND status = $4`
	_, err := s.pool.Exec(ctx, query, domain.TradeStatusPending, runID, tradeIDs, domain.TradeStatusBuffered)
	if err != nil {
		return fmt.Errorf("postgres: mark buy trades pending: %w", err)
	}
	return nil
}

// TransitionToBuyPhase conditionally flips phase SELL->BUY; run status is
// left as it is. Only the single caller whose UPDATE actually matched a row
// receives true; every other concurrent caller sees rows affected = 0 and
// returns false, nil (not an error — losing this race is expected).
func (s *RunStore) TransitionToBuyPhase(ctx context.Context, runID string) (bool, error) {
	const query = `
		UPDATE runs SET phase = $1, updated_at = NOW()
		WHERE run_id = $2 AND phase = $3`
	tag, err := s.pool.Exec(ctx, query, domain.PhaseBuy, runID, domain.PhaseSell)
	if err != nil {
		return false, fmt.Errorf("postgres: transition to buy phase: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TryClaimAggregation conditionally flips aggregation_claimed false->true.
func (s *RunStore) TryClaimAggregation(ctx context.Context, runID string) (bool, error) {
	const query = `
		UPDATE runs SET aggregation_claimed = TRUE, status = $1, updated_at = NOW()
		WHERE run_id = $2 AND aggregation_claimed = FALSE`
	tag, err := s.pool.Exec(ctx, query, domain.RunStatusAggregating, runID)
	if err != nil {
		return false, fmt.Errorf("postgres: try claim aggregation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CheckEquityCircuitBreaker reads the run's current cumulative BUY-succeeded
// equity and reports whether admitting proposedBuyValue on top of it would
// stay within the configured limit. It does not reserve the amount; the
// worker only records the spend by completing the trade.
func (s *RunStore) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedBuyValue decimal.Decimal) (domain.EquityCheckResult, error) {
	const query = `SELECT buy_succeeded_amount FROM runs WHERE run_id = $1`
	var cumulative decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&cumulative); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EquityCheckResult{}, domain.ErrNotFound
		}
		return domain.EquityCheckResult{}, fmt.Errorf("postgres: read cumulative buy equity: %w", err)
	}
	projected := cumulative.Add(proposedBuyValue)
	return domain.EquityCheckResult{
		Allowed:                projected.LessThanOrEqual(s.maxEquityLimit),
		CumulativeBuySucceeded: cumulative,
		MaxEquityLimit:         s.maxEquityLimit,
	}, nil
}

func (s *RunStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE run_id = $1 ORDER BY sequence_number ASC`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get all trade results: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade result: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListTerminalRunsBefore returns COMPLETED and FAILED runs whose last update
// is strictly before the cutoff, for the cold-storage archiver. In-flight
// runs are never returned.
func (s *RunStore) ListTerminalRunsBefore(ctx context.Context, before time.Time) ([]domain.Run, error) {
	const query = `
		SELECT run_id FROM runs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC`
	rows, err := s.pool.Query(ctx, query, domain.RunStatusCompleted, domain.RunStatusFailed, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan terminal run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]domain.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *RunStore) MarkRunCompleted(ctx context.Context, runID string) error {
	return s.UpdateRunStatus(ctx, runID, domain.RunStatusCompleted)
}

func (s *RunStore) MarkRunFailed(ctx context.Context, runID string, reason string) error {
	const query = `
		UPDATE runs SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE run_id = $3`
	_, err := s.pool.Exec(ctx, query, domain.RunStatusFailed, reason, runID)
	if err != nil {
		return fmt.Errorf("postgres: mark run %s failed: %w", runID, err)
	}
	return nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	const query = `UPDATE runs SET status = $1, updated_at = NOW() WHERE run_id = $2`
	tag, err := s.pool.Exec(ctx, query, status, runID)
	if err != nil {
		return fmt.Errorf("postgres: update run %s status: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
