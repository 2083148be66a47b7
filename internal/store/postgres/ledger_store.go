package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bracketquant/execcore/internal/domain"
)

// LedgerStore implements domain.TradeLedger using PostgreSQL: an append-only
// record of filled orders with execution-quality metrics. It also serves the
// P&L service's period reads.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// RecordFilledOrder appends one fill row. Duplicate order_ids (replays) are
// ignored so the ledger stays one-row-per-fill under at-least-once delivery.
func (s *LedgerStore) RecordFilledOrder(ctx context.Context, result domain.OrderResult, correlationID string, attribution domain.StrategyAttribution, quality domain.ExecutionQuality) error {
	filledAt := time.Now().UTC()
	if result.FilledAt != nil {
		filledAt = *result.FilledAt
	}
	var price any
	if result.Price != nil {
		price = *result.Price
	}

	const query = `
		INSERT INTO trade_ledger (
			order_id, symbol, side, qty, price, run_id, trade_id, strategy_id,
			correlation_id, slippage_bps, submit_to_fill_ms, attempt_count, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		result.OrderID, result.Symbol, result.Side, result.Shares, price,
		attribution.RunID, attribution.TradeID, attribution.StrategyID,
		correlationID, quality.SlippageBps, quality.SubmitToFillMs, quality.AttemptCount, filledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record filled order %s: %w", result.OrderID, err)
	}
	return nil
}

// ListFillsBetween returns fills with filled_at in [from, to), oldest first.
func (s *LedgerStore) ListFillsBetween(ctx context.Context, from, to time.Time) ([]domain.Fill, error) {
	const query = `
		SELECT id, order_id, symbol, side, qty, price, run_id, trade_id, strategy_id,
			correlation_id, slippage_bps, submit_to_fill_ms, attempt_count, filled_at, created_at
		FROM trade_ledger
		WHERE filled_at >= $1 AND filled_at < $2
		ORDER BY filled_at ASC`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(
			&f.ID, &f.OrderID, &f.Symbol, &f.Side, &f.Qty, &f.Price, &f.RunID, &f.TradeID,
			&f.StrategyID, &f.CorrelationID, &f.SlippageBps, &f.SubmitToFillMs,
			&f.AttemptCount, &f.FilledAt, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Compile-time interface check.
var _ domain.TradeLedger = (*LedgerStore)(nil)
