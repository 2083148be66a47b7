// Package pnl computes realized profit-and-loss summaries from the trade
// ledger: sell proceeds minus buy cost over a period. It backs the P&L
// enrichment the aggregator attaches to AllTradesCompleted.
package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// FillSource is the slice of the ledger the P&L service reads.
type FillSource interface {
	ListFillsBetween(ctx context.Context, from, to time.Time) ([]domain.Fill, error)
}

// Service implements domain.PnLService as net realized cash flow: the sum of
// sell proceeds minus buy cost across the period's fills. Open-position
// mark-to-market is out of scope; the portfolio snapshot covers current
// value.
type Service struct {
	fills  FillSource
	logger *slog.Logger
}

// New creates a Service over the given fill source.
func New(fills FillSource, logger *slog.Logger) *Service {
	return &Service{
		fills:  fills,
		logger: logger.With(slog.String("component", "pnl_service")),
	}
}

// GetMonthlyPnL returns the realized P&L from the start of the current
// calendar month (UTC) to now.
func (s *Service) GetMonthlyPnL(ctx context.Context) (decimal.Decimal, error) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.realized(ctx, from, now)
}

// GetPeriodPnL returns the realized P&L for a named trailing period: "day",
// "week", "month", or "year".
func (s *Service) GetPeriodPnL(ctx context.Context, period string) (decimal.Decimal, error) {
	now := time.Now().UTC()
	var from time.Time
	switch period {
	case "day":
		from = now.AddDate(0, 0, -1)
	case "week":
		from = now.AddDate(0, 0, -7)
	case "month":
		from = now.AddDate(0, -1, 0)
	case "year":
		from = now.AddDate(-1, 0, 0)
	default:
		return decimal.Zero, fmt.Errorf("pnl: unknown period %q", period)
	}
	return s.realized(ctx, from, now)
}

func (s *Service) realized(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	fills, err := s.fills.ListFillsBetween(ctx, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pnl: list fills: %w", err)
	}

	total := decimal.Zero
	for _, f := range fills {
		notional := f.Qty.Mul(f.Price)
		switch f.Side {
		case domain.ActionSell:
			total = total.Add(notional)
		case domain.ActionBuy:
			total = total.Sub(notional)
		}
	}
	s.logger.DebugContext(ctx, "realized pnl computed",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("fills", len(fills)),
		slog.String("pnl", total.String()),
	)
	return total, nil
}

// Compile-time interface check.
var _ domain.PnLService = (*Service)(nil)
