package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// GuardConfig holds the tunable parameters for the run-level safety guards:
// the post-SELL failure threshold and the cumulative BUY equity cap.
type GuardConfig struct {
	SellFailureThreshold decimal.Decimal
	MaxEquityLimit       decimal.Decimal
}

// GuardService evaluates the two safety guards that can halt a run. It holds
// no state of its own; the amounts it judges come from the completion
// snapshots and equity checks the Run State Store produces.
type GuardService struct {
	cfg    GuardConfig
	logger *slog.Logger
}

// NewGuardService creates a GuardService with the given guard parameters.
func NewGuardService(cfg GuardConfig, logger *slog.Logger) *GuardService {
	return &GuardService{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "guard_service")),
	}
}

// SellFailureThreshold returns the configured post-SELL guard trip point.
func (s *GuardService) SellFailureThreshold() decimal.Decimal {
	return s.cfg.SellFailureThreshold
}

// SellFailuresExceeded reports whether the run's accumulated SELL-failure
// dollars have crossed the configured threshold. Evaluated once per run, at
// the moment the SELL phase closes.
func (s *GuardService) SellFailuresExceeded(ctx context.Context, snap domain.CompletionSnapshot) bool {
	if snap.SellFailedAmount.LessThanOrEqual(s.cfg.SellFailureThreshold) {
		return false
	}
	s.logger.WarnContext(ctx, "sell failure threshold exceeded",
		slog.String("run_id", snap.RunID),
		slog.String("sell_failed_amount", snap.SellFailedAmount.String()),
		slog.String("threshold", s.cfg.SellFailureThreshold.String()),
	)
	return true
}

// SellGuardDetails builds the error_details map carried on the
// WorkflowFailed event emitted when the SELL-phase guard trips.
func (s *GuardService) SellGuardDetails(snap domain.CompletionSnapshot, buyTradesBlocked int) map[string]string {
	return map[string]string{
		"sell_failed_amount":     snap.SellFailedAmount.String(),
		"sell_succeeded_amount":  snap.SellSucceededAmount.String(),
		"sell_failure_threshold": s.cfg.SellFailureThreshold.String(),
		"buy_trades_blocked":     decimal.NewFromInt(int64(buyTradesBlocked)).String(),
	}
}

// EquityTripDetails builds the error_details map carried on the
// WorkflowFailed event emitted when the BUY equity circuit breaker denies a
// trade.
func (s *GuardService) EquityTripDetails(res domain.EquityCheckResult, proposed decimal.Decimal) map[string]string {
	return map[string]string{
		"cumulative_buy_succeeded_value": res.CumulativeBuySucceeded.String(),
		"proposed_buy_value":             proposed.String(),
		"max_equity_limit_usd":           res.MaxEquityLimit.String(),
	}
}
