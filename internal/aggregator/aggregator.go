// Package aggregator implements the run aggregator: the consumer that
// watches per-trade outcome events, detects whole-run completion through the
// store's counters, races for the single aggregation claim, and emits the
// terminal AllTradesCompleted event exactly once per run.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/corr"
	"github.com/bracketquant/execcore/internal/domain"
)

const (
	sourceModule = "execution"
	component    = "run_aggregator"
)

// Aggregator consumes TradeExecuted events and closes runs. broker, pnl, and
// audit are optional enrichments; their absence or failure degrades the
// terminal payload, never blocks it.
type Aggregator struct {
	store  domain.RunStore
	bus    domain.EventBus
	broker domain.Broker
	pnl    domain.PnLService
	audit  domain.AuditStore
	logger *slog.Logger
}

// New creates an Aggregator.
func New(
	store domain.RunStore,
	bus domain.EventBus,
	broker domain.Broker,
	pnl domain.PnLService,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:  store,
		bus:    bus,
		broker: broker,
		pnl:    pnl,
		audit:  audit,
		logger: logger.With(slog.String("component", component)),
	}
}

// Run subscribes to TradeExecuted events until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("run aggregator started")
	defer a.logger.Info("run aggregator stopped")
	return a.bus.Subscribe(ctx, []domain.EventType{domain.EventTradeExecuted}, a.HandleEvent)
}

// HandleEvent processes one TradeExecuted event. A nil return acknowledges;
// a non-nil return leaves the event for redelivery, which is safe because
// re-entry falls through the counter check and the claim.
func (a *Aggregator) HandleEvent(ctx context.Context, env domain.Envelope) error {
	payload, ok := env.Payload.(domain.TradeExecutedPayload)
	if !ok {
		return nil
	}
	// Events without a run_id are legacy or test traffic; ignore silently.
	if payload.RunID == "" {
		return nil
	}

	ctx = corr.WithID(ctx, env.CorrelationID)
	log := corr.Logger(ctx, a.logger, env.CorrelationID).With(slog.String("run_id", payload.RunID))

	run, err := a.store.GetRun(ctx, payload.RunID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && run.TotalTrades == 0) {
		// Orphaned outcome: a data anomaly, not a retry case.
		log.ErrorContext(ctx, "trade outcome for unknown run")
		a.emitWorkflowFailed(ctx, payload.RunID, domain.FailureStepRunLookup, map[string]string{
			"trade_id": payload.TradeID,
			"symbol":   payload.Symbol,
		}, env, log)
		return nil
	}
	if err != nil {
		return fmt.Errorf("aggregator: read run: %w", err)
	}

	if run.CompletedTrades < run.TotalTrades {
		log.DebugContext(ctx, "run not yet complete",
			slog.Int("completed", run.CompletedTrades),
			slog.Int("total", run.TotalTrades))
		return nil
	}

	claimed, err := a.store.TryClaimAggregation(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("aggregator: claim aggregation: %w", err)
	}
	if !claimed {
		log.DebugContext(ctx, "aggregation already claimed")
		return nil
	}

	if err := a.aggregate(ctx, run, env, log); err != nil {
		// The claim is spent, so mark the run FAILED and surface it; the
		// redelivered event will fall through the counter check and see the
		// terminal status.
		log.ErrorContext(ctx, "aggregation failed", slog.String("error", err.Error()))
		if markErr := a.store.MarkRunFailed(ctx, run.RunID, err.Error()); markErr != nil {
			log.ErrorContext(ctx, "failed to mark run failed", slog.String("error", markErr.Error()))
		}
		a.emitWorkflowFailed(ctx, run.RunID, domain.FailureStepAggregation, map[string]string{
			"error": err.Error(),
		}, env, log)
		return fmt.Errorf("aggregator: aggregate run %s: %w", run.RunID, err)
	}
	return nil
}

// aggregate is the winner path: read every trade row, roll up the result,
// enrich with the portfolio snapshot and P&L where available, emit the
// terminal event, and close the run.
func (a *Aggregator) aggregate(ctx context.Context, run domain.Run, cause domain.Envelope, log *slog.Logger) error {
	trades, err := a.store.GetAllTradeResults(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("read trade results: %w", err)
	}

	payload := a.rollUp(run, trades)
	payload.PortfolioSnapshot = a.captureSnapshot(ctx, log)
	payload.PnL = a.capturePnL(ctx, log)

	env := domain.NewEnvelope(payload, run.CorrelationID, cause.EventID, sourceModule, component)
	if err := a.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish AllTradesCompleted: %w", err)
	}

	if err := a.store.MarkRunCompleted(ctx, run.RunID); err != nil {
		// The terminal event is out; a stuck AGGREGATING status is an
		// operator concern, not a correctness one.
		log.WarnContext(ctx, "failed to mark run completed", slog.String("error", err.Error()))
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "run.completed", map[string]any{
			"run_id":    run.RunID,
			"total":     payload.TotalTrades,
			"succeeded": payload.SucceededTrades,
			"failed":    payload.FailedTrades,
			"skipped":   payload.SkippedTrades,
		}); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "run aggregated",
		slog.Int("total", payload.TotalTrades),
		slog.Int("succeeded", payload.SucceededTrades),
		slog.Int("failed", payload.FailedTrades),
		slog.Any("failed_symbols", payload.FailedSymbols),
	)
	return nil
}

// rollUp reduces the trade rows to the aggregate payload: per-status counts,
// symbol lists, and per-strategy dollar attribution over succeeded trades.
func (a *Aggregator) rollUp(run domain.Run, trades []domain.Trade) domain.AllTradesCompletedPayload {
	payload := domain.AllTradesCompletedPayload{
		RunID:               run.RunID,
		TotalTrades:         run.TotalTrades,
		SellTotal:           run.SellTotal,
		BuyTotal:            run.BuyTotal,
		StrategyAttribution: make(map[string]decimal.Decimal),
		StartedAt:           run.CreatedAt,
		CompletedAt:         time.Now().UTC(),
	}
	for _, t := range trades {
		switch t.Status {
		case domain.TradeStatusComplete:
			payload.SucceededTrades++
			payload.SuccessSymbols = append(payload.SuccessSymbols, t.Symbol)
			if t.StrategyID != "" {
				prev := payload.StrategyAttribution[t.StrategyID]
				payload.StrategyAttribution[t.StrategyID] = prev.Add(t.TradeAmount.Abs())
			}
		case domain.TradeStatusFailed:
			payload.FailedTrades++
			payload.FailedSymbols = append(payload.FailedSymbols, t.Symbol)
		case domain.TradeStatusSkipped:
			payload.SkippedTrades++
			if t.Metadata["skip_reason"] == "non_fractionable" {
				payload.NonFractionableSkipped = append(payload.NonFractionableSkipped, t.Symbol)
			}
		}
	}
	return payload
}

// captureSnapshot pulls the broker account snapshot. Failure degrades to nil.
func (a *Aggregator) captureSnapshot(ctx context.Context, log *slog.Logger) *domain.PortfolioSnapshot {
	if a.broker == nil {
		return nil
	}
	account, err := a.broker.GetAccount(ctx)
	if err != nil {
		log.WarnContext(ctx, "portfolio snapshot unavailable", slog.String("error", err.Error()))
		return nil
	}
	return &domain.PortfolioSnapshot{
		Equity:           account.Equity,
		Cash:             account.Cash,
		LongMarketValue:  account.LongMarketValue,
		ShortMarketValue: account.ShortMarketValue,
	}
}

// capturePnL pulls the monthly P&L block. Failure degrades to nil.
func (a *Aggregator) capturePnL(ctx context.Context, log *slog.Logger) *domain.PnLSummary {
	if a.pnl == nil {
		return nil
	}
	monthly, err := a.pnl.GetMonthlyPnL(ctx)
	if err != nil {
		log.WarnContext(ctx, "pnl unavailable", slog.String("error", err.Error()))
		return nil
	}
	return &domain.PnLSummary{MonthlyPnL: monthly, Period: "month"}
}

func (a *Aggregator) emitWorkflowFailed(ctx context.Context, runID, step string, details map[string]string, cause domain.Envelope, log *slog.Logger) {
	env := domain.NewEnvelope(domain.WorkflowFailedPayload{
		RunID:        runID,
		FailureStep:  step,
		ErrorDetails: details,
	}, cause.CorrelationID, cause.EventID, sourceModule, component)
	if err := a.bus.Publish(ctx, env); err != nil {
		log.ErrorContext(ctx, "failed to publish WorkflowFailed", slog.String("error", err.Error()))
	}
}
