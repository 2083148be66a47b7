package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bracketquant/execcore/internal/corr"
	"github.com/bracketquant/execcore/internal/domain"
	"github.com/bracketquant/execcore/internal/service"
)

const componentPhase = "phase_coordinator"

// PhaseCoordinator detects SELL-phase completion, evaluates the sell-failure
// guard, and enqueues the buffered BUY trades. It runs embedded in every
// worker, triggered on each trade completion; the store's conditional
// SELL-to-BUY transition guarantees only one trigger ever performs the
// enqueue for a given run.
type PhaseCoordinator struct {
	store  domain.RunStore
	queue  domain.ExecutionQueue
	bus    domain.EventBus
	audit  domain.AuditStore
	guards *service.GuardService
	logger *slog.Logger
}

// NewPhaseCoordinator creates a PhaseCoordinator. audit may be nil.
func NewPhaseCoordinator(
	store domain.RunStore,
	queue domain.ExecutionQueue,
	bus domain.EventBus,
	audit domain.AuditStore,
	guards *service.GuardService,
	logger *slog.Logger,
) *PhaseCoordinator {
	return &PhaseCoordinator{
		store:  store,
		queue:  queue,
		bus:    bus,
		audit:  audit,
		guards: guards,
		logger: logger.With(slog.String("component", componentPhase)),
	}
}

// OnTradeCompleted inspects the completion snapshot and, when the SELL phase
// has just closed, either trips the sell-failure guard or transitions the
// run to BUY and enqueues the buffered BUY trades.
func (p *PhaseCoordinator) OnTradeCompleted(ctx context.Context, snap domain.CompletionSnapshot, correlationID string) error {
	if snap.CurrentPhase != domain.PhaseSell {
		return nil
	}
	if !snap.SellPhaseComplete {
		return nil
	}
	if snap.BuyTotal == 0 {
		// No buys planned; aggregation will close the run off the last SELL.
		return nil
	}

	log := corr.Logger(ctx, p.logger, correlationID).With(slog.String("run_id", snap.RunID))

	if p.guards.SellFailuresExceeded(ctx, snap) {
		return p.tripSellGuard(ctx, snap, correlationID, log)
	}

	// Conditional SELL->BUY flip: exactly one completion per run wins this.
	won, err := p.store.TransitionToBuyPhase(ctx, snap.RunID)
	if err != nil {
		return fmt.Errorf("executor: transition to buy phase: %w", err)
	}
	if !won {
		log.DebugContext(ctx, "buy transition already performed by another worker")
		return nil
	}

	return p.enqueueBuyTrades(ctx, snap, log)
}

// tripSellGuard marks the run FAILED and emits WorkflowFailed with the guard
// details. The buffered BUY trades are never enqueued.
func (p *PhaseCoordinator) tripSellGuard(ctx context.Context, snap domain.CompletionSnapshot, correlationID string, log *slog.Logger) error {
	reason := fmt.Sprintf("sell failures %s exceed threshold %s",
		snap.SellFailedAmount.String(), p.guards.SellFailureThreshold().String())
	if err := p.store.MarkRunFailed(ctx, snap.RunID, reason); err != nil {
		return fmt.Errorf("executor: mark run failed after sell guard: %w", err)
	}

	details := p.guards.SellGuardDetails(snap, snap.BuyTotal)
	env := domain.NewEnvelope(domain.WorkflowFailedPayload{
		RunID:        snap.RunID,
		FailureStep:  domain.FailureStepSellPhaseGuard,
		ErrorDetails: details,
	}, correlationID, snap.RunID, sourceModule, componentPhase)
	if err := p.bus.Publish(ctx, env); err != nil {
		log.ErrorContext(ctx, "failed to publish WorkflowFailed", slog.String("error", err.Error()))
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, "guard.sell_phase", map[string]any{
			"run_id":             snap.RunID,
			"sell_failed_amount": snap.SellFailedAmount.String(),
			"buy_trades_blocked": snap.BuyTotal,
		}); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	log.WarnContext(ctx, "run failed at sell phase guard",
		slog.String("sell_failed_amount", snap.SellFailedAmount.String()))
	return nil
}

// enqueueBuyTrades loads the BUFFERED rows, sends each onto the execution
// queue, and flips the ones that made it to PENDING. Per-trade send failures
// are logged and left BUFFERED; a recovery sweep can re-enqueue them from
// the store because the phase flip is already durable.
func (p *PhaseCoordinator) enqueueBuyTrades(ctx context.Context, snap domain.CompletionSnapshot, log *slog.Logger) error {
	buys, err := p.store.GetPendingBuyTrades(ctx, snap.RunID)
	if err != nil {
		return fmt.Errorf("executor: load buffered buy trades: %w", err)
	}
	if len(buys) == 0 {
		log.WarnContext(ctx, "buy transition won but no buffered buy trades found")
		return nil
	}

	enqueued := make([]string, 0, len(buys))
	for _, t := range buys {
		msg := executionMessageFromTrade(t)
		if err := p.queue.Send(ctx, []domain.ExecutionMessage{msg}); err != nil {
			log.ErrorContext(ctx, "failed to enqueue buy trade",
				slog.String("trade_id", t.TradeID),
				slog.String("error", err.Error()))
			continue
		}
		enqueued = append(enqueued, t.TradeID)
	}

	if len(enqueued) > 0 {
		if err := p.store.MarkBuyTradesPending(ctx, snap.RunID, enqueued); err != nil {
			return fmt.Errorf("executor: mark buy trades pending: %w", err)
		}
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, "phase.buy_transition", map[string]any{
			"run_id":   snap.RunID,
			"enqueued": len(enqueued),
			"buffered": len(buys),
		}); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "buy phase enqueued",
		slog.Int("enqueued", len(enqueued)),
		slog.Int("buffered", len(buys)),
		slog.String("sell_succeeded_amount", snap.SellSucceededAmount.String()),
	)
	return nil
}

// executionMessageFromTrade rebuilds the wire message for a stored trade row
// when the phase coordinator moves it from the buffer onto the queue.
func executionMessageFromTrade(t domain.Trade) domain.ExecutionMessage {
	return domain.ExecutionMessage{
		RunID:             t.RunID,
		TradeID:           t.TradeID,
		CorrelationID:     t.CorrelationID,
		Symbol:            t.Symbol,
		Action:            t.Action,
		Phase:             t.Phase,
		TradeAmount:       t.TradeAmount,
		Shares:            t.Shares,
		EstimatedPrice:    t.EstimatedPrice,
		TargetWeight:      t.TargetWeight,
		IsFullLiquidation: t.IsFullLiquidation,
		StrategyID:        t.StrategyID,
		SequenceNumber:    t.SequenceNumber,
		Metadata:          t.Metadata,
	}
}
