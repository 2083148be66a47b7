// Package executor implements the trade execution worker and the phase
// coordinator: stateless consumers of individual trade messages that
// deduplicate, guard, place orders, update run state, and drive the
// SELL-to-BUY phase transition. All cross-worker coordination happens through
// the Run State Store's conditional writes; workers share no in-process
// state of record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/corr"
	"github.com/bracketquant/execcore/internal/domain"
	"github.com/bracketquant/execcore/internal/idempotency"
	"github.com/bracketquant/execcore/internal/service"
)

const (
	sourceModule    = "execution"
	componentWorker = "trade_executor"
)

// Config holds the per-worker execution parameters.
type Config struct {
	// MaxSellRetries is the number of retries beyond the first attempt for
	// SELL orders. BUY and ALL-phase orders are single-attempt.
	MaxSellRetries int
	// SellRetryDelay is the fixed pause between SELL attempts.
	SellRetryDelay time.Duration
	// BrokerCallTimeout bounds each individual broker RPC attempt.
	BrokerCallTimeout time.Duration
	// SharePrecision is the number of decimal places for computed share
	// quantities.
	SharePrecision int32
}

// Worker processes one execution-queue message at a time. Any number of
// Worker replicas may run concurrently; correctness holds for any pool size
// because every mutation goes through the store's conditional writes.
type Worker struct {
	store   domain.RunStore
	bus     domain.EventBus
	broker  domain.Broker
	clock   domain.MarketClock
	ledger  domain.TradeLedger
	prices  domain.PriceCache
	limiter domain.RateLimiter
	cache   *idempotency.Cache
	guards  *service.GuardService
	phase   *PhaseCoordinator
	cfg     Config
	logger  *slog.Logger
}

// NewWorker creates a Worker. ledger, prices, and limiter may be nil; the
// worker degrades gracefully without them (no ledger row, no cached-price
// fast path, no broker-call throttling).
func NewWorker(
	store domain.RunStore,
	bus domain.EventBus,
	broker domain.Broker,
	clock domain.MarketClock,
	ledger domain.TradeLedger,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	cache *idempotency.Cache,
	guards *service.GuardService,
	phase *PhaseCoordinator,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		store:   store,
		bus:     bus,
		broker:  broker,
		clock:   clock,
		ledger:  ledger,
		prices:  prices,
		limiter: limiter,
		cache:   cache,
		guards:  guards,
		phase:   phase,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", componentWorker)),
	}
}

// Run consumes the execution queue until ctx is cancelled, periodically
// compacting the idempotency cache so long-lived workers stay bounded.
func (w *Worker) Run(ctx context.Context, queue domain.ExecutionQueue) error {
	w.logger.Info("trade execution worker started")
	defer w.logger.Info("trade execution worker stopped")

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				w.cache.Cleanup()
			}
		}
	}()

	return queue.Consume(ctx, w.Handle)
}

// Handle processes a single execution message through the full pipeline. A
// nil return acknowledges the message; a non-nil return leaves it pending
// for redelivery, which is reserved for unrecoverable state-store faults
// (idempotency keeps redelivery safe). Every other failure terminates the
// trade with exactly one outcome event.
func (w *Worker) Handle(ctx context.Context, msg domain.ExecutionMessage) error {
	ctx = corr.WithID(ctx, msg.CorrelationID)
	log := corr.Logger(ctx, w.logger, msg.CorrelationID).With(
		slog.String("run_id", msg.RunID),
		slog.String("trade_id", msg.TradeID),
		slog.String("symbol", msg.Symbol),
		slog.String("action", string(msg.Action)),
		slog.String("phase", string(msg.Phase)),
	)

	// 1. Validate.
	if err := validateMessage(msg); err != nil {
		log.WarnContext(ctx, "invalid execution message", slog.String("error", err.Error()))
		w.emitOutcome(ctx, msg, domain.TradeExecutedPayload{
			RunID:        msg.RunID,
			TradeID:      msg.TradeID,
			Symbol:       msg.Symbol,
			Action:       msg.Action,
			Phase:        msg.Phase,
			Success:      false,
			ErrorMessage: err.Error(),
		}, log)
		return nil
	}

	// 2. Idempotency: in-process cache first, then the store's trade row.
	key := idempotency.Key(msg.RunID, msg.TradeID, msg.Symbol, msg.Action)
	if w.cache.SeenRecently(key) {
		log.DebugContext(ctx, "duplicate suppressed by idempotency cache")
		return nil
	}
	trade, err := w.store.GetTrade(ctx, msg.RunID, msg.TradeID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.ErrorContext(ctx, "execution message for unknown trade row, dropping")
		return nil
	case err != nil:
		// Fail-open: blocking every trade on a flaky duplicate check is
		// worse than risking a duplicate the broker will itself reject.
		log.WarnContext(ctx, "duplicate check failed, proceeding",
			slog.String("error", err.Error()))
	case trade.Status.Terminal():
		w.cache.MarkTerminal(key)
		log.DebugContext(ctx, "trade already terminal, acknowledging silently")
		return nil
	}

	// 3. Claim the trade row. A failed predicate means another worker is
	// ahead of us; that is a normal race outcome, not an error.
	if err := w.store.MarkTradeStarted(ctx, msg.RunID, msg.TradeID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.DebugContext(ctx, "trade claimed by another worker, acknowledging silently")
			return nil
		}
		return fmt.Errorf("executor: mark trade started: %w", err)
	}

	// 4. Market-hours gate. A skipped trade still participates in counters
	// and phase completion.
	open, clockErr := w.clock.IsMarketOpen(ctx, msg.CorrelationID)
	if clockErr != nil {
		log.WarnContext(ctx, "market clock unavailable, assuming open",
			slog.String("error", clockErr.Error()))
		open = true
	}
	if !open {
		log.InfoContext(ctx, "market closed, skipping trade")
		return w.completeTrade(ctx, msg, domain.TradeOutcome{
			Status: domain.TradeStatusSkipped,
			Phase:  msg.Phase,
			Amount: msg.TradeAmount.Abs(),
		}, key, log, outcomeMeta{skipped: true, success: true})
	}

	// 5. BUY equity circuit breaker.
	if msg.Phase == domain.PhaseBuy {
		check, err := w.store.CheckEquityCircuitBreaker(ctx, msg.RunID, msg.TradeAmount.Abs())
		if err != nil {
			return fmt.Errorf("executor: equity circuit breaker check: %w", err)
		}
		if !check.Allowed {
			return w.tripEquityBreaker(ctx, msg, check, key, log)
		}
	}

	// 6. Share computation, including the over-sell cap.
	qty, isCompleteExit, err := w.computeShares(ctx, msg, log)
	if err != nil {
		log.WarnContext(ctx, "share computation failed", slog.String("error", err.Error()))
		return w.completeTrade(ctx, msg, domain.TradeOutcome{
			Status:       domain.TradeStatusFailed,
			Phase:        msg.Phase,
			Amount:       msg.TradeAmount.Abs(),
			ErrorMessage: err.Error(),
		}, key, log, outcomeMeta{})
	}

	// 7. Place the order, with the SELL retry policy.
	result, err := w.placeWithRetry(ctx, msg, qty, isCompleteExit, log)
	if err != nil {
		log.WarnContext(ctx, "order placement failed", slog.String("error", err.Error()))
		return w.completeTrade(ctx, msg, domain.TradeOutcome{
			Status:       domain.TradeStatusFailed,
			Phase:        msg.Phase,
			Amount:       msg.TradeAmount.Abs(),
			ErrorMessage: err.Error(),
		}, key, log, outcomeMeta{})
	}

	// 8. Trade ledger row. Failure here is logged, never fatal.
	if w.ledger != nil {
		quality := domain.ExecutionQuality{
			SlippageBps:    result.SlippageBps,
			SubmitToFillMs: result.SubmitToFillMs,
			AttemptCount:   result.attempts,
		}
		attribution := domain.StrategyAttribution{
			StrategyID: msg.StrategyID,
			RunID:      msg.RunID,
			TradeID:    msg.TradeID,
		}
		if err := w.ledger.RecordFilledOrder(ctx, result.OrderResult, msg.CorrelationID, attribution, quality); err != nil {
			log.WarnContext(ctx, "trade ledger write failed",
				slog.String("order_id", result.OrderID),
				slog.String("error", err.Error()))
		}
	}

	// 9-11. Terminal row + counters, phase check, outcome event.
	outcome := domain.TradeOutcome{
		Status:       domain.TradeStatusComplete,
		OrderID:      result.OrderID,
		FilledShares: result.Shares,
		Phase:        msg.Phase,
		Amount:       msg.TradeAmount.Abs(),
	}
	if result.Price != nil {
		outcome.FillPrice = *result.Price
	}
	if result.FilledAt != nil {
		outcome.FilledAt = *result.FilledAt
	}
	return w.completeTrade(ctx, msg, outcome, key, log, outcomeMeta{
		success: true,
		orderID: result.OrderID,
		shares:  result.Shares,
		price:   result.Price,
	})
}

// outcomeMeta carries the TradeExecuted fields that are not part of the
// persisted outcome row.
type outcomeMeta struct {
	success bool
	skipped bool
	orderID string
	shares  decimal.Decimal
	price   *decimal.Decimal
}

// completeTrade is the single exit path for every terminal trade: it writes
// the terminal row and increments counters in one transaction, runs the
// phase check on the returned snapshot, and emits the TradeExecuted event.
// Counter updates happen after the terminal row, never before, so
// completed_trades can never exceed the number of terminal rows.
func (w *Worker) completeTrade(ctx context.Context, msg domain.ExecutionMessage, outcome domain.TradeOutcome, key string, log *slog.Logger, meta outcomeMeta) error {
	snap, err := w.store.MarkTradeCompleted(ctx, msg.RunID, msg.TradeID, outcome)
	if errors.Is(err, domain.ErrDuplicateTrade) {
		// Another worker terminated this trade first; it owns the outcome
		// event too.
		w.cache.MarkTerminal(key)
		log.DebugContext(ctx, "trade terminated concurrently, suppressing outcome")
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: mark trade completed: %w", err)
	}
	w.cache.MarkTerminal(key)

	if err := w.phase.OnTradeCompleted(ctx, snap, msg.CorrelationID); err != nil {
		// State is durable; the phase check re-runs on the next completion
		// or on redelivery, so log and keep going.
		log.WarnContext(ctx, "phase check failed", slog.String("error", err.Error()))
	}

	w.emitOutcome(ctx, msg, domain.TradeExecutedPayload{
		RunID:          msg.RunID,
		TradeID:        msg.TradeID,
		Symbol:         msg.Symbol,
		Action:         msg.Action,
		Phase:          msg.Phase,
		Success:        meta.success,
		Skipped:        meta.skipped,
		OrderID:        meta.orderID,
		SharesExecuted: meta.shares,
		Price:          meta.price,
		ErrorMessage:   outcome.ErrorMessage,
		Metadata: map[string]string{
			"run_id":   msg.RunID,
			"trade_id": msg.TradeID,
			"phase":    string(msg.Phase),
		},
	}, log)

	log.InfoContext(ctx, "trade terminal",
		slog.String("status", string(outcome.Status)),
		slog.String("order_id", outcome.OrderID),
		slog.Int("completed_trades", snap.CompletedTrades),
		slog.Int("total_trades", snap.TotalTrades),
	)
	return nil
}

// tripEquityBreaker handles an equity-cap denial: the offending trade fails,
// the run fails, and both WorkflowFailed and the trade's own outcome event
// are emitted. Peer BUYs already in flight are not cancelled; they observe
// the FAILED run only if they look.
func (w *Worker) tripEquityBreaker(ctx context.Context, msg domain.ExecutionMessage, check domain.EquityCheckResult, key string, log *slog.Logger) error {
	proposed := msg.TradeAmount.Abs()
	details := w.guards.EquityTripDetails(check, proposed)
	log.WarnContext(ctx, "equity circuit breaker tripped",
		slog.String("cumulative_buy_succeeded", check.CumulativeBuySucceeded.String()),
		slog.String("proposed", proposed.String()),
		slog.String("max_equity_limit", check.MaxEquityLimit.String()),
	)

	errMsg := fmt.Sprintf("equity circuit breaker: cumulative %s + proposed %s exceeds limit %s",
		check.CumulativeBuySucceeded.String(), proposed.String(), check.MaxEquityLimit.String())
	if err := w.completeTrade(ctx, msg, domain.TradeOutcome{
		Status:       domain.TradeStatusFailed,
		Phase:        msg.Phase,
		Amount:       proposed,
		ErrorMessage: errMsg,
	}, key, log, outcomeMeta{}); err != nil {
		return err
	}

	if err := w.store.MarkRunFailed(ctx, msg.RunID, errMsg); err != nil {
		return fmt.Errorf("executor: mark run failed after equity trip: %w", err)
	}

	env := domain.NewEnvelope(domain.WorkflowFailedPayload{
		RunID:        msg.RunID,
		FailureStep:  domain.FailureStepEquityCircuitBreak,
		ErrorDetails: details,
	}, msg.CorrelationID, msg.TradeID, sourceModule, componentWorker)
	if err := w.bus.Publish(ctx, env); err != nil {
		log.ErrorContext(ctx, "failed to publish WorkflowFailed", slog.String("error", err.Error()))
	}
	return nil
}

// placedResult augments the broker result with the attempt count for
// execution-quality reporting.
type placedResult struct {
	domain.OrderResult
	attempts int
}

// placeWithRetry submits the order through the broker. SELL trades get
// MaxSellRetries extra attempts with a fixed delay; a non-success result is
// retried the same way as a transport error. BUY and ALL-phase trades are
// single-attempt.
func (w *Worker) placeWithRetry(ctx context.Context, msg domain.ExecutionMessage, qty decimal.Decimal, isCompleteExit bool, log *slog.Logger) (placedResult, error) {
	attempts := 1
	if msg.Action == domain.ActionSell && msg.Phase == domain.PhaseSell {
		attempts = w.cfg.MaxSellRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return placedResult{}, ctx.Err()
			case <-time.After(w.cfg.SellRetryDelay):
			}
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, "broker:orders"); err != nil {
				log.WarnContext(ctx, "rate limiter wait failed", slog.String("error", err.Error()))
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.BrokerCallTimeout)
		result, err := w.broker.PlaceOrder(attemptCtx, msg.Symbol, msg.Action, qty,
			msg.CorrelationID, isCompleteExit, msg.TradeAmount.Abs(), msg.StrategyID)
		cancel()

		if err == nil && result.Success {
			return placedResult{OrderResult: result, attempts: attempt}, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("broker rejected order: %s", result.ErrorMessage)
		}
		log.WarnContext(ctx, "order attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", lastErr.Error()),
		)
	}
	return placedResult{}, fmt.Errorf("executor: order failed after %d attempt(s): %w", attempts, lastErr)
}

// emitOutcome publishes the TradeExecuted event. State is already durable by
// the time this runs, so publish failure is logged, not returned.
func (w *Worker) emitOutcome(ctx context.Context, msg domain.ExecutionMessage, payload domain.TradeExecutedPayload, log *slog.Logger) {
	env := domain.NewEnvelope(payload, msg.CorrelationID, msg.TradeID, sourceModule, componentWorker)
	if err := w.bus.Publish(ctx, env); err != nil {
		log.ErrorContext(ctx, "failed to publish TradeExecuted", slog.String("error", err.Error()))
	}
}

// validateMessage checks the envelope fields C4 cannot proceed without.
func validateMessage(msg domain.ExecutionMessage) error {
	var missing []string
	if msg.RunID == "" {
		missing = append(missing, "run_id")
	}
	if msg.TradeID == "" {
		missing = append(missing, "trade_id")
	}
	if msg.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if msg.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if msg.Action != domain.ActionBuy && msg.Action != domain.ActionSell {
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	switch msg.Phase {
	case domain.PhaseSell, domain.PhaseBuy, domain.PhaseAll:
	default:
		return fmt.Errorf("unknown phase %q", msg.Phase)
	}
	if msg.TradeAmount.IsZero() && (msg.Shares == nil || msg.Shares.IsZero()) && !msg.IsFullLiquidation {
		return errors.New("trade has neither amount nor shares")
	}
	return nil
}
