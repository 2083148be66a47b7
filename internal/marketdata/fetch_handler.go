// Package marketdata holds the fetch-lock coordinator's event handler and
// the refresh adapter it drives: concurrent "refresh symbol X" demands
// collapse to a single real fetch per cooldown window, with every requester
// receiving a MarketDataFetchCompleted event either way.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bracketquant/execcore/internal/corr"
	"github.com/bracketquant/execcore/internal/domain"
)

const (
	sourceModule   = "market_data"
	componentFetch = "fetch_coordinator"
)

// FetchHandler consumes FetchRequested events and admits at most one real
// refresh per symbol per cooldown window through the fetch-lock store.
type FetchHandler struct {
	locks     domain.FetchLockStore
	refresher domain.MarketDataRefresher
	bus       domain.EventBus
	cooldown  time.Duration
	logger    *slog.Logger
}

// NewFetchHandler creates a FetchHandler. cooldown must be long enough to
// subsume typical end-to-end fetch latency, or concurrent requesters will be
// admitted before the first fetch lands.
func NewFetchHandler(
	locks domain.FetchLockStore,
	refresher domain.MarketDataRefresher,
	bus domain.EventBus,
	cooldown time.Duration,
	logger *slog.Logger,
) *FetchHandler {
	return &FetchHandler{
		locks:     locks,
		refresher: refresher,
		bus:       bus,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", componentFetch)),
	}
}

// Run subscribes to FetchRequested events until ctx is cancelled.
func (h *FetchHandler) Run(ctx context.Context) error {
	h.logger.Info("fetch-lock coordinator started")
	defer h.logger.Info("fetch-lock coordinator stopped")
	return h.bus.Subscribe(ctx, []domain.EventType{domain.EventFetchRequested}, h.HandleEvent)
}

// HandleEvent processes one fetch request. Denied requesters get a synthetic
// deduplicated completion so upstream stages waiting on the event always
// unblock; the single admitted requester performs the real refresh.
func (h *FetchHandler) HandleEvent(ctx context.Context, env domain.Envelope) error {
	payload, ok := env.Payload.(domain.FetchRequestedPayload)
	if !ok {
		return nil
	}

	ctx = corr.WithID(ctx, payload.CorrelationID)
	log := corr.Logger(ctx, h.logger, payload.CorrelationID).With(
		slog.String("symbol", payload.Symbol),
		slog.String("requesting_stage", payload.RequestingStage),
	)

	res, err := h.locks.TryAcquire(ctx, payload.Symbol, payload.RequestingStage,
		payload.RequestingComponent, payload.CorrelationID, h.cooldown)
	if err != nil {
		return fmt.Errorf("marketdata: acquire fetch lock %s: %w", payload.Symbol, err)
	}

	if !res.CanProceed {
		log.InfoContext(ctx, "fetch deduplicated",
			slog.Duration("cooldown_remaining", res.CooldownRemaining))
		h.publishCompleted(ctx, env, domain.MarketDataFetchCompletedPayload{
			Symbol:          payload.Symbol,
			CorrelationID:   payload.CorrelationID,
			WasDeduplicated: true,
			Success:         true,
			BarsFetched:     0,
		}, log)
		return nil
	}

	success, meta, refreshErr := h.refresher.RefreshSymbol(ctx, payload.Symbol)
	if refreshErr != nil || !success {
		// Release so the next demand retries immediately instead of waiting
		// out the cooldown. Best-effort: a crash here just costs one window.
		if relErr := h.locks.Release(ctx, payload.Symbol, payload.CorrelationID); relErr != nil {
			log.WarnContext(ctx, "fetch lock release failed", slog.String("error", relErr.Error()))
		}
		errMsg := "refresh reported failure"
		if refreshErr != nil {
			errMsg = refreshErr.Error()
		}
		log.WarnContext(ctx, "market data refresh failed", slog.String("error", errMsg))
		h.publishCompleted(ctx, env, domain.MarketDataFetchCompletedPayload{
			Symbol:        payload.Symbol,
			CorrelationID: payload.CorrelationID,
			Success:       false,
			ErrorMessage:  errMsg,
		}, log)
		return nil
	}

	bars := 0
	if meta != nil {
		if n, convErr := strconv.Atoi(meta["bars_fetched"]); convErr == nil {
			bars = n
		}
	}
	log.InfoContext(ctx, "market data refreshed", slog.Int("bars_fetched", bars))
	h.publishCompleted(ctx, env, domain.MarketDataFetchCompletedPayload{
		Symbol:        payload.Symbol,
		CorrelationID: payload.CorrelationID,
		Success:       true,
		BarsFetched:   bars,
	}, log)
	return nil
}

func (h *FetchHandler) publishCompleted(ctx context.Context, cause domain.Envelope, payload domain.MarketDataFetchCompletedPayload, log *slog.Logger) {
	env := domain.NewEnvelope(payload, payload.CorrelationID, cause.EventID, sourceModule, componentFetch)
	if err := h.bus.Publish(ctx, env); err != nil {
		log.ErrorContext(ctx, "failed to publish MarketDataFetchCompleted", slog.String("error", err.Error()))
	}
}
