package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// computeShares resolves the share quantity to submit for a trade, in
// preference order: the broker's actual held position for full liquidations,
// explicit shares from the planner, dollars divided by the planner's price
// estimate, and finally dollars divided by the current market price. The
// returned bool marks a complete position exit.
//
// Every SELL is capped by the actual held position regardless of which path
// produced the quantity, so planner drift can never over-sell.
func (w *Worker) computeShares(ctx context.Context, msg domain.ExecutionMessage, log *slog.Logger) (decimal.Decimal, bool, error) {
	isSell := msg.Action == domain.ActionSell

	// Full liquidations (and zero-target sells) use the broker's exact held
	// quantity rather than the planner's estimate, since the two drift.
	if isSell && (msg.IsFullLiquidation || msg.TargetWeight.LessThanOrEqual(decimal.Zero)) {
		pos, found, err := w.broker.GetPosition(ctx, msg.Symbol)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("get position for liquidation: %w", err)
		}
		if !found || pos.Qty.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, false, fmt.Errorf("%w: %s", domain.ErrNoPosition, msg.Symbol)
		}
		return pos.Qty, true, nil
	}

	var qty decimal.Decimal
	switch {
	case msg.Shares != nil && msg.Shares.GreaterThan(decimal.Zero):
		qty = *msg.Shares
	case msg.EstimatedPrice != nil && msg.EstimatedPrice.GreaterThan(decimal.Zero):
		qty = msg.TradeAmount.Abs().Div(*msg.EstimatedPrice).Round(w.cfg.SharePrecision)
	default:
		price, err := w.currentPrice(ctx, msg.Symbol, log)
		if err != nil {
			return decimal.Zero, false, err
		}
		qty = msg.TradeAmount.Abs().Div(price).Round(w.cfg.SharePrecision)
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false, fmt.Errorf("computed non-positive share quantity %s", qty)
	}

	// Over-sell cap: never submit more than the broker says we hold. The
	// position read is not linearisable with the submit, so this clamps to
	// the latest observed quantity rather than guaranteeing it.
	if isSell {
		pos, found, err := w.broker.GetPosition(ctx, msg.Symbol)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("get position for over-sell cap: %w", err)
		}
		if !found || pos.Qty.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, false, fmt.Errorf("%w: %s", domain.ErrNoPosition, msg.Symbol)
		}
		if qty.GreaterThan(pos.Qty) {
			log.InfoContext(ctx, "capping sell quantity to held position",
				slog.String("computed", qty.String()),
				slog.String("held", pos.Qty.String()),
			)
			qty = pos.Qty
		}
	}

	return qty, false, nil
}

// currentPrice resolves a live price for a symbol: the Redis price cache
// first, then the broker's quote endpoint. A missing or non-positive price
// is a typed market-data error so the caller fails the trade fast instead
// of retrying.
func (w *Worker) currentPrice(ctx context.Context, symbol string, log *slog.Logger) (decimal.Decimal, error) {
	if w.prices != nil {
		price, _, err := w.prices.GetPrice(ctx, symbol)
		if err == nil && price.GreaterThan(decimal.Zero) {
			return price, nil
		}
		if err != nil {
			log.DebugContext(ctx, "price cache miss", slog.String("symbol", symbol))
		}
	}

	price, found, err := w.broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", domain.ErrMarketDataUnavailable, symbol, err)
	}
	if !found || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s: no positive price", domain.ErrMarketDataUnavailable, symbol)
	}

	if w.prices != nil {
		if cacheErr := w.prices.SetPrice(ctx, symbol, price, time.Now().UTC()); cacheErr != nil {
			log.DebugContext(ctx, "price cache write failed", slog.String("error", cacheErr.Error()))
		}
	}
	return price, nil
}
