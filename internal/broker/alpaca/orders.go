package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// PlaceOrder submits a market order and polls until it reaches a terminal
// state or the poll window closes. The returned OrderResult carries the
// execution-quality fields (slippage versus the planned amount, submit-to-
// fill latency) the trade ledger records.
//
// correlationID doubles as part of the client order id, so a replayed
// submission for the same trade is rejected by the broker as a duplicate
// client_order_id rather than filled twice.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side domain.TradeAction, qty decimal.Decimal, correlationID string, isCompleteExit bool, plannedAmount decimal.Decimal, strategyID string) (domain.OrderResult, error) {
	body := map[string]any{
		"symbol":          symbol,
		"side":            strings.ToLower(string(side)),
		"type":            "market",
		"time_in_force":   "day",
		"qty":             qty.String(),
		"client_order_id": clientOrderID(correlationID, symbol, side),
	}

	submittedAt := time.Now().UTC()
	respBody, err := c.doRequest(ctx, http.MethodPost, c.tradingURL, "/v2/orders", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("alpaca: submit order %s %s: %w", side, symbol, err)
	}

	var order APIOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("alpaca: decode order response: %w", err)
	}

	final, err := c.pollOrder(ctx, order)
	if err != nil {
		return domain.OrderResult{}, err
	}

	return c.buildResult(final, qty, plannedAmount, submittedAt)
}

// pollOrder re-reads the order until it is terminal or the window closes. A
// still-open order at window close is returned as-is; the caller reports it
// as a non-success and the retry policy (or operator reconciliation for
// RUNNING-stuck rows) takes over.
func (c *Client) pollOrder(ctx context.Context, order APIOrder) (APIOrder, error) {
	if order.Terminal() {
		return order, nil
	}

	deadline := time.Now().Add(c.pollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		respBody, err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/orders/"+order.ID, nil)
		if err != nil {
			return order, fmt.Errorf("alpaca: poll order %s: %w", order.ID, err)
		}
		var current APIOrder
		if err := json.Unmarshal(respBody, &current); err != nil {
			return order, fmt.Errorf("alpaca: decode polled order: %w", err)
		}
		order = current
		if order.Terminal() {
			return order, nil
		}
	}
	return order, nil
}

// buildResult converts the terminal (or timed-out) order into the domain
// result, computing fill price, slippage in basis points against the
// planner's intended dollars, and submit-to-fill latency.
func (c *Client) buildResult(order APIOrder, requestedQty, plannedAmount decimal.Decimal, submittedAt time.Time) (domain.OrderResult, error) {
	if !order.Filled() {
		msg := fmt.Sprintf("order %s ended %s", order.ID, order.Status)
		if !order.Terminal() {
			msg = fmt.Sprintf("order %s still %s after poll window", order.ID, order.Status)
		}
		return domain.OrderResult{
			Success:      false,
			OrderID:      order.ID,
			OrderType:    order.Type,
			ErrorMessage: msg,
		}, nil
	}

	filledQty, err := decimal.NewFromString(order.FilledQty)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("alpaca: parse filled qty %q: %w", order.FilledQty, err)
	}

	result := domain.OrderResult{
		Success:   true,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      domain.TradeAction(strings.ToUpper(order.Side)),
		Shares:    filledQty,
		OrderType: order.Type,
		FilledAt:  order.FilledAt,
	}

	if order.FilledAvgPrice != nil {
		fillPrice, err := decimal.NewFromString(*order.FilledAvgPrice)
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("alpaca: parse fill price %q: %w", *order.FilledAvgPrice, err)
		}
		result.Price = &fillPrice

		// Slippage versus the planner's intended per-share price.
		if plannedAmount.GreaterThan(decimal.Zero) && requestedQty.GreaterThan(decimal.Zero) && fillPrice.GreaterThan(decimal.Zero) {
			plannedPrice := plannedAmount.Div(requestedQty)
			if plannedPrice.GreaterThan(decimal.Zero) {
				result.SlippageBps = fillPrice.Sub(plannedPrice).
					Div(plannedPrice).
					Mul(decimal.NewFromInt(10_000)).
					Round(2)
			}
		}
	}

	if order.FilledAt != nil {
		result.SubmitToFillMs = order.FilledAt.Sub(submittedAt).Milliseconds()
		if result.SubmitToFillMs < 0 {
			result.SubmitToFillMs = 0
		}
	}

	return result, nil
}

// clientOrderID builds a deterministic, broker-side duplicate key for one
// trade attempt stream. The broker enforces uniqueness per client_order_id.
func clientOrderID(correlationID, symbol string, side domain.TradeAction) string {
	id := fmt.Sprintf("%s-%s-%s", correlationID, symbol, strings.ToLower(string(side)))
	if len(id) > 48 {
		id = id[:48]
	}
	return id
}
