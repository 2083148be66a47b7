package executor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
	"github.com/bracketquant/execcore/internal/idempotency"
	"github.com/bracketquant/execcore/internal/service"
)

type harness struct {
	store  *memoryRunStore
	bus    *recordingBus
	queue  *recordingQueue
	broker *scriptedBroker
	ledger *recordingLedger
	worker *Worker
}

func newHarness(t *testing.T, maxEquityLimit, sellFailureThreshold string, marketOpen bool) *harness {
	t.Helper()
	logger := slog.Default()
	store := newMemoryRunStore(decimal.RequireFromString(maxEquityLimit))
	bus := &recordingBus{}
	queue := &recordingQueue{}
	broker := newScriptedBroker()
	ledger := &recordingLedger{}

	guards := service.NewGuardService(service.GuardConfig{
		SellFailureThreshold: decimal.RequireFromString(sellFailureThreshold),
		MaxEquityLimit:       decimal.RequireFromString(maxEquityLimit),
	}, logger)
	phase := NewPhaseCoordinator(store, queue, bus, nil, guards, logger)
	worker := NewWorker(store, bus, broker, fixedClock{open: marketOpen}, ledger, nil, nil,
		idempotency.NewCache(time.Minute), guards, phase, Config{
			MaxSellRetries:    2,
			SellRetryDelay:    time.Millisecond,
			BrokerCallTimeout: time.Second,
			SharePrecision:    4,
		}, logger)

	return &harness{store: store, bus: bus, queue: queue, broker: broker, ledger: ledger, worker: worker}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sellTrade(runID, tradeID, symbol, amount string) domain.Trade {
	return domain.Trade{
		RunID:         runID,
		TradeID:       tradeID,
		Symbol:        symbol,
		Action:        domain.ActionSell,
		Phase:         domain.PhaseSell,
		TradeAmount:   dec(amount).Neg(),
		TargetWeight:  dec("0.1"),
		CorrelationID: "corr-" + runID,
		Status:        domain.TradeStatusPending,
	}
}

func buyTrade(runID, tradeID, symbol, amount string) domain.Trade {
	return domain.Trade{
		RunID:         runID,
		TradeID:       tradeID,
		Symbol:        symbol,
		Action:        domain.ActionBuy,
		Phase:         domain.PhaseBuy,
		TradeAmount:   dec(amount),
		TargetWeight:  dec("0.1"),
		CorrelationID: "corr-" + runID,
		Status:        domain.TradeStatusBuffered,
	}
}

func createRun(t *testing.T, h *harness, runID string, trades ...domain.Trade) {
	t.Helper()
	sells, buys := 0, 0
	for _, tr := range trades {
		if tr.Phase == domain.PhaseSell {
			sells++
		} else {
			buys++
		}
	}
	phase := domain.PhaseSell
	if sells == 0 {
		// Pure-BUY runs start in BUY phase; the sell guard never applies.
		phase = domain.PhaseBuy
	}
	run := domain.Run{
		RunID:         runID,
		PlanID:        "plan-" + runID,
		CorrelationID: "corr-" + runID,
		TotalTrades:   len(trades),
		SellTotal:     sells,
		BuyTotal:      buys,
		Phase:         phase,
		Status:        domain.RunStatusRunning,
	}
	require.NoError(t, h.store.CreateRun(context.Background(), run, trades))
}

func msgFor(tr domain.Trade) domain.ExecutionMessage {
	return executionMessageFromTrade(tr)
}

// pump delivers every message the phase coordinator enqueued, repeating
// until the queue runs dry.
func pump(t *testing.T, h *harness) {
	t.Helper()
	for {
		msgs := h.queue.drain()
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			require.NoError(t, h.worker.Handle(context.Background(), m))
		}
	}
}

func TestHappyPathTwoPhase(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("450.10")
	h.broker.fills["QQQ"] = dec("380.55")
	h.broker.positions["SPY"] = dec("100")
	h.broker.prices["QQQ"] = dec("380")

	sell := sellTrade("R1", "T1", "SPY", "45000")
	sell.Shares = ptr(dec("100"))
	buy := buyTrade("R1", "T2", "QQQ", "10000")
	buy.EstimatedPrice = ptr(dec("380"))
	createRun(t, h, "R1", sell, buy)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))
	pump(t, h)

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 2)
	first := executed[0].Payload.(domain.TradeExecutedPayload)
	second := executed[1].Payload.(domain.TradeExecutedPayload)
	assert.Equal(t, "SPY", first.Symbol)
	assert.True(t, first.Success)
	assert.Equal(t, domain.PhaseSell, first.Phase)
	assert.Equal(t, "QQQ", second.Symbol)
	assert.True(t, second.Success)
	assert.Equal(t, domain.PhaseBuy, second.Phase)

	assert.Empty(t, h.bus.ofKind(domain.EventWorkflowFailed))

	run, err := h.store.GetRun(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.CompletedTrades)
	assert.Equal(t, 2, run.SucceededTrades)
	assert.Equal(t, domain.PhaseBuy, run.Phase)
	assert.True(t, run.BuySucceededAmount.Equal(dec("10000")))
}

func TestSellFailureBelowThresholdStillTransitions(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("100")
	h.broker.fills["MSFT"] = dec("300")
	h.broker.fills["QQQ"] = dec("380")
	// AAPL has no scripted fill, so every attempt is rejected.
	for _, sym := range []string{"SPY", "AAPL", "MSFT"} {
		h.broker.positions[sym] = dec("1000")
	}

	trades := []domain.Trade{
		withShares(sellTrade("R2", "T1", "SPY", "1000"), "10"),
		withShares(sellTrade("R2", "T2", "AAPL", "2000"), "10"),
		withShares(sellTrade("R2", "T3", "MSFT", "3000"), "10"),
		withEstimatedPrice(buyTrade("R2", "T4", "QQQ", "10000"), "380"),
	}
	createRun(t, h, "R2", trades...)

	for _, tr := range trades[:3] {
		require.NoError(t, h.worker.Handle(context.Background(), msgFor(tr)))
	}
	pump(t, h)

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 4)
	assert.Empty(t, h.bus.ofKind(domain.EventWorkflowFailed))

	run, err := h.store.GetRun(context.Background(), "R2")
	require.NoError(t, err)
	assert.Equal(t, 4, run.CompletedTrades)
	assert.Equal(t, 3, run.SucceededTrades)
	assert.Equal(t, 1, run.FailedTrades)
	assert.True(t, run.SellFailedAmount.Equal(dec("2000")))
	assert.Equal(t, domain.PhaseBuy, run.Phase)

	// Rejections count as retryable for SELLs: 1 initial + 2 retries.
	assert.Equal(t, 3, h.broker.submissionCount("AAPL"))
}

func TestSellFailureAboveThresholdTripsGuard(t *testing.T) {
	h := newHarness(t, "1000000", "1000", true)
	h.broker.positions["AAPL"] = dec("1000")
	// No fill scripted for AAPL: the $2000 sell fails outright.

	trades := []domain.Trade{
		withShares(sellTrade("R3", "T1", "AAPL", "2000"), "10"),
		withEstimatedPrice(buyTrade("R3", "T2", "QQQ", "10000"), "380"),
	}
	createRun(t, h, "R3", trades...)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(trades[0])))
	pump(t, h)

	failed := h.bus.ofKind(domain.EventWorkflowFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(domain.WorkflowFailedPayload)
	assert.Equal(t, domain.FailureStepSellPhaseGuard, payload.FailureStep)
	assert.Equal(t, "2000", payload.ErrorDetails["sell_failed_amount"])
	assert.Equal(t, "1", payload.ErrorDetails["buy_trades_blocked"])

	// No BUY was enqueued or executed.
	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, "AAPL", executed[0].Payload.(domain.TradeExecutedPayload).Symbol)

	run, err := h.store.GetRun(context.Background(), "R3")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.PhaseSell, run.Phase)
	assert.Equal(t, 0, h.broker.submissionCount("QQQ"))
}

func TestDuplicateDeliverySubmitsOnce(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("450")
	h.broker.positions["SPY"] = dec("100")

	sell := withShares(sellTrade("R4", "T1", "SPY", "45000"), "100")
	createRun(t, h, "R4", sell)

	msg := msgFor(sell)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.worker.Handle(context.Background(), msg))
	}

	assert.Equal(t, 1, h.broker.submissionCount("SPY"))
	assert.Len(t, h.bus.ofKind(domain.EventTradeExecuted), 1)

	run, err := h.store.GetRun(context.Background(), "R4")
	require.NoError(t, err)
	assert.Equal(t, 1, run.CompletedTrades)
}

func TestEquityCircuitBreakerFailsTradeAndRun(t *testing.T) {
	h := newHarness(t, "20000", "5000", true)
	h.broker.fills["A"] = dec("100")
	h.broker.fills["B"] = dec("100")

	// Pure-BUY run: both trades start PENDING in phase BUY.
	a := withEstimatedPrice(buyTrade("R5", "TA", "A", "15000"), "100")
	a.Status = domain.TradeStatusPending
	b := withEstimatedPrice(buyTrade("R5", "TB", "B", "10000"), "100")
	b.Status = domain.TradeStatusPending
	createRun(t, h, "R5", a, b)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(a)))
	require.NoError(t, h.worker.Handle(context.Background(), msgFor(b)))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 2)
	pa := executed[0].Payload.(domain.TradeExecutedPayload)
	pb := executed[1].Payload.(domain.TradeExecutedPayload)
	assert.True(t, pa.Success)
	assert.False(t, pb.Success)

	failed := h.bus.ofKind(domain.EventWorkflowFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(domain.WorkflowFailedPayload)
	assert.Equal(t, domain.FailureStepEquityCircuitBreak, payload.FailureStep)
	assert.Equal(t, "15000", payload.ErrorDetails["cumulative_buy_succeeded_value"])
	assert.Equal(t, "20000", payload.ErrorDetails["max_equity_limit_usd"])

	run, err := h.store.GetRun(context.Background(), "R5")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.True(t, run.BuySucceededAmount.Equal(dec("15000")))
	assert.Equal(t, 0, h.broker.submissionCount("B"))
}

func TestMarketClosedSkipsButCountsCompletion(t *testing.T) {
	h := newHarness(t, "1000000", "5000", false)

	sell := withShares(sellTrade("R6", "T1", "SPY", "1000"), "10")
	createRun(t, h, "R6", sell)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	payload := executed[0].Payload.(domain.TradeExecutedPayload)
	assert.True(t, payload.Success)
	assert.True(t, payload.Skipped)

	run, err := h.store.GetRun(context.Background(), "R6")
	require.NoError(t, err)
	assert.Equal(t, 1, run.CompletedTrades)
	assert.Equal(t, 1, run.SkippedTrades)
	assert.Equal(t, 0, h.broker.submissionCount("SPY"))
}

func TestValidationFailurePublishesOutcomeWithoutState(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)

	msg := domain.ExecutionMessage{
		RunID:         "R7",
		CorrelationID: "corr-R7",
		Symbol:        "SPY",
		Action:        domain.ActionSell,
		Phase:         domain.PhaseSell,
		TradeAmount:   dec("100"),
		// trade_id missing
	}
	require.NoError(t, h.worker.Handle(context.Background(), msg))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	payload := executed[0].Payload.(domain.TradeExecutedPayload)
	assert.False(t, payload.Success)
	assert.Contains(t, payload.ErrorMessage, "trade_id")
}

func TestOverSellCapClampsToHeldPosition(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("100")
	h.broker.positions["SPY"] = dec("40") // planner thinks 100 shares

	sell := withShares(sellTrade("R8", "T1", "SPY", "10000"), "100")
	createRun(t, h, "R8", sell)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	payload := executed[0].Payload.(domain.TradeExecutedPayload)
	assert.True(t, payload.Success)
	assert.True(t, payload.SharesExecuted.Equal(dec("40")))
}

func TestFullLiquidationUsesBrokerHeldQuantity(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("100")
	h.broker.positions["SPY"] = dec("33.3333")

	sell := sellTrade("R9", "T1", "SPY", "3333")
	sell.IsFullLiquidation = true
	createRun(t, h, "R9", sell)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	payload := executed[0].Payload.(domain.TradeExecutedPayload)
	assert.True(t, payload.Success)
	assert.True(t, payload.SharesExecuted.Equal(dec("33.3333")))
}

func TestMissingPriceFailsTradeButAdvancesCounters(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.positions["XYZ"] = dec("100")
	// No price scripted anywhere for XYZ.

	sell := sellTrade("R10", "T1", "XYZ", "1000")
	createRun(t, h, "R10", sell)

	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))

	executed := h.bus.ofKind(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	payload := executed[0].Payload.(domain.TradeExecutedPayload)
	assert.False(t, payload.Success)
	assert.Contains(t, payload.ErrorMessage, "market data unavailable")

	run, err := h.store.GetRun(context.Background(), "R10")
	require.NoError(t, err)
	assert.Equal(t, 1, run.CompletedTrades)
	assert.Equal(t, 1, run.FailedTrades)
}

func TestDuplicateCheckFailsOpen(t *testing.T) {
	h := newHarness(t, "1000000", "5000", true)
	h.broker.fills["SPY"] = dec("100")
	h.broker.positions["SPY"] = dec("100")

	sell := withShares(sellTrade("R11", "T1", "SPY", "1000"), "10")
	createRun(t, h, "R11", sell)

	h.store.failGetTrade = true
	require.NoError(t, h.worker.Handle(context.Background(), msgFor(sell)))
	h.store.failGetTrade = false

	// Fail-open proceeded to execution; the conditional MarkTradeStarted
	// still guards against a true duplicate.
	assert.Equal(t, 1, h.broker.submissionCount("SPY"))
	assert.Len(t, h.bus.ofKind(domain.EventTradeExecuted), 1)
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func withShares(t domain.Trade, shares string) domain.Trade {
	t.Shares = ptr(dec(shares))
	return t
}

func withEstimatedPrice(t domain.Trade, price string) domain.Trade {
	t.EstimatedPrice = ptr(dec(price))
	return t
}
