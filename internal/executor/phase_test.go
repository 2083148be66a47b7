package executor

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
	"github.com/bracketquant/execcore/internal/service"
)

func newPhaseHarness(t *testing.T, threshold string) (*memoryRunStore, *recordingQueue, *recordingBus, *PhaseCoordinator) {
	t.Helper()
	logger := slog.Default()
	store := newMemoryRunStore(decimal.NewFromInt(1_000_000))
	queue := &recordingQueue{}
	bus := &recordingBus{}
	guards := service.NewGuardService(service.GuardConfig{
		SellFailureThreshold: decimal.RequireFromString(threshold),
		MaxEquityLimit:       decimal.NewFromInt(1_000_000),
	}, logger)
	return store, queue, bus, NewPhaseCoordinator(store, queue, bus, nil, guards, logger)
}

func TestPhaseCheckIgnoresIncompleteSellPhase(t *testing.T) {
	_, queue, bus, pc := newPhaseHarness(t, "5000")
	snap := domain.CompletionSnapshot{
		RunID:             "R1",
		CurrentPhase:      domain.PhaseSell,
		SellPhaseComplete: false,
		SellCompleted:     1,
		SellTotal:         3,
		BuyTotal:          2,
	}
	require.NoError(t, pc.OnTradeCompleted(context.Background(), snap, "corr"))
	assert.Empty(t, queue.drain())
	assert.Empty(t, bus.envelopes)
}

func TestPhaseCheckIgnoresRunsWithNoBuys(t *testing.T) {
	store, queue, _, pc := newPhaseHarness(t, "5000")
	createPhaseRun(t, store, "R2", 0)
	snap := domain.CompletionSnapshot{
		RunID:             "R2",
		CurrentPhase:      domain.PhaseSell,
		SellPhaseComplete: true,
		SellCompleted:     2,
		SellTotal:         2,
		BuyTotal:          0,
	}
	require.NoError(t, pc.OnTradeCompleted(context.Background(), snap, "corr"))
	assert.Empty(t, queue.drain())

	run, err := store.GetRun(context.Background(), "R2")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSell, run.Phase)
}

func TestBuyTransitionHasSingleWinner(t *testing.T) {
	store, queue, _, pc := newPhaseHarness(t, "5000")
	createPhaseRun(t, store, "R3", 2)
	snap := domain.CompletionSnapshot{
		RunID:             "R3",
		CurrentPhase:      domain.PhaseSell,
		SellPhaseComplete: true,
		SellCompleted:     1,
		SellTotal:         1,
		BuyTotal:          2,
	}

	require.NoError(t, pc.OnTradeCompleted(context.Background(), snap, "corr"))
	first := queue.drain()
	assert.Len(t, first, 2)

	// A second completion observing the same snapshot loses the conditional
	// write and enqueues nothing.
	require.NoError(t, pc.OnTradeCompleted(context.Background(), snap, "corr"))
	assert.Empty(t, queue.drain())

	// The buffered rows moved to PENDING exactly once.
	buffered, err := store.GetPendingBuyTrades(context.Background(), "R3")
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func createPhaseRun(t *testing.T, store *memoryRunStore, runID string, buys int) {
	t.Helper()
	trades := []domain.Trade{withShares(sellTrade(runID, "S1", "SPY", "1000"), "10")}
	for i := 0; i < buys; i++ {
		trades = append(trades, withEstimatedPrice(buyTrade(runID, string(rune('A'+i)), "QQQ", "1000"), "100"))
	}
	run := domain.Run{
		RunID:       runID,
		PlanID:      "plan-" + runID,
		TotalTrades: len(trades),
		SellTotal:   1,
		BuyTotal:    buys,
		Phase:       domain.PhaseSell,
		Status:      domain.RunStatusRunning,
	}
	require.NoError(t, store.CreateRun(context.Background(), run, trades))
}
