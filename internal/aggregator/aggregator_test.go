package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
)

// stubStore implements the slice of domain.RunStore the aggregator touches;
// everything else is unreachable from this package.
type stubStore struct {
	mu      sync.Mutex
	run     *domain.Run
	trades  []domain.Trade
	claimed bool
}

func (s *stubStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.RunID != runID {
		return domain.Run{}, domain.ErrNotFound
	}
	return *s.run, nil
}

func (s *stubStore) TryClaimAggregation(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false, nil
	}
	s.claimed = true
	return true, nil
}

func (s *stubStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades, nil
}

func (s *stubStore) MarkRunCompleted(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Status = domain.RunStatusCompleted
	return nil
}

func (s *stubStore) MarkRunFailed(ctx context.Context, runID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Status = domain.RunStatusFailed
	s.run.FailureReason = reason
	return nil
}

func (s *stubStore) CreateRun(context.Context, domain.Run, []domain.Trade) error { return nil }
func (s *stubStore) GetTrade(context.Context, string, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}
func (s *stubStore) MarkTradeStarted(context.Context, string, string) error { return nil }
func (s *stubStore) MarkTradeCompleted(context.Context, string, string, domain.TradeOutcome) (domain.CompletionSnapshot, error) {
	return domain.CompletionSnapshot{}, nil
}
func (s *stubStore) GetPendingBuyTrades(context.Context, string) ([]domain.Trade, error) {
	return nil, nil
}
func (s *stubStore) MarkBuyTradesPending(context.Context, string, []string) error { return nil }
func (s *stubStore) TransitionToBuyPhase(context.Context, string) (bool, error)   { return false, nil }
func (s *stubStore) CheckEquityCircuitBreaker(context.Context, string, decimal.Decimal) (domain.EquityCheckResult, error) {
	return domain.EquityCheckResult{}, nil
}
func (s *stubStore) UpdateRunStatus(context.Context, string, domain.RunStatus) error { return nil }

var _ domain.RunStore = (*stubStore)(nil)

type recordingBus struct {
	mu        sync.Mutex
	envelopes []domain.Envelope
}

func (b *recordingBus) Publish(ctx context.Context, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, env)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, kinds []domain.EventType, handler func(context.Context, domain.Envelope) error) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBus) ofKind(kind domain.EventType) []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Envelope
	for _, env := range b.envelopes {
		if env.EventType == kind {
			out = append(out, env)
		}
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func completedRun() (*domain.Run, []domain.Trade) {
	run := &domain.Run{
		RunID:           "R1",
		CorrelationID:   "corr-R1",
		TotalTrades:     3,
		SellTotal:       2,
		BuyTotal:        1,
		CompletedTrades: 3,
		Status:          domain.RunStatusRunning,
		Phase:           domain.PhaseBuy,
	}
	trades := []domain.Trade{
		{RunID: "R1", TradeID: "T1", Symbol: "SPY", Status: domain.TradeStatusComplete, TradeAmount: dec("-1000"), StrategyID: "momentum"},
		{RunID: "R1", TradeID: "T2", Symbol: "AAPL", Status: domain.TradeStatusFailed, TradeAmount: dec("-2000")},
		{RunID: "R1", TradeID: "T3", Symbol: "QQQ", Status: domain.TradeStatusComplete, TradeAmount: dec("3000"), StrategyID: "momentum"},
	}
	return run, trades
}

func tradeExecutedEvent(runID string) domain.Envelope {
	return domain.NewEnvelope(domain.TradeExecutedPayload{
		RunID:   runID,
		TradeID: "T3",
		Symbol:  "QQQ",
		Success: true,
	}, "corr-"+runID, "T3", "execution", "trade_executor")
}

func TestAggregatesOnFinalCompletion(t *testing.T) {
	run, trades := completedRun()
	store := &stubStore{run: run, trades: trades}
	bus := &recordingBus{}
	agg := New(store, bus, nil, nil, nil, slog.Default())

	require.NoError(t, agg.HandleEvent(context.Background(), tradeExecutedEvent("R1")))

	done := bus.ofKind(domain.EventAllTradesCompleted)
	require.Len(t, done, 1)
	payload := done[0].Payload.(domain.AllTradesCompletedPayload)
	assert.Equal(t, 3, payload.TotalTrades)
	assert.Equal(t, 2, payload.SucceededTrades)
	assert.Equal(t, 1, payload.FailedTrades)
	assert.Equal(t, []string{"AAPL"}, payload.FailedSymbols)
	assert.True(t, payload.StrategyAttribution["momentum"].Equal(dec("4000")))
	assert.Equal(t, domain.RunStatusCompleted, store.run.Status)
}

func TestReplayAfterClaimEmitsNothing(t *testing.T) {
	run, trades := completedRun()
	store := &stubStore{run: run, trades: trades}
	bus := &recordingBus{}
	agg := New(store, bus, nil, nil, nil, slog.Default())

	for i := 0; i < 3; i++ {
		require.NoError(t, agg.HandleEvent(context.Background(), tradeExecutedEvent("R1")))
	}
	assert.Len(t, bus.ofKind(domain.EventAllTradesCompleted), 1)
}

func TestIncompleteRunWaitsForMoreEvents(t *testing.T) {
	run, trades := completedRun()
	run.CompletedTrades = 2
	store := &stubStore{run: run, trades: trades}
	bus := &recordingBus{}
	agg := New(store, bus, nil, nil, nil, slog.Default())

	require.NoError(t, agg.HandleEvent(context.Background(), tradeExecutedEvent("R1")))
	assert.Empty(t, bus.envelopes)
	assert.False(t, store.claimed)
}

func TestOrphanEventEmitsRunLookupFailure(t *testing.T) {
	store := &stubStore{}
	bus := &recordingBus{}
	agg := New(store, bus, nil, nil, nil, slog.Default())

	require.NoError(t, agg.HandleEvent(context.Background(), tradeExecutedEvent("R-missing")))

	failed := bus.ofKind(domain.EventWorkflowFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(domain.WorkflowFailedPayload)
	assert.Equal(t, domain.FailureStepRunLookup, payload.FailureStep)
	assert.Empty(t, bus.ofKind(domain.EventAllTradesCompleted))
}

func TestEventWithoutRunIDIgnored(t *testing.T) {
	store := &stubStore{}
	bus := &recordingBus{}
	agg := New(store, bus, nil, nil, nil, slog.Default())

	require.NoError(t, agg.HandleEvent(context.Background(), tradeExecutedEvent("")))
	assert.Empty(t, bus.envelopes)
}
