package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// memoryRunStore is an in-memory domain.RunStore with the same conditional
// write semantics as the Postgres implementation. It is shared by the worker
// and phase tests.
type memoryRunStore struct {
	mu             sync.Mutex
	runs           map[string]*domain.Run
	trades         map[string]map[string]*domain.Trade
	maxEquityLimit decimal.Decimal

	failGetTrade bool // simulate a provider error during the duplicate check
}

func newMemoryRunStore(maxEquityLimit decimal.Decimal) *memoryRunStore {
	return &memoryRunStore{
		runs:           make(map[string]*domain.Run),
		trades:         make(map[string]map[string]*domain.Trade),
		maxEquityLimit: maxEquityLimit,
	}
}

func (m *memoryRunStore) CreateRun(ctx context.Context, run domain.Run, trades []domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return domain.ErrAlreadyExists
	}
	r := run
	m.runs[run.RunID] = &r
	m.trades[run.RunID] = make(map[string]*domain.Trade, len(trades))
	for _, t := range trades {
		tt := t
		m.trades[run.RunID][t.TradeID] = &tt
	}
	return nil
}

func (m *memoryRunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return *r, nil
}

func (m *memoryRunStore) GetTrade(ctx context.Context, runID, tradeID string) (domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetTrade {
		return domain.Trade{}, fmt.Errorf("simulated store outage")
	}
	t, ok := m.trades[runID][tradeID]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memoryRunStore) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[runID][tradeID]
	if !ok || t.Status != domain.TradeStatusPending {
		return domain.ErrConflict
	}
	t.Status = domain.TradeStatusRunning
	return nil
}

func (m *memoryRunStore) MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome domain.TradeOutcome) (domain.CompletionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.CompletionSnapshot{}, domain.ErrNotFound
	}
	t, ok := m.trades[runID][tradeID]
	if !ok {
		return domain.CompletionSnapshot{}, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return m.snapshotLocked(r), domain.ErrDuplicateTrade
	}

	t.Status = outcome.Status
	t.OrderID = outcome.OrderID
	t.FilledShares = outcome.FilledShares
	t.FillPrice = outcome.FillPrice
	t.ErrorMessage = outcome.ErrorMessage
	if !outcome.FilledAt.IsZero() {
		filledAt := outcome.FilledAt
		t.FilledAt = &filledAt
	}

	r.CompletedTrades++
	switch outcome.Phase {
	case domain.PhaseSell:
		r.SellCompleted++
	case domain.PhaseBuy:
		r.BuyCompleted++
	}
	switch outcome.Status {
	case domain.TradeStatusComplete:
		r.SucceededTrades++
	case domain.TradeStatusFailed:
		r.FailedTrades++
	case domain.TradeStatusSkipped:
		r.SkippedTrades++
	}
	if outcome.Phase == domain.PhaseSell {
		switch outcome.Status {
		case domain.TradeStatusFailed:
			r.SellFailedAmount = r.SellFailedAmount.Add(outcome.Amount)
		case domain.TradeStatusComplete:
			r.SellSucceededAmount = r.SellSucceededAmount.Add(outcome.Amount)
		}
	} else if outcome.Phase == domain.PhaseBuy && outcome.Status == domain.TradeStatusComplete {
		r.BuySucceededAmount = r.BuySucceededAmount.Add(outcome.Amount)
	}
	return m.snapshotLocked(r), nil
}

func (m *memoryRunStore) snapshotLocked(r *domain.Run) domain.CompletionSnapshot {
	return domain.CompletionSnapshot{
		RunID:               r.RunID,
		CurrentPhase:        r.Phase,
		SellPhaseComplete:   r.SellCompleted >= r.SellTotal,
		SellCompleted:       r.SellCompleted,
		SellTotal:           r.SellTotal,
		BuyTotal:            r.BuyTotal,
		CompletedTrades:     r.CompletedTrades,
		TotalTrades:         r.TotalTrades,
		SellFailedAmount:    r.SellFailedAmount,
		SellSucceededAmount: r.SellSucceededAmount,
	}
}

func (m *memoryRunStore) GetPendingBuyTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, t := range m.trades[runID] {
		if t.Phase == domain.PhaseBuy && t.Status == domain.TradeStatusBuffered {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memoryRunStore) MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tradeIDs {
		if t, ok := m.trades[runID][id]; ok && t.Status == domain.TradeStatusBuffered {
			t.Status = domain.TradeStatusPending
		}
	}
	return nil
}

func (m *memoryRunStore) TransitionToBuyPhase(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Phase != domain.PhaseSell {
		return false, nil
	}
	r.Phase = domain.PhaseBuy
	return true, nil
}

func (m *memoryRunStore) TryClaimAggregation(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.AggregationClaimed {
		return false, nil
	}
	r.AggregationClaimed = true
	r.Status = domain.RunStatusAggregating
	return true, nil
}

func (m *memoryRunStore) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposed decimal.Decimal) (domain.EquityCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.EquityCheckResult{}, domain.ErrNotFound
	}
	projected := r.BuySucceededAmount.Add(proposed)
	return domain.EquityCheckResult{
		Allowed:                projected.LessThanOrEqual(m.maxEquityLimit),
		CumulativeBuySucceeded: r.BuySucceededAmount,
		MaxEquityLimit:         m.maxEquityLimit,
	}, nil
}

func (m *memoryRunStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, t := range m.trades[runID] {
		out = append(out, *t)
	}
	return out, nil
}

func (m *memoryRunStore) MarkRunCompleted(ctx context.Context, runID string) error {
	return m.UpdateRunStatus(ctx, runID, domain.RunStatusCompleted)
}

func (m *memoryRunStore) MarkRunFailed(ctx context.Context, runID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = domain.RunStatusFailed
	r.FailureReason = reason
	return nil
}

func (m *memoryRunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	return nil
}

var _ domain.RunStore = (*memoryRunStore)(nil)

// recordingBus captures published envelopes.
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

// recordingQueue captures sent execution messages instead of delivering them.
type recordingQueue struct {
	mu   sync.Mutex
	sent []domain.ExecutionMessage
}

func (q *recordingQueue) Send(ctx context.Context, msgs []domain.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, msgs...)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, handler func(context.Context, domain.ExecutionMessage) error) error {
	<-ctx.Done()
	return nil
}

// drain pops every queued message, for tests that pump the BUY phase by hand.
func (q *recordingQueue) drain() []domain.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.sent
	q.sent = nil
	return out
}

// scriptedBroker returns per-symbol scripted results and counts submissions.
type scriptedBroker struct {
	mu          sync.Mutex
	fills       map[string]decimal.Decimal // symbol -> fill price; missing symbol = rejection
	positions   map[string]decimal.Decimal
	prices      map[string]decimal.Decimal
	submissions map[string]int
	equity      decimal.Decimal
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{
		fills:       make(map[string]decimal.Decimal),
		positions:   make(map[string]decimal.Decimal),
		prices:      make(map[string]decimal.Decimal),
		submissions: make(map[string]int),
		equity:      decimal.NewFromInt(100_000),
	}
}

func (b *scriptedBroker) PlaceOrder(ctx context.Context, symbol string, side domain.TradeAction, qty decimal.Decimal, correlationID string, isCompleteExit bool, plannedAmount decimal.Decimal, strategyID string) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submissions[symbol]++
	price, ok := b.fills[symbol]
	if !ok {
		return domain.OrderResult{Success: false, ErrorMessage: "rejected: " + symbol}, nil
	}
	now := time.Now().UTC()
	return domain.OrderResult{
		Success:  true,
		OrderID:  fmt.Sprintf("ord-%s-%d", symbol, b.submissions[symbol]),
		Shares:   qty,
		Price:    &price,
		FilledAt: &now,
	}, nil
}

func (b *scriptedBroker) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qty, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false, nil
	}
	return domain.Position{Symbol: symbol, Qty: qty}, true, nil
}

func (b *scriptedBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	return p, ok, nil
}

func (b *scriptedBroker) GetAccount(ctx context.Context) (domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.Account{Equity: b.equity, Cash: b.equity}, nil
}

func (b *scriptedBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Position
	for sym, qty := range b.positions {
		out = append(out, domain.Position{Symbol: sym, Qty: qty})
	}
	return out, nil
}

func (b *scriptedBroker) submissionCount(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submissions[symbol]
}

var _ domain.Broker = (*scriptedBroker)(nil)

// fixedClock always answers the same way.
type fixedClock struct{ open bool }

func (c fixedClock) IsMarketOpen(ctx context.Context, correlationID string) (bool, error) {
	return c.open, nil
}

// recordingLedger captures filled-order writes.
type recordingLedger struct {
	mu      sync.Mutex
	records []domain.OrderResult
}

func (l *recordingLedger) RecordFilledOrder(ctx context.Context, result domain.OrderResult, correlationID string, attribution domain.StrategyAttribution, quality domain.ExecutionQuality) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, result)
	return nil
}
