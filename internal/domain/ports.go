package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RunStore is the conditional-write persistence contract for run and trade
// state. Every method either durably applies its mutation and returns
// nil, or returns an error and applies nothing. Callers treat a failed
// conditional-update predicate as ErrConflict, a normal race outcome rather
// than a fault.
type RunStore interface {
	// CreateRun persists a new run with its trades in PENDING (or BUFFERED
	// for BUY-phase trades when phase starts at SELL). It is idempotent:
	// calling it twice with the same run_id returns ErrAlreadyExists on the
	// second call without mutating anything.
	CreateRun(ctx context.Context, run Run, trades []Trade) error

	GetRun(ctx context.Context, runID string) (Run, error)
	GetTrade(ctx context.Context, runID, tradeID string) (Trade, error)

	// MarkTradeStarted transitions PENDING -> RUNNING. Returns ErrConflict
	// if the trade is not currently PENDING.
	MarkTradeStarted(ctx context.Context, runID, tradeID string) error

	// MarkTradeCompleted writes the terminal outcome fields (only if the
	// row is not already terminal), increments completed_trades and the
	// phase-scoped counter, and for SELL trades adds the outcome amount to
	// the succeeded/failed accumulator — all in one transaction. It returns
	// the post-update snapshot so the caller can drive the phase check
	// without a second read.
	MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome TradeOutcome) (CompletionSnapshot, error)

	GetPendingBuyTrades(ctx context.Context, runID string) ([]Trade, error)
	MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error

	// TransitionToBuyPhase conditionally flips phase SELL->BUY. Only the
	// single winner of the race receives true.
	TransitionToBuyPhase(ctx context.Context, runID string) (bool, error)

	// TryClaimAggregation conditionally flips aggregation_claimed
	// false->true. Only the single winner receives true.
	TryClaimAggregation(ctx context.Context, runID string) (bool, error)

	CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedBuyValue decimal.Decimal) (EquityCheckResult, error)

	GetAllTradeResults(ctx context.Context, runID string) ([]Trade, error)

	MarkRunCompleted(ctx context.Context, runID string) error
	MarkRunFailed(ctx context.Context, runID string, reason string) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
}

// AcquireResult is returned by FetchLockStore.TryAcquire.
type AcquireResult struct {
	CanProceed          bool
	ExistingRequestTime time.Time
	CooldownRemaining   time.Duration
}

// FetchLockStore implements the single-writer admission for concurrent
// market-data refresh requests.
type FetchLockStore interface {
	// TryAcquire succeeds iff no row exists for symbol, or the existing
	// row's cooldown has elapsed. On success it writes cooldown_until =
	// now + cooldown and returns CanProceed=true.
	TryAcquire(ctx context.Context, symbol, stage, component, correlationID string, cooldown time.Duration) (AcquireResult, error)

	// Release is a best-effort clear used on failure paths; correctness
	// never depends on it because the cooldown provides time-based release.
	Release(ctx context.Context, symbol, correlationID string) error
}

// EventBus publishes and delivers the five domain event kinds with
// at-least-once delivery. Ordering is not guaranteed.
type EventBus interface {
	Publish(ctx context.Context, env Envelope) error

	// Subscribe delivers every envelope of the given kinds to handler,
	// acknowledging on nil error and routing to the dead-letter sink after
	// the bounded retry count on a returned error. A single poisoned
	// message never blocks the rest of the batch. Subscribe blocks until
	// ctx is cancelled.
	Subscribe(ctx context.Context, kinds []EventType, handler func(context.Context, Envelope) error) error
}

// ExecutionQueue carries ExecutionMessage trade intents from the planner to
// C4 workers and from C5's BUY enqueue step back onto the same transport.
type ExecutionQueue interface {
	Send(ctx context.Context, msgs []ExecutionMessage) error

	// Consume delivers messages to handler until ctx is cancelled, with the
	// same batch-isolation and dead-letter semantics as EventBus.Subscribe.
	Consume(ctx context.Context, handler func(context.Context, ExecutionMessage) error) error
}

// Position is a broker-reported held quantity for one symbol.
type Position struct {
	Symbol      string
	Qty         decimal.Decimal
	MarketValue decimal.Decimal
}

// Account is the broker's account-level snapshot.
type Account struct {
	Equity           decimal.Decimal
	Cash             decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal
}

// OrderResult is the broker's response to a submitted order.
type OrderResult struct {
	Success      bool
	OrderID      string
	Symbol       string
	Side         TradeAction
	Shares       decimal.Decimal
	Price        *decimal.Decimal
	OrderType    string
	FilledAt     *time.Time
	ErrorMessage string

	// Execution-quality fields captured for the trade ledger.
	SlippageBps    decimal.Decimal
	SubmitToFillMs int64
}

// Broker is the collaborator contract for order placement and account/
// position reads. It is consumed, not implemented, by the execution
// pipeline.
type Broker interface {
	PlaceOrder(ctx context.Context, symbol string, side TradeAction, qty decimal.Decimal, correlationID string, isCompleteExit bool, plannedAmount decimal.Decimal, strategyID string) (OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (Position, bool, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
}

// MarketClock answers whether the market is currently open.
type MarketClock interface {
	IsMarketOpen(ctx context.Context, correlationID string) (bool, error)
}

// ExecutionQuality is recorded alongside a filled order on the trade ledger.
type ExecutionQuality struct {
	SlippageBps    decimal.Decimal
	SubmitToFillMs int64
	AttemptCount   int
}

// StrategyAttribution is opaque strategy-accounting context passed through
// to the ledger, unused by the core beyond pass-through.
type StrategyAttribution struct {
	StrategyID string
	RunID      string
	TradeID    string
}

// TradeLedger persists filled-order rows with execution-quality metrics.
// Persistence failures here are logged, never fatal to the trade.
type TradeLedger interface {
	RecordFilledOrder(ctx context.Context, result OrderResult, correlationID string, attribution StrategyAttribution, quality ExecutionQuality) error
}

// Fill is one recorded filled-order row from the trade ledger.
type Fill struct {
	ID             int64
	OrderID        string
	Symbol         string
	Side           TradeAction
	Qty            decimal.Decimal
	Price          decimal.Decimal
	RunID          string
	TradeID        string
	StrategyID     string
	CorrelationID  string
	SlippageBps    decimal.Decimal
	SubmitToFillMs int64
	AttemptCount   int
	FilledAt       time.Time
	CreatedAt      time.Time
}

// PnLService is the external P&L collaborator consumed at aggregation time.
type PnLService interface {
	GetMonthlyPnL(ctx context.Context) (decimal.Decimal, error)
	GetPeriodPnL(ctx context.Context, period string) (decimal.Decimal, error)
}

// MarketDataRefresher performs the real market-data fetch behind the
// fetch-lock and the initial seed used by other (out-of-core) stages.
type MarketDataRefresher interface {
	RefreshSymbol(ctx context.Context, symbol string) (bool, map[string]string, error)
	SeedInitialData(ctx context.Context, symbols []string, lookbackDays int) (map[string]bool, error)
}

// PriceCache provides a fast secondary price lookup used by share
// computation when no estimated price is supplied on the trade.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// RateLimiter provides distributed rate limiting in front of broker calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// ListOpts bounds an AuditStore.List query.
type ListOpts struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// AuditEntry is one row of the append-only operational audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is an append-only log of operational events (guard trips,
// phase transitions, aggregation claims) kept independently of the Run
// State Store so it survives run archival.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
