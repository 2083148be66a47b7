// Package domain holds the core types and port interfaces for the
// distributed execution coordinator: runs, trades, fetch locks, and the
// event envelopes that flow between components. Nothing in this package
// talks to a database, a queue, or a broker; those live behind the
// interfaces in ports.go.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase identifies which leg of a two-phase rebalance a trade or run is in.
// ALL marks single-phase runs where every trade executes without a SELL/BUY
// ordering constraint.
type Phase string

const (
	PhaseSell Phase = "SELL"
	PhaseBuy  Phase = "BUY"
	PhaseAll  Phase = "ALL"
)

// RunStatus tracks the lifecycle of a rebalance run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "PENDING"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusAggregating RunStatus = "AGGREGATING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
)

// TradeAction is the side of a trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TradeStatus tracks the execution lifecycle of a single trade row.
type TradeStatus string

const (
	TradeStatusBuffered TradeStatus = "BUFFERED" // BUY trade not yet enqueued
	TradeStatusPending  TradeStatus = "PENDING"
	TradeStatusRunning  TradeStatus = "RUNNING"
	TradeStatusComplete TradeStatus = "COMPLETED"
	TradeStatusFailed   TradeStatus = "FAILED"
	TradeStatusSkipped  TradeStatus = "SKIPPED"
)

// Terminal reports whether a trade in this status is done and may never be
// mutated again (invariant: a terminal trade row is never re-written).
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusComplete, TradeStatusFailed, TradeStatusSkipped:
		return true
	default:
		return false
	}
}

// Run is the unit of one rebalance-plan execution. Totals and counters are
// owned exclusively by the run state store; everything else holds only read
// snapshots plus conditional-update intents.
type Run struct {
	RunID         string
	PlanID        string
	CorrelationID string

	TotalTrades int
	SellTotal   int
	BuyTotal    int

	CompletedTrades int
	SellCompleted   int
	BuyCompleted    int
	SucceededTrades int
	FailedTrades    int
	SkippedTrades   int

	SellFailedAmount    decimal.Decimal
	SellSucceededAmount decimal.Decimal
	BuySucceededAmount  decimal.Decimal

	Phase              Phase
	Status             RunStatus
	AggregationClaimed bool
	FailureReason      string

	StrategyMetadata map[string]any
	DataFreshness    map[string]any
	PlanSummary      map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade is one intent to buy or sell one symbol within a Run.
type Trade struct {
	RunID          string
	TradeID        string
	Symbol         string
	Action         TradeAction
	Phase          Phase
	SequenceNumber int64

	TradeAmount       decimal.Decimal // signed dollars
	Shares            *decimal.Decimal
	EstimatedPrice    *decimal.Decimal
	TargetWeight      decimal.Decimal
	IsFullLiquidation bool
	StrategyID        string
	CorrelationID     string

	Status       TradeStatus
	OrderID      string
	FilledShares decimal.Decimal
	FillPrice    decimal.Decimal
	FilledAt     *time.Time
	ErrorMessage string

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AbsAmount returns the absolute value of TradeAmount, the quantity the
// guard accumulators track.
func (t Trade) AbsAmount() decimal.Decimal {
	return t.TradeAmount.Abs()
}

// FetchLock is the single-writer admission row for one symbol's on-demand
// market-data refresh.
type FetchLock struct {
	Symbol              string
	RequestingStage     string
	RequestingComponent string
	CorrelationID       string
	AcquiredAt          time.Time
	CooldownUntil       time.Time
}

// TradeOutcome is what a worker reports back to the store when a trade
// reaches a terminal state.
type TradeOutcome struct {
	Status       TradeStatus
	OrderID      string
	FilledShares decimal.Decimal
	FillPrice    decimal.Decimal
	FilledAt     time.Time
	ErrorMessage string
	Phase        Phase
	// Amount is |trade_amount|; for SELL outcomes it is added to
	// sell_succeeded_amount or sell_failed_amount depending on Status.
	Amount decimal.Decimal
}

// CompletionSnapshot is returned by MarkTradeCompleted in the same
// transaction that wrote the outcome, so the phase coordinator can make its
// decision without a second round trip.
type CompletionSnapshot struct {
	RunID             string
	CurrentPhase      Phase
	SellPhaseComplete bool
	SellCompleted     int
	SellTotal         int
	BuyTotal          int
	CompletedTrades   int
	TotalTrades       int

	SellFailedAmount    decimal.Decimal
	SellSucceededAmount decimal.Decimal
}

// EquityCheckResult is the outcome of the BUY cumulative-equity guard.
type EquityCheckResult struct {
	Allowed                bool
	CumulativeBuySucceeded decimal.Decimal
	MaxEquityLimit         decimal.Decimal
}
