package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType discriminates the envelope payloads the core consumes and
// emits. The set is closed and stable, so a switch over EventType (rather
// than an open string-keyed handler registry) is the idiomatic dispatch
// mechanism throughout bus and execution code.
type EventType string

const (
	EventTradeExecuted            EventType = "TradeExecuted"
	EventAllTradesCompleted       EventType = "AllTradesCompleted"
	EventWorkflowFailed           EventType = "WorkflowFailed"
	EventMarketDataFetchCompleted EventType = "MarketDataFetchCompleted"
	EventFetchRequested           EventType = "FetchRequested"
)

// Failure steps carried on WorkflowFailed envelopes.
const (
	FailureStepSellPhaseGuard     = "SELL_PHASE_GUARD"
	FailureStepEquityCircuitBreak = "EQUITY_CIRCUIT_BREAKER"
	FailureStepRunLookup          = "run_lookup"
	FailureStepAggregation        = "aggregation"
)

// Event is implemented by every typed payload so an Envelope can carry any
// of the five event kinds while still being a closed sum type.
type Event interface {
	Kind() EventType
}

// Envelope is the transport wrapper shared by every event: these fields are
// stamped exactly once, regardless of which bus/queue moves the event.
type Envelope struct {
	EventID         string
	EventType       EventType
	CorrelationID   string
	CausationID     string
	Timestamp       time.Time
	SourceModule    string
	SourceComponent string
	Payload         Event
}

// NewEnvelope wraps payload in a fully-tagged Envelope: fresh event_id, the
// payload's kind, and the correlation/causation chain. Components construct
// every outbound event through this so the envelope fields are stamped
// exactly once.
func NewEnvelope(payload Event, correlationID, causationID, sourceModule, sourceComponent string) Envelope {
	return Envelope{
		EventID:         uuid.New().String(),
		EventType:       payload.Kind(),
		CorrelationID:   correlationID,
		CausationID:     causationID,
		Timestamp:       time.Now().UTC(),
		SourceModule:    sourceModule,
		SourceComponent: sourceComponent,
		Payload:         payload,
	}
}

// TradeExecutedPayload is emitted exactly once per terminal trade.
type TradeExecutedPayload struct {
	RunID          string
	TradeID        string
	Symbol         string
	Action         TradeAction
	Phase          Phase
	Success        bool
	Skipped        bool
	OrderID        string
	SharesExecuted decimal.Decimal
	Price          *decimal.Decimal
	ErrorMessage   string
	Metadata       map[string]string
}

func (TradeExecutedPayload) Kind() EventType { return EventTradeExecuted }

// AllTradesCompletedPayload is emitted exactly once per run by the winner of
// the aggregation claim.
type AllTradesCompletedPayload struct {
	RunID                  string
	TotalTrades            int
	SucceededTrades        int
	FailedTrades           int
	SkippedTrades          int
	SellTotal              int
	BuyTotal               int
	SuccessSymbols         []string
	FailedSymbols          []string
	NonFractionableSkipped []string
	StrategyAttribution    map[string]decimal.Decimal
	PortfolioSnapshot      *PortfolioSnapshot
	PnL                    *PnLSummary
	StartedAt              time.Time
	CompletedAt            time.Time
}

func (AllTradesCompletedPayload) Kind() EventType { return EventAllTradesCompleted }

// WorkflowFailedPayload marks a run as terminally failed at a named step.
type WorkflowFailedPayload struct {
	RunID        string
	FailureStep  string
	ErrorDetails map[string]string
}

func (WorkflowFailedPayload) Kind() EventType { return EventWorkflowFailed }

// MarketDataFetchCompletedPayload is published once per fetch-request,
// whether it performed a real fetch or was deduplicated.
type MarketDataFetchCompletedPayload struct {
	Symbol          string
	CorrelationID   string
	WasDeduplicated bool
	Success         bool
	BarsFetched     int
	ErrorMessage    string
}

func (MarketDataFetchCompletedPayload) Kind() EventType { return EventMarketDataFetchCompleted }

// FetchRequestedPayload is the inbound market-data demand event C3 consumes.
type FetchRequestedPayload struct {
	CorrelationID       string
	Symbol              string
	RequestingStage     string
	RequestingComponent string
	LookbackDays        int
}

func (FetchRequestedPayload) Kind() EventType { return EventFetchRequested }

// PortfolioSnapshot is the optional broker-account enrichment captured at
// aggregation time.
type PortfolioSnapshot struct {
	Equity           decimal.Decimal
	Cash             decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal
}

// PnLSummary is the optional P&L enrichment captured at aggregation time.
type PnLSummary struct {
	MonthlyPnL decimal.Decimal
	PeriodPnL  decimal.Decimal
	Period     string
}

// ExecutionMessage is one trade intent delivered on the execution queue:
// the wire shape a worker parses into a domain.Trade.
type ExecutionMessage struct {
	RunID             string
	TradeID           string
	PlanID            string
	CorrelationID     string
	Symbol            string
	Action            TradeAction
	Phase             Phase
	TradeAmount       decimal.Decimal
	Shares            *decimal.Decimal
	EstimatedPrice    *decimal.Decimal
	TargetWeight      decimal.Decimal
	IsFullLiquidation bool
	StrategyID        string
	SequenceNumber    int64
	Metadata          map[string]string
}
