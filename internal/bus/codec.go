// Package bus implements the event bus adapter: a Redis Streams
// transport carrying the five closed-union domain events plus the
// execution-queue trade messages, with consumer-group delivery, bounded
// redelivery, and dead-letter routing for poisoned messages.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bracketquant/execcore/internal/domain"
)

// wireEnvelope is the on-the-wire shape of domain.Envelope. Payload is kept
// as raw JSON so decodeEnvelope can pick the concrete Go type to unmarshal
// into based on EventType, then hand back a domain.Event.
type wireEnvelope struct {
	EventID         string           `json:"event_id"`
	EventType       domain.EventType `json:"event_type"`
	CorrelationID   string           `json:"correlation_id"`
	CausationID     string           `json:"causation_id"`
	Timestamp       time.Time        `json:"timestamp"`
	SourceModule    string           `json:"source_module"`
	SourceComponent string           `json:"source_component"`
	Payload         json.RawMessage  `json:"payload"`
}

// encodeEnvelope serializes env, with its typed Payload flattened to raw
// JSON, for transport over a Redis stream field.
func encodeEnvelope(env domain.Envelope) ([]byte, error) {
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal envelope payload: %w", err)
	}
	wire := wireEnvelope{
		EventID:         env.EventID,
		EventType:       env.EventType,
		CorrelationID:   env.CorrelationID,
		CausationID:     env.CausationID,
		Timestamp:       env.Timestamp,
		SourceModule:    env.SourceModule,
		SourceComponent: env.SourceComponent,
		Payload:         payloadJSON,
	}
	return json.Marshal(wire)
}

// decodeEnvelope reverses encodeEnvelope, reconstructing the concrete
// domain.Event implementation named by EventType. An EventType the decoder
// does not recognise is a protocol error (domain.ErrInvalidEnvelope), not a
// silently-dropped message.
func decodeEnvelope(data []byte) (domain.Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return domain.Envelope{}, fmt.Errorf("bus: unmarshal envelope: %w", err)
	}

	payload, err := decodePayload(wire.EventType, wire.Payload)
	if err != nil {
		return domain.Envelope{}, err
	}

	return domain.Envelope{
		EventID:         wire.EventID,
		EventType:       wire.EventType,
		CorrelationID:   wire.CorrelationID,
		CausationID:     wire.CausationID,
		Timestamp:       wire.Timestamp,
		SourceModule:    wire.SourceModule,
		SourceComponent: wire.SourceComponent,
		Payload:         payload,
	}, nil
}

func decodePayload(eventType domain.EventType, raw json.RawMessage) (domain.Event, error) {
	switch eventType {
	case domain.EventTradeExecuted:
		var p domain.TradeExecutedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bus: unmarshal TradeExecuted payload: %w", err)
		}
		return p, nil
	case domain.EventAllTradesCompleted:
		var p domain.AllTradesCompletedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bus: unmarshal AllTradesCompleted payload: %w", err)
		}
		return p, nil
	case domain.EventWorkflowFailed:
		var p domain.WorkflowFailedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bus: unmarshal WorkflowFailed payload: %w", err)
		}
		return p, nil
	case domain.EventMarketDataFetchCompleted:
		var p domain.MarketDataFetchCompletedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bus: unmarshal MarketDataFetchCompleted payload: %w", err)
		}
		return p, nil
	case domain.EventFetchRequested:
		var p domain.FetchRequestedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bus: unmarshal FetchRequested payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("bus: decode envelope: %w: unknown event type %q", domain.ErrInvalidEnvelope, eventType)
	}
}
