package bus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	price := decimal.NewFromFloat(123.45)
	env := domain.Envelope{
		EventID:         "evt-1",
		EventType:       domain.EventTradeExecuted,
		CorrelationID:   "corr-1",
		CausationID:     "cause-1",
		Timestamp:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SourceModule:    "execution",
		SourceComponent: "worker",
		Payload: domain.TradeExecutedPayload{
			RunID:          "run-1",
			TradeID:        "trade-1",
			Symbol:         "AAPL",
			Action:         domain.ActionBuy,
			Phase:          domain.PhaseBuy,
			Success:        true,
			SharesExecuted: decimal.NewFromInt(10),
			Price:          &price,
		},
	}

	data, err := encodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp))

	payload, ok := decoded.Payload.(domain.TradeExecutedPayload)
	require.True(t, ok)
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "AAPL", payload.Symbol)
	assert.True(t, payload.Price.Equal(price))
}

func TestDecodeEnvelopeUnknownEventTypeErrors(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"event_type":"Bogus","payload":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)
}

func TestGroupNameForKindsIsOrderIndependent(t *testing.T) {
	a := groupNameForKinds([]domain.EventType{domain.EventTradeExecuted, domain.EventWorkflowFailed})
	b := groupNameForKinds([]domain.EventType{domain.EventWorkflowFailed, domain.EventTradeExecuted})
	assert.Equal(t, a, b)
}
