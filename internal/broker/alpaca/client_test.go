package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		TradingURL: srv.URL,
		DataURL:    srv.URL,
		KeyID:      "key-id",
		SecretKey:  "secret",
	})
	c.pollInterval = time.Millisecond
	c.pollTimeout = 100 * time.Millisecond
	return c, srv
}

func TestPlaceOrderPollsToFill(t *testing.T) {
	var polls atomic.Int32
	filledAt := time.Date(2026, 7, 31, 14, 30, 1, 0, time.UTC)
	price := "450.25"

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-id", r.Header.Get("APCA-API-KEY-ID"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sell", body["side"])
		assert.Equal(t, "market", body["type"])
		assert.Equal(t, "100", body["qty"])
		json.NewEncoder(w).Encode(APIOrder{ID: "ord-1", Symbol: "SPY", Status: "accepted", Qty: "100"})
	})
	mux.HandleFunc("GET /v2/orders/ord-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			json.NewEncoder(w).Encode(APIOrder{ID: "ord-1", Status: "partially_filled", Qty: "100", FilledQty: "40"})
			return
		}
		json.NewEncoder(w).Encode(APIOrder{
			ID: "ord-1", Status: "filled", Qty: "100",
			FilledQty: "100", FilledAvgPrice: &price, FilledAt: &filledAt,
		})
	})

	c, _ := testClient(t, mux)
	result, err := c.PlaceOrder(context.Background(), "SPY", domain.ActionSell,
		decimal.NewFromInt(100), "corr-1", false, decimal.NewFromInt(45000), "momentum")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ord-1", result.OrderID)
	assert.True(t, result.Shares.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, result.Price)
	assert.True(t, result.Price.Equal(decimal.RequireFromString("450.25")))
	// Planned 45000/100 = 450.00; filled at 450.25 -> ~5.56 bps.
	assert.True(t, result.SlippageBps.Equal(decimal.RequireFromString("5.56")))
}

func TestPlaceOrderRejectionIsNonSuccessNotError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIOrder{ID: "ord-2", Status: "rejected", Qty: "10"})
	})

	c, _ := testClient(t, mux)
	result, err := c.PlaceOrder(context.Background(), "SPY", domain.ActionBuy,
		decimal.NewFromInt(10), "corr-2", false, decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "rejected")
}

func TestGetPositionMissingIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/positions/SPY", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"position does not exist"}`, http.StatusNotFound)
	})

	c, _ := testClient(t, mux)
	_, found, err := c.GetPosition(context.Background(), "SPY")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetPositionParsesQty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/positions/SPY", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"SPY","qty":"33.5","market_value":"15000.25"}`))
	})

	c, _ := testClient(t, mux)
	pos, found, err := c.GetPosition(context.Background(), "SPY")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, pos.Qty.Equal(decimal.RequireFromString("33.5")))
}

func TestGetCurrentPriceFromLatestTrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/QQQ/trades/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"QQQ","trade":{"p":380.55,"s":10,"t":"2026-07-31T14:30:00Z"}}`))
	})

	c, _ := testClient(t, mux)
	price, found, err := c.GetCurrentPrice(context.Background(), "QQQ")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, price.Equal(decimal.RequireFromString("380.55")))
}

func TestIsMarketOpen(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clock", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_open":true,"next_open":"2026-08-03T13:30:00Z","next_close":"2026-07-31T20:00:00Z"}`))
	})

	c, _ := testClient(t, mux)
	open, err := c.IsMarketOpen(context.Background(), "corr")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestGetAccountParsesEquity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/account", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"equity":"100000.50","cash":"25000","long_market_value":"75000.50","short_market_value":"0"}`))
	})

	c, _ := testClient(t, mux)
	account, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, account.Equity.Equal(decimal.RequireFromString("100000.50")))
	assert.True(t, account.Cash.Equal(decimal.NewFromInt(25000)))
}
