package marketdata

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshSymbolParsesBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/SPY/bars", r.URL.Path)
		assert.Equal(t, "key-id", r.Header.Get("APCA-API-KEY-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"symbol": "SPY",
			"bars": [
				{"t": "2026-07-30T04:00:00Z", "o": 448.1, "h": 451.2, "l": 447.9, "c": 450.55, "v": 1000},
				{"t": "2026-07-31T04:00:00Z", "o": 450.6, "h": 452.0, "l": 449.1, "c": 451.25, "v": 1200}
			]
		}`))
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL, "key-id", "secret", nil, 30, slog.Default())
	success, meta, err := r.RefreshSymbol(context.Background(), "SPY")
	require.NoError(t, err)
	assert.True(t, success)
	assert.Equal(t, "2", meta["bars_fetched"])
	assert.Equal(t, "451.25", meta["latest_close"])
}

func TestRefreshSymbolEmptyBarsIsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol": "XYZ", "bars": []}`))
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL, "key-id", "secret", nil, 30, slog.Default())
	success, _, err := r.RefreshSymbol(context.Background(), "XYZ")
	require.Error(t, err)
	assert.False(t, success)
	assert.Contains(t, err.Error(), "no bars")
}

func TestRefreshSymbolSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL, "key-id", "secret", nil, 30, slog.Default())
	_, _, err := r.RefreshSymbol(context.Background(), "SPY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestSeedInitialDataReportsPerSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/stocks/BAD/bars" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"bars": [{"t": "2026-07-31T04:00:00Z", "o": 1, "h": 1, "l": 1, "c": 1.5, "v": 10}]}`))
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL, "key-id", "secret", nil, 30, slog.Default())
	results, err := r.SeedInitialData(context.Background(), []string{"SPY", "BAD"}, 10)
	require.NoError(t, err)
	assert.True(t, results["SPY"])
	assert.False(t, results["BAD"])
}
