package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// Refresher implements domain.MarketDataRefresher against an Alpaca-style
// market-data REST API: it pulls recent daily bars for a symbol and seeds
// the latest close into the price cache so share computation has a fresh
// price without its own round trip.
type Refresher struct {
	baseURL      string
	apiKeyID     string
	apiSecretKey string
	httpClient   *http.Client
	prices       domain.PriceCache
	lookbackDays int
	logger       *slog.Logger
}

// NewRefresher creates a Refresher. baseURL is the data API root, e.g.
// "https://data.alpaca.markets". prices may be nil to skip cache seeding.
func NewRefresher(baseURL, apiKeyID, apiSecretKey string, prices domain.PriceCache, lookbackDays int, logger *slog.Logger) *Refresher {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &Refresher{
		baseURL:      baseURL,
		apiKeyID:     apiKeyID,
		apiSecretKey: apiSecretKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		prices:       prices,
		lookbackDays: lookbackDays,
		logger:       logger.With(slog.String("component", "market_data_refresher")),
	}
}

// apiBar is the wire shape of one daily bar. Prices decode as json.Number so
// they reach decimal.NewFromString without a float64 round trip.
type apiBar struct {
	Timestamp time.Time   `json:"t"`
	Open      json.Number `json:"o"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Close     json.Number `json:"c"`
	Volume    int64       `json:"v"`
}

type barsResponse struct {
	Bars          []apiBar `json:"bars"`
	Symbol        string   `json:"symbol"`
	NextPageToken *string  `json:"next_page_token"`
}

// RefreshSymbol fetches recent daily bars for symbol and seeds the latest
// close into the price cache. The metadata map reports "bars_fetched" and
// "latest_close" for the completion event.
func (r *Refresher) RefreshSymbol(ctx context.Context, symbol string) (bool, map[string]string, error) {
	bars, err := r.fetchBars(ctx, symbol, r.lookbackDays)
	if err != nil {
		return false, nil, err
	}
	if len(bars) == 0 {
		return false, nil, fmt.Errorf("%w: %s: no bars returned", domain.ErrMarketDataUnavailable, symbol)
	}

	latest := bars[len(bars)-1]
	closePrice, err := decimal.NewFromString(latest.Close.String())
	if err != nil {
		return false, nil, fmt.Errorf("marketdata: parse close %q for %s: %w", latest.Close, symbol, err)
	}

	if r.prices != nil {
		if cacheErr := r.prices.SetPrice(ctx, symbol, closePrice, latest.Timestamp); cacheErr != nil {
			r.logger.WarnContext(ctx, "price cache seed failed",
				slog.String("symbol", symbol),
				slog.String("error", cacheErr.Error()))
		}
	}

	return true, map[string]string{
		"bars_fetched": strconv.Itoa(len(bars)),
		"latest_close": closePrice.String(),
	}, nil
}

// SeedInitialData refreshes each symbol with the given lookback, reporting
// per-symbol success. A failed symbol does not abort the rest.
func (r *Refresher) SeedInitialData(ctx context.Context, symbols []string, lookbackDays int) (map[string]bool, error) {
	if lookbackDays <= 0 {
		lookbackDays = r.lookbackDays
	}
	out := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		bars, err := r.fetchBars(ctx, symbol, lookbackDays)
		if err != nil {
			r.logger.WarnContext(ctx, "seed failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
			out[symbol] = false
			continue
		}
		out[symbol] = len(bars) > 0
		if len(bars) > 0 && r.prices != nil {
			latest := bars[len(bars)-1]
			if closePrice, perr := decimal.NewFromString(latest.Close.String()); perr == nil {
				_ = r.prices.SetPrice(ctx, symbol, closePrice, latest.Timestamp)
			}
		}
	}
	return out, nil
}

func (r *Refresher) fetchBars(ctx context.Context, symbol string, lookbackDays int) ([]apiBar, error) {
	start := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("start", start.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(lookbackDays+10))

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", r.baseURL, url.PathEscape(symbol), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: build bars request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", r.apiKeyID)
	req.Header.Set("APCA-API-SECRET-KEY", r.apiSecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketdata: fetch bars %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("marketdata: read bars response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketdata: bars %s: status %d: %s", symbol, resp.StatusCode, string(body))
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("marketdata: decode bars response: %w", err)
	}
	return parsed.Bars, nil
}

// Compile-time interface check.
var _ domain.MarketDataRefresher = (*Refresher)(nil)
