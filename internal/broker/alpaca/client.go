// Package alpaca is the REST client behind the Broker port: order
// placement, position and account reads, quote lookups, and the market
// clock, against an Alpaca-style equities brokerage API. Authentication is
// static API-key headers on every request.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bracketquant/execcore/internal/domain"
)

// Client is the REST client for the brokerage trading and data APIs.
type Client struct {
	tradingURL string
	dataURL    string
	keyID      string
	secretKey  string
	httpClient *http.Client

	// pollInterval and pollTimeout bound the fill-polling loop after an
	// order is accepted.
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// Config carries the connection parameters for a Client.
type Config struct {
	// TradingURL is the trading API root, e.g.
	// "https://paper-api.alpaca.markets".
	TradingURL string
	// DataURL is the market-data API root, e.g.
	// "https://data.alpaca.markets". Defaults to the public data host.
	DataURL   string
	KeyID     string
	SecretKey string
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	dataURL := cfg.DataURL
	if dataURL == "" {
		dataURL = "https://data.alpaca.markets"
	}
	return &Client{
		tradingURL: cfg.TradingURL,
		dataURL:    dataURL,
		keyID:      cfg.KeyID,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 250 * time.Millisecond,
		pollTimeout:  8 * time.Second,
	}
}

// doRequest performs an authenticated request against base+path, marshalling
// body (when non-nil) as JSON, and returns the raw response body. Non-2xx
// statuses are returned as errors carrying the response text.
func (c *Client) doRequest(ctx context.Context, method, base, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("alpaca: marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("alpaca: build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("alpaca: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("alpaca: %s %s: %w", method, path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("alpaca: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Compile-time interface checks.
var (
	_ domain.Broker      = (*Client)(nil)
	_ domain.MarketClock = (*Client)(nil)
)
