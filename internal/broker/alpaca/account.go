package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// GetAccount returns the account-level equity snapshot.
func (c *Client) GetAccount(ctx context.Context) (domain.Account, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/account", nil)
	if err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: get account: %w", err)
	}
	var account APIAccount
	if err := json.Unmarshal(respBody, &account); err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: decode account: %w", err)
	}
	return account.ToDomain(), nil
}

// GetPosition returns the held position for symbol. The bool is false when
// no position exists, which the broker reports as 404.
func (c *Client) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/positions/"+url.PathEscape(symbol), nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, false, nil
		}
		return domain.Position{}, false, fmt.Errorf("alpaca: get position %s: %w", symbol, err)
	}
	var pos APIPosition
	if err := json.Unmarshal(respBody, &pos); err != nil {
		return domain.Position{}, false, fmt.Errorf("alpaca: decode position: %w", err)
	}
	p, err := pos.ToDomain()
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("alpaca: parse position %s: %w", symbol, err)
	}
	return p, true, nil
}

// GetPositions returns every held position.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: list positions: %w", err)
	}
	var raw []APIPosition
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("alpaca: decode positions: %w", err)
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		pos, convErr := p.ToDomain()
		if convErr != nil {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetCurrentPrice returns the latest trade print for symbol from the data
// API. The bool is false when the symbol has no recent print.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.dataURL, "/v2/stocks/"+url.PathEscape(symbol)+"/trades/latest", nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("alpaca: latest trade %s: %w", symbol, err)
	}
	var latest APILatestTrade
	if err := json.Unmarshal(respBody, &latest); err != nil {
		return decimal.Zero, false, fmt.Errorf("alpaca: decode latest trade: %w", err)
	}
	if latest.Trade.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false, nil
	}
	return latest.Trade.Price, true, nil
}

// IsMarketOpen implements the market clock port via the trading API's clock
// endpoint.
func (c *Client) IsMarketOpen(ctx context.Context, correlationID string) (bool, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/clock", nil)
	if err != nil {
		return false, fmt.Errorf("alpaca: get clock: %w", err)
	}
	var clock APIClock
	if err := json.Unmarshal(respBody, &clock); err != nil {
		return false, fmt.Errorf("alpaca: decode clock: %w", err)
	}
	return clock.IsOpen, nil
}
