package alpaca

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketquant/execcore/internal/domain"
)

// --------------------------------------------------------------------------
// Trading API DTOs
// --------------------------------------------------------------------------

// APIOrder is an order as returned by the trading API. Quantities and prices
// arrive as decimal strings.
type APIOrder struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"` // "buy" or "sell"
	Type           string     `json:"type"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	Status         string     `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
	CanceledAt     *time.Time `json:"canceled_at"`
	FailedAt       *time.Time `json:"failed_at"`
}

// Terminal reports whether the order reached a state it cannot leave.
func (o APIOrder) Terminal() bool {
	switch o.Status {
	case "filled", "canceled", "expired", "rejected", "suspended":
		return true
	default:
		return false
	}
}

// Filled reports whether the order completed with a fill.
func (o APIOrder) Filled() bool {
	return o.Status == "filled"
}

// APIPosition is a held position as returned by the trading API.
type APIPosition struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	MarketValue string `json:"market_value"`
}

// ToDomain converts the DTO, dropping rows with unparseable quantities.
func (p APIPosition) ToDomain() (domain.Position, error) {
	qty, err := decimal.NewFromString(p.Qty)
	if err != nil {
		return domain.Position{}, err
	}
	mv := decimal.Zero
	if p.MarketValue != "" {
		if parsed, mvErr := decimal.NewFromString(p.MarketValue); mvErr == nil {
			mv = parsed
		}
	}
	return domain.Position{Symbol: p.Symbol, Qty: qty, MarketValue: mv}, nil
}

// APIAccount is the account snapshot as returned by the trading API.
type APIAccount struct {
	Equity           string `json:"equity"`
	Cash             string `json:"cash"`
	LongMarketValue  string `json:"long_market_value"`
	ShortMarketValue string `json:"short_market_value"`
}

// ToDomain converts the DTO. Unparseable fields default to zero.
func (a APIAccount) ToDomain() domain.Account {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return domain.Account{
		Equity:           parse(a.Equity),
		Cash:             parse(a.Cash),
		LongMarketValue:  parse(a.LongMarketValue),
		ShortMarketValue: parse(a.ShortMarketValue),
	}
}

// APIClock is the market clock as returned by the trading API.
type APIClock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APILatestTrade is the most recent trade print for a symbol.
type APILatestTrade struct {
	Trade struct {
		Price     decimal.Decimal `json:"p"`
		Size      int64           `json:"s"`
		Timestamp time.Time       `json:"t"`
	} `json:"trade"`
	Symbol string `json:"symbol"`
}
