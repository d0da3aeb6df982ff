package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VolatilityReading is a volatility index observation, either per ticker or
// the market-wide VIX
type VolatilityReading struct {
	Value decimal.Decimal
	AsOf  time.Time
}

// MarketClient fetches volatility signals from the market data provider
type MarketClient struct {
	t *transport
}

// NewMarketClient creates a market data client
func NewMarketClient(baseURL, apiKey string) *MarketClient {
	return &MarketClient{t: newTransport(baseURL, apiKey, "market")}
}

type volatilityResponse struct {
	Value string `json:"value"`
	AsOf  string `json:"as_of"`
}

func (c *MarketClient) fetchReading(ctx context.Context, path string) (*VolatilityReading, error) {
	var resp volatilityResponse
	if err := c.t.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("market: malformed value %q: %w", resp.Value, err)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("market: negative volatility %s", value)
	}

	asOf, err := time.Parse(time.RFC3339, resp.AsOf)
	if err != nil {
		return nil, fmt.Errorf("market: malformed as_of %q: %w", resp.AsOf, err)
	}

	return &VolatilityReading{Value: value, AsOf: asOf}, nil
}

// GetTickerVolatility fetches the volatility index for a single ticker
func (c *MarketClient) GetTickerVolatility(ctx context.Context, ticker string) (*VolatilityReading, error) {
	return c.fetchReading(ctx, "/volatility/"+ticker)
}

// GetMarketVIX fetches the market-wide volatility index
func (c *MarketClient) GetMarketVIX(ctx context.Context) (*VolatilityReading, error) {
	return c.fetchReading(ctx, "/vix")
}
