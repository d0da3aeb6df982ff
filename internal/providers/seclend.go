package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/pricing"
)

// ErrNoBorrow reports that the lending venue has no rate for the ticker.
// A "rate not available" response is never surfaced as a silent zero rate.
var ErrNoBorrow = errors.New("no borrow rate available for ticker")

// BorrowQuote is a borrow rate observation from the lending venue
type BorrowQuote struct {
	Rate   decimal.Decimal
	Status pricing.BorrowStatus
	AsOf   time.Time
}

// SecLendClient fetches borrow rates and locate difficulty from the
// securities lending venue
type SecLendClient struct {
	t *transport
}

// NewSecLendClient creates a SecLend client
func NewSecLendClient(baseURL, apiKey string) *SecLendClient {
	return &SecLendClient{t: newTransport(baseURL, apiKey, "seclend")}
}

type borrowResponse struct {
	Rate   string `json:"rate"`
	Status string `json:"status"`
	AsOf   string `json:"as_of"`
}

// GetBorrow fetches the current borrow rate and status for a ticker.
// A 404 from the venue maps to ErrNoBorrow.
func (c *SecLendClient) GetBorrow(ctx context.Context, ticker string) (*BorrowQuote, error) {
	var resp borrowResponse
	if err := c.t.getJSON(ctx, "/borrows/"+ticker, &resp); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNoBorrow, ticker)
		}
		return nil, err
	}

	if resp.Rate == "" {
		return nil, fmt.Errorf("%w: %s: empty rate field", ErrNoBorrow, ticker)
	}

	rate, err := decimal.NewFromString(resp.Rate)
	if err != nil {
		return nil, fmt.Errorf("seclend: malformed rate %q: %w", resp.Rate, err)
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("seclend: negative rate %s for %s", rate, ticker)
	}

	status := pricing.BorrowStatus(resp.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("seclend: unknown borrow status %q for %s", resp.Status, ticker)
	}

	asOf, err := time.Parse(time.RFC3339, resp.AsOf)
	if err != nil {
		return nil, fmt.Errorf("seclend: malformed as_of %q: %w", resp.AsOf, err)
	}

	return &BorrowQuote{Rate: rate, Status: status, AsOf: asOf}, nil
}
