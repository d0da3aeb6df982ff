package providers

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// CorporateEvent is a scheduled event that raises borrow risk for a ticker
// (earnings, dividends, splits, regulatory decisions)
type CorporateEvent struct {
	Type       string    `json:"type"`
	EventDate  time.Time `json:"event_date"`
	RiskFactor int       `json:"risk_factor"` // 0..10
}

// EventClient fetches the corporate event calendar
type EventClient struct {
	t *transport
}

// NewEventClient creates an event calendar client
func NewEventClient(baseURL, apiKey string) *EventClient {
	return &EventClient{t: newTransport(baseURL, apiKey, "events")}
}

type eventResponse struct {
	Type       string `json:"type"`
	EventDate  string `json:"event_date"`
	RiskFactor int    `json:"risk_factor"`
}

// GetEvents fetches events for a ticker within the given forward window.
// Risk factors outside 0..10 are rejected rather than clamped.
func (c *EventClient) GetEvents(ctx context.Context, ticker string, windowDays int) ([]CorporateEvent, error) {
	var resp []eventResponse
	path := "/events/" + ticker + "?window=" + strconv.Itoa(windowDays)
	if err := c.t.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	events := make([]CorporateEvent, 0, len(resp))
	for _, e := range resp {
		if e.RiskFactor < 0 || e.RiskFactor > 10 {
			return nil, fmt.Errorf("events: risk factor %d out of range for %s event %q", e.RiskFactor, ticker, e.Type)
		}

		date, err := time.Parse("2006-01-02", e.EventDate)
		if err != nil {
			// Some venues send full timestamps
			date, err = time.Parse(time.RFC3339, e.EventDate)
			if err != nil {
				return nil, fmt.Errorf("events: malformed event_date %q: %w", e.EventDate, err)
			}
		}

		events = append(events, CorporateEvent{
			Type:       e.Type,
			EventDate:  date,
			RiskFactor: e.RiskFactor,
		})
	}

	return events, nil
}
