// Package marketdata maintains the upstream quote feed connection and turns
// raw vendor ticks into normalized, throttled price events, and resolves
// synchronous quote lookups for the trade execution path.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

// ErrQuoteUnavailable is returned when no current quote can be resolved for
// a ticker. Callers must treat it as retryable; the ledger is never touched.
var ErrQuoteUnavailable = errors.New("marketdata: quote unavailable")

// QuoteSource resolves the current bid/ask for a ticker. The trade engine
// calls this synchronously to price an order; the call is bounded by the
// context deadline.
type QuoteSource interface {
	GetQuote(ctx context.Context, ticker string) (*model.Quote, error)
}

// Normalize computes the mid price and returns a complete quote.
// mid = (bid+ask)/2, so bid < mid < ask whenever the spread is positive.
func Normalize(ticker string, bid, ask decimal.Decimal, ts time.Time) model.Quote {
	return model.Quote{
		Ticker:    ticker,
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		Timestamp: ts,
	}
}

// HTTPQuoteSource fetches quotes from the vendor's REST endpoint. Used when
// the engine runs in a separate process from the feed ingest.
type HTTPQuoteSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPQuoteSource creates a REST quote client with a bounded timeout.
func NewHTTPQuoteSource(baseURL, apiKey string) *HTTPQuoteSource {
	return &HTTPQuoteSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type restQuote struct {
	Ticker    string          `json:"ticker"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *HTTPQuoteSource) GetQuote(ctx context.Context, ticker string) (*model.Quote, error) {
	u := fmt.Sprintf("%s/v1/quotes/%s", s.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: vendor returned %d for %s", ErrQuoteUnavailable, resp.StatusCode, ticker)
	}

	var rq restQuote
	if err := json.NewDecoder(resp.Body).Decode(&rq); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if !rq.Bid.IsPositive() || rq.Ask.LessThan(rq.Bid) {
		return nil, fmt.Errorf("%w: bad prices bid=%s ask=%s", ErrQuoteUnavailable, rq.Bid, rq.Ask)
	}

	q := Normalize(rq.Ticker, rq.Bid, rq.Ask, rq.Timestamp)
	return &q, nil
}
