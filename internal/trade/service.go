// Package trade implements the trade execution engine: it validates an
// order, resolves its execution price from a live quote, and applies it to
// the portfolio ledger as a single atomic unit of work.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/marketdata"
	"github.com/papervest/trading-engine/internal/metrics"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
)

var (
	// ErrInvalidQuantity rejects non-positive order quantities before any
	// ledger access.
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")

	// ErrInvalidAction rejects actions other than buy/sell.
	ErrInvalidAction = errors.New("trade: action must be buy or sell")

	// ErrMarketClosed is returned when the injected market-hours gate says
	// trading is not allowed. The gate's decision is an external input; the
	// engine only enforces it as a precondition.
	ErrMarketClosed = errors.New("trade: market is closed")

	// ErrUnknownSegment is returned when the requested segment does not
	// resolve for the user.
	ErrUnknownSegment = errors.New("trade: segment not resolvable for user")
)

// exchangeTZ is the exchange-local timezone used for calendar-day
// bucketing of day trades.
var exchangeTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// dayTradeWindowDays is the trailing calendar window for the day-trade
// count. Seven calendar days safely over-covers the 5-business-day
// regulatory window.
const dayTradeWindowDays = 7

// MarketHours gates trading. Whether the market is open is decided by an
// external collaborator (exchange calendar service); nil means always open.
type MarketHours interface {
	IsOpen(t time.Time) bool
}

// Service executes trades against the ledger. Concurrent calls for the same
// user serialize on a per-user lock so cash/quantity checks and their
// mutations are never interleaved; unrelated users proceed in parallel.
type Service struct {
	store  store.Store
	quotes marketdata.QuoteSource
	hours  MarketHours
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewService creates a trade execution engine. hours may be nil.
func NewService(st store.Store, quotes marketdata.QuoteSource, hours MarketHours) *Service {
	return &Service{
		store:  st,
		quotes: quotes,
		hours:  hours,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// ExecuteRequest is one order to execute.
type ExecuteRequest struct {
	UserID    string
	Segment   model.Segment // zero value → the user's main segment
	Ticker    string
	Action    string // model.ActionBuy or model.ActionSell
	Quantity  decimal.Decimal
	Rationale string
}

// ExecuteResult reports a filled order.
type ExecuteResult struct {
	TradeID       string          `json:"trade_id"`
	Ticker        string          `json:"ticker"`
	Action        string          `json:"action"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExecutedAt    time.Time       `json:"executed_at"`
	DayTradeCount int             `json:"day_trade_count"`
}

// Execute validates the order, resolves its price from the current quote
// (buys fill at the ask, sells at the bid — never at mid; the spread is the
// platform's simulated trading cost), and applies it atomically. A failure
// at any step leaves the ledger untouched.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	// Validation errors: rejected before any ledger access.
	if err := model.ValidateTicker(req.Ticker); err != nil {
		return nil, err
	}
	if req.Action != model.ActionBuy && req.Action != model.ActionSell {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	if s.hours != nil && !s.hours.IsOpen(s.now()) {
		metrics.TradeRejections.WithLabelValues("market_closed").Inc()
		return nil, ErrMarketClosed
	}

	seg, err := s.resolveSegment(ctx, req)
	if err != nil {
		return nil, err
	}

	// Synchronous quote fetch: an acceptable bounded blocking point. A
	// failure here is retryable and mutates nothing.
	quote, err := s.quotes.GetQuote(ctx, req.Ticker)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("quote_unavailable").Inc()
		return nil, err
	}

	price := quote.Ask
	if req.Action == model.ActionSell {
		price = quote.Bid
	}

	t := &model.Trade{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Segment:    seg,
		Ticker:     req.Ticker,
		Action:     req.Action,
		Quantity:   req.Quantity,
		Price:      price,
		Rationale:  req.Rationale,
		ExecutedAt: s.now().UTC(),
	}

	start := time.Now()
	unlock := s.lockUser(req.UserID)
	defer unlock()

	if req.Action == model.ActionBuy {
		err = s.store.ExecuteBuy(ctx, t)
	} else {
		err = s.store.ExecuteSell(ctx, t)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientCash):
			metrics.TradeRejections.WithLabelValues("insufficient_cash").Inc()
		case errors.Is(err, store.ErrInsufficientHolding):
			metrics.TradeRejections.WithLabelValues("insufficient_holding").Inc()
		}
		return nil, err
	}

	// Day-trade bookkeeping applies to the user's own trades, not to
	// automated-trader activity. Best-effort compliance signal: a failure
	// is logged, never unwound.
	if seg.Kind != model.SegmentBot {
		if err := s.recordDayTrade(ctx, t); err != nil {
			slog.Error("day-trade bookkeeping failed", "user", t.UserID, "ticker", t.Ticker, "err", err)
		}
	}

	count, err := s.DayTradeCount(ctx, req.UserID)
	if err != nil {
		slog.Error("day-trade count failed", "user", req.UserID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues(req.Action).Inc()
	metrics.TradeLatency.WithLabelValues(req.Action).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"segment", string(seg.Kind),
		"ticker", t.Ticker,
		"action", t.Action,
		"qty", t.Quantity.String(),
		"price", t.Price.String(),
	)

	return &ExecuteResult{
		TradeID:       t.ID,
		Ticker:        t.Ticker,
		Action:        t.Action,
		Quantity:      t.Quantity,
		Price:         t.Price,
		ExecutedAt:    t.ExecutedAt,
		DayTradeCount: count,
	}, nil
}

// resolveSegment validates that the requested segment belongs to the user.
func (s *Service) resolveSegment(ctx context.Context, req ExecuteRequest) (model.Segment, error) {
	seg := req.Segment
	if seg.Kind == "" {
		return model.MainSegment(req.UserID), nil
	}
	seg.UserID = req.UserID

	if seg.Kind == model.SegmentBot {
		alloc, err := s.store.GetAllocation(ctx, seg.ID)
		if err != nil || alloc.UserID != req.UserID || !alloc.Active {
			return model.Segment{}, ErrUnknownSegment
		}
	}
	return seg, nil
}

// recordDayTrade records a (user, ticker, day) round trip: an earlier trade
// of the opposite action on the same ticker within the same exchange-local
// calendar day. At most one record per day regardless of how many round
// trips occur.
func (s *Service) recordDayTrade(ctx context.Context, t *model.Trade) error {
	local := t.ExecutedAt.In(exchangeTZ)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, exchangeTZ)

	earlier, err := s.store.ListTradesBetween(ctx, t.UserID, t.Ticker, dayStart, t.ExecutedAt)
	if err != nil {
		return err
	}

	opposite := model.ActionSell
	if t.Action == model.ActionSell {
		opposite = model.ActionBuy
	}
	for _, prev := range earlier {
		if prev.Action == opposite {
			return s.store.RecordDayTrade(ctx, t.UserID, t.Ticker, dayStart)
		}
	}
	return nil
}

// DayTradeCount returns the number of day-trade records in the trailing
// seven-calendar-day window, today included.
func (s *Service) DayTradeCount(ctx context.Context, userID string) (int, error) {
	local := s.now().In(exchangeTZ)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, exchangeTZ)
	since := dayStart.AddDate(0, 0, -(dayTradeWindowDays - 1))
	return s.store.CountDayTrades(ctx, userID, since)
}

// GetPortfolio returns a consistent snapshot of the user's main segment:
// the per-user lock guarantees no concurrent trade is half-visible.
// Positions are marked to market with the current mid when a quote is
// available.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	seg := model.MainSegment(userID)
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldings(ctx, seg)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		UserID:    userID,
		Segment:   seg,
		Cash:      acct.Cash,
		Positions: make([]model.PositionView, 0, len(holdings)),
	}
	for _, h := range holdings {
		view := model.PositionView{
			Ticker:   h.Ticker,
			Quantity: h.Quantity,
			AvgCost:  h.AvgCost,
		}
		if quote, err := s.quotes.GetQuote(ctx, h.Ticker); err == nil {
			view.MarketValue = quote.Mid.Mul(h.Quantity)
			view.UnrealizedPnL = view.MarketValue.Sub(h.AvgCost.Mul(h.Quantity))
			p.TotalPnL = p.TotalPnL.Add(view.UnrealizedPnL)
		}
		p.Positions = append(p.Positions, view)
	}
	return p, nil
}

// ListTrades returns the user's immutable trade history, oldest first.
func (s *Service) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.store.ListTradesByUser(ctx, userID)
}

// lockUser acquires the per-user execution lock.
func (s *Service) lockUser(userID string) func() {
	s.lockMu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	s.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}
