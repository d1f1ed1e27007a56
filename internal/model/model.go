// Package model defines the core domain types shared across the trading
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// SegmentKind partitions a user's holdings and cash attribution.
type SegmentKind string

const (
	// SegmentMain is the user's primary portfolio. Every user has exactly one.
	SegmentMain SegmentKind = "main"
	// SegmentBot scopes cash and holdings carved out to an automated trader.
	SegmentBot SegmentKind = "bot"
	// SegmentCompetition scopes holdings entered into a trading competition.
	SegmentCompetition SegmentKind = "competition"
)

// Trade actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// tickerRegex matches plain equity symbols: AAPL, BRK.B, SHOP-T.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var ErrInvalidTicker = errors.New("model: invalid ticker symbol")

// ValidateTicker checks a ticker symbol against the accepted grammar.
// Unknown-but-well-formed symbols are allowed; whether they are tradable
// is decided by the quote source, not here.
func ValidateTicker(ticker string) error {
	if !tickerRegex.MatchString(ticker) {
		return fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return nil
}

// Segment is the scoping key for holdings: (userID, kind, segmentID).
// The main segment uses an empty segment ID; bot and competition segments
// carry the UUID of their allocation or competition entry.
type Segment struct {
	UserID string      `json:"user_id" db:"user_id"`
	Kind   SegmentKind `json:"kind" db:"segment_kind"`
	ID     string      `json:"id" db:"segment_id"`
}

// MainSegment returns the user's primary portfolio segment.
func MainSegment(userID string) Segment {
	return Segment{UserID: userID, Kind: SegmentMain}
}

// Account holds a user's cash balance. Accounts are provisioned externally;
// this core only ever debits and credits them.
type Account struct {
	UserID string          `json:"user_id" db:"user_id"`
	Cash   decimal.Decimal `json:"cash" db:"cash"`
}

// Holding is one position row, unique per (segment, ticker). A holding with
// zero quantity never persists: it is deleted when fully sold. AvgCost is the
// quantity-weighted mean of all buys and is unchanged by sells.
type Holding struct {
	Segment  Segment         `json:"segment"`
	Ticker   string          `json:"ticker" db:"ticker"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// Trade is an immutable record of a trade execution. Once inserted, trades
// are never modified or deleted — they are the permanent audit log and the
// sole input to historical P&L and day-trade computation.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Segment    Segment         `json:"segment"`
	Ticker     string          `json:"ticker" db:"ticker"`
	Action     string          `json:"action" db:"action"` // "buy" or "sell"
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"` // execution price per share
	Rationale  string          `json:"rationale" db:"rationale"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Cost returns the total cash moved by this trade.
func (t *Trade) Cost() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// DayTradeRecord marks one calendar day (exchange local time) on which a
// user completed a same-day round trip on a ticker. At most one record per
// (user, ticker, day); records are never mutated after insertion.
type DayTradeRecord struct {
	UserID   string    `json:"user_id" db:"user_id"`
	Ticker   string    `json:"ticker" db:"ticker"`
	TradedAt time.Time `json:"traded_at" db:"traded_at"`
}

// Allocation is cash carved out of a user's main balance and assigned to an
// automated trading strategy. Its segment ID doubles as the bot segment key.
type Allocation struct {
	SegmentID     string          `json:"segment_id" db:"segment_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	TraderID      string          `json:"trader_id" db:"trader_id"`
	AllocatedCash decimal.Decimal `json:"allocated_cash" db:"allocated_cash"`
	Paused        bool            `json:"paused" db:"paused"`
	Active        bool            `json:"active" db:"active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Segment returns the bot segment scoped by this allocation.
func (a *Allocation) Segment() Segment {
	return Segment{UserID: a.UserID, Kind: SegmentBot, ID: a.SegmentID}
}

// Quote is an ephemeral bid/ask snapshot. Never persisted; mid is always
// strictly between bid and ask.
type Quote struct {
	Ticker    string          `json:"ticker"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionView is a holding decorated with mark-to-market figures for
// portfolio responses. MarketValue and UnrealizedPnL are zero when no quote
// is available for the ticker.
type PositionView struct {
	Ticker        string          `json:"ticker"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is a consistent snapshot of one segment's cash and positions.
type Portfolio struct {
	UserID    string          `json:"user_id"`
	Segment   Segment         `json:"segment"`
	Cash      decimal.Decimal `json:"cash"`
	Positions []PositionView  `json:"positions"`
	TotalPnL  decimal.Decimal `json:"total_pnl"`
}
