// Package store defines the persistence interface for the portfolio ledger.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and single-binary development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when a user has no provisioned account.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrInsufficientCash is returned by ExecuteBuy when the conditional
	// debit fails. No ledger state changes.
	ErrInsufficientCash = errors.New("store: insufficient cash")

	// ErrInsufficientHolding is returned by ExecuteSell when there is no
	// holding for the ticker or its quantity is below the requested amount.
	// No ledger state changes.
	ErrInsufficientHolding = errors.New("store: insufficient holding")

	// ErrHoldingNotFound is returned by GetHolding for an absent position.
	ErrHoldingNotFound = errors.New("store: holding not found")

	// ErrAllocationNotFound is returned for an unknown allocation segment.
	ErrAllocationNotFound = errors.New("store: allocation not found")

	// ErrInvalidSplitRatio is returned for non-positive split ratios.
	ErrInvalidSplitRatio = errors.New("store: split ratio must be positive")
)

// Store is the persistence interface. Every trade mutation is a single
// atomic unit of work: the conditional cash/quantity check, the holding
// upsert or delete-at-zero, and the immutable trade append all succeed
// together or not at all.
type Store interface {
	// --- Accounts ---

	// CreateAccount provisions an account. Only external provisioning and
	// tests call this; the engine never creates or destroys accounts.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// CreditCash adds to an account balance. Used by corporate actions.
	CreditCash(ctx context.Context, userID string, amount decimal.Decimal) error

	// --- Holdings ---

	// GetHolding retrieves one position, or ErrHoldingNotFound.
	GetHolding(ctx context.Context, seg model.Segment, ticker string) (*model.Holding, error)

	// ListHoldings returns all positions in a segment.
	ListHoldings(ctx context.Context, seg model.Segment) ([]model.Holding, error)

	// --- Atomic trade application ---

	// ExecuteBuy debits cash conditioned on cash >= quantity*price, upserts
	// the holding with quantity-weighted average cost, and appends the trade
	// row. Fails with ErrInsufficientCash leaving no changes.
	ExecuteBuy(ctx context.Context, t *model.Trade) error

	// ExecuteSell decrements the holding conditioned on quantity >= requested,
	// deletes it at zero, credits cash, and appends the trade row. AvgCost of
	// the remainder is untouched. Fails with ErrInsufficientHolding leaving
	// no changes.
	ExecuteSell(ctx context.Context, t *model.Trade) error

	// --- Immutable trade log ---

	// ListTradesByUser returns all trades for a user, oldest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// ListTradesBetween returns a user's trades for one ticker in
	// [from, to), oldest first. Used for same-day round-trip detection.
	ListTradesBetween(ctx context.Context, userID, ticker string, from, to time.Time) ([]model.Trade, error)

	// --- Day-trade bookkeeping ---

	// RecordDayTrade inserts a (user, ticker, day) record. Idempotent:
	// recording the same calendar day twice is a no-op.
	RecordDayTrade(ctx context.Context, userID, ticker string, day time.Time) error

	// CountDayTrades counts records on or after since.
	CountDayTrades(ctx context.Context, userID string, since time.Time) (int, error)

	// --- Allocations ---

	CreateAllocation(ctx context.Context, a *model.Allocation) error
	GetAllocation(ctx context.Context, segmentID string) (*model.Allocation, error)
	ListAllocationsByUser(ctx context.Context, userID string) ([]model.Allocation, error)
	UpdateAllocation(ctx context.Context, a *model.Allocation) error

	// --- Corporate actions ---

	// ApplyDividend credits heldQuantity*perShare to every holder of ticker,
	// at most once per (ticker, exDate). Re-delivered jobs are no-ops.
	ApplyDividend(ctx context.Context, ticker string, perShare decimal.Decimal, exDate time.Time) error

	// ApplySplit multiplies every holding of ticker by ratio (floored) and
	// divides avg cost by ratio, atomically per ticker. Holdings floored to
	// zero are removed. Non-positive ratios fail with ErrInvalidSplitRatio.
	ApplySplit(ctx context.Context, ticker string, ratio decimal.Decimal) error
}
