package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Conditional UPDATEs (cash >= cost, quantity >= requested) give the ledger
// row-scoped compare-and-swap semantics: unrelated accounts never contend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash) VALUES ($1, $2::NUMERIC)`,
		acct.UserID, acct.Cash.String(),
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var acct model.Account
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT FROM accounts WHERE user_id = $1`, userID).
		Scan(&acct.UserID, &cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	acct.Cash, _ = decimal.NewFromString(cash)
	return &acct, nil
}

func (s *PostgresStore) CreditCash(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC WHERE user_id = $1`,
		userID, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, seg model.Segment, ticker string) (*model.Holding, error) {
	var h model.Holding
	var qty, avgCost string

	err := s.pool.QueryRow(ctx,
		`SELECT ticker, quantity::TEXT, avg_cost::TEXT
		 FROM holdings
		 WHERE user_id = $1 AND segment_kind = $2 AND segment_id = $3 AND ticker = $4`,
		seg.UserID, seg.Kind, seg.ID, ticker).
		Scan(&h.Ticker, &qty, &avgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", seg.UserID, ticker, err)
	}

	h.Segment = seg
	h.Quantity, _ = decimal.NewFromString(qty)
	h.AvgCost, _ = decimal.NewFromString(avgCost)
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, seg model.Segment) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, quantity::TEXT, avg_cost::TEXT
		 FROM holdings
		 WHERE user_id = $1 AND segment_kind = $2 AND segment_id = $3
		 ORDER BY ticker`,
		seg.UserID, seg.Kind, seg.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var qty, avgCost string
		if err := rows.Scan(&h.Ticker, &qty, &avgCost); err != nil {
			return nil, err
		}
		h.Segment = seg
		h.Quantity, _ = decimal.NewFromString(qty)
		h.AvgCost, _ = decimal.NewFromString(avgCost)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) ExecuteBuy(ctx context.Context, t *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cost := t.Cost().String()

	// Conditional debit: the WHERE clause is the cash check. A concurrent
	// trade that drained the account makes this affect zero rows.
	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET cash = cash - $2::NUMERIC
		 WHERE user_id = $1 AND cash >= $2::NUMERIC`,
		t.UserID, cost,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, t.UserID).
			Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientCash
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO holdings (user_id, segment_kind, segment_id, ticker, quantity, avg_cost)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (user_id, segment_kind, segment_id, ticker) DO UPDATE SET
		     avg_cost = (holdings.quantity * holdings.avg_cost + EXCLUDED.quantity * EXCLUDED.avg_cost)
		                / (holdings.quantity + EXCLUDED.quantity),
		     quantity = holdings.quantity + EXCLUDED.quantity`,
		t.Segment.UserID, t.Segment.Kind, t.Segment.ID, t.Ticker,
		t.Quantity.String(), t.Price.String(),
	)
	if err != nil {
		return err
	}

	if err := insertTrade(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ExecuteSell(ctx context.Context, t *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Conditional decrement mirrors the buy-side cash check.
	tag, err := tx.Exec(ctx,
		`UPDATE holdings SET quantity = quantity - $5::NUMERIC
		 WHERE user_id = $1 AND segment_kind = $2 AND segment_id = $3 AND ticker = $4
		   AND quantity >= $5::NUMERIC`,
		t.Segment.UserID, t.Segment.Kind, t.Segment.ID, t.Ticker,
		t.Quantity.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientHolding
	}

	// Zero-quantity rows never persist.
	_, err = tx.Exec(ctx,
		`DELETE FROM holdings
		 WHERE user_id = $1 AND segment_kind = $2 AND segment_id = $3 AND ticker = $4
		   AND quantity = 0`,
		t.Segment.UserID, t.Segment.Kind, t.Segment.ID, t.Ticker,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC WHERE user_id = $1`,
		t.UserID, t.Cost().String(),
	)
	if err != nil {
		return err
	}

	if err := insertTrade(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTrade(ctx context.Context, tx pgx.Tx, t *model.Trade) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, segment_kind, segment_id, ticker, action, quantity, price, rationale, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.UserID, t.Segment.Kind, t.Segment.ID, t.Ticker, t.Action,
		t.Quantity.String(), t.Price.String(), t.Rationale, t.ExecutedAt,
	)
	return err
}

const selectTrades = `SELECT id, user_id, segment_kind, segment_id, ticker, action,
       quantity::TEXT, price::TEXT, rationale, executed_at
  FROM trades`

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		selectTrades+` WHERE user_id = $1 ORDER BY executed_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesBetween(ctx context.Context, userID, ticker string, from, to time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		selectTrades+` WHERE user_id = $1 AND ticker = $2
		   AND executed_at >= $3 AND executed_at < $4
		 ORDER BY executed_at`,
		userID, ticker, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price string

		if err := rows.Scan(&t.ID, &t.UserID, &t.Segment.Kind, &t.Segment.ID,
			&t.Ticker, &t.Action, &qty, &price, &t.Rationale, &t.ExecutedAt); err != nil {
			return nil, err
		}

		t.Segment.UserID = t.UserID
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) RecordDayTrade(ctx context.Context, userID, ticker string, day time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO day_trades (user_id, ticker, traded_on)
		 VALUES ($1, $2, $3::DATE)
		 ON CONFLICT (user_id, ticker, traded_on) DO NOTHING`,
		userID, ticker, day.Format("2006-01-02"),
	)
	return err
}

func (s *PostgresStore) CountDayTrades(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM day_trades WHERE user_id = $1 AND traded_on >= $2::DATE`,
		userID, since.Format("2006-01-02")).
		Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateAllocation(ctx context.Context, a *model.Allocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allocations (segment_id, user_id, trader_id, allocated_cash, paused, active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		a.SegmentID, a.UserID, a.TraderID, a.AllocatedCash.String(),
		a.Paused, a.Active, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAllocation(ctx context.Context, segmentID string) (*model.Allocation, error) {
	var a model.Allocation
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT segment_id, user_id, trader_id, allocated_cash::TEXT, paused, active, created_at
		 FROM allocations WHERE segment_id = $1`, segmentID).
		Scan(&a.SegmentID, &a.UserID, &a.TraderID, &cash, &a.Paused, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", segmentID, err)
	}

	a.AllocatedCash, _ = decimal.NewFromString(cash)
	return &a, nil
}

func (s *PostgresStore) ListAllocationsByUser(ctx context.Context, userID string) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT segment_id, user_id, trader_id, allocated_cash::TEXT, paused, active, created_at
		 FROM allocations WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var cash string
		if err := rows.Scan(&a.SegmentID, &a.UserID, &a.TraderID, &cash,
			&a.Paused, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AllocatedCash, _ = decimal.NewFromString(cash)
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (s *PostgresStore) UpdateAllocation(ctx context.Context, a *model.Allocation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE allocations
		 SET allocated_cash = $2::NUMERIC, paused = $3, active = $4
		 WHERE segment_id = $1`,
		a.SegmentID, a.AllocatedCash.String(), a.Paused, a.Active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAllocationNotFound
	}
	return nil
}

func (s *PostgresStore) ApplyDividend(ctx context.Context, ticker string, perShare decimal.Decimal, exDate time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The unique (kind, ticker, ex_date) row is the idempotency guard:
	// a retried job conflicts and applies nothing.
	tag, err := tx.Exec(ctx,
		`INSERT INTO corporate_actions (kind, ticker, ex_date)
		 VALUES ('dividend', $1, $2::DATE)
		 ON CONFLICT (kind, ticker, ex_date) DO NOTHING`,
		ticker, exDate.Format("2006-01-02"),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil // already applied for this ex-date
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts a
		 SET cash = a.cash + h.total
		 FROM (SELECT user_id, SUM(quantity) * $2::NUMERIC AS total
		         FROM holdings WHERE ticker = $1 GROUP BY user_id) h
		 WHERE a.user_id = h.user_id`,
		ticker, perShare.String(),
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ApplySplit(ctx context.Context, ticker string, ratio decimal.Decimal) error {
	if !ratio.IsPositive() {
		return ErrInvalidSplitRatio
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE holdings
		 SET quantity = FLOOR(quantity * $2::NUMERIC),
		     avg_cost = avg_cost / $2::NUMERIC
		 WHERE ticker = $1`,
		ticker, ratio.String(),
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM holdings WHERE ticker = $1 AND quantity = 0`, ticker)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
