package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-binary development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	holdings    map[string]map[string]*model.Holding // segment key → ticker → holding
	trades      []model.Trade
	dayTrades   map[string]model.DayTradeRecord // userID|ticker|day
	allocations map[string]*model.Allocation    // segment ID
	dividends   map[string]bool                 // ticker|exDate day
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		holdings:    make(map[string]map[string]*model.Holding),
		dayTrades:   make(map[string]model.DayTradeRecord),
		allocations: make(map[string]*model.Allocation),
		dividends:   make(map[string]bool),
	}
}

func segKey(seg model.Segment) string {
	return fmt.Sprintf("%s|%s|%s", seg.UserID, seg.Kind, seg.ID)
}

func dayKey(userID, ticker string, day time.Time) string {
	return fmt.Sprintf("%s|%s|%s", userID, ticker, day.Format("2006-01-02"))
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("account %s already exists", acct.UserID)
	}
	cp := *acct
	s.accounts[acct.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) CreditCash(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Cash = acct.Cash.Add(amount)
	return nil
}

func (s *MemoryStore) GetHolding(_ context.Context, seg model.Segment, ticker string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[segKey(seg)][ticker]
	if !ok {
		return nil, ErrHoldingNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, seg model.Segment) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTicker := s.holdings[segKey(seg)]
	holdings := make([]model.Holding, 0, len(byTicker))
	for _, h := range byTicker {
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Ticker < holdings[j].Ticker })
	return holdings, nil
}

func (s *MemoryStore) ExecuteBuy(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[t.UserID]
	if !ok {
		return ErrAccountNotFound
	}

	cost := t.Cost()
	if acct.Cash.LessThan(cost) {
		return ErrInsufficientCash
	}
	acct.Cash = acct.Cash.Sub(cost)

	key := segKey(t.Segment)
	byTicker, ok := s.holdings[key]
	if !ok {
		byTicker = make(map[string]*model.Holding)
		s.holdings[key] = byTicker
	}

	if h, ok := byTicker[t.Ticker]; ok {
		// avgCost = (oldQty*oldAvg + qty*price) / (oldQty+qty)
		newQty := h.Quantity.Add(t.Quantity)
		h.AvgCost = h.Quantity.Mul(h.AvgCost).Add(cost).Div(newQty)
		h.Quantity = newQty
	} else {
		byTicker[t.Ticker] = &model.Holding{
			Segment:  t.Segment,
			Ticker:   t.Ticker,
			Quantity: t.Quantity,
			AvgCost:  t.Price,
		}
	}

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ExecuteSell(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[t.UserID]
	if !ok {
		return ErrAccountNotFound
	}

	key := segKey(t.Segment)
	h, ok := s.holdings[key][t.Ticker]
	if !ok || h.Quantity.LessThan(t.Quantity) {
		return ErrInsufficientHolding
	}

	h.Quantity = h.Quantity.Sub(t.Quantity)
	if h.Quantity.IsZero() {
		delete(s.holdings[key], t.Ticker)
	}
	acct.Cash = acct.Cash.Add(t.Cost())

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesBetween(_ context.Context, userID, ticker string, from, to time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID != userID || t.Ticker != ticker {
			continue
		}
		if t.ExecutedAt.Before(from) || !t.ExecutedAt.Before(to) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) RecordDayTrade(_ context.Context, userID, ticker string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(userID, ticker, day)
	if _, ok := s.dayTrades[key]; ok {
		return nil
	}
	s.dayTrades[key] = model.DayTradeRecord{UserID: userID, Ticker: ticker, TradedAt: day}
	return nil
}

func (s *MemoryStore) CountDayTrades(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.dayTrades {
		if rec.UserID == userID && !rec.TradedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateAllocation(_ context.Context, a *model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.allocations[a.SegmentID]; ok {
		return fmt.Errorf("allocation %s already exists", a.SegmentID)
	}
	cp := *a
	s.allocations[a.SegmentID] = &cp
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, segmentID string) (*model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[segmentID]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAllocationsByUser(_ context.Context, userID string) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Allocation
	for _, a := range s.allocations {
		if a.UserID == userID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateAllocation(_ context.Context, a *model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.allocations[a.SegmentID]; !ok {
		return ErrAllocationNotFound
	}
	cp := *a
	s.allocations[a.SegmentID] = &cp
	return nil
}

func (s *MemoryStore) ApplyDividend(_ context.Context, ticker string, perShare decimal.Decimal, exDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s", ticker, exDate.Format("2006-01-02"))
	if s.dividends[key] {
		return nil // already applied for this ex-date
	}
	s.dividends[key] = true

	for _, byTicker := range s.holdings {
		h, ok := byTicker[ticker]
		if !ok {
			continue
		}
		if acct, ok := s.accounts[h.Segment.UserID]; ok {
			acct.Cash = acct.Cash.Add(h.Quantity.Mul(perShare))
		}
	}
	return nil
}

func (s *MemoryStore) ApplySplit(_ context.Context, ticker string, ratio decimal.Decimal) error {
	if !ratio.IsPositive() {
		return ErrInvalidSplitRatio
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, byTicker := range s.holdings {
		h, ok := byTicker[ticker]
		if !ok {
			continue
		}
		h.Quantity = h.Quantity.Mul(ratio).Floor()
		h.AvgCost = h.AvgCost.Div(ratio)
		if h.Quantity.IsZero() {
			delete(s.holdings[key], ticker)
		}
	}
	return nil
}
