// Package allocation enforces capital-allocation constraints when cash is
// carved out of a user's main balance and assigned to an automated trader.
package allocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/metrics"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
)

var (
	// ErrAllocationLimit is returned when the requested amount exceeds 50%
	// of the user's unallocated cash.
	ErrAllocationLimit = errors.New("allocation: amount exceeds half of unallocated cash")

	// ErrDuplicateHire is returned when an active hire for the trader
	// already exists.
	ErrDuplicateHire = errors.New("allocation: trader already hired")

	// ErrInvalidAmount rejects non-positive allocation amounts.
	ErrInvalidAmount = errors.New("allocation: amount must be positive")
)

var two = decimal.NewFromInt(2)

// Guard checks and creates allocation segments. The per-user lock spans the
// whole read-check-write sequence, so two concurrent requests can never both
// pass the ceiling check against a stale available figure.
type Guard struct {
	store store.Store
	now   func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewGuard creates an allocation guard over the ledger store.
func NewGuard(st store.Store) *Guard {
	return &Guard{
		store: st,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// RequestAllocation carves amount out of the user's unallocated cash for the
// given trader. Paused allocations do not count against the ceiling.
func (g *Guard) RequestAllocation(ctx context.Context, userID, traderID string, amount decimal.Decimal) (*model.Allocation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := g.lockUser(userID)
	defer unlock()

	acct, err := g.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	allocs, err := g.store.ListAllocationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	claimed := decimal.Zero
	for _, a := range allocs {
		if a.Active && a.TraderID == traderID {
			metrics.AllocationRejections.Inc()
			return nil, ErrDuplicateHire
		}
		if a.Active && !a.Paused {
			claimed = claimed.Add(a.AllocatedCash)
		}
	}

	available := acct.Cash.Sub(claimed)
	if amount.GreaterThan(available.Div(two)) {
		metrics.AllocationRejections.Inc()
		return nil, ErrAllocationLimit
	}

	alloc := &model.Allocation{
		SegmentID:     uuid.New().String(),
		UserID:        userID,
		TraderID:      traderID,
		AllocatedCash: amount,
		Active:        true,
		CreatedAt:     g.now().UTC(),
	}
	if err := g.store.CreateAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	return alloc, nil
}

// Release deactivates an allocation, ending the hire. The freed cash stops
// counting against the ceiling immediately.
func (g *Guard) Release(ctx context.Context, userID, segmentID string) error {
	unlock := g.lockUser(userID)
	defer unlock()

	alloc, err := g.store.GetAllocation(ctx, segmentID)
	if err != nil {
		return err
	}
	if alloc.UserID != userID {
		return store.ErrAllocationNotFound
	}
	alloc.Active = false
	return g.store.UpdateAllocation(ctx, alloc)
}

// SetPaused flips the paused flag on an active allocation.
func (g *Guard) SetPaused(ctx context.Context, userID, segmentID string, paused bool) error {
	unlock := g.lockUser(userID)
	defer unlock()

	alloc, err := g.store.GetAllocation(ctx, segmentID)
	if err != nil {
		return err
	}
	if alloc.UserID != userID || !alloc.Active {
		return store.ErrAllocationNotFound
	}
	alloc.Paused = paused
	return g.store.UpdateAllocation(ctx, alloc)
}

func (g *Guard) lockUser(userID string) func() {
	g.lockMu.Lock()
	l, ok := g.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[userID] = l
	}
	g.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}
