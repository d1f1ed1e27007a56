package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papervest/trading-engine/internal/allocation"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newGuard(t *testing.T, cash float64) (*allocation.Guard, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	err := ms.CreateAccount(context.Background(), &model.Account{UserID: "user1", Cash: d(cash)})
	require.NoError(t, err)
	return allocation.NewGuard(ms), ms
}

func TestRequestAllocation_WithinCeiling(t *testing.T) {
	g, _ := newGuard(t, 1000)

	alloc, err := g.RequestAllocation(context.Background(), "user1", "dipbuy", d(500))
	require.NoError(t, err)
	assert.NotEmpty(t, alloc.SegmentID)
	assert.True(t, alloc.Active)
	assert.True(t, alloc.AllocatedCash.Equal(d(500)))
}

func TestRequestAllocation_RejectsOverCeiling(t *testing.T) {
	g, _ := newGuard(t, 1000)

	_, err := g.RequestAllocation(context.Background(), "user1", "dipbuy", d(501))
	assert.ErrorIs(t, err, allocation.ErrAllocationLimit)
}

func TestRequestAllocation_CeilingShrinksWithClaims(t *testing.T) {
	g, _ := newGuard(t, 1000)
	ctx := context.Background()

	_, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(400))
	require.NoError(t, err)

	// Unallocated cash is now 600, so the ceiling is 300.
	_, err = g.RequestAllocation(ctx, "user1", "rebalance", d(301))
	assert.ErrorIs(t, err, allocation.ErrAllocationLimit)

	_, err = g.RequestAllocation(ctx, "user1", "rebalance", d(300))
	assert.NoError(t, err)
}

func TestRequestAllocation_RejectsDuplicateHire(t *testing.T) {
	g, _ := newGuard(t, 1000)
	ctx := context.Background()

	_, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	require.NoError(t, err)

	_, err = g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	assert.ErrorIs(t, err, allocation.ErrDuplicateHire)
}

func TestRequestAllocation_ReleasedTraderCanBeRehired(t *testing.T) {
	g, _ := newGuard(t, 1000)
	ctx := context.Background()

	alloc, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "user1", alloc.SegmentID))

	_, err = g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	assert.NoError(t, err)
}

func TestRequestAllocation_PausedNotCounted(t *testing.T) {
	g, _ := newGuard(t, 1000)
	ctx := context.Background()

	alloc, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(400))
	require.NoError(t, err)
	require.NoError(t, g.SetPaused(ctx, "user1", alloc.SegmentID, true))

	// With dipbuy paused the full 1000 is unallocated again.
	_, err = g.RequestAllocation(ctx, "user1", "rebalance", d(500))
	assert.NoError(t, err)
}

func TestRequestAllocation_RejectsNonPositiveAmount(t *testing.T) {
	g, _ := newGuard(t, 1000)

	for _, amount := range []float64{0, -50} {
		_, err := g.RequestAllocation(context.Background(), "user1", "dipbuy", d(amount))
		assert.ErrorIs(t, err, allocation.ErrInvalidAmount)
	}
}

func TestRequestAllocation_UnknownAccount(t *testing.T) {
	g := allocation.NewGuard(store.NewMemoryStore())

	_, err := g.RequestAllocation(context.Background(), "ghost", "dipbuy", d(100))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestRequestAllocation_ConcurrentRequestsShareOneCeiling(t *testing.T) {
	g, ms := newGuard(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	traders := []string{"dipbuy", "rebalance"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.RequestAllocation(ctx, "user1", traders[i], d(500))
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, allocation.ErrAllocationLimit):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one request may claim the ceiling")
	assert.Equal(t, 1, limited)

	allocs, err := ms.ListAllocationsByUser(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
}

func TestRelease_ChecksOwnership(t *testing.T) {
	g, ms := newGuard(t, 1000)
	ctx := context.Background()
	require.NoError(t, ms.CreateAccount(ctx, &model.Account{UserID: "user2", Cash: d(1000)}))

	alloc, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	require.NoError(t, err)

	err = g.Release(ctx, "user2", alloc.SegmentID)
	assert.ErrorIs(t, err, store.ErrAllocationNotFound)

	kept, err := ms.GetAllocation(ctx, alloc.SegmentID)
	require.NoError(t, err)
	assert.True(t, kept.Active)
}

func TestSetPaused_RejectsInactive(t *testing.T) {
	g, _ := newGuard(t, 1000)
	ctx := context.Background()

	alloc, err := g.RequestAllocation(ctx, "user1", "dipbuy", d(100))
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "user1", alloc.SegmentID))

	err = g.SetPaused(ctx, "user1", alloc.SegmentID, true)
	assert.ErrorIs(t, err, store.ErrAllocationNotFound)
}
