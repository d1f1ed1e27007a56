package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papervest/trading-engine/internal/marketdata"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
	"github.com/papervest/trading-engine/internal/strategy"
	"github.com/papervest/trading-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func q(ticker string, bid, ask float64) model.Quote {
	return marketdata.Normalize(ticker, d(bid), d(ask), time.Now().UTC())
}

func TestRegistry(t *testing.T) {
	r := strategy.NewRegistry()
	dip := &strategy.DipBuy{Threshold: d(0.05), SpendFraction: d(0.25)}
	r.Register(dip)

	got, err := r.Get("dipbuy")
	require.NoError(t, err)
	assert.Same(t, dip, got)

	_, err = r.Get("momentum")
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestDipBuy_BuysUnheldWatchlistTicker(t *testing.T) {
	dip := &strategy.DipBuy{
		Watchlist:     []string{"AAPL"},
		Threshold:     d(0.05),
		SpendFraction: d(0.25),
	}
	p := &model.Portfolio{Cash: d(1000)}

	proposals := dip.ProposeTrades(p, map[string]model.Quote{"AAPL": q("AAPL", 99, 101)})
	require.Len(t, proposals, 1)
	assert.Equal(t, model.ActionBuy, proposals[0].Action)
	// floor(1000*0.25 / 101) = 2
	assert.True(t, proposals[0].Quantity.Equal(d(2)))
}

func TestDipBuy_WaitsForTheDipOnHeldTickers(t *testing.T) {
	dip := &strategy.DipBuy{
		Watchlist:     []string{"AAPL"},
		Threshold:     d(0.05),
		SpendFraction: d(0.25),
	}
	p := &model.Portfolio{
		Cash:      d(1000),
		Positions: []model.PositionView{{Ticker: "AAPL", Quantity: d(10), AvgCost: d(100)}},
	}

	// Ask 96 is above the 95 trigger: no buy.
	proposals := dip.ProposeTrades(p, map[string]model.Quote{"AAPL": q("AAPL", 94, 96)})
	assert.Empty(t, proposals)

	// Ask 95 hits the trigger exactly.
	proposals = dip.ProposeTrades(p, map[string]model.Quote{"AAPL": q("AAPL", 93, 95)})
	require.Len(t, proposals, 1)
	assert.Equal(t, "AAPL", proposals[0].Ticker)
}

func TestDipBuy_SkipsWithoutQuoteOrBudget(t *testing.T) {
	dip := &strategy.DipBuy{
		Watchlist:     []string{"AAPL", "MSFT"},
		Threshold:     d(0.05),
		SpendFraction: d(0.25),
	}

	// MSFT has no quote; AAPL's budget buys less than one share.
	p := &model.Portfolio{Cash: d(100)}
	proposals := dip.ProposeTrades(p, map[string]model.Quote{"AAPL": q("AAPL", 99, 101)})
	assert.Empty(t, proposals)
}

func TestRebalance_TrimsOverweightPosition(t *testing.T) {
	reb := &strategy.Rebalance{MaxWeight: d(0.5)}
	p := &model.Portfolio{
		Cash: d(100),
		Positions: []model.PositionView{
			{Ticker: "AAPL", Quantity: d(9), AvgCost: d(80)},
			{Ticker: "MSFT", Quantity: d(1), AvgCost: d(100)},
		},
	}
	quotes := map[string]model.Quote{
		"AAPL": q("AAPL", 99, 101), // mid 100, value 900
		"MSFT": q("MSFT", 99, 101), // mid 100, value 100
	}

	// Total 1100, cap 550: AAPL is 350 over, 350/100 = 3.5 → sell 3.
	proposals := reb.ProposeTrades(p, quotes)
	require.Len(t, proposals, 1)
	assert.Equal(t, "AAPL", proposals[0].Ticker)
	assert.Equal(t, model.ActionSell, proposals[0].Action)
	assert.True(t, proposals[0].Quantity.Equal(d(3)))
}

func TestRebalance_NoTrimUnderCap(t *testing.T) {
	reb := &strategy.Rebalance{MaxWeight: d(0.5)}
	p := &model.Portfolio{
		Cash:      d(1000),
		Positions: []model.PositionView{{Ticker: "AAPL", Quantity: d(5), AvgCost: d(100)}},
	}

	proposals := reb.ProposeTrades(p, map[string]model.Quote{"AAPL": q("AAPL", 99, 101)})
	assert.Empty(t, proposals)
}

// --- Runner ---

type fakeExecutor struct {
	requests []trade.ExecuteRequest
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req trade.ExecuteRequest) (*trade.ExecuteResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &trade.ExecuteResult{TradeID: "t1", Ticker: req.Ticker}, nil
}

type mapQuotes map[string]model.Quote

func (m mapQuotes) GetQuote(_ context.Context, ticker string) (*model.Quote, error) {
	q, ok := m[ticker]
	if !ok {
		return nil, marketdata.ErrQuoteUnavailable
	}
	return &q, nil
}

func newRunnerEnv(t *testing.T) (*strategy.Runner, *fakeExecutor, *store.MemoryStore, mapQuotes) {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Register(&strategy.DipBuy{
		Watchlist:     []string{"AAPL"},
		Threshold:     d(0.05),
		SpendFraction: d(0.25),
	})

	exec := &fakeExecutor{}
	ms := store.NewMemoryStore()
	quotes := mapQuotes{"AAPL": q("AAPL", 99, 101)}
	return strategy.NewRunner(exec, ms, quotes, reg), exec, ms, quotes
}

func TestRunner_SubmitsProposalsAgainstBotSegment(t *testing.T) {
	runner, exec, _, _ := newRunnerEnv(t)

	alloc := &model.Allocation{
		SegmentID:     "seg-1",
		UserID:        "user1",
		TraderID:      "dipbuy",
		AllocatedCash: d(1000),
		Active:        true,
	}
	require.NoError(t, runner.RunAllocation(context.Background(), alloc))

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, "user1", req.UserID)
	assert.Equal(t, model.SegmentBot, req.Segment.Kind)
	assert.Equal(t, "seg-1", req.Segment.ID)
	assert.Equal(t, model.ActionBuy, req.Action)
	assert.NotEmpty(t, req.Rationale)
}

func TestRunner_SkipsPausedAndReleased(t *testing.T) {
	runner, exec, _, _ := newRunnerEnv(t)

	cases := []*model.Allocation{
		{SegmentID: "seg-1", UserID: "user1", TraderID: "dipbuy", AllocatedCash: d(1000), Active: true, Paused: true},
		{SegmentID: "seg-2", UserID: "user1", TraderID: "dipbuy", AllocatedCash: d(1000), Active: false},
	}
	for _, alloc := range cases {
		require.NoError(t, runner.RunAllocation(context.Background(), alloc))
	}
	assert.Empty(t, exec.requests)
}

func TestRunner_UnknownTrader(t *testing.T) {
	runner, _, _, _ := newRunnerEnv(t)

	alloc := &model.Allocation{
		SegmentID: "seg-1", UserID: "user1", TraderID: "momentum",
		AllocatedCash: d(1000), Active: true,
	}
	err := runner.RunAllocation(context.Background(), alloc)
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestRunner_RejectedProposalDoesNotAbortPass(t *testing.T) {
	runner, exec, _, _ := newRunnerEnv(t)
	exec.err = store.ErrInsufficientCash

	alloc := &model.Allocation{
		SegmentID: "seg-1", UserID: "user1", TraderID: "dipbuy",
		AllocatedCash: d(1000), Active: true,
	}
	assert.NoError(t, runner.RunAllocation(context.Background(), alloc))
	assert.Len(t, exec.requests, 1)
}
