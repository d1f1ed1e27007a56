package strategy

import (
	"context"
	"log/slog"

	"github.com/papervest/trading-engine/internal/marketdata"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
	"github.com/papervest/trading-engine/internal/trade"
)

// Executor is the slice of the trade engine the runner needs.
type Executor interface {
	Execute(ctx context.Context, req trade.ExecuteRequest) (*trade.ExecuteResult, error)
}

// Runner drives one strategy pass for an allocation: it assembles the bot
// segment's portfolio view, asks the strategy for proposals, and submits
// them through the engine. Pricing policy (buy at ask, sell at bid) is the
// engine's; the runner never touches prices.
type Runner struct {
	engine   Executor
	store    store.Store
	quotes   marketdata.QuoteSource
	registry *Registry
}

// NewRunner creates a strategy runner.
func NewRunner(engine Executor, st store.Store, quotes marketdata.QuoteSource, registry *Registry) *Runner {
	return &Runner{engine: engine, store: st, quotes: quotes, registry: registry}
}

// RunAllocation executes one pass for a single allocation. Paused or
// released allocations are skipped. Individual proposal failures are logged
// and do not abort the pass.
func (r *Runner) RunAllocation(ctx context.Context, alloc *model.Allocation) error {
	if !alloc.Active || alloc.Paused {
		return nil
	}

	strat, err := r.registry.Get(alloc.TraderID)
	if err != nil {
		return err
	}

	seg := alloc.Segment()
	holdings, err := r.store.ListHoldings(ctx, seg)
	if err != nil {
		return err
	}

	view := &model.Portfolio{
		UserID:  alloc.UserID,
		Segment: seg,
		// The allocation is the bot's spendable budget; actual debits still
		// settle against the account's single cash balance.
		Cash: alloc.AllocatedCash,
	}
	tickers := make(map[string]struct{})
	for _, h := range holdings {
		view.Positions = append(view.Positions, model.PositionView{
			Ticker: h.Ticker, Quantity: h.Quantity, AvgCost: h.AvgCost,
		})
		tickers[h.Ticker] = struct{}{}
	}
	if wl, ok := strat.(interface{ WatchedTickers() []string }); ok {
		for _, t := range wl.WatchedTickers() {
			tickers[t] = struct{}{}
		}
	}

	quotes := make(map[string]model.Quote, len(tickers))
	for t := range tickers {
		if q, err := r.quotes.GetQuote(ctx, t); err == nil {
			quotes[t] = *q
		}
	}

	for _, pt := range strat.ProposeTrades(view, quotes) {
		_, err := r.engine.Execute(ctx, trade.ExecuteRequest{
			UserID:    alloc.UserID,
			Segment:   seg,
			Ticker:    pt.Ticker,
			Action:    pt.Action,
			Quantity:  pt.Quantity,
			Rationale: strat.Explain(pt),
		})
		if err != nil {
			slog.Warn("strategy proposal rejected",
				"strategy", strat.Name(),
				"user", alloc.UserID,
				"ticker", pt.Ticker,
				"action", pt.Action,
				"err", err,
			)
		}
	}
	return nil
}

// WatchedTickers exposes the DipBuy watchlist to the runner's quote
// collection.
func (d *DipBuy) WatchedTickers() []string { return d.Watchlist }
