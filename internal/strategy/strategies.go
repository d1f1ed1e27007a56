package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// DipBuy buys a watched ticker when its ask has fallen below the position's
// average cost by at least Threshold (a fraction, e.g. 0.05 for 5%). A
// ticker not yet held is bought on any quote. Each buy spends SpendFraction
// of the portfolio's cash.
type DipBuy struct {
	Watchlist     []string
	Threshold     decimal.Decimal
	SpendFraction decimal.Decimal
}

func (d *DipBuy) Name() string { return "dipbuy" }

func (d *DipBuy) ProposeTrades(p *model.Portfolio, quotes map[string]model.Quote) []ProposedTrade {
	byTicker := make(map[string]model.PositionView, len(p.Positions))
	for _, pos := range p.Positions {
		byTicker[pos.Ticker] = pos
	}

	var proposals []ProposedTrade
	for _, ticker := range d.Watchlist {
		q, ok := quotes[ticker]
		if !ok || !q.Ask.IsPositive() {
			continue
		}

		if pos, held := byTicker[ticker]; held {
			trigger := pos.AvgCost.Mul(one.Sub(d.Threshold))
			if q.Ask.GreaterThan(trigger) {
				continue
			}
		}

		budget := p.Cash.Mul(d.SpendFraction)
		qty := budget.Div(q.Ask).Floor()
		if !qty.IsPositive() {
			continue
		}
		proposals = append(proposals, ProposedTrade{
			Ticker:    ticker,
			Action:    model.ActionBuy,
			Quantity:  qty,
			Rationale: fmt.Sprintf("dipbuy: ask %s at or below cost trigger", q.Ask),
		})
	}
	return proposals
}

func (d *DipBuy) Explain(t ProposedTrade) string {
	return fmt.Sprintf("buy %s %s: price dipped at least %s%% below average cost",
		t.Quantity, t.Ticker, d.Threshold.Mul(decimal.NewFromInt(100)))
}

// Rebalance trims any position whose mark-to-market value exceeds MaxWeight
// of the portfolio's total value (cash included).
type Rebalance struct {
	MaxWeight decimal.Decimal
}

func (r *Rebalance) Name() string { return "rebalance" }

func (r *Rebalance) ProposeTrades(p *model.Portfolio, quotes map[string]model.Quote) []ProposedTrade {
	total := p.Cash
	values := make(map[string]decimal.Decimal, len(p.Positions))
	for _, pos := range p.Positions {
		q, ok := quotes[pos.Ticker]
		if !ok {
			continue
		}
		v := q.Mid.Mul(pos.Quantity)
		values[pos.Ticker] = v
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return nil
	}

	ceiling := total.Mul(r.MaxWeight)
	var proposals []ProposedTrade
	for _, pos := range p.Positions {
		v, ok := values[pos.Ticker]
		if !ok || !v.GreaterThan(ceiling) {
			continue
		}
		q := quotes[pos.Ticker]
		excess := v.Sub(ceiling).Div(q.Mid).Floor()
		if !excess.IsPositive() {
			continue
		}
		proposals = append(proposals, ProposedTrade{
			Ticker:    pos.Ticker,
			Action:    model.ActionSell,
			Quantity:  excess,
			Rationale: fmt.Sprintf("rebalance: position above %s weight cap", r.MaxWeight),
		})
	}
	return proposals
}

func (r *Rebalance) Explain(t ProposedTrade) string {
	return fmt.Sprintf("sell %s %s: trimming position back under the %s portfolio weight cap",
		t.Quantity, t.Ticker, r.MaxWeight)
}
