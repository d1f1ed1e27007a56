// Package strategy models automated-trader strategies as interchangeable
// implementations of a small capability interface, selected by identifier.
// The execution engine never depends on a concrete strategy.
package strategy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/model"
)

// ErrUnknownStrategy is returned for an identifier with no registration.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// ProposedTrade is one trade a strategy wants executed. The engine resolves
// the actual fill price; strategies only name the intent.
type ProposedTrade struct {
	Ticker    string
	Action    string // model.ActionBuy or model.ActionSell
	Quantity  decimal.Decimal
	Rationale string
}

// Strategy proposes trades for an allocated portfolio given current quotes.
type Strategy interface {
	Name() string
	ProposeTrades(p *model.Portfolio, quotes map[string]model.Quote) []ProposedTrade
	Explain(t ProposedTrade) string
}

// Registry maps strategy identifiers to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy under its name, replacing any previous one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get resolves a strategy by identifier.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}
