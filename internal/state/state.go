// Package state holds the engine's single in-process source of truth
// for positions, orders, features, metrics, and regime. It is constructed
// once and passed around as a dependency. Positions, orders and features
// share one RWMutex; metrics, regime, the trading flag, cooldowns and the
// watchlist each have their own, so readers (the HTTP/WS API) never block
// writers (the trading loops) longer than a map copy.
package state

import (
	"sync"
	"time"

	"github.com/riverrun/daytrader-engine/pkg/types"
)

// TradingState is the sole shared mutable memory of the engine.
type TradingState struct {
	mu        sync.RWMutex
	positions map[string]types.Position
	orders    map[string]types.Order
	features  map[string]types.Features

	metricsMu sync.RWMutex
	metrics   types.Metrics

	regimeMu sync.RWMutex
	regime   types.Regime

	tradingMu      sync.RWMutex
	tradingEnabled bool
	disabledReason string

	cooldownMu sync.RWMutex
	cooldowns  map[string]time.Time

	watchMu       sync.RWMutex
	watchlist     []string
	opportunities []types.Opportunity
}

// New builds an empty TradingState with trading enabled.
func New() *TradingState {
	return &TradingState{
		positions:      make(map[string]types.Position),
		orders:         make(map[string]types.Order),
		features:       make(map[string]types.Features),
		cooldowns:      make(map[string]time.Time),
		tradingEnabled: true,
	}
}

// UpsertPosition replaces the stored position for its symbol.
func (s *TradingState) UpsertPosition(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
}

// RemovePosition deletes the stored position for symbol, if any.
func (s *TradingState) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

// Position returns the stored position for symbol.
func (s *TradingState) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// AllPositions returns a snapshot copy of every open position.
func (s *TradingState) AllPositions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// UpsertOrder replaces the stored order by client order ID.
func (s *TradingState) UpsertOrder(o types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = o
}

// RemoveOrder deletes the stored order by client order ID.
func (s *TradingState) RemoveOrder(clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, clientOrderID)
}

// Order returns the stored order by client order ID.
func (s *TradingState) Order(clientOrderID string) (types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[clientOrderID]
	return o, ok
}

// AllOrders returns a snapshot copy of every tracked order.
func (s *TradingState) AllOrders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// OrdersForLinkage returns every order sharing a linkage ID (bracket
// siblings), used by the protection audit and cancel cascades.
func (s *TradingState) OrdersForLinkage(linkageID string) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.LinkageID == linkageID {
			out = append(out, o)
		}
	}
	return out
}

// UpdateFeatures replaces the stored feature snapshot for its symbol.
func (s *TradingState) UpdateFeatures(f types.Features) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.Symbol] = f
}

// AllFeatures returns a snapshot copy of every symbol's latest feature
// snapshot, used to derive market-breadth inputs for regime classification.
func (s *TradingState) AllFeatures() []types.Features {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Features, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f)
	}
	return out
}

// Features returns the stored feature snapshot for symbol.
func (s *TradingState) Features(symbol string) (types.Features, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[symbol]
	return f, ok
}

// UpdateMetrics replaces the stored account-level metrics.
func (s *TradingState) UpdateMetrics(m types.Metrics) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metrics = m
}

// Metrics returns the stored account-level metrics.
func (s *TradingState) Metrics() types.Metrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

// UpdateRegime replaces the stored market regime.
func (s *TradingState) UpdateRegime(r types.Regime) {
	s.regimeMu.Lock()
	defer s.regimeMu.Unlock()
	s.regime = r
}

// Regime returns the stored market regime.
func (s *TradingState) Regime() types.Regime {
	s.regimeMu.RLock()
	defer s.regimeMu.RUnlock()
	return s.regime
}

// DisableTrading flips the kill switch, recording why (circuit breaker or
// operator pause). Existing position management continues regardless.
func (s *TradingState) DisableTrading(reason string) {
	s.tradingMu.Lock()
	defer s.tradingMu.Unlock()
	s.tradingEnabled = false
	s.disabledReason = reason
}

// EnableTrading clears the kill switch.
func (s *TradingState) EnableTrading() {
	s.tradingMu.Lock()
	defer s.tradingMu.Unlock()
	s.tradingEnabled = true
	s.disabledReason = ""
}

// IsTradingAllowed reports whether new entries may be submitted.
func (s *TradingState) IsTradingAllowed() (bool, string) {
	s.tradingMu.RLock()
	defer s.tradingMu.RUnlock()
	return s.tradingEnabled, s.disabledReason
}

// SetCooldown marks symbol as ineligible for new entries until expiry.
func (s *TradingState) SetCooldown(symbol string, until time.Time) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	s.cooldowns[symbol] = until
}

// IsInCooldown reports whether symbol is still cooling down as of now.
func (s *TradingState) IsInCooldown(symbol string, now time.Time) bool {
	s.cooldownMu.RLock()
	defer s.cooldownMu.RUnlock()
	until, ok := s.cooldowns[symbol]
	return ok && now.Before(until)
}

// UpdateWatchlist replaces the active watchlist and the ranked opportunity
// list it was derived from.
func (s *TradingState) UpdateWatchlist(symbols []string, opps []types.Opportunity) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchlist = append([]string(nil), symbols...)
	s.opportunities = append([]types.Opportunity(nil), opps...)
}

// Watchlist returns a copy of the active watchlist.
func (s *TradingState) Watchlist() []string {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return append([]string(nil), s.watchlist...)
}

// Opportunities returns a copy of the last ranked opportunity list.
func (s *TradingState) Opportunities() []types.Opportunity {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return append([]types.Opportunity(nil), s.opportunities...)
}
