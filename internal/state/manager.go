// Package state serves read-mostly access to open positions, spreads, and
// strategy capital through an in-memory cache keyed by (strategy, market).
//
// Entries populate on first read. The position store calls Invalidate inside
// its transaction, before commit: a reader that misses after invalidation
// blocks on the single SQLite writer and reads post-commit state, so no
// stale entry can outlive the write that changed it.
//
// All returned values are copies, never references into cached memory.
package state

import (
	"context"
	"log/slog"
	"sync"

	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/position"
)

type cacheKey struct {
	strategy string
	marketID int64
}

type marketEntry struct {
	positions []position.Position
	spread    *position.Spread
}

// Manager is the cache layer between strategies and storage.
type Manager struct {
	store  *position.Store
	ledger *ledger.Ledger
	logger *slog.Logger

	mu      sync.RWMutex
	markets map[cacheKey]*marketEntry
	capital map[string]ledger.Snapshot
}

// NewManager creates the cache and registers it as the store's invalidator.
func NewManager(store *position.Store, l *ledger.Ledger, logger *slog.Logger) *Manager {
	m := &Manager{
		store:   store,
		ledger:  l,
		logger:  logger.With("component", "state"),
		markets: make(map[cacheKey]*marketEntry),
		capital: make(map[string]ledger.Snapshot),
	}
	store.SetInvalidator(m)
	return m
}

// Invalidate drops the cached entry for (strategy, market) and the
// strategy's capital snapshot. Called by mutators before commit.
func (m *Manager) Invalidate(strategy string, marketID int64) {
	m.mu.Lock()
	delete(m.markets, cacheKey{strategy, marketID})
	delete(m.capital, strategy)
	m.mu.Unlock()
}

// InvalidateAll flushes the whole cache, e.g. after the cleanup sweep which
// may close positions across many markets.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	m.markets = make(map[cacheKey]*marketEntry)
	m.capital = make(map[string]ledger.Snapshot)
	m.mu.Unlock()
}

func (m *Manager) loadEntry(ctx context.Context, strategy string, marketID int64) (*marketEntry, error) {
	key := cacheKey{strategy, marketID}

	m.mu.RLock()
	entry, ok := m.markets[key]
	m.mu.RUnlock()
	if ok {
		return entry, nil
	}

	positions, err := m.store.OpenPositionsForMarket(ctx, strategy, marketID)
	if err != nil {
		return nil, err
	}
	spread, err := m.store.OpenSpreadForMarket(ctx, strategy, marketID)
	if err != nil {
		return nil, err
	}

	entry = &marketEntry{spread: spread}
	for _, p := range positions {
		entry.positions = append(entry.positions, *p)
	}

	m.mu.Lock()
	m.markets[key] = entry
	m.mu.Unlock()
	return entry, nil
}

// Positions returns copies of the strategy's open/partial positions on a
// market.
func (m *Manager) Positions(ctx context.Context, strategy string, marketID int64) ([]position.Position, error) {
	entry, err := m.loadEntry(ctx, strategy, marketID)
	if err != nil {
		return nil, err
	}
	out := make([]position.Position, len(entry.positions))
	copy(out, entry.positions)
	return out, nil
}

// Spread returns a copy of the strategy's open/partial spread on a market,
// or nil.
func (m *Manager) Spread(ctx context.Context, strategy string, marketID int64) (*position.Spread, error) {
	entry, err := m.loadEntry(ctx, strategy, marketID)
	if err != nil {
		return nil, err
	}
	if entry.spread == nil {
		return nil, nil
	}
	sp := *entry.spread
	return &sp, nil
}

// HasExposure reports whether the strategy holds any open position or
// spread on the market. The router uses this to choose between on_tick and
// on_position_update.
func (m *Manager) HasExposure(ctx context.Context, strategy string, marketID int64) (bool, error) {
	entry, err := m.loadEntry(ctx, strategy, marketID)
	if err != nil {
		return false, err
	}
	return len(entry.positions) > 0 || entry.spread != nil, nil
}

// Capital returns a snapshot of the strategy's capital row.
func (m *Manager) Capital(ctx context.Context, strategy string) (ledger.Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.capital[strategy]
	m.mu.RUnlock()
	if ok {
		return snap, nil
	}

	snap, err := m.ledger.Get(ctx, strategy)
	if err != nil {
		return ledger.Snapshot{}, err
	}

	m.mu.Lock()
	m.capital[strategy] = snap
	m.mu.Unlock()
	return snap, nil
}

// OpenPositionCount counts the strategy's open positions across all
// markets. Not cached: used on the entry path only, where the count gate is
// cheap relative to execution.
func (m *Manager) OpenPositionCount(ctx context.Context, strategy string) (int, error) {
	return m.store.CountOpenPositions(ctx, strategy)
}
