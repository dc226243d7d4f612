package market

import (
	"sync"
	"time"

	"polymarket-engine/pkg/types"
)

// BookSet holds the latest OrderBook snapshot per token. The WebSocket
// reader is the single writer; strategies read concurrently. Snapshots are
// immutable, so readers only need the map access synchronized.
type BookSet struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewBookSet creates an empty book set.
func NewBookSet() *BookSet {
	return &BookSet{books: make(map[string]*OrderBook)}
}

// ApplyBookEvent replaces the snapshot for the event's token and returns it.
func (s *BookSet) ApplyBookEvent(evt types.WSBookEvent, at time.Time) *OrderBook {
	book := NewOrderBook(evt.AssetID, evt.Bids, evt.Asks, at)
	s.mu.Lock()
	s.books[evt.AssetID] = book
	s.mu.Unlock()
	return book
}

// Get returns the latest snapshot for a token, or nil if none arrived yet.
func (s *BookSet) Get(tokenID string) *OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[tokenID]
}

// Drop removes a token's book, e.g. after unsubscribing.
func (s *BookSet) Drop(tokenID string) {
	s.mu.Lock()
	delete(s.books, tokenID)
	s.mu.Unlock()
}

// Len returns the number of tracked tokens.
func (s *BookSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}
