// Package market provides the order book model and market reference data.
//
// OrderBook is an immutable snapshot of one token's book, parsed and sorted
// once when the event arrives. BookSet holds the latest snapshot per token:
// the WebSocket reader is the only writer, strategies read snapshots and
// never see a half-applied book.
package market

import (
	"sort"
	"strconv"
	"time"

	"polymarket-engine/pkg/types"
)

// imbalanceDepth is how many levels per side feed the imbalance ratio.
const imbalanceDepth = 5

// Level is one parsed price level.
type Level struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time snapshot of one token's order book.
// Bids are sorted descending, asks ascending. Never mutated after creation.
type OrderBook struct {
	TokenID    string
	Bids       []Level
	Asks       []Level
	LastUpdate time.Time
}

// NewOrderBook parses raw price levels into a sorted snapshot.
func NewOrderBook(tokenID string, bids, asks []types.PriceLevel, at time.Time) *OrderBook {
	b := &OrderBook{
		TokenID:    tokenID,
		Bids:       parseLevels(bids),
		Asks:       parseLevels(asks),
		LastUpdate: at,
	}
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
	return b
}

// BestBid returns the highest bid price, or 0 when the bid side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the ask side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns (bestBid + bestAsk) / 2, or 0 when either side is empty.
func (b *OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns bestAsk − bestBid, or 0 when either side is empty.
func (b *OrderBook) Spread() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Imbalance returns the signed depth ratio over the top five levels:
//
//	(Σ bid sizes − Σ ask sizes) / (Σ bid sizes + Σ ask sizes)
//
// The value is in [−1, 1]; positive means bid-heavy. An empty book yields 0.
func (b *OrderBook) Imbalance() float64 {
	var bidDepth, askDepth float64
	for i := 0; i < len(b.Bids) && i < imbalanceDepth; i++ {
		bidDepth += b.Bids[i].Size
	}
	for i := 0; i < len(b.Asks) && i < imbalanceDepth; i++ {
		askDepth += b.Asks[i].Size
	}
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	return (bidDepth - askDepth) / total
}

// IsStale returns true if the snapshot is older than maxAge.
func (b *OrderBook) IsStale(now time.Time, maxAge time.Duration) bool {
	return b.LastUpdate.IsZero() || now.Sub(b.LastUpdate) > maxAge
}

func parseLevels(raw []types.PriceLevel) []Level {
	levels := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}
