package market

import (
	"math"
	"testing"
	"time"

	"polymarket-engine/pkg/types"
)

const testToken = "token-123"

func TestNewOrderBookSortsLevels(t *testing.T) {
	t.Parallel()

	b := NewOrderBook(testToken,
		[]types.PriceLevel{{Price: "0.54", Size: "200"}, {Price: "0.55", Size: "100"}},
		[]types.PriceLevel{{Price: "0.60", Size: "50"}, {Price: "0.57", Size: "150"}},
		time.Now())

	if got := b.BestBid(); got != 0.55 {
		t.Errorf("BestBid() = %v, want 0.55", got)
	}
	if got := b.BestAsk(); got != 0.57 {
		t.Errorf("BestAsk() = %v, want 0.57", got)
	}
	if got := b.Mid(); got != 0.56 {
		t.Errorf("Mid() = %v, want 0.56", got)
	}
	if got := b.Spread(); math.Abs(got-0.02) > 1e-12 {
		t.Errorf("Spread() = %v, want 0.02", got)
	}
}

func TestOrderBookSkipsUnparsableLevels(t *testing.T) {
	t.Parallel()

	b := NewOrderBook(testToken,
		[]types.PriceLevel{{Price: "bogus", Size: "100"}, {Price: "0.50", Size: "x"}, {Price: "0.49", Size: "10"}},
		nil, time.Now())

	if len(b.Bids) != 1 || b.Bids[0].Price != 0.49 {
		t.Errorf("Bids = %+v, want single level at 0.49", b.Bids)
	}
}

func TestOrderBookEmptySides(t *testing.T) {
	t.Parallel()

	b := NewOrderBook(testToken, nil, []types.PriceLevel{{Price: "0.60", Size: "50"}}, time.Now())

	if got := b.BestBid(); got != 0 {
		t.Errorf("BestBid() = %v, want 0 for empty bid side", got)
	}
	if got := b.Mid(); got != 0 {
		t.Errorf("Mid() = %v, want 0 when one side is empty", got)
	}
	if got := b.Spread(); got != 0 {
		t.Errorf("Spread() = %v, want 0 when one side is empty", got)
	}
}

func TestImbalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bids []types.PriceLevel
		asks []types.PriceLevel
		want float64
	}{
		{
			name: "bid heavy",
			bids: []types.PriceLevel{{Price: "0.49", Size: "300"}},
			asks: []types.PriceLevel{{Price: "0.51", Size: "100"}},
			want: 0.5,
		},
		{
			name: "ask heavy",
			bids: []types.PriceLevel{{Price: "0.49", Size: "100"}},
			asks: []types.PriceLevel{{Price: "0.51", Size: "300"}},
			want: -0.5,
		},
		{
			name: "balanced",
			bids: []types.PriceLevel{{Price: "0.49", Size: "100"}},
			asks: []types.PriceLevel{{Price: "0.51", Size: "100"}},
			want: 0,
		},
		{
			name: "empty book",
			want: 0,
		},
		{
			name: "only top five levels count",
			bids: []types.PriceLevel{
				{Price: "0.49", Size: "10"}, {Price: "0.48", Size: "10"},
				{Price: "0.47", Size: "10"}, {Price: "0.46", Size: "10"},
				{Price: "0.45", Size: "10"}, {Price: "0.44", Size: "9000"},
			},
			asks: []types.PriceLevel{{Price: "0.51", Size: "50"}},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewOrderBook(testToken, tt.bids, tt.asks, time.Now())
			if got := b.Imbalance(); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Imbalance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewOrderBook(testToken, nil, nil, now.Add(-10*time.Second))

	if b.IsStale(now, 30*time.Second) {
		t.Error("10s old book reported stale with 30s max age")
	}
	if !b.IsStale(now, 5*time.Second) {
		t.Error("10s old book not reported stale with 5s max age")
	}

	zero := &OrderBook{TokenID: testToken}
	if !zero.IsStale(now, time.Hour) {
		t.Error("book with zero LastUpdate must always be stale")
	}
}

func TestBookSetReplaceAndDrop(t *testing.T) {
	t.Parallel()

	s := NewBookSet()
	if s.Get(testToken) != nil {
		t.Fatal("Get on empty set should return nil")
	}

	s.ApplyBookEvent(types.WSBookEvent{
		AssetID: testToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.52", Size: "100"}},
	}, time.Now())
	s.ApplyBookEvent(types.WSBookEvent{
		AssetID: testToken,
		Bids:    []types.PriceLevel{{Price: "0.55", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.56", Size: "100"}},
	}, time.Now())

	if got := s.Get(testToken).BestBid(); got != 0.55 {
		t.Errorf("latest snapshot BestBid() = %v, want 0.55", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after replacing same token", s.Len())
	}

	s.Drop(testToken)
	if s.Get(testToken) != nil || s.Len() != 0 {
		t.Error("Drop did not remove the book")
	}
}
