package exchange

import (
	"log/slog"
	"testing"
)

func newTestFeed() *MarketFeed {
	return NewMarketFeed("ws://unused", slog.Default())
}

func TestDispatchRoutesSingleObject(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{"event_type":"book","asset_id":"tok-1","market":"cond-1","bids":[{"price":"0.41","size":"100"}],"asks":[{"price":"0.43","size":"80"}]}`))

	select {
	case evt := <-f.BookEvents():
		if evt.AssetID != "tok-1" || len(evt.Bids) != 1 || evt.Bids[0].Price != "0.41" {
			t.Fatalf("book event mangled: %+v", evt)
		}
	default:
		t.Fatal("book event not delivered")
	}
}

func TestDispatchUnpacksBatchedArray(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	// Under load the server coalesces events into one array frame.
	f.dispatchMessage([]byte(` [
		{"event_type":"book","asset_id":"tok-1","market":"cond-1","asks":[{"price":"0.55","size":"40"}]},
		{"event_type":"last_trade_price","asset_id":"tok-1","market":"cond-1","price":"0.54","size":"25","side":"BUY"},
		{"event_type":"price_change","market":"cond-1","price_changes":[{"asset_id":"tok-1","price":"0.55","size":"0","side":"SELL"}]}
	]`))

	select {
	case evt := <-f.BookEvents():
		if evt.AssetID != "tok-1" {
			t.Fatalf("wrong book asset: %q", evt.AssetID)
		}
	default:
		t.Fatal("batched book event not delivered")
	}
	select {
	case evt := <-f.LastTradeEvents():
		if evt.Price != "0.54" || evt.Side != "BUY" {
			t.Fatalf("trade event mangled: %+v", evt)
		}
	default:
		t.Fatal("batched trade event not delivered")
	}
	select {
	case evt := <-f.PriceChangeEvents():
		if len(evt.PriceChanges) != 1 {
			t.Fatalf("price_change event mangled: %+v", evt)
		}
	default:
		t.Fatal("batched price_change event not delivered")
	}
}

func TestDispatchIgnoresHeartbeatAndGarbage(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte("PONG"))
	f.dispatchMessage([]byte("[not json"))
	f.dispatchMessage([]byte(`{"event_type":"tick_size_change"}`))

	select {
	case evt := <-f.BookEvents():
		t.Fatalf("unexpected book event: %+v", evt)
	default:
	}
	select {
	case evt := <-f.LastTradeEvents():
		t.Fatalf("unexpected trade event: %+v", evt)
	default:
	}
}
