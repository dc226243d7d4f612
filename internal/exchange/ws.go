// ws.go implements the real-time market data feed.
//
// A single public WebSocket connection subscribes by asset ID (token ID) and
// receives three event types:
//
//   - "book":             full order book snapshots
//   - "price_change":     batched incremental book updates
//   - "last_trade_price": trade ticks
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked IDs on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings, and
// the engine's health task can force a reconnect when no message has been
// seen for longer than its own threshold.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-engine/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 256              // buffer for book/price events
	tradeBufferSize  = 128              // buffer for trade events
)

// MarketFeed manages the public market-data WebSocket connection. It handles
// connection lifecycle, subscription tracking, message routing, and automatic
// reconnection with exponential backoff.
type MarketFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	// Typed event channels — consumers read from these via accessor methods
	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	lastTradeCh   chan types.WSLastTradeEvent

	lastMessageAt atomic.Int64 // unix nanos of the last received message
	reconnectCh   chan struct{}

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:           wsURL,
		subscribed:    make(map[string]bool),
		bookCh:        make(chan types.WSBookEvent, bookBufferSize),
		priceChangeCh: make(chan types.WSPriceChangeEvent, bookBufferSize),
		lastTradeCh:   make(chan types.WSLastTradeEvent, tradeBufferSize),
		reconnectCh:   make(chan struct{}, 1),
		logger:        logger.With("component", "ws_market"),
	}
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *MarketFeed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns a read-only channel of price change events.
func (f *MarketFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }

// LastTradeEvents returns a read-only channel of trade tick events.
func (f *MarketFeed) LastTradeEvents() <-chan types.WSLastTradeEvent { return f.lastTradeCh }

// LastMessageAt returns when the feed last received any message.
// Zero time means nothing has been received since startup.
func (f *MarketFeed) LastMessageAt() time.Time {
	nanos := f.lastMessageAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ForceReconnect tears down the current connection. Run picks this up and
// re-dials with backoff. Used by the engine's health task.
func (f *MarketFeed) ForceReconnect() {
	select {
	case f.reconnectCh <- struct{}{}:
	default:
	}
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reset backoff after a connection that lasted a while.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds token IDs to the live subscription.
func (f *MarketFeed) Subscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.WSSubscribeMsg{
		Type:     "market",
		AssetIDs: ids,
	})
}

// Unsubscribe removes token IDs from the subscription.
func (f *MarketFeed) Unsubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.WSSubscribeMsg{
		Type:     "market",
		AssetIDs: ids,
		Action:   "unsubscribe",
	})
}

// Subscribed returns the current subscription set.
func (f *MarketFeed) Subscribed() map[string]bool {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make(map[string]bool, len(f.subscribed))
	for id := range f.subscribed {
		out[id] = true
	}
	return out
}

// Close gracefully closes the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	// Drain a stale reconnect request from the previous connection.
	select {
	case <-f.reconnectCh:
	default:
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "subscriptions", len(f.Subscribed()))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.lastMessageAt.Store(time.Now().UnixNano())
		f.dispatchMessage(msg)
	}
}

func (f *MarketFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(types.WSSubscribeMsg{
		Type:     "market",
		AssetIDs: ids,
	})
}

func (f *MarketFeed) dispatchMessage(data []byte) {
	// Heartbeat reply is a bare text literal, not JSON.
	if string(data) == "PONG" {
		return
	}

	// The server batches events into JSON arrays under load; a frame may be
	// a single object or an array of them.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			f.logger.Debug("ignoring malformed ws batch", "data", string(data))
			return
		}
		for _, item := range batch {
			f.dispatchOne(item)
		}
		return
	}
	f.dispatchOne(trimmed)
}

func (f *MarketFeed) dispatchOne(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case f.priceChangeCh <- evt:
		default:
			f.logger.Warn("price_change channel full, dropping event")
		}

	case "last_trade_price":
		var evt types.WSLastTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		select {
		case f.lastTradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "asset", evt.AssetID)
		}

	case "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarketFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
