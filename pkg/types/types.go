// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — sides, event kinds,
// ticks, signals, actions, and WebSocket/REST payloads. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TokenSide identifies which outcome token of a binary market is meant.
// YES and NO trade on separate order books; their mid prices do not
// necessarily sum to 1.
type TokenSide string

const (
	YES TokenSide = "YES"
	NO  TokenSide = "NO"
)

// Opposite returns the complementary token side.
func (s TokenSide) Opposite() TokenSide {
	if s == YES {
		return NO
	}
	return YES
}

// EventKind classifies the origin of a Tick.
type EventKind string

const (
	EventTrade       EventKind = "trade"        // last_trade_price WS event
	EventBook        EventKind = "book"         // full order book snapshot
	EventPriceChange EventKind = "price_change" // batched book deltas
	EventPeriodic    EventKind = "periodic"     // synthesized heartbeat tick
)

// OrderType enumerates supported order execution styles.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderSpread OrderType = "spread"
)

// SignatureType identifies how the exchange verifies order signatures.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment and the USDC
// amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// ActionKind is a strategy's intent in position-management context.
type ActionKind string

const (
	ActionOpenLong     ActionKind = "OPEN_LONG"
	ActionOpenSpread   ActionKind = "OPEN_SPREAD"
	ActionClose        ActionKind = "CLOSE"
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	ActionAdd          ActionKind = "ADD"
	ActionRebalance    ActionKind = "REBALANCE"
)

// SpreadType classifies a two-leg spread position.
type SpreadType string

const (
	SpreadScalp SpreadType = "scalp"
	SpreadHedge SpreadType = "hedge"
	SpreadArb   SpreadType = "arb"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the read-only reference data for one binary market. Populated
// from the Gamma API by the catalog and never mutated by the trading core.
type Market struct {
	ID          int64  // stable internal market ID
	ConditionID string // CTF condition ID
	Question    string // e.g. "Will Team A beat Team B?"

	YesTokenID string // CLOB token ID for the YES outcome
	NoTokenID  string // CLOB token ID for the NO outcome

	Category   string // L1 category, e.g. "esports"
	Format     string // match format: "BO1", "BO3", "BO5"
	MarketType string // e.g. "match_winner", "map_winner"
	HomeTeam   string
	AwayTeam   string

	GameStartTime time.Time // when the underlying game begins
	EndDate       time.Time // scheduled resolution time
	Resolved      bool      // market has resolved
	Active        bool      // market is live and accepting orders

	Liquidity float64 // total USD liquidity on the book
	LastPrice float64 // most recent YES trade price

	// Authoritative per-token mid prices maintained by the catalog from
	// order book snapshots. Preferred over tick-reported prices because the
	// exchange publishes independent YES and NO books.
	YesMid float64
	NoMid  float64
}

// TokenSideOf reports which outcome a token ID represents, and whether the
// token belongs to this market at all.
func (m *Market) TokenSideOf(tokenID string) (TokenSide, bool) {
	switch tokenID {
	case m.YesTokenID:
		return YES, true
	case m.NoTokenID:
		return NO, true
	}
	return "", false
}

// TokenID returns the token ID for the given side.
func (m *Market) TokenID(side TokenSide) string {
	if side == YES {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// ————————————————————————————————————————————————————————————————————————
// Tick
// ————————————————————————————————————————————————————————————————————————

// Tick is an immutable snapshot of one observation on one market. It is
// built by the router from raw stream events (or synthesized periodically)
// and enriched with catalog metadata before strategy dispatch.
type Tick struct {
	EventID  string    // stream message ID, used for deduplication
	MarketID int64     // internal market ID
	Kind     EventKind // trade / book / price_change / periodic

	TokenID   string    // token the event is about
	TokenSide TokenSide // side of that token

	BestBid float64 // 0 = unknown
	BestAsk float64 // 0 = unknown

	LastTradePrice float64 // trade events only
	LastTradeSize  float64
	LastTradeSide  Side

	// Separately quoted authoritative mids. YES and NO are independent
	// order books and do not sum to 1 in general. Zero = unknown.
	ActualYesMid float64
	ActualNoMid  float64

	Velocity1m float64 // signed price change over the trailing minute

	// Denormalized match context filled in during enrichment.
	Format        string
	MarketType    string
	GameStartTime time.Time
	YesTokenID    string
	NoTokenID     string

	Timestamp time.Time
}

// TokenIDFor returns the token ID of the given side, filled in during
// enrichment.
func (t Tick) TokenIDFor(side TokenSide) string {
	if side == YES {
		return t.YesTokenID
	}
	return t.NoTokenID
}

// Mid returns the order-book mid for the tick's own token, or 0 when either
// side of the book is unknown.
func (t Tick) Mid() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return (t.BestBid + t.BestAsk) / 2
}

// Spread returns bestAsk − bestBid, or 0 when either side is unknown.
func (t Tick) Spread() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return t.BestAsk - t.BestBid
}

// YesPrice resolves the YES price with the documented preference order:
// the authoritative YES mid, then the tick's own mid when the tick is for
// the YES token, then 1−NO as a last resort.
func (t Tick) YesPrice() float64 {
	if t.ActualYesMid > 0 {
		return t.ActualYesMid
	}
	if t.TokenSide == YES {
		if mid := t.Mid(); mid > 0 {
			return mid
		}
	}
	if t.ActualNoMid > 0 {
		return 1 - t.ActualNoMid
	}
	if t.TokenSide == NO {
		if mid := t.Mid(); mid > 0 {
			return 1 - mid
		}
	}
	return 0
}

// NoPrice is symmetric to YesPrice.
func (t Tick) NoPrice() float64 {
	if t.ActualNoMid > 0 {
		return t.ActualNoMid
	}
	if t.TokenSide == NO {
		if mid := t.Mid(); mid > 0 {
			return mid
		}
	}
	if t.ActualYesMid > 0 {
		return 1 - t.ActualYesMid
	}
	if t.TokenSide == YES {
		if mid := t.Mid(); mid > 0 {
			return 1 - mid
		}
	}
	return 0
}

// SidePrice returns YesPrice or NoPrice for the given token side.
func (t Tick) SidePrice(side TokenSide) float64 {
	if side == YES {
		return t.YesPrice()
	}
	return t.NoPrice()
}

// IsInPlay reports whether the game clock has started.
func (t Tick) IsInPlay() bool {
	return !t.GameStartTime.IsZero() && !t.Timestamp.Before(t.GameStartTime)
}

// ————————————————————————————————————————————————————————————————————————
// Signals and actions
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy's short-lived intent to open a position.
type Signal struct {
	ID         string // uuid
	Strategy   string
	MarketID   int64
	TokenID    string
	TokenSide  TokenSide
	Side       Side // always BUY in current strategies
	Reason     string
	Edge       float64 // estimated edge, strategy-defined units
	Confidence float64 // [0, 1]
	Price      float64 // mid price observed at signal time
	SizeUSD    float64 // suggested notional
	CreatedAt  time.Time
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Action is a strategy's intent in position-management context. Which size
// fields are meaningful depends on Kind.
type Action struct {
	Kind      ActionKind
	TokenSide TokenSide // which leg the action targets

	SizeUSD  float64 // OPEN_LONG notional
	ClosePct float64 // PARTIAL_CLOSE fraction in (0, 1]
	AddUSD   float64 // ADD notional

	// OPEN_SPREAD sizing.
	YesUSD     float64
	NoUSD      float64
	SpreadType SpreadType

	Reason string
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the exchange market
// WebSocket: "book" (full snapshot), "price_change" (batched deltas), and
// "last_trade_price" (trade tick). Heartbeats are the literals PING/PONG.

// PriceLevel is a single bid or ask level. Price and Size are strings because
// the CLOB API returns them as strings to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// WSBookEvent is a full order book snapshot for one asset.
// Replaces the entire local book for the given token.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// WSLastTradeEvent is a trade tick from the market channel.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Timestamp string `json:"timestamp"`
}

// WSPriceChange is a single level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level, 0 = removed
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is a batched incremental book update.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg subscribes or unsubscribes token IDs on the market channel.
// Action is empty for subscriptions and "unsubscribe" to drop IDs.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // always "market"
	AssetIDs []string `json:"assets_ids"`
	Action   string   `json:"action,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// REST payloads
// ————————————————————————————————————————————————————————————————————————

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
}

// UserOrder is the high-level order representation produced by the executor.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string   // which token to trade (YES or NO asset ID)
	Price      float64  // limit price (0.0 to 1.0 for binary markets)
	Size       float64  // quantity in tokens
	Side       Side     // BUY or SELL
	TickSize   TickSize // market's price granularity (for amount rounding)
	Expiration int64    // unix timestamp, 0 = no expiry
	FeeRateBps int      // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // "GTC" or "FOK"
}

// OrderResponse is returned by POST /order.
type OrderResponse struct {
	Success      bool    `json:"success"`
	ErrorMsg     string  `json:"errorMsg"`
	OrderID      string  `json:"orderID"`
	Status       string  `json:"status"` // "live", "matched", ...
	MatchedSize  float64 `json:"matchedSize,string"`
	MatchedPrice float64 `json:"matchedPrice,string"`
}

// OrderStatusResponse is returned by GET /order/{id}.
type OrderStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // "live", "matched", "cancelled"
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// CancelResponse is returned by DELETE /order/{id}.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // orderID → reason
}

// WalletPosition is one entry of the authenticated trade-history endpoint,
// aggregated per token. In live mode the wallet, not the local database, is
// authoritative for what has filled.
type WalletPosition struct {
	TokenID  string  `json:"asset_id"`
	Size     float64 `json:"size,string"`
	AvgPrice float64 `json:"avg_price,string"`
}
