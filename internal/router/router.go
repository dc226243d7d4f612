// Package router is the dispatch core: it converts raw stream events into
// enriched ticks, deduplicates replays, maintains authoritative mids and
// position marks, and fans each tick out to the strategies, routing their
// intents into the executor.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/executor"
	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/strategy"
	"polymarket-engine/pkg/types"
)

// Trades at or above this notional are recorded as whale events.
const whaleNotionalUSD = 1000.0

// Router owns the event → tick → strategy → executor pipeline. All Handle
// methods run on the engine's single dispatcher goroutine; the dedupe cache
// and strategy state need no locking.
type Router struct {
	catalog    *market.Catalog
	store      *position.Store
	state      *state.Manager
	ledger     *ledger.Ledger
	exec       *executor.Executor
	strategies []strategy.Strategy
	dedupe     *dedupe
	buffer     *tickBuffer
	vel        *velocityTracker
	db         *sql.DB
	logger     *slog.Logger
}

func New(db *sql.DB, catalog *market.Catalog, store *position.Store, st *state.Manager, l *ledger.Ledger, exec *executor.Executor, strategies []strategy.Strategy, engineCfg config.EngineConfig, logger *slog.Logger) *Router {
	return &Router{
		catalog:    catalog,
		store:      store,
		state:      st,
		ledger:     l,
		exec:       exec,
		strategies: strategies,
		dedupe:     newDedupe(engineCfg.DedupeCacheSize),
		buffer:     newTickBuffer(engineCfg.TickBufferSize),
		vel:        newVelocityTracker(),
		db:         db,
		logger:     logger.With("component", "router"),
	}
}

// FlushTicks writes buffered tick rows; called periodically by the engine.
func (r *Router) FlushTicks(ctx context.Context) error {
	return r.buffer.Flush(ctx, r.db)
}

// ————————————————————————————————————————————————————————————————————————
// Event handlers
// ————————————————————————————————————————————————————————————————————————

// HandleBook converts a full book snapshot into a tick. The mid derived from
// the book becomes the token's authoritative mid.
func (r *Router) HandleBook(ctx context.Context, ev types.WSBookEvent, now time.Time) {
	bid := topPrice(ev.Bids, true)
	ask := topPrice(ev.Asks, false)
	if bid > 0 && ask > 0 {
		r.catalog.SetMid(ev.AssetID, (bid+ask)/2)
	}
	// Look up after the mid update so the tick carries this book's mid.
	m, ok := r.catalog.ByToken(ev.AssetID)
	if !ok {
		return
	}

	t := r.enrich(m, ev.AssetID, now)
	t.EventID = ev.Hash
	t.Kind = types.EventBook
	t.BestBid, t.BestAsk = bid, ask
	r.Dispatch(ctx, t)
}

// HandlePriceChange applies each per-token delta as its own tick.
func (r *Router) HandlePriceChange(ctx context.Context, ev types.WSPriceChangeEvent, now time.Time) {
	for _, ch := range ev.PriceChanges {
		bid, _ := strconv.ParseFloat(ch.BestBid, 64)
		ask, _ := strconv.ParseFloat(ch.BestAsk, 64)
		if bid > 0 && ask > 0 {
			r.catalog.SetMid(ch.AssetID, (bid+ask)/2)
		}
		m, ok := r.catalog.ByToken(ch.AssetID)
		if !ok {
			continue
		}

		t := r.enrich(m, ch.AssetID, now)
		t.EventID = fmt.Sprintf("pc:%s:%s:%s", ch.AssetID, ev.Timestamp, ch.Price)
		t.Kind = types.EventPriceChange
		t.BestBid, t.BestAsk = bid, ask
		r.Dispatch(ctx, t)
	}
}

// HandleTrade converts a trade print into a tick and records whales.
func (r *Router) HandleTrade(ctx context.Context, ev types.WSLastTradeEvent, now time.Time) {
	m, ok := r.catalog.ByToken(ev.AssetID)
	if !ok {
		return
	}
	price, _ := strconv.ParseFloat(ev.Price, 64)
	size, _ := strconv.ParseFloat(ev.Size, 64)

	if notional := price * size; notional >= whaleNotionalUSD {
		r.recordWhale(ctx, m.ID, ev, price, size, notional, now)
	}

	t := r.enrich(m, ev.AssetID, now)
	t.EventID = fmt.Sprintf("tr:%s:%s:%s", ev.AssetID, ev.Timestamp, ev.Price)
	t.Kind = types.EventTrade
	t.LastTradePrice = price
	t.LastTradeSize = size
	t.LastTradeSide = types.Side(ev.Side)
	r.Dispatch(ctx, t)
}

// EmitPeriodicTicks synthesizes one heartbeat tick per active market from
// the catalog's authoritative mids, so time-based strategy logic advances
// even on quiet books.
func (r *Router) EmitPeriodicTicks(ctx context.Context, now time.Time) {
	for _, m := range r.catalog.Markets() {
		if m.Resolved || m.YesMid <= 0 {
			continue
		}
		t := r.enrich(m, m.YesTokenID, now)
		t.Kind = types.EventPeriodic
		r.Dispatch(ctx, t)
	}
}

// enrich builds the base tick for a market from catalog metadata.
func (r *Router) enrich(m *types.Market, tokenID string, now time.Time) types.Tick {
	side, _ := m.TokenSideOf(tokenID)
	var velocity float64
	if m.YesMid > 0 {
		velocity = r.vel.Observe(m.ID, m.YesMid, now)
	}
	return types.Tick{
		MarketID:      m.ID,
		TokenID:       tokenID,
		TokenSide:     side,
		ActualYesMid:  m.YesMid,
		ActualNoMid:   m.NoMid,
		Velocity1m:    velocity,
		Format:        m.Format,
		MarketType:    m.MarketType,
		GameStartTime: m.GameStartTime,
		YesTokenID:    m.YesTokenID,
		NoTokenID:     m.NoTokenID,
		Timestamp:     now,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dispatch
// ————————————————————————————————————————————————————————————————————————

// Dispatch runs one enriched tick through dedup, the mark-to-market update,
// the tick buffer, and every strategy.
func (r *Router) Dispatch(ctx context.Context, t types.Tick) {
	if r.dedupe.Mark(t.EventID) {
		return
	}
	if m, ok := r.catalog.ByID(t.MarketID); ok && m.Resolved {
		return
	}

	if t.ActualYesMid > 0 || t.ActualNoMid > 0 {
		if err := r.store.UpdatePrices(ctx, t.MarketID, t.ActualYesMid, t.ActualNoMid); err != nil {
			r.logger.Error("mark-to-market failed", "market", t.MarketID, "error", err)
		}
	}
	r.buffer.Add(t)

	for _, s := range r.strategies {
		if !s.FilterTick(t) {
			continue
		}
		r.dispatchTo(ctx, s, t)
	}
}

func (r *Router) dispatchTo(ctx context.Context, s strategy.Strategy, t types.Tick) {
	exposed, err := r.state.HasExposure(ctx, s.Name(), t.MarketID)
	if err != nil {
		r.logger.Error("exposure lookup failed", "strategy", s.Name(), "market", t.MarketID, "error", err)
		return
	}

	if exposed {
		view, err := r.positionView(ctx, s.Name(), t.MarketID)
		if err != nil {
			r.logger.Error("position view failed", "strategy", s.Name(), "market", t.MarketID, "error", err)
			return
		}
		if act := s.OnPositionUpdate(view, t); act != nil {
			r.runAction(ctx, s.Name(), act, t)
		}
		return
	}

	act := s.OnTick(t)
	if act == nil {
		return
	}
	if act.Kind == types.ActionOpenLong || act.Kind == types.ActionOpenSpread {
		count, err := r.state.OpenPositionCount(ctx, s.Name())
		if err != nil {
			r.logger.Error("position count failed", "strategy", s.Name(), "error", err)
			return
		}
		if limit := s.Limits().MaxPositions; limit > 0 && count >= limit {
			r.logger.Debug("entry skipped, position limit reached",
				"strategy", s.Name(), "open", count, "limit", limit)
			return
		}
	}
	r.runAction(ctx, s.Name(), act, t)
}

func (r *Router) runAction(ctx context.Context, strategyName string, act *types.Action, t types.Tick) {
	if err := r.exec.ExecuteAction(ctx, strategyName, act, t); err != nil {
		r.logger.Error("action failed",
			"strategy", strategyName, "kind", act.Kind, "market", t.MarketID, "error", err)
	}
}

func (r *Router) positionView(ctx context.Context, strategyName string, marketID int64) (strategy.PositionView, error) {
	positions, err := r.state.Positions(ctx, strategyName, marketID)
	if err != nil {
		return strategy.PositionView{}, err
	}
	spread, err := r.state.Spread(ctx, strategyName, marketID)
	if err != nil {
		return strategy.PositionView{}, err
	}
	return strategy.PositionView{Positions: positions, Spread: spread}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Maintenance
// ————————————————————————————————————————————————————————————————————————

// Maintain runs the periodic sweep: force-close positions on resolved prices,
// refresh per-strategy unrealized P&L, and drop all cached state so the next
// reads observe the sweep's effects.
func (r *Router) Maintain(ctx context.Context) {
	closed, err := r.store.CleanupResolvedPositions(ctx)
	if err != nil {
		r.logger.Error("resolution sweep failed", "error", err)
	}
	for _, rc := range closed {
		r.catalog.MarkResolved(rc.Position.MarketID)
		r.logger.Info("position closed by resolution sweep",
			"position", rc.Position.ID, "winner", rc.Winner,
			"credited", rc.Credited, "realized", rc.Realized)
	}

	for _, s := range r.strategies {
		unrealized, err := r.store.SumUnrealized(ctx, s.Name())
		if err != nil {
			r.logger.Error("unrealized sum failed", "strategy", s.Name(), "error", err)
			continue
		}
		if err := r.ledger.UpdateUnrealized(ctx, s.Name(), unrealized); err != nil && !errors.Is(err, ledger.ErrUnknownStrategy) {
			r.logger.Error("unrealized update failed", "strategy", s.Name(), "error", err)
		}
	}

	r.state.InvalidateAll()
}

func (r *Router) recordWhale(ctx context.Context, marketID int64, ev types.WSLastTradeEvent, price, size, notional float64, now time.Time) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whale_events (market_id, token_id, side, price, size, notional, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		marketID, ev.AssetID, ev.Side, price, size, notional, now.UTC())
	if err != nil {
		r.logger.Error("record whale failed", "token", ev.AssetID, "error", err)
	}
}

// topPrice parses the touch from raw levels: highest bid or lowest ask.
func topPrice(levels []types.PriceLevel, wantMax bool) float64 {
	var best float64
	for _, l := range levels {
		p, err := strconv.ParseFloat(l.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		if best == 0 || (wantMax && p > best) || (!wantMax && p < best) {
			best = p
		}
	}
	return best
}
