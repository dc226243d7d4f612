// Package stream is the low-latency book-imbalance path. It consumes raw
// book snapshots ahead of the router, keeps the latest book per token, and
// fires the imbalance strategy's entries without waiting for the dispatcher.
// Exits for those positions run on the normal tick path.
package stream

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/executor"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/strategy"
	"polymarket-engine/pkg/types"
)

// The streaming path trades on momentary depth imbalances, so its freshness
// gates are much tighter than the polled path's.
const (
	maxSignalAge         = 5 * time.Second
	maxDeviation         = 0.03
	maxBookSpread        = 0.03
	defaultEntryCooldown = 5 * time.Minute
)

// Stream wires book events to the imbalance strategy.
type Stream struct {
	books    *market.BookSet
	catalog  *market.Catalog
	state    *state.Manager
	exec     *executor.Executor
	strat    *strategy.Imbalance
	cfg      config.StrategyConfig
	cooldown time.Duration
	db       *sql.DB
	logger   *slog.Logger

	mu        sync.Mutex
	cooldowns map[int64]time.Time // marketID → last successful entry
	inflight  map[int64]bool      // entries dispatched but not yet settled
}

func New(db *sql.DB, catalog *market.Catalog, st *state.Manager, exec *executor.Executor, strat *strategy.Imbalance, cfg config.StrategyConfig, logger *slog.Logger) *Stream {
	cooldown := defaultEntryCooldown
	if cfg.CooldownMinutes > 0 {
		cooldown = time.Duration(cfg.CooldownMinutes * float64(time.Minute))
	}
	s := &Stream{
		books:     market.NewBookSet(),
		catalog:   catalog,
		state:     st,
		exec:      exec,
		strat:     strat,
		cfg:       cfg,
		cooldown:  cooldown,
		db:        db,
		logger:    logger.With("component", "stream"),
		cooldowns: make(map[int64]time.Time),
		inflight:  make(map[int64]bool),
	}
	s.loadCooldowns()
	return s
}

// loadCooldowns restores entry timestamps persisted by a previous run, so a
// restart inside the cooldown window cannot re-enter immediately.
func (s *Stream) loadCooldowns() {
	rows, err := s.db.Query(`
		SELECT market_id, updated_at FROM strategy_market_state
		WHERE strategy = ? AND stage = 'cooldown'`, s.strat.Name())
	if err != nil {
		s.logger.Error("cooldown restore failed", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var marketID int64
		var at time.Time
		if err := rows.Scan(&marketID, &at); err != nil {
			s.logger.Error("cooldown row scan failed", "error", err)
			return
		}
		if time.Since(at) < s.cooldown {
			s.cooldowns[marketID] = at
		}
	}
}

// Books exposes the book set for health checks and tests.
func (s *Stream) Books() *market.BookSet { return s.books }

// HandleBook applies one book snapshot and, when every gate passes, fires an
// entry asynchronously. The cheap imbalance threshold runs first so the hot
// path exits before any state lookup on the vast majority of events.
func (s *Stream) HandleBook(ctx context.Context, ev types.WSBookEvent, now time.Time) {
	book := s.books.ApplyBookEvent(ev, now)

	imb := book.Imbalance()
	if threshold := s.strat.MinImbalance(); imb < threshold && imb > -threshold {
		return
	}

	m, ok := s.catalog.ByToken(ev.AssetID)
	if !ok || m.Resolved {
		return
	}
	if s.cfg.MinMinutesToClose > 0 && !m.EndDate.IsZero() {
		if time.Until(m.EndDate) < time.Duration(s.cfg.MinMinutesToClose*float64(time.Minute)) {
			return
		}
	}

	if spread := book.Spread(); spread <= 0 || spread > maxBookSpread {
		return
	}

	exposed, err := s.state.HasExposure(ctx, s.strat.Name(), m.ID)
	if err != nil {
		s.logger.Error("exposure lookup failed", "market", m.ID, "error", err)
		return
	}
	if exposed {
		return
	}
	count, err := s.state.OpenPositionCount(ctx, s.strat.Name())
	if err != nil {
		s.logger.Error("position count failed", "error", err)
		return
	}
	if limit := s.strat.Limits().MaxPositions; limit > 0 && count >= limit {
		return
	}

	// The cooldown only starts on a successful entry; books that produce no
	// signal must not burn it.
	s.mu.Lock()
	last, cooling := s.cooldowns[m.ID]
	blocked := (cooling && now.Sub(last) < s.cooldown) || s.inflight[m.ID]
	s.mu.Unlock()
	if blocked {
		return
	}

	sig := s.strat.EvaluateBook(book, m, now)
	if sig == nil {
		return
	}

	s.mu.Lock()
	if s.inflight[m.ID] {
		s.mu.Unlock()
		return
	}
	s.inflight[m.ID] = true
	s.mu.Unlock()

	s.snapshotBook(ctx, book, imb, now)
	s.logger.Info("imbalance entry firing",
		"market", m.ID, "side", sig.TokenSide, "imbalance", imb, "price", sig.Price)

	// Fire-and-forget: execution must not block the reader goroutine.
	go s.fire(ctx, sig, m)
}

// fire re-validates freshness against the latest book right before
// execution, then hands off to the executor.
func (s *Stream) fire(ctx context.Context, sig *types.Signal, m *types.Market) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, m.ID)
		s.mu.Unlock()
	}()

	now := time.Now().UTC()
	if sig.Age(now) > maxSignalAge {
		s.logger.Warn("signal expired before execution", "signal", sig.ID)
		return
	}

	// Recheck the price on the traded token's own book; when only the
	// opposite book exists (the one that generated the signal), its
	// complement is the best available estimate.
	book := s.books.Get(sig.TokenID)
	current := sig.Price
	if book != nil {
		if mid := book.Mid(); mid > 0 {
			current = mid
		}
	} else if opp := s.books.Get(m.TokenID(sig.TokenSide.Opposite())); opp != nil {
		if mid := opp.Mid(); mid > 0 {
			current = 1 - mid
		}
		book = opp
	}
	if dev := (current - sig.Price) / sig.Price; dev > maxDeviation || dev < -maxDeviation {
		s.logger.Info("price moved before execution, dropping signal",
			"signal", sig.ID, "was", sig.Price, "now", current)
		return
	}

	t := s.tickFromBook(sig, m, book, now)
	if err := s.exec.ExecuteSignal(ctx, sig, t); err != nil {
		s.logger.Error("streaming entry failed", "signal", sig.ID, "error", err)
		return
	}

	// The executor may decline a signal without erroring; only a position on
	// the books starts the cooldown.
	exposed, err := s.state.HasExposure(ctx, s.strat.Name(), m.ID)
	if err != nil {
		s.logger.Error("exposure lookup after entry failed", "market", m.ID, "error", err)
		return
	}
	if exposed {
		s.markEntered(ctx, m.ID, now)
	}
}

// markEntered records the entry timestamp in memory and in
// strategy_market_state, keyed by (strategy, market).
func (s *Stream) markEntered(ctx context.Context, marketID int64, at time.Time) {
	s.mu.Lock()
	s.cooldowns[marketID] = at
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_market_state (strategy, market_id, stage, updated_at)
		VALUES (?, ?, 'cooldown', ?)
		ON CONFLICT(strategy, market_id) DO UPDATE SET
			stage = 'cooldown', updated_at = excluded.updated_at`,
		s.strat.Name(), marketID, at.UTC())
	if err != nil {
		s.logger.Error("cooldown persist failed", "market", marketID, "error", err)
	}
}

// tickFromBook builds the execution-context tick the paper venue fills
// against.
func (s *Stream) tickFromBook(sig *types.Signal, m *types.Market, book *market.OrderBook, now time.Time) types.Tick {
	t := types.Tick{
		MarketID:      m.ID,
		Kind:          types.EventBook,
		ActualYesMid:  m.YesMid,
		ActualNoMid:   m.NoMid,
		Format:        m.Format,
		MarketType:    m.MarketType,
		GameStartTime: m.GameStartTime,
		YesTokenID:    m.YesTokenID,
		NoTokenID:     m.NoTokenID,
		Timestamp:     now,
	}
	if book != nil {
		t.TokenID = book.TokenID
		side, _ := m.TokenSideOf(book.TokenID)
		t.TokenSide = side
		t.BestBid = book.BestBid()
		t.BestAsk = book.BestAsk()
		if mid := book.Mid(); mid > 0 {
			if side == types.YES {
				t.ActualYesMid = mid
			} else {
				t.ActualNoMid = mid
			}
		}
	}
	return t
}

func (s *Stream) snapshotBook(ctx context.Context, book *market.OrderBook, imb float64, now time.Time) {
	var bidDepth, askDepth float64
	for _, l := range book.Bids {
		bidDepth += l.Size
	}
	for _, l := range book.Asks {
		askDepth += l.Size
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots (token_id, best_bid, best_ask, bid_depth, ask_depth, imbalance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		book.TokenID, book.BestBid(), book.BestAsk(), bidDepth, askDepth, imb, now.UTC())
	if err != nil {
		s.logger.Error("book snapshot failed", "token", book.TokenID, "error", err)
	}
}
