// Package executor turns validated strategy intents into fills and persists
// every step: signals, orders, trades, decisions, and the resulting position
// and capital mutations. It supports two venues behind one interface: Paper
// simulates fills from the triggering tick, Live places real CLOB orders.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

// Venue fills buys and sells in one execution mode.
type Venue interface {
	Name() string
	Buy(ctx context.Context, req FillRequest) (*Fill, error)
	Sell(ctx context.Context, req FillRequest) (*Fill, error)
}

// FillRequest describes one desired fill. SizeUSD drives buys, Shares drives
// sells; Price is the reference mid at decision time and Tick carries the
// book context the paper venue simulates against.
type FillRequest struct {
	Strategy       string
	MarketID       int64
	TokenID        string
	TokenSide      types.TokenSide
	Price          float64
	SizeUSD        float64
	Shares         float64
	LimitOffsetBps float64 // live orders only: offset from the touch
	Tick           types.Tick
	Reason         string
}

// Fill is the outcome of one executed order. Reason is set only when the
// fill was reconstructed rather than observed directly, e.g. adopted from
// the wallet after a lost order response.
type Fill struct {
	OrderID  string
	Price    float64
	Shares   float64
	USD      float64
	Slippage float64
	Reason   string
}

// Notifier pushes human-facing trade alerts. May be nil.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Executor routes intents to the right venue per strategy and owns all
// execution-side persistence.
type Executor struct {
	db        *sql.DB
	store     *position.Store
	state     *state.Manager
	validator *Validator
	paper     Venue
	live      Venue // nil when no strategy trades live
	cfgs      map[string]config.StrategyConfig
	notifier  Notifier
	logger    *slog.Logger
}

func New(db *sql.DB, store *position.Store, st *state.Manager, v *Validator, paper, live Venue, strategies []config.StrategyConfig, notifier Notifier, logger *slog.Logger) *Executor {
	cfgs := make(map[string]config.StrategyConfig, len(strategies))
	for _, s := range strategies {
		cfgs[s.Name] = s
	}
	return &Executor{
		db:        db,
		store:     store,
		state:     st,
		validator: v,
		paper:     paper,
		live:      live,
		cfgs:      cfgs,
		notifier:  notifier,
		logger:    logger.With("component", "executor"),
	}
}

// venue picks live or paper per the strategy's config. Unknown strategies
// trade on paper.
func (e *Executor) venue(strategy string) Venue {
	if cfg, ok := e.cfgs[strategy]; ok && cfg.Live && e.live != nil {
		return e.live
	}
	return e.paper
}

// ————————————————————————————————————————————————————————————————————————
// Signals (entries)
// ————————————————————————————————————————————————————————————————————————

// ExecuteSignal validates and executes one entry signal. Validation
// rejections are not errors: the decision is recorded and nil returned.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *types.Signal, t types.Tick) error {
	e.persistSignal(ctx, sig)

	scfg := e.cfgs[sig.Strategy]
	reject, err := e.validator.CheckEntry(ctx, sig, scfg, t, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("validate %s: %w", sig.ID, err)
	}
	e.validator.RecordDecision(ctx, sig, reject == "", reject)
	if reject != "" {
		e.logger.Info("signal rejected",
			"signal", sig.ID, "strategy", sig.Strategy, "reason", reject)
		return nil
	}

	_, err = e.openLong(ctx, sig.Strategy, FillRequest{
		Strategy:       sig.Strategy,
		MarketID:       sig.MarketID,
		TokenID:        sig.TokenID,
		TokenSide:      sig.TokenSide,
		Price:          sig.Price,
		SizeUSD:        sig.SizeUSD,
		LimitOffsetBps: scfg.LimitOffsetBps,
		Tick:           t,
		Reason:         sig.Reason,
	}, sig.ID)
	return err
}

// openLong buys and opens the position in one flow.
func (e *Executor) openLong(ctx context.Context, strategy string, req FillRequest, signalID string) (*position.Position, error) {
	fill, err := e.venue(strategy).Buy(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("buy %s: %w", req.TokenID, err)
	}
	e.persistOrder(ctx, fill, req, types.BUY, signalID)

	pos, err := e.store.OpenPosition(ctx, position.OpenParams{
		Strategy:   strategy,
		MarketID:   req.MarketID,
		TokenID:    req.TokenID,
		TokenSide:  req.TokenSide,
		FillPrice:  fill.Price,
		Shares:     fill.Shares,
		Reason:     req.Reason,
		Format:     req.Tick.Format,
		MarketType: req.Tick.MarketType,
	})
	if err != nil {
		// The fill happened but the position could not be recorded. In live
		// mode this leaves real inventory the reconciler will pick up.
		e.logger.Error("fill succeeded but position open failed",
			"strategy", strategy, "token", req.TokenID, "error", err)
		return nil, err
	}

	e.persistTrade(ctx, fill, req, types.BUY, pos.ID, signalID)
	e.adjustPaperBalance(ctx, strategy, -fill.USD)
	e.notify(ctx, fmt.Sprintf("OPEN %s %s %.4f × %.2f = $%.2f (%s)",
		strategy, req.TokenSide, fill.Price, fill.Shares, fill.USD, req.Reason))
	return pos, nil
}

// ————————————————————————————————————————————————————————————————————————
// Actions (position management)
// ————————————————————————————————————————————————————————————————————————

// ExecuteAction applies one strategy action against the strategy's exposure
// on the tick's market.
func (e *Executor) ExecuteAction(ctx context.Context, strategy string, act *types.Action, t types.Tick) error {
	switch act.Kind {
	case types.ActionOpenLong:
		sig := e.actionSignal(strategy, act, t)
		return e.ExecuteSignal(ctx, sig, t)
	case types.ActionOpenSpread:
		return e.openSpread(ctx, strategy, act, t)
	case types.ActionClose:
		return e.closePosition(ctx, strategy, act, t, 1.0)
	case types.ActionPartialClose:
		return e.closePosition(ctx, strategy, act, t, act.ClosePct)
	case types.ActionAdd:
		return e.addToPosition(ctx, strategy, act, t)
	case types.ActionRebalance:
		return e.rebalance(ctx, strategy, act, t)
	default:
		return fmt.Errorf("unknown action kind %q", act.Kind)
	}
}

// actionSignal lifts an OPEN_LONG action into a signal so it passes the same
// entry validation as a strategy signal.
func (e *Executor) actionSignal(strategy string, act *types.Action, t types.Tick) *types.Signal {
	return &types.Signal{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		MarketID:  t.MarketID,
		TokenID:   t.TokenIDFor(act.TokenSide),
		TokenSide: act.TokenSide,
		Side:      types.BUY,
		Reason:    act.Reason,
		Price:     t.SidePrice(act.TokenSide),
		SizeUSD:   act.SizeUSD,
		CreatedAt: t.Timestamp,
	}
}

// openSpread buys both sides and records them atomically as one spread. If
// the second leg fails to fill, the first is unwound immediately rather than
// left as an unhedged single leg.
func (e *Executor) openSpread(ctx context.Context, strategy string, act *types.Action, t types.Tick) error {
	v := e.venue(strategy)
	scfg := e.cfgs[strategy]

	// Both legs must land inside the spread timeout or not at all.
	if scfg.SpreadTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(scfg.SpreadTimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	yesReq := FillRequest{
		Strategy: strategy, MarketID: t.MarketID,
		TokenID: t.TokenIDFor(types.YES), TokenSide: types.YES,
		Price: t.YesPrice(), SizeUSD: act.YesUSD,
		LimitOffsetBps: scfg.LimitOffsetBps, Tick: t, Reason: act.Reason,
	}
	noReq := FillRequest{
		Strategy: strategy, MarketID: t.MarketID,
		TokenID: t.TokenIDFor(types.NO), TokenSide: types.NO,
		Price: t.NoPrice(), SizeUSD: act.NoUSD,
		LimitOffsetBps: scfg.LimitOffsetBps, Tick: t, Reason: act.Reason,
	}

	yesFill, err := v.Buy(ctx, yesReq)
	if err != nil {
		return fmt.Errorf("spread yes leg: %w", err)
	}
	e.persistOrder(ctx, yesFill, yesReq, types.BUY, "")

	noFill, err := v.Buy(ctx, noReq)
	if err != nil {
		e.logger.Error("spread no leg failed, unwinding yes leg", "error", err)
		unwind := yesReq
		unwind.Shares = yesFill.Shares
		if _, uerr := v.Sell(ctx, unwind); uerr != nil {
			e.logger.Error("spread unwind failed, inventory orphaned",
				"token", yesReq.TokenID, "shares", yesFill.Shares, "error", uerr)
		}
		return fmt.Errorf("spread no leg: %w", err)
	}
	e.persistOrder(ctx, noFill, noReq, types.BUY, "")

	spread, err := e.store.OpenSpread(ctx, position.SpreadParams{
		Strategy:    strategy,
		MarketID:    t.MarketID,
		SpreadType:  act.SpreadType,
		YesTokenID:  yesReq.TokenID,
		NoTokenID:   noReq.TokenID,
		YesShares:   yesFill.Shares,
		YesPrice:    yesFill.Price,
		NoShares:    noFill.Shares,
		NoPrice:     noFill.Price,
		EntryYesMid: t.YesPrice(),
		Reason:      act.Reason,
		Format:      t.Format,
		MarketType:  t.MarketType,
	})
	if err != nil {
		return fmt.Errorf("open spread: %w", err)
	}

	for _, f := range []struct {
		fill *Fill
		req  FillRequest
		pos  string
	}{
		{yesFill, yesReq, spread.YesPositionID},
		{noFill, noReq, spread.NoPositionID},
	} {
		e.persistTrade(ctx, f.fill, f.req, types.BUY, f.pos, "")
	}
	e.adjustPaperBalance(ctx, strategy, -(yesFill.USD + noFill.USD))
	e.notify(ctx, fmt.Sprintf("SPREAD %s %s $%.2f/$%.2f on market %d (%s)",
		strategy, act.SpreadType, yesFill.USD, noFill.USD, t.MarketID, act.Reason))
	return nil
}

// closePosition sells fraction of the targeted side and records the exit.
func (e *Executor) closePosition(ctx context.Context, strategy string, act *types.Action, t types.Tick, fraction float64) error {
	scfg := e.cfgs[strategy]
	if reject := e.validator.CheckExit(t, scfg); reject != "" {
		e.logger.Info("exit deferred", "strategy", strategy, "market", t.MarketID, "reason", reject)
		return nil
	}

	pos, err := e.positionFor(ctx, strategy, t.MarketID, act.TokenSide)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("close %s/%s on market %d: no open position", strategy, act.TokenSide, t.MarketID)
	}

	_, err = e.sellFraction(ctx, strategy, pos, fraction, t, act.Reason)
	return err
}

// sellFraction sells fraction of the position's remaining shares and applies
// the exit to the store. Returns the close result for callers that reinvest
// the proceeds.
func (e *Executor) sellFraction(ctx context.Context, strategy string, pos *position.Position, fraction float64, t types.Tick, reason string) (*position.CloseResult, error) {
	shares := storage.RoundShares(pos.RemainingShares * fraction)
	req := FillRequest{
		Strategy:       strategy,
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		TokenSide:      pos.TokenSide,
		Price:          t.SidePrice(pos.TokenSide),
		Shares:         shares,
		LimitOffsetBps: e.cfgs[strategy].LimitOffsetBps,
		Tick:           t,
		Reason:         reason,
	}
	fill, err := e.venue(strategy).Sell(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sell %s: %w", pos.TokenID, err)
	}
	e.persistOrder(ctx, fill, req, types.SELL, "")

	var res *position.CloseResult
	if fraction >= 1.0 {
		res, err = e.store.ClosePosition(ctx, pos.ID, fill.Price, reason)
	} else {
		res, err = e.store.PartialClose(ctx, pos.ID, fraction, fill.Price, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("record exit %s: %w", pos.ID, err)
	}

	e.persistTrade(ctx, fill, req, types.SELL, pos.ID, "")
	e.adjustPaperBalance(ctx, strategy, fill.USD)
	e.notify(ctx, fmt.Sprintf("EXIT %s %s %.0f%% at %.4f, realized $%.2f (%s)",
		strategy, pos.TokenSide, fraction*100, fill.Price, res.RealizedDelta, reason))
	return res, nil
}

// addToPosition buys more of an existing side at market.
func (e *Executor) addToPosition(ctx context.Context, strategy string, act *types.Action, t types.Tick) error {
	pos, err := e.positionFor(ctx, strategy, t.MarketID, act.TokenSide)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("add %s/%s on market %d: no open position", strategy, act.TokenSide, t.MarketID)
	}

	req := FillRequest{
		Strategy:       strategy,
		MarketID:       t.MarketID,
		TokenID:        pos.TokenID,
		TokenSide:      act.TokenSide,
		Price:          t.SidePrice(act.TokenSide),
		SizeUSD:        act.AddUSD,
		LimitOffsetBps: e.cfgs[strategy].LimitOffsetBps,
		Tick:           t,
		Reason:         act.Reason,
	}
	fill, err := e.venue(strategy).Buy(ctx, req)
	if err != nil {
		return fmt.Errorf("add buy %s: %w", pos.TokenID, err)
	}
	e.persistOrder(ctx, fill, req, types.BUY, "")

	if _, err := e.store.AddToPosition(ctx, pos.ID, fill.Shares, fill.Price, act.Reason); err != nil {
		return fmt.Errorf("record add %s: %w", pos.ID, err)
	}
	e.persistTrade(ctx, fill, req, types.BUY, pos.ID, "")
	e.adjustPaperBalance(ctx, strategy, -fill.USD)
	e.notify(ctx, fmt.Sprintf("ADD %s %s $%.2f at %.4f (%s)",
		strategy, act.TokenSide, fill.USD, fill.Price, act.Reason))
	return nil
}

// rebalance partial-closes the appreciated side and reinvests the actual
// proceeds into the opposite side, adding to it when a position exists there
// and opening one otherwise.
func (e *Executor) rebalance(ctx context.Context, strategy string, act *types.Action, t types.Tick) error {
	scfg := e.cfgs[strategy]
	if reject := e.validator.CheckExit(t, scfg); reject != "" {
		e.logger.Info("rebalance deferred", "strategy", strategy, "market", t.MarketID, "reason", reject)
		return nil
	}

	pos, err := e.positionFor(ctx, strategy, t.MarketID, act.TokenSide)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("rebalance %s on market %d: no %s position", strategy, t.MarketID, act.TokenSide)
	}

	res, err := e.sellFraction(ctx, strategy, pos, act.ClosePct, t, act.Reason)
	if err != nil {
		return err
	}

	proceeds := res.ExitValue
	if proceeds <= 0 {
		return nil
	}
	other := act.TokenSide.Opposite()
	otherPos, err := e.positionFor(ctx, strategy, t.MarketID, other)
	if err != nil {
		return err
	}

	req := FillRequest{
		Strategy:       strategy,
		MarketID:       t.MarketID,
		TokenID:        t.TokenIDFor(other),
		TokenSide:      other,
		Price:          t.SidePrice(other),
		SizeUSD:        proceeds,
		LimitOffsetBps: e.cfgs[strategy].LimitOffsetBps,
		Tick:           t,
		Reason:         act.Reason,
	}
	fill, err := e.venue(strategy).Buy(ctx, req)
	if err != nil {
		return fmt.Errorf("rebalance buy %s: %w", req.TokenID, err)
	}
	e.persistOrder(ctx, fill, req, types.BUY, "")

	if otherPos != nil {
		_, err = e.store.AddToPosition(ctx, otherPos.ID, fill.Shares, fill.Price, act.Reason)
	} else {
		_, err = e.store.OpenPosition(ctx, position.OpenParams{
			Strategy:   strategy,
			MarketID:   t.MarketID,
			TokenID:    req.TokenID,
			TokenSide:  other,
			FillPrice:  fill.Price,
			Shares:     fill.Shares,
			Reason:     act.Reason,
			Format:     t.Format,
			MarketType: t.MarketType,
		})
	}
	if err != nil {
		return fmt.Errorf("rebalance record %s: %w", req.TokenID, err)
	}
	e.persistTrade(ctx, fill, req, types.BUY, "", "")
	e.adjustPaperBalance(ctx, strategy, -fill.USD)
	e.notify(ctx, fmt.Sprintf("REBALANCE %s rotated $%.2f from %s into %s",
		strategy, fill.USD, act.TokenSide, other))
	return nil
}

func (e *Executor) positionFor(ctx context.Context, strategy string, marketID int64, side types.TokenSide) (*position.Position, error) {
	positions, err := e.state.Positions(ctx, strategy, marketID)
	if err != nil {
		return nil, fmt.Errorf("positions %s/%d: %w", strategy, marketID, err)
	}
	for i := range positions {
		if positions[i].TokenSide == side {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) persistSignal(ctx context.Context, sig *types.Signal) {
	_, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (id, strategy, market_id, token_id, side, reason, edge, confidence, price, size_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Strategy, sig.MarketID, sig.TokenID, string(sig.Side),
		sig.Reason, sig.Edge, sig.Confidence, sig.Price, sig.SizeUSD, sig.CreatedAt.UTC())
	if err != nil {
		e.logger.Error("persist signal failed", "signal", sig.ID, "error", err)
	}
}

func (e *Executor) persistOrder(ctx context.Context, fill *Fill, req FillRequest, side types.Side, signalID string) {
	now := time.Now().UTC()
	paper := 0
	if e.venue(req.Strategy).Name() == "paper" {
		paper = 1
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, paper, token_id, side, order_type, limit_price, executed_price, size_usd, size_shares, filled_shares, status, exchange_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'filled', ?, ?, ?)`,
		uuid.NewString(), nullIfEmpty(signalID), paper, req.TokenID, string(side),
		e.cfgs[req.Strategy].OrderType, req.Price, fill.Price,
		fill.USD, fill.Shares, fill.Shares, fill.OrderID, now, now)
	if err != nil {
		e.logger.Error("persist order failed", "token", req.TokenID, "error", err)
	}
}

func (e *Executor) persistTrade(ctx context.Context, fill *Fill, req FillRequest, side types.Side, positionID, signalID string) {
	paper := 0
	if e.venue(req.Strategy).Name() == "paper" {
		paper = 1
	}
	reason := req.Reason
	if fill.Reason != "" {
		reason = fill.Reason
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO executor_trades (position_id, strategy, market_id, token_id, side, price, shares, usd, best_bid, best_ask, spread, slippage, trigger_event_id, trigger_reason, paper, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(positionID), req.Strategy, req.MarketID, req.TokenID, string(side),
		fill.Price, fill.Shares, fill.USD,
		req.Tick.BestBid, req.Tick.BestAsk, req.Tick.Spread(), fill.Slippage,
		nullIfEmpty(signalID), reason, paper, time.Now().UTC())
	if err != nil {
		e.logger.Error("persist trade failed", "token", req.TokenID, "error", err)
	}
}

// adjustPaperBalance tracks the simulated cash balance per paper strategy;
// delta is negative for buys, positive for sale proceeds.
func (e *Executor) adjustPaperBalance(ctx context.Context, strategy string, delta float64) {
	if e.venue(strategy).Name() != "paper" {
		return
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO paper_balance (strategy, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(strategy) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = excluded.updated_at`,
		strategy, storage.RoundMoney(delta), time.Now().UTC())
	if err != nil {
		e.logger.Error("paper balance update failed", "strategy", strategy, "error", err)
	}
}

func (e *Executor) notify(ctx context.Context, text string) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, text)
	}
}
