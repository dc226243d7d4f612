package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

const (
	swingEntryWindow   = 2 * time.Minute
	swingLookback      = 5 * time.Minute
	swingMoveThreshold = 0.15
	swingMinEdge       = 0.15 // appreciated price must exceed avg entry by this
	swingCooldown      = 3 * time.Minute
	swingSideFloor     = 0.30 // either side keeps at least 30% of total cost
	swingExitFraction  = 0.5
)

type swingPoint struct {
	at  time.Time
	yes float64
}

// Swing enters a balanced spread near game start, then rides momentum: a
// 15-point move within the 5-minute lookback partial-closes the appreciated
// side and reinvests the proceeds into the opposite side. Rebalances are
// rate-limited by a cooldown and a floor keeping both sides meaningfully
// sized.
type Swing struct {
	base
	history       map[int64][]swingPoint
	lastRebalance map[int64]time.Time
}

func newSwing(cfg config.StrategyConfig, logger *slog.Logger) *Swing {
	if cfg.YesPriceMin == 0 {
		cfg.YesPriceMin = 0.40
	}
	if cfg.YesPriceMax == 0 {
		cfg.YesPriceMax = 0.60
	}
	return &Swing{
		base:          base{cfg: cfg, logger: logger},
		history:       make(map[int64][]swingPoint),
		lastRebalance: make(map[int64]time.Time),
	}
}

func (s *Swing) Version() string { return "1.0" }

func (s *Swing) OnTick(t types.Tick) *types.Action {
	s.record(t)

	if t.GameStartTime.IsZero() {
		return nil
	}
	sinceStart := t.Timestamp.Sub(t.GameStartTime)
	if sinceStart < 0 || sinceStart > swingEntryWindow {
		return nil
	}
	yes := t.YesPrice()
	if yes < s.cfg.YesPriceMin || yes > s.cfg.YesPriceMax {
		return nil
	}

	side := s.sizeUSD()
	return &types.Action{
		Kind:       types.ActionOpenSpread,
		YesUSD:     side,
		NoUSD:      side,
		SpreadType: types.SpreadHedge,
		Reason:     fmt.Sprintf("balanced entry at game start, yes=%.3f", yes),
	}
}

func (s *Swing) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	s.record(t)

	if last, ok := s.lastRebalance[t.MarketID]; ok && t.Timestamp.Sub(last) < swingCooldown {
		return nil
	}

	move, ok := s.lookbackMove(t)
	if !ok || move < swingMoveThreshold && move > -swingMoveThreshold {
		return nil
	}

	// YES up means YES appreciated; YES down means NO appreciated.
	appreciated := types.YES
	if move < 0 {
		appreciated = types.NO
	}
	pos := view.BySide(appreciated)
	other := view.BySide(appreciated.Opposite())
	if pos == nil || other == nil {
		return nil
	}

	price := t.SidePrice(appreciated)
	if price <= 0 || price < pos.AvgEntryPrice+swingMinEdge {
		return nil
	}

	// Keep both sides above the floor after the rebalance.
	total := pos.CostBasis + other.CostBasis
	if total <= 0 || pos.CostBasis*(1-swingExitFraction) < total*swingSideFloor {
		return nil
	}

	s.lastRebalance[t.MarketID] = t.Timestamp
	return &types.Action{
		Kind:      types.ActionRebalance,
		TokenSide: appreciated,
		ClosePct:  swingExitFraction,
		Reason:    fmt.Sprintf("%s moved %+.0f pts in lookback, rotating into %s", appreciated, move*100, appreciated.Opposite()),
	}
}

func (s *Swing) record(t types.Tick) {
	yes := t.YesPrice()
	if yes <= 0 {
		return
	}
	pts := append(s.history[t.MarketID], swingPoint{at: t.Timestamp, yes: yes})
	cutoff := t.Timestamp.Add(-swingLookback)
	for len(pts) > 0 && pts[0].at.Before(cutoff) {
		pts = pts[1:]
	}
	s.history[t.MarketID] = pts
}

// lookbackMove returns the signed YES move from the oldest point in the
// lookback window to now.
func (s *Swing) lookbackMove(t types.Tick) (float64, bool) {
	pts := s.history[t.MarketID]
	if len(pts) < 2 {
		return 0, false
	}
	return pts[len(pts)-1].yes - pts[0].yes, true
}
