package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

const (
	hedgeEntryWindowStart = 3 * time.Minute
	hedgeEntryWindowEnd   = 8 * time.Minute
	hedgeTriggerPrice     = 0.85
	hedgeSizeFraction     = 0.25

	// Linear sizing anchors: $10 at the zone floor, $50 at the zone ceiling.
	hedgeSizeAtMin = 10.0
	hedgeSizeAtMax = 50.0
)

// FavoriteHedge buys the favored side 3–8 minutes after game start when its
// price sits in the configured zone, sized linearly across the zone. If the
// favorite later reaches 0.85 it adds a hedge on the opposite side at 1/4
// of the entry cost.
type FavoriteHedge struct {
	base
	hedged map[int64]bool // marketID → hedge already placed
}

func newFavoriteHedge(cfg config.StrategyConfig, logger *slog.Logger) *FavoriteHedge {
	if cfg.YesPriceMin == 0 {
		cfg.YesPriceMin = 0.55
	}
	if cfg.YesPriceMax == 0 {
		cfg.YesPriceMax = 0.65
	}
	return &FavoriteHedge{
		base:   base{cfg: cfg, logger: logger},
		hedged: make(map[int64]bool),
	}
}

func (s *FavoriteHedge) Version() string { return "1.0" }

func (s *FavoriteHedge) OnTick(t types.Tick) *types.Action {
	if t.GameStartTime.IsZero() {
		return nil
	}
	sinceStart := t.Timestamp.Sub(t.GameStartTime)
	if sinceStart < hedgeEntryWindowStart || sinceStart > hedgeEntryWindowEnd {
		return nil
	}

	yes := t.YesPrice()
	no := t.NoPrice()
	if yes <= 0 || no <= 0 {
		return nil
	}

	// The favored side is whichever trades above 0.5.
	favored := types.YES
	price := yes
	if no > yes {
		favored = types.NO
		price = no
	}
	if price < s.cfg.YesPriceMin || price > s.cfg.YesPriceMax {
		return nil
	}

	// Interpolate size across the zone: floor → $10, ceiling → $50.
	frac := (price - s.cfg.YesPriceMin) / (s.cfg.YesPriceMax - s.cfg.YesPriceMin)
	size := hedgeSizeAtMin + frac*(hedgeSizeAtMax-hedgeSizeAtMin)

	delete(s.hedged, t.MarketID)
	return &types.Action{
		Kind:      types.ActionOpenLong,
		TokenSide: favored,
		SizeUSD:   size,
		Reason:    fmt.Sprintf("favorite %s at %.3f, %s post-start", favored, price, sinceStart.Round(time.Second)),
	}
}

func (s *FavoriteHedge) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	if s.hedged[t.MarketID] {
		return nil
	}

	for _, side := range []types.TokenSide{types.YES, types.NO} {
		pos := view.BySide(side)
		if pos == nil {
			continue
		}
		// Only the original favorite triggers; a hedge leg never re-hedges.
		if view.BySide(side.Opposite()) != nil {
			s.hedged[t.MarketID] = true
			return nil
		}
		if t.SidePrice(side) >= hedgeTriggerPrice {
			s.hedged[t.MarketID] = true
			return &types.Action{
				Kind:      types.ActionOpenLong,
				TokenSide: side.Opposite(),
				SizeUSD:   pos.CostBasis * hedgeSizeFraction,
				Reason:    fmt.Sprintf("hedging %s at %.3f", side, t.SidePrice(side)),
			}
		}
	}
	return nil
}
