// Package strategy contains the strategy interface and the reference set of
// trading strategies.
//
// A strategy is a pure state-holding object: it looks at ticks and its own
// open positions and returns intents (Actions). All capital accounting,
// persistence, and order placement live outside, in the executor. Strategies
// run on the dispatcher goroutine and must not block.
package strategy

import (
	"fmt"
	"log/slog"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/position"
	"polymarket-engine/pkg/types"
)

// Limits are the per-strategy risk caps the router and validator enforce.
type Limits struct {
	MaxPositions   int
	MaxPositionUSD float64
}

// PositionView is the strategy's read-only view of its exposure on one
// market: the open/partial positions (one per token side at most) and the
// spread linking them, if any.
type PositionView struct {
	Positions []position.Position
	Spread    *position.Spread
}

// BySide returns the open position for a token side, or nil.
func (v PositionView) BySide(side types.TokenSide) *position.Position {
	for i := range v.Positions {
		if v.Positions[i].TokenSide == side {
			return &v.Positions[i]
		}
	}
	return nil
}

// Strategy is one trading behavior registered with the router.
//
// OnTick fires only when the strategy has no exposure on the tick's market;
// OnPositionUpdate fires when it does. Either may return nil for no action.
type Strategy interface {
	Name() string
	Version() string
	Limits() Limits

	// FilterTick is the cheap pre-filter applied before any state lookup.
	FilterTick(t types.Tick) bool

	OnTick(t types.Tick) *types.Action
	OnPositionUpdate(view PositionView, t types.Tick) *types.Action
}

// New builds a strategy from its config block.
func New(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
	logger = logger.With("component", "strategy", "strategy", cfg.Name)
	switch cfg.Name {
	case "scalp":
		return newScalp(cfg, logger), nil
	case "favorite_hedge":
		return newFavoriteHedge(cfg, logger), nil
	case "swing":
		return newSwing(cfg, logger), nil
	case "map_longshot":
		return newMapLongshot(cfg, logger), nil
	case "bo3_longshot":
		return newBO3Longshot(cfg, logger), nil
	case "imbalance":
		return newImbalance(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// base carries identity, limits, and the default tick filter shared by all
// strategies.
type base struct {
	cfg    config.StrategyConfig
	logger *slog.Logger
}

func (b *base) Name() string { return b.cfg.Name }

func (b *base) Limits() Limits {
	return Limits{
		MaxPositions:   b.cfg.MaxPositions,
		MaxPositionUSD: b.cfg.MaxPositionUSD,
	}
}

// FilterTick applies the format, market-type, spread, and extreme-price
// filters from config. Strategies layer their own zone checks on top.
func (b *base) FilterTick(t types.Tick) bool {
	if len(b.cfg.Formats) > 0 && !contains(b.cfg.Formats, t.Format) {
		return false
	}
	if len(b.cfg.MarketTypes) > 0 && !contains(b.cfg.MarketTypes, t.MarketType) {
		return false
	}
	if s := t.Spread(); s > 0 && b.cfg.MaxSpread > 0 && s > b.cfg.MaxSpread {
		return false
	}
	if !b.cfg.AllowExtremePrices {
		if yes := t.YesPrice(); yes > 0 && (yes < 0.05 || yes > 0.95) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// sizeUSD resolves the entry notional: fixed size wins, otherwise a
// percentage of allocated capital, otherwise the position cap.
func (b *base) sizeUSD() float64 {
	if b.cfg.FixedSizeUSD > 0 {
		return b.cfg.FixedSizeUSD
	}
	if b.cfg.SizePct > 0 {
		return b.cfg.AllocatedUSD * b.cfg.SizePct
	}
	return b.cfg.MaxPositionUSD
}
