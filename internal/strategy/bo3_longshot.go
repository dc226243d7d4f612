package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

const (
	bo3EntryWindow    = 90 * time.Minute
	bo3Tier1Price     = 0.20
	bo3Tier1USD       = 20.0
	bo3Tier2Price     = 0.10
	bo3Tier2USD       = 30.0
	bo3ProfitMultiple = 2.0 // 100% profit on the blended entry
	bo3ScaleFraction  = 0.70
)

// BO3Longshot buys deep underdogs in best-of-3 matches during the first 90
// minutes: $20 below 20%, another $30 below 10% for a $50 combined cost.
// At a 100% profit it banks 70% and holds the rest to resolution.
type BO3Longshot struct {
	base
	tiered map[int64]bool // marketID → tier-2 add placed
	scaled map[int64]bool // marketID → 70% already banked
}

func newBO3Longshot(cfg config.StrategyConfig, logger *slog.Logger) *BO3Longshot {
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{"BO3"}
	}
	cfg.AllowExtremePrices = true
	return &BO3Longshot{
		base:   base{cfg: cfg, logger: logger},
		tiered: make(map[int64]bool),
		scaled: make(map[int64]bool),
	}
}

func (s *BO3Longshot) Version() string { return "1.0" }

func (s *BO3Longshot) inWindow(t types.Tick) bool {
	if t.GameStartTime.IsZero() {
		return false
	}
	sinceStart := t.Timestamp.Sub(t.GameStartTime)
	return sinceStart >= 0 && sinceStart <= bo3EntryWindow
}

// underdog returns the side trading below the tier-1 price, or "" if neither.
func underdog(t types.Tick) (types.TokenSide, float64) {
	yes, no := t.YesPrice(), t.NoPrice()
	if yes > 0 && yes < bo3Tier1Price {
		return types.YES, yes
	}
	if no > 0 && no < bo3Tier1Price {
		return types.NO, no
	}
	return "", 0
}

func (s *BO3Longshot) OnTick(t types.Tick) *types.Action {
	if !s.inWindow(t) {
		return nil
	}
	side, price := underdog(t)
	if side == "" {
		return nil
	}

	delete(s.tiered, t.MarketID)
	delete(s.scaled, t.MarketID)
	return &types.Action{
		Kind:      types.ActionOpenLong,
		TokenSide: side,
		SizeUSD:   bo3Tier1USD,
		Reason:    fmt.Sprintf("tier 1 longshot %s at %.3f", side, price),
	}
}

func (s *BO3Longshot) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	for _, side := range []types.TokenSide{types.YES, types.NO} {
		pos := view.BySide(side)
		if pos == nil {
			continue
		}
		price := t.SidePrice(side)
		if price <= 0 {
			continue
		}

		// Tier 2: average down while the window is still open.
		if !s.tiered[t.MarketID] && s.inWindow(t) && price < bo3Tier2Price {
			s.tiered[t.MarketID] = true
			return &types.Action{
				Kind:      types.ActionAdd,
				TokenSide: side,
				AddUSD:    bo3Tier2USD,
				Reason:    fmt.Sprintf("tier 2 add at %.3f", price),
			}
		}

		// Bank 70% at a double; the remaining 30% rides to resolution.
		if !s.scaled[t.MarketID] && price >= pos.AvgEntryPrice*bo3ProfitMultiple {
			s.scaled[t.MarketID] = true
			return &types.Action{
				Kind:      types.ActionPartialClose,
				TokenSide: side,
				ClosePct:  bo3ScaleFraction,
				Reason:    fmt.Sprintf("doubled from %.3f, banking %.0f%%", pos.AvgEntryPrice, bo3ScaleFraction*100),
			}
		}
	}
	return nil
}
