package strategy

import (
	"fmt"
	"log/slog"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/position"
	"polymarket-engine/pkg/types"
)

const (
	scalpMoveThreshold = 0.10 // points from baseline that trigger a scale-out
	scalpExtremePrice  = 0.90 // winning side closes fully at or above this
	scalpExitFraction  = 0.5
)

// Scalp opens a balanced YES+NO spread near the 50/50 zone in-play, then
// scales out of whichever side runs. Each side keeps its own baseline: a
// +10 point move partial-closes 50% of that side and re-baselines it at the
// new price. At 0.90 the winning side closes fully and the loser is held to
// resolution.
type Scalp struct {
	base
	baselines map[int64]*scalpBaselines // marketID → per-side baselines
}

type scalpBaselines struct {
	yes float64
	no  float64
}

func newScalp(cfg config.StrategyConfig, logger *slog.Logger) *Scalp {
	if cfg.YesPriceMin == 0 {
		cfg.YesPriceMin = 0.45
	}
	if cfg.YesPriceMax == 0 {
		cfg.YesPriceMax = 0.55
	}
	return &Scalp{
		base:      base{cfg: cfg, logger: logger},
		baselines: make(map[int64]*scalpBaselines),
	}
}

func (s *Scalp) Version() string { return "1.1" }

func (s *Scalp) OnTick(t types.Tick) *types.Action {
	if !t.IsInPlay() {
		return nil
	}
	yes := t.YesPrice()
	no := t.NoPrice()
	if yes < s.cfg.YesPriceMin || yes > s.cfg.YesPriceMax || no <= 0 {
		return nil
	}

	side := s.sizeUSD()
	s.baselines[t.MarketID] = &scalpBaselines{yes: yes, no: no}

	return &types.Action{
		Kind:       types.ActionOpenSpread,
		YesUSD:     side,
		NoUSD:      side,
		SpreadType: types.SpreadScalp,
		Reason:     fmt.Sprintf("balanced entry at yes=%.3f", yes),
	}
}

func (s *Scalp) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	bl := s.baselines[t.MarketID]
	if bl == nil {
		// Baselines are rebuilt from entry mids after a restart.
		bl = &scalpBaselines{}
		if sp := view.Spread; sp != nil {
			bl.yes = sp.EntryYesMid
			bl.no = 1 - sp.EntryYesMid
		}
		s.baselines[t.MarketID] = bl
	}

	for _, side := range []types.TokenSide{types.YES, types.NO} {
		pos := view.BySide(side)
		if pos == nil || pos.Status == position.StatusClosed {
			continue
		}
		price := t.SidePrice(side)
		if price <= 0 {
			continue
		}

		if price >= scalpExtremePrice {
			return &types.Action{
				Kind:      types.ActionClose,
				TokenSide: side,
				Reason:    fmt.Sprintf("%s at extreme %.3f, closing winner", side, price),
			}
		}

		baseline := bl.side(side)
		if baseline > 0 && price-baseline >= scalpMoveThreshold {
			bl.setSide(side, price)
			return &types.Action{
				Kind:      types.ActionPartialClose,
				TokenSide: side,
				ClosePct:  scalpExitFraction,
				Reason:    fmt.Sprintf("%s moved %+.0f pts from baseline %.3f", side, (price-baseline)*100, baseline),
			}
		}
	}
	return nil
}

func (b *scalpBaselines) side(s types.TokenSide) float64 {
	if s == types.YES {
		return b.yes
	}
	return b.no
}

func (b *scalpBaselines) setSide(s types.TokenSide, v float64) {
	if s == types.YES {
		b.yes = v
	} else {
		b.no = v
	}
}
