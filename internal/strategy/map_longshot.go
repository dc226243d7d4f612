package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

const (
	crashLookback    = 5 * time.Minute
	crashThreshold   = 0.15 // points down within the lookback
	crashSettleDelay = time.Minute
	crashRebound     = 0.20 // points above entry that trigger the exit
)

// MapLongshot waits for rapid price crashes, lets the volume settle for a
// minute, then buys the depressed side inside the longshot zone. It exits
// on a 20-point rebound.
type MapLongshot struct {
	base
	history map[int64][]swingPoint // yes price history per market
	crashes map[int64]crashMark
}

type crashMark struct {
	at   time.Time
	side types.TokenSide // the side that crashed
}

func newMapLongshot(cfg config.StrategyConfig, logger *slog.Logger) *MapLongshot {
	if cfg.YesPriceMin == 0 {
		cfg.YesPriceMin = 0.05
	}
	if cfg.YesPriceMax == 0 {
		cfg.YesPriceMax = 0.20
	}
	if !cfg.AllowExtremePrices {
		cfg.AllowExtremePrices = true // the whole zone sits below 0.05–0.20
	}
	return &MapLongshot{
		base:    base{cfg: cfg, logger: logger},
		history: make(map[int64][]swingPoint),
		crashes: make(map[int64]crashMark),
	}
}

func (s *MapLongshot) Version() string { return "1.0" }

func (s *MapLongshot) OnTick(t types.Tick) *types.Action {
	yes := t.YesPrice()
	if yes <= 0 {
		return nil
	}

	pts := append(s.history[t.MarketID], swingPoint{at: t.Timestamp, yes: yes})
	cutoff := t.Timestamp.Add(-crashLookback)
	for len(pts) > 0 && pts[0].at.Before(cutoff) {
		pts = pts[1:]
	}
	s.history[t.MarketID] = pts

	// Detect a fresh crash on either side.
	if len(pts) >= 2 {
		move := pts[len(pts)-1].yes - pts[0].yes
		if move <= -crashThreshold {
			s.crashes[t.MarketID] = crashMark{at: t.Timestamp, side: types.YES}
		} else if move >= crashThreshold {
			// YES spiking means NO crashed.
			s.crashes[t.MarketID] = crashMark{at: t.Timestamp, side: types.NO}
		}
	}

	mark, ok := s.crashes[t.MarketID]
	if !ok {
		return nil
	}
	// Let the crash volume settle before stepping in.
	if t.Timestamp.Sub(mark.at) < crashSettleDelay {
		return nil
	}

	price := t.SidePrice(mark.side)
	if price < s.cfg.YesPriceMin || price > s.cfg.YesPriceMax {
		return nil
	}

	delete(s.crashes, t.MarketID)
	return &types.Action{
		Kind:      types.ActionOpenLong,
		TokenSide: mark.side,
		SizeUSD:   s.sizeUSD(),
		Reason:    fmt.Sprintf("buying crashed %s at %.3f", mark.side, price),
	}
}

func (s *MapLongshot) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	for _, side := range []types.TokenSide{types.YES, types.NO} {
		pos := view.BySide(side)
		if pos == nil {
			continue
		}
		price := t.SidePrice(side)
		if price > 0 && price-pos.AvgEntryPrice >= crashRebound {
			return &types.Action{
				Kind:      types.ActionClose,
				TokenSide: side,
				Reason:    fmt.Sprintf("rebound %+.0f pts off entry %.3f", (price-pos.AvgEntryPrice)*100, pos.AvgEntryPrice),
			}
		}
	}
	return nil
}
