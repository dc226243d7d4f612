package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/market"
	"polymarket-engine/pkg/types"
)

const (
	imbalanceProfitTarget = 0.10
	imbalanceMaxHold      = 30 * time.Minute
)

// Imbalance is the book-imbalance momentum strategy. The streaming executor
// feeds it full book snapshots through EvaluateBook; entries follow the
// imbalance direction (bid-heavy → buy that token's side, ask-heavy → buy
// the opposite). Exits run on the normal tick path: profit target or max
// hold time.
type Imbalance struct {
	base
}

func newImbalance(cfg config.StrategyConfig, logger *slog.Logger) *Imbalance {
	if cfg.MinImbalance == 0 {
		cfg.MinImbalance = 0.30
	}
	if cfg.YesPriceMin == 0 {
		cfg.YesPriceMin = 0.20
	}
	if cfg.YesPriceMax == 0 {
		cfg.YesPriceMax = 0.80
	}
	return &Imbalance{base: base{cfg: cfg, logger: logger}}
}

func (s *Imbalance) Version() string { return "1.0" }

// MinImbalance exposes the entry threshold for the streaming executor's
// early exit.
func (s *Imbalance) MinImbalance() float64 { return s.cfg.MinImbalance }

// EvaluateBook turns one book snapshot into an entry signal, or nil. The
// book belongs to one token of the market; a bid-heavy book means buyers
// are lifting that token, an ask-heavy book means the opposite side.
func (s *Imbalance) EvaluateBook(book *market.OrderBook, m *types.Market, now time.Time) *types.Signal {
	imb := book.Imbalance()
	if imb < s.cfg.MinImbalance && imb > -s.cfg.MinImbalance {
		return nil
	}

	tokenSide, ok := m.TokenSideOf(book.TokenID)
	if !ok {
		return nil
	}
	side := tokenSide
	if imb < 0 {
		side = tokenSide.Opposite()
	}

	mid := book.Mid()
	if mid <= 0 {
		return nil
	}
	// Zone filter is expressed on the YES price.
	yes := mid
	if tokenSide == types.NO {
		yes = 1 - mid
	}
	if yes < s.cfg.YesPriceMin || yes > s.cfg.YesPriceMax {
		return nil
	}

	price := mid
	if side != tokenSide {
		price = 1 - mid
	}

	return &types.Signal{
		ID:         uuid.NewString(),
		Strategy:   s.cfg.Name,
		MarketID:   m.ID,
		TokenID:    m.TokenID(side),
		TokenSide:  side,
		Side:       types.BUY,
		Reason:     fmt.Sprintf("imbalance %+.2f on %s book", imb, tokenSide),
		Edge:       abs(imb),
		Confidence: abs(imb),
		Price:      price,
		SizeUSD:    s.sizeUSD(),
		CreatedAt:  now,
	}
}

// OnTick never fires: entries come exclusively from the streaming path.
func (s *Imbalance) OnTick(types.Tick) *types.Action { return nil }

func (s *Imbalance) OnPositionUpdate(view PositionView, t types.Tick) *types.Action {
	for _, side := range []types.TokenSide{types.YES, types.NO} {
		pos := view.BySide(side)
		if pos == nil {
			continue
		}
		price := t.SidePrice(side)
		if price > 0 && price-pos.AvgEntryPrice >= imbalanceProfitTarget {
			return &types.Action{
				Kind:      types.ActionClose,
				TokenSide: side,
				Reason:    fmt.Sprintf("profit target: %.3f from %.3f", price, pos.AvgEntryPrice),
			}
		}
		if t.Timestamp.Sub(pos.OpenedAt) >= imbalanceMaxHold {
			return &types.Action{
				Kind:      types.ActionClose,
				TokenSide: side,
				Reason:    fmt.Sprintf("max hold %s reached", imbalanceMaxHold),
			}
		}
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
