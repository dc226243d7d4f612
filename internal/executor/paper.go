package executor

import (
	"context"
	"fmt"
	"log/slog"

	"polymarket-engine/internal/storage"
)

// Paper simulates fills against the triggering tick's book. Buys start from
// the best ask (sells from the best bid); when the tick carries no book the
// fill starts half the effective spread away from the reference price. A
// deterministic depth impact of 0.1% per $100 then moves the price against
// the taker.
type Paper struct {
	logger *slog.Logger
}

func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{logger: logger.With("component", "paper_executor")}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Buy(ctx context.Context, req FillRequest) (*Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := req.Price
	if base <= 0 {
		return nil, fmt.Errorf("paper buy %s: no reference price", req.TokenID)
	}

	// The tick's book only describes its own token; the other side of the
	// market fills on the synthetic spread.
	var start float64
	if req.Tick.TokenID == req.TokenID {
		start = req.Tick.BestAsk
	}
	if start <= 0 {
		start = base + effectiveSpread(req.Tick.Spread(), base)/2
	}
	price := clampFill(start * (1 + sizeImpactPer100USD*req.SizeUSD/100))

	shares := storage.RoundShares(req.SizeUSD / price)
	fill := &Fill{
		OrderID:  "paper",
		Price:    storage.RoundPrice(price),
		Shares:   shares,
		USD:      storage.RoundMoney(req.SizeUSD),
		Slippage: (price - base) / base,
	}
	p.logger.Debug("paper buy filled",
		"token", req.TokenID, "price", fill.Price,
		"shares", fill.Shares, "slippage", fill.Slippage)
	return fill, nil
}

func (p *Paper) Sell(ctx context.Context, req FillRequest) (*Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := req.Price
	if base <= 0 {
		return nil, fmt.Errorf("paper sell %s: no reference price", req.TokenID)
	}
	if req.Shares <= 0 {
		return nil, fmt.Errorf("paper sell %s: no shares", req.TokenID)
	}

	var start float64
	if req.Tick.TokenID == req.TokenID {
		start = req.Tick.BestBid
	}
	if start <= 0 {
		start = base - effectiveSpread(req.Tick.Spread(), base)/2
	}
	notional := req.Shares * base
	price := clampFill(start * (1 - sizeImpactPer100USD*notional/100))

	fill := &Fill{
		OrderID:  "paper",
		Price:    storage.RoundPrice(price),
		Shares:   storage.RoundShares(req.Shares),
		USD:      storage.RoundMoney(req.Shares * price),
		Slippage: (base - price) / base,
	}
	p.logger.Debug("paper sell filled",
		"token", req.TokenID, "price", fill.Price,
		"shares", fill.Shares, "slippage", fill.Slippage)
	return fill, nil
}
