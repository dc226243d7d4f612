package executor

// The paper fill model charges a synthetic spread when the tick carries no
// usable book, plus a depth impact proportional to order size. Both are
// deterministic: the same request against the same tick always fills at the
// same price.

// slipBand maps a normalized distance from 0.5 to a spread fraction of
// price. Books thin out dramatically toward the extremes: near the mid a
// token trades ~2.5% wide, past 98% distance effectively 60%.
type slipBand struct {
	maxDist float64 // |price − 0.5| / 0.5, upper bound inclusive
	pct     float64
}

var slipBands = []slipBand{
	{0.60, 0.025},
	{0.80, 0.05},
	{0.90, 0.10},
	{0.96, 0.25},
	{0.98, 0.40},
	{1.01, 0.60}, // catches dist == 1.0
}

// Depth impact: each $100 of notional moves the fill 0.1% against the taker.
const sizeImpactPer100USD = 0.001

// Fill prices never leave (0, 1); the exchange's widest tick is 0.001.
const (
	minFillPrice = 0.001
	maxFillPrice = 0.999
)

// spreadHeuristic returns the synthetic full spread, in price units, for a
// token trading at price.
func spreadHeuristic(price float64) float64 {
	dist := (price - 0.5) / 0.5
	if dist < 0 {
		dist = -dist
	}
	for _, b := range slipBands {
		if dist <= b.maxDist {
			return price * b.pct
		}
	}
	return price * slipBands[len(slipBands)-1].pct
}

// effectiveSpread prefers the observed book spread when it is sane: positive,
// below 1.0, and no wider than three times the heuristic. Outside that the
// book is considered broken and the heuristic wins.
func effectiveSpread(observed, price float64) float64 {
	h := spreadHeuristic(price)
	if observed > 0 && observed < 1 && observed <= 3*h {
		return observed
	}
	return h
}

func clampFill(p float64) float64 {
	if p < minFillPrice {
		return minFillPrice
	}
	if p > maxFillPrice {
		return maxFillPrice
	}
	return p
}
