package router

import (
	"sync"
	"time"
)

// velocityWindow is the lookback for the rolling 1-minute velocity.
const velocityWindow = time.Minute

type pricePoint struct {
	at  time.Time
	yes float64
}

// velocityTracker keeps a rolling window of YES-mid observations per market
// and derives the signed price change over the trailing minute. Ticks on
// either token feed the same series, so the metric reflects the market as a
// whole rather than one book.
type velocityTracker struct {
	mu     sync.Mutex
	points map[int64][]pricePoint
}

func newVelocityTracker() *velocityTracker {
	return &velocityTracker{points: make(map[int64][]pricePoint)}
}

// Observe records one YES-mid sample and returns the current velocity:
// newest minus oldest sample still inside the window. Fewer than two samples
// in the window yields zero.
func (v *velocityTracker) Observe(marketID int64, yesMid float64, now time.Time) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	pts := append(v.points[marketID], pricePoint{at: now, yes: yesMid})

	cutoff := now.Add(-velocityWindow)
	start := 0
	for start < len(pts)-1 && pts[start].at.Before(cutoff) {
		start++
	}
	pts = pts[start:]
	v.points[marketID] = pts

	if len(pts) < 2 {
		return 0
	}
	return pts[len(pts)-1].yes - pts[0].yes
}

// Drop clears the series for a market that left the catalog.
func (v *velocityTracker) Drop(marketID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points, marketID)
}
