package router

import (
	"context"
	"testing"
	"time"

	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

func TestVelocityNeedsTwoSamples(t *testing.T) {
	t.Parallel()
	v := newVelocityTracker()
	now := time.Now()

	if got := v.Observe(1, 0.50, now); got != 0 {
		t.Fatalf("single sample velocity = %v, want 0", got)
	}
}

func TestVelocitySignedOverWindow(t *testing.T) {
	t.Parallel()
	v := newVelocityTracker()
	now := time.Now()

	v.Observe(1, 0.50, now)
	v.Observe(1, 0.53, now.Add(20*time.Second))
	got := v.Observe(1, 0.56, now.Add(40*time.Second))
	if diff := got - 0.06; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("rising velocity = %v, want 0.06", got)
	}

	v.Observe(2, 0.70, now)
	if got := v.Observe(2, 0.62, now.Add(30*time.Second)); got > -0.079 || got < -0.081 {
		t.Fatalf("falling velocity = %v, want -0.08", got)
	}
}

func TestVelocityDropsStaleSamples(t *testing.T) {
	t.Parallel()
	v := newVelocityTracker()
	now := time.Now()

	v.Observe(1, 0.20, now)
	v.Observe(1, 0.50, now.Add(30*time.Second))
	// The 0.20 sample is outside the window by now; only the move from
	// 0.50 counts.
	got := v.Observe(1, 0.52, now.Add(80*time.Second))
	if diff := got - 0.02; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("velocity after pruning = %v, want 0.02", got)
	}
}

func TestVelocityTrackedPerMarket(t *testing.T) {
	t.Parallel()
	v := newVelocityTracker()
	now := time.Now()

	v.Observe(1, 0.40, now)
	v.Observe(2, 0.40, now)
	if got := v.Observe(1, 0.45, now.Add(10*time.Second)); got < 0.049 {
		t.Fatalf("market 1 velocity = %v", got)
	}
	if got := v.Observe(2, 0.40, now.Add(10*time.Second)); got != 0 {
		t.Fatalf("market 2 velocity = %v, want 0", got)
	}
}

func TestFlushPersistsVelocity(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	b := newTickBuffer(10)
	b.Add(types.Tick{
		EventID:      "ev-1",
		MarketID:     5,
		Kind:         types.EventBook,
		TokenID:      "tok-yes",
		ActualYesMid: 0.55,
		Velocity1m:   0.04,
		Timestamp:    time.Now().UTC(),
	})
	if err := b.Flush(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	var vel float64
	if err := db.QueryRow(`SELECT velocity_1m FROM snapshots WHERE event_id = 'ev-1'`).Scan(&vel); err != nil {
		t.Fatal(err)
	}
	if vel != 0.04 {
		t.Fatalf("velocity_1m = %v, want 0.04", vel)
	}
}
