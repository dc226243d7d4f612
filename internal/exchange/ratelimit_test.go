package exchange

import (
	"context"
	"testing"
	"time"
)

func TestBucketAllowsFullBurstWithoutBlocking(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("burst within capacity blocked for %v", elapsed)
	}
}

func TestBucketRefillsAtConfiguredRate(t *testing.T) {
	t.Parallel()
	// 1 burst, 100 tokens/sec: a drained bucket needs ~10ms before the
	// next token exists.
	tb := NewTokenBucket(1, 100)
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("drained bucket refilled too fast: %v", elapsed)
	}
}

func TestBucketWaitHonoursContextCancel(t *testing.T) {
	t.Parallel()
	// Near-zero refill so the drained bucket never recovers in test time.
	tb := NewTokenBucket(1, 0.001)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestLimiterCategoriesAreIndependent(t *testing.T) {
	t.Parallel()
	rl := &RateLimiter{
		Order:  NewTokenBucket(1, 0.001),
		Cancel: NewTokenBucket(1, 0.001),
		Book:   NewTokenBucket(1, 0.001),
		Data:   NewTokenBucket(1, 0.001),
	}
	ctx := context.Background()

	// Exhaust the data bucket; order placement must be unaffected.
	if err := rl.Data.Wait(ctx); err != nil {
		t.Fatalf("drain data: %v", err)
	}
	start := time.Now()
	if err := rl.Order.Wait(ctx); err != nil {
		t.Fatalf("order wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("order bucket blocked behind data bucket: %v", elapsed)
	}
}

func TestNewRateLimiterMatchesPublishedLimits(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	cases := []struct {
		name     string
		bucket   *TokenBucket
		capacity float64
		rate     float64
	}{
		{"order", rl.Order, 350, 50},
		{"cancel", rl.Cancel, 300, 30},
		{"book", rl.Book, 150, 15},
		{"data", rl.Data, 100, 10},
	}
	for _, tc := range cases {
		if tc.bucket == nil {
			t.Fatalf("%s bucket nil", tc.name)
		}
		if tc.bucket.capacity != tc.capacity || tc.bucket.rate != tc.rate {
			t.Errorf("%s: got capacity=%v rate=%v, want %v/%v",
				tc.name, tc.bucket.capacity, tc.bucket.rate, tc.capacity, tc.rate)
		}
	}
}
