package ledger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/storage"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return ledger.New(db, slog.Default())
}

func TestEnsureStrategyIsIdempotent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 500))
	require.NoError(t, l.Reserve(ctx, "scalp", 100))

	// Re-registering with the same budget must not reset available.
	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 500))

	snap, err := l.Get(ctx, "scalp")
	require.NoError(t, err)
	assert.InDelta(t, 400, snap.Available, 0.001)
	assert.Equal(t, 1, snap.TradeCount)
}

func TestEnsureStrategyReallocationShiftsAvailable(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 500))
	require.NoError(t, l.Reserve(ctx, "scalp", 200))
	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 800))

	snap, err := l.Get(ctx, "scalp")
	require.NoError(t, err)
	assert.InDelta(t, 800, snap.Allocated, 0.001)
	assert.InDelta(t, 600, snap.Available, 0.001)
}

func TestReserveInsufficientCapital(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "swing", 50))

	err := l.Reserve(ctx, "swing", 50.01)
	require.ErrorIs(t, err, ledger.ErrInsufficientCapital)

	// A failed reserve must not touch the row.
	snap, err := l.Get(ctx, "swing")
	require.NoError(t, err)
	assert.InDelta(t, 50, snap.Available, 0.001)
	assert.Equal(t, 0, snap.TradeCount)
}

func TestReserveUnknownStrategy(t *testing.T) {
	l := newLedger(t)
	err := l.Reserve(context.Background(), "ghost", 10)
	require.ErrorIs(t, err, ledger.ErrUnknownStrategy)
}

func TestCreditWinLossCounters(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 1000))
	require.NoError(t, l.Reserve(ctx, "scalp", 100))

	// Winning close: cost back plus $20 profit.
	require.NoError(t, l.Credit(ctx, "scalp", 120, 20))
	// Losing close on a second trade.
	require.NoError(t, l.Reserve(ctx, "scalp", 100))
	require.NoError(t, l.Credit(ctx, "scalp", 85, -15))
	// Flat close counts as neither.
	require.NoError(t, l.Reserve(ctx, "scalp", 100))
	require.NoError(t, l.Credit(ctx, "scalp", 100, 0))

	snap, err := l.Get(ctx, "scalp")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.WinCount)
	assert.Equal(t, 1, snap.LossCount)
	assert.Equal(t, 3, snap.TradeCount)
	assert.InDelta(t, 5, snap.RealizedPnL, 0.001)
	assert.InDelta(t, 1005, snap.Available, 0.001)
}

func TestCapitalConservation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	const allocated = 500.0
	require.NoError(t, l.EnsureStrategy(ctx, "hedge", allocated))

	// Open two positions, close one at a profit.
	require.NoError(t, l.Reserve(ctx, "hedge", 120))
	require.NoError(t, l.Reserve(ctx, "hedge", 80))
	require.NoError(t, l.Credit(ctx, "hedge", 95, 15)) // 80 cost back + 15 pnl

	snap, err := l.Get(ctx, "hedge")
	require.NoError(t, err)

	// allocated = available + open cost basis − realized
	openCostBasis := 120.0
	assert.InDelta(t, allocated, snap.Available+openCostBasis-snap.RealizedPnL, 0.001)
}

func TestHighWaterAndDrawdown(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "longshot", 200))

	// Profit pushes equity above the initial high water.
	require.NoError(t, l.Reserve(ctx, "longshot", 50))
	require.NoError(t, l.Credit(ctx, "longshot", 90, 40))

	snap, err := l.Get(ctx, "longshot")
	require.NoError(t, err)
	assert.InDelta(t, 240, snap.HighWater, 0.001)

	// A losing trade creates drawdown from the high water.
	require.NoError(t, l.Reserve(ctx, "longshot", 100))
	require.NoError(t, l.Credit(ctx, "longshot", 40, -60))

	snap, err = l.Get(ctx, "longshot")
	require.NoError(t, err)
	assert.InDelta(t, 240, snap.HighWater, 0.001)
	assert.InDelta(t, 60, snap.MaxDrawdown, 0.001)
}

func TestUpdateUnrealized(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureStrategy(ctx, "scalp", 100))
	require.NoError(t, l.UpdateUnrealized(ctx, "scalp", 12.345))

	snap, err := l.Get(ctx, "scalp")
	require.NoError(t, err)
	assert.InDelta(t, 12.35, snap.UnrealizedPnL, 0.001) // rounded to cents

	err = l.UpdateUnrealized(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ledger.ErrUnknownStrategy)
}
