package state_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

func newManager(t *testing.T) (*state.Manager, *position.Store, *ledger.Ledger) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db, slog.Default())
	s := position.NewStore(db, l, slog.Default())
	m := state.NewManager(s, l, slog.Default())
	require.NoError(t, l.EnsureStrategy(context.Background(), "scalp", 500))
	return m, s, l
}

func TestCacheSeesWritesThroughInvalidation(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	// Prime the cache while empty.
	has, err := m.HasExposure(ctx, "scalp", 42)
	require.NoError(t, err)
	assert.False(t, has)

	// The open invalidates before commit; the next read must see it.
	_, err = s.OpenPosition(ctx, position.OpenParams{
		Strategy: "scalp", MarketID: 42, TokenID: "tok-yes", TokenSide: types.YES,
		FillPrice: 0.50, Shares: 20,
	})
	require.NoError(t, err)

	has, err = m.HasExposure(ctx, "scalp", 42)
	require.NoError(t, err)
	assert.True(t, has)

	positions, err := m.Positions(ctx, "scalp", 42)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "tok-yes", positions[0].TokenID)
}

func TestCapitalCacheInvalidatedByMutation(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	snap, err := m.Capital(ctx, "scalp")
	require.NoError(t, err)
	assert.InDelta(t, 500, snap.Available, 0.001)

	_, err = s.OpenPosition(ctx, position.OpenParams{
		Strategy: "scalp", MarketID: 42, TokenID: "tok-yes", TokenSide: types.YES,
		FillPrice: 0.50, Shares: 100,
	})
	require.NoError(t, err)

	snap, err = m.Capital(ctx, "scalp")
	require.NoError(t, err)
	assert.InDelta(t, 450, snap.Available, 0.001)
}

func TestReturnedPositionsAreCopies(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	_, err := s.OpenPosition(ctx, position.OpenParams{
		Strategy: "scalp", MarketID: 42, TokenID: "tok-yes", TokenSide: types.YES,
		FillPrice: 0.50, Shares: 20,
	})
	require.NoError(t, err)

	first, err := m.Positions(ctx, "scalp", 42)
	require.NoError(t, err)
	first[0].RemainingShares = -999 // mutating the copy

	second, err := m.Positions(ctx, "scalp", 42)
	require.NoError(t, err)
	assert.InDelta(t, 20, second[0].RemainingShares, 1e-9)
}

func TestSpreadLookup(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	sp, err := s.OpenSpread(ctx, position.SpreadParams{
		Strategy: "scalp", MarketID: 7, SpreadType: types.SpreadScalp,
		YesTokenID: "y", NoTokenID: "n",
		YesShares: 10, YesPrice: 0.50, NoShares: 10, NoPrice: 0.50,
		EntryYesMid: 0.50,
	})
	require.NoError(t, err)

	got, err := m.Spread(ctx, "scalp", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sp.ID, got.ID)

	none, err := m.Spread(ctx, "scalp", 99)
	require.NoError(t, err)
	assert.Nil(t, none)
}
