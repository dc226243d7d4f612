package executor_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/executor"
	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

func newFixture(t *testing.T) (*executor.Executor, *position.Store, *ledger.Ledger, context.Context) {
	return newFixtureWith(t, config.StrategyConfig{
		Name:                "imbalance",
		Enabled:             true,
		MaxPositionUSD:      100,
		MaxSignalAgeSeconds: 30,
		MaxPriceDeviation:   0.05,
		MaxSpread:           0.05,
		MaxExitSpread:       0.10,
		OrderType:           "limit",
	})
}

func newFixtureWith(t *testing.T, scfg config.StrategyConfig) (*executor.Executor, *position.Store, *ledger.Ledger, context.Context) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	l := ledger.New(db, logger)
	store := position.NewStore(db, l, logger)
	st := state.NewManager(store, l, logger)

	ctx := context.Background()
	require.NoError(t, l.EnsureStrategy(ctx, scfg.Name, 1000))

	execCfg := config.ExecutionConfig{
		MinOrderNotional:     1.05,
		DuplicateOrderWindow: 10 * time.Minute,
	}

	v := executor.NewValidator(db, st, store, execCfg, nil, logger)
	paper := executor.NewPaper(logger)
	e := executor.New(db, store, st, v, paper, nil, []config.StrategyConfig{scfg}, nil, logger)
	return e, store, l, ctx
}

func testTick(yes float64) types.Tick {
	return types.Tick{
		MarketID:     42,
		Kind:         types.EventBook,
		TokenID:      "tok-yes",
		TokenSide:    types.YES,
		BestBid:      yes - 0.01,
		BestAsk:      yes + 0.01,
		ActualYesMid: yes,
		ActualNoMid:  1 - yes,
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		Format:       "BO3",
		Timestamp:    time.Now().UTC(),
	}
}

func testSignal(sizeUSD, price float64) *types.Signal {
	return &types.Signal{
		ID:        uuid.NewString(),
		Strategy:  "imbalance",
		MarketID:  42,
		TokenID:   "tok-yes",
		TokenSide: types.YES,
		Side:      types.BUY,
		Reason:    "test",
		Price:     price,
		SizeUSD:   sizeUSD,
		CreatedAt: time.Now().UTC(),
	}
}

func TestExecuteSignalOpensPosition(t *testing.T) {
	e, store, l, ctx := newFixture(t)

	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.50)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, types.YES, pos.TokenSide)
	// Fill starts at the best ask with a small depth impact on top.
	assert.Greater(t, pos.AvgEntryPrice, 0.50)
	assert.Less(t, pos.AvgEntryPrice, 0.52)
	assert.InDelta(t, 10.0, pos.CostBasis, 0.05)

	snap, err := l.Get(ctx, "imbalance")
	require.NoError(t, err)
	assert.InDelta(t, 990, snap.Available, 0.1)
	assert.Equal(t, 1, snap.TradeCount)
}

func TestExecuteSignalRejectedBySizeLimit(t *testing.T) {
	e, store, l, ctx := newFixture(t)

	require.NoError(t, e.ExecuteSignal(ctx, testSignal(500, 0.50), testTick(0.50)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions, "rejected signal must not open a position")

	snap, err := l.Get(ctx, "imbalance")
	require.NoError(t, err)
	assert.InDelta(t, 1000, snap.Available, 0.001)
}

func TestExecuteSignalRejectedWhenStale(t *testing.T) {
	e, store, _, ctx := newFixture(t)

	sig := testSignal(10, 0.50)
	sig.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, e.ExecuteSignal(ctx, sig, testTick(0.50)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestExecuteSignalRejectedOnPriceDeviation(t *testing.T) {
	e, store, _, ctx := newFixture(t)

	// Signal priced at 0.50, market now at 0.58: 16% away.
	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.58)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestDuplicateEntryRejected(t *testing.T) {
	e, store, _, ctx := newFixture(t)

	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.50)))
	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.50)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Len(t, positions, 1, "second signal for the same token must be rejected")
}

func TestCloseActionRealizesPnL(t *testing.T) {
	e, store, l, ctx := newFixture(t)

	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.50)))

	act := &types.Action{Kind: types.ActionClose, TokenSide: types.YES, Reason: "take profit"}
	require.NoError(t, e.ExecuteAction(ctx, "imbalance", act, testTick(0.70)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions)

	snap, err := l.Get(ctx, "imbalance")
	require.NoError(t, err)
	assert.Greater(t, snap.RealizedPnL, 0.0, "exit at 0.70 from ~0.51 entry must realize a gain")
	assert.Greater(t, snap.Available, 1000.0, "proceeds exceed the original reservation")
}

func TestExitDeferredOnWideSpread(t *testing.T) {
	e, store, _, ctx := newFixture(t)

	require.NoError(t, e.ExecuteSignal(ctx, testSignal(10, 0.50), testTick(0.50)))

	wide := testTick(0.70)
	wide.BestBid = 0.55
	wide.BestAsk = 0.85 // 0.30 spread, above the 0.10 exit cap
	act := &types.Action{Kind: types.ActionClose, TokenSide: types.YES, Reason: "take profit"}
	require.NoError(t, e.ExecuteAction(ctx, "imbalance", act, wide))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Len(t, positions, 1, "exit must be deferred while the book is blown out")
}

func TestOpenSpreadAction(t *testing.T) {
	e, store, l, ctx := newFixture(t)

	act := &types.Action{
		Kind:       types.ActionOpenSpread,
		YesUSD:     20,
		NoUSD:      20,
		SpreadType: types.SpreadScalp,
		Reason:     "balanced entry",
	}
	require.NoError(t, e.ExecuteAction(ctx, "imbalance", act, testTick(0.50)))

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	spread, err := store.OpenSpreadForMarket(ctx, "imbalance", 42)
	require.NoError(t, err)
	require.NotNil(t, spread)
	assert.Equal(t, types.SpreadScalp, spread.SpreadType)

	// One combined reservation.
	snap, err := l.Get(ctx, "imbalance")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TradeCount)
	assert.InDelta(t, 960, snap.Available, 0.2)
}

func TestOpenSpreadAbortsPastTimeout(t *testing.T) {
	e, store, l, ctx := newFixtureWith(t, config.StrategyConfig{
		Name:                 "imbalance",
		Enabled:              true,
		MaxPositionUSD:       100,
		MaxSignalAgeSeconds:  30,
		MaxPriceDeviation:    0.05,
		MaxSpread:            0.05,
		MaxExitSpread:        0.10,
		OrderType:            "limit",
		SpreadTimeoutSeconds: 1e-9, // expires before the first leg can fill
	})

	act := &types.Action{
		Kind:       types.ActionOpenSpread,
		YesUSD:     20,
		NoUSD:      20,
		SpreadType: types.SpreadScalp,
		Reason:     "balanced entry",
	}
	err := e.ExecuteAction(ctx, "imbalance", act, testTick(0.50))
	require.Error(t, err, "expired spread deadline must fail the open")

	positions, perr := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, perr)
	assert.Empty(t, positions, "no leg may survive a timed-out spread")

	snap, lerr := l.Get(ctx, "imbalance")
	require.NoError(t, lerr)
	assert.InDelta(t, 1000, snap.Available, 0.001, "reservation must be released")
}

func TestRebalanceRotatesProceeds(t *testing.T) {
	e, store, _, ctx := newFixture(t)

	require.NoError(t, e.ExecuteAction(ctx, "imbalance", &types.Action{
		Kind: types.ActionOpenSpread, YesUSD: 20, NoUSD: 20,
		SpreadType: types.SpreadHedge, Reason: "entry",
	}, testTick(0.50)))

	before, err := store.OpenPositionsForMarket(ctx, "imbalance", 42)
	require.NoError(t, err)
	var noBefore float64
	for _, p := range before {
		if p.TokenSide == types.NO {
			noBefore = p.RemainingShares
		}
	}

	require.NoError(t, e.ExecuteAction(ctx, "imbalance", &types.Action{
		Kind: types.ActionRebalance, TokenSide: types.YES, ClosePct: 0.5, Reason: "momentum",
	}, testTick(0.66)))

	after, err := store.OpenPositionsForMarket(ctx, "imbalance", 42)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, p := range after {
		switch p.TokenSide {
		case types.YES:
			assert.Equal(t, position.StatusPartial, p.Status)
		case types.NO:
			assert.Greater(t, p.RemainingShares, noBefore, "proceeds must buy more NO shares")
		}
	}
}

func TestPaperFillsAreDeterministic(t *testing.T) {
	t.Parallel()
	p := executor.NewPaper(slog.Default())
	ctx := context.Background()

	req := executor.FillRequest{
		Strategy: "imbalance", MarketID: 42, TokenID: "tok-yes",
		TokenSide: types.YES, Price: 0.50, SizeUSD: 25, Tick: testTick(0.50),
	}
	a, err := p.Buy(ctx, req)
	require.NoError(t, err)
	b, err := p.Buy(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical requests must fill identically")
}

func TestPaperFallbackSpreadWhenNoBook(t *testing.T) {
	t.Parallel()
	p := executor.NewPaper(slog.Default())
	ctx := context.Background()

	tick := testTick(0.50)
	tick.BestBid, tick.BestAsk = 0, 0
	fill, err := p.Buy(ctx, executor.FillRequest{
		Strategy: "imbalance", TokenID: "tok-yes", TokenSide: types.YES,
		Price: 0.50, SizeUSD: 10, Tick: tick,
	})
	require.NoError(t, err)
	// Half the 2.5% heuristic spread above mid, plus depth impact.
	assert.InDelta(t, 0.50625, fill.Price, 0.001)
}
