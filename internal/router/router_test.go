package router_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/executor"
	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/router"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/internal/strategy"
	"polymarket-engine/pkg/types"
)

var gameStart = time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)

type fixture struct {
	router  *router.Router
	catalog *market.Catalog
	store   *position.Store
	ledger  *ledger.Ledger
	ctx     context.Context
}

func newFixture(t *testing.T, strategyCfg config.StrategyConfig) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	l := ledger.New(db, logger)
	store := position.NewStore(db, l, logger)
	st := state.NewManager(store, l, logger)

	ctx := context.Background()
	require.NoError(t, l.EnsureStrategy(ctx, strategyCfg.Name, strategyCfg.AllocatedUSD))

	catalog := market.NewCatalog(config.Config{
		API: config.APIConfig{GammaBaseURL: "http://unused"},
	}, logger)
	catalog.Insert(&types.Market{
		ID:            42,
		ConditionID:   "cond-42",
		YesTokenID:    "tok-yes",
		NoTokenID:     "tok-no",
		Format:        "BO3",
		GameStartTime: gameStart,
		Active:        true,
	})

	execCfg := config.ExecutionConfig{MinOrderNotional: 1.05, DuplicateOrderWindow: 10 * time.Minute}
	v := executor.NewValidator(db, st, store, execCfg, nil, logger)
	exec := executor.New(db, store, st, v, executor.NewPaper(logger), nil,
		[]config.StrategyConfig{strategyCfg}, nil, logger)

	s, err := strategy.New(strategyCfg, logger)
	require.NoError(t, err)

	r := router.New(db, catalog, store, st, l, exec,
		[]strategy.Strategy{s}, config.EngineConfig{DedupeCacheSize: 64, TickBufferSize: 100}, logger)
	return &fixture{router: r, catalog: catalog, store: store, ledger: l, ctx: ctx}
}

func scalpCfg() config.StrategyConfig {
	return config.StrategyConfig{
		Name:                "scalp",
		Enabled:             true,
		AllocatedUSD:        1000,
		FixedSizeUSD:        20,
		MaxPositions:        5,
		MaxPositionUSD:      100,
		MaxSpread:           0.05,
		MaxExitSpread:       0.10,
		MaxSignalAgeSeconds: 30,
		MaxPriceDeviation:   0.05,
	}
}

func bookEvent(hash string, bid, ask string) types.WSBookEvent {
	return types.WSBookEvent{
		EventType: "book",
		AssetID:   "tok-yes",
		Market:    "cond-42",
		Hash:      hash,
		Bids:      []types.PriceLevel{{Price: bid, Size: "100"}},
		Asks:      []types.PriceLevel{{Price: ask, Size: "100"}},
	}
}

func TestBookEventOpensScalpSpread(t *testing.T) {
	f := newFixture(t, scalpCfg())

	// In-play, mid 0.50: scalp enters a balanced spread.
	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))

	spread, err := f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	require.NotNil(t, spread, "scalp should have entered on the in-zone book")

	// The catalog mid was updated from the book.
	m, ok := f.catalog.ByToken("tok-yes")
	require.True(t, ok)
	assert.InDelta(t, 0.50, m.YesMid, 1e-9)
}

func TestDuplicateEventsDispatchOnce(t *testing.T) {
	f := newFixture(t, scalpCfg())

	ev := bookEvent("same-hash", "0.49", "0.51")
	now := gameStart.Add(time.Minute)
	f.router.HandleBook(f.ctx, ev, now)

	// Remove exposure so a replayed event would re-enter if not deduped.
	spread, err := f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	_, err = f.store.CloseSpread(f.ctx, spread.ID, 0.50, 0.50, "test teardown")
	require.NoError(t, err)

	f.router.HandleBook(f.ctx, ev, now.Add(time.Second))

	spread, err = f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	assert.Nil(t, spread, "replayed event must not re-enter")
}

func TestResolvedMarketsAreDropped(t *testing.T) {
	f := newFixture(t, scalpCfg())
	f.catalog.MarkResolved(42)

	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))

	spread, err := f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	assert.Nil(t, spread)
}

func TestMaxPositionsGateBlocksEntries(t *testing.T) {
	cfg := scalpCfg()
	cfg.MaxPositions = 1
	f := newFixture(t, cfg)

	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))

	// One spread = two positions, already past the limit of one. A second
	// market must not get an entry.
	f.catalog.Insert(&types.Market{
		ID: 43, ConditionID: "cond-43",
		YesTokenID: "tok2-yes", NoTokenID: "tok2-no",
		Format: "BO3", GameStartTime: gameStart, Active: true,
	})
	ev := bookEvent("h2", "0.49", "0.51")
	ev.AssetID = "tok2-yes"
	ev.Market = "cond-43"
	f.router.HandleBook(f.ctx, ev, gameStart.Add(2*time.Minute))

	spread, err := f.store.OpenSpreadForMarket(f.ctx, "scalp", 43)
	require.NoError(t, err)
	assert.Nil(t, spread, "entry must be blocked at the position limit")
}

func TestPositionUpdatePathScalesOut(t *testing.T) {
	f := newFixture(t, scalpCfg())

	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))
	positions, err := f.store.OpenPositionsForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	// YES runs +12 points from the 0.50 baseline: scalp banks half.
	f.router.HandleBook(f.ctx, bookEvent("h2", "0.61", "0.63"), gameStart.Add(3*time.Minute))

	positions, err = f.store.OpenPositionsForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	for _, p := range positions {
		if p.TokenSide == types.YES {
			assert.Equal(t, position.StatusPartial, p.Status)
			assert.InDelta(t, p.InitialShares/2, p.RemainingShares, p.InitialShares*0.01)
		}
	}
}

func TestPeriodicTicksAdvanceTimeLogic(t *testing.T) {
	f := newFixture(t, scalpCfg())

	// Seed mids without triggering entries (pre-game tick).
	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(-time.Minute))
	spread, err := f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	require.Nil(t, spread, "pre-game book must not trigger an entry")

	// The synthesized in-play tick carries the stored mid and enters.
	f.router.EmitPeriodicTicks(f.ctx, gameStart.Add(time.Minute))
	spread, err = f.store.OpenSpreadForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	assert.NotNil(t, spread)
}

func TestMarkToMarketUpdatesPositions(t *testing.T) {
	f := newFixture(t, scalpCfg())

	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))

	// A later book at 0.60 marks the YES position up.
	f.router.HandleBook(f.ctx, bookEvent("h2", "0.59", "0.61"), gameStart.Add(2*time.Minute))

	positions, err := f.store.OpenPositionsForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	for _, p := range positions {
		if p.TokenSide == types.YES {
			assert.InDelta(t, 0.60, p.CurrentPrice, 1e-6)
			assert.Greater(t, p.UnrealizedPnL, 0.0)
		}
	}
}

func TestMaintainSweepsResolvedPositions(t *testing.T) {
	f := newFixture(t, scalpCfg())

	f.router.HandleBook(f.ctx, bookEvent("h1", "0.49", "0.51"), gameStart.Add(time.Minute))

	// Price pins at 1.0: resolution.
	require.NoError(t, f.store.UpdatePrices(f.ctx, 42, 0.9999, 0.0001))
	f.router.Maintain(f.ctx)

	positions, err := f.store.OpenPositionsForMarket(f.ctx, "scalp", 42)
	require.NoError(t, err)
	assert.Empty(t, positions, "sweep must close pinned positions")

	m, ok := f.catalog.ByID(42)
	require.True(t, ok)
	assert.True(t, m.Resolved)
}
