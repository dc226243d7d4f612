package stream_test

import (
	"context"
	"database/sql"
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
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/internal/strategy"
	"polymarket-engine/internal/stream"
	"polymarket-engine/pkg/types"
)

func imbalanceCfg() config.StrategyConfig {
	return config.StrategyConfig{
		Name:                "imbalance",
		Enabled:             true,
		AllocatedUSD:        1000,
		FixedSizeUSD:        10,
		MinImbalance:        0.30,
		MaxPositions:        3,
		MaxPositionUSD:      100,
		MaxSpread:           0.05,
		MaxSignalAgeSeconds: 30,
		MaxPriceDeviation:   0.05,
	}
}

func newStream(t *testing.T) (*stream.Stream, *position.Store, context.Context) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, store, ctx := newStreamWithDB(t, db)
	return s, store, ctx
}

func newStreamWithDB(t *testing.T, db *sql.DB) (*stream.Stream, *position.Store, context.Context) {
	t.Helper()
	logger := slog.Default()
	l := ledger.New(db, logger)
	store := position.NewStore(db, l, logger)
	st := state.NewManager(store, l, logger)

	ctx := context.Background()
	cfg := imbalanceCfg()
	require.NoError(t, l.EnsureStrategy(ctx, cfg.Name, cfg.AllocatedUSD))

	catalog := market.NewCatalog(config.Config{
		API: config.APIConfig{GammaBaseURL: "http://unused"},
	}, logger)
	catalog.Insert(&types.Market{
		ID:          42,
		ConditionID: "cond-42",
		YesTokenID:  "tok-yes",
		NoTokenID:   "tok-no",
		Format:      "BO3",
		EndDate:     time.Now().Add(4 * time.Hour),
		Active:      true,
	})

	execCfg := config.ExecutionConfig{MinOrderNotional: 1.05, DuplicateOrderWindow: 10 * time.Minute}
	v := executor.NewValidator(db, st, store, execCfg, nil, logger)
	exec := executor.New(db, store, st, v, executor.NewPaper(logger), nil,
		[]config.StrategyConfig{cfg}, nil, logger)

	s, err := strategy.New(cfg, logger)
	require.NoError(t, err)
	imb, ok := s.(*strategy.Imbalance)
	require.True(t, ok)

	return stream.New(db, catalog, st, exec, imb, cfg, logger), store, ctx
}

func book(bidSize, askSize string) types.WSBookEvent {
	return types.WSBookEvent{
		EventType: "book",
		AssetID:   "tok-yes",
		Market:    "cond-42",
		Hash:      "h",
		Bids:      []types.PriceLevel{{Price: "0.49", Size: bidSize}},
		Asks:      []types.PriceLevel{{Price: "0.51", Size: askSize}},
	}
}

func TestStrongImbalanceFiresEntry(t *testing.T) {
	s, store, ctx := newStream(t)

	s.HandleBook(ctx, book("500", "100"), time.Now().UTC())

	require.Eventually(t, func() bool {
		positions, err := store.OpenPositions(ctx, "imbalance")
		return err == nil && len(positions) == 1
	}, 2*time.Second, 10*time.Millisecond, "bid-heavy book should open a YES position")

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Equal(t, types.YES, positions[0].TokenSide)
	assert.Equal(t, "tok-yes", positions[0].TokenID)
}

func TestAskHeavyBookBuysOpposite(t *testing.T) {
	s, store, ctx := newStream(t)

	s.HandleBook(ctx, book("100", "500"), time.Now().UTC())

	require.Eventually(t, func() bool {
		positions, err := store.OpenPositions(ctx, "imbalance")
		return err == nil && len(positions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Equal(t, types.NO, positions[0].TokenSide)
}

func TestBalancedBookDoesNotFire(t *testing.T) {
	s, store, ctx := newStream(t)

	s.HandleBook(ctx, book("110", "100"), time.Now().UTC())

	time.Sleep(100 * time.Millisecond)
	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestWideSpreadBlocksEntry(t *testing.T) {
	s, store, ctx := newStream(t)

	ev := book("500", "100")
	ev.Bids[0].Price = "0.40"
	ev.Asks[0].Price = "0.60" // 0.20 spread
	s.HandleBook(ctx, ev, time.Now().UTC())

	time.Sleep(100 * time.Millisecond)
	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCooldownLimitsEntriesPerMarket(t *testing.T) {
	s, store, ctx := newStream(t)
	now := time.Now().UTC()

	s.HandleBook(ctx, book("500", "100"), now)
	s.HandleBook(ctx, book("600", "100"), now.Add(10*time.Millisecond))
	s.HandleBook(ctx, book("700", "100"), now.Add(20*time.Millisecond))

	require.Eventually(t, func() bool {
		positions, err := store.OpenPositions(ctx, "imbalance")
		return err == nil && len(positions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	require.Len(t, positions, 1, "repeat books must not stack entries")

	// Even with the position closed, the market stays off-limits until the
	// cooldown expires.
	_, err = store.ClosePosition(ctx, positions[0].ID, 0.55, "test close")
	require.NoError(t, err)

	s.HandleBook(ctx, book("900", "100"), now.Add(time.Second))
	time.Sleep(100 * time.Millisecond)
	positions, err = store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions, "cooldown must outlive the position it started with")
}

func TestRejectedBookDoesNotStartCooldown(t *testing.T) {
	s, store, ctx := newStream(t)
	now := time.Now().UTC()

	// Strong imbalance but mid 0.90, outside the strategy's entry zone: no
	// signal, and the market must stay eligible.
	out := book("500", "100")
	out.Bids[0].Price = "0.89"
	out.Asks[0].Price = "0.91"
	s.HandleBook(ctx, out, now)

	time.Sleep(100 * time.Millisecond)
	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	require.Empty(t, positions)

	s.HandleBook(ctx, book("500", "100"), now.Add(200*time.Millisecond))
	require.Eventually(t, func() bool {
		positions, err := store.OpenPositions(ctx, "imbalance")
		return err == nil && len(positions) == 1
	}, 2*time.Second, 10*time.Millisecond, "a declined book must not burn the cooldown")
}

func TestCooldownSurvivesRestart(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, store, ctx := newStreamWithDB(t, db)
	s.HandleBook(ctx, book("500", "100"), time.Now().UTC())
	require.Eventually(t, func() bool {
		positions, err := store.OpenPositions(ctx, "imbalance")
		return err == nil && len(positions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	positions, err := store.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	_, err = store.ClosePosition(ctx, positions[0].ID, 0.55, "test close")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM strategy_market_state
			WHERE strategy = 'imbalance' AND stage = 'cooldown'`).Scan(&n)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond, "entry timestamp must be persisted")

	// A fresh stream over the same database inherits the running cooldown.
	s2, store2, _ := newStreamWithDB(t, db)
	s2.HandleBook(ctx, book("800", "100"), time.Now().UTC())

	time.Sleep(100 * time.Millisecond)
	positions, err = store2.OpenPositions(ctx, "imbalance")
	require.NoError(t, err)
	assert.Empty(t, positions, "restart must not reset the entry cooldown")
}

func TestBookSnapshotRecordedOnFire(t *testing.T) {
	s, _, ctx := newStream(t)

	s.HandleBook(ctx, book("500", "100"), time.Now().UTC())

	// Snapshot writes synchronously before the async execution.
	assert.Equal(t, 1, s.Books().Len())
}
