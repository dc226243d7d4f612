package strategy

import (
	"log/slog"
	"testing"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/position"
	"polymarket-engine/pkg/types"
)

var testStart = time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)

func tick(marketID int64, yes, no float64, sinceStart time.Duration) types.Tick {
	return types.Tick{
		MarketID:      marketID,
		Kind:          types.EventBook,
		TokenSide:     types.YES,
		ActualYesMid:  yes,
		ActualNoMid:   no,
		Format:        "BO3",
		GameStartTime: testStart,
		Timestamp:     testStart.Add(sinceStart),
	}
}

func openPos(side types.TokenSide, avgEntry, shares, cost float64) position.Position {
	return position.Position{
		TokenSide:       side,
		AvgEntryPrice:   avgEntry,
		RemainingShares: shares,
		CostBasis:       cost,
		Status:          position.StatusOpen,
		OpenedAt:        testStart,
	}
}

func TestBaseFilterTick(t *testing.T) {
	t.Parallel()
	b := &base{cfg: config.StrategyConfig{
		Formats:   []string{"BO3", "BO5"},
		MaxSpread: 0.05,
	}}

	tests := []struct {
		name string
		tick types.Tick
		want bool
	}{
		{"passes", types.Tick{Format: "BO3", ActualYesMid: 0.50}, true},
		{"wrong format", types.Tick{Format: "BO1", ActualYesMid: 0.50}, false},
		{"wide spread", types.Tick{Format: "BO3", BestBid: 0.40, BestAsk: 0.50, TokenSide: types.YES}, false},
		{"extreme price", types.Tick{Format: "BO5", ActualYesMid: 0.97}, false},
		{"low extreme", types.Tick{Format: "BO5", ActualYesMid: 0.03}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.FilterTick(tt.tick); got != tt.want {
				t.Errorf("FilterTick() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScalpEntersSpreadInZone(t *testing.T) {
	t.Parallel()
	s := newScalp(config.StrategyConfig{Name: "scalp", FixedSizeUSD: 20}, slog.Default())

	act := s.OnTick(tick(42, 0.50, 0.50, time.Minute))
	if act == nil {
		t.Fatal("expected spread entry")
	}
	if act.Kind != types.ActionOpenSpread {
		t.Errorf("Kind = %v, want OPEN_SPREAD", act.Kind)
	}
	if act.YesUSD != 20 || act.NoUSD != 20 {
		t.Errorf("sizes = %.2f/%.2f, want 20/20", act.YesUSD, act.NoUSD)
	}

	// Outside the zone and pre-game: no entry.
	if s.OnTick(tick(43, 0.70, 0.30, time.Minute)) != nil {
		t.Error("entered outside price zone")
	}
	if s.OnTick(tick(44, 0.50, 0.50, -time.Minute)) != nil {
		t.Error("entered before game start")
	}
}

func TestScalpScalesOutOnMove(t *testing.T) {
	t.Parallel()
	s := newScalp(config.StrategyConfig{Name: "scalp", FixedSizeUSD: 20}, slog.Default())

	s.OnTick(tick(42, 0.50, 0.50, time.Minute)) // sets baselines
	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.5101, 39.21, 20),
		openPos(types.NO, 0.5101, 39.21, 20),
	}}

	// +12 points on YES from the 0.50 baseline.
	act := s.OnPositionUpdate(view, tick(42, 0.62, 0.40, 2*time.Minute))
	if act == nil || act.Kind != types.ActionPartialClose {
		t.Fatalf("act = %+v, want PARTIAL_CLOSE", act)
	}
	if act.TokenSide != types.YES || act.ClosePct != 0.5 {
		t.Errorf("got %s %.2f, want YES 0.50", act.TokenSide, act.ClosePct)
	}

	// Re-baselined at 0.62: +8 more points is not enough.
	if act := s.OnPositionUpdate(view, tick(42, 0.70, 0.32, 3*time.Minute)); act != nil {
		t.Errorf("fired below re-baselined threshold: %+v", act)
	}

	// At the extreme the winning side closes fully.
	act = s.OnPositionUpdate(view, tick(42, 0.91, 0.09, 4*time.Minute))
	if act == nil || act.Kind != types.ActionClose || act.TokenSide != types.YES {
		t.Fatalf("act = %+v, want CLOSE YES", act)
	}
}

func TestFavoriteHedgeSizing(t *testing.T) {
	t.Parallel()
	s := newFavoriteHedge(config.StrategyConfig{Name: "favorite_hedge"}, slog.Default())

	// 4 minutes post start, favorite at 0.58 → $22.
	act := s.OnTick(tick(9, 0.58, 0.42, 4*time.Minute))
	if act == nil || act.Kind != types.ActionOpenLong {
		t.Fatalf("act = %+v, want OPEN_LONG", act)
	}
	if act.TokenSide != types.YES {
		t.Errorf("side = %s, want YES", act.TokenSide)
	}
	if diff := act.SizeUSD - 22.0; diff > 0.001 || diff < -0.001 {
		t.Errorf("size = %.2f, want 22.00", act.SizeUSD)
	}

	// Outside the entry window: nothing.
	if s.OnTick(tick(9, 0.58, 0.42, 10*time.Minute)) != nil {
		t.Error("entered outside time window")
	}
	if s.OnTick(tick(9, 0.58, 0.42, time.Minute)) != nil {
		t.Error("entered too early")
	}
}

func TestFavoriteHedgeAddsHedgeAtTrigger(t *testing.T) {
	t.Parallel()
	s := newFavoriteHedge(config.StrategyConfig{Name: "favorite_hedge"}, slog.Default())

	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.58, 37.93, 22.00),
	}}

	// Below trigger: hold.
	if act := s.OnPositionUpdate(view, tick(9, 0.80, 0.20, 20*time.Minute)); act != nil {
		t.Errorf("hedged below trigger: %+v", act)
	}

	act := s.OnPositionUpdate(view, tick(9, 0.86, 0.14, 25*time.Minute))
	if act == nil || act.Kind != types.ActionOpenLong || act.TokenSide != types.NO {
		t.Fatalf("act = %+v, want OPEN_LONG NO", act)
	}
	if diff := act.SizeUSD - 5.50; diff > 0.001 || diff < -0.001 {
		t.Errorf("hedge size = %.2f, want 5.50", act.SizeUSD)
	}

	// One hedge only.
	if act := s.OnPositionUpdate(view, tick(9, 0.90, 0.10, 26*time.Minute)); act != nil {
		t.Errorf("hedged twice: %+v", act)
	}
}

func TestBO3LongshotTiers(t *testing.T) {
	t.Parallel()
	s := newBO3Longshot(config.StrategyConfig{Name: "bo3_longshot"}, slog.Default())

	// Tier 1 at 18%.
	act := s.OnTick(tick(5, 0.18, 0.82, 30*time.Minute))
	if act == nil || act.Kind != types.ActionOpenLong || act.SizeUSD != 20 {
		t.Fatalf("act = %+v, want OPEN_LONG $20", act)
	}

	// Tier 2 add below 10%.
	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.18, 111.1, 20),
	}}
	act = s.OnPositionUpdate(view, tick(5, 0.08, 0.92, 40*time.Minute))
	if act == nil || act.Kind != types.ActionAdd || act.AddUSD != 30 {
		t.Fatalf("act = %+v, want ADD $30", act)
	}

	// Blended entry 0.088: banking 70% at a double.
	blended := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.088, 568.2, 50),
	}}
	act = s.OnPositionUpdate(blended, tick(5, 0.19, 0.81, 60*time.Minute))
	if act == nil || act.Kind != types.ActionPartialClose {
		t.Fatalf("act = %+v, want PARTIAL_CLOSE", act)
	}
	if act.ClosePct != 0.70 {
		t.Errorf("ClosePct = %.2f, want 0.70", act.ClosePct)
	}

	// After the window no new entries.
	if s.OnTick(tick(6, 0.18, 0.82, 2*time.Hour)) != nil {
		t.Error("entered after the 90-minute window")
	}
}

func TestMapLongshotCrashThenSettle(t *testing.T) {
	t.Parallel()
	s := newMapLongshot(config.StrategyConfig{Name: "map_longshot", FixedSizeUSD: 15}, slog.Default())

	// Price crashes 0.35 → 0.15 within the lookback.
	s.OnTick(tick(3, 0.35, 0.65, 10*time.Minute))
	if act := s.OnTick(tick(3, 0.15, 0.85, 12*time.Minute)); act != nil {
		t.Fatalf("entered before the settle delay: %+v", act)
	}

	// After the settle delay and still in the zone: buy.
	act := s.OnTick(tick(3, 0.16, 0.84, 18*time.Minute))
	if act == nil || act.Kind != types.ActionOpenLong || act.TokenSide != types.YES {
		t.Fatalf("act = %+v, want OPEN_LONG YES", act)
	}

	// Exit on a 20-point rebound.
	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.16, 93.75, 15),
	}}
	exit := s.OnPositionUpdate(view, tick(3, 0.37, 0.63, 20*time.Minute))
	if exit == nil || exit.Kind != types.ActionClose {
		t.Fatalf("exit = %+v, want CLOSE", exit)
	}
}

func TestSwingRebalanceGates(t *testing.T) {
	t.Parallel()
	s := newSwing(config.StrategyConfig{Name: "swing", FixedSizeUSD: 25}, slog.Default())

	// Entry near game start.
	act := s.OnTick(tick(8, 0.50, 0.50, time.Minute))
	if act == nil || act.Kind != types.ActionOpenSpread {
		t.Fatalf("act = %+v, want OPEN_SPREAD", act)
	}

	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.50, 70, 35),
		openPos(types.NO, 0.50, 30, 15),
	}}

	// A 16-point move with the appreciated side past entry+15: rebalance.
	rb := s.OnPositionUpdate(view, tick(8, 0.66, 0.34, 3*time.Minute))
	if rb == nil || rb.Kind != types.ActionRebalance || rb.TokenSide != types.YES {
		t.Fatalf("rb = %+v, want REBALANCE YES", rb)
	}

	// Cooldown suppresses an immediate second rebalance.
	if rb := s.OnPositionUpdate(view, tick(8, 0.82, 0.18, 4*time.Minute)); rb != nil {
		t.Errorf("rebalanced inside cooldown: %+v", rb)
	}
}

func TestImbalanceEvaluateBook(t *testing.T) {
	t.Parallel()
	s := newImbalance(config.StrategyConfig{Name: "imbalance", FixedSizeUSD: 10, MinImbalance: 0.30}, slog.Default())
	m := &types.Market{ID: 42, YesTokenID: "tok-yes", NoTokenID: "tok-no"}
	now := testStart

	bidHeavy := market.NewOrderBook("tok-yes",
		[]types.PriceLevel{{Price: "0.49", Size: "500"}},
		[]types.PriceLevel{{Price: "0.51", Size: "100"}}, now)
	sig := s.EvaluateBook(bidHeavy, m, now)
	if sig == nil {
		t.Fatal("expected signal on bid-heavy book")
	}
	if sig.TokenSide != types.YES || sig.TokenID != "tok-yes" {
		t.Errorf("signal side = %s/%s, want YES/tok-yes", sig.TokenSide, sig.TokenID)
	}

	askHeavy := market.NewOrderBook("tok-yes",
		[]types.PriceLevel{{Price: "0.49", Size: "100"}},
		[]types.PriceLevel{{Price: "0.51", Size: "500"}}, now)
	sig = s.EvaluateBook(askHeavy, m, now)
	if sig == nil || sig.TokenSide != types.NO {
		t.Fatalf("sig = %+v, want NO side", sig)
	}

	balanced := market.NewOrderBook("tok-yes",
		[]types.PriceLevel{{Price: "0.49", Size: "100"}},
		[]types.PriceLevel{{Price: "0.51", Size: "110"}}, now)
	if sig := s.EvaluateBook(balanced, m, now); sig != nil {
		t.Errorf("fired below threshold: %+v", sig)
	}
}

func TestImbalanceExits(t *testing.T) {
	t.Parallel()
	s := newImbalance(config.StrategyConfig{Name: "imbalance"}, slog.Default())

	view := PositionView{Positions: []position.Position{
		openPos(types.YES, 0.40, 25, 10),
	}}

	// Profit target.
	act := s.OnPositionUpdate(view, tick(42, 0.51, 0.49, 5*time.Minute))
	if act == nil || act.Kind != types.ActionClose {
		t.Fatalf("act = %+v, want CLOSE on profit target", act)
	}

	// Max hold.
	act = s.OnPositionUpdate(view, tick(42, 0.41, 0.59, 31*time.Minute))
	if act == nil || act.Kind != types.ActionClose {
		t.Fatalf("act = %+v, want CLOSE on max hold", act)
	}

	// Neither: hold.
	if act := s.OnPositionUpdate(view, tick(42, 0.42, 0.58, 5*time.Minute)); act != nil {
		t.Errorf("unexpected exit: %+v", act)
	}
}
