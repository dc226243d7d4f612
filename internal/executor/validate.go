package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/state"
	"polymarket-engine/pkg/types"
)

// Rejection reasons recorded in trade_decisions. Checks run in this order;
// the first failure wins.
const (
	RejectSizeLimit      = "size_exceeds_limit"
	RejectMinNotional    = "below_min_notional"
	RejectNoCapital      = "insufficient_capital"
	RejectSignalExpired  = "signal_expired"
	RejectPriceDeviation = "price_deviation"
	RejectEntrySpread    = "entry_spread_too_wide"
	RejectExtremePrice   = "extreme_price"
	RejectDuplicate      = "duplicate_position"
	RejectRecentOrder    = "recent_order_on_token"
	RejectFeeTooHigh     = "fee_too_high"
)

// FeeSource supplies the current taker fee for a token. The live CLOB client
// implements it; paper trading passes nil and pays no fees.
type FeeSource interface {
	GetFeeRateBps(ctx context.Context, tokenID string) (float64, error)
}

// Validator runs the pre-trade entry checks and the exit spread guard.
// Every checked entry leaves a trade_decisions row, executed or not.
type Validator struct {
	db     *sql.DB
	state  *state.Manager
	store  *position.Store
	exec   config.ExecutionConfig
	fees   FeeSource
	logger *slog.Logger
}

func NewValidator(db *sql.DB, st *state.Manager, store *position.Store, exec config.ExecutionConfig, fees FeeSource, logger *slog.Logger) *Validator {
	return &Validator{
		db:     db,
		state:  st,
		store:  store,
		exec:   exec,
		fees:   fees,
		logger: logger.With("component", "validator"),
	}
}

// CheckEntry validates a signal against the strategy's limits and the current
// tick. It returns the rejection reason, or "" when the entry may proceed.
func (v *Validator) CheckEntry(ctx context.Context, sig *types.Signal, scfg config.StrategyConfig, t types.Tick, now time.Time) (string, error) {
	if scfg.MaxPositionUSD > 0 && sig.SizeUSD > scfg.MaxPositionUSD {
		return RejectSizeLimit, nil
	}
	if sig.SizeUSD < v.exec.MinOrderNotional {
		return RejectMinNotional, nil
	}

	cap, err := v.state.Capital(ctx, sig.Strategy)
	if err != nil {
		return "", fmt.Errorf("capital lookup: %w", err)
	}
	if cap.Available < sig.SizeUSD {
		return RejectNoCapital, nil
	}

	if age := sig.Age(now); age > time.Duration(scfg.MaxSignalAgeSeconds*float64(time.Second)) {
		return RejectSignalExpired, nil
	}

	current := t.SidePrice(sig.TokenSide)
	if sig.Price > 0 && current > 0 {
		dev := (current - sig.Price) / sig.Price
		if dev < 0 {
			dev = -dev
		}
		if dev > scfg.MaxPriceDeviation {
			return RejectPriceDeviation, nil
		}
	}

	if s := t.Spread(); s > 0 && scfg.MaxSpread > 0 && s > scfg.MaxSpread {
		return RejectEntrySpread, nil
	}

	if !scfg.AllowExtremePrices && current > 0 && (current < 0.05 || current > 0.95) {
		return RejectExtremePrice, nil
	}

	open, err := v.store.OpenPositionForToken(ctx, sig.Strategy, sig.TokenID)
	if err != nil {
		return "", fmt.Errorf("duplicate check: %w", err)
	}
	if open != nil {
		return RejectDuplicate, nil
	}

	recent, err := v.hasRecentOrder(ctx, sig.TokenID, now)
	if err != nil {
		return "", fmt.Errorf("recent order check: %w", err)
	}
	if recent {
		return RejectRecentOrder, nil
	}

	// Fee check last: it is the only one that may hit the network.
	if v.fees != nil && scfg.MaxFeeRateBps > 0 {
		bps, err := v.fees.GetFeeRateBps(ctx, sig.TokenID)
		if err != nil {
			v.logger.Warn("fee lookup failed, assuming zero", "token", sig.TokenID, "error", err)
		} else if bps > scfg.MaxFeeRateBps {
			return RejectFeeTooHigh, nil
		}
	}

	return "", nil
}

// CheckExit gates exits on the book spread alone: a blown-out book means any
// market exit would fill terribly, so the position is held instead.
func (v *Validator) CheckExit(t types.Tick, scfg config.StrategyConfig) string {
	if s := t.Spread(); s > 0 && scfg.MaxExitSpread > 0 && s > scfg.MaxExitSpread {
		return "exit_spread_too_wide"
	}
	return ""
}

// hasRecentOrder reports whether any order touched the token inside the
// duplicate window. Cancelled orders count: a cancel right after a post is
// usually a symptom, not a fresh opportunity.
func (v *Validator) hasRecentOrder(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var n int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE token_id = ? AND created_at > ?`,
		tokenID, now.Add(-v.exec.DuplicateOrderWindow)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordDecision writes the audit row for one validated entry.
func (v *Validator) RecordDecision(ctx context.Context, sig *types.Signal, executed bool, reason string) {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO trade_decisions (signal_id, strategy, market_id, token_id, executed, rejected_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Strategy, sig.MarketID, sig.TokenID,
		boolToInt(executed), nullIfEmpty(reason), time.Now().UTC())
	if err != nil {
		v.logger.Error("record decision failed", "signal", sig.ID, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
