// Package ledger implements per-strategy capital accounting.
//
// One row per strategy holds the allocated budget, the available (undeployed)
// cash, realized/unrealized P&L, win/loss counters, and drawdown tracking.
// The ledger is the synchronization point for capital: every reserve and
// credit is a read-modify-write inside a transaction, and the conservation
// invariant allocated = available + Σ cost_basis(open) − realized holds at
// every commit.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polymarket-engine/internal/storage"
)

var (
	// ErrInsufficientCapital is returned when a reserve exceeds available cash.
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrUnknownStrategy is returned for operations on an unregistered strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// pnlEpsilon separates wins from losses; |realized| below it counts as neither.
const pnlEpsilon = 1e-9

// Snapshot is a point-in-time copy of one strategy's capital row.
type Snapshot struct {
	Strategy      string
	Allocated     float64
	Available     float64
	RealizedPnL   float64
	UnrealizedPnL float64
	TradeCount    int
	WinCount      int
	LossCount     int
	HighWater     float64
	MaxDrawdown   float64
	Active        bool
}

// Ledger provides atomic capital operations backed by the strategy_capital
// table. Multi-operation atomicity (position mutation + capital move) is
// achieved by the Tx variants, which run inside the caller's transaction.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a ledger on an opened database.
func New(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger.With("component", "ledger")}
}

// EnsureStrategy registers a strategy with its allocated budget. An existing
// row is left untouched except for the allocated amount, so restarts do not
// reset running P&L. A changed allocation shifts available by the same delta.
func (l *Ledger) EnsureStrategy(ctx context.Context, strategy string, allocatedUSD float64) error {
	allocated := storage.RoundMoney(allocatedUSD)
	return storage.InTx(ctx, l.db, func(tx *sql.Tx) error {
		var prev float64
		err := tx.QueryRowContext(ctx,
			`SELECT allocated FROM strategy_capital WHERE strategy = ?`, strategy).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO strategy_capital (strategy, allocated, available, high_water, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				strategy, allocated, allocated, allocated, time.Now().UTC())
			return err
		case err != nil:
			return fmt.Errorf("lookup strategy %q: %w", strategy, err)
		}

		if prev == allocated {
			return nil
		}
		delta := allocated - prev
		l.logger.Info("strategy allocation changed",
			"strategy", strategy, "previous", prev, "allocated", allocated)
		_, err = tx.ExecContext(ctx, `
			UPDATE strategy_capital
			SET allocated = ?, available = available + ?, updated_at = ?
			WHERE strategy = ?`,
			allocated, delta, time.Now().UTC(), strategy)
		return err
	})
}

// Reserve atomically moves amount from available into deployed capital.
// Fails with ErrInsufficientCapital when available < amount.
func (l *Ledger) Reserve(ctx context.Context, strategy string, amountUSD float64) error {
	return storage.InTx(ctx, l.db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, strategy, amountUSD)
	})
}

// ReserveTx is Reserve running inside the caller's transaction, so a
// position insert and its capital reservation commit or roll back together.
func (l *Ledger) ReserveTx(ctx context.Context, tx *sql.Tx, strategy string, amountUSD float64) error {
	amount := storage.RoundMoney(amountUSD)
	if amount <= 0 {
		return fmt.Errorf("reserve %q: non-positive amount %.2f", strategy, amount)
	}

	var available float64
	err := tx.QueryRowContext(ctx,
		`SELECT available FROM strategy_capital WHERE strategy = ?`, strategy).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reserve %q: %w", strategy, ErrUnknownStrategy)
	}
	if err != nil {
		return fmt.Errorf("reserve %q: %w", strategy, err)
	}
	if available < amount {
		return fmt.Errorf("reserve %q: need %.2f, have %.2f: %w",
			strategy, amount, available, ErrInsufficientCapital)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE strategy_capital
		SET available = available - ?,
		    trade_count = trade_count + 1,
		    last_trade_at = ?,
		    updated_at = ?
		WHERE strategy = ?`,
		amount, time.Now().UTC(), time.Now().UTC(), strategy)
	if err != nil {
		return fmt.Errorf("reserve %q: %w", strategy, err)
	}
	return nil
}

// Credit returns capital after a close: returnUSD goes back to available,
// realizedDelta is added to realized P&L and decides the win/loss counter.
func (l *Ledger) Credit(ctx context.Context, strategy string, returnUSD, realizedDelta float64) error {
	return storage.InTx(ctx, l.db, func(tx *sql.Tx) error {
		return l.CreditTx(ctx, tx, strategy, returnUSD, realizedDelta)
	})
}

// CreditTx is Credit running inside the caller's transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx *sql.Tx, strategy string, returnUSD, realizedDelta float64) error {
	ret := storage.RoundMoney(returnUSD)
	realized := storage.RoundMoney(realizedDelta)

	var available, realizedPnL, unrealized, highWater, maxDrawdown float64
	var winCount, lossCount int
	err := tx.QueryRowContext(ctx, `
		SELECT available, realized_pnl, unrealized_pnl, high_water, max_drawdown, win_count, loss_count
		FROM strategy_capital WHERE strategy = ?`, strategy).
		Scan(&available, &realizedPnL, &unrealized, &highWater, &maxDrawdown, &winCount, &lossCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("credit %q: %w", strategy, ErrUnknownStrategy)
	}
	if err != nil {
		return fmt.Errorf("credit %q: %w", strategy, err)
	}

	available = storage.RoundMoney(available + ret)
	realizedPnL = storage.RoundMoney(realizedPnL + realized)
	switch {
	case realized > pnlEpsilon:
		winCount++
	case realized < -pnlEpsilon:
		lossCount++
	}

	equity := available + unrealized
	if equity > highWater {
		highWater = equity
	}
	if dd := highWater - equity; dd > maxDrawdown {
		maxDrawdown = storage.RoundMoney(dd)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE strategy_capital
		SET available = ?, realized_pnl = ?, win_count = ?, loss_count = ?,
		    high_water = ?, max_drawdown = ?, updated_at = ?
		WHERE strategy = ?`,
		available, realizedPnL, winCount, lossCount,
		highWater, maxDrawdown, time.Now().UTC(), strategy)
	if err != nil {
		return fmt.Errorf("credit %q: %w", strategy, err)
	}
	return nil
}

// UpdateUnrealized overwrites the strategy's aggregate unrealized P&L.
func (l *Ledger) UpdateUnrealized(ctx context.Context, strategy string, amountUSD float64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE strategy_capital SET unrealized_pnl = ?, updated_at = ? WHERE strategy = ?`,
		storage.RoundMoney(amountUSD), time.Now().UTC(), strategy)
	if err != nil {
		return fmt.Errorf("update unrealized %q: %w", strategy, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update unrealized %q: %w", strategy, ErrUnknownStrategy)
	}
	return nil
}

// Get returns a snapshot of the strategy's capital row.
func (l *Ledger) Get(ctx context.Context, strategy string) (Snapshot, error) {
	var s Snapshot
	s.Strategy = strategy
	err := l.db.QueryRowContext(ctx, `
		SELECT allocated, available, realized_pnl, unrealized_pnl,
		       trade_count, win_count, loss_count, high_water, max_drawdown, active
		FROM strategy_capital WHERE strategy = ?`, strategy).
		Scan(&s.Allocated, &s.Available, &s.RealizedPnL, &s.UnrealizedPnL,
			&s.TradeCount, &s.WinCount, &s.LossCount, &s.HighWater, &s.MaxDrawdown, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("get %q: %w", strategy, ErrUnknownStrategy)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %q: %w", strategy, err)
	}
	return s, nil
}
