// Package storage opens the engine's SQLite database and owns the schema.
//
// The trading core persists everything here: positions with their leg audit
// trail, spreads, per-strategy capital, orders, executed trades, rejected
// trade decisions, and buffered tick snapshots. SQLite is single-writer, so
// the pool is pinned to one connection; callers that need multi-statement
// atomicity use Tx.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id            INTEGER PRIMARY KEY,
    condition_id  TEXT NOT NULL,
    question      TEXT,
    yes_token_id  TEXT NOT NULL,
    no_token_id   TEXT NOT NULL,
    category      TEXT,
    format        TEXT,
    market_type   TEXT,
    end_date      DATETIME,
    resolved      INTEGER NOT NULL DEFAULT 0,
    last_seen     DATETIME NOT NULL
);

-- Buffered per-tick rows, flushed in batches by the engine.
CREATE TABLE IF NOT EXISTS snapshots (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id         TEXT,
    market_id        INTEGER NOT NULL,
    kind             TEXT NOT NULL,
    token_id         TEXT,
    best_bid         REAL,
    best_ask         REAL,
    yes_mid          REAL,
    no_mid           REAL,
    last_trade_price REAL,
    velocity_1m      REAL NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL
);

-- Book state recorded when the streaming executor fires.
CREATE TABLE IF NOT EXISTS orderbook_snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    token_id   TEXT NOT NULL,
    best_bid   REAL,
    best_ask   REAL,
    bid_depth  REAL,
    ask_depth  REAL,
    imbalance  REAL,
    created_at DATETIME NOT NULL
);

-- Unusually large trades observed on the stream.
CREATE TABLE IF NOT EXISTS whale_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id  INTEGER NOT NULL,
    token_id   TEXT NOT NULL,
    side       TEXT,
    price      REAL,
    size       REAL,
    notional   REAL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id              TEXT PRIMARY KEY,
    strategy        TEXT NOT NULL,
    market_id       INTEGER NOT NULL,
    token_id        TEXT NOT NULL,
    token_side      TEXT NOT NULL,
    side            TEXT NOT NULL DEFAULT 'BUY',
    initial_shares  REAL NOT NULL,
    remaining_shares REAL NOT NULL,
    avg_entry_price REAL NOT NULL,
    cost_basis      REAL NOT NULL,
    current_price   REAL NOT NULL DEFAULT 0,
    unrealized_pnl  REAL NOT NULL DEFAULT 0,
    realized_pnl    REAL NOT NULL DEFAULT 0,
    spread_id       TEXT,
    format          TEXT,
    market_type     TEXT,
    status          TEXT NOT NULL DEFAULT 'open',
    opened_at       DATETIME NOT NULL,
    closed_at       DATETIME,
    close_reason    TEXT
);

-- One open/partial position per (strategy, market, token).
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_unique_open
    ON positions(strategy, market_id, token_id)
    WHERE status IN ('open', 'partial');
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy, status);

CREATE TABLE IF NOT EXISTS position_legs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id  TEXT NOT NULL REFERENCES positions(id),
    leg_type     TEXT NOT NULL,
    shares_delta REAL NOT NULL,
    price        REAL NOT NULL,
    usd_delta    REAL NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    reason       TEXT,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_legs_position ON position_legs(position_id, id);

CREATE TABLE IF NOT EXISTS spreads (
    id              TEXT PRIMARY KEY,
    strategy        TEXT NOT NULL,
    market_id       INTEGER NOT NULL,
    spread_type     TEXT NOT NULL,
    yes_position_id TEXT NOT NULL REFERENCES positions(id),
    no_position_id  TEXT NOT NULL REFERENCES positions(id),
    cost_basis      REAL NOT NULL,
    realized_pnl    REAL NOT NULL DEFAULT 0,
    unrealized_pnl  REAL NOT NULL DEFAULT 0,
    entry_yes_mid   REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'open',
    opened_at       DATETIME NOT NULL,
    closed_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_spreads_market ON spreads(market_id, status);

CREATE TABLE IF NOT EXISTS strategy_capital (
    strategy       TEXT PRIMARY KEY,
    allocated      REAL NOT NULL,
    available      REAL NOT NULL,
    realized_pnl   REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    trade_count    INTEGER NOT NULL DEFAULT 0,
    win_count      INTEGER NOT NULL DEFAULT 0,
    loss_count     INTEGER NOT NULL DEFAULT 0,
    high_water     REAL NOT NULL DEFAULT 0,
    max_drawdown   REAL NOT NULL DEFAULT 0,
    active         INTEGER NOT NULL DEFAULT 1,
    last_trade_at  DATETIME,
    updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_market_state (
    strategy     TEXT NOT NULL,
    market_id    INTEGER NOT NULL,
    stage        TEXT,
    entry_price  REAL NOT NULL DEFAULT 0,
    switch_price REAL NOT NULL DEFAULT 0,
    exit_price   REAL NOT NULL DEFAULT 0,
    high_water   REAL NOT NULL DEFAULT 0,
    low_water    REAL NOT NULL DEFAULT 0,
    counter      INTEGER NOT NULL DEFAULT 0,
    payload      TEXT,
    active       INTEGER NOT NULL DEFAULT 1,
    updated_at   DATETIME NOT NULL,
    PRIMARY KEY (strategy, market_id)
);

CREATE TABLE IF NOT EXISTS orders (
    id                TEXT PRIMARY KEY,
    signal_id         TEXT,
    paper             INTEGER NOT NULL DEFAULT 0,
    token_id          TEXT NOT NULL,
    side              TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    limit_price       REAL,
    executed_price    REAL,
    size_usd          REAL NOT NULL,
    size_shares       REAL NOT NULL,
    filled_shares     REAL NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'pending',
    exchange_order_id TEXT,
    status_msg        TEXT,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_token ON orders(token_id, created_at DESC);

CREATE TABLE IF NOT EXISTS executor_trades (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id         TEXT REFERENCES orders(id),
    position_id      TEXT,
    leg_id           INTEGER,
    strategy         TEXT NOT NULL,
    market_id        INTEGER NOT NULL,
    token_id         TEXT NOT NULL,
    side             TEXT NOT NULL,
    price            REAL NOT NULL,
    shares           REAL NOT NULL,
    usd              REAL NOT NULL,
    fee              REAL NOT NULL DEFAULT 0,
    best_bid         REAL,
    best_ask         REAL,
    spread           REAL,
    slippage         REAL,
    trigger_event_id TEXT,
    trigger_reason   TEXT,
    paper            INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
    id         TEXT PRIMARY KEY,
    strategy   TEXT NOT NULL,
    market_id  INTEGER NOT NULL,
    token_id   TEXT NOT NULL,
    side       TEXT NOT NULL,
    reason     TEXT,
    edge       REAL,
    confidence REAL,
    price      REAL,
    size_usd   REAL,
    created_at DATETIME NOT NULL
);

-- Every validated signal leaves a row: executed or rejected with reason.
CREATE TABLE IF NOT EXISTS trade_decisions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id       TEXT,
    strategy        TEXT NOT NULL,
    market_id       INTEGER NOT NULL,
    token_id        TEXT NOT NULL,
    executed        INTEGER NOT NULL,
    rejected_reason TEXT,
    created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_balance (
    strategy   TEXT PRIMARY KEY,
    balance    REAL NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	// WAL keeps readers off the writer's lock; the busy timeout rides out
	// the moments a checkpoint holds it.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RoundPrice rounds a price to 6 decimal places before persistence.
// Hot-path math stays float64; rounding happens once at the write boundary.
func RoundPrice(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(6).Float64()
	return f
}

// RoundMoney rounds a USD amount to 2 decimal places before persistence.
func RoundMoney(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// RoundShares rounds a share count to 6 decimal places.
func RoundShares(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(6).Float64()
	return f
}
