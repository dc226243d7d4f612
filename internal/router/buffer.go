package router

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

// tickBuffer accumulates tick rows between flushes so the hot path never
// writes to disk. On a failed flush the rows are retained for the next
// attempt; when the buffer overflows, the oldest rows are dropped.
type tickBuffer struct {
	mu    sync.Mutex
	ticks []types.Tick
	cap   int
}

func newTickBuffer(capacity int) *tickBuffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &tickBuffer{cap: capacity}
}

func (b *tickBuffer) Add(t types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ticks) >= b.cap {
		drop := len(b.ticks) - b.cap + 1
		b.ticks = b.ticks[drop:]
	}
	b.ticks = append(b.ticks, t)
}

func (b *tickBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Flush writes all buffered ticks in one transaction. On error the batch
// goes back to the front of the buffer.
func (b *tickBuffer) Flush(ctx context.Context, db *sql.DB) error {
	b.mu.Lock()
	batch := b.ticks
	b.ticks = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO snapshots (event_id, market_id, kind, token_id, best_bid, best_ask, yes_mid, no_mid, last_trade_price, velocity_1m, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range batch {
			if _, err := stmt.ExecContext(ctx,
				t.EventID, t.MarketID, string(t.Kind), t.TokenID,
				t.BestBid, t.BestAsk, t.ActualYesMid, t.ActualNoMid,
				t.LastTradePrice, t.Velocity1m, t.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.mu.Lock()
		b.ticks = append(batch, b.ticks...)
		if len(b.ticks) > b.cap {
			b.ticks = b.ticks[len(b.ticks)-b.cap:]
		}
		b.mu.Unlock()
		return fmt.Errorf("flush %d ticks: %w", len(batch), err)
	}
	return nil
}
