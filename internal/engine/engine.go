// Package engine assembles and runs the trading system: the WebSocket feed,
// the dispatcher, the streaming path, and the background maintenance tasks.
//
// Task topology:
//
//	feed.Run            — owns the WS connection, reconnects with backoff
//	dispatch loop       — drains feed channels into the router and stream
//	periodic emitter    — synthesizes heartbeat ticks from catalog mids
//	maintenance loop    — catalog refresh, subscription diff, resolution sweep
//	flush loop          — writes buffered tick rows in batches
//	health monitor      — forces a reconnect after prolonged WS silence
//
// All tasks stop on context cancellation; shutdown waits for them and runs a
// final tick flush.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/exchange"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/router"
	"polymarket-engine/internal/stream"
)

// Engine ties the pipeline together.
type Engine struct {
	cfg     *config.Config
	feed    *exchange.MarketFeed
	catalog *market.Catalog
	router  *router.Router
	stream  *stream.Stream // nil when the imbalance strategy is disabled
	logger  *slog.Logger
}

func New(cfg *config.Config, feed *exchange.MarketFeed, catalog *market.Catalog, r *router.Router, s *stream.Stream, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		feed:    feed,
		catalog: catalog,
		router:  r,
		stream:  s,
		logger:  logger.With("component", "engine"),
	}
}

// Run starts all tasks and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.catalog.Refresh(ctx); err != nil {
		return err
	}
	if err := e.feed.Subscribe(e.catalog.ActiveTokenIDs()); err != nil {
		e.logger.Warn("initial subscription deferred until connect", "error", err)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			e.logger.Debug("task stopped", "task", name)
		}()
	}

	run("feed", func(ctx context.Context) {
		if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("feed terminated", "error", err)
		}
	})
	run("dispatch", e.dispatchLoop)
	run("periodic", e.periodicLoop)
	run("maintenance", e.maintenanceLoop)
	run("flush", e.flushLoop)
	run("health", e.healthLoop)

	<-ctx.Done()
	wg.Wait()

	// Final flush with a fresh context: the run context is already dead.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.router.FlushTicks(flushCtx); err != nil {
		e.logger.Error("final tick flush failed", "error", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// dispatchLoop is the single consumer of all feed channels. Book events also
// feed the streaming path before normal dispatch.
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.feed.BookEvents():
			now := time.Now().UTC()
			if e.stream != nil {
				e.stream.HandleBook(ctx, ev, now)
			}
			e.router.HandleBook(ctx, ev, now)
		case ev := <-e.feed.PriceChangeEvents():
			e.router.HandlePriceChange(ctx, ev, time.Now().UTC())
		case ev := <-e.feed.LastTradeEvents():
			e.router.HandleTrade(ctx, ev, time.Now().UTC())
		}
	}
}

func (e *Engine) periodicLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.PeriodicTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.router.EmitPeriodicTicks(ctx, now.UTC())
		}
	}
}

// maintenanceLoop refreshes the catalog, reconciles the WS subscription set
// against it, and runs the resolution sweep.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.catalog.Refresh(ctx); err != nil {
				e.logger.Error("catalog refresh failed", "error", err)
			}
			e.reconcileSubscriptions()
			e.router.Maintain(ctx)
		}
	}
}

// reconcileSubscriptions subscribes tokens that entered the catalog and
// unsubscribes tokens that left it.
func (e *Engine) reconcileSubscriptions() {
	want := make(map[string]bool)
	for _, id := range e.catalog.ActiveTokenIDs() {
		want[id] = true
	}
	have := e.feed.Subscribed()

	var add, remove []string
	for id := range want {
		if !have[id] {
			add = append(add, id)
		}
	}
	for id := range have {
		if !want[id] {
			remove = append(remove, id)
		}
	}

	if err := e.feed.Subscribe(add); err != nil {
		e.logger.Error("subscribe failed", "count", len(add), "error", err)
	}
	if err := e.feed.Unsubscribe(remove); err != nil {
		e.logger.Error("unsubscribe failed", "count", len(remove), "error", err)
	}
	if e.stream != nil {
		for _, id := range remove {
			e.stream.Books().Drop(id)
		}
	}
	if len(add) > 0 || len(remove) > 0 {
		e.logger.Info("subscriptions reconciled", "added", len(add), "removed", len(remove))
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.TickFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.router.FlushTicks(ctx); err != nil {
				e.logger.Error("tick flush failed", "error", err)
			}
		}
	}
}

// healthLoop forces a reconnect when the feed has been silent longer than
// the health timeout. The feed's own read deadline usually catches this
// first; the monitor is the backstop.
func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.HealthTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := e.feed.LastMessageAt()
			if last.IsZero() {
				continue
			}
			if silent := time.Since(last); silent > e.cfg.Engine.HealthTimeout {
				e.logger.Warn("feed silent too long, forcing reconnect", "silent", silent.Round(time.Second))
				e.feed.ForceReconnect()
			}
		}
	}
}

// EnabledStrategyConfigs filters the configured strategies down to the
// enabled ones.
func EnabledStrategyConfigs(cfg *config.Config) []config.StrategyConfig {
	var out []config.StrategyConfig
	for _, s := range cfg.Strategies {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
