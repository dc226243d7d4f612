package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/exchange"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

// clobAPI is the slice of the exchange client the live executor needs.
type clobAPI interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OrderStatusResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error)
	GetWalletPositions(ctx context.Context) ([]types.WalletPosition, error)
}

// Live places real orders on the CLOB. Each fill attempt fetches a fresh
// book, prices a marketable limit at the touch, and walks a small state
// machine: post, poll until matched or timeout, cancel on timeout, retry up
// to MaxRetries unless the price ran away or the error is terminal. The
// wallet, not the local database, is authoritative for what filled: before
// every retry the wallet is consulted so a fill whose response was lost is
// reconciled instead of resubmitted.
type Live struct {
	client clobAPI
	cfg    config.ExecutionConfig
	logger *slog.Logger
}

func NewLive(client clobAPI, cfg config.ExecutionConfig, logger *slog.Logger) *Live {
	return &Live{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "live_executor"),
	}
}

func (l *Live) Name() string { return "live" }

func (l *Live) Buy(ctx context.Context, req FillRequest) (*Fill, error) {
	return l.execute(ctx, req, types.BUY)
}

func (l *Live) Sell(ctx context.Context, req FillRequest) (*Fill, error) {
	return l.execute(ctx, req, types.SELL)
}

func (l *Live) execute(ctx context.Context, req FillRequest, side types.Side) (*Fill, error) {
	var firstLimit float64
	var lastErr error
	var lastLimit float64 // limit price the previous attempt submitted

	// Holding before the first attempt; the reconcile on retry looks for
	// an increase relative to this.
	baseline, baselineKnown := l.walletHolding(ctx, req.TokenID)

	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.RetryBackoff):
			}
			// The previous attempt's response may have been lost after the
			// exchange accepted it. A wallet holding above the baseline is
			// that fill: adopt it rather than submit a duplicate order.
			if side == types.BUY && baselineKnown {
				if fill := l.reconcileFromWallet(ctx, req.TokenID, baseline, lastLimit); fill != nil {
					l.logger.Warn("prior attempt filled, reconciled from wallet",
						"token", req.TokenID, "shares", fill.Shares, "price", fill.Price)
					return fill, nil
				}
			}
		}

		limit, tickSize, err := l.priceAtTouch(ctx, req.TokenID, side)
		if err != nil {
			lastErr = err
			continue
		}
		if req.LimitOffsetBps > 0 {
			off := limit * req.LimitOffsetBps / 10000
			if side == types.BUY {
				limit += off
			} else {
				limit -= off
			}
		}
		if firstLimit == 0 {
			firstLimit = limit
		} else if moved := absFloat(limit-firstLimit) / firstLimit; moved > l.cfg.MaxPriceMoveOnRetry {
			return nil, fmt.Errorf("%s %s: price moved %.1f%% since first attempt, aborting", side, req.TokenID, moved*100)
		}

		shares := req.Shares
		if side == types.BUY {
			shares = storage.RoundShares(req.SizeUSD / limit)
		}
		if limit*shares < l.cfg.MinOrderNotional {
			return nil, fmt.Errorf("%s %s: notional %.2f below exchange minimum", side, req.TokenID, limit*shares)
		}
		lastLimit = limit

		fill, err := l.attempt(ctx, req.TokenID, side, limit, shares, tickSize)
		if err == nil {
			return fill, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		l.logger.Warn("order attempt failed",
			"token", req.TokenID, "side", side, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%s %s: all %d attempts failed: %w", side, req.TokenID, l.cfg.MaxRetries, lastErr)
}

// walletHolding returns the wallet's current size in a token. The second
// return is false when the wallet could not be read, which disables the
// retry-time reconcile for this execution.
func (l *Live) walletHolding(ctx context.Context, tokenID string) (float64, bool) {
	holdings, err := l.client.GetWalletPositions(ctx)
	if err != nil {
		l.logger.Warn("wallet read failed, retry reconcile disabled", "token", tokenID, "error", err)
		return 0, false
	}
	for _, h := range holdings {
		if h.TokenID == tokenID {
			return h.Size, true
		}
	}
	return 0, true
}

// reconcileFromWallet builds a fill from the wallet delta left by a prior
// attempt, or nil when the wallet shows no new holding.
func (l *Live) reconcileFromWallet(ctx context.Context, tokenID string, baseline, submittedLimit float64) *Fill {
	holdings, err := l.client.GetWalletPositions(ctx)
	if err != nil {
		l.logger.Warn("wallet read failed during reconcile", "token", tokenID, "error", err)
		return nil
	}
	for _, h := range holdings {
		if h.TokenID != tokenID {
			continue
		}
		delta := h.Size - baseline
		if delta <= 0 {
			return nil
		}
		price := h.AvgPrice
		if price <= 0 {
			price = submittedLimit
		}
		if price <= 0 {
			return nil
		}
		f := l.fill("", price, delta)
		f.Reason = "detected from wallet"
		return f
	}
	return nil
}

// priceAtTouch fetches a fresh book and returns the marketable limit price:
// the best ask for buys, the best bid for sells.
func (l *Live) priceAtTouch(ctx context.Context, tokenID string, side types.Side) (float64, types.TickSize, error) {
	book, err := l.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		return 0, "", err
	}
	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return 0, "", fmt.Errorf("book for %s: no %s liquidity", tokenID, side)
	}
	price, err := strconv.ParseFloat(levels[0].Price, 64)
	if err != nil || price <= 0 {
		return 0, "", fmt.Errorf("book for %s: bad touch price %q", tokenID, levels[0].Price)
	}
	return price, types.TickSize(book.TickSize), nil
}

// attempt runs one post-poll-cancel cycle and returns the fill, or an error
// describing why this attempt produced none.
func (l *Live) attempt(ctx context.Context, tokenID string, side types.Side, limit, shares float64, tickSize types.TickSize) (*Fill, error) {
	resp, err := l.client.PostOrder(ctx, types.UserOrder{
		TokenID:  tokenID,
		Price:    limit,
		Size:     shares,
		Side:     side,
		TickSize: tickSize,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("order rejected: %s", resp.ErrorMsg)
	}

	if resp.Status == "matched" {
		price, size := resp.MatchedPrice, resp.MatchedSize
		if price <= 0 {
			price = limit
		}
		if size <= 0 {
			size = shares
		}
		return l.fill(resp.OrderID, price, size), nil
	}

	return l.awaitFill(ctx, resp.OrderID, limit, shares)
}

// awaitFill polls a resting order until it fills or the status timeout
// expires, then cancels. A cancel refused because the order already matched
// falls back to the order's own view of its fill; if that too is unknown the
// order is assumed filled at the submitted size, loudly.
func (l *Live) awaitFill(ctx context.Context, orderID string, limit, shares float64) (*Fill, error) {
	deadline := time.Now().Add(l.cfg.OrderStatusTimeout)
	ticker := time.NewTicker(l.cfg.OrderStatusPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := l.client.GetOrder(ctx, orderID)
		if err != nil {
			l.logger.Warn("order status poll failed", "order_id", orderID, "error", err)
			continue
		}
		if st.Status == "matched" {
			return l.fill(orderID, parseOr(st.Price, limit), parseOr(st.SizeMatched, shares)), nil
		}
		if st.Status == "cancelled" {
			return nil, fmt.Errorf("order %s cancelled by exchange", orderID)
		}
	}

	cancel, err := l.client.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel timed-out order %s: %w", orderID, err)
	}
	if _, refused := cancel.NotCanceled[orderID]; !refused {
		return nil, fmt.Errorf("order %s unfilled after %s, cancelled", orderID, l.cfg.OrderStatusTimeout)
	}

	// The cancel raced a fill. Trust the order endpoint if it answers.
	if st, err := l.client.GetOrder(ctx, orderID); err == nil && st.SizeMatched != "" {
		return l.fill(orderID, parseOr(st.Price, limit), parseOr(st.SizeMatched, shares)), nil
	}
	l.logger.Warn("cancel refused and status unknown, assuming full fill at submitted size",
		"order_id", orderID, "price", limit, "shares", shares)
	return l.fill(orderID, limit, shares), nil
}

func (l *Live) fill(orderID string, price, shares float64) *Fill {
	return &Fill{
		OrderID: orderID,
		Price:   storage.RoundPrice(price),
		Shares:  storage.RoundShares(shares),
		USD:     storage.RoundMoney(price * shares),
	}
}

// isRetryable separates transient failures (network, 5xx, rate limit) from
// terminal ones (bad order, insufficient funds): retrying the latter just
// burns the rate budget.
func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, terminal := range []string{
		"not enough balance",
		"insufficient",
		"invalid",
		"rejected",
		"below exchange minimum",
	} {
		if strings.Contains(msg, terminal) {
			return false
		}
	}
	return true
}

func parseOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// TokenResolver maps a token ID back to its market. The market catalog
// implements it.
type TokenResolver interface {
	ByToken(tokenID string) (*types.Market, bool)
}

// ReconcileWallet imports on-chain holdings that the local database does not
// know about, so live exits can manage them. Imported positions belong to
// the synthetic "wallet_import" strategy: they reserve no capital, are
// excluded from position limits, and only the resolution sweep closes them.
func ReconcileWallet(ctx context.Context, client *exchange.Client, store *position.Store, resolver TokenResolver, logger *slog.Logger) error {
	holdings, err := client.GetWalletPositions(ctx)
	if err != nil {
		return fmt.Errorf("wallet positions: %w", err)
	}

	imported := 0
	for _, h := range holdings {
		if h.Size <= 0 {
			continue
		}
		known, err := store.OpenPositionForToken(ctx, position.WalletImportStrategy, h.TokenID)
		if err != nil {
			return err
		}
		if known != nil {
			continue
		}
		// Skip tokens any real strategy already tracks.
		live, err := store.OpenLivePositions(ctx)
		if err != nil {
			return err
		}
		tracked := false
		for _, p := range live {
			if p.TokenID == h.TokenID {
				tracked = true
				break
			}
		}
		if tracked {
			continue
		}

		m, ok := resolver.ByToken(h.TokenID)
		if !ok {
			logger.Warn("wallet holds unknown token, skipping import", "token", h.TokenID, "size", h.Size)
			continue
		}
		side, _ := m.TokenSideOf(h.TokenID)
		price := h.AvgPrice
		if price <= 0 {
			price = 0.5
		}

		if _, err := store.OpenPosition(ctx, position.OpenParams{
			Strategy:    position.WalletImportStrategy,
			MarketID:    m.ID,
			TokenID:     h.TokenID,
			TokenSide:   side,
			FillPrice:   price,
			Shares:      h.Size,
			Reason:      "wallet reconciliation at startup",
			Format:      m.Format,
			MarketType:  m.MarketType,
			SkipReserve: true,
		}); err != nil {
			return fmt.Errorf("import %s: %w", h.TokenID, err)
		}
		imported++
	}
	if imported > 0 {
		logger.Info("wallet reconciliation imported positions", "count", imported)
	}
	return nil
}
