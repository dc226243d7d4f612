// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to the CLOB API for order management:
//   - GetOrderBook:       GET  /book                — fetch L2 book for a token
//   - GetBalance:         GET  /balance-allowance   — available USDC collateral
//   - GetFeeRateBps:      GET  /fee-rate            — taker fee for a token
//   - PostOrder:          POST /order               — place one signed limit order
//   - GetOrder:           GET  /data/order/{id}     — poll order status
//   - CancelOrder:        DELETE /order             — cancel one order by ID
//   - GetWalletPositions: GET  /positions           — on-chain holdings per token
//   - DeriveAPIKey:       GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers (except book
// reads). In dry-run mode mutating methods log and return fake success.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool // mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
// When cfg.API.ProxyURL is set, order placement goes through the trading
// proxy instead of the CLOB directly.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	baseURL := cfg.API.CLOBBaseURL
	if cfg.API.ProxyURL != "" {
		baseURL = cfg.API.ProxyURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "clob_client"),
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBalance returns the available USDC collateral in dollars. The API
// reports the balance scaled to 6 decimals (1e6 = $1).
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(c.auth.sigType)),
		}).
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// GetFeeRateBps returns the current taker fee for a token in basis points.
// A missing or malformed response is treated as zero fee.
func (c *Client) GetFeeRateBps(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		FeeRateBps string `json:"fee_rate_bps"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/fee-rate")
	if err != nil {
		return 0, fmt.Errorf("get fee rate: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get fee rate: status %d: %s", resp.StatusCode(), resp.String())
	}

	bps, err := strconv.ParseFloat(result.FeeRateBps, 64)
	if err != nil {
		return 0, nil
	}
	return bps, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects. It converts human-readable
// price/size to big.Int maker/taker amounts at the market's tick precision,
// sets the maker to the funder wallet (proxy), the signer to the EOA, and
// the taker to the zero address (open order, anyone can fill).
func (c *Client) buildOrderPayload(order types.UserOrder) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	signed := types.SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&signed); err != nil {
		return types.OrderPayload{}, err
	}

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: "GTC",
	}, nil
}

// PostOrder places a single signed limit order.
func (c *Client) PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", order.TokenID, "side", order.Side,
			"price", order.Price, "size", order.Size)
		return &types.OrderResponse{Success: true, OrderID: "dry-run", Status: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := c.buildOrderPayload(order)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOrder polls the status of a previously placed order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OrderStatusResponse, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels a single order by ID. The response distinguishes
// orders actually cancelled from those that could not be (already matched).
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return &types.CancelResponse{Canceled: []string{orderID}}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetWalletPositions returns the wallet's current on-chain token holdings.
// In live mode the wallet, not the local database, is authoritative for
// what has actually filled.
func (c *Client) GetWalletPositions(ctx context.Context) ([]types.WalletPosition, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/positions", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.WalletPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("user", c.auth.FunderAddress().Hex()).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
