package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-engine/internal/config"
	"polymarket-engine/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	GameStartTime   string  `json:"gameStartTime"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Category        string  `json:"category"`
	SeriesType      string  `json:"seriesType"` // e.g. "BO1", "BO3", "BO5"
	SportsMarketType string `json:"sportsMarketType"`
	HomeTeamName    string  `json:"homeTeamName"`
	AwayTeamName    string  `json:"awayTeamName"`
	ClobTokenIds    string  `json:"clobTokenIds"`
	LastTradePrice  float64 `json:"lastTradePrice"`
}

// Catalog is the in-memory market reference cache. It polls the Gamma API
// for active markets matching the configured filters and serves lookups by
// internal ID, condition ID, and token ID. The router also stores the
// authoritative per-token mids here as book snapshots arrive, so periodic
// ticks can read prices even when the stream is quiet.
//
// Lookups return copies. The canonical entries mutate only under the catalog
// mutex, via SetMid and MarkResolved, so readers never share memory with a
// concurrent writer.
type Catalog struct {
	httpClient *resty.Client
	cfg        config.CatalogConfig
	logger     *slog.Logger

	mu          sync.RWMutex
	byID        map[int64]*types.Market
	byCondition map[string]*types.Market
	byToken     map[string]*types.Market
}

// NewCatalog creates a catalog backed by the Gamma API.
func NewCatalog(cfg config.Config, logger *slog.Logger) *Catalog {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Catalog{
		httpClient:  client,
		cfg:         cfg.Catalog,
		logger:      logger.With("component", "catalog"),
		byID:        make(map[int64]*types.Market),
		byCondition: make(map[string]*types.Market),
		byToken:     make(map[string]*types.Market),
	}
}

// Refresh re-reads the set of active, unresolved markets meeting the
// configured time-to-close constraints and swaps the lookup maps. Markets
// that disappeared from the feed are dropped; mids of surviving markets are
// preserved across refreshes.
func (c *Catalog) Refresh(ctx context.Context) error {
	raw, err := c.fetchMarkets(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	byID := make(map[int64]*types.Market)
	byCondition := make(map[string]*types.Market)
	byToken := make(map[string]*types.Market)

	for _, gm := range raw {
		m, ok := c.convert(gm, now)
		if !ok {
			continue
		}

		// Carry forward mids observed on the previous generation.
		c.mu.RLock()
		if prev, exists := c.byID[m.ID]; exists {
			m.YesMid = prev.YesMid
			m.NoMid = prev.NoMid
		}
		c.mu.RUnlock()

		byID[m.ID] = m
		byCondition[m.ConditionID] = m
		byToken[m.YesTokenID] = m
		byToken[m.NoTokenID] = m
	}

	c.mu.Lock()
	c.byID = byID
	c.byCondition = byCondition
	c.byToken = byToken
	c.mu.Unlock()

	c.logger.Info("catalog refreshed", "total", len(raw), "tracked", len(byID))
	return nil
}

// Insert registers one market directly, bypassing the Gamma fetch. The
// catalog stores its own copy.
func (c *Catalog) Insert(m *types.Market) {
	cp := *m
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[cp.ID] = &cp
	c.byCondition[cp.ConditionID] = &cp
	c.byToken[cp.YesTokenID] = &cp
	c.byToken[cp.NoTokenID] = &cp
}

// ByToken looks up the market a token belongs to.
func (c *Catalog) ByToken(tokenID string) (*types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byToken[tokenID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// ByID looks up a market by internal ID.
func (c *Catalog) ByID(marketID int64) (*types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[marketID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// ByCondition looks up a market by condition ID.
func (c *Catalog) ByCondition(conditionID string) (*types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byCondition[conditionID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// ActiveTokenIDs returns the token IDs of every tracked market, the set the
// subscription maintainer keeps the WebSocket subscribed to.
func (c *Catalog) ActiveTokenIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.byToken))
	for id := range c.byToken {
		ids = append(ids, id)
	}
	return ids
}

// Markets returns a snapshot slice of all tracked markets.
func (c *Catalog) Markets() []*types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*types.Market, 0, len(c.byID))
	for _, m := range c.byID {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// SetMid records the authoritative mid for one token of a market, derived
// from that token's own order book. The complementary side is untouched —
// YES and NO books are quoted independently.
func (c *Catalog) SetMid(tokenID string, mid float64) {
	if mid <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.byToken[tokenID]
	if !ok {
		return
	}
	if tokenID == m.YesTokenID {
		m.YesMid = mid
	} else {
		m.NoMid = mid
	}
}

// MarkResolved flags a market as resolved so the router drops its ticks.
func (c *Catalog) MarkResolved(marketID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byID[marketID]; ok {
		m.Resolved = true
	}
}

func (c *Catalog) fetchMarkets(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	limit := 100

	for {
		var page []GammaMarket
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}

// convert validates and transforms a Gamma row into the internal Market.
// Markets failing the hard filters (inactive, resolved, out of the
// time-to-close window, missing tokens, disallowed category) are dropped.
func (c *Catalog) convert(gm GammaMarket, now time.Time) (*types.Market, bool) {
	if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
		return nil, false
	}

	id, err := strconv.ParseInt(gm.ID, 10, 64)
	if err != nil {
		return nil, false
	}

	if len(c.cfg.Categories) > 0 {
		matched := false
		for _, cat := range c.cfg.Categories {
			if strings.EqualFold(cat, gm.Category) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, false
		}
	}

	endDate, err := time.Parse(time.RFC3339, gm.EndDate)
	if err != nil {
		return nil, false
	}
	hoursToClose := endDate.Sub(now).Hours()
	if hoursToClose < c.cfg.MinMinutesToClose/60 || hoursToClose > c.cfg.MaxHoursToClose {
		return nil, false
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil || len(tokenIDs) < 2 {
		return nil, false
	}

	gameStart, _ := time.Parse(time.RFC3339, gm.GameStartTime)
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	return &types.Market{
		ID:            id,
		ConditionID:   gm.ConditionID,
		Question:      gm.Question,
		YesTokenID:    tokenIDs[0],
		NoTokenID:     tokenIDs[1],
		Category:      gm.Category,
		Format:        normalizeFormat(gm.SeriesType),
		MarketType:    gm.SportsMarketType,
		HomeTeam:      gm.HomeTeamName,
		AwayTeam:      gm.AwayTeamName,
		GameStartTime: gameStart,
		EndDate:       endDate,
		Active:        true,
		Liquidity:     liquidity,
		LastPrice:     gm.LastTradePrice,
	}, true
}

// normalizeFormat maps the Gamma series type to "BO1"/"BO3"/"BO5".
func normalizeFormat(seriesType string) string {
	s := strings.ToUpper(strings.TrimSpace(seriesType))
	switch s {
	case "BO1", "BO3", "BO5":
		return s
	case "BEST_OF_1", "BEST OF 1":
		return "BO1"
	case "BEST_OF_3", "BEST OF 3":
		return "BO3"
	case "BEST_OF_5", "BEST OF 5":
		return "BO5"
	}
	return s
}
