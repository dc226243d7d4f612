// Package position implements the position, leg, and spread lifecycle.
//
// A Position tracks one holding of one token for one strategy. Every fill or
// adjustment appends an immutable leg row, so the full history is auditable.
// A Spread links a YES and a NO position opened together on one market.
//
// Every mutation runs in a single transaction together with its capital
// ledger call — a position can never exist without its reservation, and a
// close can never commit without its credit.
package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/storage"
	"polymarket-engine/pkg/types"
)

var (
	// ErrDuplicatePosition is returned when an open position already exists
	// for the same (strategy, market, token) triple.
	ErrDuplicatePosition = errors.New("open position already exists")
	// ErrPositionClosed is returned for exits on a position with no shares left.
	ErrPositionClosed = errors.New("position already closed")
	// ErrNotFound is returned when a position or spread does not exist.
	ErrNotFound = errors.New("not found")
)

const (
	// closedEpsilon: a remainder below this share count counts as fully closed.
	closedEpsilon = 1e-6
	// resolutionEpsilon: a current price within this distance of 0 or 1 means
	// the market has effectively resolved.
	resolutionEpsilon = 0.002
)

// Status is the position (and spread) lifecycle state.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPartial Status = "partial"
	StatusClosed  Status = "closed"
)

// LegType classifies one audit-trail row.
type LegType string

const (
	LegEntry       LegType = "entry"
	LegAdd         LegType = "add"
	LegPartialExit LegType = "partial_exit"
	LegFullExit    LegType = "full_exit"
)

// Position is one holding of one token. All exported fields are snapshots;
// mutations go through the store.
type Position struct {
	ID              string
	Strategy        string
	MarketID        int64
	TokenID         string
	TokenSide       types.TokenSide
	Side            types.Side
	InitialShares   float64
	RemainingShares float64
	AvgEntryPrice   float64
	CostBasis       float64
	CurrentPrice    float64
	UnrealizedPnL   float64
	RealizedPnL     float64
	SpreadID        string
	Format          string
	MarketType      string
	Status          Status
	OpenedAt        time.Time
	ClosedAt        time.Time
	CloseReason     string
}

// Leg is one immutable audit record. SharesDelta is positive for entries and
// adds, negative for exits.
type Leg struct {
	ID          int64
	PositionID  string
	Type        LegType
	SharesDelta float64
	Price       float64
	USDDelta    float64
	RealizedPnL float64
	Reason      string
	CreatedAt   time.Time
}

// Spread links a YES and a NO position on one market for one strategy.
type Spread struct {
	ID            string
	Strategy      string
	MarketID      int64
	SpreadType    types.SpreadType
	YesPositionID string
	NoPositionID  string
	CostBasis     float64
	RealizedPnL   float64
	UnrealizedPnL float64
	EntryYesMid   float64
	Status        Status
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// Invalidator is notified before any mutation commits, keyed the same way
// the state cache is keyed. The call happens inside the transaction, prior
// to commit, so a concurrent cache miss re-reads post-commit state.
type Invalidator interface {
	Invalidate(strategy string, marketID int64)
}

// Store is the SQLite-backed position store.
type Store struct {
	db          *sql.DB
	ledger      *ledger.Ledger
	invalidator Invalidator
	logger      *slog.Logger
}

// NewStore creates a position store sharing the ledger's database.
func NewStore(db *sql.DB, l *ledger.Ledger, logger *slog.Logger) *Store {
	return &Store{db: db, ledger: l, logger: logger.With("component", "positions")}
}

// SetInvalidator wires in the state-manager cache. Must be called before the
// engine starts dispatching.
func (s *Store) SetInvalidator(inv Invalidator) { s.invalidator = inv }

func (s *Store) invalidate(strategy string, marketID int64) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(strategy, marketID)
	}
}

// OpenParams describes a new single-leg position.
type OpenParams struct {
	Strategy   string
	MarketID   int64
	TokenID    string
	TokenSide  types.TokenSide
	FillPrice  float64
	Shares     float64
	Reason     string
	Format     string
	MarketType string

	// SkipReserve opens the position without a capital reservation. Used for
	// wallet-imported positions that have no strategy budget.
	SkipReserve bool
}

// OpenPosition creates a position with one entry leg and reserves its cost
// from the strategy's capital, all in one transaction.
func (s *Store) OpenPosition(ctx context.Context, p OpenParams) (*Position, error) {
	var pos *Position
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		pos, err = s.openPositionTx(ctx, tx, p, "")
		if err != nil {
			return err
		}
		if !p.SkipReserve {
			cost := storage.RoundMoney(p.FillPrice * p.Shares)
			if err := s.ledger.ReserveTx(ctx, tx, p.Strategy, cost); err != nil {
				return err
			}
		}
		s.invalidate(p.Strategy, p.MarketID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// openPositionTx inserts the position and its entry leg without touching
// capital. Spread opening reserves both legs in one call.
func (s *Store) openPositionTx(ctx context.Context, tx *sql.Tx, p OpenParams, spreadID string) (*Position, error) {
	if p.Shares <= 0 || p.FillPrice <= 0 {
		return nil, fmt.Errorf("open %s market %d: invalid fill %.6f x %.6f",
			p.Strategy, p.MarketID, p.FillPrice, p.Shares)
	}

	var existing int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE strategy = ? AND market_id = ? AND token_id = ? AND status IN ('open', 'partial')`,
		p.Strategy, p.MarketID, p.TokenID).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("%s market %d token %s: %w",
			p.Strategy, p.MarketID, p.TokenID, ErrDuplicatePosition)
	}

	now := time.Now().UTC()
	price := storage.RoundPrice(p.FillPrice)
	shares := storage.RoundShares(p.Shares)
	cost := storage.RoundMoney(price * shares)

	pos := &Position{
		ID:              uuid.NewString(),
		Strategy:        p.Strategy,
		MarketID:        p.MarketID,
		TokenID:         p.TokenID,
		TokenSide:       p.TokenSide,
		Side:            types.BUY,
		InitialShares:   shares,
		RemainingShares: shares,
		AvgEntryPrice:   price,
		CostBasis:       cost,
		CurrentPrice:    price,
		SpreadID:        spreadID,
		Format:          p.Format,
		MarketType:      p.MarketType,
		Status:          StatusOpen,
		OpenedAt:        now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, strategy, market_id, token_id, token_side, side,
			initial_shares, remaining_shares, avg_entry_price, cost_basis,
			current_price, spread_id, format, market_type, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Strategy, pos.MarketID, pos.TokenID, pos.TokenSide, pos.Side,
		pos.InitialShares, pos.RemainingShares, pos.AvgEntryPrice, pos.CostBasis,
		pos.CurrentPrice, nullString(spreadID), pos.Format, pos.MarketType, pos.Status, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%s market %d token %s: %w",
				p.Strategy, p.MarketID, p.TokenID, ErrDuplicatePosition)
		}
		return nil, fmt.Errorf("insert position: %w", err)
	}

	if err := insertLeg(ctx, tx, pos.ID, LegEntry, shares, price, cost, 0, p.Reason, now); err != nil {
		return nil, err
	}
	return pos, nil
}

// AddToPosition appends an add leg, recomputes the average entry price, and
// reserves the added cost.
func (s *Store) AddToPosition(ctx context.Context, positionID string, shares, fillPrice float64, reason string) (*Position, error) {
	if shares <= 0 || fillPrice <= 0 {
		return nil, fmt.Errorf("add to %s: invalid fill %.6f x %.6f", positionID, fillPrice, shares)
	}

	var pos *Position
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		pos, err = getPositionTx(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if pos.Status == StatusClosed {
			return fmt.Errorf("add to %s: %w", positionID, ErrPositionClosed)
		}

		price := storage.RoundPrice(fillPrice)
		added := storage.RoundShares(shares)
		addedCost := storage.RoundMoney(price * added)
		now := time.Now().UTC()

		oldShares := pos.RemainingShares
		newRemaining := storage.RoundShares(oldShares + added)
		newAvg := storage.RoundPrice((pos.AvgEntryPrice*oldShares + price*added) / newRemaining)

		pos.InitialShares = storage.RoundShares(pos.InitialShares + added)
		pos.RemainingShares = newRemaining
		pos.AvgEntryPrice = newAvg
		pos.CostBasis = storage.RoundMoney(pos.CostBasis + addedCost)

		_, err = tx.ExecContext(ctx, `
			UPDATE positions
			SET initial_shares = ?, remaining_shares = ?, avg_entry_price = ?, cost_basis = ?
			WHERE id = ?`,
			pos.InitialShares, pos.RemainingShares, pos.AvgEntryPrice, pos.CostBasis, positionID)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		if err := insertLeg(ctx, tx, positionID, LegAdd, added, price, addedCost, 0, reason, now); err != nil {
			return err
		}
		if err := s.ledger.ReserveTx(ctx, tx, pos.Strategy, addedCost); err != nil {
			return err
		}
		s.invalidate(pos.Strategy, pos.MarketID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// CloseResult reports the effect of a partial or full close.
type CloseResult struct {
	Position      *Position
	LegID         int64
	SharesExited  float64
	ExitValue     float64
	RealizedDelta float64
	Closed        bool
}

// PartialClose exits fraction of the remaining shares at fillPrice, credits
// the exit value plus realized P&L to capital, and auto-closes the parent
// spread when this was its last open leg.
func (s *Store) PartialClose(ctx context.Context, positionID string, fraction, fillPrice float64, reason string) (*CloseResult, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("close %s: fraction %.4f out of (0, 1]", positionID, fraction)
	}

	var res *CloseResult
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		res, err = s.partialCloseTx(ctx, tx, positionID, fraction, fillPrice, reason, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ClosePosition fully exits at fillPrice. Equivalent to PartialClose(1.0)
// but labelled full_exit.
func (s *Store) ClosePosition(ctx context.Context, positionID string, fillPrice float64, reason string) (*CloseResult, error) {
	return s.PartialClose(ctx, positionID, 1.0, fillPrice, reason)
}

// partialCloseTx is the shared exit path. creditCapital is false only for
// wallet-imported positions that never reserved.
func (s *Store) partialCloseTx(ctx context.Context, tx *sql.Tx, positionID string, fraction, fillPrice float64, reason string, creditCapital bool) (*CloseResult, error) {
	pos, err := getPositionTx(ctx, tx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == StatusClosed || pos.RemainingShares <= closedEpsilon {
		return nil, fmt.Errorf("close %s: %w", positionID, ErrPositionClosed)
	}

	price := storage.RoundPrice(fillPrice)
	sharesBefore := pos.RemainingShares
	sharesExited := storage.RoundShares(sharesBefore * fraction)
	exitValue := storage.RoundMoney(sharesExited * price)
	realizedDelta := storage.RoundMoney(sharesExited * (price - pos.AvgEntryPrice))
	now := time.Now().UTC()

	newRemaining := storage.RoundShares(sharesBefore - sharesExited)
	fullyClosed := fraction >= 1 || newRemaining <= closedEpsilon
	if fullyClosed {
		newRemaining = 0
	}

	legType := LegPartialExit
	if fullyClosed {
		legType = LegFullExit
	}

	// The remainder keeps its proportional share of the cost basis.
	newCostBasis := 0.0
	if !fullyClosed {
		newCostBasis = storage.RoundMoney(pos.CostBasis * newRemaining / sharesBefore)
	}

	pos.RemainingShares = newRemaining
	pos.CostBasis = newCostBasis
	pos.RealizedPnL = storage.RoundMoney(pos.RealizedPnL + realizedDelta)
	pos.CurrentPrice = price
	pos.UnrealizedPnL = storage.RoundMoney(newRemaining * (price - pos.AvgEntryPrice))
	if fullyClosed {
		pos.Status = StatusClosed
		pos.ClosedAt = now
		pos.CloseReason = reason
	} else {
		pos.Status = StatusPartial
	}

	var closedAt interface{}
	var closeReason interface{}
	if fullyClosed {
		closedAt, closeReason = now, reason
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET remaining_shares = ?, cost_basis = ?, realized_pnl = ?, current_price = ?,
		    unrealized_pnl = ?, status = ?, closed_at = ?, close_reason = ?
		WHERE id = ?`,
		pos.RemainingShares, pos.CostBasis, pos.RealizedPnL, pos.CurrentPrice,
		pos.UnrealizedPnL, pos.Status, closedAt, closeReason, positionID)
	if err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}

	if err := insertLeg(ctx, tx, positionID, legType, -sharesExited, price, exitValue, realizedDelta, reason, now); err != nil {
		return nil, err
	}
	var legID int64
	if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&legID); err != nil {
		return nil, fmt.Errorf("leg id: %w", err)
	}

	if creditCapital {
		if err := s.ledger.CreditTx(ctx, tx, pos.Strategy, exitValue, realizedDelta); err != nil {
			return nil, err
		}
	}

	if pos.SpreadID != "" && fullyClosed {
		if err := s.maybeCloseSpreadTx(ctx, tx, pos.SpreadID, now); err != nil {
			return nil, err
		}
	}

	s.invalidate(pos.Strategy, pos.MarketID)
	return &CloseResult{
		Position:      pos,
		LegID:         legID,
		SharesExited:  sharesExited,
		ExitValue:     exitValue,
		RealizedDelta: realizedDelta,
		Closed:        fullyClosed,
	}, nil
}

// maybeCloseSpreadTx closes the spread when both of its legs are closed,
// in the same transaction as the last leg's closure.
func (s *Store) maybeCloseSpreadTx(ctx context.Context, tx *sql.Tx, spreadID string, now time.Time) error {
	var yesID, noID string
	var status Status
	err := tx.QueryRowContext(ctx,
		`SELECT yes_position_id, no_position_id, status FROM spreads WHERE id = ?`, spreadID).
		Scan(&yesID, &noID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("spread %s: %w", spreadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load spread: %w", err)
	}
	if status == StatusClosed {
		return nil
	}

	var openLegs int
	var totalRealized float64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN status != 'closed' THEN 1 END), COALESCE(SUM(realized_pnl), 0)
		FROM positions WHERE id IN (?, ?)`, yesID, noID).
		Scan(&openLegs, &totalRealized)
	if err != nil {
		return fmt.Errorf("inspect spread legs: %w", err)
	}

	if openLegs > 0 {
		// A spread with one closed leg is partial.
		_, err = tx.ExecContext(ctx,
			`UPDATE spreads SET status = 'partial' WHERE id = ? AND status = 'open'`, spreadID)
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE spreads
		SET status = 'closed', realized_pnl = ?, unrealized_pnl = 0, closed_at = ?
		WHERE id = ?`,
		storage.RoundMoney(totalRealized), now, spreadID)
	if err != nil {
		return fmt.Errorf("close spread: %w", err)
	}
	s.logger.Info("spread auto-closed", "spread_id", spreadID, "realized", totalRealized)
	return nil
}

// SpreadParams describes a two-leg spread open.
type SpreadParams struct {
	Strategy    string
	MarketID    int64
	SpreadType  types.SpreadType
	YesTokenID  string
	NoTokenID   string
	YesShares   float64
	YesPrice    float64
	NoShares    float64
	NoPrice     float64
	EntryYesMid float64
	Reason      string
	Format      string
	MarketType  string
}

// OpenSpread atomically creates both leg positions, their entry legs, the
// spread row, and a single capital reservation for the combined cost.
func (s *Store) OpenSpread(ctx context.Context, p SpreadParams) (*Spread, error) {
	var spread *Spread
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		spreadID := uuid.NewString()
		now := time.Now().UTC()

		yesPos, err := s.openPositionTx(ctx, tx, OpenParams{
			Strategy: p.Strategy, MarketID: p.MarketID,
			TokenID: p.YesTokenID, TokenSide: types.YES,
			FillPrice: p.YesPrice, Shares: p.YesShares,
			Reason: p.Reason, Format: p.Format, MarketType: p.MarketType,
		}, spreadID)
		if err != nil {
			return err
		}
		noPos, err := s.openPositionTx(ctx, tx, OpenParams{
			Strategy: p.Strategy, MarketID: p.MarketID,
			TokenID: p.NoTokenID, TokenSide: types.NO,
			FillPrice: p.NoPrice, Shares: p.NoShares,
			Reason: p.Reason, Format: p.Format, MarketType: p.MarketType,
		}, spreadID)
		if err != nil {
			return err
		}

		cost := storage.RoundMoney(yesPos.CostBasis + noPos.CostBasis)
		spread = &Spread{
			ID:            spreadID,
			Strategy:      p.Strategy,
			MarketID:      p.MarketID,
			SpreadType:    p.SpreadType,
			YesPositionID: yesPos.ID,
			NoPositionID:  noPos.ID,
			CostBasis:     cost,
			EntryYesMid:   storage.RoundPrice(p.EntryYesMid),
			Status:        StatusOpen,
			OpenedAt:      now,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO spreads (id, strategy, market_id, spread_type,
				yes_position_id, no_position_id, cost_basis, entry_yes_mid, status, opened_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spread.ID, spread.Strategy, spread.MarketID, spread.SpreadType,
			spread.YesPositionID, spread.NoPositionID, spread.CostBasis,
			spread.EntryYesMid, spread.Status, now)
		if err != nil {
			return fmt.Errorf("insert spread: %w", err)
		}

		if err := s.ledger.ReserveTx(ctx, tx, p.Strategy, cost); err != nil {
			return err
		}
		s.invalidate(p.Strategy, p.MarketID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spread, nil
}

// CloseSpread closes each still-open leg at the provided YES/NO exit prices
// and aggregates realized P&L into the spread.
func (s *Store) CloseSpread(ctx context.Context, spreadID string, yesPrice, noPrice float64, reason string) (*Spread, error) {
	var spread *Spread
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		spread, err = getSpreadTx(ctx, tx, spreadID)
		if err != nil {
			return err
		}
		if spread.Status == StatusClosed {
			return fmt.Errorf("spread %s: %w", spreadID, ErrPositionClosed)
		}

		for _, leg := range []struct {
			id    string
			price float64
		}{
			{spread.YesPositionID, yesPrice},
			{spread.NoPositionID, noPrice},
		} {
			pos, err := getPositionTx(ctx, tx, leg.id)
			if err != nil {
				return err
			}
			if pos.Status == StatusClosed {
				continue
			}
			if _, err := s.partialCloseTx(ctx, tx, leg.id, 1.0, leg.price, reason, true); err != nil {
				return err
			}
		}

		// partialCloseTx auto-closed the spread on the last leg; reload.
		spread, err = getSpreadTx(ctx, tx, spreadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return spread, nil
}

// UpdatePrices refreshes current price and unrealized P&L for every open or
// partial position on a market, and the aggregate unrealized of its spreads.
// A zero (unknown) price for a side leaves that side untouched.
func (s *Store) UpdatePrices(ctx context.Context, marketID int64, yesPrice, noPrice float64) error {
	return storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, side := range []struct {
			tokenSide types.TokenSide
			price     float64
		}{
			{types.YES, yesPrice},
			{types.NO, noPrice},
		} {
			if side.price <= 0 {
				continue
			}
			p := clamp01(storage.RoundPrice(side.price))
			_, err := tx.ExecContext(ctx, `
				UPDATE positions
				SET current_price = ?,
				    unrealized_pnl = ROUND(remaining_shares * (? - avg_entry_price), 2)
				WHERE market_id = ? AND token_side = ? AND status IN ('open', 'partial')`,
				p, p, marketID, side.tokenSide)
			if err != nil {
				return fmt.Errorf("update prices market %d %s: %w", marketID, side.tokenSide, err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE spreads
			SET unrealized_pnl = (
				SELECT ROUND(COALESCE(SUM(p.unrealized_pnl), 0), 2)
				FROM positions p
				WHERE p.id IN (spreads.yes_position_id, spreads.no_position_id)
				  AND p.status IN ('open', 'partial')
			)
			WHERE market_id = ? AND status IN ('open', 'partial')`, marketID)
		if err != nil {
			return fmt.Errorf("update spread unrealized market %d: %w", marketID, err)
		}
		return nil
	})
}

// ResolvedClose describes one position force-closed by the cleanup sweep.
type ResolvedClose struct {
	Position *Position
	Winner   types.TokenSide
	Credited float64
	Realized float64
}

// CleanupResolvedPositions force-closes every open position whose current
// price is pinned within epsilon of 0 or 1. Winners close at 1.0, losers at
// 0.0, with reason "market_resolved:<winner>". Wallet-imported positions are
// closed without a capital credit since they never reserved.
func (s *Store) CleanupResolvedPositions(ctx context.Context) ([]ResolvedClose, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_side, current_price, strategy FROM positions
		WHERE status IN ('open', 'partial')
		  AND (current_price >= ? OR current_price <= ?)
		  AND current_price > 0`,
		1-resolutionEpsilon, resolutionEpsilon)
	if err != nil {
		return nil, fmt.Errorf("find resolved: %w", err)
	}

	type candidate struct {
		id       string
		side     types.TokenSide
		price    float64
		strategy string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.side, &c.price, &c.strategy); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var closed []ResolvedClose
	for _, c := range candidates {
		won := c.price >= 1-resolutionEpsilon
		closePrice := 0.0
		winner := c.side.Opposite()
		if won {
			closePrice = 1.0
			winner = c.side
		}
		reason := "market_resolved:" + string(winner)
		credit := !isImportedStrategy(c.strategy)

		var res *CloseResult
		err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			res, err = s.partialCloseTx(ctx, tx, c.id, 1.0, closePrice, reason, credit)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrPositionClosed) {
				continue
			}
			s.logger.Error("resolution close failed", "position_id", c.id, "error", err)
			continue
		}

		s.logger.Info("position closed by resolution",
			"position_id", c.id, "winner", winner,
			"credited", res.ExitValue, "realized", res.RealizedDelta)
		closed = append(closed, ResolvedClose{
			Position: res.Position,
			Winner:   winner,
			Credited: res.ExitValue,
			Realized: res.RealizedDelta,
		})
	}
	return closed, nil
}

// WalletImportStrategy marks positions adopted from on-chain holdings
// rather than opened by a strategy. They never reserve or credit capital.
const WalletImportStrategy = "wallet_import"

// isImportedStrategy reports whether the strategy name marks a position
// reconciled from the wallet rather than opened by a strategy.
func isImportedStrategy(name string) bool {
	return name == WalletImportStrategy || name == "wallet_reconcile"
}

// ————————————————————————————————————————————————————————————————————————
// Queries
// ————————————————————————————————————————————————————————————————————————

const positionColumns = `id, strategy, market_id, token_id, token_side, side,
	initial_shares, remaining_shares, avg_entry_price, cost_basis,
	current_price, unrealized_pnl, realized_pnl,
	COALESCE(spread_id, ''), COALESCE(format, ''), COALESCE(market_type, ''),
	status, opened_at, closed_at, COALESCE(close_reason, '')`

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	var p Position
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Strategy, &p.MarketID, &p.TokenID, &p.TokenSide, &p.Side,
		&p.InitialShares, &p.RemainingShares, &p.AvgEntryPrice, &p.CostBasis,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.SpreadID, &p.Format, &p.MarketType,
		&p.Status, &p.OpenedAt, &closedAt, &p.CloseReason)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func getPositionTx(ctx context.Context, tx *sql.Tx, id string) (*Position, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}
	return p, nil
}

// GetPosition loads one position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) queryPositions(ctx context.Context, where string, args ...interface{}) ([]*Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPositions returns all open/partial positions for a strategy.
func (s *Store) OpenPositions(ctx context.Context, strategy string) ([]*Position, error) {
	return s.queryPositions(ctx,
		`strategy = ? AND status IN ('open', 'partial') ORDER BY opened_at`, strategy)
}

// OpenPositionsForMarket returns a strategy's open/partial positions on one market.
func (s *Store) OpenPositionsForMarket(ctx context.Context, strategy string, marketID int64) ([]*Position, error) {
	return s.queryPositions(ctx,
		`strategy = ? AND market_id = ? AND status IN ('open', 'partial')`, strategy, marketID)
}

// OpenPositionForToken returns the single open/partial position for a
// (strategy, token) pair, or nil when none exists.
func (s *Store) OpenPositionForToken(ctx context.Context, strategy, tokenID string) (*Position, error) {
	positions, err := s.queryPositions(ctx,
		`strategy = ? AND token_id = ? AND status IN ('open', 'partial')`, strategy, tokenID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return positions[0], nil
}

// OpenLivePositions returns all open/partial positions regardless of
// strategy, used for startup wallet reconciliation.
func (s *Store) OpenLivePositions(ctx context.Context) ([]*Position, error) {
	return s.queryPositions(ctx, `status IN ('open', 'partial')`)
}

// CountOpenPositions counts a strategy's open/partial positions.
func (s *Store) CountOpenPositions(ctx context.Context, strategy string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE strategy = ? AND status IN ('open', 'partial')`, strategy).Scan(&n)
	return n, err
}

// SumUnrealized returns the strategy's aggregate unrealized P&L across its
// open positions, the figure the ledger's unrealized column mirrors.
func (s *Store) SumUnrealized(ctx context.Context, strategy string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unrealized_pnl), 0) FROM positions
		WHERE strategy = ? AND status IN ('open', 'partial')`, strategy).Scan(&sum)
	return sum, err
}

// Legs returns a position's audit trail ordered oldest first.
func (s *Store) Legs(ctx context.Context, positionID string) ([]*Leg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, leg_type, shares_delta, price, usd_delta, realized_pnl,
		       COALESCE(reason, ''), created_at
		FROM position_legs WHERE position_id = ? ORDER BY id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Leg
	for rows.Next() {
		var l Leg
		if err := rows.Scan(&l.ID, &l.PositionID, &l.Type, &l.SharesDelta, &l.Price,
			&l.USDDelta, &l.RealizedPnL, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func getSpreadTx(ctx context.Context, tx *sql.Tx, id string) (*Spread, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, strategy, market_id, spread_type, yes_position_id, no_position_id,
		       cost_basis, realized_pnl, unrealized_pnl, entry_yes_mid, status, opened_at, closed_at
		FROM spreads WHERE id = ?`, id)
	return scanSpread(row)
}

func scanSpread(row interface{ Scan(...interface{}) error }) (*Spread, error) {
	var sp Spread
	var closedAt sql.NullTime
	err := row.Scan(&sp.ID, &sp.Strategy, &sp.MarketID, &sp.SpreadType,
		&sp.YesPositionID, &sp.NoPositionID, &sp.CostBasis, &sp.RealizedPnL,
		&sp.UnrealizedPnL, &sp.EntryYesMid, &sp.Status, &sp.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		sp.ClosedAt = closedAt.Time
	}
	return &sp, nil
}

// GetSpread loads one spread by ID.
func (s *Store) GetSpread(ctx context.Context, id string) (*Spread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, market_id, spread_type, yes_position_id, no_position_id,
		       cost_basis, realized_pnl, unrealized_pnl, entry_yes_mid, status, opened_at, closed_at
		FROM spreads WHERE id = ?`, id)
	sp, err := scanSpread(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("spread %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load spread %s: %w", id, err)
	}
	return sp, nil
}

// OpenSpreadForMarket returns a strategy's open/partial spread on one
// market, or nil when none exists.
func (s *Store) OpenSpreadForMarket(ctx context.Context, strategy string, marketID int64) (*Spread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, market_id, spread_type, yes_position_id, no_position_id,
		       cost_basis, realized_pnl, unrealized_pnl, entry_yes_mid, status, opened_at, closed_at
		FROM spreads
		WHERE strategy = ? AND market_id = ? AND status IN ('open', 'partial')`,
		strategy, marketID)
	sp, err := scanSpread(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load spread %s market %d: %w", strategy, marketID, err)
	}
	return sp, nil
}

func insertLeg(ctx context.Context, tx *sql.Tx, positionID string, legType LegType,
	sharesDelta, price, usdDelta, realized float64, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO position_legs (position_id, leg_type, shares_delta, price, usd_delta, realized_pnl, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		positionID, legType, storage.RoundShares(sharesDelta), storage.RoundPrice(price),
		storage.RoundMoney(usdDelta), storage.RoundMoney(realized), reason, now)
	if err != nil {
		return fmt.Errorf("insert %s leg: %w", legType, err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
