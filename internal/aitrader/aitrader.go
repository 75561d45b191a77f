// Package aitrader implements the simulated AI-trading game.
//
// Users stake ledger funds on virtual leveraged positions against a
// random-walk price feed. No real orders exist anywhere; the feed is the
// only market. Closing a position settles its PnL back to the ledger,
// clamped so a position can never lose more than its stake.
package aitrader

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/money"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrInvalidStake     = errors.New("invalid stake amount")
	ErrInvalidLeverage  = errors.New("leverage must be between 1 and 20")
	ErrInvalidSide      = errors.New("side must be long or short")
	ErrPositionLimit    = errors.New("open position limit reached")
)

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position statuses.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

const (
	maxLeverage      = 20
	maxOpenPositions = 10
	maxStake         = "100.000000"
)

// Position is a virtual leveraged trade.
type Position struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"userId"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Status     string     `json:"status"`
	Stake      string     `json:"stake"`
	Leverage   int        `json:"leverage"`
	EntryPrice float64    `json:"entryPrice"`
	ExitPrice  float64    `json:"exitPrice,omitempty"`
	Proceeds   string     `json:"proceeds,omitempty"`
	Pnl        string     `json:"pnl,omitempty"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
}

// Store persists positions.
type Store interface {
	CreatePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	UpdatePosition(ctx context.Context, p *Position) error
	ListPositions(ctx context.Context, userID int64, status string, limit int) ([]*Position, error)
	OpenPositionCount(ctx context.Context, userID int64) (int, error)
}

// Funds is the ledger collaborator. Implemented by *ledger.Ledger.
type Funds interface {
	Debit(ctx context.Context, userID int64, amount, reference, description string) error
	Credit(ctx context.Context, userID int64, amount, reference, description string) error
}

// Service runs the trading game over a Store and the price feed.
type Service struct {
	store Store
	funds Funds
	feed  *Feed
	hub   *Hub
	now   func() time.Time
}

// NewService wires the trading service.
func NewService(store Store, funds Funds, feed *Feed) *Service {
	return &Service{store: store, funds: funds, feed: feed, now: time.Now}
}

// WithHub attaches the streaming hub so position events reach clients.
func (s *Service) WithHub(hub *Hub) *Service {
	s.hub = hub
	return s
}

// OpenInput describes a position request.
type OpenInput struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Stake    string `json:"stake"`
	Leverage int    `json:"leverage"`
}

// OpenPosition stakes ledger funds on a new virtual position at the
// current feed price.
func (s *Service) OpenPosition(ctx context.Context, userID int64, in OpenInput) (*Position, error) {
	if in.Side != SideLong && in.Side != SideShort {
		return nil, ErrInvalidSide
	}
	if in.Leverage < 1 || in.Leverage > maxLeverage {
		return nil, ErrInvalidLeverage
	}
	if !money.IsPositive(in.Stake) {
		return nil, ErrInvalidStake
	}
	if cmp, ok := money.Cmp(in.Stake, maxStake); !ok || cmp > 0 {
		return nil, ErrInvalidStake
	}
	price, ok := s.feed.Price(in.Symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}

	open, err := s.store.OpenPositionCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open >= maxOpenPositions {
		return nil, ErrPositionLimit
	}

	pos := &Position{
		ID:         idgen.WithPrefix("pos_"),
		UserID:     userID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Status:     PositionOpen,
		Stake:      in.Stake,
		Leverage:   in.Leverage,
		EntryPrice: price,
		OpenedAt:   s.now(),
	}

	if err := s.funds.Debit(ctx, userID, in.Stake, "aitrader:"+pos.ID, "trading stake"); err != nil {
		return nil, err
	}
	if err := s.store.CreatePosition(ctx, pos); err != nil {
		if rerr := s.funds.Credit(ctx, userID, in.Stake, "aitrader:"+pos.ID, "stake reversal"); rerr != nil {
			logging.L(ctx).Error("CRITICAL: stake reversal failed",
				"user_id", userID, "position_id", pos.ID, "amount", in.Stake, "error", rerr)
		}
		return nil, err
	}

	if s.hub != nil {
		s.hub.BroadcastPosition(EventPositionOpened, pos)
	}
	return pos, nil
}

// ClosePosition settles a position at the current feed price and credits
// the proceeds.
func (s *Service) ClosePosition(ctx context.Context, userID int64, positionID string) (*Position, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	// Foreign positions look absent.
	if pos.UserID != userID {
		return nil, ErrPositionNotFound
	}
	if pos.Status == PositionClosed {
		return nil, ErrPositionClosed
	}

	price, ok := s.feed.Price(pos.Symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}

	now := s.now()
	proceeds, pnl := settle(pos, price)
	pos.Status = PositionClosed
	pos.ExitPrice = price
	pos.Proceeds = proceeds
	pos.Pnl = pnl
	pos.ClosedAt = &now

	if err := s.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	if money.IsPositive(proceeds) {
		if err := s.funds.Credit(ctx, userID, proceeds, "aitrader:"+pos.ID, "position settlement"); err != nil {
			logging.L(ctx).Error("CRITICAL: settlement credit failed",
				"user_id", userID, "position_id", pos.ID, "amount", proceeds, "error", err)
			return nil, err
		}
	}

	if s.hub != nil {
		s.hub.BroadcastPosition(EventPositionClosed, pos)
	}
	logging.L(ctx).Info("position closed",
		"position_id", pos.ID, "symbol", pos.Symbol, "pnl", pnl)
	return pos, nil
}

// Positions lists the user's positions, optionally filtered by status.
func (s *Service) Positions(ctx context.Context, userID int64, status string, limit int) ([]*Position, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListPositions(ctx, userID, status, limit)
}

// Symbols returns the tradable symbols with current prices.
func (s *Service) Symbols() map[string]float64 {
	return s.feed.Prices()
}

// settle computes the payout and signed PnL for a position closed at
// exitPrice. Losses are capped at the stake.
func settle(pos *Position, exitPrice float64) (proceeds, pnl string) {
	stakeUnits, ok := money.Parse(pos.Stake)
	if !ok {
		return "0.000000", "0.000000"
	}

	move := (exitPrice - pos.EntryPrice) / pos.EntryPrice
	if pos.Side == SideShort {
		move = -move
	}
	factor := 1 + move*float64(pos.Leverage)
	if factor < 0 {
		factor = 0
	}

	stake := stakeUnits.Int64()
	out := int64(float64(stake) * factor)
	proceeds = money.Format(big.NewInt(out))
	pnl = money.Format(big.NewInt(out - stake))
	return proceeds, pnl
}
