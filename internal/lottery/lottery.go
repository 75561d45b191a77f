// Package lottery runs timed prize rounds funded by ticket sales.
//
// A round is open for a configured window. Users buy tickets with ledger
// funds; the prize pool accumulates a share of every sale. When the round
// closes, the draw picks one winning ticket with crypto/rand and credits
// the prize back through the ledger. Large wins still pass through wallet
// verification before they can be withdrawn, like any other balance.
package lottery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/metrics"
	"github.com/ghidar/ghidar-backend/internal/money"
)

var (
	ErrRoundNotFound      = errors.New("lottery round not found")
	ErrNoOpenRound        = errors.New("no open lottery round")
	ErrRoundClosed        = errors.New("lottery round is closed")
	ErrRoundStillOpen     = errors.New("lottery round is still open")
	ErrAlreadyDrawn       = errors.New("lottery round already drawn")
	ErrInvalidTicketCount = errors.New("ticket count must be between 1 and 100")
	ErrTicketLimit        = errors.New("per-round ticket limit reached")
)

// Round statuses.
const (
	RoundOpen  = "open"
	RoundDrawn = "drawn"
)

const maxTicketsPerPurchase = 100

// Round is a single lottery cycle.
type Round struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	TicketPrice  string     `json:"ticketPrice"`
	PrizePool    string     `json:"prizePool"`
	TicketCount  int        `json:"ticketCount"`
	OpensAt      time.Time  `json:"opensAt"`
	ClosesAt     time.Time  `json:"closesAt"`
	DrawnAt      *time.Time `json:"drawnAt,omitempty"`
	WinnerUserID *int64     `json:"winnerUserId,omitempty"`
	WinnerTicket string     `json:"winnerTicket,omitempty"`
}

// Open reports whether the round accepts tickets at the given time.
func (r *Round) Open(now time.Time) bool {
	return r.Status == RoundOpen && now.Before(r.ClosesAt)
}

// Ticket is one entry in a round.
type Ticket struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"roundId"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists rounds and tickets.
type Store interface {
	CreateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
	// OpenRound returns the single round currently in the open status.
	OpenRound(ctx context.Context) (*Round, error)
	UpdateRound(ctx context.Context, r *Round) error
	ListRounds(ctx context.Context, limit int) ([]*Round, error)

	AddTickets(ctx context.Context, tickets []*Ticket) error
	TicketsByRound(ctx context.Context, roundID string) ([]*Ticket, error)
	UserTicketCount(ctx context.Context, roundID string, userID int64) (int, error)
}

// Funds is the ledger collaborator. Implemented by *ledger.Ledger.
type Funds interface {
	Debit(ctx context.Context, userID int64, amount, reference, description string) error
	Credit(ctx context.Context, userID int64, amount, reference, description string) error
}

// Notifier pushes user-facing lottery updates. Optional; best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind, title, body string)
}

// Config holds lottery policy.
type Config struct {
	TicketPrice       string        // USDT per ticket
	PrizeShareBps     int           // Basis points of sales that fund the pool
	RoundDuration     time.Duration // Open window per round
	MaxTicketsPerUser int           // Per-round cap per user
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TicketPrice:       "0.500000",
		PrizeShareBps:     8000,
		RoundDuration:     time.Hour,
		MaxTicketsPerUser: 50,
	}
}

// Service runs lottery rounds over a Store.
type Service struct {
	store    Store
	funds    Funds
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

// NewService wires the lottery service.
func NewService(store Store, funds Funds, cfg Config) *Service {
	return &Service{store: store, funds: funds, cfg: cfg, now: time.Now}
}

// WithNotifier attaches an optional notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CurrentRound returns the open round, creating one if none exists.
func (s *Service) CurrentRound(ctx context.Context) (*Round, error) {
	now := s.now()
	round, err := s.store.OpenRound(ctx)
	if errors.Is(err, ErrNoOpenRound) {
		return s.openRound(ctx, now)
	}
	if err != nil {
		return nil, err
	}
	return round, nil
}

// BuyTickets purchases count tickets in the open round, debiting the
// user's available balance.
func (s *Service) BuyTickets(ctx context.Context, userID int64, count int) (*Round, []*Ticket, error) {
	if count < 1 || count > maxTicketsPerPurchase {
		return nil, nil, ErrInvalidTicketCount
	}
	now := s.now()

	round, err := s.CurrentRound(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !round.Open(now) {
		return nil, nil, ErrRoundClosed
	}

	owned, err := s.store.UserTicketCount(ctx, round.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	if owned+count > s.cfg.MaxTicketsPerUser {
		return nil, nil, ErrTicketLimit
	}

	cost, ok := money.MulInt(s.cfg.TicketPrice, int64(count))
	if !ok {
		return nil, nil, fmt.Errorf("bad ticket price configuration %q", s.cfg.TicketPrice)
	}
	if err := s.funds.Debit(ctx, userID, cost, "lottery:"+round.ID, fmt.Sprintf("%d lottery tickets", count)); err != nil {
		return nil, nil, err
	}

	tickets := make([]*Ticket, count)
	for i := range tickets {
		tickets[i] = &Ticket{
			ID:        idgen.WithPrefix("tkt_"),
			RoundID:   round.ID,
			UserID:    userID,
			CreatedAt: now,
		}
	}
	if err := s.store.AddTickets(ctx, tickets); err != nil {
		// Ticket write failed after the debit; give the money back.
		if rerr := s.funds.Credit(ctx, userID, cost, "lottery:"+round.ID, "ticket purchase reversal"); rerr != nil {
			logging.L(ctx).Error("CRITICAL: ticket reversal failed",
				"user_id", userID, "round_id", round.ID, "amount", cost, "error", rerr)
		}
		return nil, nil, err
	}

	round.TicketCount += count
	round.PrizePool = s.poolContribution(round.PrizePool, count)
	if err := s.store.UpdateRound(ctx, round); err != nil {
		return nil, nil, err
	}

	metrics.LotteryTicketsTotal.Add(float64(count))
	return round, tickets, nil
}

// Draw closes an ended round: picks one winning ticket uniformly at
// random and credits the prize pool to its owner. A round with no tickets
// is drawn with no winner.
func (s *Service) Draw(ctx context.Context, roundID string) (*Round, error) {
	now := s.now()
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status == RoundDrawn {
		return nil, ErrAlreadyDrawn
	}
	if now.Before(round.ClosesAt) {
		return nil, ErrRoundStillOpen
	}

	tickets, err := s.store.TicketsByRound(ctx, round.ID)
	if err != nil {
		return nil, err
	}

	round.Status = RoundDrawn
	round.DrawnAt = &now

	if len(tickets) > 0 {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(tickets))))
		if err != nil {
			return nil, fmt.Errorf("draw randomness: %w", err)
		}
		winner := tickets[idx.Int64()]
		round.WinnerUserID = &winner.UserID
		round.WinnerTicket = winner.ID
	}

	if err := s.store.UpdateRound(ctx, round); err != nil {
		return nil, err
	}

	if round.WinnerUserID != nil && money.IsPositive(round.PrizePool) {
		winnerID := *round.WinnerUserID
		if err := s.funds.Credit(ctx, winnerID, round.PrizePool, "lottery:"+round.ID, "lottery prize"); err != nil {
			logging.L(ctx).Error("CRITICAL: prize credit failed",
				"round_id", round.ID, "user_id", winnerID, "amount", round.PrizePool, "error", err)
			return nil, err
		}
		if s.notifier != nil {
			s.notifier.Notify(ctx, winnerID, "lottery_win",
				"You won the lottery!",
				fmt.Sprintf("Your ticket %s won %s USDT.", round.WinnerTicket, round.PrizePool))
		}
	}

	logging.L(ctx).Info("lottery round drawn",
		"round_id", round.ID, "tickets", len(tickets), "prize", round.PrizePool)
	return round, nil
}

// Rotate draws any ended open round and opens the next one. Called by
// the round timer; safe to call when nothing is due.
func (s *Service) Rotate(ctx context.Context) error {
	now := s.now()
	round, err := s.store.OpenRound(ctx)
	if errors.Is(err, ErrNoOpenRound) {
		_, err = s.openRound(ctx, now)
		return err
	}
	if err != nil {
		return err
	}
	if now.Before(round.ClosesAt) {
		return nil
	}
	if _, err := s.Draw(ctx, round.ID); err != nil && !errors.Is(err, ErrAlreadyDrawn) {
		return err
	}
	_, err = s.openRound(ctx, now)
	return err
}

// Rounds returns recent rounds, newest first.
func (s *Service) Rounds(ctx context.Context, limit int) ([]*Round, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListRounds(ctx, limit)
}

// UserTickets returns the caller's tickets in the given round.
func (s *Service) UserTickets(ctx context.Context, roundID string, userID int64) ([]*Ticket, error) {
	tickets, err := s.store.TicketsByRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	var mine []*Ticket
	for _, t := range tickets {
		if t.UserID == userID {
			mine = append(mine, t)
		}
	}
	return mine, nil
}

func (s *Service) openRound(ctx context.Context, now time.Time) (*Round, error) {
	round := &Round{
		ID:          idgen.WithPrefix("lot_"),
		Status:      RoundOpen,
		TicketPrice: s.cfg.TicketPrice,
		PrizePool:   "0.000000",
		OpensAt:     now,
		ClosesAt:    now.Add(s.cfg.RoundDuration),
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("lottery round opened", "round_id", round.ID, "closes_at", round.ClosesAt)
	return round, nil
}

// poolContribution adds count tickets' worth of pool share to the pool.
func (s *Service) poolContribution(pool string, count int) string {
	price, ok := money.Parse(s.cfg.TicketPrice)
	if !ok {
		return pool
	}
	current, ok := money.Parse(pool)
	if !ok {
		current = big.NewInt(0)
	}
	sale := new(big.Int).Mul(price, big.NewInt(int64(count)))
	share := new(big.Int).Div(new(big.Int).Mul(sale, big.NewInt(int64(s.cfg.PrizeShareBps))), big.NewInt(10000))
	return money.Format(new(big.Int).Add(current, share))
}
