// Package ledger tracks user reward balances on the platform.
//
// Flow:
//  1. Features credit rewards (taps, lottery wins, referral bonuses)
//  2. A withdrawal intent moves funds: available → pending
//  3. Verification approval releases the pending hold (funds leave the platform)
//  4. Verification rejection/expiry refunds the hold: pending → available
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ghidar/ghidar-backend/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNoSuchHold          = errors.New("no pending hold for reference")
)

// Entry types recorded in the ledger history.
const (
	EntryCredit  = "credit"
	EntryDebit   = "debit"
	EntryHold    = "hold"
	EntryRelease = "release"
	EntryRefund  = "refund"
)

// Entry represents a ledger entry
type Entry struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"userId"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // verification request ID, lottery round, etc.
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a user's balance
type Balance struct {
	UserID    int64     `json:"userId"`
	Available string    `json:"available"` // Spendable / withdrawable after verification
	Pending   string    `json:"pending"`   // Held awaiting verification outcome
	TotalIn   string    `json:"totalIn"`   // Lifetime rewards credited
	TotalOut  string    `json:"totalOut"`  // Lifetime released withdrawals + spending
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data
type Store interface {
	GetBalance(ctx context.Context, userID int64) (*Balance, error)
	Credit(ctx context.Context, userID int64, amount, reference, description string) error
	Debit(ctx context.Context, userID int64, amount, reference, description string) error
	Hold(ctx context.Context, userID int64, amount, reference string) error
	// ReleaseHold moves a pending hold out of the platform. The idempotency
	// key makes the operation at-most-once: the second call with the same
	// key reports applied=false and changes nothing.
	ReleaseHold(ctx context.Context, userID int64, amount, idempotencyKey string) (applied bool, err error)
	RefundHold(ctx context.Context, userID int64, amount, reference string) error
	History(ctx context.Context, userID int64, limit int) ([]*Entry, error)
}

// Ledger manages user balances
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	done := observeOp("get_balance")
	defer done()
	return l.store.GetBalance(ctx, userID)
}

// Credit adds reward funds to a user's available balance
func (l *Ledger) Credit(ctx context.Context, userID int64, amount, reference, description string) error {
	done := observeOp("credit")
	defer done()
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, userID, amount, reference, description)
}

// Debit spends from a user's available balance (lottery tickets, trader stakes)
func (l *Ledger) Debit(ctx context.Context, userID int64, amount, reference, description string) error {
	done := observeOp("debit")
	defer done()
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Debit(ctx, userID, amount, reference, description)
}

// HoldPending moves available funds into the pending bucket while a
// verification request gates them.
func (l *Ledger) HoldPending(ctx context.Context, userID int64, amount, reference string) error {
	done := observeOp("hold")
	defer done()
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Hold(ctx, userID, amount, reference)
}

// ReleasePending completes a verified withdrawal. Idempotent per key;
// callers use the verification request ID so a retried approval signal
// can never double-release.
func (l *Ledger) ReleasePending(ctx context.Context, userID int64, amount, idempotencyKey string) error {
	done := observeOp("release")
	defer done()
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	_, err := l.store.ReleaseHold(ctx, userID, amount, idempotencyKey)
	return err
}

// RefundPending returns held funds to the available balance after a
// failed or abandoned verification.
func (l *Ledger) RefundPending(ctx context.Context, userID int64, amount, reference string) error {
	done := observeOp("refund")
	defer done()
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.RefundHold(ctx, userID, amount, reference)
}

// History returns recent ledger entries for a user
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	done := observeOp("history")
	defer done()
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}
