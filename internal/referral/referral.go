// Package referral implements invite codes and referral bonuses.
//
// Every user owns one short code. A new user activates someone else's
// code exactly once; both sides are credited a bonus. Self-referral and
// re-attribution are rejected.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/ghidar/ghidar-backend/internal/logging"
)

var (
	ErrCodeNotFound    = errors.New("referral code not found")
	ErrSelfReferral    = errors.New("cannot activate your own code")
	ErrAlreadyReferred = errors.New("user already has a referrer")
)

// Referral records one attribution.
type Referral struct {
	ReferrerID int64     `json:"referrerId"`
	RefereeID  int64     `json:"refereeId"`
	Code       string    `json:"code"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary is the user-facing referral view.
type Summary struct {
	Code          string `json:"code"`
	ReferralCount int    `json:"referralCount"`
	ReferrerBonus string `json:"referrerBonus"`
	RefereeBonus  string `json:"refereeBonus"`
}

// Store persists codes and attributions.
type Store interface {
	// CodeFor returns the user's code, or ErrCodeNotFound if none was issued.
	CodeFor(ctx context.Context, userID int64) (string, error)
	SetCode(ctx context.Context, userID int64, code string) error
	// OwnerOf resolves a code to its owner.
	OwnerOf(ctx context.Context, code string) (int64, error)
	// CreateReferral records an attribution. ErrAlreadyReferred if the
	// referee is already attributed.
	CreateReferral(ctx context.Context, r *Referral) error
	ReferrerOf(ctx context.Context, refereeID int64) (int64, bool, error)
	ReferralCount(ctx context.Context, referrerID int64) (int, error)
	ListReferrals(ctx context.Context, referrerID int64, limit int) ([]*Referral, error)
}

// Rewards is the ledger collaborator. Implemented by *ledger.Ledger.
type Rewards interface {
	Credit(ctx context.Context, userID int64, amount, reference, description string) error
}

// Notifier pushes referral updates. Optional; best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind, title, body string)
}

// Config holds referral bonus policy.
type Config struct {
	ReferrerBonus string // USDT credited to the code owner per activation
	RefereeBonus  string // USDT credited to the activating user
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReferrerBonus: "0.500000",
		RefereeBonus:  "0.250000",
	}
}

// Service manages codes and attribution over a Store.
type Service struct {
	store    Store
	rewards  Rewards
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

// NewService wires the referral service.
func NewService(store Store, rewards Rewards, cfg Config) *Service {
	return &Service{store: store, rewards: rewards, cfg: cfg, now: time.Now}
}

// WithNotifier attaches an optional notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// MyCode returns the user's invite code, issuing one on first use.
func (s *Service) MyCode(ctx context.Context, userID int64) (string, error) {
	code, err := s.store.CodeFor(ctx, userID)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, ErrCodeNotFound) {
		return "", err
	}

	code = newCode()
	if err := s.store.SetCode(ctx, userID, code); err != nil {
		return "", err
	}
	return code, nil
}

// Summary returns the user's code plus activation stats.
func (s *Service) Summary(ctx context.Context, userID int64) (*Summary, error) {
	code, err := s.MyCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.ReferralCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Code:          code,
		ReferralCount: count,
		ReferrerBonus: s.cfg.ReferrerBonus,
		RefereeBonus:  s.cfg.RefereeBonus,
	}, nil
}

// Activate attributes the user to the code's owner and credits both
// bonuses. One referrer per user, ever.
func (s *Service) Activate(ctx context.Context, userID int64, code string) (*Referral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	referrerID, err := s.store.OwnerOf(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrerID == userID {
		return nil, ErrSelfReferral
	}
	if _, attributed, err := s.store.ReferrerOf(ctx, userID); err != nil {
		return nil, err
	} else if attributed {
		return nil, ErrAlreadyReferred
	}

	ref := &Referral{
		ReferrerID: referrerID,
		RefereeID:  userID,
		Code:       code,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateReferral(ctx, ref); err != nil {
		return nil, err
	}

	// Bonus credits are best-effort after the attribution is durable;
	// a failed credit is logged, not rolled back.
	bonusRef := fmt.Sprintf("referral:%d:%d", referrerID, userID)
	if err := s.rewards.Credit(ctx, referrerID, s.cfg.ReferrerBonus, bonusRef, "referral bonus"); err != nil {
		logging.L(ctx).Error("CRITICAL: referrer bonus failed",
			"referrer_id", referrerID, "referee_id", userID, "error", err)
	}
	if err := s.rewards.Credit(ctx, userID, s.cfg.RefereeBonus, bonusRef, "welcome bonus"); err != nil {
		logging.L(ctx).Error("CRITICAL: referee bonus failed",
			"referrer_id", referrerID, "referee_id", userID, "error", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, referrerID, "referral_activated",
			"New referral",
			fmt.Sprintf("Someone joined with your code. %s USDT bonus credited.", s.cfg.ReferrerBonus))
	}
	return ref, nil
}

// Referrals lists the user's activations, newest first.
func (s *Service) Referrals(ctx context.Context, userID int64, limit int) ([]*Referral, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListReferrals(ctx, userID, limit)
}

// newCode builds a short shareable code: "GH" plus base58 of 5 random
// bytes, uppercased for readability in chat clients.
func newCode() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "GH" + strings.ToUpper(base58.Encode(b))
}
