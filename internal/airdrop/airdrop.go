// Package airdrop implements tap-to-earn reward mining.
//
// Each user has an energy pool that refills continuously. Tapping spends
// energy and credits USDT rewards to the ledger at a configured per-tap
// rate, subject to a daily tap cap. Clients batch taps and submit counts;
// the server clamps every batch against energy and the cap, so a modified
// client can never mint more than policy allows.
package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/metrics"
	"github.com/ghidar/ghidar-backend/internal/money"
)

var (
	ErrInvalidTapCount = errors.New("tap count must be between 1 and 1000")
	ErrNoState         = errors.New("no airdrop state for user")
)

// maxTapBatch bounds one submission; clients flush more often than this.
const maxTapBatch = 1000

// Config holds the mining policy.
type Config struct {
	TapReward       string // USDT credited per accepted tap
	EnergyMax       int    // Energy pool ceiling
	RefillPerSecond int    // Energy regained per second
	DailyCap        int    // Accepted taps per UTC day
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TapReward:       "0.000100",
		EnergyMax:       1000,
		RefillPerSecond: 1,
		DailyCap:        10000,
	}
}

// State is the user-visible mining state.
type State struct {
	UserID          int64  `json:"userId"`
	Energy          int    `json:"energy"`
	EnergyMax       int    `json:"energyMax"`
	RefillPerSecond int    `json:"refillPerSecond"`
	TapsToday       int    `json:"tapsToday"`
	DailyCap        int    `json:"dailyCap"`
	TapReward       string `json:"tapReward"`
}

// TapResult reports how a tap batch was settled.
type TapResult struct {
	Accepted  int    `json:"accepted"`
	Rewarded  string `json:"rewarded"`
	Energy    int    `json:"energy"`
	TapsToday int    `json:"tapsToday"`
}

// Store persists energy state and daily tap counters.
type Store interface {
	// EnergyState returns the stored energy and when it was written.
	// ErrNoState for users who have never tapped.
	EnergyState(ctx context.Context, userID int64) (energy int, updatedAt time.Time, err error)
	SetEnergyState(ctx context.Context, userID int64, energy int, at time.Time) error

	// AddTaps adds to the day's counter and returns the new total.
	AddTaps(ctx context.Context, userID int64, day string, n int) (int, error)
	TapsToday(ctx context.Context, userID int64, day string) (int, error)
}

// Rewards is the ledger collaborator. Implemented by *ledger.Ledger.
type Rewards interface {
	Credit(ctx context.Context, userID int64, amount, reference, description string) error
}

// Service applies mining policy over a Store.
type Service struct {
	store   Store
	rewards Rewards
	cfg     Config
	now     func() time.Time
}

// NewService wires the airdrop service.
func NewService(store Store, rewards Rewards, cfg Config) *Service {
	return &Service{store: store, rewards: rewards, cfg: cfg, now: time.Now}
}

// State returns the current mining state with energy refilled to now.
func (s *Service) State(ctx context.Context, userID int64) (*State, error) {
	now := s.now()
	energy, err := s.currentEnergy(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	taps, err := s.store.TapsToday(ctx, userID, dayKey(now))
	if err != nil {
		return nil, err
	}
	return &State{
		UserID:          userID,
		Energy:          energy,
		EnergyMax:       s.cfg.EnergyMax,
		RefillPerSecond: s.cfg.RefillPerSecond,
		TapsToday:       taps,
		DailyCap:        s.cfg.DailyCap,
		TapReward:       s.cfg.TapReward,
	}, nil
}

// Tap settles a batch of taps: clamps against energy and the daily cap,
// spends energy, and credits the reward.
func (s *Service) Tap(ctx context.Context, userID int64, count int) (*TapResult, error) {
	if count < 1 || count > maxTapBatch {
		return nil, ErrInvalidTapCount
	}
	now := s.now()
	day := dayKey(now)

	energy, err := s.currentEnergy(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	taps, err := s.store.TapsToday(ctx, userID, day)
	if err != nil {
		return nil, err
	}

	accepted := count
	if accepted > energy {
		accepted = energy
	}
	if remaining := s.cfg.DailyCap - taps; accepted > remaining {
		accepted = remaining
	}
	if accepted <= 0 {
		return &TapResult{Energy: energy, TapsToday: taps, Rewarded: "0.000000"}, nil
	}

	if err := s.store.SetEnergyState(ctx, userID, energy-accepted, now); err != nil {
		return nil, err
	}
	total, err := s.store.AddTaps(ctx, userID, day, accepted)
	if err != nil {
		return nil, err
	}

	reward, ok := money.MulInt(s.cfg.TapReward, int64(accepted))
	if !ok {
		return nil, fmt.Errorf("bad tap reward configuration %q", s.cfg.TapReward)
	}
	if money.IsPositive(reward) {
		if err := s.rewards.Credit(ctx, userID, reward, "airdrop:"+day, "tap mining"); err != nil {
			return nil, err
		}
	}

	metrics.TapsTotal.Add(float64(accepted))
	logging.L(ctx).Debug("taps settled", "accepted", accepted, "reward", reward)
	return &TapResult{
		Accepted:  accepted,
		Rewarded:  reward,
		Energy:    energy - accepted,
		TapsToday: total,
	}, nil
}

// currentEnergy applies continuous refill to the stored energy.
func (s *Service) currentEnergy(ctx context.Context, userID int64, now time.Time) (int, error) {
	energy, updatedAt, err := s.store.EnergyState(ctx, userID)
	if errors.Is(err, ErrNoState) {
		return s.cfg.EnergyMax, nil
	}
	if err != nil {
		return 0, err
	}
	refilled := energy + int(now.Sub(updatedAt).Seconds())*s.cfg.RefillPerSecond
	if refilled > s.cfg.EnergyMax {
		refilled = s.cfg.EnergyMax
	}
	if refilled < 0 {
		refilled = 0
	}
	return refilled, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
