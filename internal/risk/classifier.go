package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/ghidar/ghidar-backend/internal/money"
)

// Thresholds configures the classifier. All values are policy, not code.
type Thresholds struct {
	MediumAmount   string        // USDT at or above which risk is at least medium
	HighAmount     string        // USDT at or above which risk is high
	VelocityWindow time.Duration // Trailing window for attempt counting
	MediumAttempts int           // Attempts in window that raise risk to medium
	HighAttempts   int           // Attempts in window that raise risk to high
}

// DefaultThresholds are conservative defaults for production.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MediumAmount:   "100",
		HighAmount:     "1000",
		VelocityWindow: 24 * time.Hour,
		MediumAttempts: 3,
		HighAttempts:   10,
	}
}

// Classifier computes risk assessments. Safe for concurrent use.
type Classifier struct {
	thresholds Thresholds
	history    WalletHistory
}

// NewClassifier creates a classifier backed by the given history provider.
func NewClassifier(history WalletHistory, thresholds Thresholds) *Classifier {
	return &Classifier{thresholds: thresholds, history: history}
}

// Classify scores one withdrawal attempt. Deterministic for a given input
// and history state. History lookups that fail degrade to the highest
// level rather than silently passing.
func (c *Classifier) Classify(ctx context.Context, in Input) Assessment {
	level := LevelLow
	var factors []string

	level, factors = c.amountFactor(in, level, factors)
	level, factors = c.noveltyFactor(ctx, in, level, factors)
	level, factors = c.velocityFactor(ctx, in, level, factors)

	if len(factors) == 0 {
		factors = append(factors, "no elevated risk signals")
	}
	return Assessment{Level: level, Factors: factors}
}

func (c *Classifier) amountFactor(in Input, level Level, factors []string) (Level, []string) {
	if in.Amount == "" {
		return level, factors
	}
	if cmp, ok := money.Cmp(in.Amount, c.thresholds.HighAmount); ok && cmp >= 0 {
		return level.max(LevelHigh), append(factors,
			fmt.Sprintf("amount %s USDT at or above high-value threshold", in.Amount))
	}
	if cmp, ok := money.Cmp(in.Amount, c.thresholds.MediumAmount); ok && cmp >= 0 {
		return level.max(LevelMedium), append(factors,
			fmt.Sprintf("amount %s USDT at or above review threshold", in.Amount))
	}
	return level, factors
}

func (c *Classifier) noveltyFactor(ctx context.Context, in Input, level Level, factors []string) (Level, []string) {
	if c.history == nil || in.WalletAddress == "" {
		return level, factors
	}
	approved, err := c.history.ApprovedCount(ctx, in.WalletAddress)
	if err != nil {
		return level.max(LevelHigh), append(factors, "wallet history unavailable")
	}
	if approved == 0 {
		return level.max(LevelMedium), append(factors, "wallet has no prior successful verification")
	}
	return level, factors
}

func (c *Classifier) velocityFactor(ctx context.Context, in Input, level Level, factors []string) (Level, []string) {
	if c.history == nil || in.UserID == 0 {
		return level, factors
	}
	since := time.Now().Add(-c.thresholds.VelocityWindow)
	attempts, err := c.history.AttemptsSince(ctx, in.UserID, since)
	if err != nil {
		return level.max(LevelHigh), append(factors, "attempt history unavailable")
	}
	if attempts >= c.thresholds.HighAttempts {
		return level.max(LevelHigh), append(factors,
			fmt.Sprintf("%d withdrawal attempts in the last %s", attempts, c.thresholds.VelocityWindow))
	}
	if attempts >= c.thresholds.MediumAttempts {
		return level.max(LevelMedium), append(factors,
			fmt.Sprintf("%d withdrawal attempts in the last %s", attempts, c.thresholds.VelocityWindow))
	}
	return level, factors
}
