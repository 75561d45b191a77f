// Package risk classifies withdrawal attempts before verification.
//
// Every verification request is scored against three signals: the USDT
// amount being gated, whether the destination wallet has ever passed
// verification before, and how many withdrawal attempts the user made in a
// trailing window. The resulting level drives which verification methods
// the engine will accept; the factor strings are explanatory context for
// the user and carry no authority of their own.
package risk

import (
	"context"
	"time"
)

// Level is the classified risk of a withdrawal attempt.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// rank orders levels for max() comparisons.
func (l Level) rank() int {
	switch l {
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	}
	return 0
}

// max returns the more severe of two levels.
func (l Level) max(other Level) Level {
	if other.rank() > l.rank() {
		return other
	}
	return l
}

// Assessment is the classifier's output for one withdrawal attempt.
type Assessment struct {
	Level   Level    `json:"level"`
	Factors []string `json:"factors"`
}

// Input carries the signals needed to classify one attempt.
type Input struct {
	UserID        int64
	Amount        string // USDT decimal string; empty means no amount gated
	WalletAddress string
	WalletNetwork string
}

// WalletHistory supplies the historical signals the classifier needs.
// Implemented by the verification store.
type WalletHistory interface {
	// ApprovedCount returns how many verification requests for this wallet
	// address have ever reached approved.
	ApprovedCount(ctx context.Context, walletAddress string) (int, error)

	// AttemptsSince returns how many verification requests the user created
	// after the given time, across all wallets.
	AttemptsSince(ctx context.Context, userID int64, since time.Time) (int, error)
}
