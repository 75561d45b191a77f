// Package verification gates withdrawals behind wallet-ownership proof.
//
// Flow:
//  1. A withdrawal intent creates a request; the risk level picks the
//     eligible methods and the amount is held on the ledger
//  2. The user proves ownership of the claimed wallet via the request's
//     bound method (challenge signature, or key submission for assisted)
//  3. Approval releases the held amount through the ledger exactly once
//  4. Failure offers retries with backoff, then alternative methods or
//     admin escalation
//
// Every state transition is an optimistic compare-and-set on the request
// version, so duplicate client retries, the expiry sweep and admin action
// can race safely: one writer wins, the rest see a conflict.
package verification

import (
	"errors"
	"time"

	"github.com/ghidar/ghidar-backend/internal/proof"
	"github.com/ghidar/ghidar-backend/internal/risk"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("verification request not found")
	ErrTerminal         = errors.New("verification request is in a terminal state")
	ErrDuplicateActive  = errors.New("an active verification request already exists for this wallet")
	ErrMethodMismatch   = errors.New("proof submitted for a different method than the request is bound to")
	ErrMethodNotAllowed = errors.New("requested method is not eligible at this risk level")
	ErrInvalidAmount    = errors.New("amount must be a positive decimal")
	ErrConflict         = errors.New("concurrent modification, refetch and retry")
	ErrForbidden        = errors.New("caller is not allowed to perform this operation")
)

// Status is the lifecycle state of a verification request.
type Status string

const (
	StatusPending    Status = "pending"    // Awaiting proof submission
	StatusProcessing Status = "processing" // Assisted request awaiting its long-window intake
	StatusVerifying  Status = "verifying"  // Proof validation in flight
	StatusApproved   Status = "approved"   // Ownership proven, funds released
	StatusRejected   Status = "rejected"   // Retries exhausted
	StatusExpired    Status = "expired"    // TTL passed without approval
	StatusCancelled  Status = "cancelled"  // Withdrawn by the user
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// active reports whether a request still gates funds (sweep + duplicate checks).
func (s Status) active() bool {
	return !s.IsTerminal()
}

// Method is the ownership-proof mechanism a request is bound to.
// Exactly one method governs a request; switching means a new request.
type Method string

const (
	MethodStandardSignature Method = "standard_signature"
	MethodAssisted          Method = "assisted"
	MethodMultiSignature    Method = "multi_signature"
	MethodTimeDelayed       Method = "time_delayed"
)

// Valid reports whether the method is known.
func (m Method) Valid() bool {
	switch m {
	case MethodStandardSignature, MethodAssisted, MethodMultiSignature, MethodTimeDelayed:
		return true
	}
	return false
}

// signatureBased reports whether the method proves ownership by signing
// the request challenge (and therefore needs one generated).
func (m Method) signatureBased() bool {
	return m != MethodAssisted
}

// Purpose is the feature context that triggered verification.
// Informational only; it never changes transition rules.
type Purpose string

const (
	PurposeLottery    Purpose = "lottery"
	PurposeAirdrop    Purpose = "airdrop"
	PurposeAITrader   Purpose = "ai_trader"
	PurposeWithdrawal Purpose = "withdrawal"
	PurposeGeneral    Purpose = "general"
)

// Valid reports whether the purpose is known.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeLottery, PurposeAirdrop, PurposeAITrader, PurposeWithdrawal, PurposeGeneral:
		return true
	}
	return false
}

// Public error codes returned to clients. Terminal-vs-retryable mapping
// happens in the HTTP layer.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeDuplicateActive  = "DUPLICATE_ACTIVE_REQUEST"
	CodeNotFound         = "REQUEST_NOT_FOUND"
	CodeTerminal         = "REQUEST_TERMINAL"
	CodeMethodMismatch   = "METHOD_MISMATCH"
	CodeExpired          = "EXPIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeProofInvalid     = "PROOF_INVALID"
	CodeConflict         = "CONFLICT"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Request is one wallet-ownership verification attempt.
//
// Proof material is deliberately absent: it exists only as a parameter to
// SubmitProof and is discarded the moment validation completes. It is
// never stored, logged or serialized.
type Request struct {
	ID            string        `json:"id"`
	UserID        int64         `json:"userId"`
	Purpose       Purpose       `json:"purpose"`
	Method        Method        `json:"method"`
	Status        Status        `json:"status"`
	Amount        string        `json:"amount,omitempty"`
	WalletAddress string        `json:"walletAddress"`
	WalletNetwork proof.Network `json:"walletNetwork"`

	// ChallengeMessage is the human-readable text signature methods sign.
	// ChallengeNonce is bound into the message; it is kept separately so
	// it dies with the request and is excluded from projections.
	ChallengeMessage string `json:"-"`
	ChallengeNonce   string `json:"-"`

	RiskLevel   risk.Level `json:"riskLevel"`
	RiskFactors []string   `json:"riskFactors,omitempty"`

	RetryCount int        `json:"retryCount"`
	RetryAfter *time.Time `json:"retryAfter,omitempty"`

	// PreviousRequestID cross-references the terminal request this one
	// replaced when the user switched methods.
	PreviousRequestID string `json:"previousRequestId,omitempty"`

	LastErrorCode string `json:"lastErrorCode,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Version backs the optimistic concurrency check. Every committed
	// transition increments it.
	Version int64 `json:"-"`
}

// IsTerminal reports whether the request permits no further transitions.
func (r *Request) IsTerminal() bool { return r.Status.IsTerminal() }

// Expired reports whether the request's TTL has passed at the given time.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Clone returns a deep copy safe to mutate.
func (r *Request) Clone() *Request {
	cp := *r
	if r.RiskFactors != nil {
		cp.RiskFactors = append([]string(nil), r.RiskFactors...)
	}
	if r.RetryAfter != nil {
		t := *r.RetryAfter
		cp.RetryAfter = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Projection is the read model exposed to status consumers. It carries
// the signable challenge text but never the nonce internals, and never
// any submitted proof.
type Projection struct {
	ID                string        `json:"id"`
	UserID            int64         `json:"userId"`
	Purpose           Purpose       `json:"purpose"`
	Method            Method        `json:"method"`
	Status            Status        `json:"status"`
	Amount            string        `json:"amount,omitempty"`
	WalletAddress     string        `json:"walletAddress"`
	WalletNetwork     proof.Network `json:"walletNetwork"`
	ChallengeMessage  string        `json:"challengeMessage,omitempty"`
	RiskLevel         risk.Level    `json:"riskLevel"`
	RiskFactors       []string      `json:"riskFactors,omitempty"`
	RetryCount        int           `json:"retryCount"`
	RetryAfterSeconds int64         `json:"retryAfterSeconds,omitempty"`
	PreviousRequestID string        `json:"previousRequestId,omitempty"`
	LastErrorCode     string        `json:"lastErrorCode,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	ExpiresAt         *time.Time    `json:"expiresAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Project builds the public read model for a request.
func Project(r *Request, now time.Time) *Projection {
	p := &Projection{
		ID:                r.ID,
		UserID:            r.UserID,
		Purpose:           r.Purpose,
		Method:            r.Method,
		Status:            r.Status,
		Amount:            r.Amount,
		WalletAddress:     r.WalletAddress,
		WalletNetwork:     r.WalletNetwork,
		RiskLevel:         r.RiskLevel,
		RiskFactors:       append([]string(nil), r.RiskFactors...),
		RetryCount:        r.RetryCount,
		PreviousRequestID: r.PreviousRequestID,
		LastErrorCode:     r.LastErrorCode,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ExpiresAt:         r.ExpiresAt,
		CompletedAt:       r.CompletedAt,
	}
	// The challenge is only useful (and only safe to show) while the
	// request can still accept a signature.
	if r.Method.signatureBased() && !r.IsTerminal() {
		p.ChallengeMessage = r.ChallengeMessage
	}
	if r.RetryAfter != nil && r.RetryAfter.After(now) {
		p.RetryAfterSeconds = int64(r.RetryAfter.Sub(now).Seconds() + 0.5)
	}
	return p
}

// Outcome is the result of a proof submission.
type Outcome struct {
	Request            *Projection `json:"request"`
	Approved           bool        `json:"approved"`
	ErrorCode          string      `json:"errorCode,omitempty"`
	ErrorMessage       string      `json:"errorMessage,omitempty"`
	RetryAfterSeconds  int64       `json:"retryAfterSeconds,omitempty"`
	AlternativeMethods []Method    `json:"alternativeMethods,omitempty"`
}
