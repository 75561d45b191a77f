package verification

import (
	"context"
	"time"
)

// Audit actor types.
const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Audit actions.
const (
	AuditCreated        = "created"
	AuditProofSubmitted = "proof_submitted"
	AuditApproved       = "approved"
	AuditRejected       = "rejected"
	AuditExpired        = "expired"
	AuditCancelled      = "cancelled"
	AuditAdminOverride  = "admin_override"
	AuditRetryScheduled = "retry_scheduled"
)

// AuditEntry is one append-only record of a request transition. Entries
// never carry proof material, only what happened and who caused it.
type AuditEntry struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Actor     string    `json:"actor"`     // user ID, admin ID or "sweep"
	ActorType string    `json:"actorType"` // user, admin, system
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists verification requests and their audit trail.
//
// UpdateCAS is the only mutation path after creation: it commits the
// request only when the stored version still matches req.Version, bumps
// the version, and appends the given audit entries in the same atomic
// unit. A version mismatch yields ErrConflict and writes nothing,
// audit included.
type Store interface {
	Create(ctx context.Context, req *Request, audit *AuditEntry) error
	Get(ctx context.Context, id string) (*Request, error)
	UpdateCAS(ctx context.Context, req *Request, audit ...*AuditEntry) error

	// FindActive returns the non-terminal request for (user, purpose,
	// wallet), or ErrNotFound.
	FindActive(ctx context.Context, userID int64, purpose Purpose, walletAddress string) (*Request, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Request, error)

	// ListExpiredBefore returns non-terminal requests whose ExpiresAt has
	// passed, for the background sweep.
	ListExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error)

	AuditTrail(ctx context.Context, requestID string, limit int) ([]*AuditEntry, error)

	// Risk history signals (risk.WalletHistory).
	ApprovedCount(ctx context.Context, walletAddress string) (int, error)
	AttemptsSince(ctx context.Context, userID int64, since time.Time) (int, error)
}
