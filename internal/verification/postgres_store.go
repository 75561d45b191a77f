package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists verification requests in PostgreSQL.
//
// Submitted proof material has no column on purpose; nothing in this
// store can ever write it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed verification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the verification tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS verification_requests (
			id                  TEXT PRIMARY KEY,
			user_id             BIGINT NOT NULL,
			purpose             TEXT NOT NULL,
			method              TEXT NOT NULL,
			status              TEXT NOT NULL,
			amount              TEXT NOT NULL DEFAULT '',
			wallet_address      TEXT NOT NULL,
			wallet_network      TEXT NOT NULL,
			challenge_message   TEXT NOT NULL DEFAULT '',
			challenge_nonce     TEXT NOT NULL DEFAULT '',
			risk_level          TEXT NOT NULL,
			risk_factors        TEXT[] NOT NULL DEFAULT '{}',
			retry_count         INT NOT NULL DEFAULT 0,
			retry_after         TIMESTAMPTZ,
			previous_request_id TEXT NOT NULL DEFAULT '',
			last_error_code     TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			expires_at          TIMESTAMPTZ,
			completed_at        TIMESTAMPTZ,
			version             BIGINT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_verification_user ON verification_requests(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_verification_active
			ON verification_requests(user_id, purpose, wallet_address)
			WHERE status NOT IN ('approved', 'rejected', 'expired', 'cancelled');
		CREATE INDEX IF NOT EXISTS idx_verification_expiry
			ON verification_requests(expires_at)
			WHERE status NOT IN ('approved', 'rejected', 'expired', 'cancelled');
		CREATE TABLE IF NOT EXISTS verification_audit (
			id         TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			actor      TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			action     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_verification_audit_request ON verification_audit(request_id, created_at);
	`)
	return err
}

const requestColumns = `id, user_id, purpose, method, status, amount, wallet_address, wallet_network,
	challenge_message, challenge_nonce, risk_level, risk_factors, retry_count, retry_after,
	previous_request_id, last_error_code, created_at, updated_at, expires_at, completed_at, version`

func (p *PostgresStore) Create(ctx context.Context, req *Request, audit *AuditEntry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verification_requests (`+requestColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			req.ID, req.UserID, req.Purpose, req.Method, req.Status, req.Amount,
			req.WalletAddress, req.WalletNetwork, req.ChallengeMessage, req.ChallengeNonce,
			req.RiskLevel, pq.Array(req.RiskFactors), req.RetryCount, req.RetryAfter,
			req.PreviousRequestID, req.LastErrorCode, req.CreatedAt, req.UpdatedAt,
			req.ExpiresAt, req.CompletedAt, req.Version)
		if err != nil {
			return err
		}
		if audit != nil {
			return appendAuditTx(ctx, tx, audit)
		}
		return nil
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM verification_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// UpdateCAS commits the request and its audit entries in one transaction,
// guarded by the stored version. Zero rows updated with an existing row
// means another writer won the race.
func (p *PostgresStore) UpdateCAS(ctx context.Context, req *Request, audit ...*AuditEntry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE verification_requests SET
				status = $3, amount = $4, challenge_message = $5, challenge_nonce = $6,
				risk_level = $7, risk_factors = $8, retry_count = $9, retry_after = $10,
				last_error_code = $11, updated_at = $12, expires_at = $13, completed_at = $14,
				version = version + 1
			WHERE id = $1 AND version = $2`,
			req.ID, req.Version, req.Status, req.Amount, req.ChallengeMessage, req.ChallengeNonce,
			req.RiskLevel, pq.Array(req.RiskFactors), req.RetryCount, req.RetryAfter,
			req.LastErrorCode, req.UpdatedAt, req.ExpiresAt, req.CompletedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM verification_requests WHERE id = $1)`, req.ID).
				Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		req.Version++
		for _, a := range audit {
			if a == nil {
				continue
			}
			if err := appendAuditTx(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) FindActive(ctx context.Context, userID int64, purpose Purpose, walletAddress string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE user_id = $1 AND purpose = $2 AND wallet_address = $3
		  AND status NOT IN ('approved', 'rejected', 'expired', 'cancelled')
		LIMIT 1`, userID, purpose, walletAddress)
	return scanRequest(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) ListExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE expires_at < $1
		  AND status NOT IN ('approved', 'rejected', 'expired', 'cancelled')
		ORDER BY expires_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) AuditTrail(ctx context.Context, requestID string, limit int) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, actor, actor_type, action, reason, created_at
		FROM verification_audit
		WHERE request_id = $1 ORDER BY created_at LIMIT $2`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Actor, &e.ActorType, &e.Action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ApprovedCount(ctx context.Context, walletAddress string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_requests
		WHERE wallet_address = $1 AND status = 'approved'`, walletAddress).Scan(&n)
	return n, err
}

func (p *PostgresStore) AttemptsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_requests
		WHERE user_id = $1 AND created_at > $2`, userID, since).Scan(&n)
	return n, err
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, a *AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO verification_audit (id, request_id, actor, actor_type, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.RequestID, a.Actor, a.ActorType, a.Action, a.Reason, a.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var factors pq.StringArray
	var retryAfter, expiresAt, completedAt sql.NullTime
	err := row.Scan(&req.ID, &req.UserID, &req.Purpose, &req.Method, &req.Status, &req.Amount,
		&req.WalletAddress, &req.WalletNetwork, &req.ChallengeMessage, &req.ChallengeNonce,
		&req.RiskLevel, &factors, &req.RetryCount, &retryAfter,
		&req.PreviousRequestID, &req.LastErrorCode, &req.CreatedAt, &req.UpdatedAt,
		&expiresAt, &completedAt, &req.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.RiskFactors = []string(factors)
	if retryAfter.Valid {
		req.RetryAfter = &retryAfter.Time
	}
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return req, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	defer func() { _ = rows.Close() }()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
