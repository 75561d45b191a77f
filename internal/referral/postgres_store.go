package referral

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists referral codes and attributions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the referral tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS referral_codes (
			user_id BIGINT PRIMARY KEY,
			code    TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS referrals (
			referee_id  BIGINT PRIMARY KEY,
			referrer_id BIGINT NOT NULL,
			code        TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CodeFor(ctx context.Context, userID int64) (string, error) {
	var code string
	err := p.db.QueryRowContext(ctx,
		`SELECT code FROM referral_codes WHERE user_id = $1`, userID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCodeNotFound
	}
	return code, err
}

func (p *PostgresStore) SetCode(ctx context.Context, userID int64, code string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_codes (user_id, code) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, code)
	return err
}

func (p *PostgresStore) OwnerOf(ctx context.Context, code string) (int64, error) {
	var owner int64
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id FROM referral_codes WHERE code = $1`, code).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCodeNotFound
	}
	return owner, err
}

func (p *PostgresStore) CreateReferral(ctx context.Context, r *Referral) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referrals (referee_id, referrer_id, code, created_at)
		VALUES ($1, $2, $3, $4)`,
		r.RefereeID, r.ReferrerID, r.Code, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyReferred
	}
	return err
}

func (p *PostgresStore) ReferrerOf(ctx context.Context, refereeID int64) (int64, bool, error) {
	var referrerID int64
	err := p.db.QueryRowContext(ctx,
		`SELECT referrer_id FROM referrals WHERE referee_id = $1`, refereeID).Scan(&referrerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return referrerID, true, nil
}

func (p *PostgresStore) ReferralCount(ctx context.Context, referrerID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`, referrerID).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListReferrals(ctx context.Context, referrerID int64, limit int) ([]*Referral, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT referee_id, referrer_id, code, created_at FROM referrals
		WHERE referrer_id = $1 ORDER BY created_at DESC LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Referral
	for rows.Next() {
		var r Referral
		if err := rows.Scan(&r.RefereeID, &r.ReferrerID, &r.Code, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
