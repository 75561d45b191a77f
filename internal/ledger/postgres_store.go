package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ghidar/ghidar-backend/internal/idgen"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			user_id    BIGINT PRIMARY KEY,
			available  NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (available >= 0),
			pending    NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (pending >= 0),
			total_in   NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_out  NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          TEXT PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			type        TEXT NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			reference   TEXT,
			description TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS ledger_releases (
			idempotency_key TEXT PRIMARY KEY,
			user_id         BIGINT NOT NULL,
			amount          NUMERIC(20,6) NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	b := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, pending::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM balances WHERE user_id = $1`, userID).
		Scan(&b.Available, &b.Pending, &b.TotalIn, &b.TotalOut, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// New users start at zero; no row required.
		b.Available, b.Pending, b.TotalIn, b.TotalOut = "0.000000", "0.000000", "0.000000", "0.000000"
		return b, nil
	}
	return b, err
}

func (p *PostgresStore) Credit(ctx context.Context, userID int64, amount, reference, description string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, available, total_in, updated_at)
			VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				available  = balances.available + EXCLUDED.available,
				total_in   = balances.total_in + EXCLUDED.total_in,
				updated_at = NOW()`, userID, amount)
		if err != nil {
			return err
		}
		return p.recordTx(ctx, tx, userID, EntryCredit, amount, reference, description)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, userID int64, amount, reference, description string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				available  = available - $2::NUMERIC(20,6),
				total_out  = total_out + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND available >= $2::NUMERIC(20,6)`, userID, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientBalance
		}
		return p.recordTx(ctx, tx, userID, EntryDebit, amount, reference, description)
	})
}

func (p *PostgresStore) Hold(ctx context.Context, userID int64, amount, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				available  = available - $2::NUMERIC(20,6),
				pending    = pending + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND available >= $2::NUMERIC(20,6)`, userID, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientBalance
		}
		return p.recordTx(ctx, tx, userID, EntryHold, amount, reference, "withdrawal hold")
	})
}

// ReleaseHold is at-most-once per idempotency key: the key insert and the
// balance movement commit in one transaction, so a retried release either
// sees the key and does nothing or never happened.
func (p *PostgresStore) ReleaseHold(ctx context.Context, userID int64, amount, idempotencyKey string) (bool, error) {
	applied := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_releases (idempotency_key, user_id, amount)
			VALUES ($1, $2, $3::NUMERIC(20,6))
			ON CONFLICT (idempotency_key) DO NOTHING`, idempotencyKey, userID, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // already released under this key
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE balances SET
				pending    = pending - $2::NUMERIC(20,6),
				total_out  = total_out + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND pending >= $2::NUMERIC(20,6)`, userID, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoSuchHold
		}
		applied = true
		return p.recordTx(ctx, tx, userID, EntryRelease, amount, idempotencyKey, "verified withdrawal")
	})
	return applied, err
}

func (p *PostgresStore) RefundHold(ctx context.Context, userID int64, amount, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				pending    = pending - $2::NUMERIC(20,6),
				available  = available + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND pending >= $2::NUMERIC(20,6)`, userID, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoSuchHold
		}
		return p.recordTx(ctx, tx, userID, EntryRefund, amount, reference, "hold refunded")
	})
}

func (p *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount::TEXT, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) recordTx(ctx context.Context, tx *sql.Tx, userID int64, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6)`,
		idgen.WithPrefix("led_"), userID, entryType, amount, reference, description)
	return err
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
