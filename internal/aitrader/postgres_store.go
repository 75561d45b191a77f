package aitrader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists trading positions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed position store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the position table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trading_positions (
			id          TEXT PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			status      TEXT NOT NULL,
			stake       TEXT NOT NULL,
			leverage    INT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
			proceeds    TEXT NOT NULL DEFAULT '',
			pnl         TEXT NOT NULL DEFAULT '',
			opened_at   TIMESTAMPTZ NOT NULL,
			closed_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_trading_positions_user ON trading_positions(user_id, opened_at DESC);
		CREATE INDEX IF NOT EXISTS idx_trading_positions_open
			ON trading_positions(user_id) WHERE status = 'open';
	`)
	return err
}

const positionColumns = `id, user_id, symbol, side, status, stake, leverage,
	entry_price, exit_price, proceeds, pnl, opened_at, closed_at`

func (p *PostgresStore) CreatePosition(ctx context.Context, pos *Position) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trading_positions (`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		pos.ID, pos.UserID, pos.Symbol, pos.Side, pos.Status, pos.Stake, pos.Leverage,
		pos.EntryPrice, pos.ExitPrice, pos.Proceeds, pos.Pnl, pos.OpenedAt, pos.ClosedAt)
	return err
}

func (p *PostgresStore) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM trading_positions WHERE id = $1`, id)
	return scanPosition(row)
}

func (p *PostgresStore) UpdatePosition(ctx context.Context, pos *Position) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trading_positions SET
			status = $2, exit_price = $3, proceeds = $4, pnl = $5, closed_at = $6
		WHERE id = $1`,
		pos.ID, pos.Status, pos.ExitPrice, pos.Proceeds, pos.Pnl, pos.ClosedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

func (p *PostgresStore) ListPositions(ctx context.Context, userID int64, status string, limit int) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM trading_positions WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OpenPositionCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trading_positions WHERE user_id = $1 AND status = 'open'`,
		userID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var (
		pos      Position
		closedAt sql.NullTime
	)
	err := row.Scan(&pos.ID, &pos.UserID, &pos.Symbol, &pos.Side, &pos.Status,
		&pos.Stake, &pos.Leverage, &pos.EntryPrice, &pos.ExitPrice,
		&pos.Proceeds, &pos.Pnl, &pos.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		pos.ClosedAt = &t
	}
	return &pos, nil
}
