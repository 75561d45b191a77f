package lottery

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists lottery rounds and tickets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed lottery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the lottery tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lottery_rounds (
			id             TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			ticket_price   TEXT NOT NULL,
			prize_pool     TEXT NOT NULL DEFAULT '0.000000',
			ticket_count   INT NOT NULL DEFAULT 0,
			opens_at       TIMESTAMPTZ NOT NULL,
			closes_at      TIMESTAMPTZ NOT NULL,
			drawn_at       TIMESTAMPTZ,
			winner_user_id BIGINT,
			winner_ticket  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_lottery_rounds_open ON lottery_rounds(status) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_lottery_rounds_opened ON lottery_rounds(opens_at DESC);
		CREATE TABLE IF NOT EXISTS lottery_tickets (
			id         TEXT PRIMARY KEY,
			round_id   TEXT NOT NULL REFERENCES lottery_rounds(id),
			user_id    BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lottery_tickets_round ON lottery_tickets(round_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_lottery_tickets_user ON lottery_tickets(round_id, user_id);
	`)
	return err
}

const roundColumns = `id, status, ticket_price, prize_pool, ticket_count,
	opens_at, closes_at, drawn_at, winner_user_id, winner_ticket`

func (p *PostgresStore) CreateRound(ctx context.Context, r *Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO lottery_rounds (`+roundColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.Status, r.TicketPrice, r.PrizePool, r.TicketCount,
		r.OpensAt, r.ClosesAt, r.DrawnAt, r.WinnerUserID, r.WinnerTicket)
	return err
}

func (p *PostgresStore) GetRound(ctx context.Context, id string) (*Round, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM lottery_rounds WHERE id = $1`, id)
	return scanRound(row)
}

func (p *PostgresStore) OpenRound(ctx context.Context) (*Round, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM lottery_rounds WHERE status = 'open'
		ORDER BY opens_at DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, ErrRoundNotFound) {
		return nil, ErrNoOpenRound
	}
	return r, err
}

func (p *PostgresStore) UpdateRound(ctx context.Context, r *Round) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE lottery_rounds SET
			status = $2, prize_pool = $3, ticket_count = $4,
			drawn_at = $5, winner_user_id = $6, winner_ticket = $7
		WHERE id = $1`,
		r.ID, r.Status, r.PrizePool, r.TicketCount,
		r.DrawnAt, r.WinnerUserID, r.WinnerTicket)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoundNotFound
	}
	return nil
}

func (p *PostgresStore) ListRounds(ctx context.Context, limit int) ([]*Round, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+roundColumns+` FROM lottery_rounds
		ORDER BY opens_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddTickets(ctx context.Context, tickets []*Ticket) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lottery_tickets (id, round_id, user_id, created_at)
		VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tickets {
		if _, err := stmt.ExecContext(ctx, t.ID, t.RoundID, t.UserID, t.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) TicketsByRound(ctx context.Context, roundID string) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, round_id, user_id, created_at FROM lottery_tickets
		WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.RoundID, &t.UserID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserTicketCount(ctx context.Context, roundID string, userID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lottery_tickets WHERE round_id = $1 AND user_id = $2`,
		roundID, userID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*Round, error) {
	var (
		r        Round
		drawnAt  sql.NullTime
		winnerID sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Status, &r.TicketPrice, &r.PrizePool, &r.TicketCount,
		&r.OpensAt, &r.ClosesAt, &drawnAt, &winnerID, &r.WinnerTicket)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if drawnAt.Valid {
		t := drawnAt.Time
		r.DrawnAt = &t
	}
	if winnerID.Valid {
		u := winnerID.Int64
		r.WinnerUserID = &u
	}
	return &r, nil
}
