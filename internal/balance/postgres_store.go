package balance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists balances in PostgreSQL. The increment is a
// single upsert so concurrent credits on the same user serialize in the
// database, not in application code.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed balance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, coins int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, coins, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET coins = balances.coins + EXCLUDED.coins, updated_at = EXCLUDED.updated_at`,
		userID, coins, time.Now(),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Balance, error) {
	b := &Balance{}
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, coins, updated_at FROM balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.Coins, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
