package taskstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// GetOrCreateBudget returns the user's budget, creating it with the
// default balance on first use.
func (s *Store) GetOrCreateBudget(ctx context.Context, username string, defaultBalance float64) (*domain.UserBudget, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_budgets (username, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		username, defaultBalance, toUnix(now),
	); err != nil {
		return nil, err
	}

	b := domain.UserBudget{Username: username}
	var updated int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM user_budgets WHERE username = ?`, username,
	).Scan(&b.Balance, &updated); err != nil {
		return nil, err
	}
	b.UpdatedAt = fromUnix(updated)
	return &b, nil
}

// SetBudget overwrites a user's balance
func (s *Store) SetBudget(ctx context.Context, username string, balance float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_budgets (username, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		username, balance, toUnix(time.Now()),
	)
	return err
}

// AdjustBudget atomically adds delta to the user's balance, creating the
// budget with defaultBalance first, and returns the new balance. Balances may
// become negative.
func (s *Store) AdjustBudget(ctx context.Context, username string, delta, defaultBalance float64) (float64, error) {
	return adjustBudget(ctx, s.db, username, delta, defaultBalance)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func adjustBudget(ctx context.Context, q rowQuerier, username string, delta, defaultBalance float64) (float64, error) {
	var balance float64
	err := q.QueryRowContext(ctx, `
		INSERT INTO user_budgets (username, balance, updated_at) VALUES (?, ? + ?, ?)
		ON CONFLICT(username) DO UPDATE SET balance = balance + ?, updated_at = excluded.updated_at
		RETURNING balance`,
		username, defaultBalance, delta, toUnix(time.Now()), delta,
	).Scan(&balance)
	return balance, err
}
