package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ragent/internal/types"
)

// UserFact is one remembered statement about the user.
type UserFact struct {
	ID        int64
	Fact      string
	CreatedAt time.Time
}

// AddUserFact remembers fact. Adding a fact that is already stored is a no-op
// returning the existing id.
func (s *Store) AddUserFact(ctx context.Context, fact string) (int64, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return 0, types.NewInvalidInput("memory.add", "fact is empty")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_facts (fact, created_at) VALUES (?, ?) ON CONFLICT(fact) DO NOTHING`,
			fact, s.nowMillis()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM user_facts WHERE fact = ?`, fact).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("add user fact: %w", err)
	}
	return id, nil
}

// UserFacts returns up to limit facts, newest first.
func (s *Store) UserFacts(ctx context.Context, limit int) ([]UserFact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fact, created_at FROM user_facts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserFact
	for rows.Next() {
		var f UserFact
		var created int64
		if err := rows.Scan(&f.ID, &f.Fact, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteUserFact forgets the fact with the given id.
func (s *Store) DeleteUserFact(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM user_facts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n > 0, err
}
