package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustkit/trustkit"
)

const userColumns = `id, email, password_hash, email_verified_at, deletion_scheduled_at, created_at, updated_at`

func scanUser(row *sql.Row) (*trustkit.User, error) {
	var u trustkit.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.EmailVerifiedAt,
		&u.DeletionScheduledAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trustkit.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*trustkit.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Store) UserByID(ctx context.Context, id string) (*trustkit.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, email string, passwordHash *string) (*trustkit.User, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		uuid.NewString(), email, passwordHash)
	return scanUser(row)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, hash)
	if err != nil {
		return fmt.Errorf("store: update password hash: %w", err)
	}
	return requireRow(res)
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = $2, updated_at = now() WHERE id = $1`,
		userID, at)
	if err != nil {
		return fmt.Errorf("store: mark email verified: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ScheduleDeletion(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deletion_scheduled_at = $2, updated_at = now() WHERE id = $1`,
		userID, at)
	if err != nil {
		return fmt.Errorf("store: schedule deletion: %w", err)
	}
	return requireRow(res)
}

// requireRow maps "updated nothing" onto ErrNotFound so callers can tell a
// missing row apart from a database failure.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return trustkit.ErrNotFound
	}
	return nil
}
