package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trustkit/trustkit"
)

const tokenColumns = `id, purpose, identifier, token, expires_at, consumed_at, created_at`

// InsertToken installs a new token for its (purpose, identifier) pair.
// Any prior live token is consumed in the same transaction, so at most one
// live token per pair exists at any instant.
func (s *Store) InsertToken(ctx context.Context, token *trustkit.SecurityToken) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE security_tokens SET consumed_at = now()
			 WHERE purpose = $1 AND identifier = $2 AND consumed_at IS NULL`,
			string(token.Purpose), token.Identifier)
		if err != nil {
			return fmt.Errorf("store: supersede tokens: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO security_tokens (`+tokenColumns+`)
			 VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
			token.ID, string(token.Purpose), token.Identifier, token.Token,
			token.ExpiresAt, token.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert token: %w", err)
		}
		return nil
	})
}

// RedeemToken consumes the token with a single conditional update. Exactly
// one concurrent caller wins; the rest, and any later attempt, get
// ErrTokenConsumed. The post-miss classification SELECT only refines the
// error, never the outcome.
func (s *Store) RedeemToken(ctx context.Context, purpose trustkit.TokenPurpose, token string, now time.Time) (string, error) {
	var identifier string
	err := s.db.QueryRowContext(ctx,
		`UPDATE security_tokens SET consumed_at = $3
		 WHERE purpose = $1 AND token = $2 AND consumed_at IS NULL AND expires_at > $3
		 RETURNING identifier`,
		string(purpose), token, now).Scan(&identifier)
	if err == nil {
		return identifier, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: redeem token: %w", err)
	}

	var (
		consumedAt *time.Time
		expiresAt  time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT consumed_at, expires_at FROM security_tokens
		 WHERE purpose = $1 AND token = $2`,
		string(purpose), token).Scan(&consumedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", trustkit.ErrNotFound
		}
		return "", fmt.Errorf("store: classify token: %w", err)
	}
	if consumedAt != nil {
		return "", trustkit.ErrTokenConsumed
	}
	if !expiresAt.After(now) {
		return "", trustkit.ErrTokenExpired
	}
	return "", trustkit.ErrNotFound
}

// TokenByIdentifier returns the live token for the pair, if any. Used by
// resend flows; it never consumes.
func (s *Store) TokenByIdentifier(ctx context.Context, purpose trustkit.TokenPurpose, identifier string, now time.Time) (*trustkit.SecurityToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM security_tokens
		 WHERE purpose = $1 AND identifier = $2 AND consumed_at IS NULL AND expires_at > $3
		 ORDER BY created_at DESC LIMIT 1`,
		string(purpose), identifier, now)
	return scanToken(row)
}

func (s *Store) TokenByToken(ctx context.Context, purpose trustkit.TokenPurpose, token string) (*trustkit.SecurityToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM security_tokens
		 WHERE purpose = $1 AND token = $2`,
		string(purpose), token)
	return scanToken(row)
}

func scanToken(row *sql.Row) (*trustkit.SecurityToken, error) {
	var (
		tok     trustkit.SecurityToken
		purpose string
	)
	err := row.Scan(&tok.ID, &purpose, &tok.Identifier, &tok.Token,
		&tok.ExpiresAt, &tok.ConsumedAt, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trustkit.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan token: %w", err)
	}
	tok.Purpose = trustkit.TokenPurpose(purpose)
	return &tok, nil
}
