package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trustkit/trustkit"
)

const sessionColumns = `id, user_id, token, user_agent, ip, created_at, last_active_at, expires_at, is_current`

// CreateSession inserts the session and makes it the single current one for
// its user in the same transaction. The UPDATE assigns is_current for every
// row of the user at once, so no interleaving observes two current sessions
// or none.
func (s *Store) CreateSession(ctx context.Context, sess *trustkit.Session) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)`,
			sess.ID, sess.UserID, sess.Token, sess.UserAgent, sess.IP,
			sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt)
		if err != nil {
			return fmt.Errorf("store: insert session: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET is_current = (id = $1) WHERE user_id = $2`,
			sess.ID, sess.UserID)
		if err != nil {
			return fmt.Errorf("store: set current session: %w", err)
		}
		sess.IsCurrent = true
		return nil
	})
}

// SessionByToken enforces expiry at read time: an expired row is a miss.
func (s *Store) SessionByToken(ctx context.Context, token string, now time.Time) (*trustkit.Session, error) {
	var sess trustkit.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token = $1 AND expires_at > $2`,
		token, now).
		Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.UserAgent, &sess.IP,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt, &sess.IsCurrent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trustkit.ErrNotFound
		}
		return nil, fmt.Errorf("store: session by token: %w", err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]trustkit.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []trustkit.Session
	for rows.Next() {
		var sess trustkit.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.UserAgent, &sess.IP,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt, &sess.IsCurrent); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) TouchSession(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = $2 WHERE token = $1`, token, at)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// DeleteSession is ownership-checked: the user_id predicate makes a foreign
// session id indistinguishable from a missing one.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) (*trustkit.RevokedSession, error) {
	var revoked trustkit.RevokedSession
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2
		 RETURNING id, token, expires_at`,
		sessionID, userID).
		Scan(&revoked.ID, &revoked.Token, &revoked.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trustkit.ErrNotFound
		}
		return nil, fmt.Errorf("store: delete session: %w", err)
	}
	return &revoked, nil
}

// DeleteSessions removes every session of the user except the optionally
// spared one and returns what the revocation cache needs for each.
func (s *Store) DeleteSessions(ctx context.Context, userID, exceptSessionID string) ([]trustkit.RevokedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND id <> $2
		 RETURNING id, token, expires_at`,
		userID, exceptSessionID)
	if err != nil {
		return nil, fmt.Errorf("store: delete sessions: %w", err)
	}
	defer rows.Close()

	var revoked []trustkit.RevokedSession
	for rows.Next() {
		var r trustkit.RevokedSession
		if err := rows.Scan(&r.ID, &r.Token, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan revoked session: %w", err)
		}
		revoked = append(revoked, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete sessions: %w", err)
	}
	return revoked, nil
}
