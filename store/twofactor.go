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

func (s *Store) TwoFactor(ctx context.Context, userID string) (*trustkit.TwoFactorCredential, error) {
	var cred trustkit.TwoFactorCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, secret, enabled, backup_codes_generated, last_used_counter, updated_at
		 FROM two_factor_credentials WHERE user_id = $1`, userID).
		Scan(&cred.UserID, &cred.Secret, &cred.Enabled, &cred.BackupCodesGenerated,
			&cred.LastUsedCounter, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trustkit.ErrNotFound
		}
		return nil, fmt.Errorf("store: two factor: %w", err)
	}
	return &cred, nil
}

// SavePendingSecret upserts an unverified credential. Re-enrollment before
// verification simply replaces the pending secret.
func (s *Store) SavePendingSecret(ctx context.Context, userID, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO two_factor_credentials (user_id, secret, enabled, backup_codes_generated, last_used_counter, updated_at)
		 VALUES ($1, $2, FALSE, FALSE, 0, now())
		 ON CONFLICT (user_id)
		 DO UPDATE SET secret = EXCLUDED.secret, enabled = FALSE,
		               backup_codes_generated = FALSE, last_used_counter = 0, updated_at = now()`,
		userID, secret)
	if err != nil {
		return fmt.Errorf("store: save pending secret: %w", err)
	}
	return nil
}

// UpdateTwoFactorCounter only ever moves the high-water mark forward, so a
// delayed write can never re-open a counter for replay.
func (s *Store) UpdateTwoFactorCounter(ctx context.Context, userID string, counter int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE two_factor_credentials
		 SET last_used_counter = $2, updated_at = now()
		 WHERE user_id = $1 AND last_used_counter < $2`,
		userID, counter)
	if err != nil {
		return fmt.Errorf("store: update counter: %w", err)
	}
	_, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	return nil
}

// EnableTwoFactor flips the pending credential on and installs the recovery
// code batch in the same transaction, so an enabled credential always has
// its full batch.
func (s *Store) EnableTwoFactor(ctx context.Context, userID string, codeHashes []string) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE two_factor_credentials
			 SET enabled = TRUE, backup_codes_generated = TRUE, updated_at = now()
			 WHERE user_id = $1 AND enabled = FALSE`, userID)
		if err != nil {
			return fmt.Errorf("store: enable two factor: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("store: clear recovery codes: %w", err)
		}
		now := time.Now().UTC()
		for _, hash := range codeHashes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO recovery_codes (id, user_id, code_hash, created_at)
				 VALUES ($1, $2, $3, $4)`,
				uuid.NewString(), userID, hash, now); err != nil {
				return fmt.Errorf("store: insert recovery code: %w", err)
			}
		}
		return nil
	})
}

// DisableTwoFactor removes the recovery codes and then the credential row
// in one transaction, so codes never outlive their parent configuration.
func (s *Store) DisableTwoFactor(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("store: delete recovery codes: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM two_factor_credentials WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("store: delete credential: %w", err)
		}
		return requireRow(res)
	})
}

// ConsumeRecoveryCode is a conditional update: exactly one caller per code
// ever observes true, regardless of concurrency.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recovery_codes SET consumed_at = now()
		 WHERE user_id = $1 AND code_hash = $2 AND consumed_at IS NULL`,
		userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("store: consume recovery code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) UnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE user_id = $1 AND consumed_at IS NULL`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count recovery codes: %w", err)
	}
	return n, nil
}
