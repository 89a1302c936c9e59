package trustkit

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is the storage-level miss sentinel. Implementations return it
// (possibly wrapped) for any lookup or conditional write that matched no
// row; the Core maps it onto the caller-facing error for the flow at hand.
var ErrNotFound = errors.New("not found")

// Storage is the authoritative relational store behind the Core. The
// canonical implementation is store.Store (PostgreSQL); tests substitute
// an in-memory fake.
//
// Every method that spans multiple rows must be atomic: a transactional
// or conditional update, never a read followed by a separate write.
type Storage interface {
	// Users.
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, email string, passwordHash *string) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
	ScheduleDeletion(ctx context.Context, userID string, at time.Time) error

	// Two-factor credential lifecycle. SavePendingSecret creates or
	// replaces an unverified credential; EnableTwoFactor flips it on and
	// replaces the recovery-code batch in the same transaction;
	// DisableTwoFactor deletes codes before the credential row so codes
	// never outlive their parent configuration.
	TwoFactor(ctx context.Context, userID string) (*TwoFactorCredential, error)
	SavePendingSecret(ctx context.Context, userID, secret string) error
	EnableTwoFactor(ctx context.Context, userID string, codeHashes []string) error
	DisableTwoFactor(ctx context.Context, userID string) error

	// UpdateTwoFactorCounter advances the high-water mark of accepted TOTP
	// counters so a code is honored at most once per credential.
	UpdateTwoFactorCounter(ctx context.Context, userID string, counter int64) error

	// Recovery codes. ConsumeRecoveryCode is a conditional update: it
	// reports true for exactly one caller per code, ever.
	ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error)
	UnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error)

	// Sessions. CreateSession atomically makes the new session the one
	// current session for its user. DeleteSession is ownership-checked and
	// returns what the revocation cache needs.
	CreateSession(ctx context.Context, sess *Session) error
	SessionByToken(ctx context.Context, token string, now time.Time) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	DeleteSession(ctx context.Context, sessionID, userID string) (*RevokedSession, error)
	DeleteSessions(ctx context.Context, userID, exceptSessionID string) ([]RevokedSession, error)

	// Security tokens. InsertToken supersedes any prior live token for the
	// same (purpose, identifier) in the same transaction. RedeemToken is a
	// compare-and-set consume returning the bound identifier; it reports
	// ErrTokenConsumed, ErrTokenExpired, or ErrNotFound distinctly.
	InsertToken(ctx context.Context, token *SecurityToken) error
	RedeemToken(ctx context.Context, purpose TokenPurpose, token string, now time.Time) (string, error)
	TokenByIdentifier(ctx context.Context, purpose TokenPurpose, identifier string, now time.Time) (*SecurityToken, error)
	TokenByToken(ctx context.Context, purpose TokenPurpose, token string) (*SecurityToken, error)
}
