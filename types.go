package trustkit

import "time"

// User is the authoritative account row. A nil PasswordHash marks a
// federated-only account that can never pass password authentication.
type User struct {
	ID                  string
	Email               string
	PasswordHash        *string
	EmailVerifiedAt     *time.Time
	DeletionScheduledAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TwoFactorCredential is the 1:1 TOTP configuration for a user. Enabled is
// false between enrollment and verified setup.
type TwoFactorCredential struct {
	UserID               string
	Secret               string // base32, no padding
	Enabled              bool
	BackupCodesGenerated bool
	LastUsedCounter      int64
	UpdatedAt            time.Time
}

// DeviceMeta describes the device a session was minted for.
type DeviceMeta struct {
	UserAgent string
	IP        string
}

// Session is one device's authenticated presence. Token is the opaque
// bearer credential; it is returned to the caller exactly once, at mint time.
type Session struct {
	ID           string
	UserID       string
	Token        string
	UserAgent    string
	IP           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	IsCurrent    bool
}

// TokenPurpose scopes a security token to the single flow it may complete.
type TokenPurpose string

const (
	PurposeVerification    TokenPurpose = "verification"
	PurposePasswordReset   TokenPurpose = "password_reset"
	PurposeAccountDeletion TokenPurpose = "account_deletion"
	PurposeEmailChange     TokenPurpose = "email_change"
)

func (p TokenPurpose) valid() bool {
	switch p {
	case PurposeVerification, PurposePasswordReset, PurposeAccountDeletion, PurposeEmailChange:
		return true
	}
	return false
}

// SecurityToken is a single-use, expiring credential bound to a purpose and
// an identifier (email or user id depending on the purpose).
type SecurityToken struct {
	ID         string
	Purpose    TokenPurpose
	Identifier string
	Token      string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// RevokedSession carries what the registry needs to mirror a revocation
// into the cache after the authoritative delete.
type RevokedSession struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// LoginResult is the outcome of a successful credential check. Either
// Session and Token are set, or TwoFactorRequired is true and PendingTicket
// must be exchanged through ChallengeTwoFactor or RedeemRecoveryCode.
type LoginResult struct {
	Session           *Session
	Token             string
	TwoFactorRequired bool
	PendingTicket     string
}

// Enrollment is returned by EnrollTwoFactor. The secret and provisioning
// URI are disclosed only here; the credential stays inactive until
// VerifyEnrollment succeeds.
type Enrollment struct {
	Secret string
	URI    string
}

// RateLimitResult reports one limiter decision.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// HealthStatus is the operational liveness view: cache connectivity and an
// approximate revoked-session gauge. Never an input to authorization.
type HealthStatus struct {
	CacheReachable bool
	CacheLatency   time.Duration
	RevokedCount   int
}
