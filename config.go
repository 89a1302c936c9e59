package trustkit

import (
	"errors"
	"strings"
	"time"
)

// Action keys used by the rate limiter. Callers may define their own keys
// for CheckRateLimit; these are the ones the Core applies internally.
const (
	ActionLogin            = "login"
	ActionTwoFactorVerify  = "twofactor_verify"
	ActionTwoFactorDisable = "twofactor_disable"
	ActionRecoveryRedeem   = "recovery_redeem"
	ActionTokenIssue       = "token_issue"
	ActionAccountDeletion  = "account_deletion"
)

// Config carries all Core tuning. Configure it once before Build; the Core
// treats it as immutable afterwards.
type Config struct {
	Login     LoginConfig
	TwoFactor TwoFactorConfig
	Session   SessionConfig
	Tokens    TokenConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// LoginConfig tunes password authentication and the pending 2FA ticket.
type LoginConfig struct {
	// RequireVerifiedEmail blocks login for accounts that never confirmed
	// their address. The caller still sees the uniform credentials error.
	RequireVerifiedEmail bool
	PendingTicketTTL     time.Duration
	// PendingTicketMaxAttempts bounds challenge attempts per ticket; the
	// ticket is destroyed when the budget is burned.
	PendingTicketMaxAttempts int
}

// TwoFactorConfig tunes TOTP generation and recovery codes.
type TwoFactorConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	// RecoveryCodeCount is fixed at enable time; codes are never
	// regenerated individually.
	RecoveryCodeCount  int
	RecoveryCodeLength int
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	Lifetime time.Duration
	// MaxPerUser evicts the least recently active session when a new login
	// would exceed the cap. Zero disables the cap.
	MaxPerUser int
}

// TokenConfig holds the per-purpose security token TTLs.
type TokenConfig struct {
	VerificationTTL    time.Duration
	PasswordResetTTL   time.Duration
	AccountDeletionTTL time.Duration
	EmailChangeTTL     time.Duration
	// DeletionGrace is how long a confirmed account deletion stays
	// reversible before the external sweeper may act on it.
	DeletionGrace time.Duration
}

// RateRule is one fixed-window budget.
type RateRule struct {
	MaxAttempts int
	Window      time.Duration
}

// RateLimitConfig maps action keys to budgets. Actions without a rule fall
// back to Default.
type RateLimitConfig struct {
	Default RateRule
	Rules   map[string]RateRule
}

// CacheConfig tunes the Redis-backed fast paths.
type CacheConfig struct {
	RevocationPrefix string
	TicketPrefix     string
	LimiterPrefix    string
	// OpTimeout bounds every cache round trip on request paths.
	OpTimeout time.Duration
	// HealthTimeout bounds the liveness ping.
	HealthTimeout time.Duration
}

// PasswordConfig holds argon2id parameters (memory in KB).
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Login: LoginConfig{
			RequireVerifiedEmail:     true,
			PendingTicketTTL:         5 * time.Minute,
			PendingTicketMaxAttempts: 5,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:             "trustkit",
			Digits:             6,
			Period:             30,
			Skew:               1,
			Algorithm:          "SHA1",
			RecoveryCodeCount:  16,
			RecoveryCodeLength: 10,
		},
		Session: SessionConfig{
			Lifetime:   30 * 24 * time.Hour,
			MaxPerUser: 0,
		},
		Tokens: TokenConfig{
			VerificationTTL:    24 * time.Hour,
			PasswordResetTTL:   time.Hour,
			AccountDeletionTTL: time.Hour,
			EmailChangeTTL:     time.Hour,
			DeletionGrace:      30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Default: RateRule{MaxAttempts: 10, Window: 5 * time.Minute},
			Rules: map[string]RateRule{
				ActionLogin:            {MaxAttempts: 10, Window: 5 * time.Minute},
				ActionTwoFactorVerify:  {MaxAttempts: 3, Window: 5 * time.Minute},
				ActionTwoFactorDisable: {MaxAttempts: 3, Window: 5 * time.Minute},
				ActionRecoveryRedeem:   {MaxAttempts: 3, Window: 5 * time.Minute},
				ActionTokenIssue:       {MaxAttempts: 5, Window: time.Hour},
				ActionAccountDeletion:  {MaxAttempts: 3, Window: time.Hour},
			},
		},
		Cache: CacheConfig{
			RevocationPrefix: "tkr",
			TicketPrefix:     "tkt",
			LimiterPrefix:    "tkl",
			OpTimeout:        250 * time.Millisecond,
			HealthTimeout:    time.Second,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate rejects configurations the Core cannot run safely with.
func (c Config) Validate() error {
	if c.Login.PendingTicketTTL <= 0 {
		return errors.New("login: pending ticket TTL must be positive")
	}
	if c.Login.PendingTicketMaxAttempts <= 0 {
		return errors.New("login: pending ticket attempts must be positive")
	}
	if c.TwoFactor.Digits < 6 || c.TwoFactor.Digits > 10 {
		return errors.New("twofactor: digits must be in [6,10]")
	}
	if c.TwoFactor.Period <= 0 {
		return errors.New("twofactor: period must be positive")
	}
	if c.TwoFactor.Skew < 0 || c.TwoFactor.Skew > 2 {
		return errors.New("twofactor: skew must be in [0,2]")
	}
	switch strings.ToUpper(c.TwoFactor.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("twofactor: unsupported algorithm")
	}
	if c.TwoFactor.RecoveryCodeCount <= 0 || c.TwoFactor.RecoveryCodeLength < 8 {
		return errors.New("twofactor: recovery code shape invalid")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("session: lifetime must be positive")
	}
	for _, ttl := range []time.Duration{
		c.Tokens.VerificationTTL,
		c.Tokens.PasswordResetTTL,
		c.Tokens.AccountDeletionTTL,
		c.Tokens.EmailChangeTTL,
	} {
		if ttl <= 0 {
			return errors.New("tokens: all purpose TTLs must be positive")
		}
	}
	if c.Tokens.DeletionGrace < 0 {
		return errors.New("tokens: deletion grace must not be negative")
	}
	if c.RateLimit.Default.MaxAttempts <= 0 || c.RateLimit.Default.Window <= 0 {
		return errors.New("ratelimit: default rule invalid")
	}
	for action, rule := range c.RateLimit.Rules {
		if rule.MaxAttempts <= 0 || rule.Window <= 0 {
			return errors.New("ratelimit: rule invalid for action " + action)
		}
	}
	if c.Cache.OpTimeout <= 0 || c.Cache.HealthTimeout <= 0 {
		return errors.New("cache: timeouts must be positive")
	}
	return nil
}
