package trustkit

import "errors"

var (
	// ErrInvalidInput is returned for malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is the uniform authentication failure. Unknown
	// email, wrong password, unverified accounts, and accounts scheduled for
	// deletion all surface as this value; the audit trail records the
	// internal reason.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is returned when an action exceeds its attempt budget,
	// or when the limiter backend is unreachable (the limiter fails closed).
	ErrRateLimited = errors.New("rate limited")

	// ErrTwoFactorAlreadyEnabled is returned by enrollment when a verified
	// credential already exists.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrTwoFactorNotEnrolled is returned when no pending or enabled
	// credential exists for the user.
	ErrTwoFactorNotEnrolled = errors.New("two-factor not enrolled")
	// ErrTwoFactorNotEnabled is returned by disable when 2FA is not active.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrCodeInvalid is returned for a TOTP or recovery code that does not
	// verify. Consumed recovery codes and replayed TOTP codes look identical
	// to the caller.
	ErrCodeInvalid = errors.New("invalid code")

	// ErrTicketInvalid is returned for an unknown or already-consumed
	// pending login ticket.
	ErrTicketInvalid = errors.New("invalid login ticket")
	// ErrTicketExpired is returned when the pending login ticket outlived
	// its TTL.
	ErrTicketExpired = errors.New("login ticket expired")
	// ErrTicketAttemptsExceeded is returned once a pending ticket has burned
	// its challenge attempt budget.
	ErrTicketAttemptsExceeded = errors.New("login ticket attempts exceeded")

	// ErrTokenInvalid is returned for an unknown security token.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for a token past its purpose TTL.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenConsumed is returned when a token has already been redeemed,
	// including the losing side of a concurrent redemption race.
	ErrTokenConsumed = errors.New("token already consumed")

	// ErrSessionNotFound is returned when a session token resolves to no
	// live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the revocation cache short-circuits
	// a session check.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrNotSessionOwner is returned when a caller tries to revoke a session
	// belonging to another user.
	ErrNotSessionOwner = errors.New("session not owned by requesting user")

	// ErrUserNotFound is returned by operations addressed to a user id that
	// does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable wraps relational store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCacheUnavailable wraps distributed cache failures on paths where
	// the caller cannot fall back to the authoritative store.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrCoreNotReady is returned when the Core is missing a required
	// dependency.
	ErrCoreNotReady = errors.New("core not initialized")
)
