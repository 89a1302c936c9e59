// Package trustkit provides the trust and session core for multi-device
// web applications: password authentication with argon2id, TOTP two-factor
// enrollment and challenges with one-time recovery codes, multi-device
// sessions with distributed revocation, single-use purpose-scoped security
// tokens, and Redis-backed fixed-window rate limiting.
//
// The package is designed for concurrent server workloads: Core methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// trustkit is the public surface. It exposes [Core], [Builder], [Config],
// the [Storage] contract, and value types (Session, SecurityToken,
// LoginResult, etc.). The PostgreSQL implementation lives in store/, the
// revocation fast path in cache/, and rate limiting under internal/.
//
// The relational store is always authoritative. Redis holds only
// TTL-bound derived state: revocation entries, pending login tickets, and
// limiter windows. A cold or flushed cache degrades latency and login
// continuity, never correctness.
//
// # What this package must NOT do
//
//   - Render or transport email; it only requests delivery via [Mailer].
//   - Sweep expired rows; expiry is enforced at read and redeem time.
//   - Log or audit plaintext passwords, codes, secrets, or token values.
package trustkit
