// Package cache implements the Redis-backed revocation fast path. It is a
// propagation layer only: the SQL store stays authoritative, and every
// cache miss or cache failure falls back to it.
package cache
