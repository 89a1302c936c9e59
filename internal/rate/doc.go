// Package rate implements the distributed fixed-window rate limiter that
// guards security-sensitive Core actions. Counters live in Redis with TTL
// expiry and the limiter fails closed when Redis is unreachable.
package rate
