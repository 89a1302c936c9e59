package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps Redis failures. A caller seeing it must treat the
// revocation state as unknown and consult the authoritative store; it never
// means "not revoked".
var ErrUnavailable = errors.New("revocation cache unavailable")

// RevocationCache is the non-authoritative, TTL-bound fast path for "is
// this session or token dead" checks. Entries are published after the
// authoritative delete; absence means "ask the store", never "valid".
type RevocationCache struct {
	redis         redis.UniversalClient
	prefix        string
	opTimeout     time.Duration
	healthTimeout time.Duration
}

// New creates a RevocationCache on the given Redis client. prefix
// namespaces the keys; opTimeout bounds request-path round trips and
// healthTimeout bounds the liveness probe.
func New(redisClient redis.UniversalClient, prefix string, opTimeout, healthTimeout time.Duration) *RevocationCache {
	if prefix == "" {
		prefix = "tkr"
	}
	return &RevocationCache{
		redis:         redisClient,
		prefix:        prefix,
		opTimeout:     opTimeout,
		healthTimeout: healthTimeout,
	}
}

func (c *RevocationCache) key(id string) string {
	return c.prefix + ":" + id
}

// Publish records id as revoked until ttl elapses. A non-positive ttl is a
// no-op: the authoritative row is already gone, so there is nothing left
// for the fast path to short-circuit.
func (c *RevocationCache) Publish(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := c.bound(ctx, c.opTimeout)
	defer cancel()

	if err := c.redis.Set(ctx, c.key(id), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether id has a live revocation entry. (false, nil)
// only means "not cached": the caller still owns the authoritative check.
// Any error means "unknown" and requires the store fallback.
func (c *RevocationCache) IsRevoked(ctx context.Context, id string) (bool, error) {
	ctx, cancel := c.bound(ctx, c.opTimeout)
	defer cancel()

	n, err := c.redis.Exists(ctx, c.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// HealthCheck pings the backend under the short health timeout and returns
// the observed latency.
func (c *RevocationCache) HealthCheck(ctx context.Context) (time.Duration, error) {
	ctx, cancel := c.bound(ctx, c.healthTimeout)
	defer cancel()

	start := time.Now()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

// RevokedCount scans the namespace and counts live entries. O(n) over the
// revocation keyspace: an observability gauge, never an input to an
// authorization decision.
func (c *RevocationCache) RevokedCount(ctx context.Context) (int, error) {
	ctx, cancel := c.bound(ctx, c.healthTimeout)
	defer cancel()

	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, c.prefix+":*", 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

func (c *RevocationCache) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
