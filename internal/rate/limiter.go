package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis failures. The limiter has no
// authoritative fallback for in-flight counts, so callers must deny the
// guarded action when they see it.
var ErrBackendUnavailable = errors.New("rate limiter backend unavailable")

// Rule is one fixed-window attempt budget.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// Config holds the per-action budgets and the key namespace.
type Config struct {
	Prefix    string
	OpTimeout time.Duration
	Default   Rule
	Rules     map[string]Rule
}

// Result is a single limiter decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces fixed-window budgets per (identity, action) pair using
// Redis counters with TTL expiry. Windows self-expire; nothing here is a
// source of truth beyond throttling.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "tkl"
	}
	return &Limiter{redis: redisClient, config: cfg}
}

func (l *Limiter) key(identity, action string) string {
	return l.config.Prefix + ":" + action + ":" + identity
}

func (l *Limiter) rule(action string) Rule {
	if r, ok := l.config.Rules[action]; ok {
		return r
	}
	return l.config.Default
}

// Limit counts one attempt for the pair and reports whether it fits the
// budget. On a transient backend error the increment is retried once; a
// second failure returns a denying Result with ErrBackendUnavailable, so
// the guarded action fails closed.
func (l *Limiter) Limit(ctx context.Context, identity, action string) (Result, error) {
	rule := l.rule(action)

	count, resetAt, err := l.hit(ctx, identity, action, rule)
	if err != nil {
		count, resetAt, err = l.hit(ctx, identity, action, rule)
	}
	if err != nil {
		return Result{Allowed: false}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	remaining := rule.MaxAttempts - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(rule.MaxAttempts),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the window for the pair, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, identity, action string) error {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	if err := l.redis.Del(ctx, l.key(identity, action)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (l *Limiter) hit(ctx context.Context, identity, action string, rule Rule) (int64, time.Time, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	key := l.key(identity, action)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	// Fixed-window semantics: the TTL is set only by the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, rule.Window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		return count, time.Now().Add(rule.Window), nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl < 0 {
		// Counter without expiry (e.g. Expire lost to a crash): re-arm the
		// window rather than throttling forever.
		if err := l.redis.Expire(ctx, key, rule.Window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = rule.Window
	}
	return count, time.Now().Add(ttl), nil
}

func (l *Limiter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.config.OpTimeout)
}
