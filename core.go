package trustkit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustkit/trustkit/cache"
	"github.com/trustkit/trustkit/internal/rate"
	"github.com/trustkit/trustkit/password"
)

// Core is the trust and session engine. Construct it with New().Build();
// all methods are safe for concurrent use.
type Core struct {
	config  Config
	storage Storage
	redis   redis.UniversalClient

	revocations *cache.RevocationCache
	tickets     *ticketStore
	limiter     *rate.Limiter
	totp        *totpManager
	hasher      *password.Hasher

	audit   *auditDispatcher
	metrics *Metrics

	mailerFactory MailerFactory
	mailerOnce    sync.Once
	mailerHandle  Mailer
	mailerErr     error
	scheduler     Scheduler

	// dummyHash is verified against on the unknown-email login path so both
	// outcomes cost one key derivation.
	dummyHash string
}

// mailer resolves the mailer handle exactly once. The Core owns the
// resulting resource until Close.
func (c *Core) mailer() (Mailer, error) {
	if c.mailerFactory == nil {
		return nil, nil
	}
	c.mailerOnce.Do(func() {
		c.mailerHandle, c.mailerErr = c.mailerFactory()
	})
	return c.mailerHandle, c.mailerErr
}

// Close drains the audit dispatcher and releases the mailer if one was
// materialized. The injected database and Redis handles stay with their
// owner.
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	c.audit.Close()
	if c.mailerHandle != nil {
		if closer, ok := c.mailerHandle.(io.Closer); ok {
			return closer.Close()
		}
	}
	return nil
}

// MetricsSnapshot returns a copy of the in-process counters.
func (c *Core) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped reports events discarded because the audit buffer was full.
func (c *Core) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// CheckRateLimit exposes the limiter for caller-defined actions. The
// limiter fails closed: a backend failure denies with ErrRateLimited.
func (c *Core) CheckRateLimit(ctx context.Context, identity, action string) (RateLimitResult, error) {
	res, err := c.limiter.Limit(ctx, identity, action)
	out := RateLimitResult{Allowed: res.Allowed, Remaining: res.Remaining, ResetAt: res.ResetAt}
	if err != nil {
		c.metrics.Inc(MetricRateLimitBackendDown)
		return out, ErrRateLimited
	}
	if !res.Allowed {
		c.metrics.Inc(MetricRateLimitHit)
		return out, ErrRateLimited
	}
	return out, nil
}

// limit guards an internal action and returns ErrRateLimited on denial or
// backend failure.
func (c *Core) limit(ctx context.Context, identity, action string) error {
	_, err := c.CheckRateLimit(ctx, identity, action)
	return err
}

// Health reports cache connectivity and the approximate revoked-session
// count. Operational only; never consulted for authorization.
func (c *Core) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{}
	latency, err := c.revocations.HealthCheck(ctx)
	status.CacheLatency = latency
	status.CacheReachable = err == nil
	if status.CacheReachable {
		if n, err := c.revocations.RevokedCount(ctx); err == nil {
			status.RevokedCount = n
		}
	}
	return status
}

func (c *Core) emitAudit(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	c.audit.Emit(ctx, event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
