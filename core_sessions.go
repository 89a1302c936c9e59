package trustkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustkit/trustkit/internal"
)

// createSession mints a session for userID with device metadata from ctx.
// The raw bearer token is returned exactly once; storage and cache only
// ever see it through the row and its hash.
func (c *Core) createSession(ctx context.Context, userID string) (*Session, string, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, "", err
	}

	if err := c.enforceSessionCap(ctx, userID); err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	device := deviceFromContext(ctx, DeviceMeta{})
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Token:        token,
		UserAgent:    device.UserAgent,
		IP:           device.IP,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(c.config.Session.Lifetime),
	}
	if err := c.storage.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.metrics.Inc(MetricSessionCreated)
	out := *sess
	out.Token = ""
	return &out, token, nil
}

// enforceSessionCap evicts the least recently active sessions when a new
// login would exceed MaxPerUser.
func (c *Core) enforceSessionCap(ctx context.Context, userID string) error {
	maxSessions := c.config.Session.MaxPerUser
	if maxSessions <= 0 {
		return nil
	}

	sessions, err := c.storage.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(sessions) < maxSessions {
		return nil
	}

	// ListSessions is ordered most recently active first.
	for _, victim := range sessions[maxSessions-1:] {
		revoked, err := c.storage.DeleteSession(ctx, victim.ID, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		c.publishRevocation(ctx, revoked)
		c.metrics.Inc(MetricSessionEvicted)
	}
	return nil
}

// publishRevocation mirrors an authoritative delete into the cache. The TTL
// matches the remaining session lifetime; nothing is published for rows
// that were already expired.
func (c *Core) publishRevocation(ctx context.Context, revoked *RevokedSession) {
	ttl := time.Until(revoked.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = c.revocations.Publish(ctx, internal.HashToken(revoked.Token), ttl)
}

// ValidateSession resolves a bearer token to its live session. The
// revocation cache is consulted first: a hit denies immediately, a miss or
// an unreachable cache defers to the authoritative store.
func (c *Core) ValidateSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidInput
	}
	start := time.Now()
	defer func() {
		c.metrics.Observe(MetricValidateLatency, time.Since(start))
	}()

	revoked, err := c.revocations.IsRevoked(ctx, internal.HashToken(token))
	switch {
	case err != nil:
		c.metrics.Inc(MetricValidateCacheFallback)
	case revoked:
		c.metrics.Inc(MetricValidateCacheHit)
		return nil, ErrSessionRevoked
	}

	sess, err := c.storage.SessionByToken(ctx, token, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sess.Token = ""
	return sess, nil
}

// Touch records session activity. Best-effort: the caller's request never
// fails because an activity timestamp was lost.
func (c *Core) Touch(ctx context.Context, token string) {
	if token == "" {
		return
	}
	_ = c.storage.TouchSession(ctx, token, time.Now().UTC())
}

// ListSessions returns the user's sessions, most recently active first,
// with bearer tokens blanked.
func (c *Core) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	sessions, err := c.storage.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for i := range sessions {
		sessions[i].Token = ""
	}
	return sessions, nil
}

// RevokeSession deletes one session owned by requestingUserID and mirrors
// the revocation into the cache. A session that exists but belongs to
// someone else is indistinguishable from one that never existed.
func (c *Core) RevokeSession(ctx context.Context, sessionID, requestingUserID string) error {
	if sessionID == "" || requestingUserID == "" {
		return ErrInvalidInput
	}

	revoked, err := c.storage.DeleteSession(ctx, sessionID, requestingUserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.publishRevocation(ctx, revoked)
	c.metrics.Inc(MetricSessionRevoked)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventSessionRevoke,
		UserID:    requestingUserID,
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// RevokeAllSessions deletes every session of the user except, optionally,
// the one issuing the request.
func (c *Core) RevokeAllSessions(ctx context.Context, userID, exceptSessionID string) (int, error) {
	if userID == "" {
		return 0, ErrInvalidInput
	}

	revoked, err := c.storage.DeleteSessions(ctx, userID, exceptSessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for i := range revoked {
		c.publishRevocation(ctx, &revoked[i])
		c.metrics.Inc(MetricSessionRevoked)
	}
	c.emitAudit(ctx, AuditEvent{
		EventType: EventSessionRevokeAll,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"revoked": fmt.Sprintf("%d", len(revoked))},
	})
	return len(revoked), nil
}
