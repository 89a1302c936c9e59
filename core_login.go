package trustkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trustkit/trustkit/internal"
)

// Authenticate checks the password credential for email. The failure causes
// (unknown email, wrong password, unverified address, scheduled deletion,
// federated-only account) are indistinguishable to the caller; the audit
// event carries the internal reason. When two-factor is enabled the result
// holds a pending ticket instead of a session.
func (c *Core) Authenticate(ctx context.Context, email, pass string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || pass == "" {
		return nil, ErrInvalidInput
	}

	identity := email + "|" + clientIPFromContext(ctx)
	if err := c.limit(ctx, identity, ActionLogin); err != nil {
		c.metrics.Inc(MetricLoginRateLimited)
		return nil, err
	}

	user, err := c.storage.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.hasher.DummyVerify(pass)
			return nil, c.loginFailure(ctx, "", "unknown_email")
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if user.PasswordHash == nil {
		c.hasher.DummyVerify(pass)
		return nil, c.loginFailure(ctx, user.ID, "federated_only")
	}

	ok, err := c.hasher.Verify(pass, *user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, c.loginFailure(ctx, user.ID, "wrong_password")
	}

	if c.config.Login.RequireVerifiedEmail && user.EmailVerifiedAt == nil {
		return nil, c.loginFailure(ctx, user.ID, "email_unverified")
	}
	if user.DeletionScheduledAt != nil {
		return nil, c.loginFailure(ctx, user.ID, "deletion_scheduled")
	}

	c.maybeRehash(ctx, user, pass)

	cred, err := c.storage.TwoFactor(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if cred != nil && cred.Enabled {
		ticket, err := c.issuePendingTicket(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		c.metrics.Inc(MetricTwoFactorRequired)
		c.emitAudit(ctx, AuditEvent{
			EventType: EventLogin,
			UserID:    user.ID,
			Success:   true,
			Metadata:  map[string]string{"second_factor": "required"},
		})
		return &LoginResult{TwoFactorRequired: true, PendingTicket: ticket}, nil
	}

	sess, token, err := c.createSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	// A completed login gives the window back.
	_ = c.limiter.Reset(ctx, identity, ActionLogin)

	c.metrics.Inc(MetricLoginSuccess)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventLogin,
		UserID:    user.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return &LoginResult{Session: sess, Token: token}, nil
}

func (c *Core) loginFailure(ctx context.Context, userID, reason string) error {
	c.metrics.Inc(MetricLoginFailure)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventLogin,
		UserID:    userID,
		Success:   false,
		Error:     reason,
	})
	return ErrInvalidCredentials
}

// maybeRehash transparently upgrades the stored hash after a successful
// verification. Failures are ignored; the old hash keeps working.
func (c *Core) maybeRehash(ctx context.Context, user *User, pass string) {
	needs, err := c.hasher.NeedsRehash(*user.PasswordHash)
	if err != nil || !needs {
		return
	}
	upgraded, err := c.hasher.Hash(pass)
	if err != nil {
		return
	}
	_ = c.storage.UpdatePasswordHash(ctx, user.ID, upgraded)
}

func (c *Core) issuePendingTicket(ctx context.Context, userID string) (string, error) {
	ticketID, err := internal.NewTicketID()
	if err != nil {
		return "", err
	}
	record := &pendingTicket{
		UserID:    userID,
		ExpiresAt: time.Now().Add(c.config.Login.PendingTicketTTL).Unix(),
	}
	if err := c.tickets.Save(ctx, ticketID, record, c.config.Login.PendingTicketTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return ticketID, nil
}
