package trustkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustkit/trustkit/internal"
)

// IssueToken mints a single-use security token for the purpose and
// identifier (the account email). Any prior live token for the pair is
// consumed in the same transaction, so the newest token is the only one
// that redeems. Email delivery and follow-up jobs are requested
// best-effort; their failure never voids the token.
func (c *Core) IssueToken(ctx context.Context, purpose TokenPurpose, identifier string) (*SecurityToken, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if !purpose.valid() || identifier == "" {
		return nil, ErrInvalidInput
	}

	action := ActionTokenIssue
	if purpose == PurposeAccountDeletion {
		action = ActionAccountDeletion
	}
	if err := c.limit(ctx, identifier, action); err != nil {
		return nil, err
	}

	value, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	token := &SecurityToken{
		ID:         uuid.NewString(),
		Purpose:    purpose,
		Identifier: identifier,
		Token:      value,
		ExpiresAt:  now.Add(c.tokenTTL(purpose)),
		CreatedAt:  now,
	}
	if err := c.storage.InsertToken(ctx, token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.requestDelivery(ctx, token)

	c.metrics.Inc(MetricTokenIssued)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventTokenIssue,
		Success:   true,
		Metadata:  map[string]string{"purpose": string(purpose)},
	})
	return token, nil
}

// RedeemToken consumes the token and returns the identifier it was bound
// to. Exactly one concurrent redemption wins; the loser gets
// ErrTokenConsumed deterministically.
func (c *Core) RedeemToken(ctx context.Context, purpose TokenPurpose, token string) (string, error) {
	if !purpose.valid() || token == "" {
		return "", ErrInvalidInput
	}

	identifier, err := c.storage.RedeemToken(ctx, purpose, token, time.Now().UTC())
	if err != nil {
		c.metrics.Inc(MetricTokenRejected)
		switch {
		case errors.Is(err, ErrNotFound):
			err = ErrTokenInvalid
		case errors.Is(err, ErrTokenConsumed), errors.Is(err, ErrTokenExpired):
		default:
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		c.emitAudit(ctx, AuditEvent{
			EventType: EventTokenRedeem,
			Success:   false,
			Error:     err.Error(),
			Metadata:  map[string]string{"purpose": string(purpose)},
		})
		return "", err
	}

	c.metrics.Inc(MetricTokenRedeemed)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventTokenRedeem,
		Success:   true,
		Metadata:  map[string]string{"purpose": string(purpose)},
	})
	return identifier, nil
}

// LookupTokenByIdentifier returns the live token for the pair without
// consuming it, for resend flows.
func (c *Core) LookupTokenByIdentifier(ctx context.Context, purpose TokenPurpose, identifier string) (*SecurityToken, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if !purpose.valid() || identifier == "" {
		return nil, ErrInvalidInput
	}
	token, err := c.storage.TokenByIdentifier(ctx, purpose, identifier, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, nil
}

// LookupToken resolves a token value without consuming it.
func (c *Core) LookupToken(ctx context.Context, purpose TokenPurpose, token string) (*SecurityToken, error) {
	if !purpose.valid() || token == "" {
		return nil, ErrInvalidInput
	}
	found, err := c.storage.TokenByToken(ctx, purpose, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return found, nil
}

// VerifyEmail redeems a verification token and marks the bound account's
// address as confirmed.
func (c *Core) VerifyEmail(ctx context.Context, token string) error {
	identifier, err := c.RedeemToken(ctx, PurposeVerification, token)
	if err != nil {
		return err
	}

	user, err := c.storage.UserByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := c.storage.MarkEmailVerified(ctx, user.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventEmailVerified,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// ResetPassword redeems a password-reset token, installs the new password,
// and revokes every session of the account. Devices that held a session
// must authenticate again with the new credential.
func (c *Core) ResetPassword(ctx context.Context, token, newPassword string) error {
	if newPassword == "" {
		return ErrInvalidInput
	}

	identifier, err := c.RedeemToken(ctx, PurposePasswordReset, token)
	if err != nil {
		return err
	}

	user, err := c.storage.UserByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		return ErrInvalidInput
	}
	if err := c.storage.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := c.RevokeAllSessions(ctx, user.ID, ""); err != nil {
		return err
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventPasswordReset,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

// ConfirmAccountDeletion redeems a deletion token and schedules the account
// for removal after the grace period. All sessions are revoked immediately.
func (c *Core) ConfirmAccountDeletion(ctx context.Context, token string) error {
	identifier, err := c.RedeemToken(ctx, PurposeAccountDeletion, token)
	if err != nil {
		return err
	}

	user, err := c.storage.UserByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	deleteAt := time.Now().UTC().Add(c.config.Tokens.DeletionGrace)
	if err := c.storage.ScheduleDeletion(ctx, user.ID, deleteAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := c.RevokeAllSessions(ctx, user.ID, ""); err != nil {
		return err
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventDeletionScheduled,
		UserID:    user.ID,
		Success:   true,
		Metadata:  map[string]string{"delete_at": deleteAt.Format(time.RFC3339)},
	})
	return nil
}

func (c *Core) tokenTTL(purpose TokenPurpose) time.Duration {
	switch purpose {
	case PurposeVerification:
		return c.config.Tokens.VerificationTTL
	case PurposePasswordReset:
		return c.config.Tokens.PasswordResetTTL
	case PurposeAccountDeletion:
		return c.config.Tokens.AccountDeletionTTL
	case PurposeEmailChange:
		return c.config.Tokens.EmailChangeTTL
	default:
		return time.Hour
	}
}

// requestDelivery hands the token to the mailer and scheduler. Both are
// best-effort: the token is already durable.
func (c *Core) requestDelivery(ctx context.Context, token *SecurityToken) {
	if mailer, err := c.mailer(); err == nil && mailer != nil {
		_ = mailer.RequestDelivery(ctx, MailRequest{
			Purpose:   token.Purpose,
			Recipient: token.Identifier,
			Token:     token.Token,
			ExpiresAt: token.ExpiresAt,
		})
	}
	if c.scheduler != nil {
		_ = c.scheduler.Schedule(ctx, Job{
			Name:  "token_expiry_sweep",
			RunAt: token.ExpiresAt,
			Payload: map[string]string{
				"purpose":  string(token.Purpose),
				"token_id": token.ID,
			},
		})
	}
}
