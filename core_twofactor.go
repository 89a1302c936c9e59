package trustkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/trustkit/trustkit/internal"
)

// EnrollTwoFactor starts TOTP setup for the user. The returned secret and
// provisioning URI are disclosed only here; the credential stays inactive
// until VerifyEnrollment accepts a code for it. Re-enrolling before
// verification replaces the pending secret.
func (c *Core) EnrollTwoFactor(ctx context.Context, userID string) (*Enrollment, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	user, err := c.storage.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	cred, err := c.storage.TwoFactor(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cred != nil && cred.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	_, secretBase32, err := c.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := c.storage.SavePendingSecret(ctx, userID, secretBase32); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventTwoFactorEnroll,
		UserID:    userID,
		Success:   true,
	})
	return &Enrollment{
		Secret: secretBase32,
		URI:    c.totp.ProvisionURI(secretBase32, user.Email),
	}, nil
}

// VerifyEnrollment confirms the pending secret with a live TOTP code. On
// success the credential is enabled and the recovery code batch is
// installed in the same transaction; the plaintext codes are returned here
// and never again. A failed code leaves the enrollment pending.
func (c *Core) VerifyEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	if userID == "" || code == "" {
		return nil, ErrInvalidInput
	}
	if err := c.limit(ctx, userID, ActionTwoFactorVerify); err != nil {
		return nil, err
	}

	cred, err := c.storage.TwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTwoFactorNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cred.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	counter, err := c.verifyTOTP(ctx, cred, code)
	if err != nil {
		c.emitAudit(ctx, AuditEvent{
			EventType: EventTwoFactorEnable,
			UserID:    userID,
			Success:   false,
			Error:     "code_rejected",
		})
		return nil, err
	}
	if err := c.storage.UpdateTwoFactorCounter(ctx, userID, counter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	plaintexts, hashes, err := c.newRecoveryBatch(userID)
	if err != nil {
		return nil, err
	}
	if err := c.storage.EnableTwoFactor(ctx, userID, hashes); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTwoFactorNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.metrics.Inc(MetricTwoFactorSuccess)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventTwoFactorEnable,
		UserID:    userID,
		Success:   true,
	})
	return plaintexts, nil
}

// ChallengeTwoFactor exchanges a pending login ticket plus a valid TOTP
// code for a session. The ticket is consumed atomically before the session
// is minted, so concurrent submissions produce at most one session.
func (c *Core) ChallengeTwoFactor(ctx context.Context, ticketID, code string) (*LoginResult, error) {
	if ticketID == "" || code == "" {
		return nil, ErrInvalidInput
	}
	if err := c.limit(ctx, ticketID, ActionTwoFactorVerify); err != nil {
		return nil, err
	}

	record, err := c.ticketRecord(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	cred, err := c.enabledCredential(ctx, record.UserID)
	if err != nil {
		return nil, err
	}

	counter, err := c.verifyTOTP(ctx, cred, code)
	if err != nil {
		c.metrics.Inc(MetricTwoFactorFailure)
		return nil, c.ticketFailure(ctx, ticketID, record.UserID, err)
	}
	if err := c.storage.UpdateTwoFactorCounter(ctx, record.UserID, counter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result, err := c.completeChallenge(ctx, ticketID, record.UserID)
	if err != nil {
		return nil, err
	}
	c.metrics.Inc(MetricTwoFactorSuccess)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventLoginTwoFactor,
		UserID:    record.UserID,
		SessionID: result.Session.ID,
		Success:   true,
	})
	return result, nil
}

// RedeemRecoveryCode exchanges a pending ticket plus one unconsumed
// recovery code for a session. Each code works exactly once; the batch is
// never topped up.
func (c *Core) RedeemRecoveryCode(ctx context.Context, ticketID, code string) (*LoginResult, error) {
	if ticketID == "" || code == "" {
		return nil, ErrInvalidInput
	}
	if err := c.limit(ctx, ticketID, ActionRecoveryRedeem); err != nil {
		return nil, err
	}

	record, err := c.ticketRecord(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if _, err := c.enabledCredential(ctx, record.UserID); err != nil {
		return nil, err
	}

	canonical := internal.CanonicalizeRecoveryCode(code)
	if canonical == "" {
		return nil, ErrInvalidInput
	}

	consumed, err := c.storage.ConsumeRecoveryCode(ctx, record.UserID, internal.HashCode(record.UserID, canonical))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !consumed {
		c.metrics.Inc(MetricRecoveryCodeFailed)
		return nil, c.ticketFailure(ctx, ticketID, record.UserID, ErrCodeInvalid)
	}

	result, err := c.completeChallenge(ctx, ticketID, record.UserID)
	if err != nil {
		return nil, err
	}

	remaining, countErr := c.storage.UnconsumedRecoveryCodes(ctx, record.UserID)
	metadata := map[string]string{}
	if countErr == nil {
		metadata["remaining_codes"] = strconv.Itoa(remaining)
	}

	c.metrics.Inc(MetricRecoveryCodeUsed)
	c.emitAudit(ctx, AuditEvent{
		EventType: EventRecoveryRedeem,
		UserID:    record.UserID,
		SessionID: result.Session.ID,
		Success:   true,
		Metadata:  metadata,
	})
	return result, nil
}

// DisableTwoFactor turns TOTP off after re-verifying the password. The
// recovery codes and the credential disappear in one transaction.
func (c *Core) DisableTwoFactor(ctx context.Context, userID, pass string) error {
	if userID == "" || pass == "" {
		return ErrInvalidInput
	}
	if err := c.limit(ctx, userID, ActionTwoFactorDisable); err != nil {
		return err
	}

	user, err := c.storage.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user.PasswordHash == nil {
		c.hasher.DummyVerify(pass)
		return ErrInvalidCredentials
	}
	ok, err := c.hasher.Verify(pass, *user.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		c.emitAudit(ctx, AuditEvent{
			EventType: EventTwoFactorDisable,
			UserID:    userID,
			Success:   false,
			Error:     "wrong_password",
		})
		return ErrInvalidCredentials
	}

	if _, err := c.enabledCredential(ctx, userID); err != nil {
		return err
	}
	if err := c.storage.DisableTwoFactor(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTwoFactorNotEnabled
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventTwoFactorDisable,
		UserID:    userID,
		Success:   true,
	})
	return nil
}

// RemainingRecoveryCodes reports how many codes of the batch are still
// unconsumed.
func (c *Core) RemainingRecoveryCodes(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrInvalidInput
	}
	if _, err := c.enabledCredential(ctx, userID); err != nil {
		return 0, err
	}
	n, err := c.storage.UnconsumedRecoveryCodes(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// verifyTOTP checks the code against the credential and enforces the
// counter high-water mark. The matched counter is returned for persisting.
func (c *Core) verifyTOTP(ctx context.Context, cred *TwoFactorCredential, code string) (int64, error) {
	secret, err := decodeTOTPSecret(cred.Secret)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ok, counter, err := c.totp.VerifyCode(secret, code, time.Now())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrCodeInvalid
	}
	if counter <= cred.LastUsedCounter {
		c.metrics.Inc(MetricTwoFactorReplay)
		return 0, ErrCodeInvalid
	}
	return counter, nil
}

func (c *Core) enabledCredential(ctx context.Context, userID string) (*TwoFactorCredential, error) {
	cred, err := c.storage.TwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTwoFactorNotEnabled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !cred.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}
	return cred, nil
}

func (c *Core) ticketRecord(ctx context.Context, ticketID string) (*pendingTicket, error) {
	record, err := c.tickets.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, ErrTicketInvalid) || errors.Is(err, ErrTicketExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return record, nil
}

// ticketFailure books a failed attempt against the ticket. When the budget
// is exhausted the ticket is destroyed and the caller must log in again.
func (c *Core) ticketFailure(ctx context.Context, ticketID, userID string, cause error) error {
	exceeded, err := c.tickets.RecordFailure(ctx, ticketID, c.config.Login.PendingTicketMaxAttempts)
	if err != nil {
		if errors.Is(err, ErrTicketInvalid) || errors.Is(err, ErrTicketExpired) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	c.emitAudit(ctx, AuditEvent{
		EventType: EventLoginTwoFactor,
		UserID:    userID,
		Success:   false,
		Error:     cause.Error(),
	})
	if exceeded {
		return ErrTicketAttemptsExceeded
	}
	return cause
}

// completeChallenge consumes the ticket and mints the session. Exactly one
// concurrent submitter wins the consume.
func (c *Core) completeChallenge(ctx context.Context, ticketID, userID string) (*LoginResult, error) {
	won, err := c.tickets.Consume(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !won {
		return nil, ErrTicketInvalid
	}

	sess, token, err := c.createSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess, Token: token}, nil
}

// newRecoveryBatch draws the configured number of codes and returns the
// display plaintexts alongside their storage hashes.
func (c *Core) newRecoveryBatch(userID string) ([]string, []string, error) {
	count := c.config.TwoFactor.RecoveryCodeCount
	plaintexts := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewRecoveryCode(c.config.TwoFactor.RecoveryCodeLength)
		if err != nil {
			return nil, nil, err
		}
		plaintexts = append(plaintexts, internal.FormatRecoveryCode(code))
		hashes = append(hashes, internal.HashCode(userID, code))
	}
	return plaintexts, hashes, nil
}
