package tenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veldtlabs/tenauth/internal"
)

// RequestPasswordReset starts the forgot-password flow. The returned
// token is meant for out-of-band delivery (email); this core never sends
// it. An unknown email returns ("", nil), the same success shape as a
// hit, so the endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, tenantID, email string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if tenantID == "" || email == "" {
		return "", nil
	}

	if err := s.resetLimiter.Allow(tenantID + ":" + email); err != nil {
		return "", ErrRateLimited
	}

	user, err := s.store.GetUserByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	resetID, err := internal.NewSessionID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		return "", err
	}

	record := &resetRecord{
		UserID:     user.ID,
		SecretHash: internal.HashResetSecret(secret),
		ExpiresAt:  time.Now().Add(s.config.Reset.TokenTTL).Unix(),
	}
	if err := s.resets.Save(ctx, tenantID, resetID.String(), record, s.config.Reset.TokenTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	resetToken, err := internal.EncodeResetToken(resetID.String(), secret)
	if err != nil {
		return "", err
	}

	s.emitAudit(ctx, AuditEvent{
		TenantID:  tenantID,
		EventType: EventPasswordResetRequest,
		Success:   true,
		UserID:    user.ID,
		UserEmail: email,
	})

	return resetToken, nil
}

// ResetPassword consumes a reset token and sets a new password. The token
// is single-use: the first successful call deletes the record, so a
// replay returns (false, nil). A malformed or expired token also returns
// (false, nil); only a policy rejection surfaces as an error. Success
// clears any lockout and revokes every session the user holds.
func (s *Service) ResetPassword(ctx context.Context, tenantID, resetToken, newPassword string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if tenantID == "" {
		return false, nil
	}

	resetID, secret, err := internal.DecodeResetToken(resetToken)
	if err != nil {
		return false, nil
	}

	if violations := s.policies.Check(tenantID, newPassword); len(violations) > 0 {
		return false, policyError(violations)
	}

	record, err := s.resets.Consume(ctx, tenantID, resetID, internal.HashResetSecret(secret), s.config.Reset.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, errResetNotFound),
			errors.Is(err, errResetSecretMismatch),
			errors.Is(err, errResetAttemptsExceeded):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	user, err := s.store.GetUserByID(ctx, tenantID, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.Password.HashTimeout)
	defer cancel()
	hash, err := s.hasher.HashContext(hctx, newPassword)
	if err != nil {
		return false, err
	}

	user.PasswordHash = hash
	user.PasswordChangedAt = time.Now().UTC()
	user.RequirePasswordChange = false
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Proof of mailbox control outranks a lockout opened by failed
	// guesses, so the counters clear here too.
	if err := s.store.ClearLoginState(ctx, tenantID, user.ID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.sessions.RevokeAllForUser(ctx, tenantID, user.ID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Inc(MetricPasswordReset)
	s.emitAudit(ctx, AuditEvent{
		TenantID:  tenantID,
		EventType: EventPasswordReset,
		Success:   true,
		UserID:    user.ID,
		UserEmail: user.Email,
	})

	return true, nil
}
