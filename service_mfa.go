package tenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veldtlabs/tenauth/mfa"
)

// SetupMFA enrolls a user in a second factor. TOTP enrollment returns the
// shared secret, its otpauth URI, and a QR code PNG; enrolling TOTP again
// rotates the secret and invalidates the old one. Every setup also mints
// a fresh set of single-use backup codes, replacing any previous set; the
// plaintext codes appear only in the returned MFASetup.
func (s *Service) SetupMFA(ctx context.Context, tenantID, userID, method, phoneNumber string) (*MFASetup, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case MFAMethodTOTP, MFAMethodSMS, MFAMethodEmail:
	default:
		return nil, fmt.Errorf("unsupported mfa method %q", method)
	}

	user, err := s.store.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	setup := &MFASetup{Method: method}

	switch method {
	case MFAMethodTOTP:
		enrollment, err := s.totp.Enroll(user.Email)
		if err != nil {
			return nil, err
		}
		user.MFASecret = enrollment.Secret
		user.MFALastCounter = -1
		setup.Secret = enrollment.Secret
		setup.OTPAuthURI = enrollment.URI
		setup.QRCodePNG = enrollment.QRCodePNG

	case MFAMethodSMS:
		phoneNumber = strings.TrimSpace(phoneNumber)
		if phoneNumber == "" {
			phoneNumber = user.PhoneNumber
		}
		if phoneNumber == "" {
			return nil, errors.New("sms mfa requires a phone number")
		}
		user.PhoneNumber = phoneNumber

	case MFAMethodEmail:
		// Codes go to the account email; nothing extra to record.
	}

	codes, hashes, err := mfa.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	setup.BackupCodes = codes
	user.MFABackupCodes = hashes

	if !user.HasMFAMethod(method) {
		user.MFAMethods = append(user.MFAMethods, method)
	}
	user.MFAEnabled = true

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.emitAudit(ctx, AuditEvent{
		TenantID:  tenantID,
		EventType: EventMFASetup,
		Success:   true,
		UserID:    userID,
		UserEmail: user.Email,
		Metadata:  map[string]string{"method": method},
	})

	return setup, nil
}

// VerifyMFA checks a code outside the login flow, e.g. to confirm a fresh
// TOTP enrollment or to re-authenticate before a sensitive action. A
// matching TOTP code advances the replay counter and a matching backup
// code is burned, exactly as during login.
func (s *Service) VerifyMFA(ctx context.Context, tenantID, userID, method, code string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	user, err := s.store.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !user.MFAEnabled {
		return false, ErrMFANotConfigured
	}

	switch strings.ToUpper(strings.TrimSpace(method)) {
	case MFAMethodTOTP:
		if user.MFASecret == "" {
			return false, ErrMFANotConfigured
		}
		ok, counter := s.totp.Verify(user.MFASecret, code, time.Now(), user.MFALastCounter)
		if !ok {
			return false, nil
		}
		user.MFALastCounter = counter
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return true, nil

	case MFAMethodBackup:
		remaining, ok := mfa.ConsumeBackupCode(code, user.MFABackupCodes)
		if !ok {
			return false, nil
		}
		user.MFABackupCodes = remaining
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return true, nil
	}

	return false, ErrMFANotConfigured
}

// DisableMFA turns off all second factors for a user and discards the
// TOTP secret and remaining backup codes.
func (s *Service) DisableMFA(ctx context.Context, tenantID, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user.MFAEnabled = false
	user.MFASecret = ""
	user.MFAMethods = nil
	user.MFABackupCodes = nil
	user.MFALastCounter = -1

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.emitAudit(ctx, AuditEvent{
		TenantID:  tenantID,
		EventType: EventMFASetup,
		Success:   true,
		UserID:    userID,
		UserEmail: user.Email,
		Metadata:  map[string]string{"method": "disabled"},
	})

	return nil
}
