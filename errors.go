package tenauth

import "errors"

var (
	// ErrInvalidCredentials covers unknown email, wrong password, and wrong
	// tenant context. The three are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenExpired means the signature checked out but exp has passed.
	// Unlike credential mismatches this is safe to surface verbatim.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures, and wrong
	// token type (refresh presented as access or vice versa).
	ErrTokenInvalid = errors.New("invalid token")
	// ErrNotFound reports a tenant-scoped entity that does not exist under
	// the given tenant. Internal; API layers should not echo it as-is.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmail reports a (tenant, email) uniqueness violation.
	ErrDuplicateEmail = errors.New("email already registered in tenant")
	// ErrDuplicateTenant reports a tenant ID collision at provisioning.
	ErrDuplicateTenant = errors.New("tenant already exists")
	// ErrAccountLocked is returned while locked_until is in the future.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for non-ACTIVE user accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrPasswordChangeRequired gates login for users flagged
	// require_password_change until they complete a change flow.
	ErrPasswordChangeRequired = errors.New("password change required")
	// ErrPasswordPolicy wraps one or more policy violations.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrMFAInvalid covers wrong TOTP codes, spent backup codes, and
	// challenge replay.
	ErrMFAInvalid = errors.New("mfa verification failed")
	// ErrMFANotConfigured is returned when verifying a method the user
	// never set up.
	ErrMFANotConfigured = errors.New("mfa not configured")
	// ErrChallengeExpired is returned for an MFA challenge past its TTL or
	// over its attempt budget.
	ErrChallengeExpired = errors.New("mfa challenge expired")

	// ErrRefreshReuse reports a refresh token from a superseded rotation
	// generation. The session is revoked as a side effect.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionNotFound is returned when no live session backs a token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRateLimited throttles login and reset attempts per key.
	ErrRateLimited = errors.New("rate limited")
	// ErrServiceNotReady is returned by a Service used before Build.
	ErrServiceNotReady = errors.New("service not initialized")
	// ErrStoreUnavailable wraps persistence-layer failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)
