package tenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veldtlabs/tenauth/policy"
)

// CreateTenant provisions a new tenant. An empty ID gets a generated
// UUID; an empty status defaults to ACTIVE.
func (s *Service) CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if t == nil || strings.TrimSpace(t.OrganizationName) == "" {
		return nil, errors.New("organization name is required")
	}

	created := *t
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Status == "" {
		created.Status = TenantActive
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	if err := s.store.CreateTenant(ctx, &created); err != nil {
		if errors.Is(err, ErrDuplicateTenant) {
			return nil, ErrDuplicateTenant
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &created, nil
}

// CreateUser registers a user in a tenant. The password is checked
// against the tenant's policy and hashed before anything is persisted;
// permissions not granted explicitly default from the role.
func (s *Service) CreateUser(ctx context.Context, req UserCreate) (*User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if req.TenantID == "" || email == "" {
		return nil, errors.New("tenant id and email are required")
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}
	for _, p := range req.Permissions {
		if p >= permissionCount {
			return nil, fmt.Errorf("unknown permission %d", p)
		}
	}

	if violations := s.policies.Check(req.TenantID, req.Password, email); len(violations) > 0 {
		return nil, policyError(violations)
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.Password.HashTimeout)
	defer cancel()
	hash, err := s.hasher.HashContext(hctx, req.Password)
	if err != nil {
		return nil, err
	}

	perms := req.Permissions
	if len(perms) == 0 {
		perms = req.Role.DefaultPermissions()
	}

	user := &User{
		ID:                    uuid.NewString(),
		TenantID:              req.TenantID,
		Email:                 email,
		PasswordHash:          hash,
		Role:                  req.Role,
		Permissions:           perms,
		Status:                UserActive,
		PhoneNumber:           req.PhoneNumber,
		MFALastCounter:        -1,
		PasswordChangedAt:     time.Now().UTC(),
		RequirePasswordChange: req.RequirePasswordChange,
		CreatedAt:             time.Now().UTC(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Inc(MetricUserCreated)
	s.emitAudit(ctx, AuditEvent{
		TenantID:  user.TenantID,
		EventType: EventUserCreated,
		Success:   true,
		UserID:    user.ID,
		UserEmail: user.Email,
		Metadata:  map[string]string{"role": string(user.Role)},
	})

	return user, nil
}

// ChangePassword replaces a user's password after verifying the current
// one. An unknown user or wrong current password returns (false, nil),
// never an error that would confirm the account exists. Success clears
// lockout state and revokes every other session the user holds.
func (s *Service) ChangePassword(ctx context.Context, tenantID, userID, currentPassword, newPassword string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if tenantID == "" || userID == "" {
		return false, nil
	}

	user, err := s.store.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.burnHash(currentPassword)
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ok, err := s.verifyPassword(ctx, currentPassword, user.PasswordHash)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if violations := s.policies.Check(tenantID, newPassword, user.Email); len(violations) > 0 {
		return false, policyError(violations)
	}
	if same, _ := s.hasher.Verify(newPassword, user.PasswordHash); same {
		return false, fmt.Errorf("%w: new password must differ from the current one", ErrPasswordPolicy)
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
	if err := s.store.ClearLoginState(ctx, tenantID, userID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.sessions.RevokeAllForUser(ctx, tenantID, userID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Inc(MetricPasswordChange)
	s.emitAudit(ctx, AuditEvent{
		TenantID:  tenantID,
		EventType: EventPasswordChanged,
		Success:   true,
		UserID:    userID,
		UserEmail: user.Email,
	})

	return true, nil
}

// policyError folds policy violations into one ErrPasswordPolicy wrap.
func policyError(violations []policy.Violation) error {
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = string(v)
	}
	return fmt.Errorf("%w: %s", ErrPasswordPolicy, strings.Join(names, ", "))
}
