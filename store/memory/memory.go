// Package memory is an in-memory Store implementation for examples,
// tests, and single-process deployments. All state is lost on restart.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/veldtlabs/tenauth"
)

type userKey struct {
	tenantID string
	userID   string
}

type emailKey struct {
	tenantID string
	email    string
}

// Store keeps tenants and users in maps guarded by one mutex. The
// mutex makes IncrementLoginAttempts atomic, matching the contract.
type Store struct {
	mu      sync.Mutex
	tenants map[string]*tenauth.Tenant
	users   map[userKey]*tenauth.User
	byEmail map[emailKey]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants: make(map[string]*tenauth.Tenant),
		users:   make(map[userKey]*tenauth.User),
		byEmail: make(map[emailKey]string),
	}
}

// CreateTenant implements tenauth.Store.
func (s *Store) CreateTenant(_ context.Context, t *tenauth.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[t.ID]; exists {
		return tenauth.ErrDuplicateTenant
	}
	cloned := *t
	s.tenants[t.ID] = &cloned
	return nil
}

// GetTenant implements tenauth.Store.
func (s *Store) GetTenant(_ context.Context, tenantID string) (*tenauth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, tenauth.ErrNotFound
	}
	cloned := *t
	return &cloned, nil
}

// CreateUser implements tenauth.Store. (tenant, email) uniqueness is
// enforced here.
func (s *Store) CreateUser(_ context.Context, u *tenauth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := emailKey{tenantID: u.TenantID, email: normalizeEmail(u.Email)}
	if _, exists := s.byEmail[ek]; exists {
		return tenauth.ErrDuplicateEmail
	}

	cloned := cloneUser(u)
	s.users[userKey{tenantID: u.TenantID, userID: u.ID}] = cloned
	s.byEmail[ek] = u.ID
	return nil
}

// GetUserByEmail implements tenauth.Store. The lookup key includes the
// tenant, so the same email in another tenant resolves to a different
// user or to nothing.
func (s *Store) GetUserByEmail(_ context.Context, tenantID, email string) (*tenauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byEmail[emailKey{tenantID: tenantID, email: normalizeEmail(email)}]
	if !ok {
		return nil, tenauth.ErrNotFound
	}
	return cloneUser(s.users[userKey{tenantID: tenantID, userID: userID}]), nil
}

// GetUserByID implements tenauth.Store.
func (s *Store) GetUserByID(_ context.Context, tenantID, userID string) (*tenauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return nil, tenauth.ErrNotFound
	}
	return cloneUser(u), nil
}

// UpdateUser implements tenauth.Store.
func (s *Store) UpdateUser(_ context.Context, u *tenauth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey{tenantID: u.TenantID, userID: u.ID}
	if _, ok := s.users[key]; !ok {
		return tenauth.ErrNotFound
	}
	s.users[key] = cloneUser(u)
	return nil
}

// IncrementLoginAttempts implements tenauth.Store. The increment happens
// under the store mutex, so concurrent failures cannot lose updates.
func (s *Store) IncrementLoginAttempts(_ context.Context, tenantID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return 0, tenauth.ErrNotFound
	}
	u.LoginAttempts++
	return u.LoginAttempts, nil
}

// SetLockout implements tenauth.Store.
func (s *Store) SetLockout(_ context.Context, tenantID, userID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return tenauth.ErrNotFound
	}
	u.LockedUntil = &until
	return nil
}

// ClearLoginState implements tenauth.Store.
func (s *Store) ClearLoginState(_ context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return tenauth.ErrNotFound
	}
	u.LoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(u *tenauth.User) *tenauth.User {
	cloned := *u
	if u.LockedUntil != nil {
		until := *u.LockedUntil
		cloned.LockedUntil = &until
	}
	cloned.Permissions = append([]tenauth.Permission(nil), u.Permissions...)
	cloned.MFAMethods = append([]string(nil), u.MFAMethods...)
	cloned.MFABackupCodes = append([]string(nil), u.MFABackupCodes...)
	return &cloned
}
