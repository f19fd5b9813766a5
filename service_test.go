package tenauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// mockStore is a minimal in-memory Store for exercising the service
// without a database. Uniqueness and tenant scoping match the real
// backends.
type mockStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	users   map[string]*User // key tenantID + "\x00" + userID
	byEmail map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{
		tenants: make(map[string]*Tenant),
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func userKey(tenantID, userID string) string { return tenantID + "\x00" + userID }

func emailKey(tenantID, email string) string {
	return tenantID + "\x00" + strings.ToLower(email)
}

func (m *mockStore) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrDuplicateTenant
	}
	cloned := *t
	m.tenants[t.ID] = &cloned
	return nil
}

func (m *mockStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *t
	return &cloned, nil
}

func (m *mockStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[emailKey(u.TenantID, u.Email)]; ok {
		return ErrDuplicateEmail
	}
	m.users[userKey(u.TenantID, u.ID)] = cloneMockUser(u)
	m.byEmail[emailKey(u.TenantID, u.Email)] = u.ID
	return nil
}

func (m *mockStore) GetUserByEmail(_ context.Context, tenantID, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[emailKey(tenantID, email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMockUser(m.users[userKey(tenantID, id)]), nil
}

func (m *mockStore) GetUserByID(_ context.Context, tenantID, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMockUser(u), nil
}

func (m *mockStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userKey(u.TenantID, u.ID)]; !ok {
		return ErrNotFound
	}
	m.users[userKey(u.TenantID, u.ID)] = cloneMockUser(u)
	return nil
}

func (m *mockStore) IncrementLoginAttempts(_ context.Context, tenantID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(tenantID, userID)]
	if !ok {
		return 0, ErrNotFound
	}
	u.LoginAttempts++
	return u.LoginAttempts, nil
}

func (m *mockStore) SetLockout(_ context.Context, tenantID, userID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(tenantID, userID)]
	if !ok {
		return ErrNotFound
	}
	u.LockedUntil = &until
	return nil
}

func (m *mockStore) ClearLoginState(_ context.Context, tenantID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(tenantID, userID)]
	if !ok {
		return ErrNotFound
	}
	u.LoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

func cloneMockUser(u *User) *User {
	cloned := *u
	cloned.Permissions = append([]Permission(nil), u.Permissions...)
	cloned.MFAMethods = append([]string(nil), u.MFAMethods...)
	cloned.MFABackupCodes = append([]string(nil), u.MFABackupCodes...)
	if u.LockedUntil != nil {
		until := *u.LockedUntil
		cloned.LockedUntil = &until
	}
	return &cloned
}

const testPassword = "Sunlit#Harbor7"

func testConfig() *Config {
	cfg := DefaultConfig()
	// Cheapest parameters the hasher accepts; production costs would
	// make the suite crawl.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Password.KeyLength = 16
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func newTestService(t *testing.T, cfg *Config) (*Service, *mockStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg == nil {
		cfg = testConfig()
	}
	store := newMockStore()

	svc, err := New().
		WithStore(store).
		WithRedis(client).
		WithConfig(cfg).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc, store
}

func seedTenant(t *testing.T, svc *Service, id string) *Tenant {
	t.Helper()

	tenant, err := svc.CreateTenant(context.Background(), &Tenant{
		ID:               id,
		OrganizationName: "Org " + id,
		Status:           TenantActive,
	})
	if err != nil {
		t.Fatalf("CreateTenant(%s): %v", id, err)
	}
	return tenant
}

func seedUser(t *testing.T, svc *Service, tenantID, email string) *User {
	t.Helper()

	user, err := svc.CreateUser(context.Background(), UserCreate{
		TenantID: tenantID,
		Email:    email,
		Password: testPassword,
		Role:     RoleDeveloper,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s/%s): %v", tenantID, email, err)
	}
	return user
}

func TestAuthenticateIssuesTokens(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	resp, err := svc.Authenticate(ctx, "t1", LoginRequest{
		Email:    "alice@example.com",
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !resp.Success || resp.MFARequired {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Tokens == nil || resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}

	grant, err := svc.VerifyAccess(ctx, resp.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if grant.UserID != user.ID || grant.TenantID != "t1" || grant.SessionID != resp.SessionID {
		t.Fatalf("grant does not match login: %+v", grant)
	}
	if grant.Role != RoleDeveloper {
		t.Fatalf("role = %s", grant.Role)
	}
	if !MaskHas(grant.PermissionMask, PermProjectsWrite) {
		t.Fatal("developer grant should carry projects:write")
	}
	if MaskHas(grant.PermissionMask, PermTenantAdmin) {
		t.Fatal("developer grant should not carry tenant:admin")
	}
}

func TestSameEmailIsolatedAcrossTenants(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedTenant(t, svc, "t2")

	u1 := seedUser(t, svc, "t1", "alice@example.com")
	u2, err := svc.CreateUser(ctx, UserCreate{
		TenantID: "t2",
		Email:    "alice@example.com",
		Password: "Other#Secret42",
		Role:     RoleAdmin,
	})
	if err != nil {
		t.Fatalf("CreateUser in second tenant: %v", err)
	}
	if u1.ID == u2.ID {
		t.Fatal("expected distinct user identities per tenant")
	}

	// Each password works only under its own tenant.
	if _, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword}); err != nil {
		t.Fatalf("t1 login: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "t2", LoginRequest{Email: "alice@example.com", Password: "Other#Secret42"}); err != nil {
		t.Fatalf("t2 login: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "t2", LoginRequest{Email: "alice@example.com", Password: testPassword}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("cross-tenant password: got %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateFailureIsOpaque(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	cases := []struct {
		name     string
		tenantID string
		email    string
		password string
	}{
		{"unknown email", "t1", "nobody@example.com", testPassword},
		{"wrong password", "t1", "alice@example.com", "Wrong#Pass99"},
		{"unknown tenant", "missing", "alice@example.com", testPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tc.tenantID, LoginRequest{Email: tc.email, Password: tc.password})
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("got %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestSuspendedTenantRejectsLogin(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	store.mu.Lock()
	store.tenants["t1"].Status = TenantSuspended
	store.mu.Unlock()

	_, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	for i := 0; i < 5; i++ {
		_, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: "Wrong#Pass99"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	// The correct password is refused while the lockout window is open.
	_, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("got %v, want ErrAccountLocked", err)
	}
	if got := svc.Metrics().Value(MetricLoginLockout); got != 1 {
		t.Fatalf("lockout counter = %d", got)
	}
}

func TestDisabledAccountRejected(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	store.mu.Lock()
	store.users[userKey("t1", user.ID)].Status = UserDisabled
	store.mu.Unlock()

	_, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("got %v, want ErrAccountDisabled", err)
	}
}

func TestRequirePasswordChangeGatesLogin(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	store.mu.Lock()
	store.users[userKey("t1", user.ID)].RequirePasswordChange = true
	store.mu.Unlock()

	_, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword})
	if !errors.Is(err, ErrPasswordChangeRequired) {
		t.Fatalf("got %v, want ErrPasswordChangeRequired", err)
	}
}

func TestLoginRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate.LoginPerMinute = 1
	cfg.Rate.LoginBurst = 2
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	req := LoginRequest{Email: "alice@example.com", Password: "Wrong#Pass99"}
	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, "t1", req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}
	if _, err := svc.Authenticate(ctx, "t1", req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestDuplicateEmailWithinTenant(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	_, err := svc.CreateUser(ctx, UserCreate{
		TenantID: "t1",
		Email:    "ALICE@example.com",
		Password: testPassword,
		Role:     RoleViewer,
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("got %v, want ErrDuplicateEmail", err)
	}
}

func TestCreateUserEnforcesPolicy(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")

	_, err := svc.CreateUser(ctx, UserCreate{
		TenantID: "t1",
		Email:    "bob@example.com",
		Password: "short",
		Role:     RoleViewer,
	})
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("got %v, want ErrPasswordPolicy", err)
	}
}

func TestConcurrentSessionsIndependent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	req := LoginRequest{Email: "alice@example.com", Password: testPassword}
	first, err := svc.Authenticate(ctx, "t1", req)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := svc.Authenticate(ctx, "t1", req)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("logins must create distinct sessions")
	}

	if err := svc.Logout(ctx, "t1", first.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := svc.VerifyAccess(ctx, first.Tokens.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked session access: got %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, second.Tokens.AccessToken); err != nil {
		t.Fatalf("surviving session access: %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	req := LoginRequest{Email: "alice@example.com", Password: testPassword}
	a, _ := svc.Authenticate(ctx, "t1", req)
	b, _ := svc.Authenticate(ctx, "t1", req)

	if err := svc.LogoutAll(ctx, "t1", user.ID); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}

	for _, resp := range []*AuthResponse{a, b} {
		if _, err := svc.VerifyAccess(ctx, resp.Tokens.AccessToken); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session %s still valid after LogoutAll: %v", resp.SessionID, err)
		}
	}

	ids, err := svc.Sessions(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("active sessions after LogoutAll: %v", ids)
	}
}
