package tenauth

import (
	"context"
	"strings"
	"time"
)

// TenantStatus is the lifecycle state of a tenant organization.
type TenantStatus string

const (
	TenantActive TenantStatus = "ACTIVE"
	// TenantSuspended blocks all authentication for the tenant's users.
	TenantSuspended TenantStatus = "SUSPENDED"
	// TenantPending marks a tenant that has not completed provisioning.
	TenantPending TenantStatus = "PENDING"
)

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive UserStatus = "ACTIVE"
	// UserPending marks an account awaiting activation.
	UserPending UserStatus = "PENDING"
	// UserDisabled blocks authentication without deleting the account.
	UserDisabled UserStatus = "DISABLED"
)

// SessionStatus values live in the session package; auth methods and MFA
// methods are shared string vocabularies used across the service, the
// session records, and the audit stream.
const (
	AuthMethodPassword = "password"
	AuthMethodMFA      = "mfa"
	AuthMethodRefresh  = "refresh"
)

// MFA method names accepted by SetupMFA and ConfirmMFA.
const (
	MFAMethodTOTP   = "TOTP"
	MFAMethodBackup = "BACKUP_CODE"
	MFAMethodSMS    = "SMS"
	MFAMethodEmail  = "EMAIL"
)

// Role is the coarse access level assigned to a user. Roles map to default
// permission sets at user creation; per-user grants can extend them.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDeveloper Role = "DEVELOPER"
	RoleViewer    Role = "VIEWER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleViewer:
		return true
	}
	return false
}

// Permission is one entry in the closed permission vocabulary. Permissions
// travel inside access tokens as a uint64 bitmask rather than as strings,
// which keeps token size constant no matter how many are granted.
type Permission uint8

const (
	PermUsersRead Permission = iota
	PermUsersWrite
	PermProjectsRead
	PermProjectsWrite
	PermBillingRead
	PermBillingWrite
	PermAuditRead
	PermTenantAdmin

	permissionCount
)

var permissionNames = [permissionCount]string{
	PermUsersRead:     "users:read",
	PermUsersWrite:    "users:write",
	PermProjectsRead:  "projects:read",
	PermProjectsWrite: "projects:write",
	PermBillingRead:   "billing:read",
	PermBillingWrite:  "billing:write",
	PermAuditRead:     "audit:read",
	PermTenantAdmin:   "tenant:admin",
}

// String returns the canonical permission name, or "unknown" for values
// outside the vocabulary.
func (p Permission) String() string {
	if p >= permissionCount {
		return "unknown"
	}
	return permissionNames[p]
}

// ParsePermission maps a permission name to its enum value. Free-form
// strings that are not in the vocabulary are rejected at issuance time.
func ParsePermission(name string) (Permission, bool) {
	for i, n := range permissionNames {
		if n == name {
			return Permission(i), true
		}
	}
	return 0, false
}

// PermissionMask packs permissions into the bitmask carried by access
// tokens. Out-of-vocabulary values are ignored.
func PermissionMask(perms ...Permission) uint64 {
	var mask uint64
	for _, p := range perms {
		if p < permissionCount {
			mask |= 1 << p
		}
	}
	return mask
}

// PermissionsFromMask unpacks a token bitmask into permission values.
func PermissionsFromMask(mask uint64) []Permission {
	perms := make([]Permission, 0, permissionCount)
	for p := Permission(0); p < permissionCount; p++ {
		if mask&(1<<p) != 0 {
			perms = append(perms, p)
		}
	}
	return perms
}

// MaskHas reports whether a token bitmask grants p.
func MaskHas(mask uint64, p Permission) bool {
	return p < permissionCount && mask&(1<<p) != 0
}

// DefaultPermissions returns the permission set granted by a role when a
// user is created without explicit grants.
func (r Role) DefaultPermissions() []Permission {
	switch r {
	case RoleAdmin:
		return []Permission{
			PermUsersRead, PermUsersWrite,
			PermProjectsRead, PermProjectsWrite,
			PermBillingRead, PermBillingWrite,
			PermAuditRead, PermTenantAdmin,
		}
	case RoleDeveloper:
		return []Permission{PermUsersRead, PermProjectsRead, PermProjectsWrite}
	case RoleViewer:
		return []Permission{PermUsersRead, PermProjectsRead}
	}
	return nil
}

// Tenant is the root of isolation. Every other entity carries its ID and
// no lookup crosses tenants implicitly.
type Tenant struct {
	ID               string
	OrganizationName string
	Slug             string
	AdminEmail       string
	Status           TenantStatus
	MaxUsers         int
	CreatedAt        time.Time
}

// User is a tenant-scoped account. (TenantID, Email) is unique; the same
// email may exist in two tenants as two distinct users, so ID alone is
// never sufficient to locate one.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Role         Role
	Permissions  []Permission
	Status       UserStatus

	MFAEnabled     bool
	MFASecret      string
	MFAMethods     []string
	MFABackupCodes []string // SHA-256 hex digests, never plaintext
	MFALastCounter int64
	PhoneNumber    string

	LoginAttempts         int
	LockedUntil           *time.Time
	PasswordChangedAt     time.Time
	RequirePasswordChange bool

	CreatedAt time.Time
}

// Locked reports whether the account's lockout window is still open.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// HasMFAMethod reports whether method was enrolled during MFA setup.
func (u *User) HasMFAMethod(method string) bool {
	for _, m := range u.MFAMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// UserCreate carries registration input. Password is hashed before
// anything is persisted; the plaintext never reaches the store.
type UserCreate struct {
	TenantID              string
	Email                 string
	Password              string
	Role                  Role
	Permissions           []Permission
	PhoneNumber           string
	RequirePasswordChange bool
}

// LoginRequest is the credential-based entry into Authenticate.
type LoginRequest struct {
	Email      string
	Password   string
	RememberMe bool
}

// TokenPair is the signed artifact output of a successful login or
// refresh. Both tokens embed the tenant; refresh preserves it.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResponse is the outcome of Authenticate. When MFARequired is set no
// tokens are issued; the caller completes login via ConfirmMFA with the
// challenge ID.
type AuthResponse struct {
	Success     bool
	MFARequired bool
	ChallengeID string
	MFAMethods  []string
	SessionID   string
	UserID      string
	Tokens      *TokenPair
}

// MFASetup is returned by SetupMFA. Secret, OTPAuthURI, and QRCodePNG are
// populated for TOTP only. BackupCodes are plaintext exactly once, here;
// only their hashes are stored.
type MFASetup struct {
	Method      string
	Secret      string
	OTPAuthURI  string
	QRCodePNG   []byte
	BackupCodes []string
}

// AccessGrant is the verified content of an access token combined with
// the liveness of its backing session.
type AccessGrant struct {
	UserID         string
	TenantID       string
	SessionID      string
	Role           Role
	PermissionMask uint64
	ExpiresAt      time.Time
}

// Store is the persistence contract for tenants and users. All reads are
// composite-keyed by (tenant, id) or (tenant, email); implementations must
// never resolve an entity across tenants. IncrementLoginAttempts must be
// atomic so concurrent failed logins cannot lose updates.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error)
	GetUserByID(ctx context.Context, tenantID, userID string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	IncrementLoginAttempts(ctx context.Context, tenantID, userID string) (int, error)
	SetLockout(ctx context.Context, tenantID, userID string, until time.Time) error
	ClearLoginState(ctx context.Context, tenantID, userID string) error
}
