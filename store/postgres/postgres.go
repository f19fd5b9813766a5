// Package postgres is the production Store implementation. Every query
// carries tenant_id in its WHERE clause; the composite (tenant_id, id)
// and (tenant_id, email) keys are the schema-level expression of tenant
// isolation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/veldtlabs/tenauth"
)

const uniqueViolation = "23505"

// Schema creates the tables this store expects. Deployments with their
// own migration tooling can inline it there instead of calling Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                TEXT PRIMARY KEY,
	organization_name TEXT NOT NULL,
	slug              TEXT NOT NULL UNIQUE,
	admin_email       TEXT NOT NULL,
	status            TEXT NOT NULL,
	max_users         INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id                      TEXT NOT NULL,
	tenant_id               TEXT NOT NULL REFERENCES tenants (id),
	email                   TEXT NOT NULL,
	password_hash           TEXT NOT NULL,
	role                    TEXT NOT NULL,
	permission_mask         BIGINT NOT NULL DEFAULT 0,
	status                  TEXT NOT NULL,
	mfa_enabled             BOOLEAN NOT NULL DEFAULT FALSE,
	mfa_secret              TEXT NOT NULL DEFAULT '',
	mfa_methods             TEXT[] NOT NULL DEFAULT '{}',
	mfa_backup_codes        TEXT[] NOT NULL DEFAULT '{}',
	mfa_last_counter        BIGINT NOT NULL DEFAULT -1,
	phone_number            TEXT NOT NULL DEFAULT '',
	login_attempts          INTEGER NOT NULL DEFAULT 0,
	locked_until            TIMESTAMPTZ,
	password_changed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	require_password_change BOOLEAN NOT NULL DEFAULT FALSE,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id),
	UNIQUE (tenant_id, email)
);
`

// Store implements tenauth.Store on PostgreSQL via sqlx.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return New(db), nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type tenantRow struct {
	ID               string    `db:"id"`
	OrganizationName string    `db:"organization_name"`
	Slug             string    `db:"slug"`
	AdminEmail       string    `db:"admin_email"`
	Status           string    `db:"status"`
	MaxUsers         int       `db:"max_users"`
	CreatedAt        time.Time `db:"created_at"`
}

type userRow struct {
	ID                    string         `db:"id"`
	TenantID              string         `db:"tenant_id"`
	Email                 string         `db:"email"`
	PasswordHash          string         `db:"password_hash"`
	Role                  string         `db:"role"`
	PermissionMask        int64          `db:"permission_mask"`
	Status                string         `db:"status"`
	MFAEnabled            bool           `db:"mfa_enabled"`
	MFASecret             string         `db:"mfa_secret"`
	MFAMethods            pq.StringArray `db:"mfa_methods"`
	MFABackupCodes        pq.StringArray `db:"mfa_backup_codes"`
	MFALastCounter        int64          `db:"mfa_last_counter"`
	PhoneNumber           string         `db:"phone_number"`
	LoginAttempts         int            `db:"login_attempts"`
	LockedUntil           *time.Time     `db:"locked_until"`
	PasswordChangedAt     time.Time      `db:"password_changed_at"`
	RequirePasswordChange bool           `db:"require_password_change"`
	CreatedAt             time.Time      `db:"created_at"`
}

const userColumns = `id, tenant_id, email, password_hash, role, permission_mask, status,
	mfa_enabled, mfa_secret, mfa_methods, mfa_backup_codes, mfa_last_counter, phone_number,
	login_attempts, locked_until, password_changed_at, require_password_change, created_at`

// CreateTenant implements tenauth.Store.
func (s *Store) CreateTenant(ctx context.Context, t *tenauth.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, organization_name, slug, admin_email, status, max_users, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OrganizationName, t.Slug, t.AdminEmail, string(t.Status), t.MaxUsers, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenauth.ErrDuplicateTenant
		}
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return nil
}

// GetTenant implements tenauth.Store.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenauth.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, organization_name, slug, admin_email, status, max_users, created_at
		FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenauth.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}

	return &tenauth.Tenant{
		ID:               row.ID,
		OrganizationName: row.OrganizationName,
		Slug:             row.Slug,
		AdminEmail:       row.AdminEmail,
		Status:           tenauth.TenantStatus(row.Status),
		MaxUsers:         row.MaxUsers,
		CreatedAt:        row.CreatedAt,
	}, nil
}

// CreateUser implements tenauth.Store. The (tenant_id, email) unique
// constraint enforces uniqueness; a violation maps to ErrDuplicateEmail.
func (s *Store) CreateUser(ctx context.Context, u *tenauth.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, string(u.Role),
		int64(tenauth.PermissionMask(u.Permissions...)), string(u.Status),
		u.MFAEnabled, u.MFASecret, pq.StringArray(u.MFAMethods), pq.StringArray(u.MFABackupCodes),
		u.MFALastCounter, u.PhoneNumber, u.LoginAttempts, u.LockedUntil,
		u.PasswordChangedAt, u.RequirePasswordChange, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenauth.ErrDuplicateEmail
		}
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return nil
}

// GetUserByEmail implements tenauth.Store.
func (s *Store) GetUserByEmail(ctx context.Context, tenantID, email string) (*tenauth.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+userColumns+` FROM users
		WHERE tenant_id = $1 AND email = lower($2)`, tenantID, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenauth.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return row.toUser(), nil
}

// GetUserByID implements tenauth.Store.
func (s *Store) GetUserByID(ctx context.Context, tenantID, userID string) (*tenauth.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+userColumns+` FROM users
		WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenauth.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return row.toUser(), nil
}

// UpdateUser implements tenauth.Store.
func (s *Store) UpdateUser(ctx context.Context, u *tenauth.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = lower($3), password_hash = $4, role = $5, permission_mask = $6,
			status = $7, mfa_enabled = $8, mfa_secret = $9, mfa_methods = $10,
			mfa_backup_codes = $11, mfa_last_counter = $12, phone_number = $13,
			login_attempts = $14, locked_until = $15, password_changed_at = $16,
			require_password_change = $17
		WHERE tenant_id = $1 AND id = $2`,
		u.TenantID, u.ID, u.Email, u.PasswordHash, string(u.Role),
		int64(tenauth.PermissionMask(u.Permissions...)), string(u.Status),
		u.MFAEnabled, u.MFASecret, pq.StringArray(u.MFAMethods), pq.StringArray(u.MFABackupCodes),
		u.MFALastCounter, u.PhoneNumber, u.LoginAttempts, u.LockedUntil,
		u.PasswordChangedAt, u.RequirePasswordChange,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenauth.ErrDuplicateEmail
		}
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return tenauth.ErrNotFound
	}
	return nil
}

// IncrementLoginAttempts implements tenauth.Store. The increment runs as
// a single UPDATE ... RETURNING, so concurrent failed logins against one
// account serialize on the row lock instead of losing updates.
func (s *Store) IncrementLoginAttempts(ctx context.Context, tenantID, userID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET login_attempts = login_attempts + 1
		WHERE tenant_id = $1 AND id = $2
		RETURNING login_attempts`, tenantID, userID,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, tenauth.ErrNotFound
		}
		return 0, fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return attempts, nil
}

// SetLockout implements tenauth.Store.
func (s *Store) SetLockout(ctx context.Context, tenantID, userID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET locked_until = $3
		WHERE tenant_id = $1 AND id = $2`, tenantID, userID, until)
	if err != nil {
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return requireAffected(res)
}

// ClearLoginState implements tenauth.Store.
func (s *Store) ClearLoginState(ctx context.Context, tenantID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET login_attempts = 0, locked_until = NULL
		WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	return requireAffected(res)
}

func (r *userRow) toUser() *tenauth.User {
	return &tenauth.User{
		ID:                    r.ID,
		TenantID:              r.TenantID,
		Email:                 r.Email,
		PasswordHash:          r.PasswordHash,
		Role:                  tenauth.Role(r.Role),
		Permissions:           tenauth.PermissionsFromMask(uint64(r.PermissionMask)),
		Status:                tenauth.UserStatus(r.Status),
		MFAEnabled:            r.MFAEnabled,
		MFASecret:             r.MFASecret,
		MFAMethods:            []string(r.MFAMethods),
		MFABackupCodes:        []string(r.MFABackupCodes),
		MFALastCounter:        r.MFALastCounter,
		PhoneNumber:           r.PhoneNumber,
		LoginAttempts:         r.LoginAttempts,
		LockedUntil:           r.LockedUntil,
		PasswordChangedAt:     r.PasswordChangedAt,
		RequirePasswordChange: r.RequirePasswordChange,
		CreatedAt:             r.CreatedAt,
	}
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", tenauth.ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return tenauth.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
