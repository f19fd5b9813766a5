// Package policy evaluates per-tenant password rules: complexity, age,
// history depth, lockout thresholds, and denylist checks.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Violation names one failed rule. Validate returns all violations at
// once so callers can present a complete list.
type Violation string

const (
	// ViolationTooShort is reported when the password is under MinLength.
	ViolationTooShort Violation = "too_short"
	// ViolationNoUpper is reported when an uppercase letter is required and absent.
	ViolationNoUpper Violation = "missing_uppercase"
	// ViolationNoLower is reported when a lowercase letter is required and absent.
	ViolationNoLower Violation = "missing_lowercase"
	// ViolationNoDigit is reported when a digit is required and absent.
	ViolationNoDigit Violation = "missing_digit"
	// ViolationNoSpecial is reported when a special character is required and absent.
	ViolationNoSpecial Violation = "missing_special"
	// ViolationCommon is reported for passwords on the common-password denylist.
	ViolationCommon Violation = "common_password"
	// ViolationPersonalInfo is reported when the password contains caller-supplied
	// personal data such as the email local part.
	ViolationPersonalInfo Violation = "contains_personal_info"
)

// Policy is one tenant's password rule set.
type Policy struct {
	MinLength       int
	RequireUpper    bool
	RequireLower    bool
	RequireDigit    bool
	RequireSpecial  bool
	MaxAgeDays      int
	HistoryCount    int
	LockoutAttempts int
	LockoutDuration time.Duration
	PreventCommon   bool
	PreventPersonal bool
}

// Default returns the baseline policy applied to tenants without an
// override.
func Default() Policy {
	return Policy{
		MinLength:       8,
		RequireUpper:    true,
		RequireLower:    true,
		RequireDigit:    true,
		RequireSpecial:  true,
		MaxAgeDays:      90,
		HistoryCount:    5,
		LockoutAttempts: 5,
		LockoutDuration: 15 * time.Minute,
		PreventCommon:   true,
		PreventPersonal: true,
	}
}

// Validate checks p against structural bounds.
func (p Policy) Validate() error {
	if p.MinLength < 8 {
		return errors.New("policy min length must be >= 8")
	}
	if p.MaxAgeDays < 0 || p.MaxAgeDays > 90 {
		return errors.New("policy max age must be within 0..90 days")
	}
	if p.HistoryCount < 5 {
		return errors.New("policy history count must be >= 5")
	}
	if p.LockoutAttempts < 1 || p.LockoutAttempts > 10 {
		return errors.New("policy lockout attempts must be within 1..10")
	}
	if p.LockoutDuration <= 0 {
		return errors.New("policy lockout duration must be positive")
	}
	return nil
}

// Expired reports whether a password last changed at changedAt has
// outlived the policy's maximum age. A zero MaxAgeDays disables expiry.
func (p Policy) Expired(changedAt, now time.Time) bool {
	if p.MaxAgeDays <= 0 || changedAt.IsZero() {
		return false
	}
	return now.Sub(changedAt) > time.Duration(p.MaxAgeDays)*24*time.Hour
}

// Engine resolves the effective policy for a tenant. Overrides are
// registered at construction and immutable afterwards, so lookups are
// safe for concurrent use.
type Engine struct {
	base      Policy
	overrides map[string]Policy
}

// NewEngine builds an Engine from a base policy and per-tenant overrides.
// Every policy is validated up front.
func NewEngine(base Policy, overrides map[string]Policy) (*Engine, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}

	cloned := make(map[string]Policy, len(overrides))
	for tenantID, p := range overrides {
		if strings.TrimSpace(tenantID) == "" {
			return nil, errors.New("policy override with empty tenant id")
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		cloned[tenantID] = p
	}

	return &Engine{base: base, overrides: cloned}, nil
}

// PolicyFor returns the tenant's override when registered, the base
// policy otherwise.
func (e *Engine) PolicyFor(tenantID string) Policy {
	if p, ok := e.overrides[tenantID]; ok {
		return p
	}
	return e.base
}

// Check validates password against the tenant's policy. personal carries
// caller-known user inputs (email, organization name) for the
// personal-info rule; the email local part is extracted automatically.
func (e *Engine) Check(tenantID, password string, personal ...string) []Violation {
	p := e.PolicyFor(tenantID)

	var violations []Violation
	if len(password) < p.MinLength {
		violations = append(violations, ViolationTooShort)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	if p.RequireUpper && !hasUpper {
		violations = append(violations, ViolationNoUpper)
	}
	if p.RequireLower && !hasLower {
		violations = append(violations, ViolationNoLower)
	}
	if p.RequireDigit && !hasDigit {
		violations = append(violations, ViolationNoDigit)
	}
	if p.RequireSpecial && !hasSpecial {
		violations = append(violations, ViolationNoSpecial)
	}

	if p.PreventCommon && isCommon(password) {
		violations = append(violations, ViolationCommon)
	}
	if p.PreventPersonal && containsPersonal(password, personal) {
		violations = append(violations, ViolationPersonalInfo)
	}

	return violations
}

func isCommon(password string) bool {
	_, ok := commonPasswords[strings.ToLower(password)]
	return ok
}

func containsPersonal(password string, personal []string) bool {
	lowered := strings.ToLower(password)
	for _, item := range personal {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		// For emails only the local part matters; nobody types the domain
		// of every coworker into their password.
		if at := strings.IndexByte(item, '@'); at > 0 {
			item = item[:at]
		}
		if len(item) >= 3 && strings.Contains(lowered, item) {
			return true
		}
	}
	return false
}

var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"abc123":      {},
	"letmein":     {},
	"welcome":     {},
	"welcome1":    {},
	"admin":       {},
	"iloveyou":    {},
	"monkey":      {},
	"dragon":      {},
	"sunshine":    {},
	"princess":    {},
	"football":    {},
	"baseball":    {},
	"trustno1":    {},
	"superman":    {},
	"passw0rd":    {},
	"p@ssword":    {},
	"p@ssw0rd":    {},
}
