package tenauth

import (
	"errors"
	"time"

	"github.com/veldtlabs/tenauth/password"
	"github.com/veldtlabs/tenauth/policy"
	"github.com/veldtlabs/tenauth/token"
)

// Config is the full tuning surface of a Service. Obtain one from
// DefaultConfig, adjust, and hand it to the Builder; after Build the
// Service keeps its own copy and never reads the original again.
type Config struct {
	// Issuer stamps JWTs and TOTP provisioning URIs.
	Issuer string

	Password PasswordConfig
	Token    TokenConfig
	Session  SessionConfig
	Policy   PolicyConfig
	MFA      MFAConfig
	Reset    ResetConfig
	Rate     RateConfig
	Audit    AuditConfig
}

// PasswordConfig carries argon2id cost parameters and the hash deadline.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// HashTimeout bounds one hashing call. Hashing is intentionally
	// expensive; the timeout keeps a pathological input from pinning a
	// goroutine past the request deadline.
	HashTimeout time.Duration
}

// TokenConfig carries signing material and TTLs for the token service.
type TokenConfig struct {
	SigningMethod token.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	VerifyKeys    map[string][]byte
	Leeway        time.Duration
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

// SessionConfig controls session lifetimes and the optional per-user cap.
type SessionConfig struct {
	Prefix        string
	DefaultTTL    time.Duration
	RememberMeTTL time.Duration
	// MaxSessionsPerUser evicts the oldest session past the cap. Zero,
	// the default, keeps the historical unbounded behavior.
	MaxSessionsPerUser int
}

// PolicyConfig sets the base password policy and per-tenant overrides.
type PolicyConfig struct {
	Base            policy.Policy
	TenantOverrides map[string]policy.Policy
}

// MFAConfig tunes login challenges.
type MFAConfig struct {
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
}

// ResetConfig tunes password reset tokens.
type ResetConfig struct {
	TokenTTL    time.Duration
	MaxAttempts int
}

// RateConfig throttles the credential-handling entry points, keyed by
// tenant+email and by client IP. Zero rates disable a limiter.
type RateConfig struct {
	LoginPerMinute float64
	LoginBurst     int
	ResetPerHour   float64
	ResetBurst     int
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events under pressure instead of blocking the
	// authentication path. Dropped counts are observable on the Service.
	DropIfFull bool
}

// DefaultConfig returns the baseline configuration. Signing material has
// no default; the Builder requires it explicitly.
func DefaultConfig() *Config {
	return &Config{
		Issuer: "tenauth",
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			HashTimeout: 2 * time.Second,
		},
		Token: TokenConfig{
			SigningMethod: token.MethodHS256,
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			RememberMeTTL: 30 * 24 * time.Hour,
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			Prefix:        "ts",
			DefaultTTL:    24 * time.Hour,
			RememberMeTTL: 30 * 24 * time.Hour,
		},
		Policy: PolicyConfig{
			Base: policy.Default(),
		},
		MFA: MFAConfig{
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
		},
		Reset: ResetConfig{
			TokenTTL:    30 * time.Minute,
			MaxAttempts: 5,
		},
		Rate: RateConfig{
			LoginPerMinute: 10,
			LoginBurst:     10,
			ResetPerHour:   6,
			ResetBurst:     3,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

// Validate checks the configuration exhaustively so a misconfigured
// Service fails at Build, not mid-login.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}

	if _, err := password.New(password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
		KeyLength:   c.Password.KeyLength,
	}); err != nil {
		return err
	}
	if c.Password.HashTimeout <= 0 {
		return errors.New("password hash timeout must be positive")
	}

	if _, err := token.NewManager(token.Config{
		SigningMethod: c.Token.SigningMethod,
		PrivateKey:    c.Token.PrivateKey,
		PublicKey:     c.Token.PublicKey,
		KeyID:         c.Token.KeyID,
		VerifyKeys:    c.Token.VerifyKeys,
		Issuer:        c.Issuer,
		Leeway:        c.Token.Leeway,
		AccessTTL:     c.Token.AccessTTL,
		RefreshTTL:    c.Token.RefreshTTL,
		RememberMeTTL: c.Token.RememberMeTTL,
	}); err != nil {
		return err
	}

	if c.Session.DefaultTTL <= 0 {
		return errors.New("session default TTL must be positive")
	}
	if c.Session.RememberMeTTL < 30*24*time.Hour {
		return errors.New("session remember-me TTL must be at least 30 days")
	}
	if c.Session.MaxSessionsPerUser < 0 {
		return errors.New("session cap must not be negative")
	}

	if _, err := policy.NewEngine(c.Policy.Base, c.Policy.TenantOverrides); err != nil {
		return err
	}

	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("mfa challenge TTL must be positive")
	}
	if c.MFA.ChallengeMaxAttempts < 1 {
		return errors.New("mfa challenge attempts must be at least 1")
	}

	if c.Reset.TokenTTL <= 0 {
		return errors.New("reset token TTL must be positive")
	}
	if c.Reset.MaxAttempts < 1 {
		return errors.New("reset max attempts must be at least 1")
	}

	if c.Rate.LoginPerMinute < 0 || c.Rate.ResetPerHour < 0 {
		return errors.New("rate limits must not be negative")
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("audit buffer size must be at least 1")
	}

	return nil
}

// clone returns a deep copy so the built Service is isolated from later
// mutation of the caller's Config.
func (c *Config) clone() *Config {
	cloned := *c

	cloned.Token.PrivateKey = append([]byte(nil), c.Token.PrivateKey...)
	cloned.Token.PublicKey = append([]byte(nil), c.Token.PublicKey...)
	if c.Token.VerifyKeys != nil {
		cloned.Token.VerifyKeys = make(map[string][]byte, len(c.Token.VerifyKeys))
		for kid, key := range c.Token.VerifyKeys {
			cloned.Token.VerifyKeys[kid] = append([]byte(nil), key...)
		}
	}
	if c.Policy.TenantOverrides != nil {
		cloned.Policy.TenantOverrides = make(map[string]policy.Policy, len(c.Policy.TenantOverrides))
		for tenantID, p := range c.Policy.TenantOverrides {
			cloned.Policy.TenantOverrides[tenantID] = p
		}
	}

	return &cloned
}
