package tenauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/veldtlabs/tenauth/internal/audit"
	"github.com/veldtlabs/tenauth/internal/rate"
	"github.com/veldtlabs/tenauth/mfa"
	"github.com/veldtlabs/tenauth/password"
	"github.com/veldtlabs/tenauth/policy"
	"github.com/veldtlabs/tenauth/session"
	"github.com/veldtlabs/tenauth/token"
)

// Builder assembles a Service. Chain the With* options and call Build;
// the returned Service is fully wired and immutable.
//
//	svc, err := tenauth.New().
//		WithStore(store).
//		WithRedis(redisClient).
//		WithConfig(cfg).
//		Build()
type Builder struct {
	config     *Config
	store      Store
	redis      redis.UniversalClient
	auditSink  AuditSink
	dispatcher mfa.Dispatcher
	err        error
}

// New starts a Builder with the default configuration.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the configuration. The Builder keeps a deep copy,
// so later mutation of cfg does not reach the built Service.
func (b *Builder) WithConfig(cfg *Config) *Builder {
	if cfg == nil {
		b.err = errors.New("config must not be nil")
		return b
	}
	b.config = cfg.clone()
	return b
}

// WithStore sets the tenant/user persistence backend. Required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithRedis sets the Redis client backing sessions, MFA challenges, and
// reset tokens. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAuditSink sets the destination for audit events. Without one,
// enabled auditing falls back to a no-op sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMFADispatcher sets the SMS/email code delivery integration. Only
// needed when those methods are enrolled.
func (b *Builder) WithMFADispatcher(d mfa.Dispatcher) *Builder {
	b.dispatcher = d
	return b
}

// Build validates the configuration, wires every component, and returns
// the Service. Build does not retain the Builder; it can be discarded.
func (b *Builder) Build() (*Service, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.store == nil {
		return nil, errors.New("store is required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := b.config.clone()

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		SigningMethod: cfg.Token.SigningMethod,
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		KeyID:         cfg.Token.KeyID,
		VerifyKeys:    cfg.Token.VerifyKeys,
		Issuer:        cfg.Issuer,
		Leeway:        cfg.Token.Leeway,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		RememberMeTTL: cfg.Token.RememberMeTTL,
	})
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(cfg.Policy.Base, cfg.Policy.TenantOverrides)
	if err != nil {
		return nil, err
	}

	// The decoy is a real hash of random material; verifying against it
	// costs the same as verifying a genuine credential.
	var decoySecret [32]byte
	if _, err := rand.Read(decoySecret[:]); err != nil {
		return nil, err
	}
	decoyHash, err := hasher.Hash(base64.RawStdEncoding.EncodeToString(decoySecret[:]))
	if err != nil {
		return nil, err
	}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NoOpSink{}
	}

	sessions := session.NewStore(b.redis, session.Config{
		Prefix:             cfg.Session.Prefix,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
	})
	loginLimiter := rate.NewKeyed(rate.Config{
		PerMinute: cfg.Rate.LoginPerMinute,
		Burst:     cfg.Rate.LoginBurst,
	})
	resetLimiter := rate.NewKeyed(rate.Config{
		PerMinute: cfg.Rate.ResetPerHour / 60,
		Burst:     cfg.Rate.ResetBurst,
	})
	auditor := audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)

	return &Service{
		config:       cfg,
		store:        b.store,
		sessions:     sessions,
		tokens:       tokens,
		hasher:       hasher,
		policies:     policies,
		totp:         mfa.NewTOTP(cfg.Issuer),
		dispatch:     b.dispatcher,
		challenges:   newMFAChallengeStore(b.redis),
		resets:       newResetStore(b.redis),
		loginLimiter: loginLimiter,
		resetLimiter: resetLimiter,
		auditor:      auditor,
		metrics:      NewMetrics(),
		decoyHash:    decoyHash,
	}, nil
}
