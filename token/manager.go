// Package token signs and verifies the JWT access/refresh pairs issued on
// login. Both token kinds embed the tenant; a refresh can only ever mint
// tokens for the tenant it was issued under.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm for issued tokens.
type SigningMethod string

const (
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 private key.
	MethodEd25519 SigningMethod = "ed25519"
)

const refreshTokenType = "refresh"

var (
	// ErrExpired means the signature verified but exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers every other verification failure: bad signature,
	// malformed token, unknown kid, wrong token type.
	ErrInvalid = errors.New("token invalid")
)

// Config holds signing material and TTLs. VerifyKeys is an optional kid
// keyset so verification tolerates keys other than the current signing
// key; rotation management itself happens outside this package.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	VerifyKeys    map[string][]byte

	Issuer string
	Leeway time.Duration

	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

// Manager issues and parses token pairs. Immutable after construction and
// safe for concurrent use.
type Manager struct {
	config Config
}

// AccessClaims is the payload of an access token. Permissions ride as a
// uint64 bitmask so payload size stays flat regardless of grant count.
type AccessClaims struct {
	UserID    string `json:"uid"`
	TenantID  string `json:"tid"`
	SessionID string `json:"sid"`
	Role      string `json:"rol"`
	PermMask  uint64 `json:"pm,omitempty"`
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. Generation increments
// on every rotation; a token carrying a stale generation is evidence of
// reuse.
type RefreshClaims struct {
	UserID     string `json:"uid"`
	TenantID   string `json:"tid"`
	SessionID  string `json:"sid"`
	Generation int    `json:"gen"`
	TokenType  string `json:"typ"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	if cfg.RememberMeTTL == 0 {
		cfg.RememberMeTTL = 30 * 24 * time.Hour
	}
	if cfg.RememberMeTTL < cfg.RefreshTTL {
		return nil, errors.New("remember-me TTL must be >= refresh TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires a public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key set contains empty kid")
		}
		if cfg.SigningMethod == MethodEd25519 {
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
			}
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// IssueAccess signs an access token for the session.
func (m *Manager) IssueAccess(userID, tenantID, sessionID, role string, permMask uint64) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.AccessTTL)

	claims := AccessClaims{
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Role:      role,
		PermMask:  permMask,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	signed, err := m.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// IssueRefresh signs a refresh token. rememberMe selects the extended TTL
// negotiated at login.
func (m *Manager) IssueRefresh(userID, tenantID, sessionID string, generation int, rememberMe bool) (string, time.Time, error) {
	ttl := m.config.RefreshTTL
	if rememberMe {
		ttl = m.config.RememberMeTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := RefreshClaims{
		UserID:     userID,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Generation: generation,
		TokenType:  refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	signed, err := m.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccess verifies signature first, then expiry, then shape. A
// refresh token presented here fails with ErrInvalid.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != "" {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || claims.TenantID == "" || claims.SessionID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token. An access token presented here
// fails with ErrInvalid via the typ claim.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != refreshTokenType {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || claims.TenantID == "" || claims.SessionID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		tok.Header["kid"] = m.config.KeyID
	}

	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (m *Manager) parse(tokenStr string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, claims, m.resolveVerifyKey)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid {
		return ErrInvalid
	}
	return nil
}

func (m *Manager) resolveVerifyKey(t *jwt.Token) (interface{}, error) {
	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.toVerifyKey(key)
	}

	if m.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != m.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPrivateKey(m.config.PrivateKey)
}

func (m *Manager) toVerifyKey(key []byte) (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
