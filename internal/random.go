package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

// SessionID is a 128-bit random identifier, rendered base64url.
type SessionID [16]byte

const (
	resetTokenRawSize = 48
	resetSecretSize   = 32
)

// Crockford-style alphabet without look-alike characters. Used for
// backup codes that humans transcribe from a printout.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// NewSessionID returns a fresh random session identifier.
func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// ParseSessionID decodes the string form produced by String.
func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewResetSecret returns the random secret half of a reset token.
func NewResetSecret() ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashResetSecret derives the digest that is stored server-side; the
// plaintext secret only ever lives inside the token handed to the user.
func HashResetSecret(secret [resetSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeResetToken packs a reset record ID and its secret into one opaque
// token string.
func EncodeResetToken(resetID string, secret [resetSecretSize]byte) (string, error) {
	sid, err := ParseSessionID(resetID)
	if err != nil {
		return "", err
	}

	var raw [resetTokenRawSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeResetToken splits a token back into record ID and secret. Any
// malformed input yields a single generic error so callers cannot probe
// token structure.
func DecodeResetToken(token string) (string, [resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, errors.New("malformed reset token")
	}
	if len(raw) != resetTokenRawSize {
		return "", secret, errors.New("malformed reset token")
	}

	var sid SessionID
	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid.String(), secret, nil
}

// NewBackupCode returns one human-transcribable single-use code in the
// form XXXXX-XXXXX.
func NewBackupCode() (string, error) {
	var b strings.Builder
	alphabetLen := big.NewInt(int64(len(backupCodeAlphabet)))

	for i := 0; i < 10; i++ {
		if i == 5 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// HashBackupCode normalizes and digests a backup code for storage or
// comparison. Normalization forgives case and the display hyphen.
func HashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NewNumericCode returns a random code of n decimal digits, the kind
// delivered over SMS or email. Leading zeros are kept.
func NewNumericCode(n int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)

	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}

	return b.String(), nil
}

// NewChallengeID returns a random MFA challenge identifier.
func NewChallengeID() (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
