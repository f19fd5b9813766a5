// Package password provides argon2id hashing with PHC-encoded output.
//
// Hashing is deliberately expensive. HashContext bounds a single hash by a
// context so one slow call cannot pin a request goroutine indefinitely.
package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

// ErrEmptyPassword is returned by Hash for empty or whitespace-only input.
var ErrEmptyPassword = errors.New("password is empty")

// ErrInvalidHash is returned when a stored hash cannot be parsed as a
// supported PHC string.
var ErrInvalidHash = errors.New("invalid password hash")

// Config holds the argon2id cost parameters. Instances are validated at
// construction and treated as immutable afterwards.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher computes and verifies argon2id hashes. Safe for concurrent use.
type Hasher struct {
	config Config
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return &Hasher{config: cfg}, nil
}

// Hash derives a salted argon2id hash and encodes it as a PHC string.
// The salt is drawn fresh from crypto/rand on every call, so two hashes of
// the same password never compare equal while both verify.
func (h *Hasher) Hash(password string) (string, error) {
	// Raw string bytes are hashed as provided, no Unicode normalization.
	if strings.TrimSpace(password) == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// HashContext is Hash bounded by ctx. The key derivation itself is not
// interruptible, so the work runs on a separate goroutine and the result
// is abandoned if ctx ends first.
func (h *Hasher) HashContext(ctx context.Context, password string) (string, error) {
	type result struct {
		encoded string
		err     error
	}

	ch := make(chan result, 1)
	go func() {
		encoded, err := h.Hash(password)
		ch <- result{encoded: encoded, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.encoded, r.err
	}
}

// Verify recomputes the hash under the parameters recorded in encodedHash
// and compares in constant time. The comparison cost does not depend on
// how much of the password matched.
func (h *Hasher) Verify(password, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with weaker cost
// parameters than the current config. Callers re-hash on next successful
// verification.
func (h *Hasher) NeedsRehash(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	if h.config.Memory > parsed.memory {
		return true, nil
	}
	if h.config.Time > parsed.time {
		return true, nil
	}
	if h.config.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.config.KeyLength != parsed.keyLength {
		return true, nil
	}

	return false, nil
}

func parsePHC(encodedHash string) (*parsedPHC, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrInvalidHash
	}

	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm", ErrInvalidHash)
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidHash)
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version", ErrInvalidHash)
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidHash)
	}

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("%w: bad digest", ErrInvalidHash)
	}

	return &parsedPHC{
		memory:      params.memory,
		time:        params.time,
		parallelism: params.parallelism,
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

type parsedParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

func parseParams(part string) (*parsedParams, error) {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return nil, fmt.Errorf("%w: bad parameters", ErrInvalidHash)
	}

	var (
		params parsedParams
		seen   int
	)

	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: bad parameter entry", ErrInvalidHash)
		}

		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return nil, fmt.Errorf("%w: bad memory parameter", ErrInvalidHash)
			}
			params.memory = uint32(v)
			seen++
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return nil, fmt.Errorf("%w: bad time parameter", ErrInvalidHash)
			}
			params.time = uint32(v)
			seen++
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return nil, fmt.Errorf("%w: bad parallelism parameter", ErrInvalidHash)
			}
			params.parallelism = uint8(v)
			seen++
		default:
			return nil, fmt.Errorf("%w: unknown parameter", ErrInvalidHash)
		}
	}

	if seen != 3 {
		return nil, fmt.Errorf("%w: missing parameters", ErrInvalidHash)
	}

	return &params, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return errors.New("password memory must be >= 8192 KB")
	}
	if cfg.Time < minTimeCost {
		return errors.New("password time must be >= 1")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("password parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("password salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("password key length must be >= 16")
	}

	return nil
}
