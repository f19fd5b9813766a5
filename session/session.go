// Package session manages the Redis-backed session lifecycle: creation,
// tenant-scoped lookup, expiry, revocation, and the refresh-generation
// compare-and-swap behind refresh token rotation.
//
// A session moves ACTIVE -> EXPIRED (time) or ACTIVE -> REVOKED (explicit
// action). Both terminal states are final and their transitions are
// idempotent. Terminal records are kept as tombstones until their Redis
// TTL lapses so repeated revocations and status queries stay coherent.
package session

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a live session.
	StatusActive Status = "ACTIVE"
	// StatusExpired is the terminal state reached by the clock.
	StatusExpired Status = "EXPIRED"
	// StatusRevoked is the terminal state reached by explicit action.
	StatusRevoked Status = "REVOKED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// Session is the server-side record of one authenticated device/browser
// instance. Stored msgpack-encoded in Redis under a tenant-scoped key.
type Session struct {
	ID         string `msgpack:"id"`
	UserID     string `msgpack:"uid"`
	TenantID   string `msgpack:"tid"`
	Status     Status `msgpack:"st"`
	IPAddress  string `msgpack:"ip,omitempty"`
	UserAgent  string `msgpack:"ua,omitempty"`
	AuthMethod string `msgpack:"am,omitempty"`
	RefreshGen int    `msgpack:"gen"`
	RememberMe bool   `msgpack:"rm,omitempty"`
	CreatedAt  int64  `msgpack:"cat"`
	ExpiresAt  int64  `msgpack:"exp"`
}

// Active reports whether the session is usable at the given time. A
// record can be status-ACTIVE yet past its expiry when the clock beat
// the store to the transition; callers treat that the same as EXPIRED.
func (s *Session) Active(now time.Time) bool {
	return s.Status == StatusActive && now.Unix() < s.ExpiresAt
}

func encode(s *Session) ([]byte, error) {
	return msgpack.Marshal(s)
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
