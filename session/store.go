package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no session exists under the given
	// tenant and ID. A session stored under another tenant is, by
	// definition, not found.
	ErrNotFound = errors.New("session not found")
	// ErrGenMismatch is returned by BumpRefreshGen when the presented
	// generation is stale. The caller treats this as refresh reuse.
	ErrGenMismatch = errors.New("refresh generation mismatch")
	// ErrNotActive is returned when an operation requires a live session
	// but the record is terminal or past expiry.
	ErrNotActive = errors.New("session not active")
	// ErrRedisUnavailable wraps transport-level Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const casRetries = 4

// Config tunes the session store.
type Config struct {
	// Prefix namespaces all keys, default "ts".
	Prefix string
	// MaxSessionsPerUser caps concurrent sessions per user; creating one
	// past the cap evicts the oldest. Zero disables the cap, which is
	// the default behavior.
	MaxSessionsPerUser int
}

// Store persists sessions in Redis. All operations are tenant-scoped;
// a session created under tenant A is unreachable through tenant B even
// with the correct session ID, because the tenant is part of the key.
type Store struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewStore returns a session Store backed by the given Redis client.
func NewStore(redisClient redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "ts"
	}
	return &Store{
		redis:  redisClient,
		config: cfg,
		now:    time.Now,
	}
}

func (s *Store) key(tenantID, sessionID string) string {
	return s.config.Prefix + ":" + tenantID + ":" + sessionID
}

func (s *Store) userKey(tenantID, userID string) string {
	return s.config.Prefix + "u:" + tenantID + ":" + userID
}

func (s *Store) countKey(tenantID string) string {
	return s.config.Prefix + "c:" + tenantID
}

// Create persists sess as ACTIVE. CreatedAt and ExpiresAt must already
// be set; the record's Redis TTL runs to ExpiresAt. When a per-user cap
// is configured the oldest session is revoked to make room.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" || sess.UserID == "" || sess.TenantID == "" {
		return errors.New("session id, user id, and tenant id are required")
	}

	now := s.now()
	ttl := time.Unix(sess.ExpiresAt, 0).Sub(now)
	if ttl <= 0 {
		return errors.New("session expiry is not in the future")
	}
	sess.Status = StatusActive

	if s.config.MaxSessionsPerUser > 0 {
		if err := s.evictForCap(ctx, sess.TenantID, sess.UserID); err != nil {
			return err
		}
	}

	data, err := encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.TenantID, sess.ID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.TenantID, sess.UserID), sess.ID)
		pipe.Incr(ctx, s.countKey(sess.TenantID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get loads a session under (tenantID, sessionID). A record whose clock
// expiry has passed is transitioned to EXPIRED on read and returned in
// that state; callers decide liveness with Session.Active or Status.
func (s *Store) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	key := s.key(tenantID, sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := decode(data)
	if err != nil {
		return nil, err
	}

	if sess.Status == StatusActive && s.now().Unix() >= sess.ExpiresAt {
		if err := s.transition(ctx, tenantID, sessionID, StatusExpired); err != nil {
			return nil, err
		}
		sess.Status = StatusExpired
	}

	return sess, nil
}

// Expire transitions the session to EXPIRED. Idempotent: expiring a
// terminal or missing session is a no-op.
func (s *Store) Expire(ctx context.Context, tenantID, sessionID string) error {
	return s.transition(ctx, tenantID, sessionID, StatusExpired)
}

// Revoke transitions the session to REVOKED. Idempotent like Expire.
// A session that already expired stays EXPIRED; terminal states never
// overwrite each other.
func (s *Store) Revoke(ctx context.Context, tenantID, sessionID string) error {
	return s.transition(ctx, tenantID, sessionID, StatusRevoked)
}

// BumpRefreshGen atomically advances the refresh generation from
// expectedGen to expectedGen+1. A stale expectedGen fails with
// ErrGenMismatch and leaves the record untouched; the caller revokes the
// session and reports reuse.
func (s *Store) BumpRefreshGen(ctx context.Context, tenantID, sessionID string, expectedGen int) (*Session, error) {
	key := s.key(tenantID, sessionID)

	for i := 0; i < casRetries; i++ {
		var updated *Session

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := decode(data)
			if err != nil {
				return err
			}

			if !sess.Active(s.now()) {
				return ErrNotActive
			}
			if sess.RefreshGen != expectedGen {
				return ErrGenMismatch
			}

			sess.RefreshGen++
			encoded, err := encode(sess)
			if err != nil {
				return err
			}

			ttl := time.Unix(sess.ExpiresAt, 0).Sub(s.now())
			if ttl <= 0 {
				return ErrNotActive
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			updated = sess
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrNotFound
			case errors.Is(err, ErrNotActive), errors.Is(err, ErrGenMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}

		return updated, nil
	}

	return nil, fmt.Errorf("%w: refresh CAS contention", ErrRedisUnavailable)
}

// ActiveSessionIDs lists tracked session IDs for a user. The index may
// contain IDs whose records already lapsed; callers resolve through Get.
func (s *Store) ActiveSessionIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(tenantID, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// RevokeAllForUser revokes every tracked session of a user within the
// tenant. Used on logout-all and after password changes.
func (s *Store) RevokeAllForUser(ctx context.Context, tenantID, userID string) error {
	ids, err := s.ActiveSessionIDs(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.Revoke(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

// TenantSessionCount returns the tenant-wide counter of sessions created
// and not yet reaped.
func (s *Store) TenantSessionCount(ctx context.Context, tenantID string) (int, error) {
	count, err := s.redis.Get(ctx, s.countKey(tenantID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Ping reports Redis availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

// transition writes a terminal status under CAS so concurrent lifecycle
// changes cannot clobber one another. Missing and already-terminal
// records are no-ops.
func (s *Store) transition(ctx context.Context, tenantID, sessionID string, to Status) error {
	key := s.key(tenantID, sessionID)

	for i := 0; i < casRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := decode(data)
			if err != nil {
				return err
			}
			if sess.Status.Terminal() {
				return nil
			}

			sess.Status = to
			encoded, err := encode(sess)
			if err != nil {
				return err
			}

			// Tombstone keeps the key's remaining TTL so idempotency and
			// status queries hold until natural reaping.
			pttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if pttl <= 0 {
				pttl = time.Minute
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, pttl)
				pipe.SRem(ctx, s.userKey(tenantID, sess.UserID), sessionID)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: transition CAS contention", ErrRedisUnavailable)
}

// evictForCap revokes oldest sessions until the user is below the cap.
func (s *Store) evictForCap(ctx context.Context, tenantID, userID string) error {
	ids, err := s.ActiveSessionIDs(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if len(ids) < s.config.MaxSessionsPerUser {
		return nil
	}

	live := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if sess.Active(s.now()) {
			live = append(live, sess)
		}
	}

	if len(live) < s.config.MaxSessionsPerUser {
		return nil
	}

	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt < live[j].CreatedAt })

	excess := len(live) - s.config.MaxSessionsPerUser + 1
	for _, victim := range live[:excess] {
		if err := s.Revoke(ctx, tenantID, victim.ID); err != nil {
			return err
		}
	}
	return nil
}
