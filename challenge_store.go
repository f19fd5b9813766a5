package tenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const challengeKeyPrefix = "tmc"

var (
	errChallengeNotFound     = errors.New("mfa challenge not found")
	errChallengeExhausted    = errors.New("mfa challenge attempts exhausted")
	errChallengeUnavailable  = errors.New("mfa challenge redis unavailable")
	errChallengeStaleAttempt = errors.New("mfa challenge concurrently modified")
)

// mfaChallenge is the pending second factor for a half-completed login.
// Code is only populated for delivered factors (SMS, email); TOTP and
// backup codes are verified against the user record instead.
type mfaChallenge struct {
	UserID     string   `msgpack:"uid"`
	RememberMe bool     `msgpack:"rm"`
	Methods    []string `msgpack:"mth"`
	Code       string   `msgpack:"code,omitempty"`
	Attempts   uint16   `msgpack:"att"`
	ExpiresAt  int64    `msgpack:"exp"`
}

type mfaChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newMFAChallengeStore(redisClient redis.UniversalClient) *mfaChallengeStore {
	return &mfaChallengeStore{
		redis:  redisClient,
		prefix: challengeKeyPrefix,
	}
}

func (s *mfaChallengeStore) key(tenantID, challengeID string) string {
	return s.prefix + ":" + tenantID + ":" + challengeID
}

func (s *mfaChallengeStore) Save(ctx context.Context, tenantID, challengeID string, ch *mfaChallenge, ttl time.Duration) error {
	encoded, err := msgpack.Marshal(ch)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(tenantID, challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}

func (s *mfaChallengeStore) Get(ctx context.Context, tenantID, challengeID string) (*mfaChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID, challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}

	var ch mfaChallenge
	if err := msgpack.Unmarshal(data, &ch); err != nil {
		return nil, err
	}
	if time.Now().Unix() > ch.ExpiresAt {
		s.redis.Del(ctx, s.key(tenantID, challengeID))
		return nil, errChallengeNotFound
	}
	return &ch, nil
}

// Fail burns one attempt on a failed verification. Reaching maxAttempts
// deletes the challenge so the login has to start over.
func (s *mfaChallengeStore) Fail(ctx context.Context, tenantID, challengeID string, maxAttempts int) error {
	const maxRetries = 4
	key := s.key(tenantID, challengeID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var ch mfaChallenge
			if err := msgpack.Unmarshal(data, &ch); err != nil {
				return err
			}

			ch.Attempts++
			if int(ch.Attempts) >= maxAttempts {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExhausted
			}

			ttl := time.Until(time.Unix(ch.ExpiresAt, 0))
			if ttl <= 0 {
				return errChallengeNotFound
			}

			updated, err := msgpack.Marshal(&ch)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return errChallengeNotFound
			case errors.Is(err, errChallengeNotFound), errors.Is(err, errChallengeExhausted):
				return err
			default:
				return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
			}
		}
		return nil
	}

	return errChallengeStaleAttempt
}

func (s *mfaChallengeStore) Delete(ctx context.Context, tenantID, challengeID string) error {
	if err := s.redis.Del(ctx, s.key(tenantID, challengeID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}
	return nil
}
