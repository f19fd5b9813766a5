package tenauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const resetKeyPrefix = "trt"

var (
	errResetNotFound         = errors.New("reset record not found")
	errResetSecretMismatch   = errors.New("reset secret mismatch")
	errResetAttemptsExceeded = errors.New("reset attempts exceeded")
	errResetRedisUnavailable = errors.New("reset redis unavailable")
)

type resetRecord struct {
	UserID     string   `msgpack:"uid"`
	SecretHash [32]byte `msgpack:"sh"`
	Attempts   uint16   `msgpack:"att"`
	ExpiresAt  int64    `msgpack:"exp"`
}

// resetStore keeps password reset records in Redis, keyed per tenant.
// Consume is single-use: the first matching call deletes the record
// atomically, so a second attempt with the same token always fails.
type resetStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newResetStore(redisClient redis.UniversalClient) *resetStore {
	return &resetStore{
		redis:  redisClient,
		prefix: resetKeyPrefix,
	}
}

func (s *resetStore) key(tenantID, resetID string) string {
	return s.prefix + ":" + tenantID + ":" + resetID
}

func (s *resetStore) Save(ctx context.Context, tenantID, resetID string, record *resetRecord, ttl time.Duration) error {
	encoded, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(tenantID, resetID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

// Consume deletes and returns the record when providedHash matches. A
// mismatch burns one attempt; hitting maxAttempts deletes the record.
// The secret comparison is constant-time.
func (s *resetStore) Consume(ctx context.Context, tenantID, resetID string, providedHash [32]byte, maxAttempts int) (*resetRecord, error) {
	const maxRetries = 4
	key := s.key(tenantID, resetID)

	for i := 0; i < maxRetries; i++ {
		var matched *resetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var record resetRecord
			if err := msgpack.Unmarshal(data, &record); err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errResetNotFound
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return errResetAttemptsExceeded
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					return errResetNotFound
				}

				updated, err := msgpack.Marshal(&record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errResetSecretMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = &record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errResetNotFound
			case errors.Is(err, errResetNotFound),
				errors.Is(err, errResetSecretMismatch),
				errors.Is(err, errResetAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}
