package onetime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lingokit/authcore/internal"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no token row exists for the requested ID.
	ErrNotFound = errors.New("one-time token not found")
	// ErrSecretMismatch is returned when the presented secret does not hash
	// to the stored value.
	ErrSecretMismatch = errors.New("one-time token secret mismatch")
	// ErrUnavailable wraps backend I/O failures; it is never folded into a
	// token-validity error.
	ErrUnavailable = errors.New("one-time token backend unavailable")
)

// Store persists one-time token rows. Consume must be atomic: of any number
// of concurrent consumes for the same token, at most one observes UsedAt
// transitioning from zero.
type Store interface {
	Save(ctx context.Context, prefix string, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, prefix, tokenID string) (*Record, error)
	Consume(ctx context.Context, prefix, tokenID string, providedHash [32]byte, usedIP, usedUA string, now time.Time, retention time.Duration) (*Record, error)
}

// RedisStore keeps token rows as versioned binary blobs. Consume runs under
// an optimistic WATCH transaction retried on conflict, mirroring the
// check-and-mark semantics of the session store's rotate script.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aot"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(purposePrefix, tokenID string) string {
	return s.prefix + ":" + purposePrefix + ":" + tokenID
}

func (s *RedisStore) Save(ctx context.Context, prefix string, rec *Record, ttl time.Duration) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(prefix, rec.TokenID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, prefix, tokenID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(prefix, tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	rec.TokenID = tokenID

	return rec, nil
}

// Consume validates and marks a token used in one atomic step.
//
// Check order is deliberate: used before expired before secret, so that a
// consumed token always answers ErrAlreadyUsed afterwards, and an expired
// token answers ErrExpired even when the secret is wrong. Used rows are kept
// for the retention window instead of deleted.
func (s *RedisStore) Consume(
	ctx context.Context,
	prefix, tokenID string,
	providedHash [32]byte,
	usedIP, usedUA string,
	now time.Time,
	retention time.Duration,
) (*Record, error) {
	const maxRetries = 4
	key := s.key(prefix, tokenID)

	if retention <= 0 {
		retention = 24 * time.Hour
	}

	for i := 0; i < maxRetries; i++ {
		var consumed *Record

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			rec.TokenID = tokenID

			if rec.UsedAt != 0 {
				return ErrAlreadyUsed
			}
			if now.Unix() > rec.ExpiresAt {
				return ErrExpired
			}
			if !internal.HashesEqual(providedHash, rec.SecretHash) {
				return ErrSecretMismatch
			}

			rec.UsedAt = now.Unix()
			rec.UsedIP = usedIP
			rec.UsedUA = usedUA

			updated, err := encodeRecord(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, retention)
				return nil
			})
			if err != nil {
				return err
			}

			consumed = rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrNotFound
			case errors.Is(err, ErrAlreadyUsed), errors.Is(err, ErrExpired), errors.Is(err, ErrSecretMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		return consumed, nil
	}

	// A token contended this hard was consumed by someone.
	return nil, ErrAlreadyUsed
}
