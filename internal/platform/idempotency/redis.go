package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "checkout:idempotency:"

// RedisCommands is the subset of the go-redis client used by RedisStore.
type RedisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisOption customises the Redis store.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the namespace for idempotency keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// RedisStore keeps idempotency records in Redis. Expiry is delegated to key TTLs.
type RedisStore struct {
	client RedisCommands
	prefix string
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client RedisCommands, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	store := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + storageKey(key)
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

// Reserve claims the key with SETNX and reports the state of an existing claim.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := s.redisKey(key)
	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis setnx: %w", err)
		}
		if claimed {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}
		existing, ok, err := s.load(ctx, id)
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return classify(existing, fingerprint)
		}
		// expired between SETNX and GET
	}
	return Reservation{}, fmt.Errorf("idempotency: key %s kept expiring during reserve", id)
}

// SaveResponse stores the completed response under the reserved key.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := s.redisKey(key)
	record, ok, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	payload, err := json.Marshal(record.complete(key, fingerprint, resp, now, ttl))
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}

// Release drops a reservation held by the same fingerprint.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.redisKey(key)
	record, ok, err := s.load(ctx, id)
	if err != nil || !ok {
		return err
	}
	if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if err := s.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("idempotency: redis del: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op: Redis evicts records when their TTL lapses.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

var _ Store = (*RedisStore)(nil)
