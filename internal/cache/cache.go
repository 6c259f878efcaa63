// Package cache implements the Session Manager's volatile, TTL'd Cache
// Store: a Redis-backed read-through accelerator and the SetNX primitive
// the session lock is built on.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the narrow interface the Session Manager and the lock package
// depend on, so tests can substitute an in-process fake at startup instead
// of requiring a live Redis instance.
type Store interface {
	Get(ctx context.Context, key string, target any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = fmt.Errorf("cache: key not found")

// RedisStore is the Store implementation used in production, grounded on
// the pack's Redis cache client: bounded connection pool, bounded retries,
// JSON-serialized values.
type RedisStore struct {
	client *redis.Client
}

// Config holds the Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// deleteIfEqualsScript compare-and-deletes a key only when its current
// value equals the expected holder id, so releasing a session lock never
// clobbers a lock someone else has since acquired.
var deleteIfEqualsScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// NewRedisStore dials Redis with the pack's standard pool/timeout tuning
// and verifies connectivity with a bounded ping.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Ping verifies Redis connectivity, for the readiness endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string, target any) error {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// SetNX is the distributed-lock-acquire primitive: it sets key to value
// only if key is currently absent, with the given TTL.
func (s *RedisStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache: marshal: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

// DeleteIfEquals compare-and-deletes key, only removing it when its
// current raw string value equals expected. Used to release a session
// lock without releasing a lock acquired by a different holder.
func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	res, err := deleteIfEqualsScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("cache: compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}
