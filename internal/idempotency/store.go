package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records payment charge identifiers so redelivered webhooks can be
// short-circuited. Dedup here is best-effort: the order repository's
// completion gate is what actually guarantees exactly-once.
type Store interface {
	// Seen marks the key processed and reports whether it already was.
	Seen(ctx context.Context, key string) (bool, error)
}

// Key builds the dedup key for a provider charge id.
func Key(provider, chargeID string) string {
	return fmt.Sprintf("processed:%s:%s", provider, chargeID)
}

// RedisStore is the durable implementation, surviving process restarts.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed store with the given key TTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// MemoryStore is an in-process fallback for deployments without Redis.
// It does not survive restarts.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
}

// NewMemoryStore creates an in-memory store with the given key TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, keys: make(map[string]time.Time)}
}

func (s *MemoryStore) Seen(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, expiry := range s.keys {
		if now.After(expiry) {
			delete(s.keys, k)
		}
	}

	if expiry, ok := s.keys[key]; ok && now.Before(expiry) {
		return true, nil
	}

	s.keys[key] = now.Add(s.ttl)
	return false, nil
}
