package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pravasi/model"
)

// IdempotencyStore remembers the result of a transition request under a
// client-supplied key, so a retried request replays instead of moving the
// entity twice.
type IdempotencyStore interface {
	// Check looks up a previous result. If the key exists with a different
	// request hash it returns a CONFLICT error.
	Check(ctx context.Context, key, requestHash string) (result *model.TransitionResult, found bool, err error)

	// Store saves a result under key for ttl.
	Store(ctx context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error
}

type idempotencyEntry struct {
	RequestHash string                 `json:"request_hash"`
	Result      model.TransitionResult `json:"result"`
}

// IdempotencyKey scopes a client key to one entity.
func IdempotencyKey(entityID, key string) string {
	return fmt.Sprintf("idem:%s:%s", entityID, key)
}

// RequestHash fingerprints a transition request.
func RequestHash(entityID, to, actor string) string {
	sum := sha256.Sum256([]byte(entityID + "\x00" + to + "\x00" + actor))
	return hex.EncodeToString(sum[:])
}

func reusedKey(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, requestHash string) (*model.TransitionResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.RequestHash != requestHash {
		return nil, true, reusedKey(key)
	}

	result := entry.data.Result
	return &result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      idempotencyEntry{RequestHash: requestHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(_ context.Context) error {
	return nil
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, requestHash string) (*model.TransitionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.RequestHash != requestHash {
		return nil, true, reusedKey(key)
	}
	return &entry.Result, true, nil
}

// Store saves a result in Redis with TTL. An existing key is kept so the
// first committed result wins.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{RequestHash: requestHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
