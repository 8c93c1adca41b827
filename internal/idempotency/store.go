// Package idempotency replays the result of a workflow write when a client
// retries it with the same Idempotency-Key.
package idempotency

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

	"github.com/pitabwire/reviewflow/model"
)

// Store remembers the instance produced by a keyed write.
type Store interface {
	// Check looks up a previous result by key. A key recorded with a
	// different input hash yields a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.WorkflowInstance, found bool, err error)

	// Save records the result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.WorkflowInstance, ttl time.Duration) error
}

type entry struct {
	InputHash string                 `json:"inputHash"`
	Result    model.WorkflowInstance `json:"result"`
}

func reusedKey(key string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// FormatKey builds the storage key. Keys are scoped to the operation, the
// actor and the document so two callers cannot collide.
func FormatKey(operation, actorID, documentID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", operation, actorID, documentID, key)
}

// HashInput returns a stable digest of a request body.
func HashInput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash idempotent input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// --- MemoryStore ---

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.WorkflowInstance, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, reusedKey(key)
	}
	result := e.data.Result
	return &result, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.WorkflowInstance, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries in Redis so every replica sees them.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.WorkflowInstance, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, reusedKey(key)
	}
	return &e.Result, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.WorkflowInstance, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
