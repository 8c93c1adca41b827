package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/reviewflow/model"
)

const defaultCacheTTL = 30 * time.Second

// CachedInstanceStore caches GetActiveInstance results in Redis in front of
// another InstanceStore. Every write drops the affected document's entry
// after the inner store commits. Redis failures are logged and fall
// through to the inner store; repeated failures make reads skip Redis
// until it answers again.
type CachedInstanceStore struct {
	InstanceStore

	client  redis.Cmdable
	ttl     time.Duration
	logger  *zap.Logger
	breaker *cacheBreaker
}

var _ InstanceStore = (*CachedInstanceStore)(nil)

// CacheOption configures a CachedInstanceStore.
type CacheOption func(*CachedInstanceStore)

// WithCacheBreaker sets how many consecutive Redis failures make reads
// bypass the cache, and for how long.
func WithCacheBreaker(threshold int, cooldown time.Duration) CacheOption {
	return func(s *CachedInstanceStore) {
		s.breaker = newCacheBreaker(threshold, cooldown)
	}
}

// NewCachedInstanceStore wraps inner with a Redis cache. A zero ttl uses
// 30 seconds.
func NewCachedInstanceStore(inner InstanceStore, client redis.Cmdable, ttl time.Duration, logger *zap.Logger, opts ...CacheOption) *CachedInstanceStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CachedInstanceStore{InstanceStore: inner, client: client, ttl: ttl, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = newCacheBreaker(0, 0)
	}
	return s
}

// Keys share a hash tag so the scripts below touch a single cluster slot.
func activeKey(documentID string) string {
	return "reviewflow:active:{" + documentID + "}"
}

func generationKey(documentID string) string {
	return "reviewflow:gen:{" + documentID + "}"
}

// generationTTL bounds how long a document's generation counter outlives its
// last write. It must exceed the slowest inner read.
const generationTTL = time.Hour

// fillScript stores the entry only if no write bumped the generation since
// the caller observed it.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// dropScript bumps the generation and deletes the entry in one step.
var dropScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return redis.call('DEL', KEYS[1])
`)

// GetActiveInstance serves from Redis when possible. On a miss the entry is
// filled only if the document's generation still matches the one read
// alongside the miss, so a write that commits during the inner read cannot
// be shadowed by the older instance.
func (s *CachedInstanceStore) GetActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, error) {
	key, genKey := activeKey(documentID), generationKey(documentID)
	if !s.breaker.allow() {
		return s.InstanceStore.GetActiveInstance(ctx, documentID)
	}

	vals, err := s.client.MGet(ctx, key, genKey).Result()
	s.breaker.record(err)
	if err != nil {
		s.logger.Warn("instance cache read failed", zap.String("key", key), zap.Error(err))
		return s.InstanceStore.GetActiveInstance(ctx, documentID)
	}

	gen := "0"
	if len(vals) == 2 {
		if g, ok := vals[1].(string); ok {
			gen = g
		}
		if raw, ok := vals[0].(string); ok {
			var inst model.WorkflowInstance
			if jerr := json.Unmarshal([]byte(raw), &inst); jerr == nil {
				return inst, nil
			}
			s.logger.Warn("dropping undecodable cache entry", zap.String("key", key))
			s.drop(ctx, documentID)
		}
	}

	inst, err := s.InstanceStore.GetActiveInstance(ctx, documentID)
	if err != nil {
		return inst, err
	}
	s.fill(ctx, documentID, gen, inst)
	return inst, nil
}

func (s *CachedInstanceStore) fill(ctx context.Context, documentID, gen string, inst model.WorkflowInstance) {
	data, err := json.Marshal(inst)
	if err != nil {
		return
	}
	stored, err := fillScript.Run(ctx, s.client,
		[]string{activeKey(documentID), generationKey(documentID)},
		gen, data, s.ttl.Milliseconds(),
	).Int()
	s.breaker.record(err)
	switch {
	case err != nil:
		s.logger.Warn("instance cache write failed", zap.String("document_id", documentID), zap.Error(err))
	case stored == 0:
		s.logger.Debug("skipping cache fill after concurrent write", zap.String("document_id", documentID))
	}
}

// CreateInstance writes through and invalidates.
func (s *CachedInstanceStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	err := s.InstanceStore.CreateInstance(ctx, inst, entry)
	s.drop(ctx, inst.DocumentID)
	return err
}

// UpdateInstance writes through and invalidates. On failure the document is
// looked up so a stale entry cannot outlive a conflict.
func (s *CachedInstanceStore) UpdateInstance(ctx context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error) {
	updated, err := s.InstanceStore.UpdateInstance(ctx, instanceID, expectedVersion, patch, entry)
	if err == nil {
		s.drop(ctx, updated.DocumentID)
		return updated, nil
	}
	if current, gerr := s.InstanceStore.GetInstance(ctx, instanceID); gerr == nil {
		s.drop(ctx, current.DocumentID)
	}
	return updated, err
}

// DeleteInstance invalidates the owning document.
func (s *CachedInstanceStore) DeleteInstance(ctx context.Context, instanceID string) error {
	current, gerr := s.InstanceStore.GetInstance(ctx, instanceID)
	err := s.InstanceStore.DeleteInstance(ctx, instanceID)
	if gerr == nil {
		s.drop(ctx, current.DocumentID)
	}
	return err
}

// ResetDocument writes through and invalidates.
func (s *CachedInstanceStore) ResetDocument(ctx context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	err := s.InstanceStore.ResetDocument(ctx, documentID, fresh, entry)
	s.drop(ctx, documentID)
	return err
}

// Ping checks both Redis and the inner store.
func (s *CachedInstanceStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return model.NewPersistenceError("redis ping", err)
	}
	return s.InstanceStore.Ping(ctx)
}

// drop always goes to Redis, even with the breaker open, so no stale entry
// survives a write. Bumping the generation also voids fills already in
// flight for the document.
func (s *CachedInstanceStore) drop(ctx context.Context, documentID string) {
	err := dropScript.Run(ctx, s.client,
		[]string{activeKey(documentID), generationKey(documentID)},
		generationTTL.Milliseconds(),
	).Err()
	s.breaker.record(err)
	if err != nil {
		s.logger.Warn("instance cache invalidation failed",
			zap.String("document_id", documentID), zap.Error(err))
	}
}
