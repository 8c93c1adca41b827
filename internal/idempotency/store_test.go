package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/reviewflow/model"
)

func testInstance() model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:             "inst-1",
		DocumentID:     "doc-1",
		WorkflowID:     "simple-review",
		CurrentStageID: "review",
		IsActive:       true,
		State:          map[string]any{"lastAction": map[string]any{"action": "submit"}},
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
		Version:        2,
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := FormatKey("advance", "alice", "doc-1", "k1")

	result, found, err := store.Check(ctx, key, "hash-a")
	if err != nil || found || result != nil {
		t.Fatalf("empty Check = (%v, %v, %v)", result, found, err)
	}

	if err := store.Save(ctx, key, "hash-a", testInstance(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	result, found, err = store.Check(ctx, key, "hash-a")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("expected a replayed result")
	}
	if result.ID != "inst-1" || result.CurrentStageID != "review" || result.Version != 2 {
		t.Errorf("result = %+v", result)
	}

	_, found, err = store.Check(ctx, key, "hash-b")
	if !found {
		t.Error("mismatched hash should still report found")
	}
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	storeContract(t, store)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "k", "h", testInstance(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil || found {
		t.Fatalf("expired Check = (%v, %v)", found, err)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, want expired entry evicted", store.Len())
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, "k", "h", testInstance(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil || found {
		t.Fatalf("expired Check = (%v, %v)", found, err)
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := mr.Set("k", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Check(context.Background(), "k", "h"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	ctx := context.Background()

	if _, _, err := store.Check(ctx, "k", "h"); err == nil {
		t.Error("Check should fail when redis is down")
	}
	if err := store.Save(ctx, "k", "h", testInstance(), time.Minute); err == nil {
		t.Error("Save should fail when redis is down")
	}
	if err := store.Ping(ctx); err == nil {
		t.Error("Ping should fail when redis is down")
	}
}

func TestFormatKey(t *testing.T) {
	got := FormatKey("start", "alice", "doc-9", "abc")
	if got != "idem:start:alice:doc-9:abc" {
		t.Errorf("FormatKey = %q", got)
	}
}

func TestHashInput(t *testing.T) {
	a, err := HashInput(map[string]any{"action": "submit", "comment": "ok"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := HashInput(map[string]any{"comment": "ok", "action": "submit"})
	c, _ := HashInput(map[string]any{"action": "approve"})
	if a != b {
		t.Error("hash must not depend on map iteration order")
	}
	if a == c {
		t.Error("different input must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
}
