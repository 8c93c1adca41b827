package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/reviewflow/model"
)

var (
	testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	testTick  atomic.Int64
)

// testNow returns strictly increasing millisecond-aligned timestamps so
// ordering assertions hold on every backend.
func testNow() time.Time {
	return testEpoch.Add(time.Duration(testTick.Add(1)) * time.Millisecond)
}

func testInstance(documentID string, active bool) (model.WorkflowInstance, model.WorkflowHistoryEntry) {
	now := testNow()
	inst := model.WorkflowInstance{
		ID:              uuid.NewString(),
		DocumentID:      documentID,
		WorkflowID:      "simple-review",
		WorkflowVersion: "1.0.0",
		CurrentStageID:  "draft",
		IsActive:        active,
		State:           map[string]any{"origin": "test"},
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	entry := model.WorkflowHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: inst.ID,
		StageID:            "draft",
		StageName:          "Draft",
		Action:             model.ActionStarted,
		PerformedBy:        "alice",
		Metadata:           map[string]any{"role": "Author"},
		CreatedAt:          now,
	}
	return inst, entry
}

func testEntry(instanceID, action string) model.WorkflowHistoryEntry {
	return model.WorkflowHistoryEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instanceID,
		StageID:            "review",
		StageName:          "Review",
		Action:             action,
		PerformedBy:        "bob",
		Metadata:           map[string]any{"role": "Reviewer"},
		CreatedAt:          testNow(),
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	env, ok := model.AsEnvelope(err)
	require.True(t, ok, "error %v is not an envelope", err)
	require.Equal(t, code, env.Code, "error: %v", err)
}

// runStoreSuite exercises the InstanceStore contract against newStore.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-create", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.DocumentID, got.DocumentID)
		assert.Equal(t, inst.WorkflowID, got.WorkflowID)
		assert.Equal(t, "1.0.0", got.WorkflowVersion)
		assert.Equal(t, "draft", got.CurrentStageID)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.CompletedAt)
		assert.Equal(t, "test", got.State["origin"])
		assert.Equal(t, 1, got.Version)
		assert.True(t, inst.CreatedAt.Equal(got.CreatedAt))

		active, err := s.GetActiveInstance(ctx, "doc-create")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, active.ID)

		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, model.ActionStarted, history[0].Action)
		assert.Equal(t, "Author", history[0].Metadata["role"])
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetInstance(ctx, "missing")
		requireCode(t, err, model.ErrNotFound)

		_, err = s.GetActiveInstance(ctx, "doc-none")
		requireCode(t, err, model.ErrNotFound)

		_, err = s.GetHistory(ctx, "missing")
		requireCode(t, err, model.ErrNotFound)

		all, err := s.GetAllInstances(ctx, "doc-none")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("second active instance rejected", func(t *testing.T) {
		s := newStore(t)
		first, entry := testInstance("doc-dup", true)
		require.NoError(t, s.CreateInstance(ctx, first, entry))

		second, entry2 := testInstance("doc-dup", true)
		err := s.CreateInstance(ctx, second, entry2)
		requireCode(t, err, model.ErrDuplicateActiveInstance)

		_, err = s.GetInstance(ctx, second.ID)
		requireCode(t, err, model.ErrNotFound)

		inactive, entry3 := testInstance("doc-dup", false)
		require.NoError(t, s.CreateInstance(ctx, inactive, entry3))
	})

	t.Run("newest first", func(t *testing.T) {
		s := newStore(t)
		older, e1 := testInstance("doc-order", false)
		newer, e2 := testInstance("doc-order", true)
		require.NoError(t, s.CreateInstance(ctx, older, e1))
		require.NoError(t, s.CreateInstance(ctx, newer, e2))

		all, err := s.GetAllInstances(ctx, "doc-order")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, newer.ID, all[0].ID)
		assert.Equal(t, older.ID, all[1].ID)
	})

	t.Run("update with version", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-update", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		stage := "review"
		now := testNow()
		updated, err := s.UpdateInstance(ctx, inst.ID, 1, InstancePatch{
			CurrentStageID: &stage,
			State:          map[string]any{"lastAction": map[string]any{"action": "submit"}},
			UpdatedAt:      now,
		}, testEntry(inst.ID, "submit"))
		require.NoError(t, err)
		assert.Equal(t, "review", updated.CurrentStageID)
		assert.Equal(t, 2, updated.Version)
		assert.True(t, updated.IsActive)

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "review", got.CurrentStageID)
		assert.True(t, now.Equal(got.UpdatedAt))
		assert.Contains(t, got.State, "lastAction")

		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "submit", history[1].Action)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-stale", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		stage := "review"
		_, err := s.UpdateInstance(ctx, inst.ID, 1, InstancePatch{CurrentStageID: &stage}, testEntry(inst.ID, "submit"))
		require.NoError(t, err)

		other := "published"
		_, err = s.UpdateInstance(ctx, inst.ID, 1, InstancePatch{CurrentStageID: &other}, testEntry(inst.ID, "approve"))
		requireCode(t, err, model.ErrConflict)

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "review", got.CurrentStageID)
		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateInstance(ctx, "missing", 1, InstancePatch{}, testEntry("missing", "submit"))
		requireCode(t, err, model.ErrNotFound)
	})

	t.Run("activation respects single active", func(t *testing.T) {
		s := newStore(t)
		active, e1 := testInstance("doc-activate", true)
		pending, e2 := testInstance("doc-activate", false)
		require.NoError(t, s.CreateInstance(ctx, active, e1))
		require.NoError(t, s.CreateInstance(ctx, pending, e2))

		on := true
		_, err := s.UpdateInstance(ctx, pending.ID, 1, InstancePatch{IsActive: &on}, testEntry(pending.ID, model.ActionStarted))
		requireCode(t, err, model.ErrDuplicateActiveInstance)

		got, err := s.GetInstance(ctx, pending.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, 1, got.Version)
	})

	t.Run("completion", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-complete", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		off := false
		done := testNow()
		updated, err := s.UpdateInstance(ctx, inst.ID, 1, InstancePatch{IsActive: &off, CompletedAt: &done}, testEntry(inst.ID, "finalize"))
		require.NoError(t, err)
		assert.False(t, updated.IsActive)
		require.NotNil(t, updated.CompletedAt)

		_, err = s.GetActiveInstance(ctx, "doc-complete")
		requireCode(t, err, model.ErrNotFound)

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))
		assert.True(t, got.IsCompleted())
	})

	t.Run("delete removes history", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-delete", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))
		require.NoError(t, s.AppendHistory(ctx, testEntry(inst.ID, "note")))

		require.NoError(t, s.DeleteInstance(ctx, inst.ID))
		_, err := s.GetInstance(ctx, inst.ID)
		requireCode(t, err, model.ErrNotFound)
		_, err = s.GetHistory(ctx, inst.ID)
		requireCode(t, err, model.ErrNotFound)

		requireCode(t, s.DeleteInstance(ctx, inst.ID), model.ErrNotFound)
	})

	t.Run("append history", func(t *testing.T) {
		s := newStore(t)
		requireCode(t, s.AppendHistory(ctx, testEntry("missing", "note")), model.ErrNotFound)

		inst, entry := testInstance("doc-append", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))
		require.NoError(t, s.AppendHistory(ctx, testEntry(inst.ID, "note")))

		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("history createdAt is monotonic", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-mono", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		late := testEntry(inst.ID, "late")
		require.NoError(t, s.AppendHistory(ctx, late))

		skewed := testEntry(inst.ID, "skewed")
		skewed.CreatedAt = late.CreatedAt.Add(-time.Hour)
		require.NoError(t, s.AppendHistory(ctx, skewed))

		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		for i := 1; i < len(history); i++ {
			assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt),
				"entry %d createdAt %v before %v", i, history[i].CreatedAt, history[i-1].CreatedAt)
		}
		assert.Equal(t, "skewed", history[2].Action)
	})

	t.Run("reset document", func(t *testing.T) {
		s := newStore(t)
		a, e1 := testInstance("doc-reset", false)
		b, e2 := testInstance("doc-reset", true)
		require.NoError(t, s.CreateInstance(ctx, a, e1))
		require.NoError(t, s.CreateInstance(ctx, b, e2))
		require.NoError(t, s.AppendHistory(ctx, testEntry(b.ID, "submit")))

		fresh, freshEntry := testInstance("doc-reset", false)
		freshEntry.Action = model.ActionResetToStart
		require.NoError(t, s.ResetDocument(ctx, "doc-reset", fresh, freshEntry))

		all, err := s.GetAllInstances(ctx, "doc-reset")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, fresh.ID, all[0].ID)
		assert.True(t, all[0].IsPending())

		history, err := s.GetHistory(ctx, fresh.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, model.ActionResetToStart, history[0].Action)

		_, err = s.GetHistory(ctx, b.ID)
		requireCode(t, err, model.ErrNotFound)
	})

	t.Run("list instances", func(t *testing.T) {
		s := newStore(t)
		for _, doc := range []string{"doc-l1", "doc-l2", "doc-l3"} {
			inst, entry := testInstance(doc, true)
			require.NoError(t, s.CreateInstance(ctx, inst, entry))
		}
		done, entry := testInstance("doc-l4", false)
		require.NoError(t, s.CreateInstance(ctx, done, entry))

		all, err := s.ListInstances(ctx, InstanceFilters{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "doc-l4", all[0].DocumentID, "newest update first")

		active := true
		list, err := s.ListInstances(ctx, InstanceFilters{Active: &active})
		require.NoError(t, err)
		assert.Len(t, list, 3)

		list, err = s.ListInstances(ctx, InstanceFilters{DocumentID: "doc-l2"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "doc-l2", list[0].DocumentID)

		list, err = s.ListInstances(ctx, InstanceFilters{StageID: "review"})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = s.ListInstances(ctx, InstanceFilters{WorkflowID: "simple-review", Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, all[1].ID, list[0].ID)

		list, err = s.ListInstances(ctx, InstanceFilters{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("list document ids", func(t *testing.T) {
		s := newStore(t)
		for _, doc := range []string{"doc-b", "doc-a", "doc-b"} {
			inst, entry := testInstance(doc, false)
			require.NoError(t, s.CreateInstance(ctx, inst, entry))
		}
		ids, err := s.ListDocumentIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-a", "doc-b"}, ids)
	})

	t.Run("concurrent create allows one active", func(t *testing.T) {
		s := newStore(t)
		const n = 8
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			dupes     atomic.Int32
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst, entry := testInstance("doc-race", true)
				err := s.CreateInstance(ctx, inst, entry)
				switch {
				case err == nil:
					successes.Add(1)
				case model.HasCode(err, model.ErrDuplicateActiveInstance):
					dupes.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(n-1), dupes.Load())
	})

	t.Run("concurrent update allows one winner", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-race-update", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		const n = 8
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stage := "review"
				_, err := s.UpdateInstance(ctx, inst.ID, 1, InstancePatch{CurrentStageID: &stage}, testEntry(inst.ID, "submit"))
				switch {
				case err == nil:
					successes.Add(1)
				case model.HasCode(err, model.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(n-1), conflicts.Load())

		history, err := s.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("concurrent resets leave one instance", func(t *testing.T) {
		s := newStore(t)
		inst, entry := testInstance("doc-race-reset", true)
		require.NoError(t, s.CreateInstance(ctx, inst, entry))

		const n = 8
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fresh, freshEntry := testInstance("doc-race-reset", false)
				freshEntry.Action = model.ActionResetToStart
				if err := s.ResetDocument(ctx, "doc-race-reset", fresh, freshEntry); err != nil {
					t.Errorf("reset: %v", err)
				}
			}()
		}
		wg.Wait()

		all, err := s.GetAllInstances(ctx, "doc-race-reset")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].IsPending())

		history, err := s.GetHistory(ctx, all[0].ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
