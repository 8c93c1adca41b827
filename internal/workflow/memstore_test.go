package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/reviewflow/model"
)

func TestMemoryInstanceStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) InstanceStore {
		return NewMemoryInstanceStore()
	})
}

func TestMemoryInstanceStore_FaultRollsBackCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstanceStore()
	store.InjectFault(func(op string) error {
		if op == "create instance" {
			return errors.New("disk full")
		}
		return nil
	})

	inst, entry := testInstance("doc-1", true)
	err := store.CreateInstance(ctx, inst, entry)
	requireCode(t, err, model.ErrPersistence)
	assert.EqualError(t, errors.Unwrap(err), "disk full")

	assert.Equal(t, 0, store.Len())
	_, err = store.GetActiveInstance(ctx, "doc-1")
	requireCode(t, err, model.ErrNotFound)
}

func TestMemoryInstanceStore_FaultRollsBackUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstanceStore()
	inst, entry := testInstance("doc-1", true)
	require.NoError(t, store.CreateInstance(ctx, inst, entry))

	store.InjectFault(func(string) error { return errors.New("boom") })
	stage := "review"
	_, err := store.UpdateInstance(ctx, inst.ID, 1, InstancePatch{CurrentStageID: &stage}, testEntry(inst.ID, "submit"))
	requireCode(t, err, model.ErrPersistence)

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", got.CurrentStageID)
	assert.Equal(t, 1, got.Version)

	history, err := store.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryInstanceStore_FaultRollsBackReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstanceStore()
	inst, entry := testInstance("doc-1", true)
	require.NoError(t, store.CreateInstance(ctx, inst, entry))

	store.InjectFault(func(op string) error {
		if op == "reset document" {
			return errors.New("boom")
		}
		return nil
	})
	fresh, freshEntry := testInstance("doc-1", false)
	requireCode(t, store.ResetDocument(ctx, "doc-1", fresh, freshEntry), model.ErrPersistence)

	all, err := store.GetAllInstances(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, inst.ID, all[0].ID)

	history, err := store.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryInstanceStore_SeedSkipsChecks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstanceStore()
	a, _ := testInstance("doc-legacy", true)
	b, _ := testInstance("doc-legacy", true)
	store.Seed(a)
	store.Seed(b)

	all, err := store.GetAllInstances(ctx, "doc-legacy")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
