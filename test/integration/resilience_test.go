package integration

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

// ==========================================================================
// Persistence failures
// ==========================================================================

func TestResilience_FailedWriteLeavesStateUntouched(t *testing.T) {
	h := NewTestHarness(t)
	startWorkflow(t, h, "doc1")

	h.Memory.InjectFault(func(op string) error {
		return errors.New("disk full")
	})

	resp := h.POST(workflowPath("doc1")+"/advance", map[string]any{"action": "submit"}, Author())
	if resp.Header.Get("Retry-After") == "" {
		t.Error("persistence failures should carry Retry-After")
	}
	h.AssertError(t, resp, http.StatusServiceUnavailable, model.ErrPersistence)

	h.Memory.InjectFault(nil)

	v := view(t, h, "doc1", Author())
	if v.Instance.CurrentStageID != "draft" || v.Instance.Version != 1 {
		t.Errorf("instance after failed write = %s v%d, want draft v1", v.Instance.CurrentStageID, v.Instance.Version)
	}
	if n := len(history(t, h, "doc1")); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}

	// The same request succeeds once the store recovers.
	if got := advance(t, h, "doc1", Author(), "submit", ""); got.CurrentStageID != "review" {
		t.Errorf("stage = %q, want review", got.CurrentStageID)
	}
}

func TestResilience_FailedStartCanBeRetried(t *testing.T) {
	h := NewTestHarness(t)

	h.Memory.InjectFault(func(op string) error {
		if op == "create instance" {
			return errors.New("connection reset")
		}
		return nil
	})
	resp := h.POST(workflowPath("doc1")+"/start", map[string]any{}, Author())
	h.AssertError(t, resp, http.StatusServiceUnavailable, model.ErrPersistence)
	if n := h.Memory.Len(); n != 0 {
		t.Fatalf("instances after failed start = %d, want 0", n)
	}

	h.Memory.InjectFault(nil)
	startWorkflow(t, h, "doc1")
}

func TestResilience_HandlerTimeout(t *testing.T) {
	h := NewTestHarness(t, WithSQLite(), WithHandlerTimeout(time.Nanosecond))

	resp := h.GET(workflowPath("doc1"), Author())
	h.AssertError(t, resp, http.StatusServiceUnavailable, model.ErrPersistence)
}

// ==========================================================================
// Redis outage
// ==========================================================================

func TestResilience_RedisOutageFallsThrough(t *testing.T) {
	h := NewTestHarness(t, WithRedis())
	startWorkflow(t, h, "doc1")
	view(t, h, "doc1", Author()) // populate the cache

	h.Redis.Close()

	if got := advance(t, h, "doc1", Author(), "submit", ""); got.CurrentStageID != "review" {
		t.Fatalf("stage = %q, want review", got.CurrentStageID)
	}

	// Writes with an idempotency key still go through without Redis.
	resp := h.POSTWithHeaders(workflowPath("doc1")+"/advance", map[string]any{"action": "approve"}, Reviewer(),
		map[string]string{"Idempotency-Key": "k-approve"})
	var inst model.WorkflowInstance
	h.AssertJSON(t, resp, http.StatusOK, &inst)
	if inst.CurrentStageID != "published" {
		t.Errorf("stage = %q, want published", inst.CurrentStageID)
	}

	if got := view(t, h, "doc1", Publisher()).Instance.CurrentStageID; got != "published" {
		t.Errorf("read after outage = %q, want published", got)
	}
}

func TestResilience_CacheInvalidatedOnWrite(t *testing.T) {
	h := NewTestHarness(t, WithRedis())
	startWorkflow(t, h, "doc1")

	for _, step := range []struct {
		actor  model.Actor
		action string
		want   string
	}{
		{Author(), "submit", "review"},
		{Reviewer(), "approve", "published"},
	} {
		view(t, h, "doc1", step.actor)
		advance(t, h, "doc1", step.actor, step.action, "")
		if got := view(t, h, "doc1", step.actor).Instance.CurrentStageID; got != step.want {
			t.Errorf("after %s: cached stage = %q, want %q", step.action, got, step.want)
		}
	}
}

// ==========================================================================
// Repair of legacy data
// ==========================================================================

func TestResilience_ReconcileAllRepairsLegacyData(t *testing.T) {
	h := NewTestHarness(t)
	now := time.Now().UTC()

	// doc1 carries two active instances; doc2 a completed instance still
	// flagged active.
	h.Memory.Seed(model.WorkflowInstance{
		ID: "old", DocumentID: "doc1", WorkflowID: "article-review", CurrentStageID: "draft",
		IsActive: true, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), Version: 1,
	})
	h.Memory.Seed(model.WorkflowInstance{
		ID: "new", DocumentID: "doc1", WorkflowID: "article-review", CurrentStageID: "review",
		IsActive: true, CreatedAt: now, UpdatedAt: now, Version: 2,
	})
	completed := now.Add(-time.Minute)
	h.Memory.Seed(model.WorkflowInstance{
		ID: "done", DocumentID: "doc2", WorkflowID: "article-review", CurrentStageID: "published",
		IsActive: true, CompletedAt: &completed, CreatedAt: now, UpdatedAt: now, Version: 3,
	})

	var body struct {
		Data []workflow.ReconcileReport `json:"data"`
		Meta map[string]int             `json:"meta"`
	}
	h.AssertJSON(t, h.POST("/v1/admin/reconcile", nil, Admin()), http.StatusOK, &body)
	if body.Meta["changed"] != 2 || body.Meta["failed"] != 0 {
		t.Errorf("meta = %v, want 2 changed and 0 failed", body.Meta)
	}

	if n := h.Memory.Len(); n != 2 {
		t.Errorf("instances after reconcile = %d, want 2", n)
	}
	if v := view(t, h, "doc1", Reviewer()); v.Instance.ID != "new" || !v.Instance.IsActive {
		t.Errorf("doc1 kept %s (active=%v), want new", v.Instance.ID, v.Instance.IsActive)
	}
	if v := view(t, h, "doc2", Publisher()); v.Instance.IsActive || !v.IsCompleted {
		t.Errorf("doc2 active=%v completed=%v, want inactive and completed", v.Instance.IsActive, v.IsCompleted)
	}

	// A second sweep finds nothing to do.
	h.AssertJSON(t, h.POST("/v1/admin/reconcile", nil, Admin()), http.StatusOK, &body)
	if body.Meta["changed"] != 0 {
		t.Errorf("second sweep changed %d documents", body.Meta["changed"])
	}
}
