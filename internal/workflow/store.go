package workflow

import (
	"context"
	"strconv"
	"time"

	"github.com/pitabwire/reviewflow/model"
)

// InstanceStore persists workflow instances and their history. Every method
// that writes an instance also writes its history entry in the same
// transaction, and implementations enforce the single-active-instance
// invariant themselves rather than trusting callers.
type InstanceStore interface {
	// CreateInstance inserts inst together with its first history entry.
	// Returns DUPLICATE_ACTIVE_INSTANCE if inst is active and the document
	// already has an active instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error

	// GetInstance retrieves an instance by ID. Returns NOT_FOUND if absent.
	GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetActiveInstance retrieves the document's active instance. Returns
	// NOT_FOUND if there is none.
	GetActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, error)

	// GetAllInstances returns every instance of the document, most recently
	// created first.
	GetAllInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error)

	// UpdateInstance applies patch to the instance and appends entry. The
	// stored version must equal expectedVersion; otherwise CONFLICT is
	// returned and nothing is written.
	UpdateInstance(ctx context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error)

	// DeleteInstance removes the instance and, first, its history.
	DeleteInstance(ctx context.Context, instanceID string) error

	// AppendHistory inserts a history entry for an existing instance.
	AppendHistory(ctx context.Context, entry model.WorkflowHistoryEntry) error

	// GetHistory returns the instance's history in insertion order.
	GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error)

	// ResetDocument deletes every instance of the document with its history
	// and inserts fresh with entry, atomically.
	ResetDocument(ctx context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error

	// ListInstances returns instances matching filters, most recently
	// updated first.
	ListInstances(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error)

	// ListDocumentIDs returns every document ID that has at least one
	// instance, sorted.
	ListDocumentIDs(ctx context.Context) ([]string, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// InstancePatch is a partial update of a workflow instance. Nil fields are
// left unchanged.
type InstancePatch struct {
	CurrentStageID *string
	IsActive       *bool
	CompletedAt    *time.Time
	State          map[string]any
	UpdatedAt      time.Time
}

// Apply writes the patch onto inst and bumps its version.
func (p InstancePatch) Apply(inst *model.WorkflowInstance) {
	if p.CurrentStageID != nil {
		inst.CurrentStageID = *p.CurrentStageID
	}
	if p.IsActive != nil {
		inst.IsActive = *p.IsActive
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		inst.CompletedAt = &t
	}
	if p.State != nil {
		inst.State = p.State
	}
	inst.UpdatedAt = p.UpdatedAt
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}
	inst.Version++
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	DocumentID string
	WorkflowID string
	StageID    string
	Active     *bool
	Limit      int
	Offset     int
}

// Matches reports whether inst satisfies the filters, ignoring paging.
func (f InstanceFilters) Matches(inst model.WorkflowInstance) bool {
	if f.DocumentID != "" && inst.DocumentID != f.DocumentID {
		return false
	}
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.StageID != "" && inst.CurrentStageID != f.StageID {
		return false
	}
	if f.Active != nil && inst.IsActive != *f.Active {
		return false
	}
	return true
}

func notFoundInstance(instanceID string) *model.ErrorEnvelope {
	return model.NewNotFoundError("workflow instance " + instanceID + " not found").With("instanceId", instanceID)
}

func noActiveInstance(documentID string) *model.ErrorEnvelope {
	return model.NewNotFoundError("document " + documentID + " has no active workflow instance").With("documentId", documentID)
}

func versionConflict(instanceID string, expected int) *model.ErrorEnvelope {
	return model.NewConflictError("workflow instance " + instanceID + " was modified concurrently").
		With("instanceId", instanceID).
		With("expectedVersion", strconv.Itoa(expected))
}

// clampCreatedAt keeps history ordering monotonic per instance when clocks
// disagree across replicas.
func clampCreatedAt(entry *model.WorkflowHistoryEntry, latest time.Time) {
	if entry.CreatedAt.Before(latest) {
		entry.CreatedAt = latest
	}
}
