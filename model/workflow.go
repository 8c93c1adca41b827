package model

import "time"

// Reserved history actions written by the lifecycle manager.
const (
	ActionStarted      = "STARTED"
	ActionResetToStart = "RESET_TO_START"
	ActionReconciled   = "RECONCILED"
)

// ActionReset is the reserved action name that routes to the reset path.
const ActionReset = "reset"

// Document status values derived from a document's workflow instance.
const (
	DocumentStatusDraft     = "DRAFT"
	DocumentStatusInReview  = "IN_REVIEW"
	DocumentStatusPublished = "PUBLISHED"
)

// Actor is the resolved identity performing an operation. Authentication
// happens upstream; the engine only sees the result.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// WorkflowInstance is one run of a workflow against a document.
type WorkflowInstance struct {
	ID              string         `json:"id"`
	DocumentID      string         `json:"documentId"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion string         `json:"workflowVersion,omitempty"`
	CurrentStageID  string         `json:"currentStageId"`
	IsActive        bool           `json:"isActive"`
	State           map[string]any `json:"state,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	Version         int            `json:"version"`
}

// IsCompleted reports whether the instance reached its terminal stage.
func (i WorkflowInstance) IsCompleted() bool {
	return i.CompletedAt != nil
}

// IsPending reports whether the instance is a startable placeholder: not
// active and never completed.
func (i WorkflowInstance) IsPending() bool {
	return !i.IsActive && i.CompletedAt == nil
}

// WorkflowHistoryEntry is an immutable audit record of one applied
// transition.
type WorkflowHistoryEntry struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflowInstanceId"`
	StageID            string         `json:"stageId"`
	StageName          string         `json:"stageName"`
	Action             string         `json:"action"`
	PerformedBy        string         `json:"performedBy"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// InstanceView is the read model rendered by UI and notification layers.
type InstanceView struct {
	Instance         WorkflowInstance       `json:"instance"`
	CurrentStage     *StageDefinition       `json:"currentStage,omitempty"`
	RecentHistory    []WorkflowHistoryEntry `json:"recentHistory"`
	IsCompleted      bool                   `json:"isCompleted"`
	DocumentStatus   string                 `json:"documentStatus"`
	AvailableActions []ActionDefinition     `json:"availableActions"`
}

// DocumentStatus derives the document status flag from its latest
// instance. A nil instance means the document never entered review.
func DocumentStatus(inst *WorkflowInstance, def *WorkflowDefinition) string {
	switch {
	case inst == nil || inst.IsPending():
		return DocumentStatusDraft
	case inst.IsActive:
		return DocumentStatusInReview
	case def != nil && def.CompletedStatus != "":
		return def.CompletedStatus
	default:
		return DocumentStatusPublished
	}
}
