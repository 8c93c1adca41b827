package workflow

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/model"
)

// RoleAuthorizer answers whether a role holds a capability.
type RoleAuthorizer interface {
	Can(role, capability string) bool
}

// TransitionRequest is an actor's request to apply an action.
type TransitionRequest struct {
	Action   string
	Actor    model.Actor
	Comment  string
	Metadata map[string]any
}

// TransitionResult is the outcome of a legal transition. Applying Patch and
// appending Entry is the whole effect of the transition.
type TransitionResult struct {
	From      model.StageDefinition
	To        model.StageDefinition
	Completed bool
	Patch     InstancePatch
	Entry     model.WorkflowHistoryEntry
}

// ResetResult is the fresh instance and history entry produced by a reset.
type ResetResult struct {
	Instance model.WorkflowInstance
	Entry    model.WorkflowHistoryEntry
}

// StateMachine decides whether transitions are legal. It performs no I/O
// and a rejected transition has no side effect.
type StateMachine struct {
	authz RoleAuthorizer
	now   func() time.Time
	newID func() string
}

// NewStateMachine creates a StateMachine. authz decides who may reset.
func NewStateMachine(authz RoleAuthorizer) *StateMachine {
	return &StateMachine{
		authz: authz,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// Evaluate validates req against the instance and its definition and
// computes the resulting patch and history entry.
func (m *StateMachine) Evaluate(inst model.WorkflowInstance, def model.WorkflowDefinition, req TransitionRequest) (TransitionResult, error) {
	// 1. No transitions on an inactive instance.
	if !inst.IsActive {
		return TransitionResult{}, model.NewInstanceInactiveError(inst.ID).
			With("stageId", inst.CurrentStageID).With("action", req.Action)
	}

	// 2. Resolve the current stage.
	current, ok := def.Stage(inst.CurrentStageID)
	if !ok {
		return TransitionResult{}, model.NewUnknownStageError(def.ID, inst.CurrentStageID).With("action", req.Action)
	}

	// 3. Action must be listed at the stage.
	action, found := stageAction(current, req.Action)
	if !found {
		return TransitionResult{}, model.NewActionNotAllowedError(current.ID, req.Action)
	}

	// 4. Role must be authorized for this action.
	if !slices.Contains(action.EffectiveRoles(current), req.Actor.Role) {
		return TransitionResult{}, model.NewRoleNotAuthorizedError(req.Actor.Role, current.ID, req.Action)
	}

	if action.RequireComment && req.Comment == "" {
		return TransitionResult{}, model.NewCommentRequiredError(current.ID, req.Action)
	}

	// 5. Compute the successor.
	next, err := definition.NextStage(def, current.ID, req.Action)
	if err != nil {
		return TransitionResult{}, err
	}

	// 6. Build the patch and the history entry.
	now := m.now()
	result := TransitionResult{From: current, To: next.Stage, Completed: next.Terminal}

	stageID := next.Stage.ID
	result.Patch = InstancePatch{
		CurrentStageID: &stageID,
		State:          mergeState(inst.State, req, now),
		UpdatedAt:      now,
	}
	if next.Terminal {
		inactive := false
		result.Patch.IsActive = &inactive
		result.Patch.CompletedAt = &now
	}

	metadata := make(map[string]any, len(req.Metadata)+6)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["fromStageId"] = current.ID
	metadata["fromStageName"] = current.Name
	metadata["toStageId"] = next.Stage.ID
	metadata["toStageName"] = next.Stage.Name
	metadata["role"] = req.Actor.Role
	if req.Comment != "" {
		metadata["comment"] = req.Comment
	}
	if next.Terminal {
		metadata["completed"] = true
	}

	result.Entry = model.WorkflowHistoryEntry{
		ID:                 m.newID(),
		WorkflowInstanceID: inst.ID,
		StageID:            next.Stage.ID,
		StageName:          next.Stage.Name,
		Action:             req.Action,
		PerformedBy:        req.Actor.ID,
		Metadata:           metadata,
		CreatedAt:          now,
	}
	return result, nil
}

// EvaluateReset authorizes a reset and builds the fresh pending instance at
// the workflow's first stage. It ignores the current stage's actions.
func (m *StateMachine) EvaluateReset(documentID string, def model.WorkflowDefinition, actor model.Actor) (ResetResult, error) {
	if !m.authz.Can(actor.Role, model.CapWorkflowReset) {
		return ResetResult{}, model.NewRoleNotAuthorizedError(actor.Role, "*", model.ActionReset)
	}

	first, err := definition.FirstStage(def)
	if err != nil {
		return ResetResult{}, err
	}

	now := m.now()
	inst := model.WorkflowInstance{
		ID:              m.newID(),
		DocumentID:      documentID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		CurrentStageID:  first.ID,
		IsActive:        false,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	entry := model.WorkflowHistoryEntry{
		ID:                 m.newID(),
		WorkflowInstanceID: inst.ID,
		StageID:            first.ID,
		StageName:          first.Name,
		Action:             model.ActionResetToStart,
		PerformedBy:        actor.ID,
		Metadata:           map[string]any{"role": actor.Role, "workflowVersion": def.Version},
		CreatedAt:          now,
	}
	return ResetResult{Instance: inst, Entry: entry}, nil
}

// NewStart builds a new active instance at the first stage with its STARTED
// entry.
func (m *StateMachine) NewStart(documentID string, def model.WorkflowDefinition, actor model.Actor) (model.WorkflowInstance, model.WorkflowHistoryEntry, error) {
	first, err := definition.FirstStage(def)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowHistoryEntry{}, err
	}

	now := m.now()
	inst := model.WorkflowInstance{
		ID:              m.newID(),
		DocumentID:      documentID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		CurrentStageID:  first.ID,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	return inst, m.startedEntry(inst.ID, first, def, actor, now), nil
}

// Activate builds the patch that starts a pending instance in place.
func (m *StateMachine) Activate(inst model.WorkflowInstance, def model.WorkflowDefinition, actor model.Actor) (InstancePatch, model.WorkflowHistoryEntry, error) {
	if !inst.IsPending() {
		return InstancePatch{}, model.WorkflowHistoryEntry{}, model.NewAlreadyActiveError(inst.DocumentID)
	}
	first, err := definition.FirstStage(def)
	if err != nil {
		return InstancePatch{}, model.WorkflowHistoryEntry{}, err
	}

	now := m.now()
	active := true
	stageID := first.ID
	patch := InstancePatch{CurrentStageID: &stageID, IsActive: &active, UpdatedAt: now}
	return patch, m.startedEntry(inst.ID, first, def, actor, now), nil
}

func (m *StateMachine) startedEntry(instanceID string, first model.StageDefinition, def model.WorkflowDefinition, actor model.Actor, now time.Time) model.WorkflowHistoryEntry {
	return model.WorkflowHistoryEntry{
		ID:                 m.newID(),
		WorkflowInstanceID: instanceID,
		StageID:            first.ID,
		StageName:          first.Name,
		Action:             model.ActionStarted,
		PerformedBy:        actor.ID,
		Metadata:           map[string]any{"role": actor.Role, "workflowId": def.ID, "workflowVersion": def.Version},
		CreatedAt:          now,
	}
}

// Repair builds the RECONCILED patch for a kept instance whose flags
// contradict each other: a completed instance must not be active. ok is
// false when nothing needs repairing.
func (m *StateMachine) Repair(inst model.WorkflowInstance, stageName string, actor model.Actor, deleted []string) (patch InstancePatch, entry model.WorkflowHistoryEntry, ok bool) {
	if inst.CompletedAt == nil || !inst.IsActive {
		return InstancePatch{}, model.WorkflowHistoryEntry{}, false
	}

	now := m.now()
	inactive := false
	patch = InstancePatch{IsActive: &inactive, UpdatedAt: now}

	metadata := map[string]any{
		"role":          actor.Role,
		"repairedField": "isActive",
	}
	if len(deleted) > 0 {
		metadata["deletedInstances"] = deleted
	}
	entry = model.WorkflowHistoryEntry{
		ID:                 m.newID(),
		WorkflowInstanceID: inst.ID,
		StageID:            inst.CurrentStageID,
		StageName:          stageName,
		Action:             model.ActionReconciled,
		PerformedBy:        actor.ID,
		Metadata:           metadata,
		CreatedAt:          now,
	}
	return patch, entry, true
}

// AvailableActions returns the actions role may perform on inst right now.
// UI layers render strictly from this list.
func AvailableActions(inst model.WorkflowInstance, def model.WorkflowDefinition, role string) []model.ActionDefinition {
	actions := []model.ActionDefinition{}
	if !inst.IsActive {
		return actions
	}
	current, ok := def.Stage(inst.CurrentStageID)
	if !ok {
		return actions
	}
	for _, a := range current.AllowedActions {
		if slices.Contains(a.EffectiveRoles(current), role) {
			actions = append(actions, a)
		}
	}
	return actions
}

func stageAction(stage model.StageDefinition, actionID string) (model.ActionDefinition, bool) {
	for _, a := range stage.AllowedActions {
		if a.ID == actionID {
			return a, true
		}
	}
	return model.ActionDefinition{}, false
}

// mergeState copies state and records the latest action under "lastAction".
func mergeState(state map[string]any, req TransitionRequest, now time.Time) map[string]any {
	merged := make(map[string]any, len(state)+1)
	for k, v := range state {
		merged[k] = v
	}
	last := map[string]any{
		"action":      req.Action,
		"performedBy": req.Actor.ID,
		"at":          now.Format(time.RFC3339Nano),
	}
	if len(req.Metadata) > 0 {
		last["metadata"] = req.Metadata
	}
	merged["lastAction"] = last
	return merged
}
