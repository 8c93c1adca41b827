package workflow

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/model"
)

const (
	recentHistoryLimit = 10
	defaultListLimit   = 50
	maxListLimit       = 500
	maxDocumentIDLen   = 128
	defaultConcurrency = 4
)

// ReconcileReport describes what Reconcile did to one document.
type ReconcileReport struct {
	DocumentID     string   `json:"documentId"`
	KeptInstanceID string   `json:"keptInstanceId,omitempty"`
	Deleted        []string `json:"deleted"`
	Repaired       bool     `json:"repaired"`
	Error          string   `json:"error,omitempty"`
}

// Changed reports whether the reconcile modified anything.
func (r ReconcileReport) Changed() bool {
	return r.Repaired || len(r.Deleted) > 0
}

// Manager owns the lifecycle of workflow instances. It is the only writer
// of instances: every mutation goes through the state machine first and
// then through a single store call.
type Manager struct {
	registry        *definition.Registry
	store           InstanceStore
	authz           RoleAuthorizer
	machine         *StateMachine
	defaultWorkflow string
	logger          *zap.Logger
	metrics         *observability.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultWorkflow sets the workflow used by Reset when a document has
// no instance and the caller names none.
func WithDefaultWorkflow(workflowID string) ManagerOption {
	return func(m *Manager) { m.defaultWorkflow = workflowID }
}

// WithLogger sets the fallback logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records transition and reconcile metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager.
func NewManager(registry *definition.Registry, store InstanceStore, authz RoleAuthorizer, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		authz:    authz,
		machine:  NewStateMachine(authz),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a workflow run for the document. A pending instance left by
// a reset is activated in place; otherwise a new instance is created.
func (m *Manager) Start(ctx context.Context, actor model.Actor, documentID, workflowID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDocumentID.String(documentID),
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrRole.String(actor.Role),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := ValidateDocumentID(documentID); err != nil {
		return model.WorkflowInstance{}, err
	}
	if workflowID == "" {
		workflowID = m.defaultWorkflow
	}
	if workflowID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("workflowId is required")
	}
	def, err := m.registry.GetDefinition(workflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 1. Reject if a run is already in progress.
	_, err = retryRead(ctx, func(ctx context.Context) (model.WorkflowInstance, error) {
		return m.store.GetActiveInstance(ctx, documentID)
	})
	switch {
	case err == nil:
		return model.WorkflowInstance{}, model.NewAlreadyActiveError(documentID)
	case !model.HasCode(err, model.ErrNotFound):
		return model.WorkflowInstance{}, err
	}

	all, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowInstance, error) {
		return m.store.GetAllInstances(ctx, documentID)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 2. Activate a pending instance of the same workflow in place.
	if len(all) > 0 && all[0].IsPending() && all[0].WorkflowID == def.ID {
		pending := all[0]
		patch, entry, err := m.machine.Activate(pending, def, actor)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		inst, err = m.store.UpdateInstance(ctx, pending.ID, pending.Version, patch, entry)
		if err != nil {
			// A concurrent start got there first.
			if model.HasCode(err, model.ErrDuplicateActiveInstance) || model.HasCode(err, model.ErrConflict) {
				err = model.NewAlreadyActiveError(documentID)
			}
			return model.WorkflowInstance{}, m.failed(ctx, def.ID, model.ActionStarted, err)
		}
	} else {
		// 3. Otherwise create a new instance.
		fresh, entry, err := m.machine.NewStart(documentID, def, actor)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if err := m.store.CreateInstance(ctx, fresh, entry); err != nil {
			if model.HasCode(err, model.ErrDuplicateActiveInstance) {
				err = model.NewAlreadyActiveError(documentID)
			}
			return model.WorkflowInstance{}, m.failed(ctx, def.ID, model.ActionStarted, err)
		}
		inst = fresh
	}

	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	m.metrics.RecordTransition(def.ID, model.ActionStarted, observability.OutcomeApplied)
	m.metrics.RecordActivated(def.ID)
	observability.RequestLogger(ctx, m.logger).Info("workflow started",
		zap.String("document_id", documentID),
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("to_stage", inst.CurrentStageID),
		zap.String("role", actor.Role),
	)
	return inst, nil
}

// Advance applies an action to the document's authoritative instance. The
// reserved "reset" action is routed to Reset.
func (m *Manager) Advance(ctx context.Context, documentID string, req TransitionRequest) (inst model.WorkflowInstance, err error) {
	if req.Action == model.ActionReset {
		return m.Reset(ctx, req.Actor, documentID, "")
	}

	ctx, span := observability.StartSpan(ctx, "workflow.advance",
		observability.AttrDocumentID.String(documentID),
		observability.AttrAction.String(req.Action),
		observability.AttrRole.String(req.Actor.Role),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := ValidateDocumentID(documentID); err != nil {
		return model.WorkflowInstance{}, err
	}
	if req.Action == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("action is required")
	}

	// 1. Load the authoritative instance.
	current, found, err := m.latest(ctx, documentID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !found {
		return model.WorkflowInstance{}, model.NewNoActiveWorkflowError(documentID)
	}
	span.SetAttributes(
		observability.AttrInstanceID.String(current.ID),
		observability.AttrWorkflowID.String(current.WorkflowID),
		observability.AttrStageID.String(current.CurrentStageID),
	)

	def, err := m.registry.GetDefinition(current.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 2. Decide.
	result, err := m.machine.Evaluate(current, def, req)
	if err != nil {
		m.metrics.RecordTransition(def.ID, req.Action, observability.OutcomeRejected)
		span.SetAttributes(observability.AttrOutcome.String(observability.OutcomeRejected))
		observability.RequestLogger(ctx, m.logger).Debug("transition rejected",
			zap.String("document_id", documentID),
			zap.String("instance_id", current.ID),
			zap.String("action", req.Action),
			zap.String("from_stage", current.CurrentStageID),
			zap.String("role", req.Actor.Role),
			zap.Any("metadata", observability.RedactBody(req.Metadata, nil)),
			zap.Error(err),
		)
		return model.WorkflowInstance{}, err
	}

	// 3. Persist with the version we read.
	inst, err = m.store.UpdateInstance(ctx, current.ID, current.Version, result.Patch, result.Entry)
	if err != nil {
		return model.WorkflowInstance{}, m.failed(ctx, def.ID, req.Action, err)
	}

	span.SetAttributes(observability.AttrOutcome.String(observability.OutcomeApplied))
	m.metrics.RecordTransition(def.ID, req.Action, observability.OutcomeApplied)
	if result.Completed {
		m.metrics.RecordDeactivated(def.ID)
	}
	observability.RequestLogger(ctx, m.logger).Info("transition applied",
		zap.String("document_id", documentID),
		zap.String("instance_id", inst.ID),
		zap.String("action", req.Action),
		zap.String("from_stage", result.From.ID),
		zap.String("to_stage", result.To.ID),
		zap.String("role", req.Actor.Role),
		zap.Bool("completed", result.Completed),
	)
	return inst, nil
}

// Reset discards every instance of the document and leaves a fresh pending
// instance at the first stage. workflowID overrides the workflow of the
// latest instance; with neither, the default workflow is used.
func (m *Manager) Reset(ctx context.Context, actor model.Actor, documentID, workflowID string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reset",
		observability.AttrDocumentID.String(documentID),
		observability.AttrRole.String(actor.Role),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := ValidateDocumentID(documentID); err != nil {
		return model.WorkflowInstance{}, err
	}
	if !m.authz.Can(actor.Role, model.CapWorkflowReset) {
		return model.WorkflowInstance{}, model.NewRoleNotAuthorizedError(actor.Role, "*", model.ActionReset)
	}

	all, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowInstance, error) {
		return m.store.GetAllInstances(ctx, documentID)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if workflowID == "" && len(all) > 0 {
		workflowID = all[0].WorkflowID
	}
	if workflowID == "" {
		workflowID = m.defaultWorkflow
	}
	if workflowID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("workflowId is required: document has no workflow instance")
	}
	span.SetAttributes(observability.AttrWorkflowID.String(workflowID))

	// A document already sitting in a pristine reset state stays as it is.
	if len(all) == 1 && all[0].IsPending() && all[0].WorkflowID == workflowID {
		pristine, err := m.isPristine(ctx, all[0])
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if pristine {
			return all[0], nil
		}
	}

	def, err := m.registry.GetDefinition(workflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	res, err := m.machine.EvaluateReset(documentID, def, actor)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := m.store.ResetDocument(ctx, documentID, res.Instance, res.Entry); err != nil {
		return model.WorkflowInstance{}, m.failed(ctx, def.ID, model.ActionResetToStart, err)
	}

	for _, prev := range all {
		if prev.IsActive {
			m.metrics.RecordDeactivated(prev.WorkflowID)
		}
	}
	m.metrics.RecordTransition(def.ID, model.ActionResetToStart, observability.OutcomeApplied)
	observability.RequestLogger(ctx, m.logger).Info("workflow reset",
		zap.String("document_id", documentID),
		zap.String("instance_id", res.Instance.ID),
		zap.String("workflow_id", def.ID),
		zap.Int("discarded_instances", len(all)),
		zap.String("role", actor.Role),
	)
	return res.Instance, nil
}

func (m *Manager) isPristine(ctx context.Context, inst model.WorkflowInstance) (bool, error) {
	history, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowHistoryEntry, error) {
		return m.store.GetHistory(ctx, inst.ID)
	})
	if err != nil {
		return false, err
	}
	return len(history) == 1 && history[0].Action == model.ActionResetToStart, nil
}

// Reconcile repairs a document whose instances violate the lifecycle
// invariants. The most recently created instance is kept and all others
// are deleted with their history. Running it on a healthy document is a
// no-op.
func (m *Manager) Reconcile(ctx context.Context, actor model.Actor, documentID string) (ReconcileReport, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return ReconcileReport{DocumentID: documentID}, err
	}
	if !m.authz.Can(actor.Role, model.CapWorkflowReconcile) {
		return ReconcileReport{DocumentID: documentID}, model.NewRoleNotAuthorizedError(actor.Role, "*", "reconcile")
	}
	return m.reconcile(ctx, actor, documentID)
}

// ReconcileAll reconciles every document, at most concurrency at a time.
// Every document is attempted; the first failure is returned alongside the
// full set of reports.
func (m *Manager) ReconcileAll(ctx context.Context, actor model.Actor, concurrency int) ([]ReconcileReport, error) {
	if !m.authz.Can(actor.Role, model.CapWorkflowReconcile) {
		return nil, model.NewRoleNotAuthorizedError(actor.Role, "*", "reconcile")
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	ids, err := retryRead(ctx, m.store.ListDocumentIDs)
	if err != nil {
		return nil, err
	}

	reports := make([]ReconcileReport, len(ids))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range ids {
		g.Go(func() error {
			report, err := m.reconcile(ctx, actor, id)
			if err != nil {
				report.Error = err.Error()
			}
			reports[i] = report
			return err
		})
	}
	return reports, g.Wait()
}

func (m *Manager) reconcile(ctx context.Context, actor model.Actor, documentID string) (report ReconcileReport, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reconcile",
		observability.AttrDocumentID.String(documentID),
	)
	defer func() {
		switch {
		case err != nil:
			m.metrics.RecordReconcile("failed")
		case report.Changed():
			m.metrics.RecordReconcile("repaired")
		default:
			m.metrics.RecordReconcile("clean")
		}
		observability.EndSpanWithError(span, err)
	}()

	report = ReconcileReport{DocumentID: documentID, Deleted: []string{}}

	all, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowInstance, error) {
		return m.store.GetAllInstances(ctx, documentID)
	})
	if err != nil || len(all) == 0 {
		return report, err
	}

	kept := all[0]
	report.KeptInstanceID = kept.ID

	for _, stale := range all[1:] {
		if err := m.store.DeleteInstance(ctx, stale.ID); err != nil {
			if model.HasCode(err, model.ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("reconcile %s: delete instance %s: %w", documentID, stale.ID, err)
		}
		if stale.IsActive {
			m.metrics.RecordDeactivated(stale.WorkflowID)
		}
		report.Deleted = append(report.Deleted, stale.ID)
	}

	stageName := kept.CurrentStageID
	if def, ok := m.registry.GetWorkflow(kept.WorkflowID); ok {
		if stage, ok := def.Stage(kept.CurrentStageID); ok {
			stageName = stage.Name
		}
	}
	if patch, entry, ok := m.machine.Repair(kept, stageName, actor, report.Deleted); ok {
		if _, err := m.store.UpdateInstance(ctx, kept.ID, kept.Version, patch, entry); err != nil {
			return report, fmt.Errorf("reconcile %s: repair instance %s: %w", documentID, kept.ID, err)
		}
		m.metrics.RecordDeactivated(kept.WorkflowID)
		report.Repaired = true
	}

	if report.Changed() {
		observability.RequestLogger(ctx, m.logger).Info("document reconciled",
			zap.String("document_id", documentID),
			zap.String("instance_id", kept.ID),
			zap.Strings("deleted", report.Deleted),
			zap.Bool("repaired", report.Repaired),
		)
	}
	return report, nil
}

// GetInstance returns the read model for the document's authoritative
// instance as seen by actor.
func (m *Manager) GetInstance(ctx context.Context, actor model.Actor, documentID string) (model.InstanceView, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return model.InstanceView{}, err
	}
	inst, found, err := m.latest(ctx, documentID)
	if err != nil {
		return model.InstanceView{}, err
	}
	if !found {
		return model.InstanceView{}, model.NewNotFoundError("document " + documentID + " has no workflow instance").
			With("documentId", documentID)
	}

	history, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowHistoryEntry, error) {
		return m.store.GetHistory(ctx, inst.ID)
	})
	if err != nil {
		return model.InstanceView{}, err
	}
	if len(history) > recentHistoryLimit {
		history = history[len(history)-recentHistoryLimit:]
	}

	view := model.InstanceView{
		Instance:         inst,
		RecentHistory:    history,
		IsCompleted:      inst.IsCompleted(),
		DocumentStatus:   model.DocumentStatus(&inst, nil),
		AvailableActions: []model.ActionDefinition{},
	}
	if def, ok := m.registry.GetWorkflow(inst.WorkflowID); ok {
		if stage, ok := def.Stage(inst.CurrentStageID); ok {
			view.CurrentStage = &stage
		}
		view.DocumentStatus = model.DocumentStatus(&inst, &def)
		view.AvailableActions = AvailableActions(inst, def, actor.Role)
	}
	return view, nil
}

// GetHistory returns the full history of the document's authoritative
// instance.
func (m *Manager) GetHistory(ctx context.Context, documentID string) ([]model.WorkflowHistoryEntry, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	inst, found, err := m.latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []model.WorkflowHistoryEntry{}, nil
	}
	return retryRead(ctx, func(ctx context.Context) ([]model.WorkflowHistoryEntry, error) {
		return m.store.GetHistory(ctx, inst.ID)
	})
}

// AvailableActions returns what actor may do to the document right now.
func (m *Manager) AvailableActions(ctx context.Context, actor model.Actor, documentID string) ([]model.ActionDefinition, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	inst, found, err := m.latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []model.ActionDefinition{}, nil
	}
	def, err := m.registry.GetDefinition(inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	return AvailableActions(inst, def, actor.Role), nil
}

// ListInstances returns instances for administrative listing.
func (m *Manager) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return retryRead(ctx, func(ctx context.Context) ([]model.WorkflowInstance, error) {
		return m.store.ListInstances(ctx, filters)
	})
}

// latest returns the document's active instance, or else its most recently
// created one.
func (m *Manager) latest(ctx context.Context, documentID string) (model.WorkflowInstance, bool, error) {
	inst, err := retryRead(ctx, func(ctx context.Context) (model.WorkflowInstance, error) {
		return m.store.GetActiveInstance(ctx, documentID)
	})
	if err == nil {
		return inst, true, nil
	}
	if !model.HasCode(err, model.ErrNotFound) {
		return model.WorkflowInstance{}, false, err
	}

	all, err := retryRead(ctx, func(ctx context.Context) ([]model.WorkflowInstance, error) {
		return m.store.GetAllInstances(ctx, documentID)
	})
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	if len(all) == 0 {
		return model.WorkflowInstance{}, false, nil
	}
	return all[0], true, nil
}

// failed records a write that passed the state machine but did not commit.
func (m *Manager) failed(ctx context.Context, workflowID, action string, err error) error {
	m.metrics.RecordTransition(workflowID, action, observability.OutcomeFailed)
	observability.RequestLogger(ctx, m.logger).Warn("workflow write failed",
		zap.String("workflow_id", workflowID),
		zap.String("action", action),
		zap.Error(err),
	)
	return err
}

// retryRead runs a read and retries it once when the store reports a
// persistence failure.
func retryRead[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err != nil && model.HasCode(err, model.ErrPersistence) && ctx.Err() == nil {
		return read(ctx)
	}
	return v, err
}

// ValidateDocumentID checks the document identifier format: non-empty, at
// most 128 characters and free of whitespace.
func ValidateDocumentID(documentID string) error {
	switch {
	case documentID == "":
		return model.NewBadRequestError("documentId is required")
	case len(documentID) > maxDocumentIDLen:
		return model.NewBadRequestError(fmt.Sprintf("documentId exceeds %d characters", maxDocumentIDLen))
	case strings.IndexFunc(documentID, unicode.IsSpace) >= 0:
		return model.NewBadRequestError("documentId must not contain whitespace")
	}
	return nil
}
