package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/model"
)

// InstrumentedStore records the latency of every InstanceStore call.
type InstrumentedStore struct {
	inner   InstanceStore
	name    string
	metrics *observability.Metrics
}

var _ InstanceStore = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps inner. name labels the store series, e.g.
// "postgres" or "sqlite".
func NewInstrumentedStore(inner InstanceStore, name string, metrics *observability.Metrics) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, name: name, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time) {
	s.metrics.ObserveStoreOperation(s.name, op, time.Since(start))
}

func (s *InstrumentedStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	defer s.observe("create_instance", time.Now())
	return s.inner.CreateInstance(ctx, inst, entry)
}

func (s *InstrumentedStore) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	defer s.observe("get_instance", time.Now())
	return s.inner.GetInstance(ctx, instanceID)
}

func (s *InstrumentedStore) GetActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, error) {
	defer s.observe("get_active_instance", time.Now())
	return s.inner.GetActiveInstance(ctx, documentID)
}

func (s *InstrumentedStore) GetAllInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error) {
	defer s.observe("get_all_instances", time.Now())
	return s.inner.GetAllInstances(ctx, documentID)
}

func (s *InstrumentedStore) UpdateInstance(ctx context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error) {
	defer s.observe("update_instance", time.Now())
	return s.inner.UpdateInstance(ctx, instanceID, expectedVersion, patch, entry)
}

func (s *InstrumentedStore) DeleteInstance(ctx context.Context, instanceID string) error {
	defer s.observe("delete_instance", time.Now())
	return s.inner.DeleteInstance(ctx, instanceID)
}

func (s *InstrumentedStore) AppendHistory(ctx context.Context, entry model.WorkflowHistoryEntry) error {
	defer s.observe("append_history", time.Now())
	return s.inner.AppendHistory(ctx, entry)
}

func (s *InstrumentedStore) GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	defer s.observe("get_history", time.Now())
	return s.inner.GetHistory(ctx, instanceID)
}

func (s *InstrumentedStore) ResetDocument(ctx context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	defer s.observe("reset_document", time.Now())
	return s.inner.ResetDocument(ctx, documentID, fresh, entry)
}

func (s *InstrumentedStore) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	defer s.observe("list_instances", time.Now())
	return s.inner.ListInstances(ctx, filters)
}

func (s *InstrumentedStore) ListDocumentIDs(ctx context.Context) ([]string, error) {
	defer s.observe("list_document_ids", time.Now())
	return s.inner.ListDocumentIDs(ctx)
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}
