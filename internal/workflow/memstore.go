package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/reviewflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for tests and
// single-process deployments. A single mutex makes every operation
// serializable, which is how it upholds the single-active-instance rule.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance       // key: instance ID
	history   map[string][]model.WorkflowHistoryEntry // key: instance ID
	fault     func(op string) error
}

var _ InstanceStore = (*MemoryInstanceStore)(nil)

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.WorkflowHistoryEntry),
	}
}

// InjectFault installs a hook that runs after the instance write and before
// the history write of every transactional operation. A non-nil return
// aborts the operation and the instance write is rolled back.
func (s *MemoryInstanceStore) InjectFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *MemoryInstanceStore) injected(op string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return model.NewPersistenceError(op, err)
	}
	return nil
}

// activeFor returns the ID of the document's active instance, if any.
func (s *MemoryInstanceStore) activeFor(documentID string) (string, bool) {
	for id, inst := range s.instances {
		if inst.DocumentID == documentID && inst.IsActive {
			return id, true
		}
	}
	return "", false
}

func (s *MemoryInstanceStore) appendLocked(entry model.WorkflowHistoryEntry) {
	entries := s.history[entry.WorkflowInstanceID]
	if n := len(entries); n > 0 {
		clampCreatedAt(&entry, entries[n-1].CreatedAt)
	}
	s.history[entry.WorkflowInstanceID] = append(entries, entry)
}

// CreateInstance persists a new instance and its first history entry.
func (s *MemoryInstanceStore) CreateInstance(_ context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError("workflow instance " + inst.ID + " already exists")
	}
	if inst.IsActive {
		if _, ok := s.activeFor(inst.DocumentID); ok {
			return model.NewDuplicateActiveInstanceError(inst.DocumentID)
		}
	}

	s.instances[inst.ID] = inst
	if err := s.injected("create instance"); err != nil {
		delete(s.instances, inst.ID)
		return err
	}
	s.appendLocked(entry)
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryInstanceStore) GetInstance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, notFoundInstance(instanceID)
	}
	return inst, nil
}

// GetActiveInstance retrieves the document's active instance.
func (s *MemoryInstanceStore) GetActiveInstance(_ context.Context, documentID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeFor(documentID)
	if !ok {
		return model.WorkflowInstance{}, noActiveInstance(documentID)
	}
	return s.instances[id], nil
}

// GetAllInstances returns the document's instances, newest first.
func (s *MemoryInstanceStore) GetAllInstances(_ context.Context, documentID string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.DocumentID == documentID {
			result = append(result, inst)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// UpdateInstance applies patch with optimistic locking and appends entry.
func (s *MemoryInstanceStore) UpdateInstance(_ context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, notFoundInstance(instanceID)
	}
	if existing.Version != expectedVersion {
		return model.WorkflowInstance{}, versionConflict(instanceID, expectedVersion)
	}

	updated := existing
	patch.Apply(&updated)
	if updated.IsActive && !existing.IsActive {
		if _, ok := s.activeFor(updated.DocumentID); ok {
			return model.WorkflowInstance{}, model.NewDuplicateActiveInstanceError(updated.DocumentID)
		}
	}

	s.instances[instanceID] = updated
	if err := s.injected("update instance"); err != nil {
		s.instances[instanceID] = existing
		return model.WorkflowInstance{}, err
	}
	s.appendLocked(entry)
	return updated, nil
}

// DeleteInstance removes an instance and its history.
func (s *MemoryInstanceStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instanceID]; !exists {
		return notFoundInstance(instanceID)
	}
	delete(s.history, instanceID)
	delete(s.instances, instanceID)
	return nil
}

// AppendHistory adds an entry to an existing instance's audit trail.
func (s *MemoryInstanceStore) AppendHistory(_ context.Context, entry model.WorkflowHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[entry.WorkflowInstanceID]; !exists {
		return notFoundInstance(entry.WorkflowInstanceID)
	}
	s.appendLocked(entry)
	return nil
}

// GetHistory returns a copy of the instance's history in insertion order.
func (s *MemoryInstanceStore) GetHistory(_ context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, notFoundInstance(instanceID)
	}
	entries := s.history[instanceID]
	result := make([]model.WorkflowHistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// ResetDocument replaces every instance of the document with fresh.
func (s *MemoryInstanceStore) ResetDocument(_ context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]model.WorkflowInstance)
	removedHistory := make(map[string][]model.WorkflowHistoryEntry)
	for id, inst := range s.instances {
		if inst.DocumentID == documentID {
			removed[id] = inst
			removedHistory[id] = s.history[id]
			delete(s.history, id)
			delete(s.instances, id)
		}
	}

	s.instances[fresh.ID] = fresh
	if err := s.injected("reset document"); err != nil {
		delete(s.instances, fresh.ID)
		for id, inst := range removed {
			s.instances[id] = inst
			s.history[id] = removedHistory[id]
		}
		return err
	}
	s.appendLocked(entry)
	return nil
}

// ListInstances returns instances matching filters, newest update first.
func (s *MemoryInstanceStore) ListInstances(_ context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.Matches(inst) {
			result = append(result, inst)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// ListDocumentIDs returns every document with at least one instance.
func (s *MemoryInstanceStore) ListDocumentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, inst := range s.instances {
		if !seen[inst.DocumentID] {
			seen[inst.DocumentID] = true
			ids = append(ids, inst.DocumentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (s *MemoryInstanceStore) Ping(context.Context) error {
	return nil
}

// Seed inserts instances without any invariant checks. It exists so tests
// can reproduce legacy data that violates the single-active rule.
func (s *MemoryInstanceStore) Seed(inst model.WorkflowInstance, entries ...model.WorkflowHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	s.history[inst.ID] = append(s.history[inst.ID], entries...)
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func sortNewestFirst(instances []model.WorkflowInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].CreatedAt.After(instances[j].CreatedAt)
		}
		return instances[i].ID > instances[j].ID
	})
}
