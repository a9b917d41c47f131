package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/ringi/model"
)

// MemoryStore is an in-memory Store for tests and local development. It
// serializes every transaction under a single mutex and restores a snapshot
// on rollback, so the guard and isolation semantics match the durable
// implementation closely enough for the engine tests to run against either.
type MemoryStore struct {
	mu          sync.Mutex
	instances   map[string]model.WorkflowInstance
	steps       map[string]model.WorkflowStep
	definitions map[string]model.WorkflowDefinition
	counters    map[string]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]model.WorkflowInstance),
		steps:       make(map[string]model.WorkflowStep),
		definitions: make(map[string]model.WorkflowDefinition),
		counters:    make(map[string]int64),
	}
}

// HealthCheck implements the readiness probe contract.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// InTenantTx implements Store. The whole transaction runs under the store
// lock; an error from fn restores the pre-transaction snapshot.
func (m *MemoryStore) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	if tenantID == "" {
		return model.NewBadRequestError("tenant id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotLocked()
	tx := &memTx{store: m, tenantID: tenantID}
	if err := fn(ctx, tx); err != nil {
		m.restoreLocked(snapshot)
		return err
	}
	return nil
}

// GetInstance implements Store.
func (m *MemoryStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getInstanceLocked(tenantID, instanceID)
}

// ListInstances implements Store.
func (m *MemoryStore) ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.WorkflowInstance
	for _, inst := range m.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.InitiatorID != "" && inst.InitiatorID != filters.InitiatorID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DisplayNumber > out[j].DisplayNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filters.Limit, filters.Offset), nil
}

// ListSteps implements Store.
func (m *MemoryStore) ListSteps(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getInstanceLocked(tenantID, instanceID); err != nil {
		return nil, err
	}
	return m.listStepsLocked(tenantID, instanceID), nil
}

// GetDefinition implements Store.
func (m *MemoryStore) GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getDefinitionLocked(tenantID, definitionID)
}

// ListDefinitions implements Store.
func (m *MemoryStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.WorkflowDefinition
	for _, def := range m.definitions {
		if def.TenantID == tenantID {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) getInstanceLocked(tenantID, instanceID string) (model.WorkflowInstance, error) {
	inst, ok := m.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError("workflow instance not found")
	}
	return inst, nil
}

func (m *MemoryStore) getDefinitionLocked(tenantID, definitionID string) (model.WorkflowDefinition, error) {
	def, ok := m.definitions[definitionID]
	if !ok || def.TenantID != tenantID {
		return model.WorkflowDefinition{}, model.NewNotFoundError("workflow definition not found")
	}
	return def, nil
}

func (m *MemoryStore) listStepsLocked(tenantID, instanceID string) []model.WorkflowStep {
	var out []model.WorkflowStep
	for _, step := range m.steps {
		if step.TenantID == tenantID && step.InstanceID == instanceID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayNumber < out[j].DisplayNumber
	})
	return out
}

type memSnapshot struct {
	instances   map[string]model.WorkflowInstance
	steps       map[string]model.WorkflowStep
	definitions map[string]model.WorkflowDefinition
	counters    map[string]int64
}

func (m *MemoryStore) snapshotLocked() memSnapshot {
	s := memSnapshot{
		instances:   make(map[string]model.WorkflowInstance, len(m.instances)),
		steps:       make(map[string]model.WorkflowStep, len(m.steps)),
		definitions: make(map[string]model.WorkflowDefinition, len(m.definitions)),
		counters:    make(map[string]int64, len(m.counters)),
	}
	for k, v := range m.instances {
		s.instances[k] = v
	}
	for k, v := range m.steps {
		s.steps[k] = v
	}
	for k, v := range m.definitions {
		s.definitions[k] = v
	}
	for k, v := range m.counters {
		s.counters[k] = v
	}
	return s
}

func (m *MemoryStore) restoreLocked(s memSnapshot) {
	m.instances = s.instances
	m.steps = s.steps
	m.definitions = s.definitions
	m.counters = s.counters
}

// memTx operates directly on the store maps; the snapshot taken by
// InTenantTx provides rollback.
type memTx struct {
	store    *MemoryStore
	tenantID string
}

func (t *memTx) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return t.store.getInstanceLocked(t.tenantID, instanceID)
}

func (t *memTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance) error {
	if _, ok := t.store.instances[inst.ID]; ok {
		return model.NewConflictError("workflow instance already exists")
	}
	inst.TenantID = t.tenantID
	t.store.instances[inst.ID] = inst
	return nil
}

func (t *memTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	current, ok := t.store.instances[inst.ID]
	if !ok || current.TenantID != t.tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError("workflow instance not found")
	}
	if current.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance was modified concurrently, expected version %d", inst.Version),
		)
	}
	inst.TenantID = t.tenantID
	inst.Version++
	t.store.instances[inst.ID] = inst
	return inst, nil
}

func (t *memTx) ListSteps(ctx context.Context, instanceID string) ([]model.WorkflowStep, error) {
	return t.store.listStepsLocked(t.tenantID, instanceID), nil
}

func (t *memTx) InsertStep(ctx context.Context, step model.WorkflowStep) error {
	if _, ok := t.store.steps[step.ID]; ok {
		return model.NewConflictError("workflow step already exists")
	}
	for _, existing := range t.store.steps {
		if existing.InstanceID == step.InstanceID && existing.DisplayNumber == step.DisplayNumber {
			return model.NewConflictError("step display number already taken")
		}
	}
	step.TenantID = t.tenantID
	t.store.steps[step.ID] = step
	return nil
}

func (t *memTx) UpdateStep(ctx context.Context, step model.WorkflowStep) (model.WorkflowStep, error) {
	current, ok := t.store.steps[step.ID]
	if !ok || current.TenantID != t.tenantID {
		return model.WorkflowStep{}, model.NewNotFoundError("workflow step not found")
	}
	if current.Version != step.Version {
		return model.WorkflowStep{}, model.NewConflictError(
			fmt.Sprintf("workflow step was modified concurrently, expected version %d", step.Version),
		)
	}
	step.TenantID = t.tenantID
	step.Version++
	t.store.steps[step.ID] = step
	return step, nil
}

func (t *memTx) GetDefinition(ctx context.Context, definitionID string) (model.WorkflowDefinition, error) {
	return t.store.getDefinitionLocked(t.tenantID, definitionID)
}

func (t *memTx) InsertDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	if _, ok := t.store.definitions[def.ID]; ok {
		return model.NewConflictError("workflow definition already exists")
	}
	def.TenantID = t.tenantID
	t.store.definitions[def.ID] = def
	return nil
}

func (t *memTx) UpdateDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	current, ok := t.store.definitions[def.ID]
	if !ok || current.TenantID != t.tenantID {
		return model.WorkflowDefinition{}, model.NewNotFoundError("workflow definition not found")
	}
	if current.Version != def.Version {
		return model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("workflow definition was modified concurrently, expected version %d", def.Version),
		)
	}
	def.TenantID = t.tenantID
	def.Version++
	t.store.definitions[def.ID] = def
	return def, nil
}

func (t *memTx) NextDisplayNumber(ctx context.Context, entityType string) (int64, error) {
	key := t.tenantID + "/" + entityType
	t.store.counters[key]++
	return t.store.counters[key], nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
