// Package store persists workflow definitions, instances, and steps with
// tenant isolation and optimistic concurrency control.
//
// The write surface deliberately keeps insert and update apart: inserts are
// unconditional creations that fail loudly when the identity already exists,
// and updates are conditional on the version the caller last read. There is
// no upsert; merging the two is how silent-overwrite races are built.
package store

import (
	"context"

	"github.com/pitabwire/ringi/model"
)

// Entity types for display id allocation.
const (
	EntityInstance   = "instance"
	EntityDefinition = "definition"
)

// StepEntity returns the allocator entity type for a given instance's step
// numbering. Scoping the counter to the instance keeps step display numbers
// contiguous within it, including across resubmissions.
func StepEntity(instanceID string) string {
	return "step:" + instanceID
}

// Store is the storage contract the engine runs on. All reads and writes are
// tenant-scoped: a row belonging to another tenant is indistinguishable from
// a row that does not exist.
type Store interface {
	// InTenantTx runs fn inside a single transaction bound to the tenant.
	// The tenant context is applied both as a predicate on every query and
	// as a transaction-local ambient setting consumed by the storage
	// layer's own row-level access control, and it cannot outlive the
	// transaction. fn returning an error rolls everything back.
	InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error

	// GetInstance retrieves a workflow instance by ID. Returns NOT_FOUND
	// if the instance does not exist or belongs to a different tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// ListInstances returns instances for a tenant, newest first.
	ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// ListSteps returns an instance's steps in display-number order.
	// Returns NOT_FOUND if the instance is not visible to the tenant.
	ListSteps(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowStep, error)

	// GetDefinition retrieves a workflow definition by ID, tenant-scoped.
	GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error)

	// ListDefinitions returns a tenant's definitions, newest first.
	ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error)
}

// Tx is the transactional write (and read-your-writes) surface. The tenant
// is bound at InTenantTx time; every operation is scoped to it.
//
// Insert* fails with CONFLICT when the primary identity already exists; it
// never silently becomes an update. Update* writes only when the stored
// version equals the version carried by the aggregate, bumps it by one, and
// returns the updated aggregate; a stale version is CONFLICT, a missing row
// is NOT_FOUND, and the two are never conflated.
type Tx interface {
	GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)
	InsertInstance(ctx context.Context, inst model.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	ListSteps(ctx context.Context, instanceID string) ([]model.WorkflowStep, error)
	InsertStep(ctx context.Context, step model.WorkflowStep) error
	UpdateStep(ctx context.Context, step model.WorkflowStep) (model.WorkflowStep, error)

	GetDefinition(ctx context.Context, definitionID string) (model.WorkflowDefinition, error)
	InsertDefinition(ctx context.Context, def model.WorkflowDefinition) error
	UpdateDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// NextDisplayNumber allocates the next display number for the entity
	// type: lazily creates the counter row, then increments it under a
	// row lock held for the duration of the increment. Allocation shares
	// the surrounding transaction, so a rollback also rolls the number
	// back; gaps from aborted transactions are acceptable, duplicates are
	// not.
	NextDisplayNumber(ctx context.Context, entityType string) (int64, error)
}
