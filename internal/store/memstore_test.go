package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/ringi/model"
)

func testStoreInstance(id, tenantID string) model.WorkflowInstance {
	now := time.Now().UTC()
	return model.WorkflowInstance{
		ID:            id,
		TenantID:      tenantID,
		DisplayNumber: 1,
		DefinitionID:  "def-1",
		Title:         "Purchase laptops",
		FormData:      map[string]any{"amount": 4200},
		Status:        model.InstanceStatusDraft,
		Version:       1,
		InitiatorID:   "user-alice",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testStoreStep(id, tenantID, instanceID string, number int64) model.WorkflowStep {
	now := time.Now().UTC()
	return model.WorkflowStep{
		ID:            id,
		TenantID:      tenantID,
		InstanceID:    instanceID,
		DisplayNumber: number,
		StepID:        "manager_approval",
		Name:          "Manager approval",
		AssigneeID:    "user-bob",
		State:         model.StatePending{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func mustInsertInstance(t *testing.T, s *MemoryStore, inst model.WorkflowInstance) {
	t.Helper()
	err := s.InTenantTx(context.Background(), inst.TenantID, func(ctx context.Context, tx Tx) error {
		return tx.InsertInstance(ctx, inst)
	})
	if err != nil {
		t.Fatalf("InsertInstance error: %v", err)
	}
}

// --- Insert ---

func TestMemoryStore_InsertInstance_duplicate(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")
	mustInsertInstance(t, s, inst)

	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		return tx.InsertInstance(ctx, inst)
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

// --- Get ---

func TestMemoryStore_GetInstance(t *testing.T) {
	s := NewMemoryStore()
	mustInsertInstance(t, s, testStoreInstance("wf-1", "tenant-1"))

	got, err := s.GetInstance(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if got.Title != "Purchase laptops" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestMemoryStore_GetInstance_notFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetInstance(context.Background(), "tenant-1", "nonexistent")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_GetInstance_tenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	mustInsertInstance(t, s, testStoreInstance("wf-1", "tenant-1"))

	// Another tenant must get NOT_FOUND, never FORBIDDEN: the error must not
	// reveal that the instance exists.
	_, err := s.GetInstance(context.Background(), "tenant-2", "wf-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- Update ---

func TestMemoryStore_UpdateInstance_bumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")
	mustInsertInstance(t, s, inst)

	inst.Status = model.InstanceStatusPending
	var updated model.WorkflowInstance
	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		var err error
		updated, err = tx.UpdateInstance(ctx, inst)
		return err
	})
	if err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.Status != model.InstanceStatusPending {
		t.Errorf("Status = %q", updated.Status)
	}
}

func TestMemoryStore_UpdateInstance_staleVersion(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")
	mustInsertInstance(t, s, inst)

	// First writer wins.
	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateInstance(ctx, inst)
		return err
	})
	if err != nil {
		t.Fatalf("first update error: %v", err)
	}

	// Second writer still carries version 1.
	err = s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateInstance(ctx, inst)
		return err
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_UpdateInstance_missingIsNotConflict(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")

	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateInstance(ctx, inst)
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_UpdateInstance_crossTenant(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")
	mustInsertInstance(t, s, inst)

	err := s.InTenantTx(context.Background(), "tenant-2", func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateInstance(ctx, inst)
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- Rollback ---

func TestMemoryStore_InTenantTx_rollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")

	boom := errors.New("boom")
	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return err
		}
		if _, err := tx.NextDisplayNumber(ctx, EntityInstance); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := s.GetInstance(context.Background(), "tenant-1", "wf-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("instance survived rollback: %v", err)
	}

	// The counter must roll back with the transaction.
	var n int64
	err = s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.NextDisplayNumber(ctx, EntityInstance)
		return err
	})
	if err != nil {
		t.Fatalf("NextDisplayNumber error: %v", err)
	}
	if n != 1 {
		t.Errorf("next display number = %d, want 1", n)
	}
}

// --- Display id allocation ---

func TestMemoryStore_NextDisplayNumber_monotonic(t *testing.T) {
	s := NewMemoryStore()

	for want := int64(1); want <= 5; want++ {
		var got int64
		err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
			var err error
			got, err = tx.NextDisplayNumber(ctx, EntityInstance)
			return err
		})
		if err != nil {
			t.Fatalf("NextDisplayNumber error: %v", err)
		}
		if got != want {
			t.Fatalf("allocation %d = %d", want, got)
		}
	}
}

func TestMemoryStore_NextDisplayNumber_perTenantAndEntity(t *testing.T) {
	s := NewMemoryStore()

	alloc := func(tenantID, entityType string) int64 {
		t.Helper()
		var n int64
		err := s.InTenantTx(context.Background(), tenantID, func(ctx context.Context, tx Tx) error {
			var err error
			n, err = tx.NextDisplayNumber(ctx, entityType)
			return err
		})
		if err != nil {
			t.Fatalf("NextDisplayNumber error: %v", err)
		}
		return n
	}

	if n := alloc("tenant-1", EntityInstance); n != 1 {
		t.Errorf("tenant-1 instance = %d, want 1", n)
	}
	if n := alloc("tenant-1", EntityInstance); n != 2 {
		t.Errorf("tenant-1 instance = %d, want 2", n)
	}
	// A second tenant starts fresh.
	if n := alloc("tenant-2", EntityInstance); n != 1 {
		t.Errorf("tenant-2 instance = %d, want 1", n)
	}
	// Different entity types do not share a sequence.
	if n := alloc("tenant-1", EntityDefinition); n != 1 {
		t.Errorf("tenant-1 definition = %d, want 1", n)
	}
	if n := alloc("tenant-1", StepEntity("wf-1")); n != 1 {
		t.Errorf("tenant-1 step = %d, want 1", n)
	}
}

// --- Steps ---

func TestMemoryStore_Steps_orderAndUpdate(t *testing.T) {
	s := NewMemoryStore()
	inst := testStoreInstance("wf-1", "tenant-1")
	mustInsertInstance(t, s, inst)

	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		// Insert out of order; listing must come back sorted.
		if err := tx.InsertStep(ctx, testStoreStep("st-2", "tenant-1", "wf-1", 2)); err != nil {
			return err
		}
		return tx.InsertStep(ctx, testStoreStep("st-1", "tenant-1", "wf-1", 1))
	})
	if err != nil {
		t.Fatalf("insert steps error: %v", err)
	}

	steps, err := s.ListSteps(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("ListSteps error: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d", len(steps))
	}
	if steps[0].DisplayNumber != 1 || steps[1].DisplayNumber != 2 {
		t.Errorf("order = %d, %d", steps[0].DisplayNumber, steps[1].DisplayNumber)
	}

	step := steps[0]
	step.State = model.StateActive{StartedAt: time.Now().UTC()}
	err = s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		updated, err := tx.UpdateStep(ctx, step)
		if err != nil {
			return err
		}
		if updated.Version != step.Version+1 {
			t.Errorf("Version = %d, want %d", updated.Version, step.Version+1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateStep error: %v", err)
	}
}

func TestMemoryStore_InsertStep_duplicateDisplayNumber(t *testing.T) {
	s := NewMemoryStore()
	mustInsertInstance(t, s, testStoreInstance("wf-1", "tenant-1"))

	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertStep(ctx, testStoreStep("st-1", "tenant-1", "wf-1", 1)); err != nil {
			return err
		}
		return tx.InsertStep(ctx, testStoreStep("st-other", "tenant-1", "wf-1", 1))
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_ListSteps_tenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	mustInsertInstance(t, s, testStoreInstance("wf-1", "tenant-1"))

	_, err := s.ListSteps(context.Background(), "tenant-2", "wf-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- List ---

func TestMemoryStore_ListInstances_filters(t *testing.T) {
	s := NewMemoryStore()
	a := testStoreInstance("wf-1", "tenant-1")
	b := testStoreInstance("wf-2", "tenant-1")
	b.DisplayNumber = 2
	b.Status = model.InstanceStatusInProgress
	b.CreatedAt = a.CreatedAt.Add(time.Minute)
	c := testStoreInstance("wf-3", "tenant-2")
	mustInsertInstance(t, s, a)
	mustInsertInstance(t, s, b)
	mustInsertInstance(t, s, c)

	all, err := s.ListInstances(context.Background(), "tenant-1", model.InstanceFilters{})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].ID != "wf-2" {
		t.Errorf("newest first: got %q", all[0].ID)
	}

	drafts, err := s.ListInstances(context.Background(), "tenant-1", model.InstanceFilters{
		Status: model.InstanceStatusDraft,
	})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != "wf-1" {
		t.Errorf("drafts = %+v", drafts)
	}

	page, err := s.ListInstances(context.Background(), "tenant-1", model.InstanceFilters{
		Limit: 1, Offset: 1,
	})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(page) != 1 || page[0].ID != "wf-1" {
		t.Errorf("page = %+v", page)
	}
}

// --- Definitions ---

func TestMemoryStore_Definitions_roundTrip(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	def := model.WorkflowDefinition{
		ID:       "def-1",
		TenantID: "tenant-1",
		Name:     "Purchase approval",
		Version:  1,
		Status:   model.DefinitionStatusDraft,
		Document: model.DefinitionDocument{Nodes: []model.StepNode{
			{StepID: "start", Name: "Start", Kind: model.StepKindStart},
			{StepID: "manager", Name: "Manager", Kind: model.StepKindApproval},
			{StepID: "end", Name: "End", Kind: model.StepKindEnd},
		}},
		CreatedBy: "user-alice",
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		return tx.InsertDefinition(ctx, def)
	})
	if err != nil {
		t.Fatalf("InsertDefinition error: %v", err)
	}

	got, err := s.GetDefinition(context.Background(), "tenant-1", "def-1")
	if err != nil {
		t.Fatalf("GetDefinition error: %v", err)
	}
	if len(got.Document.Nodes) != 3 {
		t.Errorf("nodes = %d", len(got.Document.Nodes))
	}

	got.Status = model.DefinitionStatusPublished
	err = s.InTenantTx(context.Background(), "tenant-1", func(ctx context.Context, tx Tx) error {
		updated, err := tx.UpdateDefinition(ctx, got)
		if err != nil {
			return err
		}
		if updated.Version != 2 {
			t.Errorf("Version = %d, want 2", updated.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateDefinition error: %v", err)
	}

	if _, err := s.GetDefinition(context.Background(), "tenant-2", "def-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("cross-tenant err = %v, want NOT_FOUND", err)
	}
}
