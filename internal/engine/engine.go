// Package engine implements the approval workflow lifecycle: drafting and
// submitting instances, sequencing approval steps, and recording decisions.
//
// Every multi-row transition runs inside a single tenant-scoped store
// transaction, so partial sequencing can never be observed. Audit entries
// are recorded synchronously strictly after commit; notifications are fired
// after commit on a best-effort goroutine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ringi/internal/definition"
	"github.com/pitabwire/ringi/internal/observability"
	"github.com/pitabwire/ringi/internal/store"
	"github.com/pitabwire/ringi/model"
)

// Engine manages workflow definitions and instances for all tenants.
type Engine struct {
	store    store.Store
	notifier Notifier
	audit    AuditSink
	metrics  *observability.Metrics
	logger   *zap.Logger

	instancePrefix   string
	definitionPrefix string
}

// Options configure an Engine beyond its required collaborators.
type Options struct {
	// InstancePrefix is the display id prefix for instances, e.g. "RGI".
	InstancePrefix string
	// DefinitionPrefix is the display id prefix for definitions, e.g. "DEF".
	DefinitionPrefix string
}

// NewEngine creates a workflow engine. Notifier and audit sink fall back to
// log-backed implementations when nil.
func NewEngine(
	st store.Store,
	notifier Notifier,
	audit AuditSink,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if audit == nil {
		audit = NewLogAuditSink(logger)
	}
	if opts.InstancePrefix == "" {
		opts.InstancePrefix = "RGI"
	}
	if opts.DefinitionPrefix == "" {
		opts.DefinitionPrefix = "DEF"
	}
	return &Engine{
		store:            st,
		notifier:         notifier,
		audit:            audit,
		metrics:          metrics,
		logger:           logger,
		instancePrefix:   opts.InstancePrefix,
		definitionPrefix: opts.DefinitionPrefix,
	}
}

// Create opens a new draft instance of a published definition. The draft has
// no steps; they are materialized at submission.
func (e *Engine) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
	title string,
	form map[string]any,
) (model.WorkflowInstance, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Create")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)

	if title == "" {
		e.recordValidationFailure("create")
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "title", Message: "title is required"},
		})
	}

	now := time.Now().UTC()
	var inst model.WorkflowInstance
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if def.Status != model.DefinitionStatusPublished {
			return model.NewConflictError(
				fmt.Sprintf("workflow definition is %s, not published", def.Status),
			)
		}
		number, err := tx.NextDisplayNumber(ctx, store.EntityInstance)
		if err != nil {
			return err
		}
		inst = model.WorkflowInstance{
			ID:            uuid.New().String(),
			TenantID:      rctx.TenantID,
			DisplayNumber: number,
			DefinitionID:  definitionID,
			Title:         title,
			FormData:      form,
			Status:        model.InstanceStatusDraft,
			Version:       1,
			InitiatorID:   rctx.SubjectID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertInstance(ctx, inst)
	})
	if err != nil {
		return model.WorkflowInstance{}, e.surfaced("create", err)
	}

	if e.metrics != nil {
		e.metrics.InstancesCreatedTotal.WithLabelValues(definitionID).Inc()
	}
	e.recordAudit(ctx, rctx, inst, "", "instance_created", "")
	return inst, nil
}

// UpdateDraft replaces the title and form of an editable instance. Only the
// initiator may edit, and only while the instance is a draft or has changes
// requested.
func (e *Engine) UpdateDraft(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	title string,
	form map[string]any,
) (model.WorkflowInstance, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.UpdateDraft")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)

	if title == "" {
		e.recordValidationFailure("update_draft")
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "title", Message: "title is required"},
		})
	}

	var updated model.WorkflowInstance
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.InitiatorID != rctx.SubjectID {
			return model.NewForbiddenError("only the initiator may edit the instance")
		}
		if inst.Status != model.InstanceStatusDraft && inst.Status != model.InstanceStatusChangesRequested {
			return model.NewConflictError(
				fmt.Sprintf("instance is %s and cannot be edited", inst.Status),
			)
		}
		inst.Title = title
		inst.FormData = form
		inst.UpdatedAt = time.Now().UTC()
		updated, err = tx.UpdateInstance(ctx, inst)
		return err
	})
	if err != nil {
		return model.WorkflowInstance{}, e.surfaced("update_draft", err)
	}

	e.recordAudit(ctx, rctx, updated, "", "instance_updated", "")
	return updated, nil
}

// Submit validates the approver assignments against the definition's chain,
// materializes the steps, and moves a draft (or changes-requested) instance
// into the approval flow. Validation happens before any write; nothing is
// persisted when the assignment list does not match the chain.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	assignments []model.ApproverAssignment,
) (model.InstanceView, error) {
	return e.submit(ctx, rctx, instanceID, assignments, false)
}

// Resubmit re-enters the approval flow after changes were requested. The
// instance keeps its identity and display id; new steps continue the
// instance's step numbering, and prior completed or skipped steps are
// retained in the trail.
func (e *Engine) Resubmit(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	assignments []model.ApproverAssignment,
) (model.InstanceView, error) {
	return e.submit(ctx, rctx, instanceID, assignments, true)
}

func (e *Engine) submit(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	assignments []model.ApproverAssignment,
	resubmit bool,
) (model.InstanceView, error) {
	spanName := "engine.Submit"
	operation := "submit"
	if resubmit {
		spanName = "engine.Resubmit"
		operation = "resubmit"
	}
	ctx, span := observability.Tracer().Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)

	now := time.Now().UTC()
	var view model.InstanceView
	var firstStep model.WorkflowStep
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.InitiatorID != rctx.SubjectID {
			return model.NewForbiddenError("only the initiator may submit the instance")
		}
		if resubmit {
			if inst.Status != model.InstanceStatusChangesRequested {
				return model.NewConflictError(
					fmt.Sprintf("instance is %s and cannot be resubmitted", inst.Status),
				)
			}
		} else if inst.Status != model.InstanceStatusDraft && inst.Status != model.InstanceStatusChangesRequested {
			return model.NewConflictError(
				fmt.Sprintf("instance is %s and cannot be submitted", inst.Status),
			)
		}

		def, err := tx.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		chain, err := definition.ParseChain(def.Document)
		if err != nil {
			return err
		}
		if err := definition.ValidateAssignments(chain, assignments); err != nil {
			return err
		}

		// All validation passed; materialize the steps.
		steps := make([]model.WorkflowStep, 0, len(chain))
		for i, cs := range chain {
			number, err := tx.NextDisplayNumber(ctx, store.StepEntity(inst.ID))
			if err != nil {
				return err
			}
			var state model.StepState = model.StatePending{}
			if i == 0 {
				state = model.StateActive{StartedAt: now}
			}
			step := model.WorkflowStep{
				ID:            uuid.New().String(),
				TenantID:      rctx.TenantID,
				InstanceID:    inst.ID,
				DisplayNumber: number,
				StepID:        cs.StepID,
				Name:          cs.Name,
				AssigneeID:    assignments[i].AssigneeID,
				DueAt:         assignments[i].DueAt,
				State:         state,
				Version:       1,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertStep(ctx, step); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		firstStep = steps[0]

		inst.Status = model.InstanceStatusInProgress
		if firstStep.AssigneeID == "" {
			inst.Status = model.InstanceStatusPending
		}
		inst.CurrentStepID = firstStep.StepID
		inst.UpdatedAt = now
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}

		all, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		view = model.InstanceView{Instance: updated, Steps: all}
		return nil
	})
	if err != nil {
		return model.InstanceView{}, e.surfaced(operation, err)
	}

	e.recordTransition(view.Instance.Status)
	e.recordAudit(ctx, rctx, view.Instance, firstStep.StepID, "instance_submitted", "")
	e.notify(Notification{
		TenantID:          rctx.TenantID,
		InstanceDisplayID: view.Instance.DisplayID(e.instancePrefix),
		StepName:          firstStep.Name,
		NextActorID:       firstStep.AssigneeID,
		Event:             EventStepActivated,
	})
	return view, nil
}

// Cancel terminates a non-terminal instance. Only the initiator may cancel.
// All steps still waiting on a decision are marked skipped.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.InstanceView, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Cancel")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)

	now := time.Now().UTC()
	var view model.InstanceView
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.InitiatorID != rctx.SubjectID {
			return model.NewForbiddenError("only the initiator may cancel the instance")
		}
		if model.IsTerminalInstanceStatus(inst.Status) {
			return model.NewConflictError(
				fmt.Sprintf("instance is already %s", inst.Status),
			)
		}

		steps, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			switch step.State.Phase() {
			case model.StepPhasePending, model.StepPhaseActive:
				step.State = model.StateSkipped{}
				step.UpdatedAt = now
				if _, err := tx.UpdateStep(ctx, step); err != nil {
					return err
				}
			}
		}

		inst.Status = model.InstanceStatusCancelled
		inst.CurrentStepID = ""
		inst.UpdatedAt = now
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}

		all, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		view = model.InstanceView{Instance: updated, Steps: all}
		return nil
	})
	if err != nil {
		return model.InstanceView{}, e.surfaced("cancel", err)
	}

	e.recordTransition(model.InstanceStatusCancelled)
	e.recordAudit(ctx, rctx, view.Instance, "", "instance_cancelled", "")
	e.notify(Notification{
		TenantID:          rctx.TenantID,
		InstanceDisplayID: view.Instance.DisplayID(e.instancePrefix),
		NextActorID:       view.Instance.InitiatorID,
		Event:             EventInstanceCancelled,
	})
	return view, nil
}

// Get returns the instance with its steps, consistently from one snapshot.
func (e *Engine) Get(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.InstanceView, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Get")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)

	var view model.InstanceView
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, instanceID)
		if err != nil {
			return err
		}
		view = model.InstanceView{Instance: inst, Steps: steps}
		return nil
	})
	if err != nil {
		return model.InstanceView{}, err
	}
	return view, nil
}

// List returns the tenant's instances, newest first.
func (e *Engine) List(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.InstanceFilters,
) ([]model.WorkflowInstance, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.List")
	defer span.End()
	span.SetAttributes(observability.AttrTenantID.String(rctx.TenantID))

	return e.store.ListInstances(ctx, rctx.TenantID, filters)
}

// CreateDefinition stores a new draft workflow definition. The document is
// not validated until publication, so authors can save partial work.
func (e *Engine) CreateDefinition(
	ctx context.Context,
	rctx *model.RequestContext,
	name string,
	doc model.DefinitionDocument,
) (model.WorkflowDefinition, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.CreateDefinition")
	defer span.End()
	span.SetAttributes(observability.AttrTenantID.String(rctx.TenantID))

	if name == "" {
		e.recordValidationFailure("create_definition")
		return model.WorkflowDefinition{}, model.NewValidationError([]model.FieldError{
			{Field: "name", Message: "name is required"},
		})
	}

	now := time.Now().UTC()
	var def model.WorkflowDefinition
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		number, err := tx.NextDisplayNumber(ctx, store.EntityDefinition)
		if err != nil {
			return err
		}
		def = model.WorkflowDefinition{
			ID:            uuid.New().String(),
			TenantID:      rctx.TenantID,
			DisplayNumber: number,
			Name:          name,
			Version:       1,
			Status:        model.DefinitionStatusDraft,
			Document:      doc,
			CreatedBy:     rctx.SubjectID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertDefinition(ctx, def)
	})
	if err != nil {
		return model.WorkflowDefinition{}, e.surfaced("create_definition", err)
	}
	return def, nil
}

// UpdateDefinition replaces the name and document of a draft definition.
// Published documents are immutable.
func (e *Engine) UpdateDefinition(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
	name string,
	doc model.DefinitionDocument,
) (model.WorkflowDefinition, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.UpdateDefinition")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)

	var updated model.WorkflowDefinition
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if def.Status != model.DefinitionStatusDraft {
			return model.NewConflictError(
				fmt.Sprintf("workflow definition is %s and cannot be edited", def.Status),
			)
		}
		if name != "" {
			def.Name = name
		}
		def.Document = doc
		def.UpdatedAt = time.Now().UTC()
		updated, err = tx.UpdateDefinition(ctx, def)
		return err
	})
	if err != nil {
		return model.WorkflowDefinition{}, e.surfaced("update_definition", err)
	}
	return updated, nil
}

// PublishDefinition freezes a draft definition after validating that its
// document parses into a usable approval chain.
func (e *Engine) PublishDefinition(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
) (model.WorkflowDefinition, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.PublishDefinition")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)

	var published model.WorkflowDefinition
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if def.Status != model.DefinitionStatusDraft {
			return model.NewConflictError(
				fmt.Sprintf("workflow definition is %s, not draft", def.Status),
			)
		}
		if _, err := definition.ParseChain(def.Document); err != nil {
			return err
		}
		def.Status = model.DefinitionStatusPublished
		def.UpdatedAt = time.Now().UTC()
		published, err = tx.UpdateDefinition(ctx, def)
		return err
	})
	if err != nil {
		return model.WorkflowDefinition{}, e.surfaced("publish_definition", err)
	}
	return published, nil
}

// ArchiveDefinition retires a definition. Existing instances are unaffected;
// new instances can no longer be created from it.
func (e *Engine) ArchiveDefinition(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
) (model.WorkflowDefinition, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.ArchiveDefinition")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)

	var archived model.WorkflowDefinition
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if def.Status == model.DefinitionStatusArchived {
			return model.NewConflictError("workflow definition is already archived")
		}
		def.Status = model.DefinitionStatusArchived
		def.UpdatedAt = time.Now().UTC()
		archived, err = tx.UpdateDefinition(ctx, def)
		return err
	})
	if err != nil {
		return model.WorkflowDefinition{}, e.surfaced("archive_definition", err)
	}
	return archived, nil
}

// GetDefinition returns a definition, tenant-scoped.
func (e *Engine) GetDefinition(
	ctx context.Context,
	rctx *model.RequestContext,
	definitionID string,
) (model.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, rctx.TenantID, definitionID)
}

// ListDefinitions returns the tenant's definitions, newest first.
func (e *Engine) ListDefinitions(
	ctx context.Context,
	rctx *model.RequestContext,
) ([]model.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx, rctx.TenantID)
}

// surfaced records conflict and validation metrics for an operation's error
// before passing it through unchanged.
func (e *Engine) surfaced(operation string, err error) error {
	if e.metrics != nil {
		switch {
		case model.IsCode(err, model.ErrConflict):
			e.metrics.RecordConflict(operation)
		case model.IsCode(err, model.ErrValidationError):
			e.metrics.RecordValidationFailure(operation)
		}
	}
	return err
}

func (e *Engine) recordValidationFailure(operation string) {
	if e.metrics != nil {
		e.metrics.RecordValidationFailure(operation)
	}
}

func (e *Engine) recordTransition(toStatus string) {
	if e.metrics != nil {
		e.metrics.RecordTransition(toStatus)
	}
}

// recordAudit writes one audit entry. It is called strictly after the
// transaction has committed; a sink failure is logged but does not fail the
// already-committed operation.
func (e *Engine) recordAudit(
	ctx context.Context,
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	stepID string,
	event string,
	comment string,
) {
	entry := AuditEntry{
		TenantID:          inst.TenantID,
		InstanceID:        inst.ID,
		InstanceDisplayID: inst.DisplayID(e.instancePrefix),
		StepID:            stepID,
		Event:             event,
		ActorID:           rctx.SubjectID,
		Comment:           comment,
		Version:           inst.Version,
		OccurredAt:        time.Now().UTC(),
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("audit record failed",
			zap.String("instance_id", inst.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// notify fires a notification on a detached goroutine. Delivery is best
// effort and never blocks or fails the operation that triggered it.
func (e *Engine) notify(n Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notification delivery failed",
				zap.String("instance_display_id", n.InstanceDisplayID),
				zap.String("event", n.Event),
				zap.Error(err),
			)
		}
	}()
}
