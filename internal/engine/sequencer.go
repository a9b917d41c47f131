package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ringi/internal/observability"
	"github.com/pitabwire/ringi/internal/store"
	"github.com/pitabwire/ringi/model"
)

// Approve records approval on the active step and advances the chain. When
// a later step is waiting it becomes active; when the approved step was the
// last one, the instance is approved.
func (e *Engine) Approve(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, comment string,
) (model.InstanceView, error) {
	return e.decide(ctx, rctx, instanceID, stepID, model.DecisionApproved, comment)
}

// Reject records rejection on the active step. The instance terminates and
// every step still waiting is skipped.
func (e *Engine) Reject(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, comment string,
) (model.InstanceView, error) {
	return e.decide(ctx, rctx, instanceID, stepID, model.DecisionRejected, comment)
}

// RequestChanges sends the instance back to its initiator. Remaining steps
// are skipped; the initiator can edit the form and resubmit.
func (e *Engine) RequestChanges(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, comment string,
) (model.InstanceView, error) {
	return e.decide(ctx, rctx, instanceID, stepID, model.DecisionChangesRequested, comment)
}

// decide applies one decision to the instance's active step and sequences
// the consequences, all inside a single tenant transaction. The version
// predicates on both the step and the instance make a concurrent duplicate
// decision fail with a conflict instead of double-applying.
func (e *Engine) decide(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID string,
	decision model.Decision,
	comment string,
) (model.InstanceView, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Decide")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrDecision.String(string(decision)),
	)

	now := time.Now().UTC()
	var view model.InstanceView
	var nextStep *model.WorkflowStep
	err := e.store.InTenantTx(ctx, rctx.TenantID, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if model.IsTerminalInstanceStatus(inst.Status) {
			return model.NewConflictError(
				fmt.Sprintf("instance is already %s", inst.Status),
			)
		}

		steps, err := tx.ListSteps(ctx, instanceID)
		if err != nil {
			return err
		}
		target, err := resolveDecisionTarget(steps, stepID)
		if err != nil {
			return err
		}

		active, ok := target.State.(model.StateActive)
		if !ok {
			// resolveDecisionTarget only returns active steps.
			return model.NewStateCorruptError("decision target is not active")
		}
		target.State = model.StateCompleted{
			Decision:    decision,
			Comment:     comment,
			StartedAt:   active.StartedAt,
			CompletedAt: now,
		}
		target.UpdatedAt = now
		if _, err := tx.UpdateStep(ctx, *target); err != nil {
			return err
		}

		switch decision {
		case model.DecisionApproved:
			next := nextPendingStep(steps, target.DisplayNumber)
			if next == nil {
				inst.Status = model.InstanceStatusApproved
				inst.CurrentStepID = ""
			} else {
				next.State = model.StateActive{StartedAt: now}
				next.UpdatedAt = now
				activated, err := tx.UpdateStep(ctx, *next)
				if err != nil {
					return err
				}
				nextStep = &activated
				inst.Status = model.InstanceStatusInProgress
				inst.CurrentStepID = next.StepID
			}
		case model.DecisionRejected:
			if err := skipPendingSteps(ctx, tx, steps, now); err != nil {
				return err
			}
			inst.Status = model.InstanceStatusRejected
			inst.CurrentStepID = ""
		case model.DecisionChangesRequested:
			if err := skipPendingSteps(ctx, tx, steps, now); err != nil {
				return err
			}
			inst.Status = model.InstanceStatusChangesRequested
			inst.CurrentStepID = ""
		}

		inst.UpdatedAt = now
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}

		all, err := tx.ListSteps(ctx, instanceID)
		if err != nil {
			return err
		}
		view = model.InstanceView{Instance: updated, Steps: all}
		return nil
	})
	if err != nil {
		return model.InstanceView{}, e.surfaced("decide", err)
	}

	e.afterDecision(ctx, rctx, view, stepID, decision, comment, nextStep)
	return view, nil
}

// afterDecision records metrics and the audit entry, then fires the
// follow-up notification. Runs strictly after commit.
func (e *Engine) afterDecision(
	ctx context.Context,
	rctx *model.RequestContext,
	view model.InstanceView,
	stepID string,
	decision model.Decision,
	comment string,
	nextStep *model.WorkflowStep,
) {
	if e.metrics != nil {
		e.metrics.RecordDecision(string(decision))
	}
	e.recordTransition(view.Instance.Status)
	e.recordAudit(ctx, rctx, view.Instance, stepID, "step_"+string(decision), comment)

	displayID := view.Instance.DisplayID(e.instancePrefix)
	switch {
	case nextStep != nil:
		e.notify(Notification{
			TenantID:          rctx.TenantID,
			InstanceDisplayID: displayID,
			StepName:          nextStep.Name,
			NextActorID:       nextStep.AssigneeID,
			Event:             EventStepActivated,
		})
	case view.Instance.Status == model.InstanceStatusApproved:
		e.notify(Notification{
			TenantID:          rctx.TenantID,
			InstanceDisplayID: displayID,
			NextActorID:       view.Instance.InitiatorID,
			Event:             EventInstanceApproved,
		})
	case view.Instance.Status == model.InstanceStatusRejected:
		e.notify(Notification{
			TenantID:          rctx.TenantID,
			InstanceDisplayID: displayID,
			NextActorID:       view.Instance.InitiatorID,
			Event:             EventInstanceRejected,
		})
	case view.Instance.Status == model.InstanceStatusChangesRequested:
		e.notify(Notification{
			TenantID:          rctx.TenantID,
			InstanceDisplayID: displayID,
			NextActorID:       view.Instance.InitiatorID,
			Event:             EventChangesRequested,
		})
	}

	e.logger.Debug("decision applied",
		zap.String("instance_id", view.Instance.ID),
		zap.String("step_id", stepID),
		zap.String("decision", string(decision)),
		zap.String("status", view.Instance.Status),
	)
}

// resolveDecisionTarget finds the step the decision applies to. A step id
// can occur more than once after resubmission, so the active occurrence
// wins; when none is active the most recent occurrence determines the
// error, so "already decided" and "not active yet" stay distinguishable.
func resolveDecisionTarget(steps []model.WorkflowStep, stepID string) (*model.WorkflowStep, error) {
	var latest *model.WorkflowStep
	for i := range steps {
		if steps[i].StepID != stepID {
			continue
		}
		if steps[i].State.Phase() == model.StepPhaseActive {
			return &steps[i], nil
		}
		if latest == nil || steps[i].DisplayNumber > latest.DisplayNumber {
			latest = &steps[i]
		}
	}
	if latest == nil {
		return nil, model.NewNotFoundError("workflow step not found")
	}
	switch latest.State.Phase() {
	case model.StepPhaseCompleted:
		return nil, model.NewConflictError("step is already decided")
	case model.StepPhaseSkipped:
		return nil, model.NewConflictError("step was skipped")
	default:
		return nil, model.NewConflictError("step is not active yet")
	}
}

// nextPendingStep returns the first pending step after the given display
// number, or nil when the chain is exhausted.
func nextPendingStep(steps []model.WorkflowStep, after int64) *model.WorkflowStep {
	var next *model.WorkflowStep
	for i := range steps {
		if steps[i].State.Phase() != model.StepPhasePending {
			continue
		}
		if steps[i].DisplayNumber <= after {
			continue
		}
		if next == nil || steps[i].DisplayNumber < next.DisplayNumber {
			next = &steps[i]
		}
	}
	return next
}

func skipPendingSteps(ctx context.Context, tx store.Tx, steps []model.WorkflowStep, now time.Time) error {
	for i := range steps {
		if steps[i].State.Phase() != model.StepPhasePending {
			continue
		}
		steps[i].State = model.StateSkipped{}
		steps[i].UpdatedAt = now
		if _, err := tx.UpdateStep(ctx, steps[i]); err != nil {
			return err
		}
	}
	return nil
}
