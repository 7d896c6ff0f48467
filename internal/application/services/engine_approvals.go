package services

import (
	"context"
	"fmt"
	"time"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/models"
	apperrors "github.com/clearledger/backend/pkg/errors"
)

// ApproveStep records an approval decision and resumes the workflow
// down the success edge
func (e *WorkflowEngine) ApproveStep(ctx context.Context, instanceID, approvalID, decidedBy, comments string) error {
	return e.decideApproval(ctx, instanceID, approvalID, decidedBy, comments, true)
}

// RejectStep records a rejection and routes the workflow down the
// failure edge, failing it when the edge is absent
func (e *WorkflowEngine) RejectStep(ctx context.Context, instanceID, approvalID, decidedBy, comments string) error {
	return e.decideApproval(ctx, instanceID, approvalID, decidedBy, comments, false)
}

// decideApproval applies an approve or reject decision exactly once.
// The decision, the execution record update and the routing all land in
// one persisted snapshot.
func (e *WorkflowEngine) decideApproval(ctx context.Context, instanceID, approvalID, decidedBy, comments string, approved bool) error {
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return apperrors.NewInstanceNotFoundError(instanceID)
	}

	approval := instance.Approval(approvalID)
	if approval == nil {
		return apperrors.NewApprovalNotFoundError(instanceID, approvalID)
	}
	if approval.IsDecided() {
		return apperrors.NewApprovalAlreadyDecidedError(approvalID, string(approval.Status))
	}
	if instance.Status != models.WorkflowStatusWaitingApproval {
		return apperrors.NewInvalidTransitionError(instanceID, string(instance.Status), "decide approval")
	}

	def, err := e.definitions.Get(instance.DefinitionID)
	if err != nil {
		return err
	}
	step := def.Step(approval.StepID)
	if step == nil {
		return apperrors.NewStepNotFoundError(def.ID, approval.StepID)
	}

	now := time.Now().UTC()
	approval.DecidedBy = decidedBy
	approval.DecidedAt = &now
	approval.Comments = comments
	if approved {
		approval.Status = models.ApprovalStatusApproved
	} else {
		approval.Status = models.ApprovalStatusRejected
	}

	exec := findExecution(instance, approval.StepID)
	if exec != nil && exec.Status == models.ExecutionStatusWaiting {
		if approved {
			finishExecution(exec, models.ExecutionStatusCompleted, "")
			exec.Output = map[string]interface{}{"approved_by": decidedBy}
		} else {
			finishExecution(exec, models.ExecutionStatusFailed, fmt.Sprintf("rejected by %s", decidedBy))
		}
	}

	e.cancelStepTimer(instanceID)

	var routeErr error
	if approved {
		if step.OnSuccess == "" {
			routeErr = e.completeLocked(ctx, instance)
		} else {
			instance.Status = models.WorkflowStatusRunning
			instance.CurrentStep = step.OnSuccess
			routeErr = e.persist(ctx, instance)
		}
	} else {
		if step.OnFailure == "" {
			routeErr = e.failLocked(ctx, instance, fmt.Sprintf("approval on step '%s' rejected by %s", step.ID, decidedBy))
		} else {
			instance.Status = models.WorkflowStatusRunning
			instance.CurrentStep = step.OnFailure
			routeErr = e.persist(ctx, instance)
		}
	}
	if routeErr != nil {
		return routeErr
	}

	e.signals.PublishAsync(events.ApprovalDecided, events.ApprovalEventPayload{
		InstanceID: instanceID,
		ApprovalID: approvalID,
		StepID:     approval.StepID,
		Role:       approval.Role,
		Status:     string(approval.Status),
	})
	logInstance("✅", instanceID, "approval %s %s by %s", approvalID, approval.Status, decidedBy)

	if instance.Status == models.WorkflowStatusRunning {
		go e.dispatch(instanceID)
	}
	return nil
}
