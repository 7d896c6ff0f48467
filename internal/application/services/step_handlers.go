package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
	apperrors "github.com/clearledger/backend/pkg/errors"
	"github.com/clearledger/backend/pkg/template"
	"github.com/clearledger/backend/pkg/utils"
)

// runHandler executes one step against a context snapshot and reports
// the outcome. Handlers never mutate the instance; all writes flow back
// through stepOutcome and are applied under the instance lock.
func (e *WorkflowEngine) runHandler(ctx context.Context, def *models.WorkflowDefinition, instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	switch step.Type {
	case models.StepTypeServiceCall:
		return e.handleServiceCall(ctx, instanceID, execContext, step)
	case models.StepTypeCondition:
		return e.handleCondition(instanceID, execContext, step)
	case models.StepTypeParallel:
		return e.handleParallel(ctx, def, instanceID, execContext, step)
	case models.StepTypeWait:
		return e.handleWait(instanceID, execContext, step)
	case models.StepTypeManual:
		return e.handleManual(step)
	case models.StepTypeNotification:
		return e.handleNotification(ctx, instanceID, execContext, step)
	default:
		return stepOutcome{err: apperrors.NewHandlerError(step.ID, fmt.Sprintf("unknown step type '%s'", step.Type), nil)}
	}
}

// handleServiceCall renders the payload template against the context
// and issues the outbound call with the step's timeout
func (e *WorkflowEngine) handleServiceCall(ctx context.Context, instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	payload, missing := template.Render(step.Payload, execContext)
	if len(missing) > 0 {
		logInstance("⚠️", instanceID, "step %s payload has unresolved placeholders: %v", step.ID, missing)
	}

	result, err := e.invoker.Invoke(ctx, ports.CallRequest{
		Service:  step.Service,
		Endpoint: step.Endpoint,
		Method:   step.Method,
		Body:     payload,
		Timeout:  step.Timeout(),
	})
	if err != nil {
		return stepOutcome{err: apperrors.NewHandlerError(step.ID, "service call failed", err)}
	}
	if result.StatusClass == ports.StatusClassError {
		return stepOutcome{err: apperrors.NewHandlerError(step.ID, fmt.Sprintf("service '%s' returned status %d", step.Service, result.Status), nil)}
	}

	updates := make(map[string]interface{})
	if result.Body != nil {
		if step.ResultKey != "" {
			updates[step.ResultKey] = result.Body
		} else {
			for k, v := range result.Body {
				updates[k] = v
			}
		}
	}
	return stepOutcome{output: result.Body, contextUpdates: updates}
}

// handleCondition evaluates the branching expression. False is a
// routing verdict, not a failure, so it carries no error and is never
// retried.
func (e *WorkflowEngine) handleCondition(instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	verdict, err := e.evaluator.EvaluateBool(step.Expression, execContext)
	if err != nil {
		// Fails closed: a broken expression routes down the failure edge
		logInstance("⚠️", instanceID, "condition %s evaluation error (treated as false): %v", step.ID, err)
	}
	if !verdict {
		return stepOutcome{conditionFalse: true}
	}
	return stepOutcome{output: map[string]interface{}{"result": true}}
}

// handleParallel fans the sub-steps out concurrently against a shared
// working context and joins on all of them. Context writes from
// sub-steps that succeeded are kept even when a sibling fails.
func (e *WorkflowEngine) handleParallel(ctx context.Context, def *models.WorkflowDefinition, instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		shared  = copyContext(execContext)
		updates = make(map[string]interface{})
		summary = make(map[string]interface{}, len(step.SubSteps))
		failed  []string
	)

	for _, subID := range step.SubSteps {
		sub := def.Step(subID)
		if sub == nil {
			return stepOutcome{err: apperrors.NewHandlerError(step.ID, fmt.Sprintf("sub-step '%s' not found", subID), nil)}
		}

		wg.Add(1)
		go func(sub *models.WorkflowStep) {
			defer wg.Done()

			mu.Lock()
			snapshot := copyContext(shared)
			mu.Unlock()

			out := e.runHandler(ctx, def, instanceID, snapshot, sub)

			mu.Lock()
			defer mu.Unlock()
			if out.err != nil || out.conditionFalse {
				summary[sub.ID] = string(models.ExecutionStatusFailed)
				reason := "condition not satisfied"
				if out.err != nil {
					reason = out.err.Error()
				}
				failed = append(failed, fmt.Sprintf("%s: %s", sub.ID, reason))
				return
			}
			for k, v := range out.contextUpdates {
				shared[k] = v
				updates[k] = v
			}
			summary[sub.ID] = string(models.ExecutionStatusCompleted)
		}(sub)
	}
	wg.Wait()

	if len(failed) > 0 {
		return stepOutcome{
			output:         summary,
			contextUpdates: updates,
			err:            apperrors.NewHandlerError(step.ID, fmt.Sprintf("%d of %d sub-steps failed (%v)", len(failed), len(step.SubSteps), failed), nil),
		}
	}
	return stepOutcome{output: summary, contextUpdates: updates}
}

// handleWait checks the condition immediately so an already-satisfied
// wait passes straight through without parking
func (e *WorkflowEngine) handleWait(instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	satisfied, err := e.evaluator.EvaluateBool(step.Expression, execContext)
	if err != nil {
		logInstance("⚠️", instanceID, "wait %s evaluation error (treated as unsatisfied): %v", step.ID, err)
	}
	if satisfied {
		return stepOutcome{output: map[string]interface{}{"satisfied": true}}
	}
	return stepOutcome{parked: true}
}

// handleManual creates the pending approval record and parks
func (e *WorkflowEngine) handleManual(step *models.WorkflowStep) stepOutcome {
	return stepOutcome{
		parked: true,
		approval: &models.WorkflowApproval{
			ID:          utils.GenerateID(),
			StepID:      step.ID,
			Role:        step.ApprovalRole,
			Status:      models.ApprovalStatusPending,
			RequestedAt: time.Now().UTC(),
		},
	}
}

// handleNotification is fire-and-forget: delivery problems are logged
// and never fail or retry the step
func (e *WorkflowEngine) handleNotification(ctx context.Context, instanceID string, execContext map[string]interface{}, step *models.WorkflowStep) stepOutcome {
	if err := e.notifier.Notify(ctx, step.TemplateID, instanceID, execContext); err != nil {
		logInstance("⚠️", instanceID, "notification %s delivery error: %v", step.TemplateID, err)
	}
	return stepOutcome{output: map[string]interface{}{"template_id": step.TemplateID}}
}
