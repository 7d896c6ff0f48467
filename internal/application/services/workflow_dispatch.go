package services

import (
	"context"
	"fmt"
	"time"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/models"
)

// stepOutcome is what a step handler reports back to the dispatch loop
type stepOutcome struct {
	output         map[string]interface{}
	contextUpdates map[string]interface{}
	parked         bool
	approval       *models.WorkflowApproval
	conditionFalse bool
	err            error
}

// dispatch drives the instance step by step until it parks, schedules a
// retry, or reaches a terminal status. Only one dispatch chain runs per
// instance at any time; the return value reports whether this call won
// the in-flight guard.
func (e *WorkflowEngine) dispatch(instanceID string) bool {
	if !e.beginDispatch(instanceID) {
		return false
	}
	defer e.endDispatch(instanceID)

	defer func() {
		if r := recover(); r != nil {
			logInstance("❌", instanceID, "panic in dispatch: %v", r)
		}
	}()

	ctx := context.Background()
	for e.executeCurrentStep(ctx, instanceID) {
	}
	return true
}

// executeCurrentStep runs one step of the instance and reports whether
// the dispatch loop should continue with the next step.
//
// The instance lock is held while loading, appending the attempt record
// and persisting, released for the (possibly slow) handler call, then
// re-acquired to apply the outcome. The instance is reloaded after the
// handler so a cancellation that landed mid-call wins and the late
// result is discarded.
func (e *WorkflowEngine) executeCurrentStep(ctx context.Context, instanceID string) bool {
	lock := e.instanceLock(instanceID)
	lock.Lock()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil || instance == nil {
		lock.Unlock()
		logInstance("⚠️", instanceID, "dispatch aborted, load failed: %v", err)
		return false
	}
	if instance.Status != models.WorkflowStatusRunning {
		lock.Unlock()
		return false
	}

	def, err := e.definitions.Get(instance.DefinitionID)
	if err != nil {
		e.failLocked(ctx, instance, err.Error())
		lock.Unlock()
		return false
	}
	step := def.Step(instance.CurrentStep)
	if step == nil {
		e.failLocked(ctx, instance, fmt.Sprintf("step '%s' not found in definition '%s'", instance.CurrentStep, def.ID))
		lock.Unlock()
		return false
	}

	e.beginExecution(instance, step)
	if err := e.persist(ctx, instance); err != nil {
		lock.Unlock()
		logInstance("⚠️", instanceID, "dispatch aborted, persist failed: %v", err)
		return false
	}
	executionContext := copyContext(instance.Context)
	lock.Unlock()

	logInstance("🔧", instanceID, "executing step %s (%s)", step.ID, step.Type)
	outcome := e.runHandler(ctx, def, instanceID, executionContext, step)

	lock.Lock()
	defer lock.Unlock()

	current, err := e.store.Get(ctx, instanceID)
	if err != nil || current == nil {
		logInstance("⚠️", instanceID, "discarding step result, reload failed: %v", err)
		return false
	}
	if current.IsTerminal() {
		logInstance("⏹️", instanceID, "discarding result of step %s, instance is %s", step.ID, current.Status)
		return false
	}

	exec := findExecution(current, step.ID)
	if exec == nil {
		// Cannot happen unless the snapshot was tampered with externally
		logInstance("⚠️", instanceID, "execution record for step %s vanished", step.ID)
		return false
	}

	switch {
	case outcome.err != nil:
		return e.applyFailure(ctx, current, step, exec, outcome)
	case outcome.conditionFalse:
		return e.applyConditionFalse(ctx, current, step, exec)
	case outcome.parked:
		return e.applyParked(ctx, current, step, exec, outcome)
	default:
		return e.applySuccess(ctx, current, step, exec, outcome)
	}
}

// beginExecution appends a fresh attempt record, or revives the
// previous failed record when retry budget remains so all attempts of
// one step share a single audit entry
func (e *WorkflowEngine) beginExecution(instance *models.WorkflowInstance, step *models.WorkflowStep) {
	now := time.Now().UTC()
	if last := findExecution(instance, step.ID); last != nil &&
		last.Status == models.ExecutionStatusFailed && last.RetryCount < step.RetryCount {
		last.Status = models.ExecutionStatusRunning
		last.RetryCount++
		last.StartedAt = now
		last.EndedAt = nil
		last.DurationMs = 0
		last.Error = ""
		return
	}
	instance.Executions = append(instance.Executions, models.WorkflowExecution{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    models.ExecutionStatusRunning,
		StartedAt: now,
		Input:     copyContext(instance.Context),
	})
}

// applyFailure records the failed attempt, then either schedules a
// retry, follows the failure edge, or fails the instance
func (e *WorkflowEngine) applyFailure(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep, exec *models.WorkflowExecution, outcome stepOutcome) bool {
	finishExecution(exec, models.ExecutionStatusFailed, outcome.err.Error())
	exec.Output = outcome.output
	// Partial writes from parallel sub-steps that did succeed stay
	mergeContext(instance, outcome.contextUpdates)

	e.signals.PublishAsync(events.StepFailed, events.WorkflowEventPayload{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
		StepID:       step.ID,
		Error:        exec.Error,
	})

	if exec.RetryCount < step.RetryCount {
		if err := e.persist(ctx, instance); err != nil {
			logInstance("⚠️", instance.ID, "persist failed on retry schedule: %v", err)
			return false
		}
		delay := step.RetryDelay()
		logInstance("⏰", instance.ID, "step %s failed, retry %d/%d in %s: %s",
			step.ID, exec.RetryCount+1, step.RetryCount, delay, exec.Error)
		instanceID := instance.ID
		var fire func()
		fire = func() {
			// A zero delay can fire before this chain has released
			// the in-flight guard; re-arm instead of dropping the
			// retry.
			if !e.dispatch(instanceID) {
				time.AfterFunc(10*time.Millisecond, fire)
			}
		}
		time.AfterFunc(delay, fire)
		return false
	}

	if step.OnFailure != "" {
		instance.CurrentStep = step.OnFailure
		if err := e.persist(ctx, instance); err != nil {
			logInstance("⚠️", instance.ID, "persist failed on failure edge: %v", err)
			return false
		}
		logInstance("⚠️", instance.ID, "step %s failed, following failure edge to %s", step.ID, step.OnFailure)
		return true
	}

	e.failLocked(ctx, instance, fmt.Sprintf("step '%s' failed: %s", step.ID, exec.Error))
	return false
}

// applyConditionFalse completes the condition step (an unsatisfied
// condition is an answer, not an error, so it is never retried) and
// routes down the failure edge
func (e *WorkflowEngine) applyConditionFalse(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep, exec *models.WorkflowExecution) bool {
	finishExecution(exec, models.ExecutionStatusCompleted, "")
	exec.Output = map[string]interface{}{"result": false}

	if step.OnFailure != "" {
		instance.CurrentStep = step.OnFailure
		if err := e.persist(ctx, instance); err != nil {
			logInstance("⚠️", instance.ID, "persist failed on condition branch: %v", err)
			return false
		}
		logInstance("🔀", instance.ID, "condition %s not satisfied, branching to %s", step.ID, step.OnFailure)
		return true
	}

	e.failLocked(ctx, instance, fmt.Sprintf("condition '%s' not satisfied", step.ID))
	return false
}

// applyParked parks the instance on a wait or manual step until an
// external decision or signal arrives
func (e *WorkflowEngine) applyParked(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep, exec *models.WorkflowExecution, outcome stepOutcome) bool {
	exec.Status = models.ExecutionStatusWaiting
	instance.Status = models.WorkflowStatusWaitingApproval
	if outcome.approval != nil {
		instance.Approvals = append(instance.Approvals, *outcome.approval)
	}

	if err := e.persist(ctx, instance); err != nil {
		logInstance("⚠️", instance.ID, "persist failed on park: %v", err)
		return false
	}

	if outcome.approval != nil {
		e.signals.PublishAsync(events.ApprovalRequested, events.ApprovalEventPayload{
			InstanceID: instance.ID,
			ApprovalID: outcome.approval.ID,
			StepID:     step.ID,
			Role:       outcome.approval.Role,
			Status:     string(outcome.approval.Status),
		})
		logInstance("⏸️", instance.ID, "waiting for approval on step %s (role %s)", step.ID, outcome.approval.Role)
	} else {
		logInstance("⏸️", instance.ID, "waiting on step %s", step.ID)
	}

	e.scheduleStepTimer(instance.ID, step)
	return false
}

// applySuccess records the completed attempt and follows the success
// edge, completing the instance when the edge is absent
func (e *WorkflowEngine) applySuccess(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep, exec *models.WorkflowExecution, outcome stepOutcome) bool {
	finishExecution(exec, models.ExecutionStatusCompleted, "")
	exec.Output = outcome.output
	mergeContext(instance, outcome.contextUpdates)

	e.signals.PublishAsync(events.StepCompleted, events.WorkflowEventPayload{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
		StepID:       step.ID,
	})

	if step.OnSuccess != "" {
		instance.CurrentStep = step.OnSuccess
		if err := e.persist(ctx, instance); err != nil {
			logInstance("⚠️", instance.ID, "persist failed on success edge: %v", err)
			return false
		}
		logInstance("✅", instance.ID, "step %s completed, next %s", step.ID, step.OnSuccess)
		return true
	}

	e.completeLocked(ctx, instance)
	return false
}

// scheduleStepTimer arms the timeout for a parked step. The timer fires
// only if the instance is still parked on the same step.
func (e *WorkflowEngine) scheduleStepTimer(instanceID string, step *models.WorkflowStep) {
	timeout := step.Timeout()
	if timeout <= 0 {
		return
	}
	stepID := step.ID

	e.mu.Lock()
	if existing, ok := e.timers[instanceID]; ok {
		existing.Stop()
	}
	e.timers[instanceID] = time.AfterFunc(timeout, func() {
		e.stepTimedOut(instanceID, stepID)
	})
	e.mu.Unlock()
}

func (e *WorkflowEngine) cancelStepTimer(instanceID string) {
	e.mu.Lock()
	if timer, ok := e.timers[instanceID]; ok {
		timer.Stop()
		delete(e.timers, instanceID)
	}
	e.mu.Unlock()
}

// stepTimedOut resolves a parked step whose timeout elapsed without a
// decision or signal, following the timeout edge or failing the
// instance
func (e *WorkflowEngine) stepTimedOut(instanceID, stepID string) {
	ctx := context.Background()
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil || instance == nil {
		return
	}
	if instance.Status != models.WorkflowStatusWaitingApproval || instance.CurrentStep != stepID {
		return
	}

	if exec := findExecution(instance, stepID); exec != nil && exec.Status == models.ExecutionStatusWaiting {
		finishExecution(exec, models.ExecutionStatusFailed, "step timed out")
	}

	e.signals.PublishAsync(events.StepTimedOut, events.WorkflowEventPayload{
		InstanceID:   instanceID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
		StepID:       stepID,
	})

	def, err := e.definitions.Get(instance.DefinitionID)
	if err != nil {
		e.failLocked(ctx, instance, err.Error())
		return
	}
	step := def.Step(stepID)

	if step != nil && step.OnTimeout != "" {
		instance.Status = models.WorkflowStatusRunning
		instance.CurrentStep = step.OnTimeout
		if err := e.persist(ctx, instance); err != nil {
			logInstance("⚠️", instanceID, "persist failed on timeout edge: %v", err)
			return
		}
		logInstance("⏰", instanceID, "step %s timed out, following timeout edge to %s", stepID, step.OnTimeout)
		go e.dispatch(instanceID)
		return
	}

	e.failLocked(ctx, instance, fmt.Sprintf("step '%s' timed out", stepID))
}
