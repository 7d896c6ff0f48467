package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
	apperrors "github.com/clearledger/backend/pkg/errors"
	"github.com/clearledger/backend/pkg/utils"
)

// WorkflowEngine drives workflow instances from their current step to
// the next, applying retry and timeout policy, persisting a full
// snapshot after every transition, and exposing the approve / reject /
// cancel / signal intents. The engine exclusively owns instance
// mutation.
//
// Execution is asynchronous: StartWorkflow returns as soon as the
// instance is persisted, and steps progress on a chain of goroutine
// continuations. Within one instance at most one step executes at a
// time (parallel sub-steps run under a single parent step).
type WorkflowEngine struct {
	definitions ports.DefinitionProvider
	store       ports.InstanceStore
	invoker     ports.ServiceInvoker
	evaluator   ports.ConditionEvaluator
	notifier    ports.Notifier
	signals     ports.SignalPublisher
	instanceTTL time.Duration

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]bool
	timers   map[string]*time.Timer
}

// NewWorkflowEngine creates an engine with all dependencies injected
func NewWorkflowEngine(
	definitions ports.DefinitionProvider,
	store ports.InstanceStore,
	invoker ports.ServiceInvoker,
	evaluator ports.ConditionEvaluator,
	notifier ports.Notifier,
	signals ports.SignalPublisher,
	instanceTTL time.Duration,
) *WorkflowEngine {
	return &WorkflowEngine{
		definitions: definitions,
		store:       store,
		invoker:     invoker,
		evaluator:   evaluator,
		notifier:    notifier,
		signals:     signals,
		instanceTTL: instanceTTL,
		locks:       make(map[string]*sync.Mutex),
		inflight:    make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

// StartWorkflow creates an instance of the named definition and begins
// executing it asynchronously. The definition's default context is
// overlaid with the caller's initial context.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, definitionID string, initial map[string]interface{}, startedBy string) (string, error) {
	def, err := e.definitions.Get(definitionID)
	if err != nil {
		return "", err
	}
	if !def.Active {
		return "", apperrors.NewDefinitionInactiveError(definitionID)
	}

	instanceContext := make(map[string]interface{}, len(def.DefaultContext)+len(initial))
	for k, v := range def.DefaultContext {
		instanceContext[k] = v
	}
	for k, v := range initial {
		instanceContext[k] = v
	}

	instance := &models.WorkflowInstance{
		ID:           utils.GenerateID(),
		DefinitionID: def.ID,
		Status:       models.WorkflowStatusRunning,
		CurrentStep:  def.StartStep,
		Context:      instanceContext,
		StartedAt:    time.Now().UTC(),
		StartedBy:    startedBy,
	}

	if err := e.persist(ctx, instance); err != nil {
		return "", err
	}
	e.definitions.MarkReferenced(def.ID)

	e.signals.PublishAsync(events.WorkflowStarted, events.WorkflowEventPayload{
		InstanceID:   instance.ID,
		DefinitionID: def.ID,
		Status:       string(instance.Status),
		StepID:       instance.CurrentStep,
	})
	logInstance("▶️", instance.ID, "started workflow %s as %s", def.ID, startedBy)

	go e.dispatch(instance.ID)
	return instance.ID, nil
}

// CancelWorkflow marks the instance cancelled. Cancellation is
// cooperative: a step still executing is not interrupted, but its
// result is discarded when it returns.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
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
	if instance.IsTerminal() {
		return apperrors.NewInvalidTransitionError(instanceID, string(instance.Status), "cancel")
	}

	if exec := instance.CurrentExecution(); exec != nil &&
		(exec.Status == models.ExecutionStatusRunning || exec.Status == models.ExecutionStatusWaiting) {
		finishExecution(exec, models.ExecutionStatusSkipped, "workflow cancelled")
	}

	now := time.Now().UTC()
	instance.Status = models.WorkflowStatusCancelled
	instance.CompletedAt = &now
	instance.Error = reason

	e.cancelStepTimer(instanceID)
	if err := e.persist(ctx, instance); err != nil {
		return err
	}

	e.signals.PublishAsync(events.WorkflowCancelled, events.WorkflowEventPayload{
		InstanceID:   instanceID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
		Error:        reason,
	})
	logInstance("⏹️", instanceID, "cancelled: %s", reason)
	return nil
}

// SignalWait pushes context values into the instance and re-evaluates a
// parked wait step. This is how external collaborators satisfy a wait
// condition.
func (e *WorkflowEngine) SignalWait(ctx context.Context, instanceID string, updates map[string]interface{}) error {
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
	if instance.IsTerminal() {
		return apperrors.NewInvalidTransitionError(instanceID, string(instance.Status), "signal")
	}

	mergeContext(instance, updates)

	def, err := e.definitions.Get(instance.DefinitionID)
	if err != nil {
		return e.failLocked(ctx, instance, err.Error())
	}
	step := def.Step(instance.CurrentStep)

	parkedOnWait := instance.Status == models.WorkflowStatusWaitingApproval &&
		step != nil && step.Type == models.StepTypeWait
	if !parkedOnWait {
		return e.persist(ctx, instance)
	}

	satisfied, evalErr := e.evaluator.EvaluateBool(step.Expression, instance.Context)
	if evalErr != nil {
		// Fails closed: a malformed expression keeps the instance parked
		logInstance("⚠️", instanceID, "wait expression error (treated as unsatisfied): %v", evalErr)
	}
	if !satisfied {
		return e.persist(ctx, instance)
	}

	if exec := instance.CurrentExecution(); exec != nil && exec.Status == models.ExecutionStatusWaiting {
		finishExecution(exec, models.ExecutionStatusCompleted, "")
		exec.Output = map[string]interface{}{"satisfied": true}
	}
	e.cancelStepTimer(instanceID)

	if step.OnSuccess == "" {
		return e.completeLocked(ctx, instance)
	}
	instance.Status = models.WorkflowStatusRunning
	instance.CurrentStep = step.OnSuccess
	if err := e.persist(ctx, instance); err != nil {
		return err
	}
	logInstance("▶️", instanceID, "wait condition satisfied, continuing to %s", step.OnSuccess)

	go e.dispatch(instanceID)
	return nil
}

// ResumeInstance re-dispatches the current step of a running instance.
// The engine never re-executes a step that was running at crash time on
// its own; an operator resumes explicitly after inspecting the
// execution history, which produces a fresh attempt record.
func (e *WorkflowEngine) ResumeInstance(ctx context.Context, instanceID string) error {
	lock := e.instanceLock(instanceID)
	lock.Lock()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if instance == nil {
		lock.Unlock()
		return apperrors.NewInstanceNotFoundError(instanceID)
	}
	if instance.Status != models.WorkflowStatusRunning {
		lock.Unlock()
		return apperrors.NewInvalidTransitionError(instanceID, string(instance.Status), "resume")
	}

	if exec := instance.CurrentExecution(); exec != nil && exec.Status == models.ExecutionStatusRunning {
		finishExecution(exec, models.ExecutionStatusSkipped, "interrupted; re-dispatched by operator")
		if err := e.persist(ctx, instance); err != nil {
			lock.Unlock()
			return err
		}
	}
	lock.Unlock()

	logInstance("▶️", instanceID, "resumed at step %s", instance.CurrentStep)
	go e.dispatch(instanceID)
	return nil
}

// TimeoutInstance fails an instance that exceeded its definition's
// overall timeout. Called by the timeout monitor sweep.
func (e *WorkflowEngine) TimeoutInstance(ctx context.Context, instanceID string, elapsed time.Duration) error {
	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance == nil || instance.IsTerminal() {
		return nil
	}

	if exec := instance.CurrentExecution(); exec != nil &&
		(exec.Status == models.ExecutionStatusRunning || exec.Status == models.ExecutionStatusWaiting) {
		finishExecution(exec, models.ExecutionStatusFailed, "workflow timeout exceeded")
	}

	timeoutErr := apperrors.NewWorkflowTimeoutError(instanceID, elapsed.Round(time.Second).String())
	return e.failLocked(ctx, instance, timeoutErr.Error())
}

// GetInstance returns the instance or an InstanceNotFound error
func (e *WorkflowEngine) GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, apperrors.NewInstanceNotFoundError(instanceID)
	}
	return instance, nil
}

// ListRunning returns all instances currently in running status
func (e *WorkflowEngine) ListRunning(ctx context.Context) ([]*models.WorkflowInstance, error) {
	return e.store.ListByStatus(ctx, models.WorkflowStatusRunning)
}

// ListWaiting returns all instances parked on a wait or manual step
func (e *WorkflowEngine) ListWaiting(ctx context.Context) ([]*models.WorkflowInstance, error) {
	return e.store.ListByStatus(ctx, models.WorkflowStatusWaitingApproval)
}

// PendingApprovalView pairs a pending approval with its instance for
// approver work queues
type PendingApprovalView struct {
	InstanceID   string                  `json:"instance_id"`
	DefinitionID string                  `json:"definition_id"`
	Approval     models.WorkflowApproval `json:"approval"`
}

// PendingApprovals returns pending approvals, filtered by required role
// when role is non-empty
func (e *WorkflowEngine) PendingApprovals(ctx context.Context, role string) ([]PendingApprovalView, error) {
	parked, err := e.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]PendingApprovalView, 0)
	for _, instance := range parked {
		for _, approval := range instance.Approvals {
			if approval.IsDecided() {
				continue
			}
			if role != "" && approval.Role != role {
				continue
			}
			views = append(views, PendingApprovalView{
				InstanceID:   instance.ID,
				DefinitionID: instance.DefinitionID,
				Approval:     approval,
			})
		}
	}
	return views, nil
}

// --- internal helpers ---

func (e *WorkflowEngine) persist(ctx context.Context, instance *models.WorkflowInstance) error {
	return e.store.Put(ctx, instance, e.instanceTTL)
}

// instanceLock returns the mutex serializing all state transitions for
// one instance (including context writes from parallel sub-steps)
func (e *WorkflowEngine) instanceLock(instanceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[instanceID] = lock
	}
	return lock
}

// beginDispatch guards against duplicate dispatch chains for one
// instance, so concurrent retries or duplicate signals cannot make a
// step progress more than once
func (e *WorkflowEngine) beginDispatch(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[instanceID] {
		return false
	}
	e.inflight[instanceID] = true
	return true
}

func (e *WorkflowEngine) endDispatch(instanceID string) {
	e.mu.Lock()
	delete(e.inflight, instanceID)
	e.mu.Unlock()
}

// completeLocked finishes the instance successfully. Caller holds the
// instance lock.
func (e *WorkflowEngine) completeLocked(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	instance.Status = models.WorkflowStatusCompleted
	instance.CompletedAt = &now
	instance.CurrentStep = ""

	e.cancelStepTimer(instance.ID)
	if err := e.persist(ctx, instance); err != nil {
		return err
	}

	e.signals.PublishAsync(events.WorkflowCompleted, events.WorkflowEventPayload{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
	})
	logInstance("✅", instance.ID, "completed")
	return nil
}

// failLocked finishes the instance with a failure. Caller holds the
// instance lock.
func (e *WorkflowEngine) failLocked(ctx context.Context, instance *models.WorkflowInstance, errMsg string) error {
	now := time.Now().UTC()
	instance.Status = models.WorkflowStatusFailed
	instance.CompletedAt = &now
	instance.Error = errMsg

	e.cancelStepTimer(instance.ID)
	if err := e.persist(ctx, instance); err != nil {
		return err
	}

	e.signals.PublishAsync(events.WorkflowFailed, events.WorkflowEventPayload{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
		Error:        errMsg,
	})
	logInstance("❌", instance.ID, "failed: %s", errMsg)
	return nil
}

func mergeContext(instance *models.WorkflowInstance, updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	if instance.Context == nil {
		instance.Context = make(map[string]interface{}, len(updates))
	}
	for k, v := range updates {
		instance.Context[k] = v
	}
}

func copyContext(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func finishExecution(exec *models.WorkflowExecution, status models.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.EndedAt = &now
	exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	exec.Error = errMsg
}

// findExecution returns the latest execution record for a step
func findExecution(instance *models.WorkflowInstance, stepID string) *models.WorkflowExecution {
	for i := len(instance.Executions) - 1; i >= 0; i-- {
		if instance.Executions[i].StepID == stepID {
			return &instance.Executions[i]
		}
	}
	return nil
}

func logInstance(prefix, instanceID, format string, args ...interface{}) {
	log.Printf(prefix+" Workflow %s: "+format, append([]interface{}{instanceID}, args...)...)
}
