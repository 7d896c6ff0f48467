package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
	"github.com/clearledger/backend/internal/infrastructure/memory"
	apperrors "github.com/clearledger/backend/pkg/errors"
	"github.com/clearledger/backend/pkg/expression"
)

// scriptedInvoker routes calls by "service/endpoint" to scripted
// responses and counts the calls it receives
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string]func(req ports.CallRequest) (*ports.CallResult, error)
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		calls:   make(map[string]int),
		scripts: make(map[string]func(req ports.CallRequest) (*ports.CallResult, error)),
	}
}

func (i *scriptedInvoker) script(service, endpoint string, fn func(req ports.CallRequest) (*ports.CallResult, error)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.scripts[service+endpoint] = fn
}

func (i *scriptedInvoker) respond(service, endpoint string, body map[string]interface{}) {
	i.script(service, endpoint, func(ports.CallRequest) (*ports.CallResult, error) {
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 200, Body: body}, nil
	})
}

func (i *scriptedInvoker) fail(service, endpoint string, message string) {
	i.script(service, endpoint, func(ports.CallRequest) (*ports.CallResult, error) {
		return nil, errors.New(message)
	})
}

func (i *scriptedInvoker) callCount(service, endpoint string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[service+endpoint]
}

func (i *scriptedInvoker) Invoke(ctx context.Context, req ports.CallRequest) (*ports.CallResult, error) {
	i.mu.Lock()
	key := req.Service + req.Endpoint
	i.calls[key]++
	fn, ok := i.scripts[key]
	i.mu.Unlock()

	if !ok {
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 200, Body: map[string]interface{}{}}, nil
	}
	return fn(req)
}

type engineFixture struct {
	engine  *WorkflowEngine
	store   *memory.InstanceStore
	invoker *scriptedInvoker
	bus     *memory.SignalBus
}

func newEngineFixture(t *testing.T, defs ...*models.WorkflowDefinition) *engineFixture {
	t.Helper()

	evaluator := expression.NewEngine()
	registry := NewDefinitionRegistry(evaluator)
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}

	store := memory.NewInstanceStore()
	invoker := newScriptedInvoker()
	bus := memory.NewSignalBus()
	engine := NewWorkflowEngine(registry, store, invoker, evaluator,
		NewNotificationService(bus, nil), bus, time.Hour)

	return &engineFixture{engine: engine, store: store, invoker: invoker, bus: bus}
}

func (f *engineFixture) waitForStatus(t *testing.T, instanceID string, status models.WorkflowStatus) *models.WorkflowInstance {
	t.Helper()
	var instance *models.WorkflowInstance
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), instanceID)
		if err != nil || got == nil {
			return false
		}
		instance = got
		return got.Status == status
	}, 5*time.Second, 10*time.Millisecond, "instance %s never reached %s", instanceID, status)
	return instance
}

func activeDefinition(id, start string, steps ...models.WorkflowStep) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:        id,
		Name:      id,
		Version:   1,
		Category:  "test",
		StartStep: start,
		Steps:     steps,
		CreatedBy: "test-suite",
		Active:    true,
	}
}

func notifyStep(id, template string) models.WorkflowStep {
	return models.WorkflowStep{ID: id, Name: id, Type: models.StepTypeNotification, TemplateID: template}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestWorkflowEngine_HappyPath(t *testing.T) {
	def := activeDefinition("settlement", "fetch_account",
		models.WorkflowStep{
			ID: "fetch_account", Name: "Fetch account", Type: models.StepTypeServiceCall,
			Service: "accounts", Endpoint: "/accounts/lookup",
			Payload:   map[string]interface{}{"account_id": "{{accountId}}"},
			ResultKey: "account",
			OnSuccess: "check_active",
		},
		models.WorkflowStep{
			ID: "check_active", Name: "Check active", Type: models.StepTypeCondition,
			Expression: `account.status == "active"`,
			OnSuccess:  "notify_done",
		},
		notifyStep("notify_done", "settlement_completed"),
	)

	f := newEngineFixture(t, def)
	f.invoker.respond("accounts", "/accounts/lookup", map[string]interface{}{"status": "active", "iban": "DE75512108001245126199"})

	id, err := f.engine.StartWorkflow(context.Background(), "settlement",
		map[string]interface{}{"accountId": "acc-1"}, "ops@clearledger.io")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	assert.Empty(t, instance.Error)
	assert.NotNil(t, instance.CompletedAt)
	require.Len(t, instance.Executions, 3)
	assert.Equal(t, "fetch_account", instance.Executions[0].StepID)
	assert.Equal(t, "check_active", instance.Executions[1].StepID)
	assert.Equal(t, "notify_done", instance.Executions[2].StepID)
	for _, exec := range instance.Executions {
		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		assert.NotNil(t, exec.EndedAt, "step %s has no end time", exec.StepID)
	}

	// Service result landed under the result key
	account, ok := instance.Context["account"].(map[string]interface{})
	require.True(t, ok, "account result missing from context")
	assert.Equal(t, "active", account["status"])
	assert.Equal(t, 1, f.invoker.callCount("accounts", "/accounts/lookup"))
}

func TestWorkflowEngine_PayloadRenderedFromContext(t *testing.T) {
	def := activeDefinition("echo", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "ledger", Endpoint: "/entries",
			Payload: map[string]interface{}{
				"amount":    "{{amount}}",
				"reference": "txn-{{reference}}",
			},
		},
	)

	f := newEngineFixture(t, def)
	var seen map[string]interface{}
	f.invoker.script("ledger", "/entries", func(req ports.CallRequest) (*ports.CallResult, error) {
		seen = req.Body
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 201}, nil
	})

	id, err := f.engine.StartWorkflow(context.Background(), "echo",
		map[string]interface{}{"amount": 1250.75, "reference": "88af"}, "tester")
	require.NoError(t, err)
	f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	// Whole-string placeholders keep their type, embedded ones become text
	assert.Equal(t, 1250.75, seen["amount"])
	assert.Equal(t, "txn-88af", seen["reference"])
}

func TestWorkflowEngine_ConditionFalseTakesFailureEdge(t *testing.T) {
	def := activeDefinition("credit_check", "check_score",
		models.WorkflowStep{
			ID: "check_score", Name: "Check score", Type: models.StepTypeCondition,
			Expression: "creditScore >= 700",
			OnSuccess:  "notify_approved",
			OnFailure:  "notify_declined",
		},
		notifyStep("notify_approved", "credit_approved"),
		notifyStep("notify_declined", "credit_declined"),
	)

	f := newEngineFixture(t, def)
	id, err := f.engine.StartWorkflow(context.Background(), "credit_check",
		map[string]interface{}{"creditScore": 640}, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	require.Len(t, instance.Executions, 2)
	check := instance.Executions[0]
	assert.Equal(t, models.ExecutionStatusCompleted, check.Status, "an unsatisfied condition is a verdict, not a failure")
	assert.Equal(t, 0, check.RetryCount)
	assert.Equal(t, map[string]interface{}{"result": false}, check.Output)
	assert.Equal(t, "notify_declined", instance.Executions[1].StepID)
}

func TestWorkflowEngine_ConditionFalseWithoutEdgeFailsInstance(t *testing.T) {
	def := activeDefinition("gate", "check",
		models.WorkflowStep{
			ID: "check", Name: "check", Type: models.StepTypeCondition,
			Expression: "approved == true",
		},
	)

	f := newEngineFixture(t, def)
	id, err := f.engine.StartWorkflow(context.Background(), "gate",
		map[string]interface{}{"approved": false}, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusFailed)
	assert.Contains(t, instance.Error, "check")
}

func TestWorkflowEngine_RetryExhaustionFailsInstance(t *testing.T) {
	def := activeDefinition("flaky", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "payments", Endpoint: "/capture",
			RetryCount: 2,
		},
	)

	f := newEngineFixture(t, def)
	f.invoker.fail("payments", "/capture", "connection refused")

	id, err := f.engine.StartWorkflow(context.Background(), "flaky", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusFailed)

	// Initial attempt plus two retries, all on one execution record
	assert.Equal(t, 3, f.invoker.callCount("payments", "/capture"))
	require.Len(t, instance.Executions, 1)
	exec := instance.Executions[0]
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 2, exec.RetryCount)
	assert.Contains(t, exec.Error, "connection refused")
	assert.Contains(t, instance.Error, "call")
}

func TestWorkflowEngine_RetrySucceedsBeforeBudgetExhausted(t *testing.T) {
	def := activeDefinition("flaky", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "payments", Endpoint: "/capture",
			ResultKey:  "capture",
			RetryCount: 3,
		},
	)

	f := newEngineFixture(t, def)
	var attempts int
	var mu sync.Mutex
	f.invoker.script("payments", "/capture", func(ports.CallRequest) (*ports.CallResult, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("gateway timeout")
		}
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 200,
			Body: map[string]interface{}{"captured": true}}, nil
	})

	id, err := f.engine.StartWorkflow(context.Background(), "flaky", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	require.Len(t, instance.Executions, 1)
	exec := instance.Executions[0]
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.RetryCount)
	assert.Empty(t, exec.Error)
}

func TestWorkflowEngine_ZeroDelayRetriesAlwaysSettle(t *testing.T) {
	// A zero retry delay makes the retry timer race the dispatch
	// chain that armed it; every instance must still reach a terminal
	// status instead of sticking in running.
	def := activeDefinition("flaky", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "payments", Endpoint: "/capture",
			RetryCount: 1,
		},
	)

	f := newEngineFixture(t, def)
	f.invoker.fail("payments", "/capture", "connection refused")

	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id, err := f.engine.StartWorkflow(context.Background(), "flaky", nil, "tester")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		instance := f.waitForStatus(t, id, models.WorkflowStatusFailed)
		require.Len(t, instance.Executions, 1)
		assert.Equal(t, 1, instance.Executions[0].RetryCount)
	}
}

func TestWorkflowEngine_ServiceErrorStatusFollowsFailureEdge(t *testing.T) {
	def := activeDefinition("kyc", "screen",
		models.WorkflowStep{
			ID: "screen", Name: "screen", Type: models.StepTypeServiceCall,
			Service: "compliance", Endpoint: "/screen",
			OnSuccess: "notify_clear",
			OnFailure: "notify_flagged",
		},
		notifyStep("notify_clear", "kyc_clear"),
		notifyStep("notify_flagged", "kyc_flagged"),
	)

	f := newEngineFixture(t, def)
	f.invoker.script("compliance", "/screen", func(ports.CallRequest) (*ports.CallResult, error) {
		return &ports.CallResult{StatusClass: ports.StatusClassError, Status: 422}, nil
	})

	id, err := f.engine.StartWorkflow(context.Background(), "kyc", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	require.Len(t, instance.Executions, 2)
	assert.Equal(t, models.ExecutionStatusFailed, instance.Executions[0].Status)
	assert.Contains(t, instance.Executions[0].Error, "422")
	assert.Equal(t, "notify_flagged", instance.Executions[1].StepID)
}

func TestWorkflowEngine_ManualApprovalFlow(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
			OnSuccess:    "notify_released",
		},
		notifyStep("notify_released", "payout_released"),
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "payout", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)
	require.Len(t, instance.Approvals, 1)
	approval := instance.Approvals[0]
	assert.Equal(t, models.ApprovalStatusPending, approval.Status)
	assert.Equal(t, "treasury_manager", approval.Role)

	pending, err := f.engine.PendingApprovals(ctx, "treasury_manager")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].InstanceID)

	// Role filter excludes other queues
	other, err := f.engine.PendingApprovals(ctx, "cfo")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, f.engine.ApproveStep(ctx, id, approval.ID, "dana", "within limits"))

	instance = f.waitForStatus(t, id, models.WorkflowStatusCompleted)
	decided := instance.Approval(approval.ID)
	require.NotNil(t, decided)
	assert.Equal(t, models.ApprovalStatusApproved, decided.Status)
	assert.Equal(t, "dana", decided.DecidedBy)
	assert.Equal(t, "within limits", decided.Comments)
	assert.NotNil(t, decided.DecidedAt)

	// A second decision on the same approval must be rejected
	err = f.engine.ApproveStep(ctx, id, approval.ID, "eve", "")
	assert.True(t, apperrors.IsAlreadyDecided(err), "got %v", err)
}

func TestWorkflowEngine_RejectionWithoutFailureEdgeFailsInstance(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
			OnSuccess:    "notify_released",
		},
		notifyStep("notify_released", "payout_released"),
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "payout", nil, "tester")
	require.NoError(t, err)
	instance := f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)

	require.NoError(t, f.engine.RejectStep(ctx, id, instance.Approvals[0].ID, "dana", "over limit"))

	instance = f.waitForStatus(t, id, models.WorkflowStatusFailed)
	assert.Contains(t, instance.Error, "rejected")
	exec := findExecution(instance, "approve")
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "dana")
}

func TestWorkflowEngine_CancelWhileWaitingForApproval(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
			OnSuccess:    "notify_released",
		},
		notifyStep("notify_released", "payout_released"),
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "payout", nil, "tester")
	require.NoError(t, err)
	instance := f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)
	approvalID := instance.Approvals[0].ID

	require.NoError(t, f.engine.CancelWorkflow(ctx, id, "customer withdrew the request"))

	instance, err = f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, instance.Status)
	assert.Equal(t, "customer withdrew the request", instance.Error)
	exec := findExecution(instance, "approve")
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionStatusSkipped, exec.Status)

	// Decisions after cancellation are invalid
	err = f.engine.ApproveStep(ctx, id, approvalID, "dana", "")
	assert.True(t, apperrors.IsInvalidTransition(err), "got %v", err)

	// So is a second cancel
	err = f.engine.CancelWorkflow(ctx, id, "again")
	assert.True(t, apperrors.IsInvalidTransition(err), "got %v", err)
}

func TestWorkflowEngine_WaitParksUntilSignalled(t *testing.T) {
	def := activeDefinition("settlement", "await_funds",
		models.WorkflowStep{
			ID: "await_funds", Name: "await funds", Type: models.StepTypeWait,
			Expression: "fundsArrived == true",
			OnSuccess:  "notify_settled",
		},
		notifyStep("notify_settled", "settlement_done"),
	)
	def.DefaultContext = map[string]interface{}{"fundsArrived": false}

	f := newEngineFixture(t, def)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "settlement", nil, "tester")
	require.NoError(t, err)
	f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)

	// A signal that does not satisfy the condition keeps it parked
	require.NoError(t, f.engine.SignalWait(ctx, id, map[string]interface{}{"amount": 100}))
	instance, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusWaitingApproval, instance.Status)

	require.NoError(t, f.engine.SignalWait(ctx, id, map[string]interface{}{"fundsArrived": true}))
	instance = f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	exec := findExecution(instance, "await_funds")
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 100, int(toInt64(instance.Context["amount"])))
}

func TestWorkflowEngine_WaitAlreadySatisfiedPassesThrough(t *testing.T) {
	def := activeDefinition("settlement", "await_funds",
		models.WorkflowStep{
			ID: "await_funds", Name: "await funds", Type: models.StepTypeWait,
			Expression: "fundsArrived == true",
			OnSuccess:  "notify_settled",
		},
		notifyStep("notify_settled", "settlement_done"),
	)

	f := newEngineFixture(t, def)
	id, err := f.engine.StartWorkflow(context.Background(), "settlement",
		map[string]interface{}{"fundsArrived": true}, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)
	exec := findExecution(instance, "await_funds")
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, map[string]interface{}{"satisfied": true}, exec.Output)
}

func TestWorkflowEngine_WaitTimeoutFollowsTimeoutEdge(t *testing.T) {
	def := activeDefinition("settlement", "await_funds",
		models.WorkflowStep{
			ID: "await_funds", Name: "await funds", Type: models.StepTypeWait,
			Expression:     "fundsArrived == true",
			TimeoutSeconds: 1,
			OnSuccess:      "notify_settled",
			OnTimeout:      "notify_overdue",
		},
		notifyStep("notify_settled", "settlement_done"),
		notifyStep("notify_overdue", "settlement_overdue"),
	)
	def.DefaultContext = map[string]interface{}{"fundsArrived": false}

	f := newEngineFixture(t, def)
	id, err := f.engine.StartWorkflow(context.Background(), "settlement", nil, "tester")
	require.NoError(t, err)
	f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	waitExec := findExecution(instance, "await_funds")
	require.NotNil(t, waitExec)
	assert.Equal(t, models.ExecutionStatusFailed, waitExec.Status)
	assert.Contains(t, waitExec.Error, "timed out")
	assert.Equal(t, "notify_overdue", instance.Executions[len(instance.Executions)-1].StepID)
}

func TestWorkflowEngine_ManualTimeoutWithoutEdgeFailsInstance(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole:   "treasury_manager",
			TimeoutSeconds: 1,
			OnSuccess:      "notify_released",
		},
		notifyStep("notify_released", "payout_released"),
	)

	f := newEngineFixture(t, def)
	id, err := f.engine.StartWorkflow(context.Background(), "payout", nil, "tester")
	require.NoError(t, err)
	f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)

	instance := f.waitForStatus(t, id, models.WorkflowStatusFailed)
	assert.Contains(t, instance.Error, "timed out")
}

func TestWorkflowEngine_ParallelFanOutMergesContext(t *testing.T) {
	def := activeDefinition("onboarding", "verify_all",
		models.WorkflowStep{
			ID: "verify_all", Name: "verify all", Type: models.StepTypeParallel,
			SubSteps:  []string{"check_identity", "check_sanctions"},
			OnSuccess: "notify_done",
		},
		models.WorkflowStep{
			ID: "check_identity", Name: "check identity", Type: models.StepTypeServiceCall,
			Service: "identity", Endpoint: "/verify", ResultKey: "identity",
		},
		models.WorkflowStep{
			ID: "check_sanctions", Name: "check sanctions", Type: models.StepTypeServiceCall,
			Service: "compliance", Endpoint: "/sanctions", ResultKey: "sanctions",
		},
		notifyStep("notify_done", "onboarding_done"),
	)

	f := newEngineFixture(t, def)
	f.invoker.respond("identity", "/verify", map[string]interface{}{"verified": true})
	f.invoker.respond("compliance", "/sanctions", map[string]interface{}{"hit": false})

	id, err := f.engine.StartWorkflow(context.Background(), "onboarding", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusCompleted)

	// Sub-steps share the parent's single execution record
	require.Len(t, instance.Executions, 2)
	parent := instance.Executions[0]
	assert.Equal(t, "verify_all", parent.StepID)
	assert.Equal(t, models.ExecutionStatusCompleted, parent.Status)
	assert.Equal(t, string(models.ExecutionStatusCompleted), parent.Output["check_identity"])
	assert.Equal(t, string(models.ExecutionStatusCompleted), parent.Output["check_sanctions"])

	assert.NotNil(t, instance.Context["identity"])
	assert.NotNil(t, instance.Context["sanctions"])
	assert.Equal(t, 1, f.invoker.callCount("identity", "/verify"))
	assert.Equal(t, 1, f.invoker.callCount("compliance", "/sanctions"))
}

func TestWorkflowEngine_ParallelSubStepFailureKeepsSiblingWrites(t *testing.T) {
	def := activeDefinition("onboarding", "verify_all",
		models.WorkflowStep{
			ID: "verify_all", Name: "verify all", Type: models.StepTypeParallel,
			SubSteps:  []string{"check_identity", "check_sanctions"},
			OnSuccess: "notify_done",
		},
		models.WorkflowStep{
			ID: "check_identity", Name: "check identity", Type: models.StepTypeServiceCall,
			Service: "identity", Endpoint: "/verify", ResultKey: "identity",
		},
		models.WorkflowStep{
			ID: "check_sanctions", Name: "check sanctions", Type: models.StepTypeServiceCall,
			Service: "compliance", Endpoint: "/sanctions", ResultKey: "sanctions",
		},
		notifyStep("notify_done", "onboarding_done"),
	)

	f := newEngineFixture(t, def)
	f.invoker.respond("identity", "/verify", map[string]interface{}{"verified": true})
	f.invoker.fail("compliance", "/sanctions", "sanctions service unavailable")

	id, err := f.engine.StartWorkflow(context.Background(), "onboarding", nil, "tester")
	require.NoError(t, err)

	instance := f.waitForStatus(t, id, models.WorkflowStatusFailed)

	parent := findExecution(instance, "verify_all")
	require.NotNil(t, parent)
	assert.Equal(t, models.ExecutionStatusFailed, parent.Status)
	assert.Contains(t, parent.Error, "check_sanctions")

	// The sibling that succeeded still contributed its context write
	assert.NotNil(t, instance.Context["identity"])
	assert.Nil(t, instance.Context["sanctions"])
}

func TestWorkflowEngine_DuplicateDispatchIsSuppressed(t *testing.T) {
	release := make(chan struct{})
	def := activeDefinition("slow", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "ledger", Endpoint: "/post",
		},
	)

	f := newEngineFixture(t, def)
	f.invoker.script("ledger", "/post", func(ports.CallRequest) (*ports.CallResult, error) {
		<-release
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 200}, nil
	})

	id, err := f.engine.StartWorkflow(context.Background(), "slow", nil, "tester")
	require.NoError(t, err)

	// Hammer the dispatcher while the step is mid-call
	require.Eventually(t, func() bool {
		return f.invoker.callCount("ledger", "/post") == 1
	}, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 10; i++ {
		go f.engine.dispatch(id)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	f.waitForStatus(t, id, models.WorkflowStatusCompleted)
	assert.Equal(t, 1, f.invoker.callCount("ledger", "/post"), "step must progress exactly once")
}

func TestWorkflowEngine_CancelDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	def := activeDefinition("slow", "call",
		models.WorkflowStep{
			ID: "call", Name: "call", Type: models.StepTypeServiceCall,
			Service: "ledger", Endpoint: "/post", ResultKey: "posting",
			OnSuccess: "notify_done",
		},
		notifyStep("notify_done", "ledger_posted"),
	)

	f := newEngineFixture(t, def)
	f.invoker.script("ledger", "/post", func(ports.CallRequest) (*ports.CallResult, error) {
		<-release
		return &ports.CallResult{StatusClass: ports.StatusClassSuccess, Status: 200,
			Body: map[string]interface{}{"posted": true}}, nil
	})

	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, "slow", nil, "tester")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.invoker.callCount("ledger", "/post") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.CancelWorkflow(ctx, id, "operator abort"))
	close(release)

	// The cancellation wins; the late call result must not advance the flow
	time.Sleep(100 * time.Millisecond)
	instance, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, instance.Status)
	assert.Nil(t, instance.Context["posting"])
	assert.Nil(t, findExecution(instance, "notify_done"))
}

func TestWorkflowEngine_ResumeRedispatchesInterruptedStep(t *testing.T) {
	def := activeDefinition("settlement", "post",
		models.WorkflowStep{
			ID: "post", Name: "post", Type: models.StepTypeServiceCall,
			Service: "ledger", Endpoint: "/post", ResultKey: "posting",
		},
	)

	f := newEngineFixture(t, def)
	f.invoker.respond("ledger", "/post", map[string]interface{}{"posted": true})
	ctx := context.Background()

	// Simulate a snapshot left behind by a crash mid-call
	instance := &models.WorkflowInstance{
		ID:           "wf-crashed",
		DefinitionID: "settlement",
		Status:       models.WorkflowStatusRunning,
		CurrentStep:  "post",
		Context:      map[string]interface{}{},
		StartedAt:    time.Now().UTC().Add(-time.Minute),
		StartedBy:    "tester",
		Executions: []models.WorkflowExecution{{
			StepID:    "post",
			StepName:  "post",
			Status:    models.ExecutionStatusRunning,
			StartedAt: time.Now().UTC().Add(-time.Minute),
		}},
	}
	require.NoError(t, f.store.Put(ctx, instance, time.Hour))

	require.NoError(t, f.engine.ResumeInstance(ctx, "wf-crashed"))
	got := f.waitForStatus(t, "wf-crashed", models.WorkflowStatusCompleted)

	require.Len(t, got.Executions, 2)
	assert.Equal(t, models.ExecutionStatusSkipped, got.Executions[0].Status)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Executions[1].Status)
	assert.NotNil(t, got.Context["posting"])
}

func TestWorkflowEngine_StartValidation(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
		},
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	t.Run("Unknown definition", func(t *testing.T) {
		_, err := f.engine.StartWorkflow(ctx, "nope", nil, "tester")
		assert.True(t, apperrors.IsDefinitionNotFound(err), "got %v", err)
	})

	t.Run("Inactive definition", func(t *testing.T) {
		inactive := activeDefinition("old", "approve",
			models.WorkflowStep{
				ID: "approve", Name: "approve", Type: models.StepTypeManual,
				ApprovalRole: "treasury_manager",
			},
		)
		inactive.Active = false
		f2 := newEngineFixture(t)
		require.NoError(t, f2.engine.definitions.(*DefinitionRegistry).Register(inactive))
		_, err := f2.engine.StartWorkflow(ctx, "old", nil, "tester")
		assert.True(t, apperrors.IsDefinitionInactive(err), "got %v", err)
	})

	t.Run("Unknown instance lookups", func(t *testing.T) {
		_, err := f.engine.GetInstance(ctx, "missing")
		assert.True(t, apperrors.IsInstanceNotFound(err), "got %v", err)
		assert.True(t, apperrors.IsInstanceNotFound(f.engine.CancelWorkflow(ctx, "missing", "x")))
		assert.True(t, apperrors.IsInstanceNotFound(f.engine.SignalWait(ctx, "missing", nil)))
		assert.True(t, apperrors.IsInstanceNotFound(f.engine.ResumeInstance(ctx, "missing")))
	})
}

func TestWorkflowEngine_TimeoutInstanceMarksFailure(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
		},
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "payout", nil, "tester")
	require.NoError(t, err)
	f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)

	require.NoError(t, f.engine.TimeoutInstance(ctx, id, 48*time.Hour))

	instance, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, instance.Status)
	assert.Contains(t, instance.Error, "exceeded its timeout")

	// Idempotent on terminal instances
	assert.NoError(t, f.engine.TimeoutInstance(ctx, id, 48*time.Hour))
	assert.NoError(t, f.engine.TimeoutInstance(ctx, "missing", time.Hour))
}

func TestWorkflowEngine_ListByStatus(t *testing.T) {
	def := activeDefinition("payout", "approve",
		models.WorkflowStep{
			ID: "approve", Name: "approve", Type: models.StepTypeManual,
			ApprovalRole: "treasury_manager",
		},
	)

	f := newEngineFixture(t, def)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.engine.StartWorkflow(ctx, "payout", nil, fmt.Sprintf("tester-%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		f.waitForStatus(t, id, models.WorkflowStatusWaitingApproval)
	}

	waiting, err := f.engine.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	running, err := f.engine.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
