package models

import (
	"time"
)

// StepType identifies which handler executes a workflow step
type StepType string

const (
	StepTypeServiceCall  StepType = "service_call"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeWait         StepType = "wait"
	StepTypeManual       StepType = "manual"
	StepTypeNotification StepType = "notification"
)

// WorkflowDefinition is an immutable process template. Definitions are
// replaced by registering a new id/version, never mutated in place.
type WorkflowDefinition struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Version             int                    `json:"version"`
	Category            string                 `json:"category"`
	StartStep           string                 `json:"start_step"`
	Steps               []WorkflowStep         `json:"steps"`
	DefaultContext      map[string]interface{} `json:"default_context,omitempty"`
	RequiredPermissions []string               `json:"required_permissions,omitempty"`
	TimeoutSeconds      int                    `json:"timeout_seconds"` // whole-instance ceiling
	Schedule            *string                `json:"schedule,omitempty"` // cron expression for scheduled starts
	CreatedBy           string                 `json:"created_by"`
	Active              bool                   `json:"active"`
}

// Step returns the step with the given id, or nil
func (d *WorkflowDefinition) Step(stepID string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// Timeout returns the whole-instance ceiling as a duration (0 = none)
func (d *WorkflowDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// WorkflowStep is one node in the process graph. The type-specific fields
// are only meaningful for the matching StepType; the rest stay zero.
type WorkflowStep struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// service_call
	Service   string                 `json:"service,omitempty"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	Method    string                 `json:"method,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"` // template, rendered against context
	ResultKey string                 `json:"result_key,omitempty"`

	// condition / wait
	Expression string `json:"expression,omitempty"`

	// parallel
	SubSteps []string `json:"sub_steps,omitempty"`

	// manual
	ApprovalRole string `json:"approval_role,omitempty"`

	// notification
	TemplateID string `json:"template_id,omitempty"`

	RetryCount        int `json:"retry_count,omitempty"`
	RetryDelaySeconds int `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int `json:"timeout_seconds,omitempty"`

	// Edges. Empty means absent: the branch terminates the workflow
	// in that outcome's status.
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
	OnTimeout string `json:"on_timeout,omitempty"`
}

// RetryDelay returns the fixed delay between retry attempts
func (s *WorkflowStep) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// Timeout returns the per-step timeout (0 = none)
func (s *WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// WorkflowStatus values
type WorkflowStatus string

const (
	WorkflowStatusRunning         WorkflowStatus = "running"
	WorkflowStatusWaitingApproval WorkflowStatus = "waiting_approval" // also the generic "parked" status for wait steps
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
	WorkflowStatusCancelled       WorkflowStatus = "cancelled"
)

// WorkflowInstance is one running or finished execution of a definition.
// The engine exclusively owns instance mutation; callers submit intents.
type WorkflowInstance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       WorkflowStatus         `json:"status"`
	CurrentStep  string                 `json:"current_step,omitempty"`
	Context      map[string]interface{} `json:"context"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	StartedBy    string                 `json:"started_by"`
	Executions   []WorkflowExecution    `json:"executions,omitempty"`
	Approvals    []WorkflowApproval     `json:"approvals,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// IsTerminal reports whether the instance reached a final status
func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status == WorkflowStatusCompleted ||
		w.Status == WorkflowStatusFailed ||
		w.Status == WorkflowStatusCancelled
}

// CurrentExecution returns the latest execution record for the current
// step, or nil if none has been appended yet
func (w *WorkflowInstance) CurrentExecution() *WorkflowExecution {
	for i := len(w.Executions) - 1; i >= 0; i-- {
		if w.Executions[i].StepID == w.CurrentStep {
			return &w.Executions[i]
		}
	}
	return nil
}

// Approval returns the approval record with the given id, or nil
func (w *WorkflowInstance) Approval(approvalID string) *WorkflowApproval {
	for i := range w.Approvals {
		if w.Approvals[i].ID == approvalID {
			return &w.Approvals[i]
		}
	}
	return nil
}

// ExecutionStatus values for the step audit trail
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
)

// WorkflowExecution is an append-only audit record of one step attempt.
// Retries re-use the same record and bump RetryCount.
type WorkflowExecution struct {
	StepID     string                 `json:"step_id"`
	StepName   string                 `json:"step_name"`
	Status     ExecutionStatus        `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	RetryCount int                    `json:"retry_count,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// ApprovalStatus values
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// WorkflowApproval is one human decision gating a manual step.
// It transitions from pending to a terminal status exactly once.
type WorkflowApproval struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	Role        string         `json:"role"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	Comments    string         `json:"comments,omitempty"`
}

// IsDecided reports whether the approval already left pending
func (a *WorkflowApproval) IsDecided() bool {
	return a.Status != ApprovalStatusPending
}
