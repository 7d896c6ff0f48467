package events

// EventType defines the type of event in the system
type EventType string

const (
	// Workflow lifecycle events
	WorkflowStarted   EventType = "workflow.started"
	WorkflowCompleted EventType = "workflow.completed"
	WorkflowFailed    EventType = "workflow.failed"
	WorkflowCancelled EventType = "workflow.cancelled"

	// Step events
	StepCompleted EventType = "step.completed"
	StepFailed    EventType = "step.failed"
	StepTimedOut  EventType = "step.timedOut"

	// Approval events
	ApprovalRequested EventType = "approval.requested"
	ApprovalDecided   EventType = "approval.decided"

	// Notification requests published for the notification subsystem
	NotificationRequested EventType = "notification.requested"
)

// String returns the string representation of the event type
func (e EventType) String() string {
	return string(e)
}

// WorkflowEventPayload accompanies workflow lifecycle events
type WorkflowEventPayload struct {
	InstanceID   string `json:"instance_id"`
	DefinitionID string `json:"definition_id"`
	Status       string `json:"status"`
	StepID       string `json:"step_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ApprovalEventPayload accompanies approval.requested and approval.decided.
// Role lets subscribers fan the request out to the right approvers.
type ApprovalEventPayload struct {
	InstanceID string `json:"instance_id"`
	ApprovalID string `json:"approval_id"`
	StepID     string `json:"step_id"`
	Role       string `json:"role"`
	Status     string `json:"status,omitempty"`
}

// NotificationPayload is the fire-and-forget request handed to the
// notification subsystem; delivery is its concern, not the engine's.
type NotificationPayload struct {
	TemplateID string                 `json:"template_id"`
	InstanceID string                 `json:"instance_id"`
	Context    map[string]interface{} `json:"context,omitempty"`
}
