package ports

import (
	"context"

	"github.com/clearledger/backend/internal/domain/models"
)

// ConditionEvaluator evaluates boolean expressions against an instance
// context. Implementations must be safe for concurrent use.
type ConditionEvaluator interface {
	// EvaluateBool returns the expression's boolean verdict. A
	// malformed expression or non-boolean result returns false plus
	// the error so callers can fail closed.
	EvaluateBool(expression string, env map[string]interface{}) (bool, error)
}

// Notifier publishes a notification request addressed by template id.
// Delivery reliability is the notification subsystem's concern.
type Notifier interface {
	Notify(ctx context.Context, templateID, instanceID string, context map[string]interface{}) error
}

// DefinitionProvider is the registry view the engine consumes
type DefinitionProvider interface {
	// Get returns the definition or a DefinitionNotFound error.
	Get(definitionID string) (*models.WorkflowDefinition, error)

	// List returns all registered definitions.
	List() []*models.WorkflowDefinition

	// MarkReferenced records that a live instance references the
	// definition, freezing it against replacement under the same id.
	MarkReferenced(definitionID string)
}
