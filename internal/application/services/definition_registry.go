package services

import (
	"fmt"
	"log"
	"sync"

	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
	apperrors "github.com/clearledger/backend/pkg/errors"
)

// ExpressionValidator checks that condition and wait expressions compile;
// satisfied by the expression engine
type ExpressionValidator interface {
	Validate(expression string) error
}

// DefinitionRegistry holds the immutable workflow definition catalog.
// Definitions are append-only by id: once a live instance references an
// id, registering a replacement under the same id is rejected. New
// behavior ships as a new id/version.
type DefinitionRegistry struct {
	definitions map[string]*models.WorkflowDefinition
	referenced  map[string]bool
	validator   ExpressionValidator
	mu          sync.RWMutex
}

// Compile-time interface check
var _ ports.DefinitionProvider = (*DefinitionRegistry)(nil)

// NewDefinitionRegistry creates an empty registry
func NewDefinitionRegistry(validator ExpressionValidator) *DefinitionRegistry {
	return &DefinitionRegistry{
		definitions: make(map[string]*models.WorkflowDefinition),
		referenced:  make(map[string]bool),
		validator:   validator,
	}
}

// Register validates and stores a definition. Registering an id that a
// live instance already references is a conflict; an unreferenced id may
// be replaced (typically during startup reloads).
func (r *DefinitionRegistry) Register(def *models.WorkflowDefinition) error {
	if err := r.validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.ID]; exists && r.referenced[def.ID] {
		return apperrors.NewConflictError("workflow definition", def.ID,
			"already referenced by running instances; register a new id/version instead")
	}

	r.definitions[def.ID] = def
	log.Printf("✅ Workflow definition registered: %s (v%d, %d steps)", def.ID, def.Version, len(def.Steps))
	return nil
}

// Get returns the definition or a DefinitionNotFound error
func (r *DefinitionRegistry) Get(definitionID string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[definitionID]
	if !ok {
		return nil, apperrors.NewDefinitionNotFoundError(definitionID)
	}
	return def, nil
}

// List returns all registered definitions
func (r *DefinitionRegistry) List() []*models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*models.WorkflowDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	return defs
}

// MarkReferenced freezes a definition id against in-place replacement
func (r *DefinitionRegistry) MarkReferenced(definitionID string) {
	r.mu.Lock()
	r.referenced[definitionID] = true
	r.mu.Unlock()
}

// Deactivate disables a definition without removing it; running
// instances keep executing, new starts are refused
func (r *DefinitionRegistry) Deactivate(definitionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[definitionID]
	if !ok {
		return apperrors.NewDefinitionNotFoundError(definitionID)
	}
	if def.Active {
		copied := *def
		copied.Active = false
		r.definitions[definitionID] = &copied
		log.Printf("⏸️ Workflow definition deactivated: %s", definitionID)
	}
	return nil
}

// validate checks the structural integrity of a definition before it is
// admitted to the catalog
func (r *DefinitionRegistry) validate(def *models.WorkflowDefinition) error {
	if def.ID == "" {
		return apperrors.NewValidationError("id", "definition id is required")
	}
	if len(def.Steps) == 0 {
		return apperrors.NewValidationError("steps", "definition has no steps")
	}

	stepIDs := make(map[string]*models.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return apperrors.NewValidationError("steps", "step id is required")
		}
		if _, dup := stepIDs[step.ID]; dup {
			return apperrors.NewValidationError("steps", fmt.Sprintf("duplicate step id '%s'", step.ID))
		}
		stepIDs[step.ID] = step
	}

	if _, ok := stepIDs[def.StartStep]; !ok {
		return apperrors.NewValidationError("start_step", fmt.Sprintf("start step '%s' does not exist", def.StartStep))
	}

	for _, step := range stepIDs {
		for _, edge := range []string{step.OnSuccess, step.OnFailure, step.OnTimeout} {
			if edge != "" {
				if _, ok := stepIDs[edge]; !ok {
					return apperrors.NewValidationError("steps",
						fmt.Sprintf("step '%s' points at unknown step '%s'", step.ID, edge))
				}
			}
		}

		switch step.Type {
		case models.StepTypeServiceCall:
			if step.Service == "" || step.Endpoint == "" {
				return apperrors.NewValidationError("steps",
					fmt.Sprintf("service_call step '%s' needs service and endpoint", step.ID))
			}
		case models.StepTypeCondition, models.StepTypeWait:
			if step.Expression == "" {
				return apperrors.NewValidationError("steps",
					fmt.Sprintf("%s step '%s' needs an expression", step.Type, step.ID))
			}
			if r.validator != nil {
				if err := r.validator.Validate(step.Expression); err != nil {
					return apperrors.NewValidationError("steps",
						fmt.Sprintf("step '%s' expression does not compile: %v", step.ID, err))
				}
			}
		case models.StepTypeParallel:
			if len(step.SubSteps) == 0 {
				return apperrors.NewValidationError("steps",
					fmt.Sprintf("parallel step '%s' has no sub-steps", step.ID))
			}
			for _, subID := range step.SubSteps {
				sub, ok := stepIDs[subID]
				if !ok {
					return apperrors.NewValidationError("steps",
						fmt.Sprintf("parallel step '%s' references unknown sub-step '%s'", step.ID, subID))
				}
				// Parked sub-steps would leave the parent unable to join
				if sub.Type == models.StepTypeManual || sub.Type == models.StepTypeWait {
					return apperrors.NewValidationError("steps",
						fmt.Sprintf("parallel step '%s' cannot contain %s sub-step '%s'", step.ID, sub.Type, subID))
				}
			}
		case models.StepTypeManual:
			if step.ApprovalRole == "" {
				return apperrors.NewValidationError("steps",
					fmt.Sprintf("manual step '%s' needs an approval role", step.ID))
			}
		case models.StepTypeNotification:
			if step.TemplateID == "" {
				return apperrors.NewValidationError("steps",
					fmt.Sprintf("notification step '%s' needs a template id", step.ID))
			}
		default:
			return apperrors.NewValidationError("steps",
				fmt.Sprintf("step '%s' has unknown type '%s'", step.ID, step.Type))
		}
	}

	return nil
}
