package bootstrap

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/clearledger/backend/internal/application/services"
	"github.com/clearledger/backend/internal/domain/models"
)

//go:embed workflows.json
var workflowsJSON []byte

//go:embed notification_templates.json
var templatesJSON []byte

// InitializeWorkflows registers the standard workflow catalog
func InitializeWorkflows(registry *services.DefinitionRegistry) error {
	log.Println("🔧 Initializing workflow catalog...")

	var defs []models.WorkflowDefinition
	if err := json.Unmarshal(workflowsJSON, &defs); err != nil {
		return fmt.Errorf("failed to parse workflows.json: %w", err)
	}

	for i := range defs {
		def := defs[i]
		if err := registry.Register(&def); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", def.ID, err)
		}
		log.Printf("   ✅ Workflow %s v%d registered (%d steps)", def.ID, def.Version, len(def.Steps))
	}

	return nil
}

// NotificationTemplateIDs returns the ids of the known notification
// templates, used to validate notification steps at send time
func NotificationTemplateIDs() ([]string, error) {
	var templates []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(templatesJSON, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse notification_templates.json: %w", err)
	}

	ids := make([]string, len(templates))
	for i, tpl := range templates {
		ids[i] = tpl.ID
	}
	return ids, nil
}
