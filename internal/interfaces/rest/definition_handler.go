package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearledger/backend/internal/domain/models"
)

// DefinitionService is the registry surface the handler depends on
type DefinitionService interface {
	Register(def *models.WorkflowDefinition) error
	Get(definitionID string) (*models.WorkflowDefinition, error)
	List() []*models.WorkflowDefinition
	Deactivate(definitionID string) error
}

// DefinitionHandler handles workflow definition API endpoints
type DefinitionHandler struct {
	svc DefinitionService
}

// NewDefinitionHandler creates a new DefinitionHandler
func NewDefinitionHandler(svc DefinitionService) *DefinitionHandler {
	return &DefinitionHandler{svc: svc}
}

// RegisterRoutes mounts the definition endpoints on the API group
func (h *DefinitionHandler) RegisterRoutes(api *gin.RouterGroup) {
	definitions := api.Group("/definitions")
	{
		definitions.GET("", h.List)
		definitions.GET("/:definitionId", h.Get)
		definitions.POST("", h.Register)
		definitions.POST("/:definitionId/deactivate", h.Deactivate)
	}
}

// List handles GET /api/definitions
func (h *DefinitionHandler) List(c *gin.Context) {
	RespondJSON(c, "definitions", h.svc.List())
}

// Get handles GET /api/definitions/:definitionId
func (h *DefinitionHandler) Get(c *gin.Context) {
	def, err := h.svc.Get(c.Param("definitionId"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondJSON(c, "definition", def)
}

// Register handles POST /api/definitions
func (h *DefinitionHandler) Register(c *gin.Context) {
	var def models.WorkflowDefinition
	if !BindJSON(c, &def) {
		return
	}

	if err := h.svc.Register(&def); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":    "Definition registered",
		"definition": def,
	})
}

// Deactivate handles POST /api/definitions/:definitionId/deactivate
func (h *DefinitionHandler) Deactivate(c *gin.Context) {
	if err := h.svc.Deactivate(c.Param("definitionId")); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Definition deactivated")
}
