package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearledger/backend/internal/application/services"
	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/pkg/errors"
)

// WorkflowService is the engine surface the handler depends on
type WorkflowService interface {
	StartWorkflow(ctx context.Context, definitionID string, initial map[string]interface{}, startedBy string) (string, error)
	CancelWorkflow(ctx context.Context, instanceID, reason string) error
	SignalWait(ctx context.Context, instanceID string, updates map[string]interface{}) error
	ResumeInstance(ctx context.Context, instanceID string) error
	ApproveStep(ctx context.Context, instanceID, approvalID, decidedBy, comments string) error
	RejectStep(ctx context.Context, instanceID, approvalID, decidedBy, comments string) error
	GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	ListRunning(ctx context.Context) ([]*models.WorkflowInstance, error)
	ListWaiting(ctx context.Context) ([]*models.WorkflowInstance, error)
	PendingApprovals(ctx context.Context, role string) ([]services.PendingApprovalView, error)
}

// WorkflowHandler handles workflow instance API endpoints
type WorkflowHandler struct {
	svc WorkflowService
}

// NewWorkflowHandler creates a new WorkflowHandler
func NewWorkflowHandler(svc WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

// RegisterRoutes mounts the workflow endpoints on the API group
func (h *WorkflowHandler) RegisterRoutes(api *gin.RouterGroup) {
	workflows := api.Group("/workflows")
	{
		workflows.POST("/:definitionId/start", h.StartWorkflow)
		workflows.GET("/instances", h.ListInstances)
		workflows.GET("/instances/:instanceId", h.GetInstance)
		workflows.POST("/instances/:instanceId/cancel", h.CancelWorkflow)
		workflows.POST("/instances/:instanceId/signal", h.SignalWorkflow)
		workflows.POST("/instances/:instanceId/resume", h.ResumeWorkflow)
		workflows.POST("/instances/:instanceId/approvals/:approvalId/approve", h.Approve)
		workflows.POST("/instances/:instanceId/approvals/:approvalId/reject", h.Reject)
	}
	api.GET("/approvals/pending", h.PendingApprovals)
}

// StartWorkflowRequest is the body for POST /api/workflows/:definitionId/start
type StartWorkflowRequest struct {
	Context   map[string]interface{} `json:"context"`
	StartedBy string                 `json:"started_by" binding:"required"`
}

// StartWorkflow handles POST /api/workflows/:definitionId/start
func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	definitionID := c.Param("definitionId")

	var req StartWorkflowRequest
	if !BindJSON(c, &req) {
		return
	}

	instanceID, err := h.svc.StartWorkflow(c.Request.Context(), definitionID, req.Context, req.StartedBy)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"instance_id": instanceID,
		"message":     "Workflow started",
	})
}

// GetInstance handles GET /api/workflows/instances/:instanceId
func (h *WorkflowHandler) GetInstance(c *gin.Context) {
	instance, err := h.svc.GetInstance(c.Request.Context(), c.Param("instanceId"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondJSON(c, "instance", instance)
}

// ListInstances handles GET /api/workflows/instances?status=running|waiting_approval
func (h *WorkflowHandler) ListInstances(c *gin.Context) {
	status := c.DefaultQuery("status", string(models.WorkflowStatusRunning))

	var (
		instances []*models.WorkflowInstance
		err       error
	)
	switch models.WorkflowStatus(status) {
	case models.WorkflowStatusRunning:
		instances, err = h.svc.ListRunning(c.Request.Context())
	case models.WorkflowStatusWaitingApproval:
		instances, err = h.svc.ListWaiting(c.Request.Context())
	default:
		RespondAppError(c, errors.NewValidationError("status", "status must be running or waiting_approval"))
		return
	}
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondJSON(c, "instances", instances)
}

// CancelWorkflowRequest is the body for POST .../cancel
type CancelWorkflowRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelWorkflow handles POST /api/workflows/instances/:instanceId/cancel
func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	var req CancelWorkflowRequest
	if !BindJSON(c, &req) {
		return
	}

	if err := h.svc.CancelWorkflow(c.Request.Context(), c.Param("instanceId"), req.Reason); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Workflow cancelled")
}

// SignalWorkflowRequest is the body for POST .../signal
type SignalWorkflowRequest struct {
	Context map[string]interface{} `json:"context" binding:"required"`
}

// SignalWorkflow handles POST /api/workflows/instances/:instanceId/signal
func (h *WorkflowHandler) SignalWorkflow(c *gin.Context) {
	var req SignalWorkflowRequest
	if !BindJSON(c, &req) {
		return
	}

	if err := h.svc.SignalWait(c.Request.Context(), c.Param("instanceId"), req.Context); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Signal accepted")
}

// ResumeWorkflow handles POST /api/workflows/instances/:instanceId/resume
func (h *WorkflowHandler) ResumeWorkflow(c *gin.Context) {
	if err := h.svc.ResumeInstance(c.Request.Context(), c.Param("instanceId")); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Workflow resumed")
}

// DecisionRequest is the body for approval decisions
type DecisionRequest struct {
	DecidedBy string `json:"decided_by" binding:"required"`
	Comments  string `json:"comments"`
}

// Approve handles POST .../approvals/:approvalId/approve
func (h *WorkflowHandler) Approve(c *gin.Context) {
	var req DecisionRequest
	if !BindJSON(c, &req) {
		return
	}

	err := h.svc.ApproveStep(c.Request.Context(), c.Param("instanceId"), c.Param("approvalId"), req.DecidedBy, req.Comments)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Approval recorded")
}

// Reject handles POST .../approvals/:approvalId/reject
func (h *WorkflowHandler) Reject(c *gin.Context) {
	var req DecisionRequest
	if !BindJSON(c, &req) {
		return
	}

	err := h.svc.RejectStep(c.Request.Context(), c.Param("instanceId"), c.Param("approvalId"), req.DecidedBy, req.Comments)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondMessage(c, "Rejection recorded")
}

// PendingApprovals handles GET /api/approvals/pending?role=
func (h *WorkflowHandler) PendingApprovals(c *gin.Context) {
	pending, err := h.svc.PendingApprovals(c.Request.Context(), c.Query("role"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondJSON(c, "approvals", pending)
}
