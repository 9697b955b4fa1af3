package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/orchestrator"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// Service is the slice of the orchestrator the HTTP API drives.
type Service interface {
	RespondToApproval(ctx context.Context, approvalID string, resp v1.ApprovalResponse) (*orchestrator.RespondResult, error)
	ResumePlan(ctx context.Context, approvalID string) (*models.ExecutionProcess, error)
	GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error)
	StartExecution(ctx context.Context, attemptID string, action *actions.ExecutorAction, runReason v1.ExecutionProcessRunReason) (*models.ExecutionProcess, error)
	KillExecution(ctx context.Context, processID string) error
}

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithComponent("orchestrator-api"),
	}
}

func writeError(c *gin.Context, err error) {
	appErr := errors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// RespondToApproval records a decision on a pending approval. The decided
// status is returned even when the follow-up for an approved plan could not
// be started; resume_error then says why.
// POST /api/v1/approvals/:approvalId/respond
func (h *Handler) RespondToApproval(c *gin.Context) {
	approvalID := c.Param("approvalId")

	var req v1.ApprovalResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("status", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.service.RespondToApproval(c.Request.Context(), approvalID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := v1.ApprovalResult{
		ApprovalID: approvalID,
		Status:     result.Status,
	}
	if result.FollowUp != nil {
		resp.FollowUpProcessID = &result.FollowUp.ID
	}
	if result.ResumeErr != nil {
		appErr := errors.AsAppError(result.ResumeErr)
		resp.ResumeError = &v1.ResumeFailure{Code: appErr.Code, Message: appErr.Message}
	}
	c.JSON(http.StatusOK, resp)
}

// ResumePlan retries the follow-up execution for an approved plan.
// POST /api/v1/approvals/:approvalId/resume
func (h *Handler) ResumePlan(c *gin.Context) {
	approvalID := c.Param("approvalId")

	process, err := h.service.ResumePlan(c.Request.Context(), approvalID)
	if err != nil {
		if errors.AsAppError(err).HTTPStatus >= http.StatusInternalServerError {
			h.logger.WithContext(c.Request.Context()).WithApprovalID(approvalID).Error("failed to resume plan", zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, process.ToAPI())
}

// GetApproval returns an approval request
// GET /api/v1/approvals/:approvalId
func (h *Handler) GetApproval(c *gin.Context) {
	approval, err := h.service.GetApproval(c.Request.Context(), c.Param("approvalId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval.ToAPI())
}

// StartExecution starts an executor action chain on an attempt
// POST /api/v1/attempts/:attemptId/execution-processes
func (h *Handler) StartExecution(c *gin.Context) {
	attemptID := c.Param("attemptId")

	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("executor_action", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	action, err := actions.Decode(req.ExecutorAction)
	if err != nil {
		appErr := errors.ValidationError("executor_action", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	runReason := req.RunReason
	if runReason == "" {
		runReason = v1.RunReasonCodingAgent
	}

	process, err := h.service.StartExecution(c.Request.Context(), attemptID, action, runReason)
	if err != nil {
		if errors.AsAppError(err).HTTPStatus >= http.StatusInternalServerError {
			h.logger.WithContext(c.Request.Context()).WithAttemptID(attemptID).Error("failed to start execution", zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, process.ToAPI())
}

// KillExecution stops a running execution process
// POST /api/v1/execution-processes/:processId/kill
func (h *Handler) KillExecution(c *gin.Context) {
	processID := c.Param("processId")

	if err := h.service.KillExecution(c.Request.Context(), processID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, KillExecutionResponse{
		ExecutionProcessID: processID,
		Message:            "kill requested",
	})
}

// ConnectionChecker is satisfied by bus.EventBus.
type ConnectionChecker interface {
	IsConnected() bool
}

// Health reports whether the server can serve and publish events
// GET /health
func (h *Handler) Health(eventBus ConnectionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !eventBus.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Service: "anyon", EventBus: "disconnected"})
			return
		}
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "anyon", EventBus: "connected"})
	}
}
