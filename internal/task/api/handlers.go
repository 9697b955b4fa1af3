package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// Reader serves the read accessors.
type Reader interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	GetTaskAttempt(ctx context.Context, attemptID string) (*models.TaskAttempt, error)
	GetExecutionProcess(ctx context.Context, processID string) (*models.ExecutionProcess, error)
	ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error)
}

// Seeder creates the tasks and attempts the orchestrator acts on.
type Seeder interface {
	CreateTask(ctx context.Context, task *models.Task) error
	CreateTaskAttempt(ctx context.Context, attempt *models.TaskAttempt) error
}

// Handler contains HTTP handlers for the task API
type Handler struct {
	reader Reader
	seeder Seeder
	logger *logger.Logger
}

// NewHandler creates a new task API handler
func NewHandler(reader Reader, seeder Seeder, log *logger.Logger) *Handler {
	return &Handler{
		reader: reader,
		seeder: seeder,
		logger: log.WithComponent("task-api"),
	}
}

func writeError(c *gin.Context, err error) {
	appErr := errors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task := &models.Task{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      req.Status,
	}
	if req.Planning {
		task.Title = models.PlanningTaskTitle
		task.Description = models.PlanningTaskDescription
		if task.Status == "" {
			task.Status = v1.TaskStatusPlan
		}
	}
	if task.Title == "" {
		appErr := errors.ValidationError("title", "title is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusTodo
	}
	if !task.Status.Valid() {
		appErr := errors.ValidationError("status", "unknown task status "+string(task.Status))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.seeder.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to create task", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task.ToAPI())
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.reader.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// CreateTaskAttempt creates an attempt for a task
// POST /api/v1/tasks/:taskId/attempts
func (h *Handler) CreateTaskAttempt(c *gin.Context) {
	var req CreateTaskAttemptRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	attempt := &models.TaskAttempt{
		TaskID: c.Param("taskId"),
		Branch: req.Branch,
	}
	if err := h.seeder.CreateTaskAttempt(c.Request.Context(), attempt); err != nil {
		if !errors.IsNotFound(err) {
			h.logger.WithContext(c.Request.Context()).WithTaskID(attempt.TaskID).Error("failed to create task attempt", zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, attempt.ToAPI())
}

// GetTaskAttempt retrieves an attempt by ID
// GET /api/v1/attempts/:attemptId
func (h *Handler) GetTaskAttempt(c *gin.Context) {
	attempt, err := h.reader.GetTaskAttempt(c.Request.Context(), c.Param("attemptId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt.ToAPI())
}

// ListExecutionProcesses lists the execution processes of an attempt, oldest first
// GET /api/v1/attempts/:attemptId/execution-processes
func (h *Handler) ListExecutionProcesses(c *gin.Context) {
	processes, err := h.reader.ListExecutionProcesses(c.Request.Context(), c.Param("attemptId"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := ExecutionProcessesResponse{
		ExecutionProcesses: make([]*v1.ExecutionProcess, 0, len(processes)),
		Total:              len(processes),
	}
	for _, p := range processes {
		resp.ExecutionProcesses = append(resp.ExecutionProcesses, p.ToAPI())
	}
	c.JSON(http.StatusOK, resp)
}

// GetExecutionProcess retrieves an execution process by ID
// GET /api/v1/execution-processes/:processId
func (h *Handler) GetExecutionProcess(c *gin.Context) {
	process, err := h.reader.GetExecutionProcess(c.Request.Context(), c.Param("processId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, process.ToAPI())
}
