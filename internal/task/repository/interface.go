package repository

import (
	"context"

	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// PlanCommit describes the plan write made for an approved plan and the
// task state it replaced.
type PlanCommit struct {
	TaskID         string
	Plan           string
	Status         v1.TaskStatus
	PreviousPlan   *string
	PreviousStatus v1.TaskStatus
}

// StatusChanged reports whether the commit moved the task to a new status.
func (c *PlanCommit) StatusChanged() bool {
	return c.Status != c.PreviousStatus
}

// Repository defines the interface for task storage operations.
//
// Lookups of unknown ids fail with a NOT_FOUND AppError. Conditional writes
// report whether they applied rather than failing.
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// CommitPlan stores plan on the task and, if the task is in plan status,
	// moves it to inprogress. Both writes share one transaction.
	CommitPlan(ctx context.Context, taskID, plan string) (*PlanCommit, error)
	// RevertPlan undoes commit if the task still holds exactly what commit wrote.
	RevertPlan(ctx context.Context, commit *PlanCommit) (bool, error)

	// Task attempt operations
	CreateTaskAttempt(ctx context.Context, attempt *models.TaskAttempt) error
	GetTaskAttempt(ctx context.Context, id string) (*models.TaskAttempt, error)

	// Execution process operations
	// CreateRunningProcess inserts a running process with its executor session.
	// It fails with ATTEMPT_BUSY when the attempt already has a running process.
	CreateRunningProcess(ctx context.Context, process *models.ExecutionProcess, session *models.ExecutorSession) error
	GetExecutionProcess(ctx context.Context, id string) (*models.ExecutionProcess, error)
	ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error)
	// GetRunningProcess returns nil without error when the attempt is idle.
	GetRunningProcess(ctx context.Context, attemptID string) (*models.ExecutionProcess, error)
	// CompleteExecutionProcess moves a running process to a terminal status.
	// It fails with PROCESS_NOT_RUNNING when the process already stopped.
	CompleteExecutionProcess(ctx context.Context, id string, status v1.ExecutionProcessStatus, exitCode *int64) (*models.ExecutionProcess, error)
	// ReconcileRunningProcesses fails every process still marked running.
	ReconcileRunningProcesses(ctx context.Context) (int64, error)
	LoadExecutionContext(ctx context.Context, processID string) (*models.ExecutionContext, error)

	// Executor session operations
	GetExecutorSession(ctx context.Context, processID string) (*models.ExecutorSession, error)
	// SetSessionID writes the session id if none is recorded yet.
	SetSessionID(ctx context.Context, processID, sessionID string) (bool, error)

	// Approval operations
	CreateApproval(ctx context.Context, approval *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, processID string) ([]*models.ApprovalRequest, error)
	// ResolveApproval moves a pending approval to status. It returns false when
	// the approval was no longer pending.
	ResolveApproval(ctx context.Context, id string, status v1.ApprovalStatus, reason *string) (bool, error)

	// Close closes the repository (for database connections)
	Close() error
}
