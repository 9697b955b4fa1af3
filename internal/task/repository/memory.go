package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// MemoryRepository provides in-memory task storage operations.
// Records are copied in and out; actions are held serialized so every read
// decodes a fresh chain, as the SQL repository does.
type MemoryRepository struct {
	tasks     map[string]models.Task
	attempts  map[string]models.TaskAttempt
	processes map[string]memoryProcess
	sessions  map[string]models.ExecutorSession // by execution process id
	approvals map[string]models.ApprovalRequest
	mu        sync.RWMutex
}

type memoryProcess struct {
	record models.ExecutionProcess // Action is nil
	action []byte
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:     make(map[string]models.Task),
		attempts:  make(map[string]models.TaskAttempt),
		processes: make(map[string]memoryProcess),
		sessions:  make(map[string]models.ExecutorSession),
		approvals: make(map[string]models.ApprovalRequest),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Task operations

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	r.tasks[task.ID] = *task
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return &task, nil
}

// CommitPlan stores the plan and promotes a planning task to inprogress
func (r *MemoryRepository) CommitPlan(ctx context.Context, taskID, plan string) (*PlanCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}

	commit := &PlanCommit{
		TaskID:         taskID,
		Plan:           plan,
		Status:         task.Status,
		PreviousPlan:   task.Plan,
		PreviousStatus: task.Status,
	}
	if task.Status == v1.TaskStatusPlan {
		commit.Status = v1.TaskStatusInProgress
	}

	task.Plan = &plan
	task.Status = commit.Status
	task.UpdatedAt = time.Now().UTC()
	r.tasks[taskID] = task
	return commit, nil
}

// RevertPlan restores the task state replaced by commit
func (r *MemoryRepository) RevertPlan(ctx context.Context, commit *PlanCommit) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[commit.TaskID]
	if !ok {
		return false, errors.NotFound("task", commit.TaskID)
	}
	if task.Status != commit.Status || task.Plan == nil || *task.Plan != commit.Plan {
		return false, nil
	}

	task.Plan = commit.PreviousPlan
	task.Status = commit.PreviousStatus
	task.UpdatedAt = time.Now().UTC()
	r.tasks[commit.TaskID] = task
	return true, nil
}

// Task attempt operations

// CreateTaskAttempt creates a new attempt for an existing task
func (r *MemoryRepository) CreateTaskAttempt(ctx context.Context, attempt *models.TaskAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[attempt.TaskID]; !ok {
		return errors.NotFound("task", attempt.TaskID)
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	r.attempts[attempt.ID] = *attempt
	return nil
}

// GetTaskAttempt retrieves an attempt by ID
func (r *MemoryRepository) GetTaskAttempt(ctx context.Context, id string) (*models.TaskAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt, ok := r.attempts[id]
	if !ok {
		return nil, errors.NotFound("task attempt", id)
	}
	return &attempt, nil
}

// Execution process operations

// CreateRunningProcess inserts a running process and its session
func (r *MemoryRepository) CreateRunningProcess(ctx context.Context, process *models.ExecutionProcess, session *models.ExecutorSession) error {
	action, err := json.Marshal(process.Action)
	if err != nil {
		return fmt.Errorf("failed to encode executor action: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attempts[process.TaskAttemptID]; !ok {
		return errors.NotFound("task attempt", process.TaskAttemptID)
	}
	for _, p := range r.processes {
		if p.record.TaskAttemptID == process.TaskAttemptID && p.record.IsRunning() {
			return errors.AttemptBusy(process.TaskAttemptID)
		}
	}

	if process.ID == "" {
		process.ID = uuid.New().String()
	}
	process.Status = v1.ExecutionProcessStatusRunning
	process.StartedAt = time.Now().UTC()
	process.CompletedAt = nil
	process.ExitCode = nil

	record := *process
	record.Action = nil
	r.processes[process.ID] = memoryProcess{record: record, action: action}

	if session != nil {
		if session.ID == "" {
			session.ID = uuid.New().String()
		}
		session.ExecutionProcessID = process.ID
		session.TaskAttemptID = process.TaskAttemptID
		session.CreatedAt = process.StartedAt
		session.UpdatedAt = process.StartedAt
		r.sessions[process.ID] = *session
	}
	return nil
}

func (r *MemoryRepository) loadProcess(p memoryProcess) (*models.ExecutionProcess, error) {
	out := p.record
	action, err := actions.Decode(p.action)
	if err != nil {
		return nil, err
	}
	out.Action = action
	return &out, nil
}

// GetExecutionProcess retrieves an execution process by ID
func (r *MemoryRepository) GetExecutionProcess(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processes[id]
	if !ok {
		return nil, errors.NotFound("execution process", id)
	}
	return r.loadProcess(p)
}

// ListExecutionProcesses lists an attempt's processes, oldest first
func (r *MemoryRepository) ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.ExecutionProcess, 0)
	for _, p := range r.processes {
		if p.record.TaskAttemptID != attemptID {
			continue
		}
		process, err := r.loadProcess(p)
		if err != nil {
			return nil, err
		}
		result = append(result, process)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// GetRunningProcess returns the attempt's running process, if any
func (r *MemoryRepository) GetRunningProcess(ctx context.Context, attemptID string) (*models.ExecutionProcess, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.processes {
		if p.record.TaskAttemptID == attemptID && p.record.IsRunning() {
			return r.loadProcess(p)
		}
	}
	return nil, nil
}

// CompleteExecutionProcess moves a running process to a terminal status
func (r *MemoryRepository) CompleteExecutionProcess(ctx context.Context, id string, status v1.ExecutionProcessStatus, exitCode *int64) (*models.ExecutionProcess, error) {
	if !status.IsTerminal() {
		return nil, errors.BadRequest(fmt.Sprintf("status %s is not terminal", status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[id]
	if !ok {
		return nil, errors.NotFound("execution process", id)
	}
	if !p.record.Status.CanTransitionTo(status) {
		return nil, errors.ProcessNotRunning(id, string(p.record.Status))
	}

	now := time.Now().UTC()
	p.record.Status = status
	p.record.ExitCode = exitCode
	p.record.CompletedAt = &now
	r.processes[id] = p
	return r.loadProcess(p)
}

// ReconcileRunningProcesses fails every process still marked running
func (r *MemoryRepository) ReconcileRunningProcesses(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for id, p := range r.processes {
		if !p.record.IsRunning() {
			continue
		}
		p.record.Status = v1.ExecutionProcessStatusFailed
		p.record.CompletedAt = &now
		r.processes[id] = p
		n++
	}
	return n, nil
}

// LoadExecutionContext loads a process with its attempt and task
func (r *MemoryRepository) LoadExecutionContext(ctx context.Context, processID string) (*models.ExecutionContext, error) {
	process, err := r.GetExecutionProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	attempt, err := r.GetTaskAttempt(ctx, process.TaskAttemptID)
	if err != nil {
		return nil, err
	}
	task, err := r.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, err
	}
	return &models.ExecutionContext{Task: task, TaskAttempt: attempt, ExecutionProcess: process}, nil
}

// Executor session operations

// GetExecutorSession returns the session of an execution process
func (r *MemoryRepository) GetExecutorSession(ctx context.Context, processID string) (*models.ExecutorSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[processID]
	if !ok {
		return nil, errors.NotFound("executor session", processID)
	}
	return &s, nil
}

// SetSessionID records the agent session id once
func (r *MemoryRepository) SetSessionID(ctx context.Context, processID, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[processID]
	if !ok {
		return false, errors.NotFound("executor session", processID)
	}
	if s.SessionID != nil {
		return false, nil
	}
	s.SessionID = &sessionID
	s.UpdatedAt = time.Now().UTC()
	r.sessions[processID] = s
	return true, nil
}

// Approval operations

// CreateApproval creates a pending approval request
func (r *MemoryRepository) CreateApproval(ctx context.Context, approval *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processes[approval.ExecutionProcessID]; !ok {
		return errors.NotFound("execution process", approval.ExecutionProcessID)
	}
	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	approval.Status = v1.ApprovalStatusPending
	approval.RequestedAt = time.Now().UTC()
	approval.RespondedAt = nil

	r.approvals[approval.ID] = *approval
	return nil
}

// GetApproval retrieves an approval by ID
func (r *MemoryRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, errors.NotFound("approval", id)
	}
	return &a, nil
}

// ListPendingApprovals lists pending approvals of a process, oldest first
func (r *MemoryRepository) ListPendingApprovals(ctx context.Context, processID string) ([]*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.ApprovalRequest, 0)
	for _, a := range r.approvals {
		if a.ExecutionProcessID == processID && a.Status == v1.ApprovalStatusPending {
			approval := a
			result = append(result, &approval)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

// ResolveApproval moves a pending approval to status
func (r *MemoryRepository) ResolveApproval(ctx context.Context, id string, status v1.ApprovalStatus, reason *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.approvals[id]
	if !ok {
		return false, errors.NotFound("approval", id)
	}
	if !a.Status.CanTransitionTo(status) {
		return false, nil
	}

	now := time.Now().UTC()
	a.Status = status
	a.RespondedAt = &now
	if status == v1.ApprovalStatusDenied {
		a.DenialReason = reason
	}
	r.approvals[id] = a
	return true, nil
}
