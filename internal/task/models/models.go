// Package models holds the persisted records of tasks, attempts, execution
// processes, executor sessions and approval requests.
package models

import (
	"encoding/json"
	"time"

	"github.com/anyon/anyon/internal/agent/actions"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// Task represents a unit of work
type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      v1.TaskStatus `json:"status"`
	Plan        *string       `json:"plan,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ToAPI converts internal task model to API type
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Plan:        t.Plan,
		IsPlanning:  IsPlanningTask(t),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// TaskAttempt is one concrete run context for a task
type TaskAttempt struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToAPI converts internal attempt model to API type
func (a *TaskAttempt) ToAPI() *v1.TaskAttempt {
	return &v1.TaskAttempt{
		ID:        a.ID,
		TaskID:    a.TaskID,
		Branch:    a.Branch,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// ExecutionProcess records one run of the head of an action chain
type ExecutionProcess struct {
	ID            string                       `json:"id"`
	TaskAttemptID string                       `json:"task_attempt_id"`
	RunReason     v1.ExecutionProcessRunReason `json:"run_reason"`
	Action        *actions.ExecutorAction      `json:"executor_action"`
	Status        v1.ExecutionProcessStatus    `json:"status"`
	ExitCode      *int64                       `json:"exit_code,omitempty"`
	StartedAt     time.Time                    `json:"started_at"`
	CompletedAt   *time.Time                   `json:"completed_at,omitempty"`
}

// IsRunning reports whether the process has not reached a terminal status.
func (p *ExecutionProcess) IsRunning() bool {
	return p.Status == v1.ExecutionProcessStatusRunning
}

// ToAPI converts internal execution process model to API type
func (p *ExecutionProcess) ToAPI() *v1.ExecutionProcess {
	var action json.RawMessage
	if p.Action != nil {
		if data, err := json.Marshal(p.Action); err == nil {
			action = data
		}
	}
	return &v1.ExecutionProcess{
		ID:             p.ID,
		TaskAttemptID:  p.TaskAttemptID,
		RunReason:      p.RunReason,
		ExecutorAction: action,
		Status:         p.Status,
		ExitCode:       p.ExitCode,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
	}
}

// ExecutorSession binds an execution process to the agent conversation it
// runs in. SessionID is written once.
type ExecutorSession struct {
	ID                 string    `json:"id"`
	ExecutionProcessID string    `json:"execution_process_id"`
	TaskAttemptID      string    `json:"task_attempt_id"`
	SessionID          *string   `json:"session_id,omitempty"`
	Prompt             string    `json:"prompt"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ApprovalRequest is a pause point raised by a running execution process
type ApprovalRequest struct {
	ID                 string            `json:"id"`
	ExecutionProcessID string            `json:"execution_process_id"`
	ToolName           string            `json:"tool_name"`
	Status             v1.ApprovalStatus `json:"status"`
	Plan               *string           `json:"plan,omitempty"`
	DenialReason       *string           `json:"denial_reason,omitempty"`
	RequestedAt        time.Time         `json:"requested_at"`
	RespondedAt        *time.Time        `json:"responded_at,omitempty"`
}

// ToAPI converts internal approval model to API type
func (a *ApprovalRequest) ToAPI() *v1.ApprovalRequest {
	return &v1.ApprovalRequest{
		ID:                 a.ID,
		ExecutionProcessID: a.ExecutionProcessID,
		ToolName:           a.ToolName,
		Status:             a.Status,
		Plan:               a.Plan,
		DenialReason:       a.DenialReason,
		RequestedAt:        a.RequestedAt,
		RespondedAt:        a.RespondedAt,
	}
}

// ExecutionContext is everything needed to act on an execution process.
type ExecutionContext struct {
	Task             *Task
	TaskAttempt      *TaskAttempt
	ExecutionProcess *ExecutionProcess
}
