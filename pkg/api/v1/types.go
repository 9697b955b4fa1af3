package v1

import (
	"encoding/json"
	"time"
)

// Task is the API representation of a task
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Plan        *string    `json:"plan,omitempty"`
	IsPlanning  bool       `json:"is_planning"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskAttempt is the API representation of a task attempt
type TaskAttempt struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionProcess is the API representation of an execution process.
// ExecutorAction carries the full serialized chain.
type ExecutionProcess struct {
	ID             string                    `json:"id"`
	TaskAttemptID  string                    `json:"task_attempt_id"`
	RunReason      ExecutionProcessRunReason `json:"run_reason"`
	ExecutorAction json.RawMessage           `json:"executor_action"`
	Status         ExecutionProcessStatus    `json:"status"`
	ExitCode       *int64                    `json:"exit_code,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
}

// ApprovalRequest is the API representation of a tool approval request
type ApprovalRequest struct {
	ID                 string         `json:"id"`
	ExecutionProcessID string         `json:"execution_process_id"`
	ToolName           string         `json:"tool_name"`
	Status             ApprovalStatus `json:"status"`
	Plan               *string        `json:"plan,omitempty"`
	DenialReason       *string        `json:"denial_reason,omitempty"`
	RequestedAt        time.Time      `json:"requested_at"`
	RespondedAt        *time.Time     `json:"responded_at,omitempty"`
}

// ApprovalResponse is the body accepted by the respond endpoint
type ApprovalResponse struct {
	Status ApprovalStatus `json:"status" binding:"required"`
	Reason *string        `json:"reason,omitempty"`
}

// ApprovalResult is returned by the respond endpoint
type ApprovalResult struct {
	ApprovalID        string         `json:"approval_id"`
	Status            ApprovalStatus `json:"status"`
	FollowUpProcessID *string        `json:"follow_up_process_id,omitempty"`
	ResumeError       *ResumeFailure `json:"resume_error,omitempty"`
}

// ResumeFailure tells why an approved plan did not start its follow-up.
type ResumeFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
