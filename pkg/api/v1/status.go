// Package v1 holds the wire-level enums and response types of the anyon API.
package v1

// TaskStatus represents where a task sits on the board
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusPlan       TaskStatus = "plan"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusInReview   TaskStatus = "inreview"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusPlan, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

// AllowsPlan reports whether a plan may be stored on a task with this status.
// Plans exist only once a task has reached the planning stage.
func (s TaskStatus) AllowsPlan() bool {
	return s.Valid() && s != TaskStatusTodo
}

// ExecutionProcessStatus is the lifecycle state of one execution process
type ExecutionProcessStatus string

const (
	ExecutionProcessStatusRunning   ExecutionProcessStatus = "running"
	ExecutionProcessStatusCompleted ExecutionProcessStatus = "completed"
	ExecutionProcessStatusFailed    ExecutionProcessStatus = "failed"
	ExecutionProcessStatusKilled    ExecutionProcessStatus = "killed"
)

// IsTerminal returns true once the process has stopped for good.
func (s ExecutionProcessStatus) IsTerminal() bool {
	return s == ExecutionProcessStatusCompleted ||
		s == ExecutionProcessStatusFailed ||
		s == ExecutionProcessStatusKilled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s ExecutionProcessStatus) CanTransitionTo(target ExecutionProcessStatus) bool {
	switch s {
	case ExecutionProcessStatusRunning:
		return target.IsTerminal()
	default:
		return false
	}
}

// ExecutionProcessRunReason explains why an execution process was started
type ExecutionProcessRunReason string

const (
	RunReasonCodingAgent   ExecutionProcessRunReason = "codingagent"
	RunReasonSetupScript   ExecutionProcessRunReason = "setupscript"
	RunReasonCleanupScript ExecutionProcessRunReason = "cleanupscript"
	RunReasonDevServer     ExecutionProcessRunReason = "devserver"
)

// Valid reports whether r is a known run reason.
func (r ExecutionProcessRunReason) Valid() bool {
	switch r {
	case RunReasonCodingAgent, RunReasonSetupScript, RunReasonCleanupScript, RunReasonDevServer:
		return true
	}
	return false
}

// ApprovalStatus is the state of a tool approval request
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// CanTransitionTo returns true if the status can transition to the target status.
// Only pending approvals move, and only once.
func (s ApprovalStatus) CanTransitionTo(target ApprovalStatus) bool {
	return s == ApprovalStatusPending &&
		(target == ApprovalStatusApproved || target == ApprovalStatusDenied)
}

// IsDecision reports whether s is a valid response to a pending approval.
func (s ApprovalStatus) IsDecision() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusDenied
}

// Label is the capitalized form used in analytics payloads.
func (s ApprovalStatus) Label() string {
	switch s {
	case ApprovalStatusPending:
		return "Pending"
	case ApprovalStatusApproved:
		return "Approved"
	case ApprovalStatusDenied:
		return "Denied"
	}
	return string(s)
}
