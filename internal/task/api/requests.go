package api

import v1 "github.com/anyon/anyon/pkg/api/v1"

// CreateTaskRequest seeds a task. Planning creates a planning conversation
// and ignores Title and Description.
type CreateTaskRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      v1.TaskStatus `json:"status"`
	Planning    bool          `json:"planning"`
}

// CreateTaskAttemptRequest seeds an attempt for a task.
type CreateTaskAttemptRequest struct {
	Branch string `json:"branch"`
}

// ExecutionProcessesResponse lists the execution processes of an attempt.
type ExecutionProcessesResponse struct {
	ExecutionProcesses []*v1.ExecutionProcess `json:"execution_processes"`
	Total              int                    `json:"total"`
}
