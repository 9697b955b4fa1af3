package api

import (
	"encoding/json"

	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// StartExecutionRequest starts the head of a serialized executor action chain.
type StartExecutionRequest struct {
	ExecutorAction json.RawMessage              `json:"executor_action" binding:"required"`
	RunReason      v1.ExecutionProcessRunReason `json:"run_reason"`
}

// KillExecutionResponse acknowledges a kill request.
type KillExecutionResponse struct {
	ExecutionProcessID string `json:"execution_process_id"`
	Message            string `json:"message"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	EventBus string `json:"event_bus"`
}
