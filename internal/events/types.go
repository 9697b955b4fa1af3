// Package events provides event subjects and the bus provider for the anyon server.
package events

// Event types for execution processes
const (
	ExecutionStarted = "execution.started"
	ExecutionExited  = "execution.exited"
)

// Event types for executor sessions
const (
	ExecutorSessionReported = "executor_session.reported"
)

// Event types for approvals
const (
	ApprovalRequested = "approval.requested"
	ApprovalResponded = "approval.responded"
)

// Event types for tasks
const (
	TaskUpdated = "task.updated"
)

// Event types for plan resumption
const (
	PlanResumeFailed = "plan.resume_failed" // follow-up after an approved plan could not start
)

// Event types for analytics
const (
	AnalyticsEvent = "analytics.event"
)

// Source names stamped on published events.
const (
	SourceLifecycle    = "lifecycle"
	SourceApprovals    = "approvals"
	SourceOrchestrator = "orchestrator"
	SourceAnalytics    = "analytics"
)

// BuildAttemptSubject scopes an event type to a task attempt, e.g.
// "execution.started.<attemptID>".
func BuildAttemptSubject(eventType, attemptID string) string {
	return eventType + "." + attemptID
}

// BuildWildcardSubject subscribes to an event type across all attempts.
func BuildWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// AttemptSubjects lists every attempt-scoped event type.
func AttemptSubjects() []string {
	return []string{
		ExecutionStarted,
		ExecutionExited,
		ExecutorSessionReported,
		ApprovalRequested,
		ApprovalResponded,
		TaskUpdated,
		PlanResumeFailed,
	}
}
