package models

import "strings"

// Title and description given to auto-created planning conversations.
const (
	PlanningTaskTitle       = "Planning Conversation"
	PlanningTaskDescription = "Auto-generated planning chat session for the Conversation tab."
)

// IsPlanningTask reports whether t is an auto-created planning conversation.
func IsPlanningTask(t *Task) bool {
	if t == nil {
		return false
	}
	return strings.TrimSpace(t.Title) == PlanningTaskTitle &&
		strings.TrimSpace(t.Description) == PlanningTaskDescription
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
