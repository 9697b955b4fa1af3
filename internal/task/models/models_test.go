package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyon/anyon/internal/agent/actions"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

func TestIsPlanningTask(t *testing.T) {
	assert.True(t, IsPlanningTask(&Task{Title: PlanningTaskTitle, Description: PlanningTaskDescription}))
	assert.True(t, IsPlanningTask(&Task{Title: " " + PlanningTaskTitle + "\n", Description: PlanningTaskDescription}))
	assert.False(t, IsPlanningTask(&Task{Title: PlanningTaskTitle, Description: "something else"}))
	assert.False(t, IsPlanningTask(nil))
}

func TestExecutionProcessToAPI(t *testing.T) {
	action := actions.New(actions.CodingAgentInitialRequest{Prompt: "hi", ExecutorProfileID: actions.NewProfileID("CODEX", "")}, nil)
	p := &ExecutionProcess{
		ID:            "p-1",
		TaskAttemptID: "a-1",
		RunReason:     v1.RunReasonCodingAgent,
		Action:        action,
		Status:        v1.ExecutionProcessStatusRunning,
	}

	api := p.ToAPI()
	assert.Equal(t, "p-1", api.ID)
	require.NotEmpty(t, api.ExecutorAction)

	decoded, err := actions.Decode(api.ExecutorAction)
	require.NoError(t, err)
	assert.Equal(t, "hi", decoded.Prompt())
	assert.True(t, p.IsRunning())
}

func TestExecutionProcessJSON(t *testing.T) {
	p := &ExecutionProcess{
		ID:     "p-1",
		Action: actions.New(actions.ScriptRequest{Script: "ls"}, nil),
		Status: v1.ExecutionProcessStatusCompleted,
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var out ExecutionProcess
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, actions.KindScriptRequest, out.Action.Head().Kind())
	assert.False(t, out.IsRunning())
}

func TestStrPtr(t *testing.T) {
	assert.Nil(t, StrPtr(""))
	assert.Equal(t, "x", *StrPtr("x"))
}

func TestTaskToAPIFlagsPlanningConversation(t *testing.T) {
	planning := &Task{ID: "t-1", Title: PlanningTaskTitle, Description: PlanningTaskDescription, Status: v1.TaskStatusPlan}
	assert.True(t, planning.ToAPI().IsPlanning)

	regular := &Task{ID: "t-2", Title: "Fix login", Status: v1.TaskStatusTodo}
	assert.False(t, regular.ToAPI().IsPlanning)
}
