package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/task/models"
	"github.com/anyon/anyon/internal/task/repository"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func setup(t *testing.T) (*Registry, string) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()

	task := &models.Task{Title: "t", Status: v1.TaskStatusPlan}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &models.TaskAttempt{TaskID: task.ID}
	require.NoError(t, repo.CreateTaskAttempt(ctx, attempt))
	p := &models.ExecutionProcess{
		TaskAttemptID: attempt.ID,
		RunReason:     v1.RunReasonCodingAgent,
		Action:        actions.New(actions.CodingAgentInitialRequest{Prompt: "p"}, nil),
	}
	require.NoError(t, repo.CreateRunningProcess(ctx, p, &models.ExecutorSession{Prompt: "p"}))

	return NewRegistry(repo, newTestLogger()), p.ID
}

func TestRecordAndLookup(t *testing.T) {
	reg, processID := setup(t)
	ctx := context.Background()

	_, ok, err := reg.LookupSession(ctx, processID)
	require.NoError(t, err)
	assert.False(t, ok, "no session before the agent reports one")

	require.NoError(t, reg.RecordSession(ctx, processID, "sess-1"))

	id, ok, err := reg.LookupSession(ctx, processID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", id)
}

func TestRecordSessionIdempotent(t *testing.T) {
	reg, processID := setup(t)
	ctx := context.Background()

	require.NoError(t, reg.RecordSession(ctx, processID, "sess-1"))
	require.NoError(t, reg.RecordSession(ctx, processID, "sess-1"))

	err := reg.RecordSession(ctx, processID, "sess-2")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSessionConflict))

	id, _, _ := reg.LookupSession(ctx, processID)
	assert.Equal(t, "sess-1", id, "first recorded session wins")
}

func TestRecordSessionRejectsEmpty(t *testing.T) {
	reg, processID := setup(t)
	err := reg.RecordSession(context.Background(), processID, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationError))
}

func TestUnknownProcess(t *testing.T) {
	reg, _ := setup(t)
	ctx := context.Background()

	_, ok, err := reg.LookupSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	err = reg.RecordSession(ctx, "missing", "sess")
	assert.True(t, errors.IsNotFound(err))
}
