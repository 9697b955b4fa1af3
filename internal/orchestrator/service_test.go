package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/agent/lifecycle"
	"github.com/anyon/anyon/internal/agent/registry"
	"github.com/anyon/anyon/internal/agent/session"
	"github.com/anyon/anyon/internal/analytics"
	"github.com/anyon/anyon/internal/approvals"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
	"github.com/anyon/anyon/internal/task/models"
	"github.com/anyon/anyon/internal/task/repository"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

const testPlan = "1. add the /login route\n2. write tests"

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type stubHandle struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	exit chan int64
	once sync.Once
}

func (h *stubHandle) Output() io.Reader          { return h.r }
func (h *stubHandle) Wait() (int64, error)       { return <-h.exit, nil }
func (h *stubHandle) Kill(context.Context) error { h.finish(137); return nil }

func (h *stubHandle) finish(code int64) {
	h.once.Do(func() {
		_ = h.w.Close()
		h.exit <- code
	})
}

type stubSpawner struct {
	mu      sync.Mutex
	reqs    []*lifecycle.SpawnRequest
	handles []*stubHandle
	failAt  int // 1-based spawn number that fails, 0 for none
}

func (s *stubSpawner) Spawn(ctx context.Context, req *lifecycle.SpawnRequest) (lifecycle.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt == len(s.reqs)+1 {
		s.failAt = 0
		return nil, fmt.Errorf("spawn refused")
	}
	r, w := io.Pipe()
	h := &stubHandle{r: r, w: w, exit: make(chan int64, 1)}
	go func() {
		<-ctx.Done()
		h.finish(-1)
	}()
	s.reqs = append(s.reqs, req)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *stubSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *stubSpawner) handle(i int) *stubHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

type recordingTracker struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *recordingTracker) Track(_ context.Context, name string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := map[string]interface{}{"event": name}
	for k, v := range props {
		copied[k] = v
	}
	r.events = append(r.events, copied)
}

type fixture struct {
	svc       *Service
	repo      *repository.MemoryRepository
	manager   *lifecycle.Manager
	approvals *approvals.Service
	sessions  *session.Registry
	spawner   *stubSpawner
	tracker   *recordingTracker
	bus       *bus.MemoryEventBus
	metrics   *Metrics
	task      *models.Task
	attempt   *models.TaskAttempt
}

func newFixture(t *testing.T, status v1.TaskStatus, policy string) *fixture {
	t.Helper()
	ctx := context.Background()
	log := newTestLogger()

	repo := repository.NewMemoryRepository()
	task := &models.Task{Title: "Add login", Status: status}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &models.TaskAttempt{TaskID: task.ID, Branch: "anyon/add-login"}
	require.NoError(t, repo.CreateTaskAttempt(ctx, attempt))

	profiles := registry.NewRegistry(log)
	require.NoError(t, profiles.LoadDefaults())

	eventBus := bus.NewMemoryEventBus(log)
	sessions := session.NewRegistry(repo, log)
	spawner := &stubSpawner{}
	manager := lifecycle.NewManager(repo, spawner, profiles, sessions, eventBus,
		config.ExecutorConfig{WorkspaceRoot: t.TempDir()}, log)
	gate := approvals.NewService(repo, eventBus, log)
	manager.SetApprovalGate(gate)
	metrics := MustNewMetrics(prometheus.NewRegistry())
	manager.SetObserver(metrics)
	tracker := &recordingTracker{}

	svc := NewService(repo, gate, manager, sessions, tracker, eventBus, metrics,
		config.OrchestratorConfig{PlanToolName: "ExitPlanMode", ResumeFailurePolicy: policy}, log)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Stop(stopCtx)
		eventBus.Close()
	})

	return &fixture{
		svc: svc, repo: repo, manager: manager, approvals: gate, sessions: sessions,
		spawner: spawner, tracker: tracker, bus: eventBus, metrics: metrics,
		task: task, attempt: attempt,
	}
}

func cleanupScript() actions.ScriptRequest {
	return actions.ScriptRequest{Script: "make lint", Language: actions.ScriptLanguageBash, Context: actions.ScriptContextCleanup}
}

func planningChain(withCleanup bool) *actions.ExecutorAction {
	var next *actions.ExecutorAction
	if withCleanup {
		next = actions.New(cleanupScript(), nil)
	}
	return actions.New(actions.CodingAgentInitialRequest{
		Prompt:            "plan the login feature",
		ExecutorProfileID: actions.NewProfileID("CLAUDE_CODE", "PLAN"),
	}, next)
}

func (f *fixture) waitForStatus(t *testing.T, processID string, status v1.ExecutionProcessStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := f.repo.GetExecutionProcess(context.Background(), processID)
		return err == nil && p.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

// runPlanning starts a planning process that reports sessionID (when set),
// asks for plan approval, and then exits successfully. Queued actions run to
// completion too, leaving the attempt idle.
func (f *fixture) runPlanning(t *testing.T, chain *actions.ExecutorAction, sessionID string, plan *string) (*models.ExecutionProcess, *models.ApprovalRequest) {
	t.Helper()
	ctx := context.Background()

	process, err := f.manager.StartExecution(ctx, f.attempt.ID, chain, v1.RunReasonCodingAgent)
	require.NoError(t, err)
	if sessionID != "" {
		require.NoError(t, f.sessions.RecordSession(ctx, process.ID, sessionID))
	}
	approval, err := f.approvals.RequestApproval(ctx, process.ID, "ExitPlanMode", plan)
	require.NoError(t, err)

	spawned := chain.Len()
	for i := 0; i < spawned; i++ {
		require.Eventually(t, func() bool { return f.spawner.count() > i }, 2*time.Second, 5*time.Millisecond)
		f.spawner.handle(i).finish(0)
	}
	f.waitForStatus(t, process.ID, v1.ExecutionProcessStatusCompleted)
	require.Eventually(t, func() bool {
		running, err := f.repo.GetRunningProcess(ctx, f.attempt.ID)
		return err == nil && running == nil
	}, 2*time.Second, 5*time.Millisecond)
	return process, approval
}

func (f *fixture) respond(t *testing.T, approvalID string) *RespondResult {
	t.Helper()
	result, err := f.svc.RespondToApproval(context.Background(), approvalID, v1.ApprovalResponse{Status: v1.ApprovalStatusApproved})
	require.NoError(t, err)
	return result
}

func (f *fixture) approve(t *testing.T, approvalID string) v1.ApprovalStatus {
	t.Helper()
	return f.respond(t, approvalID).Status
}

func (f *fixture) processes(t *testing.T) []*models.ExecutionProcess {
	t.Helper()
	list, err := f.svc.ListExecutionProcesses(context.Background(), f.attempt.ID)
	require.NoError(t, err)
	return list
}

func (f *fixture) reloadTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := f.svc.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) captureResumeFailures(t *testing.T) func() []*bus.Event {
	t.Helper()
	var (
		mu  sync.Mutex
		got []*bus.Event
	)
	_, err := f.bus.Subscribe(events.BuildAttemptSubject(events.PlanResumeFailed, f.attempt.ID), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*bus.Event(nil), got...)
	}
}

func strPtr(s string) *string { return &s }

func TestApprovedPlanMovesTaskAndStartsFollowUp(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	planning, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	result := f.respond(t, approval.ID)
	assert.Equal(t, v1.ApprovalStatusApproved, result.Status)
	require.NoError(t, result.ResumeErr)
	require.NotNil(t, result.FollowUp)

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.Plan)
	assert.Equal(t, testPlan, *task.Plan)

	list := f.processes(t)
	require.Len(t, list, 2)
	followUp := list[1]
	assert.Equal(t, result.FollowUp.ID, followUp.ID)
	assert.Equal(t, v1.ExecutionProcessStatusRunning, followUp.Status)
	assert.Equal(t, v1.RunReasonCodingAgent, followUp.RunReason)

	head, ok := followUp.Action.Head().(actions.CodingAgentFollowUpRequest)
	require.True(t, ok)
	assert.Equal(t, PlanPromptPrefix+testPlan, head.Prompt)
	assert.Equal(t, "sess-1", head.SessionID)
	assert.Equal(t, actions.NewProfileID("CLAUDE_CODE", ""), head.ExecutorProfileID, "plan variant is dropped")
	assert.False(t, followUp.Action.HasRest())

	f.tracker.mu.Lock()
	require.Len(t, f.tracker.events, 1)
	assert.Equal(t, map[string]interface{}{
		"event":                analytics.EventApprovalResponded,
		"approval_id":          approval.ID,
		"status":               "Approved",
		"tool_name":            "ExitPlanMode",
		"execution_process_id": planning.ID,
	}, f.tracker.events[0])
	f.tracker.mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.planResumptions.WithLabelValues(ResumeStarted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.approvalsResponded.WithLabelValues("approved")))
}

func TestFollowUpKeepsOriginalRemainder(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(true), "sess-1", strPtr(testPlan))

	f.approve(t, approval.ID)

	list := f.processes(t)
	require.Len(t, list, 3, "planning, cleanup, follow-up")
	followUp := list[2]
	assert.Equal(t, actions.KindCodingAgentFollowUpRequest, followUp.Action.Head().Kind())
	require.True(t, followUp.Action.HasRest())
	assert.Equal(t, cleanupScript(), followUp.Action.Rest().Head())
	assert.False(t, followUp.Action.Rest().HasRest())
}

func TestDoneTaskStaysDone(t *testing.T) {
	f := newFixture(t, v1.TaskStatusDone, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	f.approve(t, approval.ID)

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusDone, task.Status)
	require.NotNil(t, task.Plan)
	assert.Equal(t, testPlan, *task.Plan)
	assert.Len(t, f.processes(t), 2, "resumption is still attempted")
}

func TestNoSessionKeepsPartialCommit(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureRevert)
	failures := f.captureResumeFailures(t)
	_, approval := f.runPlanning(t, planningChain(false), "", strPtr(testPlan))

	result := f.respond(t, approval.ID)
	assert.Equal(t, v1.ApprovalStatusApproved, result.Status)
	assert.Nil(t, result.FollowUp)
	assert.True(t, errors.HasCode(result.ResumeErr, errors.ErrCodeNoSessionFound))

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.Plan)
	assert.Len(t, f.processes(t), 1, "no follow-up without a session")

	got := failures()
	require.Len(t, got, 1)
	assert.Equal(t, errors.ErrCodeNoSessionFound, got[0].String("code"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.planResumptions.WithLabelValues("no_session_found")))
}

func TestScriptProcessIsNotACodingAgent(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	failures := f.captureResumeFailures(t)
	_, approval := f.runPlanning(t, actions.New(cleanupScript(), nil), "", strPtr(testPlan))

	f.approve(t, approval.ID)

	assert.Equal(t, v1.TaskStatusInProgress, f.reloadTask(t).Status)
	got := failures()
	require.Len(t, got, 1)
	assert.Equal(t, errors.ErrCodeNotCodingAgent, got[0].String("code"))
}

func TestBusyAttemptKeepsCommitAndCanResume(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureRevert)
	failures := f.captureResumeFailures(t)
	ctx := context.Background()

	planning, err := f.manager.StartExecution(ctx, f.attempt.ID, planningChain(false), v1.RunReasonCodingAgent)
	require.NoError(t, err)
	require.NoError(t, f.sessions.RecordSession(ctx, planning.ID, "sess-1"))
	approval, err := f.approvals.RequestApproval(ctx, planning.ID, "ExitPlanMode", strPtr(testPlan))
	require.NoError(t, err)

	// The planning agent is still running when the plan is approved.
	result := f.respond(t, approval.ID)
	assert.Equal(t, v1.ApprovalStatusApproved, result.Status)
	assert.True(t, errors.IsAttemptBusy(result.ResumeErr))

	assert.Equal(t, v1.TaskStatusInProgress, f.reloadTask(t).Status, "busy attempts never revert")
	got := failures()
	require.Len(t, got, 1)
	assert.Equal(t, errors.ErrCodeAttemptBusy, got[0].String("code"))

	f.spawner.handle(0).finish(0)
	f.waitForStatus(t, planning.ID, v1.ExecutionProcessStatusCompleted)

	followUp, err := f.svc.ResumePlan(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.KindCodingAgentFollowUpRequest, followUp.Action.Head().Kind())
	assert.Len(t, f.processes(t), 2)
}

func TestStartFailureRevertPolicy(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureRevert)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	f.spawner.mu.Lock()
	f.spawner.failAt = 2
	f.spawner.mu.Unlock()
	assert.Equal(t, v1.ApprovalStatusApproved, f.approve(t, approval.ID))

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusPlan, task.Status)
	assert.Nil(t, task.Plan)

	stored, err := f.svc.GetApproval(context.Background(), approval.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ApprovalStatusApproved, stored.Status, "the decision is never rolled back")
}

func TestStartFailureKeepPolicy(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	f.spawner.mu.Lock()
	f.spawner.failAt = 2
	f.spawner.mu.Unlock()
	f.approve(t, approval.ID)

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.Plan)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.planResumptions.WithLabelValues("internal_error")))
}

func TestDeniedPlanChangesNothing(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	result, err := f.svc.RespondToApproval(context.Background(), approval.ID,
		v1.ApprovalResponse{Status: v1.ApprovalStatusDenied, Reason: strPtr("needs tests first")})
	require.NoError(t, err)
	assert.Equal(t, v1.ApprovalStatusDenied, result.Status)
	assert.Nil(t, result.FollowUp)
	assert.NoError(t, result.ResumeErr)

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusPlan, task.Status)
	assert.Nil(t, task.Plan)
	assert.Len(t, f.processes(t), 1)

	f.tracker.mu.Lock()
	require.Len(t, f.tracker.events, 1, "denials are tracked too")
	assert.Equal(t, "Denied", f.tracker.events[0]["status"])
	f.tracker.mu.Unlock()
}

func TestOtherToolApprovalEndsAfterRespond(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	ctx := context.Background()

	process, err := f.manager.StartExecution(ctx, f.attempt.ID, planningChain(false), v1.RunReasonCodingAgent)
	require.NoError(t, err)
	approval, err := f.approvals.RequestApproval(ctx, process.ID, "Bash", strPtr("rm -rf build"))
	require.NoError(t, err)

	f.approve(t, approval.ID)
	assert.Nil(t, f.reloadTask(t).Plan)
	assert.Len(t, f.processes(t), 1)
}

func TestApprovedPlanWithoutText(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", nil)

	assert.Equal(t, v1.ApprovalStatusApproved, f.approve(t, approval.ID))
	assert.Equal(t, v1.TaskStatusPlan, f.reloadTask(t).Status)
	assert.Len(t, f.processes(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.planResumptions.WithLabelValues(ResumeNoPlan)))

	_, err := f.svc.ResumePlan(context.Background(), approval.ID)
	assert.True(t, errors.IsBadRequest(err))
}

func TestApprovedBlankPlanIsStillResumed(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	blank := "  \n"
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", &blank)

	result := f.respond(t, approval.ID)
	require.NoError(t, result.ResumeErr)
	require.NotNil(t, result.FollowUp)

	task := f.reloadTask(t)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.Plan)
	assert.Equal(t, blank, *task.Plan)

	head, ok := result.FollowUp.Action.Head().(actions.CodingAgentFollowUpRequest)
	require.True(t, ok)
	assert.Equal(t, PlanPromptPrefix+blank, head.Prompt)
	assert.Zero(t, testutil.ToFloat64(f.metrics.planResumptions.WithLabelValues(ResumeNoPlan)))
}

func TestRespondIsIdempotent(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))

	f.approve(t, approval.ID)
	_, err := f.svc.RespondToApproval(context.Background(), approval.ID, v1.ApprovalResponse{Status: v1.ApprovalStatusApproved})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyResolved))

	assert.Len(t, f.processes(t), 2, "exactly one follow-up")
	f.tracker.mu.Lock()
	assert.Len(t, f.tracker.events, 1)
	f.tracker.mu.Unlock()
}

func TestRespondUnknownApproval(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, err := f.svc.RespondToApproval(context.Background(), "missing", v1.ApprovalResponse{Status: v1.ApprovalStatusApproved})
	assert.True(t, errors.IsNotFound(err))
}

func TestResumePlanRequiresApprovedPlan(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	ctx := context.Background()

	process, err := f.manager.StartExecution(ctx, f.attempt.ID, planningChain(false), v1.RunReasonCodingAgent)
	require.NoError(t, err)
	pending, err := f.approvals.RequestApproval(ctx, process.ID, "ExitPlanMode", strPtr(testPlan))
	require.NoError(t, err)
	other, err := f.approvals.RequestApproval(ctx, process.ID, "Bash", nil)
	require.NoError(t, err)

	_, err = f.svc.ResumePlan(ctx, pending.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	_, err = f.svc.ResumePlan(ctx, other.ID)
	assert.True(t, errors.IsBadRequest(err))

	_, err = f.svc.ResumePlan(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestTaskUpdatedPublished(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	var got *bus.Event
	_, err := f.bus.Subscribe(events.BuildWildcardSubject(events.TaskUpdated), func(_ context.Context, e *bus.Event) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	_, approval := f.runPlanning(t, planningChain(false), "sess-1", strPtr(testPlan))
	f.approve(t, approval.ID)

	require.NotNil(t, got)
	assert.Equal(t, string(v1.TaskStatusInProgress), got.String("status"))
	assert.Equal(t, string(v1.TaskStatusPlan), got.String("previous_status"))
	assert.Equal(t, f.task.ID, got.String("task_id"))
}

func TestListExecutionProcessesUnknownAttempt(t *testing.T) {
	f := newFixture(t, v1.TaskStatusPlan, config.ResumeFailureKeep)
	_, err := f.svc.ListExecutionProcesses(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}
