// Package lifecycle runs execution processes for the head of an action
// chain, tracks them until they exit, and advances the chain on success.
package lifecycle

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/agent/registry"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/common/tracing"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// Chain advance outcomes reported to the Observer.
const (
	AdvanceStarted = "started"
	AdvanceFailed  = "failed"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateRunningProcess(ctx context.Context, process *models.ExecutionProcess, session *models.ExecutorSession) error
	GetExecutionProcess(ctx context.Context, id string) (*models.ExecutionProcess, error)
	ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error)
	GetRunningProcess(ctx context.Context, attemptID string) (*models.ExecutionProcess, error)
	CompleteExecutionProcess(ctx context.Context, id string, status v1.ExecutionProcessStatus, exitCode *int64) (*models.ExecutionProcess, error)
}

// ProfileResolver resolves executor profiles into command lines.
type ProfileResolver interface {
	Resolve(id actions.ExecutorProfileID) (*registry.Profile, error)
}

// SessionRecorder records the agent session reported by a process.
type SessionRecorder interface {
	RecordSession(ctx context.Context, processID, sessionID string) error
}

// ApprovalGate receives approval requests raised by running processes.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, processID, toolName string, plan *string) (*models.ApprovalRequest, error)
	CancelPending(ctx context.Context, processID, reason string) (int, error)
}

// Observer is notified of lifecycle transitions, typically for metrics.
type Observer interface {
	ExecutionStarted()
	ExecutionExited(status v1.ExecutionProcessStatus)
	ChainAdvanced(outcome string)
}

// ExitOutcome is the terminal state a process exited with.
type ExitOutcome struct {
	Status   v1.ExecutionProcessStatus
	ExitCode *int64
}

// Manager is the container service: it starts execution processes and
// records their exits.
type Manager struct {
	store     Store
	spawner   Spawner
	profiles  ProfileResolver
	sessions  SessionRecorder
	eventBus  bus.EventBus
	approvals ApprovalGate
	observer  Observer
	logger    *logger.Logger

	workspaceRoot string

	locks *attemptLocks

	// Track live processes by execution process ID
	running map[string]*runningProcess
	mu      sync.Mutex

	// ctx outlives the requests that start processes
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
	wg       sync.WaitGroup
}

// NewManager creates a new container service
func NewManager(
	store Store,
	spawner Spawner,
	profiles ProfileResolver,
	sessions SessionRecorder,
	eventBus bus.EventBus,
	cfg config.ExecutorConfig,
	log *logger.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         store,
		spawner:       spawner,
		profiles:      profiles,
		sessions:      sessions,
		eventBus:      eventBus,
		observer:      noopObserver{},
		logger:        log.WithComponent("container-service"),
		workspaceRoot: expandHome(cfg.WorkspaceRoot),
		locks:         newAttemptLocks(),
		running:       make(map[string]*runningProcess),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetApprovalGate sets the gate that receives approval requests
func (m *Manager) SetApprovalGate(gate ApprovalGate) {
	m.approvals = gate
}

// SetObserver sets the lifecycle observer
func (m *Manager) SetObserver(observer Observer) {
	if observer == nil {
		observer = noopObserver{}
	}
	m.observer = observer
}

// Stop kills live processes and waits for their supervisors, or for ctx.
// Chains are not advanced once stopping.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping container service")

	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartExecution starts a process for the head of action on the attempt.
// It fails with ATTEMPT_BUSY while another process of the attempt runs.
func (m *Manager) StartExecution(ctx context.Context, attemptID string, action *actions.ExecutorAction, runReason v1.ExecutionProcessRunReason) (*models.ExecutionProcess, error) {
	unlock := m.locks.lock(attemptID)
	process, err := m.startLocked(ctx, attemptID, action, runReason)
	unlock()
	if err != nil {
		return nil, err
	}

	m.publishStarted(ctx, process)
	return process, nil
}

// startLocked must be called with the attempt lock held.
func (m *Manager) startLocked(ctx context.Context, attemptID string, action *actions.ExecutorAction, runReason v1.ExecutionProcessRunReason) (process *models.ExecutionProcess, err error) {
	if action == nil {
		return nil, errors.ValidationError("executor_action", "is required")
	}
	if !runReason.Valid() {
		return nil, errors.ValidationError("run_reason", "unknown run reason "+string(runReason))
	}
	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return nil, errors.ServiceUnavailable("container service")
	}

	ctx, span := tracing.TraceStartExecution(ctx, attemptID, string(action.Head().Kind()), string(runReason))
	defer func() { tracing.EndSpan(span, err) }()

	process = &models.ExecutionProcess{
		ID:            uuid.New().String(),
		TaskAttemptID: attemptID,
		RunReason:     runReason,
		Action:        action,
	}

	// Resolve before persisting so unknown executors never leave a record.
	req, err := m.buildSpawnRequest(process)
	if err != nil {
		return nil, err
	}

	var session *models.ExecutorSession
	if _, profileErr := action.ExecutorProfile(); profileErr == nil {
		session = &models.ExecutorSession{Prompt: action.Prompt()}
	}
	if err := m.store.CreateRunningProcess(ctx, process, session); err != nil {
		return nil, err
	}

	handle, err := m.spawner.Spawn(m.ctx, req)
	if err != nil {
		log := m.logger.WithProcessID(process.ID).WithAttemptID(attemptID)
		log.Error("failed to spawn execution process", zap.Error(err))
		if _, completeErr := m.store.CompleteExecutionProcess(ctx, process.ID, v1.ExecutionProcessStatusFailed, nil); completeErr != nil {
			log.Error("failed to mark unspawned process failed", zap.Error(completeErr))
		}
		return nil, errors.InternalError("failed to spawn execution process", err)
	}

	rp := &runningProcess{processID: process.ID, attemptID: attemptID, handle: handle}
	m.mu.Lock()
	m.running[process.ID] = rp
	m.mu.Unlock()
	m.observer.ExecutionStarted()

	m.wg.Add(1)
	go m.supervise(rp)

	m.logger.WithProcessID(process.ID).WithAttemptID(attemptID).Info("execution process started",
		zap.String("action_type", string(action.Head().Kind())),
		zap.String("run_reason", string(runReason)))
	return process, nil
}

func (m *Manager) buildSpawnRequest(process *models.ExecutionProcess) (*SpawnRequest, error) {
	req := &SpawnRequest{
		ExecutionProcessID: process.ID,
		TaskAttemptID:      process.TaskAttemptID,
		WorkDir:            filepath.Join(m.workspaceRoot, process.TaskAttemptID),
		Env: map[string]string{
			"ANYON_EXECUTION_PROCESS_ID": process.ID,
			"ANYON_TASK_ATTEMPT_ID":      process.TaskAttemptID,
		},
	}

	var (
		profileID actions.ExecutorProfileID
		sessionID string
	)
	switch t := process.Action.Head().(type) {
	case actions.CodingAgentInitialRequest:
		profileID = t.ExecutorProfileID
		req.Stdin = t.Prompt
	case actions.CodingAgentFollowUpRequest:
		profileID = t.ExecutorProfileID
		sessionID = t.SessionID
		req.Stdin = t.Prompt
	case actions.ScriptRequest:
		req.Command = append(t.Interpreter(), t.Script)
		return req, nil
	}

	profile, err := m.profiles.Resolve(profileID)
	if err != nil {
		return nil, err
	}
	req.Command = profile.Args(sessionID)
	req.Image = profile.Image
	for k, v := range profile.Env {
		req.Env[k] = v
	}
	return req, nil
}

// OnProcessExit records the terminal status of a running process. A
// completed process with queued actions starts the next one on the same
// attempt; failed and killed processes end the chain. Advance failures are
// logged and never retried.
func (m *Manager) OnProcessExit(ctx context.Context, processID string, outcome ExitOutcome) (*models.ExecutionProcess, error) {
	if !outcome.Status.IsTerminal() {
		return nil, errors.BadRequest("exit status must be terminal, got " + string(outcome.Status))
	}

	process, err := m.store.GetExecutionProcess(ctx, processID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceProcessExit(ctx, processID, string(outcome.Status))

	unlock := m.locks.lock(process.TaskAttemptID)
	completed, err := m.store.CompleteExecutionProcess(ctx, processID, outcome.Status, outcome.ExitCode)
	if err != nil {
		unlock()
		tracing.EndSpan(span, err)
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.running[processID]; ok {
		delete(m.running, processID)
		m.observer.ExecutionExited(completed.Status)
	}
	stopping := m.stopping
	m.mu.Unlock()

	var next *models.ExecutionProcess
	if completed.Status == v1.ExecutionProcessStatusCompleted && completed.Action != nil && completed.Action.HasRest() && !stopping {
		var advanceErr error
		next, advanceErr = m.startLocked(ctx, completed.TaskAttemptID, completed.Action.Rest(), completed.RunReason)
		if advanceErr != nil {
			m.observer.ChainAdvanced(AdvanceFailed)
			m.logger.WithProcessID(processID).WithAttemptID(completed.TaskAttemptID).Error("failed to advance action chain",
				zap.Error(advanceErr))
		} else {
			m.observer.ChainAdvanced(AdvanceStarted)
		}
	}
	unlock()
	tracing.EndSpan(span, nil)

	m.logger.WithProcessID(processID).Info("execution process exited",
		zap.String("status", string(completed.Status)))

	if completed.Status == v1.ExecutionProcessStatusKilled && m.approvals != nil {
		if n, err := m.approvals.CancelPending(ctx, processID, "execution process was killed"); err != nil {
			m.logger.WithProcessID(processID).Warn("failed to cancel pending approvals",
				zap.Error(err))
		} else if n > 0 {
			m.logger.WithProcessID(processID).Info("cancelled pending approvals",
				zap.Int("count", n))
		}
	}

	m.publishExited(ctx, completed)
	if next != nil {
		m.publishStarted(ctx, next)
	}
	return completed, nil
}

// KillExecution stops a running process. Its exit is recorded as killed.
func (m *Manager) KillExecution(ctx context.Context, processID string) error {
	process, err := m.store.GetExecutionProcess(ctx, processID)
	if err != nil {
		return err
	}
	if !process.IsRunning() {
		return errors.ProcessNotRunning(processID, string(process.Status))
	}

	m.mu.Lock()
	rp, ok := m.running[processID]
	m.mu.Unlock()
	if !ok {
		// Nothing supervises it, so record the kill directly.
		_, err := m.OnProcessExit(ctx, processID, ExitOutcome{Status: v1.ExecutionProcessStatusKilled})
		return err
	}

	m.logger.WithProcessID(processID).Info("killing execution process")
	rp.killed.Store(true)
	if err := rp.handle.Kill(ctx); err != nil {
		return errors.InternalError("failed to kill execution process", err)
	}
	return nil
}

// GetExecutionProcess returns an execution process by ID
func (m *Manager) GetExecutionProcess(ctx context.Context, processID string) (*models.ExecutionProcess, error) {
	return m.store.GetExecutionProcess(ctx, processID)
}

// ListExecutionProcesses returns the processes of an attempt, oldest first
func (m *Manager) ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error) {
	return m.store.ListExecutionProcesses(ctx, attemptID)
}

// RunningProcess returns the running process of an attempt, or nil.
func (m *Manager) RunningProcess(ctx context.Context, attemptID string) (*models.ExecutionProcess, error) {
	return m.store.GetRunningProcess(ctx, attemptID)
}

type executionEvent struct {
	eventType string
	attemptID string
	data      map[string]interface{}
}

func (m *Manager) publishStarted(ctx context.Context, process *models.ExecutionProcess) {
	m.publish(ctx, executionEvent{
		eventType: events.ExecutionStarted,
		attemptID: process.TaskAttemptID,
		data:      processEventData(process),
	})
}

func (m *Manager) publishExited(ctx context.Context, process *models.ExecutionProcess) {
	m.publish(ctx, executionEvent{
		eventType: events.ExecutionExited,
		attemptID: process.TaskAttemptID,
		data:      processEventData(process),
	})
}

func processEventData(process *models.ExecutionProcess) map[string]interface{} {
	data := map[string]interface{}{
		"execution_process_id": process.ID,
		"task_attempt_id":      process.TaskAttemptID,
		"run_reason":           string(process.RunReason),
		"status":               string(process.Status),
		"started_at":           process.StartedAt,
	}
	if process.Action != nil {
		data["action_type"] = string(process.Action.Head().Kind())
	}
	if process.ExitCode != nil {
		data["exit_code"] = *process.ExitCode
	}
	if process.CompletedAt != nil {
		data["completed_at"] = *process.CompletedAt
	}
	return data
}

// publish sends an attempt-scoped event on the bus
func (m *Manager) publish(ctx context.Context, ev executionEvent) {
	if m.eventBus == nil {
		return
	}

	subject := events.BuildAttemptSubject(ev.eventType, ev.attemptID)
	event := bus.NewEvent(ev.eventType, events.SourceLifecycle, ev.data)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.WithAttemptID(ev.attemptID).Error("failed to publish event",
			zap.String("event_type", ev.eventType),
			zap.Error(err))
	}
}

type noopObserver struct{}

func (noopObserver) ExecutionStarted()                         {}
func (noopObserver) ExecutionExited(v1.ExecutionProcessStatus) {}
func (noopObserver) ChainAdvanced(string)                      {}
