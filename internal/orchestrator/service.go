// Package orchestrator applies the approval policy: it resolves approvals
// and, when an agent's plan is approved, commits the plan to its task and
// resumes the agent session with a follow-up that executes it.
package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/analytics"
	"github.com/anyon/anyon/internal/approvals"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/common/tracing"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
	"github.com/anyon/anyon/internal/task/models"
	"github.com/anyon/anyon/internal/task/repository"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// PlanPromptPrefix starts the follow-up prompt that executes an approved plan.
const PlanPromptPrefix = "Execute the following plan:\n\n"

// Store is the task persistence the orchestrator needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTaskAttempt(ctx context.Context, id string) (*models.TaskAttempt, error)
	LoadExecutionContext(ctx context.Context, processID string) (*models.ExecutionContext, error)
	CommitPlan(ctx context.Context, taskID, plan string) (*repository.PlanCommit, error)
	RevertPlan(ctx context.Context, commit *repository.PlanCommit) (bool, error)
}

// ApprovalGate resolves approval requests.
type ApprovalGate interface {
	Respond(ctx context.Context, approvalID string, resp v1.ApprovalResponse) (v1.ApprovalStatus, *approvals.Context, error)
	Get(ctx context.Context, approvalID string) (*models.ApprovalRequest, error)
}

// ExecutionService starts and reads execution processes.
type ExecutionService interface {
	StartExecution(ctx context.Context, attemptID string, action *actions.ExecutorAction, runReason v1.ExecutionProcessRunReason) (*models.ExecutionProcess, error)
	KillExecution(ctx context.Context, processID string) error
	GetExecutionProcess(ctx context.Context, processID string) (*models.ExecutionProcess, error)
	ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error)
}

// SessionLookup finds the agent session an execution process ran in.
type SessionLookup interface {
	LookupSession(ctx context.Context, processID string) (string, bool, error)
}

// Service is the orchestrator entry point.
type Service struct {
	store      Store
	approvals  ApprovalGate
	executions ExecutionService
	sessions   SessionLookup
	tracker    analytics.Tracker
	eventBus   bus.EventBus
	metrics    *Metrics
	cfg        config.OrchestratorConfig
	logger     *logger.Logger
}

// NewService creates the orchestrator.
func NewService(
	store Store,
	gate ApprovalGate,
	executions ExecutionService,
	sessions SessionLookup,
	tracker analytics.Tracker,
	eventBus bus.EventBus,
	metrics *Metrics,
	cfg config.OrchestratorConfig,
	log *logger.Logger,
) *Service {
	if tracker == nil {
		tracker = analytics.NoopTracker{}
	}
	return &Service{
		store:      store,
		approvals:  gate,
		executions: executions,
		sessions:   sessions,
		tracker:    tracker,
		eventBus:   eventBus,
		metrics:    metrics,
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
	}
}

// RespondResult is the outcome of RespondToApproval.
type RespondResult struct {
	Status v1.ApprovalStatus
	// FollowUp is the execution started for an approved plan.
	FollowUp *models.ExecutionProcess
	// ResumeErr is set when an approved plan could not be resumed. The
	// approval stays recorded and ResumePlan retries the resumption.
	ResumeErr error
}

// RespondToApproval resolves an approval and applies the plan-exit policy.
// The decision is final once recorded: orchestration failures after it are
// reported in the result, not as an error.
func (s *Service) RespondToApproval(ctx context.Context, approvalID string, resp v1.ApprovalResponse) (*RespondResult, error) {
	ctx, span := tracing.TraceApprovalResponse(ctx, approvalID, string(resp.Status))

	status, actx, err := s.approvals.Respond(ctx, approvalID, resp)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	s.metrics.ApprovalResponded(status)

	s.tracker.Track(ctx, analytics.EventApprovalResponded, map[string]interface{}{
		"approval_id":          approvalID,
		"status":               status.Label(),
		"tool_name":            actx.ToolName,
		"execution_process_id": actx.ExecutionProcessID,
	})

	result := &RespondResult{Status: status}
	if status == v1.ApprovalStatusApproved && actx.ToolName == s.cfg.PlanToolName {
		result.FollowUp, result.ResumeErr = s.resumePlan(ctx, approvalID, actx)
		if result.ResumeErr != nil {
			s.logger.WithApprovalID(approvalID).WithProcessID(actx.ExecutionProcessID).
				Error("failed to resume approved plan", zap.Error(result.ResumeErr))
		}
	}

	tracing.EndSpan(span, nil)
	return result, nil
}

// ResumePlan re-applies the plan-exit policy for an approved plan approval,
// for instance after the follow-up failed to start because the attempt was
// busy. Re-committing the same plan is harmless.
func (s *Service) ResumePlan(ctx context.Context, approvalID string) (*models.ExecutionProcess, error) {
	approval, err := s.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.ToolName != s.cfg.PlanToolName {
		return nil, errors.BadRequest("approval " + approvalID + " is not a plan approval")
	}
	if approval.Status != v1.ApprovalStatusApproved {
		return nil, errors.Conflict("approval " + approvalID + " is " + string(approval.Status) + ", not approved")
	}

	process, err := s.resumePlan(ctx, approvalID, &approvals.Context{
		ToolName:           approval.ToolName,
		ExecutionProcessID: approval.ExecutionProcessID,
		Plan:               approval.Plan,
	})
	if err != nil {
		return nil, err
	}
	if process == nil {
		return nil, errors.BadRequest("approval " + approvalID + " carries no plan")
	}
	return process, nil
}

// resumePlan commits the approved plan and starts the follow-up. It returns
// nil without error when the approval carried no plan.
func (s *Service) resumePlan(ctx context.Context, approvalID string, actx *approvals.Context) (process *models.ExecutionProcess, err error) {
	log := s.logger.WithApprovalID(approvalID).WithProcessID(actx.ExecutionProcessID)

	if actx.Plan == nil {
		log.Error("plan approved but no plan text was provided")
		s.metrics.PlanResumed(ResumeNoPlan)
		return nil, nil
	}
	plan := *actx.Plan

	ctx, span := tracing.TracePlanResume(ctx, actx.ExecutionProcessID)
	var attemptID string
	defer func() {
		tracing.EndSpan(span, err)
		if err != nil {
			s.resumeFailed(ctx, approvalID, actx.ExecutionProcessID, attemptID, err)
		}
	}()

	ectx, err := s.store.LoadExecutionContext(ctx, actx.ExecutionProcessID)
	if err != nil {
		return nil, err
	}
	attemptID = ectx.TaskAttempt.ID
	log = log.WithAttemptID(attemptID).WithTaskID(ectx.Task.ID)

	commit, err := s.store.CommitPlan(ctx, ectx.Task.ID, plan)
	if err != nil {
		return nil, err
	}
	log.Info("saved approved plan",
		zap.String("status", string(commit.Status)))
	if commit.StatusChanged() {
		log.Info("task moved to in progress",
			zap.String("previous_status", string(commit.PreviousStatus)))
	}
	s.publishTaskUpdated(ctx, attemptID, commit)

	action := ectx.ExecutionProcess.Action
	if action == nil {
		return nil, errors.InternalError("execution process "+actx.ExecutionProcessID+" has no executor action", nil)
	}
	profile, err := action.ExecutorProfile()
	if err != nil {
		return nil, err
	}

	sessionID, ok, err := s.sessions.LookupSession(ctx, actx.ExecutionProcessID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NoSessionFound(actx.ExecutionProcessID)
	}

	followUp := action.ReplaceHead(actions.CodingAgentFollowUpRequest{
		Prompt:            PlanPromptPrefix + plan,
		SessionID:         sessionID,
		ExecutorProfileID: profile.ToDefaultVariant(),
	})

	process, err = s.executions.StartExecution(ctx, attemptID, followUp, v1.RunReasonCodingAgent)
	if err != nil {
		s.applyFailurePolicy(ctx, commit, err, log)
		return nil, err
	}

	s.metrics.PlanResumed(ResumeStarted)
	log.Info("started plan execution",
		zap.String("follow_up_process_id", process.ID))
	return process, nil
}

// applyFailurePolicy optionally restores the task when the follow-up could
// not start. A busy attempt always keeps the commit so the plan can be
// resumed once the attempt is free.
func (s *Service) applyFailurePolicy(ctx context.Context, commit *repository.PlanCommit, startErr error, log *logger.Logger) {
	if errors.IsAttemptBusy(startErr) || s.cfg.ResumeFailurePolicy != config.ResumeFailureRevert {
		return
	}

	reverted, err := s.store.RevertPlan(ctx, commit)
	switch {
	case err != nil:
		log.Error("failed to revert plan commit", zap.Error(err))
	case reverted:
		log.Info("reverted plan commit")
	default:
		log.Warn("task changed since the plan commit, keeping it")
	}
}

func (s *Service) resumeFailed(ctx context.Context, approvalID, processID, attemptID string, err error) {
	code := errors.AsAppError(err).Code
	s.metrics.PlanResumed(strings.ToLower(code))

	if attemptID == "" {
		return
	}
	s.publish(ctx, events.PlanResumeFailed, attemptID, map[string]interface{}{
		"approval_id":          approvalID,
		"execution_process_id": processID,
		"task_attempt_id":      attemptID,
		"code":                 code,
		"error":                err.Error(),
	})
}

func (s *Service) publishTaskUpdated(ctx context.Context, attemptID string, commit *repository.PlanCommit) {
	s.publish(ctx, events.TaskUpdated, attemptID, map[string]interface{}{
		"task_id":         commit.TaskID,
		"task_attempt_id": attemptID,
		"status":          string(commit.Status),
		"previous_status": string(commit.PreviousStatus),
		"plan":            commit.Plan,
	})
}

func (s *Service) publish(ctx context.Context, eventType, attemptID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, events.SourceOrchestrator, data)
	if err := s.eventBus.Publish(ctx, events.BuildAttemptSubject(eventType, attemptID), event); err != nil {
		s.logger.WithAttemptID(attemptID).Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// GetTask returns a task by ID
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetTaskAttempt returns a task attempt by ID
func (s *Service) GetTaskAttempt(ctx context.Context, attemptID string) (*models.TaskAttempt, error) {
	return s.store.GetTaskAttempt(ctx, attemptID)
}

// GetExecutionProcess returns an execution process by ID
func (s *Service) GetExecutionProcess(ctx context.Context, processID string) (*models.ExecutionProcess, error) {
	return s.executions.GetExecutionProcess(ctx, processID)
}

// ListExecutionProcesses returns the execution processes of an attempt
func (s *Service) ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error) {
	if _, err := s.store.GetTaskAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return s.executions.ListExecutionProcesses(ctx, attemptID)
}

// GetApproval returns an approval by ID
func (s *Service) GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	return s.approvals.Get(ctx, approvalID)
}

// KillExecution stops a running execution process
func (s *Service) KillExecution(ctx context.Context, processID string) error {
	return s.executions.KillExecution(ctx, processID)
}

// StartExecution starts the head of action on an existing attempt
func (s *Service) StartExecution(ctx context.Context, attemptID string, action *actions.ExecutorAction, runReason v1.ExecutionProcessRunReason) (*models.ExecutionProcess, error) {
	if _, err := s.store.GetTaskAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return s.executions.StartExecution(ctx, attemptID, action, runReason)
}
