// Package approvals implements the approval gate: running execution
// processes pause on a pending request until it is approved or denied.
package approvals

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// maxConcurrentCancels bounds the writes issued by CancelPending.
const maxConcurrentCancels = 4

// Store is the persistence the gate needs.
type Store interface {
	GetExecutionProcess(ctx context.Context, id string) (*models.ExecutionProcess, error)
	CreateApproval(ctx context.Context, approval *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, processID string) ([]*models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, status v1.ApprovalStatus, reason *string) (bool, error)
}

// Context is what a resolved approval was about.
type Context struct {
	ToolName           string
	ExecutionProcessID string
	Plan               *string
}

// Service manages approval requests.
type Service struct {
	store    Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates an approval gate.
func NewService(store Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithComponent("approvals"),
	}
}

// RequestApproval records a pending approval for a running process.
func (s *Service) RequestApproval(ctx context.Context, processID, toolName string, plan *string) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(toolName) == "" {
		return nil, errors.ValidationError("tool_name", "is required")
	}

	process, err := s.store.GetExecutionProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if !process.IsRunning() {
		return nil, errors.ProcessNotRunning(processID, string(process.Status))
	}

	approval := &models.ApprovalRequest{
		ExecutionProcessID: processID,
		ToolName:           toolName,
		Plan:               plan,
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}

	s.logger.WithApprovalID(approval.ID).WithProcessID(processID).Info("approval requested",
		zap.String("tool_name", toolName))
	s.publish(ctx, events.ApprovalRequested, process.TaskAttemptID, approval)
	return approval, nil
}

// Respond resolves a pending approval. It fails with NOT_FOUND for unknown
// ids and ALREADY_RESOLVED once another response won.
func (s *Service) Respond(ctx context.Context, approvalID string, resp v1.ApprovalResponse) (v1.ApprovalStatus, *Context, error) {
	if !resp.Status.IsDecision() {
		return "", nil, errors.ValidationError("status", "must be approved or denied")
	}

	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", nil, err
	}
	if approval.Status != v1.ApprovalStatusPending {
		return "", nil, errors.AlreadyResolved(approvalID, string(approval.Status))
	}

	var reason *string
	if resp.Status == v1.ApprovalStatusDenied {
		reason = resp.Reason
	}
	written, err := s.store.ResolveApproval(ctx, approvalID, resp.Status, reason)
	if err != nil {
		return "", nil, err
	}
	if !written {
		current, err := s.store.GetApproval(ctx, approvalID)
		if err != nil {
			return "", nil, err
		}
		return "", nil, errors.AlreadyResolved(approvalID, string(current.Status))
	}

	s.logger.WithApprovalID(approvalID).Info("approval resolved",
		zap.String("status", string(resp.Status)),
		zap.String("tool_name", approval.ToolName))

	approval.Status = resp.Status
	approval.DenialReason = reason
	s.publishForProcess(ctx, events.ApprovalResponded, approval)

	return resp.Status, &Context{
		ToolName:           approval.ToolName,
		ExecutionProcessID: approval.ExecutionProcessID,
		Plan:               approval.Plan,
	}, nil
}

// CancelPending denies every pending approval of a process with reason and
// returns how many were still pending.
func (s *Service) CancelPending(ctx context.Context, processID, reason string) (int, error) {
	pending, err := s.store.ListPendingApprovals(ctx, processID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var cancelled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCancels)
	for _, approval := range pending {
		g.Go(func() error {
			written, err := s.store.ResolveApproval(gctx, approval.ID, v1.ApprovalStatusDenied, &reason)
			if err != nil {
				return err
			}
			if written {
				cancelled.Add(1)
				approval.Status = v1.ApprovalStatusDenied
				approval.DenialReason = &reason
				s.publishForProcess(gctx, events.ApprovalResponded, approval)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(cancelled.Load()), err
}

// Get returns an approval by ID
func (s *Service) Get(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, approvalID)
}

// ListPending returns the pending approvals of a process
func (s *Service) ListPending(ctx context.Context, processID string) ([]*models.ApprovalRequest, error) {
	return s.store.ListPendingApprovals(ctx, processID)
}

func (s *Service) publishForProcess(ctx context.Context, eventType string, approval *models.ApprovalRequest) {
	process, err := s.store.GetExecutionProcess(ctx, approval.ExecutionProcessID)
	if err != nil {
		s.logger.WithApprovalID(approval.ID).Warn("failed to load process for approval event",
			zap.Error(err))
		return
	}
	s.publish(ctx, eventType, process.TaskAttemptID, approval)
}

func (s *Service) publish(ctx context.Context, eventType, attemptID string, approval *models.ApprovalRequest) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"approval_id":          approval.ID,
		"execution_process_id": approval.ExecutionProcessID,
		"task_attempt_id":      attemptID,
		"tool_name":            approval.ToolName,
		"status":               string(approval.Status),
	}
	if approval.Plan != nil {
		data["plan"] = *approval.Plan
	}
	if approval.DenialReason != nil {
		data["denial_reason"] = *approval.DenialReason
	}

	event := bus.NewEvent(eventType, events.SourceApprovals, data)
	if err := s.eventBus.Publish(ctx, events.BuildAttemptSubject(eventType, attemptID), event); err != nil {
		s.logger.WithApprovalID(approval.ID).Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
