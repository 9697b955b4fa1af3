// Package session maps execution processes to the agent conversation they run in.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/task/models"
)

// Store is the persistence the registry needs.
type Store interface {
	SetSessionID(ctx context.Context, processID, sessionID string) (bool, error)
	GetExecutorSession(ctx context.Context, processID string) (*models.ExecutorSession, error)
}

// Registry records and looks up agent session ids.
type Registry struct {
	store  Store
	logger *logger.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithComponent("session-registry"),
	}
}

// RecordSession stores sessionID for the process. Recording the same id
// again is a no-op; a different id fails with SESSION_CONFLICT.
func (r *Registry) RecordSession(ctx context.Context, processID, sessionID string) error {
	if sessionID == "" {
		return errors.ValidationError("session_id", "must not be empty")
	}

	written, err := r.store.SetSessionID(ctx, processID, sessionID)
	if err != nil {
		return err
	}
	if written {
		r.logger.WithProcessID(processID).Debug("recorded executor session",
			zap.String("session_id", sessionID))
		return nil
	}

	current, err := r.store.GetExecutorSession(ctx, processID)
	if err != nil {
		return err
	}
	if current.SessionID != nil && *current.SessionID == sessionID {
		return nil
	}
	recorded := ""
	if current.SessionID != nil {
		recorded = *current.SessionID
	}
	r.logger.WithProcessID(processID).Warn("conflicting executor session reported",
		zap.String("recorded", recorded),
		zap.String("incoming", sessionID))
	return errors.SessionConflict(processID, recorded, sessionID)
}

// LookupSession returns the recorded session id, if any. A process without
// a session row reports ok=false, not an error.
func (r *Registry) LookupSession(ctx context.Context, processID string) (string, bool, error) {
	current, err := r.store.GetExecutorSession(ctx, processID)
	if errors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if current.SessionID == nil || *current.SessionID == "" {
		return "", false, nil
	}
	return *current.SessionID, true, nil
}
