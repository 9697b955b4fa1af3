package repository

import (
	"context"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/db"
)

// Provide opens the SQL repository on pool and fails processes orphaned by a
// previous server instance.
func Provide(ctx context.Context, pool *db.Pool, log *logger.Logger) (*SQLRepository, func() error, error) {
	repo, err := NewSQLRepository(pool)
	if err != nil {
		return nil, nil, err
	}

	n, err := repo.ReconcileRunningProcesses(ctx)
	if err != nil {
		return nil, nil, err
	}
	if n > 0 {
		log.Warn("marked orphaned execution processes as failed", zap.Int64("count", n))
	}
	return repo, repo.Close, nil
}
