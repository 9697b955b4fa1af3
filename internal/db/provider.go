package db

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

// Provide opens the configured database and returns the pool with its cleanup.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		pool, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", "sqlite"))
		cleanup := func() error {
			// Refresh planner statistics on the way out.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		pool, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized",
			zap.String("db_host", cfg.Host),
			zap.String("db_name", cfg.DBName),
			zap.String("db_driver", "postgres"))
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
