package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/anyon/anyon/internal/db"
)

// SQLRepository stores tasks in SQLite or PostgreSQL through sqlx.
// Queries are written with ? placeholders and rebound per driver.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// Ensure SQLRepository implements Repository interface
var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository on an open pool and ensures the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLRepository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			plan TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_attempts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			branch TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_processes (
			id TEXT PRIMARY KEY,
			task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
			run_reason TEXT NOT NULL,
			executor_action TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code BIGINT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		// At most one running process per attempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_processes_one_running
			ON execution_processes(task_attempt_id) WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_execution_processes_attempt ON execution_processes(task_attempt_id)`,
		`CREATE TABLE IF NOT EXISTS executor_sessions (
			id TEXT PRIMARY KEY,
			execution_process_id TEXT NOT NULL UNIQUE REFERENCES execution_processes(id),
			task_attempt_id TEXT NOT NULL,
			session_id TEXT,
			prompt TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			execution_process_id TEXT NOT NULL REFERENCES execution_processes(id),
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			plan TEXT,
			denial_reason TEXT,
			requested_at TIMESTAMP NOT NULL,
			responded_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_process ON approvals(execution_process_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller
func (r *SQLRepository) Close() error {
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

// withTx runs fn in a writer transaction, rolling back on error.
func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// isUniqueViolation detects unique index violations on both drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
