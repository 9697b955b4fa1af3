package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

const processColumns = `id, task_attempt_id, run_reason, executor_action, status, exit_code, started_at, completed_at`

type processRow struct {
	ID             string        `db:"id"`
	TaskAttemptID  string        `db:"task_attempt_id"`
	RunReason      string        `db:"run_reason"`
	ExecutorAction string        `db:"executor_action"`
	Status         string        `db:"status"`
	ExitCode       sql.NullInt64 `db:"exit_code"`
	StartedAt      time.Time     `db:"started_at"`
	CompletedAt    sql.NullTime  `db:"completed_at"`
}

func (row *processRow) toModel() (*models.ExecutionProcess, error) {
	action, err := actions.Decode([]byte(row.ExecutorAction))
	if err != nil {
		return nil, fmt.Errorf("execution process %s: %w", row.ID, err)
	}
	p := &models.ExecutionProcess{
		ID:            row.ID,
		TaskAttemptID: row.TaskAttemptID,
		RunReason:     v1.ExecutionProcessRunReason(row.RunReason),
		Action:        action,
		Status:        v1.ExecutionProcessStatus(row.Status),
		StartedAt:     row.StartedAt,
	}
	if row.ExitCode.Valid {
		code := row.ExitCode.Int64
		p.ExitCode = &code
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

type sessionRow struct {
	ID                 string         `db:"id"`
	ExecutionProcessID string         `db:"execution_process_id"`
	TaskAttemptID      string         `db:"task_attempt_id"`
	SessionID          sql.NullString `db:"session_id"`
	Prompt             string         `db:"prompt"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// CreateRunningProcess inserts a running process and its session in one transaction
func (r *SQLRepository) CreateRunningProcess(ctx context.Context, process *models.ExecutionProcess, session *models.ExecutorSession) error {
	action, err := json.Marshal(process.Action)
	if err != nil {
		return fmt.Errorf("failed to encode executor action: %w", err)
	}
	if process.ID == "" {
		process.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM task_attempts WHERE id = ?`), process.TaskAttemptID)
		if err != nil {
			return err
		}
		if exists == 0 {
			return errors.NotFound("task attempt", process.TaskAttemptID)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO execution_processes (`+processColumns+`)
			VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)
		`), process.ID, process.TaskAttemptID, string(process.RunReason), string(action),
			string(v1.ExecutionProcessStatusRunning), now)
		if isUniqueViolation(err) {
			return errors.AttemptBusy(process.TaskAttemptID)
		}
		if err != nil {
			return err
		}

		if session == nil {
			return nil
		}
		if session.ID == "" {
			session.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO executor_sessions (id, execution_process_id, task_attempt_id, session_id, prompt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), session.ID, process.ID, process.TaskAttemptID, nullString(session.SessionID), session.Prompt, now, now)
		return err
	})
	if err != nil {
		return err
	}

	process.Status = v1.ExecutionProcessStatusRunning
	process.StartedAt = now
	process.CompletedAt = nil
	process.ExitCode = nil
	if session != nil {
		session.ExecutionProcessID = process.ID
		session.TaskAttemptID = process.TaskAttemptID
		session.CreatedAt = now
		session.UpdatedAt = now
	}
	return nil
}

// GetExecutionProcess retrieves an execution process by ID
func (r *SQLRepository) GetExecutionProcess(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	var row processRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+processColumns+` FROM execution_processes WHERE id = ?`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("execution process", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListExecutionProcesses lists an attempt's processes, oldest first
func (r *SQLRepository) ListExecutionProcesses(ctx context.Context, attemptID string) ([]*models.ExecutionProcess, error) {
	var rows []processRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT `+processColumns+` FROM execution_processes
		WHERE task_attempt_id = ? ORDER BY started_at
	`), attemptID)
	if err != nil {
		return nil, err
	}
	return toProcessModels(rows)
}

// GetRunningProcess returns the attempt's running process, if any
func (r *SQLRepository) GetRunningProcess(ctx context.Context, attemptID string) (*models.ExecutionProcess, error) {
	var row processRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT `+processColumns+` FROM execution_processes
		WHERE task_attempt_id = ? AND status = 'running'
	`), attemptID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func toProcessModels(rows []processRow) ([]*models.ExecutionProcess, error) {
	result := make([]*models.ExecutionProcess, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// CompleteExecutionProcess moves a running process to a terminal status
func (r *SQLRepository) CompleteExecutionProcess(ctx context.Context, id string, status v1.ExecutionProcessStatus, exitCode *int64) (*models.ExecutionProcess, error) {
	if !status.IsTerminal() {
		return nil, errors.BadRequest(fmt.Sprintf("status %s is not terminal", status))
	}

	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: *exitCode, Valid: true}
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`), string(status), code, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	current, err := r.GetExecutionProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, errors.ProcessNotRunning(id, string(current.Status))
	}
	return current, nil
}

// ReconcileRunningProcesses fails every process still marked running
func (r *SQLRepository) ReconcileRunningProcesses(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE execution_processes SET status = ?, completed_at = ? WHERE status = 'running'
	`), string(v1.ExecutionProcessStatusFailed), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LoadExecutionContext loads a process with its attempt and task
func (r *SQLRepository) LoadExecutionContext(ctx context.Context, processID string) (*models.ExecutionContext, error) {
	process, err := r.GetExecutionProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	attempt, err := r.GetTaskAttempt(ctx, process.TaskAttemptID)
	if err != nil {
		return nil, err
	}
	task, err := r.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, err
	}
	return &models.ExecutionContext{Task: task, TaskAttempt: attempt, ExecutionProcess: process}, nil
}

// GetExecutorSession returns the session of an execution process
func (r *SQLRepository) GetExecutorSession(ctx context.Context, processID string) (*models.ExecutorSession, error) {
	var row sessionRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT id, execution_process_id, task_attempt_id, session_id, prompt, created_at, updated_at
		FROM executor_sessions WHERE execution_process_id = ?
	`), processID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("executor session", processID)
	}
	if err != nil {
		return nil, err
	}
	return &models.ExecutorSession{
		ID:                 row.ID,
		ExecutionProcessID: row.ExecutionProcessID,
		TaskAttemptID:      row.TaskAttemptID,
		SessionID:          stringPtr(row.SessionID),
		Prompt:             row.Prompt,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

// SetSessionID records the agent session id once
func (r *SQLRepository) SetSessionID(ctx context.Context, processID, sessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE executor_sessions SET session_id = ?, updated_at = ?
		WHERE execution_process_id = ? AND session_id IS NULL
	`), sessionID, time.Now().UTC(), processID)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetExecutorSession(ctx, processID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
