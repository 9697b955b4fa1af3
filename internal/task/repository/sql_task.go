package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

type taskRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Status      string         `db:"status"`
	Plan        sql.NullString `db:"plan"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (row *taskRow) toModel() *models.Task {
	return &models.Task{
		ID:          row.ID,
		Title:       row.Title,
		Description: row.Description,
		Status:      v1.TaskStatus(row.Status),
		Plan:        stringPtr(row.Plan),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

type attemptRow struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	Branch    string    `db:"branch"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row *attemptRow) toModel() *models.TaskAttempt {
	return &models.TaskAttempt{
		ID:        row.ID,
		TaskID:    row.TaskID,
		Branch:    row.Branch,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// CreateTask creates a new task
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, title, description, status, plan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Title, task.Description, string(task.Status), nullString(task.Plan), task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, r.ro, id)
}

func getTask(ctx context.Context, q queryer, id string) (*models.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT id, title, description, status, plan, created_at, updated_at
		FROM tasks WHERE id = ?
	`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// CommitPlan stores the plan and promotes a planning task to inprogress
func (r *SQLRepository) CommitPlan(ctx context.Context, taskID, plan string) (*PlanCommit, error) {
	var commit *PlanCommit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		commit = &PlanCommit{
			TaskID:         taskID,
			Plan:           plan,
			Status:         task.Status,
			PreviousPlan:   task.Plan,
			PreviousStatus: task.Status,
		}
		if task.Status == v1.TaskStatusPlan {
			commit.Status = v1.TaskStatusInProgress
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET plan = ?, status = ?, updated_at = ? WHERE id = ?
		`), plan, string(commit.Status), time.Now().UTC(), taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// RevertPlan restores the task state replaced by commit
func (r *SQLRepository) RevertPlan(ctx context.Context, commit *PlanCommit) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET plan = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND plan = ?
	`), nullString(commit.PreviousPlan), string(commit.PreviousStatus), time.Now().UTC(),
		commit.TaskID, string(commit.Status), commit.Plan)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetTask(ctx, commit.TaskID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CreateTaskAttempt creates a new attempt for an existing task
func (r *SQLRepository) CreateTaskAttempt(ctx context.Context, attempt *models.TaskAttempt) error {
	if _, err := r.GetTask(ctx, attempt.TaskID); err != nil {
		return err
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_attempts (id, task_id, branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), attempt.ID, attempt.TaskID, attempt.Branch, attempt.CreatedAt, attempt.UpdatedAt)
	return err
}

// GetTaskAttempt retrieves an attempt by ID
func (r *SQLRepository) GetTaskAttempt(ctx context.Context, id string) (*models.TaskAttempt, error) {
	var row attemptRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT id, task_id, branch, created_at, updated_at FROM task_attempts WHERE id = ?
	`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("task attempt", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
