package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/task/models"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

const approvalColumns = `id, execution_process_id, tool_name, status, plan, denial_reason, requested_at, responded_at`

type approvalRow struct {
	ID                 string         `db:"id"`
	ExecutionProcessID string         `db:"execution_process_id"`
	ToolName           string         `db:"tool_name"`
	Status             string         `db:"status"`
	Plan               sql.NullString `db:"plan"`
	DenialReason       sql.NullString `db:"denial_reason"`
	RequestedAt        time.Time      `db:"requested_at"`
	RespondedAt        sql.NullTime   `db:"responded_at"`
}

func (row *approvalRow) toModel() *models.ApprovalRequest {
	a := &models.ApprovalRequest{
		ID:                 row.ID,
		ExecutionProcessID: row.ExecutionProcessID,
		ToolName:           row.ToolName,
		Status:             v1.ApprovalStatus(row.Status),
		Plan:               stringPtr(row.Plan),
		DenialReason:       stringPtr(row.DenialReason),
		RequestedAt:        row.RequestedAt,
	}
	if row.RespondedAt.Valid {
		t := row.RespondedAt.Time
		a.RespondedAt = &t
	}
	return a
}

// CreateApproval creates a pending approval request
func (r *SQLRepository) CreateApproval(ctx context.Context, approval *models.ApprovalRequest) error {
	if _, err := r.GetExecutionProcess(ctx, approval.ExecutionProcessID); err != nil {
		return err
	}
	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	approval.Status = v1.ApprovalStatusPending
	approval.RequestedAt = time.Now().UTC()
	approval.RespondedAt = nil

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)
	`), approval.ID, approval.ExecutionProcessID, approval.ToolName, string(approval.Status),
		nullString(approval.Plan), approval.RequestedAt)
	return err
}

// GetApproval retrieves an approval by ID
func (r *SQLRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var row approvalRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("approval", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListPendingApprovals lists pending approvals of a process, oldest first
func (r *SQLRepository) ListPendingApprovals(ctx context.Context, processID string) ([]*models.ApprovalRequest, error) {
	var rows []approvalRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE execution_process_id = ? AND status = 'pending'
		ORDER BY requested_at
	`), processID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.ApprovalRequest, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toModel())
	}
	return result, nil
}

// ResolveApproval moves a pending approval to status
func (r *SQLRepository) ResolveApproval(ctx context.Context, id string, status v1.ApprovalStatus, reason *string) (bool, error) {
	var denial sql.NullString
	if status == v1.ApprovalStatusDenied {
		denial = nullString(reason)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE approvals SET status = ?, denial_reason = ?, responded_at = ?
		WHERE id = ? AND status = 'pending'
	`), string(status), denial, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetApproval(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
