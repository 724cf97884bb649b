package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowhub/pkg/schema"
)

const approvalColumns = `id, execution_id, step_id, step_order, status, output, requested_at, expires_at,
	responded_at, responded_by, reason`

// CreateApproval inserts a pending approval. At most one approval exists per
// (execution, step); when one already exists it is returned unchanged.
func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) (*Approval, error) {
	if a.Status == "" {
		a.Status = schema.ApprovalPending
	}
	a.RequestedAt = timeOrNow(a.RequestedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, step_id, step_order, status, output, requested_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO NOTHING`,
		a.ID, a.ExecutionID, a.StepID, a.StepOrder, string(a.Status), nullRaw(a.Output),
		a.RequestedAt, a.ExpiresAt.UTC(),
	)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? AND step_id = ?`, a.ExecutionID, a.StepID)
	return scanApproval(row)
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ResolveApproval moves a pending approval to a terminal status. Exactly one
// caller can win; the others get ALREADY_RESPONDED.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, status schema.ApprovalStatus, respondedBy, reason string, at time.Time) (*Approval, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, responded_at = ?, responded_by = ?, reason = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), timeOrNow(at), nullStr(respondedBy), nullStr(reason), id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return current, schema.NewErrorf(schema.ErrCodeAlreadyResponded,
			"approval %q already %s", id, current.Status).
			WithDetails(map[string]any{"status": string(current.Status)})
	}
	return current, nil
}

func scanApproval(r rowScanner) (*Approval, error) {
	a := &Approval{}
	var (
		status             string
		output, by, reason sql.NullString
		respondedAt        sql.NullTime
	)
	if err := r.Scan(&a.ID, &a.ExecutionID, &a.StepID, &a.StepOrder, &status, &output,
		&a.RequestedAt, &a.ExpiresAt, &respondedAt, &by, &reason); err != nil {
		return nil, err
	}
	a.Status = schema.ApprovalStatus(status)
	a.Output = rawOrNil(output)
	a.RespondedAt = timePtr(respondedAt)
	a.RespondedBy = by.String
	a.Reason = reason.String
	return a, nil
}
