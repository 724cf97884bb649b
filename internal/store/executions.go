package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowhub/pkg/schema"
)

const executionColumns = `id, workflow_id, status, correlation_id, context, current_step_order, pending_group, error,
	created_at, started_at, completed_at, updated_at`

// CreateExecution inserts exec unless a non-terminal execution already exists
// for the same (workflow, correlation id) pair, in which case it returns a
// CONFLICT error whose details carry the existing execution id.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	execCtx, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt

	active, activeArgs := statusIn(schema.ActiveExecutionStatuses)
	args := []any{
		exec.ID, exec.WorkflowID, string(exec.Status), exec.CorrelationID, execCtx,
		exec.CurrentStepOrder, exec.CreatedAt, exec.UpdatedAt,
		exec.WorkflowID, exec.CorrelationID,
	}
	args = append(args, activeArgs...)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, correlation_id, context, current_step_order, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM executions WHERE workflow_id = ? AND correlation_id = ? AND status `+active+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		conflict := schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q already has an active execution for correlation id %q", exec.WorkflowID, exec.CorrelationID)
		if existing, findErr := s.FindActiveExecution(ctx, exec.WorkflowID, exec.CorrelationID); findErr == nil {
			conflict.WithDetails(map[string]any{"execution_id": existing.ID})
		}
		return conflict
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

// FindActiveExecution returns the non-terminal execution for (workflowID, correlationID).
func (s *LibSQLStore) FindActiveExecution(ctx context.Context, workflowID, correlationID string) (*Execution, error) {
	active, activeArgs := statusIn(schema.ActiveExecutionStatuses)
	args := append([]any{workflowID, correlationID}, activeArgs...)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE workflow_id = ? AND correlation_id = ? AND status `+active+`
		 ORDER BY created_at DESC LIMIT 1`, args...)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active execution", workflowID+"/"+correlationID)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		in, inArgs := statusIn(filter.Statuses)
		where = append(where, "status "+in)
		args = append(args, inArgs...)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// UpdateExecution applies update only while the execution's status is one of
// expect (any status when expect is empty). A status mismatch yields CONFLICT.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, expect []schema.ExecutionStatus, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		raw, err := marshalMapOrDefault(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, raw)
	}
	if update.CurrentStepOrder != nil {
		sets = append(sets, "current_step_order = ?")
		args = append(args, *update.CurrentStepOrder)
	}
	if update.PendingGroup != nil {
		if len(*update.PendingGroup) == 0 {
			sets = append(sets, "pending_group = NULL")
		} else {
			raw, err := json.Marshal(*update.PendingGroup)
			if err != nil {
				return fmt.Errorf("marshal pending group: %w", err)
			}
			sets = append(sets, "pending_group = ?")
			args = append(args, string(raw))
		}
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	if len(expect) > 0 {
		in, inArgs := statusIn(expect)
		query += " AND status " + in
		args = append(args, inArgs...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is %s", id, current.Status).
		WithDetails(map[string]any{"status": string(current.Status)})
}

func scanExecution(r rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		status, ctxJSON        string
		pending, errMsg        sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := r.Scan(&e.ID, &e.WorkflowID, &status, &e.CorrelationID, &ctxJSON, &e.CurrentStepOrder,
		&pending, &errMsg, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.Error = errMsg.String
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if pending.Valid && pending.String != "" {
		if err := json.Unmarshal([]byte(pending.String), &e.PendingGroup); err != nil {
			return nil, fmt.Errorf("unmarshal pending group: %w", err)
		}
	}
	return e, nil
}

// --- Execution logs ---

// AppendLog appends an entry with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	entry.Timestamp = timeOrNow(entry.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, sequence, step_order, step_id, level, event, message, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, entry.StepOrder, nullStr(entry.StepID), string(entry.Level),
		entry.Event, entry.Message, nullRaw(entry.Data), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log: %w", err)
	}
	return nil
}

// ListLogs returns the entries of an execution ordered by sequence.
func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, sequence, step_order, step_id, level, event, message, data, timestamp
		 FROM execution_logs WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var (
			stepID, data sql.NullString
			level        string
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.StepOrder, &stepID, &level,
			&e.Event, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Level = schema.LogLevel(level)
		e.Data = rawOrNil(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// statusIn renders an "IN (?, ?, ...)" clause for the given statuses.
func statusIn(statuses []schema.ExecutionStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "IN (" + strings.Join(marks, ", ") + ")", args
}
