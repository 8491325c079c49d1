package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage"
)

type executionRepo struct {
	tx *sql.Tx
}

const executionColumns = `id, epic_task_id, status, plan_json, plan_digest, max_parallel_workers,
	error_message, deadline, cancel_requested_at, planned_at, started_at, completed_at,
	created_at, updated_at, version`

func (r *executionRepo) Create(ctx context.Context, exec *domain.Execution) error {
	planJSON, err := marshalPlan(exec.Plan)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.EpicTaskID, exec.Status, planJSON, exec.PlanDigest, exec.MaxParallelWorkers,
		exec.ErrorMessage, nullTime(exec.Deadline), nullTime(exec.CancelRequestedAt),
		nullTime(exec.PlannedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		exec.CreatedAt, exec.UpdatedAt, exec.Version)
	return mapConstraintError(err)
}

func (r *executionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return exec, err
}

func (r *executionRepo) GetActiveByEpic(ctx context.Context, epicTaskID string) (*domain.Execution, error) {
	args := []any{epicTaskID}
	for _, st := range domain.ActiveExecutionStatuses {
		args = append(args, st)
	}
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE epic_task_id = ? AND status IN (`+placeholders(len(domain.ActiveExecutionStatuses))+`)
	`, args...)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return exec, err
}

func scanExecution(row scanner) (*domain.Execution, error) {
	exec := &domain.Execution{}
	var planJSON, planDigest, errorMessage sql.NullString
	var deadline, cancelRequested, planned, started, completed sql.NullTime

	err := row.Scan(
		&exec.ID, &exec.EpicTaskID, &exec.Status, &planJSON, &planDigest,
		&exec.MaxParallelWorkers, &errorMessage, &deadline, &cancelRequested,
		&planned, &started, &completed, &exec.CreatedAt, &exec.UpdatedAt, &exec.Version,
	)
	if err != nil {
		return nil, err
	}

	if planJSON.Valid && planJSON.String != "" {
		var plan domain.Plan
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan of execution %s: %w", exec.ID, err)
		}
		exec.Plan = &plan
	}
	exec.PlanDigest = planDigest.String
	exec.ErrorMessage = errorMessage.String
	exec.Deadline = timePtr(deadline)
	exec.CancelRequestedAt = timePtr(cancelRequested)
	exec.PlannedAt = timePtr(planned)
	exec.StartedAt = timePtr(started)
	exec.CompletedAt = timePtr(completed)
	return exec, nil
}

func marshalPlan(plan *domain.Plan) (sql.NullString, error) {
	if plan == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (r *executionRepo) Update(ctx context.Context, exec *domain.Execution) error {
	planJSON, err := marshalPlan(exec.Plan)
	if err != nil {
		return err
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, plan_json = ?, plan_digest = ?, max_parallel_workers = ?,
			error_message = ?, deadline = ?, cancel_requested_at = ?, planned_at = ?,
			started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, exec.Status, planJSON, exec.PlanDigest, exec.MaxParallelWorkers,
		exec.ErrorMessage, nullTime(exec.Deadline), nullTime(exec.CancelRequestedAt),
		nullTime(exec.PlannedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		exec.UpdatedAt, exec.ID, exec.Version)
	if err != nil {
		return mapConstraintError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConcurrentModify
	}

	exec.Version++
	return nil
}

func (r *executionRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if opts.EpicTaskID != "" {
		query += ` AND epic_task_id = ?`
		args = append(args, opts.EpicTaskID)
	}
	if len(opts.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(opts.IDs)) + `)`
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if len(opts.ExecutionStatuses) > 0 {
		query += ` AND status IN (` + placeholders(len(opts.ExecutionStatuses)) + `)`
		for _, st := range opts.ExecutionStatuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, opts)

	return r.query(ctx, query, args...)
}

// ListPastDeadline filters in Go; stored timestamps are not reliably
// comparable as strings.
func (r *executionRepo) ListPastDeadline(ctx context.Context, now time.Time) ([]*domain.Execution, error) {
	execs, err := r.query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status IN (?, ?) AND deadline IS NOT NULL
		ORDER BY created_at, id
	`, domain.ExecutionStatusExecuting, domain.ExecutionStatusPaused)
	if err != nil {
		return nil, err
	}

	var out []*domain.Execution
	for _, exec := range execs {
		if exec.DeadlineExceeded(now) {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (r *executionRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Execution, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
