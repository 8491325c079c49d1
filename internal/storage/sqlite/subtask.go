package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/graph"
	"github.com/example/epicflow/internal/storage"
)

type subtaskRepo struct {
	tx *sql.Tx
}

const subtaskColumns = `id, execution_id, ref, work_item_id, title, description, position,
	depends_on_json, required_capabilities_json, complexity, branch_name, assigned_worker_id,
	attempt_token, status, retry_count, max_retries, error_message, output, not_before,
	last_progress_at, started_at, completed_at, created_at, updated_at, version`

// CreateBatch inserts every subtask of an execution after validating the
// combined dependency graph, including any siblings already stored.
func (r *subtaskRepo) CreateBatch(ctx context.Context, executionID string, subtasks []*domain.Subtask) error {
	for _, st := range subtasks {
		if st.ExecutionID == "" {
			st.ExecutionID = executionID
		}
		if st.ExecutionID != executionID {
			return fmt.Errorf("%w: subtask %s belongs to execution %s", domain.ErrInvalidArgument, st.ID, st.ExecutionID)
		}
	}
	if err := r.validateEdges(ctx, executionID, subtasks); err != nil {
		return err
	}

	stmt, err := r.tx.PrepareContext(ctx, `
		INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range subtasks {
		deps, caps, err := encodeSubtaskLists(st)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			st.ID, st.ExecutionID, st.Ref, st.WorkItemID, st.Title, st.Description, st.Position,
			deps, caps, st.Complexity, st.BranchName, st.AssignedWorkerID,
			st.AttemptToken, st.Status, st.RetryCount, st.MaxRetries, st.ErrorMessage, st.Output,
			nullTime(st.NotBefore), nullTime(st.LastProgressAt), nullTime(st.StartedAt),
			nullTime(st.CompletedAt), st.CreatedAt, st.UpdatedAt, st.Version,
		)
		if err != nil {
			return mapConstraintError(err)
		}
	}
	return nil
}

// validateEdges merges the written subtasks into the stored sibling set and
// checks references and acyclicity over the result.
func (r *subtaskRepo) validateEdges(ctx context.Context, executionID string, written []*domain.Subtask) error {
	for _, st := range written {
		if err := st.DependsOn.Validate(); err != nil {
			return err
		}
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, depends_on_json FROM subtasks WHERE execution_id = ? ORDER BY position, id
	`, executionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	replaced := make(map[string]*domain.Subtask, len(written))
	for _, st := range written {
		replaced[st.ID] = st
	}

	var nodes []graph.Node
	for rows.Next() {
		var id, depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			return err
		}
		if st, ok := replaced[id]; ok {
			nodes = append(nodes, graph.Node{ID: id, DependsOn: st.DependsOn})
			delete(replaced, id)
			continue
		}
		deps, err := domain.ParseRefs(depsJSON)
		if err != nil {
			return err
		}
		nodes = append(nodes, graph.Node{ID: id, DependsOn: deps})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, st := range written {
		if _, pending := replaced[st.ID]; pending {
			nodes = append(nodes, graph.Node{ID: st.ID, DependsOn: st.DependsOn})
		}
	}
	return graph.Validate(nodes)
}

func encodeSubtaskLists(st *domain.Subtask) (string, string, error) {
	deps, err := st.DependsOn.Encode()
	if err != nil {
		return "", "", err
	}
	caps := st.RequiredCapabilities
	if caps == nil {
		caps = domain.CapabilitySet{}
	}
	capsJSON, err := json.Marshal([]string(caps))
	if err != nil {
		return "", "", err
	}
	return deps, string(capsJSON), nil
}

func (r *subtaskRepo) Get(ctx context.Context, executionID, subtaskID string) (*domain.Subtask, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE execution_id = ? AND id = ?
	`, executionID, subtaskID)
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return st, err
}

func scanSubtask(row scanner) (*domain.Subtask, error) {
	st := &domain.Subtask{}
	var workItemID, description, branchName, workerID, token, errorMessage, output sql.NullString
	var depsJSON, capsJSON string
	var notBefore, lastProgress, started, completed sql.NullTime

	err := row.Scan(
		&st.ID, &st.ExecutionID, &st.Ref, &workItemID, &st.Title, &description, &st.Position,
		&depsJSON, &capsJSON, &st.Complexity, &branchName, &workerID,
		&token, &st.Status, &st.RetryCount, &st.MaxRetries, &errorMessage, &output,
		&notBefore, &lastProgress, &started, &completed, &st.CreatedAt, &st.UpdatedAt, &st.Version,
	)
	if err != nil {
		return nil, err
	}

	deps, err := domain.ParseRefs(depsJSON)
	if err != nil {
		return nil, err
	}
	st.DependsOn = deps

	var caps domain.CapabilitySet
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities of subtask %s: %w", st.ID, err)
		}
	}
	st.RequiredCapabilities = caps

	st.WorkItemID = workItemID.String
	st.Description = description.String
	st.BranchName = branchName.String
	st.AssignedWorkerID = workerID.String
	st.AttemptToken = token.String
	st.ErrorMessage = errorMessage.String
	st.Output = output.String
	st.NotBefore = timePtr(notBefore)
	st.LastProgressAt = timePtr(lastProgress)
	st.StartedAt = timePtr(started)
	st.CompletedAt = timePtr(completed)
	return st, nil
}

func (r *subtaskRepo) Update(ctx context.Context, st *domain.Subtask) error {
	if err := r.validateEdges(ctx, st.ExecutionID, []*domain.Subtask{st}); err != nil {
		return err
	}
	deps, caps, err := encodeSubtaskLists(st)
	if err != nil {
		return err
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE subtasks
		SET work_item_id = ?, title = ?, description = ?, position = ?, depends_on_json = ?,
			required_capabilities_json = ?, complexity = ?, branch_name = ?, assigned_worker_id = ?,
			attempt_token = ?, status = ?, retry_count = ?, max_retries = ?, error_message = ?,
			output = ?, not_before = ?, last_progress_at = ?, started_at = ?, completed_at = ?,
			updated_at = ?, version = version + 1
		WHERE execution_id = ? AND id = ? AND version = ?
	`, st.WorkItemID, st.Title, st.Description, st.Position, deps,
		caps, st.Complexity, st.BranchName, st.AssignedWorkerID,
		st.AttemptToken, st.Status, st.RetryCount, st.MaxRetries, st.ErrorMessage,
		st.Output, nullTime(st.NotBefore), nullTime(st.LastProgressAt), nullTime(st.StartedAt),
		nullTime(st.CompletedAt), st.UpdatedAt, st.ExecutionID, st.ID, st.Version)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConcurrentModify
	}

	st.Version++
	return nil
}

func (r *subtaskRepo) List(ctx context.Context, executionID string, opts storage.ListOptions) ([]*domain.Subtask, error) {
	query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE execution_id = ?`
	args := []any{executionID}

	if len(opts.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(opts.IDs)) + `)`
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if len(opts.SubtaskStatuses) > 0 {
		query += ` AND status IN (` + placeholders(len(opts.SubtaskStatuses)) + `)`
		for _, st := range opts.SubtaskStatuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY position, id`
	query, args = paginate(query, args, opts)

	return r.query(ctx, query, args...)
}

// ListStale returns in-flight subtasks of running executions with no
// progress since cutoff.
func (r *subtaskRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Subtask, error) {
	subtasks, err := r.query(ctx, `
		SELECT `+prefixed("s.", subtaskColumns)+`
		FROM subtasks s JOIN executions e ON e.id = s.execution_id
		WHERE s.status IN (?, ?) AND e.status IN (?, ?)
		ORDER BY s.execution_id, s.position, s.id
	`, domain.SubtaskStatusAssigned, domain.SubtaskStatusRunning,
		domain.ExecutionStatusExecuting, domain.ExecutionStatusPaused)
	if err != nil {
		return nil, err
	}

	var out []*domain.Subtask
	for _, st := range subtasks {
		last := st.LastProgressAt
		if last == nil {
			last = &st.UpdatedAt
		}
		if last.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, nil
}

// ListDueRetries returns ids of running executions holding a pending
// subtask whose backoff has elapsed.
func (r *subtaskRepo) ListDueRetries(ctx context.Context, now time.Time) ([]string, error) {
	subtasks, err := r.query(ctx, `
		SELECT `+prefixed("s.", subtaskColumns)+`
		FROM subtasks s JOIN executions e ON e.id = s.execution_id
		WHERE s.status = ? AND s.not_before IS NOT NULL AND e.status = ?
		ORDER BY s.execution_id, s.position, s.id
	`, domain.SubtaskStatusPending, domain.ExecutionStatusExecuting)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, st := range subtasks {
		if st.ReadyAt(now) && !seen[st.ExecutionID] {
			seen[st.ExecutionID] = true
			ids = append(ids, st.ExecutionID)
		}
	}
	return ids, nil
}

func (r *subtaskRepo) CountInFlightByWorker(ctx context.Context) (map[string]int, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT assigned_worker_id, COUNT(*) FROM subtasks
		WHERE status IN (?, ?) AND assigned_worker_id IS NOT NULL AND assigned_worker_id != ''
		GROUP BY assigned_worker_id
	`, domain.SubtaskStatusAssigned, domain.SubtaskStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var workerID string
		var n int
		if err := rows.Scan(&workerID, &n); err != nil {
			return nil, err
		}
		counts[workerID] = n
	}
	return counts, rows.Err()
}

func (r *subtaskRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subtasks []*domain.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}
