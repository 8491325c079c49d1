package sqlite

import (
	"context"
	"database/sql"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage"
)

type epicTaskRepo struct {
	tx *sql.Tx
}

func (r *epicTaskRepo) Create(ctx context.Context, epic *domain.EpicTask) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO epic_tasks (id, title, description, workspace, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, epic.ID, epic.Title, epic.Description, epic.Workspace, epic.CreatedAt, epic.UpdatedAt, epic.Version)
	return mapConstraintError(err)
}

func (r *epicTaskRepo) Get(ctx context.Context, id string) (*domain.EpicTask, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, title, description, workspace, created_at, updated_at, version
		FROM epic_tasks WHERE id = ?
	`, id)

	epic, err := scanEpic(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return epic, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpic(row scanner) (*domain.EpicTask, error) {
	epic := &domain.EpicTask{}
	var description, workspace sql.NullString
	err := row.Scan(&epic.ID, &epic.Title, &description, &workspace,
		&epic.CreatedAt, &epic.UpdatedAt, &epic.Version)
	if err != nil {
		return nil, err
	}
	epic.Description = description.String
	epic.Workspace = workspace.String
	return epic, nil
}

func (r *epicTaskRepo) Update(ctx context.Context, epic *domain.EpicTask) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE epic_tasks
		SET title = ?, description = ?, workspace = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, epic.Title, epic.Description, epic.Workspace, epic.UpdatedAt, epic.ID, epic.Version)
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

	epic.Version++
	return nil
}

func (r *epicTaskRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.EpicTask, error) {
	query := `SELECT id, title, description, workspace, created_at, updated_at, version FROM epic_tasks`
	var args []any
	if len(opts.IDs) > 0 {
		query += ` WHERE id IN (` + placeholders(len(opts.IDs)) + `)`
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, opts)

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epics []*domain.EpicTask
	for rows.Next() {
		epic, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		epics = append(epics, epic)
	}
	return epics, rows.Err()
}

func (r *epicTaskRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM epic_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// paginate appends LIMIT/OFFSET clauses.
func paginate(query string, args []any, opts storage.ListOptions) (string, []any) {
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}
	return query, args
}
