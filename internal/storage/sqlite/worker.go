package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/epicflow/internal/domain"
)

type workerRepo struct {
	tx *sql.Tx
}

const workerColumns = `id, name, executor, capabilities_json, is_planner, is_reviewer, is_worker,
	max_concurrent, priority, active, created_at, updated_at, version`

func (r *workerRepo) Create(ctx context.Context, w *domain.WorkerProfile) error {
	caps, err := encodeCapabilities(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO worker_profiles (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Name, w.Executor, caps, w.IsPlanner, w.IsReviewer, w.IsWorker,
		w.MaxConcurrent, w.Priority, w.Active, w.CreatedAt, w.UpdatedAt, w.Version)
	return mapConstraintError(err)
}

func (r *workerRepo) Get(ctx context.Context, id string) (*domain.WorkerProfile, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM worker_profiles WHERE id = ?`, id)
	return r.scanOne(ctx, row)
}

func (r *workerRepo) GetByName(ctx context.Context, name string) (*domain.WorkerProfile, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM worker_profiles WHERE name = ?`, name)
	return r.scanOne(ctx, row)
}

func (r *workerRepo) scanOne(ctx context.Context, row scanner) (*domain.WorkerProfile, error) {
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachSkills(ctx, []*domain.WorkerProfile{w}); err != nil {
		return nil, err
	}
	return w, nil
}

// attachSkills loads the held skills of the given profiles.
func (r *workerRepo) attachSkills(ctx context.Context, workers []*domain.WorkerProfile) error {
	if len(workers) == 0 {
		return nil
	}
	byID := make(map[string]*domain.WorkerProfile, len(workers))
	args := make([]any, 0, len(workers))
	for _, w := range workers {
		w.Skills = nil
		byID[w.ID] = w
		args = append(args, w.ID)
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT ws.worker_id, s.id, s.name, s.category, s.prompt_modifier, ws.proficiency
		FROM worker_skills ws
		JOIN skills s ON s.id = ws.skill_id
		WHERE ws.worker_id IN (`+placeholders(len(args))+`)
		ORDER BY ws.proficiency DESC, s.name
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var workerID string
		var modifier sql.NullString
		var ws domain.WorkerSkill
		if err := rows.Scan(&workerID, &ws.SkillID, &ws.Name, &ws.Category, &modifier, &ws.Proficiency); err != nil {
			return err
		}
		ws.PromptModifier = modifier.String
		if w := byID[workerID]; w != nil {
			w.Skills = append(w.Skills, ws)
		}
	}
	return rows.Err()
}

func scanWorker(row scanner) (*domain.WorkerProfile, error) {
	w := &domain.WorkerProfile{}
	var executor sql.NullString
	var capsJSON string
	err := row.Scan(&w.ID, &w.Name, &executor, &capsJSON, &w.IsPlanner, &w.IsReviewer, &w.IsWorker,
		&w.MaxConcurrent, &w.Priority, &w.Active, &w.CreatedAt, &w.UpdatedAt, &w.Version)
	if err != nil {
		return nil, err
	}
	w.Executor = executor.String
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities of worker %s: %w", w.Name, err)
		}
	}
	return w, nil
}

func encodeCapabilities(caps domain.CapabilitySet) (string, error) {
	if caps == nil {
		caps = domain.CapabilitySet{}
	}
	b, err := json.Marshal([]string(caps))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *workerRepo) Update(ctx context.Context, w *domain.WorkerProfile) error {
	caps, err := encodeCapabilities(w.Capabilities)
	if err != nil {
		return err
	}
	result, err := r.tx.ExecContext(ctx, `
		UPDATE worker_profiles
		SET name = ?, executor = ?, capabilities_json = ?, is_planner = ?, is_reviewer = ?,
			is_worker = ?, max_concurrent = ?, priority = ?, active = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, w.Name, w.Executor, caps, w.IsPlanner, w.IsReviewer,
		w.IsWorker, w.MaxConcurrent, w.Priority, w.Active, w.UpdatedAt,
		w.ID, w.Version)
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

	w.Version++
	return nil
}

func (r *workerRepo) List(ctx context.Context, activeOnly bool) ([]*domain.WorkerProfile, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_profiles`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY priority DESC, name`

	rows, err := r.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	var workers []*domain.WorkerProfile
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := r.attachSkills(ctx, workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (r *workerRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM worker_profiles WHERE id = ?`, id)
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

func (r *workerRepo) AddSkill(ctx context.Context, workerID, skillID string, proficiency int) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO worker_skills (worker_id, skill_id, proficiency)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id, skill_id) DO UPDATE SET proficiency = excluded.proficiency
	`, workerID, skillID, proficiency)
	return mapConstraintError(err)
}

func (r *workerRepo) RemoveSkill(ctx context.Context, workerID, skillID string) error {
	result, err := r.tx.ExecContext(ctx,
		`DELETE FROM worker_skills WHERE worker_id = ? AND skill_id = ?`, workerID, skillID)
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
