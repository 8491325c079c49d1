package sqlite

import (
	"context"
	"database/sql"

	"github.com/example/epicflow/internal/domain"
)

type skillRepo struct {
	tx *sql.Tx
}

const skillColumns = `id, name, description, category, prompt_modifier, created_at, updated_at, version`

func (r *skillRepo) Create(ctx context.Context, s *domain.Skill) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO skills (`+skillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.Description, s.Category, s.PromptModifier, s.CreatedAt, s.UpdatedAt, s.Version)
	return mapConstraintError(err)
}

func (r *skillRepo) Get(ctx context.Context, id string) (*domain.Skill, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
	s, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *skillRepo) GetByName(ctx context.Context, name string) (*domain.Skill, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE name = ?`, name)
	s, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func scanSkill(row scanner) (*domain.Skill, error) {
	s := &domain.Skill{}
	var description, modifier sql.NullString
	err := row.Scan(&s.ID, &s.Name, &description, &s.Category, &modifier, &s.CreatedAt, &s.UpdatedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.PromptModifier = modifier.String
	return s, nil
}

func (r *skillRepo) Update(ctx context.Context, s *domain.Skill) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE skills
		SET name = ?, description = ?, category = ?, prompt_modifier = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, s.Name, s.Description, s.Category, s.PromptModifier, s.UpdatedAt, s.ID, s.Version)
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
	s.Version++
	return nil
}

func (r *skillRepo) List(ctx context.Context, category string) ([]*domain.Skill, error) {
	query := `SELECT ` + skillColumns + ` FROM skills`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category, name`

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skills []*domain.Skill
	for rows.Next() {
		s, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, s)
	}
	return skills, rows.Err()
}

func (r *skillRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
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
