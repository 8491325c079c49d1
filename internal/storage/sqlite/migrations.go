package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Epic tasks table
		`CREATE TABLE IF NOT EXISTS epic_tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			workspace TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Executions table
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			epic_task_id TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 10,
			plan_json TEXT,
			plan_digest TEXT,
			max_parallel_workers INTEGER NOT NULL,
			error_message TEXT,
			deadline DATETIME,
			cancel_requested_at DATETIME,
			planned_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			CHECK (max_parallel_workers > 0),
			FOREIGN KEY (epic_task_id) REFERENCES epic_tasks(id) ON DELETE CASCADE
		)`,

		// Subtasks table; depends_on_json is an ordered list of sibling ids
		`CREATE TABLE IF NOT EXISTS subtasks (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			ref TEXT NOT NULL,
			work_item_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			position INTEGER NOT NULL,
			depends_on_json TEXT NOT NULL DEFAULT '[]',
			required_capabilities_json TEXT NOT NULL DEFAULT '[]',
			complexity INTEGER NOT NULL DEFAULT 1,
			branch_name TEXT,
			assigned_worker_id TEXT,
			attempt_token TEXT,
			status INTEGER NOT NULL DEFAULT 10,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			output TEXT,
			not_before DATETIME,
			last_progress_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (execution_id, id),
			UNIQUE (execution_id, ref),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,

		// Worker profiles (capability registry)
		`CREATE TABLE IF NOT EXISTS worker_profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			executor TEXT,
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			is_planner BOOLEAN NOT NULL DEFAULT FALSE,
			is_reviewer BOOLEAN NOT NULL DEFAULT FALSE,
			is_worker BOOLEAN NOT NULL DEFAULT TRUE,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Skill catalog
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE COLLATE NOCASE,
			description TEXT,
			category TEXT NOT NULL DEFAULT 'general',
			prompt_modifier TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Skills held by worker profiles
		`CREATE TABLE IF NOT EXISTS worker_skills (
			worker_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			proficiency INTEGER NOT NULL DEFAULT 3,
			PRIMARY KEY (worker_id, skill_id),
			CHECK (proficiency BETWEEN 1 AND 5),
			FOREIGN KEY (worker_id) REFERENCES worker_profiles(id) ON DELETE CASCADE,
			FOREIGN KEY (skill_id) REFERENCES skills(id) ON DELETE CASCADE
		)`,

		// At most one active execution per epic task
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_epic
			ON executions(epic_task_id) WHERE status IN (10, 20, 30, 35)`,

		// Indexes for efficient queries
		`CREATE INDEX IF NOT EXISTS idx_executions_epic ON executions(epic_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(execution_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_worker ON subtasks(assigned_worker_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_priority ON worker_profiles(priority DESC, name)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_category ON skills(category, name)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_skills_skill ON worker_skills(skill_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
