package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/observability"
	"github.com/example/epicflow/internal/storage"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// New creates a new SQLite storage instance.
func New(path string) (*SQLiteStorage, error) {
	return NewWithMetrics(path, nil)
}

// NewWithMetrics creates a SQLite storage instance that records transaction
// timings. metrics may be nil.
//
// Transactions take the write lock at BEGIN (_txlock=immediate) and the pool
// holds a single connection, so every unit of work is serialized. The
// dispatcher relies on this to read per-worker load and assign in one step.
func NewWithMetrics(path string, metrics *observability.Metrics) (*SQLiteStorage, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single connection for writes
	db.SetMaxIdleConns(1)

	return &SQLiteStorage{db: db, metrics: metrics}, nil
}

// Begin starts a new transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.DBTransactionBegin().Observe(time.Since(start))
		s.metrics.DBActiveTransactions().Inc()
	}
	return newUnitOfWork(tx, s.metrics), nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// unitOfWork implements the UnitOfWork interface.
type unitOfWork struct {
	tx         *sql.Tx
	metrics    *observability.Metrics
	done       bool
	epics      *epicTaskRepo
	executions *executionRepo
	subtasks   *subtaskRepo
	workers    *workerRepo
	skills     *skillRepo
}

func newUnitOfWork(tx *sql.Tx, metrics *observability.Metrics) *unitOfWork {
	return &unitOfWork{
		tx:         tx,
		metrics:    metrics,
		epics:      &epicTaskRepo{tx: tx},
		executions: &executionRepo{tx: tx},
		subtasks:   &subtaskRepo{tx: tx},
		workers:    &workerRepo{tx: tx},
		skills:     &skillRepo{tx: tx},
	}
}

func (u *unitOfWork) EpicTasks() storage.EpicTaskRepository {
	return u.epics
}

func (u *unitOfWork) Executions() storage.ExecutionRepository {
	return u.executions
}

func (u *unitOfWork) Subtasks() storage.SubtaskRepository {
	return u.subtasks
}

func (u *unitOfWork) Workers() storage.WorkerRepository {
	return u.workers
}

func (u *unitOfWork) Skills() storage.SkillRepository {
	return u.skills
}

func (u *unitOfWork) Commit() error {
	start := time.Now()
	err := u.tx.Commit()
	if u.metrics != nil {
		u.metrics.DBTransactionCommit().Observe(time.Since(start))
	}
	u.finish()
	return err
}

// Rollback is safe to call after Commit; it is the deferred cleanup path.
func (u *unitOfWork) Rollback() error {
	err := u.tx.Rollback()
	u.finish()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (u *unitOfWork) finish() {
	if u.done {
		return
	}
	u.done = true
	if u.metrics != nil {
		u.metrics.DBActiveTransactions().Dec()
	}
}

// mapConstraintError turns unique violations into ErrAlreadyExists.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			strings.Contains(sqliteErr.Error(), "UNIQUE") {
			return domain.ErrAlreadyExists
		}
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return domain.ErrNotFound
		}
	}
	return err
}

// nullTime converts an optional timestamp for storage.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned optional timestamp back.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
