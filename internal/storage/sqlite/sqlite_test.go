package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/storage"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "epicflow.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a committed unit of work.
func inTx(t *testing.T, s *SQLiteStorage, fn func(uow storage.UnitOfWork) error) error {
	t.Helper()
	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer uow.Rollback()
	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

func seedExecution(t *testing.T, s *SQLiteStorage, epicID, execID string) *domain.Execution {
	t.Helper()
	ctx := context.Background()
	exec := domain.NewExecution(execID, epicID, 2)
	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		if err := uow.EpicTasks().Create(ctx, domain.NewEpicTask(epicID, "epic "+epicID, "")); err != nil {
			return err
		}
		return uow.Executions().Create(ctx, exec)
	}))
	return exec
}

func newSubtask(execID, id string, pos int, deps ...string) *domain.Subtask {
	now := time.Now().UTC()
	return &domain.Subtask{
		ID:                   id,
		ExecutionID:          execID,
		Ref:                  id,
		Title:                "subtask " + id,
		Position:             pos,
		DependsOn:            deps,
		RequiredCapabilities: domain.NewCapabilitySet("backend"),
		Complexity:           1,
		Status:               domain.SubtaskStatusPending,
		MaxRetries:           1,
		CreatedAt:            now,
		UpdatedAt:            now,
		Version:              1,
	}
}

func TestEpicTaskCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	epic := domain.NewEpicTask("e1", "Build the thing", "details")
	epic.Workspace = "/repo"
	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.EpicTasks().Create(ctx, epic)
	}))

	err := inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.EpicTasks().Create(ctx, domain.NewEpicTask("e1", "dup", ""))
	})
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		got, err := uow.EpicTasks().Get(ctx, "e1")
		if err != nil {
			return err
		}
		assert.Equal(t, "Build the thing", got.Title)
		assert.Equal(t, "/repo", got.Workspace)

		got.Title = "Renamed"
		if err := uow.EpicTasks().Update(ctx, got); err != nil {
			return err
		}
		assert.Equal(t, int64(2), got.Version)

		stale := *got
		stale.Version = 1
		assert.ErrorIs(t, uow.EpicTasks().Update(ctx, &stale), domain.ErrConcurrentModify)
		return nil
	}))

	err = inTx(t, s, func(uow storage.UnitOfWork) error {
		_, err := uow.EpicTasks().Get(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutionOneActivePerEpic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	exec := seedExecution(t, s, "e1", "x1")

	err := inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Executions().Create(ctx, domain.NewExecution("x2", "e1", 1))
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		active, err := uow.Executions().GetActiveByEpic(ctx, "e1")
		if err != nil {
			return err
		}
		assert.Equal(t, exec.ID, active.ID)

		if err := active.Finish(domain.ExecutionStatusCancelled, "cancelled"); err != nil {
			return err
		}
		return uow.Executions().Update(ctx, active)
	}))

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Executions().Create(ctx, domain.NewExecution("x2", "e1", 1))
	}))
}

func TestExecutionPlanRoundTripAndDeadline(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedExecution(t, s, "e1", "x1")

	plan := &domain.Plan{Summary: "two steps", Subtasks: []domain.PlannedSubtask{
		{Ref: "a", Title: "A"},
		{Ref: "b", Title: "B", DependsOn: []string{"a"}},
	}}
	digest, err := plan.Digest()
	require.NoError(t, err)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		exec, err := uow.Executions().Get(ctx, "x1")
		if err != nil {
			return err
		}
		if err := exec.MarkPlanned(plan, digest); err != nil {
			return err
		}
		if err := exec.MarkStarted(time.Millisecond); err != nil {
			return err
		}
		return uow.Executions().Update(ctx, exec)
	}))

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		exec, err := uow.Executions().Get(ctx, "x1")
		if err != nil {
			return err
		}
		require.NotNil(t, exec.Plan)
		assert.Equal(t, plan.Subtasks, exec.Plan.Subtasks)
		assert.Equal(t, digest, exec.PlanDigest)
		assert.Equal(t, domain.ExecutionStatusExecuting, exec.Status)

		past, err := uow.Executions().ListPastDeadline(ctx, time.Now().Add(time.Hour))
		if err != nil {
			return err
		}
		require.Len(t, past, 1)
		none, err := uow.Executions().ListPastDeadline(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			return err
		}
		assert.Empty(t, none)
		return nil
	}))
}

func TestSubtaskBatchValidatesEdges(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedExecution(t, s, "e1", "x1")

	err := inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Subtasks().CreateBatch(ctx, "x1", []*domain.Subtask{
			newSubtask("x1", "a", 0, "b"),
			newSubtask("x1", "b", 1, "a"),
		})
	})
	assert.ErrorIs(t, err, domain.ErrCyclicDependency)

	err = inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Subtasks().CreateBatch(ctx, "x1", []*domain.Subtask{
			newSubtask("x1", "a", 0, "ghost"),
		})
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDependency)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Subtasks().CreateBatch(ctx, "x1", []*domain.Subtask{
			newSubtask("x1", "a", 0),
			newSubtask("x1", "b", 1, "a"),
		})
	}))

	// An update that would close a cycle is rejected.
	err = inTx(t, s, func(uow storage.UnitOfWork) error {
		a, err := uow.Subtasks().Get(ctx, "x1", "a")
		if err != nil {
			return err
		}
		a.DependsOn = domain.Refs{"b"}
		return uow.Subtasks().Update(ctx, a)
	})
	assert.ErrorIs(t, err, domain.ErrCyclicDependency)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		list, err := uow.Subtasks().List(ctx, "x1", storage.ListOptions{})
		if err != nil {
			return err
		}
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, domain.Refs{"a"}, list[1].DependsOn)
		assert.Equal(t, domain.NewCapabilitySet("backend"), list[1].RequiredCapabilities)
		return nil
	}))
}

func TestSubtaskWorkerLoadAndSweepQueries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedExecution(t, s, "e1", "x1")

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		exec, err := uow.Executions().Get(ctx, "x1")
		if err != nil {
			return err
		}
		if err := exec.MarkPlanned(&domain.Plan{}, "d"); err != nil {
			return err
		}
		if err := exec.MarkStarted(0); err != nil {
			return err
		}
		if err := uow.Executions().Update(ctx, exec); err != nil {
			return err
		}
		return uow.Subtasks().CreateBatch(ctx, "x1", []*domain.Subtask{
			newSubtask("x1", "a", 0),
			newSubtask("x1", "b", 1),
			newSubtask("x1", "c", 2),
		})
	}))

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		for _, id := range []string{"a", "b"} {
			st, err := uow.Subtasks().Get(ctx, "x1", id)
			if err != nil {
				return err
			}
			if err := st.Assign("w1", "tok-"+id); err != nil {
				return err
			}
			if err := uow.Subtasks().Update(ctx, st); err != nil {
				return err
			}
		}
		c, err := uow.Subtasks().Get(ctx, "x1", "c")
		if err != nil {
			return err
		}
		c.NotBefore = &past
		return uow.Subtasks().Update(ctx, c)
	}))

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		counts, err := uow.Subtasks().CountInFlightByWorker(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, map[string]int{"w1": 2}, counts)

		stale, err := uow.Subtasks().ListStale(ctx, time.Now().Add(time.Minute))
		if err != nil {
			return err
		}
		assert.Len(t, stale, 2)
		fresh, err := uow.Subtasks().ListStale(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			return err
		}
		assert.Empty(t, fresh)

		due, err := uow.Subtasks().ListDueRetries(ctx, time.Now())
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"x1"}, due)
		return nil
	}))
}

func TestWorkerRegistryOrdering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	low := domain.NewWorkerProfile("w1", "alpha", "localhost:1", "backend")
	high := domain.NewWorkerProfile("w2", "zeta", "localhost:2", "frontend", "Backend")
	high.Priority = 10
	idle := domain.NewWorkerProfile("w3", "beta", "localhost:3")
	idle.Active = false

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		for _, w := range []*domain.WorkerProfile{low, high, idle} {
			if err := uow.Workers().Create(ctx, w); err != nil {
				return err
			}
		}
		return nil
	}))

	err := inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Workers().Create(ctx, domain.NewWorkerProfile("w4", "alpha", ""))
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		all, err := uow.Workers().List(ctx, false)
		if err != nil {
			return err
		}
		require.Len(t, all, 3)
		assert.Equal(t, "zeta", all[0].Name)
		assert.Equal(t, "alpha", all[1].Name)
		assert.Equal(t, "beta", all[2].Name)
		assert.Equal(t, domain.CapabilitySet{"backend", "frontend"}, all[0].Capabilities)

		active, err := uow.Workers().List(ctx, true)
		if err != nil {
			return err
		}
		assert.Len(t, active, 2)

		byName, err := uow.Workers().GetByName(ctx, "beta")
		if err != nil {
			return err
		}
		assert.False(t, byName.Active)
		return uow.Workers().Delete(ctx, "w3")
	}))
}

func TestSkillCatalogAndAssignments(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	goSkill := domain.NewSkill("s1", "Go", "Go services", "backend")
	goSkill.PromptModifier = "Prefer table-driven tests."
	docs := domain.NewSkill("s2", "docs", "", "")
	w := domain.NewWorkerProfile("w1", "builder", "localhost:1", "linux")

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		for _, sk := range []*domain.Skill{goSkill, docs} {
			if err := uow.Skills().Create(ctx, sk); err != nil {
				return err
			}
		}
		return uow.Workers().Create(ctx, w)
	}))
	assert.Equal(t, domain.DefaultSkillCategory, docs.Category)

	err := inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Skills().Create(ctx, domain.NewSkill("s3", "GO", "", ""))
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists, "names are unique regardless of case")

	err = inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Workers().AddSkill(ctx, "w1", "missing", 3)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		if err := uow.Workers().AddSkill(ctx, "w1", "s2", 2); err != nil {
			return err
		}
		if err := uow.Workers().AddSkill(ctx, "w1", "s1", 1); err != nil {
			return err
		}
		// Re-adding replaces the proficiency.
		return uow.Workers().AddSkill(ctx, "w1", "s1", 5)
	}))

	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		got, err := uow.Workers().Get(ctx, "w1")
		if err != nil {
			return err
		}
		require.Len(t, got.Skills, 2)
		assert.Equal(t, "Go", got.Skills[0].Name)
		assert.Equal(t, 5, got.Skills[0].Proficiency)
		assert.Equal(t, "Prefer table-driven tests.", got.Skills[0].PromptModifier)
		assert.Equal(t, "docs", got.Skills[1].Name)

		listed, err := uow.Workers().List(ctx, true)
		if err != nil {
			return err
		}
		require.Len(t, listed, 1)
		assert.Len(t, listed[0].Skills, 2)

		backend, err := uow.Skills().List(ctx, "backend")
		if err != nil {
			return err
		}
		require.Len(t, backend, 1)
		assert.Equal(t, "s1", backend[0].ID)

		byName, err := uow.Skills().GetByName(ctx, "go")
		if err != nil {
			return err
		}
		assert.Equal(t, "s1", byName.ID)
		return nil
	}))

	// Deleting a skill drops its assignments.
	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		return uow.Skills().Delete(ctx, "s2")
	}))
	require.NoError(t, inTx(t, s, func(uow storage.UnitOfWork) error {
		got, err := uow.Workers().Get(ctx, "w1")
		if err != nil {
			return err
		}
		require.Len(t, got.Skills, 1)
		assert.Equal(t, "s1", got.Skills[0].SkillID)

		assert.ErrorIs(t, uow.Workers().RemoveSkill(ctx, "w1", "s2"), domain.ErrNotFound)
		return uow.Workers().RemoveSkill(ctx, "w1", "s1")
	}))
}
