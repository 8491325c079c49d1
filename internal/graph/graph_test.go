package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/epicflow/internal/domain"
)

func sub(id string, pos int, status domain.SubtaskStatus, deps ...string) *domain.Subtask {
	return &domain.Subtask{ID: id, Ref: id, Position: pos, Status: status, DependsOn: deps}
}

func ids(subtasks []*domain.Subtask) []string {
	out := make([]string, len(subtasks))
	for i, st := range subtasks {
		out[i] = st.ID
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []Node
		wantErr  error
		wantEdge *domain.Edge
		wantRef  string
	}{
		{
			name:  "valid diamond",
			nodes: []Node{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}, {ID: "c", DependsOn: []string{"a"}}, {ID: "d", DependsOn: []string{"b", "c"}}},
		},
		{
			name:    "dangling reference",
			nodes:   []Node{{ID: "a"}, {ID: "b", DependsOn: []string{"ghost"}}},
			wantErr: domain.ErrInvalidDependency,
			wantRef: "ghost",
		},
		{
			name:     "self reference",
			nodes:    []Node{{ID: "a", DependsOn: []string{"a"}}},
			wantErr:  domain.ErrCyclicDependency,
			wantEdge: &domain.Edge{From: "a", To: "a"},
		},
		{
			name:     "two node cycle",
			nodes:    []Node{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}},
			wantErr:  domain.ErrCyclicDependency,
			wantEdge: &domain.Edge{From: "b", To: "a"},
		},
		{
			name:    "duplicate id",
			nodes:   []Node{{ID: "a"}, {ID: "a"}},
			wantErr: domain.ErrInvalidDependency,
		},
		{
			name:    "duplicate dependency",
			nodes:   []Node{{ID: "a"}, {ID: "b", DependsOn: []string{"a", "a"}}},
			wantErr: domain.ErrInvalidDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.nodes)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.True(t, errors.Is(err, domain.ErrPlanInvalid))

			var pe *domain.PlanError
			require.ErrorAs(t, err, &pe)
			if tt.wantEdge != nil {
				require.NotNil(t, pe.Edge)
				assert.Equal(t, *tt.wantEdge, *pe.Edge)
			}
			if tt.wantRef != "" {
				assert.Equal(t, tt.wantRef, pe.Ref)
			}
		})
	}
}

func TestValidateLongCycleNamesParticipatingEdge(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "d"},
	}
	err := Validate(nodes)
	var pe *domain.PlanError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Edge)
	inCycle := map[string]bool{"a": true, "b": true, "c": true}
	assert.True(t, inCycle[pe.Edge.From])
	assert.True(t, inCycle[pe.Edge.To])
}

func TestReadyAndUnreachable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)

	a := sub("a", 0, domain.SubtaskStatusCompleted)
	b := sub("b", 1, domain.SubtaskStatusPending, "a")
	c := sub("c", 2, domain.SubtaskStatusPending)
	d := sub("d", 3, domain.SubtaskStatusFailed)
	e := sub("e", 4, domain.SubtaskStatusPending, "d")
	f := sub("f", 5, domain.SubtaskStatusPending, "b")
	r := sub("r", 6, domain.SubtaskStatusPending)
	r.NotBefore = &future

	g := New([]*domain.Subtask{f, e, d, c, b, a, r})

	assert.Equal(t, []string{"b", "c"}, ids(g.Ready(now)))
	assert.Equal(t, []string{"b", "c", "r"}, ids(g.Ready(future)))
	assert.Equal(t, []string{"e"}, ids(g.Unreachable()))
	assert.Equal(t, domain.StatusBlocked, g.DisplayStatus(f))
	assert.Equal(t, "pending", g.DisplayStatus(b))
	assert.Equal(t, "failed", g.DisplayStatus(d))
}

func TestCandidateOrderTieBreak(t *testing.T) {
	g := New([]*domain.Subtask{
		sub("z", 1, domain.SubtaskStatusPending),
		sub("b", 1, domain.SubtaskStatusPending),
		sub("a", 2, domain.SubtaskStatusPending),
	})
	assert.Equal(t, []string{"b", "z", "a"}, ids(g.Ready(time.Now())))
}

func TestDependentsTransitive(t *testing.T) {
	g := New([]*domain.Subtask{
		sub("a", 0, domain.SubtaskStatusPending),
		sub("b", 1, domain.SubtaskStatusPending, "a"),
		sub("c", 2, domain.SubtaskStatusPending, "b"),
		sub("d", 3, domain.SubtaskStatusPending, "a", "c"),
		sub("x", 4, domain.SubtaskStatusPending),
	})
	assert.Equal(t, []string{"b", "c", "d"}, ids(g.Dependents("a")))
	assert.Empty(t, g.Dependents("x"))
}

func TestProgress(t *testing.T) {
	g := New([]*domain.Subtask{
		sub("a", 0, domain.SubtaskStatusCompleted),
		sub("b", 1, domain.SubtaskStatusRunning, "a"),
		sub("c", 2, domain.SubtaskStatusPending, "b"),
		sub("d", 3, domain.SubtaskStatusPending),
		sub("e", 4, domain.SubtaskStatusSkipped),
		sub("f", 5, domain.SubtaskStatusAssigned),
	})
	p := g.Progress()
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 1, p.Assigned)
	assert.Equal(t, 1, p.Blocked)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, 1, p.Skipped)
	assert.Equal(t, 33, p.Percent)
	assert.Equal(t, 2, g.InFlight())
	assert.False(t, g.AllTerminal())
}

func TestTopologicalOrderAndDepth(t *testing.T) {
	g := New([]*domain.Subtask{
		sub("test", 0, domain.SubtaskStatusPending, "impl"),
		sub("impl", 1, domain.SubtaskStatusPending, "analyze"),
		sub("analyze", 2, domain.SubtaskStatusPending),
	})
	assert.Equal(t, []string{"analyze", "impl", "test"}, ids(g.TopologicalOrder()))
	depth := g.Depth()
	assert.Equal(t, 0, depth["analyze"])
	assert.Equal(t, 2, depth["test"])
}
