// Package plan provides a fluent builder for decomposition plans, for
// planners and tools written in Go:
//
//	p := plan.New("index then query").
//		Subtask("index").Title("Build the index").Requires("backend").Complexity(3).
//		Subtask("query").Title("Query API").Needs("index").
//		Build()
//
// The builder panics on empty refs and self-dependencies. Everything else
// (unknown refs, cycles) is reported by the server when the plan is
// submitted. The planlint analyzer catches the panicking cases statically.
package plan

import (
	"gopkg.in/yaml.v3"

	"github.com/example/epicflow/pkg/api"
)

// Builder accumulates the subtasks of a plan.
type Builder struct {
	plan api.Plan
}

// New starts a plan with the given summary.
func New(summary string) *Builder {
	return &Builder{plan: api.Plan{Summary: summary}}
}

// Subtask appends a subtask and returns its builder.
// Panics if ref is empty.
func (b *Builder) Subtask(ref string) *SubtaskBuilder {
	if ref == "" {
		panic("plan: Subtask() called with empty ref")
	}
	b.plan.Subtasks = append(b.plan.Subtasks, api.PlannedSubtask{Ref: ref, Title: ref})
	return &SubtaskBuilder{b: b, idx: len(b.plan.Subtasks) - 1}
}

// Build returns the plan. The builder must not be used afterwards.
func (b *Builder) Build() *api.Plan {
	p := b.plan
	return &p
}

// YAML renders the plan in the format accepted by plan submission.
func (b *Builder) YAML() ([]byte, error) {
	return yaml.Marshal(b.Build())
}

// SubtaskBuilder sets the fields of one subtask.
type SubtaskBuilder struct {
	b   *Builder
	idx int
}

func (s *SubtaskBuilder) st() *api.PlannedSubtask {
	return &s.b.plan.Subtasks[s.idx]
}

// Title sets the subtask title. It defaults to the ref.
func (s *SubtaskBuilder) Title(title string) *SubtaskBuilder {
	s.st().Title = title
	return s
}

// Description sets the instructions handed to the worker.
func (s *SubtaskBuilder) Description(desc string) *SubtaskBuilder {
	s.st().Description = desc
	return s
}

// Needs adds dependencies on other subtasks by ref.
// Panics on an empty ref or a dependency on the subtask itself.
func (s *SubtaskBuilder) Needs(refs ...string) *SubtaskBuilder {
	st := s.st()
	for _, ref := range refs {
		if ref == "" {
			panic("plan: Needs() called with empty ref")
		}
		if ref == st.Ref {
			panic("plan: subtask " + ref + " depends on itself")
		}
		st.DependsOn = append(st.DependsOn, ref)
	}
	return s
}

// Requires adds capabilities a worker must offer.
func (s *SubtaskBuilder) Requires(capabilities ...string) *SubtaskBuilder {
	s.st().RequiredCapabilities = append(s.st().RequiredCapabilities, capabilities...)
	return s
}

// Complexity sets the 1-5 complexity estimate.
func (s *SubtaskBuilder) Complexity(c int) *SubtaskBuilder {
	s.st().Complexity = c
	return s
}

// MaxRetries overrides the engine's default retry budget.
func (s *SubtaskBuilder) MaxRetries(n int) *SubtaskBuilder {
	s.st().MaxRetries = &n
	return s
}

// Subtask appends the next subtask to the same plan.
func (s *SubtaskBuilder) Subtask(ref string) *SubtaskBuilder {
	return s.b.Subtask(ref)
}

// Build returns the plan.
func (s *SubtaskBuilder) Build() *api.Plan {
	return s.b.Build()
}
