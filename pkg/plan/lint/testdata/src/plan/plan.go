// Package plan is a stub of the plan builder for the linter tests.
package plan

type Plan struct{}

type Builder struct{}

type SubtaskBuilder struct{}

func New(summary string) *Builder { return &Builder{} }

func (b *Builder) Subtask(ref string) *SubtaskBuilder { return &SubtaskBuilder{} }

func (b *Builder) Build() *Plan { return &Plan{} }

func (s *SubtaskBuilder) Title(title string) *SubtaskBuilder { return s }

func (s *SubtaskBuilder) Needs(refs ...string) *SubtaskBuilder { return s }

func (s *SubtaskBuilder) Requires(caps ...string) *SubtaskBuilder { return s }

func (s *SubtaskBuilder) Subtask(ref string) *SubtaskBuilder { return s }

func (s *SubtaskBuilder) Build() *Plan { return &Plan{} }
