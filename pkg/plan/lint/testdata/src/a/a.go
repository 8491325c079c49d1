// Package a exercises the plan linter.
package a

import "plan"

func emptySubtask() {
	plan.New("s").Subtask("") // want "Subtask called with empty ref literal"
}

func emptyChainedSubtask() {
	plan.New("s").Subtask("a").Subtask(``) // want "Subtask called with empty ref literal"
}

func emptyNeeds() {
	plan.New("s").Subtask("b").Needs("a", "") // want "Needs called with empty ref literal"
}

func noNeeds() {
	plan.New("s").Subtask("a").Needs() // want "Needs called with no arguments"
}

func noRequires() {
	plan.New("s").Subtask("a").Requires() // want "Requires called with no arguments"
}

func duplicateNeeds() {
	plan.New("s").Subtask("c").Needs("a", "b", "a") // want `duplicate dependency "a"`
}

func duplicateRequires() {
	plan.New("s").Subtask("a").Requires("go", "go") // want `duplicate capability "go"`
}

func selfDependency() {
	plan.New("s").Subtask("api").Title("API").Needs("api") // want `subtask "api" depends on itself`
}

// Valid cases - should NOT produce warnings

func valid() *plan.Plan {
	return plan.New("index then query").
		Subtask("index").Requires("backend").
		Subtask("query").Needs("index").
		Build()
}

func dynamicRefs(refs []string, ref string) {
	b := plan.New("s")
	b.Subtask(ref).Needs(refs...)
}

type other struct{}

func (other) Subtask(ref string) other   { return other{} }
func (other) Needs(refs ...string) other { return other{} }

func notTheBuilder() {
	other{}.Subtask("").Needs()
}
