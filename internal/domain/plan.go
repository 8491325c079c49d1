package domain

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Plan is the structured output of decomposition. The engine validates its
// structure only; everything else is owned by the planner.
type Plan struct {
	Summary  string           `json:"summary,omitempty" yaml:"summary,omitempty"`
	Subtasks []PlannedSubtask `json:"subtasks" yaml:"subtasks"`
}

// PlannedSubtask is one descriptor in a plan. Ref is scoped to the plan.
type PlannedSubtask struct {
	Ref                  string   `json:"ref" yaml:"ref"`
	Title                string   `json:"title" yaml:"title"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Complexity           int      `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	MaxRetries           *int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Digest returns the hex BLAKE3-256 of the plan's JSON encoding.
// Submitting a plan with the same digest twice is a no-op.
func (p *Plan) Digest() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Refs returns the plan-local identifiers in declared order.
func (p *Plan) Refs() []string {
	refs := make([]string, len(p.Subtasks))
	for i, st := range p.Subtasks {
		refs[i] = st.Ref
	}
	return refs
}
