package service

import (
	"fmt"
	"strings"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/graph"
	"github.com/example/epicflow/pkg/id"
)

// Ingestor turns a validated plan into subtask rows.
type Ingestor struct {
	defaultMaxRetries int
	branchPrefix      string
}

// NewIngestor creates an ingestor using the engine defaults.
func NewIngestor(cfg Config) *Ingestor {
	prefix := strings.Trim(cfg.BranchPrefix, "/")
	if prefix == "" {
		prefix = "team"
	}
	return &Ingestor{defaultMaxRetries: cfg.DefaultMaxRetries, branchPrefix: prefix}
}

// Ingest validates plan and builds the subtasks of exec. Nothing is
// written; the caller persists the result in one transaction.
func (in *Ingestor) Ingest(exec *domain.Execution, plan *domain.Plan) ([]*domain.Subtask, error) {
	if plan == nil || len(plan.Subtasks) == 0 {
		return nil, domain.ErrPlanEmpty
	}

	nodes := make([]graph.Node, len(plan.Subtasks))
	for i, ps := range plan.Subtasks {
		if ps.MaxRetries != nil && *ps.MaxRetries < 0 {
			return nil, domain.NewMalformedPlanError(ps.Ref, "max_retries must not be negative")
		}
		nodes[i] = graph.Node{ID: ps.Ref, DependsOn: ps.DependsOn}
	}
	if err := graph.Validate(nodes); err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(plan.Subtasks))
	for _, ps := range plan.Subtasks {
		ids[ps.Ref] = id.Generate()
	}

	now := exec.UpdatedAt
	subtasks := make([]*domain.Subtask, 0, len(plan.Subtasks))
	for i, ps := range plan.Subtasks {
		subID := ids[ps.Ref]
		deps := make(domain.Refs, 0, len(ps.DependsOn))
		for _, ref := range ps.DependsOn {
			deps = append(deps, ids[ref])
		}
		title := strings.TrimSpace(ps.Title)
		if title == "" {
			title = ps.Ref
		}
		maxRetries := in.defaultMaxRetries
		if ps.MaxRetries != nil {
			maxRetries = *ps.MaxRetries
		}

		subtasks = append(subtasks, &domain.Subtask{
			ID:                   subID,
			ExecutionID:          exec.ID,
			Ref:                  ps.Ref,
			WorkItemID:           id.Generate(),
			Title:                title,
			Description:          ps.Description,
			Position:             i,
			DependsOn:            deps,
			RequiredCapabilities: domain.NewCapabilitySet(ps.RequiredCapabilities...),
			Complexity:           clampComplexity(ps.Complexity),
			BranchName:           fmt.Sprintf("%s/task-%s", in.branchPrefix, id.Short(subID)),
			Status:               domain.SubtaskStatusPending,
			MaxRetries:           maxRetries,
			CreatedAt:            now,
			UpdatedAt:            now,
			Version:              1,
		})
	}
	return subtasks, nil
}

func clampComplexity(c int) int {
	switch {
	case c < 1:
		return 1
	case c > 5:
		return 5
	default:
		return c
	}
}
