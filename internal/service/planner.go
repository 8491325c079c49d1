package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/epicflow/internal/domain"
)

// Complexity is the coarse size estimate of an epic task.
type Complexity int

const (
	ComplexityTrivial Complexity = iota + 1
	ComplexitySimple
	ComplexityModerate
	ComplexityComplex
	ComplexityEpic
)

func (c Complexity) String() string {
	switch c {
	case ComplexityTrivial:
		return "trivial"
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	case ComplexityEpic:
		return "epic"
	default:
		return "unknown"
	}
}

var (
	workKeywords  = []string{"refactor", "implement", "build", "create", "design", "integrate", "migrate", "optimize", "architecture"}
	scopeKeywords = []string{"system", "framework", "platform", "engine", "complete", "full", "entire", "comprehensive", "end-to-end"}
)

// TitleScore scores a title from 1 to 5 by its keywords.
func TitleScore(title string) int {
	lower := strings.ToLower(title)
	score := 1
	for _, kw := range workKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	for _, kw := range scopeKeywords {
		if strings.Contains(lower, kw) {
			score += 2
		}
	}
	return min(score, 5)
}

// EstimateComplexity combines description length and title score.
func EstimateComplexity(epic *domain.EpicTask) Complexity {
	n := len(epic.Description)
	score := TitleScore(epic.Title)
	switch {
	case n <= 50 && score == 1:
		return ComplexityTrivial
	case n <= 200 && score <= 2:
		return ComplexitySimple
	case n <= 500 && score <= 3:
		return ComplexityModerate
	case n <= 1000:
		return ComplexityComplex
	default:
		return ComplexityEpic
	}
}

// HeuristicPlanner decomposes an epic from fixed templates chosen by its
// estimated complexity. It needs no external model.
type HeuristicPlanner struct {
	MaxSubtasks int
}

// Plan implements Planner.
func (h HeuristicPlanner) Plan(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error) {
	if epic == nil {
		return nil, fmt.Errorf("%w: epic task is required", domain.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	complexity := EstimateComplexity(epic)
	var subtasks []domain.PlannedSubtask
	switch complexity {
	case ComplexityTrivial, ComplexitySimple:
		subtasks = []domain.PlannedSubtask{
			step("implement", epic.Title, epic.Description, 1, caps("backend")),
		}
	case ComplexityModerate:
		subtasks = []domain.PlannedSubtask{
			step("analyze", "Analyze requirements: "+epic.Title,
				"Analyze and document the requirements", 2, caps("architecture")),
			step("implement", "Implement: "+epic.Title,
				epic.Description, 3, caps("backend", "frontend"), "analyze"),
			step("test", "Test: "+epic.Title,
				"Write tests and verify the implementation", 2, caps("testing"), "implement"),
		}
	default:
		subtasks = []domain.PlannedSubtask{
			step("architecture", "Architecture design: "+epic.Title,
				"Design the overall architecture and components", 3, caps("architecture")),
			step("backend", "Backend implementation",
				"Implement backend services and APIs", 4, caps("backend", "database"), "architecture"),
			step("frontend", "Frontend implementation",
				"Implement frontend components and UI", 4, caps("frontend"), "architecture"),
			step("integration", "Integration",
				"Integrate frontend and backend components", 3, caps("backend", "frontend"), "backend", "frontend"),
			step("testing", "Testing and QA",
				"Comprehensive testing and quality assurance", 3, caps("testing"), "integration"),
			step("docs", "Documentation",
				"Write documentation and update the README", 2, caps("documentation"), "integration"),
		}
	}

	if h.MaxSubtasks > 0 && len(subtasks) > h.MaxSubtasks {
		subtasks = subtasks[:h.MaxSubtasks]
	}
	return &domain.Plan{
		Summary:  fmt.Sprintf("%q analyzed as %s complexity, %d subtasks", epic.Title, complexity, len(subtasks)),
		Subtasks: subtasks,
	}, nil
}

func caps(tags ...string) []string { return tags }

func step(ref, title, description string, complexity int, required []string, deps ...string) domain.PlannedSubtask {
	return domain.PlannedSubtask{
		Ref:                  ref,
		Title:                title,
		Description:          description,
		DependsOn:            deps,
		RequiredCapabilities: required,
		Complexity:           complexity,
	}
}
