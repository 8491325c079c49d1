package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/logging"
)

const plannerSystemPrompt = `You decompose software epics into subtasks for a team of coding agents.
Each subtask gets a short unique ref, a title, a description and the
capabilities a worker needs (for example backend, frontend, database,
testing, documentation, architecture). Use depends_on to list the refs a
subtask must wait for. Dependencies must form a DAG. Prefer independent
subtasks so workers can run in parallel. Rate complexity from 1 to 5.
Always answer by calling propose_plan.`

var proposePlanTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "propose_plan",
		Description: "Submit the decomposition plan for the epic.",
		Parameters: object(map[string]any{
			"summary": map[string]any{"type": "string", "description": "One-line summary of the approach."},
			"subtasks": map[string]any{
				"type": "array",
				"items": object(map[string]any{
					"ref":                   map[string]any{"type": "string"},
					"title":                 map[string]any{"type": "string"},
					"description":           map[string]any{"type": "string"},
					"depends_on":            stringArray("Refs this subtask waits for."),
					"required_capabilities": stringArray("Capabilities the worker needs."),
					"complexity":            map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
				}, "ref", "title"),
			},
		}, "subtasks"),
	},
}

// Planner asks a language model for a plan.
type Planner struct {
	model       llms.Model
	maxSubtasks int
	temperature float64
	logger      *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithMaxSubtasks caps the number of subtasks kept from the model's plan.
func WithMaxSubtasks(n int) PlannerOption {
	return func(p *Planner) { p.maxSubtasks = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) PlannerOption {
	return func(p *Planner) { p.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = logger }
}

// NewPlanner creates a planner over model.
func NewPlanner(model llms.Model, opts ...PlannerOption) *Planner {
	p := &Planner{model: model, maxSubtasks: 10, temperature: 0.2}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDiscard(p.logger).With("component", "llm_planner")
	return p
}

// Plan implements service.Planner. Dependencies on refs dropped by the
// subtask cap are removed so the truncated plan stays valid.
func (p *Planner) Plan(ctx context.Context, epic *domain.EpicTask) (*domain.Plan, error) {
	if epic == nil {
		return nil, fmt.Errorf("%w: epic task is required", domain.ErrInvalidArgument)
	}

	var plan domain.Plan
	if err := callTool(ctx, p.model, plannerSystemPrompt, planPrompt(epic, p.maxSubtasks), proposePlanTool, &plan,
		llms.WithTemperature(p.temperature)); err != nil {
		return nil, fmt.Errorf("llm planner: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return nil, domain.ErrPlanEmpty
	}

	if p.maxSubtasks > 0 && len(plan.Subtasks) > p.maxSubtasks {
		p.logger.Warn("truncating plan", "epic_id", epic.ID, "proposed", len(plan.Subtasks), "max", p.maxSubtasks)
		plan.Subtasks = plan.Subtasks[:p.maxSubtasks]
		kept := make(map[string]bool, len(plan.Subtasks))
		for _, st := range plan.Subtasks {
			kept[st.Ref] = true
		}
		for i := range plan.Subtasks {
			deps := plan.Subtasks[i].DependsOn[:0:0]
			for _, d := range plan.Subtasks[i].DependsOn {
				if kept[d] {
					deps = append(deps, d)
				}
			}
			plan.Subtasks[i].DependsOn = deps
		}
	}
	if plan.Summary == "" {
		plan.Summary = fmt.Sprintf("%d subtasks proposed for %q", len(plan.Subtasks), epic.Title)
	}
	p.logger.Info("plan proposed", "epic_id", epic.ID, "subtasks", len(plan.Subtasks))
	return &plan, nil
}

func planPrompt(epic *domain.EpicTask, maxSubtasks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Epic: %s\n", epic.Title)
	if epic.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", epic.Description)
	}
	if epic.Workspace != "" {
		fmt.Fprintf(&b, "\nWorkspace: %s\n", epic.Workspace)
	}
	if maxSubtasks > 0 {
		fmt.Fprintf(&b, "\nUse at most %d subtasks.\n", maxSubtasks)
	}
	return b.String()
}
