package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/example/epicflow/internal/service"
)

const reviewerSystemPrompt = `You review the result of a finished software epic. You get the epic's
subtasks with their status and output. Approve only if the outputs together
deliver the epic. Always answer by calling submit_review.`

var submitReviewTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "submit_review",
		Description: "Submit the verdict on the finished execution.",
		Parameters: object(map[string]any{
			"approved": map[string]any{"type": "boolean"},
			"reason":   map[string]any{"type": "string", "description": "Why, in one or two sentences."},
		}, "approved", "reason"),
	},
}

// maxOutputChars bounds each subtask output quoted in the review prompt.
const maxOutputChars = 2000

// Reviewer asks a language model to judge a finished execution.
type Reviewer struct {
	name  string
	model llms.Model
}

// NewReviewer creates a named reviewer over model.
func NewReviewer(name string, model llms.Model) *Reviewer {
	return &Reviewer{name: name, model: model}
}

// Name implements service.Reviewer.
func (r *Reviewer) Name() string { return r.name }

// Review implements service.Reviewer.
func (r *Reviewer) Review(ctx context.Context, view *service.ExecutionView, round int) (*service.Review, error) {
	var verdict struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := callTool(ctx, r.model, reviewerSystemPrompt, reviewPrompt(view, round), submitReviewTool, &verdict,
		llms.WithTemperature(0)); err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, err)
	}
	return &service.Review{Approved: verdict.Approved, Reason: verdict.Reason}, nil
}

func reviewPrompt(view *service.ExecutionView, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review round %d.\n", round)
	if plan := view.Execution.Plan; plan != nil && plan.Summary != "" {
		fmt.Fprintf(&b, "Plan: %s\n", plan.Summary)
	}
	for _, st := range view.Subtasks {
		fmt.Fprintf(&b, "\n## %s (%s): %s\n", st.Ref, st.Status, st.Title)
		if st.Output != "" {
			out := st.Output
			if len(out) > maxOutputChars {
				out = out[:maxOutputChars] + "..."
			}
			fmt.Fprintf(&b, "%s\n", out)
		}
	}
	return b.String()
}
