// Package llm implements the planner and reviewer contracts over a
// langchaingo language model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ErrNoAnswer is returned when the model neither calls the tool nor
// replies with a JSON object.
var ErrNoAnswer = errors.New("model gave no usable answer")

// callTool asks the model to call tool and decodes its arguments into out.
// A plain-text reply containing a JSON object is accepted as well.
func callTool(ctx context.Context, model llms.Model, system, prompt string, tool llms.Tool, out any, opts ...llms.CallOption) error {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	opts = append(opts,
		llms.WithTools([]llms.Tool{tool}),
		llms.WithToolChoice(llms.ToolChoice{
			Type:     "function",
			Function: &llms.FunctionReference{Name: tool.Function.Name},
		}),
	)

	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return ErrNoAnswer
	}

	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != tool.Function.Name {
			continue
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), out); err != nil {
			return fmt.Errorf("parse %s arguments: %w", tool.Function.Name, err)
		}
		return nil
	}

	obj, ok := jsonObject(choice.Content)
	if !ok {
		return ErrNoAnswer
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	return nil
}

// jsonObject returns the outermost {...} of s, skipping any prose or code
// fences around it.
func jsonObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func object(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func stringArray(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": "string"},
	}
}
