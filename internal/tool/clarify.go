package tool

import (
	"context"
	"fmt"
	"strings"
)

// ClarifyName is the name of the clarification tool. Invokers intercept calls
// to it and suspend the step until the question is answered.
const ClarifyName = "request_clarification"

// Clarification is a parsed request_clarification call.
type Clarification struct {
	Question string
	Options  []string
}

// ClarifyTool lets an agent ask a human a question with optional choices.
type ClarifyTool struct{}

func (t *ClarifyTool) Name() string { return ClarifyName }
func (t *ClarifyTool) Description() string {
	return "Ask the ticket owner a question when requirements are ambiguous. The step pauses until it is answered."
}
func (t *ClarifyTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string", "description": "The question to ask"},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Suggested answers; the human may also reply free-form",
			},
		},
		"required": []string{"question"},
	}
}

// Execute only validates the call. The answer arrives as step input once the
// pipeline resumes.
func (t *ClarifyTool) Execute(_ context.Context, params map[string]any) (string, error) {
	c, err := ParseClarification(params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Question recorded: %s", c.Question), nil
}

// ParseClarification extracts the question and options from tool arguments.
func ParseClarification(params map[string]any) (*Clarification, error) {
	q := strings.TrimSpace(getString(params, "question"))
	if q == "" {
		return nil, fmt.Errorf("%s: question is required", ClarifyName)
	}
	c := &Clarification{Question: q}
	switch opts := params["options"].(type) {
	case []any:
		for _, o := range opts {
			if s, ok := o.(string); ok && strings.TrimSpace(s) != "" {
				c.Options = append(c.Options, s)
			}
		}
	case []string:
		c.Options = append(c.Options, opts...)
	}
	return c, nil
}
