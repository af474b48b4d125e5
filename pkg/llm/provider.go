package llm

import (
	"context"
	"encoding/json"

	"github.com/harun/deskflow/pkg/models"
)

// Provider is a streaming chat model backend.
type Provider interface {
	// Name identifies the provider in logs, metrics and health reports.
	Name() string

	// Send runs one completion. onDelta, when non-nil, is called once per
	// streamed text fragment before Send returns.
	Send(ctx context.Context, req *Request, onDelta DeltaFunc) (*Response, error)
}

// DeltaFunc receives streamed text.
type DeltaFunc func(text string)

// ToolSpec describes a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a provider-neutral completion request.
type Request struct {
	// Model overrides the provider's configured model when set.
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting of one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a completed model turn.
type Response struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      Usage
	StopReason string

	// Provider is the name of the provider that produced the response.
	Provider string
}

// EstimateTokens approximates the token count at four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessages approximates the token count of a message list,
// including tool call arguments.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateMessage approximates the token count of one message.
func EstimateMessage(m models.Message) int {
	n := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name)
		if args, err := json.Marshal(tc.Arguments); err == nil {
			n += EstimateTokens(string(args))
		}
	}
	return n
}

// toolFailed reports whether a tool-role message carries a failed result.
func toolFailed(m models.Message) bool {
	for _, r := range m.ToolResults {
		if !r.Success {
			return true
		}
	}
	return false
}

// schemaParts splits a JSON schema object into properties and required names.
func schemaParts(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

// parseArguments decodes tool call arguments, treating empty input as an empty object.
func parseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func pingMessages() []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: "ping"}}
}
