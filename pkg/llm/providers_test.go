package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskflow/pkg/models"
)

type sseEvent struct {
	name string
	data string
}

func sseServer(t *testing.T, path string, captured *map[string]any, events []sseEvent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			if ev.name != "" {
				fmt.Fprintf(w, "event: %s\n", ev.name)
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func errorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func toolRequest() *Request {
	return &Request{
		System:   "You are helpful.",
		Messages: []models.Message{{Role: models.RoleUser, Content: "list files"}},
		Tools: []ToolSpec{{
			Name:        "shell",
			Description: "Run a command",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []string{"command"},
			},
		}},
	}
}

func TestAnthropicProvider(t *testing.T) {
	t.Run("should stream text and accumulate tool calls", func(t *testing.T) {
		var body map[string]any
		srv := sseServer(t, "/v1/messages", &body, []sseEvent{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"shell","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":15}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})

		p, err := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL})
		require.NoError(t, err)

		var deltas []string
		resp, err := p.Send(context.Background(), toolRequest(), func(text string) { deltas = append(deltas, text) })
		require.NoError(t, err)

		assert.Equal(t, []string{"Let me ", "check."}, deltas)
		assert.Equal(t, "Let me check.", resp.Content)
		assert.Equal(t, "tool_use", resp.StopReason)
		assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 15}, resp.Usage)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
		assert.Equal(t, "shell", resp.ToolCalls[0].Name)
		assert.Equal(t, map[string]any{"command": "ls"}, resp.ToolCalls[0].Arguments)

		assert.Equal(t, "claude-test", body["model"])
		assert.Equal(t, true, body["stream"])
		require.Len(t, body["tools"], 1)
	})

	t.Run("should surface a rate limit as transient", func(t *testing.T) {
		srv := errorServer(t, http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
		p, err := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = p.Send(context.Background(), toolRequest(), nil)
		require.Error(t, err)
		pe := Classify(p.Name(), err)
		assert.True(t, pe.Transient)
		assert.ErrorIs(t, pe, ErrRateLimited)
	})

	t.Run("should treat an auth failure as permanent", func(t *testing.T) {
		srv := errorServer(t, http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
		p, err := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = p.Send(context.Background(), toolRequest(), nil)
		require.Error(t, err)
		assert.False(t, Classify(p.Name(), err).Transient)
	})

	t.Run("should require key and model", func(t *testing.T) {
		_, err := NewAnthropicProvider(ProviderConfig{Model: "m"})
		assert.Error(t, err)
		_, err = NewAnthropicProvider(ProviderConfig{APIKey: "k"})
		assert.Error(t, err)
	})
}

func TestAnthropicMessages(t *testing.T) {
	t.Run("should group consecutive tool results into one user message", func(t *testing.T) {
		msgs := []models.Message{
			{Role: models.RoleUser, Content: "check both"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "a", Name: "shell", Arguments: map[string]any{"command": "ls"}},
				{ID: "b", Name: "file"},
			}},
			{Role: models.RoleTool, ToolCallID: "a", Content: "x.txt"},
			{Role: models.RoleTool, ToolCallID: "b", Content: "denied", ToolResults: []models.ToolResult{{Success: false}}},
			{Role: models.RoleAssistant, Content: "done"},
			{Role: models.RoleSystem, Content: "ignored"},
		}

		out := anthropicMessages(msgs)
		require.Len(t, out, 4)
		assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
		assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
		assert.Len(t, out[1].Content, 2)
		assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
		require.Len(t, out[2].Content, 2)
		require.NotNil(t, out[2].Content[1].OfToolResult)
		assert.Equal(t, "b", out[2].Content[1].OfToolResult.ToolUseID)
		assert.Equal(t, anthropic.MessageParamRoleAssistant, out[3].Role)
	})
}

func TestOpenAIProvider(t *testing.T) {
	t.Run("should stream content and accumulate tool calls", func(t *testing.T) {
		chunk := func(choices string, usage string) sseEvent {
			data := `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":` + choices
			if usage != "" {
				data += `,"usage":` + usage
			}
			return sseEvent{data: data + "}"}
		}

		var body map[string]any
		srv := sseServer(t, "/chat/completions", &body, []sseEvent{
			chunk(`[{"index":0,"delta":{"role":"assistant","content":"Look"},"finish_reason":null}]`, ""),
			chunk(`[{"index":0,"delta":{"content":"ing"},"finish_reason":null}]`, ""),
			chunk(`[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"shell","arguments":"{\"command\":"}}]},"finish_reason":null}]`, ""),
			chunk(`[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]},"finish_reason":null}]`, ""),
			chunk(`[{"index":0,"delta":{},"finish_reason":"tool_calls"}]`, ""),
			chunk(`[]`, `{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}`),
			{data: "[DONE]"},
		})

		p, err := NewOpenAIProvider(ProviderConfig{Name: "local", APIKey: "k", Model: "gpt-test", BaseURL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "local", p.Name())

		var sb strings.Builder
		resp, err := p.Send(context.Background(), toolRequest(), func(text string) { sb.WriteString(text) })
		require.NoError(t, err)

		assert.Equal(t, "Looking", sb.String())
		assert.Equal(t, "Looking", resp.Content)
		assert.Equal(t, "tool_calls", resp.StopReason)
		assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 3}, resp.Usage)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
		assert.Equal(t, map[string]any{"command": "ls"}, resp.ToolCalls[0].Arguments)

		assert.Equal(t, "gpt-test", body["model"])
		msgs, ok := body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	})

	t.Run("should classify server errors as transient", func(t *testing.T) {
		srv := errorServer(t, http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`)
		p, err := NewOpenAIProvider(ProviderConfig{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = p.Send(context.Background(), toolRequest(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, Classify(p.Name(), err), ErrServer)
	})

	t.Run("should allow a keyless local endpoint", func(t *testing.T) {
		_, err := NewOpenAIProvider(ProviderConfig{Model: "llama", BaseURL: "http://localhost:11434/v1"})
		assert.NoError(t, err)
		_, err = NewOpenAIProvider(ProviderConfig{Model: "gpt"})
		assert.Error(t, err)
	})
}

func TestOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "a.txt"},
	}
	out, err := openAIMessages("sys", msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)

	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.JSONEq(t, `{"command":"ls"}`, out[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "c1", out[3].OfTool.ToolCallID)
}

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		err       error
		sentinel  error
		transient bool
	}{
		"deadline":          {context.DeadlineExceeded, ErrTimeout, true},
		"refused":           {fmt.Errorf("dial tcp: connection refused"), ErrConnection, true},
		"rate limit text":   {fmt.Errorf("rate_limit_error: slow down"), ErrRateLimited, true},
		"already sentinel":  {fmt.Errorf("wrapped: %w", ErrResponse), ErrResponse, true},
		"overloaded stream": {fmt.Errorf(`received error while streaming: {"type":"overloaded_error"}`), ErrServer, true},
		"permanent":         {fmt.Errorf("invalid request"), nil, false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			pe := Classify("p", tt.err)
			assert.Equal(t, tt.transient, pe.Transient)
			assert.Equal(t, "p", pe.Provider)
			if tt.sentinel != nil {
				assert.ErrorIs(t, pe, tt.sentinel)
			}
		})
	}

	t.Run("should not mark cancellation transient", func(t *testing.T) {
		assert.False(t, Classify("p", context.Canceled).Transient)
	})
}
