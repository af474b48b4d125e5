package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallTransition(t *testing.T) {
	t.Run("should follow pending running completed", func(t *testing.T) {
		call := &ToolCall{ID: "c1", Status: ToolCallPending}
		require.NoError(t, call.Transition(ToolCallRunning))
		require.NoError(t, call.Transition(ToolCallCompleted))
		assert.True(t, call.Terminal())
	})

	t.Run("should allow running to failed", func(t *testing.T) {
		call := &ToolCall{Status: ToolCallRunning}
		require.NoError(t, call.Transition(ToolCallFailed))
		assert.Equal(t, ToolCallFailed, call.Status)
	})

	t.Run("should reject skipping running", func(t *testing.T) {
		call := &ToolCall{Status: ToolCallPending}
		assert.ErrorIs(t, call.Transition(ToolCallCompleted), ErrInvalidTransition)
		assert.Equal(t, ToolCallPending, call.Status)
	})

	t.Run("should reject leaving a terminal state", func(t *testing.T) {
		call := &ToolCall{Status: ToolCallCompleted}
		assert.ErrorIs(t, call.Transition(ToolCallRunning), ErrInvalidTransition)
	})
}

func TestMemoryType(t *testing.T) {
	for _, s := range []string{"fact", "preference", "skill", "error", "rule"} {
		mt, err := ParseMemoryType(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(mt))
	}

	_, err := ParseMemoryType("opinion")
	assert.Error(t, err)
}

func TestClampImportance(t *testing.T) {
	assert.Equal(t, 0.0, ClampImportance(-0.5))
	assert.Equal(t, 1.0, ClampImportance(3))
	assert.Equal(t, 0.4, ClampImportance(0.4))
}

func TestStreamEventJSON(t *testing.T) {
	t.Run("should omit empty optional fields", func(t *testing.T) {
		data, err := json.Marshal(StreamEvent{Type: EventDone})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"done"}`, string(data))
	})

	t.Run("should carry tool result", func(t *testing.T) {
		ev := StreamEvent{Type: EventToolResult, ToolResult: &ToolResult{ToolCallID: "c1", ToolName: "shell", Success: true, Output: "hi"}}
		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "tool_result", decoded["type"])
		result := decoded["tool_result"].(map[string]any)
		assert.Equal(t, "c1", result["tool_call_id"])
	})
}

func TestConversationLastAssistant(t *testing.T) {
	conv := &Conversation{ID: "x"}
	assert.Nil(t, conv.LastAssistant())

	conv.Append(Message{Role: RoleUser, Content: "hi"})
	conv.Append(Message{Role: RoleAssistant, Content: "hello"})
	conv.Append(Message{Role: RoleUser, Content: "again"})

	last := conv.LastAssistant()
	require.NotNil(t, last)
	assert.Equal(t, "hello", last.Content)
	assert.False(t, conv.UpdatedAt.IsZero())
}
