package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

type stubMemory struct {
	entries []*models.MemoryEntry
	err     error
	queries []string
}

func (s *stubMemory) Retrieve(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.entries) > limit {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content, Timestamp: time.Now()}
}

func TestAssemble(t *testing.T) {
	shellSpec := llm.ToolSpec{
		Name:        "shell",
		Description: "Run a shell command",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"command": map[string]any{"type": "string"}}},
	}

	t.Run("should order identity, memory and tools", func(t *testing.T) {
		mem := &stubMemory{entries: []*models.MemoryEntry{
			{Type: models.MemoryPreference, Content: "User prefers dark mode"},
			{Type: models.MemoryFact, Content: "Project lives in ~/code/app"},
		}}
		a := NewAssembler(Config{Identity: "You are a test.", Memory: mem, Logger: zerolog.Nop()})

		out, err := a.Assemble(context.Background(), Input{
			History: []models.Message{msg(models.RoleUser, "what theme do I like?")},
			Tools:   []llm.ToolSpec{shellSpec},
		})
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(out.System, "You are a test."))
		memIdx := strings.Index(out.System, "## Relevant Context from Memory")
		toolIdx := strings.Index(out.System, "## Available Tools")
		require.Greater(t, memIdx, 0)
		require.Greater(t, toolIdx, memIdx)
		assert.Contains(t, out.System, "- [preference] User prefers dark mode")
		assert.Contains(t, out.System, "- **shell**: Run a shell command")
		assert.Contains(t, out.System, `Parameters: {"properties":{"command":{"type":"string"}},"type":"object"}`)
		assert.Equal(t, []string{"what theme do I like?"}, mem.queries)
		assert.Equal(t, []llm.ToolSpec{shellSpec}, out.Tools)
		assert.Greater(t, out.EstimatedTokens, 0)
	})

	t.Run("should use the default identity and skip empty sections", func(t *testing.T) {
		a := NewAssembler(Config{Logger: zerolog.Nop()})
		out, err := a.Assemble(context.Background(), Input{History: []models.Message{msg(models.RoleUser, "hi")}})
		require.NoError(t, err)
		assert.Equal(t, DefaultIdentity, out.System)
	})

	t.Run("should continue without memory when retrieval fails", func(t *testing.T) {
		a := NewAssembler(Config{Memory: &stubMemory{err: errors.New("disk I/O error")}, Logger: zerolog.Nop()})
		out, err := a.Assemble(context.Background(), Input{History: []models.Message{msg(models.RoleUser, "hello there")}})
		require.NoError(t, err)
		assert.NotContains(t, out.System, "Relevant Context")
		assert.Len(t, out.Messages, 1)
	})

	t.Run("should cap memory at a quarter of the budget", func(t *testing.T) {
		long := strings.Repeat("x", 400) // ~100 tokens each
		mem := &stubMemory{}
		for i := 0; i < 5; i++ {
			mem.entries = append(mem.entries, &models.MemoryEntry{Type: models.MemoryFact, Content: fmt.Sprintf("%d%s", i, long)})
		}
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 1000, ResponseReserve: 200, Memory: mem, Logger: zerolog.Nop()})

		out, err := a.Assemble(context.Background(), Input{History: []models.Message{msg(models.RoleUser, "q")}})
		require.NoError(t, err)
		assert.Equal(t, 800, a.Budget())
		assert.Equal(t, 1, strings.Count(out.System, "- [fact]"))
	})

	t.Run("should trim the oldest history first and keep the current message", func(t *testing.T) {
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 160, ResponseReserve: 100, Logger: zerolog.Nop()})
		chunk := strings.Repeat("a", 80) // 20 tokens
		history := []models.Message{
			msg(models.RoleUser, "old-"+chunk),
			msg(models.RoleAssistant, "old-"+chunk),
			msg(models.RoleUser, "mid-"+chunk),
			msg(models.RoleAssistant, "new-"+chunk),
			msg(models.RoleUser, "current"),
		}

		out, err := a.Assemble(context.Background(), Input{History: history})
		require.NoError(t, err)
		require.Len(t, out.Messages, 3)
		assert.Equal(t, 2, out.DroppedMessages)
		assert.True(t, strings.HasPrefix(out.Messages[0].Content, "mid-"))
		assert.Equal(t, "current", out.Messages[2].Content)
	})

	t.Run("should keep an oversized current message", func(t *testing.T) {
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 110, ResponseReserve: 100, Logger: zerolog.Nop()})
		history := []models.Message{
			msg(models.RoleUser, "earlier"),
			msg(models.RoleUser, strings.Repeat("b", 400)),
		}
		out, err := a.Assemble(context.Background(), Input{History: history})
		require.NoError(t, err)
		require.Len(t, out.Messages, 1)
		assert.Equal(t, 1, out.DroppedMessages)
	})

	t.Run("should not start history with orphaned tool results", func(t *testing.T) {
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 130, ResponseReserve: 100, Logger: zerolog.Nop()})
		history := []models.Message{
			msg(models.RoleUser, "list"),
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": strings.Repeat("l", 200)}}}},
			{Role: models.RoleTool, ToolCallID: "c1", Content: "a.txt"},
			msg(models.RoleAssistant, "one file"),
			msg(models.RoleUser, "thanks"),
		}
		out, err := a.Assemble(context.Background(), Input{History: history})
		require.NoError(t, err)
		require.NotEmpty(t, out.Messages)
		assert.NotEqual(t, models.RoleTool, out.Messages[0].Role)
		assert.Equal(t, "thanks", out.Messages[len(out.Messages)-1].Content)
	})

	t.Run("should keep the current user message after a tool round", func(t *testing.T) {
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 4096 + 300, ResponseReserve: 4096, Logger: zerolog.Nop()})
		history := []models.Message{
			msg(models.RoleUser, "old"),
			msg(models.RoleAssistant, "old"),
			msg(models.RoleUser, "read both"),
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "file", Arguments: map[string]any{"path": "a"}},
				{ID: "c2", Name: "file", Arguments: map[string]any{"path": "b"}},
			}},
			{Role: models.RoleTool, ToolCallID: "c1", Content: strings.Repeat("x", 600)},
			{Role: models.RoleTool, ToolCallID: "c2", Content: strings.Repeat("y", 600)},
		}

		out, err := a.Assemble(context.Background(), Input{History: history})
		require.NoError(t, err)
		require.Len(t, out.Messages, 4)
		assert.Equal(t, 2, out.DroppedMessages)
		assert.Equal(t, models.RoleUser, out.Messages[0].Role)
		assert.Equal(t, "read both", out.Messages[0].Content)
		assert.Equal(t, models.RoleAssistant, out.Messages[1].Role)
		assert.Len(t, out.Messages[1].ToolCalls, 2)
		assert.Equal(t, "c1", out.Messages[2].ToolCallID)
		assert.Equal(t, "c2", out.Messages[3].ToolCallID)
	})

	t.Run("should drop an older tool call together with its results", func(t *testing.T) {
		a := NewAssembler(Config{Identity: "id", MaxContextTokens: 160, ResponseReserve: 100, Logger: zerolog.Nop()})
		history := []models.Message{
			msg(models.RoleUser, "first"),
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}},
			{Role: models.RoleTool, ToolCallID: "c1", Content: strings.Repeat("z", 240)},
			msg(models.RoleAssistant, "summary"),
			msg(models.RoleUser, "next"),
		}

		out, err := a.Assemble(context.Background(), Input{History: history})
		require.NoError(t, err)
		require.Len(t, out.Messages, 2)
		assert.Equal(t, 3, out.DroppedMessages)
		for _, m := range out.Messages {
			assert.NotEqual(t, models.RoleTool, m.Role)
			assert.Empty(t, m.ToolCalls)
		}
	})

	t.Run("should use a preloaded memory section without retrieving", func(t *testing.T) {
		mem := &stubMemory{entries: []*models.MemoryEntry{{Type: models.MemoryFact, Content: "Project lives in ~/code/app"}}}
		a := NewAssembler(Config{Identity: "id", Memory: mem, Logger: zerolog.Nop()})

		section := a.MemoryContext(context.Background(), "where is the project?")
		require.Len(t, mem.queries, 1)
		assert.Contains(t, section, "- [fact] Project lives in ~/code/app")

		for i := 0; i < 3; i++ {
			out, err := a.Assemble(context.Background(), Input{
				History:      []models.Message{msg(models.RoleUser, "where is the project?")},
				Memory:       section,
				MemoryLoaded: true,
			})
			require.NoError(t, err)
			assert.Contains(t, out.System, memorySectionHeader)
		}
		assert.Len(t, mem.queries, 1)
	})

	t.Run("should reject empty history", func(t *testing.T) {
		_, err := NewAssembler(Config{}).Assemble(context.Background(), Input{})
		assert.Error(t, err)
	})
}

func TestToolSpecs(t *testing.T) {
	defs := []toolexecutor.ToolDefinition{{
		Name:        "file",
		Description: "File operations",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Target path", Required: true},
		},
	}}
	specs := ToolSpecs(defs)
	require.Len(t, specs, 1)
	assert.Equal(t, "file", specs[0].Name)
	assert.Equal(t, []string{"path"}, specs[0].Parameters["required"])
}
