// Package prompt assembles the system prompt and trimmed history sent to the model.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// DefaultIdentity is used when no system prompt is configured.
const DefaultIdentity = "You are Deskflow, a desktop assistant. You can run shell commands and work with files " +
	"through the tools listed below. Use a tool when it helps answer the request, and explain what you did."

const (
	memorySectionHeader = "## Relevant Context from Memory"
	toolsSectionHeader  = "## Available Tools"

	defaultMaxContextTokens = 128000
	defaultResponseReserve  = 4096
	defaultMemoryResults    = 5
)

// MemorySource returns entries relevant to a query. *memory.Manager satisfies it.
type MemorySource interface {
	Retrieve(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error)
}

// Config holds assembler settings.
type Config struct {
	Identity         string
	MaxContextTokens int
	ResponseReserve  int
	MemoryResults    int
	// Memory is optional.
	Memory MemorySource
	Logger zerolog.Logger
}

// Input is one round's raw material. History holds the current user message
// and whatever the turn has appended after it.
type Input struct {
	// Query drives memory retrieval; it defaults to the last user message.
	Query   string
	History []models.Message
	Tools   []llm.ToolSpec
	// Memory is a section built by MemoryContext. When MemoryLoaded is set
	// it is used as is and no retrieval happens.
	Memory       string
	MemoryLoaded bool
}

// Assembled is the request-ready prompt.
type Assembled struct {
	System          string
	Messages        []models.Message
	Tools           []llm.ToolSpec
	EstimatedTokens int
	DroppedMessages int
}

// Assembler builds prompts within a token budget.
type Assembler struct {
	cfg    Config
	logger zerolog.Logger
}

// NewAssembler creates an assembler. Zero config fields take defaults.
func NewAssembler(cfg Config) *Assembler {
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaultMaxContextTokens
	}
	if cfg.ResponseReserve <= 0 {
		cfg.ResponseReserve = defaultResponseReserve
	}
	if cfg.MemoryResults <= 0 {
		cfg.MemoryResults = defaultMemoryResults
	}
	return &Assembler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "prompt").Logger(),
	}
}

// Budget returns the tokens available for the prompt.
func (a *Assembler) Budget() int {
	if b := a.cfg.MaxContextTokens - a.cfg.ResponseReserve; b > 0 {
		return b
	}
	return 0
}

// Assemble builds identity, memory context, tool catalogue and as much recent
// history as fits. The current user message and everything after it are
// always kept.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Assembled, error) {
	if len(in.History) == 0 {
		return nil, fmt.Errorf("history must contain the current message")
	}
	budget := a.Budget()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	query := in.Query
	if query == "" {
		query = lastUserContent(in.History)
	}

	mem := in.Memory
	if !in.MemoryLoaded {
		mem = a.memorySection(ctx, query, budget/4, logger)
	}

	sections := []string{a.cfg.Identity}
	if mem != "" {
		sections = append(sections, mem)
	}
	if tools := toolsSection(in.Tools); tools != "" {
		sections = append(sections, tools)
	}
	system := strings.Join(sections, "\n\n")
	used := llm.EstimateTokens(system)

	kept, dropped, historyTokens := trimHistory(in.History, budget-used)
	if dropped > 0 {
		logger.Info().
			Int("dropped", dropped).
			Int("kept", len(kept)).
			Int("budget", budget).
			Msg("Trimmed conversation history")
	}

	return &Assembled{
		System:          system,
		Messages:        kept,
		Tools:           in.Tools,
		EstimatedTokens: used + historyTokens,
		DroppedMessages: dropped,
	}, nil
}

// MemoryContext retrieves the memory section for query once, so a multi-round
// turn can pass it to every Assemble call through Input.Memory.
func (a *Assembler) MemoryContext(ctx context.Context, query string) string {
	logger := tracing.LoggerFromContext(ctx, a.logger)
	return a.memorySection(ctx, query, a.Budget()/4, logger)
}

func (a *Assembler) memorySection(ctx context.Context, query string, limit int, logger zerolog.Logger) string {
	if a.cfg.Memory == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	entries, err := a.cfg.Memory.Retrieve(ctx, query, "", a.cfg.MemoryResults)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load memory context")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(memorySectionHeader)
	used := llm.EstimateTokens(memorySectionHeader)
	added := 0
	for _, e := range entries {
		line := fmt.Sprintf("- [%s] %s", e.Type, e.Content)
		cost := llm.EstimateTokens(line) + 1
		if used+cost > limit {
			break
		}
		sb.WriteString("\n")
		sb.WriteString(line)
		used += cost
		added++
	}
	if added == 0 {
		return ""
	}
	return sb.String()
}

func toolsSection(tools []llm.ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(toolsSectionHeader)
	for _, t := range tools {
		fmt.Fprintf(&sb, "\n- **%s**: %s", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			if schema, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&sb, "\n  Parameters: %s", schema)
			}
		}
	}
	return sb.String()
}

// trimHistory pins the last user message and everything after it, then adds
// older messages newest first while they fit in budget. An assistant message
// with tool calls and its tool results are kept or dropped together.
func trimHistory(history []models.Message, budget int) ([]models.Message, int, int) {
	pin := len(history) - 1
	for i := pin; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			pin = i
			break
		}
	}

	used := 0
	for _, m := range history[pin:] {
		used += llm.EstimateMessage(m)
	}

	start := pin
	for start > 0 {
		blockStart := start - 1
		for blockStart >= 0 && history[blockStart].Role == models.RoleTool {
			blockStart--
		}
		if blockStart < start-1 {
			// tool results need the assistant message that requested them
			if blockStart < 0 || history[blockStart].Role != models.RoleAssistant || len(history[blockStart].ToolCalls) == 0 {
				break
			}
		}
		cost := 0
		for _, m := range history[blockStart:start] {
			cost += llm.EstimateMessage(m)
		}
		if used+cost > budget {
			break
		}
		used += cost
		start = blockStart
	}

	kept := make([]models.Message, len(history)-start)
	copy(kept, history[start:])
	return kept, start, used
}

func lastUserContent(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// ToolSpecs converts registry definitions into model tool specs.
func ToolSpecs(defs []toolexecutor.ToolDefinition) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.JSONSchema(),
		})
	}
	return specs
}
