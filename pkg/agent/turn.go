package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/prompt"
)

// TurnState is the position of a turn in its loop.
type TurnState string

const (
	StateAwaitingInput  TurnState = "awaiting_input"
	StateAssembling     TurnState = "assembling"
	StateCallingModel   TurnState = "calling_model"
	StateEmittingText   TurnState = "emitting_text"
	StateToolsRequested TurnState = "tools_requested"
	StateExecutingTools TurnState = "executing_tools"
	StateFinalizing     TurnState = "finalizing"
	StateDone           TurnState = "done"
	StateError          TurnState = "error"
)

const (
	outcomeCompleted  = "completed"
	outcomeError      = "error"
	outcomeRoundLimit = "round_limit"
	outcomeCancelled  = "cancelled"

	maxInteractionChars     = 2000
	minInteractionUserChars = 8
	interactionImportance   = 0.5
)

// turnSummary carries data Chat needs that is not on the event stream.
// It is written by the turn goroutine before the event channel closes.
type turnSummary struct {
	conversationID string
	usage          llm.Usage
}

type turn struct {
	o       *Orchestrator
	convID  string
	message string
	events  chan<- models.StreamEvent
	summary *turnSummary
	logger  zerolog.Logger
	span    trace.Span

	conv    *models.Conversation
	state   TurnState
	rounds  int
	text    strings.Builder
	callIDs map[string]struct{}
}

func (o *Orchestrator) runTurn(ctx context.Context, conversationID, message string, events chan<- models.StreamEvent, summary *turnSummary) {
	ctx = tracing.NewTurnContext(ctx, conversationID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(conversationID, cancel)
	defer o.unregister(conversationID)

	ctx, span := tracing.StartSpan(ctx, "deskflow.agent", "agent.turn", attribute.String("conversation_id", conversationID))
	start := time.Now()
	observability.TurnStarted()
	o.stats.turnStarted()

	t := &turn{
		o:       o,
		convID:  conversationID,
		message: message,
		events:  events,
		summary: summary,
		logger:  tracing.LoggerFromContext(ctx, o.logger),
		span:    span,
		state:   StateAwaitingInput,
		callIDs: make(map[string]struct{}),
	}

	outcome, err := t.run(ctx)

	span.SetAttributes(attribute.Int("turn.rounds", t.rounds), attribute.String("turn.outcome", outcome))
	observability.RecordTurn(outcome, time.Since(start), t.rounds)
	tracing.EndSpan(span, err)
	t.logger.Info().
		Str("outcome", outcome).
		Int("rounds", t.rounds).
		Dur("duration", time.Since(start)).
		Msg("Turn finished")
}

func (t *turn) run(ctx context.Context) (string, error) {
	conv, isNew, err := t.o.resolveConversation(ctx, t.convID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, ctx.Err()
		}
		err = fmt.Errorf("load conversation: %w", err)
		t.setState(StateError)
		t.logger.Error().Err(err).Msg("Turn failed before start")
		if t.emit(ctx, models.StreamEvent{Type: models.EventError, Content: err.Error()}) {
			t.emit(ctx, models.StreamEvent{Type: models.EventDone})
		}
		return outcomeError, err
	}
	if isNew {
		t.o.stats.conversationStarted()
	}
	t.conv = conv
	t.conv.Append(models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   t.message,
		Timestamp: time.Now(),
	})

	if !t.emit(ctx, models.StreamEvent{Type: models.EventConversationID, Content: t.convID}) {
		return t.cancelled(ctx)
	}

	specs := prompt.ToolSpecs(t.o.tools.List())
	memory := t.o.assembler.MemoryContext(ctx, t.message)
	for {
		t.setState(StateAssembling)
		assembled, err := t.o.assembler.Assemble(ctx, prompt.Input{
			Query:        t.message,
			History:      t.conv.Messages,
			Tools:        specs,
			Memory:       memory,
			MemoryLoaded: true,
		})
		if err != nil {
			return t.finishWithError(ctx, outcomeError, fmt.Errorf("assemble prompt: %w", err))
		}

		t.setState(StateCallingModel)
		var streamed strings.Builder
		resp, err := t.o.model.Send(ctx, &llm.Request{
			System:    assembled.System,
			Messages:  assembled.Messages,
			Tools:     assembled.Tools,
			MaxTokens: t.o.maxTokens,
		}, func(delta string) {
			if delta == "" {
				return
			}
			if t.state != StateEmittingText {
				t.setState(StateEmittingText)
			}
			streamed.WriteString(delta)
			t.emitText(ctx, delta)
		})
		if ctx.Err() != nil {
			t.appendAssistant(streamed.String(), nil)
			return t.cancelled(ctx)
		}
		if err != nil {
			// Streamed text stays visible and is kept in the conversation.
			t.appendAssistant(streamed.String(), nil)
			return t.finishWithError(ctx, outcomeError, err)
		}

		t.recordUsage(resp.Usage)
		content := resp.Content
		if content == "" {
			content = streamed.String()
		}
		if streamed.Len() == 0 && content != "" {
			t.emitText(ctx, content)
		}

		if len(resp.ToolCalls) == 0 {
			t.appendAssistant(content, nil)
			return t.finish(ctx)
		}
		if t.rounds >= t.o.maxRounds {
			t.appendAssistant(content, nil)
			return t.finishWithError(ctx, outcomeRoundLimit, fmt.Errorf("round limit exceeded (%d rounds)", t.o.maxRounds))
		}

		t.rounds++
		t.setState(StateToolsRequested)
		calls := t.prepareCalls(resp.ToolCalls)

		t.setState(StateExecutingTools)
		results := t.executeTools(ctx, calls)

		t.appendAssistant(content, calls)
		for _, res := range results {
			t.conv.Append(toolMessage(res))
		}
		if ctx.Err() != nil {
			return t.cancelled(ctx)
		}
	}
}

func (t *turn) setState(s TurnState) {
	t.state = s
	t.span.SetAttributes(attribute.String("turn.state", string(s)))
	t.logger.Debug().Str("state", string(s)).Int("round", t.rounds).Msg("Turn state")
}

func (t *turn) emit(ctx context.Context, ev models.StreamEvent) bool {
	return emit(ctx, t.events, ev)
}

func (t *turn) emitText(ctx context.Context, text string) {
	t.text.WriteString(text)
	t.emit(ctx, models.StreamEvent{Type: models.EventText, Content: text})
}

func (t *turn) recordUsage(u llm.Usage) {
	t.summary.usage.InputTokens += u.InputTokens
	t.summary.usage.OutputTokens += u.OutputTokens
	t.o.stats.addTokens(u.Total())
}

func (t *turn) appendAssistant(content string, calls []models.ToolCall) {
	if content == "" && len(calls) == 0 {
		return
	}
	t.conv.Append(models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		ToolCalls: calls,
	})
}

// prepareCalls gives every call a turn-unique id and a pending status.
func (t *turn) prepareCalls(raw []models.ToolCall) []models.ToolCall {
	calls := make([]models.ToolCall, len(raw))
	for i, c := range raw {
		if _, dup := t.callIDs[c.ID]; c.ID == "" || dup {
			c.ID = newCallID()
		}
		t.callIDs[c.ID] = struct{}{}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		c.Status = models.ToolCallPending
		calls[i] = c
	}
	return calls
}

// executeTools runs the calls of one round concurrently. Results keep call order.
func (t *turn) executeTools(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.executeTool(ctx, &calls[i])
		}()
	}
	wg.Wait()
	return results
}

func (t *turn) executeTool(ctx context.Context, call *models.ToolCall) models.ToolResult {
	_ = call.Transition(models.ToolCallRunning)
	t.o.stats.toolStarted()
	defer t.o.stats.toolFinished()

	logger := t.logger.With().Str("tool", call.Name).Str("tool_call_id", call.ID).Logger()

	started := *call
	var res models.ToolResult
	if t.emit(ctx, models.StreamEvent{Type: models.EventToolStart, ToolCall: &started}) {
		res = t.o.tools.Execute(tracing.WithToolCallID(ctx, call.ID), call.Name, call.Arguments)
	} else {
		res = models.ToolResult{Success: false, Error: "turn cancelled"}
	}
	res.ToolCallID = call.ID
	res.ToolName = call.Name

	if res.Success {
		_ = call.Transition(models.ToolCallCompleted)
		logger.Debug().Int64("durationMs", res.DurationMs).Msg("Tool call completed")
	} else {
		_ = call.Transition(models.ToolCallFailed)
		logger.Warn().Str("error", res.Error).Msg("Tool call failed")
	}

	ended := *call
	result := res
	if t.emit(ctx, models.StreamEvent{Type: models.EventToolEnd, ToolCall: &ended}) {
		t.emit(ctx, models.StreamEvent{Type: models.EventToolResult, ToolResult: &result})
	}
	return res
}

func toolMessage(res models.ToolResult) models.Message {
	content := res.Output
	if !res.Success {
		content = "Error: " + res.Error
		if res.Output != "" {
			content += "\n" + res.Output
		}
	}
	return models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleTool,
		Content:     content,
		Timestamp:   time.Now(),
		ToolCallID:  res.ToolCallID,
		ToolResults: []models.ToolResult{res},
	}
}

func (t *turn) finish(ctx context.Context) (string, error) {
	t.finalize(ctx, true)
	t.setState(StateDone)
	t.emit(ctx, models.StreamEvent{Type: models.EventDone})
	return outcomeCompleted, nil
}

// finishWithError reports err and still finalizes what the turn produced.
func (t *turn) finishWithError(ctx context.Context, outcome string, err error) (string, error) {
	t.setState(StateError)
	t.logger.Error().Err(err).Int("round", t.rounds).Msg("Turn ended with error")
	t.emit(ctx, models.StreamEvent{Type: models.EventError, Content: err.Error()})
	t.finalize(ctx, false)
	t.emit(ctx, models.StreamEvent{Type: models.EventDone})
	return outcome, err
}

// cancelled keeps the partial conversation and sends nothing further.
func (t *turn) cancelled(ctx context.Context) (string, error) {
	t.logger.Info().Int("round", t.rounds).Msg("Turn cancelled")
	t.finalize(ctx, false)
	return outcomeCancelled, ctx.Err()
}

// finalize persists the conversation and, for completed turns, the interaction memory.
// Both outlive a cancelled turn context.
func (t *turn) finalize(ctx context.Context, remember bool) {
	t.setState(StateFinalizing)
	persistCtx := tracing.Detach(ctx)

	if err := t.o.store.Save(persistCtx, t.conv); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist conversation")
	}
	if remember {
		t.rememberInteraction(persistCtx)
	}
}

func (t *turn) rememberInteraction(ctx context.Context) {
	if t.o.memory == nil || !t.o.storeInteractions {
		return
	}
	user := strings.TrimSpace(t.message)
	assistant := strings.TrimSpace(t.text.String())
	if assistant == "" || len([]rune(user)) < minInteractionUserChars {
		return
	}

	entry := &models.MemoryEntry{
		Content:              truncateRunes(fmt.Sprintf("User: %s\nAssistant: %s", user, assistant), maxInteractionChars),
		Type:                 models.MemoryFact,
		Importance:           interactionImportance,
		Tags:                 []string{"interaction"},
		SourceConversationID: t.convID,
	}
	if err := t.o.memory.Add(ctx, entry); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to store interaction memory")
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func newCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "call_" + uuid.NewString()
	}
	return "call_" + id
}
