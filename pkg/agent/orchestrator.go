package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/commandqueue"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/prompt"
	"github.com/harun/deskflow/pkg/session"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

const (
	defaultMaxToolRounds = 10
	defaultEventBuffer   = 32
	queueWarnAfter       = 30 * time.Second
)

// ModelClient sends a request with failover. *llm.Client satisfies it.
type ModelClient interface {
	Send(ctx context.Context, req *llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error)
}

// ToolRunner lists and executes tools. *toolexecutor.Registry satisfies it.
type ToolRunner interface {
	List() []toolexecutor.ToolDefinition
	Execute(ctx context.Context, name string, params map[string]any) models.ToolResult
}

// ConversationStore persists conversations. *session.Store satisfies it.
type ConversationStore interface {
	Load(ctx context.Context, id string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
}

// MemoryWriter stores derived memories. *memory.Manager satisfies it.
type MemoryWriter interface {
	Add(ctx context.Context, e *models.MemoryEntry) error
}

// PromptAssembler builds the model context. *prompt.Assembler satisfies it.
type PromptAssembler interface {
	MemoryContext(ctx context.Context, query string) string
	Assemble(ctx context.Context, in prompt.Input) (*prompt.Assembled, error)
}

// Config holds orchestrator dependencies and limits.
type Config struct {
	Model     ModelClient
	Tools     ToolRunner
	Store     ConversationStore
	Assembler PromptAssembler
	Queue     *commandqueue.Queue
	// Memory is optional; without it no interaction memories are written.
	Memory MemoryWriter

	MaxToolRounds     int
	EventBuffer       int
	MaxTokens         int
	RejectConcurrent  bool
	StoreInteractions bool
	Logger            zerolog.Logger
}

// ChatResult is the outcome of a non-streaming turn.
type ChatResult struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id"`
	ToolCalls      []models.ToolCall `json:"tool_calls"`
	Usage          llm.Usage         `json:"usage"`
}

// Orchestrator runs conversation turns.
type Orchestrator struct {
	model     ModelClient
	tools     ToolRunner
	store     ConversationStore
	assembler PromptAssembler
	queue     *commandqueue.Queue
	memory    MemoryWriter

	maxRounds         int
	eventBuffer       int
	maxTokens         int
	rejectConcurrent  bool
	storeInteractions bool
	logger            zerolog.Logger

	stats Stats

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Assembler == nil {
		return nil, fmt.Errorf("prompt assembler is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Orchestrator{
		model:             cfg.Model,
		tools:             cfg.Tools,
		store:             cfg.Store,
		assembler:         cfg.Assembler,
		queue:             cfg.Queue,
		memory:            cfg.Memory,
		maxRounds:         cfg.MaxToolRounds,
		eventBuffer:       cfg.EventBuffer,
		maxTokens:         cfg.MaxTokens,
		rejectConcurrent:  cfg.RejectConcurrent,
		storeInteractions: cfg.StoreInteractions,
		logger:            cfg.Logger.With().Str("component", "agent").Logger(),
		active:            make(map[string]context.CancelFunc),
	}, nil
}

// Stream runs one turn and returns its events. An empty conversationID starts
// a new conversation. The channel closes after done, or without done when ctx
// is cancelled or the turn is aborted.
func (o *Orchestrator) Stream(ctx context.Context, message, conversationID string) (<-chan models.StreamEvent, error) {
	events, _, err := o.start(ctx, message, conversationID)
	return events, err
}

func (o *Orchestrator) start(ctx context.Context, message, conversationID string) (<-chan models.StreamEvent, *turnSummary, error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil, ErrEmptyMessage
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	lane := commandqueue.LaneFor(conversationID)
	if o.rejectConcurrent && (o.IsRunning(conversationID) || o.queue.Busy(lane)) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
	}

	events := make(chan models.StreamEvent, o.eventBuffer)
	summary := &turnSummary{conversationID: conversationID}

	go func() {
		defer close(events)
		logger := tracing.LoggerFromContext(ctx, o.logger).With().Str("conversation_id", conversationID).Logger()

		_, err := o.queue.Enqueue(ctx, lane, func(taskCtx context.Context) (any, error) {
			o.runTurn(taskCtx, conversationID, message, events, summary)
			return nil, nil
		}, &commandqueue.TaskOptions{WarnAfter: queueWarnAfter})
		if err == nil || ctx.Err() != nil {
			return
		}
		// The turn never ran: the lane is full or the queue is closed.
		logger.Warn().Err(err).Msg("Turn rejected by queue")
		if emit(ctx, events, models.StreamEvent{Type: models.EventError, Content: err.Error()}) {
			emit(ctx, events, models.StreamEvent{Type: models.EventDone})
		}
	}()

	return events, summary, nil
}

// Chat runs a turn and waits for it to finish.
func (o *Orchestrator) Chat(ctx context.Context, message, conversationID string) (*ChatResult, error) {
	events, summary, err := o.start(ctx, message, conversationID)
	if err != nil {
		return nil, err
	}

	result := &ChatResult{ConversationID: summary.conversationID}
	var text strings.Builder
	var turnErr string
	done := false
	for ev := range events {
		switch ev.Type {
		case models.EventText:
			text.WriteString(ev.Content)
		case models.EventToolEnd:
			if ev.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *ev.ToolCall)
			}
		case models.EventError:
			turnErr = ev.Content
		case models.EventDone:
			done = true
		}
	}

	result.Message = text.String()
	result.Usage = summary.usage
	if !done {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		return result, context.Canceled
	}
	if turnErr != "" {
		return result, fmt.Errorf("%w: %s", ErrTurnFailed, turnErr)
	}
	return result, nil
}

// Abort cancels the active turn of a conversation. It reports whether one was running.
func (o *Orchestrator) Abort(conversationID string) bool {
	o.activeMu.Lock()
	cancel, ok := o.active[conversationID]
	o.activeMu.Unlock()

	if !ok {
		o.logger.Debug().Str("conversation_id", conversationID).Msg("No active turn to abort")
		return false
	}
	o.logger.Info().Str("conversation_id", conversationID).Msg("Aborting turn")
	cancel()
	return true
}

// IsRunning reports whether a turn of the conversation is executing.
func (o *Orchestrator) IsRunning(conversationID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	_, ok := o.active[conversationID]
	return ok
}

// Stats returns the current counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}

func (o *Orchestrator) register(conversationID string, cancel context.CancelFunc) {
	o.activeMu.Lock()
	o.active[conversationID] = cancel
	o.activeMu.Unlock()
}

func (o *Orchestrator) unregister(conversationID string) {
	o.activeMu.Lock()
	delete(o.active, conversationID)
	o.activeMu.Unlock()
}

// resolveConversation loads a stored conversation or starts one under id.
func (o *Orchestrator) resolveConversation(ctx context.Context, id string) (*models.Conversation, bool, error) {
	conv, err := o.store.Load(ctx, id)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, false, err
	}
	now := time.Now()
	return &models.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}, true, nil
}

// emit sends ev unless ctx ends first. It never sends after cancellation.
func emit(ctx context.Context, ch chan<- models.StreamEvent, ev models.StreamEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- ev:
		observability.RecordStreamEvent(string(ev.Type))
		return true
	case <-ctx.Done():
		return false
	}
}
