// Package models defines the core data types shared by the deskflow runtime.
package models

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a tool call status change is not allowed.
var ErrInvalidTransition = errors.New("invalid tool call status transition")

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"` // set on tool-role messages
	IsStreaming bool           `json:"is_streaming,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    ToolCallStatus `json:"status"`
}

// Transition moves the call to the given status.
// Only pending->running and running->completed|failed are allowed.
func (c *ToolCall) Transition(to ToolCallStatus) error {
	switch {
	case c.Status == ToolCallPending && to == ToolCallRunning,
		c.Status == ToolCallRunning && (to == ToolCallCompleted || to == ToolCallFailed):
		c.Status = to
		return nil
	}
	return ErrInvalidTransition
}

// Terminal reports whether the call has finished.
func (c *ToolCall) Terminal() bool {
	return c.Status == ToolCallCompleted || c.Status == ToolCallFailed
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Truncated  bool           `json:"truncated,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Conversation is an ordered sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a message and bumps UpdatedAt.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// LastAssistant returns the most recent assistant message, or nil.
func (c *Conversation) LastAssistant() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return &c.Messages[i]
		}
	}
	return nil
}

// ConversationSummary is the listing view of a stored conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
