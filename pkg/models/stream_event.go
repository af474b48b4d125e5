package models

// StreamEventType identifies a streaming event emitted during a turn.
type StreamEventType string

const (
	EventConversationID StreamEventType = "conversation_id"
	EventText           StreamEventType = "text"
	EventToolStart      StreamEventType = "tool_start"
	EventToolEnd        StreamEventType = "tool_end"
	EventToolResult     StreamEventType = "tool_result"
	EventError          StreamEventType = "error"
	EventDone           StreamEventType = "done"
)

// StreamEvent is the wire shape of one streaming event.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone
}
