package agent

import "errors"

var (
	// ErrConversationBusy is returned when concurrent turns are rejected and one is active.
	ErrConversationBusy = errors.New("conversation already has an active turn")

	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("empty message")

	// ErrTurnFailed wraps the content of an error event seen by Chat.
	ErrTurnFailed = errors.New("turn failed")
)
