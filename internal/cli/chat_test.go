package cli

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskflow/pkg/gateway"
	"github.com/harun/deskflow/pkg/models"
)

// streamDaemon accepts one chat message, hands it to received and replies with events.
func streamDaemon(t *testing.T, received chan<- gateway.ClientMessage, events ...models.StreamEvent) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg gateway.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		// Hold the connection until the client hangs up.
		_, _, _ = conn.ReadMessage()
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestChatCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := execute(t, "chat", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "conversation")
	})

	t.Run("should require a message", func(t *testing.T) {
		_, _, err := execute(t, "chat")
		assert.Error(t, err)
	})

	t.Run("should stream the reply to stdout", func(t *testing.T) {
		received := make(chan gateway.ClientMessage, 1)
		host := streamDaemon(t, received,
			models.StreamEvent{Type: models.EventConversationID, Content: "conv-9"},
			models.StreamEvent{Type: models.EventText, Content: "Listing "},
			models.StreamEvent{Type: models.EventToolStart, ToolCall: &models.ToolCall{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}},
			models.StreamEvent{Type: models.EventToolResult, ToolResult: &models.ToolResult{ToolCallID: "c1", ToolName: "shell", Success: true, DurationMs: 12}},
			models.StreamEvent{Type: models.EventText, Content: "done."},
			models.StreamEvent{Type: models.EventDone},
		)

		out, errOut, err := execute(t, "chat", "--addr", host, "--conversation", "conv-9", "list", "my", "files")
		require.NoError(t, err)

		msg := <-received
		assert.Equal(t, "list my files", msg.Message)
		assert.Equal(t, "conv-9", msg.ConversationID)

		assert.Equal(t, "Listing done.\n", out)
		assert.Contains(t, errOut, "conversation: conv-9")
		assert.Contains(t, errOut, `[tool] shell {"command":"ls"}`)
		assert.Contains(t, errOut, "[tool] shell ok (12ms)")
	})

	t.Run("should return the turn error", func(t *testing.T) {
		received := make(chan gateway.ClientMessage, 1)
		host := streamDaemon(t, received,
			models.StreamEvent{Type: models.EventError, Content: "all providers failed"},
			models.StreamEvent{Type: models.EventDone},
		)

		_, _, err := execute(t, "chat", "--addr", host, "hello")
		assert.EqualError(t, err, "all providers failed")
	})

	t.Run("should report an unreachable daemon", func(t *testing.T) {
		_, _, err := execute(t, "chat", "--addr", closedAddr(t), "hello")
		assert.ErrorIs(t, err, errDaemonUnreachable)
	})
}
