package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/harun/deskflow/pkg/gateway"
	"github.com/harun/deskflow/pkg/models"
)

var (
	chatConversation string
	chatShowTools    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message to the running daemon",
	Long: `Send one message to the running daemon and stream the reply to stdout.
Pass --conversation to continue an existing conversation. Interrupting
the command aborts the turn.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "conversation id to continue")
	chatCmd.Flags().BoolVar(&chatShowTools, "show-tools", true, "print tool calls and results to stderr")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return errors.New("message is empty")
	}
	host, err := daemonAddr()
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/chat/stream"}
	conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errDaemonUnreachable, host, err)
	}
	resp.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(gateway.ClientMessage{Message: message, ConversationID: chatConversation}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	// Ask the daemon to stop the turn when the command is interrupted.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-cmd.Context().Done():
			_ = conn.WriteJSON(gateway.ClientMessage{Type: "stop"})
		case <-stopped:
		}
	}()

	return printTurn(cmd.Context(), conn, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// printTurn reads events until done. Text goes to out, everything else to errOut.
func printTurn(ctx context.Context, conn *websocket.Conn, out, errOut io.Writer) error {
	var turnErr error
	for {
		var ev models.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		switch ev.Type {
		case models.EventConversationID:
			fmt.Fprintf(errOut, "conversation: %s\n", ev.Content)
		case models.EventText:
			fmt.Fprint(out, ev.Content)
		case models.EventToolStart:
			if chatShowTools && ev.ToolCall != nil {
				args, _ := json.Marshal(ev.ToolCall.Arguments)
				fmt.Fprintf(errOut, "\n[tool] %s %s\n", ev.ToolCall.Name, args)
			}
		case models.EventToolResult:
			if chatShowTools && ev.ToolResult != nil {
				status := "ok"
				if !ev.ToolResult.Success {
					status = "failed: " + ev.ToolResult.Error
				}
				fmt.Fprintf(errOut, "[tool] %s %s (%dms)\n", ev.ToolResult.ToolName, status, ev.ToolResult.DurationMs)
			}
		case models.EventError:
			turnErr = errors.New(ev.Content)
		case models.EventDone:
			fmt.Fprintln(out)
			return turnErr
		}
	}
}
