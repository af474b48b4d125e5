package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/models"
)

const maxFrameBytes = 1 << 20

// activeTurn is the single in-flight turn of a stream connection.
type activeTurn struct {
	cancel context.CancelFunc
	done   chan struct{}
	// settled is set before the final event is written, so a client that
	// saw done may start its next turn right away.
	settled atomic.Bool

	mu             sync.Mutex
	conversationID string
}

func (t *activeTurn) setConversation(id string) {
	t.mu.Lock()
	t.conversationID = id
	t.mu.Unlock()
}

func (t *activeTurn) conversation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

func (t *activeTurn) running() bool {
	if t == nil {
		return false
	}
	if t.settled.Load() {
		<-t.done
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// handleStream upgrades to a WebSocket and serves turns until the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id, err := gonanoid.New()
	if err != nil {
		id = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    remoteIP(r),
		RateLimiter:  NewRateLimiter(s.turnsPerMinute, 1),
		lastActivity: now,
	}

	s.streams.Add(1)
	defer s.streams.Done()
	s.clients.Add(client)
	defer s.clients.Remove(client.ID)

	logger := tracing.LoggerFromContext(r.Context(), s.logger).With().Str("client_id", client.ID).Logger()
	logger.Info().Str("ip", client.IPAddress).Msg("Stream client connected")

	// Hijacked connections are not watched by net/http, so closing the
	// connection is what cancels connCtx.
	connCtx, cancelConn := context.WithCancel(r.Context())
	turn := s.readLoop(connCtx, client, logger)
	cancelConn()
	if turn != nil {
		<-turn.done
	}
	_ = conn.Close()

	logger.Info().Msg("Stream client disconnected")
}

// readLoop handles client frames until the connection fails and returns the
// last turn it started.
func (s *Server) readLoop(ctx context.Context, client *Client, logger zerolog.Logger) *activeTurn {
	var turn *activeTurn
	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("Stream read ended")
			}
			return turn
		}
		client.touch(false)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: "invalid JSON"})
			continue
		}

		switch msg.Type {
		case clientMessageStop:
			if turn.running() {
				s.stopTurn(client, turn, logger)
			}
			continue
		case "":
		default:
			s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: "unknown message type"})
			continue
		}

		if strings.TrimSpace(msg.Message) == "" {
			s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: "empty message"})
			continue
		}
		if turn.running() {
			s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: "turn already in progress"})
			continue
		}
		if ok, reason := client.RateLimiter.Begin(); !ok {
			s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: reason})
			continue
		}

		client.touch(true)
		turn = s.startTurn(ctx, client, msg, logger)
	}
}

// startTurn runs one turn and forwards its events to the client in order.
func (s *Server) startTurn(ctx context.Context, client *Client, msg ClientMessage, logger zerolog.Logger) *activeTurn {
	turnCtx, cancel := context.WithCancel(ctx)
	turn := &activeTurn{cancel: cancel, done: make(chan struct{}), conversationID: msg.ConversationID}

	events, err := s.chat.Stream(turnCtx, msg.Message, msg.ConversationID)
	if err != nil {
		cancel()
		client.RateLimiter.End()
		close(turn.done)
		s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: err.Error()})
		s.sendEvent(client, models.StreamEvent{Type: models.EventDone})
		return turn
	}

	go func() {
		defer close(turn.done)
		defer client.RateLimiter.End()
		defer cancel()

		for ev := range events {
			if ev.Type == models.EventConversationID {
				turn.setConversation(ev.Content)
			}
			if ev.Terminal() {
				turn.settled.Store(true)
			}
			// drain without writing once the turn is stopped
			if turnCtx.Err() != nil {
				continue
			}
			if err := s.sendEvent(client, ev); err != nil {
				logger.Debug().Err(err).Msg("Stream write failed, cancelling turn")
				cancel()
			}
		}
	}()
	return turn
}

// stopTurn aborts the active turn and tells the client once it has wound down.
func (s *Server) stopTurn(client *Client, turn *activeTurn, logger zerolog.Logger) {
	turn.cancel()
	<-turn.done

	logger.Info().Str("conversation_id", turn.conversation()).Msg("Turn aborted by client")
	s.sendEvent(client, models.StreamEvent{Type: models.EventError, Content: "turn aborted"})
	s.sendEvent(client, models.StreamEvent{Type: models.EventDone})
}

func (s *Server) sendEvent(client *Client, ev models.StreamEvent) error {
	return client.WriteJSON(ev)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
