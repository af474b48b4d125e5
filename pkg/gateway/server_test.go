package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskflow/pkg/agent"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/memory"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/session"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// MockChat is a mock ChatService. StreamFn, when set, replaces the mocked Stream.
type MockChat struct {
	mock.Mock
	StreamFn func(ctx context.Context, message, conversationID string) (<-chan models.StreamEvent, error)
}

func (m *MockChat) Stream(ctx context.Context, message, conversationID string) (<-chan models.StreamEvent, error) {
	if m.StreamFn != nil {
		return m.StreamFn(ctx, message, conversationID)
	}
	args := m.Called(ctx, message, conversationID)
	ch, _ := args.Get(0).(<-chan models.StreamEvent)
	return ch, args.Error(1)
}

func (m *MockChat) Chat(ctx context.Context, message, conversationID string) (*agent.ChatResult, error) {
	args := m.Called(ctx, message, conversationID)
	res, _ := args.Get(0).(*agent.ChatResult)
	return res, args.Error(1)
}

func (m *MockChat) Abort(conversationID string) bool {
	return m.Called(conversationID).Bool(0)
}

func (m *MockChat) Stats() agent.StatsSnapshot {
	return agent.StatsSnapshot{TotalConversations: 3, TotalTurns: 7}
}

type stubMemory struct{ stats memory.Stats }

func (s stubMemory) Stats(context.Context) memory.Stats { return s.stats }

func newTestServer(t *testing.T, mutate func(cfg *Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		Host:    "127.0.0.1",
		Version: "1.2.3",
		Chat:    &MockChat{},
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestNewServer(t *testing.T) {
	t.Run("should require a chat service", func(t *testing.T) {
		_, err := NewServer(Config{Logger: zerolog.Nop()})
		assert.ErrorContains(t, err, "chat service is required")
	})

	t.Run("should reject an invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Chat: &MockChat{}, Port: 70000, Logger: zerolog.Nop()})
		assert.ErrorContains(t, err, "invalid port")
	})
}

func TestServer_Chat(t *testing.T) {
	t.Run("should return the turn result", func(t *testing.T) {
		chat := &MockChat{}
		chat.On("Chat", mock.Anything, "hello there", "conv-1").Return(&agent.ChatResult{
			Message:        "hi!",
			ConversationID: "conv-1",
			Usage:          llm.Usage{InputTokens: 10, OutputTokens: 2},
		}, nil)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Chat = chat })

		resp := postJSON(t, ts.URL+"/api/chat", `{"message":"hello there","conversation_id":"conv-1"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "hi!", body["message"])
		assert.Equal(t, "conv-1", body["conversation_id"])
		assert.Equal(t, []any{}, body["tool_calls"])
		assert.NotNil(t, body["usage"])
		chat.AssertExpectations(t)
	})

	t.Run("should reject invalid JSON", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := postJSON(t, ts.URL+"/api/chat", `{"message":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid JSON", decodeError(t, resp))
	})

	t.Run("should map orchestrator errors to status codes", func(t *testing.T) {
		cases := []struct {
			err    error
			status int
		}{
			{agent.ErrEmptyMessage, http.StatusBadRequest},
			{fmt.Errorf("%w: conv-1", agent.ErrConversationBusy), http.StatusConflict},
			{fmt.Errorf("%w: all providers failed", agent.ErrTurnFailed), http.StatusBadGateway},
			{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			chat := &MockChat{}
			chat.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)
			_, ts := newTestServer(t, func(cfg *Config) { cfg.Chat = chat })

			resp := postJSON(t, ts.URL+"/api/chat", `{"message":"hello there"}`)
			assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		}
	})

	t.Run("should rate limit chat requests", func(t *testing.T) {
		chat := &MockChat{}
		chat.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(&agent.ChatResult{Message: "ok"}, nil)
		_, ts := newTestServer(t, func(cfg *Config) {
			cfg.Chat = chat
			cfg.TurnsPerMinute = 1
		})

		assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/api/chat", `{"message":"first one"}`).StatusCode)
		resp := postJSON(t, ts.URL+"/api/chat", `{"message":"second one"}`)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, reasonRateLimited, decodeError(t, resp))
		chat.AssertNumberOfCalls(t, "Chat", 1)
	})
}

func TestServer_Abort(t *testing.T) {
	t.Run("should report whether a turn was aborted", func(t *testing.T) {
		chat := &MockChat{}
		chat.On("Abort", "conv-1").Return(true)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Chat = chat })

		resp := postJSON(t, ts.URL+"/api/conversations/conv-1/abort", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body["aborted"])
		chat.AssertExpectations(t)
	})
}

func TestServer_Health(t *testing.T) {
	t.Run("should report version and uptime", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		var body HealthResponse
		resp := getJSON(t, ts.URL+"/api/health", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "1.2.3", body.Version)
		assert.GreaterOrEqual(t, body.Uptime, int64(0))
	})

	t.Run("should answer liveness probes", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		var body map[string]string
		getJSON(t, ts.URL+"/healthz", &body)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("should be unavailable without providers", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := getJSON(t, ts.URL+"/api/health/providers", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("should serve prometheus metrics", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := getJSON(t, ts.URL+"/metrics", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_Status(t *testing.T) {
	t.Run("should combine stats from every service", func(t *testing.T) {
		registry := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
		require.NoError(t, registry.Register(toolexecutor.ToolDefinition{
			Name:        "echo",
			Description: "Echo text back",
			Handler:     func(context.Context, map[string]any) (any, error) { return "ok", nil },
		}))
		_, ts := newTestServer(t, func(cfg *Config) {
			cfg.Tools = registry
			cfg.Memory = stubMemory{stats: memory.Stats{Entries: 12, Vectors: true}}
		})

		var body StatusResponse
		getJSON(t, ts.URL+"/api/status", &body)
		assert.Equal(t, int64(3), body.Stats.TotalConversations)
		assert.Equal(t, int64(7), body.Stats.TotalTurns)
		require.NotNil(t, body.Memory)
		assert.Equal(t, 12, body.Memory.Entries)
		assert.Equal(t, 1, body.Tools)
		assert.Equal(t, int64(0), body.ToolsActive)
		assert.Empty(t, body.Providers)
	})
}

func TestServer_Config(t *testing.T) {
	t.Run("should be unavailable without a snapshot source", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := getJSON(t, ts.URL+"/api/config", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("should return the snapshot", func(t *testing.T) {
		_, ts := newTestServer(t, func(cfg *Config) {
			cfg.ConfigSnapshot = func() map[string]any {
				return map[string]any{"anthropic_api_key": "sk-a…wxyz"}
			}
		})
		var body map[string]any
		getJSON(t, ts.URL+"/api/config", &body)
		assert.Equal(t, "sk-a…wxyz", body["anthropic_api_key"])
	})
}

func TestServer_Tools(t *testing.T) {
	t.Run("should list registered tools", func(t *testing.T) {
		registry := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
		for _, name := range []string{"shell", "file_read"} {
			require.NoError(t, registry.Register(toolexecutor.ToolDefinition{
				Name:        name,
				Description: "builtin " + name,
				Parameters:  []toolexecutor.ToolParameter{{Name: "path", Type: "string", Required: true}},
				Handler:     func(context.Context, map[string]any) (any, error) { return nil, nil },
			}))
		}
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Tools = registry })

		var body struct {
			Tools []ToolInfo `json:"tools"`
			Count int        `json:"count"`
		}
		getJSON(t, ts.URL+"/api/tools", &body)
		assert.Equal(t, 2, body.Count)
		assert.Equal(t, "file_read", body.Tools[0].Name)
		assert.Equal(t, "shell", body.Tools[1].Name)
		assert.Equal(t, "path", body.Tools[0].Parameters[0].Name)
	})
}

func TestServer_Conversations(t *testing.T) {
	newStore := func(t *testing.T) *session.Store {
		store, err := session.NewStore(session.Config{Path: filepath.Join(t.TempDir(), "conversations.db"), Logger: zerolog.Nop()})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		now := time.Now()
		for _, id := range []string{"conv-a", "conv-b"} {
			require.NoError(t, store.Save(context.Background(), &models.Conversation{
				ID:        id,
				CreatedAt: now,
				UpdatedAt: now,
				Messages: []models.Message{
					{ID: id + "-m1", Role: models.RoleUser, Content: "what is on my calendar", Timestamp: now},
				},
			}))
		}
		return store
	}

	t.Run("should list stored conversations", func(t *testing.T) {
		store := newStore(t)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Conversations = store })

		var body struct {
			Conversations []models.ConversationSummary `json:"conversations"`
		}
		getJSON(t, ts.URL+"/api/conversations", &body)
		assert.Len(t, body.Conversations, 2)

		getJSON(t, ts.URL+"/api/conversations?limit=1", &body)
		assert.Len(t, body.Conversations, 1)
	})

	t.Run("should reject a bad limit", func(t *testing.T) {
		store := newStore(t)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Conversations = store })
		resp := getJSON(t, ts.URL+"/api/conversations?limit=-3", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should load one conversation", func(t *testing.T) {
		store := newStore(t)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Conversations = store })

		var conv models.Conversation
		resp := getJSON(t, ts.URL+"/api/conversations/conv-a", &conv)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "conv-a", conv.ID)
		require.Len(t, conv.Messages, 1)
		assert.Equal(t, "what is on my calendar", conv.Messages[0].Content)
	})

	t.Run("should return 404 for unknown conversations", func(t *testing.T) {
		store := newStore(t)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Conversations = store })
		resp := getJSON(t, ts.URL+"/api/conversations/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should return 400 for unsafe ids", func(t *testing.T) {
		store := newStore(t)
		_, ts := newTestServer(t, func(cfg *Config) { cfg.Conversations = store })
		resp := getJSON(t, ts.URL+"/api/conversations/a..b", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_Tracing(t *testing.T) {
	t.Run("should echo an incoming trace id", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("X-Trace-Id", "trace-123")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-Id"))
	})

	t.Run("should assign a trace id when none is sent", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := getJSON(t, ts.URL+"/healthz", nil)
		assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})
}

func TestServer_CheckOrigin(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"localhost without config", nil, "http://localhost:3000", true},
		{"loopback ip without config", nil, "http://127.0.0.1:8080", true},
		{"remote without config", nil, "https://evil.example", false},
		{"configured origin", []string{"https://app.example"}, "https://app.example", true},
		{"localhost not configured", []string{"https://app.example"}, "http://localhost:3000", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
	}
	for _, tc := range cases {
		t.Run("should handle "+tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = tc.allowed })
			req := httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, srv.checkOrigin(req))
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	t.Run("should serve on an ephemeral port and stop", func(t *testing.T) {
		srv, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Chat: &MockChat{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NoError(t, srv.Start())

		resp, err := http.Get("http://" + srv.Addr() + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))

		_, err = http.Get("http://" + srv.Addr() + "/healthz")
		assert.Error(t, err)
	})
}
