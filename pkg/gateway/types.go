package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/deskflow/pkg/agent"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/memory"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// ClientMessage is a frame sent by a stream client.
type ClientMessage struct {
	// Type is empty for a chat turn or "stop" to abort the active turn.
	Type           string `json:"type,omitempty"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

const clientMessageStop = "stop"

const writeTimeout = 10 * time.Second

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Stats       agent.StatsSnapshot           `json:"stats"`
	Memory      *memory.Stats                 `json:"memory,omitempty"`
	Tools       int                           `json:"tools"`
	ToolsActive int64                         `json:"tools_in_flight"`
	Providers   map[string]llm.ProviderHealth `json:"providers"`
	Usage       llm.UsageStats                `json:"usage"`
	Clients     int                           `json:"clients"`
}

// ToolInfo is one entry of GET /api/tools.
type ToolInfo struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Parameters  []toolexecutor.ToolParameter `json:"parameters"`
	Version     string                       `json:"version,omitempty"`
	Source      string                       `json:"source,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientInfo describes a connected stream client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Turns        int       `json:"turns"`
}

// Client is one WebSocket stream connection.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *RateLimiter

	mu           sync.Mutex
	lastActivity time.Time
	turns        int
	writeMu      sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

func (c *Client) touch(turn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if turn {
		c.turns++
	}
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:           c.ID,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		IPAddress:    c.IPAddress,
		Turns:        c.turns,
	}
}
