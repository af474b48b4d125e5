package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/agent"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/memory"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/session"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

const (
	maxRequestBytes          = 1 << 20
	defaultConversationLimit = 50
	maxConversationLimit     = 500
	providerCheckTimeout     = 15 * time.Second
)

// ChatService runs turns. *agent.Orchestrator satisfies it.
type ChatService interface {
	Stream(ctx context.Context, message, conversationID string) (<-chan models.StreamEvent, error)
	Chat(ctx context.Context, message, conversationID string) (*agent.ChatResult, error)
	Abort(conversationID string) bool
	Stats() agent.StatsSnapshot
}

// ProviderService reports model provider health. *llm.Client satisfies it.
type ProviderService interface {
	HealthCheck(ctx context.Context) map[string]llm.ProviderStatus
	Health() *llm.HealthMonitor
	Usage() llm.UsageStats
}

// MemoryService reports memory statistics. *memory.Manager satisfies it.
type MemoryService interface {
	Stats(ctx context.Context) memory.Stats
}

// ToolCatalog exposes registered tools. *toolexecutor.Registry satisfies it.
type ToolCatalog interface {
	List() []toolexecutor.ToolDefinition
	Count() int
	InFlight() int64
}

// ConversationService reads stored conversations. *session.Store satisfies it.
type ConversationService interface {
	List(ctx context.Context, limit int) ([]models.ConversationSummary, error)
	Load(ctx context.Context, id string) (*models.Conversation, error)
}

// Config holds server configuration. Chat is required; the other services
// are optional and their endpoints answer 503 without them.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Version        string

	Chat           ChatService
	Providers      ProviderService
	Memory         MemoryService
	Tools          ToolCatalog
	Conversations  ConversationService
	ConfigSnapshot func() map[string]any

	TurnsPerMinute     int
	MaxConcurrentChats int
	Logger             zerolog.Logger
}

// Server is the HTTP and WebSocket surface of the daemon.
type Server struct {
	addr    string
	version string
	started time.Time

	chat           ChatService
	providers      ProviderService
	memory         MemoryService
	tools          ToolCatalog
	conversations  ConversationService
	configSnapshot func() map[string]any

	turnsPerMinute int
	chatLimiter    *RateLimiter
	clients        *ClientRegistry
	upgrader       websocket.Upgrader
	allowedOrigins []string
	logger         zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	streams        sync.WaitGroup
}

// NewServer creates a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	observability.EnsureRegistered()

	s := &Server{
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		version:        cfg.Version,
		started:        time.Now(),
		chat:           cfg.Chat,
		providers:      cfg.Providers,
		memory:         cfg.Memory,
		tools:          cfg.Tools,
		conversations:  cfg.Conversations,
		configSnapshot: cfg.ConfigSnapshot,
		turnsPerMinute: cfg.TurnsPerMinute,
		chatLimiter:    NewRateLimiter(cfg.TurnsPerMinute, cfg.MaxConcurrentChats),
		clients:        NewClientRegistry(),
		allowedOrigins: cfg.AllowedOrigins,
		logger:         cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/stream", s.handleStream)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/conversations/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/providers", s.handleProviderHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversation)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.withTracing(mux)
}

// withTracing gives every request a trace id, taken from X-Trace-Id when present.
func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)
		if requestID, err := gonanoid.New(); err == nil {
			ctx = tracing.WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-Id", requestID)
		}

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes stream connections, which cancels their turns, then shuts down HTTP.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("clients", s.clients.Count()).Msg("Shutting down gateway server")
	s.clients.CloseAll()

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached while closing streams")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// checkOrigin admits requests without an Origin, configured origins, and
// loopback origins when none are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin) {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ok, reason := s.chatLimiter.Begin()
	if !ok {
		writeError(w, http.StatusTooManyRequests, reason)
		return
	}
	defer s.chatLimiter.End()

	result, err := s.chat.Chat(r.Context(), req.Message, req.ConversationID)
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty message")
		return
	case errors.Is(err, agent.ErrConversationBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, agent.ErrTurnFailed):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		if r.Context().Err() == nil {
			logger := tracing.LoggerFromContext(r.Context(), s.logger)
			logger.Error().Err(err).Msg("Chat failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if result.ToolCalls == nil {
		result.ToolCalls = []models.ToolCall{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	aborted := s.chat.Abort(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		writeError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), providerCheckTimeout)
	defer cancel()

	results := s.providers.HealthCheck(ctx)
	status := "unavailable"
	for _, res := range results {
		if res.Reachable {
			status = "ok"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": results,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Stats:     s.chat.Stats(),
		Providers: map[string]llm.ProviderHealth{},
		Clients:   s.clients.Count(),
	}
	if s.memory != nil {
		stats := s.memory.Stats(r.Context())
		resp.Memory = &stats
	}
	if s.tools != nil {
		resp.Tools = s.tools.Count()
		resp.ToolsActive = s.tools.InFlight()
	}
	if s.providers != nil {
		resp.Providers = s.providers.Health().Summary()
		resp.Usage = s.providers.Usage()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.configSnapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.configSnapshot())
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusServiceUnavailable, "tool registry unavailable")
		return
	}
	defs := s.tools.List()
	infos := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Version:     d.Version,
			Source:      d.Source,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": infos, "count": len(infos)})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clients": s.clients.List()})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxConversationLimit)
	}

	list, err := s.conversations.List(r.Context(), limit)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to list conversations")
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	conv, err := s.conversations.Load(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, session.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid conversation id")
	case err != nil:
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to load conversation")
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
	default:
		writeJSON(w, http.StatusOK, conv)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
