package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// Config represents the main deskflow configuration.
// Provider credentials are never part of Config; see Credentials.
type Config struct {
	// Providers in failover order (lower priority value first)
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`

	// Agent turn loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Long-term memory
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Tool registry and built-in executors
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway HTTP/WebSocket server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Background maintenance jobs
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Data directory for databases and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderProfile describes one language-model provider.
type ProviderProfile struct {
	ID          string  `json:"id" mapstructure:"id"`
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	BaseURL     string  `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority    int     `json:"priority" mapstructure:"priority"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	// APIKeyEnv overrides the environment variable the key is read from.
	APIKeyEnv string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
}

// AgentConfig holds turn loop settings.
type AgentConfig struct {
	SystemPrompt           string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxToolRounds          int    `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	EventBuffer            int    `json:"event_buffer" mapstructure:"event_buffer"`
	MaxContextTokens       int    `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	ResponseReserve        int    `json:"response_reserve" mapstructure:"response_reserve"`
	ProviderTimeoutSeconds int    `json:"provider_timeout_seconds" mapstructure:"provider_timeout_seconds"`
	MemoryResults          int    `json:"memory_results" mapstructure:"memory_results"`
	RejectConcurrent       bool   `json:"reject_concurrent" mapstructure:"reject_concurrent"`
	StoreInteractions      bool   `json:"store_interactions" mapstructure:"store_interactions"`
}

// MemoryConfig holds memory store settings.
type MemoryConfig struct {
	Path         string          `json:"path" mapstructure:"path"`
	CacheSize    int             `json:"cache_size" mapstructure:"cache_size"`
	HalfLifeDays float64         `json:"half_life_days" mapstructure:"half_life_days"`
	Embeddings   EmbeddingConfig `json:"embeddings" mapstructure:"embeddings"`
}

// EmbeddingConfig enables vector recall through sqlite-vec.
type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Model     string `json:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	ManifestDir           string   `json:"manifest_dir" mapstructure:"manifest_dir"`
	WatchManifests        bool     `json:"watch_manifests" mapstructure:"watch_manifests"`
	AllowDowngrade        bool     `json:"allow_downgrade" mapstructure:"allow_downgrade"`
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	MaxOutputBytes        int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	AllowedRoots          []string `json:"allowed_roots" mapstructure:"allowed_roots"`
	WorkingDir            string   `json:"working_dir" mapstructure:"working_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host           string   `json:"host" mapstructure:"host"`
	Port           int      `json:"port" mapstructure:"port"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`

	// Per-connection and per-process turn limits; 0 uses the gateway defaults.
	TurnsPerMinute     int `json:"turns_per_minute" mapstructure:"turns_per_minute"`
	MaxConcurrentChats int `json:"max_concurrent_chats" mapstructure:"max_concurrent_chats"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// MaintenanceConfig holds cron schedules for background jobs.
type MaintenanceConfig struct {
	HealthCheckSchedule string `json:"health_check_schedule" mapstructure:"health_check_schedule"`
	StatsSchedule       string `json:"stats_schedule" mapstructure:"stats_schedule"`
	PruneSchedule       string `json:"prune_schedule" mapstructure:"prune_schedule"`

	// Conversations untouched for longer are deleted by the prune job; 0 keeps everything.
	ConversationRetentionDays int `json:"conversation_retention_days" mapstructure:"conversation_retention_days"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderProfile{
			{
				ID:          "anthropic",
				Provider:    "anthropic",
				Model:       "claude-sonnet-4-20250514",
				Priority:    1,
				MaxTokens:   4096,
				Temperature: 0.7,
			},
			{
				ID:          "openai",
				Provider:    "openai",
				Model:       "gpt-4o",
				Priority:    2,
				MaxTokens:   4096,
				Temperature: 0.7,
			},
		},
		Agent: AgentConfig{
			MaxToolRounds:          10,
			EventBuffer:            32,
			MaxContextTokens:       128000,
			ResponseReserve:        4096,
			ProviderTimeoutSeconds: 120,
			MemoryResults:          5,
			StoreInteractions:      true,
		},
		Memory: MemoryConfig{
			CacheSize:    1000,
			HalfLifeDays: 30,
			Embeddings: EmbeddingConfig{
				Model:     "text-embedding-3-small",
				Dimension: 1536,
			},
		},
		Tools: ToolsConfig{
			DefaultTimeoutSeconds: 30,
			MaxOutputBytes:        10 * 1024,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               8765,
			TurnsPerMinute:     30,
			MaxConcurrentChats: 4,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Maintenance: MaintenanceConfig{
			HealthCheckSchedule: "@every 5m",
			StatsSchedule:       "@every 1m",
			PruneSchedule:       "@daily",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// OrderedProviders returns the profiles sorted by priority, stable on ties.
func (c *Config) OrderedProviders() []ProviderProfile {
	out := append([]ProviderProfile(nil), c.Providers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ProviderTimeout returns the per-call provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Agent.ProviderTimeoutSeconds) * time.Second
}

// ToolTimeout returns the registry default tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second
}

// HalfLife returns the memory decay half-life.
func (c *Config) HalfLife() time.Duration {
	return time.Duration(c.Memory.HalfLifeDays * float64(24*time.Hour))
}

// MemoryPath returns the memory database path.
func (c *Config) MemoryPath() string {
	if c.Memory.Path != "" {
		return c.Memory.Path
	}
	return filepath.Join(c.DataDir, "memory.db")
}

// ConversationsPath returns the conversation database path.
func (c *Config) ConversationsPath() string {
	return filepath.Join(c.DataDir, "conversations.db")
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
