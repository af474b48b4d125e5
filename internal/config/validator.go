package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider checks the provider kind.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai":
		return nil
	}
	return fmt.Errorf("invalid provider %q (must be: anthropic, openai)", provider)
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule checks a cron spec. Empty disables the job.
func (v *Validator) ValidateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := v.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if len(cfg.Providers) == 0 {
		errs = append(errs, fmt.Errorf("at least one provider must be configured"))
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("provider %d: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if err := v.ValidateProvider(p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("provider %s: model is required", p.ID))
		}
		if err := v.ValidateMaxTokens(p.MaxTokens); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
		}
		if err := v.ValidateTemperature(p.Temperature); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
		}
	}

	if cfg.Agent.MaxToolRounds <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds must be > 0"))
	}
	if cfg.Agent.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("agent.event_buffer must be > 0"))
	}
	if cfg.Agent.ResponseReserve >= cfg.Agent.MaxContextTokens {
		errs = append(errs, fmt.Errorf("agent.response_reserve must be smaller than agent.max_context_tokens"))
	}
	if cfg.Agent.ProviderTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("agent.provider_timeout_seconds must be > 0"))
	}

	if cfg.Memory.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("memory.cache_size must be > 0"))
	}
	if cfg.Memory.HalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("memory.half_life_days must be > 0"))
	}
	if cfg.Memory.Embeddings.Enabled && cfg.Memory.Embeddings.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("memory.embeddings.dimension must be > 0"))
	}

	if cfg.Tools.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tools.default_timeout_seconds must be > 0"))
	}
	if cfg.Tools.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_bytes must be > 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.TurnsPerMinute < 0 || cfg.Gateway.MaxConcurrentChats < 0 {
		errs = append(errs, fmt.Errorf("gateway limits must be >= 0"))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateSchedule("health check", cfg.Maintenance.HealthCheckSchedule); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule("stats", cfg.Maintenance.StatsSchedule); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule("prune", cfg.Maintenance.PruneSchedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Maintenance.ConversationRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("maintenance.conversation_retention_days cannot be negative"))
	}

	return errs
}
