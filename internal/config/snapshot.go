package config

// Snapshot returns a redacted, JSON-ready view of the configuration.
// Keys appear only in masked form.
func Snapshot(cfg *Config, creds *Credentials) map[string]any {
	providers := make([]map[string]any, 0, len(cfg.Providers))
	for _, p := range cfg.OrderedProviders() {
		entry := map[string]any{
			"id":          p.ID,
			"provider":    p.Provider,
			"model":       p.Model,
			"priority":    p.Priority,
			"max_tokens":  p.MaxTokens,
			"temperature": p.Temperature,
		}
		if p.BaseURL != "" {
			entry["base_url"] = p.BaseURL
		}
		key := ""
		if creds != nil {
			key, _ = creds.Key(p.ID)
		}
		entry["api_key"] = MaskKey(key)
		entry["configured"] = key != ""
		providers = append(providers, entry)
	}

	return map[string]any{
		"providers": providers,
		"agent":     cfg.Agent,
		"memory": map[string]any{
			"path":              cfg.MemoryPath(),
			"cache_size":        cfg.Memory.CacheSize,
			"half_life_days":    cfg.Memory.HalfLifeDays,
			"embedding_enabled": cfg.Memory.Embeddings.Enabled,
		},
		"tools":       cfg.Tools,
		"gateway":     cfg.Gateway,
		"logging":     map[string]any{"level": cfg.Logging.Level, "redaction": cfg.Logging.Redaction},
		"tracing":     cfg.Tracing,
		"maintenance": cfg.Maintenance,
		"data_dir":    cfg.DataDir,
	}
}
