package config

import (
	"os"
	"strings"
)

// Credentials holds provider API keys resolved from the environment.
type Credentials struct {
	keys map[string]string // profile ID -> key
}

// defaultKeyEnv lists the environment variables checked per provider kind, in order.
var defaultKeyEnv = map[string][]string{
	"anthropic": {"DESKFLOW_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
	"openai":    {"DESKFLOW_OPENAI_API_KEY", "OPENAI_API_KEY"},
}

// ResolveCredentials reads a key for every profile from the environment.
func ResolveCredentials(cfg *Config) *Credentials {
	return ResolveCredentialsFrom(cfg, os.LookupEnv)
}

// ResolveCredentialsFrom is ResolveCredentials with an injectable lookup.
func ResolveCredentialsFrom(cfg *Config, lookup func(string) (string, bool)) *Credentials {
	creds := &Credentials{keys: make(map[string]string)}
	for _, p := range cfg.Providers {
		names := defaultKeyEnv[p.Provider]
		if p.APIKeyEnv != "" {
			names = append([]string{p.APIKeyEnv}, names...)
		}
		for _, name := range names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				creds.keys[p.ID] = strings.TrimSpace(v)
				break
			}
		}
	}
	return creds
}

// Key returns the API key for a profile.
func (c *Credentials) Key(profileID string) (string, bool) {
	k, ok := c.keys[profileID]
	return k, ok
}

// Count returns how many profiles have a key.
func (c *Credentials) Count() int {
	return len(c.keys)
}

// MaskKey shows only enough of a key to identify it.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
