package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 32, cfg.Agent.EventBuffer)
	assert.Equal(t, 128000, cfg.Agent.MaxContextTokens)
	assert.Equal(t, 4096, cfg.Agent.ResponseReserve)
	assert.Equal(t, 1000, cfg.Memory.CacheSize)
	assert.Equal(t, 30*24*time.Hour, cfg.HalfLife())
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout())
	assert.Equal(t, 120*time.Second, cfg.ProviderTimeout())
	assert.Equal(t, 10*1024, cfg.Tools.MaxOutputBytes)
	assert.Len(t, cfg.Providers, 2)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("should reject an empty provider list", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject unknown provider kinds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers[0].Provider = "gemini"
		assert.ErrorContains(t, cfg.Validate(), "invalid provider")
	})

	t.Run("should reject duplicate provider ids", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers[1].ID = cfg.Providers[0].ID
		errs := NewValidator().ValidateConfig(cfg)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0].Error(), "duplicate")
	})

	t.Run("should reject a reserve larger than the context", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agent.ResponseReserve = cfg.Agent.MaxContextTokens
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject a bad cron schedule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Maintenance.HealthCheckSchedule = "every now and then"
		assert.ErrorContains(t, cfg.Validate(), "health check")
	})

	t.Run("should allow a disabled schedule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Maintenance.StatsSchedule = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should collect every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "loud"
		cfg.Gateway.Port = 0
		cfg.Memory.CacheSize = 0
		assert.Len(t, NewValidator().ValidateConfig(cfg), 3)
	})
}

func TestOrderedProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderProfile{
		{ID: "c", Priority: 3},
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 1},
	}

	ordered := cfg.OrderedProviders()
	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "b", ordered[1].ID)
	assert.Equal(t, "c", ordered[2].ID)
	assert.Equal(t, "c", cfg.Providers[0].ID)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Agent.MaxToolRounds)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("should merge a json file over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deskflow.json")
		content := `{
			"gateway": {"port": 9999},
			"data_dir": "/tmp/deskflow-test",
			"memory": {"half_life_days": 7}
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Gateway.Port)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, 7.0, cfg.Memory.HalfLifeDays)
		assert.Equal(t, "/tmp/deskflow-test", cfg.DataDir)
		assert.Equal(t, filepath.Join("/tmp/deskflow-test", "deskflow.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join("/tmp/deskflow-test", "tools"), cfg.Tools.ManifestDir)
	})

	t.Run("should read yaml files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deskflow.yaml")
		content := "agent:\n  max_tool_rounds: 4\nproviders:\n  - id: local\n    provider: openai\n    model: llama3\n    base_url: http://localhost:11434/v1\n    priority: 1\n    max_tokens: 2048\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Agent.MaxToolRounds)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "http://localhost:11434/v1", cfg.Providers[0].BaseURL)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("DESKFLOW_GATEWAY_PORT", "7000")
		t.Setenv("DESKFLOW_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Gateway.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should fail on invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deskflow.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Gateway.Port = 8123
	cfg.DataDir = t.TempDir()
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Gateway.Port)
	assert.Equal(t, cfg.Providers[0].Model, loaded.Providers[0].Model)
}

func TestCredentials(t *testing.T) {
	env := map[string]string{
		"DESKFLOW_ANTHROPIC_API_KEY": "sk-ant-REDACTED",
		"ANTHROPIC_API_KEY":          "sk-ant-REDACTED",
		"CUSTOM_OPENAI":              "sk-custom-1234567890abcd",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Providers[1].APIKeyEnv = "CUSTOM_OPENAI"
	creds := ResolveCredentialsFrom(cfg, lookup)

	key, ok := creds.Key("anthropic")
	require.True(t, ok)
	assert.Equal(t, "sk-ant-REDACTED", key)

	key, ok = creds.Key("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-custom-1234567890abcd", key)
	assert.Equal(t, 2, creds.Count())
}

func TestSnapshotMasksKeys(t *testing.T) {
	cfg := DefaultConfig()
	secret := "sk-ant-REDACTED"
	creds := ResolveCredentialsFrom(cfg, func(k string) (string, bool) {
		if k == "DESKFLOW_ANTHROPIC_API_KEY" {
			return secret, true
		}
		return "", false
	})

	snap := Snapshot(cfg, creds)
	providers := snap["providers"].([]map[string]any)
	require.Len(t, providers, 2)
	assert.Equal(t, "sk-a…wxyz", providers[0]["api_key"])
	assert.Equal(t, true, providers[0]["configured"])
	assert.Equal(t, "", providers[1]["api_key"])
	assert.Equal(t, false, providers[1]["configured"])
	assert.NotContains(t, cfg.String(), secret)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "sk-1…7890", MaskKey("sk-1234567890"))
}
