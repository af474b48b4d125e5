package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskflow.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		require.True(t, hasCommand(cmd, "config"))
		configCmd, _, err := cmd.Find([]string{"config"})
		require.NoError(t, err)
		assert.True(t, hasCommand(configCmd, "show"))
		assert.True(t, hasCommand(configCmd, "init"))
	})

	t.Run("should write a default config once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "deskflow.json")

		out, _, err := execute(t, "config", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var written map[string]any
		require.NoError(t, json.Unmarshal(data, &written))
		assert.Contains(t, written, "providers")
		assert.Contains(t, written, "gateway")

		_, _, err = execute(t, "config", "init", "--config", path)
		assert.ErrorContains(t, err, "already exists")

		_, _, err = execute(t, "config", "init", "--config", path, "--force")
		assert.NoError(t, err)
	})

	t.Run("should show the config with keys masked", func(t *testing.T) {
		t.Setenv("DESKFLOW_ANTHROPIC_API_KEY", "sk-ant-abcdefghijklmnop")
		path := writeConfigFile(t, `{"data_dir": "`+t.TempDir()+`", "gateway": {"port": 9911}}`)

		out, _, err := execute(t, "config", "show", "--config", path)
		require.NoError(t, err)

		assert.NotContains(t, out, "sk-ant-abcdefghijklmnop")
		assert.Contains(t, out, "sk-a…mnop")

		var snapshot map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
		gateway := snapshot["gateway"].(map[string]any)
		assert.EqualValues(t, 9911, gateway["port"])
	})

	t.Run("should apply the log level override", func(t *testing.T) {
		path := writeConfigFile(t, `{"data_dir": "`+t.TempDir()+`"}`)

		out, _, err := execute(t, "config", "show", "--config", path, "--log-level", "debug")
		require.NoError(t, err)

		var snapshot map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
		logging := snapshot["logging"].(map[string]any)
		assert.Equal(t, "debug", logging["level"])
	})
}
