package cli

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon serves canned JSON bodies by path.
func fakeDaemon(t *testing.T, routes map[string]string) string {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range routes {
		body := body
		mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()
	return host
}

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand(GetRootCmd(), "status"), "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		out, _, err := execute(t, "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "status")
	})

	t.Run("should report a stopped daemon", func(t *testing.T) {
		out, _, err := execute(t, "status", "--addr", closedAddr(t))
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", out)
	})

	t.Run("should print daemon status", func(t *testing.T) {
		host := fakeDaemon(t, map[string]string{
			"/api/health": `{"status":"ok","version":"0.1.0","uptime":3725}`,
			"/api/status": `{
				"stats": {"total_conversations": 2, "total_turns": 5, "total_tool_calls": 3, "total_tokens_used": 900},
				"memory": {"entries": 12},
				"tools": 4,
				"tools_in_flight": 1,
				"providers": {
					"openai": {"name": "openai", "state": "degraded", "total_requests": 2, "total_failures": 1},
					"anthropic": {"name": "anthropic", "state": "healthy", "total_requests": 5}
				},
				"clients": 1
			}`,
		})

		out, _, err := execute(t, "status", "--addr", host)
		require.NoError(t, err)

		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "Version: 0.1.0")
		assert.Contains(t, out, "Uptime: 1h2m5s")
		assert.Contains(t, out, "Turns: 5")
		assert.Contains(t, out, "Tools: 4 (1 running)")
		assert.Contains(t, out, "Memory entries: 12")
		assert.Less(t,
			strings.Index(out, "Provider anthropic: healthy"),
			strings.Index(out, "Provider openai: degraded (2 requests, 1 failures)"))
	})

	t.Run("should surface API errors", func(t *testing.T) {
		host := fakeDaemon(t, map[string]string{
			"/api/health": `{"status":"ok","version":"0.1.0","uptime":1}`,
		})
		_, _, err := execute(t, "status", "--addr", host)
		assert.ErrorContains(t, err, "/api/status")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
