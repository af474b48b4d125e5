package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedSandbox(t *testing.T, cfg Config) *HostSandbox {
	t.Helper()
	sb, err := NewHostSandbox(cfg)
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	t.Cleanup(func() { _ = sb.Stop(context.Background()) })
	return sb
}

func TestNewHostSandbox(t *testing.T) {
	t.Run("should reject a negative timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResourceLimits.Timeout = -time.Second
		_, err := NewHostSandbox(cfg)
		assert.ErrorIs(t, err, ErrInvalidTimeout)
	})

	t.Run("should reject negative output caps", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResourceLimits.MaxStderrBytes = -1
		_, err := NewHostSandbox(cfg)
		assert.ErrorIs(t, err, ErrInvalidOutputLimit)
	})
}

func TestHostSandbox_StartStop(t *testing.T) {
	sb, err := NewHostSandbox(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sb.Start(ctx))
	assert.True(t, sb.IsRunning())
	assert.ErrorIs(t, sb.Start(ctx), ErrSandboxAlreadyRunning)

	require.NoError(t, sb.Stop(ctx))
	assert.False(t, sb.IsRunning())
	assert.ErrorIs(t, sb.Stop(ctx), ErrSandboxNotRunning)

	_, err = sb.Execute(ctx, ExecuteRequest{Command: "echo"})
	assert.ErrorIs(t, err, ErrSandboxNotRunning)
}

func TestHostSandbox_Execute(t *testing.T) {
	sb := startedSandbox(t, DefaultConfig())
	ctx := context.Background()

	t.Run("should capture stdout", func(t *testing.T) {
		result, err := sb.ExecuteShell(ctx, "echo hello world", ExecuteRequest{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "hello world\n", string(result.Stdout))
		assert.Empty(t, result.Stderr)
	})

	t.Run("should report non-zero exit without error", func(t *testing.T) {
		result, err := sb.ExecuteShell(ctx, "echo oops >&2; exit 42", ExecuteRequest{})
		require.NoError(t, err)
		assert.Equal(t, 42, result.ExitCode)
		assert.Equal(t, "oops\n", string(result.Stderr))
	})

	t.Run("should pass stdin", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{Command: "cat", Stdin: []byte("test input")})
		require.NoError(t, err)
		assert.Equal(t, "test input", string(result.Stdout))
	})

	t.Run("should use a minimal environment", func(t *testing.T) {
		t.Setenv("DESKFLOW_SANDBOX_LEAK", "secret")
		result, err := sb.ExecuteShell(ctx, `echo "[$DESKFLOW_SANDBOX_LEAK][$EXTRA]"`, ExecuteRequest{Env: map[string]string{"EXTRA": "x"}})
		require.NoError(t, err)
		assert.Equal(t, "[][x]\n", string(result.Stdout))
	})

	t.Run("should time out", func(t *testing.T) {
		start := time.Now()
		result, err := sb.ExecuteShell(ctx, "sleep 10", ExecuteRequest{Timeout: 100 * time.Millisecond})
		assert.ErrorIs(t, err, ErrExecutionTimeout)
		assert.Equal(t, -1, result.ExitCode)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("should stop on caller cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := sb.ExecuteShell(cctx, "sleep 10", ExecuteRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHostSandbox_OutputCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceLimits.MaxStdoutBytes = 100
	cfg.ResourceLimits.MaxStderrBytes = 10
	sb := startedSandbox(t, cfg)

	result, err := sb.ExecuteShell(context.Background(), "head -c 5000 /dev/zero | tr '\\0' 'a'; head -c 50 /dev/zero | tr '\\0' 'b' >&2", ExecuteRequest{})
	require.NoError(t, err)
	assert.Len(t, result.Stdout, 100)
	assert.True(t, result.StdoutTruncated)
	assert.Equal(t, strings.Repeat("b", 10), string(result.Stderr))
	assert.True(t, result.StderrTruncated)
}

func TestHostSandbox_WorkingDir(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.FilesystemAccess.AllowedPaths = []string{root}
	sb := startedSandbox(t, cfg)

	t.Run("should run inside an allowed root", func(t *testing.T) {
		result, err := sb.ExecuteShell(context.Background(), "pwd", ExecuteRequest{WorkingDir: root})
		require.NoError(t, err)
		resolved, _ := NewPathGuard([]string{root})
		assert.Equal(t, resolved.Roots()[0]+"\n", string(result.Stdout))
	})

	t.Run("should refuse a directory outside the roots", func(t *testing.T) {
		_, err := sb.ExecuteShell(context.Background(), "pwd", ExecuteRequest{WorkingDir: "/etc"})
		assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
	})
}
