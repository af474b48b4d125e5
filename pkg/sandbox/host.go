package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HostSandbox runs commands on the host with a timeout, capped output,
// a minimal environment and a restricted working directory.
type HostSandbox struct {
	config  Config
	guard   *PathGuard
	running bool
	mu      sync.RWMutex
}

// NewHostSandbox creates a new host-based sandbox
func NewHostSandbox(config Config) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := &HostSandbox{config: config}
	if len(config.FilesystemAccess.AllowedPaths) > 0 {
		guard, err := NewPathGuard(config.FilesystemAccess.AllowedPaths)
		if err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		h.guard = guard
	}
	if h.config.Shell == "" {
		h.config.Shell = "/bin/sh"
	}
	return h, nil
}

// Start initializes the sandbox
func (h *HostSandbox) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrSandboxAlreadyRunning
	}

	log.Info().
		Dur("timeout", h.config.ResourceLimits.Timeout).
		Int("allowed_roots", len(h.config.FilesystemAccess.AllowedPaths)).
		Msg("Starting host sandbox")

	h.running = true
	return nil
}

// Stop cleans up the sandbox
func (h *HostSandbox) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrSandboxNotRunning
	}

	log.Info().Msg("Stopping host sandbox")

	h.running = false
	return nil
}

// IsRunning returns whether the sandbox is running
func (h *HostSandbox) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// GetConfig returns the sandbox configuration
func (h *HostSandbox) GetConfig() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// ExecuteShell runs script through the configured shell with -c.
func (h *HostSandbox) ExecuteShell(ctx context.Context, script string, req ExecuteRequest) (ExecuteResult, error) {
	req.Command = h.GetConfig().Shell
	req.Args = []string{"-c", script}
	return h.Execute(ctx, req)
}

// Execute runs a command in the sandbox. A non-zero exit code is reported in
// the result, not as an error.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ExecuteResult{}, ErrSandboxNotRunning
	}
	cfg := h.config
	guard := h.guard
	h.mu.RUnlock()

	workDir := req.WorkingDir
	if workDir != "" && guard != nil {
		resolved, err := guard.Resolve(workDir)
		if err != nil {
			return ExecuteResult{}, err
		}
		workDir = resolved
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = cfg.ResourceLimits.Timeout
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = workDir
	cmd.Env = h.buildEnvironment(cfg.BaseEnv, req.Env)
	// Background children may hold the pipes open after the shell is killed.
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: cfg.ResourceLimits.MaxStdoutBytes}
	stderr := &cappedBuffer{limit: cfg.ResourceLimits.MaxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        duration,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		result.Error = ErrExecutionTimeout
		return result, ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		result.Error = ctx.Err()
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = err
		}
	}

	log.Debug().
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Bool("stdout_truncated", result.StdoutTruncated).
		Msg("Command executed in sandbox")

	return result, nil
}

// buildEnvironment builds the environment variables for the command
func (h *HostSandbox) buildEnvironment(base, extra map[string]string) []string {
	env := map[string]string{
		"PATH": "/usr/local/bin:/usr/bin:/bin",
		"HOME": "/tmp",
	}
	if len(base) > 0 {
		env = make(map[string]string, len(base))
		for k, v := range base {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
